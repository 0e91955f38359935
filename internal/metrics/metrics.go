// SPDX-License-Identifier: MIT

// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Decisions counts admission outcomes by disposition.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsgate_admission_decisions_total",
		Help: "Admission pipeline outcomes.",
	}, []string{"outcome"})

	// Denials counts denied requests by reason.
	Denials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsgate_denials_total",
		Help: "Denied requests by reason.",
	}, []string{"reason"})

	// AdmissionDuration observes time spent in the admission pipeline,
	// excluding body delivery.
	AdmissionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hlsgate_admission_duration_seconds",
		Help:    "Admission pipeline latency.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	// BytesTransferred counts delivered body bytes by file type.
	BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsgate_bytes_transferred_total",
		Help: "Body bytes delivered to clients.",
	}, []string{"file_type"})

	// ReplayBlocked counts token replay and key-access rejections.
	ReplayBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsgate_replay_blocked_total",
		Help: "Requests blocked by the replay or key-access counters.",
	}, []string{"kind"})
)

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
