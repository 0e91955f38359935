// SPDX-License-Identifier: MIT

// Package api assembles the HTTP surface: the admin endpoints under
// /api (Bearer-gated, rate limited), the monitoring and debug reads,
// the Prometheus exposition and the catch-all proxy route handled by
// the admission gate.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/vstreamlab/hlsgate/internal/accesslog"
	"github.com/vstreamlab/hlsgate/internal/config"
	"github.com/vstreamlab/hlsgate/internal/delivery"
	"github.com/vstreamlab/hlsgate/internal/jswhitelist"
	"github.com/vstreamlab/hlsgate/internal/keyprotect"
	"github.com/vstreamlab/hlsgate/internal/kv"
	"github.com/vstreamlab/hlsgate/internal/log"
	"github.com/vstreamlab/hlsgate/internal/metrics"
	"github.com/vstreamlab/hlsgate/internal/netutil"
	"github.com/vstreamlab/hlsgate/internal/session"
	"github.com/vstreamlab/hlsgate/internal/token"
	"github.com/vstreamlab/hlsgate/internal/transfer"
	"github.com/vstreamlab/hlsgate/internal/whitelist"
)

// Deps bundles the server's collaborators.
type Deps struct {
	Config     *config.Config
	KV         *kv.Store
	Whitelist  *whitelist.Store
	Session    *session.Store
	JS         *jswhitelist.Tracker
	KeyProtect *keyprotect.Service
	Engine     *delivery.Engine
	Tracker    *transfer.Tracker
	Logs       *accesslog.Reader
	Gate       http.Handler
}

// Server holds the handler state behind the router.
type Server struct {
	cfg        *config.Config
	kv         *kv.Store
	whitelist  *whitelist.Store
	session    *session.Store
	js         *jswhitelist.Tracker
	keyprotect *keyprotect.Service
	engine     *delivery.Engine
	tracker    *transfer.Tracker
	logs       *accesslog.Reader
	gate       http.Handler
	logger     zerolog.Logger
	startTime  time.Time
}

// NewRouter builds the full route tree.
func NewRouter(d Deps) chi.Router {
	s := &Server{
		cfg:        d.Config,
		kv:         d.KV,
		whitelist:  d.Whitelist,
		session:    d.Session,
		js:         d.JS,
		keyprotect: d.KeyProtect,
		engine:     d.Engine,
		tracker:    d.Tracker,
		logs:       d.Logs,
		gate:       d.Gate,
		logger:     log.WithComponent("api"),
		startTime:  time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.cfg.AdminRateLimit, time.Minute))

		r.Group(func(r chi.Router) {
			r.Use(s.requireAPIKey)
			r.Post("/whitelist", s.handleWhitelistAdd)
			r.Post("/static-whitelist", s.handleStaticWhitelistAdd)
			r.Get("/js-whitelist/stats", s.handleJSWhitelistStats)
			r.Post("/file/check", s.handleFileCheck)
			r.Post("/file/check/batch", s.handleFileCheckBatch)
		})

		// Dual-auth: Bearer key or front-end HMAC signature.
		r.Post("/js-whitelist", s.handleJSWhitelistAdd)
		r.Get("/js-whitelist", s.handleJSWhitelistAdd)
		r.Get("/js-whitelist/check", s.handleJSWhitelistCheck)

		r.Get("/access-logs/denied", s.handleAccessLogs(accesslog.RingDenied, "denied_count"))
		r.Get("/access-logs/recent", s.handleAccessLogs(accesslog.RingRecent, "recent_count"))
		r.Get("/access-logs/summary", s.handleAccessLogSummary)
		r.Get("/replay-logs", s.handleEventLogs(accesslog.RingReplay))
		r.Get("/replay-logs/summary", s.handleEventLogSummary(accesslog.RingReplay))
		r.Get("/key-access-logs", s.handleEventLogs(accesslog.RingKeyAccess))
		r.Get("/key-access-logs/summary", s.handleEventLogSummary(accesslog.RingKeyAccess))
		r.Get("/m3u8-cache-stats", s.handleManifestCacheStats)
	})

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/traffic", s.handleTraffic)
	r.Get("/active-transfers", s.handleActiveTransfers)
	r.Get("/whitelist-info", s.handleWhitelistInfo)
	r.Get("/probe/backend", s.handleProbeBackend)

	r.Get("/debug/browser", s.handleDebugBrowser)
	r.Get("/debug/cidr", s.handleDebugCIDR)
	r.Get("/debug/ip-whitelist", s.handleDebugIPWhitelist)
	r.Get("/debug/session", s.handleDebugSession)

	if s.cfg.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Get("/*", s.gate.ServeHTTP)
	r.Head("/*", s.gate.ServeHTTP)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requireAPIKey gates admin endpoints on the Bearer key.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !token.ValidateAPIKey(r.Header.Get("Authorization"), s.cfg.APIKey) {
			s.logger.Warn().
				Str("ip", netutil.ClientIP(r)).
				Str("path", r.URL.Path).
				Msg("admin request with invalid API key")
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "Invalid or missing API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// queryLimit parses a positive limit query value bounded to max.
func queryLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
