// SPDX-License-Identifier: MIT

// Package accesslog maintains the bounded log rings in the control-plane
// store: admitted and denied request records plus the replay and
// key-access event rings. Submissions go through a bounded queue served
// by a writer goroutine; the hot path never blocks and a saturated
// queue drops the record.
package accesslog

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/vstreamlab/hlsgate/internal/kv"
	"github.com/vstreamlab/hlsgate/internal/log"
)

// Ring names and caps.
const (
	RingRecent    = "access_log:recent"
	RingDenied    = "access_log:denied"
	RingReplay    = "token_replay:logs"
	RingKeyAccess = "key_protect:logs"

	AccessRingCap = 100
	EventRingCap  = 300

	ringTTL = 7 * 24 * time.Hour
)

// maxUALen and maxURLLen bound stored field widths.
const (
	maxUALen  = 200
	maxURLLen = 500
)

func ringCap(ring string) int {
	switch ring {
	case RingReplay, RingKeyAccess:
		return EventRingCap
	default:
		return AccessRingCap
	}
}

// AccessRecord is one admitted or denied request.
type AccessRecord struct {
	UID       string `json:"uid"`
	IP        string `json:"ip"`
	UA        string `json:"ua"`
	Path      string `json:"path"`
	Timestamp int64  `json:"timestamp"`
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Fallback  bool   `json:"fallback,omitempty"`
}

// EventRecord is one replay or key-access event.
type EventRecord struct {
	Type      string `json:"type,omitempty"`
	UID       string `json:"uid"`
	Path      string `json:"path"`
	FullURL   string `json:"full_url"`
	IP        string `json:"ip"`
	UA        string `json:"ua,omitempty"`
	Count     int64  `json:"count"`
	MaxUses   int    `json:"max_uses"`
	Blocked   bool   `json:"blocked"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type submission struct {
	ring string
	data []byte
}

// Writer serializes ring writes through a bounded queue.
type Writer struct {
	kv        *kv.Store
	queue     chan submission
	done      chan struct{}
	logger    zerolog.Logger
	timeout   time.Duration
	closeOnce sync.Once
}

// NewWriter starts the background writer. queueSize bounds in-flight
// submissions; overflow drops.
func NewWriter(store *kv.Store, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	w := &Writer{
		kv:      store,
		queue:   make(chan submission, queueSize),
		done:    make(chan struct{}),
		logger:  log.WithComponent("accesslog"),
		timeout: 3 * time.Second,
	}
	go w.run()
	return w
}

// Close drains pending submissions and stops the writer. Safe to call
// more than once.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		close(w.queue)
		<-w.done
	})
}

func (w *Writer) run() {
	defer close(w.done)
	for sub := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		w.kv.Batch(ctx, []kv.Op{
			{Kind: kv.OpLPush, Key: sub.ring, Value: string(sub.data)},
			{Kind: kv.OpLTrim, Key: sub.ring, Start: 0, Stop: int64(ringCap(sub.ring)) - 1},
			{Kind: kv.OpExpire, Key: sub.ring, TTL: ringTTL},
		})
		cancel()
	}
}

// enqueue submits a record without blocking. Saturation drops.
func (w *Writer) enqueue(ring string, record any) {
	data, err := json.Marshal(record)
	if err != nil {
		w.logger.Warn().Err(err).Str("ring", ring).Msg("log record encode failed")
		return
	}
	select {
	case w.queue <- submission{ring: ring, data: data}:
	default:
		w.logger.Warn().Str("ring", ring).Msg("log queue saturated, record dropped")
	}
}

// LogAccess records an admitted or denied request.
func (w *Writer) LogAccess(uid, ip, userAgent, path string, allowed bool, reason string, fallback bool) {
	if uid == "" {
		uid = "unknown"
	}
	rec := AccessRecord{
		UID:       uid,
		IP:        ip,
		UA:        truncate(userAgent, maxUALen),
		Path:      path,
		Timestamp: time.Now().Unix(),
		Allowed:   allowed,
		Fallback:  fallback,
	}
	if !allowed {
		rec.Reason = reason
	}
	ring := RingRecent
	if !allowed {
		ring = RingDenied
	}
	w.enqueue(ring, rec)
}

// LogEvent records a replay or key-access event into its ring.
func (w *Writer) LogEvent(ring string, rec EventRecord) {
	rec.UA = truncate(rec.UA, maxUALen)
	if rec.FullURL == "" {
		rec.FullURL = rec.Path
	}
	rec.FullURL = truncate(rec.FullURL, maxURLLen)
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().Unix()
	}
	w.enqueue(ring, rec)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Reader serves the monitoring read APIs over the rings.
type Reader struct {
	kv *kv.Store
}

// NewReader builds a ring reader.
func NewReader(store *kv.Store) *Reader {
	return &Reader{kv: store}
}

// Entries returns up to limit decoded records from a ring, newest first.
func (r *Reader) Entries(ctx context.Context, ring string, limit int) ([]map[string]any, error) {
	max := ringCap(ring)
	if limit <= 0 || limit > max {
		limit = max
	}
	raw, err := r.kv.LRange(ctx, ring, 0, int64(limit)-1)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		var rec map[string]any
		if err := json.Unmarshal([]byte(entry), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// AccessSummary reports ring counts for the admitted/denied rings.
func (r *Reader) AccessSummary(ctx context.Context) (map[string]any, error) {
	denied, err := r.kv.LLen(ctx, RingDenied)
	if err != nil {
		return nil, err
	}
	recent, err := r.kv.LLen(ctx, RingRecent)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"denied_count": denied,
		"recent_count": recent,
		"max_records":  AccessRingCap,
	}, nil
}

// EventSummary reports total and recent-blocked counts for an event ring.
func (r *Reader) EventSummary(ctx context.Context, ring string) (map[string]any, error) {
	total, err := r.kv.LLen(ctx, ring)
	if err != nil {
		return nil, err
	}
	recent, err := r.kv.LRange(ctx, ring, 0, 99)
	if err != nil {
		return nil, err
	}
	blocked := 0
	for _, entry := range recent {
		var rec EventRecord
		if err := json.Unmarshal([]byte(entry), &rec); err != nil {
			continue
		}
		if rec.Blocked {
			blocked++
		}
	}
	return map[string]any{
		"total_count":          total,
		"recent_blocked_count": blocked,
		"max_records":          EventRingCap,
	}, nil
}
