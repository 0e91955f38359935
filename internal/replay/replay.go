// SPDX-License-Identifier: MIT

// Package replay enforces the at-most-N token use discipline: every
// (token, uid, path) triple owns an atomic counter with a TTL window.
// The first increment arms the window; later increments within the
// limit pass but are logged, and anything beyond the limit is denied.
//
// Store failures degrade open. Availability beats strictness here: a
// Redis outage must not take playback down, so a failed check admits
// the request and marks the decision as a fallback.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog"

	"github.com/vstreamlab/hlsgate/internal/accesslog"
	"github.com/vstreamlab/hlsgate/internal/kv"
	"github.com/vstreamlab/hlsgate/internal/log"
)

// RequestContext carries request fields used only for logging.
type RequestContext struct {
	ClientIP  string
	UserAgent string
	FullURL   string
}

// Info describes one replay decision.
type Info struct {
	Allowed       bool   `json:"allowed"`
	CurrentCount  int64  `json:"current_count"`
	MaxUses       int    `json:"max_uses"`
	RemainingUses int64  `json:"remaining_uses"`
	FirstUse      bool   `json:"is_first_use"`
	RemainingTTL  int64  `json:"remaining_ttl,omitempty"`
	Exceeded      bool   `json:"exceeded,omitempty"`
	Fallback      bool   `json:"fallback,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Checker runs replay checks against the shared counter store.
type Checker struct {
	kv     *kv.Store
	writer *accesslog.Writer
	logger zerolog.Logger
}

// New builds a replay checker.
func New(store *kv.Store, writer *accesslog.Writer) *Checker {
	return &Checker{kv: store, writer: writer, logger: log.WithComponent("replay")}
}

// Key derives the counter key for a (token, uid, path) triple.
func Key(token, uid, path string) string {
	sum := sha256.Sum256([]byte(token + ":" + uid + ":" + path))
	return "token_replay:" + hex.EncodeToString(sum[:])
}

// Check increments the use counter for (token, uid, path) and decides
// admission against maxUses within the ttl window.
func (c *Checker) Check(ctx context.Context, token, uid, path string, maxUses int, ttl time.Duration, rctx RequestContext) (bool, Info) {
	key := Key(token, uid, path)

	count, err := c.kv.Incr(ctx, key)
	if err != nil {
		c.logger.Error().Err(err).Str("uid", uid).Str("path", path).Msg("replay counter unavailable, admitting")
		return true, Info{Allowed: true, Fallback: true}
	}

	info := Info{
		CurrentCount:  count,
		MaxUses:       maxUses,
		RemainingUses: int64(maxUses) - count,
	}

	if count == 1 {
		if err := c.kv.Expire(ctx, key, ttl); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("replay window arm failed")
		}
		info.Allowed = true
		info.FirstUse = true
		info.RemainingTTL = int64(ttl.Seconds())
		return true, info
	}

	remaining, _ := c.kv.TTL(ctx, key)
	if remaining == -1 {
		// EXPIRE was lost between INCR and now; re-arm the window.
		if err := c.kv.Expire(ctx, key, ttl); err == nil {
			remaining = ttl
		}
	}
	info.RemainingTTL = int64(remaining.Seconds())

	if count <= int64(maxUses) {
		info.Allowed = true
		c.logEvent(uid, path, rctx, count, maxUses, false)
		return true, info
	}

	info.Exceeded = true
	info.RemainingUses = 0
	info.Reason = "Token replay detected: maximum usage count exceeded"
	c.logger.Warn().
		Str("uid", uid).
		Str("ip", rctx.ClientIP).
		Str("path", path).
		Int64("count", count).
		Int("max_uses", maxUses).
		Msg("token replay blocked")
	c.logEvent(uid, path, rctx, count, maxUses, true)
	return false, info
}

func (c *Checker) logEvent(uid, path string, rctx RequestContext, count int64, maxUses int, blocked bool) {
	ip := rctx.ClientIP
	if ip == "" {
		ip = "unknown"
	}
	c.writer.LogEvent(accesslog.RingReplay, accesslog.EventRecord{
		UID:     uid,
		Path:    path,
		FullURL: rctx.FullURL,
		IP:      ip,
		UA:      rctx.UserAgent,
		Count:   count,
		MaxUses: maxUses,
		Blocked: blocked,
	})
}
