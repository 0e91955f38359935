// SPDX-License-Identifier: MIT

// Package jswhitelist tracks front-end provisioned static-file grants.
// A page script registers (uid, path, ip, ua) after proving possession
// of a signed timestamp; later static fetches from the same client are
// admitted by match-key lookup. Each (uid, ua, ip) holds at most three
// directories, oldest evicted first, managed through a scored set.
package jswhitelist

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/vstreamlab/hlsgate/internal/config"
	"github.com/vstreamlab/hlsgate/internal/fingerprint"
	"github.com/vstreamlab/hlsgate/internal/kv"
	"github.com/vstreamlab/hlsgate/internal/log"
	"github.com/vstreamlab/hlsgate/internal/pathkey"
)

// maxDirsPerClient bounds distinct match keys per (uid, ua, ip).
const maxDirsPerClient = 3

// scanBound caps pattern lookups when no uid is supplied.
const scanBound = 200

// Record is one stored grant.
type Record struct {
	UID          string `json:"uid"`
	JSPath       string `json:"js_path"`
	MatchKey     string `json:"match_key"`
	ClientIP     string `json:"client_ip"`
	UserAgent    string `json:"user_agent"`
	CreatedAt    int64  `json:"created_at"`
	ExpiresAt    int64  `json:"expires_at"`
	Wildcard     bool   `json:"is_wildcard"`
	RemainingTTL int64  `json:"remaining_ttl,omitempty"`
}

// AddResult reports an Add outcome.
type AddResult struct {
	UID       string `json:"uid"`
	JSPath    string `json:"js_path"`
	MatchKey  string `json:"match_key"`
	Wildcard  bool   `json:"is_wildcard"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent"`
	TTL       int64  `json:"ttl"`
	ExpiresAt int64  `json:"expires_at"`
}

// Tracker provides the JS-whitelist operations.
type Tracker struct {
	kv     *kv.Store
	cfg    *config.Config
	logger zerolog.Logger
	now    func() time.Time
}

// New builds a tracker.
func New(store *kv.Store, cfg *config.Config) *Tracker {
	return &Tracker{
		kv:     store,
		cfg:    cfg,
		logger: log.WithComponent("jswhitelist"),
		now:    time.Now,
	}
}

func recordKey(uid, matchKeyHash, uaHash, ipHash string) string {
	return "js_wl_frontend:" + uid + ":" + matchKeyHash + ":" + uaHash + ":" + ipHash
}

func dirsKey(uid, uaHash, ipHash string) string {
	return "js_wl_dirs:" + uid + ":" + uaHash + ":" + ipHash
}

// Add registers a grant for (uid, jsPath, ip, ua). An empty jsPath is a
// wildcard that admits every static file for the client. Exceeding the
// per-client directory cap evicts the oldest match key and its record.
func (t *Tracker) Add(ctx context.Context, uid, jsPath, clientIP, userAgent string) (*AddResult, error) {
	if !t.cfg.EnableJSWhitelistTracker {
		return nil, errors.New("JS whitelist tracker is disabled")
	}

	uaHash := fingerprint.UAHash(userAgent)
	ipHash := fingerprint.IPHash(clientIP)

	matchKey := ""
	if jsPath != "" {
		matchKey = pathkey.ExtractMatchKey(jsPath)
	}
	matchKeyHash := fingerprint.MatchKeyHash(matchKey)

	now := t.now().Unix()
	ttl := t.cfg.JSWhitelistTrackerTTL
	rec := Record{
		UID:       uid,
		JSPath:    jsPath,
		MatchKey:  matchKey,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		CreatedAt: now,
		ExpiresAt: now + int64(ttl.Seconds()),
		Wildcard:  jsPath == "",
	}

	dirs := dirsKey(uid, uaHash, ipHash)
	count, err := t.kv.ZCard(ctx, dirs)
	if err != nil {
		return nil, err
	}
	if count >= maxDirsPerClient {
		_, known, err := t.kv.ZScore(ctx, dirs, matchKeyHash)
		if err != nil {
			return nil, err
		}
		if !known {
			oldest, err := t.kv.ZRange(ctx, dirs, 0, 0)
			if err == nil && len(oldest) > 0 {
				_ = t.kv.Del(ctx, recordKey(uid, oldest[0], uaHash, ipHash))
				_ = t.kv.ZRem(ctx, dirs, oldest[0])
				t.logger.Info().
					Str("uid", uid).
					Str("evicted_hash", oldest[0]).
					Msg("directory cap reached, oldest grant evicted")
			}
		}
	}

	if err := t.kv.ZAdd(ctx, dirs, float64(now), matchKeyHash); err != nil {
		return nil, err
	}
	if err := t.kv.Expire(ctx, dirs, ttl); err != nil {
		return nil, err
	}
	if err := t.kv.SetJSON(ctx, recordKey(uid, matchKeyHash, uaHash, ipHash), rec, ttl); err != nil {
		return nil, err
	}

	t.logger.Info().
		Str("uid", uid).
		Str("match_key", matchKey).
		Bool("wildcard", rec.Wildcard).
		Str("ip", clientIP).
		Dur("ttl", ttl).
		Msg("grant added")

	return &AddResult{
		UID:       uid,
		JSPath:    jsPath,
		MatchKey:  matchKey,
		Wildcard:  rec.Wildcard,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		TTL:       int64(ttl.Seconds()),
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// Check admits a static fetch when a grant covers its match key or a
// wildcard grant covers the client. With a uid the lookup is exact,
// without one any uid's grant for the client fingerprint matches. The
// second return is the granting uid. Store failures deny.
func (t *Tracker) Check(ctx context.Context, jsPath, clientIP, userAgent, uid string) (bool, string) {
	if !t.cfg.EnableJSWhitelistTracker {
		return true, ""
	}

	uaHash := fingerprint.UAHash(userAgent)
	ipHash := fingerprint.IPHash(clientIP)
	matchKeyHash := fingerprint.MatchKeyHash(pathkey.ExtractMatchKey(jsPath))
	wildcardHash := fingerprint.MatchKeyHash("")

	if uid != "" {
		for _, hash := range []string{matchKeyHash, wildcardHash} {
			var rec Record
			found, err := t.kv.GetJSON(ctx, recordKey(uid, hash, uaHash, ipHash), &rec)
			if err == nil && found {
				t.logger.Info().
					Str("uid", uid).
					Str("path", jsPath).
					Bool("wildcard", hash == wildcardHash).
					Msg("grant matched")
				return true, uid
			}
		}
		return false, ""
	}

	for _, hash := range []string{matchKeyHash, wildcardHash} {
		pattern := "js_wl_frontend:*:" + hash + ":" + uaHash + ":" + ipHash
		keys, err := t.kv.Scan(ctx, pattern, scanBound)
		if err != nil || len(keys) == 0 {
			continue
		}
		var rec Record
		found, err := t.kv.GetJSON(ctx, keys[0], &rec)
		if err == nil && found {
			t.logger.Info().
				Str("uid", rec.UID).
				Str("path", jsPath).
				Bool("wildcard", hash == wildcardHash).
				Msg("grant matched")
			return true, rec.UID
		}
	}
	return false, ""
}

// Stats returns every live grant for a uid with remaining TTLs.
func (t *Tracker) Stats(ctx context.Context, uid string) map[string]any {
	if !t.cfg.EnableJSWhitelistTracker {
		return map[string]any{
			"enabled": false,
			"message": "JS whitelist tracker is disabled",
		}
	}

	keys, err := t.kv.Scan(ctx, "js_wl_frontend:"+uid+":*", scanBound)
	if err != nil {
		return map[string]any{"enabled": true, "error": err.Error()}
	}

	entries := make([]Record, 0, len(keys))
	for _, key := range keys {
		var rec Record
		found, err := t.kv.GetJSON(ctx, key, &rec)
		if err != nil || !found {
			continue
		}
		if ttl, err := t.kv.TTL(ctx, key); err == nil {
			rec.RemainingTTL = int64(ttl.Seconds())
		}
		entries = append(entries, rec)
	}

	return map[string]any{
		"enabled":       true,
		"uid":           uid,
		"total_entries": len(entries),
		"entries":       entries,
		"ttl_config":    int64(t.cfg.JSWhitelistTrackerTTL.Seconds()),
	}
}
