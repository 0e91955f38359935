// SPDX-License-Identifier: MIT

// Package session manages (client IP, UA, uid, key path) scoped playback
// sessions with sliding TTL. Sessions bind a uid to a client fingerprint
// so that segment and key requests without query credentials can be
// attributed to the playlist request that preceded them.
package session

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vstreamlab/hlsgate/internal/config"
	"github.com/vstreamlab/hlsgate/internal/fingerprint"
	"github.com/vstreamlab/hlsgate/internal/kv"
	"github.com/vstreamlab/hlsgate/internal/log"
	"github.com/vstreamlab/hlsgate/internal/pathkey"
)

// scanBound caps lookup-key enumeration per request.
const scanBound = 200

// Record is the stored session state.
type Record struct {
	UID          string `json:"uid"`
	ClientIP     string `json:"client_ip"`
	UserAgent    string `json:"user_agent"`
	Path         string `json:"path"`
	KeyPath      string `json:"key_path"`
	CreatedAt    int64  `json:"created_at"`
	LastActivity int64  `json:"last_activity"`
	AccessCount  int64  `json:"access_count"`
	SessionType  string `json:"session_type"`
}

// Store provides session operations on the shared control plane.
type Store struct {
	kv     *kv.Store
	cfg    *config.Config
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

// New builds a session store.
func New(store *kv.Store, cfg *config.Config) *Store {
	return &Store{
		kv:     store,
		cfg:    cfg,
		logger: log.WithComponent("session"),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

func sessionKey(sessionID string) string { return "session:" + sessionID }

func lookupKey(ip, uaHash, uid, keyPath string) string {
	return "ip_ua_session:" + ip + ":" + uaHash + ":" + uid + ":" + keyPath
}

// GetOrCreate resolves a session for (uid?, ip, ua, path).
//
// Resolution order: precise lookup by uid when provided, then a scan for
// any session matching (ip, ua, key path) picking the most recently
// active, then creation (only when uid is known). Matched sessions are
// extended; the boolean reports whether a new session was created.
func (s *Store) GetOrCreate(ctx context.Context, uid, clientIP, userAgent, path string) (sessionID string, created bool, effectiveUID string) {
	keyPath := pathkey.ExtractMatchKey(path)
	if keyPath == "" {
		return "", false, ""
	}
	uaHash := fingerprint.UAHash(userAgent)

	if uid != "" {
		key := lookupKey(clientIP, uaHash, uid, keyPath)
		if existingID, found, err := s.kv.Get(ctx, key); err == nil && found {
			rec := s.Validate(ctx, existingID, clientIP, userAgent)
			if rec != nil && rec.UID == uid && rec.KeyPath == keyPath {
				if s.extend(ctx, existingID, rec) {
					return existingID, false, uid
				}
			}
		}
	}

	// Fallback: any live session for this (ip, ua, key path); covers
	// segment and key requests that carry no uid.
	pattern := "ip_ua_session:" + clientIP + ":" + uaHash + ":*:" + keyPath
	if keys, err := s.kv.Scan(ctx, pattern, scanBound); err == nil {
		var (
			latestID  string
			latestRec *Record
		)
		for _, key := range keys {
			id, found, err := s.kv.Get(ctx, key)
			if err != nil || !found {
				continue
			}
			rec := s.Validate(ctx, id, clientIP, userAgent)
			if rec == nil || rec.KeyPath != keyPath {
				continue
			}
			if latestRec == nil || rec.LastActivity > latestRec.LastActivity {
				latestID, latestRec = id, rec
			}
		}
		if latestRec != nil {
			if s.extend(ctx, latestID, latestRec) {
				return latestID, false, latestRec.UID
			}
		}
	}

	if uid == "" {
		return "", false, ""
	}

	id := s.newID()
	now := s.now().Unix()
	rec := Record{
		UID:          uid,
		ClientIP:     clientIP,
		UserAgent:    userAgent,
		Path:         path,
		KeyPath:      keyPath,
		CreatedAt:    now,
		LastActivity: now,
		AccessCount:  1,
		SessionType:  "ip_ua_key_path_based",
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", false, ""
	}

	results := s.kv.Batch(ctx, []kv.Op{
		{Kind: kv.OpSet, Key: sessionKey(id), Value: string(data), TTL: s.cfg.SessionTTL},
		{Kind: kv.OpSet, Key: lookupKey(clientIP, uaHash, uid, keyPath), Value: id, TTL: s.cfg.SessionTTL},
	})
	if results[0].Err != nil {
		s.logger.Error().Err(results[0].Err).Str("session_id", id).Msg("session creation failed")
		return "", false, ""
	}

	s.logger.Info().
		Str("session_id", id).
		Str("uid", uid).
		Str("ip", clientIP).
		Str("key_path", keyPath).
		Msg("session created")
	return id, true, uid
}

// Validate loads a session and checks the client fingerprint. Any
// mismatch drops the session for this request without mutating it.
func (s *Store) Validate(ctx context.Context, sessionID, clientIP, userAgent string) *Record {
	var rec Record
	found, err := s.kv.GetJSON(ctx, sessionKey(sessionID), &rec)
	if err != nil || !found {
		return nil
	}
	if rec.ClientIP != clientIP {
		s.logger.Warn().
			Str("session_id", sessionID).
			Str("stored_ip", rec.ClientIP).
			Str("request_ip", clientIP).
			Msg("session IP mismatch")
		return nil
	}
	if rec.UserAgent != userAgent {
		s.logger.Warn().Str("session_id", sessionID).Msg("session user-agent mismatch")
		return nil
	}
	return &rec
}

// extend refreshes last_activity, bumps access_count and re-arms the
// TTLs of the session and the user-active key in one batch.
func (s *Store) extend(ctx context.Context, sessionID string, rec *Record) bool {
	rec.LastActivity = s.now().Unix()
	rec.AccessCount++

	data, err := json.Marshal(rec)
	if err != nil {
		return false
	}
	results := s.kv.Batch(ctx, []kv.Op{
		{Kind: kv.OpSet, Key: sessionKey(sessionID), Value: string(data), TTL: s.cfg.SessionTTL},
		{Kind: kv.OpExpire, Key: "user_active_session:" + rec.UID + ":" + rec.ClientIP, TTL: s.cfg.UserSessionTTL},
	})
	return results[0].Err == nil
}
