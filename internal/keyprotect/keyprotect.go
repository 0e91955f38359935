// SPDX-License-Identifier: MIT

// Package keyprotect guards AES key files referenced from HLS playlists.
// Served playlists are rewritten so every #EXT-X-KEY URI carries its own
// signed credentials; key fetches are then admitted through a per-token
// use counter. Original playlist bytes are cached in the control-plane
// store to keep rewrites off the disk path.
package keyprotect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vstreamlab/hlsgate/internal/accesslog"
	"github.com/vstreamlab/hlsgate/internal/kv"
	"github.com/vstreamlab/hlsgate/internal/log"
	"github.com/vstreamlab/hlsgate/internal/token"
)

const (
	accessPrefix  = "key_protect:access:"
	manifestCache = "m3u8_content:"
)

// Event reasons recorded in the key-access ring. Normal admissions are
// not logged, only anomalies.
const (
	ReasonInvalidToken = "hmac_invalid"
	ReasonMaxUses      = "max_uses_exceeded"
	ReasonFallback     = "fallback"
)

var uriAttr = regexp.MustCompile(`URI=(["'])([^"']+)["']|URI=([^\s,]+)`)

// Info describes one key-access decision.
type Info struct {
	Allowed       bool   `json:"allowed"`
	CurrentCount  int64  `json:"current_count,omitempty"`
	MaxUses       int    `json:"max_uses,omitempty"`
	RemainingUses int64  `json:"remaining_uses"`
	FirstUse      bool   `json:"is_first_use,omitempty"`
	UID           string `json:"uid,omitempty"`
	RemainingTTL  int64  `json:"remaining_ttl,omitempty"`
	Exceeded      bool   `json:"exceeded,omitempty"`
	Fallback      bool   `json:"fallback,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Service implements key-file admission and playlist rewriting.
type Service struct {
	kv     *kv.Store
	writer *accesslog.Writer
	logger zerolog.Logger
}

// New builds a key-protect service.
func New(store *kv.Store, writer *accesslog.Writer) *Service {
	return &Service{kv: store, writer: writer, logger: log.WithComponent("keyprotect")}
}

// IsKeyFile reports whether path names a protected key file. Patterns
// are compared as case-insensitive suffixes, so both plain extensions
// (".key") and full file names ("enc.key") work.
func IsKeyFile(p string, patterns []string) bool {
	if p == "" {
		return false
	}
	lower := strings.ToLower(p)
	for _, pat := range patterns {
		if pat != "" && strings.HasSuffix(lower, strings.ToLower(pat)) {
			return true
		}
	}
	return false
}

// AccessKey derives the use-counter key for a (token, uid, key path) triple.
func AccessKey(tok, uid, keyPath string) string {
	sum := sha256.Sum256([]byte(tok + ":" + uid + ":" + keyPath))
	return accessPrefix + hex.EncodeToString(sum[:])[:32]
}

// CheckAccess admits or denies one key fetch against the per-token use
// counter. Store failures admit with the fallback flag set.
func (s *Service) CheckAccess(ctx context.Context, keyPath, uid, tok, clientIP, userAgent string, maxUses int, ttl time.Duration) (bool, Info) {
	counterKey := AccessKey(tok, uid, keyPath)

	count, err := s.kv.Incr(ctx, counterKey)
	if err != nil {
		s.logger.Error().Err(err).Str("key_path", keyPath).Msg("key counter unavailable, admitting")
		s.LogEvent(uid, keyPath, clientIP, userAgent, 0, maxUses, false, ReasonFallback)
		return true, Info{Allowed: true, Fallback: true}
	}

	info := Info{
		CurrentCount:  count,
		MaxUses:       maxUses,
		RemainingUses: int64(maxUses) - count,
		UID:           uid,
	}

	if count == 1 {
		if err := s.kv.Expire(ctx, counterKey, ttl); err != nil {
			s.logger.Warn().Err(err).Str("key", counterKey).Msg("key counter window arm failed")
		}
		info.Allowed = true
		info.FirstUse = true
		s.logger.Info().
			Str("key_path", keyPath).
			Str("uid", uid).
			Str("ip", clientIP).
			Int("max_uses", maxUses).
			Msg("key first access")
		return true, info
	}

	remaining, _ := s.kv.TTL(ctx, counterKey)
	info.RemainingTTL = int64(remaining.Seconds())

	if count <= int64(maxUses) {
		info.Allowed = true
		return true, info
	}

	info.Exceeded = true
	info.RemainingUses = 0
	info.Reason = "Key file replay detected: maximum usage count exceeded"
	s.logger.Warn().
		Str("key_path", keyPath).
		Str("uid", uid).
		Str("ip", clientIP).
		Int64("count", count).
		Int("max_uses", maxUses).
		Msg("key replay blocked")
	s.LogEvent(uid, keyPath, clientIP, userAgent, count, maxUses, true, ReasonMaxUses)
	return false, info
}

// LogEvent records a key-access anomaly into the key ring.
func (s *Service) LogEvent(uid, keyPath, clientIP, userAgent string, count int64, maxUses int, blocked bool, reason string) {
	s.writer.LogEvent(accesslog.RingKeyAccess, accesslog.EventRecord{
		Type:    "key_access",
		UID:     uid,
		Path:    keyPath,
		IP:      clientIP,
		UA:      userAgent,
		Count:   count,
		MaxUses: maxUses,
		Blocked: blocked,
		Reason:  reason,
	})
}

// RewritePlaylist appends uid, expires and a per-key token to every
// #EXT-X-KEY URI in the playlist. Other tags, including #EXT-X-MAP, are
// left untouched. m3u8Dir is the playlist's directory, used to resolve
// relative key URIs into full key paths for signing.
func RewritePlaylist(content, uid, expires string, secret []byte, m3u8Dir string) string {
	if content == "" {
		return content
	}

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(line, "#EXT-X-KEY:") {
			continue
		}
		lines[i] = uriAttr.ReplaceAllStringFunc(line, func(attr string) string {
			m := uriAttr.FindStringSubmatch(attr)
			quote, uri := m[1], m[2]
			if m[3] != "" {
				quote, uri = `"`, m[3]
			}
			keyPath := resolveKeyPath(uri, m3u8Dir)
			keyToken := token.SignRaw(secret, uid, keyPath, expires)
			params := "uid=" + url.QueryEscape(uid) + "&expires=" + url.QueryEscape(expires) + "&token=" + keyToken
			sep := "?"
			if strings.Contains(uri, "?") {
				sep = "&"
			}
			return "URI=" + quote + uri + sep + params + quote
		})
	}
	return strings.Join(lines, "\n")
}

// resolveKeyPath maps a key URI to the path the key request will carry.
func resolveKeyPath(uri, m3u8Dir string) string {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		if u, err := url.Parse(uri); err == nil {
			return strings.TrimLeft(u.Path, "/")
		}
		return uri
	}
	if strings.HasPrefix(uri, "/") {
		return strings.TrimLeft(uri, "/")
	}
	if m3u8Dir != "" {
		return path.Join(m3u8Dir, uri)
	}
	return uri
}

func cacheKey(p string) string {
	sum := sha256.Sum256([]byte(p))
	return manifestCache + hex.EncodeToString(sum[:])[:32]
}

// CachedManifest returns the cached original playlist bytes for path,
// if present.
func (s *Service) CachedManifest(ctx context.Context, p string) (string, bool) {
	content, found, err := s.kv.Get(ctx, cacheKey(p))
	if err != nil {
		s.logger.Error().Err(err).Str("path", p).Msg("manifest cache read failed")
		return "", false
	}
	return content, found
}

// StoreManifest caches the original playlist bytes for path.
func (s *Service) StoreManifest(ctx context.Context, p, content string, ttl time.Duration) {
	if err := s.kv.Set(ctx, cacheKey(p), content, ttl); err != nil {
		s.logger.Error().Err(err).Str("path", p).Msg("manifest cache write failed")
	}
}

// CacheStats reports the manifest cache population: a bounded key count
// plus per-key TTL detail for the first entries.
func (s *Service) CacheStats(ctx context.Context) map[string]any {
	const (
		maxKeys      = 100
		maxDisplayed = 20
	)

	keys, err := s.kv.Scan(ctx, manifestCache+"*", maxKeys)
	if err != nil {
		return map[string]any{
			"status":        "error",
			"error":         err.Error(),
			"cache_count":   0,
			"cache_details": []map[string]any{},
			"timestamp":     time.Now().Unix(),
		}
	}

	details := make([]map[string]any, 0, maxDisplayed)
	for _, key := range keys {
		if len(details) >= maxDisplayed {
			break
		}
		ttl, err := s.kv.TTL(ctx, key)
		if err != nil {
			continue
		}
		details = append(details, map[string]any{
			"key_hash": strings.TrimPrefix(key, manifestCache),
			"ttl":      int64(ttl.Seconds()),
		})
	}

	return map[string]any{
		"status":        "ok",
		"cache_count":   len(keys),
		"cache_details": details,
		"max_displayed": maxDisplayed,
		"timestamp":     time.Now().Unix(),
	}
}
