// SPDX-License-Identifier: MIT

// Package whitelist implements the Redis-backed admission whitelist:
// per-(IP-pattern, UA) records with bounded multi-path lists, a separate
// static-file whitelist, per-UID pair indices with FIFO eviction, and
// the adaptive manifest access counter.
package whitelist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vstreamlab/hlsgate/internal/config"
	"github.com/vstreamlab/hlsgate/internal/fingerprint"
	"github.com/vstreamlab/hlsgate/internal/kv"
	"github.com/vstreamlab/hlsgate/internal/log"
	"github.com/vstreamlab/hlsgate/internal/netutil"
	"github.com/vstreamlab/hlsgate/internal/pathkey"
	"github.com/vstreamlab/hlsgate/internal/useragent"
)

// FixedWhitelistUID marks admissions granted by the static IP bypass list.
const FixedWhitelistUID = "fixed_whitelist"

// scanBound caps whitelist record enumeration per check.
const scanBound = 500

// PathEntry is one granted match key inside a whitelist record.
type PathEntry struct {
	KeyPath   string `json:"key_path"`
	CreatedAt int64  `json:"created_at"`
}

// Record is the stored whitelist record for one (IP pattern, UA) pair.
type Record struct {
	UID        string      `json:"uid"`
	KeyPath    string      `json:"key_path,omitempty"`
	Paths      []PathEntry `json:"paths,omitempty"`
	IPPatterns []string    `json:"ip_patterns"`
	UserAgent  string      `json:"user_agent"`
	CreatedAt  int64       `json:"created_at"`
	AccessType string      `json:"access_type,omitempty"`
}

// Pair is one entry of the per-UID (IP pattern, UA) index.
type Pair struct {
	PairID      string `json:"pair_id"`
	IPPattern   string `json:"ip_pattern"`
	UAHash      string `json:"ua_hash"`
	CreatedAt   int64  `json:"created_at"`
	LastUpdated int64  `json:"last_updated"`
}

// Store provides whitelist operations on the shared control plane.
type Store struct {
	kv     *kv.Store
	cfg    *config.Config
	logger zerolog.Logger
	now    func() time.Time
}

// New builds a whitelist store.
func New(store *kv.Store, cfg *config.Config) *Store {
	return &Store{
		kv:     store,
		cfg:    cfg,
		logger: log.WithComponent("whitelist"),
		now:    time.Now,
	}
}

func recordKey(pattern, uaHash string) string {
	return "ip_cidr_access:" + strings.ReplaceAll(pattern, "/", "_") + ":" + uaHash
}

func staticRecordKey(pattern, uaHash string) string {
	return "static_file_access:" + strings.ReplaceAll(pattern, "/", "_") + ":" + uaHash
}

func (s *Store) hasStaticExtension(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range s.cfg.StaticFileExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// IsFixedWhitelisted reports whether ip matches the static bypass list.
func (s *Store) IsFixedWhitelisted(ip string) bool {
	if len(s.cfg.FixedIPWhitelist) == 0 {
		return false
	}
	ok, pattern := netutil.Match(ip, s.cfg.FixedIPWhitelist)
	if ok {
		s.logger.Info().Str("ip", ip).Str("pattern", pattern).Msg("fixed whitelist match")
	}
	return ok
}

// Check decides whether (clientIP, path, userAgent) is whitelisted and
// returns the owning uid. Store errors fail closed.
func (s *Store) Check(ctx context.Context, clientIP, path, userAgent string) (bool, string) {
	if s.IsFixedWhitelisted(clientIP) {
		return true, FixedWhitelistUID
	}

	isStatic := s.hasStaticExtension(path)
	skipPathCheck := isStatic && s.cfg.EnableStaticFileIPOnlyCheck

	if skipPathCheck {
		if ok, uid := s.CheckStaticFileAccess(ctx, clientIP, userAgent); ok {
			return true, uid
		}
	}

	requestedKey := pathkey.ExtractMatchKey(path)
	if requestedKey == "" && !skipPathCheck {
		return false, ""
	}

	uaHash := fingerprint.UAHash(userAgent)
	keys, err := s.kv.Scan(ctx, "ip_cidr_access:*:"+uaHash, scanBound)
	if err != nil {
		s.logger.Error().Err(err).Str("ip", clientIP).Msg("whitelist scan failed")
		return false, ""
	}

	var (
		storedKeyPath string
		storedUID     string
	)
	for _, key := range keys {
		var rec Record
		found, err := s.kv.GetJSON(ctx, key, &rec)
		if err != nil || !found {
			continue
		}
		match, matchedPattern := netutil.Match(clientIP, rec.IPPatterns)
		if !match {
			continue
		}
		storedUID = rec.UID

		if skipPathCheck {
			s.logger.Info().
				Str("ip", clientIP).
				Str("pattern", matchedPattern).
				Str("uid", storedUID).
				Msg("static file admitted on IP+UA match")
			return true, storedUID
		}

		if len(rec.Paths) > 0 {
			for _, p := range rec.Paths {
				if p.KeyPath != "" && p.KeyPath == requestedKey {
					storedKeyPath = p.KeyPath
					break
				}
			}
		} else if rec.KeyPath == requestedKey {
			// Single-path records predate the multi-path list.
			storedKeyPath = rec.KeyPath
		}
		if storedKeyPath != "" {
			break
		}
	}

	if storedKeyPath == "" {
		s.logger.Debug().
			Str("ip", clientIP).
			Str("ua_hash", uaHash).
			Str("requested_key", requestedKey).
			Msg("no whitelist match")
		return false, ""
	}

	// Legacy substring relation, enforced in addition to the path list.
	if !strings.Contains(strings.ToLower(path), strings.ToLower(storedKeyPath)) {
		s.logger.Warn().
			Str("ip", clientIP).
			Str("path", path).
			Str("allowed_key", storedKeyPath).
			Msg("whitelist key path not contained in request path")
		return false, ""
	}
	return true, storedUID
}

// CheckStaticFileAccess probes the independent static-file whitelist.
func (s *Store) CheckStaticFileAccess(ctx context.Context, clientIP, userAgent string) (bool, string) {
	uaHash := fingerprint.UAHash(userAgent)
	keys, err := s.kv.Scan(ctx, "static_file_access:*:"+uaHash, scanBound)
	if err != nil {
		s.logger.Error().Err(err).Str("ip", clientIP).Msg("static whitelist scan failed")
		return false, ""
	}
	for _, key := range keys {
		var rec Record
		found, err := s.kv.GetJSON(ctx, key, &rec)
		if err != nil || !found {
			continue
		}
		if ok, _ := netutil.Match(clientIP, rec.IPPatterns); ok {
			return true, rec.UID
		}
	}
	return false, ""
}

// AddResult reports the outcome of an upsert.
type AddResult struct {
	KeyPath      string   `json:"key_path,omitempty"`
	IPPattern    string   `json:"ip_pattern"`
	CIDRExamples []string `json:"cidr_examples"`
	UAHash       string   `json:"ua_hash"`
	TTL          int64    `json:"ttl"`
	Merged       bool     `json:"merged"`
	PairCount    int      `json:"pair_count"`
	PairsRemoved int      `json:"pairs_removed"`
}

// Add upserts a whitelist record for (uid, path, targetIP, userAgent).
// The IP is normalized to its stored pattern, the path list is bounded
// to MaxPathsPerCIDR with FIFO eviction (including cleanup of the
// evicted paths' manifest counters), and the per-UID pair index is
// maintained with its own FIFO cap.
func (s *Store) Add(ctx context.Context, uid, path, targetIP, userAgent string) (*AddResult, error) {
	keyPath := pathkey.ExtractMatchKey(path)
	if keyPath == "" {
		return nil, fmt.Errorf("invalid path format: %q", path)
	}
	if !netutil.IsIP(targetIP) && !netutil.IsCIDR(targetIP) {
		return nil, fmt.Errorf("invalid IP address or CIDR: %q", targetIP)
	}
	pattern := netutil.Normalize(targetIP)
	uaHash := fingerprint.UAHash(userAgent)
	now := s.now().Unix()
	key := recordKey(pattern, uaHash)

	rec := Record{
		UID:        uid,
		KeyPath:    keyPath,
		Paths:      []PathEntry{{KeyPath: keyPath, CreatedAt: now}},
		IPPatterns: []string{pattern},
		UserAgent:  userAgent,
		CreatedAt:  now,
	}

	merged := false
	var existing Record
	if found, err := s.kv.GetJSON(ctx, key, &existing); err == nil && found {
		merged = true
		pathExists := false
		for i := range existing.Paths {
			if existing.Paths[i].KeyPath == keyPath {
				existing.Paths[i].CreatedAt = now
				pathExists = true
				break
			}
		}
		if !pathExists {
			existing.Paths = append(existing.Paths, PathEntry{KeyPath: keyPath, CreatedAt: now})
			if len(existing.Paths) > s.cfg.MaxPathsPerCIDR {
				sortPathsByCreatedAt(existing.Paths)
				evicted := existing.Paths[:len(existing.Paths)-s.cfg.MaxPathsPerCIDR]
				existing.Paths = existing.Paths[len(existing.Paths)-s.cfg.MaxPathsPerCIDR:]
				s.cleanupManifestCounters(ctx, evicted)
			}
			existing.KeyPath = keyPath
		}
		rec = existing
	}

	pairCount, pairsRemoved := s.updatePairIndex(ctx, "uid_ua_ip_pairs:"+uid, pattern, uaHash, now, recordKey)

	if err := s.kv.SetJSON(ctx, key, rec, s.cfg.IPAccessTTL); err != nil {
		return nil, fmt.Errorf("store whitelist record: %w", err)
	}

	s.logger.Info().
		Str("uid", uid).
		Str("pattern", pattern).
		Str("key_path", keyPath).
		Int("paths", len(rec.Paths)).
		Int("pairs", pairCount).
		Msg("whitelist record stored")

	return &AddResult{
		KeyPath:      keyPath,
		IPPattern:    pattern,
		CIDRExamples: netutil.Examples(pattern, 3),
		UAHash:       uaHash,
		TTL:          int64(s.cfg.IPAccessTTL.Seconds()),
		Merged:       merged,
		PairCount:    pairCount,
		PairsRemoved: pairsRemoved,
	}, nil
}

// AddStatic upserts a static-file whitelist record (no path list).
func (s *Store) AddStatic(ctx context.Context, uid, targetIP, userAgent string) (*AddResult, error) {
	if !netutil.IsIP(targetIP) && !netutil.IsCIDR(targetIP) {
		return nil, fmt.Errorf("invalid IP address or CIDR: %q", targetIP)
	}
	pattern := netutil.Normalize(targetIP)
	uaHash := fingerprint.UAHash(userAgent)
	now := s.now().Unix()

	rec := Record{
		UID:        uid,
		IPPatterns: []string{pattern},
		UserAgent:  userAgent,
		CreatedAt:  now,
		AccessType: "static_files_only",
	}

	pairCount, pairsRemoved := s.updatePairIndex(ctx, "uid_static_ua_ip_pairs:"+uid, pattern, uaHash, now, staticRecordKey)

	if err := s.kv.SetJSON(ctx, staticRecordKey(pattern, uaHash), rec, s.cfg.IPAccessTTL); err != nil {
		return nil, fmt.Errorf("store static whitelist record: %w", err)
	}

	return &AddResult{
		IPPattern:    pattern,
		CIDRExamples: netutil.Examples(pattern, 3),
		UAHash:       uaHash,
		TTL:          int64(s.cfg.IPAccessTTL.Seconds()),
		PairCount:    pairCount,
		PairsRemoved: pairsRemoved,
	}, nil
}

// updatePairIndex maintains the per-UID FIFO index of (pattern, UA)
// pairs and deletes the whitelist records of evicted pairs.
func (s *Store) updatePairIndex(ctx context.Context, indexKey, pattern, uaHash string, now int64, keyFn func(string, string) string) (count, removed int) {
	var pairs []Pair
	if _, err := s.kv.GetJSON(ctx, indexKey, &pairs); err != nil {
		pairs = nil
	}

	pairID := pattern + ":" + uaHash
	exists := false
	for i := range pairs {
		if pairs[i].PairID == pairID {
			pairs[i].LastUpdated = now
			exists = true
			break
		}
	}
	if !exists {
		pairs = append(pairs, Pair{
			PairID:      pairID,
			IPPattern:   pattern,
			UAHash:      uaHash,
			CreatedAt:   now,
			LastUpdated: now,
		})
		if len(pairs) > s.cfg.MaxUAIPPairsPerUID {
			sortPairsByCreatedAt(pairs)
			evicted := pairs[:len(pairs)-s.cfg.MaxUAIPPairsPerUID]
			pairs = pairs[len(pairs)-s.cfg.MaxUAIPPairsPerUID:]
			for _, old := range evicted {
				oldPattern, oldUA, ok := splitPairID(old.PairID)
				if !ok {
					continue
				}
				if err := s.kv.Del(ctx, keyFn(oldPattern, oldUA)); err != nil {
					s.logger.Warn().Err(err).Str("pair_id", old.PairID).Msg("evicted pair cleanup failed")
				}
			}
			removed = len(evicted)
		}
	}

	if err := s.kv.SetJSON(ctx, indexKey, pairs, s.cfg.IPAccessTTL); err != nil {
		s.logger.Warn().Err(err).Str("key", indexKey).Msg("pair index store failed")
	}
	return len(pairs), removed
}

func splitPairID(pairID string) (pattern, uaHash string, ok bool) {
	idx := strings.LastIndex(pairID, ":")
	if idx <= 0 || idx == len(pairID)-1 {
		return "", "", false
	}
	return pairID[:idx], pairID[idx+1:], true
}

// cleanupManifestCounters deletes manifest access counters belonging to
// evicted whitelist paths. Best effort after the primary write.
func (s *Store) cleanupManifestCounters(ctx context.Context, evicted []PathEntry) {
	for _, old := range evicted {
		if old.KeyPath == "" {
			continue
		}
		keys, err := s.kv.Scan(ctx, "m3u8_access_count_v2:*"+old.KeyPath+"*", 0)
		if err != nil || len(keys) == 0 {
			continue
		}
		if err := s.kv.Del(ctx, keys...); err == nil {
			s.logger.Info().Str("key_path", old.KeyPath).Int("counters", len(keys)).Msg("evicted path counters removed")
		}
	}
}

func sortPathsByCreatedAt(paths []PathEntry) {
	for i := 1; i < len(paths); i++ {
		for j := i; j > 0 && paths[j].CreatedAt < paths[j-1].CreatedAt; j-- {
			paths[j], paths[j-1] = paths[j-1], paths[j]
		}
	}
}

func sortPairsByCreatedAt(pairs []Pair) {
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j].CreatedAt < pairs[j-1].CreatedAt; j-- {
			pairs[j], pairs[j-1] = pairs[j-1], pairs[j]
		}
	}
}

// AccessInfo describes one adaptive manifest-access decision.
type AccessInfo struct {
	BrowserType   string `json:"browser_type"`
	BrowserName   string `json:"browser_name"`
	CurrentCount  int64  `json:"current_count"`
	MaxCount      int    `json:"max_count"`
	WindowTTL     int64  `json:"window_ttl,omitempty"`
	RemainingTTL  int64  `json:"remaining_ttl,omitempty"`
	FirstAccess   bool   `json:"is_first_access"`
	LimitExceeded bool   `json:"limit_exceeded,omitempty"`
}

// CheckManifestAccess enforces the per-browser-class manifest access
// limit for (uid, fullURL, clientIP). The counter window starts on the
// first access. Store errors deny.
func (s *Store) CheckManifestAccess(ctx context.Context, uid, fullURL, clientIP, userAgent string) (bool, AccessInfo) {
	browserType, browserName, suggested := useragent.Detect(userAgent)
	maxCount, window := s.cfg.ManifestLimit(browserType, browserName, suggested)

	identifier := uid + ":" + fullURL + ":" + clientIP
	sum := sha256.Sum256([]byte(identifier))
	key := "m3u8_access_count_v2:" + hex.EncodeToString(sum[:])

	info := AccessInfo{
		BrowserType: browserType,
		BrowserName: browserName,
		MaxCount:    maxCount,
	}

	count, err := s.kv.Incr(ctx, key)
	if err != nil {
		s.logger.Error().Err(err).Str("uid", uid).Msg("manifest access counter failed")
		return false, info
	}
	info.CurrentCount = count

	if count == 1 {
		if err := s.kv.Expire(ctx, key, window); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("manifest counter expire failed")
		}
		info.WindowTTL = int64(window.Seconds())
		info.FirstAccess = true
		return true, info
	}

	ttl, _ := s.kv.TTL(ctx, key)
	info.RemainingTTL = int64(ttl.Seconds())

	if count <= int64(maxCount) {
		return true, info
	}
	info.LimitExceeded = true
	s.logger.Warn().
		Str("uid", uid).
		Str("browser", browserName).
		Int64("count", count).
		Int("max", maxCount).
		Msg("manifest access limit exceeded")
	return false, info
}
