// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/vstreamlab/hlsgate/internal/accesslog"
	"github.com/vstreamlab/hlsgate/internal/fingerprint"
	"github.com/vstreamlab/hlsgate/internal/netutil"
	"github.com/vstreamlab/hlsgate/internal/token"
	"github.com/vstreamlab/hlsgate/internal/useragent"
	"github.com/vstreamlab/hlsgate/internal/whitelist"
)

// batchCheckMax bounds the batch file-check request size.
const batchCheckMax = 100

type whitelistAddRequest struct {
	UID       string `json:"uid"`
	Path      string `json:"path"`
	ClientIP  string `json:"clientIp"`
	UserAgent string `json:"UserAgent"`
}

func (s *Server) handleWhitelistAdd(w http.ResponseWriter, r *http.Request) {
	var req whitelistAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON data"})
		return
	}
	if req.UID == "" || req.Path == "" || req.ClientIP == "" || req.UserAgent == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "uid, path, clientIp, and UserAgent are required"})
		return
	}
	res, err := s.whitelist.Add(r.Context(), req.UID, req.Path, req.ClientIP, req.UserAgent)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*whitelist.AddResult
	}{true, res})
}

func (s *Server) handleStaticWhitelistAdd(w http.ResponseWriter, r *http.Request) {
	var req whitelistAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON data"})
		return
	}
	if req.UID == "" || req.ClientIP == "" || req.UserAgent == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "uid, clientIp, and UserAgent are required"})
		return
	}
	res, err := s.whitelist.AddStatic(r.Context(), req.UID, req.ClientIP, req.UserAgent)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*whitelist.AddResult
	}{true, res})
}

type jsWhitelistAddRequest struct {
	UID    string `json:"uid"`
	JSPath string `json:"jsPath"`
}

// handleJSWhitelistAdd registers a JS-whitelist grant. Two auth modes:
// the admin Bearer key with a JSON body (POST only), or a front-end
// HMAC signature carried in the query string. Client IP and UA always
// come from the request itself, never from parameters.
func (s *Server) handleJSWhitelistAdd(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.EnableJSWhitelistTracker {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":   "JS whitelist tracker is disabled",
			"enabled": false,
		})
		return
	}

	clientIP := netutil.ClientIP(r)
	userAgent := r.UserAgent()
	q := r.URL.Query()
	authorization := r.Header.Get("Authorization")

	var uid, jsPath string
	switch {
	case authorization != "":
		if !token.ValidateAPIKey(authorization, s.cfg.APIKey) {
			s.logger.Warn().Str("ip", clientIP).Msg("JS whitelist add with invalid API key")
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "Invalid or missing API key"})
			return
		}
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "API Key authentication requires POST method"})
			return
		}
		var req jsWhitelistAddRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON data"})
			return
		}
		uid, jsPath = req.UID, req.JSPath

	case q.Get("sign") != "" && q.Get("expires") != "":
		uid = q.Get("uid")
		jsPath = q.Get("js_path")
		if uid == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "uid is required for HMAC auth"})
			return
		}
		if !token.Verify([]byte(s.cfg.JSWhitelistSecretKey), uid, jsPath, q.Get("expires"), q.Get("sign")) {
			s.logger.Warn().Str("ip", clientIP).Str("uid", uid).Msg("JS whitelist add with invalid signature")
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "Invalid or expired signature"})
			return
		}

	default:
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": "Authentication required: use either API Key or HMAC signature",
		})
		return
	}

	if uid == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "uid is required"})
		return
	}

	res, err := s.js.Add(r.Context(), uid, jsPath, clientIP, userAgent)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "Failed to add to JS whitelist",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"uid":        res.UID,
		"js_path":    res.JSPath,
		"match_key":  res.MatchKey,
		"wildcard":   res.Wildcard,
		"client_ip":  res.ClientIP,
		"ttl":        res.TTL,
		"expires_at": res.ExpiresAt,
	})
}

func (s *Server) handleJSWhitelistCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jsPath := q.Get("js_path")
	if jsPath == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "js_path is required"})
		return
	}
	if !s.cfg.EnableJSWhitelistTracker {
		writeJSON(w, http.StatusOK, map[string]any{
			"is_allowed": true,
			"enabled":    false,
			"message":    "JS whitelist tracker is disabled, access allowed by default",
		})
		return
	}

	clientIP := netutil.ClientIP(r)
	allowed, grantUID := s.js.Check(r.Context(), jsPath, clientIP, r.UserAgent(), q.Get("uid"))
	status := http.StatusOK
	if !allowed {
		status = http.StatusForbidden
	}
	uid := grantUID
	if uid == "" {
		uid = q.Get("uid")
	}
	writeJSON(w, status, map[string]any{
		"is_allowed": allowed,
		"js_path":    jsPath,
		"uid":        uid,
		"client_ip":  clientIP,
	})
}

func (s *Server) handleJSWhitelistStats(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "uid is required"})
		return
	}
	writeJSON(w, http.StatusOK, s.js.Stats(r.Context(), uid))
}

type fileCheckRequest struct {
	Path string `json:"path"`
}

type batchFileCheckRequest struct {
	Paths []string `json:"paths"`
}

// checkFile probes one path and reduces the result to the check shape.
func (s *Server) checkFile(r *http.Request, p string) map[string]any {
	probe, err := s.engine.Probe(r.Context(), p)
	if err != nil {
		s.logger.Error().Err(err).Str("path", p).Msg("file check failed")
		return map[string]any{"path": p, "exists": false, "error": "Internal error"}
	}
	out := map[string]any{"path": p, "exists": probe["exists"], "error": nil}
	if e, ok := probe["error"]; ok {
		out["error"] = e
	}
	return out
}

func (s *Server) handleFileCheck(w http.ResponseWriter, r *http.Request) {
	var req fileCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "path is required"})
		return
	}
	writeJSON(w, http.StatusOK, s.checkFile(r, req.Path))
}

func (s *Server) handleFileCheckBatch(w http.ResponseWriter, r *http.Request) {
	var req batchFileCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON data"})
		return
	}
	if len(req.Paths) == 0 || len(req.Paths) > batchCheckMax {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "paths must contain between 1 and 100 entries",
		})
		return
	}

	results := make([]map[string]any, 0, len(req.Paths))
	var existsCount, notFoundCount, errorCount int
	for _, p := range req.Paths {
		res := s.checkFile(r, p)
		results = append(results, res)
		switch {
		case res["error"] != nil:
			errorCount++
		case res["exists"] == true:
			existsCount++
		default:
			notFoundCount++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":         results,
		"total":           len(req.Paths),
		"exists_count":    existsCount,
		"not_found_count": notFoundCount,
		"error_count":     errorCount,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := s.kv.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "unhealthy",
			"error":     err.Error(),
			"timestamp": time.Now().Unix(),
		})
		return
	}
	latency := float64(time.Since(start).Microseconds()) / 1000

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"redis": map[string]any{
			"status":     "connected",
			"latency_ms": latency,
		},
		"config": map[string]any{
			"backend_mode":          s.cfg.Backend.Mode,
			"streaming_enabled":     s.cfg.EnableResponseStreaming,
			"parallel_validation":   s.cfg.EnableParallelValidation,
			"redis_pipeline":        s.cfg.EnableRedisPipeline,
			"request_deduplication": s.cfg.EnableRequestDeduplication,
		},
	})
}

// handleStats reports store record counts, transfer aggregates and a
// non-secret echo of the admission policy.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	count := func(pattern string) int {
		keys, err := s.kv.Scan(ctx, pattern, 0)
		if err != nil {
			return -1
		}
		return len(keys)
	}

	snapshot := s.tracker.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":      time.Now().Unix(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"redis_stats": map[string]any{
			"active_sessions":   count("session:*"),
			"active_users":      count("user_active_session:*"),
			"manifest_counters": count("m3u8_access_count_v2:*"),
			"whitelist_records": count("ip_cidr_access:*"),
		},
		"transfers": map[string]any{
			"active":          snapshot["active_transfers"],
			"total_speed_bps": snapshot["total_speed_bps"],
		},
		"policy": map[string]any{
			"token_replay_enabled":    s.cfg.TokenReplayEnabled,
			"token_replay_max_uses":   s.cfg.TokenReplayMaxUses,
			"key_protect_enabled":     s.cfg.KeyProtectEnabled,
			"key_protect_max_uses":    s.cfg.KeyProtectMaxUses,
			"browser_adaptive_access": s.cfg.EnableBrowserAdaptiveAccess,
			"js_whitelist_tracker":    s.cfg.EnableJSWhitelistTracker,
		},
	})
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Traffic())
}

func (s *Server) handleActiveTransfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) handleWhitelistInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.whitelist.Info(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":     err.Error(),
			"timestamp": time.Now().Unix(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path_whitelist":   info["path_whitelist"],
		"static_whitelist": info["static_whitelist"],
		"timestamp":        time.Now().Unix(),
	})
}

func (s *Server) handleProbeBackend(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" || strings.Contains(p, "..") {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "reason": "invalid_path"})
		return
	}
	probe, err := s.engine.Probe(r.Context(), p)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"status": "error",
			"reason": "backend_unreachable",
		})
		return
	}
	probe["status"] = "ok"
	writeJSON(w, http.StatusOK, probe)
}

func (s *Server) handleDebugBrowser(w http.ResponseWriter, r *http.Request) {
	ua := r.URL.Query().Get("ua")
	if ua == "" {
		ua = r.UserAgent()
	}
	if ua == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "provide a User-Agent via ?ua= or the User-Agent header",
			"example": "/debug/browser?ua=Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		})
		return
	}

	browserType, browserName, suggested := useragent.Detect(ua)
	limit, window := s.cfg.ManifestLimit(browserType, browserName, suggested)

	writeJSON(w, http.StatusOK, map[string]any{
		"detection_result": map[string]any{
			"browser_type":        browserType,
			"browser_name":        browserName,
			"suggested_max_count": suggested,
			"final_max_count":     limit,
			"access_window_ttl":   int64(window.Seconds()),
		},
		"debug_details": useragent.Debug(ua),
		"config_info": map[string]any{
			"browser_adaptive_access_enabled": s.cfg.EnableBrowserAdaptiveAccess,
			"access_limits":                   s.cfg.M3U8AccessLimits,
		},
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleDebugCIDR(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ip := q.Get("ip")
	if ip == "" || (!netutil.IsIP(ip) && !netutil.IsCIDR(ip)) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Invalid IP address or CIDR: " + ip,
			"example": "/debug/cidr?ip=192.168.1.0/24&test_ip=192.168.1.100",
		})
		return
	}

	normalized := netutil.Normalize(ip)
	out := map[string]any{
		"input":        ip,
		"is_cidr":      netutil.IsCIDR(ip),
		"is_single_ip": netutil.IsIP(ip) && !netutil.IsCIDR(ip),
		"normalized":   normalized,
		"examples":     netutil.Examples(normalized, 5),
		"timestamp":    time.Now().Unix(),
	}
	if testIP := q.Get("test_ip"); testIP != "" {
		if netutil.IsIP(testIP) {
			matches, _ := netutil.Match(testIP, []string{normalized})
			out["test_result"] = map[string]any{"test_ip": testIP, "matches": matches}
		} else {
			out["test_result"] = map[string]any{"test_ip": testIP, "error": "Invalid test IP address"}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDebugIPWhitelist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := netutil.ClientIP(r)
	userAgent := r.UserAgent()
	uaHash := fingerprint.UAHash(userAgent)

	keys, err := s.kv.Scan(ctx, "ip_cidr_access:*:"+uaHash, 500)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":     err.Error(),
			"timestamp": time.Now().Unix(),
		})
		return
	}

	var entries, matching []map[string]any
	for _, key := range keys {
		var rec whitelist.Record
		found, err := s.kv.GetJSON(ctx, key, &rec)
		if err != nil || !found {
			continue
		}
		entry := map[string]any{
			"key":         key,
			"uid":         rec.UID,
			"ip_patterns": rec.IPPatterns,
			"paths":       rec.Paths,
			"created_at":  rec.CreatedAt,
		}
		entries = append(entries, entry)
		if ok, pattern := netutil.Match(clientIP, rec.IPPatterns); ok {
			entry["matched_pattern"] = pattern
			matching = append(matching, entry)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"client_ip":               clientIP,
		"user_agent":              userAgent,
		"ua_hash":                 uaHash,
		"total_whitelist_entries": len(entries),
		"matching_entries_count":  len(matching),
		"all_entries":             entries,
		"matching_entries":        matching,
		"timestamp":               time.Now().Unix(),
	})
}

func (s *Server) handleDebugSession(w http.ResponseWriter, r *http.Request) {
	clientIP := netutil.ClientIP(r)
	userAgent := r.UserAgent()
	if len(userAgent) > 100 {
		userAgent = userAgent[:100] + "..."
	}

	sessionID := r.Header.Get("X-Session-ID")
	if cookie, err := r.Cookie(s.cfg.SessionCookieName); err == nil && cookie.Value != "" {
		sessionID = cookie.Value
	}

	out := map[string]any{
		"client_ip":  clientIP,
		"user_agent": userAgent,
		"session_id": sessionID,
		"uid":        r.URL.Query().Get("uid"),
		"path":       r.URL.Query().Get("path"),
		"timestamp":  time.Now().Unix(),
	}
	if sessionID != "" {
		rec := s.session.Validate(r.Context(), sessionID, netutil.ClientIP(r), r.UserAgent())
		out["session_valid"] = rec != nil
		if rec != nil {
			out["session_data"] = rec
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAccessLogs serves one of the admitted/denied rings.
func (s *Server) handleAccessLogs(ring, totalField string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryLimit(r, accesslog.AccessRingCap, accesslog.AccessRingCap)
		records, err := s.logs.Entries(r.Context(), ring, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error()})
			return
		}
		summary, err := s.logs.AccessSummary(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"total":     summary[totalField],
			"limit":     limit,
			"records":   records,
			"timestamp": time.Now().Unix(),
		})
	}
}

func (s *Server) handleAccessLogSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.logs.AccessSummary(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error()})
		return
	}
	summary["timestamp"] = time.Now().Unix()
	writeJSON(w, http.StatusOK, summary)
}

// handleEventLogs serves the replay or key-access event ring.
func (s *Server) handleEventLogs(ring string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryLimit(r, accesslog.EventRingCap, accesslog.EventRingCap)
		records, err := s.logs.Entries(r.Context(), ring, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error()})
			return
		}
		summary, err := s.logs.EventSummary(r.Context(), ring)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"total":          summary["total_count"],
			"recent_blocked": summary["recent_blocked_count"],
			"limit":          limit,
			"records":        records,
			"timestamp":      time.Now().Unix(),
		})
	}
}

func (s *Server) handleEventLogSummary(ring string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := s.logs.EventSummary(r.Context(), ring)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error()})
			return
		}
		summary["status"] = "ok"
		summary["timestamp"] = time.Now().Unix()
		writeJSON(w, http.StatusOK, summary)
	}
}

func (s *Server) handleManifestCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.keyprotect.CacheStats(r.Context()))
}
