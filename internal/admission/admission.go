// SPDX-License-Identifier: MIT

// Package admission drives the per-request decision pipeline for the
// proxy endpoint: fixed-IP bypass, whitelist and session validation,
// JS-whitelist fallback, safe-key redirection, the strict playlist
// gate with HMAC and per-browser access counting, the token replay
// and key-file counters, and finally delivery dispatch with dynamic
// playlist rewriting.
package admission

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/vstreamlab/hlsgate/internal/accesslog"
	"github.com/vstreamlab/hlsgate/internal/config"
	"github.com/vstreamlab/hlsgate/internal/delivery"
	"github.com/vstreamlab/hlsgate/internal/jswhitelist"
	"github.com/vstreamlab/hlsgate/internal/keyprotect"
	"github.com/vstreamlab/hlsgate/internal/kv"
	"github.com/vstreamlab/hlsgate/internal/log"
	"github.com/vstreamlab/hlsgate/internal/metrics"
	"github.com/vstreamlab/hlsgate/internal/netutil"
	"github.com/vstreamlab/hlsgate/internal/replay"
	"github.com/vstreamlab/hlsgate/internal/session"
	"github.com/vstreamlab/hlsgate/internal/token"
	"github.com/vstreamlab/hlsgate/internal/whitelist"
)

// Gate is the admission pipeline plus everything it dispatches to.
type Gate struct {
	cfg        *config.Config
	kv         *kv.Store
	whitelist  *whitelist.Store
	session    *session.Store
	replay     *replay.Checker
	keyprotect *keyprotect.Service
	js         *jswhitelist.Tracker
	engine     *delivery.Engine
	writer     *accesslog.Writer
	flight     singleflight.Group
	logger     zerolog.Logger
}

// Deps bundles the gate's collaborators.
type Deps struct {
	Config     *config.Config
	KV         *kv.Store
	Whitelist  *whitelist.Store
	Session    *session.Store
	Replay     *replay.Checker
	KeyProtect *keyprotect.Service
	JS         *jswhitelist.Tracker
	Engine     *delivery.Engine
	Writer     *accesslog.Writer
}

// New builds the admission gate.
func New(d Deps) *Gate {
	return &Gate{
		cfg:        d.Config,
		kv:         d.KV,
		whitelist:  d.Whitelist,
		session:    d.Session,
		replay:     d.Replay,
		keyprotect: d.KeyProtect,
		js:         d.JS,
		engine:     d.Engine,
		writer:     d.Writer,
		logger:     log.WithComponent("admission"),
	}
}

// fullyAllowed reports whether the path bypasses every check.
func (g *Gate) fullyAllowed(p string) bool {
	lower := strings.ToLower(p)
	for _, ext := range g.cfg.FullyAllowedExtensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// staticish reports whether the path is eligible for the JS-whitelist
// fallback: static assets plus the HLS surface itself.
func (g *Gate) staticish(p string) bool {
	lower := strings.ToLower(p)
	if strings.HasSuffix(lower, ".m3u8") || strings.HasSuffix(lower, ".ts") || strings.HasSuffix(lower, ".key") {
		return true
	}
	for _, ext := range g.cfg.StaticFileExtensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	for _, ext := range g.cfg.LegacySkipValidationExts {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func (g *Gate) deny(w http.ResponseWriter, reason, message string, uid, ip, ua, reqPath string) {
	metrics.Decisions.WithLabelValues("denied").Inc()
	metrics.Denials.WithLabelValues(reason).Inc()
	g.writer.LogAccess(uid, ip, ua, reqPath, false, reason, false)
	http.Error(w, message, http.StatusForbidden)
}

// ServeHTTP runs the full pipeline for one proxy request.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()

	reqPath := r.URL.Path
	clientIP := netutil.ClientIP(r)
	userAgent := r.UserAgent()
	q := r.URL.Query()
	uid := q.Get("uid")
	tok := q.Get("token")
	expires := q.Get("expires")

	fileType := delivery.Classify(reqPath, g.cfg.StaticFileExtensions)

	// Fully-allowed extensions skip every check.
	if g.fullyAllowed(reqPath) {
		metrics.Decisions.WithLabelValues("bypass").Inc()
		metrics.AdmissionDuration.Observe(time.Since(started).Seconds())
		g.engine.Serve(w, r, reqPath, delivery.Meta{UID: uid, ClientIP: clientIP, FileType: fileType})
		return
	}

	v := g.Validate(ctx, clientIP, reqPath, userAgent, uid)
	allowed := v.Allowed
	effectiveUID := v.SessionUID
	if effectiveUID == "" {
		effectiveUID = v.WhitelistUID
	}

	// JS-whitelist fallback for static-ish paths.
	if !allowed && g.cfg.EnableJSWhitelistTracker && g.staticish(reqPath) {
		if ok, jsUID := g.js.Check(ctx, reqPath, clientIP, userAgent, uid); ok {
			allowed = true
			if effectiveUID == "" {
				effectiveUID = jsUID
			}
			g.logger.Info().Str("uid", jsUID).Str("path", reqPath).Msg("admitted via JS whitelist")
		}
	}

	if !allowed {
		metrics.AdmissionDuration.Observe(time.Since(started).Seconds())
		g.deny(w, "whitelist_miss", "Access denied", effectiveUID, clientIP, userAgent, reqPath)
		return
	}

	// Safe-key redirect fires before any body is served, fixed
	// whitelist included.
	if g.cfg.SafeKeyProtectEnabled && strings.HasSuffix(strings.ToLower(reqPath), "enc.key") {
		h := w.Header()
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")
		metrics.Decisions.WithLabelValues("redirected").Inc()
		metrics.AdmissionDuration.Observe(time.Since(started).Seconds())
		http.Redirect(w, r, g.cfg.SafeKeyRedirectBaseURL+reqPath, http.StatusFound)
		return
	}

	fixed := v.WhitelistUID == FixedWhitelistUID
	lower := strings.ToLower(reqPath)
	trimmedPath := strings.TrimLeft(reqPath, "/")
	// Key files are exempt from the generic replay counter only when
	// the dedicated key gate is on; otherwise they count like any
	// other tokened request.
	isProtectedKey := keyprotect.IsKeyFile(reqPath, g.cfg.KeyProtectExtensions) && g.cfg.KeyProtectEnabled

	if !fixed && strings.HasSuffix(lower, ".m3u8") && !g.cfg.DisablePathProtection {
		if effectiveUID == "" {
			metrics.AdmissionDuration.Observe(time.Since(started).Seconds())
			g.deny(w, "no_uid", "Access denied: no user identity", effectiveUID, clientIP, userAgent, reqPath)
			return
		}
		if uid == "" || tok == "" || expires == "" {
			metrics.Decisions.WithLabelValues("bad_request").Inc()
			metrics.AdmissionDuration.Observe(time.Since(started).Seconds())
			http.Error(w, "Missing required parameters", http.StatusBadRequest)
			return
		}
		if !token.Verify([]byte(g.cfg.SecretKey), uid, trimmedPath, expires, tok) {
			metrics.AdmissionDuration.Observe(time.Since(started).Seconds())
			g.deny(w, "hmac_invalid", "Invalid or expired token", uid, clientIP, userAgent, reqPath)
			return
		}
		if ok, _ := g.whitelist.CheckManifestAccess(ctx, uid, r.URL.RequestURI(), clientIP, userAgent); !ok {
			metrics.ReplayBlocked.WithLabelValues("manifest").Inc()
			metrics.AdmissionDuration.Observe(time.Since(started).Seconds())
			g.deny(w, "m3u8_access_limit", "Access limit exceeded for this playlist", uid, clientIP, userAgent, reqPath)
			return
		}
	}

	if !fixed && g.cfg.TokenReplayEnabled && tok != "" && uid != "" && !isProtectedKey {
		ok, info := g.replay.Check(ctx, tok, uid, reqPath, g.cfg.TokenReplayMaxUses, g.cfg.TokenReplayTTL, replay.RequestContext{
			ClientIP:  clientIP,
			UserAgent: userAgent,
			FullURL:   r.URL.RequestURI(),
		})
		if !ok {
			metrics.ReplayBlocked.WithLabelValues("token").Inc()
			metrics.AdmissionDuration.Observe(time.Since(started).Seconds())
			g.deny(w, "token_replay", "Token has exceeded maximum usage limit", uid, clientIP, userAgent, reqPath)
			return
		}
		if info.Fallback {
			g.writer.LogAccess(uid, clientIP, userAgent, reqPath, true, "", true)
		}
	}

	if !fixed && isProtectedKey {
		if uid == "" || tok == "" || expires == "" {
			metrics.Decisions.WithLabelValues("bad_request").Inc()
			metrics.AdmissionDuration.Observe(time.Since(started).Seconds())
			http.Error(w, "Missing required parameters", http.StatusBadRequest)
			return
		}
		if !token.Verify([]byte(g.cfg.SecretKey), uid, trimmedPath, expires, tok) {
			g.keyprotect.LogEvent(uid, trimmedPath, clientIP, userAgent, 0, g.cfg.KeyProtectMaxUses, true, keyprotect.ReasonInvalidToken)
			metrics.AdmissionDuration.Observe(time.Since(started).Seconds())
			g.deny(w, "hmac_invalid", "Invalid or expired key token", uid, clientIP, userAgent, reqPath)
			return
		}
		ok, _ := g.keyprotect.CheckAccess(ctx, trimmedPath, uid, tok, clientIP, userAgent, g.cfg.KeyProtectMaxUses, g.cfg.KeyProtectTTL)
		if !ok {
			metrics.ReplayBlocked.WithLabelValues("key").Inc()
			metrics.AdmissionDuration.Observe(time.Since(started).Seconds())
			g.deny(w, "key_replay", "Key access limit exceeded", uid, clientIP, userAgent, reqPath)
			return
		}
	}

	metrics.Decisions.WithLabelValues("allowed").Inc()
	metrics.AdmissionDuration.Observe(time.Since(started).Seconds())

	if v.NewSession && v.SessionID != "" {
		g.setSessionCookie(w, v.SessionID)
	}

	// Playlists with full credentials get the dynamic key-URI rewrite.
	if strings.HasSuffix(lower, ".m3u8") &&
		g.cfg.KeyProtectEnabled && g.cfg.KeyProtectDynamicM3U8 &&
		uid != "" && tok != "" && expires != "" {
		g.servePlaylist(w, r, reqPath, trimmedPath, uid, expires, clientIP, userAgent)
		return
	}

	g.engine.Serve(w, r, reqPath, delivery.Meta{
		UID:       effectiveUID,
		SessionID: v.SessionID,
		ClientIP:  clientIP,
		FileType:  fileType,
	})
	g.writer.LogAccess(effectiveUID, clientIP, userAgent, reqPath, true, "", false)
}

// servePlaylist reads the manifest (through the content cache), rewrites
// its key URIs and responds with no-cache headers.
func (g *Gate) servePlaylist(w http.ResponseWriter, r *http.Request, reqPath, trimmedPath, uid, expires, clientIP, userAgent string) {
	ctx := r.Context()

	var (
		content string
		found   bool
	)
	if g.cfg.M3U8ContentCacheEnabled {
		content, found = g.keyprotect.CachedManifest(ctx, reqPath)
	}
	if !found {
		fetched, err := g.engine.Fetch(ctx, reqPath)
		if err != nil {
			if os.IsNotExist(err) {
				http.Error(w, "File Not Found", http.StatusNotFound)
				return
			}
			g.logger.Error().Err(err).Str("path", reqPath).Msg("manifest fetch failed")
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
			return
		}
		content = fetched
		if g.cfg.M3U8ContentCacheEnabled {
			g.keyprotect.StoreManifest(ctx, reqPath, content, g.cfg.M3U8ContentCacheTTL)
		}
	}

	m3u8Dir := path.Dir(trimmedPath)
	if m3u8Dir == "." {
		m3u8Dir = ""
	}
	body := keyprotect.RewritePlaylist(content, uid, expires, []byte(g.cfg.SecretKey), m3u8Dir)

	h := w.Header()
	h.Set("Content-Type", "application/vnd.apple.mpegurl")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		if _, err := fmt.Fprint(w, body); err != nil && !delivery.IsClientDisconnect(err) {
			g.logger.Error().Err(err).Str("path", reqPath).Msg("playlist write failed")
		}
	}
	g.writer.LogAccess(uid, clientIP, userAgent, reqPath, true, "", false)
}

func (g *Gate) setSessionCookie(w http.ResponseWriter, sessionID string) {
	sameSite := http.SameSiteLaxMode
	switch strings.ToLower(g.cfg.CookieSameSite) {
	case "strict":
		sameSite = http.SameSiteStrictMode
	case "none":
		sameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, &http.Cookie{
		Name:     g.cfg.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(g.cfg.SessionTTL.Seconds()),
		HttpOnly: g.cfg.CookieHTTPOnly,
		Secure:   g.cfg.CookieSecure,
		SameSite: sameSite,
	})
}
