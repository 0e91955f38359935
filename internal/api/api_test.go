// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vstreamlab/hlsgate/internal/accesslog"
	"github.com/vstreamlab/hlsgate/internal/config"
	"github.com/vstreamlab/hlsgate/internal/delivery"
	"github.com/vstreamlab/hlsgate/internal/jswhitelist"
	"github.com/vstreamlab/hlsgate/internal/keyprotect"
	"github.com/vstreamlab/hlsgate/internal/kv"
	"github.com/vstreamlab/hlsgate/internal/session"
	"github.com/vstreamlab/hlsgate/internal/token"
	"github.com/vstreamlab/hlsgate/internal/transfer"
	"github.com/vstreamlab/hlsgate/internal/whitelist"
)

const (
	testAPIKey   = "admin-key"
	testJSSecret = "js-secret"
	testUA       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/118.0 Safari/537.36"
	testIP       = "203.0.113.9"
)

type fixture struct {
	router chi.Router
	cfg    *config.Config
	store  *kv.Store
	writer *accesslog.Writer
	mr     *miniredis.Miniredis
	root   string
	gate   *stubGate
}

type stubGate struct {
	served []string
}

func (g *stubGate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.served = append(g.served, r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "served:%s", r.URL.Path)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kv.NewFromClient(client, true)

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "video"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "video", "movie.mp4"), make([]byte, 4096), 0o644))

	cfg := config.FromEnv()
	cfg.SecretKey = "playback-secret"
	cfg.JSWhitelistSecretKey = testJSSecret
	cfg.APIKey = testAPIKey
	cfg.Backend.Mode = config.BackendFilesystem
	cfg.Backend.FilesystemRoot = root
	cfg.AdminRateLimit = 1000

	tracker := transfer.NewTracker()
	engine, err := delivery.NewEngine(cfg, tracker)
	require.NoError(t, err)

	writer := accesslog.NewWriter(store, 64)
	t.Cleanup(writer.Close)

	gate := &stubGate{}
	router := NewRouter(Deps{
		Config:     cfg,
		KV:         store,
		Whitelist:  whitelist.New(store, cfg),
		Session:    session.New(store, cfg),
		JS:         jswhitelist.New(store, cfg),
		KeyProtect: keyprotect.New(store, writer),
		Engine:     engine,
		Tracker:    tracker,
		Logs:       accesslog.NewReader(store),
		Gate:       gate,
	})

	return &fixture{router: router, cfg: cfg, store: store, writer: writer, mr: mr, root: root, gate: gate}
}

func (f *fixture) do(t *testing.T, method, target string, body any, bearer bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("User-Agent", testUA)
	req.Header.Set("X-Real-IP", testIP)
	if bearer {
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestWhitelistAddRequiresAPIKey(t *testing.T) {
	f := newFixture(t)

	body := map[string]string{"uid": "315", "path": "/video/2025-08-30/xyz/720p/index.m3u8", "clientIp": "198.51.100.7", "UserAgent": testUA}
	w := f.do(t, http.MethodPost, "/api/whitelist", body, false)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/api/whitelist", body, true)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "198.51.100.0/24", resp["ip_pattern"])
}

func TestWhitelistAddValidatesBody(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/whitelist", map[string]string{"uid": "315"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/whitelist", map[string]string{
		"uid": "315", "path": "/video/x.m3u8", "clientIp": "not-an-ip", "UserAgent": testUA,
	}, true)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["success"])
}

func TestStaticWhitelistAdd(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/static-whitelist", map[string]string{
		"uid": "315", "clientIp": "198.51.100.7", "UserAgent": testUA,
	}, true)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "198.51.100.0/24", resp["ip_pattern"])
}

func TestJSWhitelistSignatureMode(t *testing.T) {
	f := newFixture(t)

	jsPath := "/video/2025-08-30/xyz/app.js"
	expires := time.Now().Add(time.Hour).Unix()
	sign := token.Sign([]byte(testJSSecret), "315", jsPath, expires)

	target := fmt.Sprintf("/api/js-whitelist?uid=315&js_path=%s&expires=%d&sign=%s", jsPath, expires, sign)
	w := f.do(t, http.MethodGet, target, nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "315", resp["uid"])

	// The granted client is now admitted by the check endpoint.
	w = f.do(t, http.MethodGet, "/api/js-whitelist/check?js_path="+jsPath, nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	check := decodeBody(t, w)
	assert.Equal(t, true, check["is_allowed"])
	assert.Equal(t, "315", check["uid"])
}

func TestJSWhitelistInvalidSignatureRejected(t *testing.T) {
	f := newFixture(t)

	expires := time.Now().Add(time.Hour).Unix()
	target := fmt.Sprintf("/api/js-whitelist?uid=315&js_path=/a/b.js&expires=%d&sign=deadbeef", expires)
	w := f.do(t, http.MethodGet, target, nil, false)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// No credentials at all.
	w = f.do(t, http.MethodGet, "/api/js-whitelist", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJSWhitelistBearerRequiresPost(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/js-whitelist", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/js-whitelist", map[string]string{"uid": "315", "jsPath": ""}, true)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, true, resp["wildcard"])
}

func TestJSWhitelistStats(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/js-whitelist", map[string]string{"uid": "315", "jsPath": "/video/x/app.js"}, true)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/js-whitelist/stats?uid=315", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, float64(1), resp["total_entries"])

	w = f.do(t, http.MethodGet, "/api/js-whitelist/stats?uid=315", nil, false)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestFileCheck(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/file/check", map[string]string{"path": "/video/movie.mp4"}, true)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, true, resp["exists"])

	w = f.do(t, http.MethodPost, "/api/file/check", map[string]string{"path": "/video/missing.mp4"}, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["exists"])
}

func TestFileCheckBatch(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/file/check/batch", map[string]any{
		"paths": []string{"/video/movie.mp4", "/video/missing.mp4"},
	}, true)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, float64(2), resp["total"])
	assert.Equal(t, float64(1), resp["exists_count"])
	assert.Equal(t, float64(1), resp["not_found_count"])
	assert.Equal(t, float64(0), resp["error_count"])

	w = f.do(t, http.MethodPost, "/api/file/check/batch", map[string]any{"paths": []string{}}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, "healthy", resp["status"])

	f.mr.Close()
	w = f.do(t, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decodeBody(t, w)["status"])
}

func TestStatsCountsStoreRecords(t *testing.T) {
	f := newFixture(t)
	f.mr.Set("session:abc", "{}")
	f.mr.Set("session:def", "{}")
	f.mr.Set("ip_cidr_access:198.51.100.0_24:aabbccdd", "{}")

	w := f.do(t, http.MethodGet, "/stats", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	redisStats := resp["redis_stats"].(map[string]any)
	assert.Equal(t, float64(2), redisStats["active_sessions"])
	assert.Equal(t, float64(1), redisStats["whitelist_records"])
}

func TestAccessLogEndpoints(t *testing.T) {
	f := newFixture(t)

	f.writer.LogAccess("315", testIP, testUA, "/video/a.m3u8", true, "", false)
	f.writer.LogAccess("315", testIP, testUA, "/video/b.m3u8", false, "whitelist_miss", false)
	f.writer.Close() // drain the queue so reads see both records

	w := f.do(t, http.MethodGet, "/api/access-logs/recent", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, float64(1), resp["total"])

	w = f.do(t, http.MethodGet, "/api/access-logs/denied", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeBody(t, w)
	assert.Equal(t, float64(1), resp["total"])
	records := resp["records"].([]any)
	require.Len(t, records, 1)
	assert.Equal(t, "whitelist_miss", records[0].(map[string]any)["reason"])

	w = f.do(t, http.MethodGet, "/api/access-logs/summary", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	summary := decodeBody(t, w)
	assert.Equal(t, float64(1), summary["denied_count"])
	assert.Equal(t, float64(1), summary["recent_count"])
}

func TestEventLogEndpoints(t *testing.T) {
	f := newFixture(t)

	f.writer.LogEvent(accesslog.RingReplay, accesslog.EventRecord{
		UID: "315", Path: "/video/a.m3u8", IP: testIP, Count: 2, MaxUses: 1, Blocked: true,
	})
	f.writer.Close()

	w := f.do(t, http.MethodGet, "/api/replay-logs", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, float64(1), resp["total"])
	assert.Equal(t, float64(1), resp["recent_blocked"])

	w = f.do(t, http.MethodGet, "/api/key-access-logs/summary", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])
}

func TestProbeBackend(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/probe/backend?path=/video/../etc/passwd", nil, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/probe/backend?path=/video/movie.mp4", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, true, resp["exists"])
}

func TestDebugBrowser(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/debug/browser?ua="+url.QueryEscape(testUA), nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	detection := resp["detection_result"].(map[string]any)
	assert.Equal(t, "desktop_browser", detection["browser_type"])
	assert.Equal(t, "chrome", detection["browser_name"])
}

func TestDebugCIDR(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/debug/cidr?ip=192.168.1.0/24&test_ip=192.168.1.100", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, "192.168.1.0/24", resp["normalized"])
	assert.Equal(t, true, resp["test_result"].(map[string]any)["matches"])

	w = f.do(t, http.MethodGet, "/debug/cidr?ip=banana", nil, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDebugIPWhitelist(t *testing.T) {
	f := newFixture(t)

	// Seed a record for this UA, matching the test client IP's /24.
	w := f.do(t, http.MethodPost, "/api/whitelist", map[string]string{
		"uid": "315", "path": "/video/2025-08-30/xyz/720p/index.m3u8", "clientIp": testIP, "UserAgent": testUA,
	}, true)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/debug/ip-whitelist", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, testIP, resp["client_ip"])
	assert.Equal(t, float64(1), resp["total_whitelist_entries"])
	assert.Equal(t, float64(1), resp["matching_entries_count"])
}

func TestWhitelistInfo(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/static-whitelist", map[string]string{
		"uid": "315", "clientIp": "198.51.100.7", "UserAgent": testUA,
	}, true)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/whitelist-info", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Len(t, resp["static_whitelist"], 1)
	assert.Empty(t, resp["path_whitelist"])
}

func TestMetricsExposition(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/metrics", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hlsgate_")
}

func TestCatchAllDispatchesToGate(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/video/2025-08-30/xyz/720p/seg0.ts", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "served:/video/2025-08-30/xyz/720p/seg0.ts", w.Body.String())
	require.Len(t, f.gate.served, 1)
}

func TestAdminRateLimit(t *testing.T) {
	f := newFixture(t)
	f.cfg.AdminRateLimit = 2

	// Router built in fixture already captured the old limit; rebuild.
	router := NewRouter(Deps{
		Config:     f.cfg,
		KV:         f.store,
		Whitelist:  whitelist.New(f.store, f.cfg),
		Session:    session.New(f.store, f.cfg),
		JS:         jswhitelist.New(f.store, f.cfg),
		KeyProtect: keyprotect.New(f.store, f.writer),
		Engine:     mustEngine(t, f.cfg),
		Tracker:    transfer.NewTracker(),
		Logs:       accesslog.NewReader(f.store),
		Gate:       f.gate,
	})

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/access-logs/summary", nil)
		req.Header.Set("User-Agent", testUA)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		last = w.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func mustEngine(t *testing.T, cfg *config.Config) *delivery.Engine {
	t.Helper()
	engine, err := delivery.NewEngine(cfg, transfer.NewTracker())
	require.NoError(t, err)
	return engine
}
