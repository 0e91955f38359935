// SPDX-License-Identifier: MIT

package delivery

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vstreamlab/hlsgate/internal/config"
	"github.com/vstreamlab/hlsgate/internal/transfer"
)

func newFSEngine(t *testing.T, root string) *Engine {
	t.Helper()
	cfg := config.FromEnv()
	cfg.Backend.Mode = config.BackendFilesystem
	cfg.Backend.FilesystemRoot = root
	e, err := NewEngine(cfg, transfer.NewTracker())
	require.NoError(t, err)
	return e
}

func writeFile(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, data, 0o644))
}

func TestServeWholeFile(t *testing.T) {
	root := t.TempDir()
	body := []byte("#EXTM3U\n#EXT-X-VERSION:3\nseg0.ts\n")
	writeFile(t, root, "video/index.m3u8", body)
	e := newFSEngine(t, root)

	req := httptest.NewRequest(http.MethodGet, "/video/index.m3u8", nil)
	rec := httptest.NewRecorder()
	e.Serve(rec, req, "/video/index.m3u8", Meta{FileType: TypeM3U8, ClientIP: "1.2.3.4"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, rec.Body.Bytes())
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))
	assert.Equal(t, fmt.Sprint(len(body)), rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
}

func TestServeRange(t *testing.T) {
	root := t.TempDir()
	data := make([]byte, 3*1024*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	writeFile(t, root, "video/seg0.ts", data)
	e := newFSEngine(t, root)

	req := httptest.NewRequest(http.MethodGet, "/video/seg0.ts", nil)
	req.Header.Set("Range", "bytes=1048576-2097151")
	rec := httptest.NewRecorder()
	e.Serve(rec, req, "/video/seg0.ts", Meta{FileType: TypeTS})

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "1048576", rec.Header().Get("Content-Length"))
	assert.Equal(t, fmt.Sprintf("bytes 1048576-2097151/%d", len(data)), rec.Header().Get("Content-Range"))
	assert.True(t, bytes.Equal(data[1048576:2097152], rec.Body.Bytes()))
	assert.Equal(t, "public, max-age=300", rec.Header().Get("Cache-Control"))
}

func TestRangeForms(t *testing.T) {
	size := int64(1000)
	cases := []struct {
		header     string
		start, end int64
		ok         bool
	}{
		{"bytes=0-499", 0, 499, true},
		{"bytes=500-", 500, 999, true},
		{"bytes=-200", 800, 999, true},
		{"bytes=-2000", 0, 999, true},
		{"bytes=500-499", 0, 0, false},
		{"bytes=0-1000", 0, 0, false},
		{"bytes=abc-", 0, 0, false},
		{"chunks=0-10", 0, 0, false},
		{"bytes=-0", 0, 0, false},
	}
	for _, tc := range cases {
		start, end, ok := parseRange(tc.header, size)
		assert.Equal(t, tc.ok, ok, tc.header)
		if tc.ok {
			assert.Equal(t, tc.start, start, tc.header)
			assert.Equal(t, tc.end, end, tc.header)
		}
	}
}

func TestInvalidRangeReturns416(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.ts", make([]byte, 100))
	e := newFSEngine(t, root)

	req := httptest.NewRequest(http.MethodGet, "/a.ts", nil)
	req.Header.Set("Range", "bytes=200-300")
	rec := httptest.NewRecorder()
	e.Serve(rec, req, "/a.ts", Meta{FileType: TypeTS})

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */100", rec.Header().Get("Content-Range"))
}

func TestPathTraversalRejected(t *testing.T) {
	root := t.TempDir()
	e := newFSEngine(t, root)

	for _, p := range []string{"/../etc/passwd", "/video/../../secret", "/..%2f" + "x"} {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		rec := httptest.NewRecorder()
		e.Serve(rec, req, p, Meta{})
		if rec.Code != http.StatusForbidden && rec.Code != http.StatusNotFound {
			t.Fatalf("path %q: got status %d", p, rec.Code)
		}
	}

	// A direct escape is always 403.
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	e.Serve(rec, req, "/../outside.txt", Meta{})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMissingFile404AndDirectory403(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir"), 0o755))
	e := newFSEngine(t, root)

	req := httptest.NewRequest(http.MethodGet, "/nope.ts", nil)
	rec := httptest.NewRecorder()
	e.Serve(rec, req, "/nope.ts", Meta{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	e.Serve(rec, req, "/dir", Meta{})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHeadRequestNoBody(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.ts", make([]byte, 100))
	e := newFSEngine(t, root)

	req := httptest.NewRequest(http.MethodHead, "/a.ts", nil)
	rec := httptest.NewRecorder()
	e.Serve(rec, req, "/a.ts", Meta{FileType: TypeTS})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("Content-Length"))
	assert.Zero(t, rec.Body.Len())
}

func TestClassify(t *testing.T) {
	static := []string{".css", ".js", ".png"}
	assert.Equal(t, TypeM3U8, Classify("/v/index.m3u8", static))
	assert.Equal(t, TypeTS, Classify("/v/seg0.TS", static))
	assert.Equal(t, TypeKey, Classify("/v/enc.key", static))
	assert.Equal(t, TypeStatic, Classify("/app.js", static))
	assert.Equal(t, TypeDefault, Classify("/v/movie.mp4", static))
}

func TestUpstreamProxy(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=0-9", r.Header.Get("Range"))
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Content-Type", "video/mp2t")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer origin.Close()

	cfg := config.FromEnv()
	cfg.Backend.Mode = config.BackendHTTP
	host, port := splitHostPort(t, origin.URL)
	cfg.Backend.Host = host
	cfg.Backend.Port = port
	e, err := NewEngine(cfg, transfer.NewTracker())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v/seg0.ts", nil)
	req.Header.Set("Range", "bytes=0-9")
	rec := httptest.NewRecorder()
	e.Serve(rec, req, "/v/seg0.ts", Meta{FileType: TypeTS})

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "0123456789", rec.Body.String())
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
}

func TestFetchFilesystem(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "v/index.m3u8", []byte("#EXTM3U\n"))
	e := newFSEngine(t, root)

	content, err := e.Fetch(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "/v/index.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n", content)

	_, err = e.Fetch(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "/../outside")
	assert.Error(t, err)
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	var host string
	var port int
	_, err := fmt.Sscanf(rawURL, "http://%s", &host)
	require.NoError(t, err)
	idx := -1
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			idx = i
			break
		}
	}
	require.Greater(t, idx, 0)
	_, err = fmt.Sscanf(host[idx+1:], "%d", &port)
	require.NoError(t, err)
	return host[:idx], port
}
