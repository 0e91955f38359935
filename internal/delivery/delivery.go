// SPDX-License-Identifier: MIT

// Package delivery produces response bodies from either the local
// filesystem or an upstream HTTP origin. The filesystem path is the
// default: traversal-guarded resolution, RFC 7233 ranges, adaptive
// chunk sizing and zero-copy serving for small whole-file responses.
// Every body registers a live transfer for the bandwidth dashboard.
package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/vstreamlab/hlsgate/internal/config"
	"github.com/vstreamlab/hlsgate/internal/log"
	"github.com/vstreamlab/hlsgate/internal/metrics"
	"github.com/vstreamlab/hlsgate/internal/transfer"
)

// StatusClientClosed mirrors nginx's 499 for client-abandoned requests.
const StatusClientClosed = 499

// File type classes drive cache policy and dashboards.
const (
	TypeM3U8    = "m3u8"
	TypeTS      = "ts"
	TypeKey     = "key"
	TypeStatic  = "static"
	TypeDefault = "default"
)

var mediaTypes = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".ts":   "video/mp2t",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".flv":  "video/x-flv",
	".wmv":  "video/x-ms-wmv",
	".key":  "application/octet-stream",
}

// hop-by-hop and CORS-echo headers never forwarded from upstream.
var strippedHeaders = map[string]bool{
	"transfer-encoding":                true,
	"content-encoding":                 true,
	"connection":                       true,
	"keep-alive":                       true,
	"proxy-authenticate":               true,
	"proxy-authorization":              true,
	"te":                               true,
	"trailer":                          true,
	"upgrade":                          true,
	"access-control-allow-origin":      true,
	"access-control-allow-methods":     true,
	"access-control-allow-headers":     true,
	"access-control-allow-credentials": true,
	"access-control-max-age":           true,
	"access-control-expose-headers":    true,
}

// Meta carries per-request identity into the body phase.
type Meta struct {
	UID       string
	SessionID string
	ClientIP  string
	FileType  string
}

// Engine serves bodies from the configured backend.
type Engine struct {
	cfg     *config.Config
	tracker *transfer.Tracker
	root    string
	client  *http.Client
	logger  zerolog.Logger
}

// NewEngine builds a delivery engine for the configured backend mode.
func NewEngine(cfg *config.Config, tracker *transfer.Tracker) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		tracker: tracker,
		logger:  log.WithComponent("delivery"),
	}

	switch cfg.Backend.Mode {
	case config.BackendFilesystem:
		root, err := filepath.Abs(cfg.Backend.FilesystemRoot)
		if err != nil {
			return nil, fmt.Errorf("resolve filesystem root: %w", err)
		}
		if _, err := os.Stat(root); err != nil {
			e.logger.Warn().Str("root", root).Msg("filesystem root does not exist")
		}
		e.root = root
	case config.BackendHTTP:
		e.client = &http.Client{
			Timeout: cfg.Backend.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Backend.MaxConns,
				MaxIdleConnsPerHost: cfg.Backend.MaxConns,
				ForceAttemptHTTP2:   true,
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: !cfg.Backend.SSLVerify},
			},
		}
	default:
		return nil, fmt.Errorf("unknown backend mode %q", cfg.Backend.Mode)
	}
	return e, nil
}

// Classify maps a request path to its file type class.
func Classify(p string, staticExts []string) string {
	lower := strings.ToLower(p)
	switch {
	case strings.HasSuffix(lower, ".m3u8"):
		return TypeM3U8
	case strings.HasSuffix(lower, ".ts"):
		return TypeTS
	case strings.HasSuffix(lower, ".key"):
		return TypeKey
	}
	for _, ext := range staticExts {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return TypeStatic
		}
	}
	return TypeDefault
}

// MediaType resolves the Content-Type for a path.
func MediaType(p string) string {
	ext := strings.ToLower(filepath.Ext(p))
	if mt, ok := mediaTypes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

// CacheHeaders applies the per-class cache policy.
func CacheHeaders(h http.Header, fileType string) {
	switch fileType {
	case TypeM3U8, TypeKey:
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")
	case TypeTS:
		h.Set("Cache-Control", "public, max-age=300")
	case TypeStatic:
		h.Set("Cache-Control", "public, max-age=3600")
	default:
		h.Set("Cache-Control", "public, max-age=600")
	}
}

// chunkSize picks the read size for a file, nginx-style.
func (e *Engine) chunkSize(fileSize int64) int64 {
	switch {
	case fileSize < 1<<20:
		return e.cfg.Backend.OutputBuffersSize
	case fileSize < 32<<20:
		return 128 << 10
	case fileSize < 256<<20:
		return 512 << 10
	default:
		chunk := e.cfg.Backend.SendfileMaxChunk
		if chunk > 2<<20 {
			chunk = 2 << 20
		}
		return chunk
	}
}

// parseRange parses "bytes=a-b" per RFC 7233. Supports a-b, a- and -k.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, false
	}
	spec := header[len("bytes="):]
	dash := strings.Index(spec, "-")
	if dash < 0 {
		return 0, 0, false
	}
	startStr := strings.TrimSpace(spec[:dash])
	endStr := strings.TrimSpace(spec[dash+1:])

	switch {
	case startStr != "" && endStr != "":
		s, err1 := strconv.ParseInt(startStr, 10, 64)
		f, err2 := strconv.ParseInt(endStr, 10, 64)
		if err1 != nil || err2 != nil {
			return 0, 0, false
		}
		start, end = s, f
	case startStr != "":
		s, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		start, end = s, size-1
	case endStr != "":
		k, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || k <= 0 {
			return 0, 0, false
		}
		start, end = size-k, size-1
		if start < 0 {
			start = 0
		}
	default:
		return 0, 0, false
	}

	if start < 0 || end >= size || start > end {
		return 0, 0, false
	}
	return start, end, true
}

// resolve maps a request path into the filesystem root. Any resolution
// escaping the root is rejected.
func (e *Engine) resolve(reqPath string) (string, error) {
	full := filepath.Join(e.root, filepath.FromSlash(strings.TrimLeft(reqPath, "/")))
	full = filepath.Clean(full)
	if full != e.root && !strings.HasPrefix(full, e.root+string(filepath.Separator)) {
		return "", errors.New("path escapes root")
	}
	return full, nil
}

// Serve writes the response body for reqPath. Status and headers are
// fully owned by the engine from this point on.
func (e *Engine) Serve(w http.ResponseWriter, r *http.Request, reqPath string, meta Meta) {
	if e.cfg.Backend.Mode == config.BackendHTTP {
		e.serveUpstream(w, r, reqPath, meta)
		return
	}
	e.serveFilesystem(w, r, reqPath, meta)
}

func (e *Engine) serveFilesystem(w http.ResponseWriter, r *http.Request, reqPath string, meta Meta) {
	full, err := e.resolve(reqPath)
	if err != nil {
		e.logger.Warn().Str("path", reqPath).Str("ip", meta.ClientIP).Msg("path traversal attempt")
		http.Error(w, "Access Denied: Path traversal detected", http.StatusForbidden)
		return
	}

	fi, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File Not Found", http.StatusNotFound)
			return
		}
		if os.IsPermission(err) {
			http.Error(w, "Access Denied: Permission denied", http.StatusForbidden)
			return
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !fi.Mode().IsRegular() {
		http.Error(w, "Access Denied: Not a file", http.StatusForbidden)
		return
	}

	size := fi.Size()
	start, end := int64(0), size-1
	status := http.StatusOK

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		s, f, ok := parseRange(rangeHeader, size)
		if !ok {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		start, end = s, f
		status = http.StatusPartialContent
	}
	contentLength := end - start + 1

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(contentLength, 10))
	h.Set("Content-Type", MediaType(full))
	CacheHeaders(h, meta.FileType)
	if status == http.StatusPartialContent {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}

	f, err := os.Open(full)
	if err != nil {
		http.Error(w, "File Not Found", http.StatusNotFound)
		return
	}
	defer f.Close()

	tid := e.tracker.Start(transfer.Info{
		FileName:  filepath.Base(full),
		FullPath:  full,
		UID:       meta.UID,
		SessionID: meta.SessionID,
		ClientIP:  meta.ClientIP,
		FileType:  meta.FileType,
		StartByte: start,
		EndByte:   end,
		TotalSize: contentLength,
	})

	// Small whole-file responses go through one zero-copy write.
	if rangeHeader == "" && size < e.cfg.Backend.StreamingThreshold {
		w.WriteHeader(status)
		n, err := io.Copy(w, f)
		e.tracker.Record(tid, n)
		metrics.BytesTransferred.WithLabelValues(meta.FileType).Add(float64(n))
		if err != nil {
			e.finishWithError(tid, err)
			return
		}
		e.tracker.Finish(tid, transfer.StatusCompleted, "")
		return
	}

	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			e.tracker.Finish(tid, transfer.StatusError, err.Error())
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(status)
	e.streamBody(r.Context(), w, io.LimitReader(f, contentLength), e.chunkSize(size), tid, meta.FileType)
}

// streamBody copies the source to the client in chunks, checking for
// client disconnect at every chunk boundary.
func (e *Engine) streamBody(ctx context.Context, w http.ResponseWriter, src io.Reader, chunkSize int64, tid, fileType string) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, chunkSize)

	for {
		select {
		case <-ctx.Done():
			e.tracker.Finish(tid, transfer.StatusDisconnected, "")
			return
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			written, writeErr := w.Write(buf[:n])
			e.tracker.Record(tid, int64(written))
			metrics.BytesTransferred.WithLabelValues(fileType).Add(float64(written))
			if writeErr != nil {
				e.finishWithError(tid, writeErr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			e.tracker.Finish(tid, transfer.StatusCompleted, "")
			return
		}
		if readErr != nil {
			e.finishWithError(tid, readErr)
			return
		}
	}
}

func (e *Engine) finishWithError(tid string, err error) {
	if IsClientDisconnect(err) {
		e.tracker.Finish(tid, transfer.StatusDisconnected, "")
		return
	}
	e.logger.Error().Err(err).Msg("body stream failed")
	e.tracker.Finish(tid, transfer.StatusError, err.Error())
}

// upstreamURL composes the origin URL for a request path.
func (e *Engine) upstreamURL(reqPath string) string {
	scheme := "http"
	if e.cfg.Backend.UseHTTPS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, e.cfg.Backend.Host, e.cfg.Backend.Port, reqPath)
}

func (e *Engine) serveUpstream(w http.ResponseWriter, r *http.Request, reqPath string, meta Meta) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, e.upstreamURL(reqPath), nil)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	for _, name := range []string{"Range", "If-Range", "If-Modified-Since", "If-None-Match"} {
		if v := r.Header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.writeUpstreamError(w, r, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		e.logger.Warn().Int("status", resp.StatusCode).Str("path", reqPath).Msg("upstream error status")
		w.WriteHeader(resp.StatusCode)
		return
	}

	h := w.Header()
	for name, values := range resp.Header {
		if strippedHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			h.Add(name, v)
		}
	}
	if h.Get("Accept-Ranges") == "" {
		h.Set("Accept-Ranges", "bytes")
	}
	CacheHeaders(h, meta.FileType)

	if r.Method == http.MethodHead {
		w.WriteHeader(resp.StatusCode)
		return
	}

	totalSize := resp.ContentLength
	if totalSize < 0 {
		totalSize = 0
	}
	tid := e.tracker.Start(transfer.Info{
		FileName:  filepath.Base(reqPath),
		FullPath:  reqPath,
		UID:       meta.UID,
		SessionID: meta.SessionID,
		ClientIP:  meta.ClientIP,
		FileType:  meta.FileType,
		EndByte:   -1,
		TotalSize: totalSize,
	})

	w.WriteHeader(resp.StatusCode)
	e.streamBody(r.Context(), w, resp.Body, 8<<10, tid, meta.FileType)
}

func (e *Engine) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		w.WriteHeader(StatusClientClosed)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
	default:
		e.logger.Error().Err(err).Msg("upstream request failed")
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}
}

// Fetch reads the full content of reqPath from the backend. Used by
// the playlist rewriter, which needs the whole manifest in memory.
func (e *Engine) Fetch(ctx context.Context, reqPath string) (string, error) {
	if e.cfg.Backend.Mode == config.BackendHTTP {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.upstreamURL(reqPath), nil)
		if err != nil {
			return "", err
		}
		resp, err := e.client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("upstream status %d for %s", resp.StatusCode, reqPath)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	full, err := e.resolve(reqPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Probe checks whether reqPath exists on the backend without reading
// its body. Used by the file-check API and the backend probe endpoint.
func (e *Engine) Probe(ctx context.Context, reqPath string) (map[string]any, error) {
	if e.cfg.Backend.Mode == config.BackendHTTP {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, e.upstreamURL(reqPath), nil)
		if err != nil {
			return nil, err
		}
		resp, err := e.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		return map[string]any{
			"path":   reqPath,
			"exists": resp.StatusCode == http.StatusOK,
			"status": resp.StatusCode,
			"size":   resp.ContentLength,
		}, nil
	}

	full, err := e.resolve(reqPath)
	if err != nil {
		return map[string]any{"path": reqPath, "exists": false, "error": "invalid path"}, nil
	}
	fi, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{"path": reqPath, "exists": false}, nil
		}
		return nil, err
	}
	return map[string]any{
		"path":     reqPath,
		"exists":   fi.Mode().IsRegular(),
		"size":     fi.Size(),
		"modified": fi.ModTime().Unix(),
	}, nil
}

// IsClientDisconnect classifies transport errors caused by the client
// going away, which are not server faults.
func IsClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "client disconnected")
}
