// SPDX-License-Identifier: MIT

package useragent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		ua       string
		wantType string
		wantName string
	}{
		{"", TypeUnknown, "unknown"},
		{"curl/8.4.0", TypeDownload, "curl"},
		{"Wget/1.21", TypeDownload, "wget"},
		{"Mozilla/5.0 (Linux; Android 13) AppleWebKit/537.36 Chrome/118.0 Mobile Safari/537.36 MQQBrowser/14.0", TypeMobile, "qq"},
		{"Mozilla/5.0 (Linux; Android 12) UCBrowser/15.0 Mobile", TypeMobile, "uc"},
		{"Mozilla/5.0 (Linux; Android 13) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0 Mobile Safari/537.36", TypeMobile, "chrome_mobile"},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0 Safari/537.36", TypeDesktop, "chrome"},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 Version/17.0 Safari/605.1.15", TypeDesktop, "safari"},
		{"Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0", TypeDesktop, "firefox"},
		// Generic fallback: browser-ish UA without a platform keyword pair.
		{"Mozilla/4.0 (compatible)", TypeDesktop, "generic_desktop"},
		{"Mozilla/4.0 (compatible; mobile)", TypeMobile, "generic_mobile"},
		{"SomeRandomAgent/1.0", TypeUnknown, "unknown"},
		// Download tools win even in browser-shaped strings.
		{"Mozilla/5.0 okhttp/4.11", TypeDownload, "okhttp"},
	}
	for _, tt := range tests {
		gotType, gotName, limit := Detect(tt.ua)
		assert.Equal(t, tt.wantType, gotType, "ua %q", tt.ua)
		assert.Equal(t, tt.wantName, gotName, "ua %q", tt.ua)
		assert.GreaterOrEqual(t, limit, 1)
	}
}

func TestDetectIsDeterministic(t *testing.T) {
	ua := "Mozilla/5.0 (Linux; Android 13) Chrome/118.0 Mobile Safari/537.36"
	t1, n1, l1 := Detect(ua)
	for i := 0; i < 10; i++ {
		t2, n2, l2 := Detect(ua)
		assert.Equal(t, t1, t2)
		assert.Equal(t, n1, n2)
		assert.Equal(t, l1, l2)
	}
}

func TestDebugTrace(t *testing.T) {
	trace := Debug("Mozilla/5.0 (Windows NT 10.0) Chrome/118.0 Safari/537.36")
	assert.Equal(t, TypeDesktop, trace.Type)
	assert.Equal(t, "chrome", trace.Name)
	assert.Contains(t, trace.DesktopMatches, "chrome")
	assert.Empty(t, trace.DownloadTools)
}
