// SPDX-License-Identifier: MIT

// Package useragent classifies User-Agent strings into coarse browser
// classes. The classification drives the adaptive manifest access limit:
// download tools get the tightest budget, known browsers a per-browser one.
//
// Matching is keyword-based and ordered (download tools, then mobile,
// then desktop, then a generic fallback); the first match wins, which
// keeps the classification deterministic.
package useragent

import "strings"

// Browser classes.
const (
	TypeMobile   = "mobile_browser"
	TypeDesktop  = "desktop_browser"
	TypeDownload = "download_tool"
	TypeUnknown  = "unknown"
)

type browserRule struct {
	name     string
	primary  []string
	platform []string
	limit    int
}

var mobileRules = []browserRule{
	{"qq", []string{"qqbrowser", "mqqbrowser"}, mobilePlatforms, 3},
	{"uc", []string{"ucbrowser", "ucweb"}, mobilePlatforms, 3},
	{"baidu", []string{"baiduboxapp", "baiduhd"}, mobilePlatforms, 2},
	{"sogou", []string{"sogoumobilebrowser", "sogousearch"}, mobilePlatforms, 2},
	{"chrome_mobile", []string{"chrome/"}, mobilePlatforms, 2},
	{"safari_mobile", []string{"safari/"}, []string{"mobile", "iphone", "ipad"}, 2},
	{"edge_mobile", []string{"edge/", "edga/", "edgios/"}, mobilePlatforms, 2},
	{"firefox_mobile", []string{"firefox/", "fxios/"}, mobilePlatforms, 2},
}

var mobilePlatforms = []string{"mobile", "android", "iphone"}

var desktopRules = []browserRule{
	{"chrome", []string{"chrome/"}, desktopPlatforms, 2},
	{"firefox", []string{"firefox/"}, desktopPlatforms, 2},
	{"edge", []string{"edge/", "edg/"}, []string{"windows nt", "macintosh"}, 2},
	{"safari", []string{"safari/", "version/"}, []string{"macintosh"}, 2},
	{"opera", []string{"opera/", "opr/"}, desktopPlatforms, 2},
}

var desktopPlatforms = []string{"windows nt", "macintosh", "x11; linux"}

var downloadTools = []string{
	"wget", "curl", "aria2", "axel", "youtube-dl", "yt-dlp",
	"ffmpeg", "vlc", "mpv", "idm", "thunder", "bitcomet",
	"utorrent", "qbittorrent", "transmission", "deluge",
	"flashget", "freedownloadmanager", "eagleget",
	"python-requests", "urllib", "httplib", "go-http-client",
	"node-fetch", "axios", "okhttp",
}

var genericKeywords = []string{"mozilla", "webkit", "chrome", "safari", "firefox", "edge"}
var genericMobileKeywords = []string{"mobile", "android", "iphone", "ipad"}

// Detect classifies ua and returns (type, name, suggested access limit).
func Detect(ua string) (string, string, int) {
	if ua == "" {
		return TypeUnknown, "unknown", 1
	}
	lower := strings.ToLower(ua)

	for _, tool := range downloadTools {
		if strings.Contains(lower, tool) {
			return TypeDownload, tool, 1
		}
	}

	for _, rule := range mobileRules {
		if containsAny(lower, rule.primary) && containsAny(lower, rule.platform) {
			return TypeMobile, rule.name, rule.limit
		}
	}

	for _, rule := range desktopRules {
		if containsAny(lower, rule.primary) && containsAny(lower, rule.platform) {
			return TypeDesktop, rule.name, rule.limit
		}
	}

	if containsAny(lower, genericKeywords) {
		if containsAny(lower, genericMobileKeywords) {
			return TypeMobile, "generic_mobile", 2
		}
		return TypeDesktop, "generic_desktop", 2
	}

	return TypeUnknown, "unknown", 1
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// Trace is the diagnostic view of a classification.
type Trace struct {
	UserAgent      string              `json:"user_agent"`
	DownloadTools  []string            `json:"download_tools_found"`
	MobileMatches  map[string][]string `json:"mobile_browser_matches"`
	DesktopMatches map[string][]string `json:"desktop_browser_matches"`
	Type           string              `json:"type"`
	Name           string              `json:"name"`
	Limit          int                 `json:"limit"`
}

// Debug returns the full keyword-match trace for a UA string.
func Debug(ua string) Trace {
	trace := Trace{
		UserAgent:      ua,
		MobileMatches:  map[string][]string{},
		DesktopMatches: map[string][]string{},
	}
	lower := strings.ToLower(ua)

	for _, tool := range downloadTools {
		if strings.Contains(lower, tool) {
			trace.DownloadTools = append(trace.DownloadTools, tool)
		}
	}
	for _, rule := range mobileRules {
		if hits := keywordHits(lower, rule.primary, rule.platform); len(hits) > 0 {
			trace.MobileMatches[rule.name] = hits
		}
	}
	for _, rule := range desktopRules {
		if hits := keywordHits(lower, rule.primary, rule.platform); len(hits) > 0 {
			trace.DesktopMatches[rule.name] = hits
		}
	}

	trace.Type, trace.Name, trace.Limit = Detect(ua)
	return trace
}

func keywordHits(s string, groups ...[]string) []string {
	var hits []string
	for _, group := range groups {
		for _, kw := range group {
			if strings.Contains(s, kw) {
				hits = append(hits, kw)
			}
		}
	}
	return hits
}
