// SPDX-License-Identifier: MIT

// Package pathkey derives the coarse "match key" segment from request
// paths. The match key clusters all artifacts of one resource (playlist,
// segments, key files) under a single whitelist identifier.
package pathkey

import (
	"path"
	"regexp"
	"strings"
)

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ExtractMatchKey returns the path segment immediately after the first
// date-shaped segment (YYYY-MM-DD). When no date segment exists, it falls
// back to the basename of the parent directory. An unkeyable path yields
// the empty string.
func ExtractMatchKey(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return ""
	}
	parts := strings.Split(p, "/")
	for i, part := range parts {
		if datePattern.MatchString(part) {
			if i+1 < len(parts) {
				return parts[i+1]
			}
			break
		}
	}
	parent := path.Dir(p)
	if parent == "." || parent == "/" {
		return ""
	}
	return path.Base(parent)
}
