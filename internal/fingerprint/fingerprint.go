// SPDX-License-Identifier: MIT

// Package fingerprint produces the short hashes used as storage-key
// components. These are stable presentation indices, not security
// primitives; MD5 is fine here and keeps keys compatible across workers.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
)

// UAHash returns the first 8 hex characters of MD5(userAgent).
func UAHash(userAgent string) string {
	return prefixMD5(userAgent, 8)
}

// IPHash returns the first 8 hex characters of MD5(ip). The caller must
// canonicalize the address first (netutil.CanonicalIP) so that spelling
// variants of one address hash identically.
func IPHash(ip string) string {
	return prefixMD5(ip, 8)
}

// MatchKeyHash returns the first 12 hex characters of MD5(matchKey).
// The empty match key hashes too; its value indexes wildcard records.
func MatchKeyHash(matchKey string) string {
	return prefixMD5(matchKey, 12)
}

func prefixMD5(s string, n int) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}
