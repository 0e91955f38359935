// SPDX-License-Identifier: MIT

// Package token derives and verifies the HMAC tokens that gate playback
// and the JS-whitelist signature surface, plus the admin API key check.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Sign derives the hex HMAC-SHA256 token over "{uid}:{path}:{expires}".
func Sign(secret []byte, uid, path string, expires int64) string {
	return SignRaw(secret, uid, path, strconv.FormatInt(expires, 10))
}

// SignRaw signs with the expires value exactly as presented. Used when
// re-signing derived URLs so the string matches the original parameter.
func SignRaw(secret []byte, uid, path, expires string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(uid + ":" + path + ":" + expires))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a presented token against the expected HMAC for
// (uid, path, expires). Both the hex and the unpadded URL-safe base64
// encodings of the digest are accepted; comparison is constant time.
// Expired or malformed expires values fail closed.
func Verify(secret []byte, uid, path, expires, presented string) bool {
	expireTime, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	if time.Now().Unix() > expireTime {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(uid + ":" + path + ":" + expires))
	digest := mac.Sum(nil)

	expectedHex := hex.EncodeToString(digest)
	if subtle.ConstantTimeCompare([]byte(expectedHex), []byte(presented)) == 1 {
		return true
	}
	expectedB64 := strings.TrimRight(base64.URLEncoding.EncodeToString(digest), "=")
	return subtle.ConstantTimeCompare([]byte(expectedB64), []byte(presented)) == 1
}

// ValidateAPIKey checks an Authorization header value against the admin
// API key. Both "Bearer {key}" and the bare key are accepted; comparison
// is exact and constant time. Empty keys never authorize.
func ValidateAPIKey(authorization, expected string) bool {
	if authorization == "" || expected == "" {
		return false
	}
	if strings.HasPrefix(authorization, "Bearer ") {
		return subtle.ConstantTimeCompare([]byte(authorization[7:]), []byte(expected)) == 1
	}
	return subtle.ConstantTimeCompare([]byte(authorization), []byte(expected)) == 1
}
