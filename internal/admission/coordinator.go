// SPDX-License-Identifier: MIT

package admission

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sync"

	"github.com/vstreamlab/hlsgate/internal/session"
	"github.com/vstreamlab/hlsgate/internal/whitelist"
)

// FixedWhitelistUID marks decisions admitted by the fixed IP list.
const FixedWhitelistUID = whitelist.FixedWhitelistUID

// Validation is the combined outcome of the whitelist and session checks.
type Validation struct {
	Allowed      bool
	WhitelistUID string
	SessionID    string
	SessionUID   string
	NewSession   bool
	SessionData  *session.Record
}

// validationKey identifies a validation for deduplication.
func validationKey(clientIP, path, userAgent, uid string) string {
	s := clientIP + "|" + path + "|" + userAgent
	if uid != "" {
		s += "|" + uid
	}
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Validate runs the whitelist check and the session get-or-create for
// one request. Identical in-flight validations are coalesced through a
// singleflight group; the two checks fan out concurrently, each
// degrading to its conservative default on failure.
func (g *Gate) Validate(ctx context.Context, clientIP, path, userAgent, uid string) Validation {
	if g.whitelist.IsFixedWhitelisted(clientIP) {
		g.logger.Info().Str("ip", clientIP).Str("path", path).Msg("fixed whitelist bypass")
		return Validation{Allowed: true, WhitelistUID: FixedWhitelistUID, SessionUID: FixedWhitelistUID}
	}

	if !g.cfg.EnableRequestDeduplication {
		return g.validate(ctx, clientIP, path, userAgent, uid)
	}

	key := validationKey(clientIP, path, userAgent, uid)
	v, _, _ := g.flight.Do(key, func() (any, error) {
		return g.validate(ctx, clientIP, path, userAgent, uid), nil
	})
	return v.(Validation)
}

func (g *Gate) validate(ctx context.Context, clientIP, path, userAgent, uid string) Validation {
	var out Validation

	runWhitelist := func() {
		if g.cfg.DisableIPWhitelist {
			out.Allowed, out.WhitelistUID = true, "test_user"
			return
		}
		out.Allowed, out.WhitelistUID = g.whitelist.Check(ctx, clientIP, path, userAgent)
	}
	runSession := func() {
		if g.cfg.DisableSessionValidation {
			out.SessionUID = uid
			if out.SessionUID == "" {
				out.SessionUID = "test_user"
			}
			return
		}
		out.SessionID, out.NewSession, out.SessionUID = g.session.GetOrCreate(ctx, uid, clientIP, userAgent, path)
	}

	if g.cfg.EnableParallelValidation {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); runWhitelist() }()
		go func() { defer wg.Done(); runSession() }()
		wg.Wait()
	} else {
		runWhitelist()
		runSession()
	}

	if out.SessionID != "" {
		out.SessionData = g.session.Validate(ctx, out.SessionID, clientIP, userAgent)
	}
	return out
}
