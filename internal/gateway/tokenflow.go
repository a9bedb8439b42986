package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/voici5986/grok2api-sub000/internal/apierr"
	"github.com/voici5986/grok2api-sub000/internal/tokenpool"
	"github.com/voici5986/grok2api-sub000/internal/upstream"
)

// stickyHashFor derives a sticky-session key from a client-supplied user
// id; empty when user is empty, so requests without one simply skip
// sticky routing.
func stickyHashFor(user string) string {
	if user == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(user))
	return hex.EncodeToString(sum[:16])
}

// pickFromPools tries each pool in order and returns the first active,
// conversations/new-capable token found, excluding anything in tried. A
// ws-only token (§6.2) is skipped here since it cannot serve any handler
// that calls through ChatCompletion; callers that want one use
// pickWSOnlyFromPools instead.
func (g *Gateway) pickFromPools(pools []string, tried map[string]bool) *tokenpool.TokenInfo {
	skip := cloneExcludeSet(tried)
	for {
		var candidate *tokenpool.TokenInfo
		for _, pool := range pools {
			if t := g.tokens.GetToken(pool, skip); t != nil {
				candidate = t
				break
			}
		}
		if candidate == nil {
			return nil
		}
		if !candidate.IsWSOnly() {
			return candidate
		}
		skip[candidate.Token] = true
	}
}

// pickWSOnlyFromPools returns the first active ws-only token across pools,
// excluding anything in tried.
func (g *Gateway) pickWSOnlyFromPools(pools []string, tried map[string]bool) *tokenpool.TokenInfo {
	skip := cloneExcludeSet(tried)
	for {
		var candidate *tokenpool.TokenInfo
		for _, pool := range pools {
			if t := g.tokens.GetToken(pool, skip); t != nil {
				candidate = t
				break
			}
		}
		if candidate == nil {
			return nil
		}
		if candidate.IsWSOnly() {
			return candidate
		}
		skip[candidate.Token] = true
	}
}

func cloneExcludeSet(tried map[string]bool) map[string]bool {
	skip := make(map[string]bool, len(tried))
	for k, v := range tried {
		skip[k] = v
	}
	return skip
}

// acquireAndCall implements the shared C9 entrypoint skeleton's
// cross-token retry loop (§4.9): pick a token excluding previously tried
// ones (refreshing cooling tokens once on the very first miss), invoke
// call, mark-and-retry on a 429, and surface any other upstream error
// immediately without failing over.
func (g *Gateway) acquireAndCall(ctx context.Context, pools []string, maxTries int, call func(ctx context.Context, tok *tokenpool.TokenInfo) (*http.Response, error)) (*http.Response, *tokenpool.TokenInfo, error) {
	return g.acquireWithPickerAndCall(ctx, maxTries, func(tried map[string]bool) *tokenpool.TokenInfo {
		return g.pickFromPools(pools, tried)
	}, call)
}

// acquireAndCallSticky behaves like acquireAndCall, but when stickyHash is
// non-empty it first tries the token a prior request with the same hash
// landed on, re-pinning the hash to whichever token ultimately serves the
// request. This keeps a multi-turn conversation's persona/memory state on
// one upstream account instead of drifting across the whole pool.
func (g *Gateway) acquireAndCallSticky(ctx context.Context, pools []string, stickyHash string, maxTries int, call func(ctx context.Context, tok *tokenpool.TokenInfo) (*http.Response, error)) (*http.Response, *tokenpool.TokenInfo, error) {
	resp, tok, err := g.acquireWithPickerAndCall(ctx, maxTries, func(tried map[string]bool) *tokenpool.TokenInfo {
		if len(tried) == 0 && stickyHash != "" {
			if t := g.stickyToken(ctx, pools, stickyHash); t != nil {
				return t
			}
		}
		return g.pickFromPools(pools, tried)
	}, call)
	if err == nil && stickyHash != "" {
		if serr := g.store.SetStickySession(ctx, stickyHash, tok.Pool, tok.Token, g.cfg.StickySessionTTL); serr != nil {
			slog.Warn("sticky session store failed", "error", serr)
		}
	}
	return resp, tok, err
}

// stickyToken resolves a previously pinned sticky-session hash back to a
// still-active token, provided its pool is still a valid candidate for
// this request.
func (g *Gateway) stickyToken(ctx context.Context, pools []string, hash string) *tokenpool.TokenInfo {
	pool, token, err := g.store.GetStickySession(ctx, hash)
	if err != nil || pool == "" || token == "" {
		return nil
	}
	for _, p := range pools {
		if p == pool {
			return g.tokens.LookupToken(pool, token)
		}
	}
	return nil
}

// acquireAndCallVideo is acquireAndCall's video variant: token selection
// goes through C3.GetTokenForVideo's resolution/length tier rule (§4.3)
// instead of a plain pool-candidate scan.
func (g *Gateway) acquireAndCallVideo(ctx context.Context, basicPool, superPool string, params tokenpool.VideoParams, maxTries int, call func(ctx context.Context, tok *tokenpool.TokenInfo) (*http.Response, error)) (*http.Response, *tokenpool.TokenInfo, error) {
	return g.acquireWithPickerAndCall(ctx, maxTries, func(tried map[string]bool) *tokenpool.TokenInfo {
		return g.tokens.GetTokenForVideo(basicPool, superPool, params, tried)
	}, call)
}

func (g *Gateway) acquireWithPickerAndCall(ctx context.Context, maxTries int, pick func(tried map[string]bool) *tokenpool.TokenInfo, call func(ctx context.Context, tok *tokenpool.TokenInfo) (*http.Response, error)) (*http.Response, *tokenpool.TokenInfo, error) {
	// Multi-process deployments share one store; this is the only
	// supported means of keeping the in-memory pool view consistent with
	// concurrent writers elsewhere (§4.3's reload_if_stale).
	if err := g.tokens.ReloadIfStale(ctx); err != nil {
		slog.Warn("token pool reload failed", "error", err)
	}

	tried := make(map[string]bool)
	var lastErr error

	for i := 0; i < maxTries; i++ {
		tok := pick(tried)
		if tok == nil && len(tried) == 0 {
			g.tokens.RefreshCoolingTokens(ctx)
			tok = pick(tried)
		}
		if tok == nil {
			if lastErr != nil {
				return nil, nil, lastErr
			}
			return nil, nil, apierr.RateLimitExceeded("no available session tokens")
		}
		tried[tok.Token] = true

		resp, err := call(ctx, tok)
		if err == nil {
			// Clear failure tracking now that the token authenticated; the
			// use-count bump rides Consume at stream finalization, so
			// isUsage stays false here.
			g.tokens.RecordSuccess(ctx, tok.Pool, tok.Token, false)
			if meta := requestMetaFrom(ctx); meta != nil {
				meta.Pool, meta.Token = tok.Pool, tok.Token
			}
			return resp, tok, nil
		}

		if ue, ok := err.(*upstream.Error); ok {
			if ue.Status == http.StatusTooManyRequests {
				g.tokens.MarkRateLimited(ctx, tok.Pool, tok.Token)
				lastErr = apierr.RateLimitExceeded("upstream rate limited").WithStatus(http.StatusTooManyRequests)
				continue
			}
			if ue.Status == http.StatusUnauthorized {
				g.tokens.RecordFail(ctx, tok.Pool, tok.Token, http.StatusUnauthorized, "upstream 401")
			}
			return nil, nil, apierr.Upstream(ue.Status, string(ue.Body))
		}
		return nil, nil, err
	}

	if lastErr != nil {
		return nil, nil, lastErr
	}
	return nil, nil, apierr.RateLimitExceeded("max token retries exceeded")
}
