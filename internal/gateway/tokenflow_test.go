package gateway

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/voici5986/grok2api-sub000/internal/store"
	"github.com/voici5986/grok2api-sub000/internal/tokenpool"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	crypto := tokenpool.NewCrypto("test-encryption-key")
	mgr := tokenpool.NewManager(st, crypto)
	return &Gateway{tokens: mgr, store: st}
}

func TestPickFromPoolsSkipsWSOnlyToken(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	if err := g.tokens.AddToken(ctx, "ssoBasic", "tok-ws", 10, []string{"ws-only"}); err != nil {
		t.Fatalf("add token: %v", err)
	}
	if err := g.tokens.AddToken(ctx, "ssoBasic", "tok-http", 10, nil); err != nil {
		t.Fatalf("add token: %v", err)
	}

	got := g.pickFromPools([]string{"ssoBasic"}, nil)
	if got == nil || got.Token != "tok-http" {
		t.Fatalf("expected tok-http, got %+v", got)
	}
}

func TestPickFromPoolsReturnsNilWhenOnlyWSOnlyTokensExist(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	if err := g.tokens.AddToken(ctx, "ssoBasic", "tok-ws", 10, []string{"ws-only"}); err != nil {
		t.Fatalf("add token: %v", err)
	}

	if got := g.pickFromPools([]string{"ssoBasic"}, nil); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestPickWSOnlyFromPoolsReturnsWSOnlyToken(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	if err := g.tokens.AddToken(ctx, "ssoBasic", "tok-http", 10, nil); err != nil {
		t.Fatalf("add token: %v", err)
	}
	if err := g.tokens.AddToken(ctx, "ssoBasic", "tok-ws", 10, []string{"ws-only"}); err != nil {
		t.Fatalf("add token: %v", err)
	}

	got := g.pickWSOnlyFromPools([]string{"ssoBasic"}, nil)
	if got == nil || got.Token != "tok-ws" {
		t.Fatalf("expected tok-ws, got %+v", got)
	}
}

func TestAcquireAndCallClearsFailCountOnSuccess(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	if err := g.tokens.AddToken(ctx, "ssoBasic", "tok-a", 10, nil); err != nil {
		t.Fatalf("add token: %v", err)
	}
	for i := 0; i < 3; i++ {
		g.tokens.RecordFail(ctx, "ssoBasic", "tok-a", 401, "unauthorized")
	}
	// Persist the fail count so the pre-pick staleness reload sees it.
	if err := g.tokens.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	resp, tok, err := g.acquireAndCall(ctx, []string{"ssoBasic"}, 3, func(ctx context.Context, tok *tokenpool.TokenInfo) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer resp.Body.Close()
	if tok.Token != "tok-a" {
		t.Fatalf("expected tok-a, got %+v", tok)
	}

	tokens := g.tokens.ListTokens("ssoBasic")
	if tokens[0].FailCount != 0 {
		t.Fatalf("expected fail count cleared by success, got %d", tokens[0].FailCount)
	}
	// The use-count bump belongs to Consume, not the acquire path.
	if tokens[0].UseCount != 0 {
		t.Fatalf("expected use count untouched by acquire, got %d", tokens[0].UseCount)
	}
}

func TestPickFromPoolsHonorsTried(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	if err := g.tokens.AddToken(ctx, "ssoBasic", "tok-a", 10, nil); err != nil {
		t.Fatalf("add token: %v", err)
	}
	if err := g.tokens.AddToken(ctx, "ssoBasic", "tok-b", 10, nil); err != nil {
		t.Fatalf("add token: %v", err)
	}

	got := g.pickFromPools([]string{"ssoBasic"}, map[string]bool{"tok-a": true})
	if got == nil || got.Token != "tok-b" {
		t.Fatalf("expected tok-b, got %+v", got)
	}
}
