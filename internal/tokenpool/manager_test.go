package tokenpool

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/voici5986/grok2api-sub000/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestManager(t *testing.T) (*Manager, *store.SQLiteStore) {
	t.Helper()
	s := newTestStore(t)
	crypto := NewCrypto("test-encryption-key")
	mgr := NewManager(s, crypto)
	return mgr, s
}

func TestGetTokenSkipsNonActive(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	if err := mgr.AddToken(ctx, "ssoBasic", "tok-cooling", 0, nil); err != nil {
		t.Fatalf("add token: %v", err)
	}
	if err := mgr.AddToken(ctx, "ssoBasic", "tok-active", 10, nil); err != nil {
		t.Fatalf("add token: %v", err)
	}
	mgr.MarkRateLimited(ctx, "ssoBasic", "tok-cooling")

	got := mgr.GetToken("ssoBasic", nil)
	if got == nil || got.Token != "tok-active" {
		t.Fatalf("expected tok-active, got %+v", got)
	}
}

func TestGetTokenHonorsExclude(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	if err := mgr.AddToken(ctx, "ssoBasic", "tok-a", 10, nil); err != nil {
		t.Fatalf("add token: %v", err)
	}
	if err := mgr.AddToken(ctx, "ssoBasic", "tok-b", 10, nil); err != nil {
		t.Fatalf("add token: %v", err)
	}

	got := mgr.GetToken("ssoBasic", map[string]bool{"tok-a": true})
	if got == nil || got.Token != "tok-b" {
		t.Fatalf("expected tok-b, got %+v", got)
	}
}

func TestConsumeClampsAtZeroAndCools(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	if err := mgr.AddToken(ctx, "ssoBasic", "tok-a", 2, nil); err != nil {
		t.Fatalf("add token: %v", err)
	}

	actual, err := mgr.Consume(ctx, "ssoBasic", "tok-a", EffortHigh)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if actual != 2 {
		t.Fatalf("expected actual cost clamped to 2, got %d", actual)
	}

	tokens := mgr.ListTokens("ssoBasic")
	if len(tokens) != 1 {
		t.Fatalf("expected 1 token, got %d", len(tokens))
	}
	if tokens[0].Quota != 0 {
		t.Fatalf("expected quota 0, got %d", tokens[0].Quota)
	}
	if tokens[0].Status != StatusCooling {
		t.Fatalf("expected cooling status on quota exhaustion, got %s", tokens[0].Status)
	}
}

func TestRecordFailExpiresAfterFiveConsecutive401s(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	if err := mgr.AddToken(ctx, "ssoBasic", "tok-a", 10, nil); err != nil {
		t.Fatalf("add token: %v", err)
	}

	for i := 0; i < 4; i++ {
		mgr.RecordFail(ctx, "ssoBasic", "tok-a", 401, "unauthorized")
	}
	tokens := mgr.ListTokens("ssoBasic")
	if tokens[0].Status != StatusActive {
		t.Fatalf("expected still active after 4 fails, got %s", tokens[0].Status)
	}

	mgr.RecordFail(ctx, "ssoBasic", "tok-a", 401, "unauthorized")
	tokens = mgr.ListTokens("ssoBasic")
	if tokens[0].Status != StatusExpired {
		t.Fatalf("expected expired after 5th 401, got %s", tokens[0].Status)
	}
}

func TestRecordFailIgnoresNon401(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	if err := mgr.AddToken(ctx, "ssoBasic", "tok-a", 10, nil); err != nil {
		t.Fatalf("add token: %v", err)
	}
	for i := 0; i < 10; i++ {
		mgr.RecordFail(ctx, "ssoBasic", "tok-a", 500, "server error")
	}

	tokens := mgr.ListTokens("ssoBasic")
	if tokens[0].FailCount != 0 {
		t.Fatalf("expected fail_count unaffected by non-401 failures, got %d", tokens[0].FailCount)
	}
	if tokens[0].Status != StatusActive {
		t.Fatalf("expected still active, got %s", tokens[0].Status)
	}
}

func TestRecordSuccessClearsFailTrackingAtZeroQuota(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	if err := mgr.AddToken(ctx, "ssoBasic", "tok-a", 0, nil); err != nil {
		t.Fatalf("add token: %v", err)
	}
	mgr.RecordFail(ctx, "ssoBasic", "tok-a", 401, "unauthorized")

	tokens := mgr.ListTokens("ssoBasic")
	if tokens[0].Status != StatusCooling {
		t.Fatalf("expected cooling at zero quota, got %s", tokens[0].Status)
	}

	mgr.RecordSuccess(ctx, "ssoBasic", "tok-a", true)
	tokens = mgr.ListTokens("ssoBasic")
	if tokens[0].FailCount != 0 {
		t.Fatalf("expected fail_count cleared, got %d", tokens[0].FailCount)
	}
	// quota still 0, so status must remain cooling even after success.
	if tokens[0].Status != StatusCooling {
		t.Fatalf("expected cooling to persist at zero quota, got %s", tokens[0].Status)
	}
	if tokens[0].UseCount != 1 {
		t.Fatalf("expected use_count bumped, got %d", tokens[0].UseCount)
	}
}

func TestGetTokenForVideoPrefersSuperTierAtHighRes(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	if err := mgr.AddToken(ctx, "ssoBasic", "tok-basic", 10, nil); err != nil {
		t.Fatalf("add token: %v", err)
	}
	if err := mgr.AddToken(ctx, "ssoSuper", "tok-super", 10, nil); err != nil {
		t.Fatalf("add token: %v", err)
	}

	got := mgr.GetTokenForVideo("ssoBasic", "ssoSuper", VideoParams{Resolution: "720p"}, nil)
	if got == nil || got.Token != "tok-super" {
		t.Fatalf("expected super-tier token for 720p, got %+v", got)
	}
}

func TestGetTokenForVideoFallsBackOnTierMiss(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	if err := mgr.AddToken(ctx, "ssoBasic", "tok-basic", 10, nil); err != nil {
		t.Fatalf("add token: %v", err)
	}

	got := mgr.GetTokenForVideo("ssoBasic", "ssoSuper", VideoParams{Resolution: "720p"}, nil)
	if got == nil || got.Token != "tok-basic" {
		t.Fatalf("expected fallback to basic tier, got %+v", got)
	}
}

func TestAddTokenPersistsAcrossReload(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	crypto := NewCrypto("test-encryption-key")
	mgr := NewManager(s, crypto)

	if err := mgr.AddToken(ctx, "ssoBasic", "tok-a", 7, []string{"nsfw"}); err != nil {
		t.Fatalf("add token: %v", err)
	}

	reloaded := NewManager(s, crypto)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	tokens := reloaded.ListTokens("ssoBasic")
	if len(tokens) != 1 {
		t.Fatalf("expected 1 token after reload, got %d", len(tokens))
	}
	if tokens[0].Quota != 7 {
		t.Fatalf("expected quota 7, got %d", tokens[0].Quota)
	}
	if len(tokens[0].Tags) != 1 || tokens[0].Tags[0] != "nsfw" {
		t.Fatalf("expected nsfw tag preserved, got %v", tokens[0].Tags)
	}
}
