package store

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetTokenGetTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	fields := map[string]string{
		"status":         "active",
		"quota":          "80",
		"createdAt":      "1700000000000",
		"lastUsedAt":     "1700000001000",
		"lastSyncAt":     "1700000002000",
		"useCount":       "3",
		"failCount":      "1",
		"lastFailReason": "upstream 401",
		"tags":           "nsfw,ws-only",
	}
	if err := s.SetToken(ctx, "ssoBasic", "tok-a", fields); err != nil {
		t.Fatalf("set token: %v", err)
	}

	got, err := s.GetToken(ctx, "ssoBasic", "tok-a")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	for key, want := range fields {
		if got[key] != want {
			t.Fatalf("field %s: expected %q, got %q", key, want, got[key])
		}
	}
}

func TestGetTokenMissingReturnsEmptyMap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	got, err := s.GetToken(ctx, "ssoBasic", "nope")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty map for missing token, got %v", got)
	}
}

func TestSetTokenFieldsUpdatesOnlyGivenFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SetToken(ctx, "ssoBasic", "tok-a", map[string]string{
		"status": "active", "quota": "10", "tags": "nsfw",
	}); err != nil {
		t.Fatalf("set token: %v", err)
	}
	if err := s.SetTokenFields(ctx, "ssoBasic", "tok-a", map[string]string{"quota": "5"}); err != nil {
		t.Fatalf("set token fields: %v", err)
	}

	got, err := s.GetToken(ctx, "ssoBasic", "tok-a")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if got["quota"] != "5" {
		t.Fatalf("expected quota updated to 5, got %q", got["quota"])
	}
	if got["tags"] != "nsfw" {
		t.Fatalf("expected tags untouched, got %q", got["tags"])
	}
}

func TestListPoolsAndTokens(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seed := map[string][]string{
		"ssoBasic": {"tok-1", "tok-2"},
		"ssoSuper": {"tok-3"},
	}
	for pool, tokens := range seed {
		for i, tok := range tokens {
			// Explicit createdAt keeps insertion order deterministic.
			fields := map[string]string{
				"status":    "active",
				"quota":     "10",
				"createdAt": strconv.FormatInt(1700000000000+int64(i), 10),
			}
			if err := s.SetToken(ctx, pool, tok, fields); err != nil {
				t.Fatalf("set token: %v", err)
			}
		}
	}

	pools, err := s.ListPools(ctx)
	if err != nil {
		t.Fatalf("list pools: %v", err)
	}
	if len(pools) != 2 {
		t.Fatalf("expected 2 pools, got %v", pools)
	}

	tokens, err := s.ListTokens(ctx, "ssoBasic")
	if err != nil {
		t.Fatalf("list tokens: %v", err)
	}
	if len(tokens) != 2 || tokens[0] != "tok-1" || tokens[1] != "tok-2" {
		t.Fatalf("expected creation-ordered tokens, got %v", tokens)
	}
}

func TestDeleteTokenRemovesRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SetToken(ctx, "ssoBasic", "tok-a", map[string]string{"status": "active"}); err != nil {
		t.Fatalf("set token: %v", err)
	}
	if err := s.DeleteToken(ctx, "ssoBasic", "tok-a"); err != nil {
		t.Fatalf("delete token: %v", err)
	}
	tokens, err := s.ListTokens(ctx, "ssoBasic")
	if err != nil {
		t.Fatalf("list tokens: %v", err)
	}
	if len(tokens) != 0 {
		t.Fatalf("expected no tokens after delete, got %v", tokens)
	}
}

func TestConfigValueRoundTripAndOverwrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if got, err := s.GetConfigValue(ctx, "image_format"); err != nil || got != "" {
		t.Fatalf("expected empty value for missing key, got %q %v", got, err)
	}
	if err := s.SetConfigValue(ctx, "image_format", "url"); err != nil {
		t.Fatalf("set config: %v", err)
	}
	if err := s.SetConfigValue(ctx, "image_format", "base64"); err != nil {
		t.Fatalf("overwrite config: %v", err)
	}
	got, err := s.GetConfigValue(ctx, "image_format")
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if got != "base64" {
		t.Fatalf("expected last-writer-wins value, got %q", got)
	}
}

func TestStickySessionExpires(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SetStickySession(ctx, "hash-1", "ssoBasic", "tok-a", 20*time.Millisecond); err != nil {
		t.Fatalf("set sticky: %v", err)
	}
	pool, token, err := s.GetStickySession(ctx, "hash-1")
	if err != nil || pool != "ssoBasic" || token != "tok-a" {
		t.Fatalf("expected sticky hit, got %q %q %v", pool, token, err)
	}

	time.Sleep(30 * time.Millisecond)
	pool, token, err = s.GetStickySession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("get sticky: %v", err)
	}
	if pool != "" || token != "" {
		t.Fatalf("expected sticky entry expired, got %q %q", pool, token)
	}
}

func TestAcquireLockTimesOutWhileHeld(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ok, err := s.AcquireLock(ctx, "save_tokens", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got %v %v", ok, err)
	}

	ok, err = s.AcquireLock(ctx, "save_tokens", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("expected second acquire to time out while lock held")
	}

	if err := s.ReleaseLock(ctx, "save_tokens"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = s.AcquireLock(ctx, "save_tokens", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected acquire after release to succeed, got %v %v", ok, err)
	}
	_ = s.ReleaseLock(ctx, "save_tokens")
}

func TestInsertBatchRunUpsertsByTaskID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	run := &BatchRunRecord{
		TaskID: "task-1", Kind: "tokens_refresh", Total: 3,
		Status: "running", CreatedAt: time.Now(),
	}
	if err := s.InsertBatchRun(ctx, run); err != nil {
		t.Fatalf("insert: %v", err)
	}

	run.OK, run.Fail, run.Status, run.CompletedAt = 2, 1, "done", time.Now()
	if err := s.InsertBatchRun(ctx, run); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	runs, err := s.ListBatchRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected a single upserted row, got %d", len(runs))
	}
	if runs[0].Status != "done" || runs[0].OK != 2 || runs[0].Fail != 1 {
		t.Fatalf("unexpected row after upsert: %+v", runs[0])
	}
}

func TestRequestLogInsertQueryPurge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := &RequestLog{Pool: "ssoBasic", Token: "tok-...a", Model: "grok-4-fast",
		Kind: "chat", Status: "ok", DurationMs: 120, CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &RequestLog{Pool: "ssoBasic", Token: "tok-...b", Model: "grok-4-fast",
		Kind: "chat", Status: "ok", DurationMs: 80, CreatedAt: time.Now()}
	for _, l := range []*RequestLog{old, fresh} {
		if err := s.InsertRequestLog(ctx, l); err != nil {
			t.Fatalf("insert log: %v", err)
		}
	}

	logs, total, err := s.QueryRequestLogs(ctx, RequestLogQuery{Pool: "ssoBasic", Limit: 10})
	if err != nil {
		t.Fatalf("query logs: %v", err)
	}
	if total != 2 || len(logs) != 2 {
		t.Fatalf("expected 2 logs, got total=%d len=%d", total, len(logs))
	}

	purged, err := s.PurgeOldLogs(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged row, got %d", purged)
	}
}
