// Package store provides the persistence contract (§6.3) for session
// token pools, batch task audit rows, and request logs, plus the
// in-memory primitives used for ephemeral state that never needs
// cross-process durability.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for the gateway. Map keys use
// camelCase field names matching the teacher's Redis-hash convention, so a
// KV-style backend can store a token record as a flat hash.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Token operations. fields keys: status, quota, createdAt, lastUsedAt,
	// lastSyncAt, lastFailAt, lastAssetClearAt, useCount, failCount,
	// lastFailReason, tags (comma-joined), pool, encToken.
	GetToken(ctx context.Context, pool, token string) (map[string]string, error)
	SetToken(ctx context.Context, pool, token string, fields map[string]string) error
	SetTokenFields(ctx context.Context, pool, token string, fields map[string]string) error
	DeleteToken(ctx context.Context, pool, token string) error
	ListPools(ctx context.Context) ([]string, error)
	ListTokens(ctx context.Context, pool string) ([]string, error)

	// Config key-value rows (load_config/save_config): runtime-adjustable
	// settings the admin UI persists alongside the token pools.
	GetConfigValue(ctx context.Context, key string) (string, error)
	SetConfigValue(ctx context.Context, key, value string) error

	// Sticky session routing (in-memory with TTL): maps a session hash to
	// the last pool/token pair used, to keep a conversation on one token.
	GetStickySession(ctx context.Context, hash string) (pool, token string, err error)
	SetStickySession(ctx context.Context, hash, pool, token string, ttl time.Duration) error

	// Named advisory lock used by the token pool manager's save_tokens and
	// by refresh_cooling_tokens to avoid concurrent sweeps.
	AcquireLock(ctx context.Context, name string, timeout time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error

	// Request log (ambient admin dashboard; not spec-critical).
	InsertRequestLog(ctx context.Context, log *RequestLog) error
	QueryRequestLogs(ctx context.Context, opts RequestLogQuery) ([]*RequestLog, int, error)
	PurgeOldLogs(ctx context.Context, before time.Time) (int64, error)

	// Batch task audit trail (C6) — the live task lives in-memory
	// (internal/batch), this is a durable record of completed runs for the
	// admin UI's history view.
	InsertBatchRun(ctx context.Context, run *BatchRunRecord) error
	ListBatchRuns(ctx context.Context, limit int) ([]*BatchRunRecord, error)
}

// RequestLog represents a single API request log entry.
type RequestLog struct {
	ID         int64
	Pool       string
	Token      string // truncated, never the full credential
	Model      string
	Kind       string // chat | image | video
	Status     string
	DurationMs int64
	CreatedAt  time.Time
}

// RequestLogQuery is a paginated request log query.
type RequestLogQuery struct {
	Pool  string
	Model string
	Limit int
	Offset int
}

// BatchRunRecord is a durable record of one completed batch task (C6).
type BatchRunRecord struct {
	TaskID      string
	Kind        string // tokens_refresh | nsfw_enable | cache_clear | cache_load
	Total       int
	OK          int
	Fail        int
	Status      string // done | error | cancelled
	CreatedAt   time.Time
	CompletedAt time.Time
}
