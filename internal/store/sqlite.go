package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore implements Store using SQLite for durable token/log/batch-run
// rows, and in-memory maps for ephemeral routing state (sticky sessions,
// advisory locks) that never needs to survive a restart.
type SQLiteStore struct {
	db            *sql.DB
	sticky        *TTLMap[stickyEntry]
	locks         sync.Map // name -> *sync.Mutex
	cleanupCancel context.CancelFunc
}

type stickyEntry struct {
	pool  string
	token string
}

// New creates a SQLiteStore, initializes the schema, and starts background cleanup.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SQLiteStore{
		db:            db,
		sticky:        NewTTLMap[stickyEntry](),
		cleanupCancel: cancel,
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sticky.Cleanup()
			}
		}
	}()

	return s, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { s.cleanupCancel(); return s.db.Close() }

// ---------------------------------------------------------------------------
// Field mapping: camelCase key <-> SQLite column, mirroring the teacher's
// Redis-hash-to-SQL convention.
// ---------------------------------------------------------------------------

type colInfo struct {
	col  string
	conv func(string) interface{}
}

var tokenFieldMap = map[string]colInfo{
	"status":           {"status", sqlStr},
	"quota":            {"quota", sqlInt},
	"createdAt":        {"created_at", sqlInt64},
	"lastUsedAt":       {"last_used_at", sqlInt64},
	"lastSyncAt":       {"last_sync_at", sqlInt64},
	"lastFailAt":       {"last_fail_at", sqlInt64},
	"lastAssetClearAt": {"last_asset_clear_at", sqlInt64},
	"useCount":         {"use_count", sqlInt64},
	"failCount":        {"fail_count", sqlInt},
	"lastFailReason":   {"last_fail_reason", sqlStr},
	"tags":             {"tags", sqlStr},
	"encToken":         {"enc_token", sqlStr},
}

func sqlStr(s string) interface{} { return s }
func sqlInt(s string) interface{} { n, _ := strconv.Atoi(s); return n }
func sqlInt64(s string) interface{} {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

const tokenCols = `pool, token, status, quota, created_at, last_used_at, last_sync_at,
	last_fail_at, last_asset_clear_at, use_count, fail_count, last_fail_reason, tags`

func scanTokenRow(scanner interface{ Scan(...any) error }) (map[string]string, error) {
	var (
		pool, token, status, lastFailReason, tags string
		quota, useCount, failCount                int64
		createdAt                                  int64
		lastUsedAt, lastSyncAt, lastFailAt         sql.NullInt64
		lastAssetClearAt                           sql.NullInt64
	)
	err := scanner.Scan(&pool, &token, &status, &quota, &createdAt,
		&lastUsedAt, &lastSyncAt, &lastFailAt, &lastAssetClearAt,
		&useCount, &failCount, &lastFailReason, &tags)
	if err != nil {
		return nil, err
	}
	m := map[string]string{
		"pool":           pool,
		"token":          token,
		"status":         status,
		"quota":          strconv.FormatInt(quota, 10),
		"createdAt":      strconv.FormatInt(createdAt, 10),
		"useCount":       strconv.FormatInt(useCount, 10),
		"failCount":      strconv.FormatInt(failCount, 10),
		"lastFailReason": lastFailReason,
		"tags":           tags,
	}
	setInt64Field(m, "lastUsedAt", lastUsedAt)
	setInt64Field(m, "lastSyncAt", lastSyncAt)
	setInt64Field(m, "lastFailAt", lastFailAt)
	setInt64Field(m, "lastAssetClearAt", lastAssetClearAt)
	return m, nil
}

func setInt64Field(m map[string]string, key string, v sql.NullInt64) {
	if v.Valid {
		m[key] = strconv.FormatInt(v.Int64, 10)
	}
}

// ---------------------------------------------------------------------------
// Token operations (C3 persistence)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetToken(ctx context.Context, pool, token string) (map[string]string, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+tokenCols+" FROM tokens WHERE pool = ? AND token = ?", pool, token)
	m, err := scanTokenRow(row)
	if err == sql.ErrNoRows {
		return map[string]string{}, nil
	}
	return m, err
}

func (s *SQLiteStore) SetToken(ctx context.Context, pool, token string, fields map[string]string) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM tokens WHERE pool = ? AND token = ?", pool, token).Scan(&exists)
	if err == sql.ErrNoRows {
		return s.insertToken(ctx, pool, token, fields)
	}
	if err != nil {
		return err
	}
	return s.SetTokenFields(ctx, pool, token, fields)
}

func (s *SQLiteStore) insertToken(ctx context.Context, pool, token string, fields map[string]string) error {
	cols := []string{"pool", "token"}
	vals := []interface{}{pool, token}

	for key, val := range fields {
		info, ok := tokenFieldMap[key]
		if !ok {
			continue
		}
		cols = append(cols, info.col)
		vals = append(vals, info.conv(val))
	}

	hasCreatedAt := false
	for _, c := range cols {
		if c == "created_at" {
			hasCreatedAt = true
		}
	}
	if !hasCreatedAt {
		cols = append(cols, "created_at")
		vals = append(vals, time.Now().UnixMilli())
	}

	placeholders := strings.Repeat("?,", len(cols))
	placeholders = placeholders[:len(placeholders)-1]
	query := fmt.Sprintf("INSERT INTO tokens (%s) VALUES (%s)", strings.Join(cols, ", "), placeholders)
	_, err := s.db.ExecContext(ctx, query, vals...)
	return err
}

func (s *SQLiteStore) SetTokenFields(ctx context.Context, pool, token string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	var sets []string
	var vals []interface{}
	for key, val := range fields {
		info, ok := tokenFieldMap[key]
		if !ok {
			continue
		}
		sets = append(sets, info.col+" = ?")
		vals = append(vals, info.conv(val))
	}
	if len(sets) == 0 {
		return nil
	}
	vals = append(vals, pool, token)
	query := fmt.Sprintf("UPDATE tokens SET %s WHERE pool = ? AND token = ?", strings.Join(sets, ", "))
	_, err := s.db.ExecContext(ctx, query, vals...)
	return err
}

func (s *SQLiteStore) DeleteToken(ctx context.Context, pool, token string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tokens WHERE pool = ? AND token = ?", pool, token)
	return err
}

func (s *SQLiteStore) ListPools(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT pool FROM tokens ORDER BY pool")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pools []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

func (s *SQLiteStore) ListTokens(ctx context.Context, pool string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT token FROM tokens WHERE pool = ? ORDER BY created_at", pool)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tokens := make([]string, 0)
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// ---------------------------------------------------------------------------
// Config key-value rows
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM kv_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *SQLiteStore) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// ---------------------------------------------------------------------------
// Sticky session routing (in-memory)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetStickySession(_ context.Context, hash string) (string, string, error) {
	e, ok := s.sticky.Get(hash)
	if !ok {
		return "", "", nil
	}
	return e.pool, e.token, nil
}

func (s *SQLiteStore) SetStickySession(_ context.Context, hash, pool, token string, ttl time.Duration) error {
	s.sticky.Set(hash, stickyEntry{pool: pool, token: token}, ttl)
	return nil
}

// ---------------------------------------------------------------------------
// Advisory lock (in-memory, single process — cross-process coordination is
// the storage backend's responsibility per §6.3; a distributed backend
// would replace this with a row-level lease).
// ---------------------------------------------------------------------------

func (s *SQLiteStore) AcquireLock(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	mu, _ := s.locks.LoadOrStore(name, &sync.Mutex{})
	m := mu.(*sync.Mutex)

	done := make(chan struct{})
	go func() { m.Lock(); close(done) }()

	select {
	case <-done:
		return true, nil
	case <-time.After(timeout):
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *SQLiteStore) ReleaseLock(_ context.Context, name string) error {
	mu, ok := s.locks.Load(name)
	if ok {
		mu.(*sync.Mutex).Unlock()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Request log
// ---------------------------------------------------------------------------

func (s *SQLiteStore) InsertRequestLog(ctx context.Context, l *RequestLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (pool, token, model, kind, status, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.Pool, l.Token, l.Model, l.Kind, l.Status, l.DurationMs, l.CreatedAt.Unix())
	return err
}

func (s *SQLiteStore) QueryRequestLogs(ctx context.Context, opts RequestLogQuery) ([]*RequestLog, int, error) {
	where, args := buildLogWhere(opts.Pool, opts.Model)

	var total int
	_ = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM request_log WHERE %s", where), args...).Scan(&total)

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	fetchArgs := append(append([]interface{}{}, args...), limit, opts.Offset)

	query := fmt.Sprintf(`SELECT id, pool, token, model, kind, status, duration_ms, created_at
		FROM request_log WHERE %s ORDER BY created_at DESC LIMIT ? OFFSET ?`, where)

	rows, err := s.db.QueryContext(ctx, query, fetchArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var logs []*RequestLog
	for rows.Next() {
		l := &RequestLog{}
		var ts int64
		if err := rows.Scan(&l.ID, &l.Pool, &l.Token, &l.Model, &l.Kind, &l.Status, &l.DurationMs, &ts); err != nil {
			return nil, 0, err
		}
		l.CreatedAt = time.Unix(ts, 0).UTC()
		logs = append(logs, l)
	}
	return logs, total, rows.Err()
}

func (s *SQLiteStore) PurgeOldLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM request_log WHERE created_at < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func buildLogWhere(pool, model string) (string, []interface{}) {
	where := "1=1"
	var args []interface{}
	if pool != "" {
		where += " AND pool = ?"
		args = append(args, pool)
	}
	if model != "" {
		where += " AND model = ?"
		args = append(args, model)
	}
	return where, args
}

// ---------------------------------------------------------------------------
// Batch run audit (C6)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) InsertBatchRun(ctx context.Context, run *BatchRunRecord) error {
	var completedAt interface{}
	if !run.CompletedAt.IsZero() {
		completedAt = run.CompletedAt.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_runs (task_id, kind, total, ok, fail, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET total=excluded.total, ok=excluded.ok,
			fail=excluded.fail, status=excluded.status, completed_at=excluded.completed_at`,
		run.TaskID, run.Kind, run.Total, run.OK, run.Fail, run.Status,
		run.CreatedAt.Unix(), completedAt)
	return err
}

func (s *SQLiteStore) ListBatchRuns(ctx context.Context, limit int) ([]*BatchRunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, kind, total, ok, fail, status, created_at, completed_at
		FROM batch_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []*BatchRunRecord
	for rows.Next() {
		r := &BatchRunRecord{}
		var createdAt int64
		var completedAt sql.NullInt64
		if err := rows.Scan(&r.TaskID, &r.Kind, &r.Total, &r.OK, &r.Fail, &r.Status, &createdAt, &completedAt); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		if completedAt.Valid {
			r.CompletedAt = time.Unix(completedAt.Int64, 0).UTC()
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
