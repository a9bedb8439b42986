// Package tokenpool owns the pools of upstream session-token credentials:
// their lifecycle (active/cooling/expired/disabled), quota accounting, and
// persistence. It is the gateway's single source of truth for "which token
// do I use for this request."
package tokenpool

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voici5986/grok2api-sub000/internal/store"
)

// UsageProbe queries the upstream rate-limits endpoint for token and returns
// its remaining quota. Injected by the composition root so tokenpool does
// not import internal/upstream.
type UsageProbe func(ctx context.Context, token string) (quota int, err error)

const (
	reloadStaleThreshold   = 5 * time.Second
	coolingRefreshInterval = 8 * time.Hour
	saveLockName           = "tokenpool:save"
)

// TransitionNotifier is invoked whenever a token's lifecycle status
// changes (e.g. "cooling", "expired", "recovered"), so the gateway can
// surface it on the admin activity feed. Injected by the composition root
// so tokenpool does not import internal/events.
type TransitionNotifier func(kind, poolName, token, message string)

// Manager owns all pools and brokers access to them.
type Manager struct {
	mu     sync.RWMutex
	pools  map[string]*Pool
	store  store.Store
	crypto *Crypto
	probe  UsageProbe
	notify TransitionNotifier

	loadedAt time.Time

	dirty   map[string]bool // pool:token keys pending a batched save
	dirtyMu sync.Mutex
}

func NewManager(s store.Store, crypto *Crypto) *Manager {
	return &Manager{
		pools:  make(map[string]*Pool),
		store:  s,
		crypto: crypto,
		dirty:  make(map[string]bool),
	}
}

// SetUsageProbe wires the upstream rate-limits query used by SyncUsage.
func (m *Manager) SetUsageProbe(p UsageProbe) { m.probe = p }

// SetTransitionNotifier wires the callback used to report lifecycle
// transitions (cooling/expired/recovered) to the admin activity feed.
func (m *Manager) SetTransitionNotifier(n TransitionNotifier) { m.notify = n }

func (m *Manager) notifyTransition(kind, poolName, token, message string) {
	if m.notify != nil {
		m.notify(kind, poolName, token, message)
	}
}

// Load populates every pool from storage.
func (m *Manager) Load(ctx context.Context) error {
	poolNames, err := m.store.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("tokenpool: list pools: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range poolNames {
		pool := newPool(name)
		tokens, err := m.store.ListTokens(ctx, name)
		if err != nil {
			return fmt.Errorf("tokenpool: list tokens for %s: %w", name, err)
		}
		for _, token := range tokens {
			fields, err := m.store.GetToken(ctx, name, token)
			if err != nil {
				return fmt.Errorf("tokenpool: get token: %w", err)
			}
			info := fieldsToInfo(name, token, fields)
			pool.put(info)
		}
		m.pools[name] = pool
	}

	m.loadedAt = time.Now()
	return nil
}

// ReloadIfStale reloads from storage when the in-memory view is older than
// the staleness threshold, for multi-process deployments sharing one store.
func (m *Manager) ReloadIfStale(ctx context.Context) error {
	m.mu.RLock()
	stale := time.Since(m.loadedAt) > reloadStaleThreshold
	m.mu.RUnlock()
	if !stale {
		return nil
	}
	return m.Load(ctx)
}

// AddToken imports a new credential into pool, encrypting it at rest.
func (m *Manager) AddToken(ctx context.Context, poolName, token string, quota int, tags []string) error {
	enc, err := m.crypto.Encrypt(token)
	if err != nil {
		return fmt.Errorf("tokenpool: encrypt token: %w", err)
	}

	info := &TokenInfo{
		Token:     token,
		Pool:      poolName,
		Status:    StatusActive,
		Quota:     quota,
		CreatedAt: time.Now(),
		Tags:      tags,
	}
	info.recomputeStatus()

	m.mu.Lock()
	pool, ok := m.pools[poolName]
	if !ok {
		pool = newPool(poolName)
		m.pools[poolName] = pool
	}
	pool.put(info)
	m.mu.Unlock()

	fields := infoToFields(info, enc)
	return m.store.SetToken(ctx, poolName, token, fields)
}

// RemoveToken destroys a credential permanently.
func (m *Manager) RemoveToken(ctx context.Context, poolName, token string) error {
	m.mu.Lock()
	if pool, ok := m.pools[poolName]; ok {
		pool.remove(token)
	}
	m.mu.Unlock()

	return m.store.DeleteToken(ctx, poolName, token)
}

// GetToken scans poolName in insertion order and returns the first active
// token not present in exclude. Returns nil if none qualifies.
func (m *Manager) GetToken(poolName string, exclude map[string]bool) *TokenInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pool, ok := m.pools[poolName]
	if !ok {
		return nil
	}
	return pool.firstActive(exclude)
}

// LookupToken returns the specific token in poolName if it exists and is
// still active, or nil otherwise; used by sticky session routing to revalidate
// a previously pinned token before reusing it.
func (m *Manager) LookupToken(poolName, token string) *TokenInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pool, ok := m.pools[poolName]
	if !ok {
		return nil
	}
	info, ok := pool.get(token)
	if !ok || info.Status != StatusActive {
		return nil
	}
	return info
}

// VideoParams describes the resolution/length inputs that decide which
// tier a video generation request must draw its token from.
type VideoParams struct {
	Resolution string // e.g. "720p"
	Length     time.Duration
}

// RequiresSuperTier reports whether p forces selection from the super pool.
func (p VideoParams) RequiresSuperTier() bool {
	return p.Resolution == "720p" || p.Length > 6*time.Second
}

// GetTokenForVideo picks a token across basicPool/superPool according to the
// video tier rule: 720p or >6s length must come from superPool; otherwise
// basicPool is preferred, falling back to the other tier on a miss.
func (m *Manager) GetTokenForVideo(basicPool, superPool string, params VideoParams, exclude map[string]bool) *TokenInfo {
	if params.RequiresSuperTier() {
		if t := m.GetToken(superPool, exclude); t != nil {
			return t
		}
		return m.GetToken(basicPool, exclude)
	}
	if t := m.GetToken(basicPool, exclude); t != nil {
		return t
	}
	return m.GetToken(superPool, exclude)
}

// Consume decrements a token's quota by the given effort's cost, clamped at
// zero, recomputes lifecycle state, and schedules a persistence flush. It
// deliberately does not clear fail_count, preserving failure history when
// consume happens on the success path right after a retried failure.
func (m *Manager) Consume(ctx context.Context, poolName, token string, effort Effort) (int, error) {
	cost := EffortCost[effort]

	m.mu.Lock()
	pool, ok := m.pools[poolName]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("tokenpool: unknown pool %q", poolName)
	}
	info, ok := pool.get(token)
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("tokenpool: unknown token in pool %q", poolName)
	}

	before := info.Quota
	info.Quota -= cost
	if info.Quota < 0 {
		info.Quota = 0
	}
	actual := before - info.Quota
	info.UseCount++
	info.LastUsedAt = time.Now()
	info.recomputeStatus()
	m.mu.Unlock()

	m.markDirty(poolName, token)
	return actual, nil
}

// RecordFail records a failed attempt. Only 401s count toward the
// consecutive-failure threshold that expires a token.
func (m *Manager) RecordFail(ctx context.Context, poolName, token string, status int, reason string) {
	m.mu.Lock()
	pool, ok := m.pools[poolName]
	if !ok {
		m.mu.Unlock()
		return
	}
	info, ok := pool.get(token)
	if !ok {
		m.mu.Unlock()
		return
	}

	info.LastFailAt = time.Now()
	info.LastFailReason = reason

	expired := false
	if status == 401 {
		info.FailCount++
		if info.FailCount >= maxFailCount {
			info.Status = StatusExpired
			expired = true
			slog.Warn("token expired after consecutive 401s", "pool", poolName, "token", short(token))
		}
	}
	m.mu.Unlock()

	m.markDirty(poolName, token)
	if expired {
		m.notifyTransition("expired", poolName, token, reason)
	}
}

// RecordSuccess clears failure tracking and, when isUsage is true, bumps the
// use counter and recomputes lifecycle state.
func (m *Manager) RecordSuccess(ctx context.Context, poolName, token string, isUsage bool) {
	m.mu.Lock()
	pool, ok := m.pools[poolName]
	if !ok {
		m.mu.Unlock()
		return
	}
	info, ok := pool.get(token)
	if !ok {
		m.mu.Unlock()
		return
	}

	info.FailCount = 0
	info.LastFailReason = ""
	if isUsage {
		info.UseCount++
		info.LastUsedAt = time.Now()
	}
	info.recomputeStatus()
	m.mu.Unlock()

	m.markDirty(poolName, token)
}

// MarkRateLimited transitions a token to cooling after an upstream 429.
func (m *Manager) MarkRateLimited(ctx context.Context, poolName, token string) {
	m.mu.Lock()
	pool, ok := m.pools[poolName]
	if !ok {
		m.mu.Unlock()
		return
	}
	info, ok := pool.get(token)
	if ok {
		info.Status = StatusCooling
	}
	m.mu.Unlock()

	m.markDirty(poolName, token)
	if ok {
		m.notifyTransition("cooling", poolName, token, "upstream rate limited")
	}
}

// SyncUsage queries the upstream rate-limits endpoint via the injected probe
// and updates the token's quota and recomputed state.
func (m *Manager) SyncUsage(ctx context.Context, poolName, token string) error {
	if m.probe == nil {
		return fmt.Errorf("tokenpool: no usage probe configured")
	}

	quota, err := m.probe(ctx, token)
	if err != nil {
		return fmt.Errorf("tokenpool: sync usage: %w", err)
	}

	m.mu.Lock()
	pool, ok := m.pools[poolName]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("tokenpool: unknown pool %q", poolName)
	}
	info, ok := pool.get(token)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("tokenpool: unknown token in pool %q", poolName)
	}
	info.Quota = quota
	info.LastSyncAt = time.Now()
	info.recomputeStatus()
	m.mu.Unlock()

	m.markDirty(poolName, token)
	return nil
}

// RefreshCoolingTokens re-syncs cooling tokens whose last sync predates
// coolingRefreshInterval, returning the count recovered to active.
func (m *Manager) RefreshCoolingTokens(ctx context.Context) (int, error) {
	acquired, err := m.store.AcquireLock(ctx, saveLockName+":refresh", 10*time.Second)
	if err != nil {
		return 0, fmt.Errorf("tokenpool: acquire refresh lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer m.store.ReleaseLock(ctx, saveLockName+":refresh")

	type candidate struct{ pool, token string }
	var candidates []candidate

	cutoff := time.Now().Add(-coolingRefreshInterval)

	m.mu.RLock()
	for name, pool := range m.pools {
		for _, info := range pool.coolingTokens() {
			if info.LastSyncAt.Before(cutoff) {
				candidates = append(candidates, candidate{name, info.Token})
			}
		}
	}
	m.mu.RUnlock()

	recovered := 0
	for _, c := range candidates {
		if err := m.SyncUsage(ctx, c.pool, c.token); err != nil {
			slog.Warn("refresh cooling token failed", "pool", c.pool, "token", short(c.token), "error", err)
			continue
		}
		m.mu.RLock()
		info, ok := m.pools[c.pool].get(c.token)
		active := ok && info.Status == StatusActive
		m.mu.RUnlock()
		if active {
			recovered++
			m.notifyTransition("recovered", c.pool, c.token, "cooldown elapsed, quota resynced")
		}
	}
	return recovered, nil
}

// AddTag attaches a tag (e.g. "nsfw") to a token.
func (m *Manager) AddTag(ctx context.Context, poolName, token, tag string) {
	m.mu.Lock()
	pool, ok := m.pools[poolName]
	if !ok {
		m.mu.Unlock()
		return
	}
	info, ok := pool.get(token)
	if ok && !info.hasTag(tag) {
		info.Tags = append(info.Tags, tag)
	}
	m.mu.Unlock()

	m.markDirty(poolName, token)
}

// MarkAssetClear stamps a token's last asset-cache-clear time.
func (m *Manager) MarkAssetClear(ctx context.Context, poolName, token string) {
	m.mu.Lock()
	pool, ok := m.pools[poolName]
	if ok {
		if info, ok := pool.get(token); ok {
			info.LastAssetClearAt = time.Now()
		}
	}
	m.mu.Unlock()

	m.markDirty(poolName, token)
}

// ListPools returns all known pool names.
func (m *Manager) ListPools() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pools))
	for name := range m.pools {
		out = append(out, name)
	}
	return out
}

// ListTokens returns a snapshot of every TokenInfo in poolName.
func (m *Manager) ListTokens(poolName string) []*TokenInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool, ok := m.pools[poolName]
	if !ok {
		return nil
	}
	return pool.all()
}

func (m *Manager) markDirty(poolName, token string) {
	m.dirtyMu.Lock()
	m.dirty[poolName+"\x00"+token] = true
	m.dirtyMu.Unlock()
}

// Save flushes every dirty token to storage under an exclusive named lock,
// scoped per process; cross-process coordination is the storage backend's
// responsibility.
func (m *Manager) Save(ctx context.Context) error {
	acquired, err := m.store.AcquireLock(ctx, saveLockName, 10*time.Second)
	if err != nil {
		return fmt.Errorf("tokenpool: acquire save lock: %w", err)
	}
	if !acquired {
		return nil
	}
	defer m.store.ReleaseLock(ctx, saveLockName)

	m.dirtyMu.Lock()
	keys := make([]string, 0, len(m.dirty))
	for k := range m.dirty {
		keys = append(keys, k)
	}
	m.dirty = make(map[string]bool)
	m.dirtyMu.Unlock()

	for _, key := range keys {
		parts := strings.SplitN(key, "\x00", 2)
		poolName, token := parts[0], parts[1]

		m.mu.RLock()
		pool, ok := m.pools[poolName]
		var info *TokenInfo
		if ok {
			info, ok = pool.get(token)
		}
		m.mu.RUnlock()
		if !ok {
			continue
		}

		enc, err := m.crypto.Encrypt(token)
		if err != nil {
			return fmt.Errorf("tokenpool: encrypt on save: %w", err)
		}
		fields := infoToFields(info, enc)
		if err := m.store.SetTokenFields(ctx, poolName, token, fields); err != nil {
			return fmt.Errorf("tokenpool: save token: %w", err)
		}
	}
	return nil
}

// RunPeriodicSave flushes dirty tokens every interval until ctx is canceled.
func (m *Manager) RunPeriodicSave(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := m.Save(context.Background()); err != nil {
				slog.Error("final tokenpool save failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := m.Save(ctx); err != nil {
				slog.Error("periodic tokenpool save failed", "error", err)
			}
		}
	}
}

func short(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// --- field mapping ---

func infoToFields(info *TokenInfo, encToken string) map[string]string {
	return map[string]string{
		"status":           string(info.Status),
		"quota":            strconv.Itoa(info.Quota),
		"createdAt":        formatTime(info.CreatedAt),
		"lastUsedAt":       formatTime(info.LastUsedAt),
		"lastSyncAt":       formatTime(info.LastSyncAt),
		"lastFailAt":       formatTime(info.LastFailAt),
		"lastAssetClearAt": formatTime(info.LastAssetClearAt),
		"useCount":         strconv.Itoa(info.UseCount),
		"failCount":        strconv.Itoa(info.FailCount),
		"lastFailReason":   info.LastFailReason,
		"tags":             strings.Join(info.Tags, ","),
		"pool":             info.Pool,
		"encToken":         encToken,
	}
}

func fieldsToInfo(poolName, token string, fields map[string]string) *TokenInfo {
	info := &TokenInfo{
		Token:          token,
		Pool:           poolName,
		Status:         Status(fields["status"]),
		Quota:          parseIntOr(fields["quota"], 0),
		LastFailReason: fields["lastFailReason"],
		UseCount:       parseIntOr(fields["useCount"], 0),
		FailCount:      parseIntOr(fields["failCount"], 0),
	}
	if info.Status == "" {
		info.Status = StatusActive
	}
	info.CreatedAt = parseTime(fields["createdAt"])
	info.LastUsedAt = parseTime(fields["lastUsedAt"])
	info.LastSyncAt = parseTime(fields["lastSyncAt"])
	info.LastFailAt = parseTime(fields["lastFailAt"])
	info.LastAssetClearAt = parseTime(fields["lastAssetClearAt"])
	if tags := fields["tags"]; tags != "" {
		info.Tags = strings.Split(tags, ",")
	}
	return info
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		// 0 is how an unset stamp round-trips through storage, not epoch.
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func parseIntOr(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
