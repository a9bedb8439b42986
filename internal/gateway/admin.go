package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/voici5986/grok2api-sub000/internal/apierr"
	"github.com/voici5986/grok2api-sub000/internal/batch"
	"github.com/voici5986/grok2api-sub000/internal/events"
	"github.com/voici5986/grok2api-sub000/internal/retryengine"
	"github.com/voici5986/grok2api-sub000/internal/store"
	"github.com/voici5986/grok2api-sub000/internal/tokenpool"
	"github.com/voici5986/grok2api-sub000/internal/upstream"
)

type batchTargetRequest struct {
	Token  string   `json:"token"`
	Tokens []string `json:"tokens"`
}

type batchCreatedResponse struct {
	TaskID string `json:"task_id"`
	Total  int    `json:"total"`
}

// resolveTargets gathers the *tokenpool.TokenInfo set a batch admin
// request applies to: the explicit token/tokens in the body if given,
// else every token across every pool, bounded by max_tokens (§6.1).
func (g *Gateway) resolveTargets(req batchTargetRequest) []*tokenpool.TokenInfo {
	requested := make(map[string]bool)
	if req.Token != "" {
		requested[req.Token] = true
	}
	for _, t := range req.Tokens {
		requested[t] = true
	}

	var out []*tokenpool.TokenInfo
	for _, pool := range g.tokens.ListPools() {
		for _, info := range g.tokens.ListTokens(pool) {
			if len(requested) > 0 && !requested[info.Token] {
				continue
			}
			out = append(out, info)
		}
	}
	if len(out) > g.cfg.BatchMaxTokens {
		out = out[:g.cfg.BatchMaxTokens]
	}
	return out
}

func (g *Gateway) decodeBatchTarget(r *http.Request) (batchTargetRequest, error) {
	var req batchTargetRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, apierr.Validation("invalid JSON body: %s", err)
	}
	return req, nil
}

// launchBatch creates a task for kind, spawns the runner in the
// background, and returns the {task_id, total} envelope (§4.9's admin
// batch entrypoints).
func (g *Gateway) launchBatch(kind string, targets []*tokenpool.TokenInfo, maxConcurrent int, worker batch.Worker[*tokenpool.TokenInfo]) batchCreatedResponse {
	task := g.batches.Create(kind, len(targets))
	startedAt := time.Now()

	go func() {
		ctx := context.Background()
		results, completed := batch.Run(ctx, task, targets, func(t *tokenpool.TokenInfo) string { return t.Token },
			g.cfg.BatchBatchSize, maxConcurrent, worker)

		snap := task.Snapshot()
		if !completed {
			g.batches.Finish(task, batch.Event{Type: batch.EventCancelled})
			g.recordBatchRun(task, snap, "cancelled", startedAt)
			return
		}
		g.batches.Finish(task, batch.Event{
			Type:   batch.EventDone,
			Result: map[string]any{"summary": map[string]int{"ok": snap.OK, "fail": snap.Fail}, "results": results},
		})
		g.recordBatchRun(task, snap, "done", startedAt)
	}()

	return batchCreatedResponse{TaskID: task.ID, Total: len(targets)}
}

// recordBatchRun persists a durable audit row for a finished batch task so
// the admin history view survives past the task registry's TTL reap.
func (g *Gateway) recordBatchRun(task *batch.Task, snap batch.Event, status string, startedAt time.Time) {
	run := &store.BatchRunRecord{
		TaskID:      task.ID,
		Kind:        task.Kind,
		Total:       snap.Total,
		OK:          snap.OK,
		Fail:        snap.Fail,
		Status:      status,
		CreatedAt:   startedAt,
		CompletedAt: time.Now(),
	}
	insertCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.store.InsertBatchRun(insertCtx, run); err != nil {
		slog.Warn("batch run audit insert failed", "error", err)
	}
}

// handleBatchHistory lists recently completed batch tasks from the
// durable audit trail, newest first.
func (g *Gateway) handleBatchHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	runs, err := g.store.ListBatchRuns(r.Context(), limit)
	if err != nil {
		writeAPIError(w, apierr.Newf(apierr.TypeInternal, "internal_error", "list batch history failed: %s", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"runs": runs})
}

func writeBatchCreated(w http.ResponseWriter, resp batchCreatedResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(resp)
}

// handleRequestLogs lists recent API request log rows, optionally filtered
// by pool/model, for the admin dashboard's traffic view.
func (g *Gateway) handleRequestLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.RequestLogQuery{
		Pool:  q.Get("pool"),
		Model: q.Get("model"),
		Limit: 100,
	}
	if raw := q.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts.Limit = parsed
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			opts.Offset = parsed
		}
	}
	logs, total, err := g.store.QueryRequestLogs(r.Context(), opts)
	if err != nil {
		writeAPIError(w, apierr.Newf(apierr.TypeInternal, "internal_error", "list request logs failed: %s", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"logs": logs, "total": total})
}

// handleTokensRefreshAsync queries the rate-limits probe for every target
// token and updates its quota (§4.3's sync_usage, §6.1's admin surface).
func (g *Gateway) handleTokensRefreshAsync(w http.ResponseWriter, r *http.Request) {
	req, err := g.decodeBatchTarget(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	targets := g.resolveTargets(req)

	resp := g.launchBatch("tokens_refresh", targets, g.cfg.RateLimitProbeMaxConcurrent, func(ctx context.Context, t *tokenpool.TokenInfo) (any, error) {
		if err := g.tokens.SyncUsage(ctx, t.Pool, t.Token); err != nil {
			return nil, err
		}
		return map[string]any{"pool": t.Pool}, nil
	})
	writeBatchCreated(w, resp)
}

// handleNSFWEnableAsync runs the gRPC-Web NSFW-enable sequence for every
// target token, tagging successes with "nsfw" (§4.4's NSFW endpoints,
// §8's end-to-end scenario 5).
func (g *Gateway) handleNSFWEnableAsync(w http.ResponseWriter, r *http.Request) {
	req, err := g.decodeBatchTarget(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	targets := g.resolveTargets(req)

	resp := g.launchBatch("nsfw_enable", targets, g.cfg.NSFWEnableMaxConcurrent, func(ctx context.Context, t *tokenpool.TokenInfo) (any, error) {
		if err := g.upstream.NSFWEnable(ctx, t.Token); err != nil {
			if ue, ok := err.(*upstream.Error); ok {
				return nil, apierr.Upstream(ue.Status, string(ue.Body))
			}
			return nil, err
		}
		g.tokens.AddTag(ctx, t.Pool, t.Token, "nsfw")
		g.bus.Publish(events.Event{Type: events.EventNSFWEnabled, Pool: t.Pool, Token: shortToken(t.Token), Message: "nsfw enabled"})
		return map[string]any{"pool": t.Pool}, nil
	})
	writeBatchCreated(w, resp)
}

// handleCacheClearAsync lists and deletes every asset the upstream has on
// file for each target token, then stamps last_asset_clear_at.
func (g *Gateway) handleCacheClearAsync(w http.ResponseWriter, r *http.Request) {
	req, err := g.decodeBatchTarget(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	targets := g.resolveTargets(req)

	resp := g.launchBatch("cache_clear", targets, g.cfg.AssetDownloadMaxConcurrent, func(ctx context.Context, t *tokenpool.TokenInfo) (any, error) {
		rc := retryengine.New(g.cfg)
		assets, err := g.upstream.ListAssets(ctx, rc, t.Token)
		if err != nil {
			return nil, err
		}
		deleted := 0
		for _, a := range assets {
			if err := g.upstream.DeleteAsset(ctx, rc, t.Token, a.ID); err == nil {
				deleted++
			}
		}
		g.tokens.MarkAssetClear(ctx, t.Pool, t.Token)
		return map[string]any{"deleted": deleted, "total": len(assets)}, nil
	})
	writeBatchCreated(w, resp)
}

// handleCacheLoadAsync enumerates each target token's upstream assets
// without mutating anything, the read-only counterpart to cache/clear used
// to warm the admin dashboard's asset inventory view.
func (g *Gateway) handleCacheLoadAsync(w http.ResponseWriter, r *http.Request) {
	req, err := g.decodeBatchTarget(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	targets := g.resolveTargets(req)

	resp := g.launchBatch("cache_load", targets, g.cfg.AssetDownloadMaxConcurrent, func(ctx context.Context, t *tokenpool.TokenInfo) (any, error) {
		rc := retryengine.New(g.cfg)
		assets, err := g.upstream.ListAssets(ctx, rc, t.Token)
		if err != nil {
			return nil, err
		}
		return map[string]any{"count": len(assets)}, nil
	})
	writeBatchCreated(w, resp)
}

// handleBatchStream is the SSE bridge (§4.6): attaches a subscriber,
// replays the current snapshot, then drains events with a 15s keepalive
// ping when the task is otherwise quiet.
func (g *Gateway) handleBatchStream(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	task, ok := g.batches.Get(taskID)
	if !ok {
		writeAPIError(w, apierr.New(apierr.TypeValidation, "task_not_found", "unknown task id").WithStatus(http.StatusNotFound))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, apierr.Internal("streaming unsupported"))
		return
	}

	subID, evCh := task.Attach()
	defer task.Detach(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-evCh:
			if !ok {
				return
			}
			writeBatchEvent(w, flusher, ev)
			if ev.Type == batch.EventDone || ev.Type == batch.EventError || ev.Type == batch.EventCancelled {
				return
			}
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeBatchEvent(w http.ResponseWriter, flusher http.Flusher, ev batch.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, body)
	flusher.Flush()
}

// handleBatchCancel flips the advisory cancellation flag on a running task
// (§5's cancellation semantics: in-flight items still complete).
func (g *Gateway) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	task, ok := g.batches.Get(taskID)
	if !ok {
		writeAPIError(w, apierr.New(apierr.TypeValidation, "task_not_found", "unknown task id").WithStatus(http.StatusNotFound))
		return
	}
	task.Cancel()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"cancelled": true})
}
