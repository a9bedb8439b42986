// Package gateway wires every package built so far into the OpenAI-compatible
// HTTP surface (C9): chat, image, and video generation entrypoints, the
// asset file server, the model registry, and the admin batch-operation API.
//
// Grounded on the teacher's internal/server/server.go composition root: a
// single struct holding every collaborator, an http.NewServeMux() route
// table using Go 1.22+ method+pattern registration, a requestLogger
// middleware, and a Run() that starts background goroutines before serving
// and shuts down gracefully on SIGINT/SIGTERM.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/voici5986/grok2api-sub000/internal/apierr"
	"github.com/voici5986/grok2api-sub000/internal/assetcache"
	"github.com/voici5986/grok2api-sub000/internal/batch"
	"github.com/voici5986/grok2api-sub000/internal/config"
	"github.com/voici5986/grok2api-sub000/internal/events"
	"github.com/voici5986/grok2api-sub000/internal/store"
	"github.com/voici5986/grok2api-sub000/internal/tokenpool"
	"github.com/voici5986/grok2api-sub000/internal/transport"
	"github.com/voici5986/grok2api-sub000/internal/upstream"
)

// Gateway composes every subsystem behind the public HTTP surface.
type Gateway struct {
	cfg       *config.Config
	store     store.Store
	tokens    *tokenpool.Manager
	transport *transport.Manager
	upstream  *upstream.Client
	assets    *assetcache.Cache
	batches   *batch.Registry
	bus       *events.Bus

	httpServer *http.Server
}

// New wires the Gateway's collaborators and builds its route table.
func New(cfg *config.Config, st store.Store, tokens *tokenpool.Manager, tm *transport.Manager, up *upstream.Client, assets *assetcache.Cache, batches *batch.Registry, bus *events.Bus) *Gateway {
	g := &Gateway{
		cfg: cfg, store: st, tokens: tokens, transport: tm,
		upstream: up, assets: assets, batches: batches, bus: bus,
	}

	mux := http.NewServeMux()
	g.registerRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler:           g.requestLogger(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return g
}

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)

	mux.HandleFunc("GET /v1/models", g.handleListModels)
	mux.HandleFunc("GET /v1/models/{id}", g.handleGetModel)

	mux.HandleFunc("POST /v1/chat/completions", g.handleChatCompletions)
	mux.HandleFunc("POST /v1/images/generations", g.handleImageGenerations)
	mux.HandleFunc("POST /v1/images/edits", g.handleImageEdits)
	mux.HandleFunc("POST /v1/video/generations", g.handleVideoGenerations)

	mux.HandleFunc("GET /v1/files/{media_type}/{key}", g.handleFiles)

	mux.HandleFunc("GET /v1/admin/voice/token", g.requireAppKey(g.handleVoiceToken))

	mux.HandleFunc("POST /admin/tokens/refresh/async", g.requireAppKey(g.handleTokensRefreshAsync))
	mux.HandleFunc("POST /admin/tokens/nsfw/enable/async", g.requireAppKey(g.handleNSFWEnableAsync))
	mux.HandleFunc("POST /admin/cache/online/clear/async", g.requireAppKey(g.handleCacheClearAsync))
	mux.HandleFunc("POST /admin/cache/online/load/async", g.requireAppKey(g.handleCacheLoadAsync))
	mux.HandleFunc("GET /admin/batch/{task_id}/stream", g.requireAppKey(g.handleBatchStream))
	mux.HandleFunc("POST /admin/batch/{task_id}/cancel", g.requireAppKey(g.handleBatchCancel))
	mux.HandleFunc("GET /admin/batch/history", g.requireAppKey(g.handleBatchHistory))
	mux.HandleFunc("GET /admin/logs", g.requireAppKey(g.handleRequestLogs))
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// requestLogger logs every request's method, path, status, and duration
// the way the teacher's server.go does, at debug level to keep normal
// operation quiet. It also attaches a requestMeta to the request context
// so API handlers can report which model/pool/token served the request,
// and persists a durable store.RequestLog row for any request that filled
// one in (kind == "" for admin/health/model-list traffic, which isn't
// logged here).
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, meta := withRequestMeta(r.Context())
		r = r.WithContext(ctx)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		duration := time.Since(start)
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "status", sw.status, "duration_ms", duration.Milliseconds())

		if meta.Kind == "" {
			return
		}
		status := "ok"
		if sw.status >= 400 {
			status = "error"
		}
		log := &store.RequestLog{
			Pool:       meta.Pool,
			Token:      shortToken(meta.Token),
			Model:      meta.Model,
			Kind:       meta.Kind,
			Status:     status,
			DurationMs: duration.Milliseconds(),
			CreatedAt:  start,
		}
		go func() {
			insertCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := g.store.InsertRequestLog(insertCtx, log); err != nil {
				slog.Warn("request log insert failed", "error", err)
			}
		}()
	})
}

// shortToken truncates a session token to a log-safe prefix; the full
// value is a credential and never belongs in a log line or log table.
func shortToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "…"
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush satisfies http.Flusher so SSE handlers wrapped by requestLogger
// can still flush incrementally.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// runLogPurge periodically deletes request logs older than the retention
// window, mirroring the teacher's runLogPurge ticker.
func (g *Gateway) runLogPurge(ctx context.Context) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-30 * 24 * time.Hour)
			if _, err := g.store.PurgeOldLogs(ctx, cutoff); err != nil {
				slog.Warn("log purge failed", "error", err)
			}
		}
	}
}

// runCoolingRefresh periodically sweeps cooling-state tokens back to
// active once their cooldown has elapsed (§3.2's periodic maintenance,
// independent of the on-miss refresh the cross-token retry loop triggers).
func (g *Gateway) runCoolingRefresh(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.tokens.RefreshCoolingTokens(ctx); err != nil {
				slog.Warn("cooling refresh failed", "error", err)
			}
		}
	}
}

// Run starts background maintenance goroutines and serves until the
// process receives SIGINT/SIGTERM, then drains in-flight requests within a
// 30s grace period.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go g.tokens.RunPeriodicSave(ctx, 30*time.Second)
	go g.transport.RunCleanup(ctx)
	go g.runLogPurge(ctx)
	go g.runCoolingRefresh(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := g.tokens.Save(shutdownCtx); err != nil {
		slog.Warn("final token save failed", "error", err)
	}
	g.transport.Close()
	return nil
}

func writeAPIError(w http.ResponseWriter, err error) {
	apierr.WriteJSON(w, err)
}
