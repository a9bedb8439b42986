// Command gateway runs the credential-pool reverse-proxy gateway: it loads
// configuration, opens the SQLite store, wires the token pool manager,
// transport pool, upstream clients, asset cache, and batch controller, then
// serves the OpenAI-compatible HTTP surface until SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/voici5986/grok2api-sub000/internal/assetcache"
	"github.com/voici5986/grok2api-sub000/internal/batch"
	"github.com/voici5986/grok2api-sub000/internal/config"
	"github.com/voici5986/grok2api-sub000/internal/events"
	"github.com/voici5986/grok2api-sub000/internal/gateway"
	"github.com/voici5986/grok2api-sub000/internal/header"
	"github.com/voici5986/grok2api-sub000/internal/retryengine"
	"github.com/voici5986/grok2api-sub000/internal/store"
	"github.com/voici5986/grok2api-sub000/internal/tokenpool"
	"github.com/voici5986/grok2api-sub000/internal/transport"
	"github.com/voici5986/grok2api-sub000/internal/upstream"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("gateway starting", "version", version)

	st, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("database ready", "path", cfg.DBPath)

	crypto := tokenpool.NewCrypto(cfg.EncryptionKey)
	if _, err := crypto.DeriveKey("salt"); err != nil {
		slog.Error("key derivation failed", "error", err)
		os.Exit(1)
	}

	tm := transport.NewManager(cfg)
	defer tm.Close()

	bus := events.NewBus(200)

	tokens := tokenpool.NewManager(st, crypto)
	tokens.SetTransitionNotifier(func(kind, pool, token, message string) {
		var evType events.EventType
		switch kind {
		case "cooling":
			evType = events.EventCooling
		case "expired":
			evType = events.EventExpired
		case "recovered":
			evType = events.EventRecovered
		default:
			return
		}
		bus.Publish(events.Event{Type: evType, Pool: pool, Token: shortForEvent(token), Message: message})
	})
	if err := tokens.Load(context.Background()); err != nil {
		slog.Error("token pool load failed", "error", err)
		os.Exit(1)
	}
	slog.Info("token pools loaded")

	headers := header.NewBuilder(cfg)
	up := upstream.NewClient(cfg, headers, tm)

	// sync_usage's probe (§4.3) rides the same rate-limits endpoint the
	// original queries with a fixed probe model, since quota is per-token
	// and per-tier rather than per-model.
	tokens.SetUsageProbe(func(ctx context.Context, token string) (int, error) {
		res, err := up.RateLimitsProbe(ctx, retryengine.New(cfg), token, "DEFAULT", "grok-4-1-thinking-1129")
		if err != nil {
			return 0, err
		}
		return res.RemainingQueries, nil
	})

	assets, err := assetcache.New(cfg.AssetCacheDir, cfg.ImageCacheCapMB, cfg.VideoCacheCapMB, tm.GetClient(nil))
	if err != nil {
		slog.Error("asset cache init failed", "error", err)
		os.Exit(1)
	}

	batches := batch.NewRegistry(cfg.BatchTaskTTL)

	gw := gateway.New(cfg, st, tokens, tm, up, assets, batches, bus)
	if err := gw.Run(context.Background()); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// shortForEvent truncates a session token to a log-safe prefix for the
// admin activity feed; the full value is a credential and never belongs
// on that feed.
func shortForEvent(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "…"
}
