package events

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func record(msg string, attrs ...slog.Attr) slog.Record {
	r := slog.NewRecord(time.Now(), slog.LevelInfo, msg, 0)
	r.AddAttrs(attrs...)
	return r
}

func TestLogHandlerCapturesIntoRing(t *testing.T) {
	h := NewLogHandler(slog.LevelInfo, 10)

	if err := h.Handle(context.Background(), record("pool loaded", slog.Int("count", 3))); err != nil {
		t.Fatalf("handle: %v", err)
	}

	_, _, recent := h.Subscribe()
	if len(recent) != 1 {
		t.Fatalf("expected 1 ring entry, got %d", len(recent))
	}
	if recent[0].Message != "pool loaded" {
		t.Fatalf("unexpected message %q", recent[0].Message)
	}
	if recent[0].Attrs["count"] != int64(3) {
		t.Fatalf("expected count attr preserved, got %v", recent[0].Attrs["count"])
	}
}

func TestLogHandlerRedactsTokenAttrs(t *testing.T) {
	h := NewLogHandler(slog.LevelInfo, 10)

	full := "sso-session-credential-value-1234567890"
	if err := h.Handle(context.Background(), record("token cooling", slog.String("token", full))); err != nil {
		t.Fatalf("handle: %v", err)
	}

	_, _, recent := h.Subscribe()
	got, _ := recent[0].Attrs["token"].(string)
	if got == full {
		t.Fatal("expected token attr truncated, got the full credential")
	}
	if got != full[:8]+"…" {
		t.Fatalf("unexpected redacted form %q", got)
	}
}

func TestLogHandlerLevelGate(t *testing.T) {
	h := NewLogHandler(slog.LevelWarn, 10)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected info suppressed at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("expected error enabled at warn level")
	}
}
