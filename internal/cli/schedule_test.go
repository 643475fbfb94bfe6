package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ppiankov/digestpipe/internal/config"
)

func TestNewScheduler(t *testing.T) {
	cfg := &config.Config{
		Tracker: config.TrackerConfig{Schedule: "0 7 * * *"},
		Digest:  config.DigestConfig{Schedule: "0 8 * * 1", Timezone: "UTC"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var calls []string
	track := func(context.Context) error { calls = append(calls, "track"); return nil }
	digest := func(context.Context) error { calls = append(calls, "digest"); return errors.New("smtp down") }

	c, err := newScheduler(context.Background(), cfg, logger, track, digest)
	if err != nil {
		t.Fatalf("newScheduler: %v", err)
	}
	entries := c.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	from := time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC) // a Tuesday
	if next := entries[0].Schedule.Next(from); !next.Equal(time.Date(2026, 1, 7, 7, 0, 0, 0, time.UTC)) {
		t.Errorf("tracker next = %v", next)
	}
	if next := entries[1].Schedule.Next(from); !next.Equal(time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("digest next = %v", next)
	}

	c.Entry(1).Job.Run()
	c.Entry(2).Job.Run()
	if len(calls) != 2 || calls[0] != "track" || calls[1] != "digest" {
		t.Errorf("calls = %v", calls)
	}
}

func TestNewScheduler_SkipsAfterShutdown(t *testing.T) {
	cfg := &config.Config{
		Tracker: config.TrackerConfig{Schedule: "@hourly"},
		Digest:  config.DigestConfig{Schedule: "@weekly"},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	job := func(context.Context) error { ran = true; return nil }
	c, err := newScheduler(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), job, job)
	if err != nil {
		t.Fatalf("newScheduler: %v", err)
	}
	c.Entry(1).Job.Run()
	if ran {
		t.Error("job ran after the context was canceled")
	}
}

func TestNewScheduler_BadSpec(t *testing.T) {
	cfg := &config.Config{
		Tracker: config.TrackerConfig{Schedule: "whenever"},
		Digest:  config.DigestConfig{Schedule: "@weekly"},
	}
	job := func(context.Context) error { return nil }
	if _, err := newScheduler(context.Background(), cfg, slog.Default(), job, job); err == nil {
		t.Fatal("expected error for invalid tracker schedule")
	}
}
