package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ppiankov/digestpipe/internal/config"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var scheduleRunOnStart bool

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Stay running and fire the tracker and digest on their cron schedules",
	RunE:  scheduleAction,
}

func init() {
	scheduleCmd.Flags().BoolVar(&scheduleRunOnStart, "run-on-start", false, "run the tracker once before waiting for the schedule")
	rootCmd.AddCommand(scheduleCmd)
}

type jobFunc func(ctx context.Context) error

func scheduleAction(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	c, err := newScheduler(ctx, cfg, logger, scheduledTrack, scheduledDigest)
	if err != nil {
		return err
	}

	if scheduleRunOnStart {
		// The tracker is registered first.
		c.Entry(1).Job.Run()
	}

	c.Start()
	for _, e := range c.Entries() {
		logger.Info("scheduled", slog.Int("entry", int(e.ID)), slog.Time("next", e.Next))
	}

	<-ctx.Done()
	logger.Info("shutting down, waiting for running jobs")
	<-c.Stop().Done()
	return nil
}

// newScheduler registers the tracker then the digest. Jobs never overlap:
// both pipelines share one store and one chat identity.
func newScheduler(ctx context.Context, cfg *config.Config, logger *slog.Logger, track, digest jobFunc) (*cron.Cron, error) {
	cl := cronLogger{slog: logger}
	c := cron.New(
		cron.WithLocation(cfg.Location()),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)

	var mu sync.Mutex
	wrap := func(name string, fn jobFunc) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			if ctx.Err() != nil {
				return
			}
			start := time.Now()
			logger.Info("job started", slog.String("job", name))
			if err := fn(ctx); err != nil {
				logger.Error("job failed", slog.String("job", name), slog.Any("error", err))
				return
			}
			logger.Info("job finished", slog.String("job", name), slog.Duration("took", time.Since(start)))
		}
	}

	if _, err := c.AddFunc(cfg.Tracker.Schedule, wrap("tracker", track)); err != nil {
		return nil, fmt.Errorf("tracker.schedule %q: %w", cfg.Tracker.Schedule, err)
	}
	if _, err := c.AddFunc(cfg.Digest.Schedule, wrap("digest", digest)); err != nil {
		return nil, fmt.Errorf("digest.schedule %q: %w", cfg.Digest.Schedule, err)
	}
	return c, nil
}

func scheduledTrack(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	t := a.tracker()
	if len(t.Targets) == 0 {
		return nil
	}
	rec, err := t.Run(ctx)
	if err != nil {
		return err
	}
	return runError(rec)
}

func scheduledDigest(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	rec, err := a.sendDigest(ctx)
	if err != nil {
		return err
	}
	return runError(rec)
}

// cronLogger routes scheduler logs to slog. Routine scheduler chatter goes
// to debug.
type cronLogger struct {
	slog *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.slog.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
