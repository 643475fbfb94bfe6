package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ppiankov/digestpipe/internal/config"
	"github.com/ppiankov/digestpipe/internal/store"
	"github.com/ppiankov/digestpipe/internal/zulip"
	"github.com/spf13/cobra"
)

var doctorOnline bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, credentials and storage",
	RunE:  doctorAction,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorOnline, "online", false, "also call the Zulip API to verify the bot credentials")
}

func doctorAction(cmd *cobra.Command, _ []string) error {
	ok := true

	if info, err := os.Stat(configDir); err != nil || !info.IsDir() {
		printCheck(false, "config directory %s", configDir)
		ok = false
	} else {
		printCheck(true, "config directory %s", configDir)
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		printCheck(false, "config.yaml: %v", err)
		return fmt.Errorf("some checks failed")
	}
	printCheck(true, "config.yaml (%d instagram accounts, %d feeds, site %s)",
		len(cfg.Tracker.Accounts), len(cfg.Tracker.Feeds), cfg.Zulip.Site)

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		printCheck(false, "database: %v", err)
		ok = false
	} else {
		defer func() { _ = db.Close() }()
		printCheck(true, "database %s", cfg.Storage.Path)
	}

	if cfg.Zulip.Email == "" || cfg.Zulip.APIKey == "" {
		printCheck(false, "zulip credentials (set %s and %s)", envName(cfg.Zulip.EmailEnv, "zulip.email"), envName(cfg.Zulip.APIKeyEnv, "zulip.api_key_env"))
		ok = false
	} else {
		printCheck(true, "zulip credentials for %s", cfg.Zulip.Email)
		if doctorOnline && !checkZulip(cmd.Context(), cfg) {
			ok = false
		}
	}

	switch p := cfg.MailProvider(); p {
	case config.ProviderFile:
		target := cfg.Mail.File.Path
		if target == "" {
			target = "stdout"
		}
		printInfo("mail provider file: digests are written to %s, not emailed", target)
	case config.ProviderSMTP:
		printCheck(true, "mail provider smtp %s:%d", cfg.Mail.SMTP.Host, cfg.Mail.SMTP.Port)
	default:
		printCheck(true, "mail provider %s", p)
	}

	if len(cfg.Digest.Recipients) == 0 {
		printInfo("digest recipients: every active member of %s", cfg.Zulip.Site)
	} else {
		printInfo("digest recipients: %d configured", len(cfg.Digest.Recipients))
	}

	if db != nil {
		checkSourceHealth(cmd.Context(), db)
	}

	if !ok {
		return fmt.Errorf("some checks failed")
	}
	fmt.Println("\nAll checks passed.")
	return nil
}

func envName(env, field string) string {
	if env != "" {
		return env
	}
	return field
}

// checkZulip lists streams as the bot to prove the credentials work.
func checkZulip(ctx context.Context, cfg *config.Config) bool {
	zc, err := zulip.New(zulip.Config{
		Site:    cfg.Zulip.Site,
		BaseURL: cfg.Zulip.BaseURL,
		Email:   cfg.Zulip.Email,
		APIKey:  cfg.Zulip.APIKey,
		Timeout: cfg.HTTP.Timeout.Duration,
	})
	if err != nil {
		printCheck(false, "zulip client: %v", err)
		return false
	}
	streams, err := zc.Streams(ctx)
	if err != nil {
		printCheck(false, "zulip api: %v", err)
		return false
	}
	printCheck(true, "zulip api (%d streams visible)", len(streams))
	return true
}

// checkSourceHealth reports cursors that stopped advancing and the last
// failure of each pipeline. Info only, never fatal.
func checkSourceHealth(ctx context.Context, db *store.Store) {
	cursors, err := db.ListCursors(ctx, "")
	if err != nil {
		return
	}
	runs, err := db.RecentRuns(ctx, "", 10)
	if err != nil || (len(cursors) == 0 && len(runs) == 0) {
		return
	}

	fmt.Println()
	threshold := time.Now().AddDate(0, 0, -staleDays)
	for _, c := range cursors {
		if c.UpdatedAt.Before(threshold) {
			daysAgo := int(time.Since(c.UpdatedAt).Hours() / 24)
			printInfo("stale: %s %s, cursor last advanced %d days ago", c.Pipeline, c.SourceID, daysAgo)
		}
	}

	reported := map[string]bool{}
	for _, r := range runs {
		if reported[r.Pipeline] {
			continue
		}
		reported[r.Pipeline] = true
		if r.Status == store.RunFailed || r.Status == store.RunPartial {
			printInfo("last %s run %s was %s (see 'digestpipe history')", r.Pipeline, shortID(r.ID), r.Status)
		}
	}
}

func printCheck(pass bool, format string, args ...any) {
	mark := "FAIL"
	if pass {
		mark = " OK "
	}
	fmt.Printf("[%s] %s\n", mark, fmt.Sprintf(format, args...))
}

func printInfo(format string, args ...any) {
	fmt.Printf("[INFO] %s\n", fmt.Sprintf(format, args...))
}
