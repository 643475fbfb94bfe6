package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ppiankov/digestpipe/internal/config"
	"github.com/ppiankov/digestpipe/internal/digest"
	"github.com/ppiankov/digestpipe/internal/pipeline"
	"github.com/ppiankov/digestpipe/internal/store"
	"github.com/ppiankov/digestpipe/internal/summarize"
	"github.com/spf13/cobra"
)

// runDayEnv restricts digest runs to one weekday, for schedulers that can
// only fire daily.
const runDayEnv = "DIGESTPIPE_RUN_DAY"

var (
	digestDryRun bool
	digestFormat string
	digestForce  bool
	noColor      bool
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Email the weekly summary of chat activity",
	RunE:  digestAction,
}

func init() {
	digestCmd.Flags().BoolVar(&digestDryRun, "dry-run", false, "print the digest instead of sending it; cursors are not moved")
	digestCmd.Flags().StringVar(&digestFormat, "format", "html", "dry-run output format: html, markdown, json, terminal")
	digestCmd.Flags().BoolVar(&digestForce, "force", false, "ignore "+runDayEnv)
	digestCmd.Flags().BoolVar(&noColor, "no-color", false, "disable ANSI colors")
}

func digestAction(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	if !digestForce {
		if day, ok := runsToday(os.Getenv(runDayEnv), time.Now().In(a.cfg.Location())); !ok {
			fmt.Printf("Not running digest today (%s, %s=%s).\n", day, runDayEnv, os.Getenv(runDayEnv))
			return nil
		}
	}

	ctx := cmd.Context()
	if digestDryRun {
		f, err := previewFormatter(digestFormat, !noColor, a.cfg.Digest.SummaryLength)
		if err != nil {
			return err
		}
		d, err := a.digester(ctx, nil, false)
		if err != nil {
			return err
		}
		c, err := d.Collect(ctx)
		if err != nil && !errors.Is(err, pipeline.ErrNoItems) {
			return fmt.Errorf("collect: %w", err)
		}
		c.Run.Title = digest.Title(d.Site, c.Run.Window)
		return f.Format(os.Stdout, c.Run)
	}

	rec, err := a.sendDigest(ctx)
	if err != nil {
		return err
	}
	printRunSummary(rec)
	if rec.Status == store.RunEmpty {
		fmt.Println("No messages found in the window, nothing sent.")
	}
	return runError(rec)
}

// sendDigest runs the digest pipeline with the configured mail transport.
// The file transport emails no one, so it leaves window cursors alone.
func (a *app) sendDigest(ctx context.Context) (store.RunRecord, error) {
	mailer, err := a.mailer()
	if err != nil {
		return store.RunRecord{}, fmt.Errorf("create mailer: %w", err)
	}
	d, err := a.digester(ctx, mailer, true)
	if err != nil {
		return store.RunRecord{}, err
	}
	d.KeepCursors = a.cfg.MailProvider() == config.ProviderFile
	rec, err := d.Run(ctx)
	if err != nil {
		return rec, fmt.Errorf("digest: %w", err)
	}
	return rec, nil
}

// runsToday reports the current weekday and whether the digest may run on
// it. An empty want allows every day.
func runsToday(want string, now time.Time) (string, bool) {
	day := now.Weekday().String()
	want = strings.TrimSpace(want)
	return day, want == "" || strings.EqualFold(want, day)
}

func previewFormatter(format string, color bool, summaryLen int) (digest.Formatter, error) {
	sum := &summarize.HeuristicSummarizer{MaxLen: summaryLen}
	switch format {
	case "html", "":
		return digest.NewHTML(sum), nil
	case "markdown":
		return digest.NewMarkdown(sum), nil
	case "json":
		return digest.NewJSON(sum), nil
	case "terminal":
		return digest.NewTerminal(color, sum), nil
	default:
		return nil, fmt.Errorf("unknown format %q (want html, markdown, json or terminal)", format)
	}
}
