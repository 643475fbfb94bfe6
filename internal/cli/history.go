package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ppiankov/digestpipe/internal/config"
	"github.com/ppiankov/digestpipe/internal/pipeline"
	"github.com/ppiankov/digestpipe/internal/store"
	"github.com/spf13/cobra"
)

var (
	historyPipeline string
	historyLimit    int
	historyFormat   string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs and sources that stopped advancing",
	RunE:  historyAction,
}

func init() {
	historyCmd.Flags().StringVar(&historyPipeline, "pipeline", "", "only show runs of this pipeline (tracker or digest)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to show")
	historyCmd.Flags().StringVar(&historyFormat, "format", "terminal", "output format: terminal, json")
	rootCmd.AddCommand(historyCmd)
}

const staleDays = 14

func historyAction(cmd *cobra.Command, _ []string) error {
	if err := checkPipelineName(historyPipeline, true); err != nil {
		return err
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	ctx := cmd.Context()
	runs, err := db.RecentRuns(ctx, historyPipeline, historyLimit)
	if err != nil {
		return err
	}
	cursors, err := db.ListCursors(ctx, historyPipeline)
	if err != nil {
		return err
	}

	switch historyFormat {
	case "json":
		return printHistoryJSON(os.Stdout, runs, cursors)
	case "terminal", "":
		printHistory(os.Stdout, runs, cursors, time.Now())
		return nil
	default:
		return fmt.Errorf("unknown format %q (want terminal or json)", historyFormat)
	}
}

func checkPipelineName(name string, allowEmpty bool) error {
	switch name {
	case pipeline.Tracker, pipeline.Digest:
		return nil
	case "":
		if allowEmpty {
			return nil
		}
	}
	return fmt.Errorf("unknown pipeline %q (want %s or %s)", name, pipeline.Tracker, pipeline.Digest)
}

type jsonHistory struct {
	Runs    []jsonRun    `json:"runs"`
	Cursors []jsonCursor `json:"cursors"`
}

type jsonRun struct {
	ID          string          `json:"id"`
	Pipeline    string          `json:"pipeline"`
	Status      string          `json:"status"`
	StartedAt   string          `json:"started_at"`
	FinishedAt  string          `json:"finished_at,omitempty"`
	WindowStart string          `json:"window_start,omitempty"`
	WindowEnd   string          `json:"window_end,omitempty"`
	Fetched     int             `json:"fetched"`
	Dispatched  int             `json:"dispatched"`
	Failed      int             `json:"failed"`
	Sources     []jsonRunSource `json:"sources,omitempty"`
}

type jsonRunSource struct {
	SourceID   string `json:"source_id"`
	Stage      string `json:"stage"`
	Fetched    int    `json:"fetched"`
	Dispatched int    `json:"dispatched"`
	Error      string `json:"error,omitempty"`
}

type jsonCursor struct {
	Pipeline    string `json:"pipeline"`
	SourceID    string `json:"source_id"`
	ItemID      string `json:"item_id,omitempty"`
	ItemTime    string `json:"item_time,omitempty"`
	WindowStart string `json:"window_start,omitempty"`
	WindowEnd   string `json:"window_end,omitempty"`
	UpdatedAt   string `json:"updated_at"`
}

func jsonTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func printHistoryJSON(w io.Writer, runs []store.RunRecord, cursors []store.Cursor) error {
	out := jsonHistory{
		Runs:    make([]jsonRun, 0, len(runs)),
		Cursors: make([]jsonCursor, 0, len(cursors)),
	}
	for _, r := range runs {
		jr := jsonRun{
			ID:          r.ID,
			Pipeline:    r.Pipeline,
			Status:      r.Status,
			StartedAt:   jsonTime(r.StartedAt),
			FinishedAt:  jsonTime(r.FinishedAt),
			WindowStart: jsonTime(r.WindowStart),
			WindowEnd:   jsonTime(r.WindowEnd),
			Fetched:     r.Fetched,
			Dispatched:  r.Dispatched,
			Failed:      r.Failed,
		}
		for _, so := range r.Sources {
			jr.Sources = append(jr.Sources, jsonRunSource(so))
		}
		out.Runs = append(out.Runs, jr)
	}
	for _, c := range cursors {
		out.Cursors = append(out.Cursors, jsonCursor{
			Pipeline:    c.Pipeline,
			SourceID:    c.SourceID,
			ItemID:      c.ItemID,
			ItemTime:    jsonTime(c.ItemTime),
			WindowStart: jsonTime(c.WindowStart),
			WindowEnd:   jsonTime(c.WindowEnd),
			UpdatedAt:   jsonTime(c.UpdatedAt),
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printHistory(w io.Writer, runs []store.RunRecord, cursors []store.Cursor, now time.Time) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded yet. Run 'digestpipe track' or 'digestpipe digest' first.")
		return
	}

	counts := map[string]int{}
	for _, r := range runs {
		counts[r.Status]++
	}
	fmt.Fprintf(w, "digestpipe history: last %d runs (%d ok, %d partial, %d failed, %d empty)\n\n",
		len(runs), counts[store.RunOK], counts[store.RunPartial], counts[store.RunFailed], counts[store.RunEmpty])

	fmt.Fprintf(w, "  %-8s  %-7s  %-16s  %-7s  %7s  %10s  %6s\n", "Run", "Pipe", "Started", "Status", "Fetched", "Dispatched", "Failed")
	for _, r := range runs {
		fmt.Fprintf(w, "  %-8s  %-7s  %-16s  %-7s  %7d  %10d  %6d\n",
			shortID(r.ID), r.Pipeline, r.StartedAt.UTC().Format("2006-01-02 15:04"), r.Status, r.Fetched, r.Dispatched, r.Failed)
		for _, so := range r.Sources {
			if so.Error != "" {
				fmt.Fprintf(w, "            %s failed at %s: %s\n", so.SourceID, so.Stage, so.Error)
			}
		}
	}
	fmt.Fprintln(w)

	threshold := now.AddDate(0, 0, -staleDays)
	var stale []store.Cursor
	for _, c := range cursors {
		if c.UpdatedAt.Before(threshold) {
			stale = append(stale, c)
		}
	}
	if len(stale) > 0 {
		fmt.Fprintf(w, "--- Stale Sources (cursor not advanced in %d+ days) ---\n\n", staleDays)
		for _, c := range stale {
			daysAgo := int(now.Sub(c.UpdatedAt).Hours() / 24)
			fmt.Fprintf(w, "  %s %s: last advanced %d days ago\n", c.Pipeline, c.SourceID, daysAgo)
		}
		fmt.Fprintln(w)
	}
}
