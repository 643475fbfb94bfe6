package cli

import (
	"fmt"

	"github.com/ppiankov/digestpipe/internal/store"
	"github.com/spf13/cobra"
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Post new items of every tracked account and feed to chat",
	RunE:  trackAction,
}

func trackAction(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	t := a.tracker()
	if len(t.Targets) == 0 {
		fmt.Println("No accounts or feeds configured under tracker.")
		return nil
	}

	rec, err := t.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("track: %w", err)
	}
	printRunSummary(rec)
	return runError(rec)
}

func printRunSummary(rec store.RunRecord) {
	fmt.Printf("%s %s: %s, fetched %d, dispatched %d", rec.Pipeline, shortID(rec.ID), rec.Status, rec.Fetched, rec.Dispatched)
	if rec.Failed > 0 {
		fmt.Printf(", %d failed", rec.Failed)
	}
	fmt.Println()
	for _, so := range rec.Sources {
		if so.Error != "" {
			fmt.Printf("  %s: %s: %s\n", so.SourceID, so.Stage, so.Error)
		}
	}
}

// runError turns a fully failed run into a non-zero exit.
func runError(rec store.RunRecord) error {
	if rec.Status == store.RunFailed {
		return fmt.Errorf("%s run %s failed", rec.Pipeline, rec.ID)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
