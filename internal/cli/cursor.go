package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ppiankov/digestpipe/internal/config"
	"github.com/ppiankov/digestpipe/internal/store"
	"github.com/spf13/cobra"
)

var (
	cursorPipeline string
	cursorAll      bool
)

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect or reset per-source progress",
}

var cursorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored cursors",
	Args:  cobra.NoArgs,
	RunE:  cursorListAction,
}

var cursorResetCmd = &cobra.Command{
	Use:   "reset [source]",
	Short: "Forget the cursor of a source so its next run starts fresh",
	Long: "Reset deletes the stored cursor of one source, or of every source of a pipeline with --all. " +
		"A reset tracker source posts only its newest item on the next run; a reset digest stream " +
		"falls back to the default window.",
	Args: cobra.MaximumNArgs(1),
	RunE: cursorResetAction,
}

func init() {
	cursorListCmd.Flags().StringVar(&cursorPipeline, "pipeline", "", "only list cursors of this pipeline")
	cursorResetCmd.Flags().StringVar(&cursorPipeline, "pipeline", "", "pipeline the source belongs to (tracker or digest)")
	cursorResetCmd.Flags().BoolVar(&cursorAll, "all", false, "reset every cursor of the pipeline")
	cursorCmd.AddCommand(cursorListCmd, cursorResetCmd)
	rootCmd.AddCommand(cursorCmd)
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}

func cursorListAction(cmd *cobra.Command, _ []string) error {
	if err := checkPipelineName(cursorPipeline, true); err != nil {
		return err
	}
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	cursors, err := db.ListCursors(cmd.Context(), cursorPipeline)
	if err != nil {
		return err
	}
	printCursors(os.Stdout, cursors)
	return nil
}

func printCursors(w io.Writer, cursors []store.Cursor) {
	if len(cursors) == 0 {
		fmt.Fprintln(w, "No cursors stored.")
		return
	}
	for _, c := range cursors {
		switch {
		case c.ItemID != "":
			fmt.Fprintf(w, "%-7s  %s  item %s (%s)\n", c.Pipeline, c.SourceID, c.ItemID, formatCursorTime(c.ItemTime))
		case !c.WindowEnd.IsZero():
			fmt.Fprintf(w, "%-7s  %s  window %s to %s\n", c.Pipeline, c.SourceID, formatCursorTime(c.WindowStart), formatCursorTime(c.WindowEnd))
		default:
			fmt.Fprintf(w, "%-7s  %s\n", c.Pipeline, c.SourceID)
		}
	}
}

func formatCursorTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func cursorResetAction(cmd *cobra.Command, args []string) error {
	if err := checkPipelineName(cursorPipeline, false); err != nil {
		return err
	}
	var sourceID string
	switch {
	case cursorAll && len(args) > 0:
		return errors.New("give either a source or --all, not both")
	case !cursorAll && len(args) == 0:
		return errors.New("a source is required (or --all)")
	case len(args) > 0:
		sourceID = args[0]
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	n, err := db.ResetCursor(cmd.Context(), cursorPipeline, sourceID)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("No matching cursor.")
		return nil
	}
	fmt.Printf("Reset %d %s cursor(s).\n", n, cursorPipeline)
	return nil
}
