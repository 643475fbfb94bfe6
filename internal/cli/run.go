package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the tracker, then the digest",
	Long:  "Run executes both pipelines once. The digest still honors " + runDayEnv + " unless --force is given.",
	RunE:  runAction,
}

var (
	runTrackAction  = trackAction
	runDigestAction = digestAction
)

func init() {
	runCmd.Flags().BoolVar(&digestForce, "force", false, "ignore "+runDayEnv)
}

// runAction keeps going to the digest when the tracker fails; the two
// pipelines share no data.
func runAction(cmd *cobra.Command, args []string) error {
	trackErr := runTrackAction(cmd, args)
	if err := runDigestAction(cmd, args); err != nil {
		return err
	}
	return trackErr
}
