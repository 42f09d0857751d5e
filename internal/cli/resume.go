package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/internal/escalate"
	"github.com/conveyorhq/conveyor/internal/run"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <token> <approve|reject|defer>",
	Short: "Record a human decision on a suspended run",
	Long: `Resolve an escalation by its suspension token.

  approve  reset the exhausted iteration pair and resume the run
  reject   abort the run
  defer    leave the run suspended; the token stays valid

With --continue, an approved run is stepped onward until it next
finishes or escalates.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		decision, err := escalate.ParseDecision(args[1])
		if err != nil {
			return err
		}

		eng, cleanup, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		st, err := eng.Resume(args[0], decision)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		switch decision {
		case escalate.Approve:
			fmt.Fprintf(w, "Run %s approved; resuming at %s.\n", st.ID, st.Current)
		case escalate.Reject:
			fmt.Fprintf(w, "Run %s rejected and aborted.\n", st.ID)
			return nil
		case escalate.Defer:
			fmt.Fprintf(w, "Run %s deferred; token remains valid.\n", st.ID)
			return nil
		}

		keepGoing, _ := cmd.Flags().GetBool("continue")
		if !keepGoing || st.Status != run.StatusRunning {
			return nil
		}
		st, err = eng.Run(cmd.Context(), st.ID)
		if err != nil {
			return err
		}
		return reportOutcome(cmd, st)
	},
}

func init() {
	resumeCmd.Flags().Bool("continue", false, "After approval, keep stepping the run")
}
