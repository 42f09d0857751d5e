package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/internal/run"
)

var runCmd = &cobra.Command{
	Use:   "run <requirements>",
	Short: "Start a new run and drive it until it finishes or escalates",
	Long: `Create a run from a requirements statement and step it through the
pipeline until it completes, aborts, or suspends for a human decision.

Exit codes: 0 completed, 1 aborted or errored, 2 escalated.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		st, err := eng.Create(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created run %s\n", st.ID)

		st, err = eng.Run(cmd.Context(), st.ID)
		if err != nil {
			return err
		}
		return reportOutcome(cmd, st)
	},
}

var stepCmd = &cobra.Command{
	Use:   "step <run-id>",
	Short: "Execute a single pipeline transition for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := eng.Step(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s at %s\n", res.Run.ID, res.Action, res.Phase)
		if res.Message != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", res.Message)
		}
		return nil
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort <run-id>",
	Short: "Abort a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		reason, _ := cmd.Flags().GetString("reason")
		st, err := eng.Abort(args[0], reason)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s aborted.\n", st.ID)
		return nil
	},
}

// reportOutcome prints the terminal state and maps it to the exit code.
func reportOutcome(cmd *cobra.Command, st *run.RunState) error {
	w := cmd.OutOrStdout()
	switch st.Status {
	case run.StatusCompleted:
		fmt.Fprintf(w, "Run %s completed.\n", st.ID)
		return nil
	case run.StatusEscalated:
		fmt.Fprintf(w, "Run %s escalated at %s.\n", st.ID, st.Current)
		if st.Escalation != nil {
			fmt.Fprintf(w, "  reason: %s\n", st.Escalation.Reason)
			fmt.Fprintf(w, "  resume with: conveyor resume %s <approve|reject|defer>\n", st.Escalation.Token)
		}
		return &ExitError{Code: 2, Msg: fmt.Sprintf("run %s escalated", st.ID)}
	case run.StatusAborted:
		return &ExitError{Code: 1, Msg: fmt.Sprintf("run %s aborted", st.ID)}
	default:
		return &ExitError{Code: 1, Msg: fmt.Sprintf("run %s stopped in state %s", st.ID, st.Status)}
	}
}

func init() {
	stepCmd.Flags().String("format", "text", "Output format: text or json")
	abortCmd.Flags().String("reason", "aborted by operator", "Reason recorded in run history")
}
