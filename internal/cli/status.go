package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/internal/phase"
	"github.com/conveyorhq/conveyor/internal/run"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show detailed status for one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		st, err := store.Get(args[0])
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, st)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Run:      %s\n", st.ID)
		fmt.Fprintf(w, "Status:   %s\n", st.Status)
		fmt.Fprintf(w, "Phase:    %s\n", st.Current)
		fmt.Fprintf(w, "Created:  %s\n", st.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "Updated:  %s\n", st.UpdatedAt.Format("2006-01-02 15:04:05"))
		if st.Escalation != nil {
			fmt.Fprintf(w, "Escalation:\n")
			fmt.Fprintf(w, "  token:  %s\n", st.Escalation.Token)
			fmt.Fprintf(w, "  pair:   %s\n", st.Escalation.PairKey)
			fmt.Fprintf(w, "  reason: %s\n", st.Escalation.Reason)
		}

		if len(st.Revisions) > 0 {
			fmt.Fprintln(w, "\nArtifacts:")
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "  PHASE\tREVISION\tPENDING FEEDBACK")
			for _, ph := range phase.All() {
				rev, ok := st.Revisions[ph]
				if !ok {
					continue
				}
				fmt.Fprintf(tw, "  %s\t%d\t%d\n", ph, rev, len(st.Feedback[ph]))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
		}

		if len(st.Reviews) > 0 {
			fmt.Fprintln(w, "\nReviews:")
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "  PHASE\tREVISION\tDECISION\tFINDINGS\tDEGRADED")
			for _, pass := range st.Reviews {
				fmt.Fprintf(tw, "  %s\t%d\t%s\t%d\t%d\n",
					pass.Phase, pass.Revision, pass.Verdict.Decision,
					len(pass.Verdict.Findings), len(pass.Verdict.Degraded))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
		}

		if st.Counter != nil && len(st.Counter.Pairs) > 0 {
			fmt.Fprintln(w, "\nIteration counters:")
			for pair, n := range st.Counter.Pairs {
				fmt.Fprintf(w, "  %-30s %d\n", pair, n)
			}
			fmt.Fprintf(w, "  %-30s %d\n", "global", st.Counter.Global)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}

		statusFilter, _ := cmd.Flags().GetString("status")
		runs, err := store.List(run.Status(statusFilter))
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, runs)
		}

		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tSTATUS\tPHASE\tREVIEWS\tREQUIREMENTS")
		for _, st := range runs {
			req := st.Requirements
			if len(req) > 50 {
				req = req[:47] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				st.ID, st.Status, st.Current, len(st.Reviews), req)
		}
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
	listCmd.Flags().String("status", "", "Filter by status (running, awaiting_review, escalated, completed, aborted)")
	listCmd.Flags().String("format", "text", "Output format: text or json")
}
