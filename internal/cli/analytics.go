package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/internal/analytics"
	"github.com/conveyorhq/conveyor/internal/events"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query pipeline performance analytics",
}

func withAnalyticsDB(cmd *cobra.Command, fn func(d *events.DB, since string) error) error {
	d, err := openDB()
	if err != nil {
		return err
	}
	defer d.Close()
	since, _ := cmd.Flags().GetString("since")
	return fn(d, since)
}

var analyticsPhaseDurationCmd = &cobra.Command{
	Use:   "phase-duration",
	Short: "Average and percentile agent durations per phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAnalyticsDB(cmd, func(d *events.DB, since string) error {
			stats, err := analytics.QueryPhaseDurations(d, since)
			if err != nil {
				return err
			}
			if format, _ := cmd.Flags().GetString("format"); format == "json" {
				return writeJSON(cmd, stats)
			}
			if len(stats) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No phase durations recorded.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PHASE\tCOUNT\tAVG(s)\tP50(s)\tP95(s)")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", s.Phase, s.Count, s.Avg, s.P50, s.P95)
			}
			return w.Flush()
		})
	},
}

var analyticsRejectionRateCmd = &cobra.Command{
	Use:   "rejection-rate",
	Short: "Review outcome distribution per gated phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAnalyticsDB(cmd, func(d *events.DB, since string) error {
			stats, err := analytics.QueryRejectionRates(d, since)
			if err != nil {
				return err
			}
			if format, _ := cmd.Flags().GetString("format"); format == "json" {
				return writeJSON(cmd, stats)
			}
			if len(stats) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No review passes recorded.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PHASE\tTOTAL\tACCEPT%\tCOND%\tREJECT%\tFIRST-PASS%\tAVG FINDINGS")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\t%.1f\t%.1f\n",
					s.Phase, s.Total, s.AcceptPct, s.CondPct, s.RejectPct, s.FirstPass, s.AvgFindings)
			}
			return w.Flush()
		})
	},
}

var analyticsThroughputCmd = &cobra.Command{
	Use:   "throughput",
	Short: "Run outcomes per week",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAnalyticsDB(cmd, func(d *events.DB, since string) error {
			stats, err := analytics.QueryThroughput(d, since)
			if err != nil {
				return err
			}
			if format, _ := cmd.Flags().GetString("format"); format == "json" {
				return writeJSON(cmd, stats)
			}
			if len(stats) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WEEK\tCREATED\tCOMPLETED\tABORTED\tESCALATED")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", s.Period, s.Created, s.Completed, s.Aborted, s.Escalated)
			}
			return w.Flush()
		})
	},
}

var analyticsEscalationsCmd = &cobra.Command{
	Use:   "escalations",
	Short: "Escalation volume and resolution per phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAnalyticsDB(cmd, func(d *events.DB, since string) error {
			stats, err := analytics.QueryEscalations(d, since)
			if err != nil {
				return err
			}
			if format, _ := cmd.Flags().GetString("format"); format == "json" {
				return writeJSON(cmd, stats)
			}
			if len(stats) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No escalations recorded.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PHASE\tTOTAL\tAPPROVED\tREJECTED\tUNRESOLVED\tAPPROVE%")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.1f\n",
					s.Phase, s.Total, s.Approved, s.Rejected, s.Unresolved, s.ApprovePct)
			}
			return w.Flush()
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{
		analyticsPhaseDurationCmd,
		analyticsRejectionRateCmd,
		analyticsThroughputCmd,
		analyticsEscalationsCmd,
	} {
		c.Flags().String("since", "", "Only include events after this timestamp (RFC 3339)")
		c.Flags().String("format", "text", "Output format: text or json")
		analyticsCmd.AddCommand(c)
	}
}
