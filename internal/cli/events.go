package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/internal/analytics"
)

var eventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "Show the merged event timeline for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()

		timeline, err := analytics.QueryRunTimeline(d, args[0])
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, timeline)
		}

		if len(timeline) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events recorded for this run.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIMESTAMP\tEVENT\tPHASE\tREV\tDETAIL")
		for _, ev := range timeline {
			detail := ev.Detail
			if len(detail) > 60 {
				detail = detail[:57] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				ev.Timestamp, ev.Event, ev.Phase, ev.Revision, detail)
		}
		return w.Flush()
	},
}

func init() {
	eventsCmd.Flags().String("format", "text", "Output format: text or json")
}
