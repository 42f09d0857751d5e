package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only web dashboard",
	Long: `Serve a localhost dashboard showing run state and event timelines.

The dashboard never mutates runs; escalations are resolved with
'conveyor resume', not through the browser.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")

		store, err := openStore()
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://localhost:%d\n", port)
		return web.NewServer(store, database, port).Start()
	},
}

func init() {
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
}
