// Package cli wires the cobra command tree. Commands stay thin; all
// pipeline behavior lives in the engine and its collaborators.
package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

// ExitError carries a process exit code through cobra's error return.
// Escalated runs exit 2 so cron wrappers can tell "needs a human" apart
// from plain failure.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string { return e.Msg }

// ExitCode maps an Execute error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var xe *ExitError
	if errors.As(err, &xe) {
		return xe.Code
	}
	return 1
}

var configFile string

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "conveyor - a phase-gated pipeline orchestrator",
	Long: `conveyor drives work through a fixed phase pipeline (planning, design,
code, test) with review gates between phases. Each phase invokes a
configured agent command; gated phases fan the artifact out to a
reviewer panel and route rejections back to the phases at fault.

All state is stored in ~/.conveyor/ (JSON for run state and artifacts,
SQLite for the event log). Runs that exhaust their iteration limits
suspend and wait for a human decision via 'conveyor resume'.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "f", "", "path to pipeline config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stepCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}
