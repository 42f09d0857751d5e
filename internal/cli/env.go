package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/engine"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/run"
)

func loadConfig() (*config.PipelineConfig, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

func openStore() (*run.Store, error) {
	return run.DefaultStore()
}

// openDB opens and migrates the event log.
func openDB() (*events.DB, error) {
	path, err := events.DefaultDBPath()
	if err != nil {
		return nil, fmt.Errorf("db path: %w", err)
	}
	d, err := events.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// newEngine builds a fully wired engine from the resolved config. The
// cleanup closes the event log.
func newEngine(cmd *cobra.Command) (*engine.Engine, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, nil, fmt.Errorf("invalid config: %s (run 'conveyor config validate')", errs[0])
	}

	store, err := openStore()
	if err != nil {
		return nil, nil, fmt.Errorf("store: %w", err)
	}
	db, err := openDB()
	if err != nil {
		return nil, nil, err
	}

	log, err := zap.NewProduction()
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("logger: %w", err)
	}

	eng := engine.FromConfig(&cfg.Pipeline, store, db, nil, log, cmd.ErrOrStderr())
	cleanup := func() {
		_ = log.Sync()
		db.Close()
	}
	return eng, cleanup, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
