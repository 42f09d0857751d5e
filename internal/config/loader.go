// Package config loads and validates the YAML that wires commands to
// pipeline phases.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/conveyorhq/conveyor/internal/review"
)

// Load reads and parses a run configuration from the given YAML file.
func Load(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches standard locations and loads the first config
// found. Search order: ./conveyor.yaml, ~/.conveyor/config.yaml
func LoadDefault() (*PipelineConfig, error) {
	candidates := []string{"conveyor.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".conveyor", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no conveyor config found (searched: %v)", candidates)
}

func applyDefaults(cfg *PipelineConfig) {
	p := &cfg.Pipeline

	if p.Workdir == "" {
		p.Workdir = "."
	}
	if p.Verdict.HighThreshold == 0 {
		p.Verdict.HighThreshold = review.DefaultHighThreshold
	}
}
