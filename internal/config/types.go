package config

import (
	"time"

	"github.com/conveyorhq/conveyor/internal/iteration"
	"github.com/conveyorhq/conveyor/internal/phase"
	"github.com/conveyorhq/conveyor/internal/review"
)

// PipelineConfig is the top-level structure parsed from conveyor YAML.
type PipelineConfig struct {
	Pipeline Pipeline `yaml:"pipeline"`
}

// Pipeline defines a full run configuration: agents for the work
// phases, reviewer panels for the gated phases, and policy knobs.
type Pipeline struct {
	Name         string                      `yaml:"name"`
	Workdir      string                      `yaml:"workdir"`
	AgentRetries *int                        `yaml:"agent_retries"`
	Defaults     Defaults                    `yaml:"defaults"`
	Agents       map[string]AgentConfig      `yaml:"agents"`
	Reviewers    map[string][]ReviewerConfig `yaml:"reviewers"`
	Limits       LimitsConfig                `yaml:"limits"`
	Verdict      VerdictConfig               `yaml:"verdict"`
}

// Defaults holds values applied to agents and reviewers that don't
// specify their own.
type Defaults struct {
	Timeout string `yaml:"timeout"`
}

// AgentConfig defines the command that produces a work phase artifact.
type AgentConfig struct {
	Command string `yaml:"command"`
	Timeout string `yaml:"timeout"`
}

// ReviewerConfig defines one member of a gated phase's reviewer panel.
type ReviewerConfig struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
	Timeout string `yaml:"timeout"`
}

// LimitsConfig sets iteration caps and the global-limit policy.
type LimitsConfig struct {
	PerPair          int   `yaml:"per_pair"`
	Global           int   `yaml:"global"`
	EscalateOnGlobal *bool `yaml:"escalate_on_global_limit"`
}

// VerdictConfig tunes the aggregate decision rule.
type VerdictConfig struct {
	HighThreshold int `yaml:"high_threshold"`
}

// DefaultAgentRetries is the number of local retries after an agent
// execution failure before the run escalates.
const DefaultAgentRetries = 2

// Retries returns the configured agent retry count or the default.
func (p *Pipeline) Retries() int {
	if p.AgentRetries != nil {
		return *p.AgentRetries
	}
	return DefaultAgentRetries
}

// AgentFor returns the agent configured for a work phase.
func (p *Pipeline) AgentFor(ph phase.Phase) (AgentConfig, bool) {
	a, ok := p.Agents[ph.String()]
	return a, ok
}

// ReviewersFor returns the reviewer panel for a gated phase.
func (p *Pipeline) ReviewersFor(ph phase.Phase) []ReviewerConfig {
	return p.Reviewers[ph.String()]
}

// IterationLimits converts the YAML limits into engine policy. Zero
// values fall back to the built-in defaults.
func (p *Pipeline) IterationLimits() iteration.Limits {
	l := iteration.Limits{
		PerPair: p.Limits.PerPair,
		Global:  p.Limits.Global,
	}
	if p.Limits.EscalateOnGlobal != nil {
		l.EscalateOnGlobal = *p.Limits.EscalateOnGlobal
	} else {
		l.EscalateOnGlobal = true
	}
	return l
}

// VerdictPolicy converts the YAML verdict section into review policy.
func (p *Pipeline) VerdictPolicy() review.Policy {
	return review.Policy{HighThreshold: p.Verdict.HighThreshold}
}

// Timeout parses a duration string, falling back to the pipeline
// default and then to fallback when unset. Malformed strings are
// rejected earlier by Validate.
func (p *Pipeline) Timeout(s string, fallback time.Duration) time.Duration {
	if s == "" {
		s = p.Defaults.Timeout
	}
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
