package config

import (
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor/internal/phase"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a PipelineConfig for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *PipelineConfig) []ValidationError {
	var errs []ValidationError
	p := cfg.Pipeline

	if p.Name == "" {
		errs = append(errs, ValidationError{Field: "pipeline.name", Message: "is required"})
	}

	// Every phase runs an agent; gated phases additionally take a
	// reviewer panel.
	for name, a := range p.Agents {
		prefix := fmt.Sprintf("pipeline.agents.%s", name)
		if _, err := phase.Parse(name); err != nil {
			errs = append(errs, ValidationError{Field: prefix, Message: fmt.Sprintf("unknown phase %q", name)})
			continue
		}
		if a.Command == "" {
			errs = append(errs, ValidationError{Field: prefix + ".command", Message: "is required"})
		}
		validateTimeout(a.Timeout, prefix+".timeout", &errs)
	}
	for _, ph := range phase.All() {
		if _, ok := p.Agents[ph.String()]; !ok {
			errs = append(errs, ValidationError{
				Field:   "pipeline.agents",
				Message: fmt.Sprintf("missing agent for phase %q", ph),
			})
		}
	}

	for name, panel := range p.Reviewers {
		prefix := fmt.Sprintf("pipeline.reviewers.%s", name)
		ph, err := phase.Parse(name)
		if err != nil {
			errs = append(errs, ValidationError{Field: prefix, Message: fmt.Sprintf("unknown phase %q", name)})
			continue
		}
		if !ph.Gated() {
			errs = append(errs, ValidationError{Field: prefix, Message: fmt.Sprintf("%s is not a review phase", name)})
			continue
		}

		seen := make(map[string]bool)
		for i, r := range panel {
			rp := fmt.Sprintf("%s[%d]", prefix, i)
			if r.Name == "" {
				errs = append(errs, ValidationError{Field: rp + ".name", Message: "is required"})
			} else if seen[r.Name] {
				errs = append(errs, ValidationError{Field: rp + ".name", Message: fmt.Sprintf("duplicate reviewer %q", r.Name)})
			}
			seen[r.Name] = true
			if r.Command == "" {
				errs = append(errs, ValidationError{Field: rp + ".command", Message: "is required"})
			}
			validateTimeout(r.Timeout, rp+".timeout", &errs)
		}
	}
	for _, ph := range phase.All() {
		if !ph.Gated() {
			continue
		}
		if len(p.Reviewers[ph.String()]) == 0 {
			errs = append(errs, ValidationError{
				Field:   "pipeline.reviewers",
				Message: fmt.Sprintf("review phase %q needs at least one reviewer", ph),
			})
		}
	}

	validateTimeout(p.Defaults.Timeout, "pipeline.defaults.timeout", &errs)

	if p.AgentRetries != nil && *p.AgentRetries < 0 {
		errs = append(errs, ValidationError{Field: "pipeline.agent_retries", Message: "must not be negative"})
	}
	if p.Limits.PerPair < 0 {
		errs = append(errs, ValidationError{Field: "pipeline.limits.per_pair", Message: "must not be negative"})
	}
	if p.Limits.Global < 0 {
		errs = append(errs, ValidationError{Field: "pipeline.limits.global", Message: "must not be negative"})
	}
	if p.Verdict.HighThreshold < 0 {
		errs = append(errs, ValidationError{Field: "pipeline.verdict.high_threshold", Message: "must not be negative"})
	}

	return errs
}

func validateTimeout(s, field string, errs *[]ValidationError) {
	if s == "" {
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid duration %q", s)})
		return
	}
	if d <= 0 {
		*errs = append(*errs, ValidationError{Field: field, Message: "must be positive"})
	}
}
