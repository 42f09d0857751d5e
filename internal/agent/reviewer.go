package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/conveyorhq/conveyor/internal/review"
)

// CommandReviewer runs a configured shell command as one reviewer of a
// gated phase. The snapshot is written to stdin as JSON; the command
// writes its findings to stdout, either as a bare array or wrapped in
// an object under "findings". An empty array means no objections.
type CommandReviewer struct {
	name    string
	dir     string
	command string
	runner  CommandRunner
}

// NewCommandReviewer builds a reviewer that shells out to command in dir.
func NewCommandReviewer(name, dir, command string) *CommandReviewer {
	return &CommandReviewer{name: name, dir: dir, command: command, runner: ExecRunner{}}
}

// WithRunner swaps the command runner. Used by tests.
func (r *CommandReviewer) WithRunner(cr CommandRunner) *CommandReviewer {
	r.runner = cr
	return r
}

func (r *CommandReviewer) Name() string { return r.name }

func (r *CommandReviewer) Review(ctx context.Context, snap review.Snapshot) ([]review.Finding, error) {
	stdin, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("reviewer %s: marshal snapshot: %w", r.name, err)
	}

	stdout, stderr, exitCode, err := r.runner.Run(ctx, r.dir, r.command, stdin)
	if err != nil {
		return nil, fmt.Errorf("reviewer %s: %w", r.name, err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("reviewer %s exited %d: %s", r.name, exitCode, truncate(string(stderr), 200))
	}

	findings, err := ParseFindings(stdout)
	if err != nil {
		return nil, fmt.Errorf("reviewer %s: %w", r.name, err)
	}
	return findings, nil
}

// ParseFindings decodes reviewer output. It accepts either a bare JSON
// array of findings or an object with a "findings" key, since both
// shapes show up in real reviewer tooling.
func ParseFindings(out []byte) ([]review.Finding, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}

	if out[0] == '[' {
		var findings []review.Finding
		if err := json.Unmarshal(out, &findings); err != nil {
			return nil, fmt.Errorf("parse findings: %w", err)
		}
		return findings, nil
	}

	var wrapped struct {
		Findings []review.Finding `json:"findings"`
	}
	if err := json.Unmarshal(out, &wrapped); err != nil {
		return nil, fmt.Errorf("parse findings: %w", err)
	}
	return wrapped.Findings, nil
}
