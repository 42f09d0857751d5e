// Package agent executes the external commands that produce phase
// artifacts and review findings. Commands receive a JSON request on
// stdin and write their result to stdout.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/conveyorhq/conveyor/internal/phase"
	"github.com/conveyorhq/conveyor/internal/review"
)

// ExecError reports a failed agent invocation. It distinguishes agent
// failures, which are retried, from review rejections, which are not.
type ExecError struct {
	Phase    phase.Phase
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent for %s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("agent for %s exited %d: %s", e.Phase, e.ExitCode, truncate(e.Stderr, 200))
}

func (e *ExecError) Unwrap() error { return e.Err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Request is the document handed to a generation command on stdin.
// Upstream maps phase names to the latest accepted artifact payloads.
type Request struct {
	RunID        string                     `json:"run_id"`
	Phase        phase.Phase                `json:"phase"`
	Revision     int                        `json:"revision"`
	Requirements string                     `json:"requirements"`
	Upstream     map[string]json.RawMessage `json:"upstream,omitempty"`
	Feedback     []review.Finding           `json:"feedback,omitempty"`
}

// Agent produces the artifact payload for a work phase.
type Agent interface {
	Name() string
	Generate(ctx context.Context, req Request) ([]byte, error)
}

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string, stdin []byte) (stdout, stderr []byte, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, command string, stdin []byte) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(stdin)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.Bytes(), stderrBuf.Bytes(), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return stdoutBuf.Bytes(), stderrBuf.Bytes(), exitCode, nil
}

// CommandAgent runs a configured shell command to generate artifacts.
type CommandAgent struct {
	name    string
	dir     string
	command string
	runner  CommandRunner
}

// NewCommandAgent builds an agent that shells out to command in dir.
func NewCommandAgent(name, dir, command string) *CommandAgent {
	return &CommandAgent{name: name, dir: dir, command: command, runner: ExecRunner{}}
}

// WithRunner swaps the command runner. Used by tests.
func (a *CommandAgent) WithRunner(r CommandRunner) *CommandAgent {
	a.runner = r
	return a
}

func (a *CommandAgent) Name() string { return a.name }

// Generate marshals the request onto stdin and returns the command's
// stdout as the artifact payload. Any non-zero exit is an ExecError.
func (a *CommandAgent) Generate(ctx context.Context, req Request) ([]byte, error) {
	stdin, err := json.Marshal(req)
	if err != nil {
		return nil, &ExecError{Phase: req.Phase, Command: a.command, Err: err}
	}

	stdout, stderr, exitCode, err := a.runner.Run(ctx, a.dir, a.command, stdin)
	if err != nil {
		return nil, &ExecError{Phase: req.Phase, Command: a.command, ExitCode: exitCode, Stderr: string(stderr), Err: err}
	}
	if exitCode != 0 {
		return nil, &ExecError{Phase: req.Phase, Command: a.command, ExitCode: exitCode, Stderr: string(stderr)}
	}
	if len(bytes.TrimSpace(stdout)) == 0 {
		return nil, &ExecError{Phase: req.Phase, Command: a.command, Err: fmt.Errorf("empty output")}
	}
	return stdout, nil
}
