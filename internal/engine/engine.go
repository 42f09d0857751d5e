// Package engine drives pipeline runs: it owns the phase-gate state
// machine, calls agents and reviewer panels, routes rejection feedback
// upstream, and escalates when iteration limits are exhausted.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/agent"
	"github.com/conveyorhq/conveyor/internal/escalate"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/iteration"
	"github.com/conveyorhq/conveyor/internal/phase"
	"github.com/conveyorhq/conveyor/internal/review"
	"github.com/conveyorhq/conveyor/internal/router"
	"github.com/conveyorhq/conveyor/internal/run"
)

// ErrInvalidTransition is returned for caller errors: resuming a run
// that is not escalated, or stepping a run this engine does not know.
var ErrInvalidTransition = errors.New("engine: invalid transition")

// DefaultAgentTimeout bounds a single agent invocation. Agents do real
// generation work, so this is much longer than a reviewer timeout.
const DefaultAgentTimeout = 30 * time.Minute

// DefaultBackoff is the initial delay between agent retry attempts.
// The delay doubles on each subsequent attempt.
const DefaultBackoff = 2 * time.Second

// Options wires an Engine. Store and Agents are required; everything
// else has a usable zero value.
type Options struct {
	Store     *run.Store
	Events    *events.DB
	Gateway   *escalate.Gateway
	Agents    map[phase.Phase]agent.Agent
	Reviewers map[phase.Phase][]review.Reviewer

	Policy          review.Policy
	Limits          iteration.Limits
	Retries         int
	Backoff         time.Duration
	AgentTimeouts   map[phase.Phase]time.Duration
	ReviewerTimeout time.Duration

	Logger   *zap.Logger
	Progress io.Writer

	// Sleep is swapped out by tests to skip real backoff delays.
	Sleep func(time.Duration)
}

// Engine is the pipeline state machine. It is the only writer of run
// state; one Engine may drive many independent runs, but a single run
// is never stepped concurrently.
type Engine struct {
	store     *run.Store
	db        *events.DB
	gate      *escalate.Gateway
	agents    map[phase.Phase]agent.Agent
	reviewers map[phase.Phase][]review.Reviewer
	agg       *review.Aggregator
	limits    iteration.Limits
	retries   int
	backoff   time.Duration
	timeouts  map[phase.Phase]time.Duration
	log       *zap.Logger
	progress  io.Writer
	sleep     func(time.Duration)
}

// New creates an Engine from Options.
func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	gate := opts.Gateway
	if gate == nil {
		gate = escalate.NewGateway(nil, log)
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Engine{
		store:     opts.Store,
		db:        opts.Events,
		gate:      gate,
		agents:    opts.Agents,
		reviewers: opts.Reviewers,
		agg:       review.NewAggregator(opts.Policy, opts.ReviewerTimeout),
		limits:    opts.Limits,
		retries:   opts.Retries,
		backoff:   backoff,
		timeouts:  opts.AgentTimeouts,
		log:       log,
		progress:  opts.Progress,
		sleep:     sleep,
	}
}

// StepResult describes what one automated step did.
type StepResult struct {
	Run     *run.RunState   `json:"run"`
	Action  string          `json:"action"` // "advanced", "completed", "rejected", "escalated", "noop"
	Phase   phase.Phase     `json:"phase"`
	Verdict *review.Verdict `json:"verdict,omitempty"`
	Targets []phase.Phase   `json:"targets,omitempty"`
	Token   string          `json:"token,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Create starts a new run at the first phase and persists it.
func (e *Engine) Create(requirements string) (*run.RunState, error) {
	st := run.NewRunState(requirements)
	if err := e.store.Create(st); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	e.logEvent(st.ID, "run_created", st.Current, 0, "", 0)
	e.logf("run %s created at phase %s", st.ID, st.Current)
	return st, nil
}

// Step executes one automated step of a run: invoke the current
// phase's agent, review the artifact if the phase is gated, and move
// the run accordingly. Terminal and escalated runs are no-ops that
// return the last known state.
func (e *Engine) Step(ctx context.Context, id string) (*StepResult, error) {
	st, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}

	if st.Status.Terminal() {
		return &StepResult{Run: st, Action: "noop", Phase: st.Current,
			Message: fmt.Sprintf("run is %s", st.Status)}, nil
	}
	if st.Status == run.StatusEscalated {
		return &StepResult{Run: st, Action: "noop", Phase: st.Current,
			Token:   st.Escalation.Token,
			Message: "run is escalated, awaiting human decision"}, nil
	}

	res, err := e.step(ctx, st)
	if err != nil {
		return nil, err
	}
	if err := e.store.Commit(st); err != nil {
		return nil, fmt.Errorf("commit run %s: %w", st.ID, err)
	}
	res.Run = st
	return res, nil
}

// Run steps a run until it reaches a terminal or escalated status, or
// the context is cancelled.
func (e *Engine) Run(ctx context.Context, id string) (*run.RunState, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := e.Step(ctx, id)
		if err != nil {
			return nil, err
		}
		st := res.Run
		if st.Status.Terminal() || st.Status == run.StatusEscalated {
			return st, nil
		}
	}
}

// Resume applies a human decision to an escalated run.
func (e *Engine) Resume(token string, decision escalate.Decision) (*run.RunState, error) {
	st, err := e.store.FindByToken(token)
	if err != nil {
		return nil, err
	}
	if err := e.gate.Resume(st, token, decision); err != nil {
		if errors.Is(err, escalate.ErrNotSuspended) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		return nil, err
	}
	if e.db != nil {
		if dberr := e.db.ResolveEscalation(token, string(decision)); dberr != nil {
			e.log.Warn("event log write failed", zap.Error(dberr))
		}
	}
	e.logEvent(st.ID, "escalation_resolved", st.Current, 0, string(decision), 0)
	if err := e.store.Commit(st); err != nil {
		return nil, fmt.Errorf("commit run %s: %w", st.ID, err)
	}
	e.logf("run %s: escalation %s -> %s", st.ID, decision, st.Status)
	return st, nil
}

// Abort transitions a run to Aborted from any non-terminal state.
func (e *Engine) Abort(id, reason string) (*run.RunState, error) {
	st, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if st.Status.Terminal() {
		return st, nil
	}
	st.Status = run.StatusAborted
	st.Escalation = nil
	st.Record(run.HistoryEntry{Event: "aborted", Phase: st.Current, Detail: reason})
	e.logEvent(st.ID, "aborted", st.Current, 0, reason, 0)
	if err := e.store.Commit(st); err != nil {
		return nil, fmt.Errorf("commit run %s: %w", st.ID, err)
	}
	return st, nil
}

// step runs the state machine for one phase. The caller commits.
func (e *Engine) step(ctx context.Context, st *run.RunState) (*StepResult, error) {
	ph := st.Current
	started := time.Now()

	feedback := st.PendingFeedback(ph)
	e.logEvent(st.ID, "phase_started", ph, st.Revisions[ph]+1, "", 0)
	e.logf("run %s: phase %s starting (feedback: %d findings)", st.ID, ph, len(feedback))

	artifact, execErr := e.generate(ctx, st, ph, feedback)
	if execErr != nil {
		// An exhausted execution error is handled like a tripped limit
		// for this phase: the run suspends for a human. The consumed
		// feedback goes back on the queue so an approved retry sees it.
		st.QueueFeedback(ph, feedback)
		return e.suspend(ctx, st, ph, iteration.PairKey(ph, ph),
			fmt.Sprintf("agent execution failed after %d retries: %v", e.retries, execErr), nil)
	}

	st.Artifacts[ph] = artifact
	if err := e.store.SaveArtifact(artifact); err != nil {
		return nil, fmt.Errorf("save artifact: %w", err)
	}
	st.Record(run.HistoryEntry{Event: "artifact_generated", Phase: ph, Revision: artifact.Revision,
		ElapsedMs: time.Since(started).Milliseconds()})
	e.logEvent(st.ID, "artifact_generated", ph, artifact.Revision, "", int(time.Since(started).Milliseconds()))

	if !ph.Gated() {
		return e.advance(st, ph, nil)
	}

	st.Status = run.StatusAwaitingReview
	verdict, err := e.reviewWithRetry(ctx, st, artifact)
	if err != nil {
		var allFailed *review.ErrAllReviewersFailed
		if errors.As(err, &allFailed) {
			return e.suspend(ctx, st, ph, iteration.PairKey(ph, ph),
				fmt.Sprintf("all reviewers failed for %s after %d retries", ph, e.retries), nil)
		}
		return nil, err
	}

	if verdict.Decision.Accepted() {
		return e.advance(st, ph, verdict)
	}
	return e.reject(ctx, st, ph, verdict)
}

// generate invokes the phase agent with bounded retries and doubling
// backoff. Only execution errors are retried.
func (e *Engine) generate(ctx context.Context, st *run.RunState, ph phase.Phase, feedback []review.Finding) (run.Artifact, error) {
	ag, ok := e.agents[ph]
	if !ok {
		return run.Artifact{}, fmt.Errorf("no agent configured for phase %s", ph)
	}

	upstream := make(map[string]json.RawMessage)
	for p, a := range st.Artifacts {
		if p.Before(ph) {
			upstream[p.String()] = json.RawMessage(a.Payload)
		}
	}
	req := agent.Request{
		RunID:        st.ID,
		Phase:        ph,
		Revision:     st.Revisions[ph] + 1,
		Requirements: st.Requirements,
		Upstream:     upstream,
		Feedback:     feedback,
	}

	timeout := DefaultAgentTimeout
	if t, ok := e.timeouts[ph]; ok && t > 0 {
		timeout = t
	}

	var lastErr error
	delay := e.backoff
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			e.logEvent(st.ID, "agent_retry", ph, req.Revision, lastErr.Error(), 0)
			e.logf("run %s: phase %s agent retry %d/%d", st.ID, ph, attempt, e.retries)
			e.sleep(delay)
			delay *= 2
		}
		actx, cancel := context.WithTimeout(ctx, timeout)
		payload, err := ag.Generate(actx, req)
		cancel()
		if err == nil {
			rev := st.NextRevision(ph)
			return run.Artifact{
				RunID:     st.ID,
				Phase:     ph,
				Revision:  rev,
				Payload:   payload,
				CreatedAt: time.Now().UTC(),
			}, nil
		}
		lastErr = err
		e.log.Warn("agent invocation failed",
			zap.String("run", st.ID), zap.Stringer("phase", ph),
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return run.Artifact{}, lastErr
}

// reviewWithRetry retries a review pass whose whole panel failed, with
// the same bounded doubling backoff agent invocations get. Quality
// verdicts, including rejects, are never retried.
func (e *Engine) reviewWithRetry(ctx context.Context, st *run.RunState, artifact run.Artifact) (*review.Verdict, error) {
	var lastErr error
	delay := e.backoff
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			e.logEvent(st.ID, "review_retry", artifact.Phase, artifact.Revision, lastErr.Error(), 0)
			e.logf("run %s: phase %s review retry %d/%d", st.ID, artifact.Phase, attempt, e.retries)
			e.sleep(delay)
			delay *= 2
		}
		verdict, err := e.review(ctx, st, artifact)
		if err == nil {
			return verdict, nil
		}
		var allFailed *review.ErrAllReviewersFailed
		if !errors.As(err, &allFailed) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// review fans out the gated phase's reviewer panel and records the pass.
func (e *Engine) review(ctx context.Context, st *run.RunState, artifact run.Artifact) (*review.Verdict, error) {
	started := time.Now()
	verdict, err := e.agg.Aggregate(ctx, artifact.Snapshot(), e.reviewers[artifact.Phase])
	if err != nil {
		return nil, err
	}

	pass := run.ReviewPass{Phase: artifact.Phase, Revision: artifact.Revision, Verdict: *verdict, At: time.Now().UTC()}
	st.Reviews = append(st.Reviews, pass)
	if err := e.store.SaveReview(st.ID, pass); err != nil {
		return nil, fmt.Errorf("save review: %w", err)
	}
	if e.db != nil {
		if dberr := e.db.LogReviewPass(st.ID, artifact.Phase, artifact.Revision, *verdict, int(time.Since(started).Milliseconds())); dberr != nil {
			e.log.Warn("event log write failed", zap.Error(dberr))
		}
	}
	st.Record(run.HistoryEntry{Event: "review_verdict", Phase: artifact.Phase, Revision: artifact.Revision,
		Decision: verdict.Decision.String(), ElapsedMs: time.Since(started).Milliseconds()})
	e.logf("run %s: %s revision %d reviewed: %s (%d findings, %d degraded)",
		st.ID, artifact.Phase, artifact.Revision, verdict.Decision, len(verdict.Findings), len(verdict.Degraded))
	return verdict, nil
}

// advance moves past an accepted phase, completing the run when there
// is no next phase.
func (e *Engine) advance(st *run.RunState, ph phase.Phase, verdict *review.Verdict) (*StepResult, error) {
	next, ok := ph.Next()
	if !ok {
		st.Status = run.StatusCompleted
		st.Record(run.HistoryEntry{Event: "completed", Phase: ph})
		e.logEvent(st.ID, "completed", ph, st.Revisions[ph], "", 0)
		e.logf("run %s: completed", st.ID)
		return &StepResult{Action: "completed", Phase: ph, Verdict: verdict}, nil
	}
	st.Current = next
	st.Status = run.StatusRunning
	st.Record(run.HistoryEntry{Event: "phase_advanced", Phase: next, Detail: fmt.Sprintf("from=%s", ph)})
	e.logEvent(st.ID, "phase_advanced", next, 0, fmt.Sprintf("from=%s", ph), 0)
	return &StepResult{Action: "advanced", Phase: ph, Verdict: verdict}, nil
}

// reject routes findings upstream, records the attempts, and either
// loops back to the earliest implicated phase or escalates.
func (e *Engine) reject(ctx context.Context, st *run.RunState, ph phase.Phase, verdict *review.Verdict) (*StepResult, error) {
	targets := router.Route(ph, verdict.Findings)
	earliest, ok := router.Earliest(targets)
	if !ok {
		// A Reject verdict always carries findings, and routing always
		// yields at least the phase under review.
		return nil, fmt.Errorf("reject with no routing targets for phase %s", ph)
	}

	exceededPair := ""
	targetPhases := make([]phase.Phase, 0, len(targets))
	for _, t := range targets {
		targetPhases = append(targetPhases, t.Phase)
		st.QueueFeedback(t.Phase, t.Findings)
		pair, global := st.Counter.RecordAttempt(ph, t.Phase)
		if exceededPair == "" && e.limits.Exceeded(pair, global) {
			exceededPair = iteration.PairKey(ph, t.Phase)
		}
	}

	st.Record(run.HistoryEntry{Event: "review_rejected", Phase: ph, Revision: st.Revisions[ph],
		Decision: verdict.Decision.String(), Targets: targetPhases})
	e.logEvent(st.ID, "review_rejected", ph, st.Revisions[ph], fmt.Sprintf("targets=%v", targetPhases), 0)

	st.Current = earliest
	if exceededPair != "" {
		return e.suspend(ctx, st, earliest, exceededPair,
			fmt.Sprintf("iteration limit exceeded for %s", exceededPair), verdict.Findings)
	}

	st.Status = run.StatusRunning
	e.logf("run %s: %s rejected, resuming at %s", st.ID, ph, earliest)
	return &StepResult{Action: "rejected", Phase: ph, Verdict: verdict, Targets: targetPhases}, nil
}

// suspend hands the run to the escalation gateway. The run stays
// pointed at the blocked phase so an approval resumes in place.
func (e *Engine) suspend(ctx context.Context, st *run.RunState, blocked phase.Phase, pairKey, reason string, findings []review.Finding) (*StepResult, error) {
	token, err := e.gate.Suspend(ctx, st, blocked, pairKey, reason, findings)
	if err != nil {
		return nil, fmt.Errorf("suspend run %s: %w", st.ID, err)
	}
	st.Current = blocked
	if e.db != nil {
		if dberr := e.db.LogEscalation(st.ID, token, blocked, pairKey, reason); dberr != nil {
			e.log.Warn("event log write failed", zap.Error(dberr))
		}
	}
	e.logEvent(st.ID, "escalated", blocked, 0, reason, 0)
	e.logf("run %s: escalated at %s (%s)", st.ID, blocked, reason)
	return &StepResult{Action: "escalated", Phase: blocked, Token: token, Message: reason}, nil
}

// logEvent writes to the event log best-effort: sink failures never
// affect run correctness.
func (e *Engine) logEvent(runID, event string, ph phase.Phase, revision int, detail string, durationMs int) {
	if e.db == nil {
		return
	}
	if err := e.db.LogRunEvent(runID, event, ph, revision, detail, durationMs); err != nil {
		e.log.Warn("event log write failed", zap.String("event", event), zap.Error(err))
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, format+"\n", args...)
	}
}
