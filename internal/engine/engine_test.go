package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/internal/agent"
	"github.com/conveyorhq/conveyor/internal/escalate"
	"github.com/conveyorhq/conveyor/internal/iteration"
	"github.com/conveyorhq/conveyor/internal/phase"
	"github.com/conveyorhq/conveyor/internal/review"
	"github.com/conveyorhq/conveyor/internal/run"
)

// --- Scripted fakes ---

// scriptAgent succeeds after a configured number of failures and
// records the requests it received.
type scriptAgent struct {
	name     string
	failures int
	calls    int
	requests []agent.Request
}

func (a *scriptAgent) Name() string { return a.name }

func (a *scriptAgent) Generate(_ context.Context, req agent.Request) ([]byte, error) {
	a.calls++
	a.requests = append(a.requests, req)
	if a.calls <= a.failures {
		return nil, &agent.ExecError{Phase: req.Phase, Err: errors.New("provider unavailable")}
	}
	return fmt.Appendf(nil, `{"phase":%q,"revision":%d}`, req.Phase, req.Revision), nil
}

// scriptReviewer returns one scripted finding list per invocation and
// accepts everything once the script is exhausted. With err set it
// fails every call, or only the first failures calls when that is set.
type scriptReviewer struct {
	name     string
	script   [][]review.Finding
	err      error
	failures int
	calls    int
}

func (r *scriptReviewer) Name() string { return r.name }

func (r *scriptReviewer) Review(_ context.Context, _ review.Snapshot) ([]review.Finding, error) {
	call := r.calls
	r.calls++
	if r.err != nil && (r.failures == 0 || call < r.failures) {
		return nil, r.err
	}
	if call < len(r.script) {
		return r.script[call], nil
	}
	return nil, nil
}

func critical(desc string, phases ...phase.Phase) review.Finding {
	return review.Finding{
		Category:       "correctness",
		Severity:       review.Critical,
		Description:    desc,
		AffectedPhases: phases,
	}
}

// --- Test environment ---

type testEnv struct {
	engine *Engine
	store  *run.Store
	agents map[phase.Phase]*scriptAgent
	slept  []time.Duration
}

type envOpt func(*Options)

func withLimits(l iteration.Limits) envOpt {
	return func(o *Options) { o.Limits = l }
}

func withRetries(n int) envOpt {
	return func(o *Options) { o.Retries = n }
}

func withReviewer(ph phase.Phase, r review.Reviewer) envOpt {
	return func(o *Options) { o.Reviewers[ph] = append(o.Reviewers[ph], r) }
}

func newTestEnv(t *testing.T, opts ...envOpt) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  run.NewStore(t.TempDir()),
		agents: make(map[phase.Phase]*scriptAgent),
	}

	agents := make(map[phase.Phase]agent.Agent)
	for _, ph := range phase.All() {
		sa := &scriptAgent{name: ph.String()}
		env.agents[ph] = sa
		agents[ph] = sa
	}

	o := Options{
		Store:     env.store,
		Agents:    agents,
		Reviewers: make(map[phase.Phase][]review.Reviewer),
		Limits:    iteration.DefaultLimits(),
		Sleep:     func(d time.Duration) { env.slept = append(env.slept, d) },
	}
	for _, opt := range opts {
		opt(&o)
	}
	env.engine = New(o)
	return env
}

func (env *testEnv) start(t *testing.T) *run.RunState {
	t.Helper()
	st, err := env.engine.Create("build the widget service")
	require.NoError(t, err)
	return st
}

// --- Scenarios ---

func TestHappyPath(t *testing.T) {
	env := newTestEnv(t)
	st := env.start(t)

	final, err := env.engine.Run(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, final.Status)

	for _, ph := range phase.All() {
		assert.Equal(t, 1, final.Revisions[ph], "phase %s runs exactly once", ph)
		assert.Equal(t, 1, env.agents[ph].calls)
	}
	assert.Equal(t, 0, final.Counter.Global)
	require.Len(t, final.Reviews, 3, "one accepted pass per gated phase")
	for _, pass := range final.Reviews {
		assert.Equal(t, review.Accept, pass.Verdict.Decision)
	}
}

func TestUpstreamArtifactsFlowDownstream(t *testing.T) {
	env := newTestEnv(t)
	st := env.start(t)

	_, err := env.engine.Run(context.Background(), st.ID)
	require.NoError(t, err)

	codeReq := env.agents[phase.Code].requests[0]
	assert.Contains(t, codeReq.Upstream, "planning")
	assert.Contains(t, codeReq.Upstream, "design")
	assert.NotContains(t, codeReq.Upstream, "test", "later phases never leak upstream")
	assert.Equal(t, "build the widget service", codeReq.Requirements)
}

func TestSinglePhaseCorrection(t *testing.T) {
	rev := &scriptReviewer{name: "arch", script: [][]review.Finding{
		{critical("design contradicts the api contract", phase.Design)},
	}}
	env := newTestEnv(t, withReviewer(phase.DesignReview, rev))
	st := env.start(t)

	final, err := env.engine.Run(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, final.Status)

	assert.Equal(t, 1, final.Counter.Pair(phase.DesignReview, phase.Design))
	assert.Equal(t, 1, final.Counter.Global)
	assert.Equal(t, 2, final.Revisions[phase.Design], "design regenerated once")
	assert.Equal(t, 2, final.Revisions[phase.DesignReview])
	assert.Equal(t, 1, final.Revisions[phase.Planning], "planning untouched")

	// The regenerated design run received the routed feedback.
	designReqs := env.agents[phase.Design].requests
	require.Len(t, designReqs, 2)
	assert.Empty(t, designReqs[0].Feedback)
	require.Len(t, designReqs[1].Feedback, 1)
	assert.Equal(t, "design contradicts the api contract", designReqs[1].Feedback[0].Description)
}

func TestUpstreamCorrection(t *testing.T) {
	rev := &scriptReviewer{name: "arch", script: [][]review.Finding{
		{critical("requirements misread in the plan", phase.Planning)},
	}}
	env := newTestEnv(t, withReviewer(phase.DesignReview, rev))
	st := env.start(t)

	final, err := env.engine.Run(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, final.Status)

	assert.Equal(t, 1, final.Counter.Pair(phase.DesignReview, phase.Planning))
	assert.Equal(t, 2, final.Revisions[phase.Planning], "planning redone")
	assert.Equal(t, 2, final.Revisions[phase.Design], "design redone downstream of the new plan")
	require.Len(t, env.agents[phase.Planning].requests, 2)
	require.Len(t, env.agents[phase.Planning].requests[1].Feedback, 1)
}

func TestMultiplePhasesResumeAtEarliest(t *testing.T) {
	rev := &scriptReviewer{name: "sec", script: [][]review.Finding{
		{critical("secret handling broken end to end", phase.Planning, phase.Code)},
	}}
	env := newTestEnv(t, withReviewer(phase.CodeReview, rev))
	st := env.start(t)

	final, err := env.engine.Run(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, final.Status)

	assert.Equal(t, 1, final.Counter.Pair(phase.CodeReview, phase.Planning))
	assert.Equal(t, 1, final.Counter.Pair(phase.CodeReview, phase.Code))
	assert.Equal(t, 2, final.Counter.Global)

	// Both implicated phases got the finding, and the run resumed at
	// the earliest one.
	require.Len(t, env.agents[phase.Planning].requests, 2)
	require.Len(t, env.agents[phase.Planning].requests[1].Feedback, 1)
	require.Len(t, env.agents[phase.Code].requests, 2)
	require.Len(t, env.agents[phase.Code].requests[1].Feedback, 1)
}

func TestUnattributedFindingTargetsReviewedPhase(t *testing.T) {
	rev := &scriptReviewer{name: "arch", script: [][]review.Finding{
		{critical("review artifact is incoherent")}, // no attribution
	}}
	env := newTestEnv(t, withReviewer(phase.DesignReview, rev))
	st := env.start(t)

	final, err := env.engine.Run(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.Counter.Pair(phase.DesignReview, phase.DesignReview))
	assert.Equal(t, 2, final.Revisions[phase.DesignReview], "the reviewed phase itself re-runs")
}

func TestEscalationOnPairLimit(t *testing.T) {
	rev := &scriptReviewer{name: "arch", script: [][]review.Finding{
		{critical("defect one", phase.Design)},
		{critical("defect two", phase.Design)},
		{critical("defect three", phase.Design)},
	}}
	env := newTestEnv(t, withReviewer(phase.DesignReview, rev))
	st := env.start(t)

	final, err := env.engine.Run(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusEscalated, final.Status)
	require.NotNil(t, final.Escalation)
	assert.Equal(t, iteration.PairKey(phase.DesignReview, phase.Design), final.Escalation.PairKey)
	assert.Equal(t, phase.Design, final.Escalation.Phase, "suspended pointing at the blocked phase")
	assert.Equal(t, 3, final.Counter.Pair(phase.DesignReview, phase.Design))
	require.Len(t, final.Reviews, 3, "all rejected passes retained")

	// Approve clears the pair and the run finishes.
	resumed, err := env.engine.Resume(final.Escalation.Token, escalate.Approve)
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, resumed.Status)
	assert.Equal(t, 0, resumed.Counter.Pair(phase.DesignReview, phase.Design))
	assert.Equal(t, phase.Design, resumed.Current)

	final, err = env.engine.Run(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, final.Status)
}

func TestEscalationOnGlobalLimit(t *testing.T) {
	rev := &scriptReviewer{name: "arch", script: [][]review.Finding{
		{critical("defect one", phase.Design)},
		{critical("defect two", phase.Planning)},
	}}
	env := newTestEnv(t,
		withReviewer(phase.DesignReview, rev),
		withLimits(iteration.Limits{PerPair: 100, Global: 2, EscalateOnGlobal: true}),
	)
	st := env.start(t)

	final, err := env.engine.Run(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusEscalated, final.Status)
	assert.Equal(t, 2, final.Counter.Global)
}

func TestGlobalLimitDeferredPolicy(t *testing.T) {
	rev := &scriptReviewer{name: "arch", script: [][]review.Finding{
		{critical("defect one", phase.Design)},
		{critical("defect two", phase.Design)},
	}}
	env := newTestEnv(t,
		withReviewer(phase.DesignReview, rev),
		withLimits(iteration.Limits{PerPair: 5, Global: 1, EscalateOnGlobal: false}),
	)
	st := env.start(t)

	// The global limit trips on the first rejection, but under the
	// deferred policy the run keeps going until a pair also trips.
	final, err := env.engine.Run(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.Counter.Global)
}

func TestRejectForeverTerminates(t *testing.T) {
	rev := &scriptReviewer{name: "arch"}
	rev.script = make([][]review.Finding, 50)
	for i := range rev.script {
		rev.script[i] = []review.Finding{critical(fmt.Sprintf("defect %d", i), phase.Design)}
	}
	env := newTestEnv(t, withReviewer(phase.DesignReview, rev))
	st := env.start(t)

	final, err := env.engine.Run(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusEscalated, final.Status)
	assert.LessOrEqual(t, final.Counter.Global, iteration.DefaultGlobalLimit)
}

func TestAgentFailureRetriesWithBackoff(t *testing.T) {
	env := newTestEnv(t, withRetries(2))
	env.agents[phase.Design].failures = 1
	st := env.start(t)

	final, err := env.engine.Run(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, final.Status)
	assert.Equal(t, 2, env.agents[phase.Design].calls, "one failure, one successful retry")
	require.Len(t, env.slept, 1)
	assert.Equal(t, DefaultBackoff, env.slept[0])
}

func TestAgentFailureExhaustedEscalates(t *testing.T) {
	env := newTestEnv(t, withRetries(2))
	env.agents[phase.Design].failures = 99
	st := env.start(t)

	final, err := env.engine.Run(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusEscalated, final.Status)
	assert.Equal(t, 3, env.agents[phase.Design].calls, "initial try plus two retries")
	require.Len(t, env.slept, 2)
	assert.Equal(t, 2*DefaultBackoff, env.slept[1], "backoff doubles")
	require.NotNil(t, final.Escalation)
	assert.Equal(t, iteration.PairKey(phase.Design, phase.Design), final.Escalation.PairKey)

	// Approval retries the phase in place.
	resumed, err := env.engine.Resume(final.Escalation.Token, escalate.Approve)
	require.NoError(t, err)
	assert.Equal(t, phase.Design, resumed.Current)
}

func TestDegradedReviewerStillProducesVerdict(t *testing.T) {
	broken := &scriptReviewer{name: "flaky", err: errors.New("timeout")}
	fine := &scriptReviewer{name: "arch", script: [][]review.Finding{
		{{Category: "style", Severity: review.Low, Description: "naming nit"}},
	}}
	env := newTestEnv(t,
		withReviewer(phase.DesignReview, broken),
		withReviewer(phase.DesignReview, fine),
	)
	st := env.start(t)

	final, err := env.engine.Run(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, final.Status)

	var pass *run.ReviewPass
	for i := range final.Reviews {
		if final.Reviews[i].Phase == phase.DesignReview {
			pass = &final.Reviews[i]
			break
		}
	}
	require.NotNil(t, pass)
	assert.Equal(t, []string{"flaky"}, pass.Verdict.Degraded)
	assert.Equal(t, review.Accept, pass.Verdict.Decision)
}

func TestAllReviewersFailedEscalates(t *testing.T) {
	env := newTestEnv(t,
		withReviewer(phase.DesignReview, &scriptReviewer{name: "a", err: errors.New("down")}),
		withReviewer(phase.DesignReview, &scriptReviewer{name: "b", err: errors.New("down")}),
	)
	st := env.start(t)

	final, err := env.engine.Run(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusEscalated, final.Status)
	assert.Contains(t, final.Escalation.Reason, "all reviewers failed")
}

func TestAllReviewersFailedRetriesWithBackoff(t *testing.T) {
	rev := &scriptReviewer{name: "arch", err: errors.New("panel offline"), failures: 2}
	env := newTestEnv(t, withRetries(2), withReviewer(phase.DesignReview, rev))
	st := env.start(t)

	final, err := env.engine.Run(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, final.Status, "review pass recovers on retry")
	assert.Equal(t, 3, rev.calls, "two failed panels, one successful retry")
	require.Len(t, env.slept, 2)
	assert.Equal(t, DefaultBackoff, env.slept[0])
	assert.Equal(t, 2*DefaultBackoff, env.slept[1], "backoff doubles")
}

func TestResumeRejectAborts(t *testing.T) {
	env := newTestEnv(t, withRetries(0))
	env.agents[phase.Planning].failures = 99
	st := env.start(t)

	final, err := env.engine.Run(context.Background(), st.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusEscalated, final.Status)

	aborted, err := env.engine.Resume(final.Escalation.Token, escalate.Reject)
	require.NoError(t, err)
	assert.Equal(t, run.StatusAborted, aborted.Status)

	// Terminal runs no-op on further steps.
	res, err := env.engine.Step(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, "noop", res.Action)
}

func TestResumeDeferLeavesSuspended(t *testing.T) {
	env := newTestEnv(t, withRetries(0))
	env.agents[phase.Planning].failures = 99
	st := env.start(t)

	final, err := env.engine.Run(context.Background(), st.ID)
	require.NoError(t, err)
	token := final.Escalation.Token

	deferred, err := env.engine.Resume(token, escalate.Defer)
	require.NoError(t, err)
	assert.Equal(t, run.StatusEscalated, deferred.Status)

	res, err := env.engine.Step(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, "noop", res.Action)
	assert.Equal(t, token, res.Token)
}

func TestResumeUnknownToken(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Resume("no-such-token", escalate.Approve)
	assert.ErrorIs(t, err, run.ErrNotFound)
}

func TestAbortFromAnyState(t *testing.T) {
	env := newTestEnv(t)
	st := env.start(t)

	aborted, err := env.engine.Abort(st.ID, "operator cancelled")
	require.NoError(t, err)
	assert.Equal(t, run.StatusAborted, aborted.Status)

	// Aborting a terminal run is a safe no-op.
	again, err := env.engine.Abort(st.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, run.StatusAborted, again.Status)
}

func TestStepPersistsEachTransition(t *testing.T) {
	env := newTestEnv(t)
	st := env.start(t)

	res, err := env.engine.Step(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, "advanced", res.Action)

	reloaded, err := env.store.Get(st.ID)
	require.NoError(t, err)
	assert.Equal(t, phase.Design, reloaded.Current)
	assert.Equal(t, 1, reloaded.Revisions[phase.Planning])
	assert.Greater(t, reloaded.Version, st.Version)
}
