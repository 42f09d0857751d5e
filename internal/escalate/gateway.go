// Package escalate suspends runs for human review and applies the
// decisions that come back.
package escalate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/phase"
	"github.com/conveyorhq/conveyor/internal/review"
	"github.com/conveyorhq/conveyor/internal/run"
)

var (
	// ErrUnknownToken is returned when a resume token does not match
	// the run's pending escalation.
	ErrUnknownToken = fmt.Errorf("escalate: unknown token")
	// ErrNotSuspended is returned when a decision arrives for a run
	// that has no pending escalation.
	ErrNotSuspended = fmt.Errorf("escalate: run is not suspended")
)

// Decision is a human gate's answer to an escalation.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
	Defer   Decision = "defer"
)

// ParseDecision maps user input to a Decision.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case Approve, Reject, Defer:
		return Decision(s), nil
	}
	return "", fmt.Errorf("escalate: unknown decision %q (want approve, reject, or defer)", s)
}

// Notice carries everything the human gate needs to judge an escalation.
type Notice struct {
	RunID    string
	Token    string
	Phase    phase.Phase
	PairKey  string
	Reason   string
	Findings []review.Finding
}

// Notifier delivers escalation notices to whatever channel reaches a
// human. Delivery failures never lose the suspension itself.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// LogNotifier writes notices to the structured log. It is the default
// channel when no external notifier is wired in.
type LogNotifier struct {
	Log *zap.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notice) error {
	l.Log.Warn("escalation raised",
		zap.String("run", n.RunID),
		zap.String("token", n.Token),
		zap.Stringer("phase", n.Phase),
		zap.String("pair", n.PairKey),
		zap.String("reason", n.Reason),
		zap.Int("findings", len(n.Findings)),
	)
	return nil
}

// Gateway owns the suspend/resume lifecycle of a run.
type Gateway struct {
	notifier Notifier
	log      *zap.Logger
}

// NewGateway builds a gateway. A nil notifier falls back to LogNotifier.
func NewGateway(n Notifier, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	if n == nil {
		n = LogNotifier{Log: log}
	}
	return &Gateway{notifier: n, log: log}
}

// Suspend marks the run escalated, mints the resume token, and sends
// the notice. The run must be persisted by the caller afterwards.
func (g *Gateway) Suspend(ctx context.Context, st *run.RunState, ph phase.Phase, pairKey, reason string, findings []review.Finding) (string, error) {
	if st.Status.Terminal() {
		return "", fmt.Errorf("escalate: run %s already %s", st.ID, st.Status)
	}
	if st.Escalation != nil {
		return "", fmt.Errorf("escalate: run %s already suspended", st.ID)
	}

	token := uuid.NewString()
	st.Escalation = &run.Escalation{
		Token:    token,
		Phase:    ph,
		PairKey:  pairKey,
		Reason:   reason,
		RaisedAt: time.Now().UTC(),
	}
	st.Status = run.StatusEscalated
	st.Record(run.HistoryEntry{Event: "escalated", Phase: ph, Detail: reason})

	notice := Notice{RunID: st.ID, Token: token, Phase: ph, PairKey: pairKey, Reason: reason, Findings: findings}
	if err := g.notifier.Notify(ctx, notice); err != nil {
		// The suspension stands even when the notice fails to send.
		g.log.Warn("escalation notify failed", zap.String("run", st.ID), zap.Error(err))
	}
	return token, nil
}

// Resume applies a decision to a suspended run. Approve clears the
// iteration counter of the pair that triggered the escalation and puts
// the run back in motion, Reject aborts, and Defer leaves the run
// suspended. The caller persists the state.
func (g *Gateway) Resume(st *run.RunState, token string, d Decision) error {
	if st.Status != run.StatusEscalated || st.Escalation == nil {
		return fmt.Errorf("%w: run %s is %s", ErrNotSuspended, st.ID, st.Status)
	}
	if st.Escalation.Token != token {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}

	switch d {
	case Defer:
		st.Record(run.HistoryEntry{Event: "escalation_deferred", Phase: st.Escalation.Phase})
		return nil
	case Approve:
		if st.Escalation.PairKey != "" {
			st.Counter.ResetPair(st.Escalation.PairKey)
		}
		st.Record(run.HistoryEntry{Event: "escalation_approved", Phase: st.Escalation.Phase, Detail: st.Escalation.PairKey})
		st.Escalation = nil
		st.Status = run.StatusRunning
		return nil
	case Reject:
		st.Record(run.HistoryEntry{Event: "escalation_rejected", Phase: st.Escalation.Phase})
		st.Escalation = nil
		st.Status = run.StatusAborted
		return nil
	}
	return fmt.Errorf("escalate: unknown decision %q", d)
}
