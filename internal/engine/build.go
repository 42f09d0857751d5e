package engine

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/agent"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/escalate"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/phase"
	"github.com/conveyorhq/conveyor/internal/review"
	"github.com/conveyorhq/conveyor/internal/run"
)

// timedReviewer caps one reviewer with its own configured timeout,
// independent of the panel-wide bound.
type timedReviewer struct {
	inner   review.Reviewer
	timeout time.Duration
}

func (t timedReviewer) Name() string { return t.inner.Name() }

func (t timedReviewer) Review(ctx context.Context, snap review.Snapshot) ([]review.Finding, error) {
	rctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Review(rctx, snap)
}

// FromConfig assembles a ready-to-run Engine with command-backed
// agents and reviewers from a validated pipeline config.
func FromConfig(cfg *config.Pipeline, store *run.Store, db *events.DB, notifier escalate.Notifier, log *zap.Logger, progress io.Writer) *Engine {
	if log == nil {
		log = zap.NewNop()
	}

	agents := make(map[phase.Phase]agent.Agent)
	timeouts := make(map[phase.Phase]time.Duration)
	for _, ph := range phase.All() {
		a, ok := cfg.AgentFor(ph)
		if !ok {
			continue
		}
		agents[ph] = agent.NewCommandAgent(ph.String(), cfg.Workdir, a.Command)
		timeouts[ph] = cfg.Timeout(a.Timeout, DefaultAgentTimeout)
	}

	reviewers := make(map[phase.Phase][]review.Reviewer)
	panelBound := review.DefaultReviewerTimeout
	for _, ph := range phase.All() {
		if !ph.Gated() {
			continue
		}
		for _, rc := range cfg.ReviewersFor(ph) {
			var r review.Reviewer = agent.NewCommandReviewer(rc.Name, cfg.Workdir, rc.Command)
			if rc.Timeout != "" {
				d := cfg.Timeout(rc.Timeout, review.DefaultReviewerTimeout)
				r = timedReviewer{inner: r, timeout: d}
				// The panel-wide bound must not cut short a reviewer
				// that was explicitly allowed more time.
				if d > panelBound {
					panelBound = d
				}
			}
			reviewers[ph] = append(reviewers[ph], r)
		}
	}

	return New(Options{
		Store:           store,
		Events:          db,
		Gateway:         escalate.NewGateway(notifier, log),
		Agents:          agents,
		Reviewers:       reviewers,
		Policy:          cfg.VerdictPolicy(),
		Limits:          cfg.IterationLimits(),
		Retries:         cfg.Retries(),
		AgentTimeouts:   timeouts,
		ReviewerTimeout: panelBound,
		Logger:          log,
		Progress:        progress,
	})
}
