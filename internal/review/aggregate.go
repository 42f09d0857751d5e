package review

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conveyorhq/conveyor/internal/phase"
)

// Snapshot is the immutable artifact view handed to reviewers. Reviewers
// never see live run state.
type Snapshot struct {
	RunID    string      `json:"run_id"`
	Phase    phase.Phase `json:"phase"`
	Revision int         `json:"revision"`
	Payload  []byte      `json:"payload"`
}

// Reviewer judges one artifact snapshot and reports findings. It must be
// safe to call concurrently with other reviewers against the same snapshot.
type Reviewer interface {
	Name() string
	Review(ctx context.Context, snap Snapshot) ([]Finding, error)
}

// ErrAllReviewersFailed is returned when every configured reviewer errored
// or timed out, which the engine treats as an execution error rather than a
// quality verdict.
type ErrAllReviewersFailed struct {
	Phase    phase.Phase
	Degraded []string
}

func (e *ErrAllReviewersFailed) Error() string {
	return fmt.Sprintf("all %d reviewers failed for phase %s", len(e.Degraded), e.Phase)
}

// DefaultReviewerTimeout bounds a single reviewer invocation.
const DefaultReviewerTimeout = 2 * time.Minute

// Aggregator fans out to all configured reviewers in parallel, joins, and
// reduces their findings into one verdict.
type Aggregator struct {
	policy  Policy
	timeout time.Duration
}

// NewAggregator creates an Aggregator. A non-positive timeout falls back to
// DefaultReviewerTimeout.
func NewAggregator(policy Policy, timeout time.Duration) *Aggregator {
	if timeout <= 0 {
		timeout = DefaultReviewerTimeout
	}
	return &Aggregator{policy: policy, timeout: timeout}
}

// Aggregate runs every reviewer against the same snapshot, each under an
// independent timeout. A reviewer that errors or times out contributes zero
// findings and is recorded as degraded; only all reviewers failing is an
// error. The returned verdict is a pure function of the multiset of
// reviewer outputs: completion order never changes the result.
func (a *Aggregator) Aggregate(ctx context.Context, snap Snapshot, reviewers []Reviewer) (*Verdict, error) {
	if len(reviewers) == 0 {
		return &Verdict{Decision: Accept}, nil
	}

	type outcome struct {
		findings []Finding
		err      error
	}
	outcomes := make([]outcome, len(reviewers))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range reviewers {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, a.timeout)
			defer cancel()
			findings, err := r.Review(rctx, snap)
			// Degradation is recorded, never propagated: one slow or broken
			// reviewer must not cancel its peers.
			outcomes[i] = outcome{findings: findings, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var (
		collected []Finding
		degraded  []string
	)
	for i, r := range reviewers {
		if outcomes[i].err != nil {
			degraded = append(degraded, r.Name())
			continue
		}
		for _, f := range outcomes[i].findings {
			if f.Reviewer == "" {
				f.Reviewer = r.Name()
			}
			collected = append(collected, normalizeAttribution(f, snap.Phase))
		}
	}

	if len(degraded) == len(reviewers) {
		return nil, &ErrAllReviewersFailed{Phase: snap.Phase, Degraded: degraded}
	}

	merged := Dedupe(collected)
	return &Verdict{
		Decision: a.policy.Decide(merged),
		Findings: merged,
		Degraded: degraded,
	}, nil
}

// normalizeAttribution enforces the attribution invariant: a reviewer cannot
// blame a phase that has not yet run. Later-phase attributions are dropped;
// a finding left with no valid attribution becomes unattributed and is later
// defaulted to the phase under review.
func normalizeAttribution(f Finding, reviewed phase.Phase) Finding {
	if len(f.AffectedPhases) == 0 {
		return f
	}
	kept := f.AffectedPhases[:0:0]
	for _, p := range f.AffectedPhases {
		if p.Valid() && !reviewed.Before(p) {
			kept = append(kept, p)
		}
	}
	f.AffectedPhases = kept
	return f
}
