// Package router classifies rejection findings by the phase that introduced
// them and decides which upstream phases must be re-invoked.
package router

import (
	"sort"

	"github.com/conveyorhq/conveyor/internal/phase"
	"github.com/conveyorhq/conveyor/internal/review"
)

// Target pairs a phase to re-invoke with the findings attributed to it.
type Target struct {
	Phase    phase.Phase      `json:"phase"`
	Findings []review.Finding `json:"findings"`
}

// Route groups the findings of a Reject verdict by target phase.
//
// Findings attributed to multiple phases are duplicated into every
// implicated target's list; unattributed findings default to the phase under
// review. Targets come back in total phase order, since the engine always
// resumes at the earliest implicated phase.
func Route(reviewed phase.Phase, findings []review.Finding) []Target {
	if len(findings) == 0 {
		return nil
	}

	byPhase := make(map[phase.Phase][]review.Finding)
	for _, f := range findings {
		phases := f.AffectedPhases
		if len(phases) == 0 {
			phases = []phase.Phase{reviewed}
		}
		for _, p := range phases {
			byPhase[p] = append(byPhase[p], f)
		}
	}

	targets := make([]Target, 0, len(byPhase))
	for p, fs := range byPhase {
		targets = append(targets, Target{Phase: p, Findings: fs})
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].Phase.Before(targets[j].Phase)
	})
	return targets
}

// Earliest returns the lowest-order target phase, where the engine resumes.
// It assumes targets came from Route and are already ordered.
func Earliest(targets []Target) (phase.Phase, bool) {
	if len(targets) == 0 {
		return 0, false
	}
	return targets[0].Phase, true
}
