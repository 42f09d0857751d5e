package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/internal/phase"
	"github.com/conveyorhq/conveyor/internal/review"
)

func TestRouteEmpty(t *testing.T) {
	assert.Nil(t, Route(phase.DesignReview, nil))
}

func TestRouteSinglePhase(t *testing.T) {
	findings := []review.Finding{
		{Category: "consistency", Severity: review.Critical, Description: "contradicts plan",
			AffectedPhases: []phase.Phase{phase.Design}},
	}

	targets := Route(phase.DesignReview, findings)
	require.Len(t, targets, 1)
	assert.Equal(t, phase.Design, targets[0].Phase)
	assert.Len(t, targets[0].Findings, 1)
}

func TestRouteUnattributedDefaultsToReviewedPhase(t *testing.T) {
	findings := []review.Finding{
		{Category: "style", Severity: review.High, Description: "unclear wording"},
	}

	targets := Route(phase.CodeReview, findings)
	require.Len(t, targets, 1)
	assert.Equal(t, phase.CodeReview, targets[0].Phase)
}

func TestRouteMultiplePhaseDuplication(t *testing.T) {
	findings := []review.Finding{
		{Category: "consistency", Severity: review.Critical, Description: "plan and design disagree",
			AffectedPhases: []phase.Phase{phase.Planning, phase.Design}},
		{Category: "security", Severity: review.High, Description: "open endpoint",
			AffectedPhases: []phase.Phase{phase.Design}},
	}

	targets := Route(phase.DesignReview, findings)
	require.Len(t, targets, 2)

	// Total phase order: Planning before Design.
	assert.Equal(t, phase.Planning, targets[0].Phase)
	assert.Equal(t, phase.Design, targets[1].Phase)

	assert.Len(t, targets[0].Findings, 1, "multi-phase finding lands on planning")
	assert.Len(t, targets[1].Findings, 2, "multi-phase finding is duplicated into design")
}

func TestRouteEveryAttributedPhaseAppears(t *testing.T) {
	findings := []review.Finding{
		{Description: "a", Severity: review.High, AffectedPhases: []phase.Phase{phase.Code}},
		{Description: "b", Severity: review.High, AffectedPhases: []phase.Phase{phase.Planning}},
		{Description: "c", Severity: review.High},
	}

	targets := Route(phase.Test, findings)
	require.Len(t, targets, 3)

	var phases []phase.Phase
	for _, tgt := range targets {
		phases = append(phases, tgt.Phase)
	}
	assert.Equal(t, []phase.Phase{phase.Planning, phase.Code, phase.Test}, phases)
}

func TestEarliest(t *testing.T) {
	_, ok := Earliest(nil)
	assert.False(t, ok)

	targets := Route(phase.Test, []review.Finding{
		{Description: "x", Severity: review.Critical, AffectedPhases: []phase.Phase{phase.Code}},
		{Description: "y", Severity: review.Critical, AffectedPhases: []phase.Phase{phase.Planning}},
	})
	earliest, ok := Earliest(targets)
	require.True(t, ok)
	assert.Equal(t, phase.Planning, earliest)
}
