package events

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/internal/phase"
	"github.com/conveyorhq/conveyor/internal/review"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "conveyor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Migrate())
	return d
}

func TestMigrateIdempotent(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.Migrate())
	require.NoError(t, d.Migrate())
}

func TestRunEventsRoundTrip(t *testing.T) {
	d := openTestDB(t)

	require.NoError(t, d.LogRunEvent("r1", "phase_started", phase.Planning, 1, "", 0))
	require.NoError(t, d.LogRunEvent("r1", "phase_completed", phase.Planning, 1, "", 1200))
	require.NoError(t, d.LogRunEvent("r2", "phase_started", phase.Planning, 1, "", 0))

	got, err := d.GetRunEvents("r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "phase_started", got[0].Event)
	assert.Equal(t, "planning", got[0].Phase)
	assert.Equal(t, "phase_completed", got[1].Event)
	assert.Equal(t, 1200, got[1].DurationMs)
}

func TestReviewPassCounts(t *testing.T) {
	d := openTestDB(t)

	v := review.Verdict{
		Decision: review.Reject,
		Findings: []review.Finding{
			{Category: "security", Severity: review.Critical, Description: "a"},
			{Category: "security", Severity: review.High, Description: "b"},
			{Category: "style", Severity: review.Low, Description: "c"},
		},
		Degraded: []string{"slow-reviewer"},
	}
	require.NoError(t, d.LogReviewPass("r1", phase.CodeReview, 2, v, 900))

	passes, err := d.GetReviewPasses("r1")
	require.NoError(t, err)
	require.Len(t, passes, 1)
	p := passes[0]
	assert.Equal(t, "code_review", p.Phase)
	assert.Equal(t, 2, p.Revision)
	assert.Equal(t, "reject", p.Decision)
	assert.Equal(t, 3, p.FindingCount)
	assert.Equal(t, 1, p.Criticals)
	assert.Equal(t, 1, p.Highs)
	assert.Equal(t, "slow-reviewer", p.Degraded)
}

func TestEscalationLifecycle(t *testing.T) {
	d := openTestDB(t)

	require.NoError(t, d.LogEscalation("r1", "tok-1", phase.Design, "design_review->design", "per-pair limit reached"))

	escs, err := d.GetEscalations("r1")
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Empty(t, escs[0].Decision)
	assert.Empty(t, escs[0].ResolvedAt)

	require.NoError(t, d.ResolveEscalation("tok-1", "approve"))

	escs, err = d.GetEscalations("r1")
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Equal(t, "approve", escs[0].Decision)
	assert.NotEmpty(t, escs[0].ResolvedAt)
}

func TestDuplicateTokenRejected(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.LogEscalation("r1", "tok-1", phase.Design, "", ""))
	assert.Error(t, d.LogEscalation("r2", "tok-1", phase.Code, "", ""))
}

func TestReset(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.LogRunEvent("r1", "phase_started", phase.Planning, 1, "", 0))
	require.NoError(t, d.Reset())

	got, err := d.GetRunEvents("r1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
