// Package run holds the run-state aggregate and its on-disk store. The
// engine is the only writer; every other component sees snapshots.
package run

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/conveyorhq/conveyor/internal/iteration"
	"github.com/conveyorhq/conveyor/internal/phase"
	"github.com/conveyorhq/conveyor/internal/review"
)

// Status is the overall state of a run.
type Status string

const (
	StatusRunning        Status = "running"
	StatusAwaitingReview Status = "awaiting_review"
	StatusEscalated      Status = "escalated"
	StatusCompleted      Status = "completed"
	StatusAborted        Status = "aborted"
)

// Terminal reports whether no further automated transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// Artifact is the immutable, versioned output of one phase invocation.
// Regeneration after rejection supersedes it with a higher revision; prior
// revisions are retained on disk for the life of the run.
type Artifact struct {
	RunID     string      `json:"run_id"`
	Phase     phase.Phase `json:"phase"`
	Revision  int         `json:"revision"`
	Payload   []byte      `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

// Snapshot returns the immutable view reviewers receive.
func (a Artifact) Snapshot() review.Snapshot {
	payload := make([]byte, len(a.Payload))
	copy(payload, a.Payload)
	return review.Snapshot{
		RunID:    a.RunID,
		Phase:    a.Phase,
		Revision: a.Revision,
		Payload:  payload,
	}
}

// ReviewPass records one completed review of one artifact revision.
type ReviewPass struct {
	Phase    phase.Phase    `json:"phase"`
	Revision int            `json:"revision"`
	Verdict  review.Verdict `json:"verdict"`
	At       time.Time      `json:"at"`
}

// HistoryEntry is one recorded state transition. The full history plus the
// iteration counters is enough to reconstruct why a run ended where it did.
type HistoryEntry struct {
	Event     string        `json:"event"`
	Phase     phase.Phase   `json:"phase"`
	Revision  int           `json:"revision,omitempty"`
	Decision  string        `json:"decision,omitempty"`
	Targets   []phase.Phase `json:"targets,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	ElapsedMs int64         `json:"elapsed_ms,omitempty"`
	At        time.Time     `json:"at"`
}

// Escalation describes a suspension awaiting a human decision.
type Escalation struct {
	Token    string      `json:"token"`
	Phase    phase.Phase `json:"phase"`
	PairKey  string      `json:"pair_key"`
	Reason   string      `json:"reason"`
	RaisedAt time.Time   `json:"raised_at"`
}

// RunState is the aggregate root for one pipeline run.
type RunState struct {
	ID           string `json:"id"`
	Requirements string `json:"requirements"`
	Status       Status `json:"status"`

	// Current is the phase the next automated step will execute.
	Current phase.Phase `json:"current"`

	// Version supports the store's optimistic commit check. It increments
	// on every committed step.
	Version int `json:"version"`

	// Revisions tracks the latest artifact revision per phase; Artifacts
	// holds the latest revision itself. Superseded revisions stay on disk.
	Revisions map[phase.Phase]int      `json:"revisions,omitempty"`
	Artifacts map[phase.Phase]Artifact `json:"artifacts,omitempty"`

	// Feedback accumulates routed findings awaiting each phase's next
	// invocation. Consumed (cleared) when the phase regenerates.
	Feedback map[phase.Phase][]review.Finding `json:"feedback,omitempty"`

	Counter    *iteration.Counter `json:"counter"`
	Reviews    []ReviewPass       `json:"reviews,omitempty"`
	History    []HistoryEntry     `json:"history,omitempty"`
	Escalation *Escalation        `json:"escalation,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRunState creates a fresh run at the first phase.
func NewRunState(requirements string) *RunState {
	now := time.Now().UTC()
	return &RunState{
		ID:           ulid.Make().String(),
		Requirements: requirements,
		Status:       StatusRunning,
		Current:      phase.Planning,
		Revisions:    make(map[phase.Phase]int),
		Artifacts:    make(map[phase.Phase]Artifact),
		Feedback:     make(map[phase.Phase][]review.Finding),
		Counter:      iteration.NewCounter(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// normalize restores the maps the JSON layer drops when empty. A fresh
// run serializes with no artifacts or feedback; the loaded state must
// still be writable without nil-map checks at every call site.
func (r *RunState) normalize() {
	if r.Revisions == nil {
		r.Revisions = make(map[phase.Phase]int)
	}
	if r.Artifacts == nil {
		r.Artifacts = make(map[phase.Phase]Artifact)
	}
	if r.Feedback == nil {
		r.Feedback = make(map[phase.Phase][]review.Finding)
	}
	if r.Counter == nil {
		r.Counter = iteration.NewCounter()
	}
}

// NextRevision bumps and returns the revision counter for a phase.
func (r *RunState) NextRevision(p phase.Phase) int {
	if r.Revisions == nil {
		r.Revisions = make(map[phase.Phase]int)
	}
	r.Revisions[p]++
	return r.Revisions[p]
}

// Record appends a history entry stamped with the current time.
func (r *RunState) Record(e HistoryEntry) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	r.History = append(r.History, e)
}

// PendingFeedback returns and clears the feedback queued for a phase.
func (r *RunState) PendingFeedback(p phase.Phase) []review.Finding {
	fb := r.Feedback[p]
	delete(r.Feedback, p)
	return fb
}

// QueueFeedback appends routed findings for a phase's next invocation.
func (r *RunState) QueueFeedback(p phase.Phase, findings []review.Finding) {
	if len(findings) == 0 {
		return
	}
	if r.Feedback == nil {
		r.Feedback = make(map[phase.Phase][]review.Finding)
	}
	r.Feedback[p] = append(r.Feedback[p], findings...)
}
