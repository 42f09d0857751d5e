package events

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/conveyorhq/conveyor/internal/phase"
	"github.com/conveyorhq/conveyor/internal/review"
)

// RunEvent represents a row in the run_events table.
type RunEvent struct {
	ID         int
	RunID      string
	Event      string
	Phase      string
	Revision   int
	Detail     string
	DurationMs int
	Timestamp  string
}

// ReviewRow represents a row in the review_passes table.
type ReviewRow struct {
	ID           int
	RunID        string
	Phase        string
	Revision     int
	Decision     string
	FindingCount int
	Criticals    int
	Highs        int
	Degraded     string
	DurationMs   int
	Timestamp    string
}

// EscalationRow represents a row in the escalations table.
type EscalationRow struct {
	ID         int
	RunID      string
	Token      string
	Phase      string
	PairKey    string
	Reason     string
	Decision   string
	RaisedAt   string
	ResolvedAt string
}

// LogRunEvent inserts a run event.
func (d *DB) LogRunEvent(runID, event string, ph phase.Phase, revision int, detail string, durationMs int) error {
	_, err := d.conn.Exec(
		`INSERT INTO run_events (run_id, event, phase, revision, detail, duration_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, event, ph.String(), revision, detail, durationMs,
	)
	if err != nil {
		return fmt.Errorf("log run event: %w", err)
	}
	return nil
}

// LogReviewPass records the outcome of one gated phase review.
func (d *DB) LogReviewPass(runID string, ph phase.Phase, revision int, v review.Verdict, durationMs int) error {
	criticals, highs := 0, 0
	for _, f := range v.Findings {
		switch f.Severity {
		case review.Critical:
			criticals++
		case review.High:
			highs++
		}
	}
	_, err := d.conn.Exec(
		`INSERT INTO review_passes (run_id, phase, revision, decision, finding_count, criticals, highs, degraded, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, ph.String(), revision, v.Decision.String(), len(v.Findings), criticals, highs,
		strings.Join(v.Degraded, ","), durationMs,
	)
	if err != nil {
		return fmt.Errorf("log review pass: %w", err)
	}
	return nil
}

// LogEscalation records a raised escalation.
func (d *DB) LogEscalation(runID, token string, ph phase.Phase, pairKey, reason string) error {
	_, err := d.conn.Exec(
		`INSERT INTO escalations (run_id, token, phase, pair_key, reason) VALUES (?, ?, ?, ?, ?)`,
		runID, token, ph.String(), pairKey, reason,
	)
	if err != nil {
		return fmt.Errorf("log escalation: %w", err)
	}
	return nil
}

// ResolveEscalation marks an escalation resolved with the gate decision.
func (d *DB) ResolveEscalation(token, decision string) error {
	_, err := d.conn.Exec(
		`UPDATE escalations SET decision = ?, resolved_at = datetime('now') WHERE token = ?`,
		decision, token,
	)
	if err != nil {
		return fmt.Errorf("resolve escalation: %w", err)
	}
	return nil
}

// GetRunEvents returns all events for a run in insertion order.
func (d *DB) GetRunEvents(runID string) ([]RunEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, event, phase, revision, detail, duration_ms, timestamp
		 FROM run_events WHERE run_id = ? ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get run events: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		var ph, detail sql.NullString
		var rev, dur sql.NullInt64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Event, &ph, &rev, &detail, &dur, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		e.Phase = ph.String
		e.Detail = detail.String
		e.Revision = int(rev.Int64)
		e.DurationMs = int(dur.Int64)
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetReviewPasses returns all review rows for a run, oldest first.
func (d *DB) GetReviewPasses(runID string) ([]ReviewRow, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, phase, revision, decision, finding_count, criticals, highs, degraded, duration_ms, timestamp
		 FROM review_passes WHERE run_id = ? ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get review passes: %w", err)
	}
	defer rows.Close()

	var passes []ReviewRow
	for rows.Next() {
		var r ReviewRow
		var degraded sql.NullString
		var dur sql.NullInt64
		if err := rows.Scan(&r.ID, &r.RunID, &r.Phase, &r.Revision, &r.Decision, &r.FindingCount,
			&r.Criticals, &r.Highs, &degraded, &dur, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan review pass: %w", err)
		}
		r.Degraded = degraded.String
		r.DurationMs = int(dur.Int64)
		passes = append(passes, r)
	}
	return passes, rows.Err()
}

// GetEscalations returns all escalations for a run, oldest first.
func (d *DB) GetEscalations(runID string) ([]EscalationRow, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, token, phase, pair_key, reason, decision, raised_at, resolved_at
		 FROM escalations WHERE run_id = ? ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get escalations: %w", err)
	}
	defer rows.Close()

	var escalations []EscalationRow
	for rows.Next() {
		var e EscalationRow
		var pairKey, reason, decision, resolvedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Token, &e.Phase, &pairKey, &reason, &decision, &e.RaisedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		e.PairKey = pairKey.String
		e.Reason = reason.String
		e.Decision = decision.String
		e.ResolvedAt = resolvedAt.String
		escalations = append(escalations, e)
	}
	return escalations, rows.Err()
}
