// Package analytics computes aggregate statistics from the run event
// log: where pipeline time goes, how often reviews reject, and how
// runs end.
package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// PhaseDuration holds generation-time stats for a phase.
type PhaseDuration struct {
	Phase string  `json:"phase"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// QueryPhaseDurations returns average and percentile agent durations per
// phase, from the recorded artifact generation events.
func QueryPhaseDurations(database DB, since string) ([]PhaseDuration, error) {
	query := `
		SELECT phase, duration_ms
		FROM run_events
		WHERE event = 'artifact_generated' AND duration_ms > 0`

	args := []interface{}{}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query phase durations: %w", err)
	}
	defer rows.Close()

	phaseDurations := make(map[string][]float64)
	for rows.Next() {
		var phase string
		var ms int
		if err := rows.Scan(&phase, &ms); err != nil {
			return nil, fmt.Errorf("scan phase duration: %w", err)
		}
		phaseDurations[phase] = append(phaseDurations[phase], float64(ms)/1000)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []PhaseDuration
	for phase, durations := range phaseDurations {
		sort.Float64s(durations)
		results = append(results, PhaseDuration{
			Phase: phase,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Phase < results[j].Phase
	})
	return results, nil
}

// RejectionRate holds review outcome stats for one gated phase.
type RejectionRate struct {
	Phase       string  `json:"phase"`
	Total       int     `json:"total"`
	AcceptPct   float64 `json:"accept_pct"`
	CondPct     float64 `json:"conditional_pct"`
	RejectPct   float64 `json:"reject_pct"`
	FirstPass   float64 `json:"first_pass_accept_pct"`
	AvgFindings float64 `json:"avg_findings"`
}

// QueryRejectionRates returns per-phase review outcome distribution and
// the share of passes where the first revision was accepted outright.
func QueryRejectionRates(database DB, since string) ([]RejectionRate, error) {
	query := `
		SELECT phase,
			COUNT(*) as total,
			SUM(CASE WHEN decision = 'accept' THEN 1 ELSE 0 END) as accepts,
			SUM(CASE WHEN decision = 'conditional_accept' THEN 1 ELSE 0 END) as conditionals,
			SUM(CASE WHEN decision = 'reject' THEN 1 ELSE 0 END) as rejects,
			SUM(CASE WHEN revision = 1 AND decision != 'reject' THEN 1 ELSE 0 END) as first_pass,
			AVG(finding_count) as avg_findings
		FROM review_passes`

	args := []interface{}{}
	if since != "" {
		query += ` WHERE timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY phase ORDER BY phase`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rejection rates: %w", err)
	}
	defer rows.Close()

	var results []RejectionRate
	for rows.Next() {
		var phase string
		var total, accepts, conditionals, rejects, firstPass int
		var avgFindings sql.NullFloat64
		if err := rows.Scan(&phase, &total, &accepts, &conditionals, &rejects, &firstPass, &avgFindings); err != nil {
			return nil, fmt.Errorf("scan rejection rate: %w", err)
		}
		results = append(results, RejectionRate{
			Phase:       phase,
			Total:       total,
			AcceptPct:   pct(accepts, total),
			CondPct:     pct(conditionals, total),
			RejectPct:   pct(rejects, total),
			FirstPass:   pct(firstPass, total),
			AvgFindings: math.Round(avgFindings.Float64*10) / 10,
		})
	}
	return results, rows.Err()
}

// Throughput holds run outcomes for a time period.
type Throughput struct {
	Period    string `json:"period"`
	Created   int    `json:"created"`
	Completed int    `json:"completed"`
	Aborted   int    `json:"aborted"`
	Escalated int    `json:"escalated"`
}

// QueryThroughput returns run outcome counts grouped by week.
func QueryThroughput(database DB, since string) ([]Throughput, error) {
	query := `
		SELECT
			strftime('%Y-W%W', timestamp) as period,
			SUM(CASE WHEN event = 'run_created' THEN 1 ELSE 0 END) as created,
			SUM(CASE WHEN event = 'completed' THEN 1 ELSE 0 END) as completed,
			SUM(CASE WHEN event = 'aborted' THEN 1 ELSE 0 END) as aborted,
			SUM(CASE WHEN event = 'escalated' THEN 1 ELSE 0 END) as escalated
		FROM run_events
		WHERE event IN ('run_created', 'completed', 'aborted', 'escalated')`

	args := []interface{}{}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY period ORDER BY period DESC LIMIT 10`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query throughput: %w", err)
	}
	defer rows.Close()

	var results []Throughput
	for rows.Next() {
		var tp Throughput
		if err := rows.Scan(&tp.Period, &tp.Created, &tp.Completed, &tp.Aborted, &tp.Escalated); err != nil {
			return nil, fmt.Errorf("scan throughput: %w", err)
		}
		results = append(results, tp)
	}
	return results, rows.Err()
}

// EscalationStat holds escalation outcomes per phase.
type EscalationStat struct {
	Phase      string  `json:"phase"`
	Total      int     `json:"total"`
	Approved   int     `json:"approved"`
	Rejected   int     `json:"rejected"`
	Unresolved int     `json:"unresolved"`
	ApprovePct float64 `json:"approve_pct"`
}

// QueryEscalations returns how escalations were resolved, per phase.
func QueryEscalations(database DB, since string) ([]EscalationStat, error) {
	query := `
		SELECT phase,
			COUNT(*) as total,
			SUM(CASE WHEN decision = 'approve' THEN 1 ELSE 0 END) as approved,
			SUM(CASE WHEN decision = 'reject' THEN 1 ELSE 0 END) as rejected,
			SUM(CASE WHEN decision IS NULL OR decision = '' OR decision = 'defer' THEN 1 ELSE 0 END) as unresolved
		FROM escalations`

	args := []interface{}{}
	if since != "" {
		query += ` WHERE raised_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY phase ORDER BY phase`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	var results []EscalationStat
	for rows.Next() {
		var es EscalationStat
		if err := rows.Scan(&es.Phase, &es.Total, &es.Approved, &es.Rejected, &es.Unresolved); err != nil {
			return nil, fmt.Errorf("scan escalation stat: %w", err)
		}
		es.ApprovePct = pct(es.Approved, es.Total)
		results = append(results, es)
	}
	return results, rows.Err()
}

// TimelineEvent holds a single event for the run-detail view.
type TimelineEvent struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Event     string `json:"event"`
	Phase     string `json:"phase,omitempty"`
	Revision  int    `json:"revision,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// QueryRunTimeline returns the merged event timeline for one run.
func QueryRunTimeline(database DB, runID string) ([]TimelineEvent, error) {
	var results []TimelineEvent

	reRows, err := database.Conn().Query(
		`SELECT timestamp, event, phase, revision, detail
		 FROM run_events WHERE run_id = ? ORDER BY timestamp, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query run events: %w", err)
	}
	defer reRows.Close()

	for reRows.Next() {
		var e TimelineEvent
		var phase, detail sql.NullString
		var revision sql.NullInt64
		if err := reRows.Scan(&e.Timestamp, &e.Event, &phase, &revision, &detail); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		e.Type = "run"
		e.Phase = phase.String
		e.Revision = int(revision.Int64)
		e.Detail = detail.String
		results = append(results, e)
	}
	if err := reRows.Err(); err != nil {
		return nil, err
	}

	rpRows, err := database.Conn().Query(
		`SELECT timestamp, phase, revision, decision, finding_count, degraded
		 FROM review_passes WHERE run_id = ? ORDER BY timestamp, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query review passes: %w", err)
	}
	defer rpRows.Close()

	for rpRows.Next() {
		var ts, phase, decision string
		var revision, findingCount int
		var degraded sql.NullString
		if err := rpRows.Scan(&ts, &phase, &revision, &decision, &findingCount, &degraded); err != nil {
			return nil, fmt.Errorf("scan review pass: %w", err)
		}
		detail := fmt.Sprintf("%s (%d findings)", decision, findingCount)
		if degraded.Valid && degraded.String != "" {
			detail += fmt.Sprintf(", degraded: %s", degraded.String)
		}
		results = append(results, TimelineEvent{
			Timestamp: ts,
			Type:      "review",
			Event:     decision,
			Phase:     phase,
			Revision:  revision,
			Detail:    detail,
		})
	}
	if err := rpRows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp < results[j].Timestamp
	})
	return results, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
