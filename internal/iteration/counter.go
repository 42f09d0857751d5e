// Package iteration tracks per-phase-pair and global retry counters and
// decides when the automated path is exhausted.
package iteration

import (
	"fmt"

	"github.com/conveyorhq/conveyor/internal/phase"
)

// Default limits for the automated correction loop.
const (
	DefaultPerPairLimit = 3
	DefaultGlobalLimit  = 10
)

// Limits configures when retries stop. Exceeding a limit is terminal for
// the automated path; the engine escalates, it never silently drops.
type Limits struct {
	// PerPair caps attempts for one (originating, target) phase pair.
	PerPair int
	// Global caps total attempts across the run.
	Global int
	// EscalateOnGlobal escalates as soon as the global limit trips, even
	// while every pair is still under its own limit. When false, the run
	// continues until some pair also trips.
	EscalateOnGlobal bool
}

// DefaultLimits returns the stock policy: 3 per pair, 10 global, immediate
// escalation on either.
func DefaultLimits() Limits {
	return Limits{
		PerPair:          DefaultPerPairLimit,
		Global:           DefaultGlobalLimit,
		EscalateOnGlobal: true,
	}
}

func (l Limits) perPair() int {
	if l.PerPair > 0 {
		return l.PerPair
	}
	return DefaultPerPairLimit
}

func (l Limits) global() int {
	if l.Global > 0 {
		return l.Global
	}
	return DefaultGlobalLimit
}

// Exceeded is the pure limit check: given the counts returned by
// RecordAttempt, it reports whether the automated path is exhausted.
func (l Limits) Exceeded(pairCount, globalCount int) bool {
	if pairCount >= l.perPair() {
		return true
	}
	if l.EscalateOnGlobal && globalCount >= l.global() {
		return true
	}
	return false
}

// PairKey names a (originating, target) phase pair for persistence and the
// event log.
func PairKey(originating, target phase.Phase) string {
	return fmt.Sprintf("%s->%s", originating, target)
}

// Counter holds a run's attempt counts. Counts never decrease over a run's
// automated life; the only reset is the escalation gateway clearing the one
// pair that triggered an approved escalation.
type Counter struct {
	Pairs  map[string]int `json:"pairs,omitempty"`
	Global int            `json:"global"`
}

// NewCounter returns an empty counter.
func NewCounter() *Counter {
	return &Counter{Pairs: make(map[string]int)}
}

// RecordAttempt increments the pair counter and the global counter and
// returns the new counts. The engine calls it exactly once per target phase
// per rejection.
func (c *Counter) RecordAttempt(originating, target phase.Phase) (pairCount, globalCount int) {
	if c.Pairs == nil {
		c.Pairs = make(map[string]int)
	}
	key := PairKey(originating, target)
	c.Pairs[key]++
	c.Global++
	return c.Pairs[key], c.Global
}

// Pair returns the current count for one pair.
func (c *Counter) Pair(originating, target phase.Phase) int {
	return c.Pairs[PairKey(originating, target)]
}

// ResetPair clears a single pair counter. Used only when a human approves
// an escalation; the global counter is never reset.
func (c *Counter) ResetPair(key string) {
	delete(c.Pairs, key)
}

// Clone returns an independent copy, so collaborators can receive counter
// snapshots without aliasing live run state.
func (c *Counter) Clone() *Counter {
	out := &Counter{Global: c.Global, Pairs: make(map[string]int, len(c.Pairs))}
	for k, v := range c.Pairs {
		out.Pairs[k] = v
	}
	return out
}
