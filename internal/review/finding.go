// Package review defines the finding and verdict model for gated phases and
// the aggregator that fans out to concurrent reviewers and reduces their
// output into a single verdict.
package review

import (
	"fmt"
	"strings"

	"github.com/conveyorhq/conveyor/internal/phase"
)

// Severity ranks a finding. The set is closed so verdict logic stays
// exhaustive; categories are an open string set.
type Severity int

const (
	Low Severity = iota
	Medium
	High
	Critical
)

var severityNames = map[Severity]string{
	Low:      "low",
	Medium:   "medium",
	High:     "high",
	Critical: "critical",
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityNames[s]
	return ok
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity resolves a severity name from reviewer output or config.
func ParseSeverity(name string) (Severity, error) {
	for s, n := range severityNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", name)
}

// MarshalText persists severities as names.
func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal unknown severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Finding is one defect or observation reported by one reviewer against one
// artifact revision.
//
// AffectedPhases carries the attribution: empty means unattributed (the
// engine defaults it to the phase under review), one entry blames a single
// phase, more than one blames multiple phases.
type Finding struct {
	ID             string        `json:"id,omitempty"`
	Category       string        `json:"category"`
	Severity       Severity      `json:"severity"`
	Description    string        `json:"description"`
	Evidence       []string      `json:"evidence,omitempty"`
	AffectedPhases []phase.Phase `json:"affected_phases,omitempty"`
	Reviewer       string        `json:"reviewer,omitempty"`
}

// Unattributed reports whether the finding carries no phase attribution.
func (f Finding) Unattributed() bool {
	return len(f.AffectedPhases) == 0
}

// descPrefixRunes is the normalized-description window used for the dedupe
// fingerprint. Two findings within the same category, severity, and
// attribution whose descriptions agree on this prefix are the same defect.
const descPrefixRunes = 64

// fingerprint returns the dedupe identity of a finding. It is a pure
// function of the finding's fields, so the reduction is commutative across
// reviewer completion orders.
func (f Finding) fingerprint() string {
	var sb strings.Builder
	sb.WriteString(f.Category)
	sb.WriteByte('|')
	sb.WriteString(f.Severity.String())
	sb.WriteByte('|')
	for _, p := range f.AffectedPhases {
		sb.WriteString(p.String())
		sb.WriteByte(',')
	}
	sb.WriteByte('|')
	sb.WriteString(normalizeDescription(f.Description))
	return sb.String()
}

// normalizeDescription lowercases, collapses whitespace, and truncates to the
// fingerprint window.
func normalizeDescription(desc string) string {
	fields := strings.Fields(strings.ToLower(desc))
	joined := strings.Join(fields, " ")
	runes := []rune(joined)
	if len(runes) > descPrefixRunes {
		runes = runes[:descPrefixRunes]
	}
	return string(runes)
}
