package review

import "fmt"

// Decision is the reduction of one review pass.
type Decision int

const (
	Accept Decision = iota
	ConditionalAccept
	Reject
)

var decisionNames = map[Decision]string{
	Accept:            "accept",
	ConditionalAccept: "conditional_accept",
	Reject:            "reject",
}

func (d Decision) String() string {
	if n, ok := decisionNames[d]; ok {
		return n
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Accepted reports whether the pipeline may advance past the reviewed phase.
func (d Decision) Accepted() bool {
	return d == Accept || d == ConditionalAccept
}

// MarshalText persists decisions as names.
func (d Decision) MarshalText() ([]byte, error) {
	if _, ok := decisionNames[d]; !ok {
		return nil, fmt.Errorf("cannot marshal unknown decision %d", int(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Decision) UnmarshalText(text []byte) error {
	for dec, n := range decisionNames {
		if n == string(text) {
			*d = dec
			return nil
		}
	}
	return fmt.Errorf("unknown decision %q", string(text))
}

// DefaultHighThreshold is the High-severity count at which a review pass
// flips from ConditionalAccept to Reject.
const DefaultHighThreshold = 3

// Policy is the verdict decision rule. It is pure: the same finding multiset
// always produces the same decision.
type Policy struct {
	// HighThreshold is the number of High findings that forces a Reject.
	// Zero means DefaultHighThreshold.
	HighThreshold int
}

// Decide applies the decision rule: Reject on any Critical finding or when
// High findings reach the threshold; ConditionalAccept when High findings
// exist below the threshold; Accept otherwise.
func (p Policy) Decide(findings []Finding) Decision {
	threshold := p.HighThreshold
	if threshold <= 0 {
		threshold = DefaultHighThreshold
	}

	highs := 0
	for _, f := range findings {
		switch f.Severity {
		case Critical:
			return Reject
		case High:
			highs++
		}
	}
	if highs >= threshold {
		return Reject
	}
	if highs > 0 {
		return ConditionalAccept
	}
	return Accept
}

// Verdict is the full output of one review pass: the decision, the
// deduplicated findings behind it, and the reviewers that degraded.
type Verdict struct {
	Decision Decision  `json:"decision"`
	Findings []Finding `json:"findings,omitempty"`
	Degraded []string  `json:"degraded,omitempty"`
}
