// Package phase defines the pipeline's phase identifiers and their fixed
// total order. The order is a compile-time property; configuration selects
// reviewer sets and limits, never the sequence itself.
package phase

import "fmt"

// Phase is one ordered step of the pipeline.
type Phase int

const (
	Planning Phase = iota
	Design
	DesignReview
	Code
	CodeReview
	Test
	Postmortem
)

var names = map[Phase]string{
	Planning:     "planning",
	Design:       "design",
	DesignReview: "design_review",
	Code:         "code",
	CodeReview:   "code_review",
	Test:         "test",
	Postmortem:   "postmortem",
}

var byName = map[string]Phase{}

func init() {
	for p, n := range names {
		byName[n] = p
	}
}

// All returns every phase in execution order.
func All() []Phase {
	return []Phase{Planning, Design, DesignReview, Code, CodeReview, Test, Postmortem}
}

// Gated reports whether a phase's output must pass review before the
// pipeline advances past it.
func (p Phase) Gated() bool {
	switch p {
	case DesignReview, CodeReview, Test:
		return true
	}
	return false
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := names[p]
	return ok
}

func (p Phase) String() string {
	if n, ok := names[p]; ok {
		return n
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Next returns the phase after p in total order. ok is false when p is the
// last phase or unknown.
func (p Phase) Next() (next Phase, ok bool) {
	if !p.Valid() || p == Postmortem {
		return 0, false
	}
	return p + 1, true
}

// Before reports whether p runs strictly earlier than q.
func (p Phase) Before(q Phase) bool {
	return p < q
}

// Parse resolves a phase name as it appears in config and persisted state.
func Parse(name string) (Phase, error) {
	if p, ok := byName[name]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("unknown phase %q", name)
}

// MarshalText implements encoding.TextMarshaler so phases persist as names,
// not integers.
func (p Phase) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("cannot marshal unknown phase %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
