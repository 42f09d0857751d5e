package review

import (
	"slices"
	"sort"
	"strings"
)

// Dedupe merges findings that describe the same defect: same category,
// severity, and attribution, with descriptions agreeing on the normalized
// fingerprint prefix. Merging keeps the highest severity, the union of
// evidence, and the lexicographically smallest ID and description so the
// result is identical for any input ordering.
func Dedupe(findings []Finding) []Finding {
	if len(findings) == 0 {
		return nil
	}

	byKey := make(map[string]Finding, len(findings))
	for _, f := range findings {
		f.AffectedPhases = slices.Clone(f.AffectedPhases)
		slices.Sort(f.AffectedPhases)
		f.AffectedPhases = slices.Compact(f.AffectedPhases)
		key := f.fingerprint()
		existing, ok := byKey[key]
		if !ok {
			f.Evidence = slices.Clone(f.Evidence)
			byKey[key] = f
			continue
		}
		byKey[key] = merge(existing, f)
	}

	merged := make([]Finding, 0, len(byKey))
	for _, f := range byKey {
		sort.Strings(f.Evidence)
		f.Evidence = slices.Compact(f.Evidence)
		if len(f.Evidence) == 0 {
			f.Evidence = nil
		}
		merged = append(merged, f)
	}
	sortCanonical(merged)
	return merged
}

func merge(a, b Finding) Finding {
	out := a
	if b.Severity > out.Severity {
		out.Severity = b.Severity
	}
	out.Evidence = append(out.Evidence, b.Evidence...)
	if out.ID == "" || (b.ID != "" && b.ID < out.ID) {
		out.ID = b.ID
	}
	if b.Description < out.Description {
		out.Description = b.Description
	}
	if out.Reviewer != b.Reviewer {
		// A merged finding belongs to no single reviewer.
		out.Reviewer = ""
	}
	return out
}

// sortCanonical orders findings by descending severity, then category,
// description, and attribution, giving callers a stable view regardless of
// reviewer completion order.
func sortCanonical(findings []Finding) {
	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Description != b.Description {
			return a.Description < b.Description
		}
		return attributionKey(a) < attributionKey(b)
	})
}

func attributionKey(f Finding) string {
	var sb strings.Builder
	for _, p := range f.AffectedPhases {
		sb.WriteString(p.String())
		sb.WriteByte(',')
	}
	return sb.String()
}
