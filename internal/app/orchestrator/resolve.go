package orchestrator

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/tutu-network/switchboard/internal/app/rules"
	"github.com/tutu-network/switchboard/internal/domain"
)

// How a routing-condition field was resolved.
const (
	ResolvedExact           = "exact"
	ResolvedCaseInsensitive = "case_insensitive"
	ResolvedTrimmed         = "trimmed"
)

// resolution is the outcome of resolving one field against a task.
type resolution struct {
	value      string
	found      bool
	key        string
	how        string
	suggestion string
}

// resolveField looks field up exactly, then with surrounding whitespace
// trimmed, then against metadata keys ignoring case, then ignoring case and
// whitespace on both sides. On a total miss it proposes the closest available
// field name.
func resolveField(task *domain.Task, field string) resolution {
	if v, ok := rules.FieldValue(task, field); ok {
		return resolution{value: v, found: true, key: field, how: ResolvedExact}
	}
	if t := strings.TrimSpace(field); t != field {
		if v, ok := rules.FieldValue(task, t); ok {
			return resolution{value: v, found: true, key: t, how: ResolvedTrimmed}
		}
	}

	want := strings.TrimPrefix(field, "metadata.")
	keys := sortedKeys(task.Metadata)
	for _, k := range keys {
		if strings.EqualFold(k, want) {
			return resolution{value: task.Metadata[k], found: true, key: k, how: ResolvedCaseInsensitive}
		}
	}
	trimmed := strings.TrimSpace(want)
	for _, k := range keys {
		if strings.EqualFold(strings.TrimSpace(k), trimmed) {
			return resolution{value: task.Metadata[k], found: true, key: k, how: ResolvedTrimmed}
		}
	}
	return resolution{key: field, suggestion: suggest(field, availableFields(task))}
}

// availableFields lists every field a condition could reference on task.
func availableFields(task *domain.Task) []string {
	out := make([]string, 0, len(rules.KnownFields)+len(task.Metadata))
	out = append(out, rules.KnownFields...)
	for _, k := range sortedKeys(task.Metadata) {
		out = append(out, "metadata."+k)
	}
	return out
}

// suggest returns the candidate closest to field by edit distance, or "" when
// nothing is plausibly a typo of it.
func suggest(field string, candidates []string) string {
	needle := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(field), "metadata."))
	if needle == "" {
		return ""
	}
	limit := max(2, len(needle)/3)
	best, bestDist := "", limit+1
	for _, c := range candidates {
		name := strings.ToLower(strings.TrimPrefix(c, "metadata."))
		d := levenshtein.ComputeDistance(needle, name)
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
