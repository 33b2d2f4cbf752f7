package rules

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/tutu-network/switchboard/internal/domain"
)

// ─── Field Resolution ───────────────────────────────────────────────────────

// KnownFields lists the task properties a condition may reference directly.
// Anything else resolves against Task.Metadata.
var KnownFields = []string{
	"id", "externalId", "pipelineId", "source", "sourceId", "title",
	"description", "workType", "priority", "queueId", "status", "skills",
}

// FieldValue resolves field against task. Well-known properties accept
// camelCase or snake_case; "metadata.<key>" and bare keys read metadata.
func FieldValue(task *domain.Task, field string) (string, bool) {
	if key, ok := strings.CutPrefix(field, "metadata."); ok {
		v, found := task.Metadata[key]
		return v, found
	}
	switch canonical(field) {
	case "id":
		return task.ID, true
	case "externalid":
		return task.ExternalID, true
	case "pipelineid":
		return task.PipelineID, true
	case "source":
		return string(task.Source), true
	case "sourceid":
		return task.SourceID, true
	case "title":
		return task.Title, true
	case "description":
		return task.Description, true
	case "worktype":
		return task.WorkType, true
	case "priority":
		return strconv.Itoa(task.Priority), true
	case "queueid":
		return task.QueueID, true
	case "status":
		return string(task.Status), true
	case "skills":
		return strings.Join(task.Skills, ","), true
	}
	v, found := task.Metadata[field]
	return v, found
}

func canonical(field string) string {
	return strings.ToLower(strings.ReplaceAll(field, "_", ""))
}

// ─── Operators ──────────────────────────────────────────────────────────────

// Compare applies cond's operator to actual. A missing field compares as the
// empty string; numeric operators fail on non-numeric operands.
func Compare(cond domain.RuleCondition, actual string, found bool) bool {
	if !found {
		actual = ""
	}
	fold := func(s string) string {
		if cond.CaseSensitive {
			return s
		}
		return strings.ToLower(s)
	}

	switch cond.Operator {
	case domain.OpEquals:
		return equal(actual, cond.Value, cond.CaseSensitive)
	case domain.OpNotEquals:
		return !equal(actual, cond.Value, cond.CaseSensitive)
	case domain.OpGreaterThan, domain.OpGreaterThanOrEqual, domain.OpLessThan, domain.OpLessThanOrEqual:
		a, ok1 := number(actual)
		b, ok2 := number(cond.Value)
		if !ok1 || !ok2 {
			return false
		}
		switch cond.Operator {
		case domain.OpGreaterThan:
			return a > b
		case domain.OpGreaterThanOrEqual:
			return a >= b
		case domain.OpLessThan:
			return a < b
		default:
			return a <= b
		}
	case domain.OpBetween:
		bounds := valueList(cond)
		if len(bounds) != 2 {
			return false
		}
		a, ok := number(actual)
		lo, ok1 := number(bounds[0])
		hi, ok2 := number(bounds[1])
		if !ok || !ok1 || !ok2 {
			return false
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		return a >= lo && a <= hi
	case domain.OpContains:
		return found && strings.Contains(fold(actual), fold(cond.Value))
	case domain.OpNotContains:
		return !strings.Contains(fold(actual), fold(cond.Value))
	case domain.OpStartsWith:
		return found && strings.HasPrefix(fold(actual), fold(cond.Value))
	case domain.OpEndsWith:
		return found && strings.HasSuffix(fold(actual), fold(cond.Value))
	case domain.OpIn:
		return found && member(actual, valueList(cond), cond.CaseSensitive)
	case domain.OpNotIn:
		return !member(actual, valueList(cond), cond.CaseSensitive)
	case domain.OpIsEmpty:
		return strings.TrimSpace(actual) == ""
	case domain.OpIsNotEmpty:
		return strings.TrimSpace(actual) != ""
	case domain.OpMatches:
		re := compile(cond.Value, cond.CaseSensitive)
		return re != nil && re.MatchString(actual)
	}
	return false
}

// Expected renders the condition's expected operand for traces.
func Expected(cond domain.RuleCondition) string {
	if len(cond.Values) > 0 {
		return strings.Join(cond.Values, ",")
	}
	return cond.Value
}

func equal(a, b string, caseSensitive bool) bool {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	if caseSensitive {
		return a == b
	}
	return strings.EqualFold(a, b)
}

func member(actual string, set []string, caseSensitive bool) bool {
	for _, v := range set {
		if equal(actual, v, caseSensitive) {
			return true
		}
	}
	return false
}

// valueList returns Values, or Value split on commas.
func valueList(cond domain.RuleCondition) []string {
	if len(cond.Values) > 0 {
		return cond.Values
	}
	if cond.Value == "" {
		return nil
	}
	parts := strings.Split(cond.Value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func number(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

// ─── Regex Cache ────────────────────────────────────────────────────────────

var regexCache sync.Map // pattern → *regexp.Regexp (nil for invalid)

func compile(pattern string, caseSensitive bool) *regexp.Regexp {
	if !caseSensitive {
		pattern = "(?i)" + pattern
	}
	if v, ok := regexCache.Load(pattern); ok {
		re, _ := v.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	regexCache.Store(pattern, re)
	return re
}
