// Package rules implements the rule engine that transforms tasks before
// routing.
//
// Evaluation is a pure function of (task, rule sets): the input task and the
// rule configuration are never modified, and the same input always yields the
// same transformed task and trace. Match counters live in the rule store.
//
// Ordering:
//   - enabled rule sets in ascending Order
//   - enabled rules within a set in ascending Order
//   - a matched rule carrying stop_processing ends its rule set
package rules

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/switchboard/internal/domain"
)

// Result is the outcome of one evaluation.
type Result struct {
	Task           domain.Task        `json:"task"`
	Trace          []domain.RuleTrace `json:"trace"`
	ModifiedFields []string           `json:"modified_fields,omitempty"`
	Matched        []domain.RuleMatch `json:"matched,omitempty"`
	RouteToAgents  []string           `json:"route_to_agents,omitempty"`
	ExcludeAgents  []string           `json:"exclude_agents,omitempty"`
}

// Modified reports whether any action changed the task.
func (r *Result) Modified() bool { return len(r.ModifiedFields) > 0 }

// Engine evaluates rule sets against tasks.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a rule engine.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger.With(zap.String("component", "rules"))}
}

// Evaluate applies every enabled rule set to a deep copy of task.
func (e *Engine) Evaluate(task domain.Task, sets []domain.RuleSet) Result {
	res := Result{Task: task.Clone()}
	modified := make(map[string]bool)

	for _, set := range orderedSets(sets) {
		for _, rule := range orderedRules(set.Rules) {
			trace := domain.RuleTrace{
				RuleSetID: set.ID,
				RuleID:    rule.ID,
				RuleName:  rule.Name,
			}
			trace.Matched = evalGroup(&res.Task, rule.Conditions, &trace.Conditions)
			if !trace.Matched {
				res.Trace = append(res.Trace, trace)
				continue
			}

			res.Matched = append(res.Matched, domain.RuleMatch{RuleSetID: set.ID, RuleID: rule.ID})
			for _, action := range rule.Actions {
				applied, field := e.apply(&res, action)
				if applied == "" {
					continue
				}
				trace.ActionsApplied = append(trace.ActionsApplied, applied)
				if field != "" && !modified[field] {
					modified[field] = true
					res.ModifiedFields = append(res.ModifiedFields, field)
				}
			}
			trace.StoppedSet = rule.StopsProcessing()
			res.Trace = append(res.Trace, trace)
			if trace.StoppedSet {
				break
			}
		}
	}
	return res
}

// ─── Conditions ─────────────────────────────────────────────────────────────

// evalGroup evaluates every member (no short-circuit) so the trace is
// complete. An empty AND group is true, an empty OR group false.
func evalGroup(task *domain.Task, g domain.ConditionGroup, out *[]domain.ConditionTrace) bool {
	or := g.Logic == domain.LogicOr
	result := !or
	for _, c := range g.Conditions {
		ok := evalCondition(task, c, out)
		if or {
			result = result || ok
		} else {
			result = result && ok
		}
	}
	for _, sub := range g.Groups {
		ok := evalGroup(task, sub, out)
		if or {
			result = result || ok
		} else {
			result = result && ok
		}
	}
	return result
}

func evalCondition(task *domain.Task, c domain.RuleCondition, out *[]domain.ConditionTrace) bool {
	actual, found := FieldValue(task, c.Field)
	matched := Compare(c, actual, found)
	*out = append(*out, domain.ConditionTrace{
		Field:    c.Field,
		Operator: c.Operator,
		Expected: Expected(c),
		Actual:   actual,
		Found:    found,
		Matched:  matched,
	})
	return matched
}

// ─── Actions ────────────────────────────────────────────────────────────────

// apply runs one action against the working copy. It returns a trace label
// (empty when the action was skipped) and the modified field name, if any.
func (e *Engine) apply(res *Result, a domain.RuleAction) (string, string) {
	t := &res.Task
	label := fmt.Sprintf("%s=%s", a.Type, a.Value)

	switch a.Type {
	case domain.ActionSetPriority:
		p, err := strconv.Atoi(a.Value)
		if err != nil {
			e.skip(a, err)
			return "", ""
		}
		t.Priority = domain.ClampPriority(p)
		return label, "priority"
	case domain.ActionAdjustPriority:
		d, err := strconv.Atoi(a.Value)
		if err != nil {
			e.skip(a, err)
			return "", ""
		}
		t.Priority = domain.ClampPriority(t.Priority + d)
		return label, "priority"
	case domain.ActionSetQueue:
		t.QueueID = a.Value
		return label, "queueId"
	case domain.ActionAddSkill:
		if a.Value == "" || t.HasSkill(a.Value) {
			return label, ""
		}
		t.Skills = domain.NormalizeSkills(append(t.Skills, a.Value))
		return label, "skills"
	case domain.ActionRemoveSkill:
		if !t.HasSkill(a.Value) {
			return label, ""
		}
		kept := t.Skills[:0:0]
		for _, s := range t.Skills {
			if s != a.Value {
				kept = append(kept, s)
			}
		}
		t.Skills = kept
		return label, "skills"
	case domain.ActionSetMetadata:
		if a.Key == "" {
			e.skip(a, errors.New("missing key"))
			return "", ""
		}
		if t.Metadata == nil {
			t.Metadata = make(map[string]string)
		}
		t.Metadata[a.Key] = a.Value
		return fmt.Sprintf("%s:%s=%s", a.Type, a.Key, a.Value), "metadata." + a.Key
	case domain.ActionSetTimeout:
		secs, err := strconv.Atoi(a.Value)
		if err != nil || secs < 0 {
			e.skip(a, fmt.Errorf("invalid seconds %q", a.Value))
			return "", ""
		}
		t.ReservationTimeout = time.Duration(secs) * time.Second
		return label, "reservationTimeout"
	case domain.ActionRouteToAgent:
		res.RouteToAgents = appendUnique(res.RouteToAgents, a.Value)
		return label, ""
	case domain.ActionExcludeAgent:
		res.ExcludeAgents = appendUnique(res.ExcludeAgents, a.Value)
		return label, ""
	case domain.ActionStopProcessing:
		return string(a.Type), ""
	}
	e.skip(a, domain.ErrUnknownAction)
	return "", ""
}

func (e *Engine) skip(a domain.RuleAction, err error) {
	e.logger.Warn("rule action skipped",
		zap.String("action", string(a.Type)),
		zap.String("value", a.Value),
		zap.Error(err),
	)
}

// ─── Ordering ───────────────────────────────────────────────────────────────

func orderedSets(sets []domain.RuleSet) []domain.RuleSet {
	out := make([]domain.RuleSet, 0, len(sets))
	for _, s := range sets {
		if s.Enabled {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func orderedRules(rules []domain.Rule) []domain.Rule {
	out := make([]domain.Rule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
