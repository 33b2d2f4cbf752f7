package domain

// ─── Rule Engine Configuration ──────────────────────────────────────────────
// Rules are immutable configuration. Evaluation never mutates them; match
// counts are kept by the rule store.

// Operator is a comparison applied by a RuleCondition or RoutingCondition.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpBetween            Operator = "between"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpStartsWith         Operator = "starts_with"
	OpEndsWith           Operator = "ends_with"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpIsEmpty            Operator = "is_empty"
	OpIsNotEmpty         Operator = "is_not_empty"
	OpMatches            Operator = "matches"
)

// Logic combines the members of a ConditionGroup.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// RuleCondition compares one task field against an expected value.
// Values is used by in / not_in / between; Value by everything else.
type RuleCondition struct {
	Field         string   `json:"field" yaml:"field"`
	Operator      Operator `json:"operator" yaml:"operator"`
	Value         string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values        []string `json:"values,omitempty" yaml:"values,omitempty"`
	CaseSensitive bool     `json:"case_sensitive,omitempty" yaml:"case_sensitive,omitempty"`
}

// ConditionGroup is a recursive AND/OR tree of conditions.
type ConditionGroup struct {
	Logic      Logic            `json:"logic" yaml:"logic"`
	Conditions []RuleCondition  `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Groups     []ConditionGroup `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// ActionType is a transformation applied by a matched rule.
type ActionType string

const (
	ActionSetPriority    ActionType = "set_priority"
	ActionAdjustPriority ActionType = "adjust_priority"
	ActionSetQueue       ActionType = "set_queue"
	ActionAddSkill       ActionType = "add_skill"
	ActionRemoveSkill    ActionType = "remove_skill"
	ActionSetMetadata    ActionType = "set_metadata"
	ActionSetTimeout     ActionType = "set_timeout"
	ActionRouteToAgent   ActionType = "route_to_agent"
	ActionExcludeAgent   ActionType = "exclude_agent"
	ActionStopProcessing ActionType = "stop_processing"
)

// RuleAction is one step of a rule's action list. Key is only used by
// set_metadata.
type RuleAction struct {
	Type  ActionType `json:"type" yaml:"type"`
	Key   string     `json:"key,omitempty" yaml:"key,omitempty"`
	Value string     `json:"value,omitempty" yaml:"value,omitempty"`
}

// Rule matches a condition tree and applies actions in order.
type Rule struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	Order      int            `json:"order" yaml:"order"`
	Enabled    bool           `json:"enabled" yaml:"enabled"`
	Conditions ConditionGroup `json:"conditions" yaml:"conditions"`
	Actions    []RuleAction   `json:"actions" yaml:"actions"`
}

// StopsProcessing reports whether the rule carries a stop_processing action.
func (r *Rule) StopsProcessing() bool {
	for _, a := range r.Actions {
		if a.Type == ActionStopProcessing {
			return true
		}
	}
	return false
}

// RuleSet is an ordered list of rules evaluated together.
type RuleSet struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Order   int    `json:"order" yaml:"order"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Rules   []Rule `json:"rules" yaml:"rules"`
}

// ─── Evaluation Trace ───────────────────────────────────────────────────────

// ConditionTrace records how one condition evaluated.
type ConditionTrace struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Expected string   `json:"expected"`
	Actual   string   `json:"actual"`
	Found    bool     `json:"found"`
	Matched  bool     `json:"matched"`
}

// RuleTrace records one rule's evaluation.
type RuleTrace struct {
	RuleSetID      string           `json:"rule_set_id"`
	RuleID         string           `json:"rule_id"`
	RuleName       string           `json:"rule_name"`
	Matched        bool             `json:"matched"`
	Conditions     []ConditionTrace `json:"conditions"`
	ActionsApplied []string         `json:"actions_applied,omitempty"`
	StoppedSet     bool             `json:"stopped_set,omitempty"`
}

// RuleMatch identifies a matched rule for match-count bookkeeping.
type RuleMatch struct {
	RuleSetID string `json:"rule_set_id"`
	RuleID    string `json:"rule_id"`
}
