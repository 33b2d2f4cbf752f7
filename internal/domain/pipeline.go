package domain

import "time"

// DefaultRoutingBehavior applies when no routing rule matches.
type DefaultRoutingBehavior string

const (
	RoutingHold         DefaultRoutingBehavior = "hold"
	RoutingRouteToQueue DefaultRoutingBehavior = "route_to_queue"
	RoutingReject       DefaultRoutingBehavior = "reject"
)

// DefaultRouting is the pipeline fallback when no routing rule matches.
type DefaultRouting struct {
	Behavior DefaultRoutingBehavior `json:"behavior" yaml:"behavior"`
	QueueID  string                 `json:"queue_id,omitempty" yaml:"queue_id,omitempty"`
}

// RoutingCondition is a routing-rule predicate over task fields and metadata.
type RoutingCondition = RuleCondition

// RoutingRule sends matching tasks to a queue. First match by Order wins.
type RoutingRule struct {
	ID               string             `json:"id" yaml:"id"`
	Name             string             `json:"name" yaml:"name"`
	Order            int                `json:"order" yaml:"order"`
	Enabled          bool               `json:"enabled" yaml:"enabled"`
	Logic            Logic              `json:"logic" yaml:"logic"`
	Conditions       []RoutingCondition `json:"conditions" yaml:"conditions"`
	TargetQueueID    string             `json:"target_queue_id" yaml:"target_queue_id"`
	PriorityOverride *int               `json:"priority_override,omitempty" yaml:"priority_override,omitempty"`
}

// PipelineDefaults are stamped onto new tasks before transformation.
type PipelineDefaults struct {
	Priority           int           `json:"priority" yaml:"priority"`
	WorkType           string        `json:"work_type" yaml:"work_type"`
	ReservationTimeout time.Duration `json:"reservation_timeout" yaml:"reservation_timeout"`
	MaxRetries         int           `json:"max_retries" yaml:"max_retries"`
}

// PipelineSLA holds the pipeline's service-level targets.
type PipelineSLA struct {
	MaxWait time.Duration `json:"max_wait" yaml:"max_wait"`
}

// Pipeline is a named routing configuration that ingestion targets.
type Pipeline struct {
	ID               string           `json:"id" yaml:"id"`
	Name             string           `json:"name" yaml:"name"`
	Enabled          bool             `json:"enabled" yaml:"enabled"`
	AllowedWorkTypes []string         `json:"allowed_work_types,omitempty" yaml:"allowed_work_types,omitempty"`
	Defaults         PipelineDefaults `json:"defaults" yaml:"defaults"`
	RuleSetIDs       []string         `json:"rule_set_ids,omitempty" yaml:"rule_set_ids,omitempty"`
	RoutingRules     []RoutingRule    `json:"routing_rules,omitempty" yaml:"routing_rules,omitempty"`
	DefaultRouting   DefaultRouting   `json:"default_routing" yaml:"default_routing"`
	SLA              PipelineSLA      `json:"sla" yaml:"sla"`
}

// AllowsWorkType reports whether workType passes the allow-list.
// An empty allow-list admits every work type.
func (p *Pipeline) AllowsWorkType(workType string) bool {
	if len(p.AllowedWorkTypes) == 0 {
		return true
	}
	for _, wt := range p.AllowedWorkTypes {
		if wt == workType {
			return true
		}
	}
	return false
}
