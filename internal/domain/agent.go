package domain

import "time"

// AgentState is an agent's presence/work state as seen by the dispatcher.
type AgentState string

const (
	AgentOffline  AgentState = "OFFLINE"
	AgentAway     AgentState = "AWAY"
	AgentIdle     AgentState = "IDLE"
	AgentReserved AgentState = "RESERVED"
	AgentActive   AgentState = "ACTIVE"
	AgentWrapUp   AgentState = "WRAP_UP"
)

// HoldsTask reports whether an agent in this state owns an in-flight task.
func (s AgentState) HoldsTask() bool {
	return s == AgentReserved || s == AgentActive || s == AgentWrapUp
}

// AgentProfile is the static description of an agent, supplied by the
// agent directory.
type AgentProfile struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name" yaml:"name"`
	Skills        map[string]int `json:"skills,omitempty" yaml:"skills,omitempty"` // skill → proficiency 1..10
	Queues        []string       `json:"queues,omitempty" yaml:"queues,omitempty"` // empty = every queue
	MaxConcurrent int            `json:"max_concurrent" yaml:"max_concurrent"`
}

// Serves reports whether the agent may take work from queueID.
func (p *AgentProfile) Serves(queueID string) bool {
	if len(p.Queues) == 0 {
		return true
	}
	for _, q := range p.Queues {
		if q == queueID {
			return true
		}
	}
	return false
}

// AgentSnapshot is the runtime view of an agent used for scoring.
type AgentSnapshot struct {
	Profile         AgentProfile  `json:"profile"`
	State           AgentState    `json:"state"`
	ActiveTasks     int           `json:"active_tasks"`
	LastStateChange time.Time     `json:"last_state_change"`
	AvgHandleTime   time.Duration `json:"avg_handle_time"`
	TasksHandled    int           `json:"tasks_handled"`
	CurrentTaskID   string        `json:"current_task_id,omitempty"`
}

// ─── Routing Configuration ──────────────────────────────────────────────────

// SkillMode decides how required skills gate eligibility.
type SkillMode string

const (
	SkillStrict    SkillMode = "strict"
	SkillFlexible  SkillMode = "flexible"
	SkillAny       SkillMode = "any"
	SkillBestMatch SkillMode = "best-match"
)

// Algorithm selects one agent from the eligible set.
type Algorithm string

const (
	AlgoRoundRobin       Algorithm = "round_robin"
	AlgoLeastBusy        Algorithm = "least_busy"
	AlgoMostIdle         Algorithm = "most_idle"
	AlgoProficiencyFirst Algorithm = "proficiency_first"
	AlgoLoadBalanced     Algorithm = "load_balanced"
	AlgoSkillWeighted    Algorithm = "skill_weighted"
	AlgoPriorityCascade  Algorithm = "priority_cascade"
)

// FallbackPolicy decides what happens when nobody is eligible.
type FallbackPolicy string

const (
	FallbackNone         FallbackPolicy = "none"
	FallbackAnyAvailable FallbackPolicy = "any_available"
)

// ScoreWeights combine the sub-scores into a total.
type ScoreWeights struct {
	Skill       float64 `json:"skill" yaml:"skill" toml:"skill"`
	Workload    float64 `json:"workload" yaml:"workload" toml:"workload"`
	Performance float64 `json:"performance" yaml:"performance" toml:"performance"`
	Idle        float64 `json:"idle" yaml:"idle" toml:"idle"`
}

// RoutingConfig is the per-queue agent selection policy.
type RoutingConfig struct {
	Mode           SkillMode      `json:"mode" yaml:"mode" toml:"mode"`
	Algorithm      Algorithm      `json:"algorithm" yaml:"algorithm" toml:"algorithm"`
	Fallback       FallbackPolicy `json:"fallback" yaml:"fallback" toml:"fallback"`
	MinProficiency int            `json:"min_proficiency" yaml:"min_proficiency" toml:"min_proficiency"`
	Weights        ScoreWeights   `json:"weights" yaml:"weights" toml:"weights"`
}

// QueueConfig describes a named queue in the routing catalog.
type QueueConfig struct {
	ID      string         `json:"id" yaml:"id"`
	Name    string         `json:"name" yaml:"name"`
	Routing *RoutingConfig `json:"routing,omitempty" yaml:"routing,omitempty"`
}

// AgentRoutingScore is produced per routing call and never persisted.
type AgentRoutingScore struct {
	AgentID             string  `json:"agent_id"`
	SkillScore          float64 `json:"skill_score"`
	WorkloadScore       float64 `json:"workload_score"`
	PerformanceScore    float64 `json:"performance_score"`
	IdleScore           float64 `json:"idle_score"`
	TotalScore          float64 `json:"total_score"`
	MatchedSkills       int     `json:"matched_skills"`
	Eligible            bool    `json:"eligible"`
	IneligibilityReason string  `json:"ineligibility_reason,omitempty"`
}
