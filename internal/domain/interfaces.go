package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// TaskStore abstracts persistent task records. A memory and a SQLite
// implementation exist; callers never depend on either.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	UpdateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
	Ping(ctx context.Context) error
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	PipelineID string
	Status     TaskStatus
	QueueID    string
	Limit      int
}

// Deduper claims external IDs per pipeline so a task is created once.
type Deduper interface {
	// Claim records externalID → taskID and returns false (with the existing
	// task ID) if the external ID was already claimed.
	Claim(ctx context.Context, pipelineID, externalID, taskID string) (bool, string, error)
	// Release drops a claim, used when task creation fails after claiming.
	Release(ctx context.Context, pipelineID, externalID string) error
	Ping(ctx context.Context) error
}

// PipelineStore supplies pipeline configuration to the orchestrator.
type PipelineStore interface {
	Pipeline(id string) (*Pipeline, bool)
}

// RuleSetStore supplies rule sets and keeps match-count bookkeeping.
type RuleSetStore interface {
	RuleSets(ids []string) []RuleSet
	RecordMatches(matches []RuleMatch)
}

// QueueDirectory resolves per-queue routing configuration.
type QueueDirectory interface {
	Queues() []QueueConfig
	RoutingFor(queueID string) (RoutingConfig, bool)
}

// AgentDirectory resolves agent profiles for connecting agents.
type AgentDirectory interface {
	Profile(agentID string) (AgentProfile, bool)
}

// BreachLog persists SLA breach events beyond the in-memory ring buffer.
type BreachLog interface {
	AppendBreach(ctx context.Context, ev SLABreachEvent) error
	ListBreaches(ctx context.Context, limit int) ([]SLABreachEvent, error)
}
