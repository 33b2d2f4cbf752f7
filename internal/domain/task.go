// Package domain holds the switchboard data model: tasks and their lifecycle,
// queue placement, routing rules, pipelines, agents and SLA events.
// Domain types are pure: no infrastructure dependency.
package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ─── Task Lifecycle ─────────────────────────────────────────────────────────

// TaskStatus tracks the task lifecycle.
//
//	PENDING → RESERVED → ACTIVE → WRAP_UP → COMPLETED
//	RESERVED → PENDING                (reject / timeout / requeue)
//	ACTIVE, WRAP_UP → PENDING         (agent disconnected)
//	any non-terminal → TRANSFERRED | EXPIRED
type TaskStatus string

const (
	TaskPending     TaskStatus = "PENDING"
	TaskReserved    TaskStatus = "RESERVED"
	TaskActive      TaskStatus = "ACTIVE"
	TaskWrapUp      TaskStatus = "WRAP_UP"
	TaskCompleted   TaskStatus = "COMPLETED"
	TaskTransferred TaskStatus = "TRANSFERRED"
	TaskExpired     TaskStatus = "EXPIRED"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:  {TaskReserved},
	TaskReserved: {TaskActive, TaskPending},
	TaskActive:   {TaskWrapUp, TaskPending},
	TaskWrapUp:   {TaskCompleted, TaskPending},
}

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskTransferred || s == TaskExpired
}

// CanTransition reports whether from → to is part of the state machine.
func CanTransition(from, to TaskStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == TaskTransferred || to == TaskExpired {
		return true
	}
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ─── Priority ───────────────────────────────────────────────────────────────

const (
	MinPriority     = 0
	MaxPriority     = 10
	DefaultPriority = 5
)

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	return clamp(p, MinPriority, MaxPriority)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ─── Task ───────────────────────────────────────────────────────────────────

// Source identifies the ingestion front-end a task came from.
type Source string

const (
	SourceVolumeLoader Source = "volume_loader"
	SourceCSVUpload    Source = "csv_upload"
	SourceAPI          Source = "api"
	SourceManual       Source = "manual"
)

// Valid reports whether s is a known ingestion source.
func (s Source) Valid() bool {
	switch s {
	case SourceVolumeLoader, SourceCSVUpload, SourceAPI, SourceManual:
		return true
	}
	return false
}

// Assignment records one reservation of a task by an agent.
type Assignment struct {
	AgentID    string    `json:"agent_id"`
	ReservedAt time.Time `json:"reserved_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
}

// Task is the canonical unit of work routed to agents.
type Task struct {
	ID                 string            `json:"id"`
	ExternalID         string            `json:"external_id,omitempty"`
	PipelineID         string            `json:"pipeline_id"`
	Source             Source            `json:"source"`
	SourceID           string            `json:"source_id,omitempty"`
	Title              string            `json:"title"`
	Description        string            `json:"description,omitempty"`
	WorkType           string            `json:"work_type"`
	Skills             []string          `json:"skills,omitempty"`
	Priority           int               `json:"priority"`
	QueueID            string            `json:"queue_id,omitempty"`
	Status             TaskStatus        `json:"status"`
	ReservationTimeout time.Duration     `json:"reservation_timeout,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	PreferredAgents    []string          `json:"preferred_agents,omitempty"`
	ExcludedAgents     []string          `json:"excluded_agents,omitempty"`
	AssignedAgent      string            `json:"assigned_agent,omitempty"`
	DispositionCode    string            `json:"disposition_code,omitempty"`
	Assignments        []Assignment      `json:"assignments,omitempty"`
	RetryOf            string            `json:"retry_of,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	ReservedAt         time.Time         `json:"reserved_at,omitempty"`
	AcceptedAt         time.Time         `json:"accepted_at,omitempty"`
	WrapUpAt           time.Time         `json:"wrap_up_at,omitempty"`
	CompletedAt        time.Time         `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the task has reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Transition moves the task to a new status, stamping the matching timestamp.
func (t *Task) Transition(to TaskStatus, at time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, t.Status, to)
	}
	switch to {
	case TaskPending:
		t.ReservedAt = time.Time{}
		t.AcceptedAt = time.Time{}
		t.WrapUpAt = time.Time{}
		t.AssignedAgent = ""
	case TaskReserved:
		t.ReservedAt = at
	case TaskActive:
		t.AcceptedAt = at
	case TaskWrapUp:
		t.WrapUpAt = at
	case TaskCompleted, TaskTransferred, TaskExpired:
		t.CompletedAt = at
	}
	t.Status = to
	t.UpdatedAt = at
	return nil
}

// HandleTime is the time between acceptance and wrap-up (or completion).
func (t *Task) HandleTime() time.Duration {
	if t.AcceptedAt.IsZero() {
		return 0
	}
	end := t.WrapUpAt
	if end.IsZero() {
		end = t.CompletedAt
	}
	if end.IsZero() {
		return 0
	}
	return end.Sub(t.AcceptedAt)
}

// HasSkill reports whether the task requires skill.
func (t *Task) HasSkill(skill string) bool {
	for _, s := range t.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

// Clone returns a deep copy; slices and the metadata map are not shared.
func (t Task) Clone() Task {
	c := t
	c.Skills = cloneStrings(t.Skills)
	c.PreferredAgents = cloneStrings(t.PreferredAgents)
	c.ExcludedAgents = cloneStrings(t.ExcludedAgents)
	if t.Assignments != nil {
		c.Assignments = make([]Assignment, len(t.Assignments))
		copy(c.Assignments, t.Assignments)
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// NormalizeSkills trims, de-duplicates and sorts a skill list.
func NormalizeSkills(skills []string) []string {
	if len(skills) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(skills))
	out := make([]string, 0, len(skills))
	for _, s := range skills {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
