package domain

import "time"

// DefaultMaxRetries is applied when a QueuedTask has MaxRetries == 0.
const DefaultMaxRetries = 3

// DLQ reasons produced by the engine itself.
const (
	ReasonRoutingFailed      = "routing_failed"
	ReasonSLAExpired         = "sla_expired"
	ReasonMaxRetries         = "max_retries_exceeded"
	ReasonAgentRejected      = "agent_rejected"
	ReasonAgentDisconnected  = "agent_disconnected"
	ReasonTransferred        = "transferred"
	ReasonReservationTimeout = "reservation_timeout"
)

// SLALevel is the highest SLA tier already applied to a queued task.
type SLALevel int

const (
	SLALevelNone SLALevel = iota
	SLALevelWarning
	SLALevelBreach
	SLALevelCritical
)

// QueuedTask wraps a Task with queue placement metadata.
type QueuedTask struct {
	Task              Task      `json:"task"`
	QueueID           string    `json:"queue_id"`
	PipelineID        string    `json:"pipeline_id"`
	Priority          int       `json:"priority"`
	EnqueuedAt        time.Time `json:"enqueued_at"`
	SLADeadline       time.Time `json:"sla_deadline,omitempty"`
	RetryCount        int       `json:"retry_count"`
	MaxRetries        int       `json:"max_retries"`
	LastFailureReason string    `json:"last_failure_reason,omitempty"`
	SLALevel          SLALevel  `json:"sla_level"`
}

// TaskID is a shortcut for qt.Task.ID.
func (qt *QueuedTask) TaskID() string { return qt.Task.ID }

// RetryLimit returns MaxRetries, or DefaultMaxRetries when unset.
func (qt *QueuedTask) RetryLimit() int {
	if qt.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return qt.MaxRetries
}

// HasSLA reports whether an SLA deadline was computed for the task.
func (qt *QueuedTask) HasSLA() bool {
	return !qt.SLADeadline.IsZero() && qt.SLADeadline.After(qt.EnqueuedAt)
}

// SLAPercentUsed returns elapsed / window * 100 at now. Zero without an SLA.
func (qt *QueuedTask) SLAPercentUsed(now time.Time) float64 {
	if !qt.HasSLA() {
		return 0
	}
	window := qt.SLADeadline.Sub(qt.EnqueuedAt)
	elapsed := now.Sub(qt.EnqueuedAt)
	return float64(elapsed) / float64(window) * 100
}

// Clone returns a deep copy of the queued task.
func (qt QueuedTask) Clone() QueuedTask {
	c := qt
	c.Task = qt.Task.Clone()
	return c
}

// Before reports whether qt dequeues ahead of other:
// lower priority number first, then older EnqueuedAt.
func (qt *QueuedTask) Before(other *QueuedTask) bool {
	if qt.Priority != other.Priority {
		return qt.Priority < other.Priority
	}
	return qt.EnqueuedAt.Before(other.EnqueuedAt)
}

// Escalation is the outcome of an SLA escalation attempt on a queued task.
type Escalation struct {
	Applied     bool `json:"applied"`
	OldPriority int  `json:"old_priority"`
	NewPriority int  `json:"new_priority"`
}

// DLQEntry is a task parked in the dead-letter queue.
type DLQEntry struct {
	QueuedTask QueuedTask `json:"queued_task"`
	Reason     string     `json:"reason"`
	MovedAt    time.Time  `json:"moved_at"`
}

// QueueStats summarizes one queue.
type QueueStats struct {
	QueueID       string        `json:"queue_id"`
	Depth         int           `json:"depth"`
	OldestAge     time.Duration `json:"oldest_age"`
	AverageWait   time.Duration `json:"average_wait"`
	WaitSamples   int           `json:"wait_samples"`
	DLQCount      int           `json:"dlq_count"`
	Dequeued      int64         `json:"dequeued"`
	Requeued      int64         `json:"requeued"`
	Reprioritized int64         `json:"reprioritized"`
}

// SLACandidate is a snapshot of a queued task approaching its SLA window.
type SLACandidate struct {
	QueuedTask  QueuedTask `json:"queued_task"`
	PercentUsed float64    `json:"percent_used"`
}
