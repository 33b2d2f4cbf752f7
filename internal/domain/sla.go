package domain

import "time"

// SLASeverity is the remediation tier of a breach event.
type SLASeverity string

const (
	SeverityWarning  SLASeverity = "warning"
	SeverityBreach   SLASeverity = "breach"
	SeverityCritical SLASeverity = "critical"
)

// Level maps a severity onto the SLALevel recorded on queued tasks.
func (s SLASeverity) Level() SLALevel {
	switch s {
	case SeverityWarning:
		return SLALevelWarning
	case SeverityBreach:
		return SLALevelBreach
	case SeverityCritical:
		return SLALevelCritical
	default:
		return SLALevelNone
	}
}

// SLABreachEvent is an immutable record of one escalation action.
type SLABreachEvent struct {
	ID          string      `json:"id"`
	TaskID      string      `json:"task_id"`
	QueueID     string      `json:"queue_id"`
	PipelineID  string      `json:"pipeline_id,omitempty"`
	Severity    SLASeverity `json:"severity"`
	PercentUsed float64     `json:"percent_used"`
	OldPriority int         `json:"old_priority"`
	NewPriority int         `json:"new_priority"`
	Action      string      `json:"action"`
	OccurredAt  time.Time   `json:"occurred_at"`
}

// BreachStats aggregates breach events since process start.
type BreachStats struct {
	Total      int64            `json:"total"`
	Warnings   int64            `json:"warnings"`
	Breaches   int64            `json:"breaches"`
	Criticals  int64            `json:"criticals"`
	ByQueue    map[string]int64 `json:"by_queue"`
	Sweeps     int64            `json:"sweeps"`
	LastSweep  time.Time        `json:"last_sweep,omitempty"`
	Retained   int              `json:"retained"`
	RingLength int              `json:"ring_length"`
}
