package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure: no infrastructure dependency.

var (
	// Ingestion errors
	ErrPipelineNotFound   = errors.New("pipeline not found")
	ErrPipelineDisabled   = errors.New("pipeline is disabled")
	ErrWorkTypeNotAllowed = errors.New("work type not allowed by pipeline")
	ErrMissingTitle       = errors.New("task title is required")
	ErrInvalidSource      = errors.New("unknown ingestion source")
	ErrDuplicateTask      = errors.New("task with this external id already ingested")
	ErrRoutingFailed      = errors.New("no routing rule matched and default routing rejects")

	// Task store errors
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskExists        = errors.New("task already exists")
	ErrInvalidTransition = errors.New("invalid task status transition")

	// Queue errors
	ErrDLQEntryNotFound = errors.New("dead-letter entry not found")

	// Dispatch errors
	ErrAgentNotConnected = errors.New("agent is not connected")
	ErrAgentBusy         = errors.New("agent already holds a task")
	ErrTaskNotAssigned   = errors.New("task is not assigned to this agent")
	ErrUnknownAction     = errors.New("unknown task action")
	ErrUnknownEvent      = errors.New("unknown agent event")

	// SLA monitor errors
	ErrMonitorRunning = errors.New("sla monitor already running")
)
