package domain

// TaskFromSource is the payload an ingestion front-end hands to the
// orchestrator.
type TaskFromSource struct {
	ExternalID  string            `json:"external_id,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	WorkType    string            `json:"work_type,omitempty"`
	Priority    *int              `json:"priority,omitempty"`
	Skills      []string          `json:"skills,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// TaskIngestionInput is the single ingestion contract, whatever the source.
type TaskIngestionInput struct {
	PipelineID string         `json:"pipeline_id"`
	TaskData   TaskFromSource `json:"task_data"`
	Source     Source         `json:"source"`
	SourceID   string         `json:"source_id,omitempty"`
}

// IngestStatus is the outcome of one ingestion.
type IngestStatus string

const (
	IngestQueued    IngestStatus = "QUEUED"
	IngestDLQ       IngestStatus = "DLQ"
	IngestRejected  IngestStatus = "REJECTED"
	IngestHeld      IngestStatus = "HELD"
	IngestDuplicate IngestStatus = "DUPLICATE"
)

// RoutingConditionTrace records one routing condition, including how the
// field was resolved.
type RoutingConditionTrace struct {
	ConditionTrace
	ResolvedKey string `json:"resolved_key,omitempty"`
	Resolution  string `json:"resolution,omitempty"` // exact | case_insensitive | trimmed
	Suggestion  string `json:"suggestion,omitempty"`
}

// RoutingRuleTrace records one routing rule's evaluation.
type RoutingRuleTrace struct {
	RuleID     string                  `json:"rule_id"`
	RuleName   string                  `json:"rule_name"`
	Matched    bool                    `json:"matched"`
	Skipped    string                  `json:"skipped,omitempty"`
	Conditions []RoutingConditionTrace `json:"conditions,omitempty"`
}

// Diagnostics explain an ingestion outcome so operators can fix upstream data
// or rule configuration.
type Diagnostics struct {
	RuleEvaluation  []RuleTrace        `json:"rule_evaluation,omitempty"`
	ModifiedFields  []string           `json:"modified_fields,omitempty"`
	RoutingRules    []RoutingRuleTrace `json:"routing_rules,omitempty"`
	MatchedRules    []string           `json:"matched_rules,omitempty"`
	UnmatchedRules  []string           `json:"unmatched_rules,omitempty"`
	AvailableFields []string           `json:"available_fields,omitempty"`
	SuggestedFields map[string]string  `json:"suggested_fields,omitempty"`
	DefaultRouting  string             `json:"default_routing,omitempty"`
	DuplicateOf     string             `json:"duplicate_of,omitempty"`
}

// OrchestrationResult is returned for every ingestion attempt.
type OrchestrationResult struct {
	Success     bool         `json:"success"`
	TaskID      string       `json:"task_id,omitempty"`
	QueueID     string       `json:"queue_id,omitempty"`
	RuleID      string       `json:"rule_id,omitempty"`
	RuleName    string       `json:"rule_name,omitempty"`
	Status      IngestStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	Diagnostics *Diagnostics `json:"diagnostics,omitempty"`
}

// BatchResult folds per-item results into aggregate counts.
type BatchResult struct {
	Results   []OrchestrationResult `json:"results"`
	Total     int                   `json:"total"`
	Queued    int                   `json:"queued"`
	DLQ       int                   `json:"dlq"`
	Rejected  int                   `json:"rejected"`
	Held      int                   `json:"held"`
	Duplicate int                   `json:"duplicate"`
}

// Add counts one result into the batch.
func (b *BatchResult) Add(r OrchestrationResult) {
	b.Results = append(b.Results, r)
	b.Total++
	switch r.Status {
	case IngestQueued:
		b.Queued++
	case IngestDLQ:
		b.DLQ++
	case IngestRejected:
		b.Rejected++
	case IngestHeld:
		b.Held++
	case IngestDuplicate:
		b.Duplicate++
	}
}
