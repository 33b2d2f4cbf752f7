// Package metrics provides Prometheus metrics for switchboard.
// Counters, gauges and histograms for ingestion, queues, the dead-letter
// queue, SLA escalation, dispatch and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "switchboard"

// ─── Ingestion ──────────────────────────────────────────────────────────────

// TasksIngested tracks ingestion outcomes by pipeline and status.
var TasksIngested = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_ingested_total",
	Help:      "Total ingestion attempts by pipeline and outcome status.",
}, []string{"pipeline", "status"})

// IngestLatency tracks the duration of one ingestion (lookup to signal).
var IngestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "ingest_latency_seconds",
	Help:      "Duration of a single task ingestion.",
	Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
})

// RuleMatches tracks rule-engine matches by rule set.
var RuleMatches = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "rule_matches_total",
	Help:      "Total rule matches by rule set.",
}, []string{"rule_set"})

// ─── Queues ─────────────────────────────────────────────────────────────────

// QueueDepth tracks tasks resident per queue.
var QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "queue_depth",
	Help:      "Number of tasks waiting per queue.",
}, []string{"queue"})

// QueueOldestAge tracks the age of the oldest waiting task per queue.
var QueueOldestAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "queue_oldest_age_seconds",
	Help:      "Age of the oldest waiting task per queue.",
}, []string{"queue"})

// DLQDepth tracks entries in the dead-letter queue.
var DLQDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "dlq_depth",
	Help:      "Number of entries in the dead-letter queue.",
})

// Requeues tracks failed deliveries returned to a queue, by reason.
var Requeues = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "requeues_total",
	Help:      "Total requeues by reason.",
}, []string{"reason"})

// ─── SLA ────────────────────────────────────────────────────────────────────

// SLABreaches tracks SLA escalation events by severity.
var SLABreaches = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "sla_breaches_total",
	Help:      "Total SLA escalation events by severity.",
}, []string{"severity"})

// ─── Dispatch ───────────────────────────────────────────────────────────────

// Assignments tracks tasks reserved for agents, by queue.
var Assignments = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "assignments_total",
	Help:      "Total task reservations by queue.",
}, []string{"queue"})

// AssignWait tracks time from enqueue to reservation.
var AssignWait = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "assign_wait_seconds",
	Help:      "Time from task enqueue to agent reservation.",
	Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
})

// AgentsByState tracks connected agents per state.
var AgentsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "agents",
	Help:      "Connected agents by state.",
}, []string{"state"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

// HealthRecoveries tracks auto-recovery attempts.
var HealthRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "health_recoveries_total",
	Help:      "Total auto-recovery attempts per check.",
}, []string{"check"})
