package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func gatheredNames(t *testing.T) map[string]bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestIngestionMetrics(t *testing.T) {
	TasksIngested.WithLabelValues("support", "QUEUED").Inc()
	IngestLatency.Observe(0.002)
	RuleMatches.WithLabelValues("vip").Inc()

	names := gatheredNames(t)
	for _, name := range []string{
		"switchboard_tasks_ingested_total",
		"switchboard_ingest_latency_seconds",
		"switchboard_rule_matches_total",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestQueueMetrics(t *testing.T) {
	QueueDepth.WithLabelValues("billing").Set(4)
	QueueOldestAge.WithLabelValues("billing").Set(12.5)
	DLQDepth.Set(1)
	Requeues.WithLabelValues("agent_rejected").Inc()

	names := gatheredNames(t)
	for _, name := range []string{
		"switchboard_queue_depth",
		"switchboard_queue_oldest_age_seconds",
		"switchboard_dlq_depth",
		"switchboard_requeues_total",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestDispatchAndSLAMetrics(t *testing.T) {
	SLABreaches.WithLabelValues("warning").Inc()
	Assignments.WithLabelValues("billing").Inc()
	AssignWait.Observe(42)
	AgentsByState.WithLabelValues("IDLE").Set(3)

	names := gatheredNames(t)
	for _, name := range []string{
		"switchboard_sla_breaches_total",
		"switchboard_assignments_total",
		"switchboard_assign_wait_seconds",
		"switchboard_agents",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestHealthMetrics(t *testing.T) {
	HealthCheckStatus.WithLabelValues("store").Set(1)
	HealthRecoveries.WithLabelValues("store").Inc()

	names := gatheredNames(t)
	if !names["switchboard_health_check_status"] {
		t.Error("switchboard_health_check_status not found")
	}
	if !names["switchboard_health_recoveries_total"] {
		t.Error("switchboard_health_recoveries_total not found")
	}
}
