package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tutu-network/switchboard/internal/app/dispatch"
	"github.com/tutu-network/switchboard/internal/domain"
)

// ─── Tasks ──────────────────────────────────────────────────────────────────

// ingestStatus maps an ingestion outcome onto an HTTP status. Outcomes are
// results, not transport errors, so the body always carries the full result.
func ingestStatus(st domain.IngestStatus) int {
	switch st {
	case domain.IngestQueued, domain.IngestHeld:
		return http.StatusCreated
	case domain.IngestDLQ:
		return http.StatusAccepted
	case domain.IngestDuplicate:
		return http.StatusOK
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var in domain.TaskIngestionInput
	if err := decodeJSON(w, r, maxBodyBytes, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if in.Source == "" {
		in.Source = domain.SourceAPI
	}
	res := s.deps.Orchestrator.Ingest(r.Context(), in)
	writeJSON(w, ingestStatus(res.Status), res)
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var inputs []domain.TaskIngestionInput
	if err := decodeJSON(w, r, maxBatchBytes, &inputs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	for i := range inputs {
		if inputs[i].Source == "" {
			inputs[i].Source = domain.SourceAPI
		}
	}
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.IngestBatch(r.Context(), inputs))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryLimit(r, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks, err := s.deps.Tasks.ListTasks(r.Context(), domain.TaskFilter{
		PipelineID: q.Get("pipeline_id"),
		Status:     domain.TaskStatus(q.Get("status")),
		QueueID:    q.Get("queue_id"),
		Limit:      limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Tasks.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ─── Queues ─────────────────────────────────────────────────────────────────

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	enqueued, deadLettered := s.deps.Queues.Totals()
	writeJSON(w, http.StatusOK, map[string]any{
		"queues":              s.deps.Queues.AllStats(),
		"total_depth":         s.deps.Queues.TotalDepth(),
		"total_enqueued":      enqueued,
		"total_dead_lettered": deadLettered,
	})
}

// ─── Rule Sets ──────────────────────────────────────────────────────────────

type ruleStats struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Matches int64  `json:"matches"`
}

func (s *Server) handleRuleSetStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var found []domain.RuleSet
	if s.deps.RuleSets != nil {
		found = s.deps.RuleSets.RuleSets([]string{id})
	}
	if len(found) == 0 {
		writeError(w, http.StatusNotFound, "rule set not found: "+id)
		return
	}
	rs := found[0]
	rules := make([]ruleStats, 0, len(rs.Rules))
	for _, rule := range rs.Rules {
		rules = append(rules, ruleStats{
			ID:      rule.ID,
			Name:    rule.Name,
			Enabled: rule.Enabled,
			Matches: s.deps.RuleSets.MatchCount(rs.ID, rule.ID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      rs.ID,
		"name":    rs.Name,
		"enabled": rs.Enabled,
		"rules":   rules,
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Queues.QueueStats(chi.URLParam(r, "id")))
}

func (s *Server) handleQueueTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.deps.Queues.ListQueue(chi.URLParam(r, "id"))
	if tasks == nil {
		tasks = []domain.QueuedTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// ─── Dead-Letter Queue ──────────────────────────────────────────────────────

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.Queues.ListDLQ()
	if queueID := r.URL.Query().Get("queue_id"); queueID != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.QueuedTask.QueueID == queueID {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if entries == nil {
		entries = []domain.DLQEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Orchestrator.RetryDLQ(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, ingestStatus(res.Status), res)
}

func (s *Server) handleDiscardDLQ(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Orchestrator.DiscardDLQ(r.Context(), chi.URLParam(r, "taskID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── SLA ────────────────────────────────────────────────────────────────────

func (s *Server) handleBreaches(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var breaches []domain.SLABreachEvent
	if s.deps.Breaches != nil {
		breaches, err = s.deps.Breaches.ListBreaches(r.Context(), limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
	} else {
		breaches = s.deps.SLA.RecentBreaches(limit)
	}
	if breaches == nil {
		breaches = []domain.SLABreachEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"breaches": breaches})
}

func (s *Server) handleSLAStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running": s.deps.SLA.Running(),
		"stats":   s.deps.SLA.BreachStats(),
	})
}

func (s *Server) handleSLACheck(w http.ResponseWriter, r *http.Request) {
	evs := s.deps.SLA.CheckSLACompliance()
	if evs == nil {
		evs = []domain.SLABreachEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// ─── Agents ─────────────────────────────────────────────────────────────────

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.deps.Dispatcher.Agents()})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, ok := s.deps.Dispatcher.Agent(id)
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: %s", domain.ErrAgentNotConnected, id))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAgentEvent(w http.ResponseWriter, r *http.Request) {
	var ev dispatch.AgentEvent
	if err := decodeJSON(w, r, maxBodyBytes, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.deps.Dispatcher.HandleEvent(r.Context(), ev); err != nil {
		s.logger.Debug("agent event refused",
			zap.String("agent_id", ev.AgentID),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
		s.fail(w, r, err)
		return
	}
	resp := map[string]any{"ok": true}
	if a, ok := s.deps.Dispatcher.Agent(ev.AgentID); ok {
		resp["agent"] = a
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}
