// Package api provides the switchboard HTTP server: task ingestion, queue and
// dead-letter inspection, SLA reporting, agent events and live event streams.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tutu-network/switchboard/internal/app/dispatch"
	"github.com/tutu-network/switchboard/internal/app/orchestrator"
	"github.com/tutu-network/switchboard/internal/app/sla"
	"github.com/tutu-network/switchboard/internal/domain"
	"github.com/tutu-network/switchboard/internal/health"
	"github.com/tutu-network/switchboard/internal/infra/events"
	"github.com/tutu-network/switchboard/internal/infra/queue"
)

// Version is reported by /api/version.
const Version = "0.1.0"

// RuleSetStats reads rule sets together with their lifetime match counts.
type RuleSetStats interface {
	RuleSets(ids []string) []domain.RuleSet
	MatchCount(ruleSetID, ruleID string) int64
}

// Deps are the services the API fronts. Breaches, Health and RuleSets are
// optional.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Queues       *queue.Manager
	Tasks        domain.TaskStore
	SLA          *sla.Monitor
	Breaches     domain.BreachLog
	Dispatcher   *dispatch.Coordinator
	Hub          *events.Hub
	Health       *health.Checker
	RuleSets     RuleSetStats
}

// Server is the switchboard HTTP API server.
type Server struct {
	deps           Deps
	logger         *zap.Logger
	metricsEnabled bool
	heartbeat      time.Duration
}

// NewServer creates a new API server.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		deps:      deps,
		logger:    logger.With(zap.String("component", "api")),
		heartbeat: 15 * time.Second,
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Event streams are long-lived and stay outside the request timeout.
	r.Get("/api/agents/{id}/stream", s.handleAgentStream)
	r.Get("/api/events", s.handleEventStream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/health", s.handleHealth)
		r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": Version})
		})

		r.Route("/api/tasks", func(r chi.Router) {
			r.Post("/", s.handleIngest)
			r.Post("/batch", s.handleIngestBatch)
			r.Get("/", s.handleListTasks)
			r.Get("/{id}", s.handleGetTask)
		})

		r.Route("/api/queues", func(r chi.Router) {
			r.Get("/", s.handleListQueues)
			r.Get("/{id}", s.handleQueueStats)
			r.Get("/{id}/tasks", s.handleQueueTasks)
		})

		r.Get("/api/rulesets/{id}", s.handleRuleSetStats)

		r.Route("/api/dlq", func(r chi.Router) {
			r.Get("/", s.handleListDLQ)
			r.Post("/{taskID}/retry", s.handleRetryDLQ)
			r.Delete("/{taskID}", s.handleDiscardDLQ)
		})

		r.Route("/api/sla", func(r chi.Router) {
			r.Get("/breaches", s.handleBreaches)
			r.Get("/stats", s.handleSLAStats)
			r.Post("/check", s.handleSLACheck)
		})

		r.Route("/api/agents", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.Get("/{id}", s.handleGetAgent)
			r.Post("/events", s.handleAgentEvent)
		})
	})

	// Prometheus metrics endpoint
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	statuses := s.deps.Health.Statuses()
	status, code := "ok", http.StatusOK
	if !s.deps.Health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": statuses,
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// maxBodyBytes caps single-task requests; batches get maxBatchBytes.
const (
	maxBodyBytes  = 1 << 20
	maxBatchBytes = 16 << 20
)

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	return json.NewDecoder(r.Body).Decode(v)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    http.StatusText(status),
		},
	})
}

// errorStatus maps domain sentinels onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrDLQEntryNotFound),
		errors.Is(err, domain.ErrAgentNotConnected):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAgentBusy),
		errors.Is(err, domain.ErrTaskNotAssigned),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnknownAction),
		errors.Is(err, domain.ErrUnknownEvent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, code, err.Error())
}

// corsMiddleware adds CORS headers for browser dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
