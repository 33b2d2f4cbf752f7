package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tutu-network/switchboard/internal/infra/events"
)

// ─── Server-Sent Events ─────────────────────────────────────────────────────

// handleAgentStream streams one agent's notifications (task:assigned,
// task:timeout).
func (s *Server) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event hub not configured")
		return
	}
	id := chi.URLParam(r, "id")
	ch, cancel := s.deps.Hub.Subscribe(id)
	defer cancel()
	s.stream(w, r, ch, zap.String("agent_id", id))
}

// handleEventStream streams every event, including sla:breach broadcasts.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event hub not configured")
		return
	}
	ch, cancel := s.deps.Hub.SubscribeAll()
	defer cancel()
	s.stream(w, r, ch, zap.String("agent_id", "*"))
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, ch <-chan events.Event, field zap.Field) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writer := bufio.NewWriter(w)
	fmt.Fprint(writer, ": connected\n\n")
	writer.Flush()
	flusher.Flush()

	s.logger.Debug("stream opened", field)
	defer s.logger.Debug("stream closed", field)

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(writer, ": ping\n\n")
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("encode event", zap.String("type", ev.Type), zap.Error(err))
				continue
			}
			fmt.Fprintf(writer, "event: %s\ndata: %s\n\n", ev.Type, data)
		}
		if err := writer.Flush(); err != nil {
			return
		}
		flusher.Flush()
	}
}
