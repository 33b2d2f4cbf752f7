// Package events fans dispatch and SLA events out to connected agents and
// operator dashboards.
//
// Delivery is non-blocking: every subscriber owns a buffered channel and an
// event is dropped for a subscriber whose buffer is full.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types pushed to the transport.
const (
	TaskAssigned = "task:assigned"
	TaskTimeout  = "task:timeout"
	SLABreach    = "sla:breach"
)

// Event is one message on the hub. AgentID is empty for broadcasts.
type Event struct {
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Hub routes events to per-agent and firehose subscribers.
type Hub struct {
	mu      sync.RWMutex
	agents  map[string][]chan Event
	all     []chan Event
	buffer  int
	closed  bool
	dropped atomic.Int64
	now     func() time.Time
}

// NewHub creates a hub with the given per-subscriber buffer (0 = 64).
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		agents: make(map[string][]chan Event),
		buffer: buffer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers a stream for one agent. The returned cancel function
// removes the subscription and closes the channel.
func (h *Hub) Subscribe(agentID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.agents[agentID] = append(h.agents[agentID], ch)
	return ch, func() { h.unsubscribeAgent(agentID, ch) }
}

// SubscribeAll registers a stream that receives every event.
func (h *Hub) SubscribeAll() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.all = append(h.all, ch)
	return ch, func() { h.unsubscribeAll(ch) }
}

func (h *Hub) unsubscribeAgent(agentID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.agents[agentID]
	for i, c := range subs {
		if c == ch {
			h.agents[agentID] = append(subs[:i], subs[i+1:]...)
			if len(h.agents[agentID]) == 0 {
				delete(h.agents, agentID)
			}
			close(ch)
			return
		}
	}
}

func (h *Hub) unsubscribeAll(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.all {
		if c == ch {
			h.all = append(h.all[:i], h.all[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish delivers ev to the addressed agent's streams and to every firehose
// stream. Returns the number of deliveries.
func (h *Hub) Publish(ev Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0
	}
	n := 0
	if ev.AgentID != "" {
		for _, ch := range h.agents[ev.AgentID] {
			n += h.send(ch, ev)
		}
	}
	for _, ch := range h.all {
		n += h.send(ch, ev)
	}
	return n
}

func (h *Hub) send(ch chan Event, ev Event) int {
	select {
	case ch <- ev:
		return 1
	default:
		h.dropped.Add(1)
		return 0
	}
}

// Notify publishes a typed event for one agent.
func (h *Hub) Notify(agentID, eventType string, payload any) {
	h.Publish(Event{Type: eventType, AgentID: agentID, Data: payload})
}

// Broadcast publishes an event to firehose subscribers only.
func (h *Hub) Broadcast(eventType string, payload any) {
	h.Publish(Event{Type: eventType, Data: payload})
}

// Dropped returns how many deliveries were dropped on full buffers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Subscribers returns the number of agent and firehose subscriptions.
func (h *Hub) Subscribers() (agents, all int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, subs := range h.agents {
		agents += len(subs)
	}
	return agents, len(h.all)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, subs := range h.agents {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.agents, id)
	}
	for _, ch := range h.all {
		close(ch)
	}
	h.all = nil
}
