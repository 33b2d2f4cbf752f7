// Package sla implements the SLA monitor: a periodic sweep over every queue
// that escalates aging tasks.
//
// Tiers, evaluated in order and mutually exclusive:
//   - ≥ CriticalPercent: expire the task to the DLQ (reason sla_expired)
//   - ≥ BreachPercent:   force priority to BreachPriority
//   - ≥ WarningPercent:  lower priority by WarningStep (floor MinPriority)
//
// Each remediation is one atomic queue-manager call. The tier already applied
// is recorded on the queued task, so re-running a sweep without elapsed time
// emits nothing new.
package sla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutu-network/switchboard/internal/domain"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config holds the monitor's policy constants.
type Config struct {
	Interval        time.Duration `toml:"interval"`
	WarningPercent  float64       `toml:"warning_percent"`
	BreachPercent   float64       `toml:"breach_percent"`
	CriticalPercent float64       `toml:"critical_percent"`
	WarningStep     int           `toml:"warning_step"`
	BreachPriority  int           `toml:"breach_priority"`
	MinPriority     int           `toml:"min_priority"`
	RingSize        int           `toml:"ring_size"`
}

// DefaultConfig returns production SLA defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        10 * time.Second,
		WarningPercent:  80,
		BreachPercent:   100,
		CriticalPercent: 150,
		WarningStep:     2,
		BreachPriority:  1,
		MinPriority:     1,
		RingSize:        200,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.WarningPercent <= 0 {
		c.WarningPercent = d.WarningPercent
	}
	if c.BreachPercent <= 0 {
		c.BreachPercent = d.BreachPercent
	}
	if c.CriticalPercent <= 0 {
		c.CriticalPercent = d.CriticalPercent
	}
	if c.WarningStep <= 0 {
		c.WarningStep = d.WarningStep
	}
	if c.BreachPriority <= 0 {
		c.BreachPriority = d.BreachPriority
	}
	if c.MinPriority <= 0 {
		c.MinPriority = d.MinPriority
	}
	if c.RingSize <= 0 {
		c.RingSize = d.RingSize
	}
	return c
}

// Queues is the slice of the queue manager the monitor needs.
type Queues interface {
	TasksApproachingSLA(thresholdPercent float64) []domain.SLACandidate
	Escalate(queueID, taskID string, level domain.SLALevel, newPriority int) domain.Escalation
	ExpireToDLQ(queueID, taskID, reason string) (domain.DLQEntry, bool)
}

// Actions recorded on breach events.
const (
	ActionPriorityLowered = "priority_lowered"
	ActionWarned          = "warned"
	ActionPriorityForced  = "priority_forced"
	ActionMovedToDLQ      = "moved_to_dlq"
)

// ─── Monitor ────────────────────────────────────────────────────────────────

// Monitor sweeps queues for tasks approaching or past their SLA deadline.
type Monitor struct {
	config Config
	queues Queues
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	ring    []domain.SLABreachEvent
	next    int
	stats   domain.BreachStats
	onEvent []func(domain.SLABreachEvent)
	log     domain.BreachLog

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a stopped monitor over queues.
func NewMonitor(cfg Config, queues Queues, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Monitor{
		config: cfg,
		queues: queues,
		logger: logger.With(zap.String("component", "sla")),
		now:    time.Now,
		ring:   make([]domain.SLABreachEvent, 0, cfg.RingSize),
		stats:  domain.BreachStats{ByQueue: make(map[string]int64)},
	}
}

// SetClock overrides the time source (tests).
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// SetBreachLog persists every event to log in addition to the ring buffer.
func (m *Monitor) SetBreachLog(log domain.BreachLog) {
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

// OnBreach registers a callback invoked for every event. Callbacks run on the
// sweep goroutine; a panicking callback is logged and does not abort the sweep.
func (m *Monitor) OnBreach(fn func(domain.SLABreachEvent)) {
	m.mu.Lock()
	m.onEvent = append(m.onEvent, fn)
	m.mu.Unlock()
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Start runs the sweep loop in a goroutine every interval (zero keeps the
// configured interval). Returns ErrMonitorRunning if already started.
func (m *Monitor) Start(interval time.Duration) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return domain.ErrMonitorRunning
	}
	if interval <= 0 {
		interval = m.config.Interval
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		m.loop(ctx, interval)
	}(m.done)
	m.logger.Info("sla monitor started", zap.Duration("interval", interval))
	return nil
}

// Stop cancels the sweep loop and waits for it to exit. Safe to call when
// not running.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("sla monitor stopped")
}

// Running reports whether the sweep loop is active.
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}

// Run sweeps every interval until ctx is cancelled. It blocks, which suits
// errgroup-managed lifecycles.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Start(0); err != nil {
		return err
	}
	<-ctx.Done()
	m.Stop()
	return nil
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckSLACompliance()
		}
	}
}

// ─── Sweep ──────────────────────────────────────────────────────────────────

// CheckSLACompliance runs one sweep and returns the events it produced.
func (m *Monitor) CheckSLACompliance() []domain.SLABreachEvent {
	cfg := m.config
	var events []domain.SLABreachEvent
	for _, c := range m.queues.TasksApproachingSLA(cfg.WarningPercent) {
		if ev, ok := m.remediate(c); ok {
			events = append(events, ev)
		}
	}

	m.mu.Lock()
	m.stats.Sweeps++
	m.stats.LastSweep = m.now()
	callbacks := append([]func(domain.SLABreachEvent){}, m.onEvent...)
	log := m.log
	for _, ev := range events {
		m.recordLocked(ev)
	}
	m.mu.Unlock()

	for _, ev := range events {
		if log != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := log.AppendBreach(ctx, ev); err != nil {
				m.logger.Warn("persist breach event", zap.String("event_id", ev.ID), zap.Error(err))
			}
			cancel()
		}
		for _, fn := range callbacks {
			m.invoke(fn, ev)
		}
	}
	if len(events) > 0 {
		m.logger.Info("sla sweep escalated tasks", zap.Int("events", len(events)))
	}
	return events
}

func (m *Monitor) remediate(c domain.SLACandidate) (domain.SLABreachEvent, bool) {
	cfg := m.config
	qt := c.QueuedTask
	ev := domain.SLABreachEvent{
		TaskID:      qt.Task.ID,
		QueueID:     qt.QueueID,
		PipelineID:  qt.PipelineID,
		PercentUsed: c.PercentUsed,
		OldPriority: qt.Priority,
		NewPriority: qt.Priority,
	}

	switch {
	case c.PercentUsed >= cfg.CriticalPercent:
		if _, ok := m.queues.ExpireToDLQ(qt.QueueID, qt.Task.ID, domain.ReasonSLAExpired); !ok {
			return ev, false
		}
		ev.Severity = domain.SeverityCritical
		ev.Action = ActionMovedToDLQ
	case c.PercentUsed >= cfg.BreachPercent:
		esc := m.queues.Escalate(qt.QueueID, qt.Task.ID, domain.SeverityBreach.Level(), cfg.BreachPriority)
		if !esc.Applied {
			return ev, false
		}
		ev.Severity = domain.SeverityBreach
		ev.Action = ActionPriorityForced
		ev.OldPriority, ev.NewPriority = esc.OldPriority, esc.NewPriority
	default:
		target := max(qt.Priority-cfg.WarningStep, cfg.MinPriority)
		esc := m.queues.Escalate(qt.QueueID, qt.Task.ID, domain.SeverityWarning.Level(), target)
		if !esc.Applied {
			return ev, false
		}
		ev.Severity = domain.SeverityWarning
		ev.Action = ActionWarned
		if esc.NewPriority < esc.OldPriority {
			ev.Action = ActionPriorityLowered
		}
		ev.OldPriority, ev.NewPriority = esc.OldPriority, esc.NewPriority
	}

	ev.ID = uuid.New().String()
	ev.OccurredAt = m.now()
	m.logger.Debug("sla escalation",
		zap.String("task_id", ev.TaskID),
		zap.String("queue_id", ev.QueueID),
		zap.String("severity", string(ev.Severity)),
		zap.Float64("percent_used", ev.PercentUsed),
		zap.Int("old_priority", ev.OldPriority),
		zap.Int("new_priority", ev.NewPriority),
	)
	return ev, true
}

func (m *Monitor) invoke(fn func(domain.SLABreachEvent), ev domain.SLABreachEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("breach callback panicked",
				zap.String("event_id", ev.ID),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn(ev)
}

// ─── Ring Buffer & Stats ────────────────────────────────────────────────────

func (m *Monitor) recordLocked(ev domain.SLABreachEvent) {
	if len(m.ring) < m.config.RingSize {
		m.ring = append(m.ring, ev)
	} else {
		m.ring[m.next] = ev
		m.next = (m.next + 1) % m.config.RingSize
	}

	m.stats.Total++
	m.stats.ByQueue[ev.QueueID]++
	switch ev.Severity {
	case domain.SeverityWarning:
		m.stats.Warnings++
	case domain.SeverityBreach:
		m.stats.Breaches++
	case domain.SeverityCritical:
		m.stats.Criticals++
	}
}

// RecentBreaches returns up to limit events, newest first. A non-positive
// limit returns the whole ring.
func (m *Monitor) RecentBreaches(limit int) []domain.SLABreachEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.ring)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.SLABreachEvent, 0, limit)
	// newest is just before m.next once the ring has wrapped
	newest := n - 1
	if n == m.config.RingSize {
		newest = (m.next - 1 + n) % n
	}
	for i := 0; i < limit; i++ {
		out = append(out, m.ring[(newest-i+n)%n])
	}
	return out
}

// BreachStats returns aggregate counts since process start.
func (m *Monitor) BreachStats() domain.BreachStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.ByQueue = make(map[string]int64, len(m.stats.ByQueue))
	for k, v := range m.stats.ByQueue {
		s.ByQueue[k] = v
	}
	s.Retained = len(m.ring)
	s.RingLength = m.config.RingSize
	return s
}
