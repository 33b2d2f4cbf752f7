// Package queue implements the priority queue manager.
//
// Core concepts:
//   - Queue: a named slice kept sorted by (priority asc, enqueuedAt asc)
//   - DLQ: a single dead-letter list shared by all queues
//   - Requeue: failed deliveries go back with their original enqueue time
//     until MaxRetries is reached, then to the DLQ
//   - Observability: depth, oldest age, rolling average wait
//
// Every mutation holds the queue's own mutex for its whole duration, so no
// partially sorted state is observable. Unknown queue IDs read as empty.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/switchboard/internal/domain"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures the queue manager.
type Config struct {
	WaitSamples       int // wait-time samples kept per queue (default 100)
	DefaultMaxRetries int // applied to tasks enqueued without MaxRetries (default 3)
	MinReprioritize   int // lower clamp for Reprioritize (default 1)
}

// DefaultConfig returns production queue defaults.
func DefaultConfig() Config {
	return Config{
		WaitSamples:       100,
		DefaultMaxRetries: domain.DefaultMaxRetries,
		MinReprioritize:   1,
	}
}

// ─── Queue ──────────────────────────────────────────────────────────────────

type queue struct {
	mu    sync.Mutex
	id    string
	tasks []*domain.QueuedTask

	waits    []time.Duration // ring of the last N wait samples
	waitNext int

	dequeued      atomic.Int64
	requeued      atomic.Int64
	reprioritized atomic.Int64
}

// insertLocked places qt at its sorted position. Ties go after equals so
// FIFO order holds for identical (priority, enqueuedAt) pairs.
func (q *queue) insertLocked(qt *domain.QueuedTask) {
	i := sort.Search(len(q.tasks), func(i int) bool {
		return qt.Before(q.tasks[i])
	})
	q.tasks = append(q.tasks, nil)
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = qt
}

func (q *queue) indexLocked(taskID string) int {
	for i, qt := range q.tasks {
		if qt.Task.ID == taskID {
			return i
		}
	}
	return -1
}

func (q *queue) removeAtLocked(i int) *domain.QueuedTask {
	qt := q.tasks[i]
	copy(q.tasks[i:], q.tasks[i+1:])
	q.tasks[len(q.tasks)-1] = nil
	q.tasks = q.tasks[:len(q.tasks)-1]
	return qt
}

func (q *queue) recordWaitLocked(wait time.Duration, limit int) {
	if limit <= 0 {
		return
	}
	if len(q.waits) < limit {
		q.waits = append(q.waits, wait)
		return
	}
	q.waits[q.waitNext] = wait
	q.waitNext = (q.waitNext + 1) % limit
}

// ─── Manager ────────────────────────────────────────────────────────────────

// Manager owns every named queue and the dead-letter queue.
type Manager struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	queues map[string]*queue

	dlqMu sync.Mutex
	dlq   []domain.DLQEntry

	totalEnqueued atomic.Int64
	totalDLQ      atomic.Int64
}

// NewManager creates an empty queue manager.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.WaitSamples <= 0 {
		cfg.WaitSamples = 100
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = domain.DefaultMaxRetries
	}
	if cfg.MinReprioritize <= 0 {
		cfg.MinReprioritize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config: cfg,
		logger: logger.With(zap.String("component", "queue")),
		now:    time.Now,
		queues: make(map[string]*queue),
	}
}

// SetClock overrides the time source (tests).
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// EnsureQueue creates the queue if it does not exist. Idempotent.
func (m *Manager) EnsureQueue(id string) {
	m.ensure(id)
}

func (m *Manager) ensure(id string) *queue {
	m.mu.RLock()
	q, ok := m.queues[id]
	m.mu.RUnlock()
	if ok {
		return q
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[id]; ok {
		return q
	}
	q = &queue{id: id}
	m.queues[id] = q
	return q
}

func (m *Manager) lookup(id string) *queue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queues[id]
}

// QueueIDs returns every live queue ID in sorted order.
func (m *Manager) QueueIDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.queues))
	for id := range m.queues {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// ─── Enqueue / Dequeue ──────────────────────────────────────────────────────

// Enqueue inserts qt into queueID at its sorted position, creating the queue
// on first use. A zero EnqueuedAt is stamped with the current time.
func (m *Manager) Enqueue(queueID string, qt domain.QueuedTask) {
	q := m.ensure(queueID)
	qt.QueueID = queueID
	qt.Task.QueueID = queueID
	if qt.EnqueuedAt.IsZero() {
		qt.EnqueuedAt = m.now()
	}
	if qt.MaxRetries <= 0 {
		qt.MaxRetries = m.config.DefaultMaxRetries
	}
	qt.Priority = domain.ClampPriority(qt.Priority)
	qt.Task.Priority = qt.Priority

	q.mu.Lock()
	q.insertLocked(&qt)
	q.mu.Unlock()
	m.totalEnqueued.Add(1)
}

// Dequeue removes and returns the head of queueID, recording its wait time.
// Returns nil when the queue is empty or unknown.
func (m *Manager) Dequeue(queueID string) *domain.QueuedTask {
	q := m.lookup(queueID)
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	qt := q.removeAtLocked(0)
	q.recordWaitLocked(m.now().Sub(qt.EnqueuedAt), m.config.WaitSamples)
	q.dequeued.Add(1)
	return qt
}

// Peek returns a copy of the head of queueID without removing it.
func (m *Manager) Peek(queueID string) *domain.QueuedTask {
	q := m.lookup(queueID)
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	c := q.tasks[0].Clone()
	return &c
}

// RemoveFromQueue extracts a specific task, used when a task is claimed for
// assignment. Records a wait sample like Dequeue.
func (m *Manager) RemoveFromQueue(queueID, taskID string) *domain.QueuedTask {
	q := m.lookup(queueID)
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(taskID)
	if i < 0 {
		return nil
	}
	qt := q.removeAtLocked(i)
	q.recordWaitLocked(m.now().Sub(qt.EnqueuedAt), m.config.WaitSamples)
	q.dequeued.Add(1)
	return qt
}

// ─── Requeue / Reprioritize ─────────────────────────────────────────────────

// Requeue returns a task whose delivery failed. The retry count is bumped and
// the reason recorded; once RetryCount reaches MaxRetries the task goes to the
// DLQ instead. EnqueuedAt is preserved so the task keeps its seniority.
// Returns true if the task went back into a live queue.
func (m *Manager) Requeue(qt domain.QueuedTask, reason string) bool {
	qt.RetryCount++
	qt.LastFailureReason = reason
	if qt.MaxRetries <= 0 {
		qt.MaxRetries = m.config.DefaultMaxRetries
	}
	if qt.RetryCount >= qt.RetryLimit() {
		m.MoveToDLQ(qt, fmt.Sprintf("%s: %s", domain.ReasonMaxRetries, reason))
		return false
	}

	q := m.ensure(qt.QueueID)
	q.mu.Lock()
	if i := q.indexLocked(qt.Task.ID); i >= 0 {
		q.removeAtLocked(i)
	}
	q.insertLocked(&qt)
	q.mu.Unlock()
	q.requeued.Add(1)

	m.logger.Debug("task requeued",
		zap.String("task_id", qt.Task.ID),
		zap.String("queue_id", qt.QueueID),
		zap.Int("retry_count", qt.RetryCount),
		zap.String("reason", reason),
	)
	return true
}

// Reprioritize moves a task to newPriority (clamped to [1,10]) and restores
// sort order. Returns false if the task is not in the queue.
func (m *Manager) Reprioritize(queueID, taskID string, newPriority int, reason string) bool {
	q := m.lookup(queueID)
	if q == nil {
		return false
	}
	newPriority = clampRange(newPriority, m.config.MinReprioritize, domain.MaxPriority)

	q.mu.Lock()
	i := q.indexLocked(taskID)
	if i < 0 {
		q.mu.Unlock()
		return false
	}
	qt := q.removeAtLocked(i)
	old := qt.Priority
	qt.Priority = newPriority
	qt.Task.Priority = newPriority
	q.insertLocked(qt)
	q.mu.Unlock()
	q.reprioritized.Add(1)

	m.logger.Debug("task reprioritized",
		zap.String("task_id", taskID),
		zap.String("queue_id", queueID),
		zap.Int("old_priority", old),
		zap.Int("new_priority", newPriority),
		zap.String("reason", reason),
	)
	return true
}

// Escalate raises a task's SLA level and optionally its priority in one
// critical section. It is a no-op when the task is gone or already at level
// or above. newPriority is only applied when it lowers the number.
func (m *Manager) Escalate(queueID, taskID string, level domain.SLALevel, newPriority int) domain.Escalation {
	q := m.lookup(queueID)
	if q == nil {
		return domain.Escalation{}
	}
	newPriority = clampRange(newPriority, m.config.MinReprioritize, domain.MaxPriority)

	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(taskID)
	if i < 0 {
		return domain.Escalation{}
	}
	qt := q.tasks[i]
	if qt.SLALevel >= level {
		return domain.Escalation{}
	}
	res := domain.Escalation{Applied: true, OldPriority: qt.Priority, NewPriority: qt.Priority}
	qt.SLALevel = level
	if newPriority < qt.Priority {
		q.removeAtLocked(i)
		qt.Priority = newPriority
		qt.Task.Priority = newPriority
		q.insertLocked(qt)
		q.reprioritized.Add(1)
		res.NewPriority = newPriority
	}
	return res
}

// ─── Dead-Letter Queue ──────────────────────────────────────────────────────

// MoveToDLQ removes qt from its live queue if present and appends a DLQ entry.
func (m *Manager) MoveToDLQ(qt domain.QueuedTask, reason string) domain.DLQEntry {
	if q := m.lookup(qt.QueueID); q != nil {
		q.mu.Lock()
		if i := q.indexLocked(qt.Task.ID); i >= 0 {
			q.removeAtLocked(i)
		}
		q.mu.Unlock()
	}
	return m.appendDLQ(qt, reason)
}

// ExpireToDLQ moves a task to the DLQ only if it is still resident in
// queueID. The check and the removal happen under one lock, so a task claimed
// for assignment in the meantime is left alone.
func (m *Manager) ExpireToDLQ(queueID, taskID, reason string) (domain.DLQEntry, bool) {
	q := m.lookup(queueID)
	if q == nil {
		return domain.DLQEntry{}, false
	}
	q.mu.Lock()
	i := q.indexLocked(taskID)
	if i < 0 {
		q.mu.Unlock()
		return domain.DLQEntry{}, false
	}
	qt := q.removeAtLocked(i)
	q.mu.Unlock()
	return m.appendDLQ(*qt, reason), true
}

func (m *Manager) appendDLQ(qt domain.QueuedTask, reason string) domain.DLQEntry {
	entry := domain.DLQEntry{QueuedTask: qt, Reason: reason, MovedAt: m.now()}
	m.dlqMu.Lock()
	m.dlq = append(m.dlq, entry)
	m.dlqMu.Unlock()
	m.totalDLQ.Add(1)

	m.logger.Info("task moved to dead-letter queue",
		zap.String("task_id", qt.Task.ID),
		zap.String("queue_id", qt.QueueID),
		zap.Int("retry_count", qt.RetryCount),
		zap.String("reason", reason),
	)
	return entry
}

// ListDLQ returns a copy of every DLQ entry, oldest first.
func (m *Manager) ListDLQ() []domain.DLQEntry {
	m.dlqMu.Lock()
	defer m.dlqMu.Unlock()
	out := make([]domain.DLQEntry, len(m.dlq))
	for i, e := range m.dlq {
		out[i] = e
		out[i].QueuedTask = e.QueuedTask.Clone()
	}
	return out
}

// GetDLQEntry returns the DLQ entry for taskID.
func (m *Manager) GetDLQEntry(taskID string) (domain.DLQEntry, bool) {
	m.dlqMu.Lock()
	defer m.dlqMu.Unlock()
	for _, e := range m.dlq {
		if e.QueuedTask.Task.ID == taskID {
			e.QueuedTask = e.QueuedTask.Clone()
			return e, true
		}
	}
	return domain.DLQEntry{}, false
}

// TakeFromDLQ removes and returns the entry for taskID (explicit retry or
// discard). It is the only way entries leave the DLQ.
func (m *Manager) TakeFromDLQ(taskID string) (domain.DLQEntry, bool) {
	m.dlqMu.Lock()
	defer m.dlqMu.Unlock()
	for i, e := range m.dlq {
		if e.QueuedTask.Task.ID == taskID {
			m.dlq = append(m.dlq[:i], m.dlq[i+1:]...)
			return e, true
		}
	}
	return domain.DLQEntry{}, false
}

// DLQCount returns the number of DLQ entries, optionally filtered by queue.
// An empty queueID counts everything.
func (m *Manager) DLQCount(queueID string) int {
	m.dlqMu.Lock()
	defer m.dlqMu.Unlock()
	if queueID == "" {
		return len(m.dlq)
	}
	n := 0
	for _, e := range m.dlq {
		if e.QueuedTask.QueueID == queueID {
			n++
		}
	}
	return n
}

// ─── Stats & Inspection ─────────────────────────────────────────────────────

// QueueDepth returns the number of tasks resident in queueID.
func (m *Manager) QueueDepth(queueID string) int {
	q := m.lookup(queueID)
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// TotalDepth returns the number of tasks across every live queue.
func (m *Manager) TotalDepth() int {
	total := 0
	for _, id := range m.QueueIDs() {
		total += m.QueueDepth(id)
	}
	return total
}

// ListQueue returns copies of the tasks in queueID in dispatch order.
func (m *Manager) ListQueue(queueID string) []domain.QueuedTask {
	q := m.lookup(queueID)
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.QueuedTask, len(q.tasks))
	for i, qt := range q.tasks {
		out[i] = qt.Clone()
	}
	return out
}

// QueueStats returns depth, oldest-task age, average wait and DLQ count.
func (m *Manager) QueueStats(queueID string) domain.QueueStats {
	stats := domain.QueueStats{QueueID: queueID, DLQCount: m.DLQCount(queueID)}
	q := m.lookup(queueID)
	if q == nil {
		return stats
	}

	now := m.now()
	q.mu.Lock()
	stats.Depth = len(q.tasks)
	for _, qt := range q.tasks {
		if age := now.Sub(qt.EnqueuedAt); age > stats.OldestAge {
			stats.OldestAge = age
		}
	}
	stats.WaitSamples = len(q.waits)
	if len(q.waits) > 0 {
		var sum time.Duration
		for _, w := range q.waits {
			sum += w
		}
		stats.AverageWait = sum / time.Duration(len(q.waits))
	}
	q.mu.Unlock()

	stats.Dequeued = q.dequeued.Load()
	stats.Requeued = q.requeued.Load()
	stats.Reprioritized = q.reprioritized.Load()
	return stats
}

// AllStats returns QueueStats for every live queue.
func (m *Manager) AllStats() []domain.QueueStats {
	ids := m.QueueIDs()
	out := make([]domain.QueueStats, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.QueueStats(id))
	}
	return out
}

// TasksApproachingSLA scans every queue for tasks whose elapsed share of the
// SLA window is at least thresholdPercent. Results are snapshots.
func (m *Manager) TasksApproachingSLA(thresholdPercent float64) []domain.SLACandidate {
	now := m.now()
	var out []domain.SLACandidate
	for _, id := range m.QueueIDs() {
		q := m.lookup(id)
		if q == nil {
			continue
		}
		q.mu.Lock()
		for _, qt := range q.tasks {
			if !qt.HasSLA() {
				continue
			}
			pct := qt.SLAPercentUsed(now)
			if pct >= thresholdPercent {
				out = append(out, domain.SLACandidate{QueuedTask: qt.Clone(), PercentUsed: pct})
			}
		}
		q.mu.Unlock()
	}
	return out
}

// Totals returns lifetime enqueue and DLQ counters.
func (m *Manager) Totals() (enqueued, deadLettered int64) {
	return m.totalEnqueued.Load(), m.totalDLQ.Load()
}

func clampRange(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
