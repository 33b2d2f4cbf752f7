// Package memory provides the process-resident TaskStore used by default and
// in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tutu-network/switchboard/internal/domain"
)

// TaskStore keeps tasks in a map. Values are cloned on the way in and out so
// callers never share storage with the store.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

// NewTaskStore creates an empty store.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]domain.Task)}
}

// CreateTask inserts a new task. Returns ErrTaskExists on ID collision.
func (s *TaskStore) CreateTask(_ context.Context, task domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskExists, task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// UpdateTask replaces an existing task.
func (s *TaskStore) UpdateTask(_ context.Context, task domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// GetTask returns a copy of the task.
func (s *TaskStore) GetTask(_ context.Context, id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	c := t.Clone()
	return &c, nil
}

// ListTasks returns matching tasks, newest first.
func (s *TaskStore) ListTasks(_ context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	s.mu.RLock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.PipelineID != "" && t.PipelineID != f.PipelineID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.QueueID != "" && t.QueueID != f.QueueID {
			continue
		}
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *TaskStore) Ping(context.Context) error { return nil }

// Len returns the number of stored tasks.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// ─── Breach Log ─────────────────────────────────────────────────────────────

// BreachLog keeps SLA breach events in memory, bounded to the last max.
type BreachLog struct {
	mu     sync.Mutex
	max    int
	events []domain.SLABreachEvent
}

// NewBreachLog creates a breach log holding at most capacity events
// (0 = 10000).
func NewBreachLog(capacity int) *BreachLog {
	if capacity <= 0 {
		capacity = 10000
	}
	return &BreachLog{max: capacity}
}

// AppendBreach records ev, evicting the oldest event when full.
func (l *BreachLog) AppendBreach(_ context.Context, ev domain.SLABreachEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == l.max {
		copy(l.events, l.events[1:])
		l.events = l.events[:len(l.events)-1]
	}
	l.events = append(l.events, ev)
	return nil
}

// ListBreaches returns up to limit events, newest first.
func (l *BreachLog) ListBreaches(_ context.Context, limit int) ([]domain.SLABreachEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.SLABreachEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.events[i])
	}
	return out, nil
}
