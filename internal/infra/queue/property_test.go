package queue

import (
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/tutu-network/switchboard/internal/domain"
)

// Property: dequeue order is always non-decreasing by (priority, enqueuedAt)
// regardless of insertion order, requeues or reprioritizations.
func TestProperty_DequeueOrderSorted(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager(DefaultConfig(), nil)
		m.SetClock(func() time.Time { return epoch })

		n := rapid.IntRange(1, 40).Draw(t, "n")
		for i := 0; i < n; i++ {
			pri := rapid.IntRange(0, 10).Draw(t, "priority")
			offset := rapid.IntRange(0, 600).Draw(t, "offset")
			m.Enqueue("q", queued(fmt.Sprintf("t%d", i), pri, epoch.Add(time.Duration(offset)*time.Second)))
		}

		ops := rapid.IntRange(0, 10).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			id := fmt.Sprintf("t%d", rapid.IntRange(0, n-1).Draw(t, "target"))
			if rapid.Bool().Draw(t, "reprioritize") {
				m.Reprioritize("q", id, rapid.IntRange(1, 10).Draw(t, "newPriority"), "prop")
				continue
			}
			if qt := m.RemoveFromQueue("q", id); qt != nil {
				m.Requeue(*qt, "prop")
			}
		}

		var prev *domain.QueuedTask
		for qt := m.Dequeue("q"); qt != nil; qt = m.Dequeue("q") {
			if prev != nil && qt.Before(prev) {
				t.Fatalf("%s (p=%d, at=%v) dequeued after %s (p=%d, at=%v)",
					qt.Task.ID, qt.Priority, qt.EnqueuedAt, prev.Task.ID, prev.Priority, prev.EnqueuedAt)
			}
			prev = qt
		}
	})
}

// Property: a task requeued until exhaustion lives in exactly one place, the DLQ.
func TestProperty_ExhaustedTaskInDLQOnly(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager(DefaultConfig(), nil)
		maxRetries := rapid.IntRange(1, 6).Draw(t, "maxRetries")
		qt := queued("t", rapid.IntRange(0, 10).Draw(t, "priority"), epoch)
		qt.MaxRetries = maxRetries
		m.Enqueue("q", qt)

		for i := 0; i < maxRetries; i++ {
			head := m.Dequeue("q")
			if head == nil {
				t.Fatalf("task vanished before retry %d", i+1)
			}
			m.Requeue(*head, "prop")
		}

		if d := m.QueueDepth("q"); d != 0 {
			t.Fatalf("live depth = %d, want 0", d)
		}
		if c := m.DLQCount(""); c != 1 {
			t.Fatalf("dlq count = %d, want 1", c)
		}
	})
}
