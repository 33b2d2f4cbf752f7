package queue

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/switchboard/internal/domain"
)

// ═══════════════════════════════════════════════════════════════════════════
// Queue Manager Tests
// ═══════════════════════════════════════════════════════════════════════════

var epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: epoch}
	m := NewManager(DefaultConfig(), nil)
	m.SetClock(clock.Now)
	return m, clock
}

func queued(id string, priority int, at time.Time) domain.QueuedTask {
	return domain.QueuedTask{
		Task:       domain.Task{ID: id, Status: domain.TaskPending, Priority: priority},
		Priority:   priority,
		EnqueuedAt: at,
	}
}

func drain(m *Manager, queueID string) []string {
	var ids []string
	for qt := m.Dequeue(queueID); qt != nil; qt = m.Dequeue(queueID) {
		ids = append(ids, qt.Task.ID)
	}
	return ids
}

// ─── Ordering ───────────────────────────────────────────────────────────────

func TestManager_DequeueOrder_Scenario(t *testing.T) {
	m, _ := newTestManager(t)
	m.Enqueue("q", queued("A", 5, epoch))
	m.Enqueue("q", queued("B", 1, epoch.Add(time.Second)))
	m.Enqueue("q", queued("C", 5, epoch.Add(2*time.Second)))

	assert.Equal(t, []string{"B", "A", "C"}, drain(m, "q"))
}

func TestManager_EqualKeysStayFIFO(t *testing.T) {
	m, _ := newTestManager(t)
	for i := 0; i < 5; i++ {
		m.Enqueue("q", queued(fmt.Sprintf("t%d", i), 3, epoch))
	}
	assert.Equal(t, []string{"t0", "t1", "t2", "t3", "t4"}, drain(m, "q"))
}

func TestManager_EnqueueClampsPriority(t *testing.T) {
	m, _ := newTestManager(t)
	m.Enqueue("q", queued("hi", 42, epoch))
	m.Enqueue("q", queued("lo", -3, epoch))

	head := m.Peek("q")
	require.NotNil(t, head)
	assert.Equal(t, "lo", head.Task.ID)
	assert.Equal(t, 0, head.Priority)
	list := m.ListQueue("q")
	assert.Equal(t, 10, list[1].Priority)
}

func TestManager_EnqueueStampsDefaults(t *testing.T) {
	m, clock := newTestManager(t)
	clock.Advance(time.Minute)
	m.Enqueue("q", domain.QueuedTask{Task: domain.Task{ID: "x"}, Priority: 4})

	head := m.Peek("q")
	require.NotNil(t, head)
	assert.Equal(t, clock.now, head.EnqueuedAt)
	assert.Equal(t, domain.DefaultMaxRetries, head.MaxRetries)
	assert.Equal(t, "q", head.QueueID)
	assert.Equal(t, "q", head.Task.QueueID)
}

// ─── Unknown queues ─────────────────────────────────────────────────────────

func TestManager_UnknownQueueIsEmpty(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Nil(t, m.Dequeue("nope"))
	assert.Nil(t, m.Peek("nope"))
	assert.Nil(t, m.RemoveFromQueue("nope", "x"))
	assert.False(t, m.Reprioritize("nope", "x", 1, "test"))
	assert.Equal(t, 0, m.QueueDepth("nope"))
	assert.Equal(t, domain.QueueStats{QueueID: "nope"}, m.QueueStats("nope"))
	assert.False(t, m.Escalate("nope", "x", domain.SLALevelWarning, 1).Applied)
	_, ok := m.ExpireToDLQ("nope", "x", "r")
	assert.False(t, ok)
}

func TestManager_EnsureQueueIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	m.EnsureQueue("q")
	m.Enqueue("q", queued("a", 1, epoch))
	m.EnsureQueue("q")
	assert.Equal(t, 1, m.QueueDepth("q"))
	assert.Equal(t, []string{"q"}, m.QueueIDs())
}

// ─── Peek / Remove ──────────────────────────────────────────────────────────

func TestManager_PeekReturnsCopy(t *testing.T) {
	m, _ := newTestManager(t)
	m.Enqueue("q", queued("a", 1, epoch))

	head := m.Peek("q")
	head.Priority = 9
	head.Task.ID = "mutated"

	again := m.Peek("q")
	assert.Equal(t, "a", again.Task.ID)
	assert.Equal(t, 1, again.Priority)
}

func TestManager_RemoveFromQueue(t *testing.T) {
	m, clock := newTestManager(t)
	m.Enqueue("q", queued("a", 1, epoch))
	m.Enqueue("q", queued("b", 2, epoch))
	clock.Advance(10 * time.Second)

	got := m.RemoveFromQueue("q", "b")
	require.NotNil(t, got)
	assert.Equal(t, "b", got.Task.ID)
	assert.Nil(t, m.RemoveFromQueue("q", "b"))
	assert.Equal(t, 1, m.QueueDepth("q"))
	assert.Equal(t, 10*time.Second, m.QueueStats("q").AverageWait)
}

// ─── Requeue ────────────────────────────────────────────────────────────────

func TestManager_RequeuePreservesSeniority(t *testing.T) {
	m, clock := newTestManager(t)
	m.Enqueue("q", queued("old", 5, epoch))
	first := m.Dequeue("q")
	require.NotNil(t, first)

	clock.Advance(time.Minute)
	m.Enqueue("q", queued("newer", 5, clock.now))

	require.True(t, m.Requeue(*first, "agent_rejected"))
	head := m.Peek("q")
	assert.Equal(t, "old", head.Task.ID)
	assert.Equal(t, epoch, head.EnqueuedAt)
	assert.Equal(t, 1, head.RetryCount)
	assert.Equal(t, "agent_rejected", head.LastFailureReason)
}

func TestManager_RequeueExhaustsToDLQ(t *testing.T) {
	m, _ := newTestManager(t)
	m.Enqueue("q", queued("t", 5, epoch))

	qt := m.Dequeue("q")
	for i := 1; i < domain.DefaultMaxRetries; i++ {
		require.True(t, m.Requeue(*qt, "agent_rejected"), "retry %d", i)
		qt = m.Dequeue("q")
		require.NotNil(t, qt)
	}
	assert.False(t, m.Requeue(*qt, "agent_rejected"))

	assert.Equal(t, 0, m.QueueDepth("q"))
	dlq := m.ListDLQ()
	require.Len(t, dlq, 1)
	assert.Equal(t, "t", dlq[0].QueuedTask.Task.ID)
	assert.True(t, strings.HasPrefix(dlq[0].Reason, domain.ReasonMaxRetries+": "))
	assert.Equal(t, "max_retries_exceeded: agent_rejected", dlq[0].Reason)
}

func TestManager_RequeueOfResidentTaskDoesNotDuplicate(t *testing.T) {
	m, _ := newTestManager(t)
	m.Enqueue("q", queued("t", 5, epoch))
	head := m.Peek("q")
	require.True(t, m.Requeue(*head, "retry"))
	assert.Equal(t, 1, m.QueueDepth("q"))
}

// ─── Reprioritize / Escalate ────────────────────────────────────────────────

func TestManager_Reprioritize(t *testing.T) {
	m, _ := newTestManager(t)
	m.Enqueue("q", queued("a", 2, epoch))
	m.Enqueue("q", queued("b", 8, epoch.Add(time.Second)))

	require.True(t, m.Reprioritize("q", "b", 0, "vip"))
	head := m.Peek("q")
	assert.Equal(t, "b", head.Task.ID)
	assert.Equal(t, 1, head.Priority, "reprioritize clamps to 1")
	assert.Equal(t, 1, head.Task.Priority)
	assert.Equal(t, int64(1), m.QueueStats("q").Reprioritized)
}

func TestManager_EscalateIsMonotonic(t *testing.T) {
	m, _ := newTestManager(t)
	m.Enqueue("q", queued("a", 5, epoch))

	res := m.Escalate("q", "a", domain.SLALevelWarning, 3)
	assert.Equal(t, domain.Escalation{Applied: true, OldPriority: 5, NewPriority: 3}, res)

	again := m.Escalate("q", "a", domain.SLALevelWarning, 1)
	assert.False(t, again.Applied)

	breach := m.Escalate("q", "a", domain.SLALevelBreach, 1)
	assert.True(t, breach.Applied)
	assert.Equal(t, 1, m.Peek("q").Priority)
	assert.Equal(t, domain.SLALevelBreach, m.Peek("q").SLALevel)
}

func TestManager_EscalateNeverRaisesNumber(t *testing.T) {
	m, _ := newTestManager(t)
	m.Enqueue("q", queued("a", 1, epoch))
	res := m.Escalate("q", "a", domain.SLALevelWarning, 3)
	assert.True(t, res.Applied)
	assert.Equal(t, 1, res.NewPriority)
}

// ─── DLQ ────────────────────────────────────────────────────────────────────

func TestManager_MoveToDLQRemovesFromLiveQueue(t *testing.T) {
	m, _ := newTestManager(t)
	m.Enqueue("q", queued("a", 1, epoch))
	head := m.Peek("q")

	entry := m.MoveToDLQ(*head, "routing_failed")
	assert.Equal(t, "routing_failed", entry.Reason)
	assert.Equal(t, 0, m.QueueDepth("q"))
	assert.Equal(t, 1, m.DLQCount("q"))
	assert.Equal(t, 1, m.QueueStats("q").DLQCount)
}

func TestManager_ExpireToDLQIgnoresClaimedTask(t *testing.T) {
	m, _ := newTestManager(t)
	m.Enqueue("q", queued("a", 1, epoch))
	require.NotNil(t, m.RemoveFromQueue("q", "a"))

	_, ok := m.ExpireToDLQ("q", "a", domain.ReasonSLAExpired)
	assert.False(t, ok)
	assert.Equal(t, 0, m.DLQCount(""))
}

func TestManager_TakeFromDLQ(t *testing.T) {
	m, _ := newTestManager(t)
	m.MoveToDLQ(queued("a", 1, epoch), "x")
	m.MoveToDLQ(queued("b", 1, epoch), "y")

	e, ok := m.GetDLQEntry("b")
	require.True(t, ok)
	assert.Equal(t, "y", e.Reason)

	taken, ok := m.TakeFromDLQ("a")
	require.True(t, ok)
	assert.Equal(t, "x", taken.Reason)
	_, ok = m.TakeFromDLQ("a")
	assert.False(t, ok)
	assert.Equal(t, 1, m.DLQCount(""))
}

// ─── Stats ──────────────────────────────────────────────────────────────────

func TestManager_QueueStats(t *testing.T) {
	m, clock := newTestManager(t)
	m.Enqueue("q", queued("a", 1, epoch))
	m.Enqueue("q", queued("b", 2, epoch.Add(30*time.Second)))
	clock.Advance(time.Minute)

	stats := m.QueueStats("q")
	assert.Equal(t, 2, stats.Depth)
	assert.Equal(t, time.Minute, stats.OldestAge)

	m.Dequeue("q") // waited 60s
	m.Dequeue("q") // waited 30s
	stats = m.QueueStats("q")
	assert.Equal(t, 45*time.Second, stats.AverageWait)
	assert.Equal(t, 2, stats.WaitSamples)
	assert.Equal(t, int64(2), stats.Dequeued)
}

func TestManager_WaitSamplesBounded(t *testing.T) {
	clock := &fakeClock{now: epoch}
	m := NewManager(Config{WaitSamples: 3}, nil)
	m.SetClock(clock.Now)
	for i := 0; i < 10; i++ {
		m.Enqueue("q", queued(fmt.Sprintf("t%d", i), 1, clock.now))
		clock.Advance(time.Duration(i) * time.Second)
		m.Dequeue("q")
	}
	stats := m.QueueStats("q")
	assert.Equal(t, 3, stats.WaitSamples)
	// last three waits were 7s, 8s, 9s
	assert.Equal(t, 8*time.Second, stats.AverageWait)
}

func TestManager_TasksApproachingSLA(t *testing.T) {
	m, clock := newTestManager(t)
	withSLA := queued("sla", 5, epoch)
	withSLA.SLADeadline = epoch.Add(100 * time.Second)
	m.Enqueue("a", withSLA)
	m.Enqueue("b", queued("nosla", 5, epoch))

	clock.Advance(79 * time.Second)
	assert.Empty(t, m.TasksApproachingSLA(80))

	clock.Advance(6 * time.Second)
	got := m.TasksApproachingSLA(80)
	require.Len(t, got, 1)
	assert.Equal(t, "sla", got[0].QueuedTask.Task.ID)
	assert.InDelta(t, 85, got[0].PercentUsed, 0.01)
}
