package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/switchboard/internal/domain"
	"github.com/tutu-network/switchboard/internal/infra/memory"
	"github.com/tutu-network/switchboard/internal/infra/queue"
)

// ─── Fixtures ───────────────────────────────────────────────────────────────

type notice struct {
	agentID, eventType string
	payload            any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notice
}

func (n *recordingNotifier) Notify(agentID, eventType string, payload any) {
	n.mu.Lock()
	n.sent = append(n.sent, notice{agentID, eventType, payload})
	n.mu.Unlock()
}

func (n *recordingNotifier) of(eventType string) []notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notice
	for _, s := range n.sent {
		if s.eventType == eventType {
			out = append(out, s)
		}
	}
	return out
}

type directory struct {
	routing  map[string]domain.RoutingConfig
	profiles map[string]domain.AgentProfile
}

func (d directory) Queues() []domain.QueueConfig { return nil }

func (d directory) RoutingFor(queueID string) (domain.RoutingConfig, bool) {
	rc, ok := d.routing[queueID]
	return rc, ok
}

func (d directory) Profile(agentID string) (domain.AgentProfile, bool) {
	p, ok := d.profiles[agentID]
	return p, ok
}

type harness struct {
	coord    *Coordinator
	queues   *queue.Manager
	tasks    *memory.TaskStore
	notifier *recordingNotifier
	dir      directory
	now      time.Time
}

func newTestCoordinator(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		queues:   queue.NewManager(queue.DefaultConfig(), nil),
		tasks:    memory.NewTaskStore(),
		notifier: &recordingNotifier{},
		dir: directory{
			routing:  make(map[string]domain.RoutingConfig),
			profiles: make(map[string]domain.AgentProfile),
		},
		now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.queues.SetClock(clock)
	h.coord = New(Deps{
		Queues:   h.queues,
		Tasks:    h.tasks,
		Routing:  h.dir,
		Agents:   h.dir,
		Notifier: h.notifier,
	}, nil)
	h.coord.SetClock(clock)
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) enqueue(t *testing.T, queueID, id string, priority int, skills ...string) {
	t.Helper()
	task := domain.Task{
		ID: id, Title: id, Priority: priority, Skills: skills,
		Status: domain.TaskPending, CreatedAt: h.now,
	}
	require.NoError(t, h.tasks.CreateTask(context.Background(), task))
	h.queues.Enqueue(queueID, domain.QueuedTask{Task: task, Priority: priority, EnqueuedAt: h.now})
	h.advance(time.Second)
}

func (h *harness) event(t *testing.T, ev AgentEvent) {
	t.Helper()
	require.NoError(t, h.coord.HandleEvent(context.Background(), ev))
}

func (h *harness) ready(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		h.event(t, AgentEvent{Type: EventConnect, AgentID: id, Name: id})
		h.event(t, AgentEvent{Type: EventReady, AgentID: id})
	}
}

func (h *harness) agent(t *testing.T, id string) domain.AgentSnapshot {
	t.Helper()
	a, ok := h.coord.Agent(id)
	require.True(t, ok, "agent %s not connected", id)
	return a
}

func (h *harness) task(t *testing.T, id string) *domain.Task {
	t.Helper()
	task, err := h.tasks.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

// ─── Pull ───────────────────────────────────────────────────────────────────

func TestReady_PullsBestHeadAcrossQueues(t *testing.T) {
	h := newTestCoordinator(t)
	h.enqueue(t, "general", "g1", 5)
	h.enqueue(t, "billing", "b1", 3)
	h.enqueue(t, "sales", "s1", 3)

	h.ready(t, "alice")

	a := h.agent(t, "alice")
	assert.Equal(t, domain.AgentReserved, a.State)
	assert.Equal(t, "b1", a.CurrentTaskID, "lowest priority number, then oldest")
	assert.Equal(t, 0, h.queues.QueueDepth("billing"))

	task := h.task(t, "b1")
	assert.Equal(t, domain.TaskReserved, task.Status)
	assert.Equal(t, "alice", task.AssignedAgent)
	require.Len(t, task.Assignments, 1)
	assert.Equal(t, h.now, task.Assignments[0].ReservedAt)

	assigned := h.notifier.of(NotifyTaskAssigned)
	require.Len(t, assigned, 1)
	assert.Equal(t, "alice", assigned[0].agentID)
	assert.Equal(t, "b1", assigned[0].payload.(domain.Task).ID)
}

func TestReady_SkipsHeadsAgentCannotWork(t *testing.T) {
	h := newTestCoordinator(t)
	h.dir.routing["billing"] = domain.RoutingConfig{Mode: domain.SkillStrict}
	h.enqueue(t, "billing", "b1", 1, "billing")
	h.enqueue(t, "general", "g1", 7)

	h.ready(t, "alice")
	assert.Equal(t, "g1", h.agent(t, "alice").CurrentTaskID)
	assert.Equal(t, 1, h.queues.QueueDepth("billing"))
}

func TestReady_PullKeepsRoundRobinRotation(t *testing.T) {
	h := newTestCoordinator(t)
	rc := domain.RoutingConfig{Algorithm: domain.AlgoRoundRobin}
	h.dir.routing["general"] = rc
	h.enqueue(t, "general", "g1", 5)
	h.enqueue(t, "general", "g2", 5)

	h.ready(t, "carol")
	require.Equal(t, "g1", h.agent(t, "carol").CurrentTaskID)

	idle := func(id string) domain.AgentSnapshot {
		return domain.AgentSnapshot{
			Profile: domain.AgentProfile{ID: id, MaxConcurrent: 1},
			State:   domain.AgentIdle,
		}
	}
	sel, ok := h.coord.scorer.Select("general", &domain.Task{ID: "g2"},
		[]domain.AgentSnapshot{idle("bob"), idle("alice")}, rc, h.now)
	require.True(t, ok)
	assert.Equal(t, "alice", sel.AgentID, "a pull must not consume a push rotation slot")
}

func TestReady_RespectsServedQueues(t *testing.T) {
	h := newTestCoordinator(t)
	h.dir.profiles["alice"] = domain.AgentProfile{ID: "alice", Queues: []string{"sales"}}
	h.enqueue(t, "general", "g1", 1)

	h.ready(t, "alice")
	a := h.agent(t, "alice")
	assert.Equal(t, domain.AgentIdle, a.State)
	assert.Empty(t, a.CurrentTaskID)
	assert.Equal(t, "alice", a.Profile.Name, "connect name overrides profile")
}

// ─── Push ───────────────────────────────────────────────────────────────────

func TestOnTaskEnqueued_PushesToIdleAgents(t *testing.T) {
	h := newTestCoordinator(t)
	h.ready(t, "alice", "bob")
	h.enqueue(t, "general", "t1", 5)
	h.enqueue(t, "general", "t2", 5)
	h.enqueue(t, "general", "t3", 5)

	require.NoError(t, h.coord.OnTaskEnqueued(context.Background(), "general"))
	assert.Equal(t, "t1", h.agent(t, "alice").CurrentTaskID)
	assert.Equal(t, "t2", h.agent(t, "bob").CurrentTaskID)
	assert.Equal(t, 1, h.queues.QueueDepth("general"), "no idle agent left for t3")
}

func TestOnTaskEnqueued_PreferredAgent(t *testing.T) {
	h := newTestCoordinator(t)
	h.ready(t, "alice", "bob")
	task := domain.Task{ID: "vip", Title: "vip", Priority: 2, Status: domain.TaskPending, PreferredAgents: []string{"bob"}}
	require.NoError(t, h.tasks.CreateTask(context.Background(), task))
	h.queues.Enqueue("general", domain.QueuedTask{Task: task, Priority: 2})

	require.NoError(t, h.coord.OnTaskEnqueued(context.Background(), "general"))
	assert.Equal(t, "vip", h.agent(t, "bob").CurrentTaskID)
	assert.Equal(t, domain.AgentIdle, h.agent(t, "alice").State)
}

func TestOnTaskEnqueued_NoAgents(t *testing.T) {
	h := newTestCoordinator(t)
	h.enqueue(t, "general", "t1", 5)
	assert.NoError(t, h.coord.OnTaskEnqueued(context.Background(), "general"))
	assert.NoError(t, h.coord.OnTaskEnqueued(context.Background(), "unknown"))
	assert.Equal(t, 1, h.queues.QueueDepth("general"))
}

// ─── Task Actions ───────────────────────────────────────────────────────────

func TestTaskLifecycle_AcceptCompleteDisposition(t *testing.T) {
	h := newTestCoordinator(t)
	h.enqueue(t, "general", "t1", 5)
	h.enqueue(t, "general", "t2", 6)
	h.ready(t, "alice")
	require.Equal(t, "t1", h.agent(t, "alice").CurrentTaskID)

	h.event(t, AgentEvent{Type: EventTaskAction, AgentID: "alice", TaskID: "t1", Action: ActionAccept})
	assert.Equal(t, domain.AgentActive, h.agent(t, "alice").State)
	assert.Equal(t, domain.TaskActive, h.task(t, "t1").Status)

	h.advance(2 * time.Minute)
	h.event(t, AgentEvent{Type: EventTaskAction, AgentID: "alice", TaskID: "t1", Action: ActionComplete})
	assert.Equal(t, domain.AgentWrapUp, h.agent(t, "alice").State)
	assert.Equal(t, domain.TaskWrapUp, h.task(t, "t1").Status)

	h.event(t, AgentEvent{Type: EventDispositionComplete, AgentID: "alice", TaskID: "t1", DispositionCode: "RESOLVED"})
	done := h.task(t, "t1")
	assert.Equal(t, domain.TaskCompleted, done.Status)
	assert.Equal(t, "RESOLVED", done.DispositionCode)
	assert.Equal(t, "completed", done.Assignments[0].Outcome)

	a := h.agent(t, "alice")
	assert.Equal(t, 1, a.TasksHandled)
	assert.Equal(t, 2*time.Minute, a.AvgHandleTime)
	assert.Equal(t, "t2", a.CurrentTaskID, "freed agent pulls the next task")
}

func TestTaskAction_CompleteWithDisposition(t *testing.T) {
	h := newTestCoordinator(t)
	h.enqueue(t, "general", "t1", 5)
	h.ready(t, "alice")
	h.event(t, AgentEvent{Type: EventTaskAction, AgentID: "alice", TaskID: "t1", Action: ActionAccept})
	h.event(t, AgentEvent{Type: EventTaskAction, AgentID: "alice", TaskID: "t1", Action: ActionComplete, DispositionCode: "SOLD"})

	assert.Equal(t, domain.TaskCompleted, h.task(t, "t1").Status)
	assert.Equal(t, domain.AgentIdle, h.agent(t, "alice").State)
}

func TestTaskAction_RejectGoesToAnotherAgent(t *testing.T) {
	h := newTestCoordinator(t)
	h.ready(t, "alice", "bob")
	h.enqueue(t, "general", "t1", 5)
	require.NoError(t, h.coord.OnTaskEnqueued(context.Background(), "general"))
	require.Equal(t, "t1", h.agent(t, "alice").CurrentTaskID)

	h.event(t, AgentEvent{Type: EventTaskAction, AgentID: "alice", TaskID: "t1", Action: ActionReject})

	assert.Equal(t, "t1", h.agent(t, "bob").CurrentTaskID)
	alice := h.agent(t, "alice")
	assert.Equal(t, domain.AgentIdle, alice.State)
	assert.Empty(t, alice.CurrentTaskID)

	task := h.task(t, "t1")
	assert.Equal(t, "bob", task.AssignedAgent)
	require.Len(t, task.Assignments, 2)
	assert.Equal(t, domain.ReasonAgentRejected, task.Assignments[0].Outcome)
}

func TestTaskAction_RejectKeepsSeniority(t *testing.T) {
	h := newTestCoordinator(t)
	h.enqueue(t, "general", "t1", 5)
	enqueuedAt := h.queues.Peek("general").EnqueuedAt
	h.ready(t, "alice")
	h.enqueue(t, "general", "t2", 5)

	h.event(t, AgentEvent{Type: EventTaskAction, AgentID: "alice", TaskID: "t1", Action: ActionReject})
	assert.Equal(t, "t2", h.agent(t, "alice").CurrentTaskID, "rejecting agent is not handed the same task")

	head := h.queues.Peek("general")
	require.NotNil(t, head)
	assert.Equal(t, "t1", head.Task.ID)
	assert.Equal(t, enqueuedAt, head.EnqueuedAt)
	assert.Equal(t, 1, head.RetryCount)
	assert.Equal(t, domain.ReasonAgentRejected, head.LastFailureReason)
	assert.Equal(t, domain.TaskPending, head.Task.Status)
}

func TestTaskAction_RetriesExhaustedGoesToDLQ(t *testing.T) {
	h := newTestCoordinator(t)
	task := domain.Task{ID: "t1", Title: "t1", Priority: 5, Status: domain.TaskPending}
	require.NoError(t, h.tasks.CreateTask(context.Background(), task))
	h.queues.Enqueue("general", domain.QueuedTask{Task: task, Priority: 5, MaxRetries: 1})
	h.ready(t, "alice")

	h.event(t, AgentEvent{Type: EventTaskAction, AgentID: "alice", TaskID: "t1", Action: ActionReject})
	assert.Equal(t, 0, h.queues.QueueDepth("general"))
	entry, ok := h.queues.GetDLQEntry("t1")
	require.True(t, ok)
	assert.Equal(t, "max_retries_exceeded: agent_rejected", entry.Reason)
}

func TestTaskAction_TransferFromActive(t *testing.T) {
	h := newTestCoordinator(t)
	h.enqueue(t, "general", "t1", 5)
	h.ready(t, "alice")
	h.event(t, AgentEvent{Type: EventTaskAction, AgentID: "alice", TaskID: "t1", Action: ActionAccept})
	h.event(t, AgentEvent{Type: EventTaskAction, AgentID: "alice", TaskID: "t1", Action: ActionTransfer})

	head := h.queues.Peek("general")
	require.NotNil(t, head)
	assert.Equal(t, domain.ReasonTransferred, head.LastFailureReason)
	assert.Equal(t, domain.AgentIdle, h.agent(t, "alice").State)
	assert.Equal(t, domain.TaskPending, h.task(t, "t1").Status)
}

// ─── Disconnect & Timeout ───────────────────────────────────────────────────

func TestDisconnect_RequeuesInFlightWork(t *testing.T) {
	for _, state := range []string{"reserved", "active", "wrap_up"} {
		t.Run(state, func(t *testing.T) {
			h := newTestCoordinator(t)
			h.enqueue(t, "general", "t1", 5)
			h.ready(t, "alice")
			if state != "reserved" {
				h.event(t, AgentEvent{Type: EventTaskAction, AgentID: "alice", TaskID: "t1", Action: ActionAccept})
			}
			if state == "wrap_up" {
				h.event(t, AgentEvent{Type: EventTaskAction, AgentID: "alice", TaskID: "t1", Action: ActionComplete})
			}

			h.event(t, AgentEvent{Type: EventDisconnect, AgentID: "alice"})
			_, ok := h.coord.Agent("alice")
			assert.False(t, ok)

			head := h.queues.Peek("general")
			require.NotNil(t, head, "in-flight work must not be lost")
			assert.Equal(t, "t1", head.Task.ID)
			assert.Equal(t, domain.ReasonAgentDisconnected, head.LastFailureReason)
			assert.Equal(t, domain.TaskPending, h.task(t, "t1").Status)
		})
	}
}

func TestDisconnect_RedispatchesToOthers(t *testing.T) {
	h := newTestCoordinator(t)
	h.enqueue(t, "general", "t1", 5)
	h.ready(t, "alice")
	h.ready(t, "bob")

	h.event(t, AgentEvent{Type: EventStateChange, AgentID: "alice", State: domain.AgentOffline})
	assert.Equal(t, "t1", h.agent(t, "bob").CurrentTaskID)
}

func TestReservationTimeout(t *testing.T) {
	h := newTestCoordinator(t)
	h.enqueue(t, "general", "t1", 5)
	h.ready(t, "alice")

	h.event(t, AgentEvent{Type: EventReservationTimeout, AgentID: "alice", TaskID: "t1"})
	assert.Equal(t, domain.AgentAway, h.agent(t, "alice").State)
	head := h.queues.Peek("general")
	require.NotNil(t, head)
	assert.Equal(t, domain.ReasonReservationTimeout, head.LastFailureReason)

	timeouts := h.notifier.of(NotifyTaskTimeout)
	require.Len(t, timeouts, 1)
	assert.Equal(t, TimeoutNotice{TaskID: "t1"}, timeouts[0].payload)

	err := h.coord.HandleEvent(context.Background(), AgentEvent{Type: EventTaskAction, AgentID: "alice", TaskID: "t1", Action: ActionAccept})
	assert.ErrorIs(t, err, domain.ErrTaskNotAssigned)
}

// ─── Errors ─────────────────────────────────────────────────────────────────

func TestHandleEvent_Errors(t *testing.T) {
	h := newTestCoordinator(t)
	h.enqueue(t, "general", "t1", 5)
	h.ready(t, "alice")
	ctx := context.Background()

	tests := []struct {
		name string
		ev   AgentEvent
		want error
	}{
		{"missing agent id", AgentEvent{Type: EventReady}, domain.ErrUnknownEvent},
		{"unknown event", AgentEvent{Type: "dance", AgentID: "alice"}, domain.ErrUnknownEvent},
		{"not connected", AgentEvent{Type: EventReady, AgentID: "ghost"}, domain.ErrAgentNotConnected},
		{"busy", AgentEvent{Type: EventReady, AgentID: "alice"}, domain.ErrAgentBusy},
		{"wrong task", AgentEvent{Type: EventTaskAction, AgentID: "alice", TaskID: "t9", Action: ActionAccept}, domain.ErrTaskNotAssigned},
		{"unknown action", AgentEvent{Type: EventTaskAction, AgentID: "alice", TaskID: "t1", Action: "juggle"}, domain.ErrUnknownAction},
		{"complete before accept", AgentEvent{Type: EventTaskAction, AgentID: "alice", TaskID: "t1", Action: ActionComplete}, domain.ErrInvalidTransition},
		{"disposition before wrap-up", AgentEvent{Type: EventDispositionComplete, AgentID: "alice", TaskID: "t1"}, domain.ErrInvalidTransition},
		{"state set by actions", AgentEvent{Type: EventStateChange, AgentID: "alice", State: domain.AgentActive}, domain.ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, h.coord.HandleEvent(ctx, tt.ev), tt.want)
		})
	}
	assert.Equal(t, "t1", h.agent(t, "alice").CurrentTaskID, "failed events leave state alone")
}

func TestNew_NullCollaborators(t *testing.T) {
	m := queue.NewManager(queue.DefaultConfig(), nil)
	c := New(Deps{Queues: m}, nil)
	m.Enqueue("general", domain.QueuedTask{Task: domain.Task{ID: "t1", Status: domain.TaskPending}, Priority: 5})

	ctx := context.Background()
	require.NoError(t, c.HandleEvent(ctx, AgentEvent{Type: EventConnect, AgentID: "alice"}))
	require.NoError(t, c.HandleEvent(ctx, AgentEvent{Type: EventReady, AgentID: "alice"}))
	a, _ := c.Agent("alice")
	assert.Equal(t, "t1", a.CurrentTaskID)
	assert.Len(t, c.Agents(), 1)
}
