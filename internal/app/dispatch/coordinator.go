// Package dispatch matches queued tasks with agents.
//
// The coordinator reacts to agent lifecycle events (connect, ready, state
// changes, task actions, disconnects, reservation timeouts) and to new work
// arriving in a queue. Every assignment attempt runs under one mutex, so a
// peek across queues followed by the removal of the winner is never raced by
// another dispatch.
//
// Work held by an agent is never dropped: reject, transfer, disconnect and
// reservation timeout all requeue the task through the queue manager, which
// keeps its original EnqueuedAt and counts the retry.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/switchboard/internal/app/routing"
	"github.com/tutu-network/switchboard/internal/domain"
	"github.com/tutu-network/switchboard/internal/infra/metrics"
)

// ─── Collaborators ──────────────────────────────────────────────────────────

// Queues is the slice of the queue manager the coordinator needs.
type Queues interface {
	QueueIDs() []string
	Peek(queueID string) *domain.QueuedTask
	ListQueue(queueID string) []domain.QueuedTask
	RemoveFromQueue(queueID, taskID string) *domain.QueuedTask
	Requeue(qt domain.QueuedTask, reason string) bool
}

// Notifier pushes events to agents over the real-time transport.
type Notifier interface {
	Notify(agentID, eventType string, payload any)
}

// NopNotifier discards every notification.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(string, string, any) {}

// Event names pushed through the Notifier.
const (
	NotifyTaskAssigned = "task:assigned"
	NotifyTaskTimeout  = "task:timeout"
)

// Deps are the coordinator's collaborators. Only Queues is required.
type Deps struct {
	Queues   Queues
	Scorer   *routing.Scorer
	Tasks    domain.TaskStore
	Routing  domain.QueueDirectory
	Agents   domain.AgentDirectory
	Notifier Notifier
}

// ─── Agent Events ───────────────────────────────────────────────────────────

// EventType names an agent lifecycle event.
type EventType string

const (
	EventConnect             EventType = "connect"
	EventReady               EventType = "ready"
	EventStateChange         EventType = "state_change"
	EventTaskAction          EventType = "task_action"
	EventDispositionComplete EventType = "disposition_complete"
	EventDisconnect          EventType = "disconnect"
	EventReservationTimeout  EventType = "reservation_timeout"
)

// TaskAction is an agent's response to a task it holds.
type TaskAction string

const (
	ActionAccept   TaskAction = "accept"
	ActionReject   TaskAction = "reject"
	ActionComplete TaskAction = "complete"
	ActionTransfer TaskAction = "transfer"
)

// AgentEvent is the single wire shape for every lifecycle event.
type AgentEvent struct {
	Type            EventType         `json:"type"`
	AgentID         string            `json:"agent_id"`
	Name            string            `json:"name,omitempty"`
	State           domain.AgentState `json:"state,omitempty"`
	TaskID          string            `json:"task_id,omitempty"`
	Action          TaskAction        `json:"action,omitempty"`
	DispositionCode string            `json:"disposition_code,omitempty"`
}

// TimeoutNotice is the payload of a task:timeout notification.
type TimeoutNotice struct {
	TaskID string `json:"task_id"`
}

// ─── Coordinator ────────────────────────────────────────────────────────────

type agent struct {
	snap    domain.AgentSnapshot
	current *domain.QueuedTask // held task, nil when free
	handled time.Duration      // summed handle time, for the average
}

// Coordinator serializes all dispatch decisions.
type Coordinator struct {
	queues   Queues
	scorer   *routing.Scorer
	tasks    domain.TaskStore
	routing  domain.QueueDirectory
	profiles domain.AgentDirectory
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	agents map[string]*agent
}

// New creates a coordinator. Missing optional collaborators are replaced
// with null objects.
func New(deps Deps, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Scorer == nil {
		deps.Scorer = routing.NewScorer(routing.DefaultConfig(), logger)
	}
	if deps.Tasks == nil {
		deps.Tasks = nopTasks{}
	}
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	return &Coordinator{
		queues:   deps.Queues,
		scorer:   deps.Scorer,
		tasks:    deps.Tasks,
		routing:  deps.Routing,
		profiles: deps.Agents,
		notifier: deps.Notifier,
		logger:   logger.With(zap.String("component", "dispatch")),
		now:      time.Now,
		agents:   make(map[string]*agent),
	}
}

// SetClock overrides the time source (tests).
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// HandleEvent applies one agent lifecycle event.
func (c *Coordinator) HandleEvent(ctx context.Context, ev AgentEvent) error {
	if ev.AgentID == "" {
		return fmt.Errorf("%w: missing agent id", domain.ErrUnknownEvent)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.publishAgentGauge()

	switch ev.Type {
	case EventConnect:
		c.connectLocked(ev)
		return nil
	case EventReady:
		return c.setStateLocked(ctx, ev.AgentID, domain.AgentIdle)
	case EventStateChange:
		return c.setStateLocked(ctx, ev.AgentID, ev.State)
	case EventTaskAction:
		return c.taskActionLocked(ctx, ev)
	case EventDispositionComplete:
		return c.finishLocked(ctx, ev.AgentID, ev.TaskID, ev.DispositionCode)
	case EventDisconnect:
		return c.disconnectLocked(ctx, ev.AgentID)
	case EventReservationTimeout:
		return c.timeoutLocked(ctx, ev.AgentID, ev.TaskID)
	}
	return fmt.Errorf("%w: %q", domain.ErrUnknownEvent, ev.Type)
}

// OnTaskEnqueued pushes the head of queueID to idle agents until the queue
// is empty or nobody eligible is left. Matches the orchestrator's dispatch
// signal.
func (c *Coordinator) OnTaskEnqueued(ctx context.Context, queueID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.publishAgentGauge()
	c.pushLocked(ctx, queueID, "")
	return nil
}

// Agents returns a snapshot of every connected agent, sorted by ID.
func (c *Coordinator) Agents() []domain.AgentSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.AgentSnapshot, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a.snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Profile.ID < out[j].Profile.ID })
	return out
}

// Agent returns one agent's snapshot.
func (c *Coordinator) Agent(id string) (domain.AgentSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[id]
	if !ok {
		return domain.AgentSnapshot{}, false
	}
	return a.snap, true
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func (c *Coordinator) connectLocked(ev AgentEvent) {
	if a, ok := c.agents[ev.AgentID]; ok {
		if ev.Name != "" {
			a.snap.Profile.Name = ev.Name
		}
		return
	}
	profile := domain.AgentProfile{ID: ev.AgentID, Name: ev.Name}
	if c.profiles != nil {
		if p, ok := c.profiles.Profile(ev.AgentID); ok {
			profile = p
			profile.ID = ev.AgentID
			if ev.Name != "" {
				profile.Name = ev.Name
			}
		}
	}
	c.agents[ev.AgentID] = &agent{snap: domain.AgentSnapshot{
		Profile:         profile,
		State:           domain.AgentAway,
		LastStateChange: c.now(),
	}}
	c.logger.Info("agent connected", zap.String("agent_id", ev.AgentID), zap.String("name", profile.Name))
}

// setStateLocked handles ready and presence changes. Agents holding a task
// move through task actions instead; OFFLINE behaves like a disconnect.
func (c *Coordinator) setStateLocked(ctx context.Context, agentID string, state domain.AgentState) error {
	a, ok := c.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotConnected, agentID)
	}
	switch state {
	case domain.AgentOffline:
		return c.disconnectLocked(ctx, agentID)
	case domain.AgentIdle, domain.AgentAway:
	default:
		return fmt.Errorf("%w: state %q is set by task actions", domain.ErrInvalidTransition, state)
	}
	if a.current != nil {
		return fmt.Errorf("%w: %s holds %s", domain.ErrAgentBusy, agentID, a.current.Task.ID)
	}
	c.setAgentState(a, state)
	if state == domain.AgentIdle {
		c.pullLocked(ctx, a, "")
	}
	return nil
}

func (c *Coordinator) disconnectLocked(ctx context.Context, agentID string) error {
	a, ok := c.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotConnected, agentID)
	}
	delete(c.agents, agentID)
	c.logger.Info("agent disconnected", zap.String("agent_id", agentID), zap.String("state", string(a.snap.State)))
	if a.current == nil {
		return nil
	}
	queueID := a.current.QueueID
	c.requeueLocked(ctx, a, domain.ReasonAgentDisconnected)
	c.pushLocked(ctx, queueID, "")
	return nil
}

func (c *Coordinator) timeoutLocked(ctx context.Context, agentID, taskID string) error {
	a, err := c.holderLocked(agentID, taskID)
	if err != nil {
		return err
	}
	if a.snap.State != domain.AgentReserved {
		return fmt.Errorf("%w: task %s already accepted", domain.ErrInvalidTransition, taskID)
	}
	queueID := a.current.QueueID
	c.requeueLocked(ctx, a, domain.ReasonReservationTimeout)
	// an unresponsive agent is not offered more work until it reports ready
	c.setAgentState(a, domain.AgentAway)
	c.notifier.Notify(agentID, NotifyTaskTimeout, TimeoutNotice{TaskID: taskID})
	c.pushLocked(ctx, queueID, "")
	return nil
}

// ─── Task Actions ───────────────────────────────────────────────────────────

func (c *Coordinator) taskActionLocked(ctx context.Context, ev AgentEvent) error {
	a, err := c.holderLocked(ev.AgentID, ev.TaskID)
	if err != nil {
		return err
	}
	now := c.now()

	switch ev.Action {
	case ActionAccept:
		if a.snap.State != domain.AgentReserved {
			return fmt.Errorf("%w: agent %s is %s", domain.ErrInvalidTransition, ev.AgentID, a.snap.State)
		}
		if err := a.current.Task.Transition(domain.TaskActive, now); err != nil {
			return err
		}
		c.persist(ctx, a.current.Task)
		c.setAgentState(a, domain.AgentActive)
		return nil

	case ActionComplete:
		if a.snap.State != domain.AgentActive {
			return fmt.Errorf("%w: agent %s is %s", domain.ErrInvalidTransition, ev.AgentID, a.snap.State)
		}
		if err := a.current.Task.Transition(domain.TaskWrapUp, now); err != nil {
			return err
		}
		c.persist(ctx, a.current.Task)
		c.setAgentState(a, domain.AgentWrapUp)
		if ev.DispositionCode != "" {
			return c.finishLocked(ctx, ev.AgentID, ev.TaskID, ev.DispositionCode)
		}
		return nil

	case ActionReject, ActionTransfer:
		reason := domain.ReasonAgentRejected
		if ev.Action == ActionTransfer {
			reason = domain.ReasonTransferred
		}
		if ev.Action == ActionReject && a.snap.State != domain.AgentReserved {
			return fmt.Errorf("%w: only a reserved task can be rejected", domain.ErrInvalidTransition)
		}
		queueID := a.current.QueueID
		c.requeueLocked(ctx, a, reason)
		c.setAgentState(a, domain.AgentIdle)
		// others get first look at the returned task; the agent then pulls
		// anything but it
		c.pushLocked(ctx, queueID, ev.AgentID)
		c.pullLocked(ctx, a, ev.TaskID)
		return nil
	}
	return fmt.Errorf("%w: %q", domain.ErrUnknownAction, ev.Action)
}

// finishLocked closes a task in wrap-up with its disposition and frees the
// agent for more work.
func (c *Coordinator) finishLocked(ctx context.Context, agentID, taskID, code string) error {
	a, err := c.holderLocked(agentID, taskID)
	if err != nil {
		return err
	}
	if a.snap.State != domain.AgentWrapUp {
		return fmt.Errorf("%w: agent %s is %s", domain.ErrInvalidTransition, agentID, a.snap.State)
	}
	now := c.now()
	task := &a.current.Task
	task.DispositionCode = code
	closeAssignment(task, now, "completed")
	if err := task.Transition(domain.TaskCompleted, now); err != nil {
		return err
	}
	c.persist(ctx, *task)

	a.snap.TasksHandled++
	a.handled += task.HandleTime()
	a.snap.AvgHandleTime = a.handled / time.Duration(a.snap.TasksHandled)
	a.current = nil
	a.snap.CurrentTaskID = ""
	a.snap.ActiveTasks = 0
	c.setAgentState(a, domain.AgentIdle)

	c.logger.Info("task completed",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID),
		zap.String("disposition", code),
	)
	c.pullLocked(ctx, a, "")
	return nil
}

// holderLocked returns the agent if it is connected and holds taskID.
func (c *Coordinator) holderLocked(agentID, taskID string) (*agent, error) {
	a, ok := c.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAgentNotConnected, agentID)
	}
	if a.current == nil || (taskID != "" && a.current.Task.ID != taskID) {
		return nil, fmt.Errorf("%w: %s / %s", domain.ErrTaskNotAssigned, agentID, taskID)
	}
	return a, nil
}

// requeueLocked returns the agent's held task to its queue and frees the
// agent. The agent's state is left to the caller.
func (c *Coordinator) requeueLocked(ctx context.Context, a *agent, reason string) {
	qt := *a.current
	now := c.now()
	closeAssignment(&qt.Task, now, reason)
	if err := qt.Task.Transition(domain.TaskPending, now); err != nil {
		c.logger.Warn("requeue transition", zap.String("task_id", qt.Task.ID), zap.Error(err))
	}
	c.persist(ctx, qt.Task)

	live := c.queues.Requeue(qt, reason)
	metrics.Requeues.WithLabelValues(reason).Inc()
	c.logger.Info("task requeued",
		zap.String("task_id", qt.Task.ID),
		zap.String("agent_id", a.snap.Profile.ID),
		zap.String("reason", reason),
		zap.Bool("dead_lettered", !live),
	)
	a.current = nil
	a.snap.CurrentTaskID = ""
	a.snap.ActiveTasks = 0
}

// ─── Assignment ─────────────────────────────────────────────────────────────

// pullLocked finds work for one idle agent: the best head task across the
// queues it serves, lowest priority number first, then oldest. skip names a
// task the agent just gave back.
func (c *Coordinator) pullLocked(ctx context.Context, a *agent, skip string) {
	if a.snap.State != domain.AgentIdle || a.current != nil {
		return
	}
	now := c.now()
	for attempt := 0; attempt < 3; attempt++ {
		var best *domain.QueuedTask
		for _, queueID := range c.queues.QueueIDs() {
			if !a.snap.Profile.Serves(queueID) {
				continue
			}
			head := c.queues.Peek(queueID)
			if head != nil && head.Task.ID == skip {
				head = c.second(queueID)
			}
			if head == nil {
				continue
			}
			if !c.scorer.Admits(&head.Task, a.snap, c.routingFor(queueID), now) {
				continue
			}
			if best == nil || head.Before(best) {
				best = head
			}
		}
		if best == nil {
			return
		}
		// peeks are not reservations; the SLA monitor may have taken the head
		if qt := c.queues.RemoveFromQueue(best.QueueID, best.Task.ID); qt != nil {
			c.reserveLocked(ctx, a, qt)
			return
		}
	}
}

// pushLocked offers the head of queueID to idle agents other than exclude
// until the queue is drained or the head cannot be served.
func (c *Coordinator) pushLocked(ctx context.Context, queueID, exclude string) {
	rc := c.routingFor(queueID)
	for {
		head := c.queues.Peek(queueID)
		if head == nil {
			return
		}
		candidates := c.idleFor(queueID, exclude)
		if len(candidates) == 0 {
			return
		}
		sel, ok := c.scorer.Select(queueID, &head.Task, candidates, rc, c.now())
		if !ok {
			c.logger.Debug("no eligible agent",
				zap.String("queue_id", queueID),
				zap.String("task_id", head.Task.ID),
				zap.Int("candidates", len(candidates)),
			)
			return
		}
		qt := c.queues.RemoveFromQueue(queueID, head.Task.ID)
		if qt == nil {
			continue
		}
		c.reserveLocked(ctx, c.agents[sel.AgentID], qt)
	}
}

// second returns the task queued behind the head, if any.
func (c *Coordinator) second(queueID string) *domain.QueuedTask {
	tasks := c.queues.ListQueue(queueID)
	if len(tasks) < 2 {
		return nil
	}
	return &tasks[1]
}

func (c *Coordinator) idleFor(queueID, exclude string) []domain.AgentSnapshot {
	var out []domain.AgentSnapshot
	for id, a := range c.agents {
		if id != exclude && a.snap.State == domain.AgentIdle && a.current == nil && a.snap.Profile.Serves(queueID) {
			out = append(out, a.snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Profile.ID < out[j].Profile.ID })
	return out
}

func (c *Coordinator) reserveLocked(ctx context.Context, a *agent, qt *domain.QueuedTask) {
	now := c.now()
	task := &qt.Task
	if err := task.Transition(domain.TaskReserved, now); err != nil {
		c.logger.Warn("reserve transition", zap.String("task_id", task.ID), zap.Error(err))
	}
	task.AssignedAgent = a.snap.Profile.ID
	task.Assignments = append(task.Assignments, domain.Assignment{AgentID: a.snap.Profile.ID, ReservedAt: now})
	c.persist(ctx, *task)

	a.current = qt
	a.snap.CurrentTaskID = task.ID
	a.snap.ActiveTasks = 1
	c.setAgentState(a, domain.AgentReserved)

	metrics.Assignments.WithLabelValues(qt.QueueID).Inc()
	metrics.AssignWait.Observe(now.Sub(qt.EnqueuedAt).Seconds())
	c.notifier.Notify(a.snap.Profile.ID, NotifyTaskAssigned, task.Clone())
	c.logger.Info("task reserved",
		zap.String("task_id", task.ID),
		zap.String("agent_id", a.snap.Profile.ID),
		zap.String("queue_id", qt.QueueID),
		zap.Int("priority", qt.Priority),
	)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (c *Coordinator) routingFor(queueID string) domain.RoutingConfig {
	if c.routing != nil {
		if rc, ok := c.routing.RoutingFor(queueID); ok {
			return rc
		}
	}
	return domain.RoutingConfig{}
}

func (c *Coordinator) setAgentState(a *agent, state domain.AgentState) {
	if a.snap.State == state {
		return
	}
	a.snap.State = state
	a.snap.LastStateChange = c.now()
}

func (c *Coordinator) persist(ctx context.Context, task domain.Task) {
	if err := c.tasks.UpdateTask(ctx, task); err != nil {
		c.logger.Warn("persist task", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (c *Coordinator) publishAgentGauge() {
	counts := map[domain.AgentState]int{
		domain.AgentAway: 0, domain.AgentIdle: 0, domain.AgentReserved: 0,
		domain.AgentActive: 0, domain.AgentWrapUp: 0,
	}
	for _, a := range c.agents {
		counts[a.snap.State]++
	}
	for state, n := range counts {
		metrics.AgentsByState.WithLabelValues(string(state)).Set(float64(n))
	}
}

func closeAssignment(task *domain.Task, at time.Time, outcome string) {
	if n := len(task.Assignments); n > 0 && task.Assignments[n-1].EndedAt.IsZero() {
		task.Assignments[n-1].EndedAt = at
		task.Assignments[n-1].Outcome = outcome
	}
}

// nopTasks stands in when no task store is wired.
type nopTasks struct{}

func (nopTasks) CreateTask(context.Context, domain.Task) error { return nil }
func (nopTasks) UpdateTask(context.Context, domain.Task) error { return nil }
func (nopTasks) GetTask(_ context.Context, id string) (*domain.Task, error) {
	return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
}
func (nopTasks) ListTasks(context.Context, domain.TaskFilter) ([]domain.Task, error) { return nil, nil }
func (nopTasks) Ping(context.Context) error                                          { return nil }
