// Package orchestrator is the single ingestion entry point.
//
// Every task, whatever its source, goes through the same sequence:
//
//	lookup → validate → create → transform → route → enqueue → signal
//
// Lookup and validation failures leave no state behind. From creation on the
// task exists in the store; routing failures park it in the DLQ.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutu-network/switchboard/internal/app/rules"
	"github.com/tutu-network/switchboard/internal/domain"
	"github.com/tutu-network/switchboard/internal/infra/metrics"
)

// Queues is the slice of the queue manager the orchestrator needs.
type Queues interface {
	Enqueue(queueID string, qt domain.QueuedTask)
	MoveToDLQ(qt domain.QueuedTask, reason string) domain.DLQEntry
	TakeFromDLQ(taskID string) (domain.DLQEntry, bool)
}

// DispatchSignal is invoked with the target queue after every enqueue so
// waiting agents can be served immediately.
type DispatchSignal func(ctx context.Context, queueID string) error

// Deps are the orchestrator's collaborators. All are required except Signal.
type Deps struct {
	Pipelines domain.PipelineStore
	RuleSets  domain.RuleSetStore
	Tasks     domain.TaskStore
	Dedup     domain.Deduper
	Queues    Queues
	Engine    *rules.Engine
}

// Orchestrator sequences ingestion.
type Orchestrator struct {
	pipelines domain.PipelineStore
	ruleSets  domain.RuleSetStore
	tasks     domain.TaskStore
	dedup     domain.Deduper
	queues    Queues
	engine    *rules.Engine
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string

	mu     sync.RWMutex
	signal DispatchSignal
}

// New creates an orchestrator.
func New(deps Deps, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Engine == nil {
		deps.Engine = rules.NewEngine(logger)
	}
	return &Orchestrator{
		pipelines: deps.Pipelines,
		ruleSets:  deps.RuleSets,
		tasks:     deps.Tasks,
		dedup:     deps.Dedup,
		queues:    deps.Queues,
		engine:    deps.Engine,
		logger:    logger.With(zap.String("component", "orchestrator")),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// SetClock overrides the time source (tests).
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// SetDispatchSignal registers the post-enqueue callback.
func (o *Orchestrator) SetDispatchSignal(fn DispatchSignal) {
	o.mu.Lock()
	o.signal = fn
	o.mu.Unlock()
}

// ─── Ingest ─────────────────────────────────────────────────────────────────

// Ingest runs one task through the pipeline. Failures are reported in the
// result, never as a Go error.
func (o *Orchestrator) Ingest(ctx context.Context, in domain.TaskIngestionInput) domain.OrchestrationResult {
	start := time.Now()
	res := o.ingest(ctx, in, "")
	metrics.TasksIngested.WithLabelValues(in.PipelineID, string(res.Status)).Inc()
	metrics.IngestLatency.Observe(time.Since(start).Seconds())
	return res
}

// IngestBatch folds Ingest over inputs sequentially. Once ctx is cancelled
// the remaining items are rejected without side effects.
func (o *Orchestrator) IngestBatch(ctx context.Context, inputs []domain.TaskIngestionInput) domain.BatchResult {
	var batch domain.BatchResult
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			batch.Add(rejected(err, in.TaskData))
			continue
		}
		batch.Add(o.Ingest(ctx, in))
	}
	o.logger.Info("batch ingested",
		zap.Int("total", batch.Total),
		zap.Int("queued", batch.Queued),
		zap.Int("dlq", batch.DLQ),
		zap.Int("rejected", batch.Rejected),
		zap.Int("held", batch.Held),
		zap.Int("duplicate", batch.Duplicate),
	)
	return batch
}

func (o *Orchestrator) ingest(ctx context.Context, in domain.TaskIngestionInput, retryOf string) domain.OrchestrationResult {
	// 1. Lookup
	p, ok := o.pipelines.Pipeline(in.PipelineID)
	if !ok {
		return rejected(fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, in.PipelineID), in.TaskData)
	}
	if !p.Enabled {
		return rejected(fmt.Errorf("%w: %s", domain.ErrPipelineDisabled, in.PipelineID), in.TaskData)
	}

	// 2. Validate
	data := in.TaskData
	source := in.Source
	if source == "" {
		source = domain.SourceAPI
	}
	if !source.Valid() {
		return rejected(fmt.Errorf("%w: %q", domain.ErrInvalidSource, in.Source), data)
	}
	workType := strings.TrimSpace(data.WorkType)
	if workType == "" {
		workType = p.Defaults.WorkType
	}
	if !p.AllowsWorkType(workType) {
		return rejected(fmt.Errorf("%w: %q", domain.ErrWorkTypeNotAllowed, workType), data)
	}
	if strings.TrimSpace(data.Title) == "" {
		return rejected(domain.ErrMissingTitle, data)
	}
	taskID := o.newID()
	if data.ExternalID != "" {
		claimed, existing, err := o.dedup.Claim(ctx, p.ID, data.ExternalID, taskID)
		if err != nil {
			return rejected(fmt.Errorf("dedup claim: %w", err), data)
		}
		if !claimed {
			return domain.OrchestrationResult{
				TaskID: existing,
				Status: domain.IngestDuplicate,
				Error:  fmt.Sprintf("%v: %s", domain.ErrDuplicateTask, data.ExternalID),
				Diagnostics: &domain.Diagnostics{
					AvailableFields: inputFields(data),
					DuplicateOf:     existing,
				},
			}
		}
	}

	// 3. Create
	now := o.now()
	task := domain.Task{
		ID:                 taskID,
		ExternalID:         data.ExternalID,
		PipelineID:         p.ID,
		Source:             source,
		SourceID:           in.SourceID,
		Title:              strings.TrimSpace(data.Title),
		Description:        data.Description,
		WorkType:           workType,
		Skills:             domain.NormalizeSkills(data.Skills),
		Priority:           initialPriority(p, data.Priority),
		Status:             domain.TaskPending,
		ReservationTimeout: p.Defaults.ReservationTimeout,
		Metadata:           cloneMap(data.Metadata),
		RetryOf:            retryOf,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := o.tasks.CreateTask(ctx, task); err != nil {
		if data.ExternalID != "" {
			if rerr := o.dedup.Release(ctx, p.ID, data.ExternalID); rerr != nil {
				o.logger.Warn("release dedup claim", zap.String("external_id", data.ExternalID), zap.Error(rerr))
			}
		}
		return rejected(fmt.Errorf("create task: %w", err), data)
	}

	// 4. Transform
	diag := &domain.Diagnostics{}
	ruleRes := o.engine.Evaluate(task, o.ruleSets.RuleSets(p.RuleSetIDs))
	diag.RuleEvaluation = ruleRes.Trace
	diag.ModifiedFields = ruleRes.ModifiedFields
	if len(ruleRes.Matched) > 0 {
		o.ruleSets.RecordMatches(ruleRes.Matched)
		for _, m := range ruleRes.Matched {
			metrics.RuleMatches.WithLabelValues(m.RuleSetID).Inc()
		}
	}
	task = ruleRes.Task
	task.PreferredAgents = ruleRes.RouteToAgents
	task.ExcludedAgents = ruleRes.ExcludeAgents
	if ruleRes.Modified() || len(task.PreferredAgents) > 0 || len(task.ExcludedAgents) > 0 {
		task.UpdatedAt = o.now()
		if err := o.tasks.UpdateTask(ctx, task); err != nil {
			o.logger.Warn("persist transformed task", zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	// 5. Route
	route := o.route(p, &task, diag)
	res := domain.OrchestrationResult{
		TaskID:      task.ID,
		RuleID:      route.ruleID,
		RuleName:    route.ruleName,
		Diagnostics: diag,
	}
	if route.queueID == "" {
		switch route.behavior {
		case domain.RoutingHold:
			res.Success = true
			res.Status = domain.IngestHeld
			o.logger.Info("task held", zap.String("task_id", task.ID), zap.String("pipeline_id", p.ID))
			return res
		default:
			qt := o.wrap(p, task)
			o.queues.MoveToDLQ(qt, domain.ReasonRoutingFailed)
			res.Status = domain.IngestDLQ
			res.Error = domain.ErrRoutingFailed.Error()
			return res
		}
	}

	// 6. Enqueue
	task.QueueID = route.queueID
	task.UpdatedAt = o.now()
	if err := o.tasks.UpdateTask(ctx, task); err != nil {
		o.logger.Warn("persist routed task", zap.String("task_id", task.ID), zap.Error(err))
	}
	o.queues.Enqueue(route.queueID, o.wrap(p, task))
	res.Success = true
	res.Status = domain.IngestQueued
	res.QueueID = route.queueID

	o.logger.Debug("task queued",
		zap.String("task_id", task.ID),
		zap.String("queue_id", route.queueID),
		zap.Int("priority", task.Priority),
		zap.String("rule_id", route.ruleID),
	)

	// 7. Signal
	o.dispatch(ctx, route.queueID)
	return res
}

func (o *Orchestrator) wrap(p *domain.Pipeline, task domain.Task) domain.QueuedTask {
	now := o.now()
	qt := domain.QueuedTask{
		Task:       task,
		QueueID:    task.QueueID,
		PipelineID: p.ID,
		Priority:   task.Priority,
		EnqueuedAt: now,
		MaxRetries: p.Defaults.MaxRetries,
	}
	if p.SLA.MaxWait > 0 {
		qt.SLADeadline = now.Add(p.SLA.MaxWait)
	}
	return qt
}

func (o *Orchestrator) dispatch(ctx context.Context, queueID string) {
	o.mu.RLock()
	fn := o.signal
	o.mu.RUnlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("dispatch signal panicked", zap.String("queue_id", queueID), zap.Any("panic", r))
		}
	}()
	if err := fn(ctx, queueID); err != nil {
		o.logger.Warn("dispatch signal failed", zap.String("queue_id", queueID), zap.Error(err))
	}
}

// ─── Routing ────────────────────────────────────────────────────────────────

type routeResult struct {
	queueID  string
	ruleID   string
	ruleName string
	behavior domain.DefaultRoutingBehavior
}

// route evaluates routing rules in ascending order; the first match wins. A
// queue set by the rule engine is used when no routing rule matches, before
// the pipeline's default routing.
func (o *Orchestrator) route(p *domain.Pipeline, task *domain.Task, diag *domain.Diagnostics) routeResult {
	ordered := make([]domain.RoutingRule, len(p.RoutingRules))
	copy(ordered, p.RoutingRules)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	var matched *domain.RoutingRule
	for i := range ordered {
		rr := &ordered[i]
		trace := domain.RoutingRuleTrace{RuleID: rr.ID, RuleName: rr.Name}
		switch {
		case matched != nil:
			trace.Skipped = "earlier rule matched"
		case !rr.Enabled:
			trace.Skipped = "disabled"
		case rr.TargetQueueID == "":
			trace.Skipped = "no target queue"
		default:
			trace.Matched = o.evalRoutingRule(task, rr, &trace, diag)
			if trace.Matched {
				matched = rr
			}
		}
		diag.RoutingRules = append(diag.RoutingRules, trace)
		if trace.Matched {
			diag.MatchedRules = append(diag.MatchedRules, rr.ID)
		} else if trace.Skipped == "" {
			diag.UnmatchedRules = append(diag.UnmatchedRules, rr.ID)
		}
	}
	diag.AvailableFields = availableFields(task)

	if matched != nil {
		if matched.PriorityOverride != nil {
			task.Priority = domain.ClampPriority(*matched.PriorityOverride)
		}
		return routeResult{queueID: matched.TargetQueueID, ruleID: matched.ID, ruleName: matched.Name}
	}
	if task.QueueID != "" {
		diag.DefaultRouting = "rule engine set_queue"
		return routeResult{queueID: task.QueueID}
	}

	behavior := p.DefaultRouting.Behavior
	if behavior == "" {
		behavior = domain.RoutingHold
	}
	diag.DefaultRouting = string(behavior)
	switch behavior {
	case domain.RoutingRouteToQueue:
		if p.DefaultRouting.QueueID != "" {
			return routeResult{queueID: p.DefaultRouting.QueueID, behavior: behavior}
		}
		diag.DefaultRouting = "route_to_queue without queue"
		return routeResult{behavior: domain.RoutingReject}
	case domain.RoutingHold:
		return routeResult{behavior: behavior}
	default:
		return routeResult{behavior: domain.RoutingReject}
	}
}

func (o *Orchestrator) evalRoutingRule(task *domain.Task, rr *domain.RoutingRule, trace *domain.RoutingRuleTrace, diag *domain.Diagnostics) bool {
	or := rr.Logic == domain.LogicOr
	result := !or
	for _, c := range rr.Conditions {
		r := resolveField(task, c.Field)
		ok := rules.Compare(c, r.value, r.found)
		trace.Conditions = append(trace.Conditions, domain.RoutingConditionTrace{
			ConditionTrace: domain.ConditionTrace{
				Field:    c.Field,
				Operator: c.Operator,
				Expected: rules.Expected(c),
				Actual:   r.value,
				Found:    r.found,
				Matched:  ok,
			},
			ResolvedKey: r.key,
			Resolution:  r.how,
			Suggestion:  r.suggestion,
		})
		if r.suggestion != "" {
			if diag.SuggestedFields == nil {
				diag.SuggestedFields = make(map[string]string)
			}
			diag.SuggestedFields[c.Field] = r.suggestion
		}
		if or {
			result = result || ok
		} else {
			result = result && ok
		}
	}
	return result
}

// ─── DLQ ────────────────────────────────────────────────────────────────────

// RetryDLQ re-ingests a dead-lettered task through its pipeline. The retry
// gets a new task ID with RetryOf pointing at the original; the original
// record is left untouched. A rejected retry puts the entry back.
func (o *Orchestrator) RetryDLQ(ctx context.Context, taskID string) (domain.OrchestrationResult, error) {
	entry, ok := o.queues.TakeFromDLQ(taskID)
	if !ok {
		return domain.OrchestrationResult{}, fmt.Errorf("%w: %s", domain.ErrDLQEntryNotFound, taskID)
	}
	orig := entry.QueuedTask.Task
	pipelineID := entry.QueuedTask.PipelineID
	if pipelineID == "" {
		pipelineID = orig.PipelineID
	}
	priority := orig.Priority
	in := domain.TaskIngestionInput{
		PipelineID: pipelineID,
		Source:     orig.Source,
		SourceID:   orig.SourceID,
		TaskData: domain.TaskFromSource{
			Title:       orig.Title,
			Description: orig.Description,
			WorkType:    orig.WorkType,
			Priority:    &priority,
			Skills:      orig.Skills,
			Metadata:    orig.Metadata,
		},
	}

	res := o.ingest(ctx, in, orig.ID)
	metrics.TasksIngested.WithLabelValues(pipelineID, string(res.Status)).Inc()
	if res.Status == domain.IngestRejected {
		o.queues.MoveToDLQ(entry.QueuedTask, entry.Reason)
		return res, nil
	}
	o.logger.Info("dead-letter task retried",
		zap.String("task_id", orig.ID),
		zap.String("new_task_id", res.TaskID),
		zap.String("status", string(res.Status)),
	)
	return res, nil
}

// DiscardDLQ drops a dead-lettered task and marks its record EXPIRED.
func (o *Orchestrator) DiscardDLQ(ctx context.Context, taskID string) error {
	if _, ok := o.queues.TakeFromDLQ(taskID); !ok {
		return fmt.Errorf("%w: %s", domain.ErrDLQEntryNotFound, taskID)
	}
	task, err := o.tasks.GetTask(ctx, taskID)
	if errors.Is(err, domain.ErrTaskNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task.IsTerminal() {
		return nil
	}
	if err := task.Transition(domain.TaskExpired, o.now()); err != nil {
		return err
	}
	if err := o.tasks.UpdateTask(ctx, *task); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	o.logger.Info("dead-letter task discarded", zap.String("task_id", taskID))
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// rejected reports a failure that left no task behind. The diagnostics list
// the fields the submitted data would have exposed to rules.
func rejected(err error, data domain.TaskFromSource) domain.OrchestrationResult {
	return domain.OrchestrationResult{
		Status:      domain.IngestRejected,
		Error:       err.Error(),
		Diagnostics: &domain.Diagnostics{AvailableFields: inputFields(data)},
	}
}

func inputFields(data domain.TaskFromSource) []string {
	return availableFields(&domain.Task{Metadata: data.Metadata})
}

// initialPriority picks the source priority, then the pipeline default, then
// DefaultPriority. A zero pipeline default counts as unset.
func initialPriority(p *domain.Pipeline, fromSource *int) int {
	switch {
	case fromSource != nil:
		return domain.ClampPriority(*fromSource)
	case p.Defaults.Priority > 0:
		return domain.ClampPriority(p.Defaults.Priority)
	default:
		return domain.DefaultPriority
	}
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
