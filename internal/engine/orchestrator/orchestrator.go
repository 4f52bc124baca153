// Package orchestrator owns the task lifecycle: it validates submitted
// specs, drives tasks through planning, safety gating and execution,
// and is the only component that moves a task's status. Each task has
// at most one coordinator at a time; concurrency across tasks is
// bounded by a semaphore.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimbusops/nimbus/internal/checkpoint"
	"github.com/nimbusops/nimbus/internal/config"
	"github.com/nimbusops/nimbus/internal/engine/executor"
	"github.com/nimbusops/nimbus/internal/engine/planner"
	"github.com/nimbusops/nimbus/internal/engine/rollback"
	"github.com/nimbusops/nimbus/internal/engine/safety"
	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/events"
	"github.com/nimbusops/nimbus/internal/logger"
	"github.com/nimbusops/nimbus/internal/models"
	"github.com/nimbusops/nimbus/internal/storage"
	"github.com/nimbusops/nimbus/internal/telemetry"
)

// DriftPort is the slice of the drift subsystem the orchestrator's
// local capability handlers need.
type DriftPort interface {
	Detect(ctx context.Context, req models.DriftRequest) (*models.DriftReport, error)
	Compliance(ctx context.Context, reportID string) (*models.ComplianceReport, error)
}

// Deps are the orchestrator's injected collaborators.
type Deps struct {
	Store       storage.Store
	Events      *events.Log
	Planner     *planner.Planner
	Executor    *executor.Executor
	Safety      *safety.Engine
	Gate        *safety.ApprovalGate
	Checkpoints *checkpoint.Store
	Rollback    *rollback.Manager
	Drift       DriftPort
}

// Orchestrator drives tasks from creation to a terminal status.
type Orchestrator struct {
	engine      config.EngineConfig
	store       storage.Store
	events      *events.Log
	planner     *planner.Planner
	executor    *executor.Executor
	safety      *safety.Engine
	gate        *safety.ApprovalGate
	checkpoints *checkpoint.Store
	rollback    *rollback.Manager
	drift       DriftPort

	// entries holds per-task coordination state. An entry exists only
	// while a coordinator is active or a cancellation is in flight.
	entries sync.Map
	slots   chan struct{}

	validate  *validator.Validate
	startedAt time.Time
	metrics   *telemetry.Metrics
	log       logger.Logger
}

// taskEntry serializes mutations of one task. The coordinator holds
// active for the duration of its pipeline; cancel is armed once the
// pipeline has a cancellable context.
type taskEntry struct {
	mu        sync.Mutex
	active    bool
	cancel    context.CancelFunc
	cancelled bool
}

// arm installs the pipeline's cancel func and reports whether a
// cancellation already arrived.
func (e *taskEntry) arm(cancel context.CancelFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancel = cancel
	return e.cancelled
}

// New creates the orchestrator.
func New(engine config.EngineConfig, deps Deps) *Orchestrator {
	slots := engine.MaxTaskConcurrency
	if slots < 1 {
		slots = 1
	}
	return &Orchestrator{
		engine:      engine,
		store:       deps.Store,
		events:      deps.Events,
		planner:     deps.Planner,
		executor:    deps.Executor,
		safety:      deps.Safety,
		gate:        deps.Gate,
		checkpoints: deps.Checkpoints,
		rollback:    deps.Rollback,
		drift:       deps.Drift,
		slots:       make(chan struct{}, slots),
		validate:    validator.New(),
		startedAt:   time.Now().UTC(),
		metrics:     telemetry.GetMetrics(),
		log:         logger.New("orchestrator"),
	}
}

// CreateTask validates a spec, stores the pending task and emits
// task_created.
func (o *Orchestrator) CreateTask(ctx context.Context, spec models.TaskSpec) (*models.Task, error) {
	if err := o.validate.Struct(spec); err != nil {
		return nil, errors.Wrap(err, errors.KindBadInput, "invalid task spec")
	}
	if spec.Priority == "" {
		spec.Priority = models.PriorityMedium
	}

	task := &models.Task{
		ID:        uuid.NewString(),
		Type:      spec.Type,
		UserID:    spec.UserID,
		TeamID:    spec.TeamID,
		Priority:  spec.Priority,
		Context:   spec.Context,
		Metadata:  spec.Metadata,
		Status:    models.TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}

	o.emit(ctx, task.ID, "", models.EventTaskCreated, map[string]interface{}{
		"type":        string(task.Type),
		"user_id":     task.UserID,
		"priority":    string(task.Priority),
		"provider":    string(task.Context.Provider),
		"environment": task.Context.Environment,
	})
	o.log.Info("task created",
		logger.String("task_id", task.ID),
		logger.String("type", string(task.Type)),
		logger.String("environment", task.Context.Environment))
	return task, nil
}

// ExecuteTask drives a pending task through planning, safety gating and
// execution, blocking until the task is terminal. Executing a task that
// is already running or terminal is a conflict.
func (o *Orchestrator) ExecuteTask(ctx context.Context, id string) (*models.TaskResult, error) {
	entry, err := o.claim(id)
	if err != nil {
		return nil, err
	}
	defer o.release(id, entry)

	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusPending {
		return nil, errors.Conflict("task " + id + " is " + string(task.Status) + "; only pending tasks can be executed")
	}

	if err := o.acquireSlot(ctx); err != nil {
		return nil, err
	}
	defer func() { <-o.slots }()

	return o.pipeline(ctx, entry, task)
}

// ResumeTask continues an interrupted task from its latest checkpoint.
func (o *Orchestrator) ResumeTask(ctx context.Context, id string) (*models.TaskResult, error) {
	entry, err := o.claim(id)
	if err != nil {
		return nil, err
	}
	defer o.release(id, entry)

	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, errors.Conflict("task " + id + " is " + string(task.Status) + " and cannot be resumed")
	}
	if task.PlanID == "" {
		return nil, errors.Conflict("task " + id + " never started executing; use execute instead")
	}

	plan, err := o.store.GetPlan(ctx, task.PlanID)
	if err != nil {
		return nil, err
	}
	validation, err := o.planner.Validate(ctx, plan)
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		return nil, errors.BadInput("plan " + plan.ID + " is no longer valid and cannot be resumed")
	}

	_, state, err := o.checkpoints.LatestState(ctx, plan.ID)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "no checkpoint recorded for task "+id)
	}

	if err := o.acquireSlot(ctx); err != nil {
		return nil, err
	}
	defer func() { <-o.slots }()

	ctx, span := telemetry.StartSpan(ctx, "task.resume",
		attribute.String("task.id", task.ID),
		attribute.String("plan.id", plan.ID),
		attribute.Int("checkpoint.cursor", state.Cursor))
	result, runErr := o.resumePipeline(ctx, entry, task, plan, state)
	telemetry.EndSpan(span, runErr)
	return result, runErr
}

// CancelTask requests cancellation. An active coordinator observes the
// signal at its next suspension point; an idle task is marked cancelled
// directly. Cancelling an already-cancelled task is a no-op.
func (o *Orchestrator) CancelTask(ctx context.Context, id string) error {
	entry := o.entry(id)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status == models.TaskStatusCancelled {
		return nil
	}
	if task.Status.Terminal() {
		return errors.Conflict("task " + id + " is already " + string(task.Status))
	}

	entry.cancelled = true
	if entry.active {
		if entry.cancel != nil {
			entry.cancel()
		}
		o.log.Info("cancellation requested", logger.String("task_id", id))
		return nil
	}

	// Nobody is driving the task: mark it cancelled here.
	prev := task.Status
	now := time.Now().UTC()
	task.Status = models.TaskStatusCancelled
	task.FinishedAt = &now
	if err := o.store.SaveTask(ctx, task); err != nil {
		return err
	}
	o.entries.Delete(id)
	o.metrics.TasksFinished.WithLabelValues(string(models.TaskStatusCancelled), string(task.Type)).Inc()
	o.emit(ctx, task.ID, task.PlanID, models.EventTaskCancelled, map[string]interface{}{
		"previous_status": string(prev),
	})
	o.log.Info("task cancelled", logger.String("task_id", id), logger.String("previous_status", string(prev)))
	return nil
}

// GrantApproval delivers an operator decision to a task suspended on
// the approval gate.
func (o *Orchestrator) GrantApproval(ctx context.Context, taskID, approverID string) error {
	if approverID == "" {
		return errors.BadInput("approver id is required")
	}
	if _, err := o.store.GetTask(ctx, taskID); err != nil {
		return err
	}
	return o.gate.Grant(taskID, approverID)
}

// GetTask returns a task by id.
func (o *Orchestrator) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return o.store.GetTask(ctx, id)
}

// ListTasks returns tasks matching the filter.
func (o *Orchestrator) ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	return o.store.ListTasks(ctx, filter)
}

// GetPlan returns a plan by id.
func (o *Orchestrator) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	return o.store.GetPlan(ctx, id)
}

// GetTaskEvents returns a task's event log in emission order.
func (o *Orchestrator) GetTaskEvents(ctx context.Context, id string, limit int) ([]*models.Event, error) {
	if _, err := o.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return o.events.History(ctx, id, limit)
}

// Statistics aggregates task counters with durable entity counts.
func (o *Orchestrator) Statistics(ctx context.Context) (*models.Statistics, error) {
	tasks, err := o.store.ListTasks(ctx, models.TaskFilter{})
	if err != nil {
		return nil, err
	}

	stats := &models.Statistics{
		TasksTotal:    len(tasks),
		TasksByStatus: make(map[models.TaskStatus]int),
		TasksByType:   make(map[models.TaskType]int),
		UptimeSeconds: int64(time.Since(o.startedAt).Seconds()),
	}
	var terminal, succeeded int
	for _, t := range tasks {
		stats.TasksByStatus[t.Status]++
		stats.TasksByType[t.Type]++
		switch {
		case t.Status == models.TaskStatusSucceeded:
			succeeded++
			terminal++
		case t.Status.Terminal():
			terminal++
		case t.Status != models.TaskStatusPending:
			stats.ActiveTasks++
		}
	}
	if terminal > 0 {
		stats.SuccessRate = float64(succeeded) / float64(terminal)
	}

	durable, err := o.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	stats.EventsTotal = durable.Events
	stats.PlansTotal = durable.Plans
	stats.CheckpointsTotal = durable.Checkpoints
	stats.DriftReports = durable.DriftReports
	return stats, nil
}

// pipeline is the execute path: plan, gate, run.
func (o *Orchestrator) pipeline(ctx context.Context, entry *taskEntry, task *models.Task) (*models.TaskResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "task.execute",
		attribute.String("task.id", task.ID),
		attribute.String("task.type", string(task.Type)),
		attribute.String("task.environment", task.Context.Environment))

	result, err := o.runPipeline(ctx, entry, task)
	telemetry.EndSpan(span, err)
	return result, err
}

func (o *Orchestrator) runPipeline(ctx context.Context, entry *taskEntry, task *models.Task) (*models.TaskResult, error) {
	o.metrics.TasksActive.Inc()

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Terminal bookkeeping must land even when the task context is
	// already cancelled.
	persistCtx := context.WithoutCancel(ctx)

	if entry.arm(cancel) {
		return o.finishCancelled(persistCtx, task)
	}

	// Planning.
	if err := o.transition(persistCtx, task, models.TaskStatusPlanning); err != nil {
		return o.finishFailed(persistCtx, task, err)
	}
	plan, err := o.planner.Generate(taskCtx, task)
	if err != nil {
		return o.finishFailed(persistCtx, task, err)
	}
	if err := o.store.SavePlan(persistCtx, plan); err != nil {
		return o.finishFailed(persistCtx, task, err)
	}
	task.PlanID = plan.ID
	o.emit(persistCtx, task.ID, plan.ID, models.EventPlanGenerated, map[string]interface{}{
		"plan_id":               plan.ID,
		"steps":                 len(plan.Steps),
		"risk_score":            plan.RiskScore,
		"estimated_duration_ms": plan.EstimatedDurationMS,
	})
	if taskCtx.Err() != nil {
		return o.finishCancelled(persistCtx, task)
	}

	// Pre-phase safety.
	verdict, err := o.safety.Evaluate(taskCtx, models.SafetyPhasePre, safety.Input{Task: task, Plan: plan})
	if err != nil {
		if taskCtx.Err() != nil {
			return o.finishCancelled(persistCtx, task)
		}
		return o.finishFailed(persistCtx, task, err)
	}
	switch safety.Decide(verdict) {
	case safety.DecisionBlock:
		failed := verdict.FailedCritical()
		names := make([]string, 0, len(failed))
		for _, r := range failed {
			names = append(names, r.CheckName)
		}
		return o.finishFailed(persistCtx, task,
			errors.SafetyBlocked("pre-phase safety checks failed: "+strings.Join(names, ", ")))

	case safety.DecisionRequireApproval:
		outcome, err := o.awaitApproval(taskCtx, persistCtx, task, plan, verdict)
		if err != nil {
			if outcome == approvalCancelled {
				return o.finishCancelled(persistCtx, task)
			}
			return o.finishFailed(persistCtx, task, err)
		}
	}

	// Execution.
	return o.runPlan(taskCtx, persistCtx, task, plan, nil)
}

// resumePipeline is the resume path: the plan and checkpoint state are
// already loaded and validated.
func (o *Orchestrator) resumePipeline(ctx context.Context, entry *taskEntry, task *models.Task, plan *models.Plan, state *models.ExecutionState) (*models.TaskResult, error) {
	o.metrics.TasksActive.Inc()

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	persistCtx := context.WithoutCancel(ctx)

	if entry.arm(cancel) {
		return o.finishCancelled(persistCtx, task)
	}
	o.log.Info("resuming task",
		logger.String("task_id", task.ID),
		logger.String("plan_id", plan.ID),
		logger.Int("cursor", state.Cursor))

	return o.runPlan(taskCtx, persistCtx, task, plan, state)
}

// runPlan transitions the task to running, executes (or resumes) the
// plan, applies the post-phase verdict and finalizes.
func (o *Orchestrator) runPlan(taskCtx, persistCtx context.Context, task *models.Task, plan *models.Plan, state *models.ExecutionState) (*models.TaskResult, error) {
	task.PlanID = plan.ID
	if task.StartedAt == nil {
		now := time.Now().UTC()
		task.StartedAt = &now
	}
	if task.Status != models.TaskStatusRunning {
		if err := o.transition(persistCtx, task, models.TaskStatusRunning); err != nil {
			return o.finishFailed(persistCtx, task, err)
		}
	}

	var result *models.TaskResult
	var runErr error
	if state == nil {
		result, runErr = o.executor.Run(taskCtx, task, plan)
	} else {
		result, runErr = o.executor.Resume(taskCtx, task, plan, state)
	}
	if result == nil {
		// Rejected before any step ran (malformed plan or state).
		return o.finishFailed(persistCtx, task, runErr)
	}

	if result.Status == models.TaskStatusSucceeded {
		o.applyPostVerdict(persistCtx, task, plan, result)
	}

	o.finalize(persistCtx, task, result)
	return result, runErr
}

// applyPostVerdict grades a successful run. Post-phase findings never
// revert work; they only lower the reported score.
func (o *Orchestrator) applyPostVerdict(ctx context.Context, task *models.Task, plan *models.Plan, result *models.TaskResult) {
	verdict, err := o.safety.Evaluate(ctx, models.SafetyPhasePost, safety.Input{Task: task, Plan: plan})
	if err != nil {
		o.log.Warn("post-phase safety evaluation failed",
			logger.String("task_id", task.ID), logger.Err(err))
		return
	}
	result.SuccessScore = safety.SuccessScore(verdict)
}

// approvalOutcome distinguishes why awaitApproval returned.
type approvalOutcome int

const (
	approvalGranted approvalOutcome = iota
	approvalTimedOut
	approvalCancelled
)

// awaitApproval suspends the task until an operator grants it, the
// configured timeout fires, or the task is cancelled.
func (o *Orchestrator) awaitApproval(taskCtx, persistCtx context.Context, task *models.Task, plan *models.Plan, verdict *models.SafetyVerdict) (approvalOutcome, error) {
	if err := o.transition(persistCtx, task, models.TaskStatusAwaitingApproval); err != nil {
		return approvalTimedOut, err
	}

	var pending []string
	for _, r := range verdict.Results {
		if !r.Passed && r.RequiresApproval {
			pending = append(pending, r.CheckName)
		}
	}
	timeout := o.engine.ApprovalTimeout()
	o.emit(persistCtx, task.ID, plan.ID, models.EventApprovalRequested, map[string]interface{}{
		"checks":     pending,
		"timeout_ms": timeout.Milliseconds(),
	})

	grants, err := o.gate.Begin(task.ID)
	if err != nil {
		return approvalTimedOut, err
	}
	defer o.gate.End(task.ID)

	o.log.Info("task awaiting approval",
		logger.String("task_id", task.ID),
		logger.Any("checks", pending),
		logger.Duration("timeout", timeout))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case grant := <-grants:
		o.metrics.ApprovalOutcomes.WithLabelValues("granted").Inc()
		if err := o.safety.RecordApproval(persistCtx, plan.ID, grant.ApprovedBy); err != nil {
			o.log.Warn("recording approval failed",
				logger.String("task_id", task.ID), logger.Err(err))
		}
		o.emit(persistCtx, task.ID, plan.ID, models.EventApprovalGranted, map[string]interface{}{
			"approved_by": grant.ApprovedBy,
		})
		return approvalGranted, nil

	case <-timer.C:
		o.metrics.ApprovalOutcomes.WithLabelValues("timeout").Inc()
		return approvalTimedOut, errors.Timeout(fmt.Sprintf(
			"approval for task %s timed out after %s", task.ID, timeout))

	case <-taskCtx.Done():
		o.metrics.ApprovalOutcomes.WithLabelValues("cancelled").Inc()
		return approvalCancelled, errors.Cancelled("task " + task.ID + " cancelled while awaiting approval")
	}
}

// finishFailed finalizes the task as failed with the classified error.
func (o *Orchestrator) finishFailed(ctx context.Context, task *models.Task, failErr error) (*models.TaskResult, error) {
	result := &models.TaskResult{
		TaskID:    task.ID,
		PlanID:    task.PlanID,
		Status:    models.TaskStatusFailed,
		Error:     failErr.Error(),
		ErrorKind: string(errors.KindOf(failErr)),
	}
	o.finalize(ctx, task, result)
	return result, failErr
}

// finishCancelled finalizes the task as cancelled.
func (o *Orchestrator) finishCancelled(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	err := errors.Cancelled("task " + task.ID + " cancelled")
	result := &models.TaskResult{
		TaskID:    task.ID,
		PlanID:    task.PlanID,
		Status:    models.TaskStatusCancelled,
		Error:     err.Error(),
		ErrorKind: string(errors.KindCancelled),
	}
	o.finalize(ctx, task, result)
	return result, err
}

// finalize persists the terminal status and emits the closing event:
// task_cancelled for cancellations, task_finished otherwise.
func (o *Orchestrator) finalize(ctx context.Context, task *models.Task, result *models.TaskResult) {
	prev := task.Status
	now := time.Now().UTC()
	task.Status = result.Status
	task.FinishedAt = &now
	task.Error = result.Error
	task.ErrorKind = result.ErrorKind
	if err := o.store.SaveTask(ctx, task); err != nil {
		o.log.Error("persisting terminal task status failed",
			logger.String("task_id", task.ID),
			logger.String("status", string(result.Status)),
			logger.Err(err))
	}

	o.metrics.TasksActive.Dec()
	o.metrics.TasksFinished.WithLabelValues(string(result.Status), string(task.Type)).Inc()

	if result.Status == models.TaskStatusCancelled {
		o.emit(ctx, task.ID, task.PlanID, models.EventTaskCancelled, map[string]interface{}{
			"previous_status": string(prev),
		})
	} else {
		payload := map[string]interface{}{
			"status":        string(result.Status),
			"success_score": result.SuccessScore,
			"duration_ms":   result.DurationMS,
		}
		if result.Error != "" {
			payload["error"] = result.Error
			payload["error_kind"] = result.ErrorKind
		}
		o.emit(ctx, task.ID, task.PlanID, models.EventTaskFinished, payload)
	}

	o.log.Info("task finished",
		logger.String("task_id", task.ID),
		logger.String("status", string(result.Status)),
		logger.Float64("success_score", result.SuccessScore),
		logger.Int64("duration_ms", result.DurationMS))
}

// transition moves the task forward in its status machine and persists
// the change.
func (o *Orchestrator) transition(ctx context.Context, task *models.Task, next models.TaskStatus) error {
	if !task.Status.CanTransitionTo(next) {
		return errors.Conflict(fmt.Sprintf("task %s cannot move from %s to %s", task.ID, task.Status, next))
	}
	task.Status = next
	return o.store.SaveTask(ctx, task)
}

// claim marks the task as owned by this coordinator.
func (o *Orchestrator) claim(id string) (*taskEntry, error) {
	entry := o.entry(id)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.active {
		return nil, errors.Conflict("task " + id + " already has an active coordinator")
	}
	entry.active = true
	return entry, nil
}

// release clears the coordinator claim and drops the entry.
func (o *Orchestrator) release(id string, entry *taskEntry) {
	entry.mu.Lock()
	entry.active = false
	entry.cancel = nil
	entry.cancelled = false
	entry.mu.Unlock()
	o.entries.Delete(id)
}

func (o *Orchestrator) entry(id string) *taskEntry {
	v, _ := o.entries.LoadOrStore(id, &taskEntry{})
	return v.(*taskEntry)
}

func (o *Orchestrator) acquireSlot(ctx context.Context) error {
	select {
	case o.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Cancelled("cancelled while waiting for a task slot")
	}
}

func (o *Orchestrator) emit(ctx context.Context, taskID, planID string, kind models.EventKind, payload map[string]interface{}) {
	if _, err := o.events.EmitKind(ctx, taskID, planID, kind, payload); err != nil {
		o.log.Warn("event emission failed",
			logger.String("task_id", taskID),
			logger.String("kind", string(kind)),
			logger.Err(err))
	}
}
