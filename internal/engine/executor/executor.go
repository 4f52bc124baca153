// Package executor runs validated plans against the capability port.
// Steps execute in dependency order with bounded fan-out, each success
// is checkpointed durably before its successors unlock, and retries
// back off exponentially with jitter. A crashed or interrupted run
// resumes from its latest checkpoint without repeating completed work.
package executor

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nimbusops/nimbus/internal/capability"
	"github.com/nimbusops/nimbus/internal/checkpoint"
	"github.com/nimbusops/nimbus/internal/config"
	"github.com/nimbusops/nimbus/internal/engine/safety"
	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/events"
	"github.com/nimbusops/nimbus/internal/logger"
	"github.com/nimbusops/nimbus/internal/models"
	"github.com/nimbusops/nimbus/internal/telemetry"
)

const (
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 30 * time.Second
)

// Executor drives plan execution. One executor serves the whole
// process; per-run fan-out is bounded by configuration and total
// in-flight steps by a process-wide semaphore.
type Executor struct {
	engine      config.EngineConfig
	caps        capability.Port
	checkpoints *checkpoint.Store
	events      *events.Log
	safety      *safety.Engine

	globalSlots chan struct{}

	metrics *telemetry.Metrics
	log     logger.Logger
}

// New creates an executor. The global step semaphore is sized from
// engine.MaxTaskConcurrency.
func New(engine config.EngineConfig, caps capability.Port, checkpoints *checkpoint.Store, eventLog *events.Log, safetyEngine *safety.Engine) *Executor {
	slots := engine.MaxTaskConcurrency
	if slots < 1 {
		slots = 1
	}
	return &Executor{
		engine:      engine,
		caps:        caps,
		checkpoints: checkpoints,
		events:      eventLog,
		safety:      safetyEngine,
		globalSlots: make(chan struct{}, slots),
		metrics:     telemetry.GetMetrics(),
		log:         logger.New("executor"),
	}
}

// Run executes a plan from the beginning. The plan's step runtime
// fields are mutated in place; the returned result summarizes them.
// On failure both the partial result and the classified error are
// returned.
func (e *Executor) Run(ctx context.Context, task *models.Task, plan *models.Plan) (*models.TaskResult, error) {
	state := &models.ExecutionState{
		StepOutputsSoFar: make(map[string]map[string]interface{}),
	}
	return e.execute(ctx, task, plan, state)
}

// Resume continues a plan from a previously checkpointed execution
// state. Steps recorded in the state are treated as succeeded and
// never re-invoked, unless their idempotency key was invalidated.
func (e *Executor) Resume(ctx context.Context, task *models.Task, plan *models.Plan, state *models.ExecutionState) (*models.TaskResult, error) {
	if state == nil {
		return nil, errors.BadInput("resume requires an execution state")
	}
	if state.StepOutputsSoFar == nil {
		state.StepOutputsSoFar = make(map[string]map[string]interface{})
	}

	for id, outputs := range state.StepOutputsSoFar {
		step := plan.StepByID(id)
		if step == nil {
			return nil, errors.Conflict("checkpoint state names step " + id + " that is not in plan " + plan.ID)
		}
		if state.Invalidated(step.IdempotencyKey) {
			// Re-execute: the recorded outputs are stale.
			delete(state.StepOutputsSoFar, id)
			continue
		}
		step.State = models.StepStateSucceeded
		step.Outputs = outputs
	}
	return e.execute(ctx, task, plan, state)
}

func (e *Executor) execute(ctx context.Context, task *models.Task, plan *models.Plan, state *models.ExecutionState) (*models.TaskResult, error) {
	if task == nil || plan == nil {
		return nil, errors.BadInput("task and plan are required")
	}
	if len(plan.Steps) == 0 {
		return nil, errors.BadInput("plan " + plan.ID + " has no steps")
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	r := &run{
		exec: e,
		task: task,
		plan: plan,
		// Durable writes survive cancellation: a checkpoint for a step
		// that finished must not be lost because the task was
		// cancelled an instant later.
		persistCtx:  context.WithoutCancel(ctx),
		state:       state,
		completed:   state.Cursor,
		cancelRun:   cancelRun,
		completions: make(chan stepOutcome),
		startedAt:   time.Now().UTC(),
	}
	r.init()
	r.loop(runCtx)

	return r.finish(ctx)
}

// stepOutcome is one worker's report back to the scheduling loop.
type stepOutcome struct {
	step     *models.Step
	outputs  map[string]interface{}
	err      error
	attempts int
	started  time.Time
	finished time.Time
}

// run is the mutable state of one plan execution. All fields are owned
// by the scheduling loop; workers communicate through completions.
type run struct {
	exec       *Executor
	task       *models.Task
	plan       *models.Plan
	persistCtx context.Context
	state      *models.ExecutionState

	indegree  map[string]int
	ready     []*models.Step
	running   int
	completed int

	// failure is the first task-fatal error; once set, no new steps
	// are dispatched under fail_task semantics.
	failure *errors.Error
	halted  bool

	cancelRun   context.CancelFunc
	completions chan stepOutcome
	startedAt   time.Time
}

// init computes in-degrees over non-terminal steps and seeds the
// ready queue.
func (r *run) init() {
	r.indegree = make(map[string]int, len(r.plan.Steps))

	for _, e := range r.plan.Edges {
		from := r.plan.StepByID(e.FromStepID)
		if from != nil && from.State.Terminal() {
			continue
		}
		r.indegree[e.ToStepID]++
	}
	for _, s := range r.plan.Steps {
		if s.State == models.StepStatePending && r.indegree[s.ID] == 0 {
			r.enqueue(s)
		}
	}
}

func (r *run) enqueue(step *models.Step) {
	step.State = models.StepStateReady
	r.ready = append(r.ready, step)
}

// popReady removes and returns the best ready step: priority desc,
// risk desc (surface failures early), estimated duration asc, id asc.
func (r *run) popReady() *models.Step {
	if len(r.ready) == 0 {
		return nil
	}
	sort.Slice(r.ready, func(i, j int) bool {
		a, b := r.ready[i], r.ready[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.RiskScore != b.RiskScore {
			return a.RiskScore > b.RiskScore
		}
		if a.EstimatedDurationMS != b.EstimatedDurationMS {
			return a.EstimatedDurationMS < b.EstimatedDurationMS
		}
		return a.ID < b.ID
	})
	step := r.ready[0]
	r.ready = r.ready[1:]
	return step
}

// loop dispatches ready steps and consumes completions until the plan
// drains or the run halts. Dispatch always leaves the run with either
// in-flight work or an empty ready queue, so running==0 means done.
func (r *run) loop(runCtx context.Context) {
	for {
		if !r.stopping(runCtx) {
			r.dispatch(runCtx)
		}
		if r.running == 0 {
			return
		}

		outcome := <-r.completions
		r.running--
		r.handle(runCtx, outcome)
	}
}

func (r *run) stopping(runCtx context.Context) bool {
	return r.halted || runCtx.Err() != nil
}

// dispatch launches ready steps up to the per-run fan-out bound.
func (r *run) dispatch(runCtx context.Context) {
	fanout := r.exec.engine.MaxStepFanout
	if fanout < 1 {
		fanout = 1
	}
	for r.running < fanout {
		step := r.popReady()
		if step == nil {
			return
		}
		// Ancestors are terminal once a step is ready, so its inputs
		// resolve against stable outputs.
		inputs := resolveInputs(step.Inputs, r.state.StepOutputsSoFar)
		r.launch(runCtx, step, inputs)
	}
}

func (r *run) launch(runCtx context.Context, step *models.Step, inputs map[string]interface{}) {
	r.running++
	step.State = models.StepStateRunning

	go func() {
		outcome := stepOutcome{step: step}

		select {
		case r.exec.globalSlots <- struct{}{}:
			defer func() { <-r.exec.globalSlots }()
		case <-runCtx.Done():
			outcome.err = errors.Cancelled("step " + step.ID + " cancelled before start")
			r.completions <- outcome
			return
		}

		outcome.started = time.Now().UTC()
		r.emit(models.EventStepStarted, map[string]interface{}{
			"step_id": step.ID,
			"kind":    step.Kind,
		})

		stepCtx, span := telemetry.StartSpan(runCtx, "step.run",
			attribute.String("step.id", step.ID),
			attribute.String("step.kind", step.Kind),
			attribute.String("plan.id", r.plan.ID))
		outputs, attempts, err := r.exec.invokeWithRetry(stepCtx, step, inputs)
		telemetry.EndSpan(span, err)

		outcome.outputs = outputs
		outcome.attempts = attempts
		outcome.err = err
		outcome.finished = time.Now().UTC()
		r.completions <- outcome
	}()
}

// invokeWithRetry calls the capability, retrying transient failures
// with capped exponential backoff and jitter. Attempts never exceed
// max_retries + 1.
func (e *Executor) invokeWithRetry(ctx context.Context, step *models.Step, inputs map[string]interface{}) (map[string]interface{}, int, error) {
	maxAttempts := step.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	opts := capability.InvokeOptions{
		Timeout:        time.Duration(step.TimeoutMS) * time.Millisecond,
		IdempotencyKey: step.IdempotencyKey,
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, attempt - 1, errors.Cancelled("step " + step.ID + " cancelled")
		}

		outputs, err := e.caps.Invoke(ctx, step.Kind, inputs, opts)
		if err == nil {
			return outputs, attempt, nil
		}
		lastErr = err

		if errors.Is(err, errors.KindCancelled) || attempt == maxAttempts || !errors.IsRetryable(err) {
			return nil, attempt, err
		}

		e.metrics.StepRetries.WithLabelValues(step.Kind).Inc()
		delay := retryDelay(attempt)
		e.log.Debug("retrying step",
			logger.String("step_id", step.ID),
			logger.String("kind", step.Kind),
			logger.Int("attempt", attempt),
			logger.Duration("backoff", delay),
			logger.Err(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, attempt, errors.Cancelled("step " + step.ID + " cancelled during backoff")
		}
	}
	return nil, maxAttempts, lastErr
}

// retryDelay is min(30s, 500ms * 2^(attempt-1)) plus jitter in
// [0, 0.3*delay).
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay << uint(attempt-1)
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)*3/10 + 1))
	return delay + jitter
}

func (r *run) handle(runCtx context.Context, outcome stepOutcome) {
	step := outcome.step
	step.Attempts += outcome.attempts

	switch {
	case outcome.err == nil:
		r.setTimes(outcome)
		r.handleSuccess(runCtx, outcome)
	case errors.Is(outcome.err, errors.KindCancelled):
		// The run is winding down; leave the step pending so a resume
		// can pick it up.
		step.State = models.StepStatePending
	default:
		r.setTimes(outcome)
		r.handleFailure(outcome)
	}
}

func (r *run) setTimes(outcome stepOutcome) {
	if !outcome.started.IsZero() {
		t := outcome.started
		outcome.step.StartedAt = &t
	}
	if !outcome.finished.IsZero() {
		t := outcome.finished
		outcome.step.FinishedAt = &t
	}
}

func (r *run) handleSuccess(runCtx context.Context, outcome stepOutcome) {
	step := outcome.step
	step.State = models.StepStateSucceeded
	step.Outputs = outcome.outputs
	step.LastError = ""

	r.completed++
	r.state.StepOutputsSoFar[step.ID] = outcome.outputs
	r.state.Cursor = r.completed
	r.clearInvalidation(step.IdempotencyKey)

	r.countStep(step)

	cp, err := r.exec.checkpoints.SaveState(r.persistCtx, r.plan.ID, r.completed-1, r.state)
	if err != nil {
		// Without a durable checkpoint the step cannot be trusted to
		// survive a crash; the task fails rather than run on.
		r.fail(errors.Wrap(err, errors.KindStorageUnavailable,
			"writing checkpoint after step "+step.ID))
		r.halt()
		return
	}
	r.exec.metrics.CheckpointWrites.Inc()
	r.exec.metrics.CheckpointBytes.Observe(float64(len(cp.State)))

	r.emit(models.EventStepSucceeded, map[string]interface{}{
		"step_id":     step.ID,
		"kind":        step.Kind,
		"attempts":    step.Attempts,
		"duration_ms": outcome.finished.Sub(outcome.started).Milliseconds(),
	})
	r.emit(models.EventCheckpointSaved, map[string]interface{}{
		"checkpoint_id": cp.ID,
		"step":          cp.Step,
	})

	r.promoteSuccessors(step.ID)

	if r.workRemains() {
		r.checkDuringPhase()
	}
}

func (r *run) handleFailure(outcome stepOutcome) {
	step := outcome.step
	step.State = models.StepStateFailed
	step.LastError = outcome.err.Error()

	r.countStep(step)
	r.emit(models.EventStepFailed, map[string]interface{}{
		"step_id":    step.ID,
		"kind":       step.Kind,
		"attempts":   step.Attempts,
		"error":      outcome.err.Error(),
		"error_kind": string(errors.KindOf(outcome.err)),
	})

	policy := step.FailurePolicy
	if policy == "" {
		policy = models.FailurePolicyFailTask
	}

	switch policy {
	case models.FailurePolicyContinue:
		// Tolerated: the step counts as skipped, its subtree is
		// skipped, and the rest of the plan decides the outcome.
		step.State = models.StepStateSkipped
		r.skipDescendants(step.ID)
		r.promoteSuccessors(step.ID)

	case models.FailurePolicyAbort:
		// The subtree is abandoned but independent branches run to
		// completion; the task still fails.
		r.fail(asEngineError(outcome.err))
		r.skipDescendants(step.ID)
		r.promoteSuccessors(step.ID)

	default: // fail_task
		r.fail(asEngineError(outcome.err))
		r.halt()
	}
}

// promoteSuccessors unlocks steps whose last dependency just reached a
// terminal state.
func (r *run) promoteSuccessors(stepID string) {
	for _, succ := range r.plan.Successors(stepID) {
		r.indegree[succ]--
		if r.indegree[succ] > 0 {
			continue
		}
		step := r.plan.StepByID(succ)
		if step != nil && step.State == models.StepStatePending {
			r.enqueue(step)
		}
	}
}

// skipDescendants marks the transitive successors of a step skipped.
// Descendants cannot be running: their dependencies never completed.
func (r *run) skipDescendants(stepID string) {
	successors := make(map[string][]string, len(r.plan.Steps))
	for _, e := range r.plan.Edges {
		successors[e.FromStepID] = append(successors[e.FromStepID], e.ToStepID)
	}

	stack := append([]string{}, successors[stepID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		step := r.plan.StepByID(id)
		if step == nil || step.State.Terminal() {
			continue
		}
		if step.State == models.StepStateReady {
			r.removeFromReady(id)
		}
		step.State = models.StepStateSkipped
		r.countStep(step)
		stack = append(stack, successors[id]...)
	}
}

func (r *run) removeFromReady(stepID string) {
	for i, s := range r.ready {
		if s.ID == stepID {
			r.ready = append(r.ready[:i], r.ready[i+1:]...)
			return
		}
	}
}

// checkDuringPhase evaluates during-phase safety at the step boundary.
// A blocking verdict halts the run.
func (r *run) checkDuringPhase() {
	if r.exec.safety == nil {
		return
	}
	verdict, err := r.exec.safety.Evaluate(r.persistCtx, models.SafetyPhaseDuring, safety.Input{
		Task:  r.task,
		Plan:  r.plan,
		State: r.state,
	})
	if err != nil {
		r.exec.log.Warn("during-phase safety evaluation failed",
			logger.String("task_id", r.task.ID),
			logger.Err(err))
		return
	}
	if verdict.Blocked {
		r.fail(errors.SafetyBlocked("a during-phase safety check failed critically"))
		r.halt()
	}
}

func (r *run) workRemains() bool {
	if r.running > 0 || len(r.ready) > 0 {
		return true
	}
	for _, s := range r.plan.Steps {
		if !s.State.Terminal() {
			return true
		}
	}
	return false
}

func (r *run) fail(err *errors.Error) {
	if r.failure == nil {
		r.failure = err
	}
}

func (r *run) halt() {
	r.halted = true
	r.cancelRun()
}

func (r *run) clearInvalidation(key string) {
	if key == "" || len(r.state.InvalidatedKeys) == 0 {
		return
	}
	keys := r.state.InvalidatedKeys[:0]
	for _, k := range r.state.InvalidatedKeys {
		if k != key {
			keys = append(keys, k)
		}
	}
	r.state.InvalidatedKeys = keys
}

func (r *run) countStep(step *models.Step) {
	r.exec.metrics.StepsTotal.WithLabelValues(step.Kind, string(step.State)).Inc()
}

func (r *run) emit(kind models.EventKind, payload map[string]interface{}) {
	if _, err := r.exec.events.EmitKind(r.persistCtx, r.task.ID, r.plan.ID, kind, payload); err != nil {
		r.exec.log.Warn("event emission failed",
			logger.String("task_id", r.task.ID),
			logger.String("kind", string(kind)),
			logger.Err(err))
	}
}

// finish classifies the drained run and builds its result.
func (r *run) finish(ctx context.Context) (*models.TaskResult, error) {
	result := &models.TaskResult{
		TaskID:     r.task.ID,
		PlanID:     r.plan.ID,
		DurationMS: time.Since(r.startedAt).Milliseconds(),
		Steps:      make([]models.StepResult, 0, len(r.plan.Steps)),
	}
	for _, s := range r.plan.Steps {
		sr := models.StepResult{
			StepID:   s.ID,
			Kind:     s.Kind,
			State:    s.State,
			Attempts: s.Attempts,
			Error:    s.LastError,
		}
		if s.StartedAt != nil && s.FinishedAt != nil {
			sr.DurationMS = s.FinishedAt.Sub(*s.StartedAt).Milliseconds()
		}
		result.Steps = append(result.Steps, sr)
	}

	switch {
	case r.failure != nil:
		result.Status = models.TaskStatusFailed
		result.Error = r.failure.Error()
		result.ErrorKind = string(errors.KindOf(r.failure))
		return result, r.failure

	case ctx.Err() != nil:
		result.Status = models.TaskStatusCancelled
		err := errors.Cancelled("task " + r.task.ID + " cancelled")
		result.Error = err.Error()
		result.ErrorKind = string(errors.KindCancelled)
		return result, err

	default:
		result.Status = models.TaskStatusSucceeded
		result.SuccessScore = 1.0
		return result, nil
	}
}

func asEngineError(err error) *errors.Error {
	if e, ok := err.(*errors.Error); ok {
		return e
	}
	return errors.Wrap(err, errors.KindInternal, "step execution failed")
}
