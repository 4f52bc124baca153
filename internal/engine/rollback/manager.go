// Package rollback derives and runs inverse plans. A rollback walks the
// original plan's topological order in reverse and emits the registered
// inverse capability for every succeeded step that changed
// infrastructure, scoped by the step's recorded effects. Steps without
// an inverse refuse the rollback unless forced, in which case they are
// recorded as skipped-unsafe.
package rollback

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nimbusops/nimbus/internal/capability"
	"github.com/nimbusops/nimbus/internal/checkpoint"
	"github.com/nimbusops/nimbus/internal/engine/executor"
	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/logger"
	"github.com/nimbusops/nimbus/internal/models"
	"github.com/nimbusops/nimbus/internal/storage"
	"github.com/nimbusops/nimbus/internal/telemetry"
)

// Manager owns rollback derivation and execution.
type Manager struct {
	registry    *capability.Registry
	checkpoints *checkpoint.Store
	store       storage.Store
	exec        *executor.Executor
	log         logger.Logger
}

// New creates a rollback manager.
func New(registry *capability.Registry, checkpoints *checkpoint.Store, store storage.Store, exec *executor.Executor) *Manager {
	return &Manager{
		registry:    registry,
		checkpoints: checkpoints,
		store:       store,
		exec:        exec,
		log:         logger.New("rollback"),
	}
}

// CanRollback reports whether a task has recoverable state to undo.
// Unknown tasks are an error; a known task without usable state gets
// an explanatory reason instead.
func (m *Manager) CanRollback(ctx context.Context, taskID string) (*models.RollbackCheck, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.PlanID == "" {
		return &models.RollbackCheck{Reason: "task has no plan"}, nil
	}
	if !task.Status.Terminal() {
		return &models.RollbackCheck{Reason: fmt.Sprintf("task is %s; wait for a terminal status", task.Status)}, nil
	}

	summaries, err := m.checkpoints.List(ctx, task.PlanID)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return &models.RollbackCheck{Reason: "no checkpoints recorded for plan " + task.PlanID}, nil
	}

	last := summaries[len(summaries)-1]
	return &models.RollbackCheck{
		Available: true,
		State: &models.RollbackState{
			TaskID:         task.ID,
			OperationID:    task.PlanID,
			LatestStep:     last.Step,
			Checkpoints:    len(summaries),
			LastCheckpoint: last.CreatedAt,
		},
	}, nil
}

// Derive builds the inverse plan for a task without executing it. The
// returned slice names steps that would be skipped as unsafe; it is
// only non-empty when opts.Force is set.
func (m *Manager) Derive(ctx context.Context, opts models.RollbackOptions) (*models.Plan, []string, error) {
	_, plan, skipped, err := m.derive(ctx, opts)
	return plan, skipped, err
}

// Rollback derives the inverse plan and runs it. DryRun returns the
// derived steps and a summary without invoking anything.
func (m *Manager) Rollback(ctx context.Context, opts models.RollbackOptions) (*models.RollbackResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "task.rollback",
		attribute.String("task.id", opts.TaskID),
		attribute.Bool("rollback.dry_run", opts.DryRun))
	result, err := m.rollback(ctx, opts)
	telemetry.EndSpan(span, err)
	return result, err
}

func (m *Manager) rollback(ctx context.Context, opts models.RollbackOptions) (*models.RollbackResult, error) {
	task, plan, skipped, err := m.derive(ctx, opts)
	if err != nil {
		return nil, err
	}

	result := &models.RollbackResult{
		TaskID:        task.ID,
		PlanID:        plan.ID,
		DryRun:        opts.DryRun,
		SkippedUnsafe: skipped,
	}

	if len(plan.Steps) == 0 {
		result.Status = models.TaskStatusSucceeded
		result.Summary = summarize(task.ID, plan, skipped, "nothing to undo")
		return result, nil
	}

	if opts.DryRun {
		result.Status = models.TaskStatusPending
		for _, s := range plan.Steps {
			result.Steps = append(result.Steps, models.StepResult{
				StepID: s.ID,
				Kind:   s.Kind,
				State:  s.State,
			})
		}
		result.Summary = summarize(task.ID, plan, skipped, "dry run, not executed")
		return result, nil
	}

	if protectedEnvironment(task.Context.Environment) && !opts.AutoApprove {
		return nil, errors.AwaitingApproval(
			"rolling back "+task.Context.Environment+" requires auto_approve or an approved rollback task").
			WithDetails("task_id", task.ID).
			WithDetails("environment", task.Context.Environment)
	}

	// A re-run starts a fresh checkpoint stream for the derived plan.
	if _, err := m.checkpoints.DeleteAll(ctx, plan.ID); err != nil {
		return nil, err
	}
	if err := m.store.SavePlan(ctx, plan); err != nil {
		return nil, err
	}

	m.log.Info("rolling back task",
		logger.String("task_id", task.ID),
		logger.String("plan_id", plan.ID),
		logger.Int("inverse_steps", len(plan.Steps)),
		logger.Int("skipped_unsafe", len(skipped)))

	run, runErr := m.exec.Run(ctx, task, plan)
	result.Steps = run.Steps
	result.Status = run.Status
	result.Summary = summarize(task.ID, plan, skipped, string(run.Status))
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// ListStates reports every operation that still holds checkpoints.
func (m *Manager) ListStates(ctx context.Context) ([]models.RollbackState, error) {
	ops, err := m.checkpoints.Operations(ctx)
	if err != nil {
		return nil, err
	}

	states := make([]models.RollbackState, 0, len(ops))
	for _, op := range ops {
		summaries, err := m.checkpoints.List(ctx, op)
		if err != nil {
			return nil, err
		}
		if len(summaries) == 0 {
			continue
		}
		last := summaries[len(summaries)-1]
		state := models.RollbackState{
			OperationID:    op,
			LatestStep:     last.Step,
			Checkpoints:    len(summaries),
			LastCheckpoint: last.CreatedAt,
		}
		if plan, err := m.store.GetPlan(ctx, op); err == nil {
			state.TaskID = plan.TaskID
		}
		states = append(states, state)
	}
	return states, nil
}

// CleanupOldStates deletes checkpoint streams whose latest write is
// older than maxAge. Operations owned by a non-terminal task are kept
// regardless of age. Returns the number of operations cleaned.
func (m *Manager) CleanupOldStates(ctx context.Context, maxAge time.Duration) (int, error) {
	states, err := m.ListStates(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for _, state := range states {
		if state.LastCheckpoint.After(cutoff) {
			continue
		}
		if state.TaskID != "" {
			task, err := m.store.GetTask(ctx, state.TaskID)
			if err == nil && !task.Status.Terminal() {
				continue
			}
		}
		if _, err := m.checkpoints.DeleteAll(ctx, state.OperationID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		m.log.Info("cleaned up rollback states", logger.Int("operations", removed))
	}
	return removed, nil
}

// derive loads the task, its plan and latest checkpoint and builds the
// inverse plan.
func (m *Manager) derive(ctx context.Context, opts models.RollbackOptions) (*models.Task, *models.Plan, []string, error) {
	if opts.TaskID == "" {
		return nil, nil, nil, errors.BadInput("rollback requires a task id")
	}
	task, err := m.store.GetTask(ctx, opts.TaskID)
	if err != nil {
		return nil, nil, nil, err
	}
	if task.PlanID == "" {
		return nil, nil, nil, errors.Conflict("task " + task.ID + " has no plan to roll back")
	}
	if !task.Status.Terminal() {
		return nil, nil, nil, errors.Conflict("task " + task.ID + " is " + string(task.Status) + "; cancel it before rolling back")
	}

	plan, err := m.store.GetPlan(ctx, task.PlanID)
	if err != nil {
		return nil, nil, nil, err
	}
	_, state, err := m.checkpoints.LatestState(ctx, task.PlanID)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.KindNotFound, "loading checkpoint for task "+task.ID)
	}

	inverse, skipped, err := m.inverseSteps(task, plan, state, opts)
	if err != nil {
		return nil, nil, nil, err
	}

	derived := &models.Plan{
		ID:        "rb-" + task.ID,
		TaskID:    task.ID,
		Steps:     inverse,
		CreatedAt: time.Now().UTC(),
	}
	for i := 1; i < len(inverse); i++ {
		derived.Edges = append(derived.Edges, models.Edge{
			FromStepID: inverse[i-1].ID,
			ToStepID:   inverse[i].ID,
		})
	}
	for _, s := range inverse {
		derived.EstimatedDurationMS += s.EstimatedDurationMS
		if s.RiskScore > derived.RiskScore {
			derived.RiskScore = s.RiskScore
		}
	}
	return task, derived, skipped, nil
}

// inverseSteps walks the succeeded steps in reverse topological order
// and emits their inverses as a sequential chain.
func (m *Manager) inverseSteps(task *models.Task, plan *models.Plan, state *models.ExecutionState, opts models.RollbackOptions) ([]*models.Step, []string, error) {
	order := topoOrder(plan)

	var steps []*models.Step
	var skipped []string
	for i := len(order) - 1; i >= 0; i-- {
		step := order[i]
		outputs, succeeded := state.StepOutputsSoFar[step.ID]
		if !succeeded {
			continue
		}

		spec, known := m.registry.Get(step.Kind)
		if !mutatingStep(step, spec, known) {
			continue
		}
		if len(opts.Targets) > 0 && !matchesTargets(step.ExpectedEffects, opts.Targets) {
			continue
		}

		invSpec, ok := m.registry.Inverse(step.Kind)
		if !ok {
			if !opts.Force {
				return nil, nil, errors.Conflict("step "+step.ID+" ("+step.Kind+") has no registered inverse").
					WithDetails("error_code", "no_inverse").
					WithDetails("step_id", step.ID).
					WithDetails("kind", step.Kind)
			}
			skipped = append(skipped, step.ID)
			continue
		}
		steps = append(steps, inverseStep(task, step, outputs, invSpec, len(steps)))
	}
	return steps, skipped, nil
}

// inverseStep builds the undo step for one succeeded step. The original
// inputs travel along so the tool service can locate what it wrote, and
// the original outputs ride in source_outputs for restores that need
// them (backup ids, state versions).
func inverseStep(task *models.Task, step *models.Step, outputs map[string]interface{}, spec capability.Spec, position int) *models.Step {
	inputs := make(map[string]interface{}, len(step.Inputs)+2)
	for k, v := range step.Inputs {
		inputs[k] = v
	}
	if len(step.ExpectedEffects) > 0 {
		inputs["targets"] = append([]string(nil), step.ExpectedEffects...)
	}
	if len(outputs) > 0 {
		inputs["source_outputs"] = outputs
	}

	name := step.Name
	if name == "" {
		name = step.ID
	}

	maxRetries := 0
	if spec.Idempotent {
		maxRetries = step.MaxRetries
	}

	risk := 0.3
	switch {
	case spec.Destructive:
		risk = 0.8
	case spec.Idempotent:
		risk = 0.1
	}

	id := fmt.Sprintf("undo-%02d-%s", position, step.ID)
	return &models.Step{
		ID:                  id,
		Kind:                spec.Kind,
		Name:                "undo " + name,
		Inputs:              inputs,
		ExpectedEffects:     append([]string(nil), step.ExpectedEffects...),
		MaxRetries:          maxRetries,
		TimeoutMS:           spec.DefaultTimeoutMS,
		IdempotencyKey:      task.ID + ":" + id,
		FailurePolicy:       models.FailurePolicyFailTask,
		Priority:            step.Priority,
		EstimatedDurationMS: spec.EstimatedDurationMS,
		RiskScore:           risk,
		State:               models.StepStatePending,
	}
}

// mutatingStep reports whether a step changed infrastructure: it
// recorded effects, or its kind is destructive or invertible. Read-only
// steps have nothing to undo.
func mutatingStep(step *models.Step, spec capability.Spec, known bool) bool {
	if len(step.ExpectedEffects) > 0 {
		return true
	}
	return known && (spec.Destructive || spec.Inverse != "")
}

func matchesTargets(effects, targets []string) bool {
	for _, effect := range effects {
		for _, target := range targets {
			if effect == target {
				return true
			}
		}
	}
	return false
}

// topoOrder returns the plan's steps in topological order, stable by
// declaration position. Stored plans are validated acyclic; if a cycle
// sneaks in, declaration order is returned as-is.
func topoOrder(plan *models.Plan) []*models.Step {
	position := make(map[string]int, len(plan.Steps))
	indegree := make(map[string]int, len(plan.Steps))
	for i, s := range plan.Steps {
		position[s.ID] = i
	}
	for _, e := range plan.Edges {
		indegree[e.ToStepID]++
	}

	var queue []*models.Step
	for _, s := range plan.Steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s)
		}
	}

	order := make([]*models.Step, 0, len(plan.Steps))
	for len(queue) > 0 {
		sort.Slice(queue, func(i, j int) bool {
			return position[queue[i].ID] < position[queue[j].ID]
		})
		step := queue[0]
		queue = queue[1:]
		order = append(order, step)

		for _, succ := range plan.Successors(step.ID) {
			indegree[succ]--
			if indegree[succ] == 0 {
				if s := plan.StepByID(succ); s != nil {
					queue = append(queue, s)
				}
			}
		}
	}
	if len(order) != len(plan.Steps) {
		return plan.Steps
	}
	return order
}

func summarize(taskID string, plan *models.Plan, skipped []string, outcome string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "rollback of task %s: %d inverse step", taskID, len(plan.Steps))
	if len(plan.Steps) != 1 {
		sb.WriteString("s")
	}
	if len(skipped) > 0 {
		fmt.Fprintf(&sb, ", %d skipped unsafe (%s)", len(skipped), strings.Join(skipped, ", "))
	}
	sb.WriteString("; ")
	sb.WriteString(outcome)
	return sb.String()
}

func protectedEnvironment(env string) bool {
	switch strings.ToLower(env) {
	case "prod", "production":
		return true
	}
	return false
}
