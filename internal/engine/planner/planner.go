// Package planner decomposes tasks into executable step DAGs. Plans
// are deterministic: planning the same task twice yields the same step
// ids and edges, so replans after a crash line up with checkpoints
// written before it.
package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nimbusops/nimbus/internal/capability"
	"github.com/nimbusops/nimbus/internal/config"
	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/logger"
	"github.com/nimbusops/nimbus/internal/models"
	"github.com/nimbusops/nimbus/internal/telemetry"
)

// Planner turns tasks into validated plans.
type Planner struct {
	registry *capability.Registry
	engine   config.EngineConfig
	log      logger.Logger
}

// New creates a planner over the capability registry. Engine defaults
// fill step timeouts and retry budgets the decomposition leaves unset.
func New(registry *capability.Registry, engine config.EngineConfig) *Planner {
	return &Planner{
		registry: registry,
		engine:   engine,
		log:      logger.New("planner"),
	}
}

// Generate decomposes a task into a plan. The result is already
// validated; callers may execute it directly.
func (p *Planner) Generate(ctx context.Context, task *models.Task) (*models.Plan, error) {
	if task == nil {
		return nil, errors.BadInput("task is required")
	}
	ctx, span := telemetry.StartSpan(ctx, "plan.generate",
		attribute.String("task.id", task.ID),
		attribute.String("task.type", string(task.Type)))
	plan, err := p.generate(ctx, task)
	telemetry.EndSpan(span, err)
	return plan, err
}

func (p *Planner) generate(ctx context.Context, task *models.Task) (*models.Plan, error) {
	if !task.Type.Valid() {
		return nil, errors.BadInputf("unknown task type %q", task.Type)
	}

	steps, edges, err := p.decompose(task)
	if err != nil {
		return nil, err
	}

	steps, edges = p.ensureSafetyGate(task, steps, edges)
	p.applyDefaults(task, steps)

	plan := &models.Plan{
		ID:        planID(task),
		TaskID:    task.ID,
		Steps:     steps,
		Edges:     edges,
		RiskScore: p.riskScore(task, steps),
		CreatedAt: time.Now().UTC(),
	}
	if err := sortTopological(plan); err != nil {
		return nil, err
	}
	plan.EstimatedDurationMS = criticalPathMS(plan)

	result, err := p.Validate(ctx, plan)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, errors.Internal(fmt.Sprintf(
			"generated plan for task %s failed validation: %s", task.ID, summarizeIssues(result.Issues)))
	}

	p.log.Debug("plan generated",
		logger.String("task_id", task.ID),
		logger.String("plan_id", plan.ID),
		logger.Int("steps", len(plan.Steps)),
		logger.Float64("risk_score", plan.RiskScore))
	return plan, nil
}

// decompose expands the task into its per-type step chain. Step order
// in the returned slice is the chain order; ids are already assigned.
func (p *Planner) decompose(task *models.Task) ([]*models.Step, []models.Edge, error) {
	b := newChainBuilder(task)
	env := task.Context.Environment
	scope := taskScope(task)

	switch task.Type {
	case models.TaskTypeGenerate:
		render := b.append("template.render", map[string]interface{}{
			"components":   task.Context.Components,
			"environment":  env,
			"requirements": task.Context.Requirements,
		})
		write := b.append("fs.write", map[string]interface{}{
			"files": outputRef(render, "files"),
		})
		b.append("fs.format", map[string]interface{}{
			"paths": outputRef(write, "paths"),
		})
		b.append("terraform.validate", map[string]interface{}{
			"environment": env,
			"components":  task.Context.Components,
		})

	case models.TaskTypeDeploy:
		b.appendNamed("preflight", "terraform.validate", map[string]interface{}{
			"environment": env,
			"components":  task.Context.Components,
		})
		planStep := b.append("terraform.plan", map[string]interface{}{
			"environment": env,
			"components":  task.Context.Components,
			"region":      task.Context.Region,
		})
		b.append("safety.check", map[string]interface{}{
			"phase":   string(models.SafetyPhasePre),
			"task_id": task.ID,
		})
		b.append("terraform.apply", map[string]interface{}{
			"environment": env,
			"plan_ref":    outputRef(planStep, "plan_id"),
		})
		b.appendNamed("verify", "drift.detect", map[string]interface{}{
			"provider": string(task.Context.Provider),
			"scope":    scope,
		})

	case models.TaskTypeVerify:
		detect := b.append("drift.detect", map[string]interface{}{
			"provider": string(task.Context.Provider),
			"scope":    scope,
		})
		b.append("policy.compare", map[string]interface{}{
			"report_ref":  outputRef(detect, "report_id"),
			"environment": env,
		})

	case models.TaskTypeRollback:
		target, ok := requirementString(task, "target_task_id")
		if !ok {
			return nil, nil, errors.BadInput("rollback task requires context.requirements.target_task_id")
		}
		force := requirementBool(task, "force")
		load := b.append("checkpoint.load", map[string]interface{}{
			"task_id": target,
		})
		derive := b.append("rollback.derive", map[string]interface{}{
			"task_id": target,
			"force":   force,
			"cursor":  outputRef(load, "cursor"),
		})
		b.append("rollback.apply", map[string]interface{}{
			"task_id":  target,
			"force":    force,
			"plan_ref": outputRef(derive, "plan_id"),
		})

	case models.TaskTypeAnalyze:
		detect := b.append("drift.detect", map[string]interface{}{
			"provider": string(task.Context.Provider),
			"scope":    scope,
		})
		b.append("compliance.report", map[string]interface{}{
			"report_ref": outputRef(detect, "report_id"),
		})

	default:
		return nil, nil, errors.BadInputf("unknown task type %q", task.Type)
	}

	return b.steps, b.edges, nil
}

// ensureSafetyGate guarantees every destructive step depends on a
// pre-phase safety check. The deploy chain already carries one; other
// shapes get one inserted on demand.
func (p *Planner) ensureSafetyGate(task *models.Task, steps []*models.Step, edges []models.Edge) ([]*models.Step, []models.Edge) {
	var destructive []*models.Step
	var gate *models.Step
	for _, s := range steps {
		if p.registry.Destructive(s.Kind) {
			destructive = append(destructive, s)
		}
		if s.Kind == "safety.check" && gate == nil {
			gate = s
		}
	}
	if len(destructive) == 0 {
		return steps, edges
	}

	if gate == nil {
		gate = buildStep(task, "safety.check", "", map[string]interface{}{
			"phase":   string(models.SafetyPhasePre),
			"task_id": task.ID,
		}, len(steps))
		steps = append(steps, gate)
	}

	have := make(map[models.Edge]bool, len(edges))
	for _, e := range edges {
		have[e] = true
	}
	for _, d := range destructive {
		e := models.Edge{FromStepID: gate.ID, ToStepID: d.ID}
		if d.ID != gate.ID && !have[e] {
			edges = append(edges, e)
			have[e] = true
		}
	}
	return steps, edges
}

// applyDefaults fills per-step budgets from the registry and engine
// configuration. Non-idempotent kinds never auto-retry.
func (p *Planner) applyDefaults(task *models.Task, steps []*models.Step) {
	for _, s := range steps {
		spec, known := p.registry.Get(s.Kind)
		if s.TimeoutMS == 0 {
			if known && spec.DefaultTimeoutMS > 0 {
				s.TimeoutMS = spec.DefaultTimeoutMS
			} else {
				s.TimeoutMS = p.engine.DefaultStepTimeout
			}
		}
		if s.EstimatedDurationMS == 0 && known {
			s.EstimatedDurationMS = spec.EstimatedDurationMS
		}
		if known && !spec.Idempotent {
			s.MaxRetries = 0
		} else if s.MaxRetries == 0 {
			s.MaxRetries = p.engine.DefaultMaxRetries
		}
		if s.FailurePolicy == "" {
			s.FailurePolicy = models.FailurePolicyFailTask
		}
		if s.Priority == 0 {
			s.Priority = task.Priority.Weight()
		}
		if s.RiskScore == 0 {
			s.RiskScore = stepRisk(spec, known)
		}
		if s.IdempotencyKey == "" {
			s.IdempotencyKey = task.ID + ":" + s.ID
		}
		if len(s.ExpectedEffects) == 0 && known && mutating(spec) {
			s.ExpectedEffects = effectAddresses(task)
		}
		s.State = models.StepStatePending
	}
}

// mutating reports whether a kind changes infrastructure: destructive
// kinds and anything with a registered inverse.
func mutating(spec capability.Spec) bool {
	return spec.Destructive || spec.Inverse != ""
}

// effectAddresses names what a mutating step touches, `<scope>` or
// `<scope>/<component>`. Rollback scopes inverse invocations and
// target narrowing by these.
func effectAddresses(task *models.Task) []string {
	scope := taskScope(task)
	if len(task.Context.Components) == 0 {
		return []string{scope}
	}
	effects := make([]string, 0, len(task.Context.Components))
	for _, c := range task.Context.Components {
		effects = append(effects, scope+"/"+c)
	}
	return effects
}

// riskScore grades the plan: destructive steps dominate, wide blast
// radius adds, protected environments multiply. Clamped to [0, 1].
func (p *Planner) riskScore(task *models.Task, steps []*models.Step) float64 {
	var score float64
	for _, s := range steps {
		if p.registry.Destructive(s.Kind) {
			score += 0.15
		} else {
			score += 0.02
		}
	}
	score += 0.01 * float64(len(task.Context.Components))
	if protectedEnvironment(task.Context.Environment) {
		score *= 1.5
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

func stepRisk(spec capability.Spec, known bool) float64 {
	switch {
	case known && spec.Destructive:
		return 0.8
	case known && spec.Idempotent:
		return 0.1
	default:
		return 0.3
	}
}

func protectedEnvironment(env string) bool {
	switch strings.ToLower(env) {
	case "prod", "production":
		return true
	}
	return false
}

// chainBuilder accumulates a linear step chain with deterministic ids.
type chainBuilder struct {
	task  *models.Task
	steps []*models.Step
	edges []models.Edge
}

func newChainBuilder(task *models.Task) *chainBuilder {
	return &chainBuilder{task: task}
}

func (b *chainBuilder) append(kind string, inputs map[string]interface{}) *models.Step {
	return b.appendNamed("", kind, inputs)
}

func (b *chainBuilder) appendNamed(name, kind string, inputs map[string]interface{}) *models.Step {
	step := buildStep(b.task, kind, name, inputs, len(b.steps))
	if n := len(b.steps); n > 0 {
		b.edges = append(b.edges, models.Edge{
			FromStepID: b.steps[n-1].ID,
			ToStepID:   step.ID,
		})
	}
	b.steps = append(b.steps, step)
	return step
}

func buildStep(task *models.Task, kind, name string, inputs map[string]interface{}, position int) *models.Step {
	return &models.Step{
		ID:     stepID(task, kind, position),
		Kind:   kind,
		Name:   name,
		Inputs: inputs,
		State:  models.StepStatePending,
	}
}

// stepID derives a stable id from the task's spec content and the
// step's position in the decomposition. encoding/json sorts map keys,
// so the digest input is canonical.
func stepID(task *models.Task, kind string, position int) string {
	payload := specPayload(task)
	payload = append(payload, '#')
	payload = strconv.AppendInt(payload, int64(position), 10)
	sum := sha256.Sum256(payload)
	return kindSlug(kind) + "-" + hex.EncodeToString(sum[:])[:12]
}

// planID derives a stable id from the task id and spec content, so a
// replan of the same task lands on the same plan.
func planID(task *models.Task) string {
	payload := append([]byte(task.ID+"|"), specPayload(task)...)
	sum := sha256.Sum256(payload)
	return "plan-" + hex.EncodeToString(sum[:])[:12]
}

func specPayload(task *models.Task) []byte {
	spec := models.TaskSpec{
		Type:     task.Type,
		UserID:   task.UserID,
		TeamID:   task.TeamID,
		Priority: task.Priority,
		Context:  task.Context,
		Metadata: task.Metadata,
	}
	payload, err := json.Marshal(spec)
	if err != nil {
		// Task specs round-trip through JSON at the API boundary, so
		// marshaling cannot fail for accepted tasks.
		return []byte(task.ID)
	}
	return payload
}

func kindSlug(kind string) string {
	return strings.ReplaceAll(kind, ".", "-")
}

// outputRef builds the input placeholder the executor resolves from a
// finished step's outputs.
func outputRef(step *models.Step, key string) string {
	return fmt.Sprintf("${steps.%s.outputs.%s}", step.ID, key)
}

func taskScope(task *models.Task) string {
	if scope, ok := requirementString(task, "scope"); ok {
		return scope
	}
	return task.Context.Environment
}

func requirementString(task *models.Task, key string) (string, bool) {
	v, ok := task.Context.Requirements[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func requirementBool(task *models.Task, key string) bool {
	v, ok := task.Context.Requirements[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func summarizeIssues(issues []models.ValidationIssue) string {
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		parts = append(parts, issue.Code+": "+issue.Message)
	}
	return strings.Join(parts, "; ")
}
