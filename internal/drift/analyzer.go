package drift

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimbusops/nimbus/internal/capability"
	"github.com/nimbusops/nimbus/internal/engine/executor"
	"github.com/nimbusops/nimbus/internal/engine/planner"
	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/logger"
	"github.com/nimbusops/nimbus/internal/models"
	"github.com/nimbusops/nimbus/internal/storage"
	"github.com/nimbusops/nimbus/internal/telemetry"
)

// Analyzer turns drift reports into remediation plans and drives them
// through the executor under a synthetic analyze task.
type Analyzer struct {
	detector *Detector
	planner  *planner.Planner
	registry *capability.Registry
	exec     *executor.Executor
	store    storage.Store
	log      logger.Logger
}

// NewAnalyzer builds an analyzer over an existing detector.
func NewAnalyzer(detector *Detector, pln *planner.Planner, registry *capability.Registry, exec *executor.Executor, store storage.Store) *Analyzer {
	return &Analyzer{
		detector: detector,
		planner:  pln,
		registry: registry,
		exec:     exec,
		store:    store,
		log:      logger.New("drift"),
	}
}

// CreateRemediationPlan maps every out-of-sync item of the report to
// one corrective step, chained in address order. Missing resources are
// created, changed ones updated, extras deleted. A report with nothing
// out of sync yields an empty plan, which is returned unvalidated since
// there is nothing to run.
func (a *Analyzer) CreateRemediationPlan(ctx context.Context, report *models.DriftReport) (*models.Plan, error) {
	if report == nil {
		return nil, errors.BadInput("a drift report is required")
	}

	items := report.OutOfSync()
	steps := make([]*models.Step, 0, len(items))
	for i, item := range items {
		steps = append(steps, a.remediationStep(report, item, i))
	}

	plan := &models.Plan{
		ID:        "rem-" + report.ID,
		Steps:     steps,
		CreatedAt: time.Now().UTC(),
	}
	for i := 1; i < len(steps); i++ {
		plan.Edges = append(plan.Edges, models.Edge{
			FromStepID: steps[i-1].ID,
			ToStepID:   steps[i].ID,
		})
	}
	for _, s := range steps {
		plan.EstimatedDurationMS += s.EstimatedDurationMS
		if s.RiskScore > plan.RiskScore {
			plan.RiskScore = s.RiskScore
		}
	}
	if len(steps) == 0 {
		return plan, nil
	}

	result, err := a.planner.Validate(ctx, plan)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, errors.Internal(fmt.Sprintf(
			"remediation plan for report %s failed validation: %s", report.ID, joinIssues(result.Issues)))
	}

	a.log.Debug("remediation plan created",
		logger.String("report_id", report.ID),
		logger.String("plan_id", plan.ID),
		logger.Int("steps", len(plan.Steps)),
		logger.Float64("risk_score", plan.RiskScore))
	return plan, nil
}

// Remediate resolves a report, plans its remediation and runs the plan
// under a synthetic analyze task so the run is checkpointed, visible
// and reversible like any other task.
func (a *Analyzer) Remediate(ctx context.Context, opts models.RemediationOptions) (*models.RemediationResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "drift.remediate",
		attribute.Bool("drift.dry_run", opts.DryRun))
	result, err := a.remediate(ctx, opts)
	telemetry.EndSpan(span, err)
	return result, err
}

func (a *Analyzer) remediate(ctx context.Context, opts models.RemediationOptions) (*models.RemediationResult, error) {
	report, err := a.resolveReport(ctx, opts)
	if err != nil {
		return nil, err
	}
	plan, err := a.CreateRemediationPlan(ctx, report)
	if err != nil {
		return nil, err
	}

	result := &models.RemediationResult{
		ReportID:  report.ID,
		PlanID:    plan.ID,
		DryRun:    opts.DryRun,
		OutOfSync: len(plan.Steps),
	}
	if len(plan.Steps) == 0 {
		result.Status = models.TaskStatusSucceeded
		result.Summary = "all resources in sync, nothing to remediate"
		return result, nil
	}
	if opts.DryRun {
		result.Status = models.TaskStatusPending
		result.Steps = plannedSteps(plan)
		result.Summary = fmt.Sprintf("%d remediation steps planned, not executed", len(plan.Steps))
		return result, nil
	}

	task := a.syntheticTask(report, opts)
	task.PlanID = plan.ID
	plan.TaskID = task.ID
	if err := a.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	if err := a.store.SavePlan(ctx, plan); err != nil {
		return nil, err
	}

	a.log.Info("remediating drift",
		logger.String("report_id", report.ID),
		logger.String("task_id", task.ID),
		logger.String("plan_id", plan.ID),
		logger.Int("steps", len(plan.Steps)))

	run, runErr := a.exec.Run(ctx, task, plan)

	now := time.Now().UTC()
	task.Status = run.Status
	task.FinishedAt = &now
	if runErr != nil {
		task.Error = runErr.Error()
		task.ErrorKind = string(errors.KindOf(runErr))
	}
	if err := a.store.SaveTask(ctx, task); err != nil {
		a.log.Warn("persisting remediation task failed",
			logger.String("task_id", task.ID),
			logger.Err(err))
	}

	result.TaskID = task.ID
	result.Steps = run.Steps
	result.Status = run.Status
	result.Summary = summarizeRun(run, len(plan.Steps))
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// GenerateComplianceReport aggregates a stored report's severity counts
// and percent in sync.
func (a *Analyzer) GenerateComplianceReport(ctx context.Context, reportID string) (*models.ComplianceReport, error) {
	return a.detector.Compliance(ctx, reportID)
}

// resolveReport loads the report named by the options, or detects a
// fresh one when a request is given instead.
func (a *Analyzer) resolveReport(ctx context.Context, opts models.RemediationOptions) (*models.DriftReport, error) {
	switch {
	case opts.ReportID != "":
		return a.store.GetDriftReport(ctx, opts.ReportID)
	case opts.Request != nil:
		return a.detector.Detect(ctx, *opts.Request)
	default:
		return nil, errors.BadInput("remediation requires a report id or a drift request")
	}
}

// remediationStep builds the corrective step for one drifted item. The
// capability kind follows the resource's address shape, risk follows
// the item's severity with a floor for destructive kinds.
func (a *Analyzer) remediationStep(report *models.DriftReport, item models.DriftItem, position int) *models.Step {
	kind, verb, inputs := a.stepKind(report, item)

	spec, known := a.registry.Get(kind)
	risk := 0.2
	switch item.Severity {
	case models.SeverityCritical:
		risk = 0.9
	case models.SeverityWarning:
		risk = 0.5
	}
	if known && spec.Destructive && risk < 0.8 {
		risk = 0.8
	}
	maxRetries := 0
	if known && spec.Idempotent {
		maxRetries = 1
	}

	id := fmt.Sprintf("rem-%02d-%s", position, addressSlug(item.ResourceAddress))
	return &models.Step{
		ID:                  id,
		Kind:                kind,
		Name:                verb + " " + item.ResourceAddress + " (" + string(item.Severity) + ")",
		Inputs:              inputs,
		ExpectedEffects:     []string{item.ResourceAddress},
		MaxRetries:          maxRetries,
		TimeoutMS:           spec.DefaultTimeoutMS,
		IdempotencyKey:      report.ID + ":" + id,
		FailurePolicy:       models.FailurePolicyFailTask,
		EstimatedDurationMS: spec.EstimatedDurationMS,
		RiskScore:           risk,
		State:               models.StepStatePending,
	}
}

// stepKind chooses the capability and inputs for an item. Helm releases
// are addressed helm/<namespace>/<release>, kubernetes objects
// <kind>/<namespace>/<name>, everything else is a terraform address.
func (a *Analyzer) stepKind(report *models.DriftReport, item models.DriftItem) (kind, verb string, inputs map[string]interface{}) {
	addr := item.ResourceAddress
	switch {
	case strings.HasPrefix(addr, "helm/"):
		namespace, release := splitHelmAddress(addr)
		inputs = map[string]interface{}{"release": release, "namespace": namespace}
		switch item.Status {
		case models.DriftStatusExtra:
			return "helm.uninstall", "delete", inputs
		case models.DriftStatusMissing:
			kind, verb = "helm.install", "create"
		default:
			kind, verb = "helm.upgrade", "update"
		}
		for _, field := range []string{"chart", "version", "values"} {
			if v, ok := item.Desired[field]; ok {
				inputs[field] = v
			}
		}
		return kind, verb, inputs

	case strings.Contains(addr, "/"):
		if item.Status == models.DriftStatusExtra {
			return "k8s.delete", "delete", map[string]interface{}{
				"address": addr,
				"scope":   report.Scope,
			}
		}
		verb = "update"
		if item.Status == models.DriftStatusMissing {
			verb = "create"
		}
		return "k8s.apply", verb, map[string]interface{}{
			"address":  addr,
			"scope":    report.Scope,
			"manifest": item.Desired,
		}

	default:
		inputs = map[string]interface{}{"target": addr, "scope": report.Scope}
		if item.Status == models.DriftStatusExtra {
			return "terraform.destroy", "delete", inputs
		}
		verb = "update"
		if item.Status == models.DriftStatusMissing {
			verb = "create"
		}
		return "terraform.apply", verb, inputs
	}
}

// syntheticTask owns a remediation run. It is persisted so the run
// shows up in task listings and can be rolled back afterwards.
func (a *Analyzer) syntheticTask(report *models.DriftReport, opts models.RemediationOptions) *models.Task {
	userID := opts.UserID
	if userID == "" {
		userID = "drift-analyzer"
	}
	now := time.Now().UTC()
	return &models.Task{
		ID:       uuid.NewString(),
		Type:     models.TaskTypeAnalyze,
		UserID:   userID,
		Priority: models.PriorityMedium,
		Context: models.TaskContext{
			Provider:    report.Provider,
			Environment: opts.Environment,
			Requirements: map[string]interface{}{
				"scope": report.Scope,
			},
		},
		Metadata:  map[string]interface{}{"report_id": report.ID},
		Status:    models.TaskStatusRunning,
		CreatedAt: now,
		StartedAt: &now,
	}
}

func splitHelmAddress(addr string) (namespace, release string) {
	parts := strings.SplitN(addr, "/", 3)
	if len(parts) == 3 {
		return parts[1], parts[2]
	}
	return "default", parts[len(parts)-1]
}

// addressSlug flattens a resource address into a step id fragment.
func addressSlug(addr string) string {
	var b strings.Builder
	b.Grow(len(addr))
	for _, r := range strings.ToLower(addr) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func plannedSteps(plan *models.Plan) []models.StepResult {
	steps := make([]models.StepResult, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		steps = append(steps, models.StepResult{
			StepID: s.ID,
			Kind:   s.Kind,
			State:  models.StepStatePending,
		})
	}
	return steps
}

func summarizeRun(run *models.TaskResult, total int) string {
	succeeded := 0
	for _, s := range run.Steps {
		if s.State == models.StepStateSucceeded {
			succeeded++
		}
	}
	return fmt.Sprintf("%d/%d remediation steps succeeded, task %s", succeeded, total, run.Status)
}

func joinIssues(issues []models.ValidationIssue) string {
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		parts = append(parts, issue.Code+": "+issue.Message)
	}
	return strings.Join(parts, "; ")
}
