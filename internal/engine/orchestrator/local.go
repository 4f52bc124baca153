package orchestrator

import (
	"context"
	"strings"

	"github.com/nimbusops/nimbus/internal/capability"
	"github.com/nimbusops/nimbus/internal/engine/safety"
	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/logger"
	"github.com/nimbusops/nimbus/internal/models"
)

// RegisterLocalCapabilities installs the engine-local capability kinds
// on the client. These kinds never leave the process: safety and drift
// steps consult the engine's own subsystems, checkpoint and rollback
// steps drive the stores directly.
func (o *Orchestrator) RegisterLocalCapabilities(client *capability.Client) error {
	handlers := map[string]capability.LocalFunc{
		"safety.check":      o.localSafetyCheck,
		"policy.compare":    o.localPolicyCompare,
		"drift.detect":      o.localDriftDetect,
		"compliance.report": o.localComplianceReport,
		"checkpoint.load":   o.localCheckpointLoad,
		"rollback.derive":   o.localRollbackDerive,
		"rollback.apply":    o.localRollbackApply,
	}
	for kind, fn := range handlers {
		if err := client.RegisterLocal(kind, fn); err != nil {
			return err
		}
	}
	return nil
}

// localSafetyCheck re-evaluates the safety engine mid-plan. A verdict
// that would require approval passes when the operation already carries
// a recorded approval; otherwise the step fails awaiting_approval.
func (o *Orchestrator) localSafetyCheck(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	taskID := stringInput(inputs, "task_id")
	if taskID == "" {
		return nil, errors.BadInput("safety.check requires task_id")
	}
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	phase := models.SafetyPhase(stringInput(inputs, "phase"))
	if phase == "" {
		phase = models.SafetyPhasePre
	}

	var plan *models.Plan
	if task.PlanID != "" {
		plan, err = o.store.GetPlan(ctx, task.PlanID)
		if err != nil {
			return nil, err
		}
	}

	verdict, err := o.safety.Evaluate(ctx, phase, safety.Input{Task: task, Plan: plan})
	if err != nil {
		return nil, err
	}

	switch safety.Decide(verdict) {
	case safety.DecisionBlock:
		failed := verdict.FailedCritical()
		names := make([]string, 0, len(failed))
		for _, r := range failed {
			names = append(names, r.CheckName)
		}
		return nil, errors.SafetyBlocked("safety checks failed: " + strings.Join(names, ", "))

	case safety.DecisionRequireApproval:
		if plan != nil {
			if approver := o.recordedApprover(ctx, plan.ID); approver != "" {
				return map[string]interface{}{
					"decision":    "allow",
					"approved_by": approver,
					"checks":      len(verdict.Results),
				}, nil
			}
		}
		return nil, errors.AwaitingApproval("task " + task.ID + " requires operator approval")
	}

	return map[string]interface{}{
		"decision": "allow",
		"checks":   len(verdict.Results),
	}, nil
}

// recordedApprover returns who approved the operation, or "" when no
// approval has been recorded.
func (o *Orchestrator) recordedApprover(ctx context.Context, operationID string) string {
	results, err := o.safety.Results(ctx, operationID)
	if err != nil {
		o.log.Warn("loading safety results failed",
			logger.String("operation_id", operationID), logger.Err(err))
		return ""
	}
	for _, r := range results {
		if r.RequiresApproval && r.ApprovedBy != "" {
			return r.ApprovedBy
		}
	}
	return ""
}

// localPolicyCompare judges a drift report against environment policy:
// critical drift against the scanned environment blocks the task.
func (o *Orchestrator) localPolicyCompare(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	ref := stringInput(inputs, "report_ref")
	if ref == "" {
		return nil, errors.BadInput("policy.compare requires report_ref")
	}
	report, err := o.store.GetDriftReport(ctx, ref)
	if err != nil {
		return nil, err
	}
	env := stringInput(inputs, "environment")

	outOfSync := report.OutOfSync()
	var critical []string
	for _, item := range outOfSync {
		if item.Severity == models.SeverityCritical {
			critical = append(critical, item.ResourceAddress)
		}
	}
	if len(critical) > 0 {
		return nil, errors.SafetyBlocked("critical drift detected in "+env).
			WithDetails("report_id", report.ID).
			WithDetails("resources", strings.Join(critical, ", "))
	}

	percent := 100.0
	if len(report.Items) > 0 {
		percent = float64(len(report.Items)-len(outOfSync)) / float64(len(report.Items)) * 100
	}
	return map[string]interface{}{
		"report_id":       report.ID,
		"compliant":       len(outOfSync) == 0,
		"out_of_sync":     len(outOfSync),
		"in_sync_percent": percent,
	}, nil
}

func (o *Orchestrator) localDriftDetect(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	if o.drift == nil {
		return nil, errors.PermanentCapability("drift.detect", "drift subsystem not configured")
	}
	req := models.DriftRequest{
		Provider:    models.Provider(stringInput(inputs, "provider")),
		Scope:       stringInput(inputs, "scope"),
		DesiredPath: stringInput(inputs, "desired_path"),
		UseCache:    boolInput(inputs, "use_cache"),
	}
	report, err := o.drift.Detect(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"report_id":   report.ID,
		"total":       len(report.Items),
		"out_of_sync": len(report.OutOfSync()),
	}, nil
}

func (o *Orchestrator) localComplianceReport(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	if o.drift == nil {
		return nil, errors.PermanentCapability("compliance.report", "drift subsystem not configured")
	}
	ref := stringInput(inputs, "report_ref")
	if ref == "" {
		return nil, errors.BadInput("compliance.report requires report_ref")
	}
	report, err := o.drift.Compliance(ctx, ref)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"report_id":       report.ReportID,
		"total_resources": report.TotalResources,
		"in_sync":         report.InSync,
		"changed":         report.Changed,
		"missing":         report.Missing,
		"extra":           report.Extra,
		"percent_in_sync": report.PercentInSync,
	}, nil
}

// localCheckpointLoad resolves the target task's latest checkpoint and
// surfaces its position for downstream rollback steps.
func (o *Orchestrator) localCheckpointLoad(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	taskID := stringInput(inputs, "task_id")
	if taskID == "" {
		return nil, errors.BadInput("checkpoint.load requires task_id")
	}
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.PlanID == "" {
		return nil, errors.NotFound("checkpoint for task", taskID)
	}
	cp, state, err := o.checkpoints.LatestState(ctx, task.PlanID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"operation_id":  cp.OperationID,
		"checkpoint_id": cp.ID,
		"step":          cp.Step,
		"cursor":        state.Cursor,
	}, nil
}

func (o *Orchestrator) localRollbackDerive(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	taskID := stringInput(inputs, "task_id")
	if taskID == "" {
		return nil, errors.BadInput("rollback.derive requires task_id")
	}
	plan, skipped, err := o.rollback.Derive(ctx, models.RollbackOptions{
		TaskID: taskID,
		Force:  boolInput(inputs, "force"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"plan_id":        plan.ID,
		"steps":          len(plan.Steps),
		"skipped_unsafe": skipped,
	}, nil
}

// localRollbackApply executes the derived inverse plan. The rollback
// task's own plan already carries a safety gate for protected
// environments, so the manager-level approval check is bypassed.
func (o *Orchestrator) localRollbackApply(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	taskID := stringInput(inputs, "task_id")
	if taskID == "" {
		return nil, errors.BadInput("rollback.apply requires task_id")
	}
	result, err := o.rollback.Rollback(ctx, models.RollbackOptions{
		TaskID:      taskID,
		Force:       boolInput(inputs, "force"),
		AutoApprove: true,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"plan_id":        result.PlanID,
		"status":         string(result.Status),
		"summary":        result.Summary,
		"skipped_unsafe": result.SkippedUnsafe,
	}, nil
}

func stringInput(inputs map[string]interface{}, key string) string {
	if v, ok := inputs[key].(string); ok {
		return v
	}
	return ""
}

func boolInput(inputs map[string]interface{}, key string) bool {
	if v, ok := inputs[key].(bool); ok {
		return v
	}
	return false
}
