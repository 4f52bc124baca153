package safety

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusops/nimbus/internal/capability"
	"github.com/nimbusops/nimbus/internal/config"
	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/models"
	"github.com/nimbusops/nimbus/internal/storage"
)

func newTestEngine(cfg config.SafetyConfig) (*Engine, storage.Store) {
	store := storage.NewMemory()
	return NewEngine(cfg, capability.NewRegistry(), store), store
}

func deployTask(env string) *models.Task {
	return &models.Task{
		ID:       "task-1",
		Type:     models.TaskTypeDeploy,
		UserID:   "user-1",
		Priority: models.PriorityMedium,
		Context: models.TaskContext{
			Provider:    models.ProviderAWS,
			Environment: env,
		},
		Status:    models.TaskStatusPlanning,
		CreatedAt: time.Now().UTC(),
	}
}

func deployPlan() *models.Plan {
	return &models.Plan{
		ID:     "plan-1",
		TaskID: "task-1",
		Steps: []*models.Step{
			{ID: "plan", Kind: "terraform.plan", State: models.StepStatePending},
			{ID: "apply", Kind: "terraform.apply", State: models.StepStatePending},
		},
		Edges: []models.Edge{{FromStepID: "plan", ToStepID: "apply"}},
	}
}

func TestEvaluateProdDeployRequiresApproval(t *testing.T) {
	engine, store := newTestEngine(config.Default().Safety)
	in := Input{Task: deployTask("production"), Plan: deployPlan()}

	verdict, err := engine.Evaluate(context.Background(), models.SafetyPhasePre, in)
	require.NoError(t, err)

	assert.False(t, verdict.Blocked)
	assert.True(t, verdict.RequiresApproval)
	assert.Equal(t, DecisionRequireApproval, Decide(verdict))

	// Results are persisted under the plan id.
	saved, err := store.ListSafetyResults(context.Background(), "plan-1")
	require.NoError(t, err)
	assert.Len(t, saved, len(verdict.Results))
}

func TestEvaluateStagingDeployAllows(t *testing.T) {
	engine, _ := newTestEngine(config.Default().Safety)
	in := Input{Task: deployTask("staging"), Plan: deployPlan()}

	verdict, err := engine.Evaluate(context.Background(), models.SafetyPhasePre, in)
	require.NoError(t, err)

	assert.Equal(t, DecisionAllow, Decide(verdict))
}

func TestEvaluateBlocksUnknownProvider(t *testing.T) {
	engine, _ := newTestEngine(config.Default().Safety)
	task := deployTask("dev")
	task.Context.Provider = models.Provider("nova")
	in := Input{Task: task, Plan: deployPlan()}

	verdict, err := engine.Evaluate(context.Background(), models.SafetyPhasePre, in)
	require.NoError(t, err)

	assert.True(t, verdict.Blocked)
	assert.Equal(t, DecisionBlock, Decide(verdict))
}

func TestDestructiveConfirmation(t *testing.T) {
	cfg := config.Default().Safety
	cfg.ConfirmDestructive = true
	engine, _ := newTestEngine(cfg)

	task := deployTask("dev")
	in := Input{Task: task, Plan: deployPlan()}
	verdict, err := engine.Evaluate(context.Background(), models.SafetyPhasePre, in)
	require.NoError(t, err)
	assert.Equal(t, DecisionRequireApproval, Decide(verdict))

	task.Metadata = map[string]interface{}{"confirmed": true}
	verdict, err = engine.Evaluate(context.Background(), models.SafetyPhasePre, in)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, Decide(verdict))
}

func TestEvaluateCostCeilingWarns(t *testing.T) {
	cfg := config.Default().Safety
	cfg.CostLimitUSD = 10
	engine, _ := newTestEngine(cfg)

	task := deployTask("dev")
	task.Context.Requirements = map[string]interface{}{"estimated_cost_usd": 250.0}
	in := Input{Task: task, Plan: deployPlan()}

	verdict, err := engine.Evaluate(context.Background(), models.SafetyPhasePre, in)
	require.NoError(t, err)

	// A failed warning without approval flags but does not gate.
	assert.Equal(t, DecisionAllow, Decide(verdict))
	var costResult *models.SafetyCheckResult
	for i := range verdict.Results {
		if verdict.Results[i].CheckName == "cost.estimate_ceiling" {
			costResult = &verdict.Results[i]
		}
	}
	require.NotNil(t, costResult)
	assert.False(t, costResult.Passed)
	assert.Equal(t, models.SeverityWarning, costResult.Severity)
}

func TestEvaluateDuringFreezeBlocks(t *testing.T) {
	engine, _ := newTestEngine(config.Default().Safety)
	task := deployTask("dev")
	task.Metadata = map[string]interface{}{"freeze": true}
	in := Input{
		Task:  task,
		Plan:  deployPlan(),
		State: &models.ExecutionState{StepOutputsSoFar: map[string]map[string]interface{}{}},
	}

	verdict, err := engine.Evaluate(context.Background(), models.SafetyPhaseDuring, in)
	require.NoError(t, err)

	assert.True(t, verdict.Blocked)
}

func TestEvaluateUnknownPhase(t *testing.T) {
	engine, _ := newTestEngine(config.Default().Safety)
	_, err := engine.Evaluate(context.Background(), models.SafetyPhase("sideways"), Input{Task: deployTask("dev")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindBadInput))
}

func TestRegisterRejectsDuplicatesAndIncomplete(t *testing.T) {
	engine, _ := newTestEngine(config.Default().Safety)

	check := Check{
		Name:      "team.custom",
		Phase:     models.SafetyPhasePre,
		Category:  models.SafetyCategoryQuota,
		Severity:  models.SeverityInfo,
		Predicate: func(Input) Finding { return pass("ok") },
	}
	require.NoError(t, engine.Register(check))

	err := engine.Register(check)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindConflict))

	err = engine.Register(Check{Name: "team.nopredicate", Phase: models.SafetyPhasePre, Severity: models.SeverityInfo})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindBadInput))
}

func TestChecksListingOmitsPredicates(t *testing.T) {
	engine, _ := newTestEngine(config.Default().Safety)
	checks := engine.Checks()
	require.NotEmpty(t, checks)
	for _, c := range checks {
		assert.Nil(t, c.Predicate)
		assert.True(t, c.Phase.Valid())
	}
}

func TestRecordApprovalStampsResults(t *testing.T) {
	engine, store := newTestEngine(config.Default().Safety)
	in := Input{Task: deployTask("production"), Plan: deployPlan()}

	_, err := engine.Evaluate(context.Background(), models.SafetyPhasePre, in)
	require.NoError(t, err)

	require.NoError(t, engine.RecordApproval(context.Background(), "plan-1", "ops-lead"))

	results, err := store.ListSafetyResults(context.Background(), "plan-1")
	require.NoError(t, err)
	approved := 0
	for _, r := range results {
		if r.ApprovedBy == "ops-lead" {
			require.NotNil(t, r.ApprovedAt)
			approved++
		}
	}
	assert.Greater(t, approved, 0)
}

func TestSuccessScore(t *testing.T) {
	result := func(severity models.Severity, passed bool) models.SafetyCheckResult {
		return models.SafetyCheckResult{Severity: severity, Passed: passed}
	}

	tests := []struct {
		name    string
		results []models.SafetyCheckResult
		want    float64
	}{
		{"all passed", []models.SafetyCheckResult{result(models.SeverityCritical, true)}, 1.0},
		{"one warning", []models.SafetyCheckResult{result(models.SeverityWarning, false)}, 0.9},
		{"one critical", []models.SafetyCheckResult{result(models.SeverityCritical, false)}, 0.75},
		{"mixed", []models.SafetyCheckResult{
			result(models.SeverityWarning, false),
			result(models.SeverityCritical, false),
		}, 0.65},
		{"floored at zero", []models.SafetyCheckResult{
			result(models.SeverityCritical, false),
			result(models.SeverityCritical, false),
			result(models.SeverityCritical, false),
			result(models.SeverityCritical, false),
			result(models.SeverityCritical, false),
		}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := &models.SafetyVerdict{Phase: models.SafetyPhasePost, Results: tt.results}
			assert.InDelta(t, tt.want, SuccessScore(verdict), 1e-9)
		})
	}
}

func TestApprovalGate(t *testing.T) {
	gate := NewApprovalGate()

	ch, err := gate.Begin("task-1")
	require.NoError(t, err)
	assert.True(t, gate.Waiting("task-1"))
	assert.Equal(t, 1, gate.Pending())

	_, err = gate.Begin("task-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindConflict))

	require.NoError(t, gate.Grant("task-1", "ops-lead"))
	grant := <-ch
	assert.Equal(t, "ops-lead", grant.ApprovedBy)
	assert.False(t, gate.Waiting("task-1"))

	err = gate.Grant("task-1", "ops-lead")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindConflict))

	_, err = gate.Begin("task-2")
	require.NoError(t, err)
	gate.End("task-2")
	assert.Equal(t, 0, gate.Pending())
}
