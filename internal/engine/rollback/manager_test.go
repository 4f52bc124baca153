package rollback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusops/nimbus/internal/capability"
	"github.com/nimbusops/nimbus/internal/checkpoint"
	"github.com/nimbusops/nimbus/internal/config"
	"github.com/nimbusops/nimbus/internal/engine/executor"
	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/events"
	"github.com/nimbusops/nimbus/internal/models"
	"github.com/nimbusops/nimbus/internal/storage"
)

// scriptedPort records invocations and succeeds unless a kind is
// scripted to fail.
type scriptedPort struct {
	mu     sync.Mutex
	calls  []string
	inputs map[string][]map[string]interface{}
	errs   map[string]error
}

func newScriptedPort() *scriptedPort {
	return &scriptedPort{
		inputs: make(map[string][]map[string]interface{}),
		errs:   make(map[string]error),
	}
}

func (p *scriptedPort) Invoke(ctx context.Context, kind string, inputs map[string]interface{}, opts capability.InvokeOptions) (map[string]interface{}, error) {
	p.mu.Lock()
	p.calls = append(p.calls, kind)
	p.inputs[kind] = append(p.inputs[kind], inputs)
	err := p.errs[kind]
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}

func (p *scriptedPort) order() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *scriptedPort) lastInputs(kind string) map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	recorded := p.inputs[kind]
	if len(recorded) == 0 {
		return nil
	}
	return recorded[len(recorded)-1]
}

type fixture struct {
	manager *Manager
	store   *storage.MemoryStore
	cps     *checkpoint.Store
	port    *scriptedPort
}

func newFixture() *fixture {
	store := storage.NewMemory()
	cps := checkpoint.NewStore(store, 0)
	port := newScriptedPort()
	exec := executor.New(config.Default().Engine, port, cps, events.NewLog(store, nil), nil)
	return &fixture{
		manager: New(capability.NewRegistry(), cps, store, exec),
		store:   store,
		cps:     cps,
		port:    port,
	}
}

// seedDeployedTask stores a finished deploy task whose plan ran
// validate -> apply -> push, all succeeded, with one checkpoint per
// completion.
func (f *fixture) seedDeployedTask(t *testing.T, env string) *models.Task {
	t.Helper()

	task := &models.Task{
		ID:       "task-9",
		Type:     models.TaskTypeDeploy,
		UserID:   "user-1",
		Priority: models.PriorityMedium,
		Status:   models.TaskStatusSucceeded,
		PlanID:   "plan-9",
		Context: models.TaskContext{
			Provider:    models.ProviderAWS,
			Environment: env,
			Components:  []string{"web"},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.SaveTask(context.Background(), task))

	effects := []string{env + "/web"}
	plan := &models.Plan{
		ID:     "plan-9",
		TaskID: task.ID,
		Steps: []*models.Step{
			{ID: "validate", Kind: "terraform.validate", State: models.StepStatePending},
			{ID: "apply", Kind: "terraform.apply", ExpectedEffects: effects, MaxRetries: 3, Priority: 2, State: models.StepStatePending},
			{ID: "push", Kind: "git.push", ExpectedEffects: effects, Priority: 2, State: models.StepStatePending},
		},
		Edges: []models.Edge{
			{FromStepID: "validate", ToStepID: "apply"},
			{FromStepID: "apply", ToStepID: "push"},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.SavePlan(context.Background(), plan))

	state := &models.ExecutionState{
		StepOutputsSoFar: map[string]map[string]interface{}{
			"validate": {"valid": true},
			"apply":    {"state_version": 7},
			"push":     {"commit": "abc123"},
		},
		Cursor: 3,
	}
	_, err := f.cps.SaveState(context.Background(), plan.ID, 2, state)
	require.NoError(t, err)
	return task
}

func TestCanRollback(t *testing.T) {
	f := newFixture()
	f.seedDeployedTask(t, "staging")

	check, err := f.manager.CanRollback(context.Background(), "task-9")
	require.NoError(t, err)
	assert.True(t, check.Available)
	require.NotNil(t, check.State)
	assert.Equal(t, "plan-9", check.State.OperationID)
	assert.Equal(t, 2, check.State.LatestStep)
	assert.Equal(t, 1, check.State.Checkpoints)
}

func TestCanRollbackUnknownTask(t *testing.T) {
	f := newFixture()
	_, err := f.manager.CanRollback(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindNotFound))
}

func TestCanRollbackWithoutCheckpoints(t *testing.T) {
	f := newFixture()
	task := &models.Task{
		ID: "task-bare", Type: models.TaskTypeDeploy, Status: models.TaskStatusFailed,
		PlanID: "plan-bare",
	}
	require.NoError(t, f.store.SaveTask(context.Background(), task))

	check, err := f.manager.CanRollback(context.Background(), "task-bare")
	require.NoError(t, err)
	assert.False(t, check.Available)
	assert.Contains(t, check.Reason, "no checkpoints")
}

func TestCanRollbackRunningTask(t *testing.T) {
	f := newFixture()
	task := f.seedDeployedTask(t, "staging")
	task.Status = models.TaskStatusRunning
	require.NoError(t, f.store.SaveTask(context.Background(), task))

	check, err := f.manager.CanRollback(context.Background(), "task-9")
	require.NoError(t, err)
	assert.False(t, check.Available)
	assert.Contains(t, check.Reason, "running")
}

func TestRollbackRefusesUnknownInverse(t *testing.T) {
	f := newFixture()
	f.seedDeployedTask(t, "staging")

	_, err := f.manager.Rollback(context.Background(), models.RollbackOptions{TaskID: "task-9"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindConflict))

	var engineErr *errors.Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, "no_inverse", engineErr.Details["error_code"])
	assert.Equal(t, "git.push", engineErr.Details["kind"])

	// Nothing ran.
	assert.Empty(t, f.port.order())
}

func TestRollbackForceSkipsUnsafe(t *testing.T) {
	f := newFixture()
	f.seedDeployedTask(t, "staging")

	result, err := f.manager.Rollback(context.Background(), models.RollbackOptions{
		TaskID: "task-9",
		Force:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusSucceeded, result.Status)
	assert.Equal(t, []string{"push"}, result.SkippedUnsafe)
	assert.Equal(t, "rb-task-9", result.PlanID)

	// Only the apply step had a usable inverse; validate is read-only.
	require.Len(t, result.Steps, 1)
	assert.Equal(t, "terraform.destroy", result.Steps[0].Kind)
	assert.Equal(t, models.StepStateSucceeded, result.Steps[0].State)

	// The inverse call is scoped by the recorded effects and carries the
	// original step's outputs.
	inputs := f.port.lastInputs("terraform.destroy")
	require.NotNil(t, inputs)
	assert.Equal(t, []string{"staging/web"}, inputs["targets"])
	source, ok := inputs["source_outputs"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(7), source["state_version"])

	// The derived plan is durable for later inspection.
	saved, err := f.store.GetPlan(context.Background(), "rb-task-9")
	require.NoError(t, err)
	assert.Equal(t, "task-9", saved.TaskID)
}

func TestRollbackDryRun(t *testing.T) {
	f := newFixture()
	f.seedDeployedTask(t, "staging")

	result, err := f.manager.Rollback(context.Background(), models.RollbackOptions{
		TaskID: "task-9",
		Force:  true,
		DryRun: true,
	})
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.Equal(t, models.TaskStatusPending, result.Status)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, models.StepStatePending, result.Steps[0].State)
	assert.Contains(t, result.Summary, "dry run")

	// Nothing executed, nothing persisted.
	assert.Empty(t, f.port.order())
	_, err = f.store.GetPlan(context.Background(), "rb-task-9")
	assert.True(t, errors.Is(err, errors.KindNotFound))
}

func TestDeriveReversesTopologicalOrder(t *testing.T) {
	f := newFixture()

	task := &models.Task{
		ID: "task-order", Type: models.TaskTypeDeploy, Status: models.TaskStatusSucceeded,
		PlanID:  "plan-order",
		Context: models.TaskContext{Provider: models.ProviderAWS, Environment: "staging"},
	}
	require.NoError(t, f.store.SaveTask(context.Background(), task))

	plan := &models.Plan{
		ID:     "plan-order",
		TaskID: task.ID,
		Steps: []*models.Step{
			{ID: "write", Kind: "fs.write", ExpectedEffects: []string{"staging"}, State: models.StepStatePending},
			{ID: "deploy", Kind: "k8s.apply", ExpectedEffects: []string{"staging"}, State: models.StepStatePending},
		},
		Edges: []models.Edge{{FromStepID: "write", ToStepID: "deploy"}},
	}
	require.NoError(t, f.store.SavePlan(context.Background(), plan))

	state := &models.ExecutionState{
		StepOutputsSoFar: map[string]map[string]interface{}{
			"write":  {},
			"deploy": {},
		},
		Cursor: 2,
	}
	_, err := f.cps.SaveState(context.Background(), plan.ID, 1, state)
	require.NoError(t, err)

	derived, skipped, err := f.manager.Derive(context.Background(), models.RollbackOptions{TaskID: "task-order"})
	require.NoError(t, err)
	assert.Empty(t, skipped)

	// Last applied, first undone.
	require.Len(t, derived.Steps, 2)
	assert.Equal(t, "k8s.delete", derived.Steps[0].Kind)
	assert.Equal(t, "fs.restore", derived.Steps[1].Kind)
	require.Len(t, derived.Edges, 1)
	assert.Equal(t, derived.Steps[0].ID, derived.Edges[0].FromStepID)
}

func TestDeriveSkipsUncompletedSteps(t *testing.T) {
	f := newFixture()
	f.seedDeployedTask(t, "staging")

	// Rewind the checkpoint so only validate completed: nothing mutating
	// succeeded, so there is nothing to undo.
	_, err := f.cps.DeleteAll(context.Background(), "plan-9")
	require.NoError(t, err)
	state := &models.ExecutionState{
		StepOutputsSoFar: map[string]map[string]interface{}{"validate": {"valid": true}},
		Cursor:           1,
	}
	_, err = f.cps.SaveState(context.Background(), "plan-9", 0, state)
	require.NoError(t, err)

	result, err := f.manager.Rollback(context.Background(), models.RollbackOptions{TaskID: "task-9"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSucceeded, result.Status)
	assert.Empty(t, result.Steps)
	assert.Contains(t, result.Summary, "nothing to undo")
}

func TestRollbackNarrowsByTargets(t *testing.T) {
	f := newFixture()

	task := &models.Task{
		ID: "task-split", Type: models.TaskTypeDeploy, Status: models.TaskStatusSucceeded,
		PlanID:  "plan-split",
		Context: models.TaskContext{Provider: models.ProviderAWS, Environment: "staging"},
	}
	require.NoError(t, f.store.SaveTask(context.Background(), task))

	plan := &models.Plan{
		ID:     "plan-split",
		TaskID: task.ID,
		Steps: []*models.Step{
			{ID: "web", Kind: "terraform.apply", ExpectedEffects: []string{"staging/web"}, State: models.StepStatePending},
			{ID: "db", Kind: "terraform.apply", ExpectedEffects: []string{"staging/db"}, State: models.StepStatePending},
		},
		Edges: []models.Edge{{FromStepID: "web", ToStepID: "db"}},
	}
	require.NoError(t, f.store.SavePlan(context.Background(), plan))

	state := &models.ExecutionState{
		StepOutputsSoFar: map[string]map[string]interface{}{"web": {}, "db": {}},
		Cursor:           2,
	}
	_, err := f.cps.SaveState(context.Background(), plan.ID, 1, state)
	require.NoError(t, err)

	derived, _, err := f.manager.Derive(context.Background(), models.RollbackOptions{
		TaskID:  "task-split",
		Targets: []string{"staging/db"},
	})
	require.NoError(t, err)

	require.Len(t, derived.Steps, 1)
	assert.Equal(t, []string{"staging/db"}, derived.Steps[0].ExpectedEffects)
}

func TestRollbackProtectedEnvironmentNeedsAutoApprove(t *testing.T) {
	f := newFixture()
	f.seedDeployedTask(t, "production")

	_, err := f.manager.Rollback(context.Background(), models.RollbackOptions{
		TaskID: "task-9",
		Force:  true,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindAwaitingApproval))
	assert.Empty(t, f.port.order())

	result, err := f.manager.Rollback(context.Background(), models.RollbackOptions{
		TaskID:      "task-9",
		Force:       true,
		AutoApprove: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSucceeded, result.Status)
}

func TestRollbackNonTerminalTaskConflicts(t *testing.T) {
	f := newFixture()
	task := f.seedDeployedTask(t, "staging")
	task.Status = models.TaskStatusRunning
	require.NoError(t, f.store.SaveTask(context.Background(), task))

	_, err := f.manager.Rollback(context.Background(), models.RollbackOptions{TaskID: "task-9", Force: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindConflict))
}

func TestListStates(t *testing.T) {
	f := newFixture()
	f.seedDeployedTask(t, "staging")

	states, err := f.manager.ListStates(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "plan-9", states[0].OperationID)
	assert.Equal(t, "task-9", states[0].TaskID)
	assert.Equal(t, 2, states[0].LatestStep)
}

func TestCleanupOldStates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Old stream owned by a terminal task: cleaned.
	oldTask := &models.Task{ID: "task-old", Type: models.TaskTypeDeploy, Status: models.TaskStatusFailed, PlanID: "plan-old"}
	require.NoError(t, f.store.SaveTask(ctx, oldTask))
	require.NoError(t, f.store.SavePlan(ctx, &models.Plan{
		ID: "plan-old", TaskID: "task-old",
		Steps: []*models.Step{{ID: "s", Kind: "fs.write", State: models.StepStatePending}},
	}))
	require.NoError(t, f.cps.Save(ctx, &models.Checkpoint{
		OperationID: "plan-old",
		Step:        0,
		State:       []byte(`{"cursor":1}`),
		CreatedAt:   time.Now().UTC().Add(-48 * time.Hour),
	}))

	// Old stream owned by a task still running: kept.
	busyTask := &models.Task{ID: "task-busy", Type: models.TaskTypeDeploy, Status: models.TaskStatusRunning, PlanID: "plan-busy"}
	require.NoError(t, f.store.SaveTask(ctx, busyTask))
	require.NoError(t, f.store.SavePlan(ctx, &models.Plan{
		ID: "plan-busy", TaskID: "task-busy",
		Steps: []*models.Step{{ID: "s", Kind: "fs.write", State: models.StepStatePending}},
	}))
	require.NoError(t, f.cps.Save(ctx, &models.Checkpoint{
		OperationID: "plan-busy",
		Step:        0,
		State:       []byte(`{"cursor":1}`),
		CreatedAt:   time.Now().UTC().Add(-48 * time.Hour),
	}))

	// Fresh stream: kept.
	f.seedDeployedTask(t, "staging")

	removed, err := f.manager.CleanupOldStates(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ops, err := f.cps.Operations(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"plan-busy", "plan-9"}, ops)
}
