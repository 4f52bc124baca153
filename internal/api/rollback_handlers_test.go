package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/models"
)

func TestRollbackCheckAfterDeploy(t *testing.T) {
	f := newAPIFixture(t, nil)

	task := f.createTask(t, deploySpec("staging"))
	f.executeTask(t, task.ID)

	resp := f.do(t, http.MethodGet, "/api/tasks/"+task.ID+"/rollback/check", nil)
	var check models.RollbackCheck
	decodeData(t, resp, http.StatusOK, &check)

	assert.True(t, check.Available)
	require.NotNil(t, check.State)
	assert.Equal(t, task.ID, check.State.TaskID)
	assert.Equal(t, 5, check.State.Checkpoints)
	assert.False(t, check.State.LastCheckpoint.IsZero())
}

func TestRollbackCheckUnknownTask(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/api/tasks/t-missing/rollback/check", nil)
	wantFailure(t, resp, http.StatusNotFound, string(errors.KindNotFound))
}

func TestRollbackCheckBeforeExecute(t *testing.T) {
	f := newAPIFixture(t, nil)

	task := f.createTask(t, deploySpec("staging"))
	resp := f.do(t, http.MethodGet, "/api/tasks/"+task.ID+"/rollback/check", nil)
	var check models.RollbackCheck
	decodeData(t, resp, http.StatusOK, &check)
	assert.False(t, check.Available)
	assert.NotEmpty(t, check.Reason)
}

func TestRollbackDryRunEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)

	task := f.createTask(t, deploySpec("staging"))
	f.executeTask(t, task.ID)

	resp := f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/rollback", models.RollbackOptions{DryRun: true})
	var result models.RollbackResult
	decodeData(t, resp, http.StatusOK, &result)

	assert.True(t, result.DryRun)
	assert.Equal(t, models.TaskStatusPending, result.Status)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, "terraform.destroy", result.Steps[0].Kind)
	assert.Zero(t, f.script.count("terraform.destroy"))
}

func TestRollbackEndpointRunsInverse(t *testing.T) {
	f := newAPIFixture(t, nil)

	task := f.createTask(t, deploySpec("staging"))
	f.executeTask(t, task.ID)

	// Empty body defaults to a full, non-forced rollback.
	resp := f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/rollback", nil)
	var result models.RollbackResult
	decodeData(t, resp, http.StatusOK, &result)

	assert.Equal(t, task.ID, result.TaskID)
	assert.False(t, result.DryRun)
	assert.Equal(t, models.TaskStatusSucceeded, result.Status)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, "terraform.destroy", result.Steps[0].Kind)
	assert.Equal(t, models.StepStateSucceeded, result.Steps[0].State)
	assert.Equal(t, 1, f.script.count("terraform.destroy"))
}

func TestRollbackActiveTaskConflicts(t *testing.T) {
	f := newAPIFixture(t, nil)

	task := f.createTask(t, deploySpec("staging"))
	resp := f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/rollback", nil)
	wantFailure(t, resp, http.StatusConflict, string(errors.KindConflict))
}

func TestRollbackStatesAndCleanup(t *testing.T) {
	f := newAPIFixture(t, nil)

	var listing struct {
		States []models.RollbackState `json:"states"`
		Count  int                    `json:"count"`
	}
	resp := f.do(t, http.MethodGet, "/api/rollback/states", nil)
	decodeData(t, resp, http.StatusOK, &listing)
	assert.Zero(t, listing.Count)

	task := f.createTask(t, deploySpec("staging"))
	f.executeTask(t, task.ID)

	resp = f.do(t, http.MethodGet, "/api/rollback/states", nil)
	decodeData(t, resp, http.StatusOK, &listing)
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, task.ID, listing.States[0].TaskID)

	// Fresh checkpoints are younger than the default retention window.
	resp = f.do(t, http.MethodPost, "/api/rollback/cleanup", nil)
	var cleaned map[string]interface{}
	decodeData(t, resp, http.StatusOK, &cleaned)
	assert.EqualValues(t, 0, cleaned["removed"])
	assert.EqualValues(t, 168, cleaned["max_age_hours"])

	resp = f.do(t, http.MethodPost, "/api/rollback/cleanup", map[string]float64{"max_age_hours": -1})
	wantFailure(t, resp, http.StatusBadRequest, string(errors.KindBadInput))
}
