package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusops/nimbus/internal/capability"
	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/models"
)

func TestCreateTaskEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)

	task := f.createTask(t, deploySpec("staging"))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, models.PriorityMedium, task.Priority)
	assert.Equal(t, "u-alice", task.UserID)

	resp := f.do(t, http.MethodGet, "/api/tasks/"+task.ID, nil)
	var got models.Task
	decodeData(t, resp, http.StatusOK, &got)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.Status, got.Status)
}

func TestCreateTaskRejectsBadInput(t *testing.T) {
	f := newAPIFixture(t, nil)

	spec := deploySpec("staging")
	spec.Type = "mutate"
	resp := f.do(t, http.MethodPost, "/api/tasks", spec)
	wantFailure(t, resp, http.StatusBadRequest, string(errors.KindBadInput))

	// Missing body.
	resp = f.do(t, http.MethodPost, "/api/tasks", nil)
	env := wantFailure(t, resp, http.StatusBadRequest, string(errors.KindBadInput))
	assert.Contains(t, env.Message, "request body")

	// Malformed body.
	raw, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/tasks", strings.NewReader("{nope"))
	require.NoError(t, err)
	raw.Header.Set(capability.HeaderServiceToken, testToken)
	resp, err = f.srv.Client().Do(raw)
	require.NoError(t, err)
	wantFailure(t, resp, http.StatusBadRequest, string(errors.KindBadInput))
}

func TestGetTaskNotFound(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/api/tasks/t-missing", nil)
	wantFailure(t, resp, http.StatusNotFound, string(errors.KindNotFound))
}

func TestListTasksFilters(t *testing.T) {
	f := newAPIFixture(t, nil)

	f.createTask(t, deploySpec("staging"))
	other := deploySpec("staging")
	other.UserID = "u-bob"
	f.createTask(t, other)

	var listing struct {
		Tasks []models.Task `json:"tasks"`
		Count int           `json:"count"`
	}
	resp := f.do(t, http.MethodGet, "/api/tasks", nil)
	decodeData(t, resp, http.StatusOK, &listing)
	assert.Equal(t, 2, listing.Count)
	assert.Len(t, listing.Tasks, 2)

	resp = f.do(t, http.MethodGet, "/api/tasks?user_id=u-bob", nil)
	decodeData(t, resp, http.StatusOK, &listing)
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, "u-bob", listing.Tasks[0].UserID)

	resp = f.do(t, http.MethodGet, "/api/tasks?status=bogus", nil)
	wantFailure(t, resp, http.StatusBadRequest, string(errors.KindBadInput))

	resp = f.do(t, http.MethodGet, "/api/tasks?limit=abc", nil)
	wantFailure(t, resp, http.StatusBadRequest, string(errors.KindBadInput))
}

func TestExecuteDeployOverHTTP(t *testing.T) {
	f := newAPIFixture(t, nil)

	task := f.createTask(t, deploySpec("staging"))
	result := f.executeTask(t, task.ID)

	assert.Equal(t, task.ID, result.TaskID)
	assert.Equal(t, models.TaskStatusSucceeded, result.Status)
	assert.InDelta(t, 1.0, result.SuccessScore, 0.001)
	assert.Len(t, result.Steps, 5)
	assert.Equal(t, 1, f.script.count("terraform.validate"))
	assert.Equal(t, 1, f.script.count("terraform.plan"))
	assert.Equal(t, 1, f.script.count("terraform.apply"))

	var listing struct {
		Events []models.Event `json:"events"`
		Count  int            `json:"count"`
	}
	resp := f.do(t, http.MethodGet, "/api/tasks/"+task.ID+"/events", nil)
	decodeData(t, resp, http.StatusOK, &listing)
	require.Equal(t, len(listing.Events), listing.Count)
	require.NotEmpty(t, listing.Events)
	assert.Equal(t, models.EventTaskCreated, listing.Events[0].Kind)
	assert.Equal(t, models.EventTaskFinished, listing.Events[len(listing.Events)-1].Kind)

	resp = f.do(t, http.MethodGet, "/api/tasks?status=succeeded", nil)
	var tasks struct {
		Count int `json:"count"`
	}
	decodeData(t, resp, http.StatusOK, &tasks)
	assert.Equal(t, 1, tasks.Count)
}

func TestExecuteUnknownTask(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/tasks/t-missing/execute", nil)
	wantFailure(t, resp, http.StatusNotFound, string(errors.KindNotFound))
}

func TestExecuteTerminalTaskConflicts(t *testing.T) {
	f := newAPIFixture(t, nil)

	task := f.createTask(t, deploySpec("staging"))
	f.executeTask(t, task.ID)

	resp := f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/execute", nil)
	wantFailure(t, resp, http.StatusConflict, string(errors.KindConflict))
}

func TestExecuteFailureEnvelope(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.script.set("terraform.apply", func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.PermanentCapability("terraform", "apply rejected")
	})

	task := f.createTask(t, deploySpec("staging"))
	resp := f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/execute", nil)

	env := wantFailure(t, resp, http.StatusBadGateway, string(errors.KindCapabilityPermanent))
	assert.Contains(t, env.Message, "task finished failed")
	assert.Equal(t, "failed", env.Details["task_status"])
}

func TestCancelPendingTask(t *testing.T) {
	f := newAPIFixture(t, nil)

	task := f.createTask(t, deploySpec("staging"))

	resp := f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/cancel", nil)
	var got models.Task
	decodeData(t, resp, http.StatusOK, &got)
	assert.Equal(t, models.TaskStatusCancelled, got.Status)

	// Cancelling again is idempotent.
	resp = f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/cancel", nil)
	decodeData(t, resp, http.StatusOK, &got)
	assert.Equal(t, models.TaskStatusCancelled, got.Status)

	resp = f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/execute", nil)
	wantFailure(t, resp, http.StatusConflict, string(errors.KindConflict))
}

func TestApproveValidation(t *testing.T) {
	f := newAPIFixture(t, nil)

	task := f.createTask(t, deploySpec("staging"))

	resp := f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/approve", nil)
	wantFailure(t, resp, http.StatusBadRequest, string(errors.KindBadInput))

	resp = f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/approve", map[string]string{"approver_id": ""})
	wantFailure(t, resp, http.StatusBadRequest, string(errors.KindBadInput))

	// Pending tasks are not waiting on anyone.
	resp = f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/approve", map[string]string{"approver_id": "ops-lead"})
	env := wantFailure(t, resp, http.StatusConflict, string(errors.KindConflict))
	assert.Contains(t, env.Message, "not awaiting approval")
}

// execute fires the long-poll execute request off the test goroutine
// and reports the decoded result on a channel.
func (f *apiFixture) execute(taskID string) (<-chan models.TaskResult, <-chan error) {
	done := make(chan models.TaskResult, 1)
	fail := make(chan error, 1)
	go func() {
		req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/tasks/"+taskID+"/execute", nil)
		if err != nil {
			fail <- err
			return
		}
		req.Header.Set(capability.HeaderServiceToken, testToken)
		resp, err := f.srv.Client().Do(req)
		if err != nil {
			fail <- err
			return
		}
		defer resp.Body.Close()
		var env apiEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			fail <- err
			return
		}
		if !env.Success {
			fail <- fmt.Errorf("execute failed: %s: %s", env.Error, env.Message)
			return
		}
		var result models.TaskResult
		if err := json.Unmarshal(env.Data, &result); err != nil {
			fail <- err
			return
		}
		done <- result
	}()
	return done, fail
}

// taskStatus polls without test assertions so it is safe inside
// require.Eventually conditions.
func (f *apiFixture) taskStatus(taskID string) models.TaskStatus {
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/tasks/"+taskID, nil)
	if err != nil {
		return ""
	}
	req.Header.Set(capability.HeaderServiceToken, testToken)
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	var env struct {
		Data models.Task `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return ""
	}
	return env.Data.Status
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t, nil)

	task := f.createTask(t, deploySpec("production"))
	done, fail := f.execute(task.ID)

	require.Eventually(t, func() bool {
		return f.taskStatus(task.ID) == models.TaskStatusAwaitingApproval
	}, 5*time.Second, 10*time.Millisecond)

	resp := f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/approve", map[string]string{"approver_id": "ops-lead"})
	var ack map[string]interface{}
	decodeData(t, resp, http.StatusOK, &ack)
	assert.Equal(t, task.ID, ack["task_id"])
	assert.Equal(t, "ops-lead", ack["approved_by"])

	select {
	case err := <-fail:
		t.Fatalf("execute request: %v", err)
	case result := <-done:
		assert.Equal(t, models.TaskStatusSucceeded, result.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("execute did not return after approval")
	}

	var listing struct {
		Events []models.Event `json:"events"`
	}
	resp = f.do(t, http.MethodGet, "/api/tasks/"+task.ID+"/events", nil)
	decodeData(t, resp, http.StatusOK, &listing)
	kinds := make(map[models.EventKind]int)
	for _, e := range listing.Events {
		kinds[e.Kind]++
	}
	assert.Equal(t, 1, kinds[models.EventApprovalRequested])
	assert.Equal(t, 1, kinds[models.EventApprovalGranted])
}
