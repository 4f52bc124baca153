package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusops/nimbus/internal/capability"
	"github.com/nimbusops/nimbus/internal/checkpoint"
	"github.com/nimbusops/nimbus/internal/config"
	"github.com/nimbusops/nimbus/internal/drift"
	"github.com/nimbusops/nimbus/internal/engine/executor"
	"github.com/nimbusops/nimbus/internal/engine/orchestrator"
	"github.com/nimbusops/nimbus/internal/engine/planner"
	"github.com/nimbusops/nimbus/internal/engine/rollback"
	"github.com/nimbusops/nimbus/internal/engine/safety"
	"github.com/nimbusops/nimbus/internal/events"
	"github.com/nimbusops/nimbus/internal/models"
	"github.com/nimbusops/nimbus/internal/storage"
)

const testToken = "test-service-token"

// script serves the remote capability kinds in-process. Handlers can
// be swapped per test; kinds without one succeed with canned outputs.
type script struct {
	mu       sync.Mutex
	handlers map[string]capability.LocalFunc
	calls    map[string]int
}

func newScript() *script {
	return &script{
		handlers: map[string]capability.LocalFunc{},
		calls:    map[string]int{},
	}
}

func (s *script) set(kind string, fn capability.LocalFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = fn
}

func (s *script) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[kind]
}

func (s *script) dispatch(kind string, defaults map[string]interface{}) capability.LocalFunc {
	return func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
		s.mu.Lock()
		s.calls[kind]++
		fn := s.handlers[kind]
		s.mu.Unlock()
		if fn != nil {
			return fn(ctx, inputs)
		}
		if defaults != nil {
			return defaults, nil
		}
		return map[string]interface{}{}, nil
	}
}

var remoteKinds = map[string]map[string]interface{}{
	"template.render":    {"files": []string{"main.tf"}},
	"fs.write":           {"paths": []string{"envs/main.tf"}},
	"fs.format":          {"formatted": true},
	"fs.restore":         nil,
	"terraform.validate": {"valid": true},
	"terraform.plan":     {"plan_id": "tfplan-1", "changes": float64(3)},
	"terraform.apply":    {"applied": float64(3), "state_version": float64(8)},
	"terraform.destroy":  {"destroyed": float64(3)},
	"terraform.show":     nil,
	"k8s.apply":          nil,
	"k8s.delete":         nil,
	"k8s.get":            nil,
	"helm.install":       nil,
	"helm.upgrade":       nil,
	"helm.uninstall":     nil,
	"helm.rollback":      nil,
	"helm.status":        nil,
	"git.commit":         nil,
	"git.revert":         nil,
	"git.push":           nil,
}

type apiFixture struct {
	srv    *httptest.Server
	store  storage.Store
	bus    *events.Bus
	script *script
	cfg    *config.Config
}

func newAPIFixture(t *testing.T, mutate func(cfg *config.Config)) *apiFixture {
	t.Helper()

	cfg := config.Default()
	cfg.Capabilities.ServiceToken = testToken
	// Tests fire request bursts well past the production default.
	cfg.Capabilities.RateLimitPerMin = 6000
	cfg.Capabilities.RateBurst = 1000
	if mutate != nil {
		mutate(cfg)
	}

	store := storage.NewMemory()
	registry := capability.NewRegistry()
	client := capability.NewClient(cfg.Capabilities, registry)
	cps := checkpoint.NewStore(store, cfg.Engine.CheckpointMaxBytes)
	bus := events.NewBus(256)
	eventLog := events.NewLog(store, bus)
	safetyEngine := safety.NewEngine(cfg.Safety, registry, store)
	gate := safety.NewApprovalGate()
	exec := executor.New(cfg.Engine, client, cps, eventLog, safetyEngine)
	pln := planner.New(registry, cfg.Engine)
	detector := drift.NewDetector(client, store, nil, 0)
	analyzer := drift.NewAnalyzer(detector, pln, registry, exec, store)
	rb := rollback.New(registry, cps, store, exec)

	orch := orchestrator.New(cfg.Engine, orchestrator.Deps{
		Store:       store,
		Events:      eventLog,
		Planner:     pln,
		Executor:    exec,
		Safety:      safetyEngine,
		Gate:        gate,
		Checkpoints: cps,
		Rollback:    rb,
		Drift:       detector,
	})
	require.NoError(t, orch.RegisterLocalCapabilities(client))

	sc := newScript()
	for kind, defaults := range remoteKinds {
		require.NoError(t, client.RegisterLocal(kind, sc.dispatch(kind, defaults)))
	}

	server := New(cfg, Deps{
		Orchestrator: orch,
		Planner:      pln,
		Safety:       safetyEngine,
		Rollback:     rb,
		Detector:     detector,
		Analyzer:     analyzer,
		Store:        store,
		Bus:          bus,
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(bus.Close)

	return &apiFixture{srv: srv, store: store, bus: bus, script: sc, cfg: cfg}
}

func deploySpec(env string) models.TaskSpec {
	return models.TaskSpec{
		Type:   models.TaskTypeDeploy,
		UserID: "u-alice",
		Context: models.TaskContext{
			Provider:    models.ProviderAWS,
			Environment: env,
			Region:      "us-east-1",
			Components:  []string{"web"},
		},
	}
}

// apiEnvelope keeps data raw so each test can decode it into the type
// the endpoint serves.
type apiEnvelope struct {
	Success bool                   `json:"success"`
	Data    json.RawMessage        `json:"data"`
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details"`
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	req := f.newRequest(t, method, path, body)
	req.Header.Set(capability.HeaderServiceToken, testToken)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func (f *apiFixture) newRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func decodeEnvelope(t *testing.T, resp *http.Response) apiEnvelope {
	t.Helper()
	defer resp.Body.Close()
	var env apiEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

// decodeData asserts a success envelope and unmarshals its data.
func decodeData(t *testing.T, resp *http.Response, wantStatus int, dst interface{}) {
	t.Helper()
	require.Equal(t, wantStatus, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.True(t, env.Success, "expected success, got %s: %s", env.Error, env.Message)
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

// wantFailure asserts a failure envelope carrying the error kind.
func wantFailure(t *testing.T, resp *http.Response, wantStatus int, kind string) apiEnvelope {
	t.Helper()
	require.Equal(t, wantStatus, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.False(t, env.Success)
	assert.Equal(t, kind, env.Error)
	assert.NotEmpty(t, env.Message)
	return env
}

func (f *apiFixture) createTask(t *testing.T, spec models.TaskSpec) models.Task {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/tasks", spec)
	var task models.Task
	decodeData(t, resp, http.StatusCreated, &task)
	return task
}

func (f *apiFixture) executeTask(t *testing.T, id string) models.TaskResult {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/tasks/"+id+"/execute", nil)
	var result models.TaskResult
	decodeData(t, resp, http.StatusOK, &result)
	return result
}

func TestHealthSkipsAuth(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)

	var data map[string]interface{}
	decodeData(t, resp, http.StatusOK, &data)
	assert.Equal(t, "ok", data["status"])
	assert.Contains(t, data, "uptime_seconds")
}

func TestMetricsExposed(t *testing.T) {
	f := newAPIFixture(t, nil)

	// A counted request first so the engine counters have samples.
	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "nimbus_http_requests_total")
}

func TestUnknownRouteEnvelope(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/api/nope", nil)
	env := wantFailure(t, resp, http.StatusNotFound, "not_found")
	assert.Contains(t, env.Message, "/api/nope")
}

func TestMethodNotAllowedEnvelope(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, err := http.Post(f.srv.URL+"/health", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	wantFailure(t, resp, http.StatusMethodNotAllowed, "method_not_allowed")
}

func TestAuthRejectsMissingCredentials(t *testing.T) {
	f := newAPIFixture(t, nil)

	req := f.newRequest(t, http.MethodGet, "/api/tasks", nil)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	wantFailure(t, resp, http.StatusUnauthorized, "unauthorized")
}

func TestAuthRejectsWrongToken(t *testing.T) {
	f := newAPIFixture(t, nil)

	req := f.newRequest(t, http.MethodGet, "/api/tasks", nil)
	req.Header.Set(capability.HeaderServiceToken, "nope")
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	wantFailure(t, resp, http.StatusUnauthorized, "unauthorized")
}

func TestAuthAcceptsServiceJWT(t *testing.T) {
	f := newAPIFixture(t, nil)

	// The JWT secret falls back to the service token when unset.
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"svc": "scheduler",
	}).SignedString([]byte(testToken))
	require.NoError(t, err)

	req := f.newRequest(t, http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)

	var data map[string]interface{}
	decodeData(t, resp, http.StatusOK, &data)
	assert.EqualValues(t, 0, data["count"])
}

func TestAuthRejectsBadJWT(t *testing.T) {
	f := newAPIFixture(t, nil)

	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"svc": "scheduler",
	}).SignedString([]byte("some-other-secret"))
	require.NoError(t, err)

	missingSvc, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "scheduler",
	}).SignedString([]byte(testToken))
	require.NoError(t, err)

	for _, bearer := range []string{wrongKey, missingSvc, "garbage"} {
		req := f.newRequest(t, http.MethodGet, "/api/tasks", nil)
		req.Header.Set("Authorization", "Bearer "+bearer)
		resp, err := f.srv.Client().Do(req)
		require.NoError(t, err)
		wantFailure(t, resp, http.StatusUnauthorized, "unauthorized")
	}
}

func TestStatsReflectsWork(t *testing.T) {
	f := newAPIFixture(t, nil)

	task := f.createTask(t, deploySpec("staging"))
	result := f.executeTask(t, task.ID)
	require.Equal(t, models.TaskStatusSucceeded, result.Status)

	resp := f.do(t, http.MethodGet, "/api/stats", nil)
	var stats models.Statistics
	decodeData(t, resp, http.StatusOK, &stats)

	assert.Equal(t, 1, stats.TasksTotal)
	assert.Equal(t, 1, stats.TasksByStatus[models.TaskStatusSucceeded])
	assert.Equal(t, 1, stats.TasksByType[models.TaskTypeDeploy])
	assert.Zero(t, stats.ActiveTasks)
	assert.Equal(t, 1, stats.PlansTotal)
	assert.Greater(t, stats.EventsTotal, 1)
	assert.InDelta(t, 1.0, stats.SuccessRate, 0.001)
}
