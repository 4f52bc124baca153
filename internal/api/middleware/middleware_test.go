package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusops/nimbus/internal/logger"
	"github.com/nimbusops/nimbus/internal/telemetry"
)

func TestRecoveryTurnsPanicsIntoEnvelopes(t *testing.T) {
	h := Recovery(logger.New("test"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "internal", body["error"])
}

func TestCallerContext(t *testing.T) {
	ctx := WithCaller(context.Background(), "svc-a")
	assert.Equal(t, "svc-a", Caller(ctx))
	assert.Empty(t, Caller(context.Background()))
}

func TestMiddlewareChainPassesThrough(t *testing.T) {
	r := mux.NewRouter()
	r.Use(
		Recovery(logger.New("test")),
		RequestLogger(logger.New("test")),
		Metrics(telemetry.GetMetrics()),
	)
	r.HandleFunc("/api/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}).Methods(http.MethodGet)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/t-1", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestStatusRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}

	sr.WriteHeader(http.StatusAccepted)
	assert.Equal(t, http.StatusAccepted, sr.status)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// Handlers reach the deadline controls through Unwrap.
	assert.Equal(t, rec, sr.Unwrap())

	sr.Flush()
	assert.True(t, rec.Flushed)

	// The recorder is not hijackable; the error must surface rather
	// than a panic.
	_, _, err := sr.Hijack()
	assert.Error(t, err)
}
