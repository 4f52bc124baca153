package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/time/rate"
)

func limitedHandler(rl *RateLimiter) http.Handler {
	return rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func callerRequest(caller string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	return req.WithContext(WithCaller(req.Context(), caller))
}

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(6000, 100)
	h := limitedHandler(rl)

	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, callerRequest("svc-a"))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestRateLimiterRejectsWhenQueueFull(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	h := limitedHandler(rl)

	// Saturate the waiter queue as a pile of stalled requests would.
	cl := rl.callerLimiter("svc-b")
	atomic.StoreInt32(&cl.waiters, maxWaiters)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, callerRequest("svc-b"))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "rate_limited", body["error"])
	assert.EqualValues(t, maxWaiters, atomic.LoadInt32(&cl.waiters))
}

func TestRateLimiterIsolatesCallers(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	h := limitedHandler(rl)

	cl := rl.callerLimiter("svc-b")
	atomic.StoreInt32(&cl.waiters, maxWaiters)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, callerRequest("svc-c"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	assert.Equal(t, rate.Limit(1.0), rl.perSecond)
	assert.Equal(t, 60, rl.burst)

	rl = NewRateLimiter(120, 0)
	assert.Equal(t, rate.Limit(2.0), rl.perSecond)
	assert.Equal(t, 120, rl.burst)
}

func TestRateLimiterFallsBackToRemoteHost(t *testing.T) {
	rl := NewRateLimiter(6000, 100)
	h := limitedHandler(rl)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.RemoteAddr = "10.1.2.3:9000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	rl.mu.Lock()
	_, tracked := rl.callers["10.1.2.3"]
	rl.mu.Unlock()
	assert.True(t, tracked)
}
