package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/nimbusops/nimbus/internal/telemetry"
)

// maxWaiters bounds the queue behind each caller's token bucket,
// matching the outbound capability client.
const maxWaiters = 32

type callerLimiter struct {
	limiter *rate.Limiter
	waiters int32
}

// RateLimiter throttles inbound requests with one token bucket per
// authenticated caller. Requests beyond the bucket queue up to
// maxWaiters; past that they are rejected immediately.
type RateLimiter struct {
	perSecond rate.Limit
	burst     int

	mu      sync.Mutex
	callers map[string]*callerLimiter

	metrics *telemetry.Metrics
}

// NewRateLimiter creates a limiter refilling perMin tokens per minute
// with the given burst. Non-positive arguments fall back to 60.
func NewRateLimiter(perMin, burst int) *RateLimiter {
	if perMin <= 0 {
		perMin = 60
	}
	if burst <= 0 {
		burst = perMin
	}
	return &RateLimiter{
		perSecond: rate.Limit(float64(perMin) / 60.0),
		burst:     burst,
		callers:   map[string]*callerLimiter{},
		metrics:   telemetry.GetMetrics(),
	}
}

// Middleware enforces the limit keyed on the authenticated caller.
func (rl *RateLimiter) Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := Caller(r.Context())
			if caller == "" {
				caller = remoteHost(r)
			}
			if err := rl.acquire(r.Context(), caller); err != nil {
				writeJSONError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) acquire(ctx context.Context, caller string) error {
	cl := rl.callerLimiter(caller)

	if n := atomic.AddInt32(&cl.waiters, 1); n > maxWaiters {
		atomic.AddInt32(&cl.waiters, -1)
		rl.metrics.RateLimitRejections.WithLabelValues(caller).Inc()
		return fmt.Errorf("rate limit queue full for %s", caller)
	}
	rl.metrics.RateLimitQueueDepth.WithLabelValues(caller).Inc()
	defer func() {
		atomic.AddInt32(&cl.waiters, -1)
		rl.metrics.RateLimitQueueDepth.WithLabelValues(caller).Dec()
	}()

	if err := cl.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limited: %w", err)
	}
	return nil
}

func (rl *RateLimiter) callerLimiter(caller string) *callerLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.callers[caller]
	if !ok {
		cl = &callerLimiter{limiter: rate.NewLimiter(rl.perSecond, rl.burst)}
		rl.callers[caller] = cl
	}
	return cl
}
