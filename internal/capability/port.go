// Package capability is the boundary between the engine and the remote
// tool services. The Port hides transport: callers name a capability
// kind and get outputs or a classified error back. The reference
// transport is HTTP with an internal service token and a per-service
// token-bucket rate limiter.
package capability

import (
	"context"
	"time"
)

// HeaderServiceToken carries the internal bearer token on every
// inter-service request.
const HeaderServiceToken = "x-internal-service-token"

// HeaderIdempotencyKey lets tool services deduplicate retried calls.
const HeaderIdempotencyKey = "x-idempotency-key"

// InvokeOptions tunes one invocation.
type InvokeOptions struct {
	// Timeout bounds the call; zero selects the configured default.
	Timeout time.Duration
	// IdempotencyKey is forwarded so the tool service can deduplicate
	// retried invocations.
	IdempotencyKey string
}

// Port invokes capabilities by kind.
type Port interface {
	Invoke(ctx context.Context, kind string, inputs map[string]interface{}, opts InvokeOptions) (map[string]interface{}, error)
}

// LocalFunc serves a capability kind inside the engine process, e.g.
// safety.check and drift.detect steps that never leave the engine.
type LocalFunc func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error)
