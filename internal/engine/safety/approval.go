package safety

import (
	"sync"
	"time"

	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/telemetry"
)

// Grant records who approved a suspended task and when.
type Grant struct {
	ApprovedBy string
	At         time.Time
}

// ApprovalGate suspends tasks awaiting an operator decision. One
// waiter per task; granting a task nobody waits on is a conflict.
type ApprovalGate struct {
	mu      sync.Mutex
	waiters map[string]chan Grant
	metrics *telemetry.Metrics
}

// NewApprovalGate creates an empty gate.
func NewApprovalGate() *ApprovalGate {
	return &ApprovalGate{
		waiters: make(map[string]chan Grant),
		metrics: telemetry.GetMetrics(),
	}
}

// Begin registers a waiter for the task and returns the channel its
// grant arrives on. The caller must End the wait regardless of
// outcome.
func (g *ApprovalGate) Begin(taskID string) (<-chan Grant, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.waiters[taskID]; exists {
		return nil, errors.Conflict("task " + taskID + " is already awaiting approval")
	}
	ch := make(chan Grant, 1)
	g.waiters[taskID] = ch
	g.metrics.ApprovalsPending.Set(float64(len(g.waiters)))
	return ch, nil
}

// Grant delivers an approval to the task's waiter.
func (g *ApprovalGate) Grant(taskID, approvedBy string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ch, ok := g.waiters[taskID]
	if !ok {
		return errors.Conflict("task " + taskID + " is not awaiting approval")
	}
	ch <- Grant{ApprovedBy: approvedBy, At: time.Now().UTC()}
	delete(g.waiters, taskID)
	g.metrics.ApprovalsPending.Set(float64(len(g.waiters)))
	return nil
}

// End removes the task's waiter, if still present. Called by the
// waiting side after a grant, timeout or cancellation.
func (g *ApprovalGate) End(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.waiters, taskID)
	g.metrics.ApprovalsPending.Set(float64(len(g.waiters)))
}

// Waiting reports whether the task has a registered waiter.
func (g *ApprovalGate) Waiting(taskID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.waiters[taskID]
	return ok
}

// Pending returns the number of tasks currently suspended on the gate.
func (g *ApprovalGate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.waiters)
}
