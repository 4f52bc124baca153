// Package safety evaluates policy checks around task execution. Checks
// run in three phases: pre (before the first step), during (at step
// boundaries) and post (after the last step). A failed critical check
// blocks the operation; a failed check that requires approval suspends
// it until an operator decides.
package safety

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimbusops/nimbus/internal/capability"
	"github.com/nimbusops/nimbus/internal/config"
	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/logger"
	"github.com/nimbusops/nimbus/internal/models"
	"github.com/nimbusops/nimbus/internal/storage"
	"github.com/nimbusops/nimbus/internal/telemetry"
)

// Decision is the aggregate outcome of a phase evaluation.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionBlock           Decision = "block"
	DecisionRequireApproval Decision = "require_approval"
)

// Input carries everything a check predicate may inspect. State is
// only set for during-phase evaluations.
type Input struct {
	Task  *models.Task
	Plan  *models.Plan
	State *models.ExecutionState
}

// Finding is one predicate outcome.
type Finding struct {
	Passed  bool
	Message string
}

func pass(message string) Finding { return Finding{Passed: true, Message: message} }
func fail(message string) Finding { return Finding{Passed: false, Message: message} }

// Check is a registered policy check. Predicates must be pure
// functions of their input; the engine may evaluate them repeatedly.
type Check struct {
	Name             string
	Phase            models.SafetyPhase
	Category         models.Category
	Severity         models.Severity
	RequiresApproval bool
	Predicate        func(Input) Finding
}

// Engine evaluates registered checks and records their results.
type Engine struct {
	store storage.Store

	mu     sync.RWMutex
	checks []Check

	log logger.Logger
}

// NewEngine creates a safety engine seeded with the built-in checks
// derived from configuration and the capability registry.
func NewEngine(cfg config.SafetyConfig, registry *capability.Registry, store storage.Store) *Engine {
	e := &Engine{
		store: store,
		log:   logger.New("safety"),
	}
	for _, check := range builtinChecks(cfg, registry) {
		// Built-ins are statically well-formed.
		_ = e.Register(check)
	}
	return e
}

// Register adds a check. Names are unique across phases.
func (e *Engine) Register(check Check) error {
	if check.Name == "" {
		return errors.BadInput("check name is required")
	}
	if !check.Phase.Valid() {
		return errors.BadInputf("check %s has unknown phase %q", check.Name, check.Phase)
	}
	if !check.Severity.Valid() {
		return errors.BadInputf("check %s has unknown severity %q", check.Name, check.Severity)
	}
	if check.Predicate == nil {
		return errors.BadInputf("check %s has no predicate", check.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.checks {
		if existing.Name == check.Name {
			return errors.Conflict("safety check " + check.Name + " is already registered")
		}
	}
	e.checks = append(e.checks, check)
	return nil
}

// Checks returns the registered checks sorted by phase then name, with
// predicates omitted from the caller's view.
func (e *Engine) Checks() []Check {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Check, len(e.checks))
	copy(out, e.checks)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Phase != out[j].Phase {
			return out[i].Phase < out[j].Phase
		}
		return out[i].Name < out[j].Name
	})
	for i := range out {
		out[i].Predicate = nil
	}
	return out
}

// Evaluate runs every check registered for the phase and persists the
// results keyed by the plan (falling back to the task). The verdict
// reports whether the phase blocks execution or demands approval.
func (e *Engine) Evaluate(ctx context.Context, phase models.SafetyPhase, in Input) (*models.SafetyVerdict, error) {
	if !phase.Valid() {
		return nil, errors.BadInputf("unknown safety phase %q", phase)
	}
	if in.Task == nil {
		return nil, errors.BadInput("safety input requires a task")
	}

	operationID := in.Task.ID
	if in.Plan != nil {
		operationID = in.Plan.ID
	}

	ctx, span := telemetry.StartSpan(ctx, "safety.evaluate",
		attribute.String("safety.phase", string(phase)),
		attribute.String("operation.id", operationID))
	verdict, err := e.evaluate(ctx, phase, operationID, in)
	telemetry.EndSpan(span, err)
	return verdict, err
}

func (e *Engine) evaluate(ctx context.Context, phase models.SafetyPhase, operationID string, in Input) (*models.SafetyVerdict, error) {
	e.mu.RLock()
	checks := make([]Check, 0, len(e.checks))
	for _, check := range e.checks {
		if check.Phase == phase {
			checks = append(checks, check)
		}
	}
	e.mu.RUnlock()

	now := time.Now().UTC()
	verdict := &models.SafetyVerdict{Phase: phase}
	for _, check := range checks {
		finding := check.Predicate(in)
		result := models.SafetyCheckResult{
			ID:               uuid.NewString(),
			OperationID:      operationID,
			Phase:            phase,
			CheckName:        check.Name,
			Category:         check.Category,
			Severity:         check.Severity,
			Passed:           finding.Passed,
			Message:          finding.Message,
			RequiresApproval: !finding.Passed && check.RequiresApproval,
			CreatedAt:        now,
		}
		verdict.Results = append(verdict.Results, result)

		if !finding.Passed {
			e.log.Warn("safety check failed",
				logger.String("check", check.Name),
				logger.String("phase", string(phase)),
				logger.String("severity", string(check.Severity)),
				logger.String("operation_id", operationID),
				logger.String("message", finding.Message))
		}
	}

	for _, r := range verdict.Results {
		if !r.Passed && r.Severity == models.SeverityCritical && !r.RequiresApproval {
			verdict.Blocked = true
		}
	}
	if !verdict.Blocked {
		for _, r := range verdict.Results {
			if !r.Passed && r.RequiresApproval {
				verdict.RequiresApproval = true
			}
		}
	}

	if err := e.store.SaveSafetyResults(ctx, verdict.Results); err != nil {
		return nil, err
	}
	return verdict, nil
}

// Results returns the persisted check results for an operation.
func (e *Engine) Results(ctx context.Context, operationID string) ([]models.SafetyCheckResult, error) {
	return e.store.ListSafetyResults(ctx, operationID)
}

// RecordApproval stamps the approver onto the operation's pending
// approval results.
func (e *Engine) RecordApproval(ctx context.Context, operationID, approvedBy string) error {
	results, err := e.store.ListSafetyResults(ctx, operationID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	var updated []models.SafetyCheckResult
	for _, r := range results {
		if r.RequiresApproval && r.ApprovedBy == "" {
			r.ApprovedBy = approvedBy
			r.ApprovedAt = &now
			updated = append(updated, r)
		}
	}
	if len(updated) == 0 {
		return nil
	}
	return e.store.SaveSafetyResults(ctx, updated)
}

// Decide collapses a verdict into a decision. Blocking wins over
// approval; anything else allows.
func Decide(verdict *models.SafetyVerdict) Decision {
	switch {
	case verdict.Blocked:
		return DecisionBlock
	case verdict.RequiresApproval:
		return DecisionRequireApproval
	default:
		return DecisionAllow
	}
}

// SuccessScore grades a finished run from its post-phase verdict:
// 1.0 minus 0.1 per failed warning and 0.25 per failed critical,
// floored at zero.
func SuccessScore(verdict *models.SafetyVerdict) float64 {
	score := 1.0
	for _, r := range verdict.Results {
		if r.Passed {
			continue
		}
		switch r.Severity {
		case models.SeverityCritical:
			score -= 0.25
		case models.SeverityWarning:
			score -= 0.1
		}
	}
	if score < 0 {
		return 0
	}
	return score
}
