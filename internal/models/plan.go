package models

import (
	"time"
)

// StepState tracks a step through execution.
type StepState string

const (
	StepStatePending   StepState = "pending"
	StepStateReady     StepState = "ready"
	StepStateRunning   StepState = "running"
	StepStateSucceeded StepState = "succeeded"
	StepStateFailed    StepState = "failed"
	StepStateSkipped   StepState = "skipped"
)

// Terminal reports whether the step state is final.
func (s StepState) Terminal() bool {
	switch s {
	case StepStateSucceeded, StepStateFailed, StepStateSkipped:
		return true
	}
	return false
}

// FailurePolicy controls what a step failure does to the rest of the plan.
type FailurePolicy string

const (
	FailurePolicyAbort    FailurePolicy = "abort"
	FailurePolicyContinue FailurePolicy = "continue"
	FailurePolicyFailTask FailurePolicy = "fail_task"
)

// Valid reports whether the failure policy is a known value.
func (p FailurePolicy) Valid() bool {
	switch p {
	case FailurePolicyAbort, FailurePolicyContinue, FailurePolicyFailTask:
		return true
	}
	return false
}

// Step represents one invocation of a named capability.
type Step struct {
	ID                  string                 `json:"id"`
	Kind                string                 `json:"kind"`
	Name                string                 `json:"name,omitempty"`
	Inputs              map[string]interface{} `json:"inputs,omitempty"`
	ExpectedEffects     []string               `json:"expected_effects,omitempty"`
	MaxRetries          int                    `json:"max_retries"`
	TimeoutMS           int64                  `json:"timeout_ms"`
	IdempotencyKey      string                 `json:"idempotency_key"`
	FailurePolicy       FailurePolicy          `json:"failure_policy,omitempty"`
	Priority            int                    `json:"priority,omitempty"`
	EstimatedDurationMS int64                  `json:"estimated_duration_ms,omitempty"`
	RiskScore           float64                `json:"risk_score,omitempty"`

	// Runtime fields, mutated by the executor.
	State      StepState              `json:"state"`
	Attempts   int                    `json:"attempts"`
	LastError  string                 `json:"last_error,omitempty"`
	Outputs    map[string]interface{} `json:"outputs,omitempty"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// Edge is a dependency between two steps: To runs after From.
type Edge struct {
	FromStepID string `json:"from_step_id"`
	ToStepID   string `json:"to_step_id"`
}

// Plan represents a validated DAG of steps realizing a task.
type Plan struct {
	ID                  string    `json:"id"`
	TaskID              string    `json:"task_id"`
	Steps               []*Step   `json:"steps"`
	Edges               []Edge    `json:"edges"`
	EstimatedDurationMS int64     `json:"estimated_duration_ms"`
	RiskScore           float64   `json:"risk_score"`
	CreatedAt           time.Time `json:"created_at"`
}

// StepByID returns the step with the given id, or nil.
func (p *Plan) StepByID(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Predecessors returns the ids of steps that must finish before the
// given step may run.
func (p *Plan) Predecessors(stepID string) []string {
	var preds []string
	for _, e := range p.Edges {
		if e.ToStepID == stepID {
			preds = append(preds, e.FromStepID)
		}
	}
	return preds
}

// Successors returns the ids of steps that depend on the given step.
func (p *Plan) Successors(stepID string) []string {
	var succs []string
	for _, e := range p.Edges {
		if e.FromStepID == stepID {
			succs = append(succs, e.ToStepID)
		}
	}
	return succs
}

// Roots returns the steps with no incoming edges.
func (p *Plan) Roots() []*Step {
	hasIncoming := make(map[string]bool, len(p.Steps))
	for _, e := range p.Edges {
		hasIncoming[e.ToStepID] = true
	}
	var roots []*Step
	for _, s := range p.Steps {
		if !hasIncoming[s.ID] {
			roots = append(roots, s)
		}
	}
	return roots
}

// Clone returns a deep copy of the plan. Optimization and rollback
// derive new plans rather than mutating validated ones.
func (p *Plan) Clone() *Plan {
	clone := &Plan{
		ID:                  p.ID,
		TaskID:              p.TaskID,
		Steps:               make([]*Step, len(p.Steps)),
		Edges:               make([]Edge, len(p.Edges)),
		EstimatedDurationMS: p.EstimatedDurationMS,
		RiskScore:           p.RiskScore,
		CreatedAt:           p.CreatedAt,
	}
	copy(clone.Edges, p.Edges)
	for i, s := range p.Steps {
		clone.Steps[i] = s.Clone()
	}
	return clone
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	clone := *s
	clone.Inputs = copyMap(s.Inputs)
	clone.Outputs = copyMap(s.Outputs)
	if s.ExpectedEffects != nil {
		clone.ExpectedEffects = append([]string{}, s.ExpectedEffects...)
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		clone.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		clone.FinishedAt = &t
	}
	return &clone
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ValidationIssue describes one problem found while validating a plan.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	StepID  string `json:"step_id,omitempty"`
}

// ValidationResult is the outcome of plan validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}
