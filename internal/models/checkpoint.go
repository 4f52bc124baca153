package models

import (
	"encoding/json"
	"time"
)

// Checkpoint represents a durable per-step snapshot of an operation.
// State is opaque to the store; the executor owns its shape.
type Checkpoint struct {
	ID          string          `json:"id"`
	OperationID string          `json:"operation_id"`
	Step        int             `json:"step"`
	State       json.RawMessage `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CheckpointSummary is the listing view of a checkpoint, omitting the
// state blob.
type CheckpointSummary struct {
	ID          string    `json:"id"`
	OperationID string    `json:"operation_id"`
	Step        int       `json:"step"`
	SizeBytes   int       `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExecutionState is the checkpoint state written by the executor:
// everything needed to resume a plan without repeating completed steps.
type ExecutionState struct {
	StepOutputsSoFar map[string]map[string]interface{} `json:"step_outputs_so_far"`
	Cursor           int                               `json:"cursor"`
	InvalidatedKeys  []string                          `json:"invalidated_keys,omitempty"`
}

// MarshalState encodes an execution state for checkpoint storage.
func MarshalState(state *ExecutionState) (json.RawMessage, error) {
	return json.Marshal(state)
}

// UnmarshalState decodes a checkpoint state blob.
func UnmarshalState(raw json.RawMessage) (*ExecutionState, error) {
	var state ExecutionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	if state.StepOutputsSoFar == nil {
		state.StepOutputsSoFar = make(map[string]map[string]interface{})
	}
	return &state, nil
}

// Invalidated reports whether the given idempotency key was invalidated
// in this state, forcing re-execution of its step on resume.
func (s *ExecutionState) Invalidated(idempotencyKey string) bool {
	for _, k := range s.InvalidatedKeys {
		if k == idempotencyKey {
			return true
		}
	}
	return false
}
