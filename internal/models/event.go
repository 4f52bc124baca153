package models

import (
	"time"
)

// EventKind names a lifecycle event in the task event log.
type EventKind string

const (
	EventTaskCreated       EventKind = "task_created"
	EventPlanGenerated     EventKind = "plan_generated"
	EventStepStarted       EventKind = "step_started"
	EventStepSucceeded     EventKind = "step_succeeded"
	EventStepFailed        EventKind = "step_failed"
	EventCheckpointSaved   EventKind = "checkpoint_saved"
	EventApprovalRequested EventKind = "approval_requested"
	EventApprovalGranted   EventKind = "approval_granted"
	EventTaskCancelled     EventKind = "task_cancelled"
	EventTaskFinished      EventKind = "task_finished"
)

// Event represents one append-only entry in a task's event log. Seq is
// assigned at emission time and totally orders events within a task.
type Event struct {
	ID        string                 `json:"id"`
	Seq       int64                  `json:"seq"`
	TaskID    string                 `json:"task_id,omitempty"`
	PlanID    string                 `json:"plan_id,omitempty"`
	Kind      EventKind              `json:"kind"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
