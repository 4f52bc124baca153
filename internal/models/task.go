package models

import (
	"time"
)

// TaskType classifies the intent of a submitted task.
type TaskType string

const (
	TaskTypeGenerate TaskType = "generate"
	TaskTypeDeploy   TaskType = "deploy"
	TaskTypeVerify   TaskType = "verify"
	TaskTypeRollback TaskType = "rollback"
	TaskTypeAnalyze  TaskType = "analyze"
)

// Valid reports whether the task type is a known value.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeGenerate, TaskTypeDeploy, TaskTypeVerify, TaskTypeRollback, TaskTypeAnalyze:
		return true
	}
	return false
}

// TaskPriority orders tasks and their steps for scheduling.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// Valid reports whether the priority is a known value.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Weight returns a numeric rank for scheduling comparisons.
func (p TaskPriority) Weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskStatusPending          TaskStatus = "pending"
	TaskStatusPlanning         TaskStatus = "planning"
	TaskStatusAwaitingApproval TaskStatus = "awaiting_approval"
	TaskStatusRunning          TaskStatus = "running"
	TaskStatusSucceeded        TaskStatus = "succeeded"
	TaskStatusFailed           TaskStatus = "failed"
	TaskStatusCancelled        TaskStatus = "cancelled"
)

// Valid reports whether the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusPlanning, TaskStatusAwaitingApproval,
		TaskStatusRunning, TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// rank orders statuses for monotonic transition checks. Terminal
// statuses share the highest rank.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusPlanning:
		return 1
	case TaskStatusAwaitingApproval:
		return 2
	case TaskStatusRunning:
		return 3
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return 4
	default:
		return -1
	}
}

// CanTransitionTo reports whether the status machine allows moving from
// s to next. Transitions only move forward; cancellation may interrupt
// any non-terminal status.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == TaskStatusCancelled {
		return true
	}
	if !next.Valid() {
		return false
	}
	return next.rank() > s.rank()
}

// Provider identifies the cloud platform a task targets.
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderGCP   Provider = "gcp"
	ProviderAzure Provider = "azure"
)

// Valid reports whether the provider is a known value.
func (p Provider) Valid() bool {
	switch p {
	case ProviderAWS, ProviderGCP, ProviderAzure:
		return true
	}
	return false
}

// TaskContext describes the infrastructure a task operates on.
type TaskContext struct {
	Provider     Provider               `json:"provider" validate:"required,oneof=aws gcp azure"`
	Environment  string                 `json:"environment" validate:"required"`
	Region       string                 `json:"region,omitempty"`
	Components   []string               `json:"components,omitempty"`
	Requirements map[string]interface{} `json:"requirements,omitempty"`
}

// TaskSpec is the caller-supplied description of work to perform.
type TaskSpec struct {
	Type     TaskType               `json:"type" validate:"required,oneof=generate deploy verify rollback analyze"`
	UserID   string                 `json:"user_id" validate:"required"`
	TeamID   string                 `json:"team_id,omitempty"`
	Priority TaskPriority           `json:"priority,omitempty" validate:"omitempty,oneof=low medium high critical"`
	Context  TaskContext            `json:"context" validate:"required"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Task represents a submitted unit of work.
type Task struct {
	ID         string                 `json:"id"`
	Type       TaskType               `json:"type"`
	UserID     string                 `json:"user_id"`
	TeamID     string                 `json:"team_id,omitempty"`
	Priority   TaskPriority           `json:"priority"`
	Context    TaskContext            `json:"context"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Status     TaskStatus             `json:"status"`
	PlanID     string                 `json:"plan_id,omitempty"`
	Error      string                 `json:"error,omitempty"`
	ErrorKind  string                 `json:"error_kind,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// TaskFilter narrows list_tasks results.
type TaskFilter struct {
	Status TaskStatus `json:"status,omitempty"`
	Type   TaskType   `json:"type,omitempty"`
	UserID string     `json:"user_id,omitempty"`
	TeamID string     `json:"team_id,omitempty"`
	Limit  int        `json:"limit,omitempty"`
	Offset int        `json:"offset,omitempty"`
}

// Matches reports whether the task passes the filter.
func (f TaskFilter) Matches(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if f.TeamID != "" && t.TeamID != f.TeamID {
		return false
	}
	return true
}
