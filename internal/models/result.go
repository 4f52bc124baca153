package models

import (
	"time"
)

// StepResult summarizes one step's execution for callers.
type StepResult struct {
	StepID     string    `json:"step_id"`
	Kind       string    `json:"kind"`
	State      StepState `json:"state"`
	Attempts   int       `json:"attempts"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// TaskResult is the terminal outcome of executing or resuming a task.
type TaskResult struct {
	TaskID       string       `json:"task_id"`
	PlanID       string       `json:"plan_id,omitempty"`
	Status       TaskStatus   `json:"status"`
	Steps        []StepResult `json:"steps,omitempty"`
	SuccessScore float64      `json:"success_score"`
	DurationMS   int64        `json:"duration_ms"`
	ErrorKind    string       `json:"error_kind,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// RollbackOptions controls how a rollback is derived and executed.
type RollbackOptions struct {
	TaskID      string   `json:"task_id"`
	AutoApprove bool     `json:"auto_approve,omitempty"`
	DryRun      bool     `json:"dry_run,omitempty"`
	Force       bool     `json:"force,omitempty"`
	Targets     []string `json:"targets,omitempty"`
}

// RollbackCheck reports whether a task can be rolled back.
type RollbackCheck struct {
	Available bool           `json:"available"`
	Reason    string         `json:"reason,omitempty"`
	State     *RollbackState `json:"state,omitempty"`
}

// RollbackState describes the recoverable state of one operation.
type RollbackState struct {
	TaskID         string    `json:"task_id"`
	OperationID    string    `json:"operation_id"`
	LatestStep     int       `json:"latest_step"`
	Checkpoints    int       `json:"checkpoints"`
	LastCheckpoint time.Time `json:"last_checkpoint"`
}

// RollbackResult is the outcome of a rollback run.
type RollbackResult struct {
	TaskID        string       `json:"task_id"`
	PlanID        string       `json:"plan_id"`
	DryRun        bool         `json:"dry_run"`
	Steps         []StepResult `json:"steps,omitempty"`
	SkippedUnsafe []string     `json:"skipped_unsafe,omitempty"`
	Summary       string       `json:"summary"`
	Status        TaskStatus   `json:"status"`
}

// Statistics aggregates engine counters for the stats endpoint.
type Statistics struct {
	TasksTotal       int                `json:"tasks_total"`
	TasksByStatus    map[TaskStatus]int `json:"tasks_by_status"`
	TasksByType      map[TaskType]int   `json:"tasks_by_type"`
	ActiveTasks      int                `json:"active_tasks"`
	EventsTotal      int                `json:"events_total"`
	PlansTotal       int                `json:"plans_total"`
	CheckpointsTotal int                `json:"checkpoints_total"`
	DriftReports     int                `json:"drift_reports"`
	SuccessRate      float64            `json:"success_rate"`
	UptimeSeconds    int64              `json:"uptime_seconds"`
}
