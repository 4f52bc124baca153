// Package storage provides the durable persistence port of the engine
// and its embedded SQLite implementation. All durable entities (tasks,
// plans, checkpoints, events, safety results, drift reports) go through
// the Store interface; nothing above this package touches SQL.
package storage

import (
	"context"

	"github.com/nimbusops/nimbus/internal/models"
)

// Store is the persistence port. Implementations must offer single-row
// atomicity for checkpoint saves and a conditional write guaranteeing
// step monotonicity per operation.
type Store interface {
	// Tasks
	SaveTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error)

	// Plans
	SavePlan(ctx context.Context, plan *models.Plan) error
	GetPlan(ctx context.Context, id string) (*models.Plan, error)

	// Checkpoints
	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	GetLatestCheckpoint(ctx context.Context, operationID string) (*models.Checkpoint, error)
	GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error)
	ListCheckpoints(ctx context.Context, operationID string) ([]models.CheckpointSummary, error)
	DeleteCheckpoints(ctx context.Context, operationID string) (int, error)
	ListCheckpointOperations(ctx context.Context) ([]string, error)

	// Events
	AppendEvent(ctx context.Context, event *models.Event) error
	ListEvents(ctx context.Context, taskID string, limit int) ([]*models.Event, error)

	// Safety results
	SaveSafetyResults(ctx context.Context, results []models.SafetyCheckResult) error
	ListSafetyResults(ctx context.Context, operationID string) ([]models.SafetyCheckResult, error)

	// Drift reports
	SaveDriftReport(ctx context.Context, report *models.DriftReport) error
	GetDriftReport(ctx context.Context, id string) (*models.DriftReport, error)
	ListDriftReports(ctx context.Context, provider models.Provider, scope string, limit int) ([]*models.DriftReport, error)

	// Stats returns durable entity counts for the statistics endpoint.
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Stats holds durable entity counts.
type Stats struct {
	Tasks        int `json:"tasks"`
	Plans        int `json:"plans"`
	Checkpoints  int `json:"checkpoints"`
	Events       int `json:"events"`
	DriftReports int `json:"drift_reports"`
}
