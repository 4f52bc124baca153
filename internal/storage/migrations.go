package storage

import (
	"database/sql"
	"fmt"
)

// migration is one numbered schema change. Migrations are applied in
// order at startup, each inside its own transaction, and recorded in
// schema_version.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "create_tasks",
		SQL: `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			user_id TEXT NOT NULL,
			team_id TEXT,
			priority TEXT NOT NULL,
			context TEXT NOT NULL,
			metadata TEXT,
			status TEXT NOT NULL,
			plan_id TEXT,
			error TEXT,
			error_kind TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
		`,
	},
	{
		Version: 2,
		Name:    "create_plans",
		SQL: `
		CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			steps TEXT NOT NULL,
			edges TEXT NOT NULL,
			estimated_duration_ms INTEGER NOT NULL DEFAULT 0,
			risk_score REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_plans_task ON plans(task_id);
		`,
	},
	{
		Version: 3,
		Name:    "create_checkpoints",
		SQL: `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			operation_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			state BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(operation_id, step)
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_operation ON checkpoints(operation_id);
		`,
	},
	{
		Version: 4,
		Name:    "create_events",
		SQL: `
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			task_id TEXT,
			plan_id TEXT,
			kind TEXT NOT NULL,
			payload TEXT,
			timestamp TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_task_seq ON events(task_id, seq);
		`,
	},
	{
		Version: 5,
		Name:    "create_safety_results",
		SQL: `
		CREATE TABLE IF NOT EXISTS safety_results (
			id TEXT PRIMARY KEY,
			operation_id TEXT,
			phase TEXT NOT NULL,
			check_name TEXT NOT NULL,
			category TEXT,
			severity TEXT NOT NULL,
			passed INTEGER NOT NULL,
			message TEXT,
			requires_approval INTEGER NOT NULL DEFAULT 0,
			approved_by TEXT,
			approved_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_safety_operation ON safety_results(operation_id);
		`,
	},
	{
		Version: 6,
		Name:    "create_drift_reports",
		SQL: `
		CREATE TABLE IF NOT EXISTS drift_reports (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			scope TEXT NOT NULL,
			items TEXT NOT NULL,
			detected_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_drift_provider_scope ON drift_reports(provider, scope);
		`,
	},
}

// migrate applies pending migrations in order. Each migration runs in
// its own transaction so a failure leaves earlier versions applied.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
	}

	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
		return err
	}

	return tx.Commit()
}
