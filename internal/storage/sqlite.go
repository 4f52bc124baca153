package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/nimbusops/nimbus/internal/config"
	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/logger"
	"github.com/nimbusops/nimbus/internal/models"
)

// SQLiteStore implements Store on an embedded SQLite database. Either
// registered driver works: "sqlite3" (cgo) or "sqlite" (pure Go).
type SQLiteStore struct {
	conn *sql.DB
	mu   sync.RWMutex
	log  logger.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens (creating if needed) the database at cfg.Path and
// applies pending migrations.
func NewSQLite(cfg config.StorageConfig) (*SQLiteStore, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, errors.KindStorageUnavailable, "creating database directory %s", dir)
		}
	}

	conn, err := sql.Open(cfg.Driver, dsn(cfg.Driver, cfg.Path))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorageUnavailable, "opening database")
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, errors.KindStorageUnavailable, "applying migrations")
	}

	log := logger.New("storage")
	log.Info("database opened",
		logger.String("driver", cfg.Driver),
		logger.String("path", cfg.Path))

	return &SQLiteStore{conn: conn, log: log}, nil
}

// dsn builds the driver-specific connection string. Both drivers get
// WAL journaling, a 5s busy timeout and enforced foreign keys.
func dsn(driver, path string) string {
	switch driver {
	case "sqlite":
		return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	default:
		return path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// SaveTask inserts or replaces a task row.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	contextJSON, err := json.Marshal(task.Context)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encoding task context")
	}
	metadataJSON, err := json.Marshal(task.Metadata)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encoding task metadata")
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO tasks
		(id, type, user_id, team_id, priority, context, metadata, status,
		 plan_id, error, error_kind, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Type), task.UserID, task.TeamID, string(task.Priority),
		string(contextJSON), string(metadataJSON), string(task.Status),
		task.PlanID, task.Error, task.ErrorKind, task.CreatedAt, task.StartedAt, task.FinishedAt)
	if err != nil {
		return errors.Wrap(err, errors.KindStorageUnavailable, "saving task")
	}
	return nil
}

// GetTask loads a task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.conn.QueryRowContext(ctx, `
		SELECT id, type, user_id, team_id, priority, context, metadata, status,
		       plan_id, error, error_kind, created_at, started_at, finished_at
		FROM tasks WHERE id = ?`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("task", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorageUnavailable, "loading task")
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, type, user_id, team_id, priority, context, metadata, status,
		       plan_id, error, error_kind, created_at, started_at, finished_at
		FROM tasks WHERE 1=1`
	args := []interface{}{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.TeamID != "" {
		query += " AND team_id = ?"
		args = append(args, filter.TeamID)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorageUnavailable, "listing tasks")
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindStorageUnavailable, "scanning task")
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task                  models.Task
		typ, priority, status string
		contextJSON, metaJSON string
		teamID, planID        sql.NullString
		errMsg, errKind       sql.NullString
		startedAt, finishedAt sql.NullTime
	)

	err := row.Scan(&task.ID, &typ, &task.UserID, &teamID, &priority,
		&contextJSON, &metaJSON, &status, &planID, &errMsg, &errKind,
		&task.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	task.Type = models.TaskType(typ)
	task.Priority = models.TaskPriority(priority)
	task.Status = models.TaskStatus(status)
	task.TeamID = teamID.String
	task.PlanID = planID.String
	task.Error = errMsg.String
	task.ErrorKind = errKind.String
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		task.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(contextJSON), &task.Context); err != nil {
		return nil, err
	}
	if metaJSON != "" && metaJSON != "null" {
		if err := json.Unmarshal([]byte(metaJSON), &task.Metadata); err != nil {
			return nil, err
		}
	}
	return &task, nil
}

// SavePlan inserts or replaces a plan row. Steps and edges are stored
// as JSON documents.
func (s *SQLiteStore) SavePlan(ctx context.Context, plan *models.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stepsJSON, err := json.Marshal(plan.Steps)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encoding plan steps")
	}
	edgesJSON, err := json.Marshal(plan.Edges)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encoding plan edges")
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO plans
		(id, task_id, steps, edges, estimated_duration_ms, risk_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.TaskID, string(stepsJSON), string(edgesJSON),
		plan.EstimatedDurationMS, plan.RiskScore, plan.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.KindStorageUnavailable, "saving plan")
	}
	return nil
}

// GetPlan loads a plan by id.
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		plan                 models.Plan
		stepsJSON, edgesJSON string
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT id, task_id, steps, edges, estimated_duration_ms, risk_score, created_at
		FROM plans WHERE id = ?`, id).
		Scan(&plan.ID, &plan.TaskID, &stepsJSON, &edgesJSON,
			&plan.EstimatedDurationMS, &plan.RiskScore, &plan.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("plan", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorageUnavailable, "loading plan")
	}

	if err := json.Unmarshal([]byte(stepsJSON), &plan.Steps); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "decoding plan steps")
	}
	if err := json.Unmarshal([]byte(edgesJSON), &plan.Edges); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "decoding plan edges")
	}
	return &plan, nil
}

// SaveCheckpoint appends a checkpoint. The insert is conditional on the
// step exceeding the operation's latest recorded step, so regressions
// and duplicates fail with a conflict regardless of caller races.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO checkpoints (id, operation_id, step, state, created_at)
		SELECT ?, ?, ?, ?, ?
		WHERE ? > (SELECT COALESCE(MAX(step), -1) FROM checkpoints WHERE operation_id = ?)`,
		cp.ID, cp.OperationID, cp.Step, []byte(cp.State), cp.CreatedAt,
		cp.Step, cp.OperationID)
	if err != nil {
		return errors.Wrap(err, errors.KindStorageUnavailable, "saving checkpoint")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.KindStorageUnavailable, "saving checkpoint")
	}
	if affected == 0 {
		return errors.Newf(errors.KindConflict,
			"checkpoint step %d for operation %s does not advance the latest step",
			cp.Step, cp.OperationID)
	}
	return nil
}

// GetLatestCheckpoint returns the highest-step checkpoint for an operation.
func (s *SQLiteStore) GetLatestCheckpoint(ctx context.Context, operationID string) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, err := scanCheckpoint(s.conn.QueryRowContext(ctx, `
		SELECT id, operation_id, step, state, created_at
		FROM checkpoints WHERE operation_id = ?
		ORDER BY step DESC LIMIT 1`, operationID))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("checkpoint for operation", operationID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorageUnavailable, "loading latest checkpoint")
	}
	return cp, nil
}

// GetCheckpoint loads one checkpoint by id.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, err := scanCheckpoint(s.conn.QueryRowContext(ctx, `
		SELECT id, operation_id, step, state, created_at
		FROM checkpoints WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("checkpoint", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorageUnavailable, "loading checkpoint")
	}
	return cp, nil
}

func scanCheckpoint(row rowScanner) (*models.Checkpoint, error) {
	var (
		cp    models.Checkpoint
		state []byte
	)
	if err := row.Scan(&cp.ID, &cp.OperationID, &cp.Step, &state, &cp.CreatedAt); err != nil {
		return nil, err
	}
	cp.State = json.RawMessage(state)
	return &cp, nil
}

// ListCheckpoints returns summaries for an operation in step order.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, operationID string) ([]models.CheckpointSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, operation_id, step, length(state), created_at
		FROM checkpoints WHERE operation_id = ?
		ORDER BY step ASC`, operationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorageUnavailable, "listing checkpoints")
	}
	defer rows.Close()

	var summaries []models.CheckpointSummary
	for rows.Next() {
		var summary models.CheckpointSummary
		if err := rows.Scan(&summary.ID, &summary.OperationID, &summary.Step,
			&summary.SizeBytes, &summary.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.KindStorageUnavailable, "scanning checkpoint")
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// DeleteCheckpoints removes all checkpoints for an operation and
// returns how many were deleted.
func (s *SQLiteStore) DeleteCheckpoints(ctx context.Context, operationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE operation_id = ?`, operationID)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindStorageUnavailable, "deleting checkpoints")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, errors.KindStorageUnavailable, "deleting checkpoints")
	}
	return int(affected), nil
}

// ListCheckpointOperations returns the distinct operation ids holding
// checkpoints.
func (s *SQLiteStore) ListCheckpointOperations(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx,
		`SELECT DISTINCT operation_id FROM checkpoints ORDER BY operation_id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorageUnavailable, "listing checkpoint operations")
	}
	defer rows.Close()

	var ops []string
	for rows.Next() {
		var op string
		if err := rows.Scan(&op); err != nil {
			return nil, errors.Wrap(err, errors.KindStorageUnavailable, "scanning operation id")
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// AppendEvent persists one event-log entry.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encoding event payload")
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO events (id, seq, task_id, plan_id, kind, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Seq, event.TaskID, event.PlanID, string(event.Kind),
		string(payloadJSON), event.Timestamp)
	if err != nil {
		return errors.Wrap(err, errors.KindStorageUnavailable, "appending event")
	}
	return nil
}

// ListEvents returns a task's events in emission order. A limit of zero
// or less means no limit.
func (s *SQLiteStore) ListEvents(ctx context.Context, taskID string, limit int) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, seq, task_id, plan_id, kind, payload, timestamp
		FROM events WHERE task_id = ? ORDER BY seq ASC`
	args := []interface{}{taskID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorageUnavailable, "listing events")
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var (
			event          models.Event
			kind           string
			taskID, planID sql.NullString
			payloadJSON    sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.Seq, &taskID, &planID, &kind,
			&payloadJSON, &event.Timestamp); err != nil {
			return nil, errors.Wrap(err, errors.KindStorageUnavailable, "scanning event")
		}
		event.Kind = models.EventKind(kind)
		event.TaskID = taskID.String
		event.PlanID = planID.String
		if payloadJSON.Valid && payloadJSON.String != "" && payloadJSON.String != "null" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &event.Payload); err != nil {
				return nil, errors.Wrap(err, errors.KindInternal, "decoding event payload")
			}
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

// SaveSafetyResults persists a batch of check results in one transaction.
func (s *SQLiteStore) SaveSafetyResults(ctx context.Context, results []models.SafetyCheckResult) error {
	if len(results) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindStorageUnavailable, "starting transaction")
	}
	defer tx.Rollback()

	for _, r := range results {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO safety_results
			(id, operation_id, phase, check_name, category, severity, passed,
			 requires_approval, message, approved_by, approved_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.OperationID, string(r.Phase), r.CheckName, string(r.Category),
			string(r.Severity), r.Passed, r.RequiresApproval, r.Message,
			r.ApprovedBy, r.ApprovedAt, r.CreatedAt); err != nil {
			return errors.Wrap(err, errors.KindStorageUnavailable, "saving safety result")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.KindStorageUnavailable, "committing safety results")
	}
	return nil
}

// ListSafetyResults returns all check results recorded for an operation.
func (s *SQLiteStore) ListSafetyResults(ctx context.Context, operationID string) ([]models.SafetyCheckResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, operation_id, phase, check_name, category, severity, passed,
		       requires_approval, message, approved_by, approved_at, created_at
		FROM safety_results WHERE operation_id = ? ORDER BY created_at ASC, id ASC`, operationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorageUnavailable, "listing safety results")
	}
	defer rows.Close()

	var results []models.SafetyCheckResult
	for rows.Next() {
		var (
			r                         models.SafetyCheckResult
			phase, category, sev      string
			opID, message, approvedBy sql.NullString
			approvedAt                sql.NullTime
		)
		if err := rows.Scan(&r.ID, &opID, &phase, &r.CheckName, &category, &sev,
			&r.Passed, &r.RequiresApproval, &message, &approvedBy, &approvedAt,
			&r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.KindStorageUnavailable, "scanning safety result")
		}
		r.OperationID = opID.String
		r.Phase = models.SafetyPhase(phase)
		r.Category = models.Category(category)
		r.Severity = models.Severity(sev)
		r.Message = message.String
		r.ApprovedBy = approvedBy.String
		if approvedAt.Valid {
			t := approvedAt.Time
			r.ApprovedAt = &t
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// SaveDriftReport inserts or replaces a drift report row.
func (s *SQLiteStore) SaveDriftReport(ctx context.Context, report *models.DriftReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	itemsJSON, err := json.Marshal(report.Items)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encoding drift items")
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO drift_reports (id, provider, scope, items, detected_at)
		VALUES (?, ?, ?, ?, ?)`,
		report.ID, string(report.Provider), report.Scope, string(itemsJSON), report.DetectedAt)
	if err != nil {
		return errors.Wrap(err, errors.KindStorageUnavailable, "saving drift report")
	}
	return nil
}

// GetDriftReport loads a drift report by id.
func (s *SQLiteStore) GetDriftReport(ctx context.Context, id string) (*models.DriftReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		report    models.DriftReport
		provider  string
		itemsJSON string
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT id, provider, scope, items, detected_at
		FROM drift_reports WHERE id = ?`, id).
		Scan(&report.ID, &provider, &report.Scope, &itemsJSON, &report.DetectedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("drift report", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorageUnavailable, "loading drift report")
	}

	report.Provider = models.Provider(provider)
	if err := json.Unmarshal([]byte(itemsJSON), &report.Items); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "decoding drift items")
	}
	return &report, nil
}

// ListDriftReports returns recent reports, optionally narrowed by
// provider and scope, newest first.
func (s *SQLiteStore) ListDriftReports(ctx context.Context, provider models.Provider, scope string, limit int) ([]*models.DriftReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, provider, scope, items, detected_at FROM drift_reports WHERE 1=1`
	args := []interface{}{}

	if provider != "" {
		query += " AND provider = ?"
		args = append(args, string(provider))
	}
	if scope != "" {
		query += " AND scope = ?"
		args = append(args, scope)
	}
	query += " ORDER BY detected_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorageUnavailable, "listing drift reports")
	}
	defer rows.Close()

	var reports []*models.DriftReport
	for rows.Next() {
		var (
			report       models.DriftReport
			providerName string
			itemsJSON    string
		)
		if err := rows.Scan(&report.ID, &providerName, &report.Scope,
			&itemsJSON, &report.DetectedAt); err != nil {
			return nil, errors.Wrap(err, errors.KindStorageUnavailable, "scanning drift report")
		}
		report.Provider = models.Provider(providerName)
		if err := json.Unmarshal([]byte(itemsJSON), &report.Items); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "decoding drift items")
		}
		reports = append(reports, &report)
	}
	return reports, rows.Err()
}

// Stats returns durable entity counts.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Stats
	err := s.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM tasks),
			(SELECT COUNT(*) FROM plans),
			(SELECT COUNT(*) FROM checkpoints),
			(SELECT COUNT(*) FROM events),
			(SELECT COUNT(*) FROM drift_reports)`).
		Scan(&stats.Tasks, &stats.Plans, &stats.Checkpoints, &stats.Events, &stats.DriftReports)
	if err != nil {
		return Stats{}, errors.Wrap(err, errors.KindStorageUnavailable, "reading stats")
	}
	return stats, nil
}
