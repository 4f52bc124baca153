package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/models"
)

// MemoryStore is an in-process Store for tests and ephemeral runs. It
// mirrors the SQLite implementation's semantics, including the
// monotonic checkpoint guard, and hands out copies so callers cannot
// mutate stored entities.
type MemoryStore struct {
	mu          sync.RWMutex
	tasks       map[string]*models.Task
	plans       map[string]*models.Plan
	checkpoints map[string][]*models.Checkpoint
	events      map[string][]*models.Event
	safety      map[string][]models.SafetyCheckResult
	drift       map[string]*models.DriftReport
}

var _ Store = (*MemoryStore)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*models.Task),
		plans:       make(map[string]*models.Plan),
		checkpoints: make(map[string][]*models.Checkpoint),
		events:      make(map[string][]*models.Event),
		safety:      make(map[string][]models.SafetyCheckResult),
		drift:       make(map[string]*models.DriftReport),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) SaveTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, errors.NotFound("task", id)
	}
	return cloneTask(task), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*models.Task
	for _, task := range s.tasks {
		if filter.Matches(task) {
			tasks = append(tasks, cloneTask(task))
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID > tasks[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(tasks) {
			return nil, nil
		}
		tasks = tasks[filter.Offset:]
	}
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

func (s *MemoryStore) SavePlan(ctx context.Context, plan *models.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.ID] = plan.Clone()
	return nil
}

func (s *MemoryStore) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[id]
	if !ok {
		return nil, errors.NotFound("plan", id)
	}
	return plan.Clone(), nil
}

func (s *MemoryStore) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.checkpoints[cp.OperationID]
	latest := -1
	if len(existing) > 0 {
		latest = existing[len(existing)-1].Step
	}
	if cp.Step <= latest {
		return errors.Newf(errors.KindConflict,
			"checkpoint step %d for operation %s does not advance the latest step",
			cp.Step, cp.OperationID)
	}

	saved := *cp
	saved.State = append(json.RawMessage(nil), cp.State...)
	s.checkpoints[cp.OperationID] = append(existing, &saved)
	return nil
}

func (s *MemoryStore) GetLatestCheckpoint(ctx context.Context, operationID string) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.checkpoints[operationID]
	if len(cps) == 0 {
		return nil, errors.NotFound("checkpoint for operation", operationID)
	}
	return cloneCheckpoint(cps[len(cps)-1]), nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cps := range s.checkpoints {
		for _, cp := range cps {
			if cp.ID == id {
				return cloneCheckpoint(cp), nil
			}
		}
	}
	return nil, errors.NotFound("checkpoint", id)
}

func (s *MemoryStore) ListCheckpoints(ctx context.Context, operationID string) ([]models.CheckpointSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var summaries []models.CheckpointSummary
	for _, cp := range s.checkpoints[operationID] {
		summaries = append(summaries, models.CheckpointSummary{
			ID:          cp.ID,
			OperationID: cp.OperationID,
			Step:        cp.Step,
			SizeBytes:   len(cp.State),
			CreatedAt:   cp.CreatedAt,
		})
	}
	return summaries, nil
}

func (s *MemoryStore) DeleteCheckpoints(ctx context.Context, operationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := len(s.checkpoints[operationID])
	delete(s.checkpoints, operationID)
	return deleted, nil
}

func (s *MemoryStore) ListCheckpointOperations(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ops []string
	for op := range s.checkpoints {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *event
	saved.Payload = copyPayload(event.Payload)
	s.events[event.TaskID] = append(s.events[event.TaskID], &saved)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, taskID string, limit int) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.events[taskID]
	events := make([]*models.Event, 0, len(stored))
	for _, e := range stored {
		copied := *e
		copied.Payload = copyPayload(e.Payload)
		events = append(events, &copied)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *MemoryStore) SaveSafetyResults(ctx context.Context, results []models.SafetyCheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range results {
		s.safety[r.OperationID] = append(s.safety[r.OperationID], r)
	}
	return nil
}

func (s *MemoryStore) ListSafetyResults(ctx context.Context, operationID string) ([]models.SafetyCheckResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.SafetyCheckResult(nil), s.safety[operationID]...), nil
}

func (s *MemoryStore) SaveDriftReport(ctx context.Context, report *models.DriftReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *report
	saved.Items = append([]models.DriftItem(nil), report.Items...)
	s.drift[report.ID] = &saved
	return nil
}

func (s *MemoryStore) GetDriftReport(ctx context.Context, id string) (*models.DriftReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report, ok := s.drift[id]
	if !ok {
		return nil, errors.NotFound("drift report", id)
	}
	copied := *report
	copied.Items = append([]models.DriftItem(nil), report.Items...)
	return &copied, nil
}

func (s *MemoryStore) ListDriftReports(ctx context.Context, provider models.Provider, scope string, limit int) ([]*models.DriftReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var reports []*models.DriftReport
	for _, report := range s.drift {
		if provider != "" && report.Provider != provider {
			continue
		}
		if scope != "" && report.Scope != scope {
			continue
		}
		copied := *report
		copied.Items = append([]models.DriftItem(nil), report.Items...)
		reports = append(reports, &copied)
	}
	sort.Slice(reports, func(i, j int) bool {
		if !reports[i].DetectedAt.Equal(reports[j].DetectedAt) {
			return reports[i].DetectedAt.After(reports[j].DetectedAt)
		}
		return reports[i].ID > reports[j].ID
	})
	if limit > 0 && len(reports) > limit {
		reports = reports[:limit]
	}
	return reports, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Tasks:        len(s.tasks),
		Plans:        len(s.plans),
		DriftReports: len(s.drift),
	}
	for _, cps := range s.checkpoints {
		stats.Checkpoints += len(cps)
	}
	for _, events := range s.events {
		stats.Events += len(events)
	}
	return stats, nil
}

func cloneTask(task *models.Task) *models.Task {
	copied := *task
	if task.Metadata != nil {
		copied.Metadata = copyPayload(task.Metadata)
	}
	if task.Context.Requirements != nil {
		copied.Context.Requirements = copyPayload(task.Context.Requirements)
	}
	if task.Context.Components != nil {
		copied.Context.Components = append([]string(nil), task.Context.Components...)
	}
	if task.StartedAt != nil {
		t := *task.StartedAt
		copied.StartedAt = &t
	}
	if task.FinishedAt != nil {
		t := *task.FinishedAt
		copied.FinishedAt = &t
	}
	return &copied
}

func cloneCheckpoint(cp *models.Checkpoint) *models.Checkpoint {
	copied := *cp
	copied.State = append(json.RawMessage(nil), cp.State...)
	return &copied
}

func copyPayload(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
