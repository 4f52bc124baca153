package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/logger"
	"github.com/nimbusops/nimbus/internal/models"
	"github.com/nimbusops/nimbus/internal/storage"
	"github.com/nimbusops/nimbus/internal/telemetry"
)

// Log is the append-only task event log. Every emission is assigned
// the next sequence number for its task, persisted, and then published
// on the bus. Sequence numbers survive restarts: the counter for a
// task is recovered from storage on first use.
type Log struct {
	store storage.Store
	bus   *Bus

	mu   sync.Mutex
	seqs map[string]int64

	metrics *telemetry.Metrics
	log     logger.Logger
}

// NewLog creates an event log over the given store. The bus may be nil
// when no streaming consumers exist.
func NewLog(store storage.Store, bus *Bus) *Log {
	return &Log{
		store:   store,
		bus:     bus,
		seqs:    make(map[string]int64),
		metrics: telemetry.GetMetrics(),
		log:     logger.New("events"),
	}
}

// Emit persists the event with the next sequence number for its task
// and publishes it. The returned event carries the assigned ID, Seq
// and Timestamp.
func (l *Log) Emit(ctx context.Context, event models.Event) (*models.Event, error) {
	if event.TaskID == "" {
		return nil, errors.BadInput("event task id is required")
	}
	if event.Kind == "" {
		return nil, errors.BadInput("event kind is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq, err := l.nextSeqLocked(ctx, event.TaskID)
	if err != nil {
		return nil, err
	}

	event.Seq = seq
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := l.store.AppendEvent(ctx, &event); err != nil {
		return nil, err
	}
	l.seqs[event.TaskID] = seq

	if l.bus != nil {
		l.bus.Publish(event)
	}
	l.metrics.EventsEmitted.Inc()
	l.log.Debug("event emitted",
		logger.String("task_id", event.TaskID),
		logger.String("kind", string(event.Kind)),
		logger.Int64("seq", seq))
	return &event, nil
}

// EmitKind is shorthand for emitting a lifecycle event with a payload.
func (l *Log) EmitKind(ctx context.Context, taskID, planID string, kind models.EventKind, payload map[string]interface{}) (*models.Event, error) {
	return l.Emit(ctx, models.Event{
		TaskID:  taskID,
		PlanID:  planID,
		Kind:    kind,
		Payload: payload,
	})
}

// History returns a task's events in emission order. A limit of zero
// or less means all events.
func (l *Log) History(ctx context.Context, taskID string, limit int) ([]*models.Event, error) {
	return l.store.ListEvents(ctx, taskID, limit)
}

// nextSeqLocked returns the next sequence number for a task, reading
// the last persisted one on first use. The counter in l.seqs is only
// advanced after a successful append.
func (l *Log) nextSeqLocked(ctx context.Context, taskID string) (int64, error) {
	if last, ok := l.seqs[taskID]; ok {
		return last + 1, nil
	}

	existing, err := l.store.ListEvents(ctx, taskID, 0)
	if err != nil {
		return 0, err
	}
	var last int64
	if n := len(existing); n > 0 {
		last = existing[n-1].Seq
	}
	l.seqs[taskID] = last
	return last + 1, nil
}
