// Package checkpoint implements the durable per-step snapshot store.
// It wraps the storage port with the engine's checkpoint policy:
// strictly increasing step indexes per operation, a size cap on state
// blobs, and list/latest/delete surfaces used by resume and rollback.
package checkpoint

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/logger"
	"github.com/nimbusops/nimbus/internal/models"
	"github.com/nimbusops/nimbus/internal/storage"
)

// DefaultMaxStateBytes caps checkpoint state blobs at 1 MiB. Larger
// states must be split by the caller.
const DefaultMaxStateBytes = 1 << 20

// Store persists and retrieves checkpoints for operations.
type Store struct {
	store    storage.Store
	maxBytes int
	log      logger.Logger
}

// NewStore returns a checkpoint store backed by the given storage.
// maxBytes ≤ 0 selects the default 1 MiB cap.
func NewStore(store storage.Store, maxBytes int) *Store {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxStateBytes
	}
	return &Store{
		store:    store,
		maxBytes: maxBytes,
		log:      logger.New("checkpoint"),
	}
}

// Save persists a checkpoint. Missing id and created_at are filled in.
// Oversized states are rejected with bad_input; a step that does not
// advance the operation's latest step is rejected with conflict.
func (s *Store) Save(ctx context.Context, cp *models.Checkpoint) error {
	if cp.OperationID == "" {
		return errors.BadInput("checkpoint operation_id is required")
	}
	if cp.Step < 0 {
		return errors.BadInputf("checkpoint step must be non-negative, got %d", cp.Step)
	}
	if len(cp.State) == 0 {
		return errors.BadInput("checkpoint state is required")
	}
	if len(cp.State) > s.maxBytes {
		return errors.BadInputf("checkpoint state is %d bytes, limit is %d", len(cp.State), s.maxBytes)
	}
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}

	s.log.Debug("checkpoint saved",
		logger.String("operation_id", cp.OperationID),
		logger.Int("step", cp.Step),
		logger.Int("size_bytes", len(cp.State)))
	return nil
}

// SaveState marshals an execution state and saves it as the checkpoint
// for (operationID, step). Returns the stored checkpoint.
func (s *Store) SaveState(ctx context.Context, operationID string, step int, state *models.ExecutionState) (*models.Checkpoint, error) {
	raw, err := models.MarshalState(state)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "encoding execution state")
	}
	cp := &models.Checkpoint{
		OperationID: operationID,
		Step:        step,
		State:       raw,
	}
	if err := s.Save(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Latest returns the checkpoint with the highest step for an operation.
func (s *Store) Latest(ctx context.Context, operationID string) (*models.Checkpoint, error) {
	return s.store.GetLatestCheckpoint(ctx, operationID)
}

// LatestState returns the latest checkpoint together with its decoded
// execution state.
func (s *Store) LatestState(ctx context.Context, operationID string) (*models.Checkpoint, *models.ExecutionState, error) {
	cp, err := s.store.GetLatestCheckpoint(ctx, operationID)
	if err != nil {
		return nil, nil, err
	}
	state, err := models.UnmarshalState(cp.State)
	if err != nil {
		return nil, nil, errors.Wrapf(err, errors.KindInternal, "decoding state of checkpoint %s", cp.ID)
	}
	return cp, state, nil
}

// List returns step-ordered summaries for an operation.
func (s *Store) List(ctx context.Context, operationID string) ([]models.CheckpointSummary, error) {
	return s.store.ListCheckpoints(ctx, operationID)
}

// Get returns one checkpoint by id.
func (s *Store) Get(ctx context.Context, id string) (*models.Checkpoint, error) {
	return s.store.GetCheckpoint(ctx, id)
}

// DeleteAll removes every checkpoint for an operation and returns the
// count removed. Callers must only do this once the owning task is
// terminal.
func (s *Store) DeleteAll(ctx context.Context, operationID string) (int, error) {
	deleted, err := s.store.DeleteCheckpoints(ctx, operationID)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.log.Info("checkpoints deleted",
			logger.String("operation_id", operationID),
			logger.Int("count", deleted))
	}
	return deleted, nil
}

// Operations returns the ids of operations that still hold checkpoints.
func (s *Store) Operations(ctx context.Context) ([]string, error) {
	return s.store.ListCheckpointOperations(ctx)
}
