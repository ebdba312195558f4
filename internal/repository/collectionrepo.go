package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/cardvault/internal/model"
)

// CollectionRepository provides versioned access to per-user collections.
type CollectionRepository interface {
	// Create inserts an empty collection at version 0 for a new user.
	Create(ctx context.Context, userID uuid.UUID) error

	// Get returns the current authoritative collection.
	Get(ctx context.Context, userID uuid.UUID) (*model.Collection, error)

	// ApplyActions runs the transactional half of reconciliation: it locks
	// the user's row, compares the stored version against lastSynced, and
	// applies the batch in order with action-id idempotency. On version
	// mismatch it returns the authoritative collection together with
	// errs.ErrVersionConflict. The returned ids cover every action the
	// server now records as applied, duplicates included.
	ApplyActions(ctx context.Context, userID uuid.UUID, lastSynced int64, actions []model.QueuedAction) (*model.Collection, []uuid.UUID, error)
}
