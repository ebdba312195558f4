package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/cardvault/internal/errs"
	"github.com/and161185/cardvault/internal/model"
)

// CollectionRepo implements CollectionRepository using PostgreSQL. The
// collection state lives in one JSONB column per user; the row lock taken
// by ApplyActions is what serializes concurrent syncs from two devices.
type CollectionRepo struct{ db *DB }

// NewCollectionRepo constructs a collection repository.
func NewCollectionRepo(db *DB) *CollectionRepo { return &CollectionRepo{db: db} }

// Create inserts an empty collection at version 0.
func (r *CollectionRepo) Create(ctx context.Context, userID uuid.UUID) error {
	empty, err := json.Marshal(model.NewCollectionState())
	if err != nil {
		return err
	}
	const q = `INSERT INTO collections (user_id, state, version) VALUES ($1,$2,0)`
	_, err = r.db.Pool.Exec(ctx, q, userID, empty)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Get returns the current authoritative collection.
func (r *CollectionRepo) Get(ctx context.Context, userID uuid.UUID) (*model.Collection, error) {
	const q = `SELECT state, version, updated_at FROM collections WHERE user_id=$1`
	var raw []byte
	col := model.Collection{UserID: userID}
	if err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&raw, &col.Version, &col.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	if err := unmarshalState(raw, &col.State); err != nil {
		return nil, err
	}
	return &col, nil
}

// ApplyActions locks the user's collection row, checks the declared sync
// baseline against the stored version and applies the batch in order with
// per-action idempotency. Duplicate action ids are recorded as confirmed
// without reapplying. The version bumps once per batch, and only when at
// least one action newly applied, so replaying an acknowledged batch leaves
// the version untouched.
func (r *CollectionRepo) ApplyActions(
	ctx context.Context, userID uuid.UUID, lastSynced int64, actions []model.QueuedAction,
) (col *model.Collection, applied []uuid.UUID, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT state, version FROM collections WHERE user_id=$1 FOR UPDATE`
	var raw []byte
	var version int64
	if err = tx.QueryRow(ctx, sel, userID).Scan(&raw, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, errs.ErrNotFound
		}
		return nil, nil, err
	}
	state := model.NewCollectionState()
	if err = unmarshalState(raw, &state); err != nil {
		return nil, nil, err
	}

	if version != lastSynced {
		// no writes happened; surface the authoritative snapshot
		col = &model.Collection{UserID: userID, State: state, Version: version}
		err = errs.ErrVersionConflict
		return col, nil, err
	}

	const mark = `INSERT INTO applied_actions (user_id, action_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`
	newlyApplied := 0
	applied = make([]uuid.UUID, 0, len(actions))
	for i, a := range actions {
		tag, execErr := tx.Exec(ctx, mark, userID, a.ID)
		if execErr != nil {
			err = execErr
			return nil, nil, err
		}
		if tag.RowsAffected() == 0 {
			// already applied earlier; confirm without reapplying
			applied = append(applied, a.ID)
			continue
		}
		if err = a.Apply(&state); err != nil {
			err = fmt.Errorf("action[%d] %s: %w", i, a.ID, err)
			return nil, nil, err
		}
		applied = append(applied, a.ID)
		newlyApplied++
	}

	if newlyApplied > 0 {
		version++
		var out []byte
		out, err = json.Marshal(state)
		if err != nil {
			return nil, nil, err
		}
		const upd = `UPDATE collections SET state=$2, version=$3, updated_at=now() WHERE user_id=$1`
		if _, err = tx.Exec(ctx, upd, userID, out, version); err != nil {
			return nil, nil, err
		}
	}
	return &model.Collection{UserID: userID, State: state, Version: version}, applied, nil
}

func unmarshalState(raw []byte, st *model.CollectionState) error {
	if err := json.Unmarshal(raw, st); err != nil {
		return fmt.Errorf("collection state: %w", err)
	}
	if st.Cards == nil {
		st.Cards = map[string]int64{}
	}
	if st.Decks == nil {
		st.Decks = map[string]model.Deck{}
	}
	return nil
}
