package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/cardvault/internal/errs"
	"github.com/and161185/cardvault/internal/model"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func stateJSON(t *testing.T, st model.CollectionState) []byte {
	t.Helper()
	b, err := json.Marshal(st)
	require.NoError(t, err)
	return b
}

func TestCollectionRepo_Create_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCollectionRepo(db)

	userID := uuid.Must(uuid.NewV4())
	mock.ExpectExec(`INSERT INTO collections \(user_id, state, version\) VALUES \(\$1,\$2,0\)`).
		WithArgs(userID, stateJSON(t, model.NewCollectionState())).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, r.Create(context.Background(), userID))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCollectionRepo_Get_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCollectionRepo(db)

	userID := uuid.Must(uuid.NewV4())
	st := model.NewCollectionState()
	st.Cards["c1"] = 2
	st.EcoCredits = 40
	now := time.Now()

	mock.ExpectQuery(`SELECT state, version, updated_at FROM collections WHERE user_id=\$1`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"state", "version", "updated_at"}).
			AddRow(stateJSON(t, st), int64(3), now))

	col, err := r.Get(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, int64(3), col.Version)
	require.EqualValues(t, 2, col.State.Cards["c1"])
	require.EqualValues(t, 40, col.State.EcoCredits)
}

func TestCollectionRepo_Get_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCollectionRepo(db)

	userID := uuid.Must(uuid.NewV4())
	mock.ExpectQuery(`SELECT state, version, updated_at FROM collections WHERE user_id=\$1`).
		WithArgs(userID).
		WillReturnError(pgx.ErrNoRows)

	_, err := r.Get(context.Background(), userID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCollectionRepo_ApplyActions_AppliesAndBumpsVersion(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCollectionRepo(db)

	userID := uuid.Must(uuid.NewV4())
	action := model.QueuedAction{
		ID:           uuid.Must(uuid.NewV4()),
		Type:         model.ActionCreditsAdded,
		CreditsAdded: &model.CreditsAddedPayload{Amount: 50},
	}

	want := model.NewCollectionState()
	want.EcoCredits = 50

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state, version FROM collections WHERE user_id=\$1 FOR UPDATE`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"state", "version"}).
			AddRow(stateJSON(t, model.NewCollectionState()), int64(0)))
	mock.ExpectExec(`INSERT INTO applied_actions \(user_id, action_id\) VALUES \(\$1,\$2\) ON CONFLICT DO NOTHING`).
		WithArgs(userID, action.ID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE collections SET state=\$2, version=\$3, updated_at=now\(\) WHERE user_id=\$1`).
		WithArgs(userID, stateJSON(t, want), int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	col, applied, err := r.ApplyActions(context.Background(), userID, 0, []model.QueuedAction{action})
	require.NoError(t, err)
	require.Equal(t, int64(1), col.Version)
	require.EqualValues(t, 50, col.State.EcoCredits)
	require.Equal(t, []uuid.UUID{action.ID}, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCollectionRepo_ApplyActions_DuplicateOnlyBatchKeepsVersion(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCollectionRepo(db)

	userID := uuid.Must(uuid.NewV4())
	action := model.QueuedAction{
		ID:           uuid.Must(uuid.NewV4()),
		Type:         model.ActionCreditsAdded,
		CreditsAdded: &model.CreditsAddedPayload{Amount: 50},
	}
	st := model.NewCollectionState()
	st.EcoCredits = 50

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state, version FROM collections WHERE user_id=\$1 FOR UPDATE`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"state", "version"}).
			AddRow(stateJSON(t, st), int64(1)))
	// ON CONFLICT DO NOTHING hits the existing ledger row: zero rows affected
	mock.ExpectExec(`INSERT INTO applied_actions`).
		WithArgs(userID, action.ID).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	// no state UPDATE expected
	mock.ExpectCommit()

	col, applied, err := r.ApplyActions(context.Background(), userID, 1, []model.QueuedAction{action})
	require.NoError(t, err)
	require.Equal(t, int64(1), col.Version)
	require.EqualValues(t, 50, col.State.EcoCredits)
	require.Equal(t, []uuid.UUID{action.ID}, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCollectionRepo_ApplyActions_VersionConflictReturnsAuthoritative(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCollectionRepo(db)

	userID := uuid.Must(uuid.NewV4())
	st := model.NewCollectionState()
	st.EcoCredits = 200

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state, version FROM collections WHERE user_id=\$1 FOR UPDATE`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"state", "version"}).
			AddRow(stateJSON(t, st), int64(5)))
	mock.ExpectRollback()

	col, applied, err := r.ApplyActions(context.Background(), userID, 3, nil)
	require.ErrorIs(t, err, errs.ErrVersionConflict)
	require.Nil(t, applied)
	require.NotNil(t, col)
	require.Equal(t, int64(5), col.Version)
	require.EqualValues(t, 200, col.State.EcoCredits)
}

func TestCollectionRepo_ApplyActions_InvalidActionRollsBack(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCollectionRepo(db)

	userID := uuid.Must(uuid.NewV4())
	overdraft := model.QueuedAction{
		ID:   uuid.Must(uuid.NewV4()),
		Type: model.ActionPackOpened,
		PackOpened: &model.PackOpenedPayload{
			PackID: "rare", CardsGranted: map[string]int64{"c1": 1}, CreditsSpent: 100,
		},
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state, version FROM collections WHERE user_id=\$1 FOR UPDATE`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"state", "version"}).
			AddRow(stateJSON(t, model.NewCollectionState()), int64(0)))
	mock.ExpectExec(`INSERT INTO applied_actions`).
		WithArgs(userID, overdraft.ID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectRollback()

	_, _, err := r.ApplyActions(context.Background(), userID, 0, []model.QueuedAction{overdraft})
	require.ErrorIs(t, err, errs.ErrInvalidAction)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCollectionRepo_ApplyActions_UnknownUser(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCollectionRepo(db)

	userID := uuid.Must(uuid.NewV4())
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state, version FROM collections WHERE user_id=\$1 FOR UPDATE`).
		WithArgs(userID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, _, err := r.ApplyActions(context.Background(), userID, 0, nil)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCollectionRepo_Create_Duplicate(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCollectionRepo(db)

	userID := uuid.Must(uuid.NewV4())
	mock.ExpectExec(`INSERT INTO collections`).
		WithArgs(userID, stateJSON(t, model.NewCollectionState())).
		WillReturnError(errors.New("dup"))

	err := r.Create(context.Background(), userID)
	require.Error(t, err)
	require.NotErrorIs(t, err, errs.ErrAlreadyExists) // plain errors pass through
}
