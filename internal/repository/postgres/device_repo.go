package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/cardvault/internal/errs"
	"github.com/and161185/cardvault/internal/model"
)

// DeviceRepo implements DeviceRepository using PostgreSQL.
type DeviceRepo struct{ db *DB }

// NewDeviceRepo constructs a device repository.
func NewDeviceRepo(db *DB) *DeviceRepo { return &DeviceRepo{db: db} }

// Register creates a device row plus its key at version 1.
func (r *DeviceRepo) Register(ctx context.Context, userID uuid.UUID, publicKey []byte) (dev *model.Device, ver int64, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, 0, err
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

	id, err := uuid.NewV4()
	if err != nil {
		return nil, 0, err
	}
	const insDev = `INSERT INTO devices (id, user_id) VALUES ($1,$2)`
	if _, err = tx.Exec(ctx, insDev, id, userID); err != nil {
		return nil, 0, err
	}
	const insKey = `INSERT INTO device_keys (device_id, key_version, public_key) VALUES ($1,$2,$3)`
	if _, err = tx.Exec(ctx, insKey, id, int64(1), publicKey); err != nil {
		return nil, 0, err
	}
	return &model.Device{ID: id, UserID: userID}, 1, nil
}

// Rotate retires the current key version and installs the next one. The old
// version keeps verifying until its retirement grace passes.
func (r *DeviceRepo) Rotate(ctx context.Context, userID, deviceID uuid.UUID, publicKey []byte) (ver int64, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
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

	const sel = `
SELECT COALESCE(MAX(dk.key_version),0)
FROM device_keys dk
JOIN devices d ON d.id = dk.device_id
WHERE dk.device_id=$1 AND d.user_id=$2`
	var cur int64
	if err = tx.QueryRow(ctx, sel, deviceID, userID).Scan(&cur); err != nil {
		return 0, err
	}
	if cur == 0 {
		return 0, errs.ErrNotFound
	}
	const retire = `UPDATE device_keys SET retired_at=now() WHERE device_id=$1 AND retired_at IS NULL`
	if _, err = tx.Exec(ctx, retire, deviceID); err != nil {
		return 0, err
	}
	next := cur + 1
	const ins = `INSERT INTO device_keys (device_id, key_version, public_key) VALUES ($1,$2,$3)`
	if _, err = tx.Exec(ctx, ins, deviceID, next, publicKey); err != nil {
		return 0, err
	}
	return next, nil
}

// GetDevice loads a device by ID.
func (r *DeviceRepo) GetDevice(ctx context.Context, deviceID uuid.UUID) (*model.Device, error) {
	const q = `SELECT id, user_id, created_at FROM devices WHERE id=$1`
	var d model.Device
	if err := r.db.Pool.QueryRow(ctx, q, deviceID).Scan(&d.ID, &d.UserID, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// GetKey loads one key version for a device, retired or not.
func (r *DeviceRepo) GetKey(ctx context.Context, deviceID uuid.UUID, keyVersion int64) (*model.DeviceKey, error) {
	const q = `
SELECT device_id, key_version, public_key, created_at, retired_at
FROM device_keys WHERE device_id=$1 AND key_version=$2`
	var k model.DeviceKey
	if err := r.db.Pool.QueryRow(ctx, q, deviceID, keyVersion).
		Scan(&k.DeviceID, &k.KeyVersion, &k.PublicKey, &k.CreatedAt, &k.RetiredAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &k, nil
}
