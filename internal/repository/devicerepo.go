package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/cardvault/internal/model"
)

// DeviceRepository tracks registered devices and their signing key versions.
type DeviceRepository interface {
	// Register creates a device for the user with its initial key at version 1.
	Register(ctx context.Context, userID uuid.UUID, publicKey []byte) (*model.Device, int64, error)

	// Rotate retires the current key and installs publicKey at version+1.
	Rotate(ctx context.Context, userID, deviceID uuid.UUID, publicKey []byte) (int64, error)

	// GetDevice loads a device by ID.
	GetDevice(ctx context.Context, deviceID uuid.UUID) (*model.Device, error)

	// GetKey loads one key version for a device, retired or not.
	GetKey(ctx context.Context, deviceID uuid.UUID, keyVersion int64) (*model.DeviceKey, error)
}
