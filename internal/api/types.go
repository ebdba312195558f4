// Package api defines the JSON wire types of the sync protocol and the
// canonical byte form that device signatures cover.
package api

import (
	"encoding/json"
	"time"
)

// DeckDTO mirrors model.Deck on the wire.
type DeckDTO struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Cards []string `json:"cards"`
}

// CollectionStateDTO is the wire form of a collection snapshot.
type CollectionStateDTO struct {
	Cards      map[string]int64   `json:"cards"`
	EcoCredits int64              `json:"eco_credits"`
	XPPoints   int64              `json:"xp_points"`
	Decks      map[string]DeckDTO `json:"decks"`
}

// ActionDTO is the wire form of a queued action. Exactly one payload field
// is set, matching Type.
type ActionDTO struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	DependsOn string          `json:"depends_on,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// SyncRequest is the client -> server sync exchange body.
// ClientState carries the device's current snapshot so the reconciler can
// compute a field-level diff on conflict instead of returning a full dump
// choice blindly.
type SyncRequest struct {
	DeviceID          string             `json:"device_id"`
	CollectionVersion int64              `json:"collection_version"`
	LastSyncedVersion int64              `json:"last_synced_version"`
	Actions           []ActionDTO        `json:"actions"`
	ClientState       CollectionStateDTO `json:"client_state"`
	SigningKeyVersion int64              `json:"signing_key_version"`
	Signature         []byte             `json:"signature"`
}

// SigningBytes returns the canonical bytes the signature covers: the JSON
// encoding of the request with the signature field zeroed. Struct field
// order makes the encoding deterministic on both sides.
func (r SyncRequest) SigningBytes() ([]byte, error) {
	r.Signature = nil
	return json.Marshal(r)
}

// Sync result statuses.
const (
	StatusApplied  = "applied"
	StatusConflict = "conflict"
	StatusRejected = "rejected"
)

// FieldDiffDTO is one divergent field in a conflict payload.
type FieldDiffDTO struct {
	Field  string `json:"field"`
	Local  string `json:"local"`
	Server string `json:"server"`
}

// SyncResult is the tagged server response. Status selects which of the
// optional groups is populated.
type SyncResult struct {
	Status string `json:"status"`

	// applied
	NewVersion       int64    `json:"new_version,omitempty"`
	AppliedActionIDs []string `json:"applied_action_ids,omitempty"`

	// applied + conflict
	ServerState *CollectionStateDTO `json:"server_state,omitempty"`

	// conflict
	ServerVersion   int64          `json:"server_version,omitempty"`
	DivergentFields []FieldDiffDTO `json:"divergent_fields,omitempty"`

	// rejected
	Reason     string `json:"reason,omitempty"`
	Reregister bool   `json:"reregister,omitempty"`
}

// RegisterDeviceRequest registers a device public key for the session user.
type RegisterDeviceRequest struct {
	PublicKey []byte `json:"public_key"`
}

// RegisterDeviceResponse returns the device identity and initial key version.
type RegisterDeviceResponse struct {
	DeviceID   string `json:"device_id"`
	KeyVersion int64  `json:"key_version"`
}

// RotateKeyRequest submits a fresh public key for an existing device.
type RotateKeyRequest struct {
	PublicKey []byte `json:"public_key"`
}

// RotateKeyResponse returns the new key version after rotation.
type RotateKeyResponse struct {
	KeyVersion int64 `json:"key_version"`
}

// CollectionResponse is the full authoritative snapshot (corruption re-pull).
type CollectionResponse struct {
	State   CollectionStateDTO `json:"state"`
	Version int64              `json:"version"`
}

// Auth endpoints.

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	UserID string `json:"user_id"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	UserID      string    `json:"user_id"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}
