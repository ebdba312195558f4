package model

import "github.com/gofrs/uuid/v5"

// SyncStatus tags the reconciler outcome.
type SyncStatus string

const (
	SyncApplied  SyncStatus = "applied"
	SyncConflict SyncStatus = "conflict"
	SyncRejected SyncStatus = "rejected"
)

// SyncInput is the verified-and-parsed form of a device sync request as the
// reconciler consumes it. SigningPayload is the canonical signature-free
// encoding of the request, rebuilt deterministically server-side; both
// halves derive it the same way, so it matches the bytes the device signed.
type SyncInput struct {
	DeviceID          uuid.UUID
	SigningKeyVersion int64
	Signature         []byte
	SigningPayload    []byte
	CollectionVersion int64
	LastSyncedVersion int64
	Actions           []QueuedAction
	ClientState       CollectionState
}

// SyncOutcome is the reconciler's tagged result.
type SyncOutcome struct {
	Status SyncStatus

	// applied
	NewVersion int64
	AppliedIDs []uuid.UUID

	// applied + conflict
	State CollectionState

	// conflict
	ServerVersion int64
	Divergent     []FieldDiff

	// rejected
	Reason     string
	Reregister bool
}
