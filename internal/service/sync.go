package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/cardvault/internal/errs"
	"github.com/and161185/cardvault/internal/model"
	"github.com/and161185/cardvault/internal/repository"
	"github.com/and161185/cardvault/internal/signing"
)

// SyncService is the server half of the sync protocol: it verifies device
// signatures, applies action batches idempotently and reports conflicts
// with a field-level diff.
type SyncService interface {
	// Sync reconciles one signed batch for the user.
	Sync(ctx context.Context, userID uuid.UUID, in model.SyncInput) (model.SyncOutcome, error)
	// RegisterDevice installs a device public key at version 1.
	RegisterDevice(ctx context.Context, userID uuid.UUID, publicKey []byte) (*model.Device, int64, error)
	// RotateKey installs a fresh public key and returns the new version.
	RotateKey(ctx context.Context, userID, deviceID uuid.UUID, publicKey []byte) (int64, error)
	// Collection returns the authoritative snapshot for a full re-pull.
	Collection(ctx context.Context, userID uuid.UUID) (*model.Collection, error)
}

type SyncServiceImpl struct {
	collections repository.CollectionRepository
	devices     repository.DeviceRepository
	keyGrace    time.Duration
	maxBatch    int
	log         *zap.Logger
}

// NewSyncService constructs the reconciler. keyGrace bounds how long a
// rotated-away key version keeps verifying; maxBatch caps actions per sync.
func NewSyncService(collections repository.CollectionRepository, devices repository.DeviceRepository, keyGrace time.Duration, maxBatch int, log *zap.Logger) *SyncServiceImpl {
	if keyGrace <= 0 {
		keyGrace = 24 * time.Hour
	}
	if maxBatch <= 0 {
		maxBatch = 500
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SyncServiceImpl{collections: collections, devices: devices, keyGrace: keyGrace, maxBatch: maxBatch, log: log}
}

// Sync verifies the signature and key version first: any failure
// short-circuits to a rejected outcome without touching state. With a valid
// signature the transactional apply runs, and a version mismatch comes back
// as a conflict carrying the authoritative state plus the divergent fields.
func (s *SyncServiceImpl) Sync(ctx context.Context, userID uuid.UUID, in model.SyncInput) (model.SyncOutcome, error) {
	if userID == uuid.Nil || in.DeviceID == uuid.Nil {
		return model.SyncOutcome{}, errors.New("validation: empty userID/deviceID")
	}
	if len(in.Actions) > s.maxBatch {
		return model.SyncOutcome{}, fmt.Errorf("validation: batch too large (%d > %d)", len(in.Actions), s.maxBatch)
	}

	if outcome, ok := s.verify(ctx, userID, in); !ok {
		s.log.Warn("sync rejected",
			zap.String("user_id", userID.String()),
			zap.String("device_id", in.DeviceID.String()),
			zap.String("reason", outcome.Reason),
		)
		return outcome, nil
	}

	col, applied, err := s.collections.ApplyActions(ctx, userID, in.LastSyncedVersion, in.Actions)
	switch {
	case errors.Is(err, errs.ErrVersionConflict):
		diff := DiffStates(in.ClientState, col.State)
		s.log.Info("sync conflict",
			zap.String("user_id", userID.String()),
			zap.Int64("client_last_synced", in.LastSyncedVersion),
			zap.Int64("server_version", col.Version),
			zap.Int("divergent_fields", len(diff)),
		)
		return model.SyncOutcome{
			Status:        model.SyncConflict,
			State:         col.State,
			ServerVersion: col.Version,
			Divergent:     diff,
		}, nil
	case errors.Is(err, errs.ErrInvalidAction):
		// the whole batch rolls back; nothing was applied
		return model.SyncOutcome{
			Status: model.SyncRejected,
			Reason: err.Error(),
		}, nil
	case err != nil:
		return model.SyncOutcome{}, err
	}

	s.log.Info("sync applied",
		zap.String("user_id", userID.String()),
		zap.Int64("new_version", col.Version),
		zap.Int("actions", len(applied)),
	)
	return model.SyncOutcome{
		Status:     model.SyncApplied,
		NewVersion: col.Version,
		AppliedIDs: applied,
		State:      col.State,
	}, nil
}

// verify checks device ownership, key version liveness and the signature.
// A false return carries the rejected outcome to send back.
func (s *SyncServiceImpl) verify(ctx context.Context, userID uuid.UUID, in model.SyncInput) (model.SyncOutcome, bool) {
	rejected := func(reason string) (model.SyncOutcome, bool) {
		return model.SyncOutcome{Status: model.SyncRejected, Reason: reason, Reregister: true}, false
	}

	dev, err := s.devices.GetDevice(ctx, in.DeviceID)
	if err != nil || dev.UserID != userID {
		return rejected("unknown device")
	}
	key, err := s.devices.GetKey(ctx, in.DeviceID, in.SigningKeyVersion)
	if err != nil {
		return rejected("unknown signing key version")
	}
	if key.RetiredAt != nil && time.Since(*key.RetiredAt) > s.keyGrace {
		return rejected(errs.ErrKeyExpired.Error())
	}
	if !signing.Verify(key.PublicKey, in.SigningPayload, in.Signature) {
		return rejected(errs.ErrSignatureInvalid.Error())
	}
	return model.SyncOutcome{}, true
}

// RegisterDevice installs a device public key at version 1.
func (s *SyncServiceImpl) RegisterDevice(ctx context.Context, userID uuid.UUID, publicKey []byte) (*model.Device, int64, error) {
	if userID == uuid.Nil || len(publicKey) == 0 {
		return nil, 0, errors.New("validation: empty userID/public key")
	}
	return s.devices.Register(ctx, userID, publicKey)
}

// RotateKey retires the device's current key and installs the next version.
func (s *SyncServiceImpl) RotateKey(ctx context.Context, userID, deviceID uuid.UUID, publicKey []byte) (int64, error) {
	if userID == uuid.Nil || deviceID == uuid.Nil || len(publicKey) == 0 {
		return 0, errors.New("validation: empty userID/deviceID/public key")
	}
	return s.devices.Rotate(ctx, userID, deviceID, publicKey)
}

// Collection returns the authoritative snapshot for a full re-pull.
func (s *SyncServiceImpl) Collection(ctx context.Context, userID uuid.UUID) (*model.Collection, error) {
	if userID == uuid.Nil {
		return nil, errors.New("validation: empty userID")
	}
	return s.collections.Get(ctx, userID)
}

// DiffStates computes the field-level divergence between the client's view
// and the server's, so the conflict payload is a targeted diff rather than
// a full dump. Fields are sorted for a stable wire order.
func DiffStates(client, server model.CollectionState) []model.FieldDiff {
	var out []model.FieldDiff
	if client.EcoCredits != server.EcoCredits {
		out = append(out, model.FieldDiff{
			Field:  "eco_credits",
			Local:  fmt.Sprintf("%d", client.EcoCredits),
			Server: fmt.Sprintf("%d", server.EcoCredits),
		})
	}
	if client.XPPoints != server.XPPoints {
		out = append(out, model.FieldDiff{
			Field:  "xp_points",
			Local:  fmt.Sprintf("%d", client.XPPoints),
			Server: fmt.Sprintf("%d", server.XPPoints),
		})
	}

	cardIDs := map[string]bool{}
	for id := range client.Cards {
		cardIDs[id] = true
	}
	for id := range server.Cards {
		cardIDs[id] = true
	}
	var cards []string
	for id := range cardIDs {
		if client.Cards[id] != server.Cards[id] {
			cards = append(cards, id)
		}
	}
	sort.Strings(cards)
	for _, id := range cards {
		out = append(out, model.FieldDiff{
			Field:  "cards." + id,
			Local:  fmt.Sprintf("%d", client.Cards[id]),
			Server: fmt.Sprintf("%d", server.Cards[id]),
		})
	}

	deckIDs := map[string]bool{}
	for id := range client.Decks {
		deckIDs[id] = true
	}
	for id := range server.Decks {
		deckIDs[id] = true
	}
	var decks []string
	for id := range deckIDs {
		if !decksEqual(client.Decks[id], server.Decks[id]) {
			decks = append(decks, id)
		}
	}
	sort.Strings(decks)
	for _, id := range decks {
		out = append(out, model.FieldDiff{
			Field:  "decks." + id,
			Local:  deckSummary(client.Decks, id),
			Server: deckSummary(server.Decks, id),
		})
	}
	return out
}

func decksEqual(a, b model.Deck) bool {
	if a.Name != b.Name || len(a.Cards) != len(b.Cards) {
		return false
	}
	for i := range a.Cards {
		if a.Cards[i] != b.Cards[i] {
			return false
		}
	}
	return true
}

func deckSummary(decks map[string]model.Deck, id string) string {
	d, ok := decks[id]
	if !ok {
		return "absent"
	}
	return fmt.Sprintf("%s (%d cards)", d.Name, len(d.Cards))
}
