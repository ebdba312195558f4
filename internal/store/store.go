// Package store implements the offline collection store: the local
// authoritative snapshot of cards, currencies and decks, with a durable
// hash-checked snapshot file and the action queue riding along.
package store

import (
	"fmt"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/cardvault/internal/errs"
	"github.com/and161185/cardvault/internal/model"
	"github.com/and161185/cardvault/internal/queue"
)

// Store is the single-writer local state object. Every mutation entry point
// and every sync-response application serializes on mu, so a sync result is
// never applied concurrently with a gameplay mutation.
type Store struct {
	mu  sync.Mutex
	dir string
	log *zap.Logger

	userID   uuid.UUID
	deviceID uuid.UUID

	state      model.CollectionState
	version    int64
	lastSynced int64
	keyVersion int64
	queue      *queue.ActionQueue

	needsResync bool
}

// Snapshot is the read-only projection consumed by the UI layer.
type Snapshot struct {
	UserID            uuid.UUID
	DeviceID          uuid.UUID
	State             model.CollectionState
	Version           int64
	LastSyncedVersion int64
	SigningKeyVersion int64
	PendingActions    int
	NeedsResync       bool
}

// New initializes an empty store for a freshly authenticated user/device and
// persists the initial snapshot.
func New(dir string, userID, deviceID uuid.UUID, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		dir:      dir,
		log:      log,
		userID:   userID,
		deviceID: deviceID,
		state:    model.NewCollectionState(),
		queue:    queue.New(log),
	}
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open loads the persisted snapshot from dir, verifying its content hash.
// A corrupted primary falls back to the previous snapshot; if that is also
// unusable the store comes up empty with NeedsResync set, and the caller
// must do a full re-pull before trusting local state.
func Open(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{dir: dir, log: log, state: model.NewCollectionState(), queue: queue.New(log)}

	sf, err := loadSnapshot(primaryPath(dir))
	if err != nil {
		log.Warn("primary snapshot unusable, trying previous", zap.Error(err))
		sf, err = loadSnapshot(backupPath(dir))
		if err != nil {
			log.Error("no valid local snapshot, full re-pull required", zap.Error(err))
			s.needsResync = true
			return s, nil
		}
	}
	if err := s.restore(sf); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) restore(sf *snapshotFile) error {
	userID, err := uuid.FromString(sf.UserID)
	if err != nil {
		return fmt.Errorf("snapshot user_id: %w", err)
	}
	deviceID, err := uuid.FromString(sf.DeviceID)
	if err != nil {
		return fmt.Errorf("snapshot device_id: %w", err)
	}
	if sf.LastSyncedVersion > sf.Version {
		return fmt.Errorf("snapshot versions: %w", errs.ErrCorruptSnapshot)
	}
	s.userID = userID
	s.deviceID = deviceID
	s.state = sf.State
	if s.state.Cards == nil {
		s.state.Cards = map[string]int64{}
	}
	if s.state.Decks == nil {
		s.state.Decks = map[string]model.Deck{}
	}
	s.version = sf.Version
	s.lastSynced = sf.LastSyncedVersion
	s.keyVersion = sf.SigningKeyVersion
	s.queue.Restore(sf.Queue)
	return nil
}

// Snapshot returns a deep-copied view of the current local state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		UserID:            s.userID,
		DeviceID:          s.deviceID,
		State:             s.state.Clone(),
		Version:           s.version,
		LastSyncedVersion: s.lastSynced,
		SigningKeyVersion: s.keyVersion,
		PendingActions:    s.queue.Len(),
		NeedsResync:       s.needsResync,
	}
}

// Pending returns the queued actions in FIFO order.
func (s *Store) Pending() []model.QueuedAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Pending()
}

// Dirty reports whether a sync is warranted.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len() > 0 || s.version != s.lastSynced
}

// NeedsResync reports whether local state was quarantined on load.
func (s *Store) NeedsResync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsResync
}

// SetSigningKeyVersion records the device key version after generate/rotate.
func (s *Store) SetSigningKeyVersion(v int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.keyVersion
	s.keyVersion = v
	if err := s.persistLocked(); err != nil {
		s.keyVersion = prev
		return err
	}
	return nil
}

// --- gameplay mutations ---
//
// Each mutation is atomic: state change, queue append, version bump and
// snapshot persist succeed together or the in-memory state is rolled back.
// From the caller's perspective they are infallible apart from local I/O.

// OpenPack deducts the pack cost and grants the rolled cards.
func (s *Store) OpenPack(packID string, granted map[string]int64, creditsSpent int64) (uuid.UUID, error) {
	return s.mutate(model.QueuedAction{
		Type:       model.ActionPackOpened,
		PackOpened: &model.PackOpenedPayload{PackID: packID, CardsGranted: granted, CreditsSpent: creditsSpent},
	}, nil)
}

// AddCards grants qty copies of a card.
func (s *Store) AddCards(cardID string, qty int64) (uuid.UUID, error) {
	return s.mutate(model.QueuedAction{
		Type:      model.ActionCardAdded,
		CardAdded: &model.CardAddedPayload{CardID: cardID, Qty: qty},
	}, nil)
}

// AddCredits grants eco-credits.
func (s *Store) AddCredits(amount int64) (uuid.UUID, error) {
	return s.mutate(model.QueuedAction{
		Type:         model.ActionCreditsAdded,
		CreditsAdded: &model.CreditsAddedPayload{Amount: amount},
	}, nil)
}

// AddXP grants experience points.
func (s *Store) AddXP(amount int64) (uuid.UUID, error) {
	return s.mutate(model.QueuedAction{
		Type:     model.ActionXPGained,
		XPGained: &model.XPGainedPayload{Amount: amount},
	}, nil)
}

// SaveDeck creates or replaces a deck. dependsOn links the save to a prior
// queued action whose effect the deck requires (a pack grant still awaiting
// acknowledgment); it must reference a live queued action.
func (s *Store) SaveDeck(deckID, name string, cards []string, dependsOn *uuid.UUID) (uuid.UUID, error) {
	return s.mutate(model.QueuedAction{
		Type:      model.ActionDeckSaved,
		DeckSaved: &model.DeckSavedPayload{DeckID: deckID, Name: name, Cards: cards},
	}, dependsOn)
}

// DeleteDeck removes a deck.
func (s *Store) DeleteDeck(deckID string, dependsOn *uuid.UUID) (uuid.UUID, error) {
	return s.mutate(model.QueuedAction{
		Type:        model.ActionDeckDeleted,
		DeckDeleted: &model.DeckDeletedPayload{DeckID: deckID},
	}, dependsOn)
}

func (s *Store) mutate(a model.QueuedAction, dependsOn *uuid.UUID) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.Clone()
	if err := a.Apply(&next); err != nil {
		return uuid.Nil, err
	}
	id, err := s.queue.Enqueue(a, dependsOn)
	if err != nil {
		return uuid.Nil, err
	}
	prevState, prevVersion := s.state, s.version
	s.state = next
	s.version++
	if err := s.persistLocked(); err != nil {
		// roll the whole mutation back: no partial apply
		s.state, s.version = prevState, prevVersion
		s.queue.Ack(id)
		return uuid.Nil, err
	}
	return id, nil
}

// --- sync response application ---

// ApplyAccepted handles an Applied sync result: acknowledged actions leave
// the queue, server state becomes the local baseline and any still-pending
// actions (enqueued while the sync was in flight) are replayed on top to
// keep the optimistic view.
func (s *Store) ApplyAccepted(serverState model.CollectionState, newVersion int64, ackIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ackIDs {
		s.queue.Ack(id)
	}
	next := serverState.Clone()
	pending := s.queue.Pending()
	for _, a := range pending {
		if err := a.Apply(&next); err != nil {
			// replay failure is logged, not fatal: the action stays queued
			// and the next sync lets the server arbitrate
			s.log.Warn("pending action no longer applies locally",
				zap.String("action_id", a.ID.String()), zap.Error(err))
		}
	}
	s.state = next
	s.lastSynced = newVersion
	s.version = newVersion + int64(len(pending))
	s.needsResync = false
	return s.persistLocked()
}

// AdoptServerState overwrites local state wholesale (UseServer resolution or
// full re-pull). The queue is emptied and both version fields take the
// server's version.
func (s *Store) AdoptServerState(serverState model.CollectionState, serverVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	discarded := s.queue.DiscardAll()
	if len(discarded) > 0 {
		s.log.Info("local queue discarded", zap.Int("count", len(discarded)))
	}
	s.state = serverState.Clone()
	s.version = serverVersion
	s.lastSynced = serverVersion
	s.needsResync = false
	return s.persistLocked()
}

// DiscardCascade removes a queued action and its transitive dependents.
func (s *Store) DiscardCascade(id uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	discarded := s.queue.DiscardCascade(id)
	if len(discarded) == 0 {
		return nil, nil
	}
	return discarded, s.persistLocked()
}

// ResolveUseLocal keeps the local queue minus the invalidated roots (and
// their cascades), rebuilds local state as server state plus the surviving
// actions, and makes the server's version the new sync baseline. The local
// version lands strictly above both diverged versions so the confirming
// re-sync is unambiguous.
func (s *Store) ResolveUseLocal(serverState model.CollectionState, serverVersion int64, invalidated []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range invalidated {
		for _, gone := range s.queue.DiscardCascade(id) {
			s.log.Info("action invalidated by conflict resolution",
				zap.String("action_id", gone.String()))
		}
	}
	next := serverState.Clone()
	for _, a := range s.queue.Pending() {
		if err := a.Apply(&next); err != nil {
			s.log.Warn("surviving action no longer applies locally",
				zap.String("action_id", a.ID.String()), zap.Error(err))
		}
	}
	s.state = next
	s.lastSynced = serverVersion
	if serverVersion > s.version {
		s.version = serverVersion
	}
	s.version++
	return s.persistLocked()
}

// Teardown removes all persisted local state (sign-out, account deletion).
func (s *Store) Teardown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeSnapshots(s.dir)
}
