// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Tokens collects issued access/refresh tokens (refresh optional).
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // access token expiry (for diagnostics)
}

// Deck is a named list of card IDs assembled by the player.
type Deck struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Cards []string `json:"cards"`
}

// CollectionState holds the player-owned economic state: card quantities,
// currencies and decks. Shared between the client store and the server
// reconciler so action effects apply identically on both sides.
type CollectionState struct {
	Cards      map[string]int64 `json:"cards"`
	EcoCredits int64            `json:"eco_credits"`
	XPPoints   int64            `json:"xp_points"`
	Decks      map[string]Deck  `json:"decks"`
}

// NewCollectionState returns an empty state with allocated maps.
func NewCollectionState() CollectionState {
	return CollectionState{
		Cards: map[string]int64{},
		Decks: map[string]Deck{},
	}
}

// Clone returns a deep copy of the state.
func (s CollectionState) Clone() CollectionState {
	out := CollectionState{
		Cards:      make(map[string]int64, len(s.Cards)),
		EcoCredits: s.EcoCredits,
		XPPoints:   s.XPPoints,
		Decks:      make(map[string]Deck, len(s.Decks)),
	}
	for k, v := range s.Cards {
		out.Cards[k] = v
	}
	for k, d := range s.Decks {
		cp := d
		cp.Cards = append([]string(nil), d.Cards...)
		out.Decks[k] = cp
	}
	return out
}

// Collection is the server-side authoritative row for a user.
type Collection struct {
	UserID    uuid.UUID
	State     CollectionState
	Version   int64 // monotonic, bumped once per applied sync batch
	UpdatedAt time.Time
}

// Device is a registered client device with its current signing public key.
type Device struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	CreatedAt time.Time
}

// DeviceKey is one version of a device's Ed25519 verification key.
// Rotated-away versions keep verifying until RetiredAt + grace window.
type DeviceKey struct {
	DeviceID   uuid.UUID
	KeyVersion int64
	PublicKey  []byte
	CreatedAt  time.Time
	RetiredAt  *time.Time // nil while current
}

// User represents an account stored on the server. Passwords are never stored in plaintext.
type User struct {
	ID        uuid.UUID // PK
	Username  string    // unique
	PwdHash   []byte    // Argon2id(password, SaltAuth)
	SaltAuth  []byte    // per-user auth salt
	CreatedAt time.Time
}

// FieldDiff names one divergent field between client and server state.
// Field is "eco_credits", "xp_points", "cards.<card-id>" or "decks.<deck-id>".
type FieldDiff struct {
	Field  string `json:"field"`
	Local  string `json:"local"`
	Server string `json:"server"`
}

// ResolutionChoice selects whose state wins after a version conflict.
type ResolutionChoice string

const (
	UseServer ResolutionChoice = "use_server"
	UseLocal  ResolutionChoice = "use_local"
)
