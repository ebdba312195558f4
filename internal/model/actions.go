package model

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/cardvault/internal/errs"
)

// ActionType is the closed set of queued mutation kinds.
type ActionType string

const (
	ActionPackOpened   ActionType = "pack_opened"
	ActionCardAdded    ActionType = "card_added"
	ActionDeckSaved    ActionType = "deck_saved"
	ActionDeckDeleted  ActionType = "deck_deleted"
	ActionCreditsAdded ActionType = "credits_added"
	ActionXPGained     ActionType = "xp_gained"
)

// PackOpenedPayload grants the cards rolled for a pack and deducts its cost.
// The roll happens on the device at open time; the payload carries the result.
type PackOpenedPayload struct {
	PackID       string           `json:"pack_id"`
	CardsGranted map[string]int64 `json:"cards_granted"`
	CreditsSpent int64            `json:"credits_spent"`
}

// CardAddedPayload grants a quantity of a single card (reward, trade-in).
type CardAddedPayload struct {
	CardID string `json:"card_id"`
	Qty    int64  `json:"qty"`
}

// DeckSavedPayload creates or replaces a deck.
type DeckSavedPayload struct {
	DeckID string   `json:"deck_id"`
	Name   string   `json:"name"`
	Cards  []string `json:"cards"`
}

// DeckDeletedPayload removes a deck.
type DeckDeletedPayload struct {
	DeckID string `json:"deck_id"`
}

// CreditsAddedPayload grants eco-credits (negative amounts are not a variant;
// spending happens through pack_opened).
type CreditsAddedPayload struct {
	Amount int64 `json:"amount"`
}

// XPGainedPayload grants experience points.
type XPGainedPayload struct {
	Amount int64 `json:"amount"`
}

// QueuedAction is one not-yet-acknowledged local mutation. ID doubles as the
// idempotency key. Exactly one payload pointer is non-nil, matching Type.
type QueuedAction struct {
	ID        uuid.UUID  `json:"id"`
	Type      ActionType `json:"type"`
	CreatedAt time.Time  `json:"created_at"`
	DependsOn *uuid.UUID `json:"depends_on,omitempty"`

	PackOpened   *PackOpenedPayload   `json:"pack_opened,omitempty"`
	CardAdded    *CardAddedPayload    `json:"card_added,omitempty"`
	DeckSaved    *DeckSavedPayload    `json:"deck_saved,omitempty"`
	DeckDeleted  *DeckDeletedPayload  `json:"deck_deleted,omitempty"`
	CreditsAdded *CreditsAddedPayload `json:"credits_added,omitempty"`
	XPGained     *XPGainedPayload     `json:"xp_gained,omitempty"`
}

// Validate checks that the payload pointer matches the declared type.
func (a QueuedAction) Validate() error {
	ok := false
	switch a.Type {
	case ActionPackOpened:
		ok = a.PackOpened != nil
	case ActionCardAdded:
		ok = a.CardAdded != nil && a.CardAdded.Qty > 0
	case ActionDeckSaved:
		ok = a.DeckSaved != nil && a.DeckSaved.DeckID != ""
	case ActionDeckDeleted:
		ok = a.DeckDeleted != nil && a.DeckDeleted.DeckID != ""
	case ActionCreditsAdded:
		ok = a.CreditsAdded != nil && a.CreditsAdded.Amount > 0
	case ActionXPGained:
		ok = a.XPGained != nil && a.XPGained.Amount > 0
	}
	if !ok {
		return fmt.Errorf("action %s (%s): %w", a.ID, a.Type, errs.ErrInvalidAction)
	}
	return nil
}

// Apply mutates st with the action's effect. It is the single definition of
// action semantics, used by the client store (optimistic apply) and by the
// server reconciler (authoritative apply). Effects that would drive a
// currency negative fail with ErrInvalidAction and leave st untouched.
func (a QueuedAction) Apply(st *CollectionState) error {
	if err := a.Validate(); err != nil {
		return err
	}
	switch a.Type {
	case ActionPackOpened:
		p := a.PackOpened
		if st.EcoCredits < p.CreditsSpent {
			return fmt.Errorf("pack %s costs %d, have %d: %w", p.PackID, p.CreditsSpent, st.EcoCredits, errs.ErrInvalidAction)
		}
		st.EcoCredits -= p.CreditsSpent
		for id, qty := range p.CardsGranted {
			st.Cards[id] += qty
		}
	case ActionCardAdded:
		st.Cards[a.CardAdded.CardID] += a.CardAdded.Qty
	case ActionDeckSaved:
		p := a.DeckSaved
		st.Decks[p.DeckID] = Deck{ID: p.DeckID, Name: p.Name, Cards: append([]string(nil), p.Cards...)}
	case ActionDeckDeleted:
		delete(st.Decks, a.DeckDeleted.DeckID)
	case ActionCreditsAdded:
		st.EcoCredits += a.CreditsAdded.Amount
	case ActionXPGained:
		st.XPPoints += a.XPGained.Amount
	}
	return nil
}

// Touches reports the fields this action reads or writes, in the same
// dotted form FieldDiff uses. The conflict resolver matches these against
// the server diff to find actions invalidated by divergence.
func (a QueuedAction) Touches() []string {
	switch a.Type {
	case ActionPackOpened:
		out := []string{"eco_credits"}
		for id := range a.PackOpened.CardsGranted {
			out = append(out, "cards."+id)
		}
		return out
	case ActionCardAdded:
		return []string{"cards." + a.CardAdded.CardID}
	case ActionDeckSaved:
		out := []string{"decks." + a.DeckSaved.DeckID}
		for _, id := range a.DeckSaved.Cards {
			out = append(out, "cards."+id)
		}
		return out
	case ActionDeckDeleted:
		return []string{"decks." + a.DeckDeleted.DeckID}
	case ActionCreditsAdded:
		return []string{"eco_credits"}
	case ActionXPGained:
		return []string{"xp_points"}
	}
	return nil
}
