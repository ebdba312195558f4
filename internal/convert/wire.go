// Package convert maps domain entities to their wire representations and back.
package convert

import (
	"encoding/json"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/cardvault/internal/api"
	"github.com/and161185/cardvault/internal/model"
)

// ToWireState converts a domain collection state to its wire DTO.
func ToWireState(st model.CollectionState) api.CollectionStateDTO {
	out := api.CollectionStateDTO{
		Cards:      make(map[string]int64, len(st.Cards)),
		EcoCredits: st.EcoCredits,
		XPPoints:   st.XPPoints,
		Decks:      make(map[string]api.DeckDTO, len(st.Decks)),
	}
	for k, v := range st.Cards {
		out.Cards[k] = v
	}
	for k, d := range st.Decks {
		out.Decks[k] = api.DeckDTO{ID: d.ID, Name: d.Name, Cards: append([]string(nil), d.Cards...)}
	}
	return out
}

// FromWireState converts a wire DTO back to domain state.
func FromWireState(in api.CollectionStateDTO) model.CollectionState {
	out := model.NewCollectionState()
	out.EcoCredits = in.EcoCredits
	out.XPPoints = in.XPPoints
	for k, v := range in.Cards {
		out.Cards[k] = v
	}
	for k, d := range in.Decks {
		out.Decks[k] = model.Deck{ID: d.ID, Name: d.Name, Cards: append([]string(nil), d.Cards...)}
	}
	return out
}

// ToWireAction converts a queued action, serializing its single payload.
func ToWireAction(a model.QueuedAction) (api.ActionDTO, error) {
	var payload any
	switch a.Type {
	case model.ActionPackOpened:
		payload = a.PackOpened
	case model.ActionCardAdded:
		payload = a.CardAdded
	case model.ActionDeckSaved:
		payload = a.DeckSaved
	case model.ActionDeckDeleted:
		payload = a.DeckDeleted
	case model.ActionCreditsAdded:
		payload = a.CreditsAdded
	case model.ActionXPGained:
		payload = a.XPGained
	default:
		return api.ActionDTO{}, fmt.Errorf("unknown action type %q", a.Type)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return api.ActionDTO{}, err
	}
	dto := api.ActionDTO{
		ID:        a.ID.String(),
		Type:      string(a.Type),
		CreatedAt: a.CreatedAt,
		Payload:   raw,
	}
	if a.DependsOn != nil {
		dto.DependsOn = a.DependsOn.String()
	}
	return dto, nil
}

// FromWireAction parses a wire action into the domain form, rejecting
// unknown types and malformed ids so the reconciler never sees them.
func FromWireAction(in api.ActionDTO) (model.QueuedAction, error) {
	id, err := uuid.FromString(in.ID)
	if err != nil {
		return model.QueuedAction{}, fmt.Errorf("action id: %w", err)
	}
	a := model.QueuedAction{
		ID:        id,
		Type:      model.ActionType(in.Type),
		CreatedAt: in.CreatedAt,
	}
	if in.DependsOn != "" {
		dep, err := uuid.FromString(in.DependsOn)
		if err != nil {
			return model.QueuedAction{}, fmt.Errorf("action depends_on: %w", err)
		}
		a.DependsOn = &dep
	}
	var dst any
	switch a.Type {
	case model.ActionPackOpened:
		a.PackOpened = &model.PackOpenedPayload{}
		dst = a.PackOpened
	case model.ActionCardAdded:
		a.CardAdded = &model.CardAddedPayload{}
		dst = a.CardAdded
	case model.ActionDeckSaved:
		a.DeckSaved = &model.DeckSavedPayload{}
		dst = a.DeckSaved
	case model.ActionDeckDeleted:
		a.DeckDeleted = &model.DeckDeletedPayload{}
		dst = a.DeckDeleted
	case model.ActionCreditsAdded:
		a.CreditsAdded = &model.CreditsAddedPayload{}
		dst = a.CreditsAdded
	case model.ActionXPGained:
		a.XPGained = &model.XPGainedPayload{}
		dst = a.XPGained
	default:
		return model.QueuedAction{}, fmt.Errorf("unknown action type %q", in.Type)
	}
	if err := json.Unmarshal(in.Payload, dst); err != nil {
		return model.QueuedAction{}, fmt.Errorf("action payload: %w", err)
	}
	return a, nil
}

// ToWireActions converts a slice of queued actions.
func ToWireActions(as []model.QueuedAction) ([]api.ActionDTO, error) {
	out := make([]api.ActionDTO, 0, len(as))
	for _, a := range as {
		dto, err := ToWireAction(a)
		if err != nil {
			return nil, err
		}
		out = append(out, dto)
	}
	return out, nil
}

// FromWireActions parses a slice of wire actions.
func FromWireActions(in []api.ActionDTO) ([]model.QueuedAction, error) {
	out := make([]model.QueuedAction, 0, len(in))
	for i, dto := range in {
		a, err := FromWireAction(dto)
		if err != nil {
			return nil, fmt.Errorf("action[%d]: %w", i, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// ToWireDiffs converts field diffs for a conflict payload.
func ToWireDiffs(ds []model.FieldDiff) []api.FieldDiffDTO {
	out := make([]api.FieldDiffDTO, 0, len(ds))
	for _, d := range ds {
		out = append(out, api.FieldDiffDTO{Field: d.Field, Local: d.Local, Server: d.Server})
	}
	return out
}

// FromWireDiffs parses field diffs from a conflict payload.
func FromWireDiffs(ds []api.FieldDiffDTO) []model.FieldDiff {
	out := make([]model.FieldDiff, 0, len(ds))
	for _, d := range ds {
		out = append(out, model.FieldDiff{Field: d.Field, Local: d.Local, Server: d.Server})
	}
	return out
}
