// Package resolve implements the conflict resolution state machine invoked
// when a sync reports divergence between local and server state.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/cardvault/internal/model"
	"github.com/and161185/cardvault/internal/store"
	"github.com/and161185/cardvault/internal/syncclient"
)

// State is the resolver's lifecycle phase. The UI collaborator renders
// Presenting and supplies a choice; everything else is internal progress.
type State string

const (
	StateIdle       State = "idle"
	StateDetected   State = "detected"
	StatePresenting State = "presenting"
	StateResolving  State = "resolving"
	StateApplying   State = "applying"
	StateResolved   State = "resolved"
)

// ErrNoConflict is returned when Resolve runs without a pending conflict.
var ErrNoConflict = errors.New("no conflict pending")

// ErrRetriesExhausted is returned when the confirming re-sync keeps
// conflicting past the attempt bound.
var ErrRetriesExhausted = errors.New("conflict resolution retries exhausted")

// Flusher is the re-sync hook; satisfied by *syncclient.Client.
type Flusher interface {
	Flush(ctx context.Context) (*syncclient.Conflict, error)
}

// Resolver applies a player's (or policy's) choice to a detected conflict
// and confirms it with an immediate re-sync, bounded when the re-sync
// conflicts again.
type Resolver struct {
	store       *store.Store
	flusher     Flusher
	log         *zap.Logger
	maxAttempts int

	mu       sync.Mutex
	state    State
	conflict *syncclient.Conflict
}

// New constructs a resolver. maxAttempts bounds the detect/resolve loop.
func New(st *store.Store, flusher Flusher, log *zap.Logger, maxAttempts int) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Resolver{store: st, flusher: flusher, log: log, maxAttempts: maxAttempts, state: StateIdle}
}

// State reports the current phase for the UI.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Begin records a detected conflict and exposes it for presentation.
func (r *Resolver) Begin(c *syncclient.Conflict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflict = c
	r.log.Info("conflict detected",
		zap.Int64("server_version", c.ServerVersion),
		zap.Int("divergent_fields", len(c.Divergent)),
	)
	r.state = StatePresenting
}

// Conflict returns the payload being presented, nil outside a conflict.
func (r *Resolver) Conflict() *syncclient.Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conflict
}

// Resolve applies choice and re-syncs until the server accepts or the
// attempt bound is hit. On success the resolver returns to Resolved with no
// pending conflict.
func (r *Resolver) Resolve(ctx context.Context, choice model.ResolutionChoice) error {
	r.mu.Lock()
	c := r.conflict
	if c == nil {
		r.mu.Unlock()
		return ErrNoConflict
	}
	r.state = StateResolving
	r.mu.Unlock()

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		r.setState(StateApplying)
		if err := r.apply(c, choice); err != nil {
			r.setState(StatePresenting)
			return err
		}

		// one immediate re-sync confirms the new baseline
		next, err := r.flusher.Flush(ctx)
		if err != nil {
			r.setState(StatePresenting)
			return fmt.Errorf("confirming re-sync: %w", err)
		}
		if next == nil {
			r.mu.Lock()
			r.conflict = nil
			r.state = StateResolved
			r.mu.Unlock()
			return nil
		}

		// diverged again while resolving (another device raced us)
		r.log.Info("conflict re-detected during resolution",
			zap.Int("attempt", attempt),
			zap.Int64("server_version", next.ServerVersion),
		)
		c = next
		r.mu.Lock()
		r.conflict = next
		r.state = StateDetected
		r.mu.Unlock()
	}
	return ErrRetriesExhausted
}

func (r *Resolver) apply(c *syncclient.Conflict, choice model.ResolutionChoice) error {
	switch choice {
	case model.UseServer:
		return r.store.AdoptServerState(c.ServerState, c.ServerVersion)
	case model.UseLocal:
		roots := r.invalidatedRoots(c)
		return r.store.ResolveUseLocal(c.ServerState, c.ServerVersion, roots)
	default:
		return fmt.Errorf("unknown resolution choice %q", choice)
	}
}

// invalidatedRoots finds queued actions that cannot survive a UseLocal
// resolution: replaying them on top of the server's state either fails
// outright (a pack open the server-side balance can no longer afford) or
// reads a field the server diff shows changed out from under it. Cascade
// discard then takes out their dependents.
func (r *Resolver) invalidatedRoots(c *syncclient.Conflict) []uuid.UUID {
	divergent := make(map[string]bool, len(c.Divergent))
	for _, d := range c.Divergent {
		divergent[d.Field] = true
	}

	next := c.ServerState.Clone()
	doomed := map[uuid.UUID]bool{}
	var roots []uuid.UUID

	for _, a := range r.store.Pending() {
		if a.DependsOn != nil && doomed[*a.DependsOn] {
			// cascade handles it; do not replay
			doomed[a.ID] = true
			continue
		}
		if divergenceInvalidates(a, next, divergent) {
			doomed[a.ID] = true
			roots = append(roots, a.ID)
			continue
		}
		if err := a.Apply(&next); err != nil {
			doomed[a.ID] = true
			roots = append(roots, a.ID)
		}
	}
	return roots
}

// divergenceInvalidates matches the action's touched fields against the
// server diff. An action that only writes divergent fields still replays
// (a credit grant on a changed balance is fine); one that reads a card the
// diff marks divergent and the rebased state no longer owns cannot. Deck
// saves are the only action type that reads card fields.
func divergenceInvalidates(a model.QueuedAction, st model.CollectionState, divergent map[string]bool) bool {
	if a.Type != model.ActionDeckSaved {
		return false
	}
	for _, f := range a.Touches() {
		card, ok := strings.CutPrefix(f, "cards.")
		if ok && divergent[f] && st.Cards[card] <= 0 {
			return true
		}
	}
	return false
}

func (r *Resolver) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}
