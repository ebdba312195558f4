// Package queue implements the ordered log of local mutations awaiting
// server acknowledgment, with idempotency keys and cascade discard.
package queue

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/cardvault/internal/errs"
	"github.com/and161185/cardvault/internal/model"
)

// ActionQueue keeps append-time FIFO order. It is not internally locked;
// the owning store serializes access (single-writer model).
type ActionQueue struct {
	actions []model.QueuedAction
	log     *zap.Logger
}

// New returns an empty queue.
func New(log *zap.Logger) *ActionQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &ActionQueue{log: log}
}

// Restore replaces the queue contents from a persisted snapshot.
func (q *ActionQueue) Restore(actions []model.QueuedAction) {
	q.actions = append([]model.QueuedAction(nil), actions...)
}

// Enqueue appends an action, assigning its idempotency key. dependsOn, when
// non-nil, must reference a currently queued action: dependency declaration
// is explicit at creation time, never inferred later.
func (q *ActionQueue) Enqueue(a model.QueuedAction, dependsOn *uuid.UUID) (uuid.UUID, error) {
	if dependsOn != nil && !q.contains(*dependsOn) {
		return uuid.Nil, fmt.Errorf("depends_on %s: %w", dependsOn, errs.ErrUnknownDependency)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}
	a.ID = id
	a.DependsOn = dependsOn
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if err := a.Validate(); err != nil {
		return uuid.Nil, err
	}
	q.actions = append(q.actions, a)
	return id, nil
}

// Pending returns the queued actions in stable FIFO order. The slice is a
// copy; mutating it does not affect the queue.
func (q *ActionQueue) Pending() []model.QueuedAction {
	return append([]model.QueuedAction(nil), q.actions...)
}

// Len reports the number of queued actions.
func (q *ActionQueue) Len() int { return len(q.actions) }

// Ack removes an action once the server confirms it applied. Unknown ids
// are ignored: a crash between server apply and local ack makes re-acks normal.
func (q *ActionQueue) Ack(id uuid.UUID) {
	for i := range q.actions {
		if q.actions[i].ID == id {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			return
		}
	}
}

// DiscardCascade removes the action and, transitively, every action whose
// depends_on chain includes it, so no dangling reference survives. Returns
// the discarded ids in queue order.
func (q *ActionQueue) DiscardCascade(id uuid.UUID) []uuid.UUID {
	doomed := map[uuid.UUID]bool{id: true}
	// One forward pass suffices: depends_on always points backwards.
	for _, a := range q.actions {
		if a.DependsOn != nil && doomed[*a.DependsOn] {
			doomed[a.ID] = true
		}
	}
	var discarded []uuid.UUID
	kept := q.actions[:0]
	for _, a := range q.actions {
		if doomed[a.ID] {
			discarded = append(discarded, a.ID)
			q.log.Info("action discarded by cascade",
				zap.String("action_id", a.ID.String()),
				zap.String("type", string(a.Type)),
			)
			continue
		}
		kept = append(kept, a)
	}
	q.actions = kept
	return discarded
}

// DiscardAll empties the queue (UseServer resolution). Returns discarded ids.
func (q *ActionQueue) DiscardAll() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(q.actions))
	for _, a := range q.actions {
		out = append(out, a.ID)
	}
	q.actions = nil
	return out
}

func (q *ActionQueue) contains(id uuid.UUID) bool {
	for i := range q.actions {
		if q.actions[i].ID == id {
			return true
		}
	}
	return false
}
