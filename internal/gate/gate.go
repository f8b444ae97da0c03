// Package gate enforces the per-action confirmation policy and guarantees at
// most one adapter invocation per confirmed or ready action.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homeai-bot/internal/catalog"
	"homeai-bot/internal/domain"
)

// DefaultTTL bounds how long a confirmation question stays answerable.
const DefaultTTL = 5 * time.Minute

// ConfirmSlot is added to the slots of every confirmed action.
const ConfirmSlot = "confirm"

var (
	// ErrStalePendingAction means the confirmation no longer matches a live
	// pending action: it expired, was already consumed or never existed.
	ErrStalePendingAction = errors.New("gate: stale pending action")
	// ErrNotReady is returned when a ticket is executed outside Ready.
	ErrNotReady = errors.New("gate: ticket is not ready")
)

// State is the position of one action in the gate state machine.
type State string

const (
	StateClassified          State = "classified"
	StatePendingConfirmation State = "pending_confirmation"
	StateReady               State = "ready"
	StateExecuting           State = "executing"
	StateSucceeded           State = "succeeded"
	StateFailed              State = "failed"
	StateDiscarded           State = "discarded"
)

// PendingStore persists pending actions. TakePending must delete and return
// the record atomically so two concurrent confirmations cannot both win.
type PendingStore interface {
	SavePending(ctx context.Context, p domain.PendingAction) error
	TakePending(ctx context.Context, conversationID, signature string) (domain.PendingAction, bool, error)
	DiscardPending(ctx context.Context, conversationID, signature string) error
}

// Admission is the request to let an intent through the gate.
type Admission struct {
	TenantID       string
	ConversationID string
	Intent         domain.Intent
	Action         catalog.Action
}

// Ticket tracks one action through the gate.
type Ticket struct {
	State   State
	Slots   map[string]string
	Pending *domain.PendingAction
}

// Begin moves a Ready ticket to Executing. It fails for any other state, so a
// ticket can only be executed once.
func (t *Ticket) Begin() error {
	if t.State != StateReady {
		return fmt.Errorf("%w: %s", ErrNotReady, t.State)
	}
	t.State = StateExecuting
	return nil
}

// Finish records the adapter outcome.
func (t *Ticket) Finish(succeeded bool) {
	if t.State != StateExecuting {
		return
	}
	if succeeded {
		t.State = StateSucceeded
		return
	}
	t.State = StateFailed
}

// Gate decides whether an intent runs now or waits for confirmation.
type Gate struct {
	store PendingStore
	ttl   time.Duration
	now   func() time.Time
}

type Option func(*Gate)

func WithTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

func New(store PendingStore, opts ...Option) (*Gate, error) {
	if store == nil {
		return nil, errors.New("gate: pending store must not be nil")
	}
	g := &Gate{store: store, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// TTL returns the confirmation window.
func (g *Gate) TTL() time.Duration {
	return g.ttl
}

// NeedsConfirmation reports whether the action must be confirmed first.
func NeedsConfirmation(act catalog.Action, in domain.Intent) bool {
	return act.Policy.RequiresConfirmation() || in.RequiresConfirmation
}

// Admit runs the Classified transitions. A confirmation intent consumes the
// matching pending action; a gated intent is parked; anything else is Ready.
func (g *Gate) Admit(ctx context.Context, a Admission) (*Ticket, error) {
	in := a.Intent
	if in.Confirmation != nil {
		return g.confirm(ctx, a)
	}

	if !NeedsConfirmation(a.Action, in) {
		return &Ticket{State: StateReady, Slots: domain.CopySlots(in.Slots)}, nil
	}

	now := g.now()
	p := domain.PendingAction{
		TenantID:       a.TenantID,
		ConversationID: a.ConversationID,
		Domain:         in.Domain,
		Action:         in.Action,
		Slots:          domain.CopySlots(in.Slots),
		Signature:      in.Signature(),
		CreatedAt:      now,
		ExpiresAt:      now.Add(g.ttl),
	}
	if err := g.store.SavePending(ctx, p); err != nil {
		return nil, fmt.Errorf("gate: save pending: %w", err)
	}
	return &Ticket{State: StatePendingConfirmation, Slots: domain.CopySlots(p.Slots), Pending: &p}, nil
}

func (g *Gate) confirm(ctx context.Context, a Admission) (*Ticket, error) {
	conf := a.Intent.Confirmation
	if !conf.Approve {
		if err := g.store.DiscardPending(ctx, a.ConversationID, conf.Signature); err != nil {
			return nil, fmt.Errorf("gate: discard pending: %w", err)
		}
		return &Ticket{State: StateDiscarded}, nil
	}

	p, ok, err := g.store.TakePending(ctx, a.ConversationID, conf.Signature)
	if err != nil {
		return nil, fmt.Errorf("gate: take pending: %w", err)
	}
	if !ok || p.Expired(g.now()) {
		return nil, ErrStalePendingAction
	}
	if p.Domain != a.Intent.Domain || p.Action != a.Intent.Action || p.Signature != conf.Signature {
		return nil, ErrStalePendingAction
	}

	slots := domain.CopySlots(p.Slots)
	slots[ConfirmSlot] = "true"
	return &Ticket{State: StateReady, Slots: slots, Pending: &p}, nil
}
