// Package ledger holds the authoritative in-memory record of every in-flight
// and settled arbitrage order. It is owned exclusively by the settlement
// engine; all mutations go through atomic check-and-flip transitions against
// an allow-list of legal state changes.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/alephtrade/crossarb/internal/domain"
)

// allowed is the legal transition graph. Anything not listed is rejected
// with domain.ErrInvalidState.
var allowed = map[domain.OrderState]map[domain.OrderState]bool{
	domain.OrderStateActive: {
		domain.OrderStateExecuted:  true,
		domain.OrderStateCancelled: true,
		domain.OrderStateFailed:    true,
	},
	domain.OrderStateExecuted: {
		domain.OrderStateSettled:  true,
		domain.OrderStateRefunded: true,
		domain.OrderStateFailed:   true,
	},
}

// Ledger is a keyed, mutex-guarded order table. Terminal records remain
// queryable but are never mutated again.
type Ledger struct {
	mu     sync.RWMutex
	orders map[string]*domain.ArbitrageOrder
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{orders: make(map[string]*domain.ArbitrageOrder)}
}

// Insert adds a new order record. It fails with domain.ErrAlreadyExists
// rather than overwrite; order keys are assigned once and immutable.
func (l *Ledger) Insert(o *domain.ArbitrageOrder) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.orders[o.Key]; ok {
		return fmt.Errorf("ledger: insert %s: %w", o.Key, domain.ErrAlreadyExists)
	}
	l.orders[o.Key] = o.Clone()
	return nil
}

// Get returns a snapshot of the order. The returned copy is safe to hand to
// callers; mutating it does not affect the ledger.
func (l *Ledger) Get(key string) (*domain.ArbitrageOrder, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	o, ok := l.orders[key]
	if !ok {
		return nil, fmt.Errorf("ledger: get %s: %w", key, domain.ErrNotFound)
	}
	return o.Clone(), nil
}

// Transition atomically moves an order from one state to another, applying
// mutate to the record while the ledger lock is held. It is the only way
// order state changes: the check and the flip happen under one lock, so
// exactly one of two racing entry points can move an order out of Active.
//
// Returns domain.ErrInvalidState when the order is not in from, or when
// from -> to is not a legal edge.
func (l *Ledger) Transition(key string, from, to domain.OrderState, mutate func(o *domain.ArbitrageOrder)) (*domain.ArbitrageOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[key]
	if !ok {
		return nil, fmt.Errorf("ledger: transition %s: %w", key, domain.ErrNotFound)
	}
	if o.State != from {
		return nil, fmt.Errorf("ledger: order %s is %s, want %s: %w", key, o.State, from, domain.ErrInvalidState)
	}
	if !allowed[from][to] {
		return nil, fmt.Errorf("ledger: %s -> %s not permitted: %w", from, to, domain.ErrInvalidState)
	}

	o.State = to
	o.UpdatedAt = time.Now().UTC()
	if to.Terminal() {
		t := o.UpdatedAt
		o.SettledAt = &t
	}
	if mutate != nil {
		mutate(o)
	}
	return o.Clone(), nil
}

// MarkPendingCancel flags an Active order as cancel-requested without moving
// funds or changing state. The authoritative transition happens when the
// venue's cancellation callback arrives.
func (l *Ledger) MarkPendingCancel(key string) (*domain.ArbitrageOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[key]
	if !ok {
		return nil, fmt.Errorf("ledger: mark cancel %s: %w", key, domain.ErrNotFound)
	}
	if o.State != domain.OrderStateActive {
		return nil, fmt.Errorf("ledger: order %s is %s: %w", key, o.State, domain.ErrInvalidState)
	}
	o.PendingCancel = true
	o.UpdatedAt = time.Now().UTC()
	return o.Clone(), nil
}

// SetVenueHandle records the asynchronous venue's pending handle after
// submission.
func (l *Ledger) SetVenueHandle(key, handle string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[key]
	if !ok {
		return fmt.Errorf("ledger: set handle %s: %w", key, domain.ErrNotFound)
	}
	o.VenueHandle = handle
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// ListOpen returns snapshots of all non-terminal orders.
func (l *Ledger) ListOpen() []*domain.ArbitrageOrder {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*domain.ArbitrageOrder
	for _, o := range l.orders {
		if !o.State.Terminal() {
			out = append(out, o.Clone())
		}
	}
	return out
}

// ListStuck returns open orders that have seen no update since the cutoff.
// There is no automatic expiry sweep; this exists so operators can find
// orders whose venue never called back.
func (l *Ledger) ListStuck(olderThan time.Time) []*domain.ArbitrageOrder {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*domain.ArbitrageOrder
	for _, o := range l.orders {
		if !o.State.Terminal() && o.UpdatedAt.Before(olderThan) {
			out = append(out, o.Clone())
		}
	}
	return out
}
