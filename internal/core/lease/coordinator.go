// Package lease tracks reservation leases as a per-property state machine
// projected on the client side. Arbitration of the actual race lives in the
// durable store: two coordinator instances in separate sessions share no
// memory, so a lease is only ever considered granted after the store's
// atomic acquire succeeds. Expiry is evaluated lazily against the injected
// clock on every read; there is no background sweeper to drift from the
// store's own TTL enforcement.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jwoo-kim/estate-ledger/internal/clock"
	"github.com/jwoo-kim/estate-ledger/internal/core/domain"
	"github.com/jwoo-kim/estate-ledger/internal/port"
)

// Status names the lazily computed lease state of a property.
type Status string

const (
	StatusFree Status = "free"
	StatusHeld Status = "held"
)

// State is the coordinator's answer for one property at one instant.
type State struct {
	Status    Status
	Holder    string
	ExpiresAt time.Time
}

type Coordinator struct {
	store port.LedgerStore
	clock clock.Clock
	ttl   time.Duration

	mu     sync.RWMutex
	leases map[string]domain.Lease
}

type Option func(*Coordinator)

// WithTTL overrides the default 12-hour lease window.
func WithTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.ttl = d
		}
	}
}

func NewCoordinator(store port.LedgerStore, clk clock.Clock, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		clock:  clk,
		ttl:    domain.DefaultLeaseTTL,
		leases: make(map[string]domain.Lease),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire attempts to win the exclusive lease on id for holder. The store
// is the sole arbiter: a locally projected "held" lease that has lapsed is
// ignored and the acquire is attempted anyway, because the store enforces
// the TTL independently. Returns domain.ErrAlreadyHeld on contention and
// domain.ErrLeaseUnavailable when the store cannot be reached; the caller
// owns any retry/backoff policy.
func (c *Coordinator) Acquire(ctx context.Context, id, holder string) (domain.Lease, error) {
	granted, err := c.store.TryAcquireLease(ctx, id, holder, c.ttl)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyHeld) || errors.Is(err, domain.ErrNotFound) {
			return domain.Lease{}, err
		}
		return domain.Lease{}, fmt.Errorf("%w: %v", domain.ErrLeaseUnavailable, err)
	}

	c.mu.Lock()
	c.leases[id] = granted
	c.mu.Unlock()
	return granted, nil
}

// Release clears the lease on id iff holder currently holds it.
// domain.ErrNotHolder means the store rejected the caller; the lease state
// is unchanged. domain.ErrReleaseUnconfirmed means the call itself failed:
// the lease may still be held durably and the caller must not assume
// success.
func (c *Coordinator) Release(ctx context.Context, id, holder string) error {
	if err := c.store.ReleaseLease(ctx, id, holder); err != nil {
		if errors.Is(err, domain.ErrNotHolder) || errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrReleaseUnconfirmed, err)
	}

	c.mu.Lock()
	delete(c.leases, id)
	c.mu.Unlock()
	return nil
}

// Observe syncs the local projection from a record fetched through the
// cache, keeping the countdown honest after refreshes made by other
// sessions.
func (c *Coordinator) Observe(rec domain.PropertyRecord) {
	c.mu.Lock()
	if rec.Reservation != nil {
		c.leases[rec.ID] = *rec.Reservation
	} else {
		delete(c.leases, rec.ID)
	}
	c.mu.Unlock()
}

// State reports the lease state of id at the current clock reading. A lease
// whose expiry has passed collapses to free on observation, without waiting
// for an explicit release. No I/O.
func (c *Coordinator) State(id string) State {
	now := c.clock.Now()

	c.mu.RLock()
	l, ok := c.leases[id]
	c.mu.RUnlock()

	if !ok || l.Expired(now) {
		return State{Status: StatusFree}
	}
	return State{Status: StatusHeld, Holder: l.Holder, ExpiresAt: l.ExpiresAt}
}

// SecondsRemaining returns max(0, expiresAt-now) in whole seconds,
// recomputed per call so display layers can tick it every second without
// another store round trip.
func (c *Coordinator) SecondsRemaining(id string) int64 {
	now := c.clock.Now()

	c.mu.RLock()
	l, ok := c.leases[id]
	c.mu.RUnlock()

	if !ok {
		return 0
	}
	return l.Remaining(now)
}

// TTL returns the configured lease window.
func (c *Coordinator) TTL() time.Duration {
	return c.ttl
}
