package port

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jwoo-kim/estate-ledger/internal/core/domain"
)

// LedgerStore is the narrow contract over the durable append-only store.
// List and Get return raw wire payloads rather than decoded records because
// different backend versions disagree on shape (bare array vs envelope);
// the cache owns normalization.
//
// The store is the sole arbiter of lease races: TryAcquireLease must be
// atomic on the store side, and implementations return domain.ErrAlreadyHeld
// when a non-expired lease is already recorded.
type LedgerStore interface {
	// List fetches every record payload inside the filter's key space.
	List(ctx context.Context, filter domain.Filter) (json.RawMessage, error)

	// Get fetches a single record payload, domain.ErrNotFound when absent.
	Get(ctx context.Context, id string) (json.RawMessage, error)

	// AppendEvent appends one ledger event. The first event for an id
	// creates the record. Returns the committed record payload.
	AppendEvent(ctx context.Context, id string, ev domain.Event) (json.RawMessage, error)

	// TryAcquireLease atomically grants an exclusive lease when no
	// non-expired lease exists, enforcing the TTL independently of any
	// client-side projection.
	TryAcquireLease(ctx context.Context, id, holder string, ttl time.Duration) (domain.Lease, error)

	// ReleaseLease clears the lease iff holder matches the recorded one;
	// domain.ErrNotHolder otherwise.
	ReleaseLease(ctx context.Context, id, holder string) error
}
