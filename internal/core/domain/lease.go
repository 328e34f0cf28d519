package domain

import "time"

// DefaultLeaseTTL matches the reservation window the original listing flow
// grants: 12 hours from acquisition.
const DefaultLeaseTTL = 12 * time.Hour

// Lease is an exclusive, time-bounded reservation on a property id.
// It is derived state: the durable store records it on the property itself.
type Lease struct {
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Remaining returns whole seconds until expiry, never negative.
func (l Lease) Remaining(now time.Time) int64 {
	d := l.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}

// Expired reports whether the lease has lapsed at the given instant.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
