package domain

import "time"

// PropertyRecord is the canonical in-memory shape of a listing after
// normalization. Histories are append-only: entries are never removed,
// reordered, or rewritten once observed.
type PropertyRecord struct {
	ID           string
	Address      string
	CreatedBy    string
	OwnerHistory []OwnerEntry
	PriceHistory []PriceEntry
	PhotoURL     string
	Reservation  *Lease
}

type OwnerEntry struct {
	Owner string
	At    time.Time
}

type PriceEntry struct {
	Price int64
	At    time.Time
}

// CurrentOwner returns the last owner entry. ok is false when the history
// is missing, in which case the current owner is unknown, not guessed.
func (p PropertyRecord) CurrentOwner() (string, bool) {
	if len(p.OwnerHistory) == 0 {
		return "", false
	}
	return p.OwnerHistory[len(p.OwnerHistory)-1].Owner, true
}

// CurrentPrice returns the last price entry, ok false when unknown.
func (p PropertyRecord) CurrentPrice() (int64, bool) {
	if len(p.PriceHistory) == 0 {
		return 0, false
	}
	return p.PriceHistory[len(p.PriceHistory)-1].Price, true
}

// Reserved reports whether the record carries a lease that has not lapsed
// at the given instant.
func (p PropertyRecord) Reserved(now time.Time) bool {
	return p.Reservation != nil && now.Before(p.Reservation.ExpiresAt)
}

// Event is a single ledger append. The first event for an id creates the
// record and establishes both histories with one entry each; the creation
// fields are ignored on subsequent appends.
type Event struct {
	Owner string
	Price int64
	At    time.Time

	// Creation-only fields.
	Address   string
	CreatedBy string
	PhotoURL  string
}

// Filter narrows list queries. The zero value matches everything.
type Filter struct {
	CreatedBy string
}

// Match reports whether the record falls inside the filter's key space.
func (f Filter) Match(p PropertyRecord) bool {
	return f.CreatedBy == "" || f.CreatedBy == p.CreatedBy
}
