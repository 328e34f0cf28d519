// Package cache holds the read-optimized in-memory projection of the
// durable ledger. Readers never observe a partially applied refresh, and
// any history served here is a true prefix of what the store returned;
// entries are never reordered or coalesced.
package cache

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jwoo-kim/estate-ledger/internal/core/domain"
	"github.com/jwoo-kim/estate-ledger/internal/core/normalize"
	"github.com/jwoo-kim/estate-ledger/internal/port"
)

// Entry is a cached record plus its freshness marker. Stale entries are
// still served; callers decide whether stale is acceptable.
type Entry struct {
	Record domain.PropertyRecord
	Stale  bool
}

type LedgerCache struct {
	store port.LedgerStore

	mu          sync.RWMutex
	records     map[string]domain.PropertyRecord
	invalidated map[string]struct{}
	stale       bool
	lastRefresh time.Time
}

func New(store port.LedgerStore) *LedgerCache {
	return &LedgerCache{
		store:       store,
		records:     make(map[string]domain.PropertyRecord),
		invalidated: make(map[string]struct{}),
	}
}

// Refresh fetches the filter's key space from the store and atomically
// replaces the matching cached entries. On fetch failure the last good
// snapshot keeps serving, marked stale, and ErrSourceUnavailable is
// returned. Individual records the normalizer cannot interpret are logged
// and skipped without failing the batch.
func (c *LedgerCache) Refresh(ctx context.Context, filter domain.Filter) ([]domain.PropertyRecord, error) {
	payload, err := c.store.List(ctx, filter)
	if err != nil {
		c.mu.Lock()
		c.stale = true
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}

	// Decode and normalize off-lock; only the swap holds the write lock.
	fetched, normErrs := normalize.Records(payload)
	for _, ne := range normErrs {
		log.Printf("cache: skipping malformed record: %v", ne)
	}

	c.mu.Lock()
	old := c.records
	c.records = make(map[string]domain.PropertyRecord, len(fetched))
	for id, rec := range old {
		if !filter.Match(rec) {
			c.records[id] = rec
		}
	}
	for i := range fetched {
		rec := fetched[i]
		if prev, ok := old[rec.ID]; ok && !extendsHistory(prev, rec) {
			// A response whose histories shrink or rewrite cached entries
			// is stale or fabricated; the cached copy stays authoritative.
			log.Printf("cache: rejecting history regression for %s", rec.ID)
			c.records[rec.ID] = prev
			fetched[i] = prev
			continue
		}
		c.records[rec.ID] = rec
		delete(c.invalidated, rec.ID)
	}
	c.stale = false
	c.lastRefresh = time.Now()
	c.mu.Unlock()

	out := make([]domain.PropertyRecord, len(fetched))
	copy(out, fetched)
	return out, nil
}

// extendsHistory reports whether next's histories are supersequences of
// prev's: the cached elements appear unchanged, in order, at the front.
func extendsHistory(prev, next domain.PropertyRecord) bool {
	if len(next.OwnerHistory) < len(prev.OwnerHistory) ||
		len(next.PriceHistory) < len(prev.PriceHistory) {
		return false
	}
	for i, e := range prev.OwnerHistory {
		if next.OwnerHistory[i] != e {
			return false
		}
	}
	for i, e := range prev.PriceHistory {
		if next.PriceHistory[i] != e {
			return false
		}
	}
	return true
}

// Get serves from cache without hitting the store; callers own freshness
// policy. The entry is reported stale when the whole snapshot is stale or
// the id was invalidated after a local mutation.
func (c *LedgerCache) Get(id string) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[id]
	if !ok {
		return Entry{}, domain.ErrNotFound
	}
	_, invalid := c.invalidated[id]
	return Entry{Record: rec, Stale: c.stale || invalid}, nil
}

// List serves the cached records matching filter, no store round trip.
func (c *LedgerCache) List(filter domain.Filter) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(c.records))
	for id, rec := range c.records {
		if !filter.Match(rec) {
			continue
		}
		_, invalid := c.invalidated[id]
		out = append(out, Entry{Record: rec, Stale: c.stale || invalid})
	}
	return out
}

// Invalidate marks a single id as needing mandatory refresh, used after
// local mutations so a stale copy is never served as authoritative.
func (c *LedgerCache) Invalidate(id string) {
	c.mu.Lock()
	c.invalidated[id] = struct{}{}
	c.mu.Unlock()
}

// Stale reports whether the snapshot as a whole is serving degraded data.
func (c *LedgerCache) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stale
}

// LastRefresh returns the wall-clock instant of the last successful refresh.
func (c *LedgerCache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}
