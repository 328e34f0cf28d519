package service

import (
	"context"
	"errors"

	"github.com/jwoo-kim/estate-ledger/internal/core/cache"
	"github.com/jwoo-kim/estate-ledger/internal/core/domain"
	"github.com/jwoo-kim/estate-ledger/internal/core/lease"
)

// ListingsService is the surface exposed to the presentation layer. It
// composes the ledger cache, the lease coordinator, and the registration
// pipeline; it adds no arbitration of its own.
type ListingsService struct {
	cache        *cache.LedgerCache
	coordinator  *lease.Coordinator
	registration *RegistrationService
}

func NewListingsService(c *cache.LedgerCache, coord *lease.Coordinator, reg *RegistrationService) *ListingsService {
	return &ListingsService{
		cache:        c,
		coordinator:  coord,
		registration: reg,
	}
}

// ListRecords refreshes the filter's key space and returns it. When the
// store is unreachable the last good snapshot is served instead, marked
// stale, alongside ErrSourceUnavailable so callers can tell.
func (s *ListingsService) ListRecords(ctx context.Context, filter domain.Filter) ([]cache.Entry, error) {
	fetched, err := s.cache.Refresh(ctx, filter)
	if err != nil {
		if errors.Is(err, domain.ErrSourceUnavailable) {
			return s.cache.List(filter), err
		}
		return nil, err
	}

	for _, rec := range fetched {
		s.coordinator.Observe(rec)
	}
	return s.cache.List(filter), nil
}

// GetRecord serves from cache only; callers needing freshness call
// ListRecords first.
func (s *ListingsService) GetRecord(id string) (cache.Entry, error) {
	return s.cache.Get(id)
}

// AcquireReservation wins or loses the exclusive lease on id for holder.
func (s *ListingsService) AcquireReservation(ctx context.Context, id, holder string) (domain.Lease, error) {
	granted, err := s.coordinator.Acquire(ctx, id, holder)
	if err != nil {
		return domain.Lease{}, err
	}
	s.cache.Invalidate(id)
	return granted, nil
}

// ReleaseReservation releases the lease held by holder on id.
func (s *ListingsService) ReleaseReservation(ctx context.Context, id, holder string) error {
	if err := s.coordinator.Release(ctx, id, holder); err != nil {
		return err
	}
	s.cache.Invalidate(id)
	return nil
}

// SecondsRemaining returns the live countdown for id, 0 once lapsed.
func (s *ListingsService) SecondsRemaining(id string) int64 {
	return s.coordinator.SecondsRemaining(id)
}

// LeaseState reports the lazily evaluated lease state of id.
func (s *ListingsService) LeaseState(id string) lease.State {
	return s.coordinator.State(id)
}

// RegisterProperty runs the two-phase registration.
func (s *ListingsService) RegisterProperty(ctx context.Context, in RegisterInput) (domain.PropertyRecord, error) {
	return s.registration.Register(ctx, in)
}

// ResumeRegistration retries a registration's ledger append with an asset
// URL obtained from an earlier PartialFailure.
func (s *ListingsService) ResumeRegistration(ctx context.Context, in RegisterInput, assetURL string) (domain.PropertyRecord, error) {
	return s.registration.Resume(ctx, in, assetURL)
}
