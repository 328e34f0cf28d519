package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwoo-kim/estate-ledger/internal/clock"
	"github.com/jwoo-kim/estate-ledger/internal/core/cache"
	"github.com/jwoo-kim/estate-ledger/internal/core/domain"
	"github.com/jwoo-kim/estate-ledger/internal/core/normalize"
	"github.com/jwoo-kim/estate-ledger/internal/port"
)

// RegistrationService runs the two-phase "upload asset, then commit ledger
// entry" write. The two remote calls are not atomic; the service makes the
// failure modes explicit instead of papering over them:
//
//   - upload fails  → ErrAssetUploadFailed, no ledger entry exists
//   - append fails after a successful upload → *PartialFailure carrying the
//     orphaned asset URL; compensation (delete, or Resume with the same
//     URL) is the caller's explicit choice
//
// There are no silent retries across the phase boundary: re-uploading on a
// failed append would mint a second orphan.
type RegistrationService struct {
	assets port.AssetStore
	ledger port.LedgerStore
	cache  *cache.LedgerCache
	clock  clock.Clock
}

func NewRegistrationService(assets port.AssetStore, ledger port.LedgerStore, c *cache.LedgerCache, clk clock.Clock) *RegistrationService {
	return &RegistrationService{
		assets: assets,
		ledger: ledger,
		cache:  c,
		clock:  clk,
	}
}

type RegisterInput struct {
	Address   string
	Owner     string
	Price     int64
	CreatedBy string

	// Optional photo; uploaded before the ledger append when present.
	PhotoName string
	Photo     []byte
}

func (in RegisterInput) validate() error {
	if in.Address == "" {
		return fmt.Errorf("address required")
	}
	if in.Owner == "" {
		return fmt.Errorf("owner required")
	}
	if in.Price <= 0 {
		return fmt.Errorf("price must be positive")
	}
	return nil
}

// Register creates a new PropertyRecord with one-element histories. A fresh
// id is minted per call; the id is opaque and immutable thereafter.
func (s *RegistrationService) Register(ctx context.Context, in RegisterInput) (domain.PropertyRecord, error) {
	if err := in.validate(); err != nil {
		return domain.PropertyRecord{}, err
	}

	var assetURL string
	if len(in.Photo) > 0 {
		url, err := s.assets.Upload(ctx, in.PhotoName, in.Photo)
		if err != nil {
			return domain.PropertyRecord{}, fmt.Errorf("%w: %v", domain.ErrAssetUploadFailed, err)
		}
		assetURL = url
	}

	return s.commit(ctx, in, assetURL)
}

// Resume retries the ledger append of a registration whose upload already
// succeeded, reusing the previously obtained asset URL so no second orphan
// is created.
func (s *RegistrationService) Resume(ctx context.Context, in RegisterInput, assetURL string) (domain.PropertyRecord, error) {
	if err := in.validate(); err != nil {
		return domain.PropertyRecord{}, err
	}
	return s.commit(ctx, in, assetURL)
}

func (s *RegistrationService) commit(ctx context.Context, in RegisterInput, assetURL string) (domain.PropertyRecord, error) {
	id := uuid.NewString()

	ev := domain.Event{
		Owner:     in.Owner,
		Price:     in.Price,
		At:        s.clock.Now(),
		Address:   in.Address,
		CreatedBy: in.CreatedBy,
		PhotoURL:  assetURL,
	}

	payload, err := s.ledger.AppendEvent(ctx, id, ev)
	if err != nil {
		if assetURL != "" {
			return domain.PropertyRecord{}, &domain.PartialFailure{OrphanedAsset: assetURL, Cause: err}
		}
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrSourceUnavailable) {
			return domain.PropertyRecord{}, err
		}
		return domain.PropertyRecord{}, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}

	rec, err := normalize.Record(payload)
	if err != nil {
		// The append committed; only the echo was unreadable. The cache
		// invalidation below forces the next refresh to pick it up.
		rec = domain.PropertyRecord{ID: id, Address: in.Address, CreatedBy: in.CreatedBy, PhotoURL: assetURL}
	}

	s.cache.Invalidate(rec.ID)
	return rec, nil
}
