package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("property not found")
	ErrSourceUnavailable  = errors.New("ledger source unavailable")
	ErrAlreadyHeld        = errors.New("reservation already held")
	ErrNotHolder          = errors.New("not the reservation holder")
	ErrLeaseUnavailable   = errors.New("lease service unavailable")
	ErrReleaseUnconfirmed = errors.New("release unconfirmed")
	ErrAssetUploadFailed  = errors.New("asset upload failed")
)

// PartialFailure reports a registration whose asset upload committed but
// whose ledger append did not. The orphaned asset URL is surfaced so the
// caller can delete it or resume the append with the same URL; neither
// happens automatically.
type PartialFailure struct {
	OrphanedAsset string
	Cause         error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("ledger append failed after asset upload (orphaned asset %s): %v", e.OrphanedAsset, e.Cause)
}

func (e *PartialFailure) Unwrap() error {
	return e.Cause
}
