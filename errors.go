package memsync

import "errors"

// Every error returned by SyncEngine.Synchronize wraps one of these. A failed pass leaves the engine usable, the
// caller can simply try again on the next cycle.
var (
	ErrDirtyBitmap   = errors.New("dirty bitmap unavailable")
	ErrMissingBitmap = errors.New("no dirty bitmap for memory slot")
	ErrPageSize      = errors.New("unusable page size")
	ErrRegionWrite   = errors.New("region write failed")
	ErrBootstrap     = errors.New("baseline capture failed")
	ErrCapacity      = errors.New("guest memory does not fit the baseline")
	ErrLayout        = errors.New("guest layout does not match its regions")
)
