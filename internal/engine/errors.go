package engine

import (
	"errors"
	"fmt"
)

var (
	ErrNoItemsAvailable = errors.New("no pending items available")
	ErrInvalidGrade     = errors.New("invalid grade")
	ErrStaleLease       = errors.New("item changed underneath the lease")
	ErrNotLeaseHolder   = errors.New("item is not leased by this worker")
	ErrPredictionIndex  = errors.New("prediction index out of range")
	ErrAlreadyDone      = errors.New("item already submitted")
	ErrWorkerRequired   = errors.New("worker id is required")
)

// IncompleteGradingError is returned by Submit while predictions are still
// ungraded. Nothing is written.
type IncompleteGradingError struct {
	ItemID  string
	Missing int
}

func (e *IncompleteGradingError) Error() string {
	return fmt.Sprintf("item %s has %d ungraded predictions", e.ItemID, e.Missing)
}

// StoreUnavailableError wraps a store failure with the operation and item
// so callers can retry.
type StoreUnavailableError struct {
	Op     string
	ItemID string
	Err    error
}

func (e *StoreUnavailableError) Error() string {
	if e.ItemID == "" {
		return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: store unavailable: %v", e.Op, e.ItemID, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// Retryable reports whether err is worth retrying as a whole operation.
func Retryable(err error) bool {
	var su *StoreUnavailableError
	return errors.As(err, &su) || errors.Is(err, ErrStaleLease)
}
