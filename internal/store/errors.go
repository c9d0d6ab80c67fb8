package store

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	// ErrAccountNotFound is returned when no credits row exists for a user.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountDisabled is returned when a soft-disabled account is debited.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrInsufficientCredits is returned when a conditional debit matched no row
	// because the balance is below the requested amount.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrConflict marks a lost race at the storage layer (serialization
	// failure, deadlock, lock timeout). The whole operation may be retried.
	ErrConflict = errors.New("storage conflict")
)

// Postgres SQLSTATE codes that indicate a retryable concurrency conflict.
var conflictCodes = map[pq.ErrorCode]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
}

// classify wraps retryable Postgres errors with ErrConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if _, ok := conflictCodes[pqErr.Code]; ok {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}
