package dedup

import (
	"errors"
	"fmt"

	"localpulse/internal/store"
)

var (
	ErrValidation = errors.New("validation failed")
	// ErrConflictExhausted means every attempt lost a race. The caller may
	// retry the whole request.
	ErrConflictExhausted   = errors.New("conflict retries exhausted")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrDerivedCommentWrite = errors.New("merge-derived comment write failed")
	ErrNotFound            = store.ErrNotFound
	ErrNotContributor      = errors.New("user has not contributed to this report")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// storeFailure keeps not-found and conflict errors intact and classifies
// everything else as an unavailable store.
func storeFailure(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
