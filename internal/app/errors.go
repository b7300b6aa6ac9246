package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"localpulse/internal/auth"
	"localpulse/internal/dedup"
	"localpulse/internal/idempotency"
)

const (
	codeValidation            = "VALIDATION_ERROR"
	codeNotFound              = "NOT_FOUND"
	codeNotContributor        = "NOT_CONTRIBUTOR"
	codeConflictRetry         = "CONFLICT_RETRY"
	codeIdempotencyInProgress = "IDEMPOTENCY_IN_PROGRESS"
	codeInvalidIdempotencyKey = "INVALID_IDEMPOTENCY_KEY"
	codeStoreUnavailable      = "STORE_UNAVAILABLE"
	codeTimeout               = "TIMEOUT"
	codeUnauthorized          = "UNAUTHORIZED"
	codeServerError           = "SERVER_ERROR"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func invalidIdempotencyKey(maxLength int) *DomainError {
	return domainError(http.StatusBadRequest, codeInvalidIdempotencyKey,
		fmt.Sprintf("Idempotency-Key must be at most %d bytes", maxLength), map[string]any{"maxLength": maxLength})
}

func validationFailed(err *dedup.ValidationError) *DomainError {
	return domainError(http.StatusUnprocessableEntity, codeValidation, err.Error(), map[string]any{"field": err.Field})
}

// asDomainError classifies an error returned by the service. Anything not
// recognised is a 500.
func asDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	var validationErr *dedup.ValidationError
	if errors.As(err, &validationErr) {
		return validationFailed(validationErr)
	}
	switch {
	case errors.Is(err, dedup.ErrNotFound):
		return domainError(http.StatusNotFound, codeNotFound, "Not found", nil)
	case errors.Is(err, dedup.ErrNotContributor):
		return domainError(http.StatusForbidden, codeNotContributor, "You have not contributed to this report", nil)
	case errors.Is(err, dedup.ErrConflictExhausted):
		return domainError(http.StatusConflict, codeConflictRetry, "The report changed concurrently, retry the request", nil)
	case errors.Is(err, idempotency.ErrInProgress):
		return domainError(http.StatusConflict, codeIdempotencyInProgress, "A request with this Idempotency-Key is still in progress", nil)
	case errors.Is(err, dedup.ErrStoreUnavailable):
		return domainError(http.StatusServiceUnavailable, codeStoreUnavailable, "Report store unavailable", nil)
	case errors.Is(err, context.DeadlineExceeded):
		return domainError(http.StatusGatewayTimeout, codeTimeout, "Request timed out", nil)
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return domainError(http.StatusUnauthorized, codeUnauthorized, "Unauthorized", nil)
	}
	return domainError(http.StatusInternalServerError, codeServerError, "Server error", nil)
}
