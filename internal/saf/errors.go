package saf

import (
	"errors"
)

// Sentinel errors for ledger failures. Callers classify with errors.Is.
var (
	ErrNotFound           = errors.New("saf: not found")
	ErrForbidden          = errors.New("saf: forbidden")
	ErrInvalidInput       = errors.New("saf: invalid input")
	ErrInsufficientVolume = errors.New("saf: insufficient volume")
	ErrInvalidTransition  = errors.New("saf: invalid status transition")
	ErrAlreadyCredited    = errors.New("saf: ticket already credited")
	ErrSourceBusy         = errors.New("saf: ticket source busy")

	// ErrInvariantViolation means the ledger reached a state the locking discipline should
	// make impossible. It is never a caller mistake.
	ErrInvariantViolation = errors.New("saf: ledger invariant violated")
)

// Error codes exposed to API clients.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeForbidden          = "FORBIDDEN"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeInsufficientVolume = "INSUFFICIENT_VOLUME"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeAlreadyCredited    = "ALREADY_CREDITED"
	CodeSourceBusy         = "SOURCE_BUSY"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorCode returns the stable code for an error, CodeInternal when unclassified.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrInsufficientVolume):
		return CodeInsufficientVolume
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrAlreadyCredited):
		return CodeAlreadyCredited
	case errors.Is(err, ErrSourceBusy):
		return CodeSourceBusy
	default:
		return CodeInternal
	}
}

// IsRetryable reports whether the operation may succeed if retried unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSourceBusy)
}

// IsDomainError reports whether err is a business-rule rejection rather than a fault.
func IsDomainError(err error) bool {
	switch ErrorCode(err) {
	case CodeInternal, CodeSourceBusy:
		return false
	default:
		return true
	}
}
