package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrRateLimited          = errors.New("rate limited")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrSigningFailed        = errors.New("signing failed")
	ErrLockHeld             = errors.New("lock already held")
	ErrUnknownAccount       = errors.New("no signer for account")
	ErrNetwork              = errors.New("network error")
	ErrRevert               = errors.New("execution reverted")
	ErrStaleContext         = errors.New("account or network changed")
	ErrPreconditionFailed   = errors.New("precondition failed")
	ErrInsufficientGasLimit = errors.New("insufficient gas limit")
	ErrTransactionFailed    = errors.New("transaction failed")
	ErrInclusionTimeout     = errors.New("inclusion timeout")
	ErrPartialSuccess       = errors.New("partial success")
	ErrOperationInFlight    = errors.New("operation already running")
	ErrOutcomeUnknown       = errors.New("earlier attempt not confirmed")
)

// RevertError carries the reason the remote ledger rejected a call.
type RevertError struct {
	Method string
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: execution reverted", e.Method)
	}
	return fmt.Sprintf("%s: execution reverted: %s", e.Method, e.Reason)
}

func (e *RevertError) Is(target error) bool { return target == ErrRevert }

// PreconditionError is returned when a local check fails before any write is submitted.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

func (e *PreconditionError) Is(target error) bool { return target == ErrPreconditionFailed }

// Precondition builds a PreconditionError from a format string.
func Precondition(format string, args ...any) error {
	return &PreconditionError{Reason: fmt.Sprintf(format, args...)}
}
