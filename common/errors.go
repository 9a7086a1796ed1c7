package common

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the event log, controller, reconciler and change stream.
// Components wrap one of these sentinels with fmt.Errorf("...: %w", ...) and callers
// branch with errors.Is.
var (
	// ErrTransport means the event log or change topic could not be reached.
	// Retried with backoff, never fatal to a loop.
	ErrTransport = errors.New("transport error")

	// ErrValidation means a notification or record is malformed.
	// The item is logged and skipped.
	ErrValidation = errors.New("validation error")

	// ErrAmbiguousKey means a hub business key could not be inferred for a table.
	// The table is parked until a key mapping is supplied.
	ErrAmbiguousKey = errors.New("ambiguous business key")

	// ErrApply means a Data Vault write failed. The controller cursor is not advanced.
	ErrApply = errors.New("apply error")
)

// Validationf builds an ErrValidation-wrapped error.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Transport wraps err as an ErrTransport unless it already is one.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrTransport, op, err)
}

// Apply wraps err as an ErrApply unless it already is one.
func Apply(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrApply) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrApply, op, err)
}

// IsRetryable reports whether the failure should be retried on the next cycle
// rather than skipped.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrApply)
}
