package trade

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownOrder      = errors.New("order not found")
	ErrDuplicateOrder    = errors.New("order already exists")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrOverFill          = errors.New("fill exceeds order quantity")
	ErrSymbolHalted      = errors.New("trading halted for symbol")
)

// TransientError marks a failure worth retrying: timeouts, dropped
// connections, 5xx responses. The engine keeps the order Pending and
// retries with backoff until attempts are exhausted.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is a retryable failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RejectionError is a definitive refusal from the exchange. It is
// terminal: the order moves to Rejected and is never retried.
type RejectionError struct {
	Code   int
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("exchange rejection %d: %s", e.Code, e.Reason)
}

// Reject builds a terminal exchange rejection.
func Reject(code int, reason string) error {
	return &RejectionError{Code: code, Reason: reason}
}

// IsRejection reports whether err is a definitive exchange refusal,
// returning the typed error when it is.
func IsRejection(err error) (*RejectionError, bool) {
	var re *RejectionError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
