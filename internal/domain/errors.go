package domain

import "errors"

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrAccountNotFound     = errors.New("account not found")
	ErrSelfTransfer        = errors.New("cannot transfer to the same account")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrBusy                = errors.New("account busy, retry later")
	ErrTimeout             = errors.New("operation timed out")
	ErrStorage             = errors.New("storage failure")
	ErrIdempotencyConflict = errors.New("request in progress")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
)

// IsClientError reports whether err was caused by the caller's input
// and will not succeed if retried unchanged.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrSelfTransfer) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrIdempotencyMismatch)
}

// IsRetryable reports whether the same request may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrIdempotencyConflict)
}
