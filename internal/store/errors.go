package store

import "errors"

var (
	// ErrNotFound is returned by Get when no item exists at the key.
	ErrNotFound = errors.New("item not found")

	// ErrConditionFailed is returned when a write's preconditions did not
	// hold. It signals a lost race, not a malformed request, and callers
	// generally re-read and retry.
	ErrConditionFailed = errors.New("conditional check failed")

	// ErrProvisionExceeded is returned when the backend throttled the
	// request. Retry with backoff.
	ErrProvisionExceeded = errors.New("provisioned throughput exceeded")

	// ErrLimitExceeded is returned when the backend rejected the request
	// for exceeding a size or rate limit. Retry with backoff.
	ErrLimitExceeded = errors.New("request limit exceeded")
)

// IsTransient reports whether err is a store error that is expected to
// succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConditionFailed) ||
		errors.Is(err, ErrProvisionExceeded) ||
		errors.Is(err, ErrLimitExceeded)
}
