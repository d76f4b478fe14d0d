package model

import "errors"

// Error taxonomy shared by the store, the remote client, and the sync worker.
// Wrap with fmt.Errorf("...: %w", Err...) and test with errors.Is.
var (
	// ErrStorage means the local store is unavailable or an I/O call failed.
	ErrStorage = errors.New("storage error")

	// ErrNotFound means a local id no longer exists.
	ErrNotFound = errors.New("not found")

	// ErrNetwork means the remote side was unreachable or failed. Retryable.
	ErrNetwork = errors.New("network error")

	// ErrValidation means the remote side rejected the payload. Not retryable.
	ErrValidation = errors.New("validation error")

	// ErrMaxRetriesExceeded marks an item dead-lettered after its budget ran out.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrUnknownAction means a queue item carries an action tag with no handler.
	ErrUnknownAction = errors.New("unknown action")

	// ErrUnconfirmed means the server answered 2xx but the response did not
	// identify the stored report. Resubmitting could duplicate it, so it is
	// not retryable.
	ErrUnconfirmed = errors.New("submission unconfirmed")
)

// Retryable reports whether err should be retried on a later cycle.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrValidation) &&
		!errors.Is(err, ErrUnknownAction) &&
		!errors.Is(err, ErrUnconfirmed)
}
