package episode

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRetryable is returned when retrying an episode that is not failed.
	ErrNotRetryable = errors.New("episode is not retryable")
	// ErrRetryLimit is returned when an episode used up its manual retries.
	ErrRetryLimit = errors.New("retry limit reached")
	// ErrSubmit is returned when the background runner rejects an episode.
	ErrSubmit = errors.New("submit generation")
	// ErrNoRunner is returned when the service has no runner configured.
	ErrNoRunner = errors.New("no runner configured")
)

// StorageError reports a failure of the durable storage stage.
type StorageError struct {
	// Op is the storage operation, "upload" or "delete".
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s audio: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
