package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrGameNotFound means the name hint matched no game. Expected for
	// free-text input; the event is dropped, not retried.
	ErrGameNotFound = errors.New("game not found")

	// ErrInvalidSubmission means the input can never succeed as sent.
	ErrInvalidSubmission = errors.New("invalid submission")

	// ErrStorageUnavailable wraps any repository failure. The caller should
	// retry later (broker redelivery, HTTP 503).
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrFanoutInterrupted means the deadline or shutdown cut a fan-out
	// short. The update is stored but some subscribers may lack a
	// notification, so the input must be redelivered.
	ErrFanoutInterrupted = errors.New("fan-out interrupted")
)

func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

func invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidSubmission, reason)
}

// IsRecoverable reports whether err is a business outcome that should be
// acknowledged and dropped rather than redelivered.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrGameNotFound) || errors.Is(err, ErrInvalidSubmission)
}
