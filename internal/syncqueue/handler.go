package syncqueue

import (
	"context"
	"errors"

	"github.com/DukeRupert/fieldsync/internal/domain"
)

// MutationHandler sends one kind of queued mutation to the server.
type MutationHandler interface {
	// Kinds returns the mutation kinds this handler sends.
	Kinds() []domain.MutationKind

	// Handle sends the mutation. A nil error means the server acknowledged
	// it and the entry can be removed. Return a transient error to retry
	// with backoff; wrap with NewPermanentError (or return a server
	// rejection) to stop retrying.
	Handle(ctx context.Context, m domain.PendingMutation) error
}

// PermanentError wraps an error to indicate it should not be retried.
// Mutations that fail with a PermanentError go straight to failed-permanent.
type PermanentError struct {
	Err error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return e.Err.Error()
}

// Unwrap allows errors.Is and errors.As to work with PermanentError.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError creates a new PermanentError that wraps the given error.
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err must not be retried: it is a
// PermanentError or the server rejected the mutation.
func IsPermanent(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr) || domain.IsRejected(err)
}
