package engine

import (
	"context"
	"errors"

	"github.com/tensorgrid/tensorgrid-backend/db"
	"github.com/tensorgrid/tensorgrid-backend/internal/data"
)

// The error kinds the engine surfaces to its callers. Dispatch and HTTP
// layers map these to wire responses; everything else is an internal error.
var (
	// ErrForbidden is returned when a provider acts on a subtask it does not
	// hold, tries to claim its own task, or is inactive.
	ErrForbidden = errors.New("provider is not allowed to perform this operation")

	// ErrInvalidState is returned when the subtask or task is not in a status
	// that admits the requested transition.
	ErrInvalidState = errors.New("entity is not in a valid state for this operation")

	// ErrConflict is returned when a serializable transaction kept losing its
	// serialization race after the retry budget was spent.
	ErrConflict = errors.New("serialization conflict")

	// ErrCancelled is returned when the operation's context was cancelled
	// before the transaction committed.
	ErrCancelled = errors.New("operation cancelled")

	// ErrTransport is returned when a dispatch channel send failed.
	ErrTransport = errors.New("dispatch transport failure")
)

// mapDBError rewraps transaction-level failures into the engine error kinds.
// Domain errors returned by the atomic function pass through untouched.
func mapDBError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errors.Join(ErrCancelled, err)
	case db.IsSerializationConflict(err):
		return errors.Join(ErrConflict, err)
	default:
		return err
	}
}

// IsNotFound reports whether the error means the target record is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, data.ErrRecordNotFound)
}
