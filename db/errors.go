package db

import (
	"errors"

	"github.com/lib/pq"
)

// Postgres error codes the engine reacts to. See https://www.postgresql.org/docs/current/errcodes-appendix.html.
const (
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
	pgUniqueViolationCode      = "23505"
)

// IsSerializationConflict checks if the error is a PostgreSQL serialization failure or deadlock, the
// two shapes a serializable transaction loses a race in.
func IsSerializationConflict(err error) bool {
	var pqErr *pq.Error
	if err != nil && errors.As(err, &pqErr) {
		return pqErr.Code == pgSerializationFailureCode || pqErr.Code == pgDeadlockDetectedCode
	}
	return false
}

// IsUniqueConstraintViolation checks if the error is a PostgreSQL unique violation.
func IsUniqueConstraintViolation(err error) bool {
	var pqErr *pq.Error
	return err != nil && errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolationCode
}
