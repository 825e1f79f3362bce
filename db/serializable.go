package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	// DefaultSerializableMaxAttempts bounds how many times a serializable transaction is retried
	// after losing a serialization race.
	DefaultSerializableMaxAttempts = 3
	maxSerializationRetryJitter    = 50 * time.Millisecond
)

// RunInSerializableTransactionWithResult runs the given atomic function in a SERIALIZABLE database
// transaction, retrying it from scratch when the commit loses a serialization race. Any other error
// aborts the retry loop and surfaces immediately.
func RunInSerializableTransactionWithResult[T any](ctx context.Context, dbConnectionPool DBConnectionPool, maxAttempts uint, atomicFunction func(dbTx DBTransaction) (T, error)) (result T, err error) {
	txOpts := &sql.TxOptions{Isolation: sql.LevelSerializable}

	err = retry.Do(
		func() error {
			var fnErr error
			result, fnErr = RunInTransactionWithResult(ctx, dbConnectionPool, txOpts, atomicFunction)
			return fnErr
		},
		retry.Context(ctx),          // Respect the context's cancellation
		retry.Attempts(maxAttempts), // Total attempts, not retries
		retry.RetryIf(IsSerializationConflict),
		retry.DelayType(retry.RandomDelay),
		retry.MaxJitter(maxSerializationRetryJitter),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return *new(T), err
	}

	return result, nil
}

// RunInSerializableTransaction is the result-less variant of RunInSerializableTransactionWithResult.
func RunInSerializableTransaction(ctx context.Context, dbConnectionPool DBConnectionPool, maxAttempts uint, atomicFunction func(dbTx DBTransaction) error) error {
	wrappedFunction := func(dbTx DBTransaction) (interface{}, error) {
		return nil, atomicFunction(dbTx)
	}

	_, err := RunInSerializableTransactionWithResult(ctx, dbConnectionPool, maxAttempts, wrappedFunction)
	return err
}
