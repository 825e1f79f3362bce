package db

import (
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func Test_IsSerializationConflict(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "plain error", err: fmt.Errorf("mock error"), want: false},
		{name: "serialization failure", err: &pq.Error{Code: "40001"}, want: true},
		{name: "deadlock detected", err: &pq.Error{Code: "40P01"}, want: true},
		{name: "unique violation", err: &pq.Error{Code: "23505"}, want: false},
		{name: "wrapped serialization failure", err: fmt.Errorf("committing: %w", &pq.Error{Code: "40001"}), want: true},
		{name: "wrapped in TransactionExecutionError", err: NewTransactionExecutionError(&pq.Error{Code: "40001"}), want: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsSerializationConflict(tc.err))
		})
	}
}

func Test_IsUniqueConstraintViolation(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "plain error", err: fmt.Errorf("mock error"), want: false},
		{name: "unique violation", err: &pq.Error{Code: "23505"}, want: true},
		{name: "serialization failure", err: &pq.Error{Code: "40001"}, want: false},
		{name: "wrapped unique violation", err: fmt.Errorf("inserting: %w", &pq.Error{Code: "23505"}), want: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsUniqueConstraintViolation(tc.err))
		})
	}
}
