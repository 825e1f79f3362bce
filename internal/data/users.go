package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tensorgrid/tensorgrid-backend/db"
)

// User is an application user. The same user may request work and provide
// compute; the balance moves in both directions accordingly.
type User struct {
	ID                   string          `json:"id" db:"id"`
	Email                string          `json:"email" db:"email"`
	IsActive             bool            `json:"is_active" db:"is_active"`
	Balance              decimal.Decimal `json:"balance" db:"balance"`
	ResourceCapabilities *string         `json:"resource_capabilities,omitempty" db:"resource_capabilities"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// HasGPUCapability reports whether the user advertised a GPU in its resource
// capabilities tag. Drives the webGpuPreferred execution hint.
func (u *User) HasGPUCapability() bool {
	return u.ResourceCapabilities != nil && strings.Contains(strings.ToLower(*u.ResourceCapabilities), "gpu")
}

type UserModel struct {
	dbConnectionPool db.DBConnectionPool
}

const userColumnNames = `
			id,
			email,
			is_active,
			balance,
			resource_capabilities,
			created_at,
			updated_at`

// Get returns the user with the given ID.
func (m *UserModel) Get(ctx context.Context, sqlExec db.SQLExecuter, id string) (*User, error) {
	query := `
		SELECT` + userColumnNames + `
		FROM
			users
		WHERE
			id = $1
	`

	var user User
	err := sqlExec.GetContext(ctx, &user, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying user ID %s: %w", id, err)
	}

	return &user, nil
}

// GetByEmail returns the user with the given email.
func (m *UserModel) GetByEmail(ctx context.Context, sqlExec db.SQLExecuter, email string) (*User, error) {
	query := `
		SELECT` + userColumnNames + `
		FROM
			users
		WHERE
			email = $1
	`

	var user User
	err := sqlExec.GetContext(ctx, &user, query, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying user by email: %w", err)
	}

	return &user, nil
}

// CountOtherActiveUsers returns how many active users exist besides the given
// one. The reassignment decision rests on it: work can be reassigned only
// when at least one alternative peer exists.
func (m *UserModel) CountOtherActiveUsers(ctx context.Context, sqlExec db.SQLExecuter, excludedUserID string) (int, error) {
	const query = `
		SELECT
			count(*)
		FROM
			users
		WHERE
			is_active = true
			AND id != $1
	`

	var count int
	err := sqlExec.GetContext(ctx, &count, query, excludedUserID)
	if err != nil {
		return 0, fmt.Errorf("counting active users other than %s: %w", excludedUserID, err)
	}

	return count, nil
}

// AdjustBalance moves the user's balance by delta, which may be negative.
// Balances are allowed to go below zero; solvency enforcement lives upstream
// at task intake.
func (m *UserModel) AdjustBalance(ctx context.Context, sqlExec db.SQLExecuter, userID string, delta decimal.Decimal) error {
	const query = `
		UPDATE users
		SET balance = balance + $1
		WHERE id = $2
	`

	result, err := sqlExec.ExecContext(ctx, query, delta, userID)
	if err != nil {
		return fmt.Errorf("adjusting balance of user %s: %w", userID, err)
	}

	numRowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting number of rows affected: %w", err)
	}
	if numRowsAffected == 0 {
		return ErrRecordNotFound
	}

	return nil
}
