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

type WithdrawalStatus string

const (
	PendingWithdrawalStatus WithdrawalStatus = "PENDING"
	SettledWithdrawalStatus WithdrawalStatus = "SETTLED"
)

// Validate validates the withdrawal status
func (status WithdrawalStatus) Validate() error {
	switch WithdrawalStatus(strings.ToUpper(string(status))) {
	case PendingWithdrawalStatus, SettledWithdrawalStatus:
		return nil
	default:
		return fmt.Errorf("invalid withdrawal status: %s", status)
	}
}

// Withdrawal is the requestor-side mirror of an Earning: the amount debited
// from the task owner when a subtask settled, margin included.
type Withdrawal struct {
	ID        string           `json:"id" db:"id"`
	UserID    string           `json:"user_id" db:"user_id"`
	TaskID    string           `json:"task_id" db:"task_id"`
	SubtaskID string           `json:"subtask_id" db:"subtask_id"`
	Amount    decimal.Decimal  `json:"amount" db:"amount"`
	Status    WithdrawalStatus `json:"status" db:"status"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

type WithdrawalInsert struct {
	UserID    string
	TaskID    string
	SubtaskID string
	Amount    decimal.Decimal
	Status    WithdrawalStatus
}

func (w *WithdrawalInsert) Validate() error {
	if strings.TrimSpace(w.UserID) == "" {
		return fmt.Errorf("user_id is required")
	}
	if strings.TrimSpace(w.TaskID) == "" {
		return fmt.Errorf("task_id is required")
	}
	if strings.TrimSpace(w.SubtaskID) == "" {
		return fmt.Errorf("subtask_id is required")
	}
	if w.Amount.IsNegative() {
		return fmt.Errorf("amount must not be negative")
	}
	if err := w.Status.Validate(); err != nil {
		return fmt.Errorf("status is invalid: %w", err)
	}
	return nil
}

type WithdrawalModel struct {
	dbConnectionPool db.DBConnectionPool
}

// Insert appends one withdrawal. The unique constraint on subtask_id makes a
// double settlement surface as ErrRecordAlreadyExists.
func (m *WithdrawalModel) Insert(ctx context.Context, sqlExec db.SQLExecuter, insert WithdrawalInsert) (*Withdrawal, error) {
	if err := insert.Validate(); err != nil {
		return nil, fmt.Errorf("validating withdrawal insert: %w", err)
	}

	const query = `
		INSERT INTO withdrawals
			(user_id, task_id, subtask_id, amount, status)
		VALUES
			($1, $2, $3, $4, $5)
		RETURNING
			id, created_at
	`

	withdrawal := Withdrawal{
		UserID:    insert.UserID,
		TaskID:    insert.TaskID,
		SubtaskID: insert.SubtaskID,
		Amount:    insert.Amount,
		Status:    insert.Status,
	}

	err := sqlExec.QueryRowxContext(ctx, query, insert.UserID, insert.TaskID, insert.SubtaskID, insert.Amount, insert.Status).
		Scan(&withdrawal.ID, &withdrawal.CreatedAt)
	if err != nil {
		if db.IsUniqueConstraintViolation(err) {
			return nil, ErrRecordAlreadyExists
		}
		return nil, fmt.Errorf("inserting withdrawal: %w", err)
	}

	return &withdrawal, nil
}

// GetBySubtaskID returns the withdrawal settled for the given subtask.
func (m *WithdrawalModel) GetBySubtaskID(ctx context.Context, sqlExec db.SQLExecuter, subtaskID string) (*Withdrawal, error) {
	const query = `
		SELECT
			id, user_id, task_id, subtask_id, amount, status, created_at
		FROM
			withdrawals
		WHERE
			subtask_id = $1
	`

	var withdrawal Withdrawal
	err := sqlExec.GetContext(ctx, &withdrawal, query, subtaskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying withdrawal of subtask %s: %w", subtaskID, err)
	}

	return &withdrawal, nil
}

// GetAllByUserID returns the requestor's withdrawals, newest first.
func (m *WithdrawalModel) GetAllByUserID(ctx context.Context, sqlExec db.SQLExecuter, userID string) ([]Withdrawal, error) {
	const query = `
		SELECT
			id, user_id, task_id, subtask_id, amount, status, created_at
		FROM
			withdrawals
		WHERE
			user_id = $1
		ORDER BY
			created_at DESC
	`

	withdrawals := []Withdrawal{}
	err := sqlExec.SelectContext(ctx, &withdrawals, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying withdrawals of user %s: %w", userID, err)
	}

	return withdrawals, nil
}
