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

type EarningStatus string

const (
	PendingEarningStatus EarningStatus = "PENDING"
	PaidEarningStatus    EarningStatus = "PAID"
)

// Validate validates the earning status
func (status EarningStatus) Validate() error {
	switch EarningStatus(strings.ToUpper(string(status))) {
	case PendingEarningStatus, PaidEarningStatus:
		return nil
	default:
		return fmt.Errorf("invalid earning status: %s", status)
	}
}

// Earning is the provider-side ledger record of one settled subtask. At most
// one earning exists per subtask.
type Earning struct {
	ID             string          `json:"id" db:"id"`
	ProviderUserID string          `json:"provider_user_id" db:"provider_user_id"`
	TaskID         string          `json:"task_id" db:"task_id"`
	SubtaskID      string          `json:"subtask_id" db:"subtask_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Status         EarningStatus   `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

type EarningInsert struct {
	ProviderUserID string
	TaskID         string
	SubtaskID      string
	Amount         decimal.Decimal
	Status         EarningStatus
}

func (e *EarningInsert) Validate() error {
	if strings.TrimSpace(e.ProviderUserID) == "" {
		return fmt.Errorf("provider_user_id is required")
	}
	if strings.TrimSpace(e.TaskID) == "" {
		return fmt.Errorf("task_id is required")
	}
	if strings.TrimSpace(e.SubtaskID) == "" {
		return fmt.Errorf("subtask_id is required")
	}
	if e.Amount.IsNegative() {
		return fmt.Errorf("amount must not be negative")
	}
	if err := e.Status.Validate(); err != nil {
		return fmt.Errorf("status is invalid: %w", err)
	}
	return nil
}

type EarningModel struct {
	dbConnectionPool db.DBConnectionPool
}

// Insert appends one earning. The unique constraint on subtask_id makes a
// double settlement surface as ErrRecordAlreadyExists.
func (m *EarningModel) Insert(ctx context.Context, sqlExec db.SQLExecuter, insert EarningInsert) (*Earning, error) {
	if err := insert.Validate(); err != nil {
		return nil, fmt.Errorf("validating earning insert: %w", err)
	}

	const query = `
		INSERT INTO earnings
			(provider_user_id, task_id, subtask_id, amount, status)
		VALUES
			($1, $2, $3, $4, $5)
		RETURNING
			id, created_at
	`

	earning := Earning{
		ProviderUserID: insert.ProviderUserID,
		TaskID:         insert.TaskID,
		SubtaskID:      insert.SubtaskID,
		Amount:         insert.Amount,
		Status:         insert.Status,
	}

	err := sqlExec.QueryRowxContext(ctx, query, insert.ProviderUserID, insert.TaskID, insert.SubtaskID, insert.Amount, insert.Status).
		Scan(&earning.ID, &earning.CreatedAt)
	if err != nil {
		if db.IsUniqueConstraintViolation(err) {
			return nil, ErrRecordAlreadyExists
		}
		return nil, fmt.Errorf("inserting earning: %w", err)
	}

	return &earning, nil
}

// GetBySubtaskID returns the earning settled for the given subtask.
func (m *EarningModel) GetBySubtaskID(ctx context.Context, sqlExec db.SQLExecuter, subtaskID string) (*Earning, error) {
	const query = `
		SELECT
			id, provider_user_id, task_id, subtask_id, amount, status, created_at
		FROM
			earnings
		WHERE
			subtask_id = $1
	`

	var earning Earning
	err := sqlExec.GetContext(ctx, &earning, query, subtaskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying earning of subtask %s: %w", subtaskID, err)
	}

	return &earning, nil
}

// GetAllByProviderUserID returns the provider's earnings, newest first.
func (m *EarningModel) GetAllByProviderUserID(ctx context.Context, sqlExec db.SQLExecuter, providerUserID string) ([]Earning, error) {
	const query = `
		SELECT
			id, provider_user_id, task_id, subtask_id, amount, status, created_at
		FROM
			earnings
		WHERE
			provider_user_id = $1
		ORDER BY
			created_at DESC
	`

	earnings := []Earning{}
	err := sqlExec.SelectContext(ctx, &earnings, query, providerUserID)
	if err != nil {
		return nil, fmt.Errorf("querying earnings of provider %s: %w", providerUserID, err)
	}

	return earnings, nil
}
