package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tensorgrid/tensorgrid-backend/db"
	"github.com/tensorgrid/tensorgrid-backend/internal/data"
)

// DefaultRequestorMarginRatio is the multiplier applied to the subtask cost
// on the requestor side. The difference between the requestor's withdrawal
// and the provider's earning is the platform margin.
var DefaultRequestorMarginRatio = decimal.NewFromFloat(1.20)

// Ledger settles the money movement of a completed subtask: the provider is
// credited the subtask cost, the requestor is debited cost times the margin
// ratio, and one Earning plus one Withdrawal record the settlement.
type Ledger struct {
	models      *data.Models
	marginRatio decimal.Decimal
}

func NewLedger(models *data.Models, marginRatio decimal.Decimal) (*Ledger, error) {
	if models == nil {
		return nil, fmt.Errorf("models is required for NewLedger")
	}
	if marginRatio.LessThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("margin ratio %s is below 1", marginRatio)
	}
	return &Ledger{models: models, marginRatio: marginRatio}, nil
}

// Settle runs inside the caller's completion transaction, never on its own:
// a settlement that is not atomic with the COMPLETED status write could pay
// twice or not at all.
func (l *Ledger) Settle(ctx context.Context, sqlExec db.SQLExecuter, subtask *data.Subtask, task *data.Task) error {
	if subtask.ProviderUserID == nil || *subtask.ProviderUserID == "" {
		return fmt.Errorf("subtask %s has no assigned provider: %w", subtask.ID, ErrInvalidState)
	}
	if task.UserID == "" {
		return fmt.Errorf("task %s has no owner: %w", task.ID, ErrInvalidState)
	}
	if !subtask.CostUSD.Valid {
		return fmt.Errorf("subtask %s has no cost to settle: %w", subtask.ID, ErrInvalidState)
	}

	providerUserID := *subtask.ProviderUserID
	cost := subtask.CostUSD.Decimal
	charge := cost.Mul(l.marginRatio)

	if err := l.models.Users.AdjustBalance(ctx, sqlExec, providerUserID, cost); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return fmt.Errorf("provider %s does not exist: %w", providerUserID, ErrInvalidState)
		}
		return fmt.Errorf("crediting provider %s: %w", providerUserID, err)
	}

	if err := l.models.Users.AdjustBalance(ctx, sqlExec, task.UserID, charge.Neg()); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return fmt.Errorf("requestor %s does not exist: %w", task.UserID, ErrInvalidState)
		}
		return fmt.Errorf("debiting requestor %s: %w", task.UserID, err)
	}

	_, err := l.models.Earnings.Insert(ctx, sqlExec, data.EarningInsert{
		ProviderUserID: providerUserID,
		TaskID:         task.ID,
		SubtaskID:      subtask.ID,
		Amount:         cost,
		Status:         data.PaidEarningStatus,
	})
	if err != nil {
		if errors.Is(err, data.ErrRecordAlreadyExists) {
			return fmt.Errorf("subtask %s was already settled: %w", subtask.ID, ErrInvalidState)
		}
		return fmt.Errorf("inserting earning for subtask %s: %w", subtask.ID, err)
	}

	_, err = l.models.Withdrawals.Insert(ctx, sqlExec, data.WithdrawalInsert{
		UserID:    task.UserID,
		TaskID:    task.ID,
		SubtaskID: subtask.ID,
		Amount:    charge,
		Status:    data.SettledWithdrawalStatus,
	})
	if err != nil {
		if errors.Is(err, data.ErrRecordAlreadyExists) {
			return fmt.Errorf("subtask %s was already settled: %w", subtask.ID, ErrInvalidState)
		}
		return fmt.Errorf("inserting withdrawal for subtask %s: %w", subtask.ID, err)
	}

	return nil
}
