package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorgrid/tensorgrid-backend/internal/data"
)

func Test_NewLedger(t *testing.T) {
	t.Run("rejects a nil models", func(t *testing.T) {
		_, err := NewLedger(nil, testMarginRatio)
		require.Error(t, err)
	})

	t.Run("rejects a margin below one", func(t *testing.T) {
		_, err := NewLedger(&data.Models{}, decimal.NewFromFloat(0.8))
		require.Error(t, err)
	})
}

func Test_Ledger_Settle(t *testing.T) {
	dbConnectionPool := openTestPool(t)
	models := newTestModels(t, dbConnectionPool)
	ledger, err := NewLedger(models, testMarginRatio)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("moves the balances and records both ledger rows", func(t *testing.T) {
		defer data.DeleteAllFixtures(t, ctx, dbConnectionPool)

		requestor := data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.NewFromInt(100))
		provider := data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.Zero)
		device := data.CreateDeviceFixture(t, ctx, dbConnectionPool, provider.ID)
		task := data.CreateTaskFixture(t, ctx, dbConnectionPool, requestor.ID, data.InferenceTaskType, false)
		subtask := data.CreateSubtaskFixture(t, ctx, dbConnectionPool, task.ID, decimal.NewFromFloat(0.25))
		subtask = data.ClaimSubtaskFixture(t, ctx, dbConnectionPool, subtask.ID, provider.ID, device.ID)

		err := ledger.Settle(ctx, dbConnectionPool, subtask, task)
		require.NoError(t, err)

		providerBalance := data.GetUserBalanceFixture(t, ctx, dbConnectionPool, provider.ID)
		assert.True(t, providerBalance.Equal(decimal.NewFromFloat(0.25)))
		requestorBalance := data.GetUserBalanceFixture(t, ctx, dbConnectionPool, requestor.ID)
		assert.True(t, requestorBalance.Equal(decimal.NewFromFloat(99.70)))

		earning, err := models.Earnings.GetBySubtaskID(ctx, dbConnectionPool, subtask.ID)
		require.NoError(t, err)
		assert.Equal(t, data.PaidEarningStatus, earning.Status)

		withdrawal, err := models.Withdrawals.GetBySubtaskID(ctx, dbConnectionPool, subtask.ID)
		require.NoError(t, err)
		assert.Equal(t, data.SettledWithdrawalStatus, withdrawal.Status)
		assert.True(t, withdrawal.Amount.Equal(decimal.NewFromFloat(0.30)))
	})

	t.Run("fails with invalid state when the subtask has no cost", func(t *testing.T) {
		defer data.DeleteAllFixtures(t, ctx, dbConnectionPool)

		requestor := data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.NewFromInt(100))
		provider := data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.Zero)
		device := data.CreateDeviceFixture(t, ctx, dbConnectionPool, provider.ID)
		task := data.CreateTaskFixture(t, ctx, dbConnectionPool, requestor.ID, data.InferenceTaskType, false)
		subtask := data.CreateSubtaskFixture(t, ctx, dbConnectionPool, task.ID, decimal.Zero)
		subtask = data.ClaimSubtaskFixture(t, ctx, dbConnectionPool, subtask.ID, provider.ID, device.ID)

		err := ledger.Settle(ctx, dbConnectionPool, subtask, task)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("fails with invalid state when the subtask has no provider", func(t *testing.T) {
		defer data.DeleteAllFixtures(t, ctx, dbConnectionPool)

		requestor := data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.NewFromInt(100))
		task := data.CreateTaskFixture(t, ctx, dbConnectionPool, requestor.ID, data.InferenceTaskType, false)
		subtask := data.CreateSubtaskFixture(t, ctx, dbConnectionPool, task.ID, decimal.NewFromFloat(0.25))

		err := ledger.Settle(ctx, dbConnectionPool, subtask, task)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("fails with invalid state on a double settlement", func(t *testing.T) {
		defer data.DeleteAllFixtures(t, ctx, dbConnectionPool)

		requestor := data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.NewFromInt(100))
		provider := data.CreateUserFixture(t, ctx, dbConnectionPool, decimal.Zero)
		device := data.CreateDeviceFixture(t, ctx, dbConnectionPool, provider.ID)
		task := data.CreateTaskFixture(t, ctx, dbConnectionPool, requestor.ID, data.InferenceTaskType, false)
		subtask := data.CreateSubtaskFixture(t, ctx, dbConnectionPool, task.ID, decimal.NewFromFloat(0.25))
		subtask = data.ClaimSubtaskFixture(t, ctx, dbConnectionPool, subtask.ID, provider.ID, device.ID)

		require.NoError(t, ledger.Settle(ctx, dbConnectionPool, subtask, task))

		err := ledger.Settle(ctx, dbConnectionPool, subtask, task)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}
