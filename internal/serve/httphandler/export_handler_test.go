package httphandler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorgrid/tensorgrid-backend/internal/data"
)

func Test_ExportHandler(t *testing.T) {
	models := data.SetupModels(t)
	handler := ExportHandler{Models: models}
	ctx := context.Background()

	requestor := data.CreateUserFixture(t, ctx, models.DBConnectionPool, decimal.NewFromInt(100))
	provider := data.CreateUserFixture(t, ctx, models.DBConnectionPool, decimal.Zero)
	task := data.CreateTaskFixture(t, ctx, models.DBConnectionPool, requestor.ID, data.InferenceTaskType, false)
	subtask := data.CreateSubtaskFixture(t, ctx, models.DBConnectionPool, task.ID, decimal.NewFromFloat(0.5))

	_, err := models.Earnings.Insert(ctx, models.DBConnectionPool, data.EarningInsert{
		ProviderUserID: provider.ID,
		TaskID:         task.ID,
		SubtaskID:      subtask.ID,
		Amount:         decimal.NewFromFloat(0.5),
		Status:         data.PendingEarningStatus,
	})
	require.NoError(t, err)

	_, err = models.Withdrawals.Insert(ctx, models.DBConnectionPool, data.WithdrawalInsert{
		UserID:    requestor.ID,
		TaskID:    task.ID,
		SubtaskID: subtask.ID,
		Amount:    decimal.NewFromFloat(0.6),
		Status:    data.SettledWithdrawalStatus,
	})
	require.NoError(t, err)

	t.Run("ExportEarnings returns the provider's rows as CSV", func(t *testing.T) {
		req := requestAsUser(httptest.NewRequest(http.MethodGet, "/api/exports/earnings", nil), provider.ID)
		rr := httptest.NewRecorder()
		handler.ExportEarnings(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
		assert.Contains(t, rr.Header().Get("Content-Disposition"), "attachment; filename=earnings_")

		lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
		require.Len(t, lines, 2)
		assert.Contains(t, lines[1], subtask.ID)
		assert.Contains(t, lines[1], "0.5")
	})

	t.Run("ExportEarnings is scoped to the caller", func(t *testing.T) {
		req := requestAsUser(httptest.NewRequest(http.MethodGet, "/api/exports/earnings", nil), requestor.ID)
		rr := httptest.NewRecorder()
		handler.ExportEarnings(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
		assert.Len(t, lines, 1) // header only
	})

	t.Run("ExportWithdrawals returns the requestor's rows as CSV", func(t *testing.T) {
		req := requestAsUser(httptest.NewRequest(http.MethodGet, "/api/exports/withdrawals", nil), requestor.ID)
		rr := httptest.NewRecorder()
		handler.ExportWithdrawals(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Header().Get("Content-Disposition"), "attachment; filename=withdrawals_")

		lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
		require.Len(t, lines, 2)
		assert.Contains(t, lines[1], "0.6")
	})

	t.Run("unauthenticated request returns 401", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ExportEarnings(rr, httptest.NewRequest(http.MethodGet, "/api/exports/earnings", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}
