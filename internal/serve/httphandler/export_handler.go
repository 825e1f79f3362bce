package httphandler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/tensorgrid/tensorgrid-backend/internal/data"
	"github.com/tensorgrid/tensorgrid-backend/internal/serve/httperror"
	"github.com/tensorgrid/tensorgrid-backend/internal/serve/middleware"
)

// ExportHandler streams the caller's ledger entries as CSV downloads.
type ExportHandler struct {
	Models *data.Models
}

func (e ExportHandler) ExportEarnings(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := middleware.GetUserIDFromContext(ctx)
	if err != nil {
		httperror.Unauthorized("", err, nil).Render(rw)
		return
	}

	earnings, err := e.Models.Earnings.GetAllByProviderUserID(ctx, e.Models.DBConnectionPool, userID)
	if err != nil {
		httperror.InternalError(ctx, "Failed to get earnings", err, nil).Render(rw)
		return
	}

	fileName := fmt.Sprintf("earnings_%s.csv", time.Now().Format("2006-01-02-15-04-05"))
	rw.Header().Set("Content-Type", "text/csv")
	rw.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", fileName))

	if err := gocsv.Marshal(earnings, rw); err != nil {
		httperror.InternalError(ctx, "Failed to write CSV", err, nil).Render(rw)
		return
	}
}

func (e ExportHandler) ExportWithdrawals(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := middleware.GetUserIDFromContext(ctx)
	if err != nil {
		httperror.Unauthorized("", err, nil).Render(rw)
		return
	}

	withdrawals, err := e.Models.Withdrawals.GetAllByUserID(ctx, e.Models.DBConnectionPool, userID)
	if err != nil {
		httperror.InternalError(ctx, "Failed to get withdrawals", err, nil).Render(rw)
		return
	}

	fileName := fmt.Sprintf("withdrawals_%s.csv", time.Now().Format("2006-01-02-15-04-05"))
	rw.Header().Set("Content-Type", "text/csv")
	rw.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", fileName))

	if err := gocsv.Marshal(withdrawals, rw); err != nil {
		httperror.InternalError(ctx, "Failed to write CSV", err, nil).Render(rw)
		return
	}
}
