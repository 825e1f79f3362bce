package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tensorgrid/tensorgrid-backend/db"
	"github.com/tensorgrid/tensorgrid-backend/db/dbtest"
	"github.com/tensorgrid/tensorgrid-backend/internal/data"
)

// testMarginRatio mirrors the default requestor margin of 20%.
var testMarginRatio = DefaultRequestorMarginRatio

func openTestPool(t *testing.T) db.DBConnectionPool {
	t.Helper()

	dbt := dbtest.Open(t)
	t.Cleanup(dbt.Close)

	dbConnectionPool, err := db.OpenDBConnectionPool(dbt.DSN)
	require.NoError(t, err)
	t.Cleanup(func() { dbConnectionPool.Close() })

	return dbConnectionPool
}

func newTestModels(t *testing.T, dbConnectionPool db.DBConnectionPool) *data.Models {
	t.Helper()

	models, err := data.NewModels(dbConnectionPool)
	require.NoError(t, err)
	return models
}

func newTestAssignmentEngine(t *testing.T, models *data.Models, allowSelfAssignment bool) *AssignmentEngine {
	t.Helper()

	assignmentEngine, err := NewAssignmentEngine(AssignmentEngineOptions{
		Models:              models,
		HeartbeatInterval:   5 * time.Minute,
		AllowSelfAssignment: allowSelfAssignment,
	})
	require.NoError(t, err)
	return assignmentEngine
}

func newTestLifecycleEngine(t *testing.T, models *data.Models) *LifecycleEngine {
	t.Helper()

	ledger, err := NewLedger(models, testMarginRatio)
	require.NoError(t, err)

	lifecycleEngine, err := NewLifecycleEngine(LifecycleEngineOptions{
		Models:            models,
		Ledger:            ledger,
		HeartbeatInterval: 5 * time.Minute,
	})
	require.NoError(t, err)
	return lifecycleEngine
}
