package db

import (
	"context"
	"fmt"

	migrate "github.com/rubenv/sql-migrate"

	"github.com/tensorgrid/tensorgrid-backend/db/migrations"
	"github.com/tensorgrid/tensorgrid-backend/internal/utils"
)

// Migrate applies the given migration router's files to the database, up or down, stopping after
// count migrations (0 = no limit). Each router keeps its own bookkeeping table so the auth and core
// sets can evolve independently.
func Migrate(dbURL string, dir migrate.MigrationDirection, count int, router migrations.MigrationRouter) (int, error) {
	dbConnectionPool, err := OpenDBConnectionPool(dbURL)
	if err != nil {
		return 0, fmt.Errorf("database URL '%s': %w", utils.TruncateString(dbURL, len(dbURL)/4), err)
	}
	defer dbConnectionPool.Close()

	ms := migrate.MigrationSet{
		TableName: router.TableName,
	}

	m := migrate.HttpFileSystemMigrationSource{FileSystem: router.FS}
	ctx := context.Background()
	db, err := dbConnectionPool.SqlDB(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching sql.DB: %w", err)
	}
	return ms.ExecMax(db, dbConnectionPool.DriverName(), m, dir, count)
}
