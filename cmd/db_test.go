package cmd

import (
	"context"
	"fmt"
	"strings"
	"testing"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorgrid/tensorgrid-backend/db"
	"github.com/tensorgrid/tensorgrid-backend/db/dbtest"
	"github.com/tensorgrid/tensorgrid-backend/db/migrations"
	"github.com/tensorgrid/tensorgrid-backend/pkg/log"
)

func getMigrationsApplied(t *testing.T, ctx context.Context, dbt *dbtest.DB, tableName string) []string {
	t.Helper()

	conn := dbt.Open()
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, fmt.Sprintf("SELECT id FROM %s", tableName))
	require.NoError(t, err)
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		err = rows.Scan(&id)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err())

	return ids
}

func Test_DatabaseCommand_migrate(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name        string
		args        []string
		expect      string
		expectError string
		preRunFunc  func(*testing.T, *dbtest.DB)
		postRunFunc func(*testing.T, *dbtest.DB)
	}{
		{
			name:   "db --help prints the available sub-commands",
			args:   []string{"db", "--help"},
			expect: "Database related commands",
		},
		{
			name:   "auth migrate up 1 applies the users migration",
			args:   []string{"db", "auth", "migrate", "up", "1"},
			expect: "Successfully applied 1 migrations up.",
			postRunFunc: func(t *testing.T, dbt *dbtest.DB) {
				ids := getMigrationsApplied(t, ctx, dbt, migrations.AuthMigrationRouter.TableName)
				assert.Equal(t, []string{"2025-08-28.0-add-users-table.sql"}, ids)
			},
		},
		{
			name:   "auth migrate up applies all migrations when no count is given",
			args:   []string{"db", "auth", "migrate", "up"},
			expect: "Successfully applied 2 migrations up.",
			postRunFunc: func(t *testing.T, dbt *dbtest.DB) {
				ids := getMigrationsApplied(t, ctx, dbt, migrations.AuthMigrationRouter.TableName)
				assert.Len(t, ids, 2)
			},
		},
		{
			name:   "core migrate up applies on top of the auth schema",
			args:   []string{"db", "core", "migrate", "up"},
			expect: "Successfully applied 3 migrations up.",
			preRunFunc: func(t *testing.T, dbt *dbtest.DB) {
				_, err := db.Migrate(dbt.DSN, migrate.Up, 0, migrations.AuthMigrationRouter)
				require.NoError(t, err)
			},
			postRunFunc: func(t *testing.T, dbt *dbtest.DB) {
				ids := getMigrationsApplied(t, ctx, dbt, migrations.CoreMigrationRouter.TableName)
				assert.Len(t, ids, 3)
			},
		},
		{
			name:        "migrate down requires a count",
			args:        []string{"db", "auth", "migrate", "down"},
			expectError: "accepts 1 arg(s), received 0",
		},
		{
			name:   "auth migrate down 1 reverts the last migration",
			args:   []string{"db", "auth", "migrate", "down", "1"},
			expect: "Successfully applied 1 migrations down.",
			preRunFunc: func(t *testing.T, dbt *dbtest.DB) {
				_, err := db.Migrate(dbt.DSN, migrate.Up, 0, migrations.AuthMigrationRouter)
				require.NoError(t, err)
			},
			postRunFunc: func(t *testing.T, dbt *dbtest.DB) {
				ids := getMigrationsApplied(t, ctx, dbt, migrations.AuthMigrationRouter.TableName)
				assert.Equal(t, []string{"2025-08-28.0-add-users-table.sql"}, ids)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dbt := dbtest.OpenWithoutMigrations(t)
			defer dbt.Close()

			if tc.preRunFunc != nil {
				tc.preRunFunc(t, dbt)
			}

			buf := new(strings.Builder)
			log.DefaultLogger.SetOutput(buf)

			rootCmd := SetupCLI("x.y.z", "1234567890abcdef")
			rootCmd.SetOut(buf)
			rootCmd.SetErr(buf)
			rootCmd.SetArgs(append([]string{"--database-url", dbt.DSN}, tc.args...))

			err := rootCmd.Execute()
			if tc.expectError != "" {
				assert.ErrorContains(t, err, tc.expectError)
			} else {
				require.NoError(t, err)
			}

			if tc.expect != "" {
				assert.Contains(t, buf.String(), tc.expect)
			}

			if tc.postRunFunc != nil {
				tc.postRunFunc(t, dbt)
			}
		})
	}
}
