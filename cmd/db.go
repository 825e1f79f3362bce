package cmd

import (
	"context"
	"fmt"
	"strconv"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	cmdUtils "github.com/tensorgrid/tensorgrid-backend/cmd/utils"
	"github.com/tensorgrid/tensorgrid-backend/db"
	"github.com/tensorgrid/tensorgrid-backend/db/migrations"
	"github.com/tensorgrid/tensorgrid-backend/pkg/log"
)

// DBConfigOptionFlagName is the name of the flag that holds the database URL.
const DBConfigOptionFlagName = "database-url"

type DatabaseCommand struct{}

func (c *DatabaseCommand) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:              "db",
		Short:            "Database related commands",
		PersistentPreRun: cmdUtils.DefaultPersistentPreRun,
		Run: func(cmd *cobra.Command, _ []string) {
			err := cmd.Help()
			if err != nil {
				log.Fatalf("Error calling help command: %s", err.Error())
			}
		},
	}

	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Authentication schema migration helpers. Manages the users table.",
		Run: func(cmd *cobra.Command, _ []string) {
			err := cmd.Help()
			if err != nil {
				log.Fatalf("Error calling help command: %s", err.Error())
			}
		},
	}
	authCmd.AddCommand(migrateCmd(migrations.AuthMigrationRouter))

	coreCmd := &cobra.Command{
		Use:   "core",
		Short: "Core schema migration helpers. Manages tasks, subtasks, devices, earnings, withdrawals and API keys.",
		Run: func(cmd *cobra.Command, _ []string) {
			err := cmd.Help()
			if err != nil {
				log.Fatalf("Error calling help command: %s", err.Error())
			}
		},
	}
	coreCmd.AddCommand(migrateCmd(migrations.CoreMigrationRouter))

	cmd.AddCommand(authCmd)
	cmd.AddCommand(coreCmd)

	return cmd
}

func migrateCmd(router migrations.MigrationRouter) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Schema migration helpers",
		Run: func(cmd *cobra.Command, _ []string) {
			err := cmd.Help()
			if err != nil {
				log.Fatalf("Error calling help command: %s", err.Error())
			}
		},
	}

	migrateUpCmd := &cobra.Command{
		Use:   "up",
		Short: "Migrates database up [count] migrations",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			var count int
			if len(args) > 0 {
				var err error
				count, err = strconv.Atoi(args[0])
				if err != nil {
					log.Ctx(ctx).Fatalf("Invalid [count] argument: %s", args[0])
				}
			}

			err := runMigrations(ctx, globalOptions.DatabaseURL, migrate.Up, count, router)
			if err != nil {
				log.Ctx(ctx).Fatalf("Error migrating database Up: %s", err.Error())
			}
		},
	}

	migrateDownCmd := &cobra.Command{
		Use:   "down [count]",
		Short: "Migrates database down [count] migrations",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			count, err := strconv.Atoi(args[0])
			if err != nil {
				log.Ctx(ctx).Fatalf("Invalid [count] argument: %s", args[0])
			}

			err = runMigrations(ctx, globalOptions.DatabaseURL, migrate.Down, count, router)
			if err != nil {
				log.Ctx(ctx).Fatalf("Error migrating database Down: %s", err.Error())
			}
		},
	}

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	return migrateCmd
}

func runMigrations(ctx context.Context, dbURL string, dir migrate.MigrationDirection, count int, router migrations.MigrationRouter) error {
	numMigrationsRun, err := db.Migrate(dbURL, dir, count, router)
	if err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	if numMigrationsRun == 0 {
		log.Ctx(ctx).Info("No migrations applied.")
	} else {
		log.Ctx(ctx).Infof("Successfully applied %d migrations %s.", numMigrationsRun, migrationDirectionStr(dir))
	}
	return nil
}

func migrationDirectionStr(dir migrate.MigrationDirection) string {
	if dir == migrate.Up {
		return "up"
	}
	return "down"
}
