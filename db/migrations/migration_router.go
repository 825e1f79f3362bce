package migrations

import (
	"net/http"

	authmigrations "github.com/tensorgrid/tensorgrid-backend/db/migrations/auth-migrations"
	coremigrations "github.com/tensorgrid/tensorgrid-backend/db/migrations/core-migrations"
)

type MigrationRouter struct {
	TableName string
	FS        http.FileSystem
}

var (
	AuthMigrationRouter = MigrationRouter{TableName: "auth_migrations", FS: http.FS(authmigrations.FS)}
	CoreMigrationRouter = MigrationRouter{TableName: "core_migrations", FS: http.FS(coremigrations.FS)}
)
