// Package migrations embeds SQL migration files into the binary.
//
// This allows Quantix Connect to run migrations without needing the SQL
// files present on the filesystem - they're compiled into the executable.
// Each supported dialect keeps its own subdirectory; the database package
// reads the one matching the open connection.
package migrations

import (
	"embed"

	"github.com/quantix-io/quantix-connect/internal/infrastructure/database"
)

//go:embed sqlite/*.sql mysql/*.sql
var migrationsFS embed.FS

func init() {
	// Register embedded migrations with the database package.
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "." // Dialect subdirectories sit at the FS root
}
