// Package database provides relational database connectivity for Quantix Connect.
//
// This package manages:
//   - SQLite connections with WAL mode for concurrent access (default)
//   - MySQL connections for multi-node deployments (DB_TYPE=mysql)
//   - Schema migrations, embedded per dialect
//   - Connection pooling and lifecycle management
//
// Security Considerations:
//   - All queries use parameterised statements (no SQL injection)
//   - SQLite file permissions are set to 0600 (owner read/write only)
//   - MySQL credentials arrive via environment variables, never YAML committed
//     to source control
//
// Performance Characteristics:
//   - WAL mode allows concurrent reads during writes
//   - Busy timeout prevents lock contention errors
//   - MySQL pool is bounded to avoid exhausting server connections
//
// Usage:
//
//	db, err := database.Open(database.Config{
//	    Type: cfg.Database.Type,
//	    Name: cfg.Database.Name,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	// Run migrations
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration Strategy:
//
// Migrations are additive-only to support safe rollbacks:
//   - New columns must be NULLABLE or have DEFAULT values
//   - Never DROP or RENAME columns (until a major release)
//   - Each migration file has both .up.sql and .down.sql
//   - The sqlite/ and mysql/ directories must stay in lockstep: same
//     versions, same logical schema
package database
