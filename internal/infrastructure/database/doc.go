// Package database provides SQLite connectivity for the relay.
//
// The relay stores only its own history (vendor frames sent and received);
// provisioning entries stay in the upstream controller. This package manages:
//   - Connection setup with WAL mode and a busy timeout
//   - Versioned, embedded schema migrations
//   - In-memory databases for tests (Path ":memory:")
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_name.up.sql with an optional
// matching .down.sql, and are registered by the migrations package.
package database
