// Package database provides the SQLite connection used by the statement
// journal.
//
// It opens the database with WAL mode and a busy timeout, limits the pool to
// the single writer SQLite supports, and applies versioned migrations from
// any fs.FS (normally the embedded files of the migrations package).
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns must be nullable or have defaults,
// and every .up.sql has a matching .down.sql.
package database
