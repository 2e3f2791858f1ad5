// Package migrations carries the embedded per-dialect schema and a
// runner that brings a database to the latest schema before any prepared
// statement is created. Postgres and mysql record the applied version in
// golang-migrate's own table; the sqlite path records no version.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed postgres/*.sql
var postgresFS embed.FS

//go:embed mysql/*.sql
var mysqlFS embed.FS

//go:embed sqlite/*.sql
var sqliteFS embed.FS

// Apply brings db up to the latest schema for dialect ("postgres", "mysql"
// or "sqlite"). Postgres and mysql go through golang-migrate for versioned,
// resumable migrations; sqlite uses a direct embedded-apply path because
// golang-migrate's bundled sqlite3 driver depends on the cgo mattn/
// go-sqlite3 binding, which conflicts with this repo's pure-Go
// modernc.org/sqlite driver (see DESIGN.md).
func Apply(ctx context.Context, dialect string, db *sql.DB) error {
	switch dialect {
	case "postgres":
		return applyWithMigrate(postgresFS, "postgres", func() (database.Driver, error) {
			return postgres.WithInstance(db, &postgres.Config{})
		})
	case "mysql":
		return applyWithMigrate(mysqlFS, "mysql", func() (database.Driver, error) {
			return mysql.WithInstance(db, &mysql.Config{})
		})
	case "sqlite":
		return applyEmbeddedDirect(ctx, db, sqliteFS, "sqlite")
	default:
		return fmt.Errorf("migrations: unsupported dialect %q", dialect)
	}
}

func applyWithMigrate(fsys embed.FS, subdir string, openDriver func() (database.Driver, error)) error {
	src, err := iofs.New(fsys, subdir)
	if err != nil {
		return fmt.Errorf("migrations: load %s source: %w", subdir, err)
	}

	dbDriver, err := openDriver()
	if err != nil {
		return fmt.Errorf("migrations: open %s driver: %w", subdir, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, subdir, dbDriver)
	if err != nil {
		return fmt.Errorf("migrations: build migrator for %s: %w", subdir, err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrations: apply %s: %w", subdir, err)
	}
	return nil
}

// applyEmbeddedDirect execs every embedded .sql file in lexical order,
// idempotent via IF NOT EXISTS guards in the SQL itself.
func applyEmbeddedDirect(ctx context.Context, db *sql.DB, fsys embed.FS, subdir string) error {
	entries, err := fsys.ReadDir(subdir)
	if err != nil {
		return fmt.Errorf("migrations: list %s: %w", subdir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := fsys.ReadFile(subdir + "/" + name)
		if err != nil {
			return fmt.Errorf("migrations: read %s/%s: %w", subdir, name, err)
		}
		if _, err := db.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("migrations: apply %s/%s: %w", subdir, name, err)
		}
	}
	return nil
}
