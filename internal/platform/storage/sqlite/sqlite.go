// Package sqlite wires the shared sqlcommon store to modernc.org/sqlite, a
// pure-Go driver (no cgo). Intended for embeddable and test deployments of
// the authority.
package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/ddnet-accounts/accountd/internal/platform/storage"
	"github.com/ddnet-accounts/accountd/internal/platform/storage/sqlcommon"
)

var dialect = sqlcommon.Dialect{Name: "sqlite", SupportsReturning: false}

// Open connects to a sqlite dsn (a file path, or ":memory:" for tests) and
// returns a ready-to-use storage.Store.
func Open(ctx context.Context, dsn string) (storage.Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes writers internally; a single
	// connection avoids SQLITE_BUSY under concurrent engines.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
	}

	return sqlcommon.New(db, dialect), nil
}
