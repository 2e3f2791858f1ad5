// Package postgres wires the shared sqlcommon store to github.com/lib/pq.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/ddnet-accounts/accountd/internal/platform/storage"
	"github.com/ddnet-accounts/accountd/internal/platform/storage/sqlcommon"
)

var dialect = sqlcommon.Dialect{Name: "postgres", SupportsReturning: true}

// Open connects to dsn and pings it with a bounded timeout before returning
// a ready-to-use storage.Store.
func Open(ctx context.Context, dsn string) (storage.Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return sqlcommon.New(db, dialect), nil
}
