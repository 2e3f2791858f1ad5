// Package mysql wires the shared sqlcommon store to
// github.com/go-sql-driver/mysql.
package mysql

import (
	"context"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/ddnet-accounts/accountd/internal/platform/storage"
	"github.com/ddnet-accounts/accountd/internal/platform/storage/sqlcommon"
)

var dialect = sqlcommon.Dialect{Name: "mysql", SupportsReturning: false}

// Open connects to dsn (a go-sql-driver/mysql DSN, e.g.
// "user:pass@tcp(host:3306)/dbname?parseTime=true") and pings it before
// returning a ready-to-use storage.Store.
func Open(ctx context.Context, dsn string) (storage.Store, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	return sqlcommon.New(db, dialect), nil
}
