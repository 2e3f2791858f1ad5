package migrations

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestApplySqliteExecutesEveryEmbeddedFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	entries, err := sqliteFS.ReadDir("sqlite")
	require.NoError(t, err)
	for range entries {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, Apply(context.Background(), "sqlite", db))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyRejectsUnknownDialect(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	err = Apply(context.Background(), "oracle", db)
	require.Error(t, err)
}
