package database_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenDataEnsemble/synkronus/pkg/database"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_EmptyURL(t *testing.T) {
	_, err := database.Open(context.Background(), "")
	assert.Error(t, err)
}

func TestOpen_SQLiteDialect(t *testing.T) {
	db := openTestDB(t)
	assert.Equal(t, database.DialectSQLite, database.DialectOf(db))
}

func TestWithTx_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.ExecContext(ctx, `CREATE TABLE items (name TEXT PRIMARY KEY)`)
	require.NoError(t, err)

	err = database.WithTx(ctx, db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO items (name) VALUES (?)`), "kept")
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = database.WithTx(ctx, db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO items (name) VALUES (?)`), "dropped"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var names []string
	require.NoError(t, db.SelectContext(ctx, &names, `SELECT name FROM items ORDER BY name`))
	assert.Equal(t, []string{"kept"}, names)
}
