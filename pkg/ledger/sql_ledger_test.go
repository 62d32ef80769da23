package ledger

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenDataEnsemble/synkronus/pkg/database"
)

func newMockLedger(t *testing.T) (*SQLLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLLedger(sqlx.NewDb(db, "postgres")), mock
}

func TestSQLLedger_GetCurrentVersion(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectQuery("SELECT current_version FROM sync_version").
		WillReturnRows(sqlmock.NewRows([]string{"current_version"}).AddRow(int64(42)))

	v, err := l.GetCurrentVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_GetCurrentVersion_Missing(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectQuery("SELECT current_version FROM sync_version").
		WillReturnError(sql.ErrNoRows)

	_, err := l.GetCurrentVersion(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestSQLLedger_AssignNextInsideTx(t *testing.T) {
	l, mock := newMockLedger(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE sync_version SET current_version = current_version").
		WillReturnRows(sqlmock.NewRows([]string{"current_version"}).AddRow(int64(7)))
	mock.ExpectCommit()

	tx, err := l.db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	v, err := l.AssignNext(ctx, tx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, int64(7), v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_AssignNextError(t *testing.T) {
	l, mock := newMockLedger(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE sync_version").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	tx, err := l.db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	_, err = l.AssignNext(ctx, tx)
	require.Error(t, err)
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func openSQLiteLedger(t *testing.T) (*SQLLedger, *sqlx.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l := NewSQLLedger(db)
	require.NoError(t, l.Init(ctx))
	return l, db
}

func TestSQLLedger_InitIsIdempotent(t *testing.T) {
	l, _ := openSQLiteLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Init(ctx))
	v, err := l.GetCurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestSQLLedger_RollbackDoesNotConsume(t *testing.T) {
	l, db := openSQLiteLedger(t)
	ctx := context.Background()

	err := database.WithTx(ctx, db, func(tx *sqlx.Tx) error {
		if _, err := l.AssignNext(ctx, tx); err != nil {
			return err
		}
		return errors.New("write rejected")
	})
	require.Error(t, err)

	v, err := l.GetCurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	err = database.WithTx(ctx, db, func(tx *sqlx.Tx) error {
		next, err := l.AssignNext(ctx, tx)
		assert.Equal(t, int64(1), next)
		return err
	})
	require.NoError(t, err)
}

func TestSQLLedger_ConcurrentAssignmentsAreUnique(t *testing.T) {
	l, db := openSQLiteLedger(t)
	ctx := context.Background()

	const workers, perWorker = 8, 25

	var (
		mu   sync.Mutex
		seen = make(map[int64]bool)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				var got int64
				err := database.WithTx(ctx, db, func(tx *sqlx.Tx) error {
					var err error
					got, err = l.AssignNext(ctx, tx)
					return err
				})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, seen[got], "version %d assigned twice", got)
				seen[got] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	v, err := l.GetCurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), v)
	for i := int64(1); i <= v; i++ {
		assert.True(t, seen[i], "gap at version %d", i)
	}
}
