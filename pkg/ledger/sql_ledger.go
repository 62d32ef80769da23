package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SQLLedger implements Ledger on a single-row table.
// It supports both Postgres and SQLite via standard drivers.
type SQLLedger struct {
	db *sqlx.DB
}

func NewSQLLedger(db *sqlx.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS sync_version (
	id INTEGER PRIMARY KEY,
	current_version BIGINT NOT NULL DEFAULT 0
);
`

const seed = `INSERT INTO sync_version (id, current_version) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`

// Init creates the ledger table and seeds the version row at 0.
func (l *SQLLedger) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create sync_version: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, seed); err != nil {
		return fmt.Errorf("seed sync_version: %w", err)
	}
	return nil
}

func (l *SQLLedger) GetCurrentVersion(ctx context.Context) (int64, error) {
	var v int64
	err := l.db.QueryRowxContext(ctx, `SELECT current_version FROM sync_version WHERE id = 1`).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotInitialized
		}
		return 0, err
	}
	return v, nil
}

// AssignNext increments the counter with UPDATE ... RETURNING. The row lock
// taken by the UPDATE is held until tx ends, so concurrent writers queue
// behind it and commit in version order.
func (l *SQLLedger) AssignNext(ctx context.Context, tx sqlx.QueryerContext) (int64, error) {
	var v int64
	err := tx.QueryRowxContext(ctx,
		`UPDATE sync_version SET current_version = current_version + 1 WHERE id = 1 RETURNING current_version`,
	).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotInitialized
		}
		return 0, fmt.Errorf("advance ledger: %w", err)
	}
	return v, nil
}
