package attachments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/OpenDataEnsemble/synkronus/pkg/database"
	"github.com/OpenDataEnsemble/synkronus/pkg/ledger"
)

// OperationType is the kind of change recorded for an attachment.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// Operation is one append-only entry in the attachment change log.
type Operation struct {
	AttachmentID string         `db:"attachment_id"`
	Operation    OperationType  `db:"operation"`
	ClientID     sql.NullString `db:"client_id"` // NULL applies to every client
	UploadedBy   sql.NullString `db:"uploaded_by"`
	Version      int64          `db:"version"`
	Size         int64          `db:"size"`
	ContentType  string         `db:"content_type"`
	CreatedAt    time.Time      `db:"created_at"`
}

// OperationLog appends attachment operations stamped by the shared ledger.
type OperationLog struct {
	db     *sqlx.DB
	ledger ledger.Ledger
	now    func() time.Time
}

func NewOperationLog(db *sqlx.DB, l ledger.Ledger) *OperationLog {
	return &OperationLog{db: db, ledger: l, now: time.Now}
}

const operationsPostgres = `
CREATE TABLE IF NOT EXISTS attachment_operations (
	id BIGSERIAL PRIMARY KEY,
	attachment_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	client_id TEXT,
	uploaded_by TEXT,
	version BIGINT NOT NULL UNIQUE,
	size BIGINT NOT NULL DEFAULT 0,
	content_type TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
ALTER TABLE attachment_operations ADD COLUMN IF NOT EXISTS uploaded_by TEXT;
CREATE INDEX IF NOT EXISTS idx_attachment_operations_attachment ON attachment_operations (attachment_id, version);
`

const operationsSQLite = `
CREATE TABLE IF NOT EXISTS attachment_operations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	attachment_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	client_id TEXT,
	uploaded_by TEXT,
	version INTEGER NOT NULL UNIQUE,
	size INTEGER NOT NULL DEFAULT 0,
	content_type TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attachment_operations_attachment ON attachment_operations (attachment_id, version);
`

func (l *OperationLog) Init(ctx context.Context) error {
	ddl := operationsSQLite
	if database.DialectOf(l.db) == database.DialectPostgres {
		ddl = operationsPostgres
	}
	if _, err := l.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create attachment_operations: %w", err)
	}
	if database.DialectOf(l.db) == database.DialectSQLite {
		return l.addSQLiteUploaderColumn(ctx)
	}
	return nil
}

// addSQLiteUploaderColumn upgrades tables created before uploaders were
// tracked. SQLite has no ADD COLUMN IF NOT EXISTS.
func (l *OperationLog) addSQLiteUploaderColumn(ctx context.Context) error {
	var n int
	err := l.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM pragma_table_info('attachment_operations') WHERE name = 'uploaded_by'`)
	if err != nil {
		return fmt.Errorf("inspect attachment_operations: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := l.db.ExecContext(ctx, `ALTER TABLE attachment_operations ADD COLUMN uploaded_by TEXT`); err != nil {
		return fmt.Errorf("add uploaded_by column: %w", err)
	}
	return nil
}

// Record appends op, assigning its version from the ledger in the same
// transaction. The stamped operation is returned.
func (l *OperationLog) Record(ctx context.Context, op Operation) (*Operation, error) {
	switch op.Operation {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return nil, fmt.Errorf("unknown attachment operation %q", op.Operation)
	}
	return l.record(ctx, op, func(*Operation) (OperationType, error) { return op.Operation, nil })
}

// RecordUpload appends a create, or an update when the attachment is live,
// deciding which from the log inside the write transaction.
func (l *OperationLog) RecordUpload(ctx context.Context, op Operation) (*Operation, error) {
	return l.record(ctx, op, func(prev *Operation) (OperationType, error) {
		if prev != nil && prev.Operation != OpDelete {
			return OpUpdate, nil
		}
		return OpCreate, nil
	})
}

// RecordDelete appends a delete for a live attachment. It returns
// ErrNotFound, without advancing the ledger, when the attachment is absent
// or already deleted.
func (l *OperationLog) RecordDelete(ctx context.Context, attachmentID string) (*Operation, error) {
	return l.record(ctx, Operation{AttachmentID: attachmentID}, func(prev *Operation) (OperationType, error) {
		if prev == nil || prev.Operation == OpDelete {
			return "", fmt.Errorf("%w: %s", ErrNotFound, attachmentID)
		}
		return OpDelete, nil
	})
}

// record stamps and inserts op with the kind returned by resolve. The ledger
// row is advanced before the log is read: on Postgres its row lock orders
// concurrent writers, and SQLite holds a single connection.
func (l *OperationLog) record(ctx context.Context, op Operation, resolve func(prev *Operation) (OperationType, error)) (*Operation, error) {
	if err := ValidateID(op.AttachmentID); err != nil {
		return nil, err
	}
	op.CreatedAt = l.now().UTC()

	err := database.WithTx(ctx, l.db, func(tx *sqlx.Tx) error {
		v, err := l.ledger.AssignNext(ctx, tx)
		if err != nil {
			return err
		}
		prev, err := latest(ctx, tx, op.AttachmentID)
		if err != nil {
			return err
		}
		if op.Operation, err = resolve(prev); err != nil {
			return err
		}
		op.Version = v
		_, err = tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO attachment_operations (attachment_id, operation, client_id, uploaded_by, version, size, content_type, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			op.AttachmentID, string(op.Operation), op.ClientID, op.UploadedBy, op.Version, op.Size, op.ContentType, op.CreatedAt)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("record attachment operation: %w", err)
	}
	return &op, nil
}

const selectOperations = `SELECT attachment_id, operation, client_id, uploaded_by, version, size, content_type, created_at FROM attachment_operations`

// ListSince returns operations visible to clientID with version > since,
// ascending.
func (l *OperationLog) ListSince(ctx context.Context, clientID string, since int64) ([]Operation, error) {
	var ops []Operation
	err := l.db.SelectContext(ctx, &ops, l.db.Rebind(selectOperations+
		` WHERE version > ? AND (client_id IS NULL OR client_id = ?) ORDER BY version ASC`),
		since, clientID)
	if err != nil {
		return nil, fmt.Errorf("list attachment operations: %w", err)
	}
	return ops, nil
}

// Latest returns the newest operation for an attachment, or nil if none.
func (l *OperationLog) Latest(ctx context.Context, attachmentID string) (*Operation, error) {
	return latest(ctx, l.db, attachmentID)
}

// queryer is satisfied by *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.QueryerContext
	Rebind(string) string
}

func latest(ctx context.Context, q queryer, attachmentID string) (*Operation, error) {
	var op Operation
	err := sqlx.GetContext(ctx, q, &op, q.Rebind(
		selectOperations+` WHERE attachment_id = ? ORDER BY version DESC LIMIT 1`), attachmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load attachment operation: %w", err)
	}
	return &op, nil
}
