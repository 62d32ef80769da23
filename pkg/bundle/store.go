package bundle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/OpenDataEnsemble/synkronus/pkg/database"
)

// CoreFieldStore persists per-form core field baselines.
type CoreFieldStore interface {
	// Get returns the baseline for form, or nil when none is recorded.
	Get(ctx context.Context, form string) (*CoreFieldRecord, error)
	// Put records rec as the baseline for rec.Form.
	Put(ctx context.Context, rec *CoreFieldRecord) error
}

// MemoryCoreFieldStore keeps baselines in process memory.
type MemoryCoreFieldStore struct {
	mu      sync.RWMutex
	records map[string]*CoreFieldRecord
}

func NewMemoryCoreFieldStore() *MemoryCoreFieldStore {
	return &MemoryCoreFieldStore{records: make(map[string]*CoreFieldRecord)}
}

func (s *MemoryCoreFieldStore) Get(_ context.Context, form string) (*CoreFieldRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[form]
	if !ok {
		return nil, nil
	}
	return copyRecord(rec), nil
}

func (s *MemoryCoreFieldStore) Put(_ context.Context, rec *CoreFieldRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Form] = copyRecord(rec)
	return nil
}

func copyRecord(rec *CoreFieldRecord) *CoreFieldRecord {
	cp := &CoreFieldRecord{Form: rec.Form, Hash: rec.Hash, Fields: make(map[string]string, len(rec.Fields))}
	for k, v := range rec.Fields {
		cp.Fields[k] = v
	}
	return cp
}

// SQLCoreFieldStore stores baselines in table core_field_hashes.
type SQLCoreFieldStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewSQLCoreFieldStore(db *sqlx.DB) *SQLCoreFieldStore {
	return &SQLCoreFieldStore{db: db, now: time.Now}
}

const coreFieldsPostgres = `
CREATE TABLE IF NOT EXISTS core_field_hashes (
	form_name TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	fields JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

const coreFieldsSQLite = `
CREATE TABLE IF NOT EXISTS core_field_hashes (
	form_name TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	fields TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

func (s *SQLCoreFieldStore) Init(ctx context.Context) error {
	ddl := coreFieldsSQLite
	if database.DialectOf(s.db) == database.DialectPostgres {
		ddl = coreFieldsPostgres
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create core_field_hashes: %w", err)
	}
	return nil
}

func (s *SQLCoreFieldStore) Get(ctx context.Context, form string) (*CoreFieldRecord, error) {
	var row struct {
		Hash   string `db:"hash"`
		Fields string `db:"fields"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT hash, fields FROM core_field_hashes WHERE form_name = ?`), form)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load core fields for %s: %w", form, err)
	}

	rec := &CoreFieldRecord{Form: form, Hash: row.Hash}
	if err := json.Unmarshal([]byte(row.Fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("decode core fields for %s: %w", form, err)
	}
	return rec, nil
}

func (s *SQLCoreFieldStore) Put(ctx context.Context, rec *CoreFieldRecord) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO core_field_hashes (form_name, hash, fields, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (form_name) DO UPDATE SET hash = excluded.hash, fields = excluded.fields, updated_at = excluded.updated_at`),
		rec.Form, rec.Hash, string(fields), s.now().UTC())
	if err != nil {
		return fmt.Errorf("store core fields for %s: %w", rec.Form, err)
	}
	return nil
}
