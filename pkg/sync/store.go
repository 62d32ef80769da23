package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/OpenDataEnsemble/synkronus/pkg/database"
)

// ObservationStore persists observations. Writes take the caller's
// transaction so the row and its ledger stamp commit together.
type ObservationStore struct {
	db *sqlx.DB
}

func NewObservationStore(db *sqlx.DB) *ObservationStore {
	return &ObservationStore{db: db}
}

const observationsPostgres = `
CREATE TABLE IF NOT EXISTS observations (
	observation_id TEXT PRIMARY KEY,
	form_type TEXT NOT NULL DEFAULT '',
	form_version TEXT NOT NULL DEFAULT '',
	data JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	synced_at TIMESTAMPTZ NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	version BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_observations_version ON observations (version);
CREATE INDEX IF NOT EXISTS idx_observations_form_type ON observations (form_type, version);
`

const observationsSQLite = `
CREATE TABLE IF NOT EXISTS observations (
	observation_id TEXT PRIMARY KEY,
	form_type TEXT NOT NULL DEFAULT '',
	form_version TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	synced_at TIMESTAMP NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT 0,
	version INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_observations_version ON observations (version);
CREATE INDEX IF NOT EXISTS idx_observations_form_type ON observations (form_type, version);
`

// Init creates the observations table.
func (s *ObservationStore) Init(ctx context.Context) error {
	ddl := observationsSQLite
	if database.DialectOf(s.db) == database.DialectPostgres {
		ddl = observationsPostgres
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create observations: %w", err)
	}
	return nil
}

const upsertObservation = `
INSERT INTO observations
	(observation_id, form_type, form_version, data, created_at, updated_at, synced_at, deleted, version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (observation_id) DO UPDATE SET
	form_type = excluded.form_type,
	form_version = excluded.form_version,
	data = excluded.data,
	updated_at = excluded.updated_at,
	synced_at = excluded.synced_at,
	deleted = excluded.deleted,
	version = excluded.version
`

// Upsert inserts obs or updates the existing row with the same id. The
// stored created_at of an existing row is kept.
func (s *ObservationStore) Upsert(ctx context.Context, tx *sqlx.Tx, obs *Observation) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(upsertObservation),
		obs.ObservationID,
		obs.FormType,
		obs.FormVersion,
		string(obs.Data),
		obs.CreatedAt.UTC(),
		obs.UpdatedAt.UTC(),
		obs.SyncedAt.UTC(),
		obs.Deleted,
		obs.Version,
	)
	if err != nil {
		return fmt.Errorf("upsert observation %s: %w", obs.ObservationID, err)
	}
	return nil
}

type observationRow struct {
	ObservationID string    `db:"observation_id"`
	FormType      string    `db:"form_type"`
	FormVersion   string    `db:"form_version"`
	Data          string    `db:"data"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
	SyncedAt      time.Time `db:"synced_at"`
	Deleted       bool      `db:"deleted"`
	Version       int64     `db:"version"`
}

func (r observationRow) toObservation() Observation {
	return Observation{
		ObservationID: r.ObservationID,
		FormType:      r.FormType,
		FormVersion:   r.FormVersion,
		Data:          json.RawMessage(r.Data),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		SyncedAt:      r.SyncedAt,
		Deleted:       r.Deleted,
		Version:       r.Version,
	}
}

// ListRange returns up to limit rows with after < version <= upTo in
// ascending version order, optionally restricted to formTypes.
func (s *ObservationStore) ListRange(ctx context.Context, after, upTo int64, formTypes []string, limit int) ([]Observation, error) {
	query := `SELECT observation_id, form_type, form_version, data, created_at, updated_at, synced_at, deleted, version
		FROM observations WHERE version > ? AND version <= ?`
	args := []interface{}{after, upTo}

	if len(formTypes) > 0 {
		query += ` AND form_type IN (?)`
		args = append(args, formTypes)
		var err error
		query, args, err = sqlx.In(query, args...)
		if err != nil {
			return nil, fmt.Errorf("expand form types: %w", err)
		}
	}
	query += ` ORDER BY version ASC LIMIT ?`
	args = append(args, limit)

	var rows []observationRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}

	out := make([]Observation, len(rows))
	for i, r := range rows {
		out[i] = r.toObservation()
	}
	return out, nil
}

// Get returns a single observation by id.
func (s *ObservationStore) Get(ctx context.Context, id string) (*Observation, error) {
	var row observationRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT observation_id, form_type, form_version, data, created_at, updated_at, synced_at, deleted, version
		FROM observations WHERE observation_id = ?`), id)
	if err != nil {
		return nil, err
	}
	obs := row.toObservation()
	return &obs, nil
}
