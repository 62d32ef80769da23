package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/OpenDataEnsemble/synkronus/pkg/database"
)

const (
	transmissionPending   = "pending"
	transmissionCompleted = "completed"
)

// TransmissionStore is the durable replay cache for push batches, keyed by
// (client_id, transmission_id).
type TransmissionStore struct {
	db       *sqlx.DB
	claimTTL time.Duration
	now      func() time.Time
}

// NewTransmissionStore creates a store. A pending claim older than claimTTL
// is assumed abandoned and may be taken over.
func NewTransmissionStore(db *sqlx.DB, claimTTL time.Duration) *TransmissionStore {
	return &TransmissionStore{db: db, claimTTL: claimTTL, now: time.Now}
}

const transmissionsPostgres = `
CREATE TABLE IF NOT EXISTS sync_transmissions (
	client_id TEXT NOT NULL,
	transmission_id TEXT NOT NULL,
	status TEXT NOT NULL,
	result JSONB,
	claimed_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	PRIMARY KEY (client_id, transmission_id)
);
`

const transmissionsSQLite = `
CREATE TABLE IF NOT EXISTS sync_transmissions (
	client_id TEXT NOT NULL,
	transmission_id TEXT NOT NULL,
	status TEXT NOT NULL,
	result TEXT,
	claimed_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	PRIMARY KEY (client_id, transmission_id)
);
`

func (s *TransmissionStore) Init(ctx context.Context) error {
	ddl := transmissionsSQLite
	if database.DialectOf(s.db) == database.DialectPostgres {
		ddl = transmissionsPostgres
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create sync_transmissions: %w", err)
	}
	return nil
}

type transmissionRow struct {
	Status    string         `db:"status"`
	Result    sql.NullString `db:"result"`
	ClaimedAt time.Time      `db:"claimed_at"`
}

// Claim reserves a transmission for processing. It returns a non-nil
// result when the transmission already completed and should be replayed,
// and ErrTransmissionInProgress when a live claim is held elsewhere.
func (s *TransmissionStore) Claim(ctx context.Context, clientID, transmissionID string) (*PushResult, error) {
	now := s.now().UTC()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO sync_transmissions (client_id, transmission_id, status, claimed_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (client_id, transmission_id) DO NOTHING`),
		clientID, transmissionID, transmissionPending, now)
	if err != nil {
		return nil, fmt.Errorf("claim transmission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil, nil
	}

	var row transmissionRow
	err = s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT status, result, claimed_at FROM sync_transmissions WHERE client_id = ? AND transmission_id = ?`),
		clientID, transmissionID)
	if errors.Is(err, sql.ErrNoRows) {
		// Released between our insert and select; let the client retry.
		return nil, ErrTransmissionInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("load transmission: %w", err)
	}

	if row.Status == transmissionCompleted && row.Result.Valid {
		var cached PushResult
		if err := json.Unmarshal([]byte(row.Result.String), &cached); err != nil {
			return nil, fmt.Errorf("decode cached push result: %w", err)
		}
		cached.Replayed = true
		return &cached, nil
	}

	if now.Sub(row.ClaimedAt) < s.claimTTL {
		return nil, ErrTransmissionInProgress
	}

	// Stale claim: take it over only if nobody else did first.
	res, err = s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sync_transmissions SET claimed_at = ?
		WHERE client_id = ? AND transmission_id = ? AND status = ? AND claimed_at = ?`),
		now, clientID, transmissionID, transmissionPending, row.ClaimedAt)
	if err != nil {
		return nil, fmt.Errorf("take over transmission: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, ErrTransmissionInProgress
	}
	return nil, nil
}

// Complete stores the result so later retries replay it.
func (s *TransmissionStore) Complete(ctx context.Context, clientID, transmissionID string, result *PushResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode push result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sync_transmissions SET status = ?, result = ?, completed_at = ?
		WHERE client_id = ? AND transmission_id = ?`),
		transmissionCompleted, string(payload), s.now().UTC(), clientID, transmissionID)
	if err != nil {
		return fmt.Errorf("complete transmission: %w", err)
	}
	return nil
}

// Release drops a pending claim so the client can retry from scratch.
func (s *TransmissionStore) Release(ctx context.Context, clientID, transmissionID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM sync_transmissions WHERE client_id = ? AND transmission_id = ? AND status = ?`),
		clientID, transmissionID, transmissionPending)
	if err != nil {
		return fmt.Errorf("release transmission: %w", err)
	}
	return nil
}

// Prune removes completed transmissions older than retention.
func (s *TransmissionStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM sync_transmissions WHERE status = ? AND completed_at < ?`),
		transmissionCompleted, s.now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune transmissions: %w", err)
	}
	return res.RowsAffected()
}
