package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"

	"github.com/OpenDataEnsemble/synkronus/pkg/database"
	"github.com/OpenDataEnsemble/synkronus/pkg/ledger"
	"github.com/OpenDataEnsemble/synkronus/pkg/observability"
)

// Service implements push and pull over the observation store.
type Service struct {
	db            *sqlx.DB
	ledger        ledger.Ledger
	store         *ObservationStore
	transmissions *TransmissionStore
	obs           *observability.Provider
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l.With("component", "sync") }
}

func WithObservability(p *observability.Provider) Option {
	return func(s *Service) { s.obs = p }
}

// WithClock overrides the time source used for synced_at and claims.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
		s.transmissions.now = now
	}
}

// WithClaimTTL sets how long a pending transmission claim blocks retries.
func WithClaimTTL(ttl time.Duration) Option {
	return func(s *Service) { s.transmissions.claimTTL = ttl }
}

func NewService(db *sqlx.DB, l ledger.Ledger, opts ...Option) *Service {
	s := &Service{
		db:            db,
		ledger:        l,
		store:         NewObservationStore(db),
		transmissions: NewTransmissionStore(db, 5*time.Minute),
		logger:        slog.Default().With("component", "sync"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the observation and transmission tables.
func (s *Service) Init(ctx context.Context) error {
	if err := s.store.Init(ctx); err != nil {
		return err
	}
	return s.transmissions.Init(ctx)
}

// Store exposes the observation store for read-side callers.
func (s *Service) Store() *ObservationStore { return s.store }

// Transmissions exposes the replay cache for maintenance jobs.
func (s *Service) Transmissions() *TransmissionStore { return s.transmissions }

// ProcessPushedRecords stores a batch of client records. Each record is an
// independent unit of work: a failing record is reported in FailedRecords
// and never rolls back the others. A retried transmission replays the
// first result without touching the ledger.
func (s *Service) ProcessPushedRecords(ctx context.Context, records []PushRecord, clientID, transmissionID string) (result *PushResult, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "sync.push",
		attribute.String("client_id", clientID),
		attribute.Int("records", len(records)),
	)
	defer func() { done(err) }()

	switch {
	case strings.TrimSpace(clientID) == "":
		return nil, fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	case strings.TrimSpace(transmissionID) == "":
		return nil, fmt.Errorf("%w: transmission_id is required", ErrInvalidRequest)
	case len(records) == 0:
		return nil, fmt.Errorf("%w: records must not be empty", ErrInvalidRequest)
	}

	cached, err := s.transmissions.Claim(ctx, clientID, transmissionID)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		s.logger.InfoContext(ctx, "replaying push result",
			"client_id", clientID,
			"transmission_id", transmissionID,
			"success_count", cached.SuccessCount,
		)
		return cached, nil
	}

	// Once claimed, the batch runs to completion even if the caller goes
	// away: a retry must find the cached result, not re-apply committed
	// records.
	work := context.WithoutCancel(ctx)

	result, err = s.applyBatch(work, records, clientID)
	if err != nil {
		if relErr := s.transmissions.Release(work, clientID, transmissionID); relErr != nil {
			s.logger.ErrorContext(ctx, "failed to release transmission claim",
				"transmission_id", transmissionID, "error", relErr)
		}
		return nil, err
	}

	if err := s.transmissions.Complete(work, clientID, transmissionID, result); err != nil {
		// The writes are committed; a missing cache entry only means a
		// retry would re-apply them as updates.
		s.logger.ErrorContext(ctx, "failed to cache push result",
			"transmission_id", transmissionID, "error", err)
	}

	s.logger.InfoContext(ctx, "push processed",
		"client_id", clientID,
		"transmission_id", transmissionID,
		"success_count", result.SuccessCount,
		"failed_count", len(result.FailedRecords),
		"current_version", result.CurrentVersion,
	)
	return result, nil
}

func (s *Service) applyBatch(ctx context.Context, records []PushRecord, clientID string) (*PushResult, error) {
	result := &PushResult{
		FailedRecords: []FailedRecord{},
		Warnings:      []Warning{},
	}
	var lastVersion int64

	for i := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := &records[i]

		obs, err := s.prepare(rec)
		if err != nil {
			result.FailedRecords = append(result.FailedRecords, FailedRecord{ID: rec.ObservationID, Error: err.Error()})
			continue
		}

		err = database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
			v, err := s.ledger.AssignNext(ctx, tx)
			if err != nil {
				return err
			}
			obs.Version = v
			return s.store.Upsert(ctx, tx, obs)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.WarnContext(ctx, "record write failed",
				"client_id", clientID,
				"observation_id", obs.ObservationID,
				"error", err,
			)
			result.FailedRecords = append(result.FailedRecords, FailedRecord{ID: obs.ObservationID, Error: "failed to store record"})
			continue
		}

		lastVersion = obs.Version
		result.SuccessCount++
		result.Warnings = append(result.Warnings, recordWarnings(obs)...)
	}

	s.obs.RecordVersions(ctx, "observation", result.SuccessCount)

	current, err := s.ledger.GetCurrentVersion(ctx)
	if err != nil {
		if result.SuccessCount == 0 {
			return nil, fmt.Errorf("read ledger: %w", err)
		}
		// Records are committed, so the result must still be cached.
		s.logger.WarnContext(ctx, "read ledger after push", "client_id", clientID, "error", err)
		current = lastVersion
	}
	result.CurrentVersion = current
	return result, nil
}

// prepare validates a pushed record and fills server-side fields.
func (s *Service) prepare(rec *PushRecord) (*Observation, error) {
	id := strings.TrimSpace(rec.ObservationID)
	if id == "" {
		return nil, errors.New("observation_id is required")
	}

	data := rec.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	} else if !json.Valid(data) {
		return nil, errors.New("data is not valid JSON")
	}

	now := s.now().UTC()
	obs := &Observation{
		ObservationID: id,
		FormType:      strings.TrimSpace(rec.FormType),
		FormVersion:   strings.TrimSpace(rec.FormVersion),
		Data:          data,
		CreatedAt:     now,
		UpdatedAt:     now,
		SyncedAt:      now,
		Deleted:       rec.Deleted,
	}
	if rec.CreatedAt != nil && !rec.CreatedAt.IsZero() {
		obs.CreatedAt = rec.CreatedAt.UTC()
	}
	if rec.UpdatedAt != nil && !rec.UpdatedAt.IsZero() {
		obs.UpdatedAt = rec.UpdatedAt.UTC()
	}
	return obs, nil
}

func recordWarnings(obs *Observation) []Warning {
	var out []Warning
	if obs.FormType == "" {
		out = append(out, Warning{
			ID:      obs.ObservationID,
			Code:    WarningMissingFormType,
			Message: "form_type is empty",
		})
	}
	if obs.FormVersion != "" {
		if _, err := semver.NewVersion(obs.FormVersion); err != nil {
			out = append(out, Warning{
				ID:      obs.ObservationID,
				Code:    WarningInvalidFormVersion,
				Message: fmt.Sprintf("form_version %q is not a semantic version", obs.FormVersion),
			})
		}
	}
	return out
}

// GetRecordsSinceVersion returns one page of records with version greater
// than the request cursor. The first page captures the ledger value as the
// change cutoff; later pages carry it in the page token.
func (s *Service) GetRecordsSinceVersion(ctx context.Context, req PullRequest) (result *PullResult, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "sync.pull", attribute.String("client_id", req.ClientID))
	defer func() { done(err) }()

	if strings.TrimSpace(req.ClientID) == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}
	if req.SinceVersion < 0 {
		return nil, fmt.Errorf("%w: since version must not be negative", ErrInvalidRequest)
	}

	limit := clampLimit(req.Limit)

	current, err := s.ledger.GetCurrentVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	filter := filterKey(req.SinceVersion, req.SchemaTypes)
	cursor, cutoff := req.SinceVersion, current
	if req.PageToken != "" {
		tok, err := decodePageToken(req.PageToken, filter)
		if err != nil {
			return nil, err
		}
		cursor, cutoff = tok.Version, tok.Cutoff
	}

	rows, err := s.store.ListRange(ctx, cursor, cutoff, req.SchemaTypes, limit+1)
	if err != nil {
		return nil, err
	}

	result = &PullResult{
		CurrentVersion:    current,
		ChangeCutoff:      cutoff,
		Records:           rows,
		SyncFormatVersion: SyncFormatVersion,
	}
	if len(rows) > limit {
		result.Records = rows[:limit]
		result.HasMore = true
		result.NextPageToken = encodePageToken(pageToken{
			Version: result.Records[limit-1].Version,
			Cutoff:  cutoff,
			Filter:  filter,
		})
	}
	return result, nil
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultPullLimit
	case n > MaxPullLimit:
		return MaxPullLimit
	default:
		return n
	}
}
