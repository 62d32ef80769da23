package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenDataEnsemble/synkronus/pkg/database"
	"github.com/OpenDataEnsemble/synkronus/pkg/ledger"
)

type fixture struct {
	svc    *Service
	db     *sqlx.DB
	ledger *ledger.SQLLedger
}

func newFixture(t *testing.T, initialVersion int64, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenSQLite(ctx, filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l := ledger.NewSQLLedger(db)
	require.NoError(t, l.Init(ctx))
	if initialVersion > 0 {
		_, err := db.ExecContext(ctx, `UPDATE sync_version SET current_version = ? WHERE id = 1`, initialVersion)
		require.NoError(t, err)
	}

	svc := NewService(db, l, opts...)
	require.NoError(t, svc.Init(ctx))
	return &fixture{svc: svc, db: db, ledger: l}
}

func record(id, formType, data string) PushRecord {
	return PushRecord{
		ObservationID: id,
		FormType:      formType,
		FormVersion:   "1.0.0",
		Data:          json.RawMessage(data),
	}
}

func (f *fixture) version(t *testing.T) int64 {
	t.Helper()
	v, err := f.ledger.GetCurrentVersion(context.Background())
	require.NoError(t, err)
	return v
}

func TestPushThenPull_SingleRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)

	res, err := f.svc.ProcessPushedRecords(ctx, []PushRecord{record("obs-1", "survey", `{"q":1}`)}, "client-a", "tx-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.CurrentVersion)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Empty(t, res.FailedRecords)

	page, err := f.svc.GetRecordsSinceVersion(ctx, PullRequest{ClientID: "client-a", SinceVersion: 5})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, int64(6), page.Records[0].Version)
	assert.Equal(t, "obs-1", page.Records[0].ObservationID)
	assert.JSONEq(t, `{"q":1}`, string(page.Records[0].Data))
	assert.Equal(t, int64(6), page.ChangeCutoff)
	assert.Equal(t, SyncFormatVersion, page.SyncFormatVersion)

	page, err = f.svc.GetRecordsSinceVersion(ctx, PullRequest{ClientID: "client-a", SinceVersion: 6})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.False(t, page.HasMore)
}

func TestPush_PartialFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	records := []PushRecord{
		record("a", "survey", `{}`),
		record("", "survey", `{}`),
		record("b", "survey", `{"x":[1,2]}`),
		record("c", "survey", `{not json`),
		record("   ", "survey", `{}`),
		record("d", "survey", `null`),
	}

	res, err := f.svc.ProcessPushedRecords(ctx, records, "client-a", "tx-1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.SuccessCount)
	assert.Len(t, res.FailedRecords, 3)
	assert.Equal(t, int64(3), res.CurrentVersion)
	assert.Equal(t, int64(3), f.version(t))

	ids := make([]string, 0, len(res.FailedRecords))
	for _, fr := range res.FailedRecords {
		ids = append(ids, fr.ID)
		assert.NotEmpty(t, fr.Error)
	}
	assert.Contains(t, ids, "c")
}

func TestPush_UpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first := record("obs-1", "survey", `{"q":1}`)
	first.CreatedAt = &created
	_, err := f.svc.ProcessPushedRecords(ctx, []PushRecord{first}, "client-a", "tx-1")
	require.NoError(t, err)

	later := created.Add(24 * time.Hour)
	second := record("obs-1", "survey", `{"q":2}`)
	second.CreatedAt = &later
	res, err := f.svc.ProcessPushedRecords(ctx, []PushRecord{second}, "client-b", "tx-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.CurrentVersion)

	page, err := f.svc.GetRecordsSinceVersion(ctx, PullRequest{ClientID: "client-a"})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	got := page.Records[0]
	assert.JSONEq(t, `{"q":2}`, string(got.Data))
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, got.CreatedAt.Equal(created), "created_at kept: %v", got.CreatedAt)
}

func TestPush_SoftDeleteIsPulled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	_, err := f.svc.ProcessPushedRecords(ctx, []PushRecord{record("obs-1", "survey", `{}`)}, "c", "tx-1")
	require.NoError(t, err)

	del := record("obs-1", "survey", `{}`)
	del.Deleted = true
	_, err = f.svc.ProcessPushedRecords(ctx, []PushRecord{del}, "c", "tx-2")
	require.NoError(t, err)

	page, err := f.svc.GetRecordsSinceVersion(ctx, PullRequest{ClientID: "c", SinceVersion: 1})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.True(t, page.Records[0].Deleted)
}

func TestPush_RequestValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	recs := []PushRecord{record("a", "survey", `{}`)}

	tests := []struct {
		name           string
		records        []PushRecord
		clientID, txID string
	}{
		{"missing client", recs, "", "tx"},
		{"missing transmission", recs, "client", " "},
		{"empty records", nil, "client", "tx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ProcessPushedRecords(ctx, tt.records, tt.clientID, tt.txID)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Equal(t, int64(0), f.version(t))
}

func TestPush_ReplaysTransmission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	recs := []PushRecord{record("a", "survey", `{}`), record("", "survey", `{}`)}

	first, err := f.svc.ProcessPushedRecords(ctx, recs, "client-a", "tx-1")
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := f.svc.ProcessPushedRecords(ctx, recs, "client-a", "tx-1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.CurrentVersion, again.CurrentVersion)
	assert.Equal(t, first.SuccessCount, again.SuccessCount)
	assert.Equal(t, first.FailedRecords, again.FailedRecords)
	assert.Equal(t, int64(1), f.version(t))

	// Same transmission id from another client is a different batch.
	other, err := f.svc.ProcessPushedRecords(ctx, recs, "client-b", "tx-1")
	require.NoError(t, err)
	assert.False(t, other.Replayed)
	assert.Equal(t, int64(2), f.version(t))
}

func TestPush_TransmissionInProgress(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, 0,
		WithClock(func() time.Time { return now }),
		WithClaimTTL(time.Minute),
	)

	cached, err := f.svc.Transmissions().Claim(ctx, "client-a", "tx-1")
	require.NoError(t, err)
	require.Nil(t, cached)

	_, err = f.svc.ProcessPushedRecords(ctx, []PushRecord{record("a", "s", `{}`)}, "client-a", "tx-1")
	assert.ErrorIs(t, err, ErrTransmissionInProgress)
	assert.Equal(t, int64(0), f.version(t))

	now = now.Add(2 * time.Minute)
	res, err := f.svc.ProcessPushedRecords(ctx, []PushRecord{record("a", "s", `{}`)}, "client-a", "tx-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
}

func TestPush_Warnings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	bad := record("a", "", `{}`)
	bad.FormVersion = "not-a-version"

	res, err := f.svc.ProcessPushedRecords(ctx, []PushRecord{bad, record("b", "survey", `{}`)}, "c", "tx")
	require.NoError(t, err)
	assert.Equal(t, 2, res.SuccessCount)

	codes := map[string]bool{}
	for _, w := range res.Warnings {
		assert.Equal(t, "a", w.ID)
		codes[w.Code] = true
	}
	assert.True(t, codes[WarningMissingFormType])
	assert.True(t, codes[WarningInvalidFormVersion])
}

func TestPush_ConcurrentBatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	const clients, perBatch = 4, 10

	var wg gosync.WaitGroup
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			recs := make([]PushRecord, perBatch)
			for i := range recs {
				recs[i] = record(fmt.Sprintf("c%d-obs-%d", c, i), "survey", `{}`)
			}
			res, err := f.svc.ProcessPushedRecords(ctx, recs, fmt.Sprintf("client-%d", c), "tx")
			if assert.NoError(t, err) {
				assert.Equal(t, perBatch, res.SuccessCount)
			}
		}(c)
	}
	wg.Wait()

	assert.Equal(t, int64(3+clients*perBatch), f.version(t))

	page, err := f.svc.GetRecordsSinceVersion(ctx, PullRequest{ClientID: "x", SinceVersion: 3, Limit: MaxPullLimit})
	require.NoError(t, err)
	require.Len(t, page.Records, clients*perBatch)
	for i, r := range page.Records {
		assert.Equal(t, int64(4+i), r.Version)
	}
}

func TestPull_PaginatesUpToCutoff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	var recs []PushRecord
	for i := 0; i < 5; i++ {
		recs = append(recs, record(fmt.Sprintf("obs-%d", i), "survey", `{}`))
	}
	_, err := f.svc.ProcessPushedRecords(ctx, recs, "c", "tx-1")
	require.NoError(t, err)

	page, err := f.svc.GetRecordsSinceVersion(ctx, PullRequest{ClientID: "c", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextPageToken)
	assert.Equal(t, int64(5), page.ChangeCutoff)

	// Writes landing mid-pull stay outside this pull's snapshot.
	_, err = f.svc.ProcessPushedRecords(ctx, []PushRecord{record("late", "survey", `{}`)}, "c", "tx-2")
	require.NoError(t, err)

	seen := []int64{page.Records[0].Version, page.Records[1].Version}
	token := page.NextPageToken
	for token != "" {
		page, err = f.svc.GetRecordsSinceVersion(ctx, PullRequest{ClientID: "c", Limit: 2, PageToken: token})
		require.NoError(t, err)
		assert.Equal(t, int64(5), page.ChangeCutoff)
		for _, r := range page.Records {
			seen = append(seen, r.Version)
		}
		token = page.NextPageToken
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seen)

	next, err := f.svc.GetRecordsSinceVersion(ctx, PullRequest{ClientID: "c", SinceVersion: 5})
	require.NoError(t, err)
	require.Len(t, next.Records, 1)
	assert.Equal(t, "late", next.Records[0].ObservationID)
}

func TestPull_FiltersBySchemaType(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	_, err := f.svc.ProcessPushedRecords(ctx, []PushRecord{
		record("a", "survey", `{}`),
		record("b", "household", `{}`),
		record("c", "visit", `{}`),
	}, "c", "tx")
	require.NoError(t, err)

	page, err := f.svc.GetRecordsSinceVersion(ctx, PullRequest{ClientID: "c", SchemaTypes: []string{"survey", "visit"}})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "a", page.Records[0].ObservationID)
	assert.Equal(t, "c", page.Records[1].ObservationID)
}

func TestPull_PageTokenBoundToFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	_, err := f.svc.ProcessPushedRecords(ctx, []PushRecord{
		record("a", "survey", `{}`),
		record("b", "household", `{}`),
		record("c", "survey", `{}`),
		record("d", "survey", `{}`),
	}, "c", "tx")
	require.NoError(t, err)

	first := PullRequest{ClientID: "c", SchemaTypes: []string{"survey"}, Limit: 1}
	page, err := f.svc.GetRecordsSinceVersion(ctx, first)
	require.NoError(t, err)
	require.NotEmpty(t, page.NextPageToken)

	_, err = f.svc.GetRecordsSinceVersion(ctx, PullRequest{ClientID: "c", SchemaTypes: []string{"household"}, Limit: 1, PageToken: page.NextPageToken})
	assert.ErrorIs(t, err, ErrInvalidPageToken)
	_, err = f.svc.GetRecordsSinceVersion(ctx, PullRequest{ClientID: "c", Limit: 1, PageToken: page.NextPageToken})
	assert.ErrorIs(t, err, ErrInvalidPageToken)
	_, err = f.svc.GetRecordsSinceVersion(ctx, PullRequest{ClientID: "c", SinceVersion: 2, SchemaTypes: []string{"survey"}, Limit: 1, PageToken: page.NextPageToken})
	assert.ErrorIs(t, err, ErrInvalidPageToken)

	first.PageToken = page.NextPageToken
	page, err = f.svc.GetRecordsSinceVersion(ctx, first)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "c", page.Records[0].ObservationID)
}

func TestPull_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	_, err := f.svc.ProcessPushedRecords(ctx, []PushRecord{record("a", "s", `{}`), record("b", "s", `{}`)}, "c", "tx")
	require.NoError(t, err)

	req := PullRequest{ClientID: "c", SinceVersion: 0}
	p1, err := f.svc.GetRecordsSinceVersion(ctx, req)
	require.NoError(t, err)
	p2, err := f.svc.GetRecordsSinceVersion(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, p1.ChangeCutoff, p2.ChangeCutoff)
	require.Len(t, p2.Records, len(p1.Records))
	for i := range p1.Records {
		assert.Equal(t, p1.Records[i].ObservationID, p2.Records[i].ObservationID)
		assert.Equal(t, p1.Records[i].Version, p2.Records[i].Version)
		assert.JSONEq(t, string(p1.Records[i].Data), string(p2.Records[i].Data))
	}
}

func TestPull_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	_, err := f.svc.GetRecordsSinceVersion(ctx, PullRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.GetRecordsSinceVersion(ctx, PullRequest{ClientID: "c", SinceVersion: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.GetRecordsSinceVersion(ctx, PullRequest{ClientID: "c", PageToken: "%%%"})
	assert.ErrorIs(t, err, ErrInvalidPageToken)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultPullLimit, clampLimit(0))
	assert.Equal(t, DefaultPullLimit, clampLimit(-3))
	assert.Equal(t, 1, clampLimit(1))
	assert.Equal(t, MaxPullLimit, clampLimit(10_000))
}

func TestPush_FailedWriteDoesNotConsumeVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	sdb := sqlx.NewDb(db, "postgres")
	svc := NewService(sdb, ledger.NewSQLLedger(sdb))

	mock.ExpectExec("INSERT INTO sync_transmissions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE sync_version SET current_version").
		WillReturnRows(sqlmock.NewRows([]string{"current_version"}).AddRow(int64(7)))
	mock.ExpectExec("INSERT INTO observations").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT current_version FROM sync_version").
		WillReturnRows(sqlmock.NewRows([]string{"current_version"}).AddRow(int64(6)))
	mock.ExpectExec("UPDATE sync_transmissions SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := svc.ProcessPushedRecords(context.Background(), []PushRecord{record("a", "s", `{}`)}, "c", "tx")
	require.NoError(t, err)
	assert.Equal(t, 0, res.SuccessCount)
	require.Len(t, res.FailedRecords, 1)
	assert.Equal(t, "a", res.FailedRecords[0].ID)
	assert.Equal(t, int64(6), res.CurrentVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// cancellingLedger cancels the caller's context once AssignNext has been
// called cancelAfter times.
type cancellingLedger struct {
	ledger.Ledger
	cancelAfter int
	cancel      context.CancelFunc
	calls       int
	failRead    bool
}

func (l *cancellingLedger) AssignNext(ctx context.Context, tx sqlx.QueryerContext) (int64, error) {
	v, err := l.Ledger.AssignNext(ctx, tx)
	l.calls++
	if l.calls == l.cancelAfter {
		l.cancel()
	}
	return v, err
}

func (l *cancellingLedger) GetCurrentVersion(ctx context.Context) (int64, error) {
	if l.failRead {
		l.cancel()
		return 0, errors.New("ledger unavailable")
	}
	return l.Ledger.GetCurrentVersion(ctx)
}

func TestPush_CancelledCallerStillCompletesBatch(t *testing.T) {
	f := newFixture(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := &cancellingLedger{Ledger: f.ledger, cancelAfter: 1, cancel: cancel}
	svc := NewService(f.db, l)
	recs := []PushRecord{record("obs-1", "survey", `{}`), record("obs-2", "survey", `{}`)}

	res, err := svc.ProcessPushedRecords(ctx, recs, "client-a", "tx-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, int64(12), res.CurrentVersion)
	assert.Equal(t, int64(12), f.version(t))

	// The claim was completed on the detached context, so the retry replays
	// instead of waiting out the claim or re-applying the records.
	again, err := svc.ProcessPushedRecords(context.Background(), recs, "client-a", "tx-1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, 2, again.SuccessCount)
	assert.Equal(t, int64(12), f.version(t))
}

func TestPush_FailedBatchReleasesClaimAfterCancel(t *testing.T) {
	f := newFixture(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := &cancellingLedger{Ledger: f.ledger, cancel: cancel, failRead: true}
	svc := NewService(f.db, l)
	invalid := []PushRecord{record("", "survey", `{}`)}

	_, err := svc.ProcessPushedRecords(ctx, invalid, "client-a", "tx-1")
	require.Error(t, err)
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	l.failRead = false
	res, err := svc.ProcessPushedRecords(context.Background(), invalid, "client-a", "tx-1")
	require.NoError(t, err, "claim should have been released")
	assert.False(t, res.Replayed)
	assert.Len(t, res.FailedRecords, 1)
}

func TestPush_LedgerReadFailureKeepsCommittedResult(t *testing.T) {
	f := newFixture(t, 4)
	l := &cancellingLedger{Ledger: f.ledger, cancel: func() {}, failRead: true}
	svc := NewService(f.db, l)
	recs := []PushRecord{record("obs-1", "survey", `{}`)}

	res, err := svc.ProcessPushedRecords(context.Background(), recs, "client-a", "tx-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.CurrentVersion)

	l.failRead = false
	again, err := svc.ProcessPushedRecords(context.Background(), recs, "client-a", "tx-1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, int64(5), f.version(t))
}
