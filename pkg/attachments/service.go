// Package attachments tracks attachment blobs and tells each client which
// attachments to download or delete since its last sync.
//
// Every upload and delete is appended to an operation log stamped by the
// same ledger as observation writes, so one cursor orders both streams.
package attachments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/OpenDataEnsemble/synkronus/pkg/ledger"
	"github.com/OpenDataEnsemble/synkronus/pkg/observability"
)

// ErrInvalidRequest is returned before any state change for malformed
// requests.
var ErrInvalidRequest = errors.New("attachments: invalid request")

// ErrTooLarge is returned when an upload exceeds the configured size cap.
var ErrTooLarge = errors.New("attachments: upload exceeds size limit")

// Service combines the blob store, the operation log and the manifest view.
type Service struct {
	blobs   BlobStore
	log     *OperationLog
	ledger  ledger.Ledger
	maxSize int64
	obs     *observability.Provider
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l.With("component", "attachments") }
}

func WithObservability(p *observability.Provider) Option {
	return func(s *Service) { s.obs = p }
}

// WithMaxSize caps a single upload in bytes. Zero disables the cap.
func WithMaxSize(n int64) Option {
	return func(s *Service) { s.maxSize = n }
}

func NewService(blobs BlobStore, oplog *OperationLog, l ledger.Ledger, opts ...Option) *Service {
	s := &Service{
		blobs:  blobs,
		log:    oplog,
		ledger: l,
		logger: slog.Default().With("component", "attachments"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetManifest returns the collapsed operations visible to the client with
// version greater than SinceVersion.
func (s *Service) GetManifest(ctx context.Context, req ManifestRequest) (m *Manifest, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "attachments.manifest", attribute.String("client_id", req.ClientID))
	defer func() { done(err) }()

	if strings.TrimSpace(req.ClientID) == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}
	if req.SinceVersion < 0 {
		return nil, fmt.Errorf("%w: since_version must not be negative", ErrInvalidRequest)
	}

	// Read the ledger first: operations committed after this point are
	// picked up by the next manifest request.
	current, err := s.ledger.GetCurrentVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	ops, err := s.log.ListSince(ctx, req.ClientID, req.SinceVersion)
	if err != nil {
		return nil, err
	}
	visible := ops[:0]
	for _, op := range ops {
		if op.Version <= current {
			visible = append(visible, op)
		}
	}

	entries, count, total := Collapse(withoutOwnUploads(visible, req.ClientID))
	return &Manifest{
		CurrentVersion:    current,
		Operations:        entries,
		OperationCount:    count,
		TotalDownloadSize: total,
	}, nil
}

// UploadRequest describes one attachment upload.
type UploadRequest struct {
	AttachmentID string
	ContentType  string
	// TargetClientID scopes the resulting operation to one client. Empty
	// means every client is told to download it.
	TargetClientID string
	// ClientID is the uploading client. Its own manifest skips the upload.
	ClientID string
	Body     io.Reader
}

// Upload stores the blob and records a create, or an update when the
// attachment already exists.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (op *Operation, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "attachments.upload", attribute.String("attachment_id", req.AttachmentID))
	defer func() { done(err) }()

	if err := ValidateID(req.AttachmentID); err != nil {
		return nil, err
	}
	if req.Body == nil {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidRequest)
	}

	spool, size, err := s.spool(req.Body)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.blobs.Put(ctx, req.AttachmentID, spool, size, contentType); err != nil {
		return nil, fmt.Errorf("store attachment blob: %w", err)
	}

	op, err = s.log.RecordUpload(ctx, Operation{
		AttachmentID: req.AttachmentID,
		ClientID:     nullable(req.TargetClientID),
		UploadedBy:   nullable(req.ClientID),
		Size:         size,
		ContentType:  contentType,
	})
	if err != nil {
		return nil, err
	}
	s.obs.RecordVersions(ctx, "attachment", 1)

	s.logger.InfoContext(ctx, "attachment stored",
		"attachment_id", req.AttachmentID,
		"operation", op.Operation,
		"size", size,
		"version", op.Version,
	)
	return op, nil
}

// spool copies r to a temp file so backends get a seekable body of known
// size.
func (s *Service) spool(r io.Reader) (*os.File, int64, error) {
	f, err := os.CreateTemp("", "synkronus-attachment-*")
	if err != nil {
		return nil, 0, fmt.Errorf("create spool file: %w", err)
	}
	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	n, err := io.Copy(f, src)
	if err == nil && s.maxSize > 0 && n > s.maxSize {
		err = ErrTooLarge
	}
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, 0, err
	}
	return f, n, nil
}

// Download opens the attachment for reading.
func (s *Service) Download(ctx context.Context, id string) (io.ReadCloser, *Operation, error) {
	if err := ValidateID(id); err != nil {
		return nil, nil, err
	}
	op, err := s.log.Latest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if op == nil || op.Operation == OpDelete {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rc, size, err := s.blobs.Open(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	op.Size = size
	return rc, op, nil
}

// Exists reports whether a live (not deleted) attachment is stored.
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	op, err := s.log.Latest(ctx, id)
	if err != nil {
		return false, err
	}
	if op == nil || op.Operation == OpDelete {
		return false, nil
	}
	return s.blobs.Exists(ctx, id)
}

// Delete removes the blob and records a delete for every client.
func (s *Service) Delete(ctx context.Context, id string) (*Operation, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	op, err := s.log.RecordDelete(ctx, id)
	if err != nil {
		return nil, err
	}
	s.obs.RecordVersions(ctx, "attachment", 1)
	if err := s.blobs.Delete(ctx, id); err != nil {
		// The delete is already visible to clients; the orphan blob is
		// overwritten by the next upload with this id.
		s.logger.ErrorContext(ctx, "failed to remove attachment blob", "attachment_id", id, "error", err)
	}
	s.logger.InfoContext(ctx, "attachment deleted", "attachment_id", id, "version", op.Version)
	return op, nil
}

// withoutOwnUploads drops attachments whose newest operation is an upload
// by clientID: the client already holds that content.
func withoutOwnUploads(ops []Operation, clientID string) []Operation {
	own := make(map[string]bool)
	for _, op := range ops {
		own[op.AttachmentID] = op.Operation != OpDelete && op.UploadedBy.Valid && op.UploadedBy.String == clientID
	}
	kept := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if !own[op.AttachmentID] {
			kept = append(kept, op)
		}
	}
	return kept
}

func nullable(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}
