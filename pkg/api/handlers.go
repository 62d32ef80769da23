package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/OpenDataEnsemble/synkronus/pkg/appbundle"
	"github.com/OpenDataEnsemble/synkronus/pkg/attachments"
	"github.com/OpenDataEnsemble/synkronus/pkg/sync"
)

const maxJSONBody = 32 << 20

// SyncService is the observation push/pull protocol.
type SyncService interface {
	ProcessPushedRecords(ctx context.Context, records []sync.PushRecord, clientID, transmissionID string) (*sync.PushResult, error)
	GetRecordsSinceVersion(ctx context.Context, req sync.PullRequest) (*sync.PullResult, error)
}

// AttachmentService stores attachment blobs and builds client manifests.
type AttachmentService interface {
	GetManifest(ctx context.Context, req attachments.ManifestRequest) (*attachments.Manifest, error)
	Upload(ctx context.Context, req attachments.UploadRequest) (*attachments.Operation, error)
	Download(ctx context.Context, id string) (io.ReadCloser, *attachments.Operation, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) (*attachments.Operation, error)
}

// BundleService serves and deploys app bundle versions.
type BundleService interface {
	GetManifest(ctx context.Context) (*appbundle.Manifest, error)
	GetFile(ctx context.Context, path string, preview bool) (io.ReadCloser, *appbundle.FileInfo, error)
	GetVersions(ctx context.Context) ([]string, error)
	GetActiveVersion(ctx context.Context) (string, error)
	LatestVersion() (string, error)
	CompareAppInfos(ctx context.Context, from, to string) (*appbundle.ChangeLog, error)
	PushBundle(ctx context.Context, r io.Reader) (*appbundle.Manifest, error)
	SwitchVersion(ctx context.Context, version string) (*appbundle.Manifest, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handlers serves every API route.
type Handlers struct {
	sync        SyncService
	attachments AttachmentService
	bundles     BundleService
	health      []HealthCheck
	metrics     *Metrics
	validate    *validator.Validate
	logger      *slog.Logger

	maxBundleBytes int64
}

// Dependencies wires the services behind Handlers.
type Dependencies struct {
	Sync        SyncService
	Attachments AttachmentService
	Bundles     BundleService
	Health      []HealthCheck
	Metrics     *Metrics
	Logger      *slog.Logger
	// MaxBundleBytes bounds the multipart body of a bundle push.
	MaxBundleBytes int64
}

func NewHandlers(deps Dependencies) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBundle := deps.MaxBundleBytes
	if maxBundle <= 0 {
		maxBundle = appbundle.DefaultMaxBundleSize
	}
	return &Handlers{
		sync:           deps.Sync,
		attachments:    deps.Attachments,
		bundles:        deps.Bundles,
		health:         deps.Health,
		metrics:        deps.Metrics,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		logger:         logger.With("component", "api"),
		maxBundleBytes: maxBundle,
	}
}

// decode reads a JSON body into dst and runs its validate tags.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorR(w, r, http.StatusRequestEntityTooLarge, "Payload Too Large", "Request body too large")
			return false
		}
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "Invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", validationDetail(err))
		return false
	}
	return true
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return "Invalid request: " + strings.Join(msgs, "; ")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Health answers 200 OK when every check passes.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	for _, check := range h.health {
		if err := check(r.Context()); err != nil {
			h.logger.WarnContext(r.Context(), "health check failed", "error", err)
			WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", "Dependency check failed")
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "OK")
}

// etagMatches reports whether the If-None-Match header names etag.
func etagMatches(r *http.Request, etag string) bool {
	inm := r.Header.Get("If-None-Match")
	if inm == "" {
		return false
	}
	for _, candidate := range strings.Split(inm, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

func quoteETag(hash string) string {
	return `"` + hash + `"`
}
