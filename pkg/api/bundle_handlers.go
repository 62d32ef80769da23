package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/OpenDataEnsemble/synkronus/pkg/appbundle"
)

const bundleFormField = "bundle"

type versionsResponse struct {
	Versions []string `json:"versions"`
	Active   string   `json:"active,omitempty"`
}

type bundlePushResponse struct {
	Message  string              `json:"message"`
	Manifest *appbundle.Manifest `json:"manifest"`
}

type bundleSwitchResponse struct {
	Message string `json:"message"`
	Version string `json:"version"`
}

// BundleManifest handles GET /app-bundle/manifest.
func (h *Handlers) BundleManifest(w http.ResponseWriter, r *http.Request) {
	m, err := h.bundles.GetManifest(r.Context())
	if err != nil {
		WriteServiceError(w, r, h.logger, err)
		return
	}

	etag := quoteETag(m.Hash)
	w.Header().Set("ETag", etag)
	if etagMatches(r, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// BundleDownload handles GET /app-bundle/download/{path...}. With
// ?preview=true the file comes from the newest stored version.
func (h *Handlers) BundleDownload(w http.ResponseWriter, r *http.Request) {
	preview := false
	if raw := r.URL.Query().Get("preview"); raw != "" {
		var err error
		if preview, err = strconv.ParseBool(raw); err != nil {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "preview must be a boolean")
			return
		}
	}

	rc, info, err := h.bundles.GetFile(r.Context(), chi.URLParam(r, "*"), preview)
	if err != nil {
		WriteServiceError(w, r, h.logger, err)
		return
	}
	defer func() { _ = rc.Close() }()

	etag := quoteETag(info.Hash)
	w.Header().Set("ETag", etag)
	if preview {
		w.Header().Set("x-is-preview", "true")
	}
	if etagMatches(r, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", info.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.WarnContext(r.Context(), "bundle download interrupted", "path", info.Path, "error", err)
	}
}

// BundleVersions handles GET /app-bundle/versions.
func (h *Handlers) BundleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.bundles.GetVersions(r.Context())
	if err != nil {
		WriteServiceError(w, r, h.logger, err)
		return
	}
	if versions == nil {
		versions = []string{}
	}
	resp := versionsResponse{Versions: versions}
	if active, err := h.bundles.GetActiveVersion(r.Context()); err == nil {
		resp.Active = active
	}
	writeJSON(w, http.StatusOK, resp)
}

// BundleChanges handles GET /app-bundle/changes?current=&preview=. It
// compares the client's current version, or the active one when omitted,
// with the active version or the newest stored one when previewing.
func (h *Handlers) BundleChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	preview := false
	if raw := q.Get("preview"); raw != "" {
		var err error
		if preview, err = strconv.ParseBool(raw); err != nil {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "preview must be a boolean")
			return
		}
	}

	active, err := h.bundles.GetActiveVersion(r.Context())
	if err != nil {
		WriteServiceError(w, r, h.logger, err)
		return
	}
	target := active
	if preview {
		if target, err = h.bundles.LatestVersion(); err != nil {
			WriteServiceError(w, r, h.logger, err)
			return
		}
	}
	from := q.Get("current")
	if from == "" {
		from = active
	}

	changes, err := h.bundles.CompareAppInfos(r.Context(), from, target)
	if err != nil {
		WriteServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

// BundlePush handles POST /app-bundle/push with a multipart "bundle" file.
// The part is streamed to the service without buffering the whole body.
func (h *Handlers) BundlePush(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "Expected multipart/form-data with a bundle file")
		return
	}

	// Leave room for multipart framing around the archive.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBundleBytes+1<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "Invalid multipart body")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", fmt.Sprintf("Missing %q file field", bundleFormField))
			return
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				WriteServiceError(w, r, h.logger, appbundle.ErrBundleTooLarge)
				return
			}
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "Invalid multipart body")
			return
		}
		if part.FormName() != bundleFormField {
			_ = part.Close()
			continue
		}

		m, err := h.bundles.PushBundle(r.Context(), part)
		_ = part.Close()
		h.metrics.recordBundlePush(err)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				err = appbundle.ErrBundleTooLarge
			}
			WriteServiceError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, bundlePushResponse{
			Message:  fmt.Sprintf("App bundle version %s deployed", m.Version),
			Manifest: m,
		})
		return
	}
}

// BundleSwitch handles POST /app-bundle/switch/{version}.
func (h *Handlers) BundleSwitch(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	m, err := h.bundles.SwitchVersion(r.Context(), version)
	if err != nil {
		WriteServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, bundleSwitchResponse{
		Message: fmt.Sprintf("Switched to app bundle version %s", m.Version),
		Version: m.Version,
	})
}
