package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/OpenDataEnsemble/synkronus/pkg/attachments"
)

type attachmentManifestRequest struct {
	ClientID     string `json:"client_id" validate:"required,max=128"`
	SinceVersion int64  `json:"since_version" validate:"gte=0"`
}

type attachmentOperationResponse struct {
	AttachmentID string                    `json:"attachment_id"`
	Operation    attachments.OperationType `json:"operation"`
	Version      int64                     `json:"version"`
	Size         int64                     `json:"size,omitempty"`
	ContentType  string                    `json:"content_type,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
}

func operationResponse(op *attachments.Operation) attachmentOperationResponse {
	return attachmentOperationResponse{
		AttachmentID: op.AttachmentID,
		Operation:    op.Operation,
		Version:      op.Version,
		Size:         op.Size,
		ContentType:  op.ContentType,
		CreatedAt:    op.CreatedAt,
	}
}

// AttachmentManifest handles POST /attachments/manifest.
func (h *Handlers) AttachmentManifest(w http.ResponseWriter, r *http.Request) {
	var req attachmentManifestRequest
	if !h.decode(w, r, &req) {
		return
	}

	m, err := h.attachments.GetManifest(r.Context(), attachments.ManifestRequest{
		ClientID:     req.ClientID,
		SinceVersion: req.SinceVersion,
	})
	if err != nil {
		WriteServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ClientIDHeader names the uploading client on PUT /attachments/{id}.
const ClientIDHeader = "X-Client-ID"

// UploadAttachment handles PUT /attachments/{id}. The optional client_id
// query parameter scopes the download instruction to one client; the
// X-Client-ID header keeps the upload out of the uploader's own manifest.
func (h *Handlers) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	op, err := h.attachments.Upload(r.Context(), attachments.UploadRequest{
		AttachmentID:   chi.URLParam(r, "id"),
		ContentType:    r.Header.Get("Content-Type"),
		TargetClientID: r.URL.Query().Get("client_id"),
		ClientID:       r.Header.Get(ClientIDHeader),
		Body:           r.Body,
	})
	if err != nil {
		WriteServiceError(w, r, h.logger, err)
		return
	}

	status := http.StatusOK
	if op.Operation == attachments.OpCreate {
		status = http.StatusCreated
	}
	writeJSON(w, status, operationResponse(op))
}

// DownloadAttachment handles GET /attachments/{id}.
func (h *Handlers) DownloadAttachment(w http.ResponseWriter, r *http.Request) {
	rc, op, err := h.attachments.Download(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteServiceError(w, r, h.logger, err)
		return
	}
	defer func() { _ = rc.Close() }()

	contentType := op.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(op.Size, 10))
	w.Header().Set("ETag", quoteETag(strconv.FormatInt(op.Version, 10)))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.WarnContext(r.Context(), "attachment download interrupted", "attachment_id", op.AttachmentID, "error", err)
	}
}

// AttachmentExists handles HEAD /attachments/{id}.
func (h *Handlers) AttachmentExists(w http.ResponseWriter, r *http.Request) {
	ok, err := h.attachments.Exists(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteServiceError(w, r, h.logger, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteAttachment handles DELETE /attachments/{id}.
func (h *Handlers) DeleteAttachment(w http.ResponseWriter, r *http.Request) {
	op, err := h.attachments.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, operationResponse(op))
}
