package api

import (
	"net/http"
	"strconv"

	"github.com/OpenDataEnsemble/synkronus/pkg/sync"
)

type pushRequest struct {
	TransmissionID string            `json:"transmission_id" validate:"required,max=128"`
	ClientID       string            `json:"client_id" validate:"required,max=128"`
	Records        []sync.PushRecord `json:"records" validate:"required,min=1,max=5000,dive"`
}

type pullCursor struct {
	Version int64  `json:"version" validate:"gte=0"`
	ID      string `json:"id,omitempty"`
}

type pullRequest struct {
	ClientID    string      `json:"client_id" validate:"required,max=128"`
	Since       *pullCursor `json:"since"`
	SchemaTypes []string    `json:"schema_types" validate:"omitempty,max=100,dive,required"`
}

// PushRecords handles POST /sync/push.
func (h *Handlers) PushRecords(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.sync.ProcessPushedRecords(r.Context(), req.Records, req.ClientID, req.TransmissionID)
	if err != nil {
		WriteServiceError(w, r, h.logger, err)
		return
	}
	if !result.Replayed {
		h.metrics.recordPush(result.SuccessCount, len(result.FailedRecords))
	}
	writeJSON(w, http.StatusOK, result)
}

// PullRecords handles POST /sync/pull?limit=&page_token=.
func (h *Handlers) PullRecords(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if !h.decode(w, r, &req) {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	pull := sync.PullRequest{
		ClientID:    req.ClientID,
		SchemaTypes: req.SchemaTypes,
		Limit:       limit,
		PageToken:   r.URL.Query().Get("page_token"),
	}
	if req.Since != nil {
		pull.SinceVersion = req.Since.Version
	}

	result, err := h.sync.GetRecordsSinceVersion(r.Context(), pull)
	if err != nil {
		WriteServiceError(w, r, h.logger, err)
		return
	}
	if result.Records == nil {
		result.Records = []sync.Observation{}
	}
	h.metrics.recordPull(len(result.Records))
	writeJSON(w, http.StatusOK, result)
}
