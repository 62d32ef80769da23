// Package api is the HTTP surface of the server: RFC 7807 error responses,
// request handlers for sync, attachments and app bundles, rate limiting and
// Prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/OpenDataEnsemble/synkronus/pkg/appbundle"
	"github.com/OpenDataEnsemble/synkronus/pkg/attachments"
	"github.com/OpenDataEnsemble/synkronus/pkg/bundle"
	"github.com/OpenDataEnsemble/synkronus/pkg/sync"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID echoes the X-Request-ID of the failed request.
	TraceID string `json:"trace_id,omitempty"`
	// Fields names offending core fields on 409 bundle rejections.
	Fields []string `json:"fields,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	if problem.Type == "" {
		problem.Type = "about:blank"
	}
	if problem.Title == "" {
		problem.Title = http.StatusText(problem.Status)
	}
	if problem.TraceID == "" {
		problem.TraceID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteErrorR is WriteError with the request path as instance.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Title: title, Status: status, Detail: detail, Instance: r.URL.Path})
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="synkronus"`)
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteServiceError maps an error returned by a service to its HTTP
// status. Unrecognized errors become 500 and are logged with the request.
func WriteServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var coreErr *bundle.CoreFieldModifiedError
	switch {
	case errors.As(err, &coreErr):
		writeProblem(w, &ProblemDetail{
			Title:    "Core Field Modified",
			Status:   http.StatusConflict,
			Detail:   coreErr.Error(),
			Instance: r.URL.Path,
			Fields:   coreErr.Fields(),
		})

	case errors.Is(err, sync.ErrInvalidRequest),
		errors.Is(err, sync.ErrInvalidPageToken),
		errors.Is(err, attachments.ErrInvalidRequest),
		errors.Is(err, attachments.ErrInvalidID),
		errors.Is(err, bundle.ErrInvalidStructure),
		errors.Is(err, bundle.ErrPathTraversal),
		errors.Is(err, bundle.ErrUnresolvedCell),
		errors.Is(err, appbundle.ErrInvalidArchive):
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())

	case errors.Is(err, attachments.ErrTooLarge),
		errors.Is(err, appbundle.ErrBundleTooLarge):
		WriteErrorR(w, r, http.StatusRequestEntityTooLarge, "Payload Too Large", err.Error())

	case errors.Is(err, sync.ErrTransmissionInProgress):
		w.Header().Set("Retry-After", "5")
		WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())

	case errors.Is(err, attachments.ErrNotFound),
		errors.Is(err, appbundle.ErrVersionNotFound),
		errors.Is(err, appbundle.ErrFileNotFound),
		errors.Is(err, appbundle.ErrNoActiveVersion):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", err.Error())

	default:
		logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", w.Header().Get("X-Request-ID"),
			"error", err,
		)
		WriteErrorR(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
	}
}
