package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/OpenDataEnsemble/synkronus/pkg/appbundle"
	"github.com/OpenDataEnsemble/synkronus/pkg/attachments"
	"github.com/OpenDataEnsemble/synkronus/pkg/bundle"
	"github.com/OpenDataEnsemble/synkronus/pkg/sync"
)

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	p := problemOf(t, w)
	assert.Equal(t, http.StatusInternalServerError, p.Status)
	assert.NotContains(t, p.Detail, "10.0.0.1")
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	WriteTooManyRequests(w, 30)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestWriteServiceError_Mapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: client_id", sync.ErrInvalidRequest), http.StatusBadRequest},
		{sync.ErrInvalidPageToken, http.StatusBadRequest},
		{attachments.ErrInvalidID, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", bundle.ErrInvalidStructure), http.StatusBadRequest},
		{bundle.ErrPathTraversal, http.StatusBadRequest},
		{bundle.ErrUnresolvedCell, http.StatusBadRequest},
		{&bundle.CoreFieldModifiedError{Form: "f", Modified: []string{"core_a"}}, http.StatusConflict},
		{sync.ErrTransmissionInProgress, http.StatusConflict},
		{attachments.ErrNotFound, http.StatusNotFound},
		{appbundle.ErrVersionNotFound, http.StatusNotFound},
		{appbundle.ErrFileNotFound, http.StatusNotFound},
		{appbundle.ErrBundleTooLarge, http.StatusRequestEntityTooLarge},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			w.Header().Set("X-Request-ID", "req-1")
			r := httptest.NewRequest(http.MethodPost, "/x", nil)
			WriteServiceError(w, r, slog.Default(), tt.err)

			p := problemOf(t, w)
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.want, p.Status)
			assert.Equal(t, "req-1", p.TraceID)
			assert.Equal(t, "/x", p.Instance)
			if tt.want == http.StatusInternalServerError {
				assert.NotContains(t, p.Detail, "disk on fire")
			}
		})
	}
}
