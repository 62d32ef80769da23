package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limited(t *testing.T, rps float64, burst int, key KeyFunc) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rl := NewRateLimiter(ctx, rps, burst, key)
	return rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(h http.Handler, remote, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	req.RemoteAddr = remote
	req.Header.Set("X-User", user)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_UnderAndOverLimit(t *testing.T) {
	h := limited(t, 1, 2, nil)

	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1234", "").Code)
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1234", "").Code)

	w := hit(h, "10.0.0.1:1234", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Another caller has its own bucket.
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.2:1234", "").Code)
}

func TestRateLimiter_KeyFunc(t *testing.T) {
	h := limited(t, 0.001, 1, func(r *http.Request) string { return r.Header.Get("X-User") })

	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1", "alice").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "10.0.0.2:1", "alice").Code)
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1", "bob").Code)
}

func TestRateLimiter_SweepDropsIdleVisitors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 1, 1, nil)
	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.limiter("a")

	now = now.Add(visitorTTL + time.Second)
	rl.sweep()
	assert.Empty(t, rl.visitors)
}
