package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig supplies the cross-cutting middleware. Nil fields are
// skipped, except Authenticate and RequireAdmin which default to letting
// every request through.
type RouterConfig struct {
	RequestID    func(http.Handler) http.Handler
	CORS         func(http.Handler) http.Handler
	Authenticate func(http.Handler) http.Handler
	RequireAdmin func(http.Handler) http.Handler
	RateLimiter  *RateLimiter
}

func passthrough(next http.Handler) http.Handler { return next }

// NewRouter mounts every route on a chi router.
func NewRouter(h *Handlers, cfg RouterConfig) http.Handler {
	authenticate := cfg.Authenticate
	if authenticate == nil {
		authenticate = passthrough
	}
	requireAdmin := cfg.RequireAdmin
	if requireAdmin == nil {
		requireAdmin = passthrough
	}

	r := chi.NewRouter()
	if cfg.RequestID != nil {
		r.Use(cfg.RequestID)
	}
	r.Use(middleware.Recoverer)
	if h.metrics != nil {
		r.Use(h.metrics.Middleware)
	}
	if cfg.CORS != nil {
		r.Use(cfg.CORS)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "No such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteErrorR(w, r, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
	})

	r.Get("/health", h.Health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(authenticate)
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter.Middleware)
		}

		r.Post("/sync/push", h.PushRecords)
		r.Post("/sync/pull", h.PullRecords)

		r.Get("/app-bundle/manifest", h.BundleManifest)
		r.Get("/app-bundle/download/*", h.BundleDownload)
		r.Get("/app-bundle/versions", h.BundleVersions)
		r.Get("/app-bundle/changes", h.BundleChanges)

		r.Post("/attachments/manifest", h.AttachmentManifest)
		r.Put("/attachments/{id}", h.UploadAttachment)
		r.Get("/attachments/{id}", h.DownloadAttachment)
		r.Head("/attachments/{id}", h.AttachmentExists)

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)
			r.Post("/app-bundle/push", h.BundlePush)
			r.Post("/app-bundle/switch/{version}", h.BundleSwitch)
			r.Delete("/attachments/{id}", h.DeleteAttachment)
		})
	})
	return r
}
