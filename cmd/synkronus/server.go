package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/OpenDataEnsemble/synkronus/pkg/api"
	"github.com/OpenDataEnsemble/synkronus/pkg/appbundle"
	"github.com/OpenDataEnsemble/synkronus/pkg/attachments"
	"github.com/OpenDataEnsemble/synkronus/pkg/auth"
	"github.com/OpenDataEnsemble/synkronus/pkg/bundle"
	"github.com/OpenDataEnsemble/synkronus/pkg/config"
	"github.com/OpenDataEnsemble/synkronus/pkg/database"
	"github.com/OpenDataEnsemble/synkronus/pkg/ledger"
	"github.com/OpenDataEnsemble/synkronus/pkg/observability"
	"github.com/OpenDataEnsemble/synkronus/pkg/sync"
)

const (
	shutdownTimeout = 15 * time.Second
	pruneInterval   = time.Hour
)

// app is the wired server without its listener.
type app struct {
	handler http.Handler
	db      *sqlx.DB
	sync    *sync.Service
	bundles *appbundle.Service
	closers []io.Closer
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

// buildApp opens storage, initializes every service and mounts the router.
// Background work it starts stops when ctx is done.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, obs *observability.Provider) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.LiteMode() {
		logger.InfoContext(ctx, "lite mode: using sqlite", "path", cfg.DatabaseTarget())
	}
	db, err := database.Open(ctx, cfg.DatabaseTarget())
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db)

	l := ledger.NewSQLLedger(db)
	if err := l.Init(ctx); err != nil {
		return nil, fmt.Errorf("init ledger: %w", err)
	}

	a.sync = sync.NewService(db, l, sync.WithLogger(logger), sync.WithObservability(obs))
	if err := a.sync.Init(ctx); err != nil {
		return nil, fmt.Errorf("init sync: %w", err)
	}

	oplog := attachments.NewOperationLog(db, l)
	if err := oplog.Init(ctx); err != nil {
		return nil, fmt.Errorf("init attachment log: %w", err)
	}
	blobs, err := attachments.NewBlobStore(ctx, attachments.StoreConfig{
		Type:       attachments.StoreType(cfg.Attachments.StorageType),
		DataDir:    cfg.DataDir,
		S3Bucket:   cfg.Attachments.S3Bucket,
		S3Region:   cfg.Attachments.S3Region,
		S3Endpoint: cfg.Attachments.S3Endpoint,
		S3Prefix:   cfg.Attachments.S3Prefix,
		GCSBucket:  cfg.Attachments.GCSBucket,
		GCSPrefix:  cfg.Attachments.GCSPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("init attachment storage: %w", err)
	}
	attachmentSvc := attachments.NewService(blobs, oplog, l,
		attachments.WithLogger(logger),
		attachments.WithObservability(obs),
		attachments.WithMaxSize(int64(cfg.Attachments.MaxSizeMB)<<20),
	)

	coreFields := bundle.NewSQLCoreFieldStore(db)
	if err := coreFields.Init(ctx); err != nil {
		return nil, fmt.Errorf("init core field store: %w", err)
	}

	var invalidator appbundle.Invalidator = appbundle.LocalInvalidator{}
	if cfg.RedisURL != "" {
		inv, err := appbundle.NewRedisInvalidatorFromURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("init redis invalidator: %w", err)
		}
		invalidator = inv
	}
	a.closers = append(a.closers, invalidator)

	a.bundles, err = appbundle.New(ctx, appbundle.Config{
		Root:          cfg.AppBundlePath,
		MaxVersions:   cfg.MaxVersionsKept,
		MaxBundleSize: cfg.MaxBundleBytes(),
	}, bundle.NewValidator(coreFields, bundle.WithLogger(logger)),
		appbundle.WithLogger(logger),
		appbundle.WithObservability(obs),
		appbundle.WithInvalidator(invalidator),
	)
	if err != nil {
		return nil, fmt.Errorf("init app bundle: %w", err)
	}
	if err := a.bundles.Start(ctx); err != nil {
		return nil, fmt.Errorf("subscribe to bundle switches: %w", err)
	}

	if cfg.JWTSecret == "" {
		logger.WarnContext(ctx, "JWT_SECRET is not set; every authenticated route will be rejected")
	}

	handlers := api.NewHandlers(api.Dependencies{
		Sync:        a.sync,
		Attachments: attachmentSvc,
		Bundles:     a.bundles,
		Health: []api.HealthCheck{
			func(ctx context.Context) error { return db.PingContext(ctx) },
		},
		Metrics:        api.NewMetrics(),
		Logger:         logger,
		MaxBundleBytes: cfg.MaxBundleBytes(),
	})

	routes := api.RouterConfig{
		RequestID:    auth.RequestIDMiddleware,
		CORS:         auth.CORSMiddleware(cfg.CORSOrigins),
		Authenticate: auth.NewMiddleware(auth.NewJWTValidator(cfg.JWTSecret)),
		RequireAdmin: auth.RequireRole(auth.RoleAdmin),
	}
	if cfg.RateLimitRPS > 0 {
		routes.RateLimiter = api.NewRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst, func(r *http.Request) string {
			return auth.PrincipalID(r.Context())
		})
	}
	a.handler = api.NewRouter(handlers, routes)
	return a, nil
}

// pruneTransmissions drops replay results older than retention until ctx
// is done.
func pruneTransmissions(ctx context.Context, logger *slog.Logger, store *sync.TransmissionStore, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Prune(ctx, retention)
			if err != nil {
				logger.ErrorContext(ctx, "prune transmissions", "error", err)
				continue
			}
			if n > 0 {
				logger.InfoContext(ctx, "pruned transmissions", "count", n)
			}
		}
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, logCloser := observability.NewLogger(observability.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Insecure = true
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Error("observability shutdown", "error", err)
		}
	}()

	a, err := buildApp(ctx, cfg, logger, obs)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	go pruneTransmissions(ctx, logger, a.sync.Transmissions(), cfg.TransmissionRetention)

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "synkronus listening",
			"addr", srv.Addr,
			"version", version,
			"active_bundle", a.bundles.ActiveVersion(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
