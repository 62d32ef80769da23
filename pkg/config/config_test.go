package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenDataEnsemble/synkronus/pkg/config"
)

var keys = []string{
	"SYNKRONUS_CONFIG", "PORT", "LOG_LEVEL", "LOG_FORMAT", "LOG_FILE",
	"DATABASE_URL", "DATA_DIR", "APP_BUNDLE_PATH", "MAX_VERSIONS_KEPT",
	"MAX_BUNDLE_SIZE_MB", "JWT_SECRET", "CORS_ORIGINS", "REDIS_URL",
	"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST", "TRANSMISSION_RETENTION",
	"ATTACHMENT_STORAGE_TYPE", "ATTACHMENT_MAX_SIZE_MB",
	"ATTACHMENT_S3_BUCKET", "ATTACHMENT_S3_REGION", "ATTACHMENT_S3_ENDPOINT",
	"ATTACHMENT_S3_PREFIX", "ATTACHMENT_GCS_BUCKET", "ATTACHMENT_GCS_PREFIX",
}

// cleanEnv unsets every key and moves into an empty directory so no .env
// file is picked up. t.Setenv restores the previous values afterwards.
func cleanEnv(t *testing.T) string {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	cleanEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ":8080", cfg.ListenAddr())
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.True(t, cfg.LiteMode())
	assert.Equal(t, filepath.Join("data", "synkronus.db"), cfg.DatabaseTarget())
	assert.Equal(t, filepath.Join("data", "app-bundle"), cfg.AppBundlePath)
	assert.Equal(t, 5, cfg.MaxVersionsKept)
	assert.Equal(t, int64(100<<20), cfg.MaxBundleBytes())
	assert.Equal(t, "fs", cfg.Attachments.StorageType)
	assert.False(t, cfg.OTelEnabled)
	assert.Empty(t, cfg.JWTSecret)
}

func TestLoad_EnvOverrides(t *testing.T) {
	cleanEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://db:5432/synkronus")
	t.Setenv("DATA_DIR", "/var/lib/synkronus")
	t.Setenv("MAX_VERSIONS_KEPT", "3")
	t.Setenv("MAX_BUNDLE_SIZE_MB", "10")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("ATTACHMENT_STORAGE_TYPE", "S3")
	t.Setenv("ATTACHMENT_S3_BUCKET", "blobs")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("TRANSMISSION_RETENTION", "48h")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.False(t, cfg.LiteMode())
	assert.Equal(t, "postgres://db:5432/synkronus", cfg.DatabaseTarget())
	assert.Equal(t, filepath.Join("/var/lib/synkronus", "app-bundle"), cfg.AppBundlePath)
	assert.Equal(t, 3, cfg.MaxVersionsKept)
	assert.Equal(t, int64(10<<20), cfg.MaxBundleBytes())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, "s3", cfg.Attachments.StorageType)
	assert.Equal(t, "blobs", cfg.Attachments.S3Bucket)
	assert.True(t, cfg.OTelEnabled)
	assert.InDelta(t, 2.5, cfg.RateLimitRPS, 0.0001)
	assert.Equal(t, 48*time.Hour, cfg.TransmissionRetention)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := cleanEnv(t)
	path := filepath.Join(dir, "synkronus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "7000"
jwt_secret: from-file
max_versions_kept: 8
transmission_retention: 36h
attachments:
  storage_type: gcs
  gcs_bucket: bundles
`), 0o600))
	t.Setenv("SYNKRONUS_CONFIG", path)
	t.Setenv("PORT", "7001")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "7001", cfg.Port, "env wins over file")
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, 8, cfg.MaxVersionsKept)
	assert.Equal(t, 36*time.Hour, cfg.TransmissionRetention)
	assert.Equal(t, "gcs", cfg.Attachments.StorageType)
	assert.Equal(t, "bundles", cfg.Attachments.GCSBucket)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := cleanEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("JWT_SECRET=dotenv-secret\nPORT=8181\n"), 0o600))

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "dotenv-secret", cfg.JWTSecret)
	assert.Equal(t, "8181", cfg.Port)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad int", map[string]string{"MAX_VERSIONS_KEPT": "many"}},
		{"bad bool", map[string]string{"OTEL_ENABLED": "perhaps"}},
		{"bad duration", map[string]string{"TRANSMISSION_RETENTION": "forever"}},
		{"zero versions", map[string]string{"MAX_VERSIONS_KEPT": "0"}},
		{"bad port", map[string]string{"PORT": "http"}},
		{"unknown storage", map[string]string{"ATTACHMENT_STORAGE_TYPE": "ftp"}},
		{"missing file", map[string]string{"SYNKRONUS_CONFIG": "/nonexistent/synkronus.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}
