// Package config loads server settings from an optional .env file, an
// optional YAML file named by SYNKRONUS_CONFIG and the environment, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`

	// DatabaseURL selects Postgres. Empty means SQLite under DataDir.
	DatabaseURL string `yaml:"database_url"`
	DataDir     string `yaml:"data_dir"`

	AppBundlePath   string `yaml:"app_bundle_path"`
	MaxVersionsKept int    `yaml:"max_versions_kept"`
	MaxBundleSizeMB int    `yaml:"max_bundle_size_mb"`

	JWTSecret   string   `yaml:"jwt_secret"`
	CORSOrigins []string `yaml:"cors_origins"`

	Attachments AttachmentConfig `yaml:"attachments"`

	RedisURL string `yaml:"redis_url"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTLPEndpoint string `yaml:"otel_exporter_otlp_endpoint"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	// TransmissionRetention bounds how long push results are kept for replay.
	TransmissionRetention time.Duration `yaml:"transmission_retention"`
}

// AttachmentConfig selects the blob backend.
type AttachmentConfig struct {
	StorageType string `yaml:"storage_type"` // fs, s3 or gcs
	MaxSizeMB   int    `yaml:"max_size_mb"`

	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Prefix   string `yaml:"s3_prefix"`

	GCSBucket string `yaml:"gcs_bucket"`
	GCSPrefix string `yaml:"gcs_prefix"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Port:                  "8080",
		LogLevel:              "INFO",
		LogFormat:             "json",
		DataDir:               "data",
		MaxVersionsKept:       5,
		MaxBundleSizeMB:       100,
		Attachments:           AttachmentConfig{StorageType: "fs", MaxSizeMB: 50},
		OTLPEndpoint:          "localhost:4317",
		RateLimitRPS:          20,
		RateLimitBurst:        40,
		TransmissionRetention: 7 * 24 * time.Hour,
	}
}

// Load builds the configuration. A missing .env file is not an error; a
// SYNKRONUS_CONFIG that cannot be read or parsed is.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("SYNKRONUS_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.derive()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	//nolint:gosec // G304: operator supplied path
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.LogFile, "LOG_FILE")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.DataDir, "DATA_DIR")
	setString(&c.AppBundlePath, "APP_BUNDLE_PATH")
	setString(&c.JWTSecret, "JWT_SECRET")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	setString(&c.Attachments.StorageType, "ATTACHMENT_STORAGE_TYPE")
	setString(&c.Attachments.S3Bucket, "ATTACHMENT_S3_BUCKET")
	setString(&c.Attachments.S3Region, "ATTACHMENT_S3_REGION")
	setString(&c.Attachments.S3Endpoint, "ATTACHMENT_S3_ENDPOINT")
	setString(&c.Attachments.S3Prefix, "ATTACHMENT_S3_PREFIX")
	setString(&c.Attachments.GCSBucket, "ATTACHMENT_GCS_BUCKET")
	setString(&c.Attachments.GCSPrefix, "ATTACHMENT_GCS_PREFIX")

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}

	var errs []error
	errs = append(errs,
		setInt(&c.MaxVersionsKept, "MAX_VERSIONS_KEPT"),
		setInt(&c.MaxBundleSizeMB, "MAX_BUNDLE_SIZE_MB"),
		setInt(&c.Attachments.MaxSizeMB, "ATTACHMENT_MAX_SIZE_MB"),
		setInt(&c.RateLimitBurst, "RATE_LIMIT_BURST"),
		setFloat(&c.RateLimitRPS, "RATE_LIMIT_RPS"),
		setBool(&c.OTelEnabled, "OTEL_ENABLED"),
		setDuration(&c.TransmissionRetention, "TRANSMISSION_RETENTION"),
	)
	return errors.Join(errs...)
}

func (c *Config) derive() {
	if c.AppBundlePath == "" {
		c.AppBundlePath = filepath.Join(c.DataDir, "app-bundle")
	}
	c.LogLevel = strings.ToUpper(c.LogLevel)
	c.Attachments.StorageType = strings.ToLower(c.Attachments.StorageType)
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("PORT must be numeric, got %q", c.Port))
	}
	if c.MaxVersionsKept < 1 {
		errs = append(errs, errors.New("MAX_VERSIONS_KEPT must be at least 1"))
	}
	if c.MaxBundleSizeMB < 1 {
		errs = append(errs, errors.New("MAX_BUNDLE_SIZE_MB must be at least 1"))
	}
	switch c.Attachments.StorageType {
	case "", "fs", "s3", "gcs":
	default:
		errs = append(errs, fmt.Errorf("unsupported ATTACHMENT_STORAGE_TYPE %q", c.Attachments.StorageType))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS must not be negative"))
	}
	return errors.Join(errs...)
}

// LiteMode reports whether the server runs on the embedded SQLite database.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// DatabaseTarget is the URL or file path handed to database.Open.
func (c *Config) DatabaseTarget() string {
	if c.LiteMode() {
		return filepath.Join(c.DataDir, "synkronus.db")
	}
	return c.DatabaseURL
}

// ListenAddr is the address the HTTP server binds.
func (c *Config) ListenAddr() string {
	return ":" + c.Port
}

// MaxBundleBytes converts MaxBundleSizeMB to bytes.
func (c *Config) MaxBundleBytes() int64 {
	return int64(c.MaxBundleSizeMB) << 20
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
