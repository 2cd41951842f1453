// Package config loads and validates process configuration from the
// environment. Load is called exactly once at startup; the returned
// Config is immutable and safe for concurrent reads thereafter.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all environment-derived settings for the server.
type Config struct {
	Port    string
	Env     string // "production" or "development"
	BaseURL string

	DatabaseURL string
	StoragePath string

	MaxFileSize      int64
	ChunkSizeDefault int64
	UploadTTL        time.Duration
	SweepInterval    time.Duration
	OrphanGrace      time.Duration

	MaxConcurrentUploads int

	RateLimitBackend string // "memory" or "redis"
	RedisURL         string

	AdminToken string

	CORSAllowedOrigins []string

	RetentionConfigPath string
}

// IsProduction reports whether the server is running in production mode,
// gating error-message sanitization and debug logging verbosity.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// Load reads and validates configuration from the environment. It fails
// fast: any missing required variable or malformed value is returned as
// an error rather than silently defaulted, so misconfiguration is caught
// at boot instead of on first request.
func Load() (Config, error) {
	cfg := Config{
		Port:                 getEnvDefault("PORT", "8080"),
		Env:                  getEnvDefault("APIS_ENV", "development"),
		BaseURL:              getEnvDefault("BASE_URL", ""),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		StoragePath:          os.Getenv("STORAGE_PATH"),
		RateLimitBackend:     getEnvDefault("RATE_LIMIT_BACKEND", "memory"),
		RedisURL:             os.Getenv("REDIS_URL"),
		AdminToken:           os.Getenv("ADMIN_TOKEN"),
		RetentionConfigPath:  os.Getenv("RETENTION_CONFIG"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.StoragePath == "" {
		return Config{}, fmt.Errorf("config: STORAGE_PATH is required")
	}

	var err error
	if cfg.MaxFileSize, err = getEnvInt64Default("MAX_FILE_SIZE", 100*1024*1024); err != nil {
		return Config{}, err
	}
	if cfg.ChunkSizeDefault, err = getEnvInt64Default("CHUNK_SIZE_DEFAULT", 5*1024*1024); err != nil {
		return Config{}, err
	}
	if cfg.UploadTTL, err = getEnvDurationDefault("UPLOAD_TTL", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = getEnvDurationDefault("SWEEP_INTERVAL", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.OrphanGrace, err = getEnvDurationDefault("ORPHAN_GRACE", 10*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.MaxConcurrentUploads, err = getEnvIntDefault("MAX_CONCURRENT_UPLOADS", 64); err != nil {
		return Config{}, err
	}

	if cfg.Env != "production" && cfg.Env != "development" {
		return Config{}, fmt.Errorf("config: APIS_ENV must be 'production' or 'development', got %q", cfg.Env)
	}
	if cfg.RateLimitBackend != "memory" && cfg.RateLimitBackend != "redis" {
		return Config{}, fmt.Errorf("config: RATE_LIMIT_BACKEND must be 'memory' or 'redis', got %q", cfg.RateLimitBackend)
	}
	if cfg.RateLimitBackend == "redis" && cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("config: RATE_LIMIT_BACKEND=redis requires REDIS_URL")
	}

	origins := getEnvDefault("CORS_ALLOWED_ORIGINS", "")
	if origins != "" {
		for _, o := range strings.Split(origins, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntDefault(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvInt64Default(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvDurationDefault(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a duration (e.g. '5m'): %w", key, err)
	}
	return d, nil
}
