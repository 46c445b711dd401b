// Package config loads client settings from the environment, with .env
// support for local development.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"utspclient/internal/poll"
)

type Config struct {
	Server      ServerConfig
	Poll        poll.Config
	Cache       CacheConfig
	Blob        BlobConfig
	MaxInFlight int
}

type ServerConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

type CacheConfig struct {
	Dir          string
	PGDSN        string
	FrontEntries int
	FrontTTL     time.Duration
	OffloadBytes int
}

type BlobConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			URL:     strings.TrimSpace(os.Getenv("UTSP_URL")),
			APIKey:  strings.TrimSpace(os.Getenv("UTSP_API_KEY")),
			Timeout: duration("UTSP_TIMEOUT", 30*time.Second),
		},
		Poll: poll.Config{
			InitialInterval: duration("UTSP_POLL_INITIAL", time.Second),
			MaxInterval:     duration("UTSP_POLL_MAX", time.Minute),
			Factor:          fraction("UTSP_POLL_FACTOR", 2),
			Deadline:        duration("UTSP_DEADLINE", 4*time.Hour),
			RetryBudget:     integer("UTSP_RETRY_BUDGET", 5),
		},
		Cache: CacheConfig{
			Dir:          firstNonEmpty(os.Getenv("UTSP_CACHE_DIR"), defaultCacheDir()),
			PGDSN:        strings.TrimSpace(os.Getenv("UTSP_PG_DSN")),
			FrontEntries: integer("UTSP_CACHE_FRONT_ENTRIES", 256),
			FrontTTL:     duration("UTSP_CACHE_FRONT_TTL", 10*time.Minute),
			OffloadBytes: integer("UTSP_CACHE_OFFLOAD_BYTES", 1<<20),
		},
		Blob:        loadBlobConfig(),
		MaxInFlight: integer("UTSP_MAX_IN_FLIGHT", 8),
	}
	return cfg, nil
}

func loadBlobConfig() BlobConfig {
	endpoint := strings.TrimSpace(os.Getenv("UTSP_S3_ENDPOINT"))
	return BlobConfig{
		Enabled:   endpoint != "",
		Endpoint:  endpoint,
		Region:    firstNonEmpty(os.Getenv("UTSP_S3_REGION"), "us-east-1"),
		AccessKey: firstNonEmpty(os.Getenv("UTSP_S3_ACCESS_KEY"), os.Getenv("MINIO_ROOT_USER")),
		SecretKey: firstNonEmpty(os.Getenv("UTSP_S3_SECRET_KEY"), os.Getenv("MINIO_ROOT_PASSWORD")),
		Bucket:    firstNonEmpty(os.Getenv("UTSP_S3_BUCKET"), "utsp-results"),
		UseSSL:    boolean("UTSP_S3_USE_SSL", false),
	}
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".utsp-cache"
	}
	return filepath.Join(home, ".utsp-cache")
}

func duration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func integer(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func fraction(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 1 {
		return fallback
	}
	return f
}

func boolean(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
