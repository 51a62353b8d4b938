// Package config loads the server configuration from the environment.
// .env and .env.local are read when present; variables already set in the
// process environment take precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full server configuration
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Database DatabaseConfig
	Cache    CacheConfig
	Redis    RedisConfig
	Blob     BlobConfig
	Retrieve RetrieveConfig
	CORS     CORSConfig
	Metrics  MetricsConfig
	Tracing  TracingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// CacheConfig sizes the two ephemeral caches. Type selects the backend
// shared by both: memory or redis.
type CacheConfig struct {
	Type                 string
	MetadataMaxEntries   int
	MetadataTTL          time.Duration
	FrameRangeMaxEntries int
	FrameRangeTTL        time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// BlobConfig selects the object store holding instance files and sidecars
type BlobConfig struct {
	Backend   string // s3, minio, memory
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// RetrieveConfig tunes the retrieve pipeline
type RetrieveConfig struct {
	// MaxTranscodeFileSize bounds the stored size of an instance that may be
	// loaded into memory for transcoding
	MaxTranscodeFileSize int64

	// EmptyOnTranscodeFailure substitutes an empty part when a transcode
	// fails instead of failing the request
	EmptyOnTranscodeFailure bool

	// FetchConcurrency bounds concurrent blob opens in multi-instance retrieves
	FetchConcurrency int
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

type MetricsConfig struct {
	Enabled bool
}

type TracingConfig struct {
	Enabled     bool
	ServiceName string
}

// Load reads configuration from the environment
func Load() (*Config, error) {
	loadDotEnv()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 5*time.Minute),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "dicom_retrieve"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			LogLevel: getEnv("DB_LOG_LEVEL", "warn"),

			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Cache: CacheConfig{
			Type:                 getEnv("CACHE_TYPE", "memory"),
			MetadataMaxEntries:   getEnvInt("CACHE_METADATA_MAX_ENTRIES", 10000),
			MetadataTTL:          getEnvDuration("CACHE_METADATA_TTL", 5*time.Minute),
			FrameRangeMaxEntries: getEnvInt("CACHE_FRAME_RANGE_MAX_ENTRIES", 10000),
			FrameRangeTTL:        getEnvDuration("CACHE_FRAME_RANGE_TTL", 10*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Blob: BlobConfig{
			Backend:   getEnv("BLOB_BACKEND", "s3"),
			Endpoint:  getEnv("BLOB_ENDPOINT", ""),
			Region:    getEnv("BLOB_REGION", "us-east-1"),
			Bucket:    getEnv("BLOB_BUCKET", "dicom"),
			AccessKey: getEnv("BLOB_ACCESS_KEY", ""),
			SecretKey: getEnv("BLOB_SECRET_KEY", ""),
			UseSSL:    getEnvBool("BLOB_USE_SSL", true),
		},
		Retrieve: RetrieveConfig{
			MaxTranscodeFileSize:    getEnvInt64("RETRIEVE_MAX_TRANSCODE_FILE_SIZE", 100*1024*1024),
			EmptyOnTranscodeFailure: getEnvBool("RETRIEVE_EMPTY_ON_TRANSCODE_FAILURE", true),
			FetchConcurrency:        getEnvInt("RETRIEVE_FETCH_CONCURRENCY", 4),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvList("CORS_ALLOWED_METHODS", []string{"GET", "OPTIONS"}),
			AllowedHeaders: getEnvList("CORS_ALLOWED_HEADERS", []string{"Accept", "Content-Type", "If-None-Match", "X-Partition-ID"}),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			ServiceName: getEnv("TRACING_SERVICE_NAME", "ris-dicom-retrieve"),
		},
	}

	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}

	if c.Database.MaxOpenConns <= 0 {
		errs = append(errs, errors.New("DB_MAX_OPEN_CONNS must be positive"))
	}
	if c.Database.MaxIdleConns < 0 || c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		errs = append(errs, fmt.Errorf("DB_MAX_IDLE_CONNS must be between 0 and DB_MAX_OPEN_CONNS (%d)", c.Database.MaxOpenConns))
	}
	if c.Database.ConnMaxLifetime < 0 {
		errs = append(errs, errors.New("DB_CONN_MAX_LIFETIME must not be negative"))
	}

	switch c.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unsupported cache type: %q", c.Cache.Type))
	}
	if c.Cache.MetadataMaxEntries <= 0 || c.Cache.FrameRangeMaxEntries <= 0 {
		errs = append(errs, errors.New("cache max entries must be positive"))
	}
	if c.Cache.MetadataTTL <= 0 || c.Cache.FrameRangeTTL <= 0 {
		errs = append(errs, errors.New("cache TTLs must be positive"))
	}

	switch c.Blob.Backend {
	case "s3", "minio":
		if c.Blob.Bucket == "" {
			errs = append(errs, errors.New("BLOB_BUCKET is required"))
		}
		if c.Blob.Backend == "minio" && c.Blob.Endpoint == "" {
			errs = append(errs, errors.New("BLOB_ENDPOINT is required for minio"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported blob backend: %q", c.Blob.Backend))
	}

	if c.Retrieve.MaxTranscodeFileSize <= 0 {
		errs = append(errs, errors.New("RETRIEVE_MAX_TRANSCODE_FILE_SIZE must be positive"))
	}
	if c.Retrieve.FetchConcurrency <= 0 {
		errs = append(errs, errors.New("RETRIEVE_FETCH_CONCURRENCY must be positive"))
	}

	return errors.Join(errs...)
}

// loadDotEnv reads .env files without overriding the process environment
func loadDotEnv() {
	for _, name := range []string{".env", ".env.local"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load %s file: %v\n", name, err)
		}
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
