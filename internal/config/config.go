// Package config reads worker and CLI settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tendant/camera-trap-pipeline/internal/dbosruntime"
)

// Commit backends
const (
	BackendAPI   = "api"   // camera-trap HTTP API
	BackendMongo = "mongo" // direct MongoDB upserts
	BackendS3    = "s3"    // staged payloads in the upload bucket
)

// Config holds every setting the worker reads at startup.
type Config struct {
	HTTPAddr string
	LogLevel string

	DBOS dbosruntime.Config

	// camera-trap API
	APIURL         string
	APICredentials string // "user:password" for basic auth

	// MongoDB
	MongoURI      string
	MongoDatabase string

	// S3
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3KeyID    string
	S3Secret   string

	// simple-content HTTP API; empty means the embedded service
	ContentAPIURL string

	CommitBackend  string
	Strict         bool
	ForceApply     bool
	OffsetHours    int
	SchemaTimeout  time.Duration
	OverlapTimeout time.Duration
	ImageURLPrefix string
	FieldMapFile   string
}

// Load reads .env if present and then the process environment.
func Load() (*Config, error) {
	// Silently ignore a missing .env
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function, applying defaults.
func FromEnv(getenv func(string) string) (*Config, error) {
	r := reader{getenv: getenv}
	cfg := &Config{
		HTTPAddr: r.str("WORKER_HTTP_ADDR", ":8081"),
		LogLevel: r.str("LOG_LEVEL", "info"),
		DBOS: dbosruntime.Config{
			DatabaseURL:        r.str("DBOS_SYSTEM_DATABASE_URL", ""),
			AppName:            r.str("DBOS_APP_NAME", "camera-trap-worker"),
			QueueName:          r.str("DBOS_QUEUE_NAME", "default"),
			Concurrency:        r.integer("DBOS_CONCURRENCY", 4),
			ApplicationVersion: r.str("DBOS_APPLICATION_VERSION", ""),
		},
		APIURL:         strings.TrimRight(r.str("CAMERATRAP_API_URL", ""), "/"),
		APICredentials: r.str("CAMERATRAP_API_CREDENTIALS", ""),
		MongoURI:       r.str("MONGO_URI", ""),
		MongoDatabase:  r.str("MONGO_DATABASE", "camera-trap"),
		S3Bucket:       r.str("S3_BUCKET", ""),
		S3Region:       r.str("S3_REGION", "ap-northeast-1"),
		S3Endpoint:     r.str("S3_ENDPOINT", ""),
		S3KeyID:        r.str("S3_KEY_ID", ""),
		S3Secret:       r.str("S3_SECRET", ""),
		ContentAPIURL:  r.str("CONTENT_API_URL", ""),
		CommitBackend:  strings.ToLower(r.str("COMMIT_BACKEND", BackendAPI)),
		Strict:         r.boolean("INGEST_STRICT", false),
		ForceApply:     r.boolean("INGEST_FORCE_APPLY", true),
		OffsetHours:    r.integer("INGEST_TZ_OFFSET_HOURS", 8),
		SchemaTimeout:  r.duration("SCHEMA_TIMEOUT", 15*time.Second),
		OverlapTimeout: r.duration("OVERLAP_TIMEOUT", 15*time.Second),
		ImageURLPrefix: r.str("IMAGE_URL_PREFIX", ""),
		FieldMapFile:   r.str("FIELD_MAP_FILE", ""),
	}
	if r.err != nil {
		return nil, r.err
	}
	return cfg, cfg.Validate()
}

// Validate checks settings that do not depend on which binary runs.
func (c *Config) Validate() error {
	switch c.CommitBackend {
	case BackendAPI:
		if c.APIURL == "" {
			return fmt.Errorf("CAMERATRAP_API_URL is required for commit backend %q", c.CommitBackend)
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required for commit backend %q", c.CommitBackend)
		}
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for commit backend %q", c.CommitBackend)
		}
	default:
		return fmt.Errorf("unknown COMMIT_BACKEND %q", c.CommitBackend)
	}
	if c.OffsetHours < -12 || c.OffsetHours > 14 {
		return fmt.Errorf("INGEST_TZ_OFFSET_HOURS out of range: %d", c.OffsetHours)
	}
	return nil
}

type reader struct {
	getenv func(string) string
	err    error
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return n
}

func (r *reader) boolean(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return d
}

func (r *reader) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}
