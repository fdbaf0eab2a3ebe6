// Package config loads and validates the environment-driven settings
// for the sync service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/woo-catalog-sync/internal/domain"
)

// Execution modes.
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Config is the full runtime configuration, populated from environment
// variables by Load.
type Config struct {
	ExecutionMode string `env:"EXECUTION_MODE" envDefault:"development" validate:"oneof=development production"`
	// Port serves the progress dashboard; 0 disables the HTTP server.
	Port int `env:"PORT" envDefault:"0"`

	// Object store (production and test buckets; endpoint override for
	// MinIO-style local stores).
	S3BucketName      string `env:"S3_BUCKET_NAME"`
	S3TestBucketName  string `env:"S3_TEST_BUCKET_NAME"`
	S3Endpoint        string `env:"S3_ENDPOINT"`
	S3Region          string `env:"S3_REGION" envDefault:"us-east-1"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
	S3ForcePathStyle  bool   `env:"S3_FORCE_PATH_STYLE" envDefault:"false"`

	// Remote catalog API. Production uses WooAPIBaseURL; development
	// prefers the dev URL, then the test URL, then production.
	WooAPIBaseURL     string `env:"WOO_API_BASE_URL"`
	WooAPIBaseURLDev  string `env:"WOO_API_BASE_URL_DEV"`
	WooAPIBaseURLTest string `env:"WOO_API_BASE_URL_TEST"`
	WooConsumerKey    string `env:"WOO_CONSUMER_KEY"`
	WooConsumerSecret string `env:"WOO_CONSUMER_SECRET"`

	Concurrency int `env:"CONCURRENCY" envDefault:"2" validate:"min=1"`
	BatchSize   int `env:"BATCH_SIZE" envDefault:"10" validate:"min=1"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"catalog.batch.jobs"`
	KafkaGroup   string   `env:"KAFKA_GROUP" envDefault:"catalog-sync-workers"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	CheckpointPath string `env:"CHECKPOINT_PATH" envDefault:"process_checkpoint.json"`
	OutputDir      string `env:"OUTPUT_DIR" envDefault:"output-files"`

	// Rate gate overrides; zero values fall back to mode defaults
	// (development throttles harder than production).
	RateMaxConcurrent int           `env:"RATE_MAX_CONCURRENT" envDefault:"0"`
	RateMinSpacing    time.Duration `env:"RATE_MIN_SPACING" envDefault:"0"`
	RateBaseDelay     time.Duration `env:"RATE_BASE_DELAY" envDefault:"1s"`
	RateMaxAttempts   int           `env:"RATE_MAX_ATTEMPTS" envDefault:"5" validate:"min=1"`

	// Queue delivery policy. JobTimeout is clamped to [2m, 5m].
	JobTimeout        time.Duration `env:"JOB_TIMEOUT" envDefault:"180s"`
	JobAttempts       int           `env:"JOB_ATTEMPTS" envDefault:"5" validate:"min=1"`
	JobBackoffInitial time.Duration `env:"JOB_BACKOFF_INITIAL" envDefault:"5s"`

	AdminUsername     string `env:"ADMIN_USERNAME"`
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"`

	CORSAllowOrigins string `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin  int    `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"woo-catalog-sync"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`

	// FieldMapPath optionally overrides the built-in payload field mapping.
	FieldMapPath string `env:"FIELD_MAP_PATH"`

	CompletionScanInterval time.Duration `env:"COMPLETION_SCAN_INTERVAL" envDefault:"5s"`
	ProgressInterval       time.Duration `env:"PROGRESS_INTERVAL" envDefault:"10s"`
	ShutdownTimeout        time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	IngestMaxConsecutiveErrors int `env:"INGEST_MAX_CONSECUTIVE_ERRORS" envDefault:"3" validate:"min=1"`
}

// Load parses environment variables into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load validate: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the pipeline runs in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.ExecutionMode) == ModeDevelopment }

// IsProd reports whether the pipeline runs in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.ExecutionMode) == ModeProduction }

// Bucket returns the source bucket for the current mode. Development
// prefers the test bucket and falls back to the production one.
func (c Config) Bucket() string {
	if c.IsDev() && c.S3TestBucketName != "" {
		return c.S3TestBucketName
	}
	return c.S3BucketName
}

// FolderSuffix returns the date-folder suffix for the current mode.
// Production folders are MM-DD-YYYY, development MM-DD-YYYY-test.
func (c Config) FolderSuffix() string {
	if c.IsDev() {
		return "-test"
	}
	return ""
}

// APIBaseURL returns the remote catalog endpoint for the current mode.
func (c Config) APIBaseURL() string {
	if c.IsProd() {
		return c.WooAPIBaseURL
	}
	for _, u := range []string{c.WooAPIBaseURLDev, c.WooAPIBaseURLTest, c.WooAPIBaseURL} {
		if u != "" {
			return u
		}
	}
	return ""
}

// GateMaxConcurrent returns the rate-gate concurrency: the override if
// set, otherwise the mode default (dev 2, prod 5).
func (c Config) GateMaxConcurrent() int {
	if c.RateMaxConcurrent > 0 {
		return c.RateMaxConcurrent
	}
	if c.IsDev() {
		return 2
	}
	return 5
}

// GateMinSpacing returns the rate-gate inter-request spacing: the
// override if set, otherwise the mode default (dev 1s, prod 200ms).
func (c Config) GateMinSpacing() time.Duration {
	if c.RateMinSpacing > 0 {
		return c.RateMinSpacing
	}
	if c.IsDev() {
		return time.Second
	}
	return 200 * time.Millisecond
}

// DeliveryPolicy assembles the queue retry policy from configuration.
func (c Config) DeliveryPolicy() domain.DeliveryPolicy {
	p := domain.DefaultDeliveryPolicy()
	p.MaxAttempts = c.JobAttempts
	p.InitialDelay = c.JobBackoffInitial
	p.Timeout = clampDuration(c.JobTimeout, 2*time.Minute, 5*time.Minute)
	return p
}

// AdminEnabled reports whether the dashboard admin endpoints are active.
func (c Config) AdminEnabled() bool {
	return c.AdminUsername != "" && c.AdminPasswordHash != ""
}

// DashboardEnabled reports whether the HTTP server should start.
func (c Config) DashboardEnabled() bool { return c.Port > 0 }

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
