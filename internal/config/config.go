// Package config defines the global configuration structure for the TierGate
// service. Configuration is loaded once at process initialization and is
// immutable thereafter, following 12-Factor App principles.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format causes startup to fail
// immediately (fail fast).
package config

import (
	"time"

	"tiergate/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the TierGate service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"tiergate"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server    ServerConfig
	Database  DatabaseConfig
	Billing   BillingConfig
	Quota     QuotaConfig
	Reconcile ReconcileConfig
	Notify    NotifyConfig
	Audit     AuditConfig
	AWS       AWSConfig
	Auth      AuthConfig

	// Build Metadata (injected via ldflags, not env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// DefaultOrigin is the redirect origin used for checkout/portal return
	// URLs when the request carries no origin of its own (no trailing slash).
	DefaultOrigin string `envconfig:"DEFAULT_ORIGIN" validate:"required,url"`
}

// DatabaseConfig holds profile-cache database connection and pool tuning.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// BillingConfig holds billing-processor credentials and the plan-to-price
// mapping table.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`

	// PriceTable maps "<tier>.<period>" selectors to processor price
	// references, e.g. "premium.monthly:price_1abc,premium.yearly:price_2def".
	// Selectors absent from the table are rejected with invalid_plan_selector.
	PriceTable map[string]string `envconfig:"PRICE_TABLE" validate:"required"`

	RequestTimeout time.Duration `envconfig:"BILLING_REQUEST_TIMEOUT" default:"20s"`
}

// QuotaConfig holds the free-tier creation limits per feature kind. The
// limits are independent deployment parameters; enforcement never assumes
// they stay equal across kinds.
type QuotaConfig struct {
	FreeLimitCourses int `envconfig:"FREE_LIMIT_COURSES" default:"5" validate:"min=0"`
	FreeLimitTasks   int `envconfig:"FREE_LIMIT_TASKS" default:"5" validate:"min=0"`
	FreeLimitNotes   int `envconfig:"FREE_LIMIT_NOTES" default:"5" validate:"min=0"`
}

// Limits returns the configured free-tier limits as a domain value.
func (q QuotaConfig) Limits() types.FreeLimits {
	return types.FreeLimits{
		Courses: q.FreeLimitCourses,
		Tasks:   q.FreeLimitTasks,
		Notes:   q.FreeLimitNotes,
	}
}

// ReconcileConfig holds tier-reconciliation timing parameters.
type ReconcileConfig struct {
	// Interval is the periodic refresh cadence per session.
	Interval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"30s"`
	// SweepStaleness is the snapshot age beyond which the scheduled sweep
	// worker refreshes a user.
	SweepStaleness time.Duration `envconfig:"RECONCILE_SWEEP_STALENESS" default:"15m"`
	// SweepConcurrency bounds parallel refreshes in the sweep worker.
	SweepConcurrency int `envconfig:"RECONCILE_SWEEP_CONCURRENCY" default:"8" validate:"min=1"`
}

// NotifyConfig holds the fire-and-forget notice side channel settings.
type NotifyConfig struct {
	QueueURL string `envconfig:"SQS_NOTICES" validate:"required,url"`
}

// AuditConfig holds the buffered audit sink settings. Batches land in S3 as
// date-partitioned zstd-compressed JSONL objects.
type AuditConfig struct {
	Bucket string `envconfig:"AUDIT_BUCKET" validate:"required"`
	Prefix string `envconfig:"AUDIT_PREFIX" default:"events"`

	FlushInterval time.Duration `envconfig:"AUDIT_FLUSH_INTERVAL" default:"10s"`
	MaxBatch      int           `envconfig:"AUDIT_MAX_BATCH" default:"64" validate:"min=1"`
	BufferSize    int           `envconfig:"AUDIT_BUFFER_SIZE" default:"1024" validate:"min=1"`
}

// AWSConfig holds AWS regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
	// LocalStack support (empty in prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// AuthConfig holds service authentication material.
type AuthConfig struct {
	// APIKeyHash is the bcrypt hash of the service API key presented by
	// trusted feature backends.
	APIKeyHash SecretString `envconfig:"API_KEY_HASH" validate:"required"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure parsing environment variable values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
