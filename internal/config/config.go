// Package config defines the service configuration. Values are loaded once
// at process start from the environment (optionally seeded by a .env file),
// validated, and never modified afterwards. Missing or malformed required
// values fail startup immediately.
package config

import (
	"time"

	"subsync/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used for credentials throughout configuration.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subsets they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"subsync"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	Billing  BillingConfig
	Email    EmailConfig
	AWS      AWSConfig
	Security SecurityConfig
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// FrontendURL is used for payment return redirects (no trailing slash).
	FrontendURL string `envconfig:"FRONTEND_URL" validate:"required,url"`
}

// DatabaseConfig holds connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// BillingConfig holds credentials for both payment accounts. The lifecycle
// account is the system of record for subscriptions; the capture account is
// only ever used for manual payment capture.
type BillingConfig struct {
	LifecycleSecretKey     SecretString `envconfig:"STRIPE_LIFECYCLE_SECRET_KEY" validate:"required"`
	LifecycleWebhookSecret SecretString `envconfig:"STRIPE_LIFECYCLE_WEBHOOK_SECRET" validate:"required"`
	CaptureSecretKey       SecretString `envconfig:"STRIPE_CAPTURE_SECRET_KEY" validate:"required"`

	// CaptureTimeout bounds a single capture call. A timeout is classified
	// as a transient provider error, never as a decline.
	CaptureTimeout time.Duration `envconfig:"CAPTURE_TIMEOUT" default:"20s"`
}

// EmailConfig holds email delivery provider credentials and sender identity.
type EmailConfig struct {
	Provider       string       `envconfig:"EMAIL_PROVIDER" default:"sendgrid" validate:"oneof=sendgrid ses none"`
	SendGridAPIKey SecretString `envconfig:"SENDGRID_API_KEY"`
	SESConfigSet   string       `envconfig:"SES_CONFIG_SET"`
	FromAddress    string       `envconfig:"EMAIL_FROM_ADDRESS" default:"billing@subsync.io"`
	FromName       string       `envconfig:"EMAIL_FROM_NAME" default:"SubSync Billing"`
}

// AWSConfig holds AWS resource identifiers. The dead-letter queue and metric
// namespace are optional; leaving them empty disables the respective feature.
type AWSConfig struct {
	Region          string `envconfig:"AWS_REGION" default:"us-east-1"`
	DeadLetterQueue string `envconfig:"SQS_WEBHOOK_DLQ"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"SubSync"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
	// LocalStack support; empty in production.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// SecurityConfig holds the admin API access credential. AdminAPIKeyHash is a
// bcrypt hash of the key; the plaintext is never stored in configuration.
type SecurityConfig struct {
	AdminAPIKeyHash SecretString `envconfig:"ADMIN_API_KEY_HASH" validate:"required"`
}
