package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Mail transports
const (
	TransportSES  = "ses"
	TransportSMTP = "smtp"
	TransportLog  = "log"
)

// ErrMissingTrackingSecret is returned when TRACKING_SECRET is not set.
// Tracking tokens cannot be signed without it, so startup must stop.
var ErrMissingTrackingSecret = errors.New("TRACKING_SECRET is required")

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Env      string `env:"ENV" envDefault:"development"`

	// Database
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"dripmail"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME" envDefault:"dripmail"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	// Redis config (claim leases)
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// AWS Services
	AWSRegion   string `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSEndpoint string `env:"AWS_ENDPOINT"` // LocalStack and friends

	// SQS config
	SQSQueueURL          string `env:"SQS_QUEUE_URL"`
	SQSWaitSeconds       int32  `env:"SQS_WAIT_SECONDS" envDefault:"20"`
	SQSVisibilityTimeout int32  `env:"SQS_VISIBILITY_TIMEOUT" envDefault:"120"`

	// SNS topic for sequence lifecycle events, optional
	SNSTopicARN string `env:"SNS_TOPIC_ARN"`

	// Mail transport
	MailTransport string        `env:"MAIL_TRANSPORT" envDefault:"ses"`
	SMTPHost      string        `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort      int           `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername  string        `env:"SMTP_USERNAME"`
	SMTPPassword  string        `env:"SMTP_PASSWORD"`
	MailTimeout   time.Duration `env:"MAIL_TIMEOUT" envDefault:"30s"`

	// Tracking
	TrackingSecret string `env:"TRACKING_SECRET"`
	BaseDomain     string `env:"BASE_DOMAIN" envDefault:"dripmail.local"`
	SiteScheme     string `env:"SITE_SCHEME" envDefault:"https"`

	// Delivery engine
	BounceLimit       int           `env:"BOUNCE_LIMIT" envDefault:"3"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"60s"`
	RulesInterval     time.Duration `env:"RULES_INTERVAL" envDefault:"60s"`
	DiscoveryBatch    int           `env:"DISCOVERY_BATCH" envDefault:"500"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"5"`
	RetryBackoff      time.Duration `env:"RETRY_BACKOFF" envDefault:"1m"`
	RetryBackoffMax   time.Duration `env:"RETRY_BACKOFF_MAX" envDefault:"1h"`
	ClaimTTL          time.Duration `env:"CLAIM_TTL" envDefault:"5m"`

	SentryDSN string `env:"SENTRY_DSN"`
}

// Load reads configuration from the environment, after pulling in an
// optional .env file from the working directory.
func Load() (*Config, error) {
	// a missing .env is the normal case outside local development
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	return cfg, nil
}

// Validate checks the settings the delivery engine cannot run without.
func (c *Config) Validate() error {
	if c.TrackingSecret == "" {
		return ErrMissingTrackingSecret
	}
	if c.BounceLimit <= 0 {
		return fmt.Errorf("invalid BOUNCE_LIMIT: %d", c.BounceLimit)
	}
	if c.PollInterval <= 0 || c.RulesInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}

	switch c.MailTransport {
	case TransportSES, TransportSMTP, TransportLog:
	default:
		return fmt.Errorf("invalid MAIL_TRANSPORT: %q", c.MailTransport)
	}

	return nil
}
