// Package config loads feedbackd configuration from a YAML file overlaid by
// environment variables and keeps the hot-reloadable subset current.
package config

import (
	"time"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"             env:"FEEDBACK_ADDR"             env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"FEEDBACK_READ_TIMEOUT"     env-default:"10s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"     env:"FEEDBACK_IDLE_TIMEOUT"     env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"FEEDBACK_SHUTDOWN_TIMEOUT" env-default:"10s"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"   env:"FEEDBACK_MAX_BODY_BYTES"   env-default:"65536"`
	// Per-user create limit.
	RateLimitMax    int           `yaml:"rate_limit_max"    env:"FEEDBACK_RATE_LIMIT_MAX"    env-default:"30"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window" env:"FEEDBACK_RATE_LIMIT_WINDOW" env-default:"1m"`
}

type DatabaseConfig struct {
	// DSN selects the repository: memory:// or postgres://.
	DSN string `yaml:"dsn" env:"FEEDBACK_DATABASE_DSN" env-default:"memory://"`
}

type AuthConfig struct {
	JWTSecret          string        `yaml:"jwt_secret"           env:"FEEDBACK_JWT_SECRET"           env-required:"true"`
	JWTAudience        string        `yaml:"jwt_audience"         env:"FEEDBACK_JWT_AUDIENCE"         env-default:"authenticated"`
	InternalHMACSecret string        `yaml:"internal_hmac_secret" env:"FEEDBACK_INTERNAL_HMAC_SECRET"`
	InternalMaxSkew    time.Duration `yaml:"internal_max_skew"    env:"FEEDBACK_INTERNAL_MAX_SKEW"    env-default:"5m"`
}

type ClassifierConfig struct {
	WebhookURL      string        `yaml:"webhook_url"      env:"N8N_WEBHOOK_URL"`
	QueueDSN        string        `yaml:"queue_dsn"        env:"FEEDBACK_CLASSIFIER_QUEUE_DSN"`
	QueueCapacity   int           `yaml:"queue_capacity"   env:"FEEDBACK_CLASSIFIER_QUEUE_CAPACITY"   env-default:"1024"`
	Workers         int           `yaml:"workers"          env:"FEEDBACK_CLASSIFIER_WORKERS"          env-default:"2"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" env:"FEEDBACK_CLASSIFIER_DELIVERY_TIMEOUT" env-default:"30s"`
	MaxRetries      int           `yaml:"max_retries"      env:"FEEDBACK_CLASSIFIER_MAX_RETRIES"      env-default:"2"`
}

type LogConfig struct {
	Level  string `yaml:"level"  env:"FEEDBACK_LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"FEEDBACK_LOG_FORMAT" env-default:"json"`
	File   string `yaml:"file"   env:"FEEDBACK_LOG_FILE"`
}
