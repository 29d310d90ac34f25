package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/agentworkforce/feedbackportal/internal/logging"
)

const minJWTSecretLength = 32

func (c *Config) Validate() error {
	if len(c.Auth.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d characters (got %d)", minJWTSecretLength, len(c.Auth.JWTSecret))
	}
	if c.Auth.InternalMaxSkew <= 0 {
		return fmt.Errorf("auth.internal_max_skew must be > 0")
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be > 0 (got %d)", c.Server.MaxBodyBytes)
	}
	if c.Server.RateLimitMax < 0 {
		return fmt.Errorf("server.rate_limit_max must be >= 0 (got %d)", c.Server.RateLimitMax)
	}
	if err := c.Classifier.validate(); err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logging.FormatJSON, logging.FormatConsole:
	default:
		return fmt.Errorf("log.format must be %q or %q (got %q)", logging.FormatJSON, logging.FormatConsole, c.Log.Format)
	}
	return nil
}

func (c *ClassifierConfig) validate() error {
	if err := ValidateWebhookURL(c.WebhookURL); err != nil {
		return err
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0 (got %d)", c.Workers)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be > 0 (got %d)", c.QueueCapacity)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0 (got %d)", c.MaxRetries)
	}
	return nil
}

// ValidateWebhookURL accepts an empty URL, which leaves the trigger
// unconfigured.
func ValidateWebhookURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("webhook_url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("webhook_url must be http or https (got %q)", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("webhook_url must include a host")
	}
	return nil
}
