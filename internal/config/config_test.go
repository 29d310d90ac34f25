package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

// unsetEnv removes key for the duration of the test. cleanenv treats a set
// but empty variable as an override, so t.Setenv(key, "") is not enough.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	prev, ok := os.LookupEnv(key)
	require.NoError(t, os.Unsetenv(key))
	t.Cleanup(func() {
		if ok {
			_ = os.Setenv(key, prev)
		}
	})
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, `
server:
  addr: ":9090"
auth:
  jwt_secret: "`+testSecret+`"
classifier:
  webhook_url: "http://n8n.local/webhook/feedback"
  workers: 4
log:
  level: debug
`)
	t.Setenv("N8N_WEBHOOK_URL", "https://n8n.example.com/webhook/classify")

	cfg, err := LoadFrom(path, true)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "https://n8n.example.com/webhook/classify", cfg.Classifier.WebhookURL)
	assert.Equal(t, 4, cfg.Classifier.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "memory://", cfg.Database.DSN)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "authenticated", cfg.Auth.JWTAudience)
}

func TestLoadFromEnvOnlyWhenDefaultFileMissing(t *testing.T) {
	t.Setenv("FEEDBACK_JWT_SECRET", testSecret)
	t.Setenv("FEEDBACK_DATABASE_DSN", "postgres://localhost/feedback")
	unsetEnv(t, "N8N_WEBHOOK_URL")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"), false)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/feedback", cfg.Database.DSN)
	assert.Empty(t, cfg.Classifier.WebhookURL)
}

func TestLoadFromExplicitMissingFileFails(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"), true)
	require.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	path, explicit := ResolvePath()
	assert.Equal(t, "./config.yaml", path)
	assert.False(t, explicit)

	t.Setenv(EnvConfigPath, "/etc/feedbackd.yaml")
	path, explicit = ResolvePath()
	assert.Equal(t, "/etc/feedbackd.yaml", path)
	assert.True(t, explicit)
}

func validConfig() Config {
	return Config{
		Server:     ServerConfig{MaxBodyBytes: 1024},
		Database:   DatabaseConfig{DSN: "memory://"},
		Auth:       AuthConfig{JWTSecret: testSecret, InternalMaxSkew: time.Minute},
		Classifier: ClassifierConfig{Workers: 1, QueueCapacity: 8},
		Log:        LogConfig{Level: "info", Format: "json"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "short secret", mutate: func(c *Config) { c.Auth.JWTSecret = "short" }, wantErr: "jwt_secret"},
		{name: "bad webhook scheme", mutate: func(c *Config) { c.Classifier.WebhookURL = "ftp://host/x" }, wantErr: "webhook_url"},
		{name: "webhook without host", mutate: func(c *Config) { c.Classifier.WebhookURL = "http:///x" }, wantErr: "host"},
		{name: "no workers", mutate: func(c *Config) { c.Classifier.Workers = 0 }, wantErr: "workers"},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "chatty" }, wantErr: "log"},
		{name: "bad format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
		{name: "empty dsn", mutate: func(c *Config) { c.Database.DSN = " " }, wantErr: "database.dsn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLiveApply(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })
	cfg := validConfig()
	cfg.Classifier.WebhookURL = " https://n8n.example.com/hook "
	cfg.Log.Level = "warn"
	live := NewLive(&cfg)
	assert.Equal(t, "https://n8n.example.com/hook", live.WebhookURL())
	assert.Equal(t, "warn", live.LogLevel())
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	live.Apply(nil)
	assert.Equal(t, "https://n8n.example.com/hook", live.WebhookURL())
}

func TestWatchReloadsWebhookURL(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := func(url string) string {
		return "auth:\n  jwt_secret: \"" + testSecret + "\"\nclassifier:\n  webhook_url: \"" + url + "\"\n"
	}
	unsetEnv(t, "N8N_WEBHOOK_URL")
	writeConfig(t, path, body(""))
	cfg, err := LoadFrom(path, true)
	require.NoError(t, err)
	live := NewLive(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, live, zerolog.Nop()) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	writeConfig(t, path, body("https://n8n.example.com/webhook/new"))
	require.Eventually(t, func() bool {
		return live.WebhookURL() == "https://n8n.example.com/webhook/new"
	}, 3*time.Second, 20*time.Millisecond)

	writeConfig(t, path, body("ftp://bad"))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, "https://n8n.example.com/webhook/new", live.WebhookURL())
}
