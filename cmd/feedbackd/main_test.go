package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/feedbackportal/internal/config"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("FEEDBACK_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("FEEDBACK_ADDR", "127.0.0.1:0")
	t.Setenv("FEEDBACK_DATABASE_DSN", "memory://")
	t.Setenv("FEEDBACK_CLASSIFIER_QUEUE_DSN", "")
	t.Setenv("N8N_WEBHOOK_URL", "")
	cfg, err := config.LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"), false)
	require.NoError(t, err)
	return cfg
}

func TestNewAppServesHealth(t *testing.T) {
	cfg := loadTestConfig(t)
	a, err := newApp(cfg, config.NewLive(cfg), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.shutdown() })

	assert.False(t, a.dispatcher.Configured())
	rec := httptest.NewRecorder()
	a.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/feedback", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNewAppFollowsLiveWebhookURL(t *testing.T) {
	cfg := loadTestConfig(t)
	live := config.NewLive(cfg)
	a, err := newApp(cfg, live, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.shutdown() })

	require.False(t, a.dispatcher.Configured())
	next := *cfg
	next.Classifier.WebhookURL = "https://hooks.example.com/classify"
	live.Apply(&next)
	assert.True(t, a.dispatcher.Configured())
}

func TestRunReleasesResourcesOnCancel(t *testing.T) {
	cfg := loadTestConfig(t)
	a, err := newApp(cfg, config.NewLive(cfg), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.run(ctx))
	assert.Error(t, a.repo.Ping(context.Background()))
}

func TestNewAppRejectsUnknownQueueScheme(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Classifier.QueueDSN = "redis://localhost:6379"
	_, err := newApp(cfg, config.NewLive(cfg), zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build classifier queue")
}
