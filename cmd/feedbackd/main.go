package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/feedbackportal/internal/classifier"
	"github.com/agentworkforce/feedbackportal/internal/config"
	"github.com/agentworkforce/feedbackportal/internal/datastore"
	"github.com/agentworkforce/feedbackportal/internal/httpapi"
	"github.com/agentworkforce/feedbackportal/internal/lifecycle"
	"github.com/agentworkforce/feedbackportal/internal/logging"
)

func main() {
	cfg, path, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, logCloser, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logCloser.Close()

	live := config.NewLive(cfg)
	app, err := newApp(cfg, live, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize feedbackd")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	if _, statErr := os.Stat(path); statErr == nil {
		go func() {
			if err := config.Watch(rootCtx, path, live, logger); err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("config watch disabled")
			}
		}()
	}

	if err := app.run(rootCtx); err != nil {
		logger.Error().Err(err).Msg("feedbackd stopped with error")
		_ = logCloser.Close()
		os.Exit(1)
	}
}

// app is the assembled server process.
type app struct {
	cfg        *config.Config
	httpServer *http.Server
	dispatcher *classifier.Dispatcher
	repo       datastore.Repository
	log        zerolog.Logger
}

func newApp(cfg *config.Config, live *config.Live, logger zerolog.Logger) (*app, error) {
	repo, err := datastore.BuildRepositoryFromDSN(cfg.Database.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("build repository: %w", err)
	}
	queue, err := classifier.BuildJobQueueFromDSN(cfg.Classifier.QueueDSN, cfg.Classifier.QueueCapacity)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("build classifier queue: %w", err)
	}
	trigger := classifier.NewWebhookTrigger(classifier.WebhookOptions{
		URL:        live.WebhookURL,
		HTTPClient: &http.Client{Timeout: cfg.Classifier.DeliveryTimeout},
		UserAgent:  "feedbackd",
		MaxRetries: cfg.Classifier.MaxRetries,
	})
	dispatcher := classifier.NewDispatcher(classifier.DispatcherOptions{
		Queue:           queue,
		Trigger:         trigger,
		Workers:         cfg.Classifier.Workers,
		DeliveryTimeout: cfg.Classifier.DeliveryTimeout,
		Logger:          logger,
	})
	service := lifecycle.NewService(lifecycle.Options{
		Repository: repo,
		Scheduler:  dispatcher,
		Logger:     logger,
	})
	handler := httpapi.NewServer(service, repo, httpapi.ServerConfig{
		JWTSecret:          cfg.Auth.JWTSecret,
		JWTAudience:        cfg.Auth.JWTAudience,
		InternalHMACSecret: cfg.Auth.InternalHMACSecret,
		InternalMaxSkew:    cfg.Auth.InternalMaxSkew,
		RateLimitMax:       cfg.Server.RateLimitMax,
		RateLimitWindow:    cfg.Server.RateLimitWindow,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		Logger:             logger,
	})
	return &app{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handler,
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
		},
		dispatcher: dispatcher,
		repo:       repo,
		log:        logging.Component(logger, "feedbackd"),
	}, nil
}

// run serves until ctx is done, then drains the server and releases the
// dispatcher and repository.
func (a *app) run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.httpServer.Addr).Bool("webhookConfigured", a.dispatcher.Configured()).Msg("feedbackd listening")
		err := a.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info().Msg("feedbackd shutting down")
	case runErr = <-serveErr:
	}
	if err := a.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (a *app) shutdown() error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := a.httpServer.Shutdown(ctx)
	stats := a.dispatcher.Stats()
	if closeErr := a.dispatcher.Close(); closeErr != nil {
		a.log.Warn().Err(closeErr).Msg("classifier queue close failed")
	}
	if closeErr := a.repo.Close(); closeErr != nil {
		a.log.Warn().Err(closeErr).Msg("repository close failed")
	}
	a.log.Info().Uint64("delivered", stats.Delivered).Uint64("failed", stats.Failed).Int("queued", stats.Queued).Msg("feedbackd stopped")
	return err
}
