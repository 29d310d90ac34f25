package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/feedbackportal/internal/logging"
)

const reloadDebounce = 100 * time.Millisecond

// Live holds the values that may change without a restart.
type Live struct {
	webhookURL atomic.Pointer[string]
	logLevel   atomic.Pointer[string]
}

func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.Apply(cfg)
	return l
}

// Apply swaps in the hot-reloadable values of cfg and updates the global
// log level.
func (l *Live) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	url := strings.TrimSpace(cfg.Classifier.WebhookURL)
	level := cfg.Log.Level
	l.webhookURL.Store(&url)
	l.logLevel.Store(&level)
	_ = logging.SetLevel(level)
}

func (l *Live) WebhookURL() string {
	if p := l.webhookURL.Load(); p != nil {
		return *p
	}
	return ""
}

func (l *Live) LogLevel() string {
	if p := l.logLevel.Load(); p != nil {
		return *p
	}
	return ""
}

// Watch reloads path whenever it changes and applies the result to live.
// Invalid files are logged and ignored. It blocks until ctx is done.
func Watch(ctx context.Context, path string, live *Live, log zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory.
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	log = logging.Component(log, "config").With().Str("path", abs).Logger()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watcher error")
		case <-fire:
			fire = nil
			cfg, err := LoadFrom(abs, true)
			if err != nil {
				log.Warn().Err(err).Msg("config reload rejected")
				continue
			}
			live.Apply(cfg)
			log.Info().Str("logLevel", cfg.Log.Level).Bool("webhookConfigured", cfg.Classifier.WebhookURL != "").Msg("config reloaded")
		}
	}
}
