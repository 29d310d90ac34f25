// Package logging builds the process logger and defines the action vocabulary
// used across feedback log entries.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const FieldAction = "action"

const (
	ActionSubmitStart    = "feedback_submit_start"
	ActionSubmitSuccess  = "feedback_submit_success"
	ActionSubmitError    = "feedback_submit_error"
	ActionRetryStart     = "feedback_retry_start"
	ActionRetrySuccess   = "feedback_retry_success"
	ActionRetryError     = "feedback_retry_error"
	ActionRealtimeInsert = "realtime_insert"
	ActionRealtimeUpdate = "realtime_update"
	ActionRealtimeDelete = "realtime_delete"
	ActionRealtimeResync = "realtime_resync"
	ActionWebhookCall    = "webhook_call"
	ActionWebhookSuccess = "webhook_success"
	ActionWebhookError   = "webhook_error"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

type Options struct {
	Level  string
	Format string
	// File appends to a log file instead of Output when set.
	File   string
	Output io.Writer
}

// New returns a timestamped logger. The returned closer releases the log
// file, if any.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	if err := SetLevel(opts.Level); err != nil {
		return zerolog.Nop(), nil, err
	}
	var out io.Writer = os.Stderr
	if opts.Output != nil {
		out = opts.Output
	}
	var closer io.Closer = nopCloser{}
	if path := strings.TrimSpace(opts.File); path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		out = zerolog.SyncWriter(f)
		closer = f
	}
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", FormatJSON:
	case FormatConsole:
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		_ = closer.Close()
		return zerolog.Nop(), nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	return zerolog.New(out).With().Timestamp().Logger(), closer, nil
}

// SetLevel changes the process-wide minimum level. An empty level means info.
func SetLevel(level string) error {
	parsed, err := ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}

func ParseLevel(level string) (zerolog.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q", level)
	}
	return parsed, nil
}

// Component returns a child logger tagged with the component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
