package portal

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

type NotificationLevel string

const (
	LevelSuccess NotificationLevel = "success"
	LevelError   NotificationLevel = "error"
	LevelInfo    NotificationLevel = "info"
)

// Notification is a user-visible toast.
type Notification struct {
	Level   NotificationLevel
	Title   string
	Message string
}

type Notifier interface {
	Notify(n Notification)
}

type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}

func notifierOrNop(n Notifier) Notifier {
	if n == nil {
		return nopNotifier{}
	}
	return n
}

// WriterNotifier prints one line per notification, for terminal sessions.
type WriterNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterNotifier(w io.Writer) *WriterNotifier {
	return &WriterNotifier{w: w}
}

func (n *WriterNotifier) Notify(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if note.Message == "" {
		_, _ = fmt.Fprintf(n.w, "[%s] %s\n", note.Level, note.Title)
		return
	}
	_, _ = fmt.Fprintf(n.w, "[%s] %s: %s\n", note.Level, note.Title, note.Message)
}

// LogNotifier records notifications in the structured log.
func LogNotifier(log zerolog.Logger) Notifier {
	return NotifierFunc(func(n Notification) {
		ev := log.Info()
		if n.Level == LevelError {
			ev = log.Warn()
		}
		ev.Str("kind", string(n.Level)).Str("title", n.Title).Str("detail", n.Message).Msg("notification")
	})
}
