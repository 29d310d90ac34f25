package portal

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/feedbackportal/internal/feedback"
	"github.com/agentworkforce/feedbackportal/internal/logging"
)

var ErrRetryInFlight = errors.New("retry already in flight")

type RetryRemote interface {
	Retry(ctx context.Context, feedbackID string) error
}

// Retrier drives the retry control. The in-flight guard is advisory; the
// server's status check is what makes a retry happen at most once.
// The store is never touched here: the status change arrives through the
// live stream.
type Retrier struct {
	remote   RetryRemote
	notifier Notifier
	log      zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewRetrier(remote RetryRemote, notifier Notifier, log zerolog.Logger) *Retrier {
	return &Retrier{
		remote:   remote,
		notifier: notifierOrNop(notifier),
		log:      logging.Component(log, "retrier"),
		inFlight: map[string]struct{}{},
	}
}

// InFlight reports whether a retry for id is outstanding, which is when the
// retry control should be disabled.
func (r *Retrier) InFlight(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[id]
	return ok
}

func (r *Retrier) Retry(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, busy := r.inFlight[id]; busy {
		r.mu.Unlock()
		return ErrRetryInFlight
	}
	r.inFlight[id] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inFlight, id)
		r.mu.Unlock()
	}()

	log := r.log.With().Str("feedbackId", id).Logger()
	log.Info().Str(logging.FieldAction, logging.ActionRetryStart).Msg("retrying feedback")
	if err := r.remote.Retry(ctx, id); err != nil {
		log.Error().Str(logging.FieldAction, logging.ActionRetryError).Err(err).Msg("retry failed")
		r.notifier.Notify(Notification{Level: LevelError, Title: "Retry failed", Message: retryFailureMessage(err)})
		return err
	}
	log.Info().Str(logging.FieldAction, logging.ActionRetrySuccess).Msg("retry initiated")
	r.notifier.Notify(Notification{Level: LevelSuccess, Title: "Retry initiated", Message: "Classification will run again shortly."})
	return nil
}

func retryFailureMessage(err error) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Message != "" {
		return httpErr.Message
	}
	switch {
	case errors.Is(err, feedback.ErrNotFound):
		return "Feedback not found"
	case errors.Is(err, feedback.ErrInvalidState):
		return "Only feedback with Error status can be retried"
	}
	return err.Error()
}
