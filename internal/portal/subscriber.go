package portal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/feedbackportal/internal/feedback"
	"github.com/agentworkforce/feedbackportal/internal/logging"
)

// LiveRemote is the part of Remote the subscriber needs: the stream itself
// and the full list for resynchronisation.
type LiveRemote interface {
	List(ctx context.Context) ([]feedback.Item, error)
	Subscribe(ctx context.Context) (Stream, error)
}

type SubscriberOptions struct {
	// Reconnect redials after the stream drops. Without it Run returns the
	// transport error.
	Reconnect bool
	// ResyncOnReconnect re-fetches the list after every successful redial.
	ResyncOnReconnect bool
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	Notifier          Notifier
	Logger            zerolog.Logger
}

type Subscriber struct {
	remote   LiveRemote
	store    *Store
	opts     SubscriberOptions
	notifier Notifier
	log      zerolog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	stream   Stream
	closed   bool
	connects int
}

func NewSubscriber(remote LiveRemote, store *Store, opts SubscriberOptions) *Subscriber {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 250 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 15 * time.Second
	}
	return &Subscriber{
		remote:   remote,
		store:    store,
		opts:     opts,
		notifier: notifierOrNop(opts.Notifier),
		log:      logging.Component(opts.Logger, "subscriber"),
	}
}

// Run applies live events to the store in arrival order until ctx is done,
// Close is called or, without Reconnect, the stream fails. A clean shutdown
// returns nil.
func (s *Subscriber) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.cancel = cancel
	s.mu.Unlock()

	failures := 0
	for {
		stream, err := s.remote.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.reportTransport(err)
			if !s.opts.Reconnect || errors.Is(err, ErrUnauthorized) {
				return transportError(err)
			}
			failures++
			if waitErr := waitWithContext(ctx, backoff(s.opts.MinBackoff, s.opts.MaxBackoff, failures)); waitErr != nil {
				return nil
			}
			continue
		}
		failures = 0
		reconnected := s.attach(stream)
		if reconnected {
			s.notifier.Notify(Notification{Level: LevelInfo, Title: "Live updates restored"})
			if s.opts.ResyncOnReconnect {
				s.resync(ctx)
			}
		}

		err = s.consume(ctx, stream)
		s.detach(stream)
		if ctx.Err() != nil {
			return nil
		}
		s.reportTransport(err)
		if !s.opts.Reconnect {
			return transportError(err)
		}
		failures++
		if waitErr := waitWithContext(ctx, backoff(s.opts.MinBackoff, s.opts.MaxBackoff, failures)); waitErr != nil {
			return nil
		}
	}
}

// Close releases the live stream and stops Run.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		return stream.Close()
	}
	return nil
}

// Connects reports how many times the stream has been established.
func (s *Subscriber) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *Subscriber) attach(stream Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream = stream
	s.connects++
	return s.connects > 1
}

func (s *Subscriber) detach(stream Stream) {
	s.mu.Lock()
	if s.stream == stream {
		s.stream = nil
	}
	s.mu.Unlock()
	_ = stream.Close()
}

func (s *Subscriber) consume(ctx context.Context, stream Stream) error {
	for {
		ev, err := stream.Recv(ctx)
		if err != nil {
			return err
		}
		s.log.Debug().Str(logging.FieldAction, realtimeAction(ev.Kind)).Str("feedbackId", ev.Item.ID).Msg("change event")
		if ev.Kind == feedback.EventResync && ev.Snapshot == nil {
			s.resync(ctx)
			continue
		}
		s.store.Apply(ev)
	}
}

// resync replaces the store contents with a fresh list. Failures are logged
// and leave the store as it was.
func (s *Subscriber) resync(ctx context.Context) {
	items, err := s.remote.List(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn().Str(logging.FieldAction, logging.ActionRealtimeResync).Err(err).Msg("resync failed")
		}
		return
	}
	if items == nil {
		items = []feedback.Item{}
	}
	s.log.Info().Str(logging.FieldAction, logging.ActionRealtimeResync).Int("items", len(items)).Msg("store resynchronised")
	s.store.Apply(feedback.ChangeEvent{Kind: feedback.EventResync, Snapshot: items})
}

func (s *Subscriber) reportTransport(err error) {
	s.log.Warn().Err(err).Bool("reconnect", s.opts.Reconnect).Msg("live stream lost")
	s.notifier.Notify(Notification{Level: LevelError, Title: "Live updates interrupted", Message: err.Error()})
}

func transportError(err error) error {
	if errors.Is(err, feedback.ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %v", feedback.ErrTransport, err)
}

func realtimeAction(kind feedback.EventKind) string {
	switch kind {
	case feedback.EventInsert:
		return logging.ActionRealtimeInsert
	case feedback.EventUpdate:
		return logging.ActionRealtimeUpdate
	case feedback.EventDelete:
		return logging.ActionRealtimeDelete
	default:
		return logging.ActionRealtimeResync
	}
}
