package datastore

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/feedbackportal/internal/feedback"
)

const defaultSubscriberBuffer = 64

// changeHub fans change events out to owner-scoped subscribers. A subscriber
// whose buffer is full is closed instead of blocking the publisher; its
// consumer is expected to reconnect and resync.
type changeHub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*hubSubscription
	buffer int
	closed bool
	log    zerolog.Logger
}

type hubSubscription struct {
	hub    *changeHub
	id     uint64
	owner  string
	events chan feedback.ChangeEvent
	once   sync.Once
}

func newChangeHub(buffer int, log zerolog.Logger) *changeHub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &changeHub{
		subs:   map[uint64]*hubSubscription{},
		buffer: buffer,
		log:    log,
	}
}

func (h *changeHub) subscribe(owner string) (*hubSubscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.nextID++
	sub := &hubSubscription{
		hub:    h,
		id:     h.nextID,
		owner:  owner,
		events: make(chan feedback.ChangeEvent, h.buffer),
	}
	h.subs[sub.id] = sub
	return sub, nil
}

// publish delivers ev to subscribers of owner. An empty owner with a Resync
// event reaches every subscriber.
func (h *changeHub) publish(owner string, ev feedback.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		if owner != "" && sub.owner != owner {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			h.log.Warn().Str("owner", sub.owner).Str("kind", string(ev.Kind)).Msg("subscriber buffer full; closing subscription")
			delete(h.subs, id)
			sub.closeChannel()
		}
	}
}

func (h *changeHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *changeHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.closeChannel()
	}
}

func (s *hubSubscription) Events() <-chan feedback.ChangeEvent {
	return s.events
}

func (s *hubSubscription) Close() error {
	s.hub.mu.Lock()
	delete(s.hub.subs, s.id)
	s.hub.mu.Unlock()
	s.closeChannel()
	return nil
}

func (s *hubSubscription) closeChannel() {
	s.once.Do(func() {
		close(s.events)
	})
}
