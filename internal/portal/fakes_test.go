package portal

import (
	"context"
	"errors"
	"sync"

	"github.com/agentworkforce/feedbackportal/internal/feedback"
)

var errDropped = errors.New("connection dropped")

type fakeStream struct {
	events chan feedback.ChangeEvent
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan feedback.ChangeEvent, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Recv(ctx context.Context) (feedback.ChangeEvent, error) {
	select {
	case <-ctx.Done():
		return feedback.ChangeEvent{}, ctx.Err()
	case <-s.closed:
		return feedback.ChangeEvent{}, errDropped
	case ev, ok := <-s.events:
		if !ok {
			return feedback.ChangeEvent{}, errDropped
		}
		return ev, nil
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeRemote hands out queued streams in order and records calls.
type fakeRemote struct {
	mu         sync.Mutex
	streams    []*fakeStream
	subscribes int
	lists      int
	listItems  []feedback.Item
	insertErr  error
	inserted   feedback.Item
	retryErr   error
	retryGate  chan struct{}
	retries    int
	onInsert   func()
}

func (r *fakeRemote) queue(s *fakeStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams = append(r.streams, s)
}

func (r *fakeRemote) Subscribe(ctx context.Context) (Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribes++
	if len(r.streams) == 0 {
		return nil, errDropped
	}
	s := r.streams[0]
	r.streams = r.streams[1:]
	return s, nil
}

func (r *fakeRemote) List(ctx context.Context) ([]feedback.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists++
	return append([]feedback.Item(nil), r.listItems...), nil
}

func (r *fakeRemote) Insert(ctx context.Context, draft feedback.Draft) (feedback.Item, error) {
	if r.onInsert != nil {
		r.onInsert()
	}
	if r.insertErr != nil {
		return feedback.Item{}, r.insertErr
	}
	return r.inserted, nil
}

func (r *fakeRemote) Retry(ctx context.Context, id string) error {
	r.mu.Lock()
	r.retries++
	gate := r.retryGate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return r.retryErr
}

func (r *fakeRemote) counts() (subscribes, lists int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribes, r.lists
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *recordingNotifier) Notify(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

func (n *recordingNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.notes...)
}
