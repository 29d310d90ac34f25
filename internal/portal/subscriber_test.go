package portal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/feedbackportal/internal/feedback"
)

func startSubscriber(t *testing.T, sub *Subscriber) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- sub.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = sub.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("subscriber did not stop")
		}
	})
	return done
}

func waitForIDs(t *testing.T, store *Store, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, ids(store.Items()))
	}, 2*time.Second, 5*time.Millisecond, "store never reached %v, have %v", want, ids(store.Items()))
}

func TestSubscriberAppliesEventsInOrder(t *testing.T) {
	store := NewStore([]feedback.Item{row("f1", 1)})
	stream := newFakeStream()
	remote := &fakeRemote{}
	remote.queue(stream)
	sub := NewSubscriber(remote, store, SubscriberOptions{Logger: zerolog.Nop()})
	startSubscriber(t, sub)

	processed := row("f1", 1)
	processed.Status = feedback.StatusProcessed
	stream.events <- feedback.ChangeEvent{Kind: feedback.EventInsert, Item: row("f2", 2)}
	stream.events <- feedback.ChangeEvent{Kind: feedback.EventUpdate, Item: processed}
	stream.events <- feedback.ChangeEvent{Kind: feedback.EventInsert, Item: row("f3", 3)}
	stream.events <- feedback.ChangeEvent{Kind: feedback.EventDelete, Item: row("f2", 2)}

	waitForIDs(t, store, "f3", "f1")
	got, ok := store.Get("f1")
	require.True(t, ok)
	assert.Equal(t, feedback.StatusProcessed, got.Status)
}

func TestSubscriberWithoutReconnectReturnsTransportError(t *testing.T) {
	store := NewStore(nil)
	stream := newFakeStream()
	remote := &fakeRemote{}
	remote.queue(stream)
	notifier := &recordingNotifier{}
	sub := NewSubscriber(remote, store, SubscriberOptions{Notifier: notifier, Logger: zerolog.Nop()})

	done := make(chan error, 1)
	go func() { done <- sub.Run(context.Background()) }()
	close(stream.events)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, feedback.ErrTransport))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	subscribes, _ := remote.counts()
	assert.Equal(t, 1, subscribes)
	require.Len(t, notifier.all(), 1)
	assert.Equal(t, LevelError, notifier.all()[0].Level)
}

func TestSubscriberReconnectsAndResyncs(t *testing.T) {
	store := NewStore([]feedback.Item{row("f1", 1)})
	first, second := newFakeStream(), newFakeStream()
	remote := &fakeRemote{listItems: []feedback.Item{row("f2", 2), row("f1", 1)}}
	remote.queue(first)
	remote.queue(second)
	notifier := &recordingNotifier{}
	sub := NewSubscriber(remote, store, SubscriberOptions{
		Reconnect:         true,
		ResyncOnReconnect: true,
		MinBackoff:        time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		Notifier:          notifier,
		Logger:            zerolog.Nop(),
	})
	startSubscriber(t, sub)

	require.Eventually(t, func() bool { return sub.Connects() == 1 }, 2*time.Second, time.Millisecond)
	// f2 is inserted while the stream is down.
	close(first.events)

	waitForIDs(t, store, "f2", "f1")
	assert.Equal(t, 2, sub.Connects())
	_, lists := remote.counts()
	assert.Equal(t, 1, lists)
	notes := notifier.all()
	require.Len(t, notes, 2)
	assert.Equal(t, LevelError, notes[0].Level)
	assert.Equal(t, Notification{Level: LevelInfo, Title: "Live updates restored"}, notes[1])

	second.events <- feedback.ChangeEvent{Kind: feedback.EventInsert, Item: row("f3", 3)}
	waitForIDs(t, store, "f3", "f2", "f1")
}

func TestSubscriberReconnectWithoutResyncLeavesStore(t *testing.T) {
	store := NewStore([]feedback.Item{row("f1", 1)})
	first, second := newFakeStream(), newFakeStream()
	remote := &fakeRemote{listItems: []feedback.Item{row("f2", 2)}}
	remote.queue(first)
	remote.queue(second)
	sub := NewSubscriber(remote, store, SubscriberOptions{Reconnect: true, MinBackoff: time.Millisecond, Logger: zerolog.Nop()})
	startSubscriber(t, sub)

	require.Eventually(t, func() bool { return sub.Connects() == 1 }, 2*time.Second, time.Millisecond)
	close(first.events)
	require.Eventually(t, func() bool { return sub.Connects() == 2 }, 2*time.Second, time.Millisecond)

	_, lists := remote.counts()
	assert.Zero(t, lists)
	assert.Equal(t, []string{"f1"}, ids(store.Items()))
}

func TestSubscriberServerResyncFetchesList(t *testing.T) {
	store := NewStore([]feedback.Item{row("stale", 0)})
	stream := newFakeStream()
	remote := &fakeRemote{listItems: []feedback.Item{row("f4", 4)}}
	remote.queue(stream)
	sub := NewSubscriber(remote, store, SubscriberOptions{Logger: zerolog.Nop()})
	startSubscriber(t, sub)

	stream.events <- feedback.ChangeEvent{Kind: feedback.EventResync}
	waitForIDs(t, store, "f4")

	stream.events <- feedback.ChangeEvent{Kind: feedback.EventResync, Snapshot: []feedback.Item{row("f5", 5), row("f4", 4)}}
	waitForIDs(t, store, "f5", "f4")
	_, lists := remote.counts()
	assert.Equal(t, 1, lists)
}

func TestSubscriberCloseReleasesStream(t *testing.T) {
	stream := newFakeStream()
	remote := &fakeRemote{}
	remote.queue(stream)
	sub := NewSubscriber(remote, NewStore(nil), SubscriberOptions{Reconnect: true, Logger: zerolog.Nop()})

	done := make(chan error, 1)
	go func() { done <- sub.Run(context.Background()) }()
	require.Eventually(t, func() bool { return sub.Connects() == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, sub.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.True(t, stream.isClosed())
	subscribes, _ := remote.counts()
	assert.Equal(t, 1, subscribes)
}

func TestSubscriberStopsWithContext(t *testing.T) {
	stream := newFakeStream()
	remote := &fakeRemote{}
	remote.queue(stream)
	sub := NewSubscriber(remote, NewStore(nil), SubscriberOptions{Reconnect: true, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()
	require.Eventually(t, func() bool { return sub.Connects() == 1 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, stream.isClosed())
}
