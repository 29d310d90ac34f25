package datastore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/feedbackportal/internal/feedback"
)

type MemoryOptions struct {
	Now              func() time.Time
	NewID            func() string
	SubscriberBuffer int
	Logger           zerolog.Logger
}

type memoryRow struct {
	item feedback.Item
	seq  uint64
}

// MemoryRepository keeps rows in process and publishes changes through an
// in-process hub. It backs the memory:// DSN and the test suites.
type MemoryRepository struct {
	mu     sync.Mutex
	rows   map[string]memoryRow
	seq    uint64
	now    func() time.Time
	newID  func() string
	hub    *changeHub
	closed bool

	// FailInserts and FailUpdates make the next writes fail; used to exercise
	// persistence error paths.
	FailInserts error
	FailUpdates error
}

func NewMemoryRepository() *MemoryRepository {
	return NewMemoryRepositoryWithOptions(MemoryOptions{})
}

func NewMemoryRepositoryWithOptions(opts MemoryOptions) *MemoryRepository {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &MemoryRepository{
		rows:  map[string]memoryRow{},
		now:   now,
		newID: newID,
		hub:   newChangeHub(opts.SubscriberBuffer, opts.Logger),
	}
}

func (r *MemoryRepository) Insert(ctx context.Context, in NewItem) (feedback.Item, error) {
	if strings.TrimSpace(in.Owner) == "" {
		return feedback.Item{}, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return feedback.Item{}, ErrClosed
	}
	if err := r.FailInserts; err != nil {
		r.mu.Unlock()
		return feedback.Item{}, err
	}
	r.seq++
	item := feedback.Item{
		ID:          r.newID(),
		Owner:       in.Owner,
		Title:       in.Title,
		Description: in.Description,
		Status:      feedback.StatusPending,
		CreatedAt:   r.now().UTC(),
	}
	r.rows[item.ID] = memoryRow{item: item, seq: r.seq}
	// Publishing under r.mu keeps events in commit order; publish never blocks.
	r.hub.publish(item.Owner, feedback.ChangeEvent{Kind: feedback.EventInsert, Item: item.Clone()})
	r.mu.Unlock()
	return item.Clone(), nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (feedback.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return feedback.Item{}, feedback.ErrNotFound
	}
	return row.item.Clone(), nil
}

func (r *MemoryRepository) List(ctx context.Context, owner string) ([]feedback.Item, error) {
	r.mu.Lock()
	rows := make([]memoryRow, 0, len(r.rows))
	for _, row := range r.rows {
		if row.item.Owner == owner {
			rows = append(rows, row)
		}
	}
	r.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].item.CreatedAt.Equal(rows[j].item.CreatedAt) {
			return rows[i].item.CreatedAt.After(rows[j].item.CreatedAt)
		}
		return rows[i].seq > rows[j].seq
	})
	items := make([]feedback.Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.item.Clone())
	}
	return items, nil
}

func (r *MemoryRepository) Update(ctx context.Context, id string, patch feedback.Patch) (feedback.Item, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return feedback.Item{}, ErrClosed
	}
	if err := r.FailUpdates; err != nil {
		r.mu.Unlock()
		return feedback.Item{}, err
	}
	row, ok := r.rows[id]
	if !ok {
		r.mu.Unlock()
		return feedback.Item{}, feedback.ErrNotFound
	}
	if patch.ExpectStatus != "" && row.item.Status != patch.ExpectStatus {
		r.mu.Unlock()
		return feedback.Item{}, &feedback.InvalidTransitionError{ID: id, From: row.item.Status, To: statusOrCurrent(patch, row.item.Status)}
	}
	row.item = patch.Apply(row.item)
	r.rows[id] = row
	updated := row.item.Clone()
	r.hub.publish(updated.Owner, feedback.ChangeEvent{Kind: feedback.EventUpdate, Item: updated.Clone()})
	r.mu.Unlock()
	return updated, nil
}

// Delete removes a row. The portal never deletes feedback; this exists so the
// delete event path of subscribers can be exercised.
func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	row, ok := r.rows[id]
	if !ok {
		r.mu.Unlock()
		return feedback.ErrNotFound
	}
	delete(r.rows, id)
	r.hub.publish(row.item.Owner, feedback.ChangeEvent{Kind: feedback.EventDelete, Item: row.item.Clone()})
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) Subscribe(ctx context.Context, owner string) (Subscription, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	sub, err := r.hub.subscribe(owner)
	if err != nil {
		return nil, err
	}
	return bindSubscription(ctx, sub), nil
}

// Resync broadcasts a Resync event to every subscriber, as the Postgres
// listener does after reconnecting.
func (r *MemoryRepository) Resync() {
	r.hub.publish("", feedback.ChangeEvent{Kind: feedback.EventResync})
}

func (r *MemoryRepository) SubscriberCount() int {
	return r.hub.count()
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

func (r *MemoryRepository) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.hub.close()
	return nil
}

func statusOrCurrent(patch feedback.Patch, current feedback.Status) feedback.Status {
	if patch.Status != nil {
		return *patch.Status
	}
	return current
}

type boundSubscription struct {
	*hubSubscription
	stop func() bool
}

// bindSubscription closes sub once ctx is done.
func bindSubscription(ctx context.Context, sub *hubSubscription) Subscription {
	stop := context.AfterFunc(ctx, func() {
		_ = sub.Close()
	})
	return &boundSubscription{hubSubscription: sub, stop: stop}
}

func (s *boundSubscription) Close() error {
	s.stop()
	return s.hubSubscription.Close()
}
