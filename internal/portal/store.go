package portal

import (
	"sync"

	"github.com/agentworkforce/feedbackportal/internal/feedback"
)

// Store is the session's ordered view of the user's feedback, newest first.
// Every mutation goes through one of its methods and is followed by the
// registered change callbacks, which run outside the lock.
type Store struct {
	mu        sync.Mutex
	items     []feedback.Item
	listeners map[int]func([]feedback.Item)
	nextID    int
}

// NewStore seeds the store with rows already ordered newest first.
func NewStore(initial []feedback.Item) *Store {
	items := make([]feedback.Item, 0, len(initial))
	for _, item := range initial {
		items = append(items, item.Clone())
	}
	return &Store{items: items, listeners: map[int]func([]feedback.Item){}}
}

func (s *Store) Items() []feedback.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) Get(id string) (feedback.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.items[i].Clone(), true
	}
	return feedback.Item{}, false
}

// OnChange registers fn to run after every mutation with a copy of the list.
// The returned func unregisters it.
func (s *Store) OnChange(fn func([]feedback.Item)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// AddOptimistic prepends a provisional item.
func (s *Store) AddOptimistic(item feedback.Item) {
	s.mutate(func() bool {
		s.items = append([]feedback.Item{item.Clone()}, s.items...)
		return true
	})
}

// RemoveByID reports whether an item was removed.
func (s *Store) RemoveByID(id string) bool {
	removed := false
	s.mutate(func() bool {
		removed = s.removeLocked(id)
		return removed
	})
	return removed
}

// Reconcile swaps the provisional tempID for its persistent row. If the live
// stream already delivered the row, the provisional item is dropped instead.
func (s *Store) Reconcile(tempID string, real feedback.Item) {
	s.mutate(func() bool {
		if s.indexLocked(real.ID) >= 0 {
			return s.removeLocked(tempID)
		}
		if i := s.indexLocked(tempID); i >= 0 {
			s.items[i] = real.Clone()
			return true
		}
		s.insertOrderedLocked(real)
		return true
	})
}

// Apply folds one change event into the list. Inserts of known ids and
// updates or deletes of unknown ids are no-ops.
func (s *Store) Apply(ev feedback.ChangeEvent) {
	s.mutate(func() bool {
		switch ev.Kind {
		case feedback.EventInsert:
			if s.indexLocked(ev.Item.ID) >= 0 {
				return false
			}
			s.insertOrderedLocked(ev.Item)
			return true
		case feedback.EventUpdate:
			i := s.indexLocked(ev.Item.ID)
			if i < 0 {
				return false
			}
			s.items[i] = ev.Item.Clone()
			return true
		case feedback.EventDelete:
			return s.removeLocked(ev.Item.ID)
		case feedback.EventResync:
			s.resyncLocked(ev.Snapshot)
			return true
		}
		return false
	})
}

// resyncLocked replaces the list with snapshot and keeps provisional items
// whose insert has not been confirmed yet.
func (s *Store) resyncLocked(snapshot []feedback.Item) {
	var pending []feedback.Item
	for _, item := range s.items {
		if item.IsTemporary() {
			pending = append(pending, item)
		}
	}
	s.items = make([]feedback.Item, 0, len(snapshot)+len(pending))
	seen := make(map[string]struct{}, len(snapshot))
	for _, item := range snapshot {
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		s.items = append(s.items, item.Clone())
	}
	for _, item := range pending {
		s.insertOrderedLocked(item)
	}
}

func (s *Store) mutate(fn func() bool) {
	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return
	}
	snapshot := s.snapshotLocked()
	listeners := make([]func([]feedback.Item), 0, len(s.listeners))
	for _, listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	s.mu.Unlock()
	for _, listener := range listeners {
		listener(snapshot)
	}
}

func (s *Store) snapshotLocked() []feedback.Item {
	out := make([]feedback.Item, len(s.items))
	for i, item := range s.items {
		out[i] = item.Clone()
	}
	return out
}

func (s *Store) indexLocked(id string) int {
	for i, item := range s.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) removeLocked(id string) bool {
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	return true
}

// insertOrderedLocked places item before the first item that is not newer.
func (s *Store) insertOrderedLocked(item feedback.Item) {
	i := 0
	for i < len(s.items) && s.items[i].CreatedAt.After(item.CreatedAt) {
		i++
	}
	s.items = append(s.items, feedback.Item{})
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = item.Clone()
}
