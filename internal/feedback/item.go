// Package feedback holds the feedback row model shared by the server and the
// client session: items, lifecycle statuses, change events and draft validation.
package feedback

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TemporaryIDPrefix marks ids generated locally for optimistic items. The
// server only ever assigns uuids, so the two id spaces never collide.
const TemporaryIDPrefix = "temp-"

type Status string

const (
	StatusPending   Status = "Pending"
	StatusProcessed Status = "Processed"
	StatusError     Status = "Error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusError:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// Processed is terminal; Error only goes back to Pending through a retry.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessed || next == StatusError
	case StatusError:
		return next == StatusPending
	default:
		return false
	}
}

type Category string

const (
	CategoryBug            Category = "Bug"
	CategoryFeatureRequest Category = "Feature Request"
	CategoryGeneral        Category = "General"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryBug, CategoryFeatureRequest, CategoryGeneral:
		return true
	default:
		return false
	}
}

type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityMedium Priority = "Medium"
	PriorityLow    Priority = "Low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Item is one feedback row. Category and Priority stay nil until the
// external classifier writes them.
type Item struct {
	ID          string    `json:"id"`
	Owner       string    `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    *Category `json:"category"`
	Priority    *Priority `json:"priority"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func (it Item) IsTemporary() bool {
	return IsTemporaryID(it.ID)
}

func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TemporaryIDPrefix)
}

func NewTemporaryID() string {
	return TemporaryIDPrefix + uuid.NewString()
}

// NewProvisional builds the locally owned placeholder shown while the
// persistent insert is in flight.
func NewProvisional(owner string, draft Draft, now time.Time) Item {
	return Item{
		ID:          NewTemporaryID(),
		Owner:       owner,
		Title:       draft.Title,
		Description: draft.Description,
		Status:      StatusPending,
		CreatedAt:   now.UTC(),
	}
}

// Draft is the user-editable part of a submission.
type Draft struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Patch is a partial update of the classifier-owned fields. A non-empty
// ExpectStatus makes the update conditional on the row's current status.
type Patch struct {
	Status       *Status
	Category     *Category
	Priority     *Priority
	ExpectStatus Status
}

func (p Patch) Empty() bool {
	return p.Status == nil && p.Category == nil && p.Priority == nil
}

// Apply returns item with the patch fields written over it.
func (p Patch) Apply(item Item) Item {
	if p.Status != nil {
		item.Status = *p.Status
	}
	if p.Category != nil {
		category := *p.Category
		item.Category = &category
	}
	if p.Priority != nil {
		priority := *p.Priority
		item.Priority = &priority
	}
	return item
}

func StatusPtr(s Status) *Status       { return &s }
func CategoryPtr(c Category) *Category { return &c }
func PriorityPtr(p Priority) *Priority { return &p }

// Clone returns a deep copy so callers can hand items across goroutines.
func (it Item) Clone() Item {
	out := it
	if it.Category != nil {
		category := *it.Category
		out.Category = &category
	}
	if it.Priority != nil {
		priority := *it.Priority
		out.Priority = &priority
	}
	return out
}
