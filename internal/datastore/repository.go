package datastore

import (
	"context"
	"errors"

	"github.com/agentworkforce/feedbackportal/internal/feedback"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("repository closed")
)

type NewItem struct {
	Owner       string
	Title       string
	Description string
}

// Repository is the persistence boundary of the managed feedback table.
// List returns rows newest first. Update returns feedback.ErrNotFound for an
// unknown id and feedback.ErrInvalidState when patch.ExpectStatus does not
// match the stored status.
type Repository interface {
	Insert(ctx context.Context, item NewItem) (feedback.Item, error)
	Get(ctx context.Context, id string) (feedback.Item, error)
	List(ctx context.Context, owner string) ([]feedback.Item, error)
	Update(ctx context.Context, id string, patch feedback.Patch) (feedback.Item, error)
	Subscribe(ctx context.Context, owner string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Subscription delivers change events for a single owner in commit order.
// Events is closed after Close or when the repository shuts down.
type Subscription interface {
	Events() <-chan feedback.ChangeEvent
	Close() error
}
