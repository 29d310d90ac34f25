// Package classifier delivers classification requests for feedback rows to
// the external webhook. Requests are queued so that inserts and retries never
// wait on webhook latency.
package classifier

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("queue closed")
)

const defaultQueueCapacity = 1024

type JobReason string

const (
	ReasonInsert JobReason = "insert"
	ReasonRetry  JobReason = "retry"
)

// Job is one pending webhook call. It carries the row fields the webhook
// payload needs so delivery does not read the table again.
type Job struct {
	FeedbackID    string    `json:"feedbackId"`
	Owner         string    `json:"userId"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Reason        JobReason `json:"reason"`
	CorrelationID string    `json:"correlationId,omitempty"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
}

func (j Job) valid() bool {
	return strings.TrimSpace(j.FeedbackID) != ""
}

type JobQueue interface {
	TryEnqueue(job Job) bool
	// Enqueue waits for room until ctx is done.
	Enqueue(ctx context.Context, job Job) bool
	Dequeue(ctx context.Context) (Job, bool)
	Depth() int
	Capacity() int
	Close() error
}

type jobQueueSnapshotter interface {
	SnapshotJobs() []Job
}

// SnapshotJobs lists queued jobs in delivery order when the queue supports it.
func SnapshotJobs(q JobQueue) []Job {
	if s, ok := q.(jobQueueSnapshotter); ok {
		return s.SnapshotJobs()
	}
	return nil
}

type inMemoryJobQueue struct {
	ch chan Job
}

func NewInMemoryJobQueue(capacity int) JobQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &inMemoryJobQueue{ch: make(chan Job, capacity)}
}

func (q *inMemoryJobQueue) TryEnqueue(job Job) bool {
	if q == nil || !job.valid() {
		return false
	}
	select {
	case q.ch <- job:
		return true
	default:
		return false
	}
}

func (q *inMemoryJobQueue) Enqueue(ctx context.Context, job Job) bool {
	if q == nil || !job.valid() {
		return false
	}
	select {
	case q.ch <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryJobQueue) Dequeue(ctx context.Context) (Job, bool) {
	if q == nil {
		return Job{}, false
	}
	select {
	case job := <-q.ch:
		return job, true
	case <-ctx.Done():
		return Job{}, false
	}
}

func (q *inMemoryJobQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryJobQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryJobQueue) Close() error {
	return nil
}
