package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileJobQueue persists pending jobs as a JSON document so they survive a
// restart of a single-node deployment.
type fileJobQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []Job
}

type fileJobQueueState struct {
	Items []Job `json:"items"`
}

func NewFileJobQueue(path string, capacity int) (JobQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &fileJobQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []Job{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileJobQueue) TryEnqueue(job Job) bool {
	if !job.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, job)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileJobQueue) Enqueue(ctx context.Context, job Job) bool {
	for {
		if q.TryEnqueue(job) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileJobQueue) Dequeue(ctx context.Context) (Job, bool) {
	for {
		if job, ok := q.tryDequeue(); ok {
			return job, true
		}
		select {
		case <-ctx.Done():
			return Job{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileJobQueue) tryDequeue() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Job{}, false
	}
	job := q.items[0]
	q.items = q.items[1:]
	if err := q.saveLocked(); err != nil {
		q.items = append([]Job{job}, q.items...)
		return Job{}, false
	}
	return job, true
}

func (q *fileJobQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileJobQueue) Capacity() int {
	return q.capacity
}

func (q *fileJobQueue) SnapshotJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.items...)
}

func (q *fileJobQueue) Close() error {
	return nil
}

func (q *fileJobQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileJobQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	items := make([]Job, 0, len(snapshot.Items))
	for _, job := range snapshot.Items {
		if job.valid() {
			items = append(items, job)
		}
	}
	if len(items) > q.capacity {
		// Keep the newest jobs.
		q.items = append([]Job(nil), items[len(items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = items
	return nil
}

func (q *fileJobQueue) saveLocked() error {
	data, err := json.Marshal(fileJobQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
