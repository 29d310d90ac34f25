package classifier

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
)

const (
	postgresJobQueueTableName = "feedback_classification_queue"
	postgresQueueKey          = "default"
	postgresOperationTimeout  = 5 * time.Second
	postgresQueuePollInterval = 50 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresJobQueue shares pending jobs between server replicas. Capacity is
// enforced under an advisory lock; dequeue uses SKIP LOCKED so workers on
// different nodes never take the same row.
type PostgresJobQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc
	builder      sq.StatementBuilderType

	// initMu guards lazy setup. A failed attempt is retried by the next call.
	initMu sync.Mutex
	db     *sql.DB
	closed bool
}

func NewPostgresJobQueue(dsn string, capacity int) (*PostgresJobQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &PostgresJobQueue{
		dsn:          dsn,
		tableName:    postgresJobQueueTableName,
		queueKey:     postgresQueueKey,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
		builder:      sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

func (q *PostgresJobQueue) table() string {
	return postgresQuoteIdentifier(q.tableName)
}

func (q *PostgresJobQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initMu.Lock()
	defer q.initMu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.db != nil {
		return nil
	}
	db, err := q.openDB("postgres", q.dsn)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				feedback_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, q.table()),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			postgresQuoteIdentifier(q.tableName+"_queue_key_id_idx"), q.table()),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return err
		}
	}
	q.db = db
	return nil
}

func (q *PostgresJobQueue) TryEnqueue(job Job) bool {
	if q == nil || !job.valid() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	return q.tryEnqueue(ctx, job) == nil
}

func (q *PostgresJobQueue) tryEnqueue(ctx context.Context, job Job) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresQueueLockKey(q.tableName, q.queueKey)); err != nil {
		return err
	}
	countQuery, countArgs, err := q.builder.Select("COUNT(*)").From(q.table()).Where(sq.Eq{"queue_key": q.queueKey}).ToSql()
	if err != nil {
		return err
	}
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, countArgs...).Scan(&depth); err != nil {
		return err
	}
	if depth >= q.capacity {
		return errQueueFull
	}
	insertQuery, insertArgs, err := q.builder.
		Insert(q.table()).
		Columns("queue_key", "feedback_id", "payload").
		Values(q.queueKey, job.FeedbackID, string(payload)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, insertQuery, insertArgs...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

var errQueueFull = errors.New("queue full")

func (q *PostgresJobQueue) Enqueue(ctx context.Context, job Job) bool {
	if q == nil || !job.valid() {
		return false
	}
	for {
		if q.tryEnqueue(ctx, job) == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresJobQueue) Dequeue(ctx context.Context) (Job, bool) {
	if q == nil {
		return Job{}, false
	}
	for {
		payload, ok := q.tryDequeue(ctx)
		if ok {
			var job Job
			if err := json.Unmarshal([]byte(payload), &job); err != nil || !job.valid() {
				continue
			}
			return job, true
		}
		select {
		case <-ctx.Done():
			return Job{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresJobQueue) tryDequeue(ctx context.Context) (string, bool) {
	if err := q.ensureReady(); err != nil {
		return "", false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query, args, err := q.builder.
		Select("id", "payload").
		From(q.table()).
		Where(sq.Eq{"queue_key": q.queueKey}).
		OrderBy("id ASC").
		Limit(1).
		Suffix("FOR UPDATE SKIP LOCKED").
		ToSql()
	if err != nil {
		return "", false
	}
	var id int64
	var payload string
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&id, &payload); err != nil {
		return "", false
	}
	deleteQuery, deleteArgs, err := q.builder.Delete(q.table()).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return "", false
	}
	if _, err := tx.ExecContext(ctx, deleteQuery, deleteArgs...); err != nil {
		return "", false
	}
	if err := tx.Commit(); err != nil {
		return "", false
	}
	committed = true
	return payload, true
}

func (q *PostgresJobQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query, args, err := q.builder.Select("COUNT(*)").From(q.table()).Where(sq.Eq{"queue_key": q.queueKey}).ToSql()
	if err != nil {
		return 0
	}
	var depth int
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresJobQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresJobQueue) SnapshotJobs() []Job {
	if err := q.ensureReady(); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query, args, err := q.builder.Select("payload").From(q.table()).Where(sq.Eq{"queue_key": q.queueKey}).OrderBy("id ASC").ToSql()
	if err != nil {
		return nil
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	jobs := make([]Job, 0)
	for rows.Next() {
		var payload string
		if rows.Scan(&payload) != nil {
			continue
		}
		var job Job
		if json.Unmarshal([]byte(payload), &job) != nil || !job.valid() {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func (q *PostgresJobQueue) Close() error {
	if q == nil {
		return nil
	}
	q.initMu.Lock()
	defer q.initMu.Unlock()
	q.closed = true
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
