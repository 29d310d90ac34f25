package classifier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/feedbackportal/internal/testpg"
)

func jobFor(id string) Job {
	return Job{FeedbackID: id, Owner: "user_1", Title: "t " + id, Description: "d " + id, Reason: ReasonInsert}
}

func TestInMemoryJobQueueCapacity(t *testing.T) {
	q := NewInMemoryJobQueue(1)
	assert.True(t, q.TryEnqueue(jobFor("a")))
	assert.False(t, q.TryEnqueue(jobFor("b")))
	assert.False(t, q.TryEnqueue(Job{}))
	assert.Equal(t, 1, q.Depth())
	assert.Equal(t, 1, q.Capacity())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, ok := q.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", job.FeedbackID)
}

func TestFileJobQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue", "classify.json")
	q, err := NewFileJobQueue(path, 2)
	require.NoError(t, err)
	require.True(t, q.TryEnqueue(jobFor("a")))
	require.True(t, q.TryEnqueue(jobFor("b")))
	assert.False(t, q.TryEnqueue(jobFor("c")))

	reopened, err := NewFileJobQueue(path, 2)
	require.NoError(t, err)
	snapshot := SnapshotJobs(reopened)
	require.Len(t, snapshot, 2)
	assert.Equal(t, "a", snapshot[0].FeedbackID)
	assert.Equal(t, "b", snapshot[1].FeedbackID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, ok := reopened.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", first.FeedbackID)

	again, err := NewFileJobQueue(path, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Depth())
}

func TestFileJobQueueTrimsToCapacityOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classify.json")
	q, err := NewFileJobQueue(path, 3)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, q.TryEnqueue(jobFor(id)))
	}
	smaller, err := NewFileJobQueue(path, 2)
	require.NoError(t, err)
	snapshot := SnapshotJobs(smaller)
	require.Len(t, snapshot, 2)
	assert.Equal(t, "b", snapshot[0].FeedbackID)
}

func TestFileJobQueueDequeueHonoursContext(t *testing.T) {
	q, err := NewFileJobQueue(filepath.Join(t.TempDir(), "classify.json"), 1)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, ok := q.Dequeue(ctx)
	assert.False(t, ok)
}

func TestBuildJobQueueFromDSN(t *testing.T) {
	q, err := BuildJobQueueFromDSN("", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, q.Capacity())

	q, err = BuildJobQueueFromDSN("memory://", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, q.Capacity())

	q, err = BuildJobQueueFromDSN("file://"+filepath.Join(t.TempDir(), "q.json"), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, q.Capacity())

	q, err = BuildJobQueueFromDSN("postgres://u:p@localhost:5432/db?sslmode=disable&queue_table=jobs_alt", 5)
	require.NoError(t, err)
	pg, ok := q.(*PostgresJobQueue)
	require.True(t, ok)
	assert.Equal(t, "jobs_alt", pg.tableName)
	assert.NotContains(t, pg.dsn, "queue_table")

	_, err = BuildJobQueueFromDSN("kafka://broker", 1)
	assert.True(t, errors.Is(err, ErrNotImplemented))
	_, err = BuildJobQueueFromDSN("gopher://x", 1)
	assert.Error(t, err)
}

func TestRegisteredJobQueueFactoryWins(t *testing.T) {
	called := false
	RegisterJobQueueFactory("Custom", func(dsn string, capacity int) (JobQueue, error) {
		called = true
		return NewInMemoryJobQueue(capacity), nil
	})
	q, err := BuildJobQueueFromDSN("custom://anything", 7)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, 7, q.Capacity())
}

func TestPostgresIntegrationJobQueueFIFOAndCapacity(t *testing.T) {
	dsn := testpg.DSN(t)
	q, err := NewPostgresJobQueue(dsn, 2)
	require.NoError(t, err)
	q.tableName = testpg.TableName("classify_q_it")
	t.Cleanup(func() {
		_ = q.Close()
		testpg.DropTable(t, dsn, q.tableName)
	})

	require.True(t, q.TryEnqueue(jobFor("a")))
	require.True(t, q.TryEnqueue(jobFor("b")))
	assert.False(t, q.TryEnqueue(jobFor("c")))
	assert.Equal(t, 2, q.Depth())

	snapshot := q.SnapshotJobs()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "a", snapshot[0].FeedbackID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, want := range []string{"a", "b"} {
		job, ok := q.Dequeue(ctx)
		require.True(t, ok)
		assert.Equal(t, want, job.FeedbackID)
		assert.Equal(t, fmt.Sprintf("t %s", want), job.Title)
	}
	assert.Equal(t, 0, q.Depth())
}

func TestPostgresJobQueueRetriesFailedSetup(t *testing.T) {
	q, err := NewPostgresJobQueue("postgres://unused", 4)
	require.NoError(t, err)
	opens := 0
	q.openDB = func(string, string) (*sql.DB, error) {
		opens++
		return nil, errors.New("connection refused")
	}

	assert.False(t, q.TryEnqueue(jobFor("a")))
	assert.Zero(t, q.Depth())
	assert.Equal(t, 2, opens)

	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.ensureReady(), ErrClosed)
	assert.Equal(t, 2, opens)
}
