// Package testpg provides a Postgres DSN for integration tests. It uses
// FEEDBACK_TEST_POSTGRES_DSN when set and otherwise starts one shared
// container per test binary.
package testpg

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const EnvDSN = "FEEDBACK_TEST_POSTGRES_DSN"

var (
	once      sync.Once
	sharedDSN string
	startErr  error
	counter   uint64
)

// DSN returns a reachable Postgres DSN or skips the test.
func DSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration tests skipped in -short mode")
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvDSN)); dsn != "" {
		return dsn
	}
	once.Do(func() {
		sharedDSN, startErr = startContainer()
	})
	if startErr != nil {
		t.Skipf("set %s or make docker available to run Postgres integration tests: %v", EnvDSN, startErr)
	}
	return sharedDSN
}

func startContainer() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "feedback",
			"POSTGRES_PASSWORD": "feedback",
			"POSTGRES_DB":       "feedback",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", fmt.Errorf("get mapped port: %w", err)
	}
	return fmt.Sprintf("postgres://feedback:feedback@%s:%s/feedback?sslmode=disable", host, port.Port()), nil
}

// TableName returns a table name unique within the test run.
func TableName(prefix string) string {
	n := atomic.AddUint64(&counter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

// DropTable removes a table created by a test. Trigger functions are dropped
// when named after the table.
func DropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	quoted := `"` + strings.ReplaceAll(tableName, `"`, `""`) + `"`
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoted); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
	fn := `"` + strings.ReplaceAll(tableName+"_notify_change", `"`, `""`) + `"`
	_, _ = db.ExecContext(ctx, "DROP FUNCTION IF EXISTS "+fn+"()")
}
