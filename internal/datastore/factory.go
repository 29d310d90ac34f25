package datastore

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// BuildRepositoryFromDSN picks a repository implementation by DSN scheme.
func BuildRepositoryFromDSN(dsn string, log zerolog.Logger) (Repository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: database dsn is required", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme)); scheme {
	case "memory", "mem", "inmem":
		return NewMemoryRepositoryWithOptions(MemoryOptions{Logger: log}), nil
	case "postgres", "postgresql":
		// feedback_table is ours; lib/pq would forward it to the server as a
		// runtime parameter.
		query := parsed.Query()
		table := query.Get("feedback_table")
		query.Del("feedback_table")
		parsed.RawQuery = query.Encode()
		return NewPostgresRepository(parsed.String(), PostgresOptions{
			TableName: table,
			Logger:    log,
		})
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: repository backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported repository scheme: %s", scheme)
	}
}
