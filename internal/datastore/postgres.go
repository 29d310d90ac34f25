package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/feedbackportal/internal/feedback"
)

const (
	postgresFeedbackTableName = "feedback"
	postgresOperationTimeout  = 5 * time.Second
	postgresListenerMinWait   = 100 * time.Millisecond
	postgresListenerMaxWait   = 10 * time.Second
	postgresListenerPingEvery = 90 * time.Second
)

var feedbackColumns = []string{"id", "user_id", "title", "description", "category", "priority", "status", "created_at"}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresOptions struct {
	// TableName defaults to "feedback". Tests use random names.
	TableName        string
	SubscriberBuffer int
	Logger           zerolog.Logger
}

// PostgresRepository stores feedback rows in Postgres. Change events are
// produced by a row trigger calling pg_notify and consumed with a single
// pq.Listener that fans out to per-owner subscriptions.
type PostgresRepository struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc
	builder   sq.StatementBuilderType
	hub       *changeHub
	log       zerolog.Logger

	// initMu guards lazy setup. A failed attempt is retried by the next call.
	initMu sync.Mutex
	db     *sql.DB
	closed bool

	listenMu   sync.Mutex
	listener   *pq.Listener
	stopListen context.CancelFunc
	listenDone chan struct{}
}

func NewPostgresRepository(dsn string, opts PostgresOptions) (*PostgresRepository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	tableName := strings.TrimSpace(opts.TableName)
	if tableName == "" {
		tableName = postgresFeedbackTableName
	}
	log := opts.Logger.With().Str("component", "datastore").Str("table", tableName).Logger()
	return &PostgresRepository{
		dsn:       dsn,
		tableName: tableName,
		openDB:    sql.Open,
		builder:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		hub:       newChangeHub(opts.SubscriberBuffer, log),
		log:       log,
	}, nil
}

func (r *PostgresRepository) table() string {
	return postgresQuoteIdentifier(r.tableName)
}

func (r *PostgresRepository) channel() string {
	return r.tableName + "_changes"
}

func (r *PostgresRepository) ensureReady() error {
	if r == nil {
		return ErrInvalidInput
	}
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.db != nil {
		return nil
	}
	db, err := r.openDB("postgres", r.dsn)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	for _, stmt := range r.schemaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("create feedback schema: %w", err)
		}
	}
	r.db = db
	return nil
}

func (r *PostgresRepository) schemaStatements() []string {
	table := r.table()
	indexName := postgresQuoteIdentifier(r.tableName + "_user_id_created_at_idx")
	funcName := postgresQuoteIdentifier(r.tableName + "_notify_change")
	triggerName := postgresQuoteIdentifier(r.tableName + "_notify_change_trg")
	channel := strings.ReplaceAll(r.channel(), "'", "''")
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				title TEXT NOT NULL,
				description TEXT NOT NULL,
				category TEXT NULL CHECK (category IN ('Bug', 'Feature Request', 'General')),
				priority TEXT NULL CHECK (priority IN ('High', 'Medium', 'Low')),
				status TEXT NOT NULL DEFAULT 'Pending' CHECK (status IN ('Pending', 'Processed', 'Error')),
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (user_id, created_at DESC)", indexName, table),
		fmt.Sprintf(`
			CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
			DECLARE
				changed RECORD;
			BEGIN
				IF TG_OP = 'DELETE' THEN
					changed := OLD;
				ELSE
					changed := NEW;
				END IF;
				-- Row bodies can exceed the notify payload limit; listeners re-read by id.
				PERFORM pg_notify('%s', json_build_object(
					'type', TG_OP,
					'id', changed.id,
					'user_id', changed.user_id
				)::text);
				RETURN NULL;
			END;
			$$ LANGUAGE plpgsql`, funcName, channel),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", triggerName, table),
		fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s()", triggerName, table, funcName),
	}
}

func (r *PostgresRepository) Insert(ctx context.Context, in NewItem) (feedback.Item, error) {
	if strings.TrimSpace(in.Owner) == "" {
		return feedback.Item{}, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	if err := r.ensureReady(); err != nil {
		return feedback.Item{}, err
	}
	query, args, err := r.builder.
		Insert(r.table()).
		Columns("id", "user_id", "title", "description", "status").
		Values(uuid.NewString(), in.Owner, in.Title, in.Description, string(feedback.StatusPending)).
		Suffix("RETURNING " + strings.Join(feedbackColumns, ", ")).
		ToSql()
	if err != nil {
		return feedback.Item{}, err
	}
	return scanItem(r.db.QueryRowContext(ctx, query, args...))
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (feedback.Item, error) {
	if err := r.ensureReady(); err != nil {
		return feedback.Item{}, err
	}
	query, args, err := r.builder.
		Select(feedbackColumns...).
		From(r.table()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return feedback.Item{}, err
	}
	item, err := scanItem(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return feedback.Item{}, feedback.ErrNotFound
	}
	return item, err
}

func (r *PostgresRepository) List(ctx context.Context, owner string) ([]feedback.Item, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	query, args, err := r.builder.
		Select(feedbackColumns...).
		From(r.table()).
		Where(sq.Eq{"user_id": owner}).
		OrderBy("created_at DESC", "id DESC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]feedback.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *PostgresRepository) Update(ctx context.Context, id string, patch feedback.Patch) (feedback.Item, error) {
	if patch.Empty() {
		return r.Get(ctx, id)
	}
	if err := r.ensureReady(); err != nil {
		return feedback.Item{}, err
	}
	builder := r.builder.Update(r.table()).Where(sq.Eq{"id": id})
	if patch.Status != nil {
		builder = builder.Set("status", string(*patch.Status))
	}
	if patch.Category != nil {
		builder = builder.Set("category", string(*patch.Category))
	}
	if patch.Priority != nil {
		builder = builder.Set("priority", string(*patch.Priority))
	}
	if patch.ExpectStatus != "" {
		builder = builder.Where(sq.Eq{"status": string(patch.ExpectStatus)})
	}
	query, args, err := builder.Suffix("RETURNING " + strings.Join(feedbackColumns, ", ")).ToSql()
	if err != nil {
		return feedback.Item{}, err
	}
	item, err := scanItem(r.db.QueryRowContext(ctx, query, args...))
	if !errors.Is(err, sql.ErrNoRows) {
		return item, err
	}
	// Zero rows: either the id is unknown or the status guard failed.
	current, getErr := r.Get(ctx, id)
	if getErr != nil {
		return feedback.Item{}, getErr
	}
	return feedback.Item{}, &feedback.InvalidTransitionError{ID: id, From: current.Status, To: statusOrCurrent(patch, current.Status)}
}

func (r *PostgresRepository) Subscribe(ctx context.Context, owner string) (Subscription, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	if err := r.ensureListener(); err != nil {
		return nil, err
	}
	sub, err := r.hub.subscribe(owner)
	if err != nil {
		return nil, err
	}
	return bindSubscription(ctx, sub), nil
}

func (r *PostgresRepository) ensureListener() error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	r.listenMu.Lock()
	defer r.listenMu.Unlock()
	if r.listener != nil {
		return nil
	}
	listener := pq.NewListener(r.dsn, postgresListenerMinWait, postgresListenerMaxWait, r.listenerEvent)
	if err := listener.Listen(r.channel()); err != nil {
		_ = listener.Close()
		return fmt.Errorf("listen %s: %w", r.channel(), err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.listener = listener
	r.stopListen = cancel
	r.listenDone = make(chan struct{})
	go r.listen(ctx)
	return nil
}

func (r *PostgresRepository) listenerEvent(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventDisconnected:
		r.log.Warn().Err(err).Msg("change listener disconnected")
	case pq.ListenerEventReconnected:
		r.log.Info().Msg("change listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		r.log.Warn().Err(err).Msg("change listener reconnect attempt failed")
	}
}

func (r *PostgresRepository) listen(ctx context.Context) {
	defer close(r.listenDone)
	ticker := time.NewTicker(postgresListenerPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-r.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Notifications sent while the connection was down are lost.
				r.hub.publish("", feedback.ChangeEvent{Kind: feedback.EventResync})
				continue
			}
			notice, err := decodeNotification(n.Extra)
			if err != nil {
				r.log.Warn().Err(err).Msg("dropping malformed change notification")
				continue
			}
			ev, ok := r.resolveNotice(ctx, notice)
			if !ok {
				continue
			}
			r.hub.publish(notice.Owner, ev)
		case <-ticker.C:
			go func() {
				if err := r.listener.Ping(); err != nil {
					r.log.Debug().Err(err).Msg("change listener ping failed")
				}
			}()
		}
	}
}

// changeNotice is the pg_notify payload written by the row trigger.
type changeNotice struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Owner string `json:"user_id"`
	kind  feedback.EventKind
}

func decodeNotification(payload string) (changeNotice, error) {
	var notice changeNotice
	if err := json.Unmarshal([]byte(payload), &notice); err != nil {
		return changeNotice{}, err
	}
	kind, err := feedback.ParseEventKind(notice.Type)
	if err != nil {
		return changeNotice{}, err
	}
	if strings.TrimSpace(notice.ID) == "" || strings.TrimSpace(notice.Owner) == "" {
		return changeNotice{}, fmt.Errorf("%s notification without row id or owner", kind)
	}
	notice.kind = kind
	return notice, nil
}

// resolveNotice turns a notice into an event carrying the current row. A row
// deleted before it could be read is skipped; its delete notice follows. A
// failed read asks the owner's subscribers to resync.
func (r *PostgresRepository) resolveNotice(ctx context.Context, notice changeNotice) (feedback.ChangeEvent, bool) {
	if notice.kind == feedback.EventDelete {
		return feedback.ChangeEvent{Kind: feedback.EventDelete, Item: feedback.Item{ID: notice.ID, Owner: notice.Owner}}, true
	}
	readCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	item, err := r.Get(readCtx, notice.ID)
	if errors.Is(err, feedback.ErrNotFound) {
		return feedback.ChangeEvent{}, false
	}
	if err != nil {
		r.log.Warn().Err(err).Str("feedbackId", notice.ID).Msg("change notification row read failed; resyncing owner")
		return feedback.ChangeEvent{Kind: feedback.EventResync}, true
	}
	return feedback.ChangeEvent{Kind: notice.kind, Item: item}, true
}

func (r *PostgresRepository) SubscriberCount() int {
	return r.hub.count()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	return r.db.PingContext(ctx)
}

func (r *PostgresRepository) Close() error {
	if r == nil {
		return nil
	}
	r.listenMu.Lock()
	if r.stopListen != nil {
		r.stopListen()
		<-r.listenDone
		_ = r.listener.Close()
		r.stopListen = nil
	}
	r.listenMu.Unlock()
	r.hub.close()

	r.initMu.Lock()
	defer r.initMu.Unlock()
	r.closed = true
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (feedback.Item, error) {
	var (
		item      feedback.Item
		category  sql.NullString
		priority  sql.NullString
		status    string
		createdAt time.Time
	)
	if err := row.Scan(&item.ID, &item.Owner, &item.Title, &item.Description, &category, &priority, &status, &createdAt); err != nil {
		return feedback.Item{}, err
	}
	if category.Valid {
		item.Category = feedback.CategoryPtr(feedback.Category(category.String))
	}
	if priority.Valid {
		item.Priority = feedback.PriorityPtr(feedback.Priority(priority.String))
	}
	item.Status = feedback.Status(status)
	item.CreatedAt = createdAt.UTC()
	return item, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
