package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/flowbus/flowbus/internal/runtime/ids"
	"github.com/flowbus/flowbus/internal/runtime/jsoncodec"
	"github.com/flowbus/flowbus/internal/runtime/metadata"
	"github.com/flowbus/flowbus/internal/runtime/saga"
)

// SQLiteStore persists all bus records in a SQLite database. Uniqueness and
// conditional transitions are enforced in SQL so concurrent workers cannot
// double-process.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and initialises the
// schema. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "flowbus.db"
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		metadata TEXT,
		source TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		causation_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		publish_attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		occurred_at TEXT NOT NULL,
		published_at TEXT,
		expires_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_status ON events(status, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);

	CREATE TABLE IF NOT EXISTS event_processors (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		subscription TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		last_error TEXT NOT NULL DEFAULT '',
		started_at TEXT,
		completed_at TEXT,
		next_retry_at TEXT,
		UNIQUE(event_id, subscription)
	);

	CREATE INDEX IF NOT EXISTS idx_processors_retry ON event_processors(status, next_retry_at);

	CREATE TABLE IF NOT EXISTS subscriptions (
		name TEXT PRIMARY KEY,
		event_types TEXT NOT NULL,
		filter_expression TEXT NOT NULL DEFAULT '',
		queue TEXT NOT NULL DEFAULT '',
		exchange TEXT NOT NULL DEFAULT '',
		routing_key TEXT NOT NULL DEFAULT '',
		handler TEXT NOT NULL DEFAULT '',
		max_retries INTEGER NOT NULL DEFAULT 0,
		retry_policy TEXT NOT NULL DEFAULT 'exponential',
		retry_base_delay_ms INTEGER NOT NULL DEFAULT 0,
		retry_max_delay_ms INTEGER NOT NULL DEFAULT 0,
		dead_letter_queue TEXT NOT NULL DEFAULT '',
		batch_size INTEGER NOT NULL DEFAULT 0,
		visibility_timeout_ms INTEGER NOT NULL DEFAULT 0,
		concurrent_workers INTEGER NOT NULL DEFAULT 1,
		active INTEGER NOT NULL DEFAULT 1,
		paused INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		last_error_at TEXT
	);

	CREATE TABLE IF NOT EXISTS sagas (
		id TEXT PRIMARY KEY,
		saga_type TEXT NOT NULL,
		status TEXT NOT NULL,
		current_step TEXT NOT NULL DEFAULT '',
		state TEXT,
		correlation_id TEXT NOT NULL DEFAULT '',
		initiating_event TEXT NOT NULL DEFAULT '',
		completed_steps TEXT,
		compensated_steps TEXT,
		started_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		expires_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sagas_correlation ON sagas(correlation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

const timeFormat = time.RFC3339Nano

func encodeTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) { return time.Parse(timeFormat, s) }

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := jsoncodec.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeMap(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var out map[string]any
	if err := jsoncodec.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) CreateEvent(ctx context.Context, event *Event) error {
	payload, err := encodeJSON(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	md, err := encodeJSON(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, event_type, version, payload, metadata, source,
			correlation_id, causation_id, user_id, status, publish_attempts,
			last_error, occurred_at, published_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.EventType, event.Version, payload, md, event.Source,
		event.CorrelationID, event.CausationID, event.UserID, string(event.Status),
		event.PublishAttempts, event.LastError, encodeTime(event.OccurredAt),
		encodeTimePtr(event.PublishedAt), encodeTimePtr(event.ExpiresAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_type, version, payload, metadata, source,
			correlation_id, causation_id, user_id, status, publish_attempts,
			last_error, occurred_at, published_at, expires_at
		FROM events WHERE id = ?`, id)
	return scanEvent(row)
}

func (s *SQLiteStore) GetOrCreateEvent(ctx context.Context, event *Event) (*Event, bool, error) {
	err := s.CreateEvent(ctx, event)
	if err == nil {
		return event.Clone(), true, nil
	}
	if !errors.Is(err, ErrDuplicate) {
		return nil, false, err
	}
	existing, err := s.GetEvent(ctx, event.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *SQLiteStore) MarkEventPublished(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = ?, published_at = ?, last_error = ''
		WHERE id = ?`, string(EventPublished), encodeTime(at), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *SQLiteStore) MarkEventFailed(ctx context.Context, id string, cause string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = ?, publish_attempts = publish_attempts + 1,
			last_error = ?
		WHERE id = ?`, string(EventFailed), cause, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *SQLiteStore) FailedEvents(ctx context.Context, since time.Time, maxAttempts int) ([]*Event, error) {
	query := `
		SELECT id, event_type, version, payload, metadata, source,
			correlation_id, causation_id, user_id, status, publish_attempts,
			last_error, occurred_at, published_at, expires_at
		FROM events
		WHERE status = ? AND occurred_at >= ?`
	args := []any{string(EventFailed), encodeTime(since)}
	if maxAttempts > 0 {
		query += ` AND publish_attempts < ?`
		args = append(args, maxAttempts)
	}
	query += ` ORDER BY occurred_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		event                   Event
		status                  string
		payload                 string
		md                      sql.NullString
		publishedAt, expiresAt  sql.NullString
		occurredAt              string
	)
	err := row.Scan(&event.ID, &event.EventType, &event.Version, &payload, &md,
		&event.Source, &event.CorrelationID, &event.CausationID, &event.UserID,
		&status, &event.PublishAttempts, &event.LastError, &occurredAt,
		&publishedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	event.Status = EventStatus(status)
	if payload != "" {
		if err := jsoncodec.Unmarshal([]byte(payload), &event.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if md.Valid && md.String != "" {
		var meta metadata.Metadata
		if err := jsoncodec.Unmarshal([]byte(md.String), &meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		event.Metadata = meta
	}
	if event.OccurredAt, err = decodeTime(occurredAt); err != nil {
		return nil, err
	}
	if event.PublishedAt, err = decodeTimePtr(publishedAt); err != nil {
		return nil, err
	}
	if event.ExpiresAt, err = decodeTimePtr(expiresAt); err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *SQLiteStore) GetOrCreateProcessor(ctx context.Context, eventID, subscription string) (*EventProcessor, bool, error) {
	id := ids.NewID()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO event_processors (id, event_id, subscription, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(event_id, subscription) DO NOTHING`,
		id, eventID, subscription, string(ProcessorPending))
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	proc, err := s.GetProcessor(ctx, eventID, subscription)
	if err != nil {
		return nil, false, err
	}
	return proc, affected > 0, nil
}

func (s *SQLiteStore) GetProcessor(ctx context.Context, eventID, subscription string) (*EventProcessor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, subscription, status, attempts, result, last_error,
			started_at, completed_at, next_retry_at
		FROM event_processors WHERE event_id = ? AND subscription = ?`,
		eventID, subscription)
	return scanProcessor(row)
}

func (s *SQLiteStore) BeginProcessing(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE event_processors
		SET status = ?, attempts = attempts + 1, started_at = ?, next_retry_at = NULL
		WHERE id = ? AND status = ?`,
		string(ProcessorProcessing), encodeTime(time.Now()), id, string(ProcessorPending))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) MarkProcessorCompleted(ctx context.Context, id string, result map[string]any) error {
	encoded, err := encodeJSON(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE event_processors
		SET status = ?, completed_at = ?, result = ?, last_error = ''
		WHERE id = ?`,
		string(ProcessorCompleted), encodeTime(time.Now()), encoded, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *SQLiteStore) MarkProcessorSkipped(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE event_processors SET status = ?, completed_at = ? WHERE id = ?`,
		string(ProcessorSkipped), encodeTime(time.Now()), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *SQLiteStore) MarkProcessorFailed(ctx context.Context, id string, cause string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE event_processors SET status = ?, last_error = ? WHERE id = ?`,
		string(ProcessorFailed), cause, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *SQLiteStore) MarkProcessorDeadLettered(ctx context.Context, id string, cause string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE event_processors SET status = ?, completed_at = ?, last_error = ?
		WHERE id = ?`,
		string(ProcessorDeadLettered), encodeTime(time.Now()), cause, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *SQLiteStore) ScheduleProcessorRetry(ctx context.Context, id string, at time.Time, cause string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE event_processors SET status = ?, next_retry_at = ?, last_error = ?
		WHERE id = ?`,
		string(ProcessorPending), encodeTime(at), cause, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *SQLiteStore) ProcessorsDueForRetry(ctx context.Context, now time.Time, limit int) ([]*EventProcessor, error) {
	query := `
		SELECT id, event_id, subscription, status, attempts, result, last_error,
			started_at, completed_at, next_retry_at
		FROM event_processors
		WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at ASC`
	args := []any{string(ProcessorPending), encodeTime(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EventProcessor
	for rows.Next() {
		proc, err := scanProcessor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, proc)
	}
	return out, rows.Err()
}

func scanProcessor(row rowScanner) (*EventProcessor, error) {
	var (
		proc                               EventProcessor
		status                             string
		result                             sql.NullString
		startedAt, completedAt, nextRetry  sql.NullString
	)
	err := row.Scan(&proc.ID, &proc.EventID, &proc.Subscription, &status,
		&proc.Attempts, &result, &proc.LastError, &startedAt, &completedAt,
		&nextRetry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	proc.Status = ProcessorStatus(status)
	if proc.Result, err = decodeMap(result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	if proc.StartedAt, err = decodeTimePtr(startedAt); err != nil {
		return nil, err
	}
	if proc.CompletedAt, err = decodeTimePtr(completedAt); err != nil {
		return nil, err
	}
	if proc.NextRetryAt, err = decodeTimePtr(nextRetry); err != nil {
		return nil, err
	}
	return &proc, nil
}

func (s *SQLiteStore) SaveSubscription(ctx context.Context, sub *EventSubscription) error {
	eventTypes, err := encodeJSON(sub.EventTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal event types: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (name, event_types, filter_expression, queue,
			exchange, routing_key, handler, max_retries, retry_policy,
			retry_base_delay_ms, retry_max_delay_ms, dead_letter_queue,
			batch_size, visibility_timeout_ms, concurrent_workers, active,
			paused, last_error, last_error_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			event_types = excluded.event_types,
			filter_expression = excluded.filter_expression,
			queue = excluded.queue,
			exchange = excluded.exchange,
			routing_key = excluded.routing_key,
			handler = excluded.handler,
			max_retries = excluded.max_retries,
			retry_policy = excluded.retry_policy,
			retry_base_delay_ms = excluded.retry_base_delay_ms,
			retry_max_delay_ms = excluded.retry_max_delay_ms,
			dead_letter_queue = excluded.dead_letter_queue,
			batch_size = excluded.batch_size,
			visibility_timeout_ms = excluded.visibility_timeout_ms,
			concurrent_workers = excluded.concurrent_workers,
			active = excluded.active,
			paused = excluded.paused`,
		sub.Name, eventTypes, sub.FilterExpression, sub.Queue, sub.Exchange,
		sub.RoutingKey, sub.Handler, sub.MaxRetries, string(sub.RetryPolicy),
		sub.RetryBaseDelay.Milliseconds(), sub.RetryMaxDelay.Milliseconds(),
		sub.DeadLetterQueue, sub.BatchSize, sub.VisibilityTimeout.Milliseconds(),
		sub.ConcurrentWorkers, boolToInt(sub.Active), boolToInt(sub.Paused),
		sub.LastError, encodeTimePtr(sub.LastErrorAt))
	return err
}

func (s *SQLiteStore) GetSubscription(ctx context.Context, name string) (*EventSubscription, error) {
	row := s.db.QueryRowContext(ctx, subscriptionColumns+` WHERE name = ?`, name)
	return scanSubscription(row)
}

const subscriptionColumns = `
	SELECT name, event_types, filter_expression, queue, exchange, routing_key,
		handler, max_retries, retry_policy, retry_base_delay_ms,
		retry_max_delay_ms, dead_letter_queue, batch_size,
		visibility_timeout_ms, concurrent_workers, active, paused, last_error,
		last_error_at
	FROM subscriptions`

func (s *SQLiteStore) ListSubscriptions(ctx context.Context) ([]*EventSubscription, error) {
	return s.querySubscriptions(ctx, subscriptionColumns+` ORDER BY name ASC`)
}

func (s *SQLiteStore) ListActiveSubscriptions(ctx context.Context) ([]*EventSubscription, error) {
	return s.querySubscriptions(ctx,
		subscriptionColumns+` WHERE active = 1 AND paused = 0 ORDER BY name ASC`)
}

func (s *SQLiteStore) querySubscriptions(ctx context.Context, query string, args ...any) ([]*EventSubscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EventSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func scanSubscription(row rowScanner) (*EventSubscription, error) {
	var (
		sub                        EventSubscription
		eventTypes                 string
		retryPolicy                string
		baseDelayMS, maxDelayMS    int64
		visibilityMS               int64
		active, paused             int
		lastErrorAt                sql.NullString
	)
	err := row.Scan(&sub.Name, &eventTypes, &sub.FilterExpression, &sub.Queue,
		&sub.Exchange, &sub.RoutingKey, &sub.Handler, &sub.MaxRetries,
		&retryPolicy, &baseDelayMS, &maxDelayMS, &sub.DeadLetterQueue,
		&sub.BatchSize, &visibilityMS, &sub.ConcurrentWorkers, &active,
		&paused, &sub.LastError, &lastErrorAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if eventTypes != "" {
		if err := jsoncodec.Unmarshal([]byte(eventTypes), &sub.EventTypes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event types: %w", err)
		}
	}
	sub.RetryPolicy = RetryPolicyKind(retryPolicy)
	sub.RetryBaseDelay = time.Duration(baseDelayMS) * time.Millisecond
	sub.RetryMaxDelay = time.Duration(maxDelayMS) * time.Millisecond
	sub.VisibilityTimeout = time.Duration(visibilityMS) * time.Millisecond
	sub.Active = active != 0
	sub.Paused = paused != 0
	if sub.LastErrorAt, err = decodeTimePtr(lastErrorAt); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *SQLiteStore) SetSubscriptionPaused(ctx context.Context, name string, paused bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET paused = ? WHERE name = ?`, boolToInt(paused), name)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *SQLiteStore) RecordSubscriptionError(ctx context.Context, name string, cause string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET last_error = ?, last_error_at = ? WHERE name = ?`,
		cause, encodeTime(time.Now()), name)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *SQLiteStore) CreateSaga(ctx context.Context, instance *saga.Instance) error {
	state, err := encodeJSON(instance.State)
	if err != nil {
		return fmt.Errorf("failed to marshal saga state: %w", err)
	}
	completed, err := encodeJSON(instance.CompletedSteps)
	if err != nil {
		return fmt.Errorf("failed to marshal completed steps: %w", err)
	}
	compensated, err := encodeJSON(instance.CompensatedSteps)
	if err != nil {
		return fmt.Errorf("failed to marshal compensated steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sagas (id, saga_type, status, current_step, state,
			correlation_id, initiating_event, completed_steps,
			compensated_steps, started_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instance.ID, instance.SagaType, string(instance.Status),
		instance.CurrentStep, state, instance.CorrelationID,
		instance.InitiatingEvent, completed, compensated,
		encodeTime(instance.StartedAt), encodeTime(instance.UpdatedAt),
		encodeTimePtr(instance.ExpiresAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const sagaColumns = `
	SELECT id, saga_type, status, current_step, state, correlation_id,
		initiating_event, completed_steps, compensated_steps, started_at,
		updated_at, expires_at
	FROM sagas`

func (s *SQLiteStore) GetSaga(ctx context.Context, id string) (*saga.Instance, error) {
	return scanSaga(s.db.QueryRowContext(ctx, sagaColumns+` WHERE id = ?`, id))
}

func (s *SQLiteStore) GetSagaByCorrelationID(ctx context.Context, correlationID string) (*saga.Instance, error) {
	return scanSaga(s.db.QueryRowContext(ctx,
		sagaColumns+` WHERE correlation_id = ? ORDER BY started_at DESC LIMIT 1`,
		correlationID))
}

func (s *SQLiteStore) UpdateSaga(ctx context.Context, instance *saga.Instance) error {
	state, err := encodeJSON(instance.State)
	if err != nil {
		return fmt.Errorf("failed to marshal saga state: %w", err)
	}
	completed, err := encodeJSON(instance.CompletedSteps)
	if err != nil {
		return fmt.Errorf("failed to marshal completed steps: %w", err)
	}
	compensated, err := encodeJSON(instance.CompensatedSteps)
	if err != nil {
		return fmt.Errorf("failed to marshal compensated steps: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sagas SET status = ?, current_step = ?, state = ?,
			completed_steps = ?, compensated_steps = ?, updated_at = ?,
			expires_at = ?
		WHERE id = ?`,
		string(instance.Status), instance.CurrentStep, state, completed,
		compensated, encodeTime(instance.UpdatedAt),
		encodeTimePtr(instance.ExpiresAt), instance.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func scanSaga(row rowScanner) (*saga.Instance, error) {
	var (
		instance                     saga.Instance
		status                       string
		state, completed, compensated sql.NullString
		startedAt, updatedAt         string
		expiresAt                    sql.NullString
	)
	err := row.Scan(&instance.ID, &instance.SagaType, &status,
		&instance.CurrentStep, &state, &instance.CorrelationID,
		&instance.InitiatingEvent, &completed, &compensated, &startedAt,
		&updatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	instance.Status = saga.Status(status)
	if instance.State, err = decodeMap(state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal saga state: %w", err)
	}
	if completed.Valid && completed.String != "" {
		if err := jsoncodec.Unmarshal([]byte(completed.String), &instance.CompletedSteps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal completed steps: %w", err)
		}
	}
	if compensated.Valid && compensated.String != "" {
		if err := jsoncodec.Unmarshal([]byte(compensated.String), &instance.CompensatedSteps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal compensated steps: %w", err)
		}
	}
	if instance.StartedAt, err = decodeTime(startedAt); err != nil {
		return nil, err
	}
	if instance.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	if instance.ExpiresAt, err = decodeTimePtr(expiresAt); err != nil {
		return nil, err
	}
	return &instance, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
