// Package queue is the durable offline store: a bounded FIFO of events
// awaiting upload, per-bucket sync checkpoints, and the app category cache.
// Backed by an embedded SQLite database; safe for concurrent use, writes
// serialize through SQLite's transaction model
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	perr "flowsync/internal/platform/errors"
	"flowsync/internal/platform/logger"

	_ "modernc.org/sqlite" // database/sql driver
)

// NearCapacityThreshold is the fill ratio at which the queue reports pressure
const NearCapacityThreshold = 0.8

// DefaultMaxRetries is the per-event retry budget before a row is dropped
const DefaultMaxRetries = 5

// QueuedEvent is one row awaiting upload. RowID assignment order defines FIFO
type QueuedEvent struct {
	RowID      int64
	Payload    json.RawMessage
	CreatedAt  time.Time
	RetryCount int
}

// Queue is the SQLite-backed offline store
type Queue struct {
	db      *sql.DB
	maxSize int
	log     logger.Logger
	now     func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS queued_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_data TEXT NOT NULL,
	created_at TEXT NOT NULL,
	retry_count INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_created_at ON queued_events(created_at);

CREATE TABLE IF NOT EXISTS sync_checkpoints (
	bucket_id TEXT PRIMARY KEY,
	last_event_id INTEGER,
	last_timestamp TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS app_categories (
	app_name TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Open opens (creating if needed) the queue database at path
func Open(path string, maxSize int) (*Queue, error) {
	if maxSize <= 0 {
		return nil, perr.InvalidArgf("queue max size must be positive, got %d", maxSize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStore, "create queue dir")
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStore, "open queue db")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, perr.Wrap(err, perr.ErrorCodeStore, "init queue schema")
	}
	return &Queue{
		db:      db,
		maxSize: maxSize,
		log:     *logger.Named("queue"),
		now:     time.Now,
	}, nil
}

// Close releases the database handle
func (q *Queue) Close() error { return q.db.Close() }

// Enqueue appends payloads, newest-last. Oversized batches keep only the
// newest maxSize entries; a full queue evicts its oldest rows first.
// Returns the number of rows inserted
func (q *Queue) Enqueue(ctx context.Context, payloads []json.RawMessage) (int, error) {
	if len(payloads) == 0 {
		return 0, nil
	}
	if len(payloads) > q.maxSize {
		dropped := len(payloads) - q.maxSize
		payloads = payloads[len(payloads)-q.maxSize:]
		q.log.Warn().Int("dropped", dropped).Msg("batch larger than queue capacity, truncated to newest")
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeStore, "begin enqueue")
	}
	defer func() { _ = tx.Rollback() }()

	var size int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_events`).Scan(&size); err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeStore, "count queue")
	}
	if overflow := size + len(payloads) - q.maxSize; overflow > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM queued_events WHERE id IN (
				SELECT id FROM queued_events ORDER BY id ASC LIMIT ?
			)`, overflow); err != nil {
			return 0, perr.Wrap(err, perr.ErrorCodeStore, "evict oldest")
		}
		q.log.Warn().Int("evicted", overflow).Msg("queue full, evicted oldest events")
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO queued_events (event_data, created_at) VALUES (?, ?)`)
	if err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeStore, "prepare insert")
	}
	defer func() { _ = stmt.Close() }()

	now := q.now().UTC().Format(time.RFC3339Nano)
	for _, p := range payloads {
		if _, err := stmt.ExecContext(ctx, string(p), now); err != nil {
			return 0, perr.Wrap(err, perr.ErrorCodeStore, "insert event")
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeStore, "commit enqueue")
	}
	return len(payloads), nil
}

// Dequeue returns up to n oldest rows by RowID; rows stay queued until Remove
func (q *Queue) Dequeue(ctx context.Context, n int) ([]QueuedEvent, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, event_data, created_at, retry_count
		FROM queued_events ORDER BY id ASC LIMIT ?`, n)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStore, "dequeue query")
	}
	defer func() { _ = rows.Close() }()

	var out []QueuedEvent
	for rows.Next() {
		var (
			ev      QueuedEvent
			payload string
			created string
		)
		if err := rows.Scan(&ev.RowID, &payload, &created, &ev.RetryCount); err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeStore, "dequeue scan")
		}
		ev.Payload = json.RawMessage(payload)
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			ev.CreatedAt = ts
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStore, "dequeue rows")
	}
	return out, nil
}

// Remove deletes acknowledged rows
func (q *Queue) Remove(ctx context.Context, rowIDs []int64) (int, error) {
	if len(rowIDs) == 0 {
		return 0, nil
	}
	res, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM queued_events WHERE id IN (%s)`, placeholders(len(rowIDs))),
		int64Args(rowIDs)...)
	if err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeStore, "remove events")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// IncrementRetry bumps retry_count on the given rows
func (q *Queue) IncrementRetry(ctx context.Context, rowIDs []int64) error {
	if len(rowIDs) == 0 {
		return nil
	}
	_, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE queued_events SET retry_count = retry_count + 1 WHERE id IN (%s)`,
			placeholders(len(rowIDs))),
		int64Args(rowIDs)...)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeStore, "increment retry")
	}
	return nil
}

// RemoveFailed deletes rows whose retry budget is spent
func (q *Queue) RemoveFailed(ctx context.Context, maxRetries int) (int, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queued_events WHERE retry_count >= ?`, maxRetries)
	if err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeStore, "remove failed")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.log.Warn().Int64("removed", n).Int("max_retries", maxRetries).Msg("dropped events past retry budget")
	}
	return int(n), nil
}

// ExpireOlderThan deletes rows queued longer than age ago
func (q *Queue) ExpireOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := q.now().UTC().Add(-age).Format(time.RFC3339Nano)
	res, err := q.db.ExecContext(ctx, `DELETE FROM queued_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeStore, "expire events")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.log.Info().Int64("expired", n).Dur("age", age).Msg("expired stale queued events")
	}
	return int(n), nil
}

// Size returns the number of queued rows
func (q *Queue) Size(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_events`).Scan(&n); err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeStore, "queue size")
	}
	return n, nil
}

// IsEmpty reports whether no rows are queued
func (q *Queue) IsEmpty(ctx context.Context) (bool, error) {
	n, err := q.Size(ctx)
	return n == 0, err
}

// CapacityPercent returns fill ratio in [0,1]
func (q *Queue) CapacityPercent(ctx context.Context) (float64, error) {
	n, err := q.Size(ctx)
	if err != nil {
		return 0, err
	}
	return float64(n) / float64(q.maxSize), nil
}

// IsNearCapacity reports fill ratio at or above NearCapacityThreshold
func (q *Queue) IsNearCapacity(ctx context.Context) (bool, error) {
	pct, err := q.CapacityPercent(ctx)
	return pct >= NearCapacityThreshold, err
}

// Clear deletes every queued row
func (q *Queue) Clear(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queued_events`)
	if err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeStore, "clear queue")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetCheckpoint returns the last synced instant for a bucket; ok is false
// when the bucket has never synced
func (q *Queue) GetCheckpoint(ctx context.Context, bucketID string) (ts time.Time, ok bool, err error) {
	var raw string
	err = q.db.QueryRowContext(ctx,
		`SELECT last_timestamp FROM sync_checkpoints WHERE bucket_id = ?`, bucketID).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, perr.Wrap(err, perr.ErrorCodeStore, "get checkpoint")
	}
	ts, parseErr := time.Parse(time.RFC3339Nano, raw)
	if parseErr != nil {
		return time.Time{}, false, perr.Wrapf(parseErr, perr.ErrorCodeStore, "corrupt checkpoint for %s", bucketID)
	}
	return ts, true, nil
}

// SetCheckpoint upserts the checkpoint for a bucket. eventID 0 means unknown
func (q *Queue) SetCheckpoint(ctx context.Context, bucketID string, ts time.Time, eventID int64) error {
	now := q.now().UTC().Format(time.RFC3339Nano)
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (bucket_id, last_event_id, last_timestamp, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket_id) DO UPDATE SET
			last_event_id = excluded.last_event_id,
			last_timestamp = excluded.last_timestamp,
			updated_at = excluded.updated_at`,
		bucketID, eventID, ts.UTC().Format(time.RFC3339Nano), now)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeStore, "set checkpoint")
	}
	return nil
}

// GetAllCheckpoints returns the last synced instant per bucket
func (q *Queue) GetAllCheckpoints(ctx context.Context) (map[string]time.Time, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT bucket_id, last_timestamp FROM sync_checkpoints`)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStore, "get checkpoints")
	}
	defer func() { _ = rows.Close() }()

	out := map[string]time.Time{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeStore, "scan checkpoint")
		}
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			out[id] = ts
		}
	}
	return out, rows.Err()
}

// SyncCategories atomically replaces the app category cache
func (q *Queue) SyncCategories(ctx context.Context, categories map[string]string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeStore, "begin category sync")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM app_categories`); err != nil {
		return perr.Wrap(err, perr.ErrorCodeStore, "clear categories")
	}
	now := q.now().UTC().Format(time.RFC3339Nano)
	for app, cat := range categories {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO app_categories (app_name, category, updated_at) VALUES (?, ?, ?)`,
			app, cat, now); err != nil {
			return perr.Wrap(err, perr.ErrorCodeStore, "insert category")
		}
	}
	if err := tx.Commit(); err != nil {
		return perr.Wrap(err, perr.ErrorCodeStore, "commit category sync")
	}
	return nil
}

// GetCategory returns the cached category for an app
func (q *Queue) GetCategory(ctx context.Context, app string) (string, bool, error) {
	var cat string
	err := q.db.QueryRowContext(ctx,
		`SELECT category FROM app_categories WHERE app_name = ?`, app).Scan(&cat)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, perr.Wrap(err, perr.ErrorCodeStore, "get category")
	}
	return cat, true, nil
}

// GetAllCategories returns the whole category cache
func (q *Queue) GetAllCategories(ctx context.Context) (map[string]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT app_name, category FROM app_categories`)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStore, "get categories")
	}
	defer func() { _ = rows.Close() }()

	out := map[string]string{}
	for rows.Next() {
		var app, cat string
		if err := rows.Scan(&app, &cat); err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeStore, "scan category")
		}
		out[app] = cat
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
