// Package queue provides a WAL-mode SQLite-backed buffer for telemetry
// and audit events awaiting delivery to the long-term storage sink. It
// implements at-least-once delivery semantics: events persist on
// Enqueue and are not removed until the caller calls Ack, so a crash
// between shipping and acknowledging replays the event rather than
// losing it.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so a
// background flush goroutine (Dequeue/Ack) and the server's own event
// producers (Enqueue) do not block each other.
//
// # At-least-once delivery
//
// The delivered column is set to 1 only when Ack is called. If the
// process crashes between Enqueue and Ack, the event is returned again
// by the next Dequeue call after restart.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Queue is a WAL-mode SQLite-backed telemetry event buffer. It is safe
// for concurrent use.
type Queue struct {
	db    *sql.DB
	depth atomic.Int64
}

// Event is one telemetry/audit event awaiting delivery. Kind
// identifies the event shape (e.g. "add", "remove", "prune") and
// Payload carries its JSON-encoded detail, mirroring the audit
// package's typed-payload convention.
type Event struct {
	Image     string
	Kind      string
	Payload   []byte
	Timestamp time.Time
}

// New opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. path may be ":memory:" for
// tests, which loses all data when the Queue is closed.
//
// New seeds the internal depth counter from the rows currently marked
// pending (delivered = 0), so Depth is accurate immediately after a
// crash-recovery restart.
func New(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// serializes every Enqueue/Ack through it rather than surfacing
	// "database is locked" errors under concurrent callers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &Queue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM telemetry_queue WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS telemetry_queue (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    image       TEXT    NOT NULL,
    kind        TEXT    NOT NULL,
    payload     TEXT    NOT NULL DEFAULT '{}',
    ts          TEXT    NOT NULL,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_telemetry_queue_pending
    ON telemetry_queue (delivered, id);
`

// Enqueue persists evt. The event is stored with delivered = 0 and is
// included in subsequent Dequeue results until Ack is called for its
// assigned ID.
func (q *Queue) Enqueue(ctx context.Context, evt Event) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO telemetry_queue (image, kind, payload, ts) VALUES (?, ?, ?, ?)`,
		evt.Image, evt.Kind, string(evt.Payload), evt.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	q.depth.Add(1)
	return nil
}

// PendingEvent is an unacknowledged event returned by Dequeue. ID is
// the database primary key used to acknowledge the event via Ack.
type PendingEvent struct {
	ID  int64
	Evt Event
}

// Dequeue returns up to n unacknowledged events in insertion order
// (oldest first). It does not mark events as delivered; call Ack with
// the returned IDs to do that. If n <= 0, Dequeue returns nil without
// querying the database.
func (q *Queue) Dequeue(ctx context.Context, n int) ([]PendingEvent, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, image, kind, payload, ts
		 FROM   telemetry_queue
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var events []PendingEvent
	for rows.Next() {
		var (
			pe      PendingEvent
			tsStr   string
			payload string
		)
		if err := rows.Scan(&pe.ID, &pe.Evt.Image, &pe.Evt.Kind, &payload, &tsStr); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}
		pe.Evt.Payload = []byte(payload)
		pe.Evt.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			pe.Evt.Timestamp, _ = time.Parse(time.RFC3339, tsStr)
		}
		events = append(events, pe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return events, nil
}

// Ack marks the events identified by ids as delivered. Acknowledged
// events are excluded from subsequent Dequeue results. Ack is
// idempotent: calling it multiple times with the same IDs is safe.
func (q *Queue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE telemetry_queue SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) events.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection. Callers must not
// use the Queue after Close returns.
func (q *Queue) Close() error {
	return q.db.Close()
}
