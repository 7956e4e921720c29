// Package storage is the PostgreSQL-backed long-term sink for events
// shipped out of the sqlite telemetry queue: every Add/Remove/Prune
// audit event the operator plane records, persisted for later query.
// It never stores the image's own address-space state — only the
// operational record of what happened to it.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of event rows held
	// in-memory before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine
	// flushes pending events even when the batch hasn't reached
	// DefaultBatchSize.
	DefaultFlushInterval = 250 * time.Millisecond
)

// Store is the PostgreSQL-backed storage layer for shipped events.
//
// Ingestion is batched: callers enqueue individual Event values via
// BatchInsertEvents, which accumulates them in memory and flushes to
// the database either when the buffer reaches batchSize or when the
// background ticker fires, whichever comes first.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Event
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and
// starts the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("storage: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered events, and closes the connection pool. Safe to call more
// than once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertEvents enqueues evt for deferred batch insertion. If the
// internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so the caller observes back-pressure
// rather than unbounded memory growth.
func (s *Store) BatchInsertEvents(ctx context.Context, evt Event) error {
	s.mu.Lock()
	s.batch = append(s.batch, evt)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current event buffer and sends all rows to
// PostgreSQL in a single pgx.Batch round-trip. Rows that conflict on
// the primary key are silently ignored (idempotent replay support,
// since the sqlite queue may redeliver after a crash before Ack).
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Event, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO image_events (image, kind, payload, ts, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		e := &toInsert[i]
		payload := e.Payload
		if payload == nil {
			payload = []byte("null")
		}
		receivedAt := e.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = time.Now().UTC()
		}
		b.Queue(query, e.Image, e.Kind, payload, e.Timestamp, receivedAt)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("storage: batch exec event: %w", err)
		}
	}
	return nil
}

// QueryEvents returns paginated events that fall within [q.From, q.To)
// on the received_at column, optionally filtered by image and kind.
// q.Limit defaults to 100; q.Offset enables cursor-style pagination.
// Results are ordered by received_at DESC.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	argIdx := 5

	if q.Image != "" {
		where += fmt.Sprintf(" AND image = $%d", argIdx)
		args = append(args, q.Image)
		argIdx++
	}
	if q.Kind != "" {
		where += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, q.Kind)
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT image, kind, payload, ts, received_at
		FROM   image_events
		%s
		ORDER  BY received_at DESC
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Image, &e.Kind, &e.Payload, &e.Timestamp, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
