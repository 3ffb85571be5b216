package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// postgresSchema creates the work queue table. All statements are idempotent.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS work_queue (
    id BIGSERIAL PRIMARY KEY,
    queue TEXT NOT NULL,
    payload BYTEA NOT NULL,
    read_ct INTEGER NOT NULL DEFAULT 0,
    enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    visible_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_work_queue_lease ON work_queue (queue, visible_at, id);
`

// PostgresQueue implements Queue on PostgreSQL. Leasing uses
// FOR UPDATE SKIP LOCKED so overlapping workers never double-lease a visible
// message, and redelivery is driven purely by the visible_at timestamp — an
// expired lease needs no reaper process.
type PostgresQueue struct {
	db *sql.DB
}

// NewPostgresQueue creates a queue backed by the given database, applying
// the queue schema if needed. The *sql.DB is shared with the graph store and
// not closed by this queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, fmt.Errorf("postgres queue: failed to apply schema: %w", err)
	}
	return &PostgresQueue{db: db}, nil
}

// Send enqueues a message, immediately visible.
func (q *PostgresQueue) Send(ctx context.Context, queue string, payload []byte) (int64, error) {
	var id int64
	err := q.db.QueryRowContext(ctx,
		`INSERT INTO work_queue (queue, payload) VALUES ($1, $2) RETURNING id`,
		queue, payload,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres queue: failed to send: %w", err)
	}
	return id, nil
}

// Lease returns up to n visible messages and hides them for the visibility
// duration.
func (q *PostgresQueue) Lease(ctx context.Context, queue string, visibility time.Duration, n int) ([]Message, error) {
	query := `
		WITH leased AS (
			SELECT id
			FROM work_queue
			WHERE queue = $1 AND visible_at <= NOW()
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE work_queue w
		SET visible_at = NOW() + ($3 * INTERVAL '1 second'),
		    read_ct = read_ct + 1
		FROM leased
		WHERE w.id = leased.id
		RETURNING w.id, w.payload, w.read_ct, w.enqueued_at
	`

	rows, err := q.db.QueryContext(ctx, query, queue, n, visibility.Seconds())
	if err != nil {
		return nil, fmt.Errorf("postgres queue: failed to lease: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Payload, &msg.ReadCount, &msg.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("postgres queue: failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres queue: lease iteration failed: %w", err)
	}

	return messages, nil
}

// Ack deletes leased messages by id.
func (q *PostgresQueue) Ack(ctx context.Context, queue string, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := q.db.ExecContext(ctx,
		`DELETE FROM work_queue WHERE queue = $1 AND id = ANY($2)`,
		queue, pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("postgres queue: failed to ack: %w", err)
	}

	return nil
}

// DeadLetter moves a message to the queue's dead-letter queue and
// acknowledges the original, atomically.
func (q *PostgresQueue) DeadLetter(ctx context.Context, queue string, msg Message, reason string) error {
	payload, err := json.Marshal(deadLetterEnvelope{
		Queue:     queue,
		MessageID: msg.ID,
		Payload:   msg.Payload,
		Reason:    reason,
		ReadCount: msg.ReadCount,
	})
	if err != nil {
		return fmt.Errorf("postgres queue: failed to marshal dead letter: %w", err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres queue: failed to begin dead-letter tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO work_queue (queue, payload) VALUES ($1, $2)`,
		queue+DeadLetterSuffix, payload,
	); err != nil {
		return fmt.Errorf("postgres queue: failed to insert dead letter: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM work_queue WHERE queue = $1 AND id = $2`,
		queue, msg.ID,
	); err != nil {
		return fmt.Errorf("postgres queue: failed to delete dead-lettered message: %w", err)
	}

	return tx.Commit()
}

// Depth returns the number of messages in the queue, visible or leased.
func (q *PostgresQueue) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_queue WHERE queue = $1`, queue,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres queue: failed to get depth: %w", err)
	}
	return n, nil
}

// Close is a no-op; the database connection is owned by the caller.
func (q *PostgresQueue) Close() error {
	return nil
}
