package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// sqliteSchema creates the work queue table. Timestamps are stored as unix
// epoch seconds so visibility comparisons stay integer-only.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS work_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    queue TEXT NOT NULL,
    payload BLOB NOT NULL,
    read_ct INTEGER NOT NULL DEFAULT 0,
    enqueued_at INTEGER NOT NULL,
    visible_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_work_queue_lease ON work_queue (queue, visible_at, id);
`

// SQLiteQueue implements Queue on SQLite for local single-node deployments.
// SQLite serializes writers, so a lease is a plain transaction: select the
// visible ids, then bump their visibility in the same transaction.
type SQLiteQueue struct {
	db *sql.DB
}

// NewSQLiteQueue creates a queue backed by the given database, applying the
// queue schema if needed. The *sql.DB is shared with the graph store and not
// closed by this queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("sqlite queue: failed to apply schema: %w", err)
	}
	return &SQLiteQueue{db: db}, nil
}

// Send enqueues a message, immediately visible.
func (q *SQLiteQueue) Send(ctx context.Context, queue string, payload []byte) (int64, error) {
	now := time.Now().Unix()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO work_queue (queue, payload, enqueued_at, visible_at) VALUES (?, ?, ?, ?)`,
		queue, payload, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite queue: failed to send: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite queue: failed to get message id: %w", err)
	}
	return id, nil
}

// Lease returns up to n visible messages and hides them for the visibility
// duration.
func (q *SQLiteQueue) Lease(ctx context.Context, queue string, visibility time.Duration, n int) ([]Message, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite queue: failed to begin lease tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, payload, read_ct, enqueued_at
		FROM work_queue
		WHERE queue = ? AND visible_at <= ?
		ORDER BY id
		LIMIT ?
	`, queue, now.Unix(), n)
	if err != nil {
		return nil, fmt.Errorf("sqlite queue: failed to select visible messages: %w", err)
	}

	var messages []Message
	var ids []interface{}
	for rows.Next() {
		var msg Message
		var enqueued int64
		if err := rows.Scan(&msg.ID, &msg.Payload, &msg.ReadCount, &enqueued); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite queue: failed to scan message: %w", err)
		}
		msg.ReadCount++ // reflect the lease being taken now
		msg.EnqueuedAt = time.Unix(enqueued, 0)
		messages = append(messages, msg)
		ids = append(ids, msg.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("sqlite queue: lease iteration failed: %w", err)
	}
	rows.Close()

	if len(messages) == 0 {
		return nil, tx.Commit()
	}

	args := append([]interface{}{now.Add(visibility).Unix()}, ids...)
	query := fmt.Sprintf(
		`UPDATE work_queue SET visible_at = ?, read_ct = read_ct + 1 WHERE id IN (%s)`,
		placeholders(len(ids)),
	)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("sqlite queue: failed to mark messages leased: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite queue: failed to commit lease: %w", err)
	}

	return messages, nil
}

// Ack deletes leased messages by id.
func (q *SQLiteQueue) Ack(ctx context.Context, queue string, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, queue)
	for _, id := range ids {
		args = append(args, id)
	}

	query := fmt.Sprintf(
		`DELETE FROM work_queue WHERE queue = ? AND id IN (%s)`,
		placeholders(len(ids)),
	)
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite queue: failed to ack: %w", err)
	}

	return nil
}

// DeadLetter moves a message to the queue's dead-letter queue and
// acknowledges the original, atomically.
func (q *SQLiteQueue) DeadLetter(ctx context.Context, queue string, msg Message, reason string) error {
	payload, err := json.Marshal(deadLetterEnvelope{
		Queue:     queue,
		MessageID: msg.ID,
		Payload:   msg.Payload,
		Reason:    reason,
		ReadCount: msg.ReadCount,
	})
	if err != nil {
		return fmt.Errorf("sqlite queue: failed to marshal dead letter: %w", err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite queue: failed to begin dead-letter tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO work_queue (queue, payload, enqueued_at, visible_at) VALUES (?, ?, ?, ?)`,
		queue+DeadLetterSuffix, payload, now, now,
	); err != nil {
		return fmt.Errorf("sqlite queue: failed to insert dead letter: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM work_queue WHERE queue = ? AND id = ?`,
		queue, msg.ID,
	); err != nil {
		return fmt.Errorf("sqlite queue: failed to delete dead-lettered message: %w", err)
	}

	return tx.Commit()
}

// Depth returns the number of messages in the queue, visible or leased.
func (q *SQLiteQueue) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_queue WHERE queue = ?`, queue,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite queue: failed to get depth: %w", err)
	}
	return n, nil
}

// Close is a no-op; the database connection is owned by the caller.
func (q *SQLiteQueue) Close() error {
	return nil
}

// placeholders builds a "?, ?, ?" list of the given length.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
