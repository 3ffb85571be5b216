package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue implementation. It backs unit tests and
// single-process local mode; the visibility-timeout semantics match the SQL
// implementations so coordinator behavior is identical across backends.
type MemoryQueue struct {
	mu     sync.Mutex
	nextID int64
	queues map[string][]*memoryMessage
	closed bool
}

type memoryMessage struct {
	id         int64
	payload    []byte
	readCount  int
	enqueuedAt time.Time
	visibleAt  time.Time
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{queues: make(map[string][]*memoryMessage)}
}

// Send enqueues a message, immediately visible.
func (q *MemoryQueue) Send(ctx context.Context, queue string, payload []byte) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}

	q.nextID++
	msg := &memoryMessage{
		id:         q.nextID,
		payload:    append([]byte(nil), payload...),
		enqueuedAt: time.Now(),
		visibleAt:  time.Now(),
	}
	q.queues[queue] = append(q.queues[queue], msg)

	return msg.id, nil
}

// Lease returns up to n visible messages and hides them for the visibility
// duration.
func (q *MemoryQueue) Lease(ctx context.Context, queue string, visibility time.Duration, n int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	now := time.Now()
	var leased []Message

	for _, msg := range q.queues[queue] {
		if len(leased) >= n {
			break
		}
		if msg.visibleAt.After(now) {
			continue
		}

		msg.visibleAt = now.Add(visibility)
		msg.readCount++

		leased = append(leased, Message{
			ID:         msg.id,
			Payload:    append([]byte(nil), msg.payload...),
			ReadCount:  msg.readCount,
			EnqueuedAt: msg.enqueuedAt,
		})
	}

	return leased, nil
}

// Ack deletes leased messages by id.
func (q *MemoryQueue) Ack(ctx context.Context, queue string, ids ...int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	acked := make(map[int64]bool, len(ids))
	for _, id := range ids {
		acked[id] = true
	}

	msgs := q.queues[queue]
	kept := msgs[:0]
	for _, msg := range msgs {
		if !acked[msg.id] {
			kept = append(kept, msg)
		}
	}
	q.queues[queue] = kept

	return nil
}

// DeadLetter moves a message to the queue's dead-letter queue.
func (q *MemoryQueue) DeadLetter(ctx context.Context, queue string, msg Message, reason string) error {
	payload, err := json.Marshal(deadLetterEnvelope{
		Queue:     queue,
		MessageID: msg.ID,
		Payload:   msg.Payload,
		Reason:    reason,
		ReadCount: msg.ReadCount,
	})
	if err != nil {
		return err
	}

	if _, err := q.Send(ctx, queue+DeadLetterSuffix, payload); err != nil {
		return err
	}

	return q.Ack(ctx, queue, msg.ID)
}

// Depth returns the number of messages in the queue, visible or leased.
func (q *MemoryQueue) Depth(ctx context.Context, queue string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}

	return len(q.queues[queue]), nil
}

// Close marks the queue closed. Subsequent operations return ErrClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// deadLetterEnvelope wraps a dead-lettered message with its failure context.
type deadLetterEnvelope struct {
	Queue     string          `json:"queue"`
	MessageID int64           `json:"message_id"`
	Payload   json.RawMessage `json:"payload"`
	Reason    string          `json:"reason"`
	ReadCount int             `json:"read_count"`
}
