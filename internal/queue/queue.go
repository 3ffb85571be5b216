// Package queue provides the lease-based work queue consumed by the
// ingestion coordinator.
//
// Delivery is at-least-once: a leased message becomes invisible for the
// visibility timeout and reappears automatically when the consumer fails to
// Ack in time. Nothing in this package deduplicates — duplicate tolerance is
// pushed into the idempotent merge semantics of the derivation engine.
package queue

import (
	"context"
	"errors"
	"time"
)

// Queue names used by the derivation pipeline.
const (
	// QueueIngest carries entity ingestion work for the coordinator.
	QueueIngest = "entity_ingest"

	// QueuePatternDetection carries scope hints for pattern aggregation
	// runs.
	QueuePatternDetection = "pattern_detection"
)

// DeadLetterSuffix is appended to a queue name to form its dead-letter
// queue.
const DeadLetterSuffix = "_dlq"

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue is closed")

// Message is a leased work item.
type Message struct {
	// ID is the broker-assigned message identity used for acknowledgement.
	ID int64

	// Payload is the opaque message body (JSON by convention).
	Payload []byte

	// ReadCount is the number of times this message has been leased,
	// including the current lease. A message seen more than MaxAttempts
	// times is a dead-letter candidate.
	ReadCount int

	// EnqueuedAt is when the message was first sent.
	EnqueuedAt time.Time
}

// Queue is a lease-based, at-least-once work queue.
type Queue interface {
	// Send enqueues a message, immediately visible.
	Send(ctx context.Context, queue string, payload []byte) (int64, error)

	// Lease returns up to n visible messages from the queue and hides
	// them for the visibility duration. An empty result is not an error.
	Lease(ctx context.Context, queue string, visibility time.Duration, n int) ([]Message, error)

	// Ack deletes leased messages. Acking an already-expired (redelivered)
	// message is a no-op, not an error.
	Ack(ctx context.Context, queue string, ids ...int64) error

	// DeadLetter moves a leased message to the queue's dead-letter queue
	// and acknowledges the original.
	DeadLetter(ctx context.Context, queue string, msg Message, reason string) error

	// Depth returns the number of messages currently in the queue,
	// visible or leased.
	Depth(ctx context.Context, queue string) (int, error)

	// Close releases any resources held by the queue.
	Close() error
}
