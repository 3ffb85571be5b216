package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/corvidae/knograph/internal/gateway"
	"github.com/corvidae/knograph/internal/graph"
	"github.com/corvidae/knograph/internal/queue"
	"github.com/corvidae/knograph/pkg/types"
)

// IngestTask is the payload of an entity_ingest queue message.
type IngestTask struct {
	EntityID   string           `json:"entity_id"`
	EntityType types.EntityType `json:"entity_type"`
	OwnerScope string           `json:"owner_scope,omitempty"`
	Project    string           `json:"project,omitempty"`
}

// PatternTask is the payload of a pattern_detection queue message: a scope
// hint telling the aggregation pass where fresh summaries landed.
type PatternTask struct {
	OwnerScope string `json:"owner_scope"`
	Project    string `json:"project"`
}

// CoordinatorConfig holds the ingestion coordinator tunables.
type CoordinatorConfig struct {
	// Workers is the number of concurrent item processors per batch.
	Workers int

	// LeaseBatchSize is the number of messages leased per poll.
	LeaseBatchSize int

	// VisibilityTimeout is how long a leased message stays hidden before
	// redelivery.
	VisibilityTimeout time.Duration

	// MaxAttempts is the delivery count after which an item is
	// dead-lettered instead of retried.
	MaxAttempts int
}

// Validate applies defaults.
func (c *CoordinatorConfig) Validate() error {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.LeaseBatchSize <= 0 {
		c.LeaseBatchSize = 20
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 10 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return nil
}

// CoordinatorResult reports what one batch did. An empty queue yields a
// zero-count success.
type CoordinatorResult struct {
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// Coordinator drives summary derivation from the work queue. It leases
// ingestion tasks, derives summaries through the Summarizer, and routes
// failures: transient errors leave the lease to expire for redelivery,
// validation errors and exhausted retries go to the dead-letter queue.
//
// Multiple coordinator instances can run against the same queue without
// coordination — leasing keeps them from double-leasing, and the engine's
// natural-key merges make occasional duplicate delivery harmless.
type Coordinator struct {
	q          queue.Queue
	store      graph.Store
	summarizer *Summarizer
	patterns   *Patterns
	cfg        CoordinatorConfig
}

// NewCoordinator creates a coordinator. The patterns engine may be nil when
// the instance only serves the ingest queue.
func NewCoordinator(q queue.Queue, store graph.Store, summarizer *Summarizer, patterns *Patterns, cfg CoordinatorConfig) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("coordinator config: %w", err)
	}
	return &Coordinator{q: q, store: store, summarizer: summarizer, patterns: patterns, cfg: cfg}, nil
}

// ProcessIngestBatch leases and processes one batch from the ingest queue.
// One bad item never aborts the batch. After the batch, pattern-detection
// work is enqueued for every scope the batch touched.
func (c *Coordinator) ProcessIngestBatch(ctx context.Context) (*CoordinatorResult, error) {
	result := &CoordinatorResult{}

	msgs, err := c.q.Lease(ctx, queue.QueueIngest, c.cfg.VisibilityTimeout, c.cfg.LeaseBatchSize)
	if err != nil {
		return result, fmt.Errorf("lease ingest batch: %w", err)
	}
	if len(msgs) == 0 {
		return result, nil
	}

	batchID := fmt.Sprintf("batch-%d", time.Now().UnixNano())

	var mu sync.Mutex
	touched := make(map[PatternTask]bool)

	work := make(chan queue.Message)
	var wg sync.WaitGroup

	for w := 0; w < c.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range work {
				scope, err := c.processIngestMessage(ctx, msg, batchID)

				mu.Lock()
				if err != nil {
					result.Failed++
					result.Errors = append(result.Errors, err.Error())
				} else {
					result.Processed++
					if scope != nil {
						touched[*scope] = true
					}
				}
				mu.Unlock()
			}
		}()
	}

	for _, msg := range msgs {
		work <- msg
	}
	close(work)
	wg.Wait()

	// Scope hints for the aggregation pass. Best effort — a lost hint only
	// delays pattern detection until the next scheduled full pass.
	for scope := range touched {
		payload, err := json.Marshal(scope)
		if err != nil {
			continue
		}
		if _, err := c.q.Send(ctx, queue.QueuePatternDetection, payload); err != nil {
			log.Printf("WARNING: failed to enqueue pattern work for scope %s/%s: %v", scope.OwnerScope, scope.Project, err)
		}
	}

	return result, nil
}

// processIngestMessage handles one leased message. Returning nil error means
// the message was settled (acked or dead-lettered after a validation
// failure); a non-nil error means the lease is left to expire for retry.
func (c *Coordinator) processIngestMessage(ctx context.Context, msg queue.Message, batchID string) (*PatternTask, error) {
	var task IngestTask
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		c.deadLetter(ctx, queue.QueueIngest, msg, fmt.Sprintf("malformed payload: %v", err))
		return nil, nil
	}
	if task.EntityID == "" || !task.EntityType.Valid() {
		c.deadLetter(ctx, queue.QueueIngest, msg, "payload missing entity id or type")
		return nil, nil
	}

	if msg.ReadCount > c.cfg.MaxAttempts {
		c.deadLetter(ctx, queue.QueueIngest, msg, fmt.Sprintf("exceeded %d attempts", c.cfg.MaxAttempts))
		return nil, nil
	}

	entity, err := c.store.GetEntity(ctx, types.EntityRef{ID: task.EntityID, Type: task.EntityType})
	if errors.Is(err, graph.ErrNotFound) {
		// The entity write may simply not have landed yet; retry via lease
		// expiry until attempts run out.
		return nil, fmt.Errorf("entity %s/%s not found", task.EntityType, task.EntityID)
	}
	if err != nil {
		return nil, fmt.Errorf("load entity %s: %w", task.EntityID, err)
	}

	_, _, err = c.summarizer.DeriveSummary(ctx, entity, batchID)
	if err != nil {
		// Validation failures cannot succeed on retry; everything else is
		// treated as transient.
		if errors.Is(err, graph.ErrInvalidInput) || errors.Is(err, gateway.ErrDimensionMismatch) {
			c.deadLetter(ctx, queue.QueueIngest, msg, fmt.Sprintf("derive summary: %v", err))
			return nil, nil
		}
		return nil, fmt.Errorf("derive summary for %s: %w", task.EntityID, err)
	}

	if err := c.q.Ack(ctx, queue.QueueIngest, msg.ID); err != nil {
		// The summary merge already landed; redelivery will be a no-op
		// merge, so log and move on.
		log.Printf("WARNING: failed to ack message %d: %v", msg.ID, err)
	}

	return &PatternTask{OwnerScope: entity.OwnerScope, Project: entity.Project}, nil
}

// ProcessPatternBatch leases scope hints from the pattern queue and runs an
// aggregation pass per scope. Requires a patterns engine.
func (c *Coordinator) ProcessPatternBatch(ctx context.Context) (*CoordinatorResult, error) {
	result := &CoordinatorResult{}
	if c.patterns == nil {
		return result, fmt.Errorf("coordinator has no pattern engine")
	}

	msgs, err := c.q.Lease(ctx, queue.QueuePatternDetection, c.cfg.VisibilityTimeout, c.cfg.LeaseBatchSize)
	if err != nil {
		return result, fmt.Errorf("lease pattern batch: %w", err)
	}

	// Identical hints pile up when many entities of one scope land in a
	// burst; run each distinct scope once and settle all its messages.
	byScope := make(map[PatternTask][]int64)
	for _, msg := range msgs {
		var task PatternTask
		if err := json.Unmarshal(msg.Payload, &task); err != nil {
			c.deadLetter(ctx, queue.QueuePatternDetection, msg, fmt.Sprintf("malformed payload: %v", err))
			continue
		}
		if msg.ReadCount > c.cfg.MaxAttempts {
			c.deadLetter(ctx, queue.QueuePatternDetection, msg, fmt.Sprintf("exceeded %d attempts", c.cfg.MaxAttempts))
			continue
		}
		byScope[task] = append(byScope[task], msg.ID)
	}

	for scope, ids := range byScope {
		if _, err := c.patterns.DetectPatterns(ctx, scope.OwnerScope, scope.Project); err != nil {
			result.Failed += len(ids)
			result.Errors = append(result.Errors, fmt.Sprintf("scope %s/%s: %v", scope.OwnerScope, scope.Project, err))
			continue
		}
		if err := c.q.Ack(ctx, queue.QueuePatternDetection, ids...); err != nil {
			log.Printf("WARNING: failed to ack pattern messages: %v", err)
		}
		result.Processed += len(ids)
	}

	return result, nil
}

// deadLetter routes a message to the dead-letter queue, logging on failure.
// A message that cannot be dead-lettered stays leased and retries.
func (c *Coordinator) deadLetter(ctx context.Context, queueName string, msg queue.Message, reason string) {
	log.Printf("WARNING: dead-lettering message %d: %s", msg.ID, reason)
	if err := c.q.DeadLetter(ctx, queueName, msg, reason); err != nil {
		log.Printf("ERROR: failed to dead-letter message %d: %v", msg.ID, err)
	}
}
