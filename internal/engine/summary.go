package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/corvidae/knograph/internal/gateway"
	"github.com/corvidae/knograph/internal/graph"
	"github.com/corvidae/knograph/pkg/types"
)

// Summarizer derives entity summaries: one node per entity carrying its
// embedding, keyword frequencies and activity signals. Derivation is
// idempotent — reprocessing an entity updates its existing summary in place
// through the store's natural-key merge.
type Summarizer struct {
	store    graph.Store
	embedder gateway.Embedder
}

// NewSummarizer creates a summarizer. The embedder may be nil, in which case
// entities must already carry a stored embedding; deriving a summary for an
// embedding-less entity is rejected rather than producing a summary that can
// never participate in similarity search.
func NewSummarizer(store graph.Store, embedder gateway.Embedder) *Summarizer {
	return &Summarizer{store: store, embedder: embedder}
}

// DeriveSummary derives (or refreshes) the summary for one entity. When the
// entity has no embedding and an embedder is configured, the embedding is
// computed and backfilled onto the entity before the summary is merged.
// Returns the stored summary and whether it was newly created.
func (s *Summarizer) DeriveSummary(ctx context.Context, entity *types.Entity, batchID string) (*types.EntitySummary, bool, error) {
	if entity == nil {
		return nil, false, graph.ErrInvalidInput
	}
	if entity.ID == "" || !entity.Type.Valid() {
		return nil, false, fmt.Errorf("%w: entity requires id and a valid type", graph.ErrInvalidInput)
	}
	if entity.Content == "" {
		return nil, false, fmt.Errorf("%w: entity %s has no content", graph.ErrInvalidInput, entity.ID)
	}

	embedding := entity.Embedding
	if len(embedding) == 0 {
		if s.embedder == nil {
			return nil, false, fmt.Errorf("%w: entity %s has no embedding and no embedder is configured", graph.ErrInvalidInput, entity.ID)
		}

		var err error
		embedding, err = s.embedder.Embed(ctx, entity.Content)
		if err != nil {
			return nil, false, fmt.Errorf("embed entity %s: %w", entity.ID, err)
		}

		// Backfill so later passes and similarity queries see the vector.
		// The summary still carries the embedding if this write fails.
		if err := s.store.SetEntityEmbedding(ctx, entity.Ref(), embedding); err != nil {
			log.Printf("WARNING: failed to backfill embedding for entity %s: %v", entity.ID, err)
		}
	}

	freqs := ExtractKeywordFrequencies(entity.Content)
	now := time.Now()

	summary := &types.EntitySummary{
		ID:                 uuid.NewString(),
		EntityID:           entity.ID,
		EntityType:         entity.Type,
		OwnerScope:         entity.OwnerScope,
		Project:            entity.Project,
		Embedding:          embedding,
		KeywordFrequencies: freqs,
		Signals:            DeriveSignals(entity.Content, freqs),
		CreatedAt:          now,
		UpdatedAt:          now,
		ProcessedAt:        now,
		BatchID:            batchID,
	}

	return s.store.MergeSummary(ctx, summary)
}

// SummarizeMissing derives summaries for up to limit entities that have
// content and an embedding but no summary yet, oldest first. Returns the
// number summarized; per-entity failures are logged and skipped so one bad
// entity cannot stall the backlog.
func (s *Summarizer) SummarizeMissing(ctx context.Context, entityType types.EntityType, ownerScope string, limit int, batchID string) (int, error) {
	entities, err := s.store.ListEntitiesWithoutSummary(ctx, entityType, ownerScope, limit)
	if err != nil {
		return 0, fmt.Errorf("list entities without summary: %w", err)
	}

	processed := 0
	for i := range entities {
		if _, _, err := s.DeriveSummary(ctx, &entities[i], batchID); err != nil {
			log.Printf("WARNING: failed to summarize entity %s: %v", entities[i].ID, err)
			continue
		}
		processed++
	}

	return processed, nil
}
