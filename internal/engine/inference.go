package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/corvidae/knograph/internal/graph"
	"github.com/corvidae/knograph/pkg/types"
)

// InferenceConfig holds the relationship inference tunables.
type InferenceConfig struct {
	// MinSimilarity is the cosine threshold for semantic detection.
	MinSimilarity float64

	// TopK bounds the semantic candidates considered per memory.
	TopK int

	// BatchSize is the memory summary page size per pass.
	BatchSize int

	// MaxRelationshipsPerEntity caps outgoing tracked edges per entity.
	MaxRelationshipsPerEntity int

	// LookupLimit bounds code entity matches per extracted reference.
	LookupLimit int
}

// Validate applies defaults and checks ranges.
func (c *InferenceConfig) Validate() error {
	if c.MinSimilarity < -1 || c.MinSimilarity > 1 {
		return fmt.Errorf("min similarity must be in [-1, 1], got %v", c.MinSimilarity)
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxRelationshipsPerEntity <= 0 {
		c.MaxRelationshipsPerEntity = 25
	}
	if c.LookupLimit <= 0 {
		c.LookupLimit = 5
	}
	return nil
}

// InferenceResult reports what one inference pass did.
type InferenceResult struct {
	MemoriesProcessed int `json:"memories_processed"`
	PairsCreated      int `json:"pairs_created"`
	PairsRefreshed    int `json:"pairs_refreshed"`
	SkippedFanOut     int `json:"skipped_fan_out"`
}

// Inference discovers memory<->code relationships by combining semantic
// similarity between summary embeddings with lexical matching of code
// identifiers and file paths mentioned in memory content. Every detection
// writes a bidirectional pair: the memory "references" the code entity and
// the code entity is "discussed in" the memory.
type Inference struct {
	store graph.Store
	cfg   InferenceConfig
}

// NewInference creates an inference engine.
func NewInference(store graph.Store, cfg InferenceConfig) (*Inference, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("inference config: %w", err)
	}
	return &Inference{store: store, cfg: cfg}, nil
}

// InferRelationships runs one full inference pass over the memory summaries
// in the given scope. The pass pages through summaries oldest batch first
// and is safe to re-run: existing edges are refreshed, not duplicated, and
// the fan-out cap is enforced per endpoint.
func (e *Inference) InferRelationships(ctx context.Context, ownerScope, project string) (*InferenceResult, error) {
	result := &InferenceResult{}

	for offset := 0; ; offset += e.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		memories, err := e.store.ListSummaries(ctx, graph.SummaryFilter{
			EntityType:       types.EntityTypeMemory,
			OwnerScope:       ownerScope,
			Project:          project,
			RequireEmbedding: true,
			Limit:            e.cfg.BatchSize,
			Offset:           offset,
		})
		if err != nil {
			return result, fmt.Errorf("list memory summaries: %w", err)
		}
		if len(memories) == 0 {
			break
		}

		for i := range memories {
			if err := e.inferForMemory(ctx, &memories[i], result); err != nil {
				log.Printf("WARNING: inference failed for memory %s: %v", memories[i].EntityID, err)
				continue
			}
			result.MemoriesProcessed++
		}

		if len(memories) < e.cfg.BatchSize {
			break
		}
	}

	return result, nil
}

// inferForMemory applies both detection strategies to one memory summary.
func (e *Inference) inferForMemory(ctx context.Context, mem *types.EntitySummary, result *InferenceResult) error {
	memRef := mem.EntityRef()

	// Semantic detection: nearest code summaries above the threshold.
	matches, err := e.store.SimilarSummaries(ctx, graph.SimilarityQuery{
		Embedding:     mem.Embedding,
		EntityType:    types.EntityTypeCode,
		OwnerScope:    mem.OwnerScope,
		Project:       mem.Project,
		MinSimilarity: e.cfg.MinSimilarity,
		TopK:          e.cfg.TopK,
		Exclude:       memRef,
	})
	if err != nil {
		return fmt.Errorf("similarity query: %w", err)
	}

	for _, match := range matches {
		e.linkPair(ctx, memRef, match.Summary.EntityRef(), match.Similarity, types.DetectionSemantic, "", result)
	}

	// Lexical detection: code identifiers and paths mentioned in the text.
	entity, err := e.store.GetEntity(ctx, memRef)
	if errors.Is(err, graph.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get memory entity: %w", err)
	}

	refs := ExtractCodeReferences(entity.Content)
	if len(refs) > 0 && !entity.HasCodeReferences {
		entity.HasCodeReferences = true
		if err := e.store.UpsertEntity(ctx, entity); err != nil {
			log.Printf("WARNING: failed to annotate entity %s: %v", entity.ID, err)
		}
	}

	for _, ref := range refs {
		if ref.Confidence < minReferenceConfidence {
			continue
		}

		codeEntities, err := e.store.FindCodeEntitiesByName(ctx, mem.Project, ref.Name, e.cfg.LookupLimit)
		if err != nil {
			log.Printf("WARNING: code lookup for %q failed: %v", ref.Name, err)
			continue
		}

		for i := range codeEntities {
			e.linkPair(ctx, memRef, codeEntities[i].Ref(), ref.Confidence, ref.Method, ref.Name, result)
		}
	}

	return nil
}

// linkPair writes the bidirectional edge pair for one detection, updating
// the pass counters. Fan-out rejections are expected near the cap and are
// counted rather than treated as errors.
func (e *Inference) linkPair(ctx context.Context, memRef, codeRef types.EntityRef, similarity float64, method types.DetectionMethod, matchedName string, result *InferenceResult) {
	exists, err := e.store.RelationshipExists(ctx, memRef, codeRef, types.RelReferences, method)
	if err != nil {
		log.Printf("WARNING: relationship existence check failed: %v", err)
		return
	}

	now := time.Now()
	forward := &types.Relationship{
		From:            memRef,
		To:              codeRef,
		RelType:         types.RelReferences,
		Similarity:      similarity,
		DetectionMethod: method,
		MatchedName:     matchedName,
		DetectedAt:      now,
	}
	backward := &types.Relationship{
		From:            codeRef,
		To:              memRef,
		RelType:         types.RelDiscussedIn,
		Similarity:      similarity,
		DetectionMethod: method,
		MatchedName:     matchedName,
		DetectedAt:      now,
	}

	err = e.store.CreateRelationshipPair(ctx, forward, backward, e.cfg.MaxRelationshipsPerEntity)
	if errors.Is(err, graph.ErrFanOutExceeded) {
		result.SkippedFanOut++
		return
	}
	if err != nil {
		log.Printf("WARNING: failed to create relationship pair %s -> %s: %v", memRef.ID, codeRef.ID, err)
		return
	}

	if exists {
		result.PairsRefreshed++
	} else {
		result.PairsCreated++
	}
}
