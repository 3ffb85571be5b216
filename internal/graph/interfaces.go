// Package graph defines the property-graph storage contract the derivation
// engine is built against.
//
// The contract is deliberately narrow: natural-key upserts ("merge"),
// filtered reads, and top-K cosine-similarity queries. There is no locking
// surface — all concurrency safety comes from merge-by-key semantics, so any
// backend must implement MergeSummary and MergePattern as atomic
// match-or-create operations on the natural key.
package graph

import (
	"context"
	"time"

	"github.com/corvidae/knograph/pkg/types"
)

// SummaryFilter restricts summary reads.
type SummaryFilter struct {
	EntityType types.EntityType // empty = any
	OwnerScope string           // empty = any
	Project    string           // empty = any
	Since      time.Time        // zero = unbounded
	Until      time.Time        // zero = unbounded

	// RequireEmbedding keeps only summaries with a stored embedding.
	RequireEmbedding bool

	// Limit and Offset page through results ordered by recency (newest
	// first). Limit <= 0 means backend default.
	Limit  int
	Offset int
}

// SummaryMatch is a similarity query result.
type SummaryMatch struct {
	Summary    types.EntitySummary
	Similarity float64
}

// SimilarityQuery parameterizes a top-K cosine similarity search over
// summary embeddings.
type SimilarityQuery struct {
	Embedding  []float32
	EntityType types.EntityType // empty = any
	OwnerScope string           // empty = any
	Project    string           // empty = any

	// MinSimilarity drops candidates below the threshold.
	MinSimilarity float64

	// TopK bounds the result count. TopK <= 0 means backend default.
	TopK int

	// Exclude omits the summary for this entity (typically the query's
	// own entity).
	Exclude types.EntityRef
}

// Store is the property-graph store consumed by the derivation engine.
//
// Implementations must make every write below safe under arbitrary
// interleaving of concurrent callers: merges are keyed by natural
// (business) keys and performed atomically, and edge creation re-checks
// existence and fan-out inside the same transaction as the write.
type Store interface {
	// GetEntity retrieves a raw entity by its natural key.
	// Returns ErrNotFound if the entity doesn't exist.
	GetEntity(ctx context.Context, ref types.EntityRef) (*types.Entity, error)

	// UpsertEntity creates or updates a raw entity keyed by (ID, Type).
	// The derivation engine uses this only for test seeding and for
	// annotations (e.g. HasCodeReferences); entities are otherwise owned
	// by the ingestion transport.
	UpsertEntity(ctx context.Context, entity *types.Entity) error

	// SetEntityEmbedding stores a backfilled embedding on a raw entity.
	SetEntityEmbedding(ctx context.Context, ref types.EntityRef, embedding []float32) error

	// ListEntitiesWithoutSummary returns entities that have content and an
	// embedding but no summary yet, ordered oldest first.
	ListEntitiesWithoutSummary(ctx context.Context, entityType types.EntityType, ownerScope string, limit int) ([]types.Entity, error)

	// FindCodeEntitiesByName returns code entities in the project whose
	// name equals or contains name, up to limit.
	FindCodeEntitiesByName(ctx context.Context, project, name string, limit int) ([]types.Entity, error)

	// MergeSummary upserts a summary by its (EntityID, EntityType) natural
	// key and ensures the summary↔entity linkage exists in both
	// directions. On create all fields are set from s and a fresh identity
	// is assigned; on match the derived fields (keyword frequencies,
	// signals, embedding, batch id) and the UpdatedAt/ProcessedAt
	// timestamps are updated in place. Returns the stored summary and
	// whether it was created.
	MergeSummary(ctx context.Context, s *types.EntitySummary) (*types.EntitySummary, bool, error)

	// GetSummary retrieves the summary for an entity.
	// Returns ErrNotFound if no summary exists.
	GetSummary(ctx context.Context, ref types.EntityRef) (*types.EntitySummary, error)

	// CountSummaries returns the number of summaries for an entity. Always
	// 0 or 1 when the natural-key invariant holds; exposed so tests and
	// admin tooling can verify it.
	CountSummaries(ctx context.Context, ref types.EntityRef) (int, error)

	// ListSummaries returns summaries matching the filter, newest first.
	ListSummaries(ctx context.Context, filter SummaryFilter) ([]types.EntitySummary, error)

	// SimilarSummaries returns the top-K summaries by cosine similarity to
	// the query embedding, descending, with first-seen insertion order
	// breaking ties.
	SimilarSummaries(ctx context.Context, q SimilarityQuery) ([]SummaryMatch, error)

	// RelationshipExists reports whether an edge with the given type and
	// detection method already exists for the ordered pair.
	RelationshipExists(ctx context.Context, from, to types.EntityRef, relType string, method types.DetectionMethod) (bool, error)

	// CountOutgoingRelationships returns the entity's outgoing tracked
	// edge count (references + discussed_in).
	CountOutgoingRelationships(ctx context.Context, ref types.EntityRef) (int, error)

	// CreateRelationshipPair atomically creates (or refreshes) a
	// forward/backward edge pair. Fan-out for both endpoints is re-checked
	// against maxPerEntity inside the same transaction; ErrFanOutExceeded
	// is returned and nothing is written when either side is at the cap.
	CreateRelationshipPair(ctx context.Context, forward, backward *types.Relationship, maxPerEntity int) error

	// MergePattern upserts a pattern by its natural key. On create all
	// fields are set from p; on match frequency accumulates
	// (existing + p.Frequency), confidence takes max(existing,
	// p.Confidence), LastValidated/LastUpdated are refreshed and
	// FirstDetected is left untouched. Returns the stored pattern and
	// whether it was created.
	MergePattern(ctx context.Context, p *types.Pattern) (*types.Pattern, bool, error)

	// GetPattern retrieves a pattern by natural key.
	// Returns ErrNotFound if no pattern exists.
	GetPattern(ctx context.Context, key types.PatternKey) (*types.Pattern, error)

	// LinkPatternEvidence idempotently records FOUND_IN edges from the
	// pattern to the given summaries and DERIVED_FROM edges to the
	// entities those summaries describe. Returns the number of new edges.
	LinkPatternEvidence(ctx context.Context, key types.PatternKey, summaryIDs []string) (int, error)

	// Close releases any resources held by the store.
	Close() error
}
