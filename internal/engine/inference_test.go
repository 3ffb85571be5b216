package engine

import (
	"context"
	"testing"
	"time"

	"github.com/corvidae/knograph/pkg/types"
)

// seedSummary stores a summary directly, bypassing derivation.
func seedSummary(t *testing.T, store *mockStore, id string, typ types.EntityType, scope, project string, embedding []float32) *types.EntitySummary {
	t.Helper()
	sum, _, err := store.MergeSummary(context.Background(), &types.EntitySummary{
		ID:         "sum-" + id,
		EntityID:   id,
		EntityType: typ,
		OwnerScope: scope,
		Project:    project,
		Embedding:  embedding,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("seed summary %s: %v", id, err)
	}
	return sum
}

func newTestInference(t *testing.T, store *mockStore, maxPerEntity int) *Inference {
	t.Helper()
	inf, err := NewInference(store, InferenceConfig{
		MinSimilarity:             0.7,
		TopK:                      5,
		BatchSize:                 10,
		MaxRelationshipsPerEntity: maxPerEntity,
	})
	if err != nil {
		t.Fatalf("new inference: %v", err)
	}
	return inf
}

func TestInferRelationships_SemanticPair(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()

	store.seedEntity("mem-1", types.EntityTypeMemory, "user-1", "webapp",
		"worked on the payment flow", []float32{1, 0, 0})
	store.seedEntity("code-1", types.EntityTypeCode, "user-1", "webapp",
		"func charge() {}", []float32{1, 0, 0})

	seedSummary(t, store, "mem-1", types.EntityTypeMemory, "user-1", "webapp", []float32{1, 0, 0})
	seedSummary(t, store, "code-1", types.EntityTypeCode, "user-1", "webapp", []float32{0.9, 0.1, 0})

	inf := newTestInference(t, store, 25)
	res, err := inf.InferRelationships(ctx, "user-1", "webapp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.MemoriesProcessed != 1 {
		t.Errorf("expected 1 memory processed, got %d", res.MemoriesProcessed)
	}
	if res.PairsCreated != 1 {
		t.Errorf("expected 1 pair created, got %d", res.PairsCreated)
	}

	memRef := types.EntityRef{ID: "mem-1", Type: types.EntityTypeMemory}
	codeRef := types.EntityRef{ID: "code-1", Type: types.EntityTypeCode}

	fwd, err := store.RelationshipExists(ctx, memRef, codeRef, types.RelReferences, types.DetectionSemantic)
	if err != nil || !fwd {
		t.Errorf("expected forward references edge, exists=%v err=%v", fwd, err)
	}
	bwd, err := store.RelationshipExists(ctx, codeRef, memRef, types.RelDiscussedIn, types.DetectionSemantic)
	if err != nil || !bwd {
		t.Errorf("expected backward discussed_in edge, exists=%v err=%v", bwd, err)
	}
}

func TestInferRelationships_BelowThresholdIgnored(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()

	store.seedEntity("mem-1", types.EntityTypeMemory, "user-1", "webapp",
		"nothing in common", []float32{1, 0, 0})
	seedSummary(t, store, "mem-1", types.EntityTypeMemory, "user-1", "webapp", []float32{1, 0, 0})
	// Orthogonal embedding: similarity 0.
	seedSummary(t, store, "code-1", types.EntityTypeCode, "user-1", "webapp", []float32{0, 1, 0})

	inf := newTestInference(t, store, 25)
	res, err := inf.InferRelationships(ctx, "user-1", "webapp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PairsCreated != 0 {
		t.Errorf("expected no pairs below threshold, got %d", res.PairsCreated)
	}
}

func TestInferRelationships_RerunRefreshes(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()

	store.seedEntity("mem-1", types.EntityTypeMemory, "user-1", "webapp",
		"payment flow notes", []float32{1, 0, 0})
	seedSummary(t, store, "mem-1", types.EntityTypeMemory, "user-1", "webapp", []float32{1, 0, 0})
	seedSummary(t, store, "code-1", types.EntityTypeCode, "user-1", "webapp", []float32{1, 0, 0})

	inf := newTestInference(t, store, 25)
	first, err := inf.InferRelationships(ctx, "user-1", "webapp")
	if err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	if first.PairsCreated != 1 || first.PairsRefreshed != 0 {
		t.Fatalf("first pass: created=%d refreshed=%d", first.PairsCreated, first.PairsRefreshed)
	}

	second, err := inf.InferRelationships(ctx, "user-1", "webapp")
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if second.PairsCreated != 0 || second.PairsRefreshed != 1 {
		t.Errorf("second pass must refresh, not duplicate: created=%d refreshed=%d",
			second.PairsCreated, second.PairsRefreshed)
	}

	if len(store.rels) != 2 {
		t.Errorf("expected exactly one edge pair after rerun, got %d edges", len(store.rels))
	}
}

func TestInferRelationships_LexicalMatch(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()

	mem := store.seedEntity("mem-1", types.EntityTypeMemory, "user-1", "webapp",
		"fixed a bug in the AuthService today", []float32{1, 0, 0})
	code := store.seedEntity("code-1", types.EntityTypeCode, "user-1", "webapp",
		"type AuthService struct {}", []float32{0, 1, 0})
	code.Name = "AuthService"
	_ = store.UpsertEntity(ctx, code)

	seedSummary(t, store, "mem-1", types.EntityTypeMemory, "user-1", "webapp", []float32{1, 0, 0})

	inf := newTestInference(t, store, 25)
	res, err := inf.InferRelationships(ctx, "user-1", "webapp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PairsCreated != 1 {
		t.Fatalf("expected 1 lexical pair, got %d", res.PairsCreated)
	}

	exists, err := store.RelationshipExists(ctx, mem.Ref(), code.Ref(), types.RelReferences, types.DetectionKeyword)
	if err != nil || !exists {
		t.Errorf("expected keyword_match edge, exists=%v err=%v", exists, err)
	}

	k := relKey{from: mem.Ref(), to: code.Ref(), relType: types.RelReferences, method: types.DetectionKeyword}
	if rel := store.rels[k]; rel.MatchedName != "AuthService" || rel.Similarity != 0.9 {
		t.Errorf("edge should carry the matched name and rule confidence: %+v", rel)
	}

	annotated, err := store.GetEntity(ctx, mem.Ref())
	if err != nil {
		t.Fatalf("get entity failed: %v", err)
	}
	if !annotated.HasCodeReferences {
		t.Errorf("expected memory annotated with HasCodeReferences")
	}
}

func TestInferRelationships_FanOutCap(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()

	store.seedEntity("mem-1", types.EntityTypeMemory, "user-1", "webapp",
		"broad notes", []float32{1, 0, 0})
	seedSummary(t, store, "mem-1", types.EntityTypeMemory, "user-1", "webapp", []float32{1, 0, 0})

	for _, id := range []string{"code-1", "code-2", "code-3"} {
		seedSummary(t, store, id, types.EntityTypeCode, "user-1", "webapp", []float32{1, 0, 0})
	}

	// Cap of 2 outgoing edges: the third semantic match must be skipped.
	inf := newTestInference(t, store, 2)
	res, err := inf.InferRelationships(ctx, "user-1", "webapp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PairsCreated != 2 {
		t.Errorf("expected 2 pairs created, got %d", res.PairsCreated)
	}
	if res.SkippedFanOut != 1 {
		t.Errorf("expected 1 detection skipped at the cap, got %d", res.SkippedFanOut)
	}

	memRef := types.EntityRef{ID: "mem-1", Type: types.EntityTypeMemory}
	n, _ := store.CountOutgoingRelationships(ctx, memRef)
	if n != 2 {
		t.Errorf("fan-out cap violated: %d outgoing edges", n)
	}
}

func TestInferRelationships_ScopeFilter(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()

	store.seedEntity("mem-1", types.EntityTypeMemory, "user-1", "webapp", "notes", []float32{1, 0, 0})
	seedSummary(t, store, "mem-1", types.EntityTypeMemory, "user-1", "webapp", []float32{1, 0, 0})
	// Same vector, different owner: must not pair across scopes.
	seedSummary(t, store, "code-1", types.EntityTypeCode, "user-2", "webapp", []float32{1, 0, 0})

	inf := newTestInference(t, store, 25)
	res, err := inf.InferRelationships(ctx, "user-1", "webapp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PairsCreated != 0 {
		t.Errorf("expected no cross-scope pairs, got %d", res.PairsCreated)
	}
}
