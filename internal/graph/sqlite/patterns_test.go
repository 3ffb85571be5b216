package sqlite

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/corvidae/knograph/internal/graph"
	"github.com/corvidae/knograph/pkg/types"
)

func testPattern(id string) *types.Pattern {
	return &types.Pattern{
		ID: id,
		Key: types.PatternKey{
			PatternType: "debugging",
			PatternName: "debugging-activity",
			ScopeID:     "user-1",
			ScopeData:   `{"project":"webapp","period":"2026-03-10"}`,
		},
		Confidence: 0.4,
		Frequency:  4,
		Metadata:   map[string]interface{}{"detection_method": "keyword"},
	}
}

func TestMergePattern_CreateThenAccumulate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, created, err := store.MergePattern(ctx, testPattern("pat-1"))
	if err != nil {
		t.Fatalf("first merge failed: %v", err)
	}
	if !created {
		t.Errorf("expected created=true on first merge")
	}
	if first.Frequency != 4 || math.Abs(first.Confidence-0.4) > 1e-9 {
		t.Errorf("stored pattern wrong: freq=%d conf=%f", first.Frequency, first.Confidence)
	}

	update := testPattern("pat-2")
	update.Confidence = 0.6
	update.Frequency = 6
	second, created, err := store.MergePattern(ctx, update)
	if err != nil {
		t.Fatalf("second merge failed: %v", err)
	}
	if created {
		t.Errorf("expected created=false on match")
	}
	if second.ID != "pat-1" {
		t.Errorf("match must keep the original identity, got %s", second.ID)
	}
	if second.Frequency != 10 {
		t.Errorf("frequency must accumulate, got %d", second.Frequency)
	}
	if math.Abs(second.Confidence-0.6) > 1e-9 {
		t.Errorf("confidence must take the max, got %f", second.Confidence)
	}
	if !second.FirstDetected.Equal(first.FirstDetected) {
		t.Errorf("first_detected must never change on merge")
	}
}

func TestMergePattern_ConfidenceNeverDecreases(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	strong := testPattern("pat-1")
	strong.Confidence = 0.8
	if _, _, err := store.MergePattern(ctx, strong); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	weak := testPattern("pat-2")
	weak.Confidence = 0.3
	stored, _, err := store.MergePattern(ctx, weak)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if math.Abs(stored.Confidence-0.8) > 1e-9 {
		t.Errorf("a weaker observation must not lower confidence, got %f", stored.Confidence)
	}
}

func TestMergePattern_DistinctScopesAreDistinctPatterns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testPattern("pat-a")
	if _, _, err := store.MergePattern(ctx, a); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	b := testPattern("pat-b")
	b.Key.ScopeData = `{"project":"webapp","period":"2026-03-11"}`
	_, created, err := store.MergePattern(ctx, b)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if !created {
		t.Errorf("different scope data must create a new pattern")
	}
}

func TestGetPattern_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetPattern(context.Background(), types.PatternKey{
		PatternType: "debugging",
		PatternName: "debugging-activity",
		ScopeID:     "nobody",
		ScopeData:   "{}",
	})
	if !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLinkPatternEvidence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sum, _, err := store.MergeSummary(ctx, testSummary("sum-1", "mem-1", types.EntityTypeMemory))
	if err != nil {
		t.Fatalf("merge summary failed: %v", err)
	}
	pat := testPattern("pat-1")
	if _, _, err := store.MergePattern(ctx, pat); err != nil {
		t.Fatalf("merge pattern failed: %v", err)
	}

	// One FOUND_IN edge to the summary, one DERIVED_FROM edge to its
	// entity.
	linked, err := store.LinkPatternEvidence(ctx, pat.Key, []string{sum.ID})
	if err != nil {
		t.Fatalf("link failed: %v", err)
	}
	if linked != 2 {
		t.Errorf("expected 2 new edges, got %d", linked)
	}

	// Idempotent on repeat.
	linked, err = store.LinkPatternEvidence(ctx, pat.Key, []string{sum.ID})
	if err != nil {
		t.Fatalf("relink failed: %v", err)
	}
	if linked != 0 {
		t.Errorf("expected no new edges on relink, got %d", linked)
	}
}

func TestLinkPatternEvidence_DanglingSummarySkipped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pat := testPattern("pat-1")
	if _, _, err := store.MergePattern(ctx, pat); err != nil {
		t.Fatalf("merge pattern failed: %v", err)
	}

	// Unknown summary id: the FOUND_IN edge still lands, the provenance
	// edge is skipped.
	linked, err := store.LinkPatternEvidence(ctx, pat.Key, []string{"no-such-summary"})
	if err != nil {
		t.Fatalf("link failed: %v", err)
	}
	if linked != 1 {
		t.Errorf("expected only the found_in edge, got %d", linked)
	}
}

func TestLinkPatternEvidence_UnknownPattern(t *testing.T) {
	store := newTestStore(t)
	key := testPattern("pat-1").Key
	_, err := store.LinkPatternEvidence(context.Background(), key, []string{"sum-1"})
	if !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
