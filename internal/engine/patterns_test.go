package engine

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/corvidae/knograph/pkg/types"
)

// seedSignalSummary stores a summary with the given signals at a fixed time.
func seedSignalSummary(t *testing.T, store *mockStore, id, scope, project string, at time.Time, sig types.PatternSignals) {
	t.Helper()
	_, _, err := store.MergeSummary(context.Background(), &types.EntitySummary{
		ID:         "sum-" + id,
		EntityID:   id,
		EntityType: types.EntityTypeMemory,
		OwnerScope: scope,
		Project:    project,
		Signals:    sig,
		CreatedAt:  at,
		UpdatedAt:  at,
	})
	if err != nil {
		t.Fatalf("seed summary %s: %v", id, err)
	}
}

func newTestPatterns(t *testing.T, store *mockStore) *Patterns {
	t.Helper()
	p, err := NewPatterns(store, PatternConfig{})
	if err != nil {
		t.Fatalf("new patterns: %v", err)
	}
	return p
}

func debuggingKey(scope, project, day string) types.PatternKey {
	return types.PatternKey{
		PatternType: "debugging",
		PatternName: "debugging-activity",
		ScopeID:     scope,
		ScopeData:   fmt.Sprintf(`{"project":%q,"period":%q}`, project, day),
	}
}

func TestDetectPatterns_DebuggingActivity(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		seedSignalSummary(t, store, fmt.Sprintf("mem-%d", i), "user-1", "webapp",
			day.Add(time.Duration(i)*time.Minute), types.PatternSignals{IsDebugging: true})
	}

	p := newTestPatterns(t, store)
	res, err := p.DetectPatterns(ctx, "user-1", "webapp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.GroupsEvaluated != 1 {
		t.Errorf("expected 1 group, got %d", res.GroupsEvaluated)
	}
	if res.PatternsCreated != 1 {
		t.Fatalf("expected 1 pattern created, got %d", res.PatternsCreated)
	}

	pat, err := store.GetPattern(ctx, debuggingKey("user-1", "webapp", "2026-03-10"))
	if err != nil {
		t.Fatalf("pattern not stored under expected key: %v", err)
	}
	if pat.Frequency != 4 {
		t.Errorf("expected frequency 4, got %d", pat.Frequency)
	}
	if math.Abs(pat.Confidence-0.4) > 1e-9 {
		t.Errorf("expected confidence 0.4, got %f", pat.Confidence)
	}
	// 4 FOUND_IN plus 4 DERIVED_FROM edges.
	if res.EvidenceLinked != 8 {
		t.Errorf("expected 8 evidence edges, got %d", res.EvidenceLinked)
	}
}

func TestDetectPatterns_BelowThresholdSilent(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	// Exactly at the threshold: rules require count > threshold.
	for i := 0; i < 3; i++ {
		seedSignalSummary(t, store, fmt.Sprintf("mem-%d", i), "user-1", "webapp",
			day, types.PatternSignals{IsDebugging: true})
	}

	p := newTestPatterns(t, store)
	res, err := p.DetectPatterns(ctx, "user-1", "webapp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PatternsCreated != 0 {
		t.Errorf("expected no pattern at the threshold, got %d", res.PatternsCreated)
	}
}

func TestDetectPatterns_RerunStrengthensMonotonically(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		seedSignalSummary(t, store, fmt.Sprintf("mem-%d", i), "user-1", "webapp",
			day, types.PatternSignals{IsDebugging: true})
	}

	p := newTestPatterns(t, store)
	if _, err := p.DetectPatterns(ctx, "user-1", "webapp"); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	first, err := store.GetPattern(ctx, debuggingKey("user-1", "webapp", "2026-03-10"))
	if err != nil {
		t.Fatalf("get pattern: %v", err)
	}

	res, err := p.DetectPatterns(ctx, "user-1", "webapp")
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if res.PatternsCreated != 0 || res.PatternsUpdated != 1 {
		t.Errorf("second pass must update, not duplicate: created=%d updated=%d",
			res.PatternsCreated, res.PatternsUpdated)
	}
	if res.EvidenceLinked != 0 {
		t.Errorf("evidence links must be idempotent, got %d new", res.EvidenceLinked)
	}

	second, err := store.GetPattern(ctx, debuggingKey("user-1", "webapp", "2026-03-10"))
	if err != nil {
		t.Fatalf("get pattern: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("merge must keep the original identity")
	}
	if second.Frequency != first.Frequency*2 {
		t.Errorf("frequency must accumulate: %d -> %d", first.Frequency, second.Frequency)
	}
	if second.Confidence < first.Confidence {
		t.Errorf("confidence must never decrease: %f -> %f", first.Confidence, second.Confidence)
	}
}

func TestDetectPatterns_DayBuckets(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()

	// 2 debugging summaries on each of two days: neither day clears the
	// threshold even though the total would.
	day1 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		seedSignalSummary(t, store, fmt.Sprintf("a-%d", i), "user-1", "webapp", day1,
			types.PatternSignals{IsDebugging: true})
		seedSignalSummary(t, store, fmt.Sprintf("b-%d", i), "user-1", "webapp", day2,
			types.PatternSignals{IsDebugging: true})
	}

	p := newTestPatterns(t, store)
	res, err := p.DetectPatterns(ctx, "user-1", "webapp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.GroupsEvaluated != 2 {
		t.Errorf("expected 2 day buckets, got %d", res.GroupsEvaluated)
	}
	if res.PatternsCreated != 0 {
		t.Errorf("counts must not pool across days, got %d patterns", res.PatternsCreated)
	}
}

func TestDetectPatterns_UrgencySpike(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		seedSignalSummary(t, store, fmt.Sprintf("mem-%d", i), "user-1", "webapp", day,
			types.PatternSignals{UrgencyScore: 0.8})
	}

	p := newTestPatterns(t, store)
	res, err := p.DetectPatterns(ctx, "user-1", "webapp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PatternsCreated != 1 {
		t.Fatalf("expected urgency spike, got %d patterns", res.PatternsCreated)
	}

	key := types.PatternKey{
		PatternType: "urgency",
		PatternName: "urgency-spike",
		ScopeID:     "user-1",
		ScopeData:   `{"project":"webapp","period":"2026-03-10"}`,
	}
	pat, err := store.GetPattern(ctx, key)
	if err != nil {
		t.Fatalf("urgency pattern not stored: %v", err)
	}
	// mean 0.8 * 3 urgent / 5 = 0.48.
	if math.Abs(pat.Confidence-0.48) > 1e-9 {
		t.Errorf("expected confidence 0.48, got %f", pat.Confidence)
	}
	if pat.Metadata["detection_method"] != "score" {
		t.Errorf("expected score detection method, got %v", pat.Metadata["detection_method"])
	}
}

func TestDetectPatterns_LowMeanUrgencyDoesNotFire(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	// Three urgent summaries diluted by seven calm ones: mean 0.24.
	for i := 0; i < 3; i++ {
		seedSignalSummary(t, store, fmt.Sprintf("hot-%d", i), "user-1", "webapp", day,
			types.PatternSignals{UrgencyScore: 0.8})
	}
	for i := 0; i < 7; i++ {
		seedSignalSummary(t, store, fmt.Sprintf("calm-%d", i), "user-1", "webapp", day,
			types.PatternSignals{})
	}

	p := newTestPatterns(t, store)
	res, err := p.DetectPatterns(ctx, "user-1", "webapp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PatternsCreated != 0 {
		t.Errorf("diluted urgency must not fire, got %d patterns", res.PatternsCreated)
	}
}

func TestDetectPatterns_GlobalScopeFallback(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		seedSignalSummary(t, store, fmt.Sprintf("mem-%d", i), "", "webapp", day,
			types.PatternSignals{IsLearning: true})
	}

	p := newTestPatterns(t, store)
	if _, err := p.DetectPatterns(ctx, "", "webapp"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key := types.PatternKey{
		PatternType: "learning",
		PatternName: "research-session",
		ScopeID:     types.ScopeGlobal,
		ScopeData:   `{"project":"webapp","period":"2026-03-10"}`,
	}
	if _, err := store.GetPattern(ctx, key); err != nil {
		t.Errorf("scopeless patterns must land under the global scope: %v", err)
	}
}

func TestDetectPatterns_EvidenceSampleBounded(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 12; i++ {
		seedSignalSummary(t, store, fmt.Sprintf("mem-%02d", i), "user-1", "webapp",
			day.Add(time.Duration(i)*time.Minute), types.PatternSignals{IsDebugging: true})
	}

	p := newTestPatterns(t, store)
	res, err := p.DetectPatterns(ctx, "user-1", "webapp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pat, err := store.GetPattern(ctx, debuggingKey("user-1", "webapp", "2026-03-10"))
	if err != nil {
		t.Fatalf("get pattern: %v", err)
	}
	if pat.Frequency != 12 {
		t.Errorf("frequency counts all contributors, got %d", pat.Frequency)
	}
	// Evidence is sampled: 5 FOUND_IN plus 5 DERIVED_FROM.
	if res.EvidenceLinked != 10 {
		t.Errorf("expected 10 evidence edges from the bounded sample, got %d", res.EvidenceLinked)
	}
}

func TestDetectPatterns_WindowExcludesOldSummaries(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	stale := time.Now().UTC().Add(-72 * time.Hour)

	for i := 0; i < 4; i++ {
		seedSignalSummary(t, store, fmt.Sprintf("mem-%d", i), "user-1", "webapp",
			stale.Add(time.Duration(i)*time.Minute), types.PatternSignals{IsDebugging: true})
	}

	p, err := NewPatterns(store, PatternConfig{Window: 24 * time.Hour})
	if err != nil {
		t.Fatalf("new patterns: %v", err)
	}

	res, err := p.DetectPatterns(ctx, "user-1", "webapp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.GroupsEvaluated != 0 || res.PatternsCreated != 0 {
		t.Errorf("summaries outside the window must not contribute: %+v", res)
	}

	// An unbounded pass over the same store does see them.
	unbounded := newTestPatterns(t, store)
	res, err = unbounded.DetectPatterns(ctx, "user-1", "webapp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PatternsCreated != 1 {
		t.Errorf("expected the stale group to fire without a window, got %+v", res)
	}
}
