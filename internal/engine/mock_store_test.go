package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corvidae/knograph/internal/graph"
	"github.com/corvidae/knograph/pkg/types"
)

// relKey identifies a stored edge the way the real backends do: one edge per
// ordered pair, type and detection method.
type relKey struct {
	from    types.EntityRef
	to      types.EntityRef
	relType string
	method  types.DetectionMethod
}

// mockStore implements graph.Store in memory for testing. Writes follow the
// same merge-by-natural-key semantics as the real backends.
type mockStore struct {
	mu sync.Mutex

	entities  map[types.EntityRef]*types.Entity
	summaries map[types.EntityRef]*types.EntitySummary
	rels      map[relKey]*types.Relationship
	patterns  map[types.PatternKey]*types.Pattern
	evidence  map[string]bool // patternID|edgeType|targetID|targetType

	// summaryOrder preserves insertion order for tie-breaking.
	summaryOrder []types.EntityRef

	// Error injection.
	mergeSummaryErr error
	getEntityErr    error
	similarErr      error
	createPairErr   error
}

func newMockStore() *mockStore {
	return &mockStore{
		entities:  make(map[types.EntityRef]*types.Entity),
		summaries: make(map[types.EntityRef]*types.EntitySummary),
		rels:      make(map[relKey]*types.Relationship),
		patterns:  make(map[types.PatternKey]*types.Pattern),
		evidence:  make(map[string]bool),
	}
}

func (m *mockStore) GetEntity(ctx context.Context, ref types.EntityRef) (*types.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getEntityErr != nil {
		return nil, m.getEntityErr
	}
	ent, ok := m.entities[ref]
	if !ok {
		return nil, graph.ErrNotFound
	}
	cp := *ent
	return &cp, nil
}

func (m *mockStore) UpsertEntity(ctx context.Context, entity *types.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entity
	m.entities[entity.Ref()] = &cp
	return nil
}

func (m *mockStore) SetEntityEmbedding(ctx context.Context, ref types.EntityRef, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.entities[ref]
	if !ok {
		return graph.ErrNotFound
	}
	ent.Embedding = embedding
	return nil
}

func (m *mockStore) ListEntitiesWithoutSummary(ctx context.Context, entityType types.EntityType, ownerScope string, limit int) ([]types.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Entity
	for ref, ent := range m.entities {
		if _, has := m.summaries[ref]; has {
			continue
		}
		if ent.Content == "" || len(ent.Embedding) == 0 {
			continue
		}
		if entityType != "" && ent.Type != entityType {
			continue
		}
		if ownerScope != "" && ent.OwnerScope != ownerScope {
			continue
		}
		out = append(out, *ent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) FindCodeEntitiesByName(ctx context.Context, project, name string, limit int) ([]types.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Entity
	for _, ent := range m.entities {
		if ent.Type != types.EntityTypeCode {
			continue
		}
		if project != "" && ent.Project != project {
			continue
		}
		if !strings.Contains(strings.ToLower(ent.Name), strings.ToLower(name)) {
			continue
		}
		out = append(out, *ent)
	}
	sort.Slice(out, func(i, j int) bool {
		ei, ej := strings.EqualFold(out[i].Name, name), strings.EqualFold(out[j].Name, name)
		if ei != ej {
			return ei
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) MergeSummary(ctx context.Context, s *types.EntitySummary) (*types.EntitySummary, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mergeSummaryErr != nil {
		return nil, false, m.mergeSummaryErr
	}
	if s.EntityID == "" || !s.EntityType.Valid() {
		return nil, false, graph.ErrInvalidInput
	}

	ref := s.EntityRef()
	existing, ok := m.summaries[ref]
	if !ok {
		cp := *s
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		m.summaries[ref] = &cp
		m.summaryOrder = append(m.summaryOrder, ref)
		out := cp
		return &out, true, nil
	}

	existing.OwnerScope = s.OwnerScope
	existing.Project = s.Project
	existing.Embedding = s.Embedding
	existing.KeywordFrequencies = s.KeywordFrequencies
	existing.Signals = s.Signals
	existing.UpdatedAt = s.UpdatedAt
	existing.ProcessedAt = s.ProcessedAt
	existing.BatchID = s.BatchID
	out := *existing
	return &out, false, nil
}

func (m *mockStore) GetSummary(ctx context.Context, ref types.EntityRef) (*types.EntitySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[ref]
	if !ok {
		return nil, graph.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockStore) CountSummaries(ctx context.Context, ref types.EntityRef) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.summaries[ref]; ok {
		return 1, nil
	}
	return 0, nil
}

func (m *mockStore) ListSummaries(ctx context.Context, filter graph.SummaryFilter) ([]types.EntitySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.EntitySummary
	for _, ref := range m.summaryOrder {
		s := m.summaries[ref]
		if filter.EntityType != "" && s.EntityType != filter.EntityType {
			continue
		}
		if filter.OwnerScope != "" && s.OwnerScope != filter.OwnerScope {
			continue
		}
		if filter.Project != "" && s.Project != filter.Project {
			continue
		}
		if !filter.Since.IsZero() && s.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && s.CreatedAt.After(filter.Until) {
			continue
		}
		if filter.RequireEmbedding && len(s.Embedding) == 0 {
			continue
		}
		out = append(out, *s)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *mockStore) SimilarSummaries(ctx context.Context, q graph.SimilarityQuery) ([]graph.SummaryMatch, error) {
	m.mu.Lock()
	if m.similarErr != nil {
		m.mu.Unlock()
		return nil, m.similarErr
	}
	var candidates []types.EntitySummary
	for _, ref := range m.summaryOrder {
		s := m.summaries[ref]
		if q.EntityType != "" && s.EntityType != q.EntityType {
			continue
		}
		if q.OwnerScope != "" && s.OwnerScope != q.OwnerScope {
			continue
		}
		if q.Project != "" && s.Project != q.Project {
			continue
		}
		candidates = append(candidates, *s)
	}
	m.mu.Unlock()
	return graph.RankBySimilarity(candidates, q, q.TopK), nil
}

func (m *mockStore) RelationshipExists(ctx context.Context, from, to types.EntityRef, relType string, method types.DetectionMethod) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rels[relKey{from: from, to: to, relType: relType, method: method}]
	return ok, nil
}

func (m *mockStore) CountOutgoingRelationships(ctx context.Context, ref types.EntityRef) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countOutgoingLocked(ref), nil
}

func (m *mockStore) countOutgoingLocked(ref types.EntityRef) int {
	count := 0
	for k := range m.rels {
		if k.from == ref && (k.relType == types.RelReferences || k.relType == types.RelDiscussedIn) {
			count++
		}
	}
	return count
}

func (m *mockStore) CreateRelationshipPair(ctx context.Context, forward, backward *types.Relationship, maxPerEntity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createPairErr != nil {
		return m.createPairErr
	}

	for _, rel := range []*types.Relationship{forward, backward} {
		k := relKey{from: rel.From, to: rel.To, relType: rel.RelType, method: rel.DetectionMethod}
		if _, exists := m.rels[k]; exists {
			continue
		}
		if maxPerEntity > 0 && m.countOutgoingLocked(rel.From) >= maxPerEntity {
			return graph.ErrFanOutExceeded
		}
	}

	for _, rel := range []*types.Relationship{forward, backward} {
		cp := *rel
		m.rels[relKey{from: rel.From, to: rel.To, relType: rel.RelType, method: rel.DetectionMethod}] = &cp
	}
	return nil
}

func (m *mockStore) MergePattern(ctx context.Context, p *types.Pattern) (*types.Pattern, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.patterns[p.Key]
	if !ok {
		cp := *p
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		m.patterns[p.Key] = &cp
		out := cp
		return &out, true, nil
	}

	if p.Confidence > existing.Confidence {
		existing.Confidence = p.Confidence
	}
	existing.Frequency += p.Frequency
	existing.LastValidated = p.LastValidated
	existing.LastUpdated = p.LastUpdated
	existing.BatchID = p.BatchID
	existing.Metadata = p.Metadata
	out := *existing
	return &out, false, nil
}

func (m *mockStore) GetPattern(ctx context.Context, key types.PatternKey) (*types.Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patterns[key]
	if !ok {
		return nil, graph.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockStore) LinkPatternEvidence(ctx context.Context, key types.PatternKey, summaryIDs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.patterns[key]
	if !ok {
		return 0, graph.ErrNotFound
	}

	created := 0
	for _, sid := range summaryIDs {
		foundIn := p.ID + "|found_in|" + sid + "|summary"
		if !m.evidence[foundIn] {
			m.evidence[foundIn] = true
			created++
		}
		for ref, s := range m.summaries {
			if s.ID != sid {
				continue
			}
			derived := p.ID + "|derived_from|" + ref.ID + "|" + string(ref.Type)
			if !m.evidence[derived] {
				m.evidence[derived] = true
				created++
			}
		}
	}
	return created, nil
}

func (m *mockStore) Close() error { return nil }

// seedEntity inserts a raw entity and returns it.
func (m *mockStore) seedEntity(id string, typ types.EntityType, scope, project, content string, embedding []float32) *types.Entity {
	ent := &types.Entity{
		ID:         id,
		Type:       typ,
		OwnerScope: scope,
		Project:    project,
		Content:    content,
		Embedding:  embedding,
		CreatedAt:  time.Now(),
	}
	_ = m.UpsertEntity(context.Background(), ent)
	return ent
}
