package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/corvidae/knograph/internal/graph"
	"github.com/corvidae/knograph/pkg/types"
)

// PatternConfig holds the pattern aggregation tunables.
type PatternConfig struct {
	// Threshold is the per-group summary count a rule must exceed to fire.
	Threshold int

	// EvidenceSampleSize bounds FOUND_IN edges written per pattern upsert.
	EvidenceSampleSize int

	// Window is the lookback over summary creation times. Zero means
	// unbounded.
	Window time.Duration

	// PageSize is the summary page size when scanning a scope.
	PageSize int
}

// Validate applies defaults.
func (c *PatternConfig) Validate() error {
	if c.Threshold <= 0 {
		c.Threshold = 3
	}
	if c.EvidenceSampleSize <= 0 {
		c.EvidenceSampleSize = 5
	}
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	return nil
}

// PatternResult reports what one aggregation pass did.
type PatternResult struct {
	GroupsEvaluated int `json:"groups_evaluated"`
	PatternsCreated int `json:"patterns_created"`
	PatternsUpdated int `json:"patterns_updated"`
	EvidenceLinked  int `json:"evidence_linked"`
}

// scopeData is the JSON payload of a pattern key's ScopeData field.
// Marshalled from a struct so the field order, and therefore the natural
// key, is deterministic.
type scopeData struct {
	Project string `json:"project"`
	Period  string `json:"period"`
}

// signalGroup accumulates one (ownerScope, project, day) bucket during a
// scan.
type signalGroup struct {
	ownerScope string
	project    string
	day        string

	total        int
	urgencySum   float64
	debugging    []string // contributing summary IDs, in scan order
	learning     []string
	refactoring  []string
	architecture []string
	urgent       []string
}

// patternRule evaluates one bucket and yields a pattern when it fires.
type patternRule struct {
	patternType string
	patternName string
	evidence    func(g *signalGroup) []string
	confidence  func(g *signalGroup, count int) float64
}

// Patterns derives recurring-activity patterns from the signal flags on
// entity summaries. Rules fire per (ownerScope, project, day) bucket once
// the contributing count clears the threshold; results merge monotonically
// into the pattern table, so re-running a window strengthens patterns
// instead of duplicating them.
type Patterns struct {
	store graph.Store
	cfg   PatternConfig
	rules []patternRule
}

// NewPatterns creates a pattern aggregation engine.
func NewPatterns(store graph.Store, cfg PatternConfig) (*Patterns, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pattern config: %w", err)
	}

	p := &Patterns{store: store, cfg: cfg}
	p.rules = []patternRule{
		{
			patternType: "debugging",
			patternName: "debugging-activity",
			evidence:    func(g *signalGroup) []string { return g.debugging },
			confidence: func(g *signalGroup, count int) float64 {
				return math.Min(float64(count)/10.0, 0.9)
			},
		},
		{
			patternType: "learning",
			patternName: "research-session",
			evidence:    func(g *signalGroup) []string { return g.learning },
			confidence: func(g *signalGroup, count int) float64 {
				return math.Min(float64(count)/15.0, 0.9)
			},
		},
		{
			patternType: "refactoring",
			patternName: "refactoring-activity",
			evidence:    func(g *signalGroup) []string { return g.refactoring },
			confidence: func(g *signalGroup, count int) float64 {
				return math.Min(float64(count)/10.0, 0.85)
			},
		},
		{
			patternType: "architecture",
			patternName: "architecture-focus",
			evidence:    func(g *signalGroup) []string { return g.architecture },
			confidence: func(g *signalGroup, count int) float64 {
				return math.Min(float64(count)/10.0, 0.85)
			},
		},
	}
	return p, nil
}

// DetectPatterns runs one aggregation pass over the summaries in scope.
// A pass that fires no rules is a success with zero counts.
func (p *Patterns) DetectPatterns(ctx context.Context, ownerScope, project string) (*PatternResult, error) {
	result := &PatternResult{}
	batchID := uuid.NewString()

	groups, err := p.collectGroups(ctx, ownerScope, project)
	if err != nil {
		return result, err
	}
	result.GroupsEvaluated = len(groups)

	for _, g := range groups {
		for _, rule := range p.rules {
			evidence := rule.evidence(g)
			count := len(evidence)
			if count <= p.cfg.Threshold {
				continue
			}

			p.upsertPattern(ctx, g, rule.patternType, rule.patternName,
				rule.confidence(g, count), count, evidence, batchID,
				map[string]interface{}{"detection_method": "keyword"}, result)
		}

		// Urgency spikes key off the score average rather than a flag.
		if len(g.urgent) >= p.cfg.Threshold && g.total > 0 {
			mean := g.urgencySum / float64(g.total)
			if mean > 0.5 {
				confidence := math.Min(mean*float64(len(g.urgent))/5.0, 0.9)
				p.upsertPattern(ctx, g, "urgency", "urgency-spike",
					confidence, len(g.urgent), g.urgent, batchID,
					map[string]interface{}{
						"detection_method": "score",
						"mean_urgency":     mean,
					}, result)
			}
		}
	}

	if result.PatternsCreated == 0 && result.PatternsUpdated == 0 {
		log.Printf("WARNING: pattern pass over scope=%s project=%s produced no patterns (%d groups)",
			ownerScope, project, result.GroupsEvaluated)
	}

	return result, nil
}

// collectGroups scans the scope's summaries and buckets their signals by
// (ownerScope, project, day).
func (p *Patterns) collectGroups(ctx context.Context, ownerScope, project string) (map[string]*signalGroup, error) {
	filter := graph.SummaryFilter{
		OwnerScope: ownerScope,
		Project:    project,
		Limit:      p.cfg.PageSize,
	}
	if p.cfg.Window > 0 {
		filter.Since = time.Now().Add(-p.cfg.Window)
	}

	groups := make(map[string]*signalGroup)

	for offset := 0; ; offset += p.cfg.PageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		filter.Offset = offset
		summaries, err := p.store.ListSummaries(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("list summaries: %w", err)
		}
		if len(summaries) == 0 {
			break
		}

		for i := range summaries {
			s := &summaries[i]
			day := s.CreatedAt.UTC().Format("2006-01-02")
			key := s.OwnerScope + "|" + s.Project + "|" + day

			g, ok := groups[key]
			if !ok {
				g = &signalGroup{ownerScope: s.OwnerScope, project: s.Project, day: day}
				groups[key] = g
			}

			g.total++
			g.urgencySum += s.Signals.UrgencyScore
			if s.Signals.IsDebugging {
				g.debugging = append(g.debugging, s.ID)
			}
			if s.Signals.IsLearning {
				g.learning = append(g.learning, s.ID)
			}
			if s.Signals.IsRefactoring {
				g.refactoring = append(g.refactoring, s.ID)
			}
			if s.Signals.IsArchitecture {
				g.architecture = append(g.architecture, s.ID)
			}
			if s.Signals.UrgencyScore > 0.5 {
				g.urgent = append(g.urgent, s.ID)
			}
		}

		if len(summaries) < p.cfg.PageSize {
			break
		}
	}

	return groups, nil
}

// upsertPattern merges one fired rule into the pattern table and links its
// evidence sample. Failures are logged, not propagated — one bad pattern
// never aborts the pass.
func (p *Patterns) upsertPattern(ctx context.Context, g *signalGroup, patternType, patternName string, confidence float64, frequency int, evidence []string, batchID string, metadata map[string]interface{}, result *PatternResult) {
	scopeID := g.ownerScope
	if scopeID == "" {
		scopeID = types.ScopeGlobal
	}

	data, err := json.Marshal(scopeData{Project: g.project, Period: g.day})
	if err != nil {
		log.Printf("ERROR: failed to marshal pattern scope data: %v", err)
		return
	}

	metadata["sample_size"] = frequency

	pattern := &types.Pattern{
		ID: uuid.NewString(),
		Key: types.PatternKey{
			PatternType: patternType,
			PatternName: patternName,
			ScopeID:     scopeID,
			ScopeData:   string(data),
		},
		Confidence: confidence,
		Frequency:  frequency,
		BatchID:    batchID,
		Metadata:   metadata,
	}

	stored, created, err := p.store.MergePattern(ctx, pattern)
	if err != nil {
		log.Printf("ERROR: failed to merge pattern %s/%s: %v", patternType, patternName, err)
		return
	}
	if created {
		result.PatternsCreated++
	} else {
		result.PatternsUpdated++
	}

	sample := evidence
	if len(sample) > p.cfg.EvidenceSampleSize {
		sample = sample[:p.cfg.EvidenceSampleSize]
	}

	linked, err := p.store.LinkPatternEvidence(ctx, stored.Key, sample)
	if err != nil {
		log.Printf("WARNING: failed to link evidence for pattern %s/%s: %v", patternType, patternName, err)
		return
	}
	result.EvidenceLinked += linked
}
