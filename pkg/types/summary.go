package types

import "time"

// PatternSignals are the boolean and scored activity signals derived from a
// single entity's content. They are the raw material for pattern aggregation:
// the flags mark what kind of work the entity reflects, and the scores grade
// how involved and how urgent that work looks.
type PatternSignals struct {
	IsDebugging    bool `json:"is_debugging"`    // Error/debug/fix/issue keywords present
	IsLearning     bool `json:"is_learning"`     // Learn/understand/research keywords present
	IsRefactoring  bool `json:"is_refactoring"`  // Refactor/improve/clean keywords present
	IsArchitecture bool `json:"is_architecture"` // Architecture/pattern/system keywords present

	// ComplexityScore grades content density (length, code fences, technical
	// terms), clamped to [0, 1].
	ComplexityScore float64 `json:"complexity_score"`

	// UrgencyScore grades problem pressure from urgent keyword counts,
	// clamped to [0, 1].
	UrgencyScore float64 `json:"urgency_score"`
}

// EntitySummary is the derived, one-per-entity node carrying the entity's
// embedding and extracted signals. For any (EntityID, EntityType) pair at
// most one summary exists, no matter how many times or how concurrently
// derivation runs: every write is an upsert on that natural key.
type EntitySummary struct {
	// ID is a surrogate identity assigned on first creation. It is never
	// used as a merge key.
	ID string `json:"id"`

	// Natural key
	EntityID   string     `json:"entity_id"`
	EntityType EntityType `json:"entity_type"`

	// Ownership, copied from the entity
	OwnerScope string `json:"owner_scope"`
	Project    string `json:"project"`

	// Derived state
	Embedding          []float32      `json:"embedding,omitempty"`
	KeywordFrequencies map[string]int `json:"keyword_frequencies,omitempty"`
	Signals            PatternSignals `json:"pattern_signals"`

	// Timestamps
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ProcessedAt time.Time `json:"processed_at"`

	// BatchID identifies the processing run that last touched this summary.
	BatchID string `json:"batch_id,omitempty"`
}

// EntityRef returns the natural key of the entity this summary describes.
func (s *EntitySummary) EntityRef() EntityRef {
	return EntityRef{ID: s.EntityID, Type: s.EntityType}
}
