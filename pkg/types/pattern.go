package types

import "time"

// ScopeGlobal is the scope id for patterns not owned by a user or workspace.
const ScopeGlobal = "global"

// PatternKey is the natural key of a pattern. ScopeID is a user id, a
// workspace id, or ScopeGlobal; ScopeData disambiguates finer scope, usually
// a project plus a time period.
type PatternKey struct {
	PatternType string `json:"pattern_type"` // e.g. "debugging"
	PatternName string `json:"pattern_name"` // e.g. "debugging-activity"
	ScopeID     string `json:"scope_id"`
	ScopeData   string `json:"scope_data"` // JSON: {"project": ..., "period": ...}
}

// Pattern is an aggregated, scoped, recurring-signal record rolled up from
// entity summaries. Merging is monotonic: frequency accumulates across runs
// and confidence only ever increases (max of old and new).
type Pattern struct {
	// ID is a surrogate identity assigned on first creation.
	ID string `json:"id"`

	Key PatternKey `json:"key"`

	// Confidence in [0, 1]. Never decreases from a merge.
	Confidence float64 `json:"confidence"`

	// Frequency is the total observed count, monotonically non-decreasing.
	Frequency int `json:"frequency"`

	FirstDetected time.Time `json:"first_detected"`
	LastValidated time.Time `json:"last_validated"`
	LastUpdated   time.Time `json:"last_updated"`

	// BatchID identifies the detection run that last merged this pattern.
	BatchID string `json:"batch_id,omitempty"`

	// Metadata carries rule-specific detail (detection method, sample size).
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
