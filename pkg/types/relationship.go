package types

import "time"

// DetectionMethod records how a cross-entity relationship was discovered.
type DetectionMethod string

const (
	// DetectionSemantic marks edges found by cosine similarity between
	// summary embeddings.
	DetectionSemantic DetectionMethod = "semantic_similarity"

	// DetectionKeyword marks edges found by code-identifier mentions in
	// memory content.
	DetectionKeyword DetectionMethod = "keyword_match"

	// DetectionPath marks edges found by file-path mentions in memory
	// content.
	DetectionPath DetectionMethod = "path_match"
)

// Relationship types for the tracked memory/code edges. Every semantic or
// lexical detection creates a forward/backward pair: the memory "references"
// the code, and the code is "discussed in" the memory.
const (
	RelReferences  = "references"
	RelDiscussedIn = "discussed_in"
)

// Relationship is a directed, scored edge between two entities.
// For any ordered entity pair the edge of a given (type, method) is unique:
// re-detection updates the existing edge instead of duplicating it.
type Relationship struct {
	From EntityRef `json:"from"`
	To   EntityRef `json:"to"`

	// RelType is the edge label (RelReferences or RelDiscussedIn).
	RelType string `json:"rel_type"`

	// Similarity is the cosine similarity between the two sides' summary
	// embeddings. Lexical detections carry a fixed confidence instead.
	Similarity float64 `json:"similarity"`

	// DetectionMethod records how this edge was found.
	DetectionMethod DetectionMethod `json:"detection_method"`

	// MatchedName is the identifier or path stem that triggered a lexical
	// detection. Empty for semantic edges.
	MatchedName string `json:"matched_name,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
}
