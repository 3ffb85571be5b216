package types

import "time"

// EntityType identifies the kind of raw observation an Entity carries.
type EntityType string

const (
	// EntityTypeMemory is a free-text observation captured from a
	// conversation, note, or development session.
	EntityTypeMemory EntityType = "memory"

	// EntityTypeCode is a parsed source-code entity (function, class,
	// component, file).
	EntityTypeCode EntityType = "code"
)

// Valid returns true if t is a known entity type.
func (t EntityType) Valid() bool {
	return t == EntityTypeMemory || t == EntityTypeCode
}

// EntityRef identifies an entity by its natural key.
// All derived state in the graph is keyed by (ID, Type), never by a
// surrogate identifier, so that re-processing is always a merge.
type EntityRef struct {
	ID   string     `json:"id"`
	Type EntityType `json:"type"`
}

// Entity represents a raw ingested observation: either a free-text memory
// or a source-code entity. Entities are owned by the ingestion transport;
// the derivation engine reads them and occasionally annotates them, but
// never deletes them.
type Entity struct {
	// Core identification fields
	ID         string     `json:"id"`          // Opaque identifier, globally unique per type
	Type       EntityType `json:"type"`        // memory or code
	OwnerScope string     `json:"owner_scope"` // User or workspace that owns this record
	Project    string     `json:"project"`     // Project the observation belongs to
	CreatedAt  time.Time  `json:"created_at"`  // Creation timestamp

	// Content fields
	Content  string `json:"content"`             // Raw text content
	Name     string `json:"name,omitempty"`      // Code entity name (empty for memories)
	FilePath string `json:"file_path,omitempty"` // Source file path (code entities only)

	// Embedding fields
	Embedding []float32 `json:"embedding,omitempty"` // Vector embedding, nil until computed

	// Annotations written back by the derivation engine
	HasCodeReferences bool `json:"has_code_references,omitempty"` // Content mentions code identifiers

	// Arbitrary metadata carried through from ingestion
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Ref returns the entity's natural key.
func (e *Entity) Ref() EntityRef {
	return EntityRef{ID: e.ID, Type: e.Type}
}
