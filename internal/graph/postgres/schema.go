// Package postgres provides a PostgreSQL implementation of the graph store.
package postgres

// Schema contains the SQL statements to create the database schema.
// All statements are idempotent (IF NOT EXISTS), so the schema can be
// applied by any number of concurrently starting workers.
//
// Every derived table is keyed by a natural (business) key — summaries by
// (entity_id, entity_type), relationships by the full ordered-pair tuple,
// patterns by (type, name, scope_id, scope_data) — so concurrent writers
// merge into one row instead of racing to create duplicates.
const Schema = `
-- Entities: raw observations owned by the ingestion transport.
CREATE TABLE IF NOT EXISTS entities (
    id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    owner_scope TEXT NOT NULL,
    project TEXT NOT NULL DEFAULT 'default',
    name TEXT,
    file_path TEXT,
    content TEXT NOT NULL DEFAULT '',
    embedding BYTEA,
    has_code_references BOOLEAN NOT NULL DEFAULT FALSE,
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (id, entity_type)
);

CREATE INDEX IF NOT EXISTS idx_entities_project_name ON entities (entity_type, project, name);

-- Entity summaries: derived one-per-entity nodes.
-- The UNIQUE constraint on the natural key is what makes MergeSummary an
-- atomic match-or-create under concurrent writers.
CREATE TABLE IF NOT EXISTS entity_summaries (
    id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    owner_scope TEXT NOT NULL,
    project TEXT NOT NULL DEFAULT 'default',
    embedding BYTEA,
    keyword_frequencies JSONB,
    pattern_signals JSONB,
    batch_id TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (entity_id, entity_type)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_summaries_surrogate ON entity_summaries (id);
CREATE INDEX IF NOT EXISTS idx_summaries_scope ON entity_summaries (owner_scope, project, created_at DESC);

-- Relationships: directed, scored edges between entities. One row per
-- (ordered pair, edge label, detection method); re-detection updates.
CREATE TABLE IF NOT EXISTS relationships (
    from_id TEXT NOT NULL,
    from_type TEXT NOT NULL,
    to_id TEXT NOT NULL,
    to_type TEXT NOT NULL,
    rel_type TEXT NOT NULL,
    detection_method TEXT NOT NULL,
    similarity DOUBLE PRECISION NOT NULL DEFAULT 0,
    matched_name TEXT,
    detected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (from_id, from_type, to_id, to_type, rel_type, detection_method)
);

CREATE INDEX IF NOT EXISTS idx_relationships_fanout ON relationships (from_id, from_type, rel_type);

-- Patterns: aggregated, scoped recurring-signal records.
CREATE TABLE IF NOT EXISTS patterns (
    id TEXT NOT NULL,
    pattern_type TEXT NOT NULL,
    pattern_name TEXT NOT NULL,
    scope_id TEXT NOT NULL,
    scope_data TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    frequency INTEGER NOT NULL DEFAULT 0,
    first_detected TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_validated TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    batch_id TEXT,
    metadata JSONB,

    PRIMARY KEY (pattern_type, pattern_name, scope_id, scope_data)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_patterns_surrogate ON patterns (id);

-- Pattern evidence: FOUND_IN edges to summaries and DERIVED_FROM edges to
-- entities, idempotent per (pattern, edge, target).
CREATE TABLE IF NOT EXISTS pattern_evidence (
    pattern_id TEXT NOT NULL,
    edge_type TEXT NOT NULL,
    target_id TEXT NOT NULL,
    target_type TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (pattern_id, edge_type, target_id, target_type)
);
`

// MigrationPgvector adds vector columns used for store-side cosine top-K
// queries. Applied only when the pgvector extension is available; the BYTEA
// columns remain the source of truth either way.
const MigrationPgvector = `
ALTER TABLE entities ADD COLUMN IF NOT EXISTS embedding_vec vector(%d);
ALTER TABLE entity_summaries ADD COLUMN IF NOT EXISTS embedding_vec vector(%d);

CREATE INDEX IF NOT EXISTS idx_summaries_embedding_vec
    ON entity_summaries USING hnsw (embedding_vec vector_cosine_ops);
`
