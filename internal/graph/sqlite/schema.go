// Package sqlite provides a SQLite implementation of the graph store,
// intended for single-node and test deployments.
package sqlite

// Schema contains the SQL statements to create the database schema.
// It mirrors the PostgreSQL layout with SQLite types: embeddings are
// little-endian float32 BLOBs (similarity is computed in Go), JSON lives in
// TEXT columns, and the same natural keys make every merge an upsert.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
    id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    owner_scope TEXT NOT NULL,
    project TEXT NOT NULL DEFAULT 'default',
    name TEXT,
    file_path TEXT,
    content TEXT NOT NULL DEFAULT '',
    embedding BLOB,
    has_code_references INTEGER NOT NULL DEFAULT 0,
    metadata TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    PRIMARY KEY (id, entity_type)
);

CREATE INDEX IF NOT EXISTS idx_entities_project_name ON entities (entity_type, project, name);

CREATE TABLE IF NOT EXISTS entity_summaries (
    id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    owner_scope TEXT NOT NULL,
    project TEXT NOT NULL DEFAULT 'default',
    embedding BLOB,
    keyword_frequencies TEXT,
    pattern_signals TEXT,
    batch_id TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    processed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    PRIMARY KEY (entity_id, entity_type)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_summaries_surrogate ON entity_summaries (id);
CREATE INDEX IF NOT EXISTS idx_summaries_scope ON entity_summaries (owner_scope, project, created_at DESC);

CREATE TABLE IF NOT EXISTS relationships (
    from_id TEXT NOT NULL,
    from_type TEXT NOT NULL,
    to_id TEXT NOT NULL,
    to_type TEXT NOT NULL,
    rel_type TEXT NOT NULL,
    detection_method TEXT NOT NULL,
    similarity REAL NOT NULL DEFAULT 0,
    matched_name TEXT,
    detected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    PRIMARY KEY (from_id, from_type, to_id, to_type, rel_type, detection_method)
);

CREATE INDEX IF NOT EXISTS idx_relationships_fanout ON relationships (from_id, from_type, rel_type);

CREATE TABLE IF NOT EXISTS patterns (
    id TEXT NOT NULL,
    pattern_type TEXT NOT NULL,
    pattern_name TEXT NOT NULL,
    scope_id TEXT NOT NULL,
    scope_data TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0,
    frequency INTEGER NOT NULL DEFAULT 0,
    first_detected DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_validated DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_updated DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    batch_id TEXT,
    metadata TEXT,

    PRIMARY KEY (pattern_type, pattern_name, scope_id, scope_data)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_patterns_surrogate ON patterns (id);

CREATE TABLE IF NOT EXISTS pattern_evidence (
    pattern_id TEXT NOT NULL,
    edge_type TEXT NOT NULL,
    target_id TEXT NOT NULL,
    target_type TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    PRIMARY KEY (pattern_id, edge_type, target_id, target_type)
);
`
