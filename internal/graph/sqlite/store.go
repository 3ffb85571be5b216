package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/corvidae/knograph/internal/graph"
	"github.com/corvidae/knograph/pkg/types"
)

// Store implements graph.Store using SQLite.
//
// Embeddings are stored as little-endian float32 BLOBs and similarity
// queries load candidates into Go for scoring, so this backend is suited to
// single-node deployments and tests rather than large corpora.
type Store struct {
	db *sql.DB
}

// NewStore creates a new SQLite graph store. The dsn is a file path or
// ":memory:".
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Using a single open
	// connection serialises writes and avoids SQLITE_BUSY errors under
	// concurrent load. WAL mode allows concurrent readers to proceed
	// without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable WAL mode: %w", err)
	}

	// Set busy timeout so that callers wait instead of getting an immediate
	// SQLITE_BUSY error when the connection is held by another goroutine.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// GetDB returns the underlying database connection. This is used to share
// the connection with the work queue when both run against the same file.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// Close releases any resources held by the store.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetEntity retrieves a raw entity by its natural key.
func (s *Store) GetEntity(ctx context.Context, ref types.EntityRef) (*types.Entity, error) {
	if ref.ID == "" || !ref.Type.Valid() {
		return nil, fmt.Errorf("%w: entity ref requires id and a valid type", graph.ErrInvalidInput)
	}

	query := `
		SELECT id, entity_type, owner_scope, project, name, file_path,
		       content, embedding, has_code_references, metadata, created_at
		FROM entities
		WHERE id = ? AND entity_type = ?
	`

	e, err := scanEntity(s.db.QueryRowContext(ctx, query, ref.ID, string(ref.Type)))
	if err == sql.ErrNoRows {
		return nil, graph.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get entity: %w", err)
	}
	return e, nil
}

// UpsertEntity creates or updates a raw entity keyed by (ID, Type).
func (s *Store) UpsertEntity(ctx context.Context, entity *types.Entity) error {
	if entity == nil {
		return graph.ErrInvalidInput
	}
	if entity.ID == "" {
		return fmt.Errorf("%w: entity ID is required", graph.ErrInvalidInput)
	}
	if !entity.Type.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", graph.ErrInvalidInput, entity.Type)
	}

	var metadataJSON []byte
	var err error
	if entity.Metadata != nil {
		metadataJSON, err = json.Marshal(entity.Metadata)
		if err != nil {
			return fmt.Errorf("sqlite: failed to marshal entity metadata: %w", err)
		}
	}

	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO entities (
			id, entity_type, owner_scope, project, name, file_path,
			content, embedding, has_code_references, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, entity_type) DO UPDATE SET
			owner_scope = excluded.owner_scope,
			project = excluded.project,
			name = excluded.name,
			file_path = excluded.file_path,
			content = excluded.content,
			embedding = excluded.embedding,
			has_code_references = excluded.has_code_references,
			metadata = excluded.metadata
	`

	_, err = s.db.ExecContext(ctx, query,
		entity.ID,
		string(entity.Type),
		entity.OwnerScope,
		entity.Project,
		nullableString(entity.Name),
		nullableString(entity.FilePath),
		entity.Content,
		graph.SerializeEmbedding(entity.Embedding),
		entity.HasCodeReferences,
		nullableBytes(metadataJSON),
		entity.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert entity: %w", err)
	}

	return nil
}

// SetEntityEmbedding stores a backfilled embedding on a raw entity.
func (s *Store) SetEntityEmbedding(ctx context.Context, ref types.EntityRef, embedding []float32) error {
	if ref.ID == "" || !ref.Type.Valid() {
		return fmt.Errorf("%w: entity ref requires id and a valid type", graph.ErrInvalidInput)
	}
	if len(embedding) == 0 {
		return fmt.Errorf("%w: embedding is required", graph.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE entities SET embedding = ? WHERE id = ? AND entity_type = ?`,
		graph.SerializeEmbedding(embedding), ref.ID, string(ref.Type),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to set entity embedding: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return graph.ErrNotFound
	}

	return nil
}

// ListEntitiesWithoutSummary returns entities that have content and an
// embedding but no summary yet, ordered oldest first.
func (s *Store) ListEntitiesWithoutSummary(ctx context.Context, entityType types.EntityType, ownerScope string, limit int) ([]types.Entity, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT e.id, e.entity_type, e.owner_scope, e.project, e.name,
		       e.file_path, e.content, e.embedding, e.has_code_references,
		       e.metadata, e.created_at
		FROM entities e
		LEFT JOIN entity_summaries es
		       ON es.entity_id = e.id AND es.entity_type = e.entity_type
		WHERE es.entity_id IS NULL
		  AND e.content != ''
		  AND e.embedding IS NOT NULL
	`

	var args []interface{}
	if entityType != "" {
		query += " AND e.entity_type = ?"
		args = append(args, string(entityType))
	}
	if ownerScope != "" {
		query += " AND e.owner_scope = ?"
		args = append(args, ownerScope)
	}

	query += " ORDER BY e.created_at ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list entities without summary: %w", err)
	}
	defer rows.Close()

	var entities []types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan entity: %w", err)
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating entities: %w", err)
	}

	return entities, nil
}

// FindCodeEntitiesByName returns code entities in the project whose name
// equals or contains the given name. Exact matches sort first.
func (s *Store) FindCodeEntitiesByName(ctx context.Context, project, name string, limit int) ([]types.Entity, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", graph.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT id, entity_type, owner_scope, project, name, file_path,
		       content, embedding, has_code_references, metadata, created_at
		FROM entities
		WHERE entity_type = 'code'
		  AND project = ?
		  AND name LIKE '%' || ? || '%'
		ORDER BY (name = ?) DESC, name ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, project, name, name, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to find code entities: %w", err)
	}
	defer rows.Close()

	var entities []types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan entity: %w", err)
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating entities: %w", err)
	}

	return entities, nil
}

// scanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row scanner) (*types.Entity, error) {
	var e types.Entity
	var name, filePath, metadataJSON sql.NullString
	var embeddingBlob []byte

	err := row.Scan(
		&e.ID,
		&e.Type,
		&e.OwnerScope,
		&e.Project,
		&name,
		&filePath,
		&e.Content,
		&embeddingBlob,
		&e.HasCodeReferences,
		&metadataJSON,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if name.Valid {
		e.Name = name.String
	}
	if filePath.Valid {
		e.FilePath = filePath.String
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entity metadata: %w", err)
		}
	}
	if e.Embedding, err = graph.DeserializeEmbedding(embeddingBlob); err != nil {
		return nil, err
	}

	return &e, nil
}

// nullableString converts a string to sql.NullString (NULL when empty).
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullableBytes converts a byte slice to sql.NullString (NULL when nil or empty).
func nullableBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: string(b), Valid: true}
}
