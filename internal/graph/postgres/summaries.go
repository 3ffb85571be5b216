package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/corvidae/knograph/internal/graph"
	"github.com/corvidae/knograph/pkg/types"
)

// summaryColumns is the canonical column order for summary reads.
const summaryColumns = `
	id, entity_id, entity_type, owner_scope, project,
	embedding, keyword_frequencies, pattern_signals, batch_id,
	created_at, updated_at, processed_at
`

// typeSummary is the to_type used on summary linkage edges in the
// relationships table.
const typeSummary = "summary"

// Linkage edge labels between an entity and its summary. Maintained as a
// pair inside the MergeSummary transaction so neither direction can exist
// without the other.
const (
	relHasSummary = "has_summary"
	relSummarizes = "summarizes"
)

// MergeSummary upserts a summary by its (EntityID, EntityType) natural key.
//
// The whole operation runs in one transaction: the INSERT ... ON CONFLICT
// resolves the match-or-create atomically (concurrent callers for the same
// entity serialize on the unique key and all but one take the update path),
// and both linkage edges are written with the surviving summary's identity.
func (s *Store) MergeSummary(ctx context.Context, sum *types.EntitySummary) (*types.EntitySummary, bool, error) {
	if sum == nil {
		return nil, false, graph.ErrInvalidInput
	}
	if sum.EntityID == "" || !sum.EntityType.Valid() {
		return nil, false, fmt.Errorf("%w: summary requires entity_id and a valid entity_type", graph.ErrInvalidInput)
	}
	if sum.ID == "" {
		return nil, false, fmt.Errorf("%w: summary ID is required", graph.ErrInvalidInput)
	}

	freqJSON, err := json.Marshal(sum.KeywordFrequencies)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: failed to marshal keyword frequencies: %w", err)
	}
	signalsJSON, err := json.Marshal(sum.Signals)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: failed to marshal pattern signals: %w", err)
	}

	now := time.Now()
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = now
	}
	if sum.UpdatedAt.IsZero() {
		sum.UpdatedAt = now
	}
	if sum.ProcessedAt.IsZero() {
		sum.ProcessedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// On conflict the existing row keeps its id and created_at; only derived
	// state and the update timestamps change. The returned id therefore tells
	// us which path was taken.
	query := `
		INSERT INTO entity_summaries (
			id, entity_id, entity_type, owner_scope, project,
			embedding, keyword_frequencies, pattern_signals, batch_id,
			created_at, updated_at, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (entity_id, entity_type) DO UPDATE SET
			owner_scope = EXCLUDED.owner_scope,
			project = EXCLUDED.project,
			embedding = EXCLUDED.embedding,
			keyword_frequencies = EXCLUDED.keyword_frequencies,
			pattern_signals = EXCLUDED.pattern_signals,
			batch_id = EXCLUDED.batch_id,
			updated_at = EXCLUDED.updated_at,
			processed_at = EXCLUDED.processed_at
		RETURNING ` + summaryColumns

	row := tx.QueryRowContext(ctx, query,
		sum.ID,
		sum.EntityID,
		string(sum.EntityType),
		sum.OwnerScope,
		sum.Project,
		graph.SerializeEmbedding(sum.Embedding),
		nullableBytes(freqJSON),
		nullableBytes(signalsJSON),
		nullableString(sum.BatchID),
		sum.CreatedAt,
		sum.UpdatedAt,
		sum.ProcessedAt,
	)

	stored, err := scanSummaryRow(row)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: failed to merge summary: %w", err)
	}
	created := stored.ID == sum.ID

	if s.pgvectorAvailable && len(stored.Embedding) == s.dimensions {
		vec := pgvector.NewVector(stored.Embedding)
		_, err = tx.ExecContext(ctx,
			`UPDATE entity_summaries SET embedding_vec = $1 WHERE id = $2`,
			vec, stored.ID,
		)
		if err != nil {
			return nil, false, fmt.Errorf("postgres: failed to store summary vector: %w", err)
		}
	}

	// Maintain the entity<->summary linkage pair. Idempotent, so the update
	// path is a no-op when the edges already exist.
	linkage := `
		INSERT INTO relationships (from_id, from_type, to_id, to_type, rel_type, detection_method, similarity, detected_at)
		VALUES ($1, $2, $3, $4, $5, 'derivation', 1.0, $6)
		ON CONFLICT (from_id, from_type, to_id, to_type, rel_type, detection_method) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, linkage,
		stored.EntityID, string(stored.EntityType), stored.ID, typeSummary, relHasSummary, now,
	); err != nil {
		return nil, false, fmt.Errorf("postgres: failed to link summary: %w", err)
	}
	if _, err := tx.ExecContext(ctx, linkage,
		stored.ID, typeSummary, stored.EntityID, string(stored.EntityType), relSummarizes, now,
	); err != nil {
		return nil, false, fmt.Errorf("postgres: failed to link summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("postgres: failed to commit summary merge: %w", err)
	}

	return stored, created, nil
}

// GetSummary retrieves the summary for an entity.
func (s *Store) GetSummary(ctx context.Context, ref types.EntityRef) (*types.EntitySummary, error) {
	if ref.ID == "" || !ref.Type.Valid() {
		return nil, fmt.Errorf("%w: entity ref requires id and a valid type", graph.ErrInvalidInput)
	}

	query := `SELECT ` + summaryColumns + ` FROM entity_summaries WHERE entity_id = $1 AND entity_type = $2`
	row := s.db.QueryRowContext(ctx, query, ref.ID, string(ref.Type))

	sum, err := scanSummaryRow(row)
	if err == sql.ErrNoRows {
		return nil, graph.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get summary: %w", err)
	}
	return sum, nil
}

// CountSummaries returns the number of summaries for an entity.
func (s *Store) CountSummaries(ctx context.Context, ref types.EntityRef) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entity_summaries WHERE entity_id = $1 AND entity_type = $2`,
		ref.ID, string(ref.Type),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to count summaries: %w", err)
	}
	return count, nil
}

// ListSummaries returns summaries matching the filter, newest first.
func (s *Store) ListSummaries(ctx context.Context, filter graph.SummaryFilter) ([]types.EntitySummary, error) {
	query := `SELECT ` + summaryColumns + ` FROM entity_summaries WHERE 1=1`
	var args []interface{}

	if filter.EntityType != "" {
		args = append(args, string(filter.EntityType))
		query += fmt.Sprintf(" AND entity_type = $%d", len(args))
	}
	if filter.OwnerScope != "" {
		args = append(args, filter.OwnerScope)
		query += fmt.Sprintf(" AND owner_scope = $%d", len(args))
	}
	if filter.Project != "" {
		args = append(args, filter.Project)
		query += fmt.Sprintf(" AND project = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	if filter.RequireEmbedding {
		query += " AND embedding IS NOT NULL"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, entity_id ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list summaries: %w", err)
	}
	defer rows.Close()

	var summaries []types.EntitySummary
	for rows.Next() {
		sum, err := scanSummaryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan summary: %w", err)
		}
		summaries = append(summaries, *sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: error iterating summaries: %w", err)
	}

	return summaries, nil
}

// SimilarSummaries returns the top-K summaries by cosine similarity to the
// query embedding. Uses pgvector cosine distance when available; otherwise
// scans matching candidates and scores them in Go.
func (s *Store) SimilarSummaries(ctx context.Context, q graph.SimilarityQuery) ([]graph.SummaryMatch, error) {
	if len(q.Embedding) == 0 {
		return nil, fmt.Errorf("%w: query embedding is required", graph.ErrInvalidInput)
	}

	topK := q.TopK
	if topK <= 0 {
		topK = 5
	}

	if s.pgvectorAvailable && len(q.Embedding) == s.dimensions {
		return s.similarSummariesVec(ctx, q, topK)
	}
	return s.similarSummariesScan(ctx, q, topK)
}

// similarSummariesVec runs the similarity query store-side via pgvector.
func (s *Store) similarSummariesVec(ctx context.Context, q graph.SimilarityQuery, topK int) ([]graph.SummaryMatch, error) {
	vec := pgvector.NewVector(q.Embedding)

	query := `SELECT ` + summaryColumns + `, 1 - (embedding_vec <=> $1) AS similarity
		FROM entity_summaries
		WHERE embedding_vec IS NOT NULL`
	args := []interface{}{vec}

	if q.EntityType != "" {
		args = append(args, string(q.EntityType))
		query += fmt.Sprintf(" AND entity_type = $%d", len(args))
	}
	if q.OwnerScope != "" {
		args = append(args, q.OwnerScope)
		query += fmt.Sprintf(" AND owner_scope = $%d", len(args))
	}
	if q.Project != "" {
		args = append(args, q.Project)
		query += fmt.Sprintf(" AND project = $%d", len(args))
	}
	if q.Exclude.ID != "" {
		args = append(args, q.Exclude.ID, string(q.Exclude.Type))
		query += fmt.Sprintf(" AND NOT (entity_id = $%d AND entity_type = $%d)", len(args)-1, len(args))
	}
	if q.MinSimilarity > 0 {
		args = append(args, q.MinSimilarity)
		query += fmt.Sprintf(" AND 1 - (embedding_vec <=> $1) >= $%d", len(args))
	}

	// Ties break on created_at then entity_id so paging is deterministic.
	args = append(args, topK)
	query += fmt.Sprintf(" ORDER BY embedding_vec <=> $1 ASC, created_at ASC, entity_id ASC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query similar summaries: %w", err)
	}
	defer rows.Close()

	var matches []graph.SummaryMatch
	for rows.Next() {
		sum, similarity, err := scanSummaryWithSimilarity(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan similarity match: %w", err)
		}
		matches = append(matches, graph.SummaryMatch{Summary: *sum, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: error iterating similarity matches: %w", err)
	}

	return matches, nil
}

// similarSummariesScan is the fallback path without pgvector: fetch matching
// candidates ordered oldest first and score them in Go.
func (s *Store) similarSummariesScan(ctx context.Context, q graph.SimilarityQuery, topK int) ([]graph.SummaryMatch, error) {
	candidates, err := s.ListSummaries(ctx, graph.SummaryFilter{
		EntityType:       q.EntityType,
		OwnerScope:       q.OwnerScope,
		Project:          q.Project,
		RequireEmbedding: true,
		Limit:            10000,
	})
	if err != nil {
		return nil, err
	}

	return graph.RankBySimilarity(candidates, q, topK), nil
}

// scanner abstracts *sql.Row and *sql.Rows for the summary scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSummaryRow(row scanner) (*types.EntitySummary, error) {
	var sum types.EntitySummary
	var batchID, freqJSON, signalsJSON sql.NullString
	var embeddingBlob []byte

	err := row.Scan(
		&sum.ID,
		&sum.EntityID,
		&sum.EntityType,
		&sum.OwnerScope,
		&sum.Project,
		&embeddingBlob,
		&freqJSON,
		&signalsJSON,
		&batchID,
		&sum.CreatedAt,
		&sum.UpdatedAt,
		&sum.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	if batchID.Valid {
		sum.BatchID = batchID.String
	}
	if freqJSON.Valid && freqJSON.String != "" {
		if err := json.Unmarshal([]byte(freqJSON.String), &sum.KeywordFrequencies); err != nil {
			return nil, fmt.Errorf("failed to unmarshal keyword frequencies: %w", err)
		}
	}
	if signalsJSON.Valid && signalsJSON.String != "" {
		if err := json.Unmarshal([]byte(signalsJSON.String), &sum.Signals); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pattern signals: %w", err)
		}
	}
	if sum.Embedding, err = graph.DeserializeEmbedding(embeddingBlob); err != nil {
		return nil, err
	}

	return &sum, nil
}

func scanSummaryWithSimilarity(rows *sql.Rows) (*types.EntitySummary, float64, error) {
	var sum types.EntitySummary
	var batchID, freqJSON, signalsJSON sql.NullString
	var embeddingBlob []byte
	var similarity float64

	err := rows.Scan(
		&sum.ID,
		&sum.EntityID,
		&sum.EntityType,
		&sum.OwnerScope,
		&sum.Project,
		&embeddingBlob,
		&freqJSON,
		&signalsJSON,
		&batchID,
		&sum.CreatedAt,
		&sum.UpdatedAt,
		&sum.ProcessedAt,
		&similarity,
	)
	if err != nil {
		return nil, 0, err
	}

	if batchID.Valid {
		sum.BatchID = batchID.String
	}
	if freqJSON.Valid && freqJSON.String != "" {
		if err := json.Unmarshal([]byte(freqJSON.String), &sum.KeywordFrequencies); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal keyword frequencies: %w", err)
		}
	}
	if signalsJSON.Valid && signalsJSON.String != "" {
		if err := json.Unmarshal([]byte(signalsJSON.String), &sum.Signals); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal pattern signals: %w", err)
		}
	}
	if sum.Embedding, err = graph.DeserializeEmbedding(embeddingBlob); err != nil {
		return nil, 0, err
	}

	return &sum, similarity, nil
}
