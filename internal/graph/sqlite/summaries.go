package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/corvidae/knograph/internal/graph"
	"github.com/corvidae/knograph/pkg/types"
)

const summaryColumns = `
	id, entity_id, entity_type, owner_scope, project,
	embedding, keyword_frequencies, pattern_signals, batch_id,
	created_at, updated_at, processed_at
`

const typeSummary = "summary"

const (
	relHasSummary = "has_summary"
	relSummarizes = "summarizes"
)

// MergeSummary upserts a summary by its (EntityID, EntityType) natural key
// and maintains the entity<->summary linkage pair in the same transaction.
// The single-writer connection serialises concurrent merges, and the ON
// CONFLICT clause makes each one a match-or-create on the natural key.
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
		return nil, false, fmt.Errorf("sqlite: failed to marshal keyword frequencies: %w", err)
	}
	signalsJSON, err := json.Marshal(sum.Signals)
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: failed to marshal pattern signals: %w", err)
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
		return nil, false, fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The existing row keeps its id and created_at on conflict, so comparing
	// the stored id with the candidate id tells us which path was taken.
	upsert := `
		INSERT INTO entity_summaries (
			id, entity_id, entity_type, owner_scope, project,
			embedding, keyword_frequencies, pattern_signals, batch_id,
			created_at, updated_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, entity_type) DO UPDATE SET
			owner_scope = excluded.owner_scope,
			project = excluded.project,
			embedding = excluded.embedding,
			keyword_frequencies = excluded.keyword_frequencies,
			pattern_signals = excluded.pattern_signals,
			batch_id = excluded.batch_id,
			updated_at = excluded.updated_at,
			processed_at = excluded.processed_at
	`

	_, err = tx.ExecContext(ctx, upsert,
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
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: failed to merge summary: %w", err)
	}

	stored, err := scanSummary(tx.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM entity_summaries WHERE entity_id = ? AND entity_type = ?`,
		sum.EntityID, string(sum.EntityType),
	))
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: failed to read merged summary: %w", err)
	}
	created := stored.ID == sum.ID

	linkage := `
		INSERT INTO relationships (from_id, from_type, to_id, to_type, rel_type, detection_method, similarity, detected_at)
		VALUES (?, ?, ?, ?, ?, 'derivation', 1.0, ?)
		ON CONFLICT (from_id, from_type, to_id, to_type, rel_type, detection_method) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, linkage,
		stored.EntityID, string(stored.EntityType), stored.ID, typeSummary, relHasSummary, now,
	); err != nil {
		return nil, false, fmt.Errorf("sqlite: failed to link summary: %w", err)
	}
	if _, err := tx.ExecContext(ctx, linkage,
		stored.ID, typeSummary, stored.EntityID, string(stored.EntityType), relSummarizes, now,
	); err != nil {
		return nil, false, fmt.Errorf("sqlite: failed to link summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("sqlite: failed to commit summary merge: %w", err)
	}

	return stored, created, nil
}

// GetSummary retrieves the summary for an entity.
func (s *Store) GetSummary(ctx context.Context, ref types.EntityRef) (*types.EntitySummary, error) {
	if ref.ID == "" || !ref.Type.Valid() {
		return nil, fmt.Errorf("%w: entity ref requires id and a valid type", graph.ErrInvalidInput)
	}

	sum, err := scanSummary(s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM entity_summaries WHERE entity_id = ? AND entity_type = ?`,
		ref.ID, string(ref.Type),
	))
	if err == sql.ErrNoRows {
		return nil, graph.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get summary: %w", err)
	}
	return sum, nil
}

// CountSummaries returns the number of summaries for an entity.
func (s *Store) CountSummaries(ctx context.Context, ref types.EntityRef) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entity_summaries WHERE entity_id = ? AND entity_type = ?`,
		ref.ID, string(ref.Type),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to count summaries: %w", err)
	}
	return count, nil
}

// ListSummaries returns summaries matching the filter, newest first.
func (s *Store) ListSummaries(ctx context.Context, filter graph.SummaryFilter) ([]types.EntitySummary, error) {
	query := `SELECT ` + summaryColumns + ` FROM entity_summaries WHERE 1=1`
	var args []interface{}

	if filter.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, string(filter.EntityType))
	}
	if filter.OwnerScope != "" {
		query += " AND owner_scope = ?"
		args = append(args, filter.OwnerScope)
	}
	if filter.Project != "" {
		query += " AND project = ?"
		args = append(args, filter.Project)
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		query += " AND created_at < ?"
		args = append(args, filter.Until)
	}
	if filter.RequireEmbedding {
		query += " AND embedding IS NOT NULL"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC, entity_id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list summaries: %w", err)
	}
	defer rows.Close()

	var summaries []types.EntitySummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan summary: %w", err)
		}
		summaries = append(summaries, *sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating summaries: %w", err)
	}

	return summaries, nil
}

// SimilarSummaries returns the top-K summaries by cosine similarity to the
// query embedding. Candidates are loaded into Go memory and ranked there;
// SQLite has no native vector type.
func (s *Store) SimilarSummaries(ctx context.Context, q graph.SimilarityQuery) ([]graph.SummaryMatch, error) {
	if len(q.Embedding) == 0 {
		return nil, fmt.Errorf("%w: query embedding is required", graph.ErrInvalidInput)
	}

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

	return graph.RankBySimilarity(candidates, q, q.TopK), nil
}

func scanSummary(row scanner) (*types.EntitySummary, error) {
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
