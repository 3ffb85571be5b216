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

const patternColumns = `
	id, pattern_type, pattern_name, scope_id, scope_data,
	confidence, frequency, first_detected, last_validated, last_updated,
	batch_id, metadata
`

const (
	edgeFoundIn     = "found_in"
	edgeDerivedFrom = "derived_from"
)

// MergePattern upserts a pattern by its natural key. Frequency accumulates
// and confidence takes the max across runs.
func (s *Store) MergePattern(ctx context.Context, p *types.Pattern) (*types.Pattern, bool, error) {
	if p == nil {
		return nil, false, graph.ErrInvalidInput
	}
	if p.Key.PatternType == "" || p.Key.PatternName == "" || p.Key.ScopeID == "" {
		return nil, false, fmt.Errorf("%w: pattern requires type, name and scope id", graph.ErrInvalidInput)
	}
	if p.ID == "" {
		return nil, false, fmt.Errorf("%w: pattern ID is required", graph.ErrInvalidInput)
	}

	var metadataJSON []byte
	var err error
	if p.Metadata != nil {
		metadataJSON, err = json.Marshal(p.Metadata)
		if err != nil {
			return nil, false, fmt.Errorf("sqlite: failed to marshal pattern metadata: %w", err)
		}
	}

	now := time.Now()
	if p.FirstDetected.IsZero() {
		p.FirstDetected = now
	}
	if p.LastValidated.IsZero() {
		p.LastValidated = now
	}
	if p.LastUpdated.IsZero() {
		p.LastUpdated = now
	}

	query := `
		INSERT INTO patterns (
			id, pattern_type, pattern_name, scope_id, scope_data,
			confidence, frequency, first_detected, last_validated, last_updated,
			batch_id, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pattern_type, pattern_name, scope_id, scope_data) DO UPDATE SET
			confidence = MAX(patterns.confidence, excluded.confidence),
			frequency = patterns.frequency + excluded.frequency,
			last_validated = excluded.last_validated,
			last_updated = excluded.last_updated,
			batch_id = excluded.batch_id,
			metadata = excluded.metadata
	`

	_, err = s.db.ExecContext(ctx, query,
		p.ID,
		p.Key.PatternType,
		p.Key.PatternName,
		p.Key.ScopeID,
		p.Key.ScopeData,
		p.Confidence,
		p.Frequency,
		p.FirstDetected,
		p.LastValidated,
		p.LastUpdated,
		nullableString(p.BatchID),
		nullableBytes(metadataJSON),
	)
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: failed to merge pattern: %w", err)
	}

	stored, err := s.GetPattern(ctx, p.Key)
	if err != nil {
		return nil, false, err
	}

	return stored, stored.ID == p.ID, nil
}

// GetPattern retrieves a pattern by natural key.
func (s *Store) GetPattern(ctx context.Context, key types.PatternKey) (*types.Pattern, error) {
	query := `SELECT ` + patternColumns + ` FROM patterns
		WHERE pattern_type = ? AND pattern_name = ? AND scope_id = ? AND scope_data = ?`

	p, err := scanPattern(s.db.QueryRowContext(ctx, query,
		key.PatternType, key.PatternName, key.ScopeID, key.ScopeData))
	if err == sql.ErrNoRows {
		return nil, graph.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get pattern: %w", err)
	}
	return p, nil
}

// LinkPatternEvidence idempotently records FOUND_IN edges from the pattern to
// the given summaries, and DERIVED_FROM edges to the entities those summaries
// describe. Returns the number of new edges written.
func (s *Store) LinkPatternEvidence(ctx context.Context, key types.PatternKey, summaryIDs []string) (int, error) {
	if len(summaryIDs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var patternID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM patterns
		WHERE pattern_type = ? AND pattern_name = ? AND scope_id = ? AND scope_data = ?
	`, key.PatternType, key.PatternName, key.ScopeID, key.ScopeData).Scan(&patternID)
	if err == sql.ErrNoRows {
		return 0, graph.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to resolve pattern: %w", err)
	}

	insert := `
		INSERT INTO pattern_evidence (pattern_id, edge_type, target_id, target_type)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (pattern_id, edge_type, target_id, target_type) DO NOTHING
	`

	linked := 0
	for _, summaryID := range summaryIDs {
		result, err := tx.ExecContext(ctx, insert, patternID, edgeFoundIn, summaryID, typeSummary)
		if err != nil {
			return 0, fmt.Errorf("sqlite: failed to link pattern evidence: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("sqlite: failed to check rows affected: %w", err)
		}
		linked += int(n)

		// Follow the summary back to its source entity for the provenance
		// edge. A summary deleted between detection and linking is skipped.
		var entityID, entityType string
		err = tx.QueryRowContext(ctx,
			`SELECT entity_id, entity_type FROM entity_summaries WHERE id = ?`,
			summaryID,
		).Scan(&entityID, &entityType)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("sqlite: failed to resolve summary entity: %w", err)
		}

		result, err = tx.ExecContext(ctx, insert, patternID, edgeDerivedFrom, entityID, entityType)
		if err != nil {
			return 0, fmt.Errorf("sqlite: failed to link pattern provenance: %w", err)
		}
		n, err = result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("sqlite: failed to check rows affected: %w", err)
		}
		linked += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: failed to commit evidence links: %w", err)
	}

	return linked, nil
}

func scanPattern(row scanner) (*types.Pattern, error) {
	var p types.Pattern
	var batchID, metadataJSON sql.NullString

	err := row.Scan(
		&p.ID,
		&p.Key.PatternType,
		&p.Key.PatternName,
		&p.Key.ScopeID,
		&p.Key.ScopeData,
		&p.Confidence,
		&p.Frequency,
		&p.FirstDetected,
		&p.LastValidated,
		&p.LastUpdated,
		&batchID,
		&metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	if batchID.Valid {
		p.BatchID = batchID.String
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pattern metadata: %w", err)
		}
	}

	return &p, nil
}
