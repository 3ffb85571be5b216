package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/corvidae/knograph/internal/graph"
	"github.com/corvidae/knograph/pkg/types"
)

// RelationshipExists reports whether an edge with the given type and
// detection method already exists for the ordered pair.
func (s *Store) RelationshipExists(ctx context.Context, from, to types.EntityRef, relType string, method types.DetectionMethod) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM relationships
		WHERE from_id = ? AND from_type = ?
		  AND to_id = ? AND to_type = ?
		  AND rel_type = ? AND detection_method = ?
	`, from.ID, string(from.Type), to.ID, string(to.Type), relType, string(method)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("sqlite: failed to check relationship existence: %w", err)
	}
	return count > 0, nil
}

// CountOutgoingRelationships returns the entity's outgoing tracked edge
// count. Summary linkage edges are excluded.
func (s *Store) CountOutgoingRelationships(ctx context.Context, ref types.EntityRef) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM relationships
		WHERE from_id = ? AND from_type = ?
		  AND rel_type IN (?, ?)
	`, ref.ID, string(ref.Type), types.RelReferences, types.RelDiscussedIn).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to count outgoing relationships: %w", err)
	}
	return count, nil
}

// CreateRelationshipPair atomically creates (or refreshes) a forward/backward
// edge pair, re-checking the fan-out cap for both endpoints inside the
// transaction.
func (s *Store) CreateRelationshipPair(ctx context.Context, forward, backward *types.Relationship, maxPerEntity int) error {
	if forward == nil || backward == nil {
		return graph.ErrInvalidInput
	}
	if forward.RelType == "" || backward.RelType == "" {
		return fmt.Errorf("%w: relationship type is required", graph.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if maxPerEntity > 0 {
		for _, rel := range []*types.Relationship{forward, backward} {
			// Refreshing an existing edge never raises fan-out, so the cap
			// only applies to genuinely new edges.
			var exists int
			err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM relationships
				WHERE from_id = ? AND from_type = ?
				  AND to_id = ? AND to_type = ?
				  AND rel_type = ? AND detection_method = ?
			`, rel.From.ID, string(rel.From.Type), rel.To.ID, string(rel.To.Type),
				rel.RelType, string(rel.DetectionMethod)).Scan(&exists)
			if err != nil {
				return fmt.Errorf("sqlite: failed to check edge existence: %w", err)
			}
			if exists > 0 {
				continue
			}

			var count int
			err = tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM relationships
				WHERE from_id = ? AND from_type = ?
				  AND rel_type IN (?, ?)
			`, rel.From.ID, string(rel.From.Type), types.RelReferences, types.RelDiscussedIn).Scan(&count)
			if err != nil {
				return fmt.Errorf("sqlite: failed to count fan-out: %w", err)
			}
			if count >= maxPerEntity {
				return fmt.Errorf("%w: entity %s/%s has %d outgoing edges (max %d)",
					graph.ErrFanOutExceeded, rel.From.Type, rel.From.ID, count, maxPerEntity)
			}
		}
	}

	query := `
		INSERT INTO relationships (
			from_id, from_type, to_id, to_type, rel_type,
			detection_method, similarity, matched_name, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (from_id, from_type, to_id, to_type, rel_type, detection_method) DO UPDATE SET
			similarity = excluded.similarity,
			matched_name = excluded.matched_name,
			detected_at = excluded.detected_at
	`

	for _, rel := range []*types.Relationship{forward, backward} {
		detectedAt := rel.DetectedAt
		if detectedAt.IsZero() {
			detectedAt = time.Now()
		}
		_, err := tx.ExecContext(ctx, query,
			rel.From.ID, string(rel.From.Type),
			rel.To.ID, string(rel.To.Type),
			rel.RelType, string(rel.DetectionMethod),
			rel.Similarity, nullableString(rel.MatchedName), detectedAt,
		)
		if err != nil {
			return fmt.Errorf("sqlite: failed to create relationship: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit relationship pair: %w", err)
	}

	return nil
}
