package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// UpsertReviews upserts reviews by marketplace review ID through a temp table.
func (s *pgStore) UpsertReviews(ctx context.Context, reviews []Review) (int64, error) {
	if len(reviews) == 0 {
		return 0, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			_ = rollbackErr
		}
	}()

	if _, err := tx.Exec(ctx,
		`CREATE TEMP TABLE temp_reviews (LIKE reviews INCLUDING DEFAULTS) ON COMMIT DROP`,
	); err != nil {
		return 0, fmt.Errorf("failed to create temp review table: %w", err)
	}

	rows := make([][]any, 0, len(reviews))
	seen := make(map[int64]bool, len(reviews))
	for _, r := range reviews {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		rows = append(rows, []any{
			r.ID, r.ExtensionID, r.UserDisplayName, r.Rating, r.Comment, r.UpdatedAt,
		})
	}

	if _, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"temp_reviews"},
		[]string{"id", "extension_id", "user_display_name", "rating", "comment", "updated_at"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return 0, fmt.Errorf("failed to copy reviews to temp table: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO reviews (id, extension_id, user_display_name, rating, comment, updated_at)
		SELECT id, extension_id, user_display_name, rating, comment, updated_at
		FROM temp_reviews
		ON CONFLICT (id) DO UPDATE SET
			user_display_name = EXCLUDED.user_display_name,
			rating = EXCLUDED.rating,
			comment = EXCLUDED.comment,
			updated_at = EXCLUDED.updated_at`)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert reviews from temp table: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return tag.RowsAffected(), nil
}
