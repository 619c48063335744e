package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LatestCheckpoint returns the most recently started run, or nil when no run
// has ever been recorded.
func (s *pgStore) LatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.pool.QueryRow(ctx, `
		SELECT run_id, phase, page_cursor, outcome, started_at, finished_at, summary
		FROM run_checkpoints
		ORDER BY started_at DESC
		LIMIT 1`).Scan(
		&cp.RunID, &cp.Phase, &cp.PageCursor, &cp.Outcome,
		&cp.StartedAt, &cp.FinishedAt, &cp.Summary,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest checkpoint: %w", err)
	}
	return &cp, nil
}

// SaveCheckpoint upserts a checkpoint by run ID, refreshing phase, cursor,
// and outcome.
func (s *pgStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("checkpoint is required")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_checkpoints (run_id, phase, page_cursor, outcome, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO UPDATE SET
			phase = EXCLUDED.phase,
			page_cursor = EXCLUDED.page_cursor,
			outcome = EXCLUDED.outcome`,
		cp.RunID, cp.Phase, cp.PageCursor, cp.Outcome, cp.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// FinishCheckpoint records the terminal outcome and summary of a run.
func (s *pgStore) FinishCheckpoint(ctx context.Context, runID uuid.UUID, outcome string, summary []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE run_checkpoints
		SET outcome = $2, finished_at = now(), summary = $3
		WHERE run_id = $1`,
		runID, outcome, summary,
	)
	if err != nil {
		return fmt.Errorf("failed to finish checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("checkpoint not found: %s", runID)
	}
	return nil
}
