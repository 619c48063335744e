package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// InsertPendingReleases records unknown (extension, version) pairs as pending.
// Known versions are deliberately left untouched: releases are immutable once
// recorded.
func (s *pgStore) InsertPendingReleases(ctx context.Context, releases []Release) (int64, error) {
	if len(releases) == 0 {
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

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE temp_releases (
			extension_id UUID NOT NULL,
			version TEXT NOT NULL,
			flags TEXT[] NOT NULL,
			published_at TIMESTAMPTZ
		) ON COMMIT DROP`); err != nil {
		return 0, fmt.Errorf("failed to create temp release table: %w", err)
	}

	rows := make([][]any, 0, len(releases))
	for _, r := range releases {
		flags := r.Flags
		if flags == nil {
			flags = []string{}
		}
		rows = append(rows, []any{r.ExtensionID, r.Version, flags, r.PublishedAt})
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"temp_releases"},
		[]string{"extension_id", "version", "flags", "published_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to copy releases to temp table: %w", err)
	}
	if int(copyCount) != len(releases) {
		return 0, fmt.Errorf("copy count mismatch: expected %d, got %d", len(releases), copyCount)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO releases (extension_id, version, flags, published_at)
		SELECT DISTINCT ON (extension_id, version)
		       extension_id, version, flags, published_at
		FROM temp_releases
		ON CONFLICT (extension_id, version) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("failed to insert releases from temp table: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return tag.RowsAffected(), nil
}

// SetReleasesSyncedVersion records that the extension's release history is
// complete up to the given version, enabling the skip on later runs.
func (s *pgStore) SetReleasesSyncedVersion(ctx context.Context, extensionID uuid.UUID, version string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE extensions SET releases_synced_version = $2 WHERE id = $1`,
		extensionID, version,
	)
	if err != nil {
		return fmt.Errorf("failed to set releases synced version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("extension not found: %s", extensionID)
	}
	return nil
}

// AcquisitionCandidates returns releases whose archive still needs fetching.
// Releases at or above the attempt ceiling stay failed and are excluded.
func (s *pgStore) AcquisitionCandidates(ctx context.Context, maxAttempts int) ([]ReleaseCandidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.extension_id, r.version, p.publisher_name, e.extension_name, r.attempts
		FROM releases r
		JOIN extensions e ON e.id = r.extension_id
		JOIN publishers p ON p.id = e.publisher_id
		WHERE r.status = 'pending'
		   OR (r.status = 'failed' AND r.attempts < $1)
		ORDER BY r.extension_id, r.version`,
		maxAttempts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query acquisition candidates: %w", err)
	}
	defer rows.Close()

	var candidates []ReleaseCandidate
	for rows.Next() {
		var c ReleaseCandidate
		if err := rows.Scan(
			&c.ID, &c.ExtensionID, &c.Version,
			&c.PublisherName, &c.ExtensionName, &c.Attempts,
		); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read acquisition candidates: %w", err)
	}

	return candidates, nil
}

// ClaimRelease performs the compare-and-swap claim. The WHERE clause is the
// mutual exclusion: only one worker's UPDATE matches.
func (s *pgStore) ClaimRelease(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE releases
		SET status = 'in_progress', claimed_at = now(), attempts = attempts + 1
		WHERE id = $1 AND status IN ('pending', 'failed')`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim release: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkReleaseStored completes a claim. The COALESCE keeps an already recorded
// content address immutable.
func (s *pgStore) MarkReleaseStored(ctx context.Context, id uuid.UUID, contentAddress string, size int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE releases
		SET status = 'stored',
		    content_address = COALESCE(content_address, $2),
		    asset_size = COALESCE(asset_size, $3),
		    stored_at = now(),
		    claimed_at = NULL,
		    last_error = NULL
		WHERE id = $1 AND status = 'in_progress'`,
		id, contentAddress, size,
	)
	if err != nil {
		return fmt.Errorf("failed to mark release stored: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release %s is not in progress", id)
	}
	return nil
}

// RevertClaim returns a claimed release to pending after a failed attempt so
// it is retried on the next run rather than left stranded.
func (s *pgStore) RevertClaim(ctx context.Context, id uuid.UUID, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE releases
		SET status = 'pending', claimed_at = NULL, last_error = $2
		WHERE id = $1 AND status = 'in_progress'`,
		id, truncateError(lastError),
	)
	if err != nil {
		return fmt.Errorf("failed to revert claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release %s is not in progress", id)
	}
	return nil
}

// MarkReleaseFailed records a permanently exhausted attempt budget.
func (s *pgStore) MarkReleaseFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE releases
		SET status = 'failed', claimed_at = NULL, last_error = $2
		WHERE id = $1 AND status = 'in_progress'`,
		id, truncateError(lastError),
	)
	if err != nil {
		return fmt.Errorf("failed to mark release failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release %s is not in progress", id)
	}
	return nil
}

// ReclaimStaleClaims rescues releases claimed by a downloader that never
// finished, typically after a crash.
func (s *pgStore) ReclaimStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE releases
		SET status = 'pending', claimed_at = NULL
		WHERE status = 'in_progress' AND claimed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StoredReleases returns all releases with an acquired archive.
func (s *pgStore) StoredReleases(ctx context.Context) ([]StoredRelease, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, extension_id, version, content_address
		FROM releases
		WHERE status = 'stored' AND content_address IS NOT NULL
		ORDER BY extension_id, version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stored releases: %w", err)
	}
	defer rows.Close()

	var stored []StoredRelease
	for rows.Next() {
		var r StoredRelease
		if err := rows.Scan(&r.ID, &r.ExtensionID, &r.Version, &r.ContentAddress); err != nil {
			return nil, fmt.Errorf("failed to scan stored release: %w", err)
		}
		stored = append(stored, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stored releases: %w", err)
	}

	return stored, nil
}

// CountReleasesByStatus returns the release count per lifecycle state.
func (s *pgStore) CountReleasesByStatus(ctx context.Context) (map[ReleaseStatus]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM releases GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count releases: %w", err)
	}
	defer rows.Close()

	counts := make(map[ReleaseStatus]int64)
	for rows.Next() {
		var status ReleaseStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan release count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read release counts: %w", err)
	}

	return counts, nil
}

// truncateError bounds stored error text; upstream bodies can be arbitrarily
// large.
func truncateError(msg string) string {
	const maxLen = 1024
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}
