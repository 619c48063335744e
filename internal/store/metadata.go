package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UpsertCatalogBatch upserts one page worth of publishers and extensions.
//
// The batch is written through temp tables and COPY, then bulk upserted with
// ON CONFLICT so existing rows keep their identity while their fields are
// refreshed. The whole batch commits in one serializable transaction.
func (s *pgStore) UpsertCatalogBatch(
	ctx context.Context, publishers []Publisher, extensions []Extension,
) (*MetadataCounts, error) {
	counts := &MetadataCounts{}
	if len(publishers) == 0 && len(extensions) == 0 {
		return counts, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			_ = rollbackErr
		}
	}()

	created, updated, err := upsertPublishers(ctx, tx, dedupePublishers(publishers))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert publishers: %w", err)
	}
	counts.PublishersCreated = created
	counts.PublishersUpdated = updated

	created, updated, err = upsertExtensions(ctx, tx, dedupeExtensions(extensions))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert extensions: %w", err)
	}
	counts.ExtensionsCreated = created
	counts.ExtensionsUpdated = updated

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return counts, nil
}

// DeactivateUnseen marks active extensions last seen before the threshold as
// inactive. This is the reconciliation sweep that tolerates catalog entries
// deleted between runs.
func (s *pgStore) DeactivateUnseen(ctx context.Context, threshold time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE extensions SET active = FALSE WHERE active AND last_seen_at < $1`,
		threshold,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate unseen extensions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ActiveExtensions returns all active extensions joined with their publisher
// names, ordered by identifier for deterministic processing.
func (s *pgStore) ActiveExtensions(ctx context.Context) ([]ExtensionRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.identifier, p.publisher_name, e.extension_name,
		       e.latest_version, e.releases_synced_version
		FROM extensions e
		JOIN publishers p ON p.id = e.publisher_id
		WHERE e.active
		ORDER BY e.identifier`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active extensions: %w", err)
	}
	defer rows.Close()

	var refs []ExtensionRef
	for rows.Next() {
		var ref ExtensionRef
		if err := rows.Scan(
			&ref.ID, &ref.Identifier, &ref.PublisherName, &ref.Name,
			&ref.LatestVersion, &ref.ReleasesSyncedVersion,
		); err != nil {
			return nil, fmt.Errorf("failed to scan extension: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read active extensions: %w", err)
	}

	return refs, nil
}

// upsertPublishers bulk upserts publishers through a temp table and reports
// how many rows were created versus refreshed.
func upsertPublishers(ctx context.Context, tx pgx.Tx, publishers []Publisher) (created, updated int64, err error) {
	if len(publishers) == 0 {
		return 0, 0, nil
	}

	if _, err := tx.Exec(ctx,
		`CREATE TEMP TABLE temp_publishers (LIKE publishers INCLUDING DEFAULTS) ON COMMIT DROP`,
	); err != nil {
		return 0, 0, fmt.Errorf("failed to create temp publisher table: %w", err)
	}

	rows := make([][]any, 0, len(publishers))
	for _, p := range publishers {
		rows = append(rows, []any{
			p.ID, p.Name, p.DisplayName, nilIfEmpty(p.Domain),
			p.DomainVerified, p.Flags, p.SeenAt, p.SeenAt,
		})
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"temp_publishers"},
		[]string{"id", "publisher_name", "display_name", "domain",
			"domain_verified", "flags", "first_seen_at", "last_seen_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to copy publishers to temp table: %w", err)
	}
	if int(copyCount) != len(publishers) {
		return 0, 0, fmt.Errorf("copy count mismatch: expected %d, got %d", len(publishers), copyCount)
	}

	// xmax = 0 distinguishes freshly inserted rows from updated ones.
	resultRows, err := tx.Query(ctx, `
		INSERT INTO publishers (
			id, publisher_name, display_name, domain, domain_verified,
			flags, first_seen_at, last_seen_at
		)
		SELECT id, publisher_name, display_name, domain, domain_verified,
		       flags, first_seen_at, last_seen_at
		FROM temp_publishers
		ON CONFLICT (id) DO UPDATE SET
			publisher_name = EXCLUDED.publisher_name,
			display_name = EXCLUDED.display_name,
			domain = EXCLUDED.domain,
			domain_verified = EXCLUDED.domain_verified,
			flags = EXCLUDED.flags,
			last_seen_at = EXCLUDED.last_seen_at
		RETURNING (xmax = 0)`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to upsert publishers from temp table: %w", err)
	}

	return countInserted(resultRows)
}

// upsertExtensions bulk upserts extensions through a temp table. Reappearing
// extensions are reactivated.
func upsertExtensions(ctx context.Context, tx pgx.Tx, extensions []Extension) (created, updated int64, err error) {
	if len(extensions) == 0 {
		return 0, 0, nil
	}

	if _, err := tx.Exec(ctx,
		`CREATE TEMP TABLE temp_extensions (LIKE extensions INCLUDING DEFAULTS) ON COMMIT DROP`,
	); err != nil {
		return 0, 0, fmt.Errorf("failed to create temp extension table: %w", err)
	}

	rows := make([][]any, 0, len(extensions))
	for _, e := range extensions {
		rows = append(rows, []any{
			e.ID, e.PublisherID, e.Name, e.DisplayName, e.Identifier,
			e.ShortDescription, e.Flags, e.InstallCount, e.AverageRating,
			e.RatingCount, e.PublishedAt, e.ReleasedAt, e.LastUpdatedAt,
			e.LatestVersion, e.SeenAt,
		})
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"temp_extensions"},
		[]string{"id", "publisher_id", "extension_name", "display_name",
			"identifier", "short_description", "flags", "install_count",
			"average_rating", "rating_count", "published_at", "released_at",
			"last_updated_at", "latest_version", "last_seen_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to copy extensions to temp table: %w", err)
	}
	if int(copyCount) != len(extensions) {
		return 0, 0, fmt.Errorf("copy count mismatch: expected %d, got %d", len(extensions), copyCount)
	}

	resultRows, err := tx.Query(ctx, `
		INSERT INTO extensions (
			id, publisher_id, extension_name, display_name, identifier,
			short_description, flags, install_count, average_rating,
			rating_count, published_at, released_at, last_updated_at,
			latest_version, last_seen_at
		)
		SELECT id, publisher_id, extension_name, display_name, identifier,
		       short_description, flags, install_count, average_rating,
		       rating_count, published_at, released_at, last_updated_at,
		       latest_version, last_seen_at
		FROM temp_extensions
		ON CONFLICT (id) DO UPDATE SET
			publisher_id = EXCLUDED.publisher_id,
			extension_name = EXCLUDED.extension_name,
			display_name = EXCLUDED.display_name,
			identifier = EXCLUDED.identifier,
			short_description = EXCLUDED.short_description,
			flags = EXCLUDED.flags,
			install_count = EXCLUDED.install_count,
			average_rating = EXCLUDED.average_rating,
			rating_count = EXCLUDED.rating_count,
			published_at = EXCLUDED.published_at,
			released_at = EXCLUDED.released_at,
			last_updated_at = EXCLUDED.last_updated_at,
			latest_version = EXCLUDED.latest_version,
			last_seen_at = EXCLUDED.last_seen_at,
			active = TRUE
		RETURNING (xmax = 0)`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to upsert extensions from temp table: %w", err)
	}

	return countInserted(resultRows)
}

// countInserted tallies the boolean RETURNING column of an upsert.
func countInserted(rows pgx.Rows) (created, updated int64, err error) {
	defer rows.Close()
	for rows.Next() {
		var inserted bool
		if err := rows.Scan(&inserted); err != nil {
			return 0, 0, fmt.Errorf("failed to scan upsert result: %w", err)
		}
		if inserted {
			created++
		} else {
			updated++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to read upsert results: %w", err)
	}
	return created, updated, nil
}

// dedupePublishers drops repeated publisher IDs within a batch; a single page
// carries one publisher entry per extension.
func dedupePublishers(publishers []Publisher) []Publisher {
	seen := make(map[string]bool, len(publishers))
	out := publishers[:0:0]
	for _, p := range publishers {
		key := p.ID.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

// dedupeExtensions drops repeated extension IDs within a batch.
func dedupeExtensions(extensions []Extension) []Extension {
	seen := make(map[string]bool, len(extensions))
	out := extensions[:0:0]
	for _, e := range extensions {
		key := e.ID.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

// nilIfEmpty returns nil if the string is empty, otherwise a pointer to it.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
