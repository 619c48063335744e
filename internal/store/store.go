// Package store implements the transactional persistence layer: identifier-keyed
// upserts for publishers and extensions, release status transitions with
// compare-and-swap claim semantics, run checkpoints, and review storage.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the single source of truth for catalog state and claim semantics.
type Store interface {
	// UpsertCatalogBatch upserts one catalog page worth of publishers and
	// extensions by identifier. Reappearing extensions are reactivated.
	UpsertCatalogBatch(ctx context.Context, publishers []Publisher, extensions []Extension) (*MetadataCounts, error)

	// DeactivateUnseen marks every active extension not observed since the
	// threshold as inactive. Rows are never deleted.
	DeactivateUnseen(ctx context.Context, threshold time.Time) (int64, error)

	// ActiveExtensions returns all active extensions with their publisher
	// names, for the release listing phase.
	ActiveExtensions(ctx context.Context) ([]ExtensionRef, error)

	// InsertPendingReleases inserts unknown (extension, version) pairs as
	// pending. Known versions are left untouched. Returns the insert count.
	InsertPendingReleases(ctx context.Context, releases []Release) (int64, error)

	// SetReleasesSyncedVersion records the latest version whose release
	// history has been fully listed for an extension.
	SetReleasesSyncedVersion(ctx context.Context, extensionID uuid.UUID, version string) error

	// AcquisitionCandidates returns releases that still need their archive:
	// pending ones, plus failed ones below the attempt ceiling.
	AcquisitionCandidates(ctx context.Context, maxAttempts int) ([]ReleaseCandidate, error)

	// ClaimRelease transitions a release to in_progress if and only if it
	// is currently claimable. Returns false when another worker won.
	ClaimRelease(ctx context.Context, id uuid.UUID) (bool, error)

	// MarkReleaseStored transitions a claimed release to stored and records
	// its content address. The content address is write-once: a previously
	// recorded address is never overwritten.
	MarkReleaseStored(ctx context.Context, id uuid.UUID, contentAddress string, size int64) error

	// RevertClaim returns a claimed release to pending so a later run
	// retries it cleanly.
	RevertClaim(ctx context.Context, id uuid.UUID, lastError string) error

	// MarkReleaseFailed transitions a claimed release to failed.
	MarkReleaseFailed(ctx context.Context, id uuid.UUID, lastError string) error

	// ReclaimStaleClaims reverts in_progress releases claimed before the
	// cutoff back to pending, rescuing releases stranded by a crash.
	ReclaimStaleClaims(ctx context.Context, cutoff time.Time) (int64, error)

	// LatestCheckpoint returns the most recently started run checkpoint,
	// or nil when no run has ever been recorded.
	LatestCheckpoint(ctx context.Context) (*Checkpoint, error)

	// SaveCheckpoint upserts a checkpoint by run ID.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// FinishCheckpoint records a run's terminal outcome and summary.
	FinishCheckpoint(ctx context.Context, runID uuid.UUID, outcome string, summary []byte) error

	// UpsertReviews upserts reviews by their marketplace review ID.
	UpsertReviews(ctx context.Context, reviews []Review) (int64, error)

	// StoredReleases returns all releases whose archive has been stored,
	// with their content addresses.
	StoredReleases(ctx context.Context) ([]StoredRelease, error)

	// CountReleasesByStatus returns the release count per status.
	CountReleasesByStatus(ctx context.Context) (map[ReleaseStatus]int64, error)
}

type pgStore struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given connection pool. The caller is
// responsible for closing the pool when done.
func New(pool *pgxpool.Pool) (Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}
	return &pgStore{pool: pool}, nil
}
