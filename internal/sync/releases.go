package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vscavator/vscavator/internal/marketplace"
	"github.com/vscavator/vscavator/internal/store"
	"github.com/vscavator/vscavator/internal/versions"
)

// releaseStore is the slice of the store the release phase uses.
type releaseStore interface {
	ActiveExtensions(ctx context.Context) ([]store.ExtensionRef, error)
	InsertPendingReleases(ctx context.Context, releases []store.Release) (int64, error)
	SetReleasesSyncedVersion(ctx context.Context, extensionID uuid.UUID, version string) error
}

// releaseLister is the slice of the gallery client the release phase reads
// from.
type releaseLister interface {
	ListReleases(ctx context.Context, identifier string) ([]marketplace.Version, error)
}

// ReleaseResult summarizes one release tracking phase.
type ReleaseResult struct {
	ExtensionsProcessed int64
	// ExtensionsSkipped counts extensions whose release history was already
	// complete up to their latest version.
	ExtensionsSkipped int64
	// ExtensionsVanished counts extensions that disappeared between the
	// metadata walk and this phase. An expected race, never fatal.
	ExtensionsVanished int64
	ExtensionsFailed   int64
	ReleasesInserted   int64
}

// ReleaseTracker records each active extension's version history.
type ReleaseTracker interface {
	// Track lists releases for every active extension with bounded
	// parallelism. When forceFull is false, extensions whose history is
	// already synced up to their latest version are skipped.
	Track(ctx context.Context, forceFull bool) (*ReleaseResult, error)
}

type defaultReleaseTracker struct {
	client      releaseLister
	store       releaseStore
	workers     int
	itemRetries int
}

// TrackerOption configures the release tracker.
type TrackerOption func(*defaultReleaseTracker)

// WithTrackerWorkers sets the worker pool size.
func WithTrackerWorkers(n int) TrackerOption {
	return func(t *defaultReleaseTracker) {
		if n > 0 {
			t.workers = n
		}
	}
}

// WithTrackerRetries sets the per-extension retry budget.
func WithTrackerRetries(n int) TrackerOption {
	return func(t *defaultReleaseTracker) {
		if n > 0 {
			t.itemRetries = n
		}
	}
}

// NewReleaseTracker creates the release tracking phase.
func NewReleaseTracker(client releaseLister, st releaseStore, opts ...TrackerOption) ReleaseTracker {
	t := &defaultReleaseTracker{
		client:      client,
		store:       st,
		workers:     8,
		itemRetries: 3,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *defaultReleaseTracker) Track(ctx context.Context, forceFull bool) (*ReleaseResult, error) {
	extensions, err := t.store.ActiveExtensions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active extensions: %w", err)
	}

	var processed, skipped, vanished, failed, inserted atomic.Int64

	// Workers write disjoint release rows keyed by their own extension, so
	// no cross-worker coordination is needed beyond the pool itself.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)

	for _, ext := range extensions {
		g.Go(func() error {
			if !forceFull && upToDate(&ext) {
				skipped.Add(1)
				slog.Debug("Release history already synced", "identifier", ext.Identifier)
				return nil
			}

			n, err := t.trackOne(gctx, &ext)
			switch {
			case err == nil:
				processed.Add(1)
				inserted.Add(n)
			case errors.Is(err, marketplace.ErrNotFound):
				vanished.Add(1)
				slog.Info("Extension vanished between phases, skipping", "identifier", ext.Identifier)
			default:
				var fatal *marketplace.FatalError
				if errors.As(err, &fatal) {
					return err
				}
				failed.Add(1)
				slog.Warn("Failed to track releases", "identifier", ext.Identifier, "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("release tracking aborted: %w", err)
	}

	result := &ReleaseResult{
		ExtensionsProcessed: processed.Load(),
		ExtensionsSkipped:   skipped.Load(),
		ExtensionsVanished:  vanished.Load(),
		ExtensionsFailed:    failed.Load(),
		ReleasesInserted:    inserted.Load(),
	}

	slog.Info("Release sync complete",
		"processed", result.ExtensionsProcessed,
		"skipped", result.ExtensionsSkipped,
		"vanished", result.ExtensionsVanished,
		"failed", result.ExtensionsFailed,
		"releases_inserted", result.ReleasesInserted,
	)

	return result, nil
}

// trackOne lists and records one extension's version history, then marks the
// history synced so unchanged extensions are skipped next run.
func (t *defaultReleaseTracker) trackOne(ctx context.Context, ext *store.ExtensionRef) (int64, error) {
	operation := func() ([]marketplace.Version, error) {
		versions, err := t.client.ListReleases(ctx, ext.Identifier)
		if err != nil {
			if errors.Is(err, marketplace.ErrNotFound) {
				return nil, backoff.Permanent(err)
			}
			return nil, classifyForRetry(err)
		}
		return versions, nil
	}

	versions, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(t.itemRetries)),
	)
	if err != nil {
		return 0, err
	}

	releases := make([]store.Release, 0, len(versions))
	for i := range versions {
		releases = append(releases, toRelease(ext.ID, &versions[i]))
	}

	inserted, err := t.store.InsertPendingReleases(ctx, releases)
	if err != nil {
		return 0, fmt.Errorf("failed to record releases: %w", err)
	}

	if synced := syncedVersion(ext, versions); synced != "" {
		if err := t.store.SetReleasesSyncedVersion(ctx, ext.ID, synced); err != nil {
			return inserted, fmt.Errorf("failed to mark history synced: %w", err)
		}
	}

	return inserted, nil
}

// upToDate reports whether an extension's release history was already listed
// up to its current latest version: the synced marker exists and the catalog
// latest is not newer than it.
func upToDate(ext *store.ExtensionRef) bool {
	return ext.LatestVersion != "" &&
		ext.ReleasesSyncedVersion != nil &&
		!versions.IsNewerVersion(ext.LatestVersion, *ext.ReleasesSyncedVersion)
}

// syncedVersion picks the version to record as the synced-up-to marker: the
// catalog's latest when known, otherwise the newest listed version.
func syncedVersion(ext *store.ExtensionRef, versions []marketplace.Version) string {
	if ext.LatestVersion != "" {
		return ext.LatestVersion
	}
	if len(versions) > 0 {
		return versions[0].Version
	}
	return ""
}
