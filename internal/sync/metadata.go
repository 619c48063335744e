// Package sync implements the catalog reconciliation phases: the full
// metadata walk that upserts publishers and extensions, and the release
// tracker that records each extension's version history.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vscavator/vscavator/internal/marketplace"
	"github.com/vscavator/vscavator/internal/store"
)

// metadataStore is the slice of the store the metadata phase writes to.
type metadataStore interface {
	UpsertCatalogBatch(ctx context.Context, publishers []store.Publisher, extensions []store.Extension) (*store.MetadataCounts, error)
	DeactivateUnseen(ctx context.Context, threshold time.Time) (int64, error)
}

// catalogLister is the slice of the gallery client the metadata phase reads
// from.
type catalogLister interface {
	ListPage(ctx context.Context, pageNumber int) (*marketplace.CatalogPage, error)
}

// MetadataResult summarizes one metadata synchronization phase.
type MetadataResult struct {
	store.MetadataCounts
	ExtensionsDeactivated int64
	PagesProcessed        int
}

// MetadataSynchronizer walks the full catalog and reconciles stored state
// against it.
type MetadataSynchronizer interface {
	// Sync walks the catalog starting at startPage (1-based), upserting
	// every observed publisher and extension, then deactivates extensions
	// not seen since runStartedAt. The checkpoint callback, when non-nil,
	// persists the next page cursor after each successful page, so a page
	// that keeps failing past the retry budget aborts the phase with the
	// last good cursor already recorded.
	Sync(ctx context.Context, startPage int, runStartedAt time.Time, checkpoint CheckpointFunc) (*MetadataResult, error)
}

type defaultMetadataSynchronizer struct {
	client      catalogLister
	store       metadataStore
	pageRetries int
}

// CheckpointFunc persists the next page cursor after each successfully
// processed page.
type CheckpointFunc func(ctx context.Context, nextPage int) error

// MetadataOption configures the metadata synchronizer.
type MetadataOption func(*defaultMetadataSynchronizer)

// WithPageRetries sets the retry budget for a single catalog page.
func WithPageRetries(n int) MetadataOption {
	return func(m *defaultMetadataSynchronizer) {
		if n > 0 {
			m.pageRetries = n
		}
	}
}

// NewMetadataSynchronizer creates the metadata phase.
func NewMetadataSynchronizer(client catalogLister, st metadataStore, opts ...MetadataOption) MetadataSynchronizer {
	m := &defaultMetadataSynchronizer{
		client:      client,
		store:       st,
		pageRetries: 5,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *defaultMetadataSynchronizer) Sync(
	ctx context.Context, startPage int, runStartedAt time.Time, checkpoint CheckpointFunc,
) (*MetadataResult, error) {
	if startPage < 1 {
		startPage = 1
	}

	result := &MetadataResult{}

	for page := startPage; ; page++ {
		catalogPage, err := m.fetchPage(ctx, page)
		if err != nil {
			return result, fmt.Errorf("metadata sync aborted at page %d: %w", page, err)
		}

		// An empty page means the walk ran off the end of the catalog.
		if len(catalogPage.Extensions) == 0 {
			break
		}

		counts, err := m.upsertPage(ctx, catalogPage)
		if err != nil {
			return result, fmt.Errorf("metadata sync aborted at page %d: %w", page, err)
		}
		result.MetadataCounts.Add(counts)
		result.PagesProcessed++

		slog.Info("Catalog page synchronized",
			"page", page,
			"extensions", len(catalogPage.Extensions),
			"total_count", catalogPage.TotalCount,
		)

		if checkpoint != nil {
			if err := checkpoint(ctx, page+1); err != nil {
				return result, fmt.Errorf("failed to checkpoint page %d: %w", page, err)
			}
		}
	}

	// No partial catalog is trusted as complete: the sweep only runs after
	// the full walk succeeded.
	deactivated, err := m.store.DeactivateUnseen(ctx, runStartedAt)
	if err != nil {
		return result, fmt.Errorf("failed to deactivate unseen extensions: %w", err)
	}
	result.ExtensionsDeactivated = deactivated

	slog.Info("Metadata sync complete",
		"pages", result.PagesProcessed,
		"publishers_created", result.PublishersCreated,
		"publishers_updated", result.PublishersUpdated,
		"extensions_created", result.ExtensionsCreated,
		"extensions_updated", result.ExtensionsUpdated,
		"extensions_deactivated", result.ExtensionsDeactivated,
	)

	return result, nil
}

// fetchPage retrieves one catalog page with bounded exponential backoff.
// Rate-limit hints from the gallery drive the wait; fatal errors stop
// retrying immediately.
func (m *defaultMetadataSynchronizer) fetchPage(ctx context.Context, page int) (*marketplace.CatalogPage, error) {
	operation := func() (*marketplace.CatalogPage, error) {
		catalogPage, err := m.client.ListPage(ctx, page)
		if err != nil {
			return nil, classifyForRetry(err)
		}
		return catalogPage, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(m.pageRetries)),
	)
}

// upsertPage converts and persists one catalog page. Items with malformed
// identifiers are skipped rather than failing the page.
func (m *defaultMetadataSynchronizer) upsertPage(
	ctx context.Context, page *marketplace.CatalogPage,
) (*store.MetadataCounts, error) {
	publishers := make([]store.Publisher, 0, len(page.Extensions))
	extensions := make([]store.Extension, 0, len(page.Extensions))
	seenAt := time.Now().UTC()

	for i := range page.Extensions {
		ext := &page.Extensions[i]

		pub, err := toPublisher(&ext.Publisher, seenAt)
		if err != nil {
			slog.Warn("Skipping catalog item with malformed publisher", "identifier", ext.Identifier(), "error", err)
			continue
		}
		rec, err := toExtension(ext, seenAt)
		if err != nil {
			slog.Warn("Skipping catalog item with malformed identifier", "identifier", ext.Identifier(), "error", err)
			continue
		}

		publishers = append(publishers, pub)
		extensions = append(extensions, rec)
	}

	return m.store.UpsertCatalogBatch(ctx, publishers, extensions)
}

// classifyForRetry maps the marketplace error taxonomy onto retry decisions.
func classifyForRetry(err error) error {
	var fatal *marketplace.FatalError
	if errors.As(err, &fatal) {
		return backoff.Permanent(err)
	}

	var rateLimited *marketplace.RateLimitError
	if errors.As(err, &rateLimited) && rateLimited.RetryAfter > 0 {
		return backoff.RetryAfter(int(rateLimited.RetryAfter.Seconds()))
	}

	// Transient and unclassified errors retry on the standard schedule.
	return err
}
