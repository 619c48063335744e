// Package reviews implements the optional review ingestion phase.
package reviews

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vscavator/vscavator/internal/marketplace"
	"github.com/vscavator/vscavator/internal/store"
)

// reviewLister is the slice of the gallery client this phase reads from.
type reviewLister interface {
	FetchReviews(ctx context.Context, publisherName, extensionName string) ([]marketplace.Review, error)
}

// reviewStore is the slice of the store this phase writes to.
type reviewStore interface {
	ActiveExtensions(ctx context.Context) ([]store.ExtensionRef, error)
	UpsertReviews(ctx context.Context, reviews []store.Review) (int64, error)
}

// Result summarizes one review ingestion pass.
type Result struct {
	ExtensionsProcessed int64
	ExtensionsVanished  int64
	ExtensionsFailed    int64
	ReviewsUpserted     int64
}

// Ingestor fetches and upserts reviews for every active extension.
type Ingestor interface {
	Ingest(ctx context.Context) (*Result, error)
}

type defaultIngestor struct {
	client  reviewLister
	store   reviewStore
	workers int
}

// IngestorOption configures the review ingestor.
type IngestorOption func(*defaultIngestor)

// WithIngestorWorkers sets the fetcher pool size.
func WithIngestorWorkers(n int) IngestorOption {
	return func(i *defaultIngestor) {
		if n > 0 {
			i.workers = n
		}
	}
}

// NewIngestor creates the review ingestion phase.
func NewIngestor(client reviewLister, st reviewStore, opts ...IngestorOption) Ingestor {
	i := &defaultIngestor{
		client:  client,
		store:   st,
		workers: 4,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *defaultIngestor) Ingest(ctx context.Context) (*Result, error) {
	extensions, err := i.store.ActiveExtensions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active extensions: %w", err)
	}

	var processed, vanished, failed, upserted atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.workers)

	for _, ext := range extensions {
		g.Go(func() error {
			fetched, err := i.client.FetchReviews(gctx, ext.PublisherName, ext.Name)
			switch {
			case err == nil:
			case errors.Is(err, marketplace.ErrNotFound):
				vanished.Add(1)
				return nil
			default:
				// Review ingestion is best-effort; nothing here aborts
				// the run.
				failed.Add(1)
				slog.Warn("Failed to fetch reviews", "identifier", ext.Identifier, "error", err)
				return nil
			}

			records := make([]store.Review, 0, len(fetched))
			for idx := range fetched {
				records = append(records, toReview(ext.ID, &fetched[idx]))
			}

			n, err := i.store.UpsertReviews(gctx, records)
			if err != nil {
				failed.Add(1)
				slog.Warn("Failed to store reviews", "identifier", ext.Identifier, "error", err)
				return nil
			}

			processed.Add(1)
			upserted.Add(n)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &Result{
		ExtensionsProcessed: processed.Load(),
		ExtensionsVanished:  vanished.Load(),
		ExtensionsFailed:    failed.Load(),
		ReviewsUpserted:     upserted.Load(),
	}

	slog.Info("Review ingestion complete",
		"processed", result.ExtensionsProcessed,
		"vanished", result.ExtensionsVanished,
		"failed", result.ExtensionsFailed,
		"reviews_upserted", result.ReviewsUpserted,
	)

	return result, nil
}

// toReview maps a gallery review onto a store row.
func toReview(extensionID uuid.UUID, r *marketplace.Review) store.Review {
	var updatedAt *time.Time
	if !r.UpdatedDate.IsZero() {
		t := r.UpdatedDate
		updatedAt = &t
	}
	return store.Review{
		ID:              r.ID,
		ExtensionID:     extensionID,
		UserDisplayName: r.UserDisplayName,
		Rating:          int16(r.Rating),
		Comment:         r.Text,
		UpdatedAt:       updatedAt,
	}
}
