package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vscavator/vscavator/internal/acquire"
	"github.com/vscavator/vscavator/internal/blob"
	"github.com/vscavator/vscavator/internal/config"
	"github.com/vscavator/vscavator/internal/coordinator"
	"github.com/vscavator/vscavator/internal/db"
	"github.com/vscavator/vscavator/internal/marketplace"
	"github.com/vscavator/vscavator/internal/reviews"
	"github.com/vscavator/vscavator/internal/store"
	"github.com/vscavator/vscavator/internal/sync"
	"github.com/vscavator/vscavator/internal/telemetry"
)

// pipeline bundles the wired ingestion components shared by the serve, run,
// and verify commands.
type pipeline struct {
	cfg         *config.Config
	conn        *db.Connection
	store       store.Store
	blobs       blob.Store
	client      marketplace.Client
	coordinator coordinator.Coordinator
}

// pipelineOptions are the command line overrides applied on top of the
// configuration file.
type pipelineOptions struct {
	// maxConcurrency caps the worker pools of the release tracker and the
	// acquisition scheduler when positive.
	maxConcurrency int
	telemetry      *telemetry.Telemetry
}

// buildPipeline loads configuration and wires the full ingestion pipeline.
// Callers own the returned pipeline and must call close.
func buildPipeline(ctx context.Context, configPath string, opts pipelineOptions) (*pipeline, error) {
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	st, err := store.New(conn.Pool)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	blobs, err := blob.New(ctx, &cfg.Blob)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create blob store: %w", err)
	}

	client := marketplace.NewClient(
		marketplace.WithEndpoint(cfg.Marketplace.Endpoint),
		marketplace.WithUserAgent(cfg.Marketplace.UserAgent),
		marketplace.WithPageSize(cfg.Marketplace.GetPageSize()),
		marketplace.WithTimeouts(
			cfg.Marketplace.GetRequestTimeout(),
			cfg.Marketplace.GetDownloadTimeout(),
		),
	)

	trackerWorkers := cfg.Sync.GetWorkers()
	acquireWorkers := cfg.Acquisition.GetWorkers()
	if opts.maxConcurrency > 0 {
		trackerWorkers = min(trackerWorkers, opts.maxConcurrency)
		acquireWorkers = min(acquireWorkers, opts.maxConcurrency)
	}

	metadata := sync.NewMetadataSynchronizer(client, st,
		sync.WithPageRetries(cfg.Sync.GetPageRetries()),
	)
	tracker := sync.NewReleaseTracker(client, st,
		sync.WithTrackerWorkers(trackerWorkers),
	)
	scheduler := acquire.NewScheduler(client, st, acquire.NewWriter(blobs, st),
		acquire.WithWorkers(acquireWorkers),
		acquire.WithFetchRetries(cfg.Acquisition.GetFetchRetries()),
		acquire.WithMaxAttempts(cfg.Acquisition.GetMaxAttempts()),
		acquire.WithClaimTimeout(cfg.Acquisition.GetClaimTimeout()),
	)

	coordOpts := []coordinator.Option{
		coordinator.WithInterval(cfg.Scheduler.GetInterval()),
		coordinator.WithJitter(cfg.Scheduler.GetJitter()),
	}
	if opts.telemetry != nil {
		coordOpts = append(coordOpts, coordinator.WithTelemetry(opts.telemetry))
	}
	if cfg.Reviews.Enabled {
		coordOpts = append(coordOpts, coordinator.WithReviews(
			reviews.NewIngestor(client, st,
				reviews.WithIngestorWorkers(cfg.Reviews.GetWorkers()),
			),
		))
	}

	return &pipeline{
		cfg:         cfg,
		conn:        conn,
		store:       st,
		blobs:       blobs,
		client:      client,
		coordinator: coordinator.New(st, metadata, tracker, scheduler, coordOpts...),
	}, nil
}

func (p *pipeline) close() {
	p.conn.Close()
	slog.Debug("Pipeline shut down")
}
