// Package coordinator drives the ingestion run state machine: the metadata
// walk, the release tracker, and archive acquisition execute in order, with
// progress checkpointed so an interrupted run resumes where it stopped.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/vscavator/vscavator/internal/acquire"
	"github.com/vscavator/vscavator/internal/reviews"
	"github.com/vscavator/vscavator/internal/store"
	"github.com/vscavator/vscavator/internal/sync"
	"github.com/vscavator/vscavator/internal/telemetry"
)

// Run phases, in execution order. A checkpoint records the phase that was
// in flight when the run last persisted progress.
const (
	PhaseStarting     = "starting"
	PhaseMetadataSync = "metadata_sync"
	PhaseReleaseSync  = "release_sync"
	PhaseAcquisition  = "acquisition"
	PhaseReviews      = "reviews"
)

const (
	defaultRunInterval = 6 * time.Hour
	defaultRunJitter   = 2 * time.Minute
)

// checkpointStore is the slice of the store the coordinator uses for run
// bookkeeping.
type checkpointStore interface {
	LatestCheckpoint(ctx context.Context) (*store.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *store.Checkpoint) error
	FinishCheckpoint(ctx context.Context, runID uuid.UUID, outcome string, summary []byte) error
}

// metadataPhase, releasePhase, and acquirePhase are the coordinator-side
// views of the three pipeline stages.
type metadataPhase interface {
	Sync(ctx context.Context, startPage int, runStartedAt time.Time, checkpoint sync.CheckpointFunc) (*sync.MetadataResult, error)
}

type releasePhase interface {
	Track(ctx context.Context, forceFull bool) (*sync.ReleaseResult, error)
}

type acquirePhase interface {
	Run(ctx context.Context) (*acquire.Result, error)
}

type reviewsPhase interface {
	Ingest(ctx context.Context) (*reviews.Result, error)
}

// Summary is the terminal record of one run, persisted as the checkpoint
// summary and returned to callers.
type Summary struct {
	RunID      uuid.UUID            `json:"run_id"`
	Outcome    string               `json:"outcome"`
	Resumed    bool                 `json:"resumed,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Error      string               `json:"error,omitempty"`
	Metadata   *sync.MetadataResult `json:"metadata,omitempty"`
	Releases   *sync.ReleaseResult  `json:"releases,omitempty"`
	Archives   *acquire.Result      `json:"archives,omitempty"`
	Reviews    *reviews.Result      `json:"reviews,omitempty"`
}

// Coordinator runs the ingestion pipeline, once or on a schedule.
type Coordinator interface {
	// RunOnce executes a single run, resuming from the latest unfinished
	// checkpoint when one exists. The returned summary is non-nil even when
	// the run failed.
	RunOnce(ctx context.Context, forceFull bool) (*Summary, error)

	// Start launches the scheduled run loop in the background.
	Start(ctx context.Context) error

	// Stop cancels the loop and waits for the in-flight run to settle.
	Stop() error
}

type defaultCoordinator struct {
	store    checkpointStore
	metadata metadataPhase
	releases releasePhase
	archives acquirePhase
	reviews  reviewsPhase
	tel      *telemetry.Telemetry

	interval time.Duration
	jitter   time.Duration

	cancelFunc context.CancelFunc
	done       chan struct{}
}

// Option configures the coordinator.
type Option func(*defaultCoordinator)

// WithReviews enables the best-effort reviews phase after acquisition.
func WithReviews(ingestor reviewsPhase) Option {
	return func(c *defaultCoordinator) {
		c.reviews = ingestor
	}
}

// WithTelemetry records run and phase metrics on the given instruments.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *defaultCoordinator) {
		c.tel = tel
	}
}

// WithInterval sets the base delay between scheduled runs.
func WithInterval(d time.Duration) Option {
	return func(c *defaultCoordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithJitter sets the random spread applied to each scheduling interval.
func WithJitter(d time.Duration) Option {
	return func(c *defaultCoordinator) {
		if d > 0 {
			c.jitter = d
		}
	}
}

// New creates a coordinator over the three pipeline stages.
func New(
	st checkpointStore,
	metadata metadataPhase,
	releases releasePhase,
	archives acquirePhase,
	opts ...Option,
) Coordinator {
	c := &defaultCoordinator{
		store:    st,
		metadata: metadata,
		releases: releases,
		archives: archives,
		interval: defaultRunInterval,
		jitter:   defaultRunJitter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *defaultCoordinator) RunOnce(ctx context.Context, forceFull bool) (*Summary, error) {
	cp, resumed, err := c.resolveCheckpoint(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		RunID:     cp.RunID,
		Outcome:   store.OutcomeFailed,
		Resumed:   resumed,
		StartedAt: cp.StartedAt,
	}

	slog.Info("Ingestion run starting",
		"run_id", cp.RunID,
		"phase", cp.Phase,
		"page_cursor", cp.PageCursor,
		"resumed", resumed,
		"force_full", forceFull,
	)

	runErr := c.runPhases(ctx, cp, forceFull, summary)

	summary.FinishedAt = time.Now().UTC()
	if runErr == nil {
		summary.Outcome = store.OutcomeCompleted
	} else {
		summary.Error = runErr.Error()
	}

	c.finish(ctx, summary)
	c.record(ctx, summary)

	slog.Info("Ingestion run finished",
		"run_id", summary.RunID,
		"outcome", summary.Outcome,
		"duration", summary.FinishedAt.Sub(summary.StartedAt),
	)

	return summary, runErr
}

// resolveCheckpoint loads the latest checkpoint and decides whether to
// resume it or begin a fresh run. Any run that did not complete, whether it
// crashed mid-flight or aborted with a failure, is resumed under its own
// run ID so the original started-at timestamp keeps bounding the
// deactivation sweep.
func (c *defaultCoordinator) resolveCheckpoint(ctx context.Context) (*store.Checkpoint, bool, error) {
	latest, err := c.store.LatestCheckpoint(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}

	if latest != nil && latest.Outcome != store.OutcomeCompleted {
		latest.Outcome = store.OutcomeRunning
		if latest.Phase == "" {
			latest.Phase = PhaseStarting
		}
		if err := c.store.SaveCheckpoint(ctx, latest); err != nil {
			return nil, false, err
		}
		return latest, true, nil
	}

	cp := &store.Checkpoint{
		RunID:      uuid.New(),
		Phase:      PhaseStarting,
		PageCursor: 1,
		Outcome:    store.OutcomeRunning,
		StartedAt:  time.Now().UTC(),
	}
	if err := c.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, false, err
	}
	return cp, false, nil
}

// runPhases walks the pipeline from the checkpoint's phase onward. Phases
// already completed by an earlier attempt are skipped; acquisition always
// re-derives its candidates from release status, so it never needs a cursor.
func (c *defaultCoordinator) runPhases(
	ctx context.Context, cp *store.Checkpoint, forceFull bool, summary *Summary,
) error {
	if cp.Phase == PhaseStarting || cp.Phase == PhaseMetadataSync {
		if err := c.advance(ctx, cp, PhaseMetadataSync); err != nil {
			return err
		}

		result, err := timedPhase(ctx, c, PhaseMetadataSync, func() (*sync.MetadataResult, error) {
			return c.metadata.Sync(ctx, cp.PageCursor, cp.StartedAt,
				func(cctx context.Context, nextPage int) error {
					cp.PageCursor = nextPage
					return c.store.SaveCheckpoint(cctx, cp)
				})
		})
		summary.Metadata = result
		if err != nil {
			return fmt.Errorf("metadata sync phase failed: %w", err)
		}
	}

	if cp.Phase == PhaseMetadataSync || cp.Phase == PhaseReleaseSync {
		cp.PageCursor = 0
		if err := c.advance(ctx, cp, PhaseReleaseSync); err != nil {
			return err
		}

		result, err := timedPhase(ctx, c, PhaseReleaseSync, func() (*sync.ReleaseResult, error) {
			return c.releases.Track(ctx, forceFull)
		})
		summary.Releases = result
		if err != nil {
			return fmt.Errorf("release sync phase failed: %w", err)
		}
	}

	if err := c.advance(ctx, cp, PhaseAcquisition); err != nil {
		return err
	}
	result, err := timedPhase(ctx, c, PhaseAcquisition, func() (*acquire.Result, error) {
		return c.archives.Run(ctx)
	})
	summary.Archives = result
	if err != nil {
		return fmt.Errorf("acquisition phase failed: %w", err)
	}

	// Reviews are enrichment, not pipeline state: a failure here is logged
	// and the run still completes.
	if c.reviews != nil {
		if err := c.advance(ctx, cp, PhaseReviews); err != nil {
			return err
		}
		reviewResult, err := timedPhase(ctx, c, PhaseReviews, func() (*reviews.Result, error) {
			return c.reviews.Ingest(ctx)
		})
		summary.Reviews = reviewResult
		if err != nil {
			slog.Warn("Reviews ingestion failed", "run_id", cp.RunID, "error", err)
		}
	}

	return nil
}

// advance persists the transition into the given phase.
func (c *defaultCoordinator) advance(ctx context.Context, cp *store.Checkpoint, phase string) error {
	cp.Phase = phase
	if err := c.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("failed to enter phase %s: %w", phase, err)
	}
	return nil
}

// timedPhase runs one phase and records its wall-clock duration.
func timedPhase[T any](ctx context.Context, c *defaultCoordinator, phase string, fn func() (T, error)) (T, error) {
	start := time.Now()
	result, err := fn()
	if c.tel != nil {
		c.tel.PhaseDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("phase", phase)))
	}
	return result, err
}

// finish writes the terminal checkpoint. The summary is best-effort: losing
// it leaves the outcome intact, so the next run still schedules correctly.
func (c *defaultCoordinator) finish(ctx context.Context, summary *Summary) {
	payload, err := json.Marshal(summary)
	if err != nil {
		slog.Warn("Failed to encode run summary", "run_id", summary.RunID, "error", err)
		payload = nil
	}
	if err := c.store.FinishCheckpoint(ctx, summary.RunID, summary.Outcome, payload); err != nil {
		slog.Error("Failed to finish checkpoint", "run_id", summary.RunID, "error", err)
	}
}

func (c *defaultCoordinator) record(ctx context.Context, summary *Summary) {
	if c.tel == nil {
		return
	}

	c.tel.RunsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", summary.Outcome)))
	c.tel.RunDuration.Record(ctx, summary.FinishedAt.Sub(summary.StartedAt).Seconds())

	if summary.Archives != nil {
		c.tel.ReleasesStored.Add(ctx, summary.Archives.Stored)
		c.tel.BlobsDeduped.Add(ctx, summary.Archives.Deduplicated)
		c.tel.AcquireFailures.Add(ctx, summary.Archives.Retryable+summary.Archives.Exhausted)
	}
}

// Start launches the scheduled run loop. The first run begins immediately;
// subsequent runs fire on the configured interval with jitter so replicas
// restarted together do not hammer the gallery in lockstep.
func (c *defaultCoordinator) Start(ctx context.Context) error {
	ctx, c.cancelFunc = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)

		ticker := time.NewTicker(c.nextInterval())
		defer ticker.Stop()

		c.runScheduled(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ticker.Reset(c.nextInterval())
				c.runScheduled(ctx)
			}
		}
	}()

	slog.Info("Run scheduler started", "interval", c.interval, "jitter", c.jitter)
	return nil
}

func (c *defaultCoordinator) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := c.RunOnce(ctx, false); err != nil {
		slog.Error("Scheduled run failed", "error", err)
	}
}

// Stop cancels the loop and blocks until it exits.
func (c *defaultCoordinator) Stop() error {
	if c.cancelFunc == nil {
		return fmt.Errorf("coordinator not started")
	}
	c.cancelFunc()
	<-c.done
	slog.Info("Run scheduler stopped")
	return nil
}

// nextInterval spreads runs across [interval-jitter, interval+jitter].
func (c *defaultCoordinator) nextInterval() time.Duration {
	if c.jitter <= 0 {
		return c.interval
	}
	offset := time.Duration(rand.Int64N(int64(2*c.jitter))) - c.jitter
	interval := c.interval + offset
	if interval <= 0 {
		interval = c.interval
	}
	return interval
}
