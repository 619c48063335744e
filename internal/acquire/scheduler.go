package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vscavator/vscavator/internal/marketplace"
	"github.com/vscavator/vscavator/internal/store"
)

// archiveFetcher is the slice of the gallery client the scheduler uses.
type archiveFetcher interface {
	FetchArchive(ctx context.Context, publisherName, extensionName, version string) (*marketplace.Artifact, error)
}

// schedulerStore is the slice of the store the scheduler drives claims
// through.
type schedulerStore interface {
	AcquisitionCandidates(ctx context.Context, maxAttempts int) ([]store.ReleaseCandidate, error)
	ClaimRelease(ctx context.Context, id uuid.UUID) (bool, error)
	RevertClaim(ctx context.Context, id uuid.UUID, lastError string) error
	MarkReleaseFailed(ctx context.Context, id uuid.UUID, lastError string) error
	ReclaimStaleClaims(ctx context.Context, cutoff time.Time) (int64, error)
}

// Result summarizes one acquisition phase.
type Result struct {
	Reclaimed  int64
	Candidates int
	Stored     int64
	// Deduplicated counts stored releases whose bytes were already present
	// under the same content address.
	Deduplicated int64
	Vanished     int64
	// Retryable counts releases reverted to pending after a failed attempt.
	Retryable int64
	// Exhausted counts releases permanently failed at the attempt ceiling.
	Exhausted int64
}

// Scheduler selects releases that still need their archive and drives them
// through claim, download, and content store write.
type Scheduler interface {
	Run(ctx context.Context) (*Result, error)
}

type defaultScheduler struct {
	client       archiveFetcher
	store        schedulerStore
	writer       *Writer
	workers      int
	fetchRetries int
	maxAttempts  int
	claimTimeout time.Duration
}

// SchedulerOption configures the acquisition scheduler.
type SchedulerOption func(*defaultScheduler)

// WithWorkers sets the downloader pool size.
func WithWorkers(n int) SchedulerOption {
	return func(s *defaultScheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithFetchRetries sets the per-release retry budget within one run.
func WithFetchRetries(n int) SchedulerOption {
	return func(s *defaultScheduler) {
		if n > 0 {
			s.fetchRetries = n
		}
	}
}

// WithMaxAttempts sets the cumulative attempt ceiling across runs.
func WithMaxAttempts(n int) SchedulerOption {
	return func(s *defaultScheduler) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithClaimTimeout sets the staleness window for abandoned claims.
func WithClaimTimeout(d time.Duration) SchedulerOption {
	return func(s *defaultScheduler) {
		if d > 0 {
			s.claimTimeout = d
		}
	}
}

// NewScheduler creates the acquisition phase.
func NewScheduler(client archiveFetcher, st schedulerStore, writer *Writer, opts ...SchedulerOption) Scheduler {
	s := &defaultScheduler{
		client:       client,
		store:        st,
		writer:       writer,
		workers:      4,
		fetchRetries: 3,
		maxAttempts:  5,
		claimTimeout: 30 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *defaultScheduler) Run(ctx context.Context) (*Result, error) {
	result := &Result{}

	// Rescue releases stranded in_progress by a crashed downloader before
	// deriving the candidate set.
	reclaimed, err := s.store.ReclaimStaleClaims(ctx, time.Now().Add(-s.claimTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim stale claims: %w", err)
	}
	result.Reclaimed = reclaimed
	if reclaimed > 0 {
		slog.Info("Reclaimed stale release claims", "count", reclaimed)
	}

	// The candidate set is always re-derived from current status; the
	// status fields themselves are the checkpoint for this phase.
	candidates, err := s.store.AcquisitionCandidates(ctx, s.maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to select acquisition candidates: %w", err)
	}
	result.Candidates = len(candidates)

	var stored, deduplicated, vanished, retryable, exhausted atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, candidate := range candidates {
		g.Go(func() error {
			claimed, err := s.store.ClaimRelease(gctx, candidate.ID)
			if err != nil {
				return fmt.Errorf("failed to claim release %s: %w", candidate.ID, err)
			}
			if !claimed {
				// Another worker won the claim, or the status moved on.
				return nil
			}

			writeResult, err := s.acquireOne(gctx, &candidate)
			switch {
			case err == nil:
				stored.Add(1)
				if writeResult.Deduplicated {
					deduplicated.Add(1)
				}
				return nil

			case errors.Is(err, marketplace.ErrNotFound):
				vanished.Add(1)
				slog.Info("Archive vanished from marketplace",
					"publisher", candidate.PublisherName,
					"extension", candidate.ExtensionName,
					"version", candidate.Version,
				)
				return s.settleFailure(gctx, &candidate, err, &retryable, &exhausted)

			default:
				var fatal *marketplace.FatalError
				if errors.As(err, &fatal) {
					// Release the claim before aborting the run.
					if revertErr := s.store.RevertClaim(gctx, candidate.ID, err.Error()); revertErr != nil {
						slog.Warn("Failed to revert claim", "release_id", candidate.ID, "error", revertErr)
					}
					return err
				}

				slog.Warn("Archive acquisition failed",
					"publisher", candidate.PublisherName,
					"extension", candidate.ExtensionName,
					"version", candidate.Version,
					"error", err,
				)
				return s.settleFailure(gctx, &candidate, err, &retryable, &exhausted)
			}
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("acquisition aborted: %w", err)
	}

	result.Stored = stored.Load()
	result.Deduplicated = deduplicated.Load()
	result.Vanished = vanished.Load()
	result.Retryable = retryable.Load()
	result.Exhausted = exhausted.Load()

	slog.Info("Acquisition complete",
		"candidates", result.Candidates,
		"stored", result.Stored,
		"deduplicated", result.Deduplicated,
		"vanished", result.Vanished,
		"retryable", result.Retryable,
		"exhausted", result.Exhausted,
	)

	return result, nil
}

// acquireOne downloads one claimed release with bounded retries and hands the
// stream to the content store writer.
func (s *defaultScheduler) acquireOne(ctx context.Context, candidate *store.ReleaseCandidate) (*WriteResult, error) {
	operation := func() (*marketplace.Artifact, error) {
		artifact, err := s.client.FetchArchive(
			ctx, candidate.PublisherName, candidate.ExtensionName, candidate.Version,
		)
		if err != nil {
			if errors.Is(err, marketplace.ErrNotFound) {
				return nil, backoff.Permanent(err)
			}
			return nil, classifyForRetry(err)
		}
		return artifact, nil
	}

	artifact, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(s.fetchRetries)),
	)
	if err != nil {
		return nil, err
	}
	defer artifact.Body.Close()

	return s.writer.Store(ctx, candidate.ID, artifact.Body)
}

// settleFailure decides between revert-to-pending and permanent failure.
// The claim already incremented attempts, so the comparison includes it.
func (s *defaultScheduler) settleFailure(
	ctx context.Context, candidate *store.ReleaseCandidate, cause error,
	retryable, exhausted *atomic.Int64,
) error {
	if candidate.Attempts+1 >= s.maxAttempts {
		if err := s.store.MarkReleaseFailed(ctx, candidate.ID, cause.Error()); err != nil {
			return fmt.Errorf("failed to mark release failed: %w", err)
		}
		exhausted.Add(1)
		slog.Warn("Release permanently failed, operator follow-up needed",
			"release_id", candidate.ID,
			"publisher", candidate.PublisherName,
			"extension", candidate.ExtensionName,
			"version", candidate.Version,
		)
		return nil
	}

	if err := s.store.RevertClaim(ctx, candidate.ID, cause.Error()); err != nil {
		return fmt.Errorf("failed to revert claim: %w", err)
	}
	retryable.Add(1)
	return nil
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

	return err
}
