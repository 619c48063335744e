package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vscavator/vscavator/internal/acquire"
	"github.com/vscavator/vscavator/internal/reviews"
	"github.com/vscavator/vscavator/internal/store"
	"github.com/vscavator/vscavator/internal/sync"
)

type fakeCheckpointStore struct {
	mu     stdsync.Mutex
	latest *store.Checkpoint

	savedPhases  []string
	savedCursors []int

	finishedRuns     []uuid.UUID
	finishedOutcomes []string
	finishedSummary  []byte
}

func (f *fakeCheckpointStore) LatestCheckpoint(context.Context) (*store.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return nil, nil
	}
	cp := *f.latest
	return &cp, nil
}

func (f *fakeCheckpointStore) SaveCheckpoint(_ context.Context, cp *store.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	saved := *cp
	f.latest = &saved
	f.savedPhases = append(f.savedPhases, cp.Phase)
	f.savedCursors = append(f.savedCursors, cp.PageCursor)
	return nil
}

func (f *fakeCheckpointStore) FinishCheckpoint(_ context.Context, runID uuid.UUID, outcome string, summary []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishedRuns = append(f.finishedRuns, runID)
	f.finishedOutcomes = append(f.finishedOutcomes, outcome)
	f.finishedSummary = summary
	if f.latest != nil && f.latest.RunID == runID {
		f.latest.Outcome = outcome
	}
	return nil
}

func (f *fakeCheckpointStore) lastOutcome() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.finishedOutcomes) == 0 {
		return ""
	}
	return f.finishedOutcomes[len(f.finishedOutcomes)-1]
}

func (f *fakeCheckpointStore) finishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.finishedRuns)
}

type fakeMetadata struct {
	result     *sync.MetadataResult
	err        error
	calls      int
	startPages []int
	pagesToAck []int
}

func (f *fakeMetadata) Sync(
	ctx context.Context, startPage int, _ time.Time, checkpoint sync.CheckpointFunc,
) (*sync.MetadataResult, error) {
	f.calls++
	f.startPages = append(f.startPages, startPage)
	for _, page := range f.pagesToAck {
		if checkpoint != nil {
			if err := checkpoint(ctx, page); err != nil {
				return nil, err
			}
		}
	}
	return f.result, f.err
}

type fakeReleases struct {
	result    *sync.ReleaseResult
	err       error
	calls     int
	forceFull bool
}

func (f *fakeReleases) Track(_ context.Context, forceFull bool) (*sync.ReleaseResult, error) {
	f.calls++
	f.forceFull = forceFull
	return f.result, f.err
}

type fakeArchives struct {
	result *acquire.Result
	err    error
	calls  int
}

func (f *fakeArchives) Run(context.Context) (*acquire.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeReviews struct {
	result *reviews.Result
	err    error
	calls  int
}

func (f *fakeReviews) Ingest(context.Context) (*reviews.Result, error) {
	f.calls++
	return f.result, f.err
}

func happyPhases() (*fakeMetadata, *fakeReleases, *fakeArchives) {
	metadata := &fakeMetadata{
		result: &sync.MetadataResult{
			MetadataCounts:        store.MetadataCounts{PublishersCreated: 2, ExtensionsCreated: 5},
			ExtensionsDeactivated: 1,
			PagesProcessed:        3,
		},
	}
	releases := &fakeReleases{
		result: &sync.ReleaseResult{ExtensionsProcessed: 5, ReleasesInserted: 9},
	}
	archives := &fakeArchives{
		result: &acquire.Result{Candidates: 9, Stored: 8, Deduplicated: 1},
	}
	return metadata, releases, archives
}

func TestRunOnceCompletesAllPhases(t *testing.T) {
	t.Parallel()

	st := &fakeCheckpointStore{}
	metadata, releases, archives := happyPhases()

	summary, err := New(st, metadata, releases, archives).RunOnce(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, store.OutcomeCompleted, summary.Outcome)
	assert.False(t, summary.Resumed)
	assert.Equal(t, 1, metadata.calls)
	assert.Equal(t, 1, releases.calls)
	assert.Equal(t, 1, archives.calls)
	assert.Equal(t, int64(8), summary.Archives.Stored)

	// Phase transitions are persisted in order before each phase runs.
	assert.Equal(t,
		[]string{PhaseStarting, PhaseMetadataSync, PhaseReleaseSync, PhaseAcquisition},
		st.savedPhases,
	)
	require.Len(t, st.finishedOutcomes, 1)
	assert.Equal(t, store.OutcomeCompleted, st.finishedOutcomes[0])

	var decoded Summary
	require.NoError(t, json.Unmarshal(st.finishedSummary, &decoded))
	assert.Equal(t, summary.RunID, decoded.RunID)
	assert.Equal(t, int64(9), decoded.Releases.ReleasesInserted)
}

func TestRunOnceCheckpointsEachPage(t *testing.T) {
	t.Parallel()

	st := &fakeCheckpointStore{}
	metadata, releases, archives := happyPhases()
	metadata.pagesToAck = []int{2, 3, 4}

	_, err := New(st, metadata, releases, archives).RunOnce(context.Background(), false)
	require.NoError(t, err)

	// Initial save, phase entry, three page cursors, then the later phases
	// reset the cursor.
	assert.Equal(t, []int{1, 1, 2, 3, 4, 0, 0}, st.savedCursors)
}

func TestRunOnceResumesUnfinishedRun(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	startedAt := time.Now().UTC().Add(-time.Hour)
	st := &fakeCheckpointStore{
		latest: &store.Checkpoint{
			RunID:      runID,
			Phase:      PhaseMetadataSync,
			PageCursor: 7,
			Outcome:    store.OutcomeRunning,
			StartedAt:  startedAt,
		},
	}
	metadata, releases, archives := happyPhases()

	summary, err := New(st, metadata, releases, archives).RunOnce(context.Background(), false)
	require.NoError(t, err)

	assert.True(t, summary.Resumed)
	assert.Equal(t, runID, summary.RunID)
	assert.Equal(t, startedAt, summary.StartedAt)
	require.Equal(t, []int{7}, metadata.startPages)
}

func TestRunOnceResumeSkipsCompletedPhases(t *testing.T) {
	t.Parallel()

	st := &fakeCheckpointStore{
		latest: &store.Checkpoint{
			RunID:     uuid.New(),
			Phase:     PhaseAcquisition,
			Outcome:   store.OutcomeRunning,
			StartedAt: time.Now().UTC(),
		},
	}
	metadata, releases, archives := happyPhases()

	summary, err := New(st, metadata, releases, archives).RunOnce(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 0, metadata.calls)
	assert.Equal(t, 0, releases.calls)
	assert.Equal(t, 1, archives.calls)
	assert.Nil(t, summary.Metadata)
	assert.Equal(t, store.OutcomeCompleted, summary.Outcome)
}

func TestRunOnceResumesFailedRun(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	st := &fakeCheckpointStore{
		latest: &store.Checkpoint{
			RunID:      runID,
			Phase:      PhaseReleaseSync,
			Outcome:    store.OutcomeFailed,
			StartedAt:  time.Now().UTC(),
			FinishedAt: timePtr(time.Now().UTC()),
		},
	}
	metadata, releases, archives := happyPhases()

	summary, err := New(st, metadata, releases, archives).RunOnce(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, runID, summary.RunID)
	assert.Equal(t, 0, metadata.calls)
	assert.Equal(t, 1, releases.calls)
}

func TestRunOnceStartsFreshAfterCompletedRun(t *testing.T) {
	t.Parallel()

	oldRun := uuid.New()
	st := &fakeCheckpointStore{
		latest: &store.Checkpoint{
			RunID:     oldRun,
			Phase:     PhaseAcquisition,
			Outcome:   store.OutcomeCompleted,
			StartedAt: time.Now().UTC().Add(-6 * time.Hour),
		},
	}
	metadata, releases, archives := happyPhases()

	summary, err := New(st, metadata, releases, archives).RunOnce(context.Background(), false)
	require.NoError(t, err)

	assert.NotEqual(t, oldRun, summary.RunID)
	assert.False(t, summary.Resumed)
	assert.Equal(t, 1, metadata.calls)
}

func TestRunOncePhaseFailurePreservesCheckpoint(t *testing.T) {
	t.Parallel()

	st := &fakeCheckpointStore{}
	metadata, releases, archives := happyPhases()
	metadata.err = errors.New("gallery unreachable")
	metadata.pagesToAck = []int{2, 3}

	summary, err := New(st, metadata, releases, archives).RunOnce(context.Background(), false)
	require.Error(t, err)

	assert.Equal(t, store.OutcomeFailed, summary.Outcome)
	assert.Contains(t, summary.Error, "gallery unreachable")
	assert.Equal(t, 0, releases.calls)
	assert.Equal(t, 0, archives.calls)
	assert.Equal(t, store.OutcomeFailed, st.lastOutcome())

	// The cursor persisted before the failure survives for the next run.
	assert.Equal(t, PhaseMetadataSync, st.latest.Phase)
	assert.Equal(t, 3, st.latest.PageCursor)
}

func TestRunOnceForceFullReachesTracker(t *testing.T) {
	t.Parallel()

	st := &fakeCheckpointStore{}
	metadata, releases, archives := happyPhases()

	_, err := New(st, metadata, releases, archives).RunOnce(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, releases.forceFull)
}

func TestRunOnceReviewsFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	st := &fakeCheckpointStore{}
	metadata, releases, archives := happyPhases()
	ingestor := &fakeReviews{err: errors.New("reviews endpoint down")}

	summary, err := New(st, metadata, releases, archives, WithReviews(ingestor)).
		RunOnce(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, store.OutcomeCompleted, summary.Outcome)
	assert.Equal(t, 1, ingestor.calls)
	assert.Contains(t, st.savedPhases, PhaseReviews)
}

func TestStartRunsOnScheduleUntilStopped(t *testing.T) {
	st := &fakeCheckpointStore{}
	metadata, releases, archives := happyPhases()

	coord := New(st, metadata, releases, archives,
		WithInterval(10*time.Millisecond),
		WithJitter(time.Millisecond),
	)

	require.NoError(t, coord.Start(context.Background()))

	deadline := time.After(2 * time.Second)
	for st.finishedCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("scheduler never produced two runs")
		case <-time.After(5 * time.Millisecond):
		}
	}

	require.NoError(t, coord.Stop())
}

func timePtr(t time.Time) *time.Time { return &t }
