package sync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vscavator/vscavator/internal/marketplace"
	"github.com/vscavator/vscavator/internal/store"
)

// fakeReleaseLister maps extension identifiers to canned version listings or
// errors.
type fakeReleaseLister struct {
	versions map[string][]marketplace.Version
	errs     map[string]error
}

func (f *fakeReleaseLister) ListReleases(_ context.Context, identifier string) ([]marketplace.Version, error) {
	if err, ok := f.errs[identifier]; ok {
		return nil, err
	}
	versions, ok := f.versions[identifier]
	if !ok {
		return nil, marketplace.ErrNotFound
	}
	return versions, nil
}

type fakeReleaseStore struct {
	mu         sync.Mutex
	extensions []store.ExtensionRef
	inserted   map[uuid.UUID][]store.Release
	synced     map[uuid.UUID]string
}

func newFakeReleaseStore(extensions ...store.ExtensionRef) *fakeReleaseStore {
	return &fakeReleaseStore{
		extensions: extensions,
		inserted:   make(map[uuid.UUID][]store.Release),
		synced:     make(map[uuid.UUID]string),
	}
}

func (f *fakeReleaseStore) ActiveExtensions(context.Context) ([]store.ExtensionRef, error) {
	return f.extensions, nil
}

func (f *fakeReleaseStore) InsertPendingReleases(_ context.Context, releases []store.Release) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var inserted int64
	for _, r := range releases {
		f.inserted[r.ExtensionID] = append(f.inserted[r.ExtensionID], r)
		inserted++
	}
	return inserted, nil
}

func (f *fakeReleaseStore) SetReleasesSyncedVersion(_ context.Context, extensionID uuid.UUID, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced[extensionID] = version
	return nil
}

func extensionRef(identifier, latest string) store.ExtensionRef {
	return store.ExtensionRef{
		ID:            uuid.New(),
		Identifier:    identifier,
		LatestVersion: latest,
	}
}

func versionList(versions ...string) []marketplace.Version {
	out := make([]marketplace.Version, 0, len(versions))
	for _, v := range versions {
		out = append(out, marketplace.Version{Version: v, LastUpdated: time.Now()})
	}
	return out
}

func TestTrackRecordsReleases(t *testing.T) {
	t.Parallel()

	ext := extensionRef("pub.ext", "2.0.0")
	st := newFakeReleaseStore(ext)
	lister := &fakeReleaseLister{
		versions: map[string][]marketplace.Version{
			"pub.ext": versionList("2.0.0", "1.0.0"),
		},
	}

	tracker := NewReleaseTracker(lister, st, WithTrackerWorkers(2))
	result, err := tracker.Track(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.ExtensionsProcessed)
	assert.Equal(t, int64(2), result.ReleasesInserted)
	assert.Len(t, st.inserted[ext.ID], 2)
	assert.Equal(t, "2.0.0", st.synced[ext.ID])
}

func TestTrackSkipsUpToDateExtensions(t *testing.T) {
	t.Parallel()

	synced := "2.0.0"
	ext := extensionRef("pub.ext", "2.0.0")
	ext.ReleasesSyncedVersion = &synced

	st := newFakeReleaseStore(ext)
	lister := &fakeReleaseLister{versions: map[string][]marketplace.Version{}}

	tracker := NewReleaseTracker(lister, st)
	result, err := tracker.Track(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.ExtensionsSkipped)
	assert.Equal(t, int64(0), result.ExtensionsProcessed)
	assert.Empty(t, st.inserted)
}

func TestTrackForceFullIgnoresSyncedMarker(t *testing.T) {
	t.Parallel()

	synced := "2.0.0"
	ext := extensionRef("pub.ext", "2.0.0")
	ext.ReleasesSyncedVersion = &synced

	st := newFakeReleaseStore(ext)
	lister := &fakeReleaseLister{
		versions: map[string][]marketplace.Version{
			"pub.ext": versionList("2.0.0"),
		},
	}

	tracker := NewReleaseTracker(lister, st)
	result, err := tracker.Track(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, int64(0), result.ExtensionsSkipped)
	assert.Equal(t, int64(1), result.ExtensionsProcessed)
}

func TestTrackVanishedExtensionIsNotFatal(t *testing.T) {
	t.Parallel()

	gone := extensionRef("gone.ext", "1.0.0")
	alive := extensionRef("alive.ext", "1.0.0")

	st := newFakeReleaseStore(gone, alive)
	lister := &fakeReleaseLister{
		versions: map[string][]marketplace.Version{
			"alive.ext": versionList("1.0.0"),
		},
		errs: map[string]error{
			"gone.ext": fmt.Errorf("listing releases for gone.ext: %w", marketplace.ErrNotFound),
		},
	}

	tracker := NewReleaseTracker(lister, st)
	result, err := tracker.Track(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.ExtensionsVanished)
	assert.Equal(t, int64(1), result.ExtensionsProcessed)
}

func TestTrackFatalErrorAbortsRun(t *testing.T) {
	t.Parallel()

	ext := extensionRef("pub.ext", "1.0.0")
	st := newFakeReleaseStore(ext)
	lister := &fakeReleaseLister{
		errs: map[string]error{
			"pub.ext": &marketplace.FatalError{StatusCode: 403, Message: "authentication rejected"},
		},
	}

	tracker := NewReleaseTracker(lister, st, WithTrackerRetries(1))
	_, err := tracker.Track(context.Background(), false)
	require.Error(t, err)

	var fatal *marketplace.FatalError
	assert.ErrorAs(t, err, &fatal)
}

func TestTrackIsolatesPerExtensionFailures(t *testing.T) {
	t.Parallel()

	broken := extensionRef("broken.ext", "1.0.0")
	alive := extensionRef("alive.ext", "1.0.0")

	st := newFakeReleaseStore(broken, alive)
	lister := &fakeReleaseLister{
		versions: map[string][]marketplace.Version{
			"alive.ext": versionList("1.0.0"),
		},
		errs: map[string]error{
			"broken.ext": fmt.Errorf("%w: status 500", marketplace.ErrUpstreamDown),
		},
	}

	tracker := NewReleaseTracker(lister, st, WithTrackerRetries(1))
	result, err := tracker.Track(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.ExtensionsFailed)
	assert.Equal(t, int64(1), result.ExtensionsProcessed)
}
