package acquire

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vscavator/vscavator/internal/blob"
	"github.com/vscavator/vscavator/internal/marketplace"
	"github.com/vscavator/vscavator/internal/store"
)

// fakeBlobStore is an in-memory content-addressed store.
type fakeBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	puts  int
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte)}
}

func (f *fakeBlobStore) PutIfAbsent(
	_ context.Context, contentAddress string, body io.Reader, _ int64,
) (blob.PutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.blobs[contentAddress]; ok {
		return blob.AlreadyExists, nil
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return 0, err
	}
	f.blobs[contentAddress] = data
	f.puts++
	return blob.Stored, nil
}

func (f *fakeBlobStore) Exists(_ context.Context, contentAddress string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blobs[contentAddress]
	return ok, nil
}

func (f *fakeBlobStore) ListAddresses(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addresses := make([]string, 0, len(f.blobs))
	for addr := range f.blobs {
		addresses = append(addresses, addr)
	}
	return addresses, nil
}

func (f *fakeBlobStore) Key(contentAddress string) string {
	return "archives/" + contentAddress + ".vsix"
}

// fakeAcquisitionStore tracks release claim state in memory.
type fakeAcquisitionStore struct {
	mu         sync.Mutex
	candidates []store.ReleaseCandidate
	status     map[uuid.UUID]store.ReleaseStatus
	addresses  map[uuid.UUID]string
	reclaimed  int64
	cutoff     time.Time
}

func newFakeAcquisitionStore(candidates ...store.ReleaseCandidate) *fakeAcquisitionStore {
	f := &fakeAcquisitionStore{
		candidates: candidates,
		status:     make(map[uuid.UUID]store.ReleaseStatus),
		addresses:  make(map[uuid.UUID]string),
	}
	for _, c := range candidates {
		f.status[c.ID] = store.StatusPending
	}
	return f
}

func (f *fakeAcquisitionStore) AcquisitionCandidates(context.Context, int) ([]store.ReleaseCandidate, error) {
	return f.candidates, nil
}

func (f *fakeAcquisitionStore) ClaimRelease(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status[id] != store.StatusPending && f.status[id] != store.StatusFailed {
		return false, nil
	}
	f.status[id] = store.StatusInProgress
	return true, nil
}

func (f *fakeAcquisitionStore) MarkReleaseStored(_ context.Context, id uuid.UUID, contentAddress string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status[id] != store.StatusInProgress {
		return fmt.Errorf("release %s is not in progress", id)
	}
	f.status[id] = store.StatusStored
	if _, ok := f.addresses[id]; !ok {
		f.addresses[id] = contentAddress
	}
	return nil
}

func (f *fakeAcquisitionStore) RevertClaim(_ context.Context, id uuid.UUID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = store.StatusPending
	return nil
}

func (f *fakeAcquisitionStore) MarkReleaseFailed(_ context.Context, id uuid.UUID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = store.StatusFailed
	return nil
}

func (f *fakeAcquisitionStore) ReclaimStaleClaims(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.reclaimed, nil
}

// fakeFetcher serves canned archive bytes or errors keyed by version.
type fakeFetcher struct {
	archives map[string][]byte
	errs     map[string]error
}

func (f *fakeFetcher) FetchArchive(
	_ context.Context, _, _, version string,
) (*marketplace.Artifact, error) {
	if err, ok := f.errs[version]; ok {
		return nil, err
	}
	data, ok := f.archives[version]
	if !ok {
		return nil, marketplace.ErrNotFound
	}
	return &marketplace.Artifact{
		Body: io.NopCloser(bytes.NewReader(data)),
		Size: int64(len(data)),
	}, nil
}

func candidate(version string, attempts int) store.ReleaseCandidate {
	return store.ReleaseCandidate{
		ID:            uuid.New(),
		ExtensionID:   uuid.New(),
		Version:       version,
		PublisherName: "pub",
		ExtensionName: "ext",
		Attempts:      attempts,
	}
}

func sha256hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestRunStoresPendingReleases(t *testing.T) {
	t.Parallel()

	c := candidate("1.0.0", 0)
	st := newFakeAcquisitionStore(c)
	blobs := newFakeBlobStore()
	fetcher := &fakeFetcher{archives: map[string][]byte{"1.0.0": []byte("archive-bytes")}}

	scheduler := NewScheduler(fetcher, st, NewWriter(blobs, st), WithWorkers(2))
	result, err := scheduler.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Candidates)
	assert.Equal(t, int64(1), result.Stored)
	assert.Equal(t, store.StatusStored, st.status[c.ID])
	assert.Equal(t, sha256hex([]byte("archive-bytes")), st.addresses[c.ID])
	assert.Equal(t, 1, blobs.puts)
}

func TestRunDeduplicatesIdenticalArchives(t *testing.T) {
	t.Parallel()

	first := candidate("1.0.0", 0)
	second := candidate("1.0.1", 0)
	st := newFakeAcquisitionStore(first, second)
	blobs := newFakeBlobStore()
	fetcher := &fakeFetcher{archives: map[string][]byte{
		"1.0.0": []byte("identical-bytes"),
		"1.0.1": []byte("identical-bytes"),
	}}

	// One worker makes the dedup deterministic: the second download sees
	// the first blob already present.
	scheduler := NewScheduler(fetcher, st, NewWriter(blobs, st), WithWorkers(1))
	result, err := scheduler.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), result.Stored)
	assert.Equal(t, int64(1), result.Deduplicated)
	assert.Equal(t, 1, blobs.puts)
	// Both releases point at the same content address.
	assert.Equal(t, st.addresses[first.ID], st.addresses[second.ID])
}

func TestRunRevertsFailedAttemptBelowCeiling(t *testing.T) {
	t.Parallel()

	c := candidate("1.0.0", 0)
	st := newFakeAcquisitionStore(c)
	fetcher := &fakeFetcher{errs: map[string]error{
		"1.0.0": fmt.Errorf("%w: status 502", marketplace.ErrUpstreamDown),
	}}

	scheduler := NewScheduler(fetcher, st, NewWriter(newFakeBlobStore(), st),
		WithFetchRetries(1), WithMaxAttempts(5))
	result, err := scheduler.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Retryable)
	assert.Equal(t, int64(0), result.Exhausted)
	assert.Equal(t, store.StatusPending, st.status[c.ID])
}

func TestRunMarksReleaseFailedAtAttemptCeiling(t *testing.T) {
	t.Parallel()

	c := candidate("1.0.0", 4)
	st := newFakeAcquisitionStore(c)
	fetcher := &fakeFetcher{errs: map[string]error{
		"1.0.0": fmt.Errorf("%w: status 502", marketplace.ErrUpstreamDown),
	}}

	scheduler := NewScheduler(fetcher, st, NewWriter(newFakeBlobStore(), st),
		WithFetchRetries(1), WithMaxAttempts(5))
	result, err := scheduler.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Exhausted)
	assert.Equal(t, store.StatusFailed, st.status[c.ID])
}

func TestRunVanishedArchive(t *testing.T) {
	t.Parallel()

	c := candidate("1.0.0", 0)
	st := newFakeAcquisitionStore(c)
	fetcher := &fakeFetcher{}

	scheduler := NewScheduler(fetcher, st, NewWriter(newFakeBlobStore(), st), WithFetchRetries(1))
	result, err := scheduler.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Vanished)
	assert.Equal(t, store.StatusPending, st.status[c.ID])
}

func TestRunFatalErrorAbortsAndReleasesClaim(t *testing.T) {
	t.Parallel()

	c := candidate("1.0.0", 0)
	st := newFakeAcquisitionStore(c)
	fetcher := &fakeFetcher{errs: map[string]error{
		"1.0.0": &marketplace.FatalError{StatusCode: 401, Message: "authentication rejected"},
	}}

	scheduler := NewScheduler(fetcher, st, NewWriter(newFakeBlobStore(), st), WithFetchRetries(3))
	_, err := scheduler.Run(context.Background())
	require.Error(t, err)

	var fatal *marketplace.FatalError
	assert.ErrorAs(t, err, &fatal)
	assert.Equal(t, store.StatusPending, st.status[c.ID])
}

func TestRunReclaimsStaleClaimsFirst(t *testing.T) {
	t.Parallel()

	st := newFakeAcquisitionStore()
	st.reclaimed = 3
	timeout := 10 * time.Minute

	scheduler := NewScheduler(&fakeFetcher{}, st, NewWriter(newFakeBlobStore(), st),
		WithClaimTimeout(timeout))
	before := time.Now()
	result, err := scheduler.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(3), result.Reclaimed)
	assert.WithinDuration(t, before.Add(-timeout), st.cutoff, time.Minute)
}

func TestWriterStore(t *testing.T) {
	t.Parallel()

	c := candidate("1.0.0", 0)
	st := newFakeAcquisitionStore(c)
	st.status[c.ID] = store.StatusInProgress
	blobs := newFakeBlobStore()

	writer := NewWriter(blobs, st)
	result, err := writer.Store(context.Background(), c.ID, bytes.NewReader([]byte("payload")))
	require.NoError(t, err)

	assert.Equal(t, sha256hex([]byte("payload")), result.ContentAddress)
	assert.Equal(t, int64(7), result.Size)
	assert.False(t, result.Deduplicated)
	assert.Equal(t, []byte("payload"), blobs.blobs[result.ContentAddress])
	assert.Equal(t, store.StatusStored, st.status[c.ID])
}
