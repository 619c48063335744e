package reviews

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

type fakeReviewLister struct {
	reviews map[string][]marketplace.Review
	errs    map[string]error
}

func (f *fakeReviewLister) FetchReviews(
	_ context.Context, publisherName, extensionName string,
) ([]marketplace.Review, error) {
	key := publisherName + "." + extensionName
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	return f.reviews[key], nil
}

type fakeReviewStore struct {
	mu         sync.Mutex
	extensions []store.ExtensionRef
	upserted   map[uuid.UUID][]store.Review
}

func newFakeReviewStore(extensions ...store.ExtensionRef) *fakeReviewStore {
	return &fakeReviewStore{
		extensions: extensions,
		upserted:   make(map[uuid.UUID][]store.Review),
	}
}

func (f *fakeReviewStore) ActiveExtensions(context.Context) ([]store.ExtensionRef, error) {
	return f.extensions, nil
}

func (f *fakeReviewStore) UpsertReviews(_ context.Context, reviews []store.Review) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range reviews {
		f.upserted[r.ExtensionID] = append(f.upserted[r.ExtensionID], r)
	}
	return int64(len(reviews)), nil
}

func ref(publisher, name string) store.ExtensionRef {
	return store.ExtensionRef{
		ID:            uuid.New(),
		Identifier:    publisher + "." + name,
		PublisherName: publisher,
		Name:          name,
	}
}

func TestIngest(t *testing.T) {
	t.Parallel()

	ext := ref("pub", "ext")
	st := newFakeReviewStore(ext)
	lister := &fakeReviewLister{
		reviews: map[string][]marketplace.Review{
			"pub.ext": {
				{ID: 1, UserDisplayName: "A", Rating: 5, Text: "great", UpdatedDate: time.Now()},
				{ID: 2, UserDisplayName: "B", Rating: 2, Text: "meh"},
			},
		},
	}

	ingestor := NewIngestor(lister, st, WithIngestorWorkers(2))
	result, err := ingestor.Ingest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.ExtensionsProcessed)
	assert.Equal(t, int64(2), result.ReviewsUpserted)

	stored := st.upserted[ext.ID]
	require.Len(t, stored, 2)
	assert.Equal(t, int64(1), stored[0].ID)
	assert.Equal(t, int16(5), stored[0].Rating)
	assert.Equal(t, "great", stored[0].Comment)
	assert.NotNil(t, stored[0].UpdatedAt)
	assert.Nil(t, stored[1].UpdatedAt)
}

func TestIngestIsolatesFailures(t *testing.T) {
	t.Parallel()

	broken := ref("broken", "ext")
	gone := ref("gone", "ext")
	alive := ref("alive", "ext")

	st := newFakeReviewStore(broken, gone, alive)
	lister := &fakeReviewLister{
		reviews: map[string][]marketplace.Review{
			"alive.ext": {{ID: 7, Rating: 4}},
		},
		errs: map[string]error{
			"broken.ext": fmt.Errorf("%w: status 500", marketplace.ErrUpstreamDown),
			"gone.ext":   marketplace.ErrNotFound,
		},
	}

	ingestor := NewIngestor(lister, st)
	result, err := ingestor.Ingest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.ExtensionsProcessed)
	assert.Equal(t, int64(1), result.ExtensionsVanished)
	assert.Equal(t, int64(1), result.ExtensionsFailed)
	assert.Equal(t, int64(1), result.ReviewsUpserted)
}
