package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camberville/eventline/internal/dedup"
	"github.com/camberville/eventline/internal/idempotency"
	"github.com/camberville/eventline/internal/model"
	"github.com/camberville/eventline/internal/registry"
	"github.com/camberville/eventline/internal/storetest"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *storetest.Fake) {
	t.Helper()
	fake := storetest.NewFake()
	ctx := context.Background()
	for _, s := range []string{"somerville_arts", "crawler", "upload"} {
		require.NoError(t, fake.AddSource(ctx, s))
	}
	for _, ty := range []string{"Music", "Theater", "Comedy"} {
		require.NoError(t, fake.AddEventType(ctx, ty))
	}

	reg := registry.New(fake, time.Minute)
	resolver := dedup.NewResolver(fake, dedup.DefaultConfig())
	guard := idempotency.New(fake,
		idempotency.WithPollInterval(5*time.Millisecond),
		idempotency.WithMaxWait(2*time.Second),
	)
	return NewCoordinator(fake, resolver, reg, nil, guard), fake
}

func candidate(source, name string, start time.Time) model.CandidateEvent {
	return model.CandidateEvent{
		Source:      source,
		Name:        name,
		Description: "A neighborhood gathering.",
		StartDate:   &start,
		Confidence:  0.7,
	}
}

func TestIngest_InsertNew(t *testing.T) {
	c, fake := newTestCoordinator(t)
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)

	cand := candidate("somerville_arts", "Porchfest", start)
	cand.TypeLabels = []string{"music"}

	out, err := c.Ingest(context.Background(), cand)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInserted, out.Status)
	require.NotZero(t, out.EventID)

	stored, err := fake.GetEvent(context.Background(), out.EventID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Music"}, stored.EventTypes)
}

func TestIngest_RejectsMissingStartDate(t *testing.T) {
	c, _ := newTestCoordinator(t)

	out, err := c.Ingest(context.Background(), model.CandidateEvent{
		Source: "somerville_arts",
		Name:   "Porchfest",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExtractionIncomplete))
	assert.Equal(t, model.StatusRejected, out.Status)
}

func TestIngest_RejectsUnknownSource(t *testing.T) {
	c, _ := newTestCoordinator(t)
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)

	out, err := c.Ingest(context.Background(), candidate("rogue_bot", "Porchfest", start))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, model.StatusRejected, out.Status)
}

func TestIngest_RejectsBadFields(t *testing.T) {
	c, _ := newTestCoordinator(t)
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)

	cand := candidate("somerville_arts", "Porchfest", start)
	cand.Confidence = 1.5

	_, err := c.Ingest(context.Background(), cand)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	cand = candidate("somerville_arts", "Porchfest", start)
	cand.URL = storetest.Ptr("ftp://not-a-web-url")

	_, err = c.Ingest(context.Background(), cand)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

// Scenario: the same scraper re-emits its own listing with changed fields.
// The re-emission updates the stored event in place, last write wins.
func TestIngest_SameSourceReemission(t *testing.T) {
	c, fake := newTestCoordinator(t)
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)

	first := candidate("somerville_arts", "Porchfest", start)
	first.ExternalID = storetest.Ptr("ext-77")
	out1, err := c.Ingest(context.Background(), first)
	require.NoError(t, err)
	require.Equal(t, model.StatusInserted, out1.Status)

	second := candidate("somerville_arts", "Porchfest (rescheduled)", start.Add(2*time.Hour))
	second.ExternalID = storetest.Ptr("ext-77")
	second.Confidence = 0.3 // lower confidence still wins in-lane
	out2, err := c.Ingest(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMerged, out2.Status)
	assert.Equal(t, out1.EventID, out2.EventID)

	stored, err := fake.GetEvent(context.Background(), out1.EventID)
	require.NoError(t, err)
	assert.Equal(t, "Porchfest (rescheduled)", stored.Name)
	assert.True(t, stored.StartDate.Equal(start.Add(2*time.Hour)))
}

// Scenario: a second source reports the same event with higher confidence.
// Its fields overwrite; the type sets union.
func TestIngest_CrossSourceMerge_HigherConfidenceWins(t *testing.T) {
	c, fake := newTestCoordinator(t)
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)
	addr := storetest.Ptr("50 Main St, Somerville MA")

	first := candidate("somerville_arts", "Community Dance Night", start)
	first.Address = addr
	first.Confidence = 0.5
	first.TypeLabels = []string{"music"}
	out1, err := c.Ingest(context.Background(), first)
	require.NoError(t, err)
	require.Equal(t, model.StatusInserted, out1.Status)

	second := candidate("crawler", "Community Dance Night", start)
	second.Address = addr
	second.Description = "An evening of dancing, all levels welcome."
	second.Confidence = 0.9
	second.TypeLabels = []string{"theater"}

	// Identical name, same dedup key: tier-2 match confirmed by text.
	second.Name = first.Name
	out2, err := c.Ingest(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMerged, out2.Status)
	assert.Equal(t, out1.EventID, out2.EventID)

	stored, err := fake.GetEvent(context.Background(), out1.EventID)
	require.NoError(t, err)
	assert.Equal(t, 0.9, stored.Confidence)
	assert.Equal(t, "An evening of dancing, all levels welcome.", stored.Description)
	assert.ElementsMatch(t, []string{"Music", "Theater"}, stored.EventTypes)
}

// Scenario: the lower-confidence report arrives second. It only fills gaps.
func TestIngest_CrossSourceMerge_LowerConfidenceOnlyFills(t *testing.T) {
	c, fake := newTestCoordinator(t)
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)
	addr := storetest.Ptr("50 Main St, Somerville MA")

	first := candidate("somerville_arts", "Community Dance Night", start)
	first.Address = addr
	first.Description = "An evening of dancing at the armory."
	first.Confidence = 0.9
	out1, err := c.Ingest(context.Background(), first)
	require.NoError(t, err)

	second := candidate("crawler", "Community Dance Night", start)
	second.Address = addr
	second.Description = "An evening of dancing at the armory."
	second.Confidence = 0.4
	second.URL = storetest.Ptr("https://example.org/dance")

	out2, err := c.Ingest(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMerged, out2.Status)

	stored, err := fake.GetEvent(context.Background(), out1.EventID)
	require.NoError(t, err)
	assert.Equal(t, 0.9, stored.Confidence)
	assert.Equal(t, "An evening of dancing at the armory.", stored.Description)
	require.NotNil(t, stored.URL)
	assert.Equal(t, "https://example.org/dance", *stored.URL)
}

// Scenario: N identical candidates race. Exactly one row exists afterwards
// and no caller sees a duplicate-key error.
func TestIngest_ConcurrentIdenticalCandidates(t *testing.T) {
	c, fake := newTestCoordinator(t)
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)
	addr := storetest.Ptr("50 Main St, Somerville MA")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cand := candidate("crawler", "Community Dance Night", start)
			cand.Address = addr
			cand.Description = "An evening of dancing at the armory."
			_, errs[i] = c.Ingest(context.Background(), cand)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
	}
	stats, err := fake.Stats(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEvents)
}

// A lost insert race is converted into a merge, invisible to the caller.
func TestIngest_DuplicateRaceConvertsToMerge(t *testing.T) {
	c, fake := newTestCoordinator(t)
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)
	addr := storetest.Ptr("50 Main St, Somerville MA")

	// The hook sneaks a conflicting row in between resolve and insert.
	var once sync.Once
	fake.InsertHook = func() {
		once.Do(func() {
			hook := fake.InsertHook
			fake.InsertHook = nil
			defer func() { fake.InsertHook = hook }()
			_, err := fake.InsertEvent(context.Background(), &model.Event{
				Name:        "Community Dance Night",
				Description: "An evening of dancing at the armory.",
				StartDate:   start,
				Address:     addr,
				Source:      "somerville_arts",
				Confidence:  0.5,
			})
			require.NoError(t, err)
		})
	}

	cand := candidate("crawler", "Community Dance Night", start)
	cand.Address = addr
	cand.Description = "An evening of dancing at the armory."
	cand.Confidence = 0.9

	out, err := c.Ingest(context.Background(), cand)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMerged, out.Status)

	stats, err := fake.Stats(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEvents)
}

func TestIngestUpload_ExtractorRunsOncePerKey(t *testing.T) {
	c, _ := newTestCoordinator(t)
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)

	calls := 0
	extract := func(ctx context.Context) (*model.CandidateEvent, error) {
		calls++
		cand := candidate("upload", "Porchfest", start)
		return &cand, nil
	}

	id1, err := c.IngestUpload(context.Background(), "upload-key", extract)
	require.NoError(t, err)
	id2, err := c.IngestUpload(context.Background(), "upload-key", extract)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, calls)
}

func TestIngestUpload_NoEventFound(t *testing.T) {
	c, _ := newTestCoordinator(t)

	_, err := c.IngestUpload(context.Background(), "cat-photo-key", func(ctx context.Context) (*model.CandidateEvent, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoEventFound))

	// The outcome is terminal: replays do not re-extract.
	calls := 0
	_, err = c.IngestUpload(context.Background(), "cat-photo-key", func(ctx context.Context) (*model.CandidateEvent, error) {
		calls++
		return nil, nil
	})
	require.Error(t, err)
	assert.Zero(t, calls)
}
