package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camberville/eventline/internal/model"
	"github.com/camberville/eventline/internal/storetest"
)

func seedEvent(t *testing.T, fake *storetest.Fake, ev model.Event) *model.Event {
	t.Helper()
	stored, err := fake.InsertEvent(context.Background(), &ev)
	require.NoError(t, err)
	return stored
}

func TestResolver_SourceKeyWinsFirst(t *testing.T) {
	fake := storetest.NewFake()
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)
	stored := seedEvent(t, fake, model.Event{
		Name:       "Porchfest",
		StartDate:  start,
		Source:     "somerville_arts",
		ExternalID: storetest.Ptr("ext-77"),
	})

	r := NewResolver(fake, DefaultConfig())
	m, err := r.Resolve(context.Background(), model.CandidateEvent{
		Source:     "somerville_arts",
		ExternalID: storetest.Ptr("ext-77"),
		Name:       "Completely Renamed Listing",
		StartDate:  storetest.Ptr(start.Add(48 * time.Hour)),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, MatchSourceKey, m.Kind)
	assert.Equal(t, stored.ID, m.Event.ID)
}

func TestResolver_DedupKeyTier(t *testing.T) {
	fake := storetest.NewFake()
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)
	addr := storetest.Ptr("50 Main St, Somerville MA")
	stored := seedEvent(t, fake, model.Event{
		Name:        "Community Dance Night",
		Description: "An evening of dancing at the armory.",
		StartDate:   start,
		Address:     addr,
		Source:      "somerville_arts",
	})

	r := NewResolver(fake, DefaultConfig())

	// Same key from a different source with a typo'd name: matched.
	m, err := r.Resolve(context.Background(), model.CandidateEvent{
		Source:      "crawler",
		Name:        "Community Dance Nigth",
		Description: "An evening of dancing at the armory.",
		StartDate:   &start,
		Address:     addr,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, MatchDedupKey, m.Kind)
	assert.Equal(t, stored.ID, m.Event.ID)

	// Different address misses the key entirely.
	m, err = r.Resolve(context.Background(), model.CandidateEvent{
		Source:      "crawler",
		Name:        "Community Dance Night",
		Description: "An evening of dancing at the armory.",
		StartDate:   &start,
		Address:     storetest.Ptr("1 Elm St"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, MatchNone, m.Kind)
}

func TestResolver_DedupKeyCollisionDissimilarTextStillMatches(t *testing.T) {
	// The unique constraint makes the key authoritative: an insert would be
	// rejected, so the resolver must route the candidate to a merge.
	fake := storetest.NewFake()
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)
	addr := storetest.Ptr("50 Main St, Somerville MA")
	stored := seedEvent(t, fake, model.Event{
		Name:      "Intro Pottery Workshop A",
		StartDate: start,
		Address:   addr,
		Source:    "somerville_arts",
	})

	r := NewResolver(fake, DefaultConfig())
	m, err := r.Resolve(context.Background(), model.CandidateEvent{
		Source:    "crawler",
		Name:      "Intro Pottery Workshop B",
		StartDate: &start,
		Address:   addr,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, MatchDedupKey, m.Kind)
	assert.Equal(t, stored.ID, m.Event.ID)
}

func TestResolver_FuzzyTier(t *testing.T) {
	fake := storetest.NewFake()
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)
	stored := seedEvent(t, fake, model.Event{
		Name:      "Porchfest",
		StartDate: start,
		Source:    "somerville_arts",
		PlaceID:   storetest.Ptr("place-1"),
	})

	r := NewResolver(fake, DefaultConfig())

	// Similar name, same place, 15 minutes later: fuzzy match.
	m, err := r.Resolve(context.Background(), model.CandidateEvent{
		Source:    "crawler",
		Name:      "Porchfest 2026",
		StartDate: storetest.Ptr(start.Add(15 * time.Minute)),
	}, storetest.Ptr("place-1"))
	require.NoError(t, err)
	assert.Equal(t, MatchFuzzy, m.Kind)
	assert.Equal(t, stored.ID, m.Event.ID)

	// Outside the window: no match.
	m, err = r.Resolve(context.Background(), model.CandidateEvent{
		Source:    "crawler",
		Name:      "Porchfest 2026",
		StartDate: storetest.Ptr(start.Add(2 * time.Hour)),
	}, storetest.Ptr("place-1"))
	require.NoError(t, err)
	assert.Equal(t, MatchNone, m.Kind)

	// Dissimilar name at the same place and time: no match.
	m, err = r.Resolve(context.Background(), model.CandidateEvent{
		Source:    "crawler",
		Name:      "City Council Hearing",
		StartDate: storetest.Ptr(start.Add(10 * time.Minute)),
	}, storetest.Ptr("place-1"))
	require.NoError(t, err)
	assert.Equal(t, MatchNone, m.Kind)

	// No place id: fuzzy tier is skipped.
	m, err = r.Resolve(context.Background(), model.CandidateEvent{
		Source:    "crawler",
		Name:      "Porchfest 2026",
		StartDate: storetest.Ptr(start.Add(15 * time.Minute)),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, MatchNone, m.Kind)
}
