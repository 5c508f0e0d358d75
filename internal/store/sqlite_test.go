package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camberville/eventline/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite("file:" + t.TempDir() + "/eventline.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.AddSource(context.Background(), "somerville_arts"))
	require.NoError(t, s.AddEventType(context.Background(), "Music"))
	return s
}

func strPtr(s string) *string { return &s }

func TestSQLiteStore_InsertAndGet(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)

	ev, err := s.InsertEvent(ctx, &model.Event{
		Name:       "Porchfest",
		StartDate:  start,
		Address:    strPtr("50 Main St, Somerville MA"),
		Source:     "somerville_arts",
		Confidence: 0.8,
		EventTypes: []string{"Music"},
	})
	require.NoError(t, err)
	require.NotZero(t, ev.ID)

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Porchfest", got.Name)
	assert.True(t, got.StartDate.Equal(start))
	assert.Equal(t, []string{"Music"}, got.EventTypes)
	require.NotNil(t, got.Address)
	assert.Equal(t, "50 Main St, Somerville MA", *got.Address)
	assert.Nil(t, got.EndDate)
}

func TestSQLiteStore_DedupKeyUnique(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)

	_, err := s.InsertEvent(ctx, &model.Event{
		Name: "Porchfest", StartDate: start, Source: "somerville_arts",
	})
	require.NoError(t, err)

	// Same (start, nil end, nil address) triple must collide even though
	// the nullable columns are NULL.
	_, err = s.InsertEvent(ctx, &model.Event{
		Name: "Porch Fest", StartDate: start, Source: "somerville_arts",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicate))
}

func TestSQLiteStore_FindByDedupKey_NullAware(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)

	ins, err := s.InsertEvent(ctx, &model.Event{
		Name: "Porchfest", StartDate: start, Source: "somerville_arts",
	})
	require.NoError(t, err)

	got, err := s.FindByDedupKey(ctx, start, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ins.ID, got.ID)

	got, err = s.FindByDedupKey(ctx, start, nil, strPtr("elsewhere"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStore_UpsertBySourceKey_LastWriteWins(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)
	ext := "ext-77"

	first, err := s.UpsertBySourceKey(ctx, &model.Event{
		Name: "Porchfest", Description: "old", StartDate: start,
		Source: "somerville_arts", ExternalID: &ext, Confidence: 0.6,
	})
	require.NoError(t, err)

	second, err := s.UpsertBySourceKey(ctx, &model.Event{
		Name: "Porchfest 2026", Description: "new", StartDate: start.Add(time.Hour),
		Source: "somerville_arts", ExternalID: &ext, Confidence: 0.4,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := s.GetEvent(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Porchfest 2026", got.Name)
	assert.Equal(t, "new", got.Description)
	assert.Equal(t, 0.4, got.Confidence)
}

func TestSQLiteStore_MergeEvent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)

	ev, err := s.InsertEvent(ctx, &model.Event{
		Name: "Porchfest", StartDate: start, Source: "somerville_arts",
		EventTypes: []string{"Music"},
	})
	require.NoError(t, err)

	ev.Description = "Neighborhood music festival"
	ev.Confidence = 0.9
	ev.EventTypes = []string{"Music", "Other"}
	require.NoError(t, s.MergeEvent(ctx, ev))

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "Neighborhood music festival", got.Description)
	assert.Equal(t, []string{"Music", "Other"}, got.EventTypes)
}

func TestSQLiteStore_FindByPlaceWindow(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)

	_, err := s.InsertEvent(ctx, &model.Event{
		Name: "Porchfest", StartDate: start, Source: "somerville_arts",
		PlaceID: strPtr("place-1"),
	})
	require.NoError(t, err)
	_, err = s.InsertEvent(ctx, &model.Event{
		Name: "Porchfest late set", StartDate: start.Add(15 * time.Minute),
		Source: "somerville_arts", PlaceID: strPtr("place-1"),
		Address: strPtr("unique-addr"),
	})
	require.NoError(t, err)
	_, err = s.InsertEvent(ctx, &model.Event{
		Name: "Unrelated", StartDate: start.Add(3 * time.Hour),
		Source: "somerville_arts", PlaceID: strPtr("place-1"),
		Address: strPtr("other-addr"),
	})
	require.NoError(t, err)

	events, err := s.FindByPlaceWindow(ctx, "place-1", "Porchfest", start, 30*time.Minute)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSQLiteStore_IdempotencyLifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	won, err := s.ClaimIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.ClaimIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, won)

	ev, err := s.InsertEvent(ctx, &model.Event{
		Name:      "Porchfest",
		StartDate: time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC),
		Source:    "somerville_arts",
	})
	require.NoError(t, err)

	require.NoError(t, s.ResolveIdempotencyKey(ctx, "key-1", model.IdempotencySucceeded, &ev.ID, ""))

	rec, err := s.GetIdempotencyRecord(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.IdempotencySucceeded, rec.Status)
	require.NotNil(t, rec.EventID)
	assert.Equal(t, ev.ID, *rec.EventID)
}

func TestSQLiteStore_Stats(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := s.InsertEvent(ctx, &model.Event{
		Name: "Porchfest", StartDate: time.Now().UTC().Add(24 * time.Hour),
		Source: "somerville_arts",
	})
	require.NoError(t, err)

	st, err := s.Stats(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalEvents)
	assert.Equal(t, 1, st.UpcomingEvents)
	assert.Equal(t, 1, st.MissingPlace)
	assert.Equal(t, 1, st.EventsBySource["somerville_arts"])
}
