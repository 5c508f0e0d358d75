// Package storetest provides an in-memory Store for tests that need real
// constraint behavior (unique key races, idempotency claims) without a
// database.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/camberville/eventline/internal/model"
	"github.com/camberville/eventline/internal/store"
)

// Fake is an in-memory store.Store. It enforces the same uniqueness rules
// as the SQL schemas: the (start_date, end_date, address) dedup key with
// null-aware equality and the partial (source, external_id) key.
type Fake struct {
	mu     sync.Mutex
	nextID int64

	events map[int64]*model.Event
	types  map[int64]map[string]struct{}

	sources    map[string]struct{}
	eventTypes map[string]struct{}

	keys map[string]*model.IdempotencyRecord

	// InsertHook runs at the top of InsertEvent, before the store lock is
	// taken. Tests use it to interleave concurrent writers.
	InsertHook func()
}

func NewFake() *Fake {
	return &Fake{
		events:     map[int64]*model.Event{},
		types:      map[int64]map[string]struct{}{},
		sources:    map[string]struct{}{},
		eventTypes: map[string]struct{}{"Other": {}},
		keys:       map[string]*model.IdempotencyRecord{},
	}
}

func (f *Fake) Migrate(ctx context.Context) error { return nil }
func (f *Fake) Ping(ctx context.Context) error    { return nil }
func (f *Fake) Close() error                      { return nil }

func cloneEvent(ev *model.Event, types map[string]struct{}) *model.Event {
	out := *ev
	out.EventTypes = nil
	for t := range types {
		out.EventTypes = append(out.EventTypes, t)
	}
	sort.Strings(out.EventTypes)
	return &out
}

func sameOptString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameOptTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (f *Fake) GetEvent(ctx context.Context, id int64) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return nil, nil
	}
	return cloneEvent(ev, f.types[id]), nil
}

func (f *Fake) FindBySourceKey(ctx context.Context, source, externalID string) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findBySourceKeyLocked(source, externalID), nil
}

func (f *Fake) findBySourceKeyLocked(source, externalID string) *model.Event {
	for id, ev := range f.events {
		if ev.Source == source && ev.ExternalID != nil && *ev.ExternalID == externalID {
			return cloneEvent(ev, f.types[id])
		}
	}
	return nil
}

func (f *Fake) FindByDedupKey(ctx context.Context, start time.Time, end *time.Time, address *string) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ev := range f.events {
		if ev.StartDate.Equal(start) && sameOptTime(ev.EndDate, end) && sameOptString(ev.Address, address) {
			return cloneEvent(ev, f.types[id]), nil
		}
	}
	return nil, nil
}

func (f *Fake) FindByPlaceWindow(ctx context.Context, placeID, name string, start time.Time, window time.Duration) ([]model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Event
	lo, hi := start.Add(-window), start.Add(window)
	for id, ev := range f.events {
		if ev.PlaceID == nil || *ev.PlaceID != placeID {
			continue
		}
		if ev.StartDate.Before(lo) || ev.StartDate.After(hi) {
			continue
		}
		out = append(out, *cloneEvent(ev, f.types[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (f *Fake) violatesUniqueLocked(ev *model.Event, skipID int64) bool {
	for id, other := range f.events {
		if id == skipID {
			continue
		}
		if other.StartDate.Equal(ev.StartDate) && sameOptTime(other.EndDate, ev.EndDate) && sameOptString(other.Address, ev.Address) {
			return true
		}
		if ev.ExternalID != nil && other.ExternalID != nil &&
			other.Source == ev.Source && *other.ExternalID == *ev.ExternalID {
			return true
		}
	}
	return false
}

func (f *Fake) InsertEvent(ctx context.Context, ev *model.Event) (*model.Event, error) {
	if f.InsertHook != nil {
		f.InsertHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertLocked(ev)
}

func (f *Fake) insertLocked(ev *model.Event) (*model.Event, error) {
	if f.violatesUniqueLocked(ev, 0) {
		return nil, store.ErrDuplicate
	}

	f.nextID++
	now := time.Now().UTC()
	stored := *ev
	stored.ID = f.nextID
	stored.CreatedAt = now
	stored.UpdatedAt = now

	f.events[stored.ID] = &stored
	f.types[stored.ID] = map[string]struct{}{}
	for _, t := range ev.EventTypes {
		f.types[stored.ID][t] = struct{}{}
	}

	out := cloneEvent(&stored, f.types[stored.ID])
	*ev = *out
	return ev, nil
}

func (f *Fake) UpsertBySourceKey(ctx context.Context, ev *model.Event) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ev.ExternalID != nil {
		for id, other := range f.events {
			if other.Source == ev.Source && other.ExternalID != nil && *other.ExternalID == *ev.ExternalID {
				updated := *ev
				updated.ID = id
				updated.CreatedAt = other.CreatedAt
				updated.UpdatedAt = time.Now().UTC()
				if updated.PlaceID == nil {
					updated.PlaceID = other.PlaceID
				}
				if updated.LocationName == nil {
					updated.LocationName = other.LocationName
				}
				f.events[id] = &updated
				for _, t := range ev.EventTypes {
					f.types[id][t] = struct{}{}
				}
				out := cloneEvent(&updated, f.types[id])
				*ev = *out
				return ev, nil
			}
		}
	}

	return f.insertLocked(ev)
}

func (f *Fake) MergeEvent(ctx context.Context, ev *model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.events[ev.ID]
	if !ok {
		return eris.Errorf("event not found: %d", ev.ID)
	}
	updated := *ev
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	f.events[ev.ID] = &updated
	for _, t := range ev.EventTypes {
		f.types[ev.ID][t] = struct{}{}
	}
	return nil
}

func (f *Fake) ListUpcoming(ctx context.Context, limit int) ([]model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	var out []model.Event
	for id, ev := range f.events {
		if ev.StartDate.Before(now) {
			continue
		}
		out = append(out, *cloneEvent(ev, f.types[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) ListSources(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedKeys(f.sources), nil
}

func (f *Fake) ListEventTypes(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedKeys(f.eventTypes), nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (f *Fake) AddSource(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[name] = struct{}{}
	return nil
}

func (f *Fake) AddEventType(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventTypes[name] = struct{}{}
	return nil
}

func (f *Fake) ClaimIdempotencyKey(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.keys[key]; exists {
		return false, nil
	}
	f.keys[key] = &model.IdempotencyRecord{
		Key:       key,
		Status:    model.IdempotencyPending,
		CreatedAt: time.Now().UTC(),
	}
	return true, nil
}

func (f *Fake) ResolveIdempotencyKey(ctx context.Context, key string, status model.IdempotencyStatus, eventID *int64, failure string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.keys[key]
	if !ok {
		return eris.Errorf("idempotency key not found: %s", key)
	}
	rec.Status = status
	rec.EventID = eventID
	rec.Failure = failure
	return nil
}

func (f *Fake) GetIdempotencyRecord(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.keys[key]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

func (f *Fake) Stats(ctx context.Context, lookback time.Duration) (*store.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	st := &store.Stats{
		EventsBySource: map[string]int{},
		KeysByStatus:   map[string]int{},
		Lookback:       lookback,
	}
	st.TotalEvents = len(f.events)
	for _, ev := range f.events {
		st.EventsBySource[ev.Source]++
		if !ev.StartDate.Before(now) {
			st.UpcomingEvents++
		}
		if ev.PlaceID == nil {
			st.MissingPlace++
		}
		if ev.CreatedAt.After(now.Add(-lookback)) {
			st.IngestedSince++
		}
	}
	for _, rec := range f.keys {
		st.KeysByStatus[string(rec.Status)]++
	}
	return st, nil
}

// Ptr returns a pointer to v. Keeps test fixtures terse.
func Ptr[T any](v T) *T { return &v }

var _ store.Store = (*Fake)(nil)
