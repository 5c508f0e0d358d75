package store

import (
	"context"
	"errors"
	"time"

	"github.com/camberville/eventline/internal/model"
)

// ErrDuplicate reports that an insert lost a race against a unique
// constraint. Callers re-resolve and merge instead of surfacing it.
var ErrDuplicate = errors.New("store: duplicate event")

// Stats is a point-in-time snapshot of the canonical store for the
// status command.
type Stats struct {
	TotalEvents    int            `json:"total_events"`
	EventsBySource map[string]int `json:"events_by_source"`
	UpcomingEvents int            `json:"upcoming_events"`
	MissingPlace   int            `json:"missing_place"`
	KeysByStatus   map[string]int `json:"keys_by_status"`
	IngestedSince  int            `json:"ingested_since"`
	Lookback       time.Duration  `json:"lookback"`
}

// Store defines the persistence interface for the ingestion engine.
type Store interface {
	// Events
	GetEvent(ctx context.Context, id int64) (*model.Event, error)
	FindBySourceKey(ctx context.Context, source, externalID string) (*model.Event, error)
	FindByDedupKey(ctx context.Context, start time.Time, end *time.Time, address *string) (*model.Event, error)
	FindByPlaceWindow(ctx context.Context, placeID, name string, start time.Time, window time.Duration) ([]model.Event, error)
	InsertEvent(ctx context.Context, ev *model.Event) (*model.Event, error)
	UpsertBySourceKey(ctx context.Context, ev *model.Event) (*model.Event, error)
	MergeEvent(ctx context.Context, ev *model.Event) error
	ListUpcoming(ctx context.Context, limit int) ([]model.Event, error)

	// Registries
	ListSources(ctx context.Context) ([]string, error)
	ListEventTypes(ctx context.Context) ([]string, error)
	AddSource(ctx context.Context, name string) error
	AddEventType(ctx context.Context, name string) error

	// Idempotency
	ClaimIdempotencyKey(ctx context.Context, key string) (bool, error)
	ResolveIdempotencyKey(ctx context.Context, key string, status model.IdempotencyStatus, eventID *int64, failure string) error
	GetIdempotencyRecord(ctx context.Context, key string) (*model.IdempotencyRecord, error)

	// Monitoring
	Stats(ctx context.Context, lookback time.Duration) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
