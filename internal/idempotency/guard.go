// Package idempotency makes photo-upload ingestion exactly-once per client
// key. The store's claim row is the lock: whoever inserts it runs the work,
// everyone else waits for the recorded outcome.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/camberville/eventline/internal/model"
	"github.com/camberville/eventline/internal/store"
)

// ErrStillPending reports that the claim winner had not recorded an outcome
// before the waiter's bounded wait expired.
var ErrStillPending = errors.New("idempotency: outcome still pending")

// ErrUploadFailed wraps a terminal failure recorded by the claim winner.
var ErrUploadFailed = errors.New("idempotency: upload failed")

// Guard coordinates duplicate submissions of the same upload.
type Guard struct {
	store        store.Store
	pollInterval time.Duration
	maxWait      time.Duration
}

// Option configures a Guard.
type Option func(*Guard)

// WithPollInterval overrides how often a waiting caller re-reads the key row.
func WithPollInterval(d time.Duration) Option {
	return func(g *Guard) { g.pollInterval = d }
}

// WithMaxWait overrides the bounded wait for a winner's outcome.
func WithMaxWait(d time.Duration) Option {
	return func(g *Guard) { g.maxWait = d }
}

func New(st store.Store, opts ...Option) *Guard {
	g := &Guard{
		store:        st,
		pollInterval: 200 * time.Millisecond,
		maxWait:      30 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run executes fn at most once for the given key. The claim winner runs fn
// and records its outcome on the key row; losers wait for that outcome and
// return it as their own. fn's returned event id is recorded on success, its
// error as a terminal failure.
func (g *Guard) Run(ctx context.Context, key string, fn func(ctx context.Context) (int64, error)) (int64, error) {
	won, err := g.store.ClaimIdempotencyKey(ctx, key)
	if err != nil {
		return 0, eris.Wrap(err, "idempotency: claim")
	}

	if !won {
		return g.await(ctx, key)
	}

	eventID, fnErr := fn(ctx)
	if fnErr != nil {
		// Record the terminal failure so replays return it instead of
		// re-running the work.
		if recErr := g.store.ResolveIdempotencyKey(ctx, key, model.IdempotencyFailed, nil, fnErr.Error()); recErr != nil {
			zap.L().Error("failed to record idempotency failure",
				zap.String("key", key), zap.Error(recErr))
		}
		return 0, fnErr
	}

	if err := g.store.ResolveIdempotencyKey(ctx, key, model.IdempotencySucceeded, &eventID, ""); err != nil {
		return 0, eris.Wrap(err, "idempotency: record success")
	}
	return eventID, nil
}

// await polls the key row until the winner records an outcome or the bounded
// wait expires.
func (g *Guard) await(ctx context.Context, key string) (int64, error) {
	deadline := time.Now().Add(g.maxWait)
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		rec, err := g.store.GetIdempotencyRecord(ctx, key)
		if err != nil {
			return 0, eris.Wrap(err, "idempotency: poll")
		}
		if rec != nil {
			switch rec.Status {
			case model.IdempotencySucceeded:
				if rec.EventID == nil {
					return 0, eris.Errorf("idempotency: key %s succeeded without event id", key)
				}
				return *rec.EventID, nil
			case model.IdempotencyFailed:
				return 0, eris.Wrapf(ErrUploadFailed, "%s", rec.Failure)
			}
		}

		if time.Now().After(deadline) {
			return 0, eris.Wrapf(ErrStillPending, "key %s", key)
		}
		select {
		case <-ctx.Done():
			return 0, eris.Wrap(ctx.Err(), "idempotency: wait cancelled")
		case <-ticker.C:
		}
	}
}
