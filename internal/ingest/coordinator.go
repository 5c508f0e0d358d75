// Package ingest owns the write path: every candidate event, whatever its
// producer, funnels through the Coordinator, which decides between insert,
// merge, and reject. Producers never write to the store directly.
package ingest

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/camberville/eventline/internal/dedup"
	"github.com/camberville/eventline/internal/geocode"
	"github.com/camberville/eventline/internal/idempotency"
	"github.com/camberville/eventline/internal/model"
	"github.com/camberville/eventline/internal/registry"
	"github.com/camberville/eventline/internal/store"
)

// Coordinator serializes all candidate handling behind one decision path.
type Coordinator struct {
	store    store.Store
	resolver *dedup.Resolver
	registry *registry.Registry
	enricher *geocode.Enricher
	guard    *idempotency.Guard
	validate *validator.Validate
}

func NewCoordinator(st store.Store, resolver *dedup.Resolver, reg *registry.Registry, enricher *geocode.Enricher, guard *idempotency.Guard) *Coordinator {
	return &Coordinator{
		store:    st,
		resolver: resolver,
		registry: reg,
		enricher: enricher,
		guard:    guard,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Ingest runs one candidate through validation, deduplication, and the
// appropriate write. Rejections return a Rejected outcome together with a
// typed error; infrastructure failures return only the error.
func (c *Coordinator) Ingest(ctx context.Context, cand model.CandidateEvent) (model.Outcome, error) {
	if cand.StartDate == nil || cand.StartDate.IsZero() {
		return reject("missing start date", ErrExtractionIncomplete)
	}
	if cand.Name == "" {
		return reject("missing name", ErrExtractionIncomplete)
	}

	if err := c.validate.Struct(cand); err != nil {
		return reject(err.Error(), eris.Wrap(ErrValidation, err.Error()))
	}
	if err := c.registry.ValidateSource(ctx, cand.Source); err != nil {
		if errors.Is(err, registry.ErrUnknownSource) {
			return reject("unknown source "+cand.Source, eris.Wrapf(ErrValidation, "unknown source %s", cand.Source))
		}
		return model.Outcome{}, err
	}

	types, err := c.registry.NormalizeTypes(ctx, cand.TypeLabels)
	if err != nil {
		return model.Outcome{}, err
	}

	// Resolve the address up front so the fuzzy tier can use the place id.
	// Soft-fails to nil; the event is stored without a place.
	var place *geocode.Result
	if cand.Address != nil {
		place = c.enricher.Enrich(ctx, *cand.Address)
	}
	var placeID *string
	if place != nil {
		placeID = &place.PlaceID
	}

	match, err := c.resolver.Resolve(ctx, cand, placeID)
	if err != nil {
		return model.Outcome{}, err
	}

	switch match.Kind {
	case dedup.MatchSourceKey:
		return c.upsertInLane(ctx, cand, types, place)
	case dedup.MatchDedupKey, dedup.MatchFuzzy:
		return c.merge(ctx, cand, match.Event, types, place)
	default:
		return c.insert(ctx, cand, types, place)
	}
}

// IngestUpload runs extraction and ingestion under the idempotency guard:
// the extractor runs at most once per key, and replays of the same key get
// the recorded outcome.
func (c *Coordinator) IngestUpload(ctx context.Context, key string, extractFn func(ctx context.Context) (*model.CandidateEvent, error)) (int64, error) {
	return c.guard.Run(ctx, key, func(ctx context.Context) (int64, error) {
		cand, err := extractFn(ctx)
		if err != nil {
			return 0, err
		}
		if cand == nil {
			return 0, ErrNoEventFound
		}
		outcome, err := c.Ingest(ctx, *cand)
		if err != nil {
			return 0, err
		}
		return outcome.EventID, nil
	})
}

func reject(reason string, err error) (model.Outcome, error) {
	return model.Outcome{Status: model.StatusRejected, Reason: reason}, err
}

// eventFromCandidate builds a fresh Event row from a candidate, with
// normalized types and any geocode result applied.
func eventFromCandidate(cand model.CandidateEvent, types []string, place *geocode.Result) *model.Event {
	ev := &model.Event{
		Name:            cand.Name,
		Description:     cand.Description,
		StartDate:       *cand.StartDate,
		EndDate:         cand.EndDate,
		Address:         cand.Address,
		LocationName:    cand.LocationName,
		Source:          cand.Source,
		ExternalID:      cand.ExternalID,
		Confidence:      cand.Confidence,
		AgeRestrictions: cand.AgeRestrictions,
		Price:           cand.Price,
		URL:             cand.URL,
		EventTypes:      types,
	}
	if place != nil {
		ev.PlaceID = &place.PlaceID
		if place.LocationName != "" && ev.LocationName == nil {
			ev.LocationName = &place.LocationName
		}
	}
	return ev
}

func (c *Coordinator) insert(ctx context.Context, cand model.CandidateEvent, types []string, place *geocode.Result) (model.Outcome, error) {
	ev := eventFromCandidate(cand, types, place)

	inserted, err := c.store.InsertEvent(ctx, ev)
	if err == nil {
		zap.L().Info("event inserted",
			zap.Int64("event_id", inserted.ID),
			zap.String("source", cand.Source),
			zap.String("name", cand.Name),
		)
		return model.Outcome{Status: model.StatusInserted, EventID: inserted.ID}, nil
	}
	if !errors.Is(err, store.ErrDuplicate) {
		return model.Outcome{}, err
	}

	// Lost an insert race: a concurrent writer created the row after we
	// resolved. Re-resolve and merge into the winner.
	zap.L().Debug("insert lost duplicate race, re-resolving",
		zap.String("source", cand.Source),
		zap.String("name", cand.Name),
	)
	var placeID *string
	if place != nil {
		placeID = &place.PlaceID
	}
	match, rerr := c.resolver.Resolve(ctx, cand, placeID)
	if rerr != nil {
		return model.Outcome{}, rerr
	}
	if match.Kind == dedup.MatchNone || match.Event == nil {
		return model.Outcome{}, eris.Wrap(err, "ingest: duplicate race but no match on re-resolve")
	}
	if match.Kind == dedup.MatchSourceKey {
		return c.upsertInLane(ctx, cand, types, place)
	}
	return c.merge(ctx, cand, match.Event, types, place)
}

// upsertInLane handles a same-source update: the producer re-emitted its own
// listing, so the newest emission wins wholesale.
func (c *Coordinator) upsertInLane(ctx context.Context, cand model.CandidateEvent, types []string, place *geocode.Result) (model.Outcome, error) {
	ev := eventFromCandidate(cand, types, place)
	updated, err := c.store.UpsertBySourceKey(ctx, ev)
	if err != nil {
		return model.Outcome{}, err
	}
	zap.L().Info("event updated in lane",
		zap.Int64("event_id", updated.ID),
		zap.String("source", cand.Source),
	)
	return model.Outcome{Status: model.StatusMerged, EventID: updated.ID}, nil
}

// merge folds a cross-source candidate into a stored event under the
// confidence rules, unions the type sets, and backfills a missing place.
func (c *Coordinator) merge(ctx context.Context, cand model.CandidateEvent, stored *model.Event, types []string, place *geocode.Result) (model.Outcome, error) {
	merged := *stored
	merged.MergeFrom(cand)

	if merged.PlaceID == nil && place != nil {
		merged.PlaceID = &place.PlaceID
		if merged.LocationName == nil && place.LocationName != "" {
			merged.LocationName = &place.LocationName
		}
	}

	merged.EventTypes = unionTypes(stored.EventTypes, types)

	if err := c.store.MergeEvent(ctx, &merged); err != nil {
		return model.Outcome{}, err
	}
	zap.L().Info("event merged",
		zap.Int64("event_id", merged.ID),
		zap.String("source", cand.Source),
		zap.Float64("stored_confidence", stored.Confidence),
		zap.Float64("candidate_confidence", cand.Confidence),
	)
	return model.Outcome{Status: model.StatusMerged, EventID: merged.ID}, nil
}

func unionTypes(a, b []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, list := range [][]string{a, b} {
		for _, t := range list {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
