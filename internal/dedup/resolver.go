// Package dedup decides whether an incoming candidate describes an event the
// store already knows about. Matching is tiered: the first tier that produces
// a match wins and later tiers are not consulted.
package dedup

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/camberville/eventline/internal/model"
	"github.com/camberville/eventline/internal/store"
)

// MatchKind identifies which tier produced a match.
type MatchKind string

const (
	MatchNone      MatchKind = "none"
	MatchSourceKey MatchKind = "source_key"
	MatchDedupKey  MatchKind = "dedup_key"
	MatchFuzzy     MatchKind = "fuzzy"
)

// Match is the resolver's verdict for one candidate.
type Match struct {
	Kind  MatchKind
	Event *model.Event
}

// Config holds the similarity thresholds and the fuzzy-tier window.
type Config struct {
	NameThreshold        float64       `yaml:"name_threshold" mapstructure:"name_threshold"`
	DescriptionThreshold float64       `yaml:"description_threshold" mapstructure:"description_threshold"`
	FuzzyNameThreshold   float64       `yaml:"fuzzy_name_threshold" mapstructure:"fuzzy_name_threshold"`
	FuzzyWindow          time.Duration `yaml:"fuzzy_window" mapstructure:"fuzzy_window"`
}

// DefaultConfig returns the production thresholds. The dedup-key tier is
// deliberately strict: it confirms what is already an exact key collision,
// so near-identical text is required before two rows are treated as one.
func DefaultConfig() Config {
	return Config{
		NameThreshold:        0.985,
		DescriptionThreshold: 0.95,
		FuzzyNameThreshold:   0.85,
		FuzzyWindow:          30 * time.Minute,
	}
}

// Resolver matches candidates against stored events. It only reads; all
// writes stay with the coordinator.
type Resolver struct {
	store store.Store
	cfg   Config
}

func NewResolver(st store.Store, cfg Config) *Resolver {
	if cfg.NameThreshold == 0 {
		cfg = DefaultConfig()
	}
	return &Resolver{store: st, cfg: cfg}
}

// Resolve runs the match tiers in order. placeID is the candidate's resolved
// place, when geocoding produced one; without it the fuzzy tier is skipped.
func (r *Resolver) Resolve(ctx context.Context, cand model.CandidateEvent, placeID *string) (Match, error) {
	// Tier 1: same source, same external id.
	if cand.ExternalID != nil && *cand.ExternalID != "" {
		ev, err := r.store.FindBySourceKey(ctx, cand.Source, *cand.ExternalID)
		if err != nil {
			return Match{}, eris.Wrap(err, "dedup: source key lookup")
		}
		if ev != nil {
			return Match{Kind: MatchSourceKey, Event: ev}, nil
		}
	}

	// Tier 2: exact dedup key, confirmed by near-identical text.
	if cand.StartDate != nil {
		ev, err := r.store.FindByDedupKey(ctx, *cand.StartDate, cand.EndDate, cand.Address)
		if err != nil {
			return Match{}, eris.Wrap(err, "dedup: dedup key lookup")
		}
		if ev != nil && r.confirmsDedupKey(cand, ev) {
			return Match{Kind: MatchDedupKey, Event: ev}, nil
		}
		if ev != nil {
			// Key collides but the text disagrees. The unique constraint
			// will reject an insert, so treat it as the same event anyway
			// and let merge rules sort out the fields.
			zap.L().Warn("dedup key collision with dissimilar text",
				zap.Int64("event_id", ev.ID),
				zap.String("stored_name", ev.Name),
				zap.String("candidate_name", cand.Name),
			)
			return Match{Kind: MatchDedupKey, Event: ev}, nil
		}
	}

	// Tier 3: same place, overlapping time window, similar name.
	if placeID != nil && *placeID != "" && cand.StartDate != nil {
		events, err := r.store.FindByPlaceWindow(ctx, *placeID, cand.Name, *cand.StartDate, r.cfg.FuzzyWindow)
		if err != nil {
			return Match{}, eris.Wrap(err, "dedup: place window lookup")
		}
		var best *model.Event
		bestScore := r.cfg.FuzzyNameThreshold
		for i := range events {
			score := JaroWinkler(cand.Name, events[i].Name)
			if score >= bestScore {
				best = &events[i]
				bestScore = score
			}
		}
		if best != nil {
			return Match{Kind: MatchFuzzy, Event: best}, nil
		}
	}

	return Match{Kind: MatchNone}, nil
}

// IsDuplicateText reports whether two name/description pairs are close
// enough to describe the same event.
func (r *Resolver) IsDuplicateText(name1, desc1, name2, desc2 string) bool {
	return JaroWinkler(name1, name2) > r.cfg.NameThreshold &&
		JaroWinkler(desc1, desc2) > r.cfg.DescriptionThreshold
}

func (r *Resolver) confirmsDedupKey(cand model.CandidateEvent, ev *model.Event) bool {
	return r.IsDuplicateText(cand.Name, cand.Description, ev.Name, ev.Description)
}
