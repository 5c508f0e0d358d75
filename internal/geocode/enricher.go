// Package geocode resolves raw event addresses to stable place ids. Geocode
// failures are never fatal to ingestion: an event without a place id is
// still worth storing.
package geocode

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/camberville/eventline/pkg/places"
)

// DefaultTimeout bounds a single geocode lookup.
const DefaultTimeout = 5 * time.Second

// Result is a successful address resolution.
type Result struct {
	PlaceID      string
	LocationName string
	Address      string
}

// Enricher wraps the places client with the ingestion policy: one bounded
// attempt, no retries, soft failure.
type Enricher struct {
	client  places.Client
	timeout time.Duration
}

func NewEnricher(client places.Client, timeout time.Duration) *Enricher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Enricher{client: client, timeout: timeout}
}

// Enrich resolves an address. Returns nil both when the address is unknown
// to the geocoder and when the service is unavailable; only programming
// errors surface. A nil Enricher (geocoding not configured) always returns
// nil.
func (e *Enricher) Enrich(ctx context.Context, address string) *Result {
	if e == nil || e.client == nil || address == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	place, err := e.client.TextSearch(ctx, address)
	if err != nil {
		if errors.Is(err, places.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			zap.L().Warn("geocode unavailable, continuing without place",
				zap.String("address", address), zap.Error(err))
			return nil
		}
		zap.L().Error("geocode lookup failed",
			zap.String("address", address), zap.Error(err))
		return nil
	}
	if place == nil {
		zap.L().Debug("address did not geocode", zap.String("address", address))
		return nil
	}

	return &Result{
		PlaceID:      place.ID,
		LocationName: place.DisplayName.Text,
		Address:      place.FormattedAddress,
	}
}
