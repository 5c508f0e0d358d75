// Package adapter connects event producers to the ingestion coordinator.
// An adapter only fetches and shapes candidates; every write decision stays
// with the coordinator.
package adapter

import (
	"context"

	"github.com/camberville/eventline/internal/model"
)

// Adapter produces candidate events from one source.
type Adapter interface {
	// Name is the registered source name stamped on every candidate.
	Name() string
	// Fetch returns the source's current listings.
	Fetch(ctx context.Context) ([]model.CandidateEvent, error)
}
