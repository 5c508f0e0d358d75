// Package monitoring aggregates ingestion counters and store statistics for
// the status command and runner logs.
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/camberville/eventline/internal/model"
	"github.com/camberville/eventline/internal/store"
)

// Collector counts ingestion outcomes per source in process.
type Collector struct {
	mu       sync.Mutex
	started  time.Time
	outcomes map[string]map[model.IngestStatus]int
	errors   map[string]int
}

func NewCollector() *Collector {
	return &Collector{
		started:  time.Now(),
		outcomes: map[string]map[model.IngestStatus]int{},
		errors:   map[string]int{},
	}
}

// RecordOutcome counts one ingestion disposition for a source.
func (c *Collector) RecordOutcome(source string, status model.IngestStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes[source] == nil {
		c.outcomes[source] = map[model.IngestStatus]int{}
	}
	c.outcomes[source][status]++
}

// RecordError counts an ingestion attempt that failed outright.
func (c *Collector) RecordError(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[source]++
}

// Counters returns a copy of the per-source outcome counts.
func (c *Collector) Counters() map[string]map[model.IngestStatus]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[model.IngestStatus]int, len(c.outcomes))
	for src, m := range c.outcomes {
		inner := make(map[model.IngestStatus]int, len(m))
		for k, v := range m {
			inner[k] = v
		}
		out[src] = inner
	}
	return out
}

// Errors returns a copy of the per-source error counts.
func (c *Collector) Errors() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.errors))
	for k, v := range c.errors {
		out[k] = v
	}
	return out
}

// Snapshot combines the in-process counters with store statistics.
type Snapshot struct {
	Uptime   time.Duration                         `json:"uptime"`
	Outcomes map[string]map[model.IngestStatus]int `json:"outcomes"`
	Errors   map[string]int                        `json:"errors"`
	Store    *store.Stats                          `json:"store"`
}

// Snapshot reads store stats for the lookback window and merges them with
// the collector's counters.
func (c *Collector) Snapshot(ctx context.Context, st store.Store, lookback time.Duration) (*Snapshot, error) {
	stats, err := st.Stats(ctx, lookback)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: store stats")
	}
	return &Snapshot{
		Uptime:   time.Since(c.started),
		Outcomes: c.Counters(),
		Errors:   c.Errors(),
		Store:    stats,
	}, nil
}
