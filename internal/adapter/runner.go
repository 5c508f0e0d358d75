package adapter

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/camberville/eventline/internal/ingest"
	"github.com/camberville/eventline/internal/model"
	"github.com/camberville/eventline/internal/monitoring"
)

// Runner sweeps all adapters on an interval and feeds their candidates to
// the coordinator. One adapter failing never stops the others.
type Runner struct {
	coordinator *ingest.Coordinator
	collector   *monitoring.Collector
	adapters    []Adapter
	interval    time.Duration
	parallelism int
}

func NewRunner(c *ingest.Coordinator, collector *monitoring.Collector, adapters []Adapter, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Runner{
		coordinator: c,
		collector:   collector,
		adapters:    adapters,
		interval:    interval,
		parallelism: 4,
	}
}

// Run sweeps immediately, then on every interval tick until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep fetches every adapter once, concurrently, and ingests the results.
func (r *Runner) Sweep(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)

	for _, a := range r.adapters {
		g.Go(func() error {
			r.sweepAdapter(gctx, a)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Runner) sweepAdapter(ctx context.Context, a Adapter) {
	started := time.Now()
	candidates, err := a.Fetch(ctx)
	if err != nil {
		zap.L().Error("adapter fetch failed",
			zap.String("source", a.Name()),
			zap.Error(err),
		)
		r.collector.RecordError(a.Name())
		return
	}

	counts := map[model.IngestStatus]int{}
	failures := 0
	for _, cand := range candidates {
		outcome, err := r.coordinator.Ingest(ctx, cand)
		if err != nil && outcome.Status != model.StatusRejected {
			zap.L().Error("ingest failed",
				zap.String("source", a.Name()),
				zap.String("name", cand.Name),
				zap.Error(err),
			)
			r.collector.RecordError(a.Name())
			failures++
			continue
		}
		counts[outcome.Status]++
		r.collector.RecordOutcome(a.Name(), outcome.Status)
		if outcome.Status == model.StatusRejected {
			zap.L().Warn("candidate rejected",
				zap.String("source", a.Name()),
				zap.String("name", cand.Name),
				zap.String("reason", outcome.Reason),
			)
		}
	}

	zap.L().Info("adapter sweep complete",
		zap.String("source", a.Name()),
		zap.Int("fetched", len(candidates)),
		zap.Int("inserted", counts[model.StatusInserted]),
		zap.Int("merged", counts[model.StatusMerged]),
		zap.Int("rejected", counts[model.StatusRejected]),
		zap.Int("failed", failures),
		zap.Duration("took", time.Since(started)),
	)
}
