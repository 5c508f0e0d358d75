package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/camberville/eventline/internal/dedup"
	"github.com/camberville/eventline/internal/geocode"
	"github.com/camberville/eventline/internal/idempotency"
	"github.com/camberville/eventline/internal/ingest"
	"github.com/camberville/eventline/internal/monitoring"
	"github.com/camberville/eventline/internal/registry"
	"github.com/camberville/eventline/internal/resilience"
	"github.com/camberville/eventline/internal/store"
	"github.com/camberville/eventline/pkg/places"
)

// uploadSource is the registered source name for flyer uploads.
const uploadSource = "upload"

// engineEnv holds the initialized store and the ingestion engine built on
// top of it, shared by the ingest/sync/serve commands.
type engineEnv struct {
	Store       store.Store
	Registry    *registry.Registry
	Coordinator *ingest.Coordinator
	Collector   *monitoring.Collector
}

// Close releases resources held by the engine environment.
func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "eventline.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEngine sets up the store, runs migrations, registers configured
// sources, and wires the dedup resolver, geocoder, idempotency guard, and
// coordinator. Callers should defer env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	// The database may still be coming up when the service starts.
	if err := resilience.Do(ctx, resilience.DefaultRetryConfig(), "store ping", st.Ping); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "ping store")
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	// Sources named in config are always registered; other sources come
	// from `eventline registry seed`.
	for _, f := range cfg.Feeds {
		if err := st.AddSource(ctx, f.Name); err != nil {
			_ = st.Close()
			return nil, eris.Wrapf(err, "register source %s", f.Name)
		}
	}
	if err := st.AddSource(ctx, uploadSource); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "register upload source")
	}

	// Google Places client (optional — fuzzy dedup degrades without it).
	var enricher *geocode.Enricher
	if cfg.Places.Key != "" {
		client := places.NewClient(cfg.Places.Key,
			places.WithBaseURL(cfg.Places.BaseURL),
			places.WithLocationBias(cfg.Places.BiasLat, cfg.Places.BiasLng, cfg.Places.BiasRadius),
			places.WithRateLimit(cfg.Places.RateLimit),
		)
		enricher = geocode.NewEnricher(client, time.Duration(cfg.Places.TimeoutSecs)*time.Second)
		zap.L().Info("places geocoding enabled")
	} else {
		zap.L().Debug("EVENTLINE_PLACES_KEY not set, geocoding disabled")
	}

	reg := registry.New(st, cfg.Registry.CacheTTL)
	resolver := dedup.NewResolver(st, dedup.Config{
		NameThreshold:        cfg.Dedup.NameThreshold,
		DescriptionThreshold: cfg.Dedup.DescriptionThreshold,
		FuzzyNameThreshold:   cfg.Dedup.FuzzyNameThreshold,
		FuzzyWindow:          cfg.Dedup.FuzzyWindow,
	})
	guard := idempotency.New(st,
		idempotency.WithPollInterval(cfg.Idempotency.PollInterval),
		idempotency.WithMaxWait(cfg.Idempotency.MaxWait),
	)

	return &engineEnv{
		Store:       st,
		Registry:    reg,
		Coordinator: ingest.NewCoordinator(st, resolver, reg, enricher, guard),
		Collector:   monitoring.NewCollector(),
	}, nil
}
