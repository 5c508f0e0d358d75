// Package registry exposes the live source and event-type registries. Both
// are stored tables consulted through a short-TTL cache, so registry edits
// take effect without a redeploy.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/camberville/eventline/internal/model"
	"github.com/camberville/eventline/internal/store"
)

// ErrUnknownSource reports a candidate whose source is not registered.
var ErrUnknownSource = errors.New("registry: unknown source")

// DefaultTTL is how long a cached registry snapshot is served before the
// next call reloads it from the store.
const DefaultTTL = time.Minute

var titleCaser = cases.Title(language.AmericanEnglish)

// CanonicalLabel normalizes a raw label to registry casing.
func CanonicalLabel(s string) string {
	return titleCaser.String(strings.TrimSpace(s))
}

// Registry caches the source and event-type tables.
type Registry struct {
	store store.Store
	ttl   time.Duration

	mu       sync.RWMutex
	sources  map[string]struct{}
	types    map[string]string // lowercased label -> canonical name
	loadedAt time.Time
}

func New(st store.Store, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{store: st, ttl: ttl}
}

// Refresh reloads both registries from the store unconditionally.
func (r *Registry) Refresh(ctx context.Context) error {
	sources, err := r.store.ListSources(ctx)
	if err != nil {
		return eris.Wrap(err, "registry: list sources")
	}
	types, err := r.store.ListEventTypes(ctx)
	if err != nil {
		return eris.Wrap(err, "registry: list event types")
	}

	srcSet := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		srcSet[s] = struct{}{}
	}
	typeMap := make(map[string]string, len(types))
	for _, t := range types {
		typeMap[strings.ToLower(t)] = t
	}

	r.mu.Lock()
	r.sources = srcSet
	r.types = typeMap
	r.loadedAt = time.Now()
	r.mu.Unlock()

	zap.L().Debug("registries refreshed",
		zap.Int("sources", len(srcSet)),
		zap.Int("event_types", len(typeMap)),
	)
	return nil
}

func (r *Registry) ensureFresh(ctx context.Context) error {
	r.mu.RLock()
	fresh := !r.loadedAt.IsZero() && time.Since(r.loadedAt) < r.ttl
	r.mu.RUnlock()
	if fresh {
		return nil
	}
	return r.Refresh(ctx)
}

// ValidateSource checks the candidate's source against the live registry.
func (r *Registry) ValidateSource(ctx context.Context, source string) error {
	if err := r.ensureFresh(ctx); err != nil {
		return err
	}
	r.mu.RLock()
	_, ok := r.sources[source]
	r.mu.RUnlock()
	if !ok {
		return eris.Wrapf(ErrUnknownSource, "source %q", source)
	}
	return nil
}

// NormalizeTypes maps raw labels onto canonical registry names. Unknown
// labels degrade to Other; the result is deduplicated and sorted, and is
// never empty.
func (r *Registry) NormalizeTypes(ctx context.Context, labels []string) ([]string, error) {
	if err := r.ensureFresh(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]struct{}{}
	var out []string
	add := func(name string) {
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}

	for _, raw := range labels {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		canonical, ok := r.types[strings.ToLower(trimmed)]
		if !ok {
			zap.L().Debug("unknown event type label", zap.String("label", trimmed))
			canonical = model.OtherType
		}
		add(canonical)
	}
	if len(out) == 0 {
		add(model.OtherType)
	}
	sort.Strings(out)
	return out, nil
}
