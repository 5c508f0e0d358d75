package registry

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// SeedFile is the on-disk shape for registry seeding.
type SeedFile struct {
	Sources    []string `yaml:"sources"`
	EventTypes []string `yaml:"event_types"`
}

// LoadSeedFile reads and parses a registry seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read seed file %s", path)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, eris.Wrapf(err, "registry: parse seed file %s", path)
	}
	return &seed, nil
}

// Seed writes the seed entries into the store registries. Source names are
// kept verbatim; event-type labels are canonicalized. The cache is refreshed
// afterwards so the new entries are visible immediately.
func (r *Registry) Seed(ctx context.Context, seed *SeedFile) error {
	for _, s := range seed.Sources {
		if s == "" {
			continue
		}
		if err := r.store.AddSource(ctx, s); err != nil {
			return eris.Wrapf(err, "registry: seed source %s", s)
		}
	}
	for _, t := range seed.EventTypes {
		label := CanonicalLabel(t)
		if label == "" {
			continue
		}
		if err := r.store.AddEventType(ctx, label); err != nil {
			return eris.Wrapf(err, "registry: seed event type %s", label)
		}
	}
	return r.Refresh(ctx)
}
