package config

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/toolhub/internal/mcp"
	"github.com/MrWong99/toolhub/internal/mcp/bridge"
)

// StaticSource serves the providers of a [Config] to a [bridge.Bridge].
// [StaticSource.Update] swaps the provider list after a reload. It is safe
// for concurrent use.
type StaticSource struct {
	mu      sync.RWMutex
	entries []ProviderEntry
}

var _ bridge.ProviderSource = (*StaticSource)(nil)

// NewStaticSource returns a source over cfg.Providers. cfg must have passed
// [Validate].
func NewStaticSource(cfg *Config) *StaticSource {
	s := &StaticSource{}
	s.Update(cfg)
	return s
}

// Update replaces the provider list with cfg.Providers.
func (s *StaticSource) Update(cfg *Config) {
	entries := slices.Clone(cfg.Providers)
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
}

// Providers implements [bridge.ProviderSource]. It returns the providers
// whose callers list is empty or names caller, in file order.
func (s *StaticSource) Providers(_ context.Context, caller string) ([]mcp.ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mcp.ProviderConfig, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.allows(caller) {
			continue
		}
		pc, err := e.ProviderConfig()
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, nil
}

func (e ProviderEntry) allows(caller string) bool {
	return len(e.Callers) == 0 || slices.Contains(e.Callers, caller)
}

// MultiSource concatenates the providers of several sources in order.
// Duplicate names are left for the bridge to report.
type MultiSource []bridge.ProviderSource

var _ bridge.ProviderSource = MultiSource(nil)

// Providers implements [bridge.ProviderSource].
func (m MultiSource) Providers(ctx context.Context, caller string) ([]mcp.ProviderConfig, error) {
	var out []mcp.ProviderConfig
	for _, src := range m {
		ps, err := src.Providers(ctx, caller)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}
	return out, nil
}
