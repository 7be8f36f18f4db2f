package config

import (
	"slices"
	"sort"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Providers lists added, removed and changed providers sorted by name.
	Providers []ProviderDiff
}

// ProviderDiff describes what changed for a single provider.
type ProviderDiff struct {
	Name    string
	Added   bool
	Removed bool

	// ConnectionChanged is set when anything needed to reach the provider
	// changed, so live connections must be dropped.
	ConnectionChanged bool

	// CallersChanged is set when the set of callers allowed to use the
	// provider changed.
	CallersChanged bool
}

// ChangedProviders returns the names of all providers in d.
func (d ConfigDiff) ChangedProviders() []string {
	names := make([]string, len(d.Providers))
	for i, p := range d.Providers {
		names[i] = p.Name
	}
	return names
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldProviders := make(map[string]ProviderEntry, len(old.Providers))
	for _, p := range old.Providers {
		oldProviders[p.Name] = p
	}
	newProviders := make(map[string]ProviderEntry, len(new.Providers))
	for _, p := range new.Providers {
		newProviders[p.Name] = p
	}

	for name, op := range oldProviders {
		np, exists := newProviders[name]
		if !exists {
			d.Providers = append(d.Providers, ProviderDiff{Name: name, Removed: true})
			continue
		}
		pd := diffProvider(name, op, np)
		if pd.ConnectionChanged || pd.CallersChanged {
			d.Providers = append(d.Providers, pd)
		}
	}
	for name := range newProviders {
		if _, exists := oldProviders[name]; !exists {
			d.Providers = append(d.Providers, ProviderDiff{Name: name, Added: true})
		}
	}

	sort.Slice(d.Providers, func(i, j int) bool { return d.Providers[i].Name < d.Providers[j].Name })
	return d
}

// diffProvider compares two provider entries with the same name.
func diffProvider(name string, old, new ProviderEntry) ProviderDiff {
	pd := ProviderDiff{Name: name}

	oc, oerr := old.ProviderConfig()
	nc, nerr := new.ProviderConfig()
	if oerr != nil || nerr != nil || !oc.Equal(nc) {
		pd.ConnectionChanged = true
	}

	oldCallers, newCallers := slices.Clone(old.Callers), slices.Clone(new.Callers)
	slices.Sort(oldCallers)
	slices.Sort(newCallers)
	if !slices.Equal(oldCallers, newCallers) {
		pd.CallersChanged = true
	}
	return pd
}
