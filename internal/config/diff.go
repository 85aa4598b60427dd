package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; breaker, health,
// failover, and rotation tuning require a restart.
type ConfigDiff struct {
	ProvidersChanged bool           // true if any provider entry changed
	ProviderChanges  []ProviderDiff // per-provider diffs
	LogLevelChanged  bool
	NewLogLevel      LogLevel
	SelectionChanged bool
}

// ProviderDiff describes what changed for a single provider between two
// configs.
type ProviderDiff struct {
	ID       string
	Modified bool
	Added    bool
	Removed  bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Selection defaults
	if old.Selection != new.Selection {
		d.SelectionChanged = true
	}

	// Build provider lookup maps keyed by ID.
	oldProviders := make(map[string]*ProviderConfig, len(old.Providers))
	for i := range old.Providers {
		oldProviders[old.Providers[i].ID] = &old.Providers[i]
	}
	newProviders := make(map[string]*ProviderConfig, len(new.Providers))
	for i := range new.Providers {
		newProviders[new.Providers[i].ID] = &new.Providers[i]
	}

	// Detect modified and removed providers.
	for id, oldP := range oldProviders {
		newP, exists := newProviders[id]
		if !exists {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{ID: id, Removed: true})
			d.ProvidersChanged = true
			continue
		}
		if *oldP != *newP {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{ID: id, Modified: true})
			d.ProvidersChanged = true
		}
	}

	// Detect added providers.
	for id := range newProviders {
		if _, exists := oldProviders[id]; !exists {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{ID: id, Added: true})
			d.ProvidersChanged = true
		}
	}

	return d
}
