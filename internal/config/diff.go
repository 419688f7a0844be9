package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DreamingChanged   bool
	NewDreamingConfig DreamingConfig

	TenantsChanged bool
	AddedTenants   []string
	RemovedTenants []string
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

	// Dreaming tunables — interval, thresholds, affinity mode, batch size.
	if !dreamingTunablesEqual(old.Dreaming, new.Dreaming) {
		d.DreamingChanged = true
		d.NewDreamingConfig = new.Dreaming
	}

	// Tenant set membership.
	oldTenants := make(map[string]bool, len(old.Dreaming.Tenants))
	for _, t := range old.Dreaming.Tenants {
		oldTenants[t] = true
	}
	newTenants := make(map[string]bool, len(new.Dreaming.Tenants))
	for _, t := range new.Dreaming.Tenants {
		newTenants[t] = true
	}
	for t := range newTenants {
		if !oldTenants[t] {
			d.AddedTenants = append(d.AddedTenants, t)
			d.TenantsChanged = true
		}
	}
	for t := range oldTenants {
		if !newTenants[t] {
			d.RemovedTenants = append(d.RemovedTenants, t)
			d.TenantsChanged = true
		}
	}

	return d
}

// dreamingTunablesEqual compares everything in DreamingConfig except the
// Tenants slice, which is diffed separately since it is set-valued rather
// than scalar.
func dreamingTunablesEqual(a, b DreamingConfig) bool {
	return a.IntervalSeconds == b.IntervalSeconds &&
		a.LookbackWindowSeconds == b.LookbackWindowSeconds &&
		a.SemanticThreshold == b.SemanticThreshold &&
		a.MaxPairsPerRun == b.MaxPairsPerRun &&
		a.AffinityMode == b.AffinityMode &&
		a.BatchSize == b.BatchSize
}
