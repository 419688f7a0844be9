package config_test

import (
	"testing"

	"github.com/healer-ai/p8fs/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:   config.ServerConfig{LogLevel: config.LogLevelInfo},
		Dreaming: config.DreamingConfig{Tenants: []string{"tenant-a"}, IntervalSeconds: 900},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if d.DreamingChanged {
		t.Error("expected DreamingChanged=false for identical configs")
	}
	if d.TenantsChanged {
		t.Error("expected TenantsChanged=false for identical configs")
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogLevelInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogLevelDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogLevelDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_DreamingIntervalChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Dreaming: config.DreamingConfig{IntervalSeconds: 900}}
	new := &config.Config{Dreaming: config.DreamingConfig{IntervalSeconds: 1800}}

	d := config.Diff(old, new)
	if !d.DreamingChanged {
		t.Error("expected DreamingChanged=true")
	}
	if d.NewDreamingConfig.IntervalSeconds != 1800 {
		t.Errorf("expected new interval 1800, got %d", d.NewDreamingConfig.IntervalSeconds)
	}
}

func TestDiff_AffinityModeChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Dreaming: config.DreamingConfig{AffinityMode: config.AffinityModeSemantic}}
	new := &config.Config{Dreaming: config.DreamingConfig{AffinityMode: config.AffinityModeLLM}}

	d := config.Diff(old, new)
	if !d.DreamingChanged {
		t.Error("expected DreamingChanged=true for affinity mode change")
	}
}

func TestDiff_TenantAdded(t *testing.T) {
	t.Parallel()
	old := &config.Config{Dreaming: config.DreamingConfig{Tenants: []string{"tenant-a"}}}
	new := &config.Config{Dreaming: config.DreamingConfig{Tenants: []string{"tenant-a", "tenant-b"}}}

	d := config.Diff(old, new)
	if !d.TenantsChanged {
		t.Error("expected TenantsChanged=true")
	}
	found := false
	for _, tn := range d.AddedTenants {
		if tn == "tenant-b" {
			found = true
		}
	}
	if !found {
		t.Error("expected tenant-b to be reported as added")
	}
	if len(d.RemovedTenants) != 0 {
		t.Errorf("expected no removed tenants, got %v", d.RemovedTenants)
	}
}

func TestDiff_TenantRemoved(t *testing.T) {
	t.Parallel()
	old := &config.Config{Dreaming: config.DreamingConfig{Tenants: []string{"tenant-a", "tenant-b"}}}
	new := &config.Config{Dreaming: config.DreamingConfig{Tenants: []string{"tenant-a"}}}

	d := config.Diff(old, new)
	if !d.TenantsChanged {
		t.Error("expected TenantsChanged=true")
	}
	found := false
	for _, tn := range d.RemovedTenants {
		if tn == "tenant-b" {
			found = true
		}
	}
	if !found {
		t.Error("expected tenant-b to be reported as removed")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server:   config.ServerConfig{LogLevel: config.LogLevelInfo},
		Dreaming: config.DreamingConfig{Tenants: []string{"tenant-a"}, MaxPairsPerRun: 10},
	}
	new := &config.Config{
		Server:   config.ServerConfig{LogLevel: config.LogLevelWarn},
		Dreaming: config.DreamingConfig{Tenants: []string{"tenant-a", "tenant-c"}, MaxPairsPerRun: 20},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.DreamingChanged {
		t.Error("expected DreamingChanged=true")
	}
	if !d.TenantsChanged {
		t.Error("expected TenantsChanged=true")
	}
}
