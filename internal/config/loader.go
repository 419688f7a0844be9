package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills in zero-valued fields that have a sane operational default.
func applyDefaults(cfg *Config) {
	if cfg.Ingress.SmallTierMaxBytes == 0 {
		cfg.Ingress.SmallTierMaxBytes = 100 << 20 // 100 MiB
	}
	if cfg.Ingress.MediumTierMaxBytes == 0 {
		cfg.Ingress.MediumTierMaxBytes = 1 << 30 // 1 GiB
	}
	if cfg.Dreaming.IntervalSeconds == 0 {
		cfg.Dreaming.IntervalSeconds = 1800 // 30 minutes
	}
	if cfg.Dreaming.LookbackWindowSeconds == 0 {
		cfg.Dreaming.LookbackWindowSeconds = 86400 // 24 hours
	}
	if cfg.Dreaming.SemanticThreshold == 0 {
		cfg.Dreaming.SemanticThreshold = 0.75
	}
	if cfg.Dreaming.MaxPairsPerRun == 0 {
		cfg.Dreaming.MaxPairsPerRun = 50
	}
	if cfg.Dreaming.BatchSize == 0 {
		cfg.Dreaming.BatchSize = 100
	}
	if cfg.Dreaming.AffinityMode == "" {
		cfg.Dreaming.AffinityMode = AffinityModeSemantic
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Embeddings ↔ store dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Store.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but store.embedding_dimensions is not set")
	}

	// Store availability
	if cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required"))
	}

	// Ingress tier ordering
	if cfg.Ingress.SmallTierMaxBytes != 0 && cfg.Ingress.MediumTierMaxBytes != 0 &&
		cfg.Ingress.SmallTierMaxBytes >= cfg.Ingress.MediumTierMaxBytes {
		errs = append(errs, fmt.Errorf("ingress.small_tier_max_bytes (%d) must be less than ingress.medium_tier_max_bytes (%d)",
			cfg.Ingress.SmallTierMaxBytes, cfg.Ingress.MediumTierMaxBytes))
	}

	// Dreaming
	if cfg.Dreaming.AffinityMode != "" && !cfg.Dreaming.AffinityMode.IsValid() {
		errs = append(errs, fmt.Errorf("dreaming.affinity_mode %q is invalid; valid values: semantic, llm", cfg.Dreaming.AffinityMode))
	}
	if cfg.Dreaming.SemanticThreshold < 0 || cfg.Dreaming.SemanticThreshold > 1 {
		errs = append(errs, fmt.Errorf("dreaming.semantic_threshold %.2f is out of range [0, 1]", cfg.Dreaming.SemanticThreshold))
	}
	if cfg.Dreaming.AffinityMode == AffinityModeLLM && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New(`dreaming.affinity_mode is "llm" but providers.llm is not configured`))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
