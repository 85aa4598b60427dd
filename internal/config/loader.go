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

// ValidBackendNames lists the LLM backends a segmented provider may name.
var ValidBackendNames = []string{"openai", "anthropic", "groq", "ollama"}

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
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if len(cfg.Providers) == 0 {
		slog.Warn("no providers configured; every incoming call will be rejected")
	}

	// Providers
	idsSeen := make(map[string]int, len(cfg.Providers))
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := idsSeen[p.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of providers[%d]", prefix, p.ID, prev))
			}
			idsSeen[p.ID] = i
		}
		if !p.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: realtime, segmented", prefix, p.Kind))
		}
		if p.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required", prefix))
		}
		if p.Weight < 0 {
			errs = append(errs, fmt.Errorf("%s.weight %d must not be negative", prefix, p.Weight))
		}
		if p.Kind == KindSegmented {
			if p.Backend == "" {
				errs = append(errs, fmt.Errorf("%s.backend is required for segmented providers", prefix))
			} else if !slices.Contains(ValidBackendNames, p.Backend) {
				errs = append(errs, fmt.Errorf("%s.backend %q is invalid; valid values: %v", prefix, p.Backend, ValidBackendNames))
			}
			if p.Model == "" {
				errs = append(errs, fmt.Errorf("%s.model is required for segmented providers", prefix))
			}
		}
	}

	// Selection
	if cfg.Selection.Strategy != "" && !cfg.Selection.Strategy.IsValid() {
		errs = append(errs, fmt.Errorf("selection.strategy %q is invalid; valid values: priority, round-robin, performance", cfg.Selection.Strategy))
	}
	if cfg.Selection.Preferred != "" {
		if _, ok := idsSeen[cfg.Selection.Preferred]; !ok {
			slog.Warn("selection.preferred names an unknown provider; the hint will never match",
				"preferred", cfg.Selection.Preferred)
		}
	}

	// Numeric ranges
	if cfg.Health.DegradedFailureRate < 0 || cfg.Health.DegradedFailureRate > 1 {
		errs = append(errs, fmt.Errorf("health.degraded_failure_rate %.2f is out of range [0, 1]", cfg.Health.DegradedFailureRate))
	}
	if cfg.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("breaker.max_failures %d must not be negative", cfg.Breaker.MaxFailures))
	}
	if cfg.Failover.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("failover.max_attempts %d must not be negative", cfg.Failover.MaxAttempts))
	}
	if cfg.Carrier.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("carrier.input_sample_rate %d must not be negative", cfg.Carrier.InputSampleRate))
	}

	// Persistence
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; session and audit records will not survive restarts")
	}

	return errors.Join(errs...)
}
