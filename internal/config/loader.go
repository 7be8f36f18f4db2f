package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown keys are rejected. An empty document yields the zero [Config].
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
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

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be within [0, 1]", r))
	}

	if cfg.Bridge.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("bridge.cache_ttl %s must not be negative", cfg.Bridge.CacheTTL))
	}
	if cfg.Bridge.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("bridge.call_timeout %s must not be negative", cfg.Bridge.CallTimeout))
	}
	if cfg.Bridge.MaxParallelDiscovery < 0 {
		errs = append(errs, fmt.Errorf("bridge.max_parallel_discovery %d must not be negative", cfg.Bridge.MaxParallelDiscovery))
	}
	if cfg.Bridge.SessionIdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("bridge.session_idle_timeout %s must not be negative", cfg.Bridge.SessionIdleTimeout))
	}

	if cfg.Breaker.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("breaker.failure_threshold %d must not be negative", cfg.Breaker.FailureThreshold))
	}
	if cfg.Breaker.SuccessThreshold < 0 {
		errs = append(errs, fmt.Errorf("breaker.success_threshold %d must not be negative", cfg.Breaker.SuccessThreshold))
	}
	if cfg.Breaker.RecoveryTimeout < 0 {
		errs = append(errs, fmt.Errorf("breaker.recovery_timeout %s must not be negative", cfg.Breaker.RecoveryTimeout))
	}

	seen := make(map[string]int, len(cfg.Providers))
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers[%d]", prefix, p.Name, prev))
		}
		seen[p.Name] = i

		pc, err := p.ProviderConfig()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
			continue
		}
		if err := pc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		for j, c := range p.Callers {
			if strings.TrimSpace(c) == "" {
				errs = append(errs, fmt.Errorf("%s.callers[%d] must not be empty", prefix, j))
			}
		}
		if p.Token != "" && pc.Token == "" {
			slog.Warn("config: provider token references an unset environment variable", "provider", p.Name, "token", p.Token)
		}
	}

	if len(cfg.Providers) == 0 && cfg.Store.PostgresDSN == "" {
		slog.Warn("config: no providers configured and no store set; only built-in tools will be served")
	}

	return errors.Join(errs...)
}

// expandToken resolves "$VAR" and "${VAR}" references from the environment.
// Any other value is returned unchanged.
func expandToken(tok string) string {
	if !strings.HasPrefix(tok, "$") {
		return tok
	}
	return os.ExpandEnv(tok)
}
