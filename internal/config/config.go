// Package config provides the configuration schema, loader and file watcher
// for toolhub, plus [StaticSource], which serves the configured providers to
// the tool bridge.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/toolhub/internal/mcp"
	"github.com/MrWong99/toolhub/internal/resilience"
)

// LogLevel controls log verbosity for the toolhub server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a [slog.Level]. The empty level is info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure for toolhub.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Providers []ProviderEntry `yaml:"providers"`
	Store     StoreConfig     `yaml:"store"`
}

// ServerConfig holds network, identity and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP surface listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Name and Version identify the built-in Tool Server during the
	// handshake. They default to "toolhub" and the binary version.
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// TraceSampleRatio is the fraction of root traces kept. Zero keeps all.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// BridgeConfig tunes tool discovery and invocation. Zero values select the
// bridge defaults.
type BridgeConfig struct {
	// CacheTTL is how long a provider catalog stays fresh.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// CallTimeout bounds one tool invocation.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// MaxParallelDiscovery bounds how many providers are queried at once.
	MaxParallelDiscovery int `yaml:"max_parallel_discovery"`

	// SessionIdleTimeout ends caller sessions that have not been used for
	// this long. Zero keeps sessions until they are ended explicitly.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
}

// BreakerConfig configures the per-provider circuit breakers. Zero values
// select the [resilience] defaults.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// Resilience converts b into a breaker template.
func (b BreakerConfig) Resilience() resilience.Config {
	return resilience.Config{
		FailureThreshold: b.FailureThreshold,
		RecoveryTimeout:  b.RecoveryTimeout,
		SuccessThreshold: b.SuccessThreshold,
	}
}

// ProviderEntry declares one tool provider.
type ProviderEntry struct {
	// Name prefixes every tool the provider offers. Must be unique.
	Name string `yaml:"name"`

	// Transport is "subprocess" (alias "stdio"), "network" (alias "http")
	// or "streamable-http".
	Transport string `yaml:"transport"`

	// Command, Args, Env and Dir describe a subprocess provider.
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`

	// URL is the endpoint of a network provider.
	URL string `yaml:"url"`

	// Token is sent as a bearer token. A value of the form "${VAR}" or
	// "$VAR" is read from the environment.
	Token string `yaml:"token"`

	// Headers are extra HTTP headers for network providers.
	Headers map[string]string `yaml:"headers"`

	// LegacyFallback exposes a non-compliant network endpoint as a single
	// free-text query tool.
	LegacyFallback bool `yaml:"legacy_fallback"`

	// Timeout is the per-request timeout for this provider.
	Timeout time.Duration `yaml:"timeout"`

	// Callers restricts the provider to these callers. Empty means every
	// caller may use it.
	Callers []string `yaml:"callers"`
}

// ProviderConfig converts e into the connection description used by the
// tool clients.
func (e ProviderEntry) ProviderConfig() (mcp.ProviderConfig, error) {
	transport, err := mcp.ParseTransport(e.Transport)
	if err != nil {
		return mcp.ProviderConfig{}, fmt.Errorf("config: provider %q: %w", e.Name, err)
	}
	return mcp.ProviderConfig{
		Name:           e.Name,
		Transport:      transport,
		Command:        e.Command,
		Args:           e.Args,
		Env:            e.Env,
		Dir:            e.Dir,
		URL:            e.URL,
		Token:          expandToken(e.Token),
		Headers:        e.Headers,
		LegacyFallback: e.LegacyFallback,
		Timeout:        e.Timeout,
	}, nil
}

// StoreConfig configures the optional PostgreSQL provider store. When
// PostgresDSN is set, providers are read from the database in addition to
// the providers listed in the file.
type StoreConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}
