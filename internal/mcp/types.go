package mcp

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Transport selects the connection mechanism for a tool provider.
type Transport string

const (
	// TransportSubprocess spawns a subprocess and exchanges line-delimited
	// envelopes over its stdin/stdout.
	TransportSubprocess Transport = "subprocess"

	// TransportNetwork posts one envelope per HTTP request.
	TransportNetwork Transport = "network"

	// TransportStreamableHTTP speaks the Streamable HTTP transport through
	// the official SDK client.
	TransportStreamableHTTP Transport = "streamable-http"
)

// ParseTransport maps a configured transport name, including the common
// aliases "stdio" and "http", to a [Transport].
func ParseTransport(s string) (Transport, error) {
	switch s {
	case "subprocess", "stdio":
		return TransportSubprocess, nil
	case "network", "http":
		return TransportNetwork, nil
	case "streamable-http", "streamable":
		return TransportStreamableHTTP, nil
	default:
		return "", fmt.Errorf("mcp: unknown transport %q", s)
	}
}

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportSubprocess || t == TransportNetwork || t == TransportStreamableHTTP
}

// ProviderConfig describes how to reach a single tool provider.
type ProviderConfig struct {
	// Name identifies the provider. It prefixes every tool the provider
	// offers and must be unique per caller.
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command, Args, Env and Dir describe the subprocess when Transport is
	// [TransportSubprocess]. Env entries override the inherited environment.
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	// URL is the endpoint for the network transports.
	URL string

	// Token is an opaque bearer token sent in the Authorization header.
	Token string

	// Headers are extra HTTP headers for the network transports.
	Headers map[string]string

	// LegacyFallback exposes a non-compliant network endpoint as a single
	// free-text query tool instead of failing it.
	LegacyFallback bool

	// Timeout is the default per-request timeout. Zero means the client
	// default.
	Timeout time.Duration
}

// Validate checks that cfg names a provider and carries the target its
// transport needs.
func (cfg ProviderConfig) Validate() error {
	var errs []error
	if cfg.Name == "" {
		errs = append(errs, errors.New("mcp: provider name is required"))
	}
	switch cfg.Transport {
	case TransportSubprocess:
		if cfg.Command == "" {
			errs = append(errs, fmt.Errorf("mcp: provider %q: command is required for subprocess transport", cfg.Name))
		}
	case TransportNetwork, TransportStreamableHTTP:
		if cfg.URL == "" {
			errs = append(errs, fmt.Errorf("mcp: provider %q: url is required for %s transport", cfg.Name, cfg.Transport))
		}
	default:
		errs = append(errs, fmt.Errorf("mcp: provider %q: invalid transport %q", cfg.Name, cfg.Transport))
	}
	if cfg.LegacyFallback && cfg.Transport != TransportNetwork {
		errs = append(errs, fmt.Errorf("mcp: provider %q: legacy_fallback requires the network transport", cfg.Name))
	}
	return errors.Join(errs...)
}

// Equal reports whether cfg and o describe the same connection.
func (cfg ProviderConfig) Equal(o ProviderConfig) bool {
	return cfg.Name == o.Name &&
		cfg.Transport == o.Transport &&
		cfg.Command == o.Command &&
		slices.Equal(cfg.Args, o.Args) &&
		maps.Equal(cfg.Env, o.Env) &&
		cfg.Dir == o.Dir &&
		cfg.URL == o.URL &&
		cfg.Token == o.Token &&
		maps.Equal(cfg.Headers, o.Headers) &&
		cfg.LegacyFallback == o.LegacyFallback &&
		cfg.Timeout == o.Timeout
}
