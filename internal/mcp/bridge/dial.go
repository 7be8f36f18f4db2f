package bridge

import (
	"fmt"

	"github.com/MrWong99/toolhub/internal/mcp"
	"github.com/MrWong99/toolhub/internal/mcp/httpclient"
	"github.com/MrWong99/toolhub/internal/mcp/sdkclient"
	"github.com/MrWong99/toolhub/internal/mcp/stdioclient"
)

// DialFunc builds an unconnected client for a provider.
type DialFunc func(cfg mcp.ProviderConfig) (mcp.Client, error)

// LegacyDialFunc builds the free-text client used when a network provider
// is not protocol-compliant and the legacy fallback is enabled.
type LegacyDialFunc func(cfg mcp.ProviderConfig) mcp.Querier

// Dial is the default [DialFunc]. It picks the client package matching
// cfg.Transport.
func Dial(cfg mcp.ProviderConfig) (mcp.Client, error) {
	switch cfg.Transport {
	case mcp.TransportSubprocess:
		var opts []stdioclient.Option
		if cfg.Timeout > 0 {
			opts = append(opts, stdioclient.WithTimeout(cfg.Timeout))
		}
		return stdioclient.New(stdioclient.Config{
			Name:    cfg.Name,
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Dir:     cfg.Dir,
		}, opts...), nil

	case mcp.TransportNetwork:
		var opts []httpclient.Option
		if cfg.Timeout > 0 {
			opts = append(opts, httpclient.WithTimeout(cfg.Timeout))
		}
		return httpclient.New(httpConfig(cfg), opts...), nil

	case mcp.TransportStreamableHTTP:
		return sdkclient.New(sdkclient.Config{
			Name:    cfg.Name,
			URL:     cfg.URL,
			Token:   cfg.Token,
			Headers: cfg.Headers,
		}), nil
	}
	return nil, fmt.Errorf("bridge: provider %q: unsupported transport %q", cfg.Name, cfg.Transport)
}

// DialLegacy is the default [LegacyDialFunc].
func DialLegacy(cfg mcp.ProviderConfig) mcp.Querier {
	var opts []httpclient.Option
	if cfg.Timeout > 0 {
		opts = append(opts, httpclient.WithTimeout(cfg.Timeout))
	}
	return httpclient.NewLegacy(httpConfig(cfg), opts...)
}

func httpConfig(cfg mcp.ProviderConfig) httpclient.Config {
	return httpclient.Config{
		Name:    cfg.Name,
		URL:     cfg.URL,
		Token:   cfg.Token,
		Headers: cfg.Headers,
	}
}
