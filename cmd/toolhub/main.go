// Command toolhub serves its built-in tools over the tool protocol and
// aggregates remote tool providers behind one HTTP surface.
//
// Modes:
//
//	toolhub -mode serve-http  -config toolhub.yaml
//	toolhub -mode serve-stdio                      # spawned as a subprocess provider
//	toolhub -mode list        -config toolhub.yaml -caller alice
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MrWong99/toolhub/internal/config"
	"github.com/MrWong99/toolhub/internal/health"
	"github.com/MrWong99/toolhub/internal/mcp/bridge"
	"github.com/MrWong99/toolhub/internal/mcp/server"
	"github.com/MrWong99/toolhub/internal/mcp/tools"
	"github.com/MrWong99/toolhub/internal/observe"
	"github.com/MrWong99/toolhub/internal/resilience"
	"github.com/MrWong99/toolhub/pkg/store/postgres"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	modeServeHTTP  = "serve-http"
	modeServeStdio = "serve-stdio"
	modeList       = "list"

	defaultListenAddr = ":8080"
	shutdownTimeout   = 15 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "toolhub.yaml", "path to the YAML configuration file")
	mode := flag.String("mode", modeServeHTTP, "one of serve-http, serve-stdio, list")
	caller := flag.String("caller", "default", "caller whose bindings are printed in list mode")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	switch {
	case errors.Is(err, os.ErrNotExist) && *mode == modeServeStdio:
		// A subprocess provider needs no config file.
		cfg = &config.Config{}
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintf(os.Stderr, "toolhub: config file %q not found\n", *configPath)
		return 1
	case err != nil:
		fmt.Fprintf(os.Stderr, "toolhub: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(os.Stderr, level))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case modeServeHTTP:
		return serveHTTP(ctx, cfg, *configPath, level)
	case modeServeStdio:
		return serveStdio(ctx, cfg)
	case modeList:
		return list(ctx, cfg, *caller, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "toolhub: unknown mode %q; valid modes: %s, %s, %s\n", *mode, modeServeHTTP, modeServeStdio, modeList)
		return 2
	}
}

// ── Modes ─────────────────────────────────────────────────────────────────────

func serveStdio(ctx context.Context, cfg *config.Config) int {
	srv, err := newToolServer(cfg, nil)
	if err != nil {
		slog.Error("failed to build tool server", "err", err)
		return 1
	}
	slog.Info("toolhub serving on stdio", "tools", len(srv.ToolNames()))
	if err := srv.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("stdio server stopped", "err", err)
		return 1
	}
	return 0
}

func serveHTTP(ctx context.Context, cfg *config.Config, configPath string, level *slog.LevelVar) int {
	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Init(ctx, observe.TelemetryConfig{
		ServiceName:    serverName(cfg),
		ServiceVersion: serverVersion(cfg),
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := tel.Metrics

	// ── Tool server and bridge ────────────────────────────────────────────────
	srv, err := newToolServer(cfg, metrics)
	if err != nil {
		slog.Error("failed to build tool server", "err", err)
		return 1
	}
	b, static, store, err := newBridge(ctx, cfg, metrics)
	if err != nil {
		slog.Error("failed to build tool bridge", "err", err)
		return 1
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.Warn("bridge close error", "err", err)
		}
		if store != nil {
			store.Close()
		}
	}()

	// ── Health ────────────────────────────────────────────────────────────────
	checkers := []health.Checker{
		health.ToolsRegistered(srv.ToolNames),
		health.BreakersClosed(b.ProviderStates),
	}
	if store != nil {
		checkers = append(checkers, health.Ping("store", store))
	}
	hc := health.New(checkers...)

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, func(old, new *config.Config) {
		applyReload(old, new, static, b, level)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Idle sessions ─────────────────────────────────────────────────────────
	if d := cfg.Bridge.SessionIdleTimeout; d > 0 {
		go evictIdleSessions(ctx, b, d/2)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           routes(srv, b, hc, metrics, tel.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	slog.Info("toolhub ready",
		"listen_addr", addr,
		"version", serverVersion(cfg),
		"tools", len(srv.ToolNames()),
		"providers", len(cfg.Providers),
		"store", store != nil,
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func list(ctx context.Context, cfg *config.Config, caller string, out io.Writer) int {
	b, _, store, err := newBridge(ctx, cfg, nil)
	if err != nil {
		slog.Error("failed to build tool bridge", "err", err)
		return 1
	}
	defer func() {
		_ = b.Close()
		if store != nil {
			store.Close()
		}
	}()

	ts, err := b.Bindings(ctx, caller)
	if err != nil {
		slog.Error("failed to resolve bindings", "caller", caller, "err", err)
		return 1
	}
	printBindings(out, ts)
	if len(ts.Bindings) == 0 && len(ts.Failures) > 0 {
		return 1
	}
	return 0
}

func printBindings(out io.Writer, ts *bridge.ToolSet) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tPROVIDER\tREQUIRED\tDESCRIPTION")
	for _, bd := range ts.Bindings {
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", bd.Name, bd.Provider, bd.Params().Required(), truncate(bd.Description, 60))
	}
	_ = tw.Flush()
	for _, f := range ts.Failures {
		fmt.Fprintf(out, "unavailable: %s: %v\n", f.Provider, f.Err)
	}
}

// ── Wiring ────────────────────────────────────────────────────────────────────

func newToolServer(cfg *config.Config, m *observe.Metrics) (*server.Server, error) {
	var opts []server.Option
	if m != nil {
		opts = append(opts, server.WithMetrics(m))
	}
	srv := server.New(serverName(cfg), serverVersion(cfg), opts...)
	if err := tools.Register(srv, tools.Builtin(nil)); err != nil {
		return nil, err
	}
	return srv, nil
}

// newBridge builds the bridge over the configured providers and, when a DSN
// is set, the PostgreSQL store. The returned store is nil without a DSN.
func newBridge(ctx context.Context, cfg *config.Config, m *observe.Metrics) (*bridge.Bridge, *config.StaticSource, *postgres.Store, error) {
	static := config.NewStaticSource(cfg)
	var (
		source bridge.ProviderSource = static
		store  *postgres.Store
	)
	if dsn := cfg.Store.PostgresDSN; dsn != "" {
		var err error
		store, err = postgres.NewStore(ctx, dsn)
		if err != nil {
			return nil, nil, nil, err
		}
		source = config.MultiSource{static, store}
	}

	breaker := cfg.Breaker.Resilience()
	breaker.OnStateChange = func(name string, from, to resilience.State) {
		slog.Warn("provider circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
	}
	opts := []bridge.Option{
		bridge.WithCacheTTL(cfg.Bridge.CacheTTL),
		bridge.WithCallTimeout(cfg.Bridge.CallTimeout),
		bridge.WithMaxParallel(cfg.Bridge.MaxParallelDiscovery),
		bridge.WithIdleTimeout(cfg.Bridge.SessionIdleTimeout),
		bridge.WithBreakerConfig(breaker),
	}
	if m != nil {
		opts = append(opts, bridge.WithMetrics(m))
	}
	return bridge.New(source, opts...), static, store, nil
}

// evictIdleSessions ends idle caller sessions every interval until ctx is done.
func evictIdleSessions(ctx context.Context, b *bridge.Bridge, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ended := b.EvictIdle(); len(ended) > 0 {
				slog.Info("idle sessions ended", "callers", ended)
			}
		}
	}
}

// applyReload swaps in the reloaded provider list and drops connections and
// catalogs of every provider that changed.
func applyReload(old, new *config.Config, static *config.StaticSource, b *bridge.Bridge, level *slog.LevelVar) {
	static.Update(new)
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	for _, p := range d.Providers {
		b.Invalidate(bridge.Scope{Provider: p.Name})
		slog.Info("provider configuration changed",
			"provider", p.Name,
			"added", p.Added,
			"removed", p.Removed,
			"connection_changed", p.ConnectionChanged,
			"callers_changed", p.CallersChanged,
		)
	}
	if old.Bridge != new.Bridge || old.Breaker != new.Breaker || old.Server.ListenAddr != new.Server.ListenAddr {
		slog.Warn("bridge, breaker and listen settings take effect after a restart")
	}
}

func serverName(cfg *config.Config) string {
	if cfg.Server.Name != "" {
		return cfg.Server.Name
	}
	return "toolhub"
}

func serverVersion(cfg *config.Config) string {
	if cfg.Server.Version != "" {
		return cfg.Server.Version
	}
	return version
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
