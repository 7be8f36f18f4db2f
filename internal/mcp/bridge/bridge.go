// Package bridge aggregates many tool providers into one namespaced tool set
// that an agent can discover and invoke.
//
// A [Bridge] asks its [ProviderSource] which providers a caller may use,
// connects to each of them lazily, caches their catalogs for a TTL, and
// turns every tool into a [Binding] named "<provider>_<tool>". Every call to
// a provider goes through that provider's circuit breaker, so a provider
// that keeps failing is skipped quickly instead of stalling the agent.
//
// Typical usage:
//
//	b := bridge.New(source)
//	defer b.Close()
//
//	ts, err := b.Bindings(ctx, caller)
//	if err != nil { ... }
//	for _, f := range ts.Failures {
//	    log.Printf("provider %s unavailable: %v", f.Provider, f.Err)
//	}
//	out, err := b.Invoke(ctx, caller, "weather_forecast", args)
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/toolhub/internal/mcp"
	"github.com/MrWong99/toolhub/internal/observe"
	"github.com/MrWong99/toolhub/internal/resilience"
	"github.com/MrWong99/toolhub/pkg/protocol"
)

const (
	defaultCacheTTL    = 5 * time.Minute
	defaultCallTimeout = 30 * time.Second
	defaultMaxParallel = 8
	defaultStatsWindow = 100

	// BreakerPrefix namespaces provider breakers in the registry.
	BreakerPrefix = "mcp:"

	// LegacyToolName is the tool exposed for a provider reached through the
	// legacy query fallback.
	LegacyToolName = "query"
)

var (
	// ErrClosed is returned by a bridge after Close.
	ErrClosed = errors.New("bridge: closed")

	// ErrDuplicateProvider is reported for a provider whose name was
	// already used by an earlier provider of the same caller.
	ErrDuplicateProvider = errors.New("bridge: duplicate provider name")

	// ErrUnknownTool is returned by Invoke for a name that no binding has.
	ErrUnknownTool = errors.New("bridge: unknown tool")

	// ErrStaleBinding is returned when a binding is invoked after its
	// provider's config changed. Resolve bindings again to pick up the new
	// config.
	ErrStaleBinding = errors.New("bridge: stale binding, resolve bindings again")
)

// ProviderSource supplies the providers a caller may use.
type ProviderSource interface {
	Providers(ctx context.Context, caller string) ([]mcp.ProviderConfig, error)
}

// ProviderSourceFunc adapts a function to [ProviderSource].
type ProviderSourceFunc func(ctx context.Context, caller string) ([]mcp.ProviderConfig, error)

// Providers implements [ProviderSource].
func (f ProviderSourceFunc) Providers(ctx context.Context, caller string) ([]mcp.ProviderConfig, error) {
	return f(ctx, caller)
}

// Scope selects connections and catalogs to invalidate. Empty fields match
// everything, so the zero Scope invalidates all of them.
type Scope struct {
	Caller   string
	Provider string
}

func (s Scope) matches(k connKey) bool {
	return (s.Caller == "" || s.Caller == k.caller) && (s.Provider == "" || s.Provider == k.provider)
}

// Option is a functional option for configuring a [Bridge].
type Option func(*Bridge)

// WithCacheTTL sets how long a provider catalog is served from cache.
// The default is 5 minutes.
func WithCacheTTL(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.ttl = d
		}
	}
}

// WithCallTimeout bounds each provider round trip when the caller's context
// has no deadline. The default is 30 seconds.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.callTimeout = d
		}
	}
}

// WithMaxParallel caps how many providers are queried at once during
// discovery. The default is 8.
func WithMaxParallel(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.maxParallel = n
		}
	}
}

// WithDialer replaces the function that builds provider clients.
func WithDialer(d DialFunc) Option {
	return func(b *Bridge) { b.dial = d }
}

// WithLegacyDialer replaces the function that builds legacy query clients.
func WithLegacyDialer(d LegacyDialFunc) Option {
	return func(b *Bridge) { b.dialLegacy = d }
}

// WithBreakerConfig sets the template for provider circuit breakers. Name,
// IsExcluded (when nil) and OnStateChange are filled in by the bridge.
func WithBreakerConfig(cfg resilience.Config) Option {
	return func(b *Bridge) { b.breakerCfg = cfg }
}

// WithMetrics sets the metrics instance. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithClock replaces time.Now for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// WithStatsWindow sets how many recent calls per binding feed
// [Bridge.ToolStats]. The default is 100.
func WithStatsWindow(n int) Option {
	return func(b *Bridge) { b.statsWindow = n }
}

// WithIdleTimeout makes [Bridge.EvictIdle] end sessions that saw no
// discovery or call for d. Zero disables eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.idleTimeout = d
		}
	}
}

// BindingsOption tunes a single [Bridge.Bindings] call.
type BindingsOption func(*bindingsOptions)

type bindingsOptions struct {
	force bool
}

// WithForceRefresh bypasses the catalog cache for this call.
func WithForceRefresh() BindingsOption {
	return func(o *bindingsOptions) { o.force = true }
}

type connKey struct {
	caller   string
	provider string
}

func (k connKey) String() string { return k.caller + "\x00" + k.provider }

// providerConn is the live state of one provider for one caller.
type providerConn struct {
	key connKey
	cfg mcp.ProviderConfig

	mu        sync.Mutex
	client    mcp.Client
	legacy    mcp.Querier
	connected bool
	tools     []protocol.ToolDescriptor
	fetchedAt time.Time
}

func (pc *providerConn) cached(now time.Time, ttl time.Duration) ([]protocol.ToolDescriptor, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.fetchedAt.IsZero() || now.Sub(pc.fetchedAt) >= ttl {
		return nil, false
	}
	return pc.tools, true
}

func (pc *providerConn) store(tools []protocol.ToolDescriptor, at time.Time) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.tools = tools
	pc.fetchedAt = at
}

// sessionState tracks one caller's session.
type sessionState struct {
	id       string
	lastUsed time.Time
	inFlight int
}

// Bridge aggregates tool providers. It is safe for concurrent use.
type Bridge struct {
	source      ProviderSource
	ttl         time.Duration
	callTimeout time.Duration
	maxParallel int
	statsWindow int
	idleTimeout time.Duration
	dial        DialFunc
	dialLegacy  LegacyDialFunc
	breakerCfg  resilience.Config
	breakers    *resilience.Registry
	metrics     *observe.Metrics
	now         func() time.Time
	stats       *statsBook

	flight singleflight.Group

	mu       sync.Mutex
	closed   bool
	conns    map[connKey]*providerConn
	sessions map[string]*sessionState
}

// New returns a bridge drawing providers from source.
func New(source ProviderSource, opts ...Option) *Bridge {
	b := &Bridge{
		source:      source,
		ttl:         defaultCacheTTL,
		callTimeout: defaultCallTimeout,
		maxParallel: defaultMaxParallel,
		statsWindow: defaultStatsWindow,
		dial:        Dial,
		dialLegacy:  DialLegacy,
		now:         time.Now,
		conns:       make(map[connKey]*providerConn),
		sessions:    make(map[string]*sessionState),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	b.stats = newStatsBook(b.statsWindow)

	cfg := b.breakerCfg
	if cfg.IsExcluded == nil {
		cfg.IsExcluded = isExcluded
	}
	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to resilience.State) {
		b.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	b.breakers = resilience.NewRegistry(cfg)
	return b
}

// isExcluded keeps answers that prove the provider is alive out of the
// breaker's failure count.
func isExcluded(err error) bool {
	var iae *InvalidArgumentsError
	return protocol.IsProtocolError(err) || errors.As(err, &iae)
}

// ─── discovery ───────────────────────────────────────────────────────────────

// Bindings resolves every provider available to caller into bindings.
// Providers that fail are reported in [ToolSet.Failures]; the error return
// is reserved for a failing [ProviderSource] or a closed bridge.
func (b *Bridge) Bindings(ctx context.Context, caller string, opts ...BindingsOption) (*ToolSet, error) {
	var o bindingsOptions
	for _, opt := range opts {
		opt(&o)
	}

	session, err := b.enter(ctx, caller)
	if err != nil {
		return nil, err
	}
	defer b.leave(caller)
	cfgs, err := b.source.Providers(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("bridge: providers for %q: %w", caller, err)
	}

	ts := &ToolSet{Caller: caller, SessionID: session, byName: make(map[string]*Binding)}

	seen := make(map[string]bool, len(cfgs))
	jobs := make([]mcp.ProviderConfig, 0, len(cfgs))
	for _, cfg := range cfgs {
		if seen[cfg.Name] {
			slog.Warn("bridge: duplicate provider rejected", "caller", caller, "provider", cfg.Name)
			ts.Failures = append(ts.Failures, Failure{Provider: cfg.Name, Err: fmt.Errorf("%w: %q", ErrDuplicateProvider, cfg.Name)})
			continue
		}
		seen[cfg.Name] = true
		if err := cfg.Validate(); err != nil {
			ts.Failures = append(ts.Failures, Failure{Provider: cfg.Name, Err: err})
			continue
		}
		jobs = append(jobs, cfg)
	}

	type result struct {
		tools []protocol.ToolDescriptor
		err   error
	}
	results := make([]result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.maxParallel)
	for i, cfg := range jobs {
		g.Go(func() error {
			tools, err := b.catalog(gctx, caller, cfg, o.force)
			results[i] = result{tools: tools, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i, cfg := range jobs {
		r := results[i]
		if r.err != nil {
			slog.Warn("bridge: provider unavailable", "caller", caller, "provider", cfg.Name, "err", r.err)
			ts.Failures = append(ts.Failures, Failure{Provider: cfg.Name, Err: r.err})
			continue
		}
		for _, td := range r.tools {
			name := Namespace(cfg.Name, td.Name)
			if prev, dup := ts.byName[name]; dup {
				slog.Warn("bridge: binding name collision, keeping first",
					"binding", name, "kept_provider", prev.Provider, "dropped_provider", cfg.Name, "tool", td.Name)
				continue
			}
			params := td.InputSchema
			if params == nil {
				params = protocol.InputSchema{}
			}
			bd := &Binding{
				Name:        name,
				Description: td.Description,
				Provider:    cfg.Name,
				Tool:        td.Name,
				params:      params,
				caller:      caller,
				cfg:         cfg,
				bridge:      b,
			}
			ts.byName[name] = bd
			ts.Bindings = append(ts.Bindings, bd)
		}
	}
	return ts, nil
}

// sessionLocked returns caller's session, starting one on first use.
func (b *Bridge) sessionLocked(ctx context.Context, caller string) *sessionState {
	if st, ok := b.sessions[caller]; ok {
		st.lastUsed = b.now()
		return st
	}
	st := &sessionState{id: uuid.NewString(), lastUsed: b.now()}
	b.sessions[caller] = st
	b.metrics.ActiveSessions.Add(ctx, 1)
	slog.Debug("bridge: session started", "caller", caller, "session", st.id)
	return st
}

// enter marks work in flight for caller so that idle eviction skips the
// session, and returns the session id. Every successful enter must be paired
// with leave.
func (b *Bridge) enter(ctx context.Context, caller string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}
	st := b.sessionLocked(ctx, caller)
	st.inFlight++
	return st.id, nil
}

func (b *Bridge) leave(caller string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.sessions[caller]; ok {
		st.inFlight = max(st.inFlight-1, 0)
		st.lastUsed = b.now()
	}
}

// conn returns the connection state for cfg, replacing one built from an
// older config.
func (b *Bridge) conn(caller string, cfg mcp.ProviderConfig) (*providerConn, error) {
	key := connKey{caller: caller, provider: cfg.Name}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	pc, ok := b.conns[key]
	if ok && pc.cfg.Equal(cfg) {
		b.mu.Unlock()
		return pc, nil
	}
	stale := pc
	pc = &providerConn{key: key, cfg: cfg}
	b.conns[key] = pc
	b.mu.Unlock()

	if stale != nil {
		slog.Info("bridge: provider config changed, reconnecting", "caller", caller, "provider", cfg.Name)
		b.flight.Forget(key.String())
		b.closeConn(stale)
	}
	return pc, nil
}

// attach returns the connection state bd was resolved against. It never
// replaces a connection: a binding whose config no longer matches the live
// connection or the source fails with [ErrStaleBinding].
func (b *Bridge) attach(ctx context.Context, bd *Binding) (*providerConn, error) {
	key := connKey{caller: bd.caller, provider: bd.Provider}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	pc, ok := b.conns[key]
	b.mu.Unlock()
	if ok {
		if !pc.cfg.Equal(bd.cfg) {
			return nil, fmt.Errorf("%w: %s", ErrStaleBinding, bd.Name)
		}
		return pc, nil
	}

	// Dropped by Invalidate or EndSession; only reconnect when the source
	// still hands out the same config.
	cfgs, err := b.source.Providers(ctx, bd.caller)
	if err != nil {
		return nil, fmt.Errorf("bridge: providers for %q: %w", bd.caller, err)
	}
	idx := slices.IndexFunc(cfgs, func(c mcp.ProviderConfig) bool { return c.Name == bd.Provider })
	if idx < 0 || !cfgs[idx].Equal(bd.cfg) {
		return nil, fmt.Errorf("%w: %s", ErrStaleBinding, bd.Name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if pc, ok := b.conns[key]; ok {
		if !pc.cfg.Equal(bd.cfg) {
			return nil, fmt.Errorf("%w: %s", ErrStaleBinding, bd.Name)
		}
		return pc, nil
	}
	pc = &providerConn{key: key, cfg: bd.cfg}
	b.conns[key] = pc
	return pc, nil
}

// catalog returns the provider's tools from cache or from the provider.
func (b *Bridge) catalog(ctx context.Context, caller string, cfg mcp.ProviderConfig, force bool) ([]protocol.ToolDescriptor, error) {
	pc, err := b.conn(caller, cfg)
	if err != nil {
		return nil, err
	}
	if !force {
		if tools, ok := pc.cached(b.now(), b.ttl); ok {
			b.metrics.RecordCatalogFetch(ctx, cfg.Name, "cache")
			return tools, nil
		}
	}
	// The shared fetch outlives any single waiter; each waiter still gives up
	// on its own context.
	ch := b.flight.DoChan(pc.key.String(), func() (any, error) {
		return b.fetch(context.WithoutCancel(ctx), pc)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		b.metrics.RecordCatalogFetch(ctx, cfg.Name, "error")
		return nil, res.Err
	}
	b.metrics.RecordCatalogFetch(ctx, cfg.Name, "transport")
	return res.Val.([]protocol.ToolDescriptor), nil
}

func (b *Bridge) fetch(ctx context.Context, pc *providerConn) ([]protocol.ToolDescriptor, error) {
	ctx, span := observe.StartCatalogSpan(ctx, pc.key.caller, pc.cfg.Name)
	defer span.End()

	cb := b.breakers.Get(BreakerPrefix + pc.cfg.Name)
	var tools []protocol.ToolDescriptor
	err := cb.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := b.withTimeout(ctx)
		defer cancel()
		client, legacy, err := b.ensureConnected(ctx, pc)
		if err != nil {
			return err
		}
		if legacy != nil {
			tools = legacyCatalog(pc.cfg.Name)
			return nil
		}
		tools, err = client.ListTools(ctx)
		if err != nil {
			b.dropIfDead(pc, client, err)
		}
		return err
	})
	if err != nil {
		b.recordFailure(ctx, pc.cfg.Name, err)
		observe.FinishSpan(span, observe.StatusError, err, "")
		return nil, err
	}
	observe.FinishSpan(span, observe.StatusOK, nil, "")
	pc.store(tools, b.now())
	slog.Debug("bridge: catalog fetched", "caller", pc.key.caller, "provider", pc.cfg.Name, "tools", len(tools))
	return tools, nil
}

func legacyCatalog(provider string) []protocol.ToolDescriptor {
	return []protocol.ToolDescriptor{{
		Name:        LegacyToolName,
		Description: fmt.Sprintf("Ask %s a free-text question.", provider),
		InputSchema: protocol.InputSchema{
			"query": {Type: protocol.TypeString, Required: true, Description: "The question to ask."},
		},
	}}
}

func (b *Bridge) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.callTimeout)
}

// ensureConnected connects pc on first use. A network provider that fails
// the handshake as non-compliant is switched to the legacy query client when
// its config allows it.
func (b *Bridge) ensureConnected(ctx context.Context, pc *providerConn) (mcp.Client, mcp.Querier, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.legacy != nil {
		return nil, pc.legacy, nil
	}
	if pc.connected {
		return pc.client, nil, nil
	}
	if pc.client == nil {
		c, err := b.dial(pc.cfg)
		if err != nil {
			return nil, nil, err
		}
		pc.client = c
	}
	if err := pc.client.Connect(ctx); err != nil {
		if pc.cfg.LegacyFallback && errors.Is(err, protocol.ErrNotCompliant) {
			slog.Warn("bridge: provider is not protocol-compliant, using legacy query",
				"caller", pc.key.caller, "provider", pc.cfg.Name, "err", err)
			_ = pc.client.Close()
			pc.client = nil
			pc.legacy = b.dialLegacy(pc.cfg)
			return nil, pc.legacy, nil
		}
		return nil, nil, err
	}
	pc.connected = true
	b.metrics.ActiveConnections.Add(ctx, 1)
	slog.Info("bridge: provider connected",
		"caller", pc.key.caller, "provider", pc.cfg.Name, "transport", pc.cfg.Transport)
	return pc.client, nil, nil
}

// dropIfDead forgets a connection whose transport is gone so that the next
// use reconnects.
func (b *Bridge) dropIfDead(pc *providerConn, client mcp.Client, err error) {
	if !errors.Is(err, protocol.ErrProcessExited) && !errors.Is(err, protocol.ErrClosed) {
		return
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.client != client {
		return
	}
	if pc.connected {
		b.metrics.ActiveConnections.Add(context.Background(), -1)
	}
	_ = client.Close()
	pc.client = nil
	pc.connected = false
	slog.Warn("bridge: provider connection lost", "caller", pc.key.caller, "provider", pc.cfg.Name, "err", err)
}

func (b *Bridge) closeConn(pc *providerConn) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.client != nil {
		if err := pc.client.Close(); err != nil {
			slog.Warn("bridge: close provider", "caller", pc.key.caller, "provider", pc.cfg.Name, "err", err)
		}
		if pc.connected {
			b.metrics.ActiveConnections.Add(context.Background(), -1)
		}
	}
	pc.client = nil
	pc.legacy = nil
	pc.connected = false
	pc.tools = nil
	pc.fetchedAt = time.Time{}
}

// ─── invocation ──────────────────────────────────────────────────────────────

// Invoke resolves name among caller's bindings and invokes it.
func (b *Bridge) Invoke(ctx context.Context, caller, name string, args map[string]any) (string, error) {
	ts, err := b.Bindings(ctx, caller)
	if err != nil {
		return "", err
	}
	bd, ok := ts.Lookup(name)
	if !ok {
		if err := ts.Err(); err != nil {
			return "", fmt.Errorf("%w: %s (%v)", ErrUnknownTool, name, err)
		}
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return bd.Invoke(ctx, args)
}

func (b *Bridge) call(ctx context.Context, bd *Binding, args protocol.Arguments) (string, error) {
	ctx, span := observe.StartToolSpan(ctx, observe.ToolCall{
		Caller:   bd.caller,
		Binding:  bd.Name,
		Provider: bd.Provider,
		Tool:     bd.Tool,
	})
	defer span.End()

	if _, err := b.enter(ctx, bd.caller); err != nil {
		return "", err
	}
	defer b.leave(bd.caller)

	pc, err := b.attach(ctx, bd)
	if err != nil {
		observe.FinishSpan(span, observe.StatusError, err, "")
		return "", err
	}
	cb := b.breakers.Get(BreakerPrefix + bd.Provider)

	start := time.Now()
	var res *protocol.ToolCallResult
	err = cb.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := b.withTimeout(ctx)
		defer cancel()
		client, legacy, err := b.ensureConnected(ctx, pc)
		if err != nil {
			return err
		}
		if legacy != nil {
			out, err := legacy.Query(ctx, args.String("query"))
			if err != nil {
				return err
			}
			res = protocol.TextResult(out)
			return nil
		}
		res, err = client.CallTool(ctx, bd.Tool, args)
		if err != nil {
			b.dropIfDead(pc, client, err)
		}
		return err
	})
	elapsed := time.Since(start)

	log := observe.Logger(ctx).With("caller", bd.caller, "binding", bd.Name, "provider", bd.Provider)
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		b.metrics.RecordBreakerRejection(ctx, cb.Name())
		b.metrics.RecordToolCall(ctx, bd.Provider, bd.Tool, observe.StatusRejected, elapsed)
		observe.FinishSpan(span, observe.StatusRejected, nil, "circuit open")
		log.Warn("bridge: call rejected, provider circuit open", "err", err)
		return "", err

	case err != nil:
		b.recordFailure(ctx, bd.Provider, err)
		b.metrics.RecordToolCall(ctx, bd.Provider, bd.Tool, observe.StatusError, elapsed)
		b.stats.record(bd.Name, elapsed, true)
		observe.FinishSpan(span, observe.StatusError, err, "")
		log.Warn("bridge: call failed", "err", err, "duration", elapsed)
		return "", err

	case res.IsError:
		b.metrics.RecordToolCall(ctx, bd.Provider, bd.Tool, observe.StatusToolError, elapsed)
		b.stats.record(bd.Name, elapsed, true)
		text := res.Text()
		observe.FinishSpan(span, observe.StatusToolError, nil, "tool reported failure")
		log.Info("bridge: tool reported failure", "duration", elapsed)
		return text, &ToolError{Binding: bd.Name, Provider: bd.Provider, Message: text}
	}

	b.metrics.RecordToolCall(ctx, bd.Provider, bd.Tool, observe.StatusOK, elapsed)
	b.stats.record(bd.Name, elapsed, false)
	observe.FinishSpan(span, observe.StatusOK, nil, "")
	log.Debug("bridge: call succeeded", "duration", elapsed)
	return res.Text(), nil
}

func (b *Bridge) recordFailure(ctx context.Context, provider string, err error) {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return
	}
	b.metrics.RecordProviderError(ctx, provider, errorKind(err))
}

// errorKind labels err for metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, protocol.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, protocol.ErrProviderNotFound):
		return "provider_not_found"
	case errors.Is(err, protocol.ErrProcessExited):
		return "process_exited"
	case errors.Is(err, protocol.ErrNotCompliant):
		return "not_compliant"
	case errors.Is(err, protocol.ErrConnect):
		return "connect"
	case errors.Is(err, protocol.ErrClosed):
		return "closed"
	case protocol.IsProtocolError(err):
		return "protocol"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "other"
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

// Invalidate drops cached catalogs and live connections matching scope. The
// next use reconnects with the config the source returns at that time.
func (b *Bridge) Invalidate(scope Scope) {
	n := b.drop(scope.matches)
	slog.Info("bridge: invalidated", "caller", scope.Caller, "provider", scope.Provider, "connections", n)
}

// EndSession closes every connection and catalog held for caller and reports
// whether caller had a session.
func (b *Bridge) EndSession(caller string) bool {
	n := b.drop(func(k connKey) bool { return k.caller == caller })

	b.mu.Lock()
	st, ok := b.sessions[caller]
	delete(b.sessions, caller)
	b.mu.Unlock()
	if ok {
		b.metrics.ActiveSessions.Add(context.Background(), -1)
		slog.Info("bridge: session ended", "caller", caller, "session", st.id, "connections", n)
	}
	return ok
}

// EvictIdle ends every session idle for at least the configured idle
// timeout with no call in flight, and returns the evicted callers in name
// order. It does nothing without [WithIdleTimeout].
func (b *Bridge) EvictIdle() []string {
	if b.idleTimeout <= 0 {
		return nil
	}
	now := b.now()
	b.mu.Lock()
	var (
		idle    []string
		ended   []*sessionState
		victims []*providerConn
	)
	for caller, st := range b.sessions {
		if st.inFlight == 0 && now.Sub(st.lastUsed) >= b.idleTimeout {
			idle = append(idle, caller)
			ended = append(ended, st)
			delete(b.sessions, caller)
		}
	}
	for k, pc := range b.conns {
		if slices.Contains(idle, k.caller) {
			victims = append(victims, pc)
			delete(b.conns, k)
		}
	}
	b.mu.Unlock()

	b.closeAll(victims)
	for i, caller := range idle {
		b.metrics.ActiveSessions.Add(context.Background(), -1)
		slog.Info("bridge: idle session ended", "caller", caller, "session", ended[i].id)
	}
	slices.Sort(idle)
	return idle
}

func (b *Bridge) drop(match func(connKey) bool) int {
	b.mu.Lock()
	var victims []*providerConn
	for k, pc := range b.conns {
		if match(k) {
			victims = append(victims, pc)
			delete(b.conns, k)
		}
	}
	b.mu.Unlock()

	b.closeAll(victims)
	return len(victims)
}

func (b *Bridge) closeAll(conns []*providerConn) {
	var g errgroup.Group
	for _, pc := range conns {
		b.flight.Forget(pc.key.String())
		g.Go(func() error {
			b.closeConn(pc)
			return nil
		})
	}
	_ = g.Wait()
}

// Close closes every connection. Later calls fail with [ErrClosed].
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := make([]*providerConn, 0, len(b.conns))
	for _, pc := range b.conns {
		conns = append(conns, pc)
	}
	b.conns = make(map[connKey]*providerConn)
	sessions := len(b.sessions)
	b.sessions = make(map[string]*sessionState)
	b.mu.Unlock()

	b.closeAll(conns)
	if sessions > 0 {
		b.metrics.ActiveSessions.Add(context.Background(), int64(-sessions))
	}
	slog.Info("bridge: closed", "connections", len(conns))
	return nil
}

// ─── introspection ───────────────────────────────────────────────────────────

// ProviderStates reports the circuit breaker state of every provider the
// bridge has contacted.
func (b *Bridge) ProviderStates() map[string]resilience.State {
	out := make(map[string]resilience.State)
	for name, st := range b.breakers.States() {
		if p, ok := strings.CutPrefix(name, BreakerPrefix); ok {
			out[p] = st
		}
	}
	return out
}

// Breaker returns the circuit breaker guarding provider.
func (b *Bridge) Breaker(provider string) *resilience.CircuitBreaker {
	return b.breakers.Get(BreakerPrefix + provider)
}

// ToolStats returns latency and error statistics per binding name over the
// most recent calls.
func (b *Bridge) ToolStats() map[string]LatencyStats {
	return b.stats.snapshot()
}

// Sessions returns the number of callers with an open session.
func (b *Bridge) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}
