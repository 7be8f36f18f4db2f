// Package stdioclient connects to a tool provider that runs as a local
// subprocess and speaks line-delimited envelopes on stdin/stdout.
//
// The provider's stderr is forwarded to the debug log. Requests are strictly
// serialised: one write-then-read round trip is in flight per connection at
// any time. A request that times out leaves the connection usable; its late
// response is recognised by id and discarded by the next call.
package stdioclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/MrWong99/toolhub/internal/mcp"
	"github.com/MrWong99/toolhub/internal/mcp/jsonl"
	"github.com/MrWong99/toolhub/pkg/protocol"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultGracePeriod = 2 * time.Second

	// pipeDrain is how long the readers may keep draining output after the
	// provider exited before the pipes are cut. Descendants of the provider
	// can hold the write ends open indefinitely.
	pipeDrain = 250 * time.Millisecond
)

var _ mcp.Client = (*Client)(nil)

// Config describes the subprocess to spawn.
type Config struct {
	// Name identifies the provider in logs and errors.
	Name string

	// Command is the executable, resolved through PATH.
	Command string

	// Args are passed to Command.
	Args []string

	// Env overrides entries of the inherited environment.
	Env map[string]string

	// Dir is the working directory. Empty means the current directory.
	Dir string
}

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithTimeout sets the per-request timeout applied when the caller's context
// carries no deadline. The default is 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithGracePeriod sets how long Close waits after SIGTERM before killing the
// process. The default is 2 seconds.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.grace = d
		}
	}
}

// WithClientInfo sets the identity sent during initialize.
func WithClientInfo(info protocol.Implementation) Option {
	return func(c *Client) { c.info = info }
}

// process is one running provider subprocess.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	conn   *jsonl.Conn
	exited chan struct{}
	// exitErr is written before exited is closed.
	exitErr error
}

// Client is a connection to one subprocess provider. It is safe for
// concurrent use.
type Client struct {
	cfg     Config
	timeout time.Duration
	grace   time.Duration
	info    protocol.Implementation

	mu          sync.Mutex
	proc        *process
	initialized bool
	server      protocol.InitializeResult
	tools       []protocol.ToolDescriptor

	// callMu serialises request/response round trips.
	callMu sync.Mutex
	nextID atomic.Int64
}

// New returns an unconnected client for cfg.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		timeout: defaultTimeout,
		grace:   defaultGracePeriod,
		info:    protocol.Implementation{Name: "toolhub", Version: "dev"},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements [mcp.Client].
func (c *Client) Name() string { return c.cfg.Name }

// ServerInfo returns the initialize result of the current connection.
func (c *Client) ServerInfo() protocol.InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Tools returns the catalog cached by the last successful ListTools call. It
// is empty after Close.
func (c *Client) Tools() []protocol.ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.ToolDescriptor(nil), c.tools...)
}

// Connect spawns the provider and performs the initialize handshake. Any
// failure after the process started tears it down again.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}
	if c.proc != nil {
		// A previous attempt left a process behind.
		c.teardownLocked()
	}

	path, err := exec.LookPath(c.cfg.Command)
	if err != nil {
		return protocol.NewTransportError(c.cfg.Name, "connect", protocol.ErrProviderNotFound, err)
	}

	proc, err := c.spawn(path)
	if err != nil {
		return protocol.NewTransportError(c.cfg.Name, "connect", protocol.ErrConnect, err)
	}
	c.proc = proc

	var res protocol.InitializeResult
	err = c.roundTrip(ctx, proc, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.LatestProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      c.info,
	}, &res)
	if err != nil {
		c.teardownLocked()
		return fmt.Errorf("stdioclient: %s: initialize: %w", c.cfg.Name, err)
	}
	if !protocol.IsSupportedProtocolVersion(res.ProtocolVersion) {
		c.teardownLocked()
		return protocol.NewTransportError(c.cfg.Name, "initialize", protocol.ErrNotCompliant,
			fmt.Errorf("unsupported protocol version %q", res.ProtocolVersion))
	}

	note, err := protocol.NewNotification(protocol.MethodNotificationsInitialized, nil)
	if err == nil {
		err = proc.conn.Write(ctx, note)
	}
	if err != nil {
		c.teardownLocked()
		return protocol.NewTransportError(c.cfg.Name, "initialized", protocol.ErrProcessExited, err)
	}

	c.server = res
	c.initialized = true
	slog.Info("stdioclient: connected",
		"provider", c.cfg.Name,
		"server", res.ServerInfo.Name,
		"server_version", res.ServerInfo.Version,
		"protocol_version", res.ProtocolVersion,
		"pid", proc.cmd.Process.Pid)
	return nil
}

func (c *Client) spawn(path string) (*process, error) {
	cmd := exec.Command(path, c.cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), c.cfg.Env)
	cmd.Dir = c.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// Own the read ends so that process exit never waits on pipe EOF.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	err = cmd.Start()
	closeAll(stdoutW, stderrW)
	if err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stderrR)
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		conn:   jsonl.NewConn(stdoutR, stdin),
		exited: make(chan struct{}),
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		sc := bufio.NewScanner(stderrR)
		sc.Buffer(make([]byte, 0, 4096), 1<<20)
		for sc.Scan() {
			slog.Debug("stdioclient: provider stderr", "provider", c.cfg.Name, "line", sc.Text())
		}
	}()
	go func() {
		p.exitErr = cmd.Wait()
		close(p.exited)
		slog.Debug("stdioclient: provider exited", "provider", c.cfg.Name, "err", p.exitErr)

		drain := time.NewTimer(pipeDrain)
		defer drain.Stop()
		for _, done := range []<-chan struct{}{p.conn.Done(), stderrDone} {
			select {
			case <-done:
			case <-drain.C:
				slog.Debug("stdioclient: provider output still open after exit, closing pipes", "provider", c.cfg.Name)
				closeAll(stdoutR, stderrR)
				return
			}
		}
		closeAll(stdoutR, stderrR)
	}()
	return p, nil
}

func closeAll(fs ...*os.File) {
	for _, f := range fs {
		_ = f.Close()
	}
}

// mergeEnv returns base with every key in overrides replaced or appended.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

// current returns the live process, or a transport error if the client is
// not connected.
func (c *Client) current(op string) (*process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized || c.proc == nil {
		return nil, protocol.NewTransportError(c.cfg.Name, op, protocol.ErrClosed, nil)
	}
	return c.proc, nil
}

// roundTrip writes one request and reads until the matching response.
func (c *Client) roundTrip(ctx context.Context, p *process, method string, params, out any) error {
	id := protocol.Int64ID(c.nextID.Add(1))
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.callMu.Lock()
	defer c.callMu.Unlock()

	if err := p.conn.Write(ctx, req); err != nil {
		return c.classify(ctx, p, method, err)
	}
	for {
		msg, err := p.conn.Read(ctx)
		if err != nil {
			return c.classify(ctx, p, method, err)
		}
		if msg.Kind() != protocol.KindResponse {
			slog.Debug("stdioclient: ignoring provider message", "provider", c.cfg.Name, "method", msg.Method)
			continue
		}
		if msg.ID == nil && msg.Error != nil {
			// The provider could not parse our request well enough to echo
			// the id; with one request in flight it can only be ours.
			return msg.Error
		}
		if msg.ID == nil || *msg.ID != id {
			slog.Debug("stdioclient: discarding stale response", "provider", c.cfg.Name, "id", msg.ID, "want", id)
			continue
		}
		return msg.DecodeResult(out)
	}
}

func (c *Client) classify(ctx context.Context, p *process, method string, err error) error {
	switch {
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return fmt.Errorf("stdioclient: %s: %s: %w", c.cfg.Name, method, err)
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.NewTransportError(c.cfg.Name, method, protocol.ErrTimeout, err)
	case errors.Is(err, jsonl.ErrClosed):
		return protocol.NewTransportError(c.cfg.Name, method, protocol.ErrClosed, err)
	}
	select {
	case <-p.exited:
		if p.exitErr != nil {
			err = fmt.Errorf("%w (%v)", err, p.exitErr)
		}
	default:
	}
	return protocol.NewTransportError(c.cfg.Name, method, protocol.ErrProcessExited, err)
}

// ListTools implements [mcp.Client]. It follows nextCursor pagination and
// caches the result for [Client.Tools].
func (c *Client) ListTools(ctx context.Context) ([]protocol.ToolDescriptor, error) {
	p, err := c.current(protocol.MethodToolsList)
	if err != nil {
		return nil, err
	}
	var (
		tools  []protocol.ToolDescriptor
		cursor string
	)
	for {
		var page protocol.ListToolsResult
		if err := c.roundTrip(ctx, p, protocol.MethodToolsList, protocol.ListParams{Cursor: cursor}, &page); err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	c.mu.Lock()
	if c.proc == p {
		c.tools = append([]protocol.ToolDescriptor(nil), tools...)
	}
	c.mu.Unlock()
	return tools, nil
}

// CallTool implements [mcp.Client].
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*protocol.ToolCallResult, error) {
	p, err := c.current(protocol.MethodToolsCall)
	if err != nil {
		return nil, err
	}
	var res protocol.ToolCallResult
	if err := c.roundTrip(ctx, p, protocol.MethodToolsCall, protocol.CallToolParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Ping checks that the provider still answers.
func (c *Client) Ping(ctx context.Context) error {
	p, err := c.current(protocol.MethodPing)
	if err != nil {
		return err
	}
	return c.roundTrip(ctx, p, protocol.MethodPing, nil, nil)
}

// Close implements [mcp.Client]. It closes the provider's stdin, sends
// SIGTERM, and kills the process if it has not exited within the grace
// period. The cached catalog and handshake state are cleared.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	return nil
}

func (c *Client) teardownLocked() {
	c.initialized = false
	c.tools = nil
	c.server = protocol.InitializeResult{}
	p := c.proc
	c.proc = nil
	if p == nil {
		return
	}

	_ = p.stdin.Close()
	_ = p.conn.Close()
	select {
	case <-p.exited:
	default:
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.Debug("stdioclient: sigterm failed", "provider", c.cfg.Name, "err", err)
		}
		select {
		case <-p.exited:
		case <-time.After(c.grace):
			slog.Warn("stdioclient: provider ignored SIGTERM, killing", "provider", c.cfg.Name, "grace", c.grace)
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
	}
	slog.Info("stdioclient: disconnected", "provider", c.cfg.Name)
}
