// Package httpclient connects to a tool provider over HTTP, posting one
// protocol envelope per request.
//
// The client is deliberately thin: there are no automatic retries, and a
// provider that answers the handshake with something other than a protocol
// response is marked non-compliant for the lifetime of the client so that
// later calls fail fast. Such providers can still be reached through
// [LegacyClient] when the operator enables the legacy fallback.
package httpclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/toolhub/internal/mcp"
	"github.com/MrWong99/toolhub/internal/mcp/jsonl"
	"github.com/MrWong99/toolhub/pkg/protocol"
)

const defaultTimeout = 30 * time.Second

// SessionHeader carries the session id issued by the provider on initialize.
const SessionHeader = "Mcp-Session-Id"

var _ mcp.Client = (*Client)(nil)

// Config describes the remote endpoint.
type Config struct {
	// Name identifies the provider in logs and errors.
	Name string

	// URL is the endpoint every envelope is posted to.
	URL string

	// Token, when set, is sent as "Authorization: Bearer <token>".
	Token string

	// Headers are added to every request.
	Headers map[string]string
}

// Option is a functional option for configuring a [Client] or
// [LegacyClient].
type Option func(*options)

type options struct {
	hc      *http.Client
	timeout time.Duration
	info    protocol.Implementation
}

func defaultOptions() options {
	return options{
		hc:      &http.Client{},
		timeout: defaultTimeout,
		info:    protocol.Implementation{Name: "toolhub", Version: "dev"},
	}
}

// WithHTTPClient replaces the HTTP client. Its Timeout should be zero; the
// per-request timeout is applied through the context.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		if hc != nil {
			o.hc = hc
		}
	}
}

// WithTimeout sets the per-request timeout used when the caller's context
// carries no deadline. The default is 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithClientInfo sets the identity sent during initialize.
func WithClientInfo(info protocol.Implementation) Option {
	return func(o *options) { o.info = info }
}

// Client is a connection to one network provider. It is safe for concurrent
// use.
type Client struct {
	cfg  Config
	opts options

	nextID atomic.Int64

	mu           sync.Mutex
	initialized  bool
	sessionID    string
	server       protocol.InitializeResult
	tools        []protocol.ToolDescriptor
	notCompliant error
}

// New returns an unconnected client for cfg.
func New(cfg Config, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{cfg: cfg, opts: o}
}

// Name implements [mcp.Client].
func (c *Client) Name() string { return c.cfg.Name }

// ServerInfo returns the initialize result of the current session.
func (c *Client) ServerInfo() protocol.InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Tools returns the catalog cached by the last successful ListTools call.
func (c *Client) Tools() []protocol.ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.ToolDescriptor(nil), c.tools...)
}

// NonCompliant reports whether the endpoint failed the handshake with a
// response that was not a protocol envelope.
func (c *Client) NonCompliant() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notCompliant != nil
}

// Connect performs the initialize handshake followed by the initialized
// notification.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if err := c.notCompliant; err != nil {
		c.mu.Unlock()
		return err
	}
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.sessionID = ""
	c.mu.Unlock()

	var res protocol.InitializeResult
	err := c.call(ctx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.LatestProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      c.opts.info,
	}, &res)
	if err == nil && !protocol.IsSupportedProtocolVersion(res.ProtocolVersion) {
		err = protocol.NewTransportError(c.cfg.Name, protocol.MethodInitialize, protocol.ErrNotCompliant,
			fmt.Errorf("unsupported protocol version %q", res.ProtocolVersion))
	}
	if err != nil {
		if errors.Is(err, protocol.ErrNotCompliant) {
			c.markNotCompliant(err)
		}
		return err
	}

	if err := c.notify(ctx, protocol.MethodNotificationsInitialized); err != nil {
		return err
	}

	c.mu.Lock()
	c.server = res
	c.initialized = true
	session := c.sessionID
	c.mu.Unlock()

	slog.Info("httpclient: connected",
		"provider", c.cfg.Name,
		"url", c.cfg.URL,
		"server", res.ServerInfo.Name,
		"server_version", res.ServerInfo.Version,
		"protocol_version", res.ProtocolVersion,
		"session", session != "")
	return nil
}

func (c *Client) markNotCompliant(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notCompliant == nil {
		c.notCompliant = err
		slog.Warn("httpclient: endpoint is not MCP-compliant", "provider", c.cfg.Name, "url", c.cfg.URL, "err", err)
	}
}

func (c *Client) ready(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notCompliant != nil {
		return c.notCompliant
	}
	if !c.initialized {
		return protocol.NewTransportError(c.cfg.Name, op, protocol.ErrClosed, nil)
	}
	return nil
}

// ListTools implements [mcp.Client]. It follows nextCursor pagination.
func (c *Client) ListTools(ctx context.Context) ([]protocol.ToolDescriptor, error) {
	if err := c.ready(protocol.MethodToolsList); err != nil {
		return nil, err
	}
	var (
		tools  []protocol.ToolDescriptor
		cursor string
	)
	for {
		var page protocol.ListToolsResult
		if err := c.call(ctx, protocol.MethodToolsList, protocol.ListParams{Cursor: cursor}, &page); err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}
	c.mu.Lock()
	c.tools = append([]protocol.ToolDescriptor(nil), tools...)
	c.mu.Unlock()
	return tools, nil
}

// CallTool implements [mcp.Client].
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*protocol.ToolCallResult, error) {
	if err := c.ready(protocol.MethodToolsCall); err != nil {
		return nil, err
	}
	var res protocol.ToolCallResult
	if err := c.call(ctx, protocol.MethodToolsCall, protocol.CallToolParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Ping checks that the provider still answers.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ready(protocol.MethodPing); err != nil {
		return err
	}
	return c.call(ctx, protocol.MethodPing, nil, nil)
}

// Close implements [mcp.Client]. It ends the provider session when one was
// issued and clears the cached catalog. The non-compliant mark survives.
func (c *Client) Close() error {
	c.mu.Lock()
	session := c.sessionID
	c.initialized = false
	c.sessionID = ""
	c.tools = nil
	c.server = protocol.InitializeResult{}
	c.mu.Unlock()

	if session == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.URL, nil)
	if err != nil {
		return nil
	}
	c.setHeaders(req, session)
	resp, err := c.opts.hc.Do(req)
	if err != nil {
		slog.Debug("httpclient: end session", "provider", c.cfg.Name, "err", err)
		return nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return nil
}

// ─── transport ───────────────────────────────────────────────────────────────

func (c *Client) setHeaders(req *http.Request, session string) {
	req.Header.Set("Accept", "application/json, text/event-stream")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	if session != "" {
		req.Header.Set(SessionHeader, session)
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.opts.timeout)
}

// call posts one request and decodes the matching response into out.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	id := protocol.Int64ID(c.nextID.Add(1))
	msg, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.post(ctx, method, msg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if s := resp.Header.Get(SessionHeader); s != "" && method == protocol.MethodInitialize {
		c.mu.Lock()
		c.sessionID = s
		c.mu.Unlock()
	}

	reply, err := c.readResponse(resp, id)
	if err != nil {
		// A body cut short says nothing about compliance.
		var rerr *readError
		if ctx.Err() != nil || errors.As(err, &rerr) {
			return transportErr(ctx, c.cfg.Name, method, err)
		}
		return protocol.NewTransportError(c.cfg.Name, method, protocol.ErrNotCompliant, err)
	}
	return reply.DecodeResult(out)
}

// notify posts a notification. Any 2xx status is accepted.
func (c *Client) notify(ctx context.Context, method string) error {
	msg, err := protocol.NewNotification(method, nil)
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := c.post(ctx, method, msg)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) post(ctx context.Context, method string, msg *protocol.Message) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("httpclient: encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, protocol.NewTransportError(c.cfg.Name, method, protocol.ErrConnect, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	session := c.sessionID
	c.mu.Unlock()
	c.setHeaders(req, session)

	resp, err := c.opts.hc.Do(req)
	if err != nil {
		return nil, transportErr(ctx, c.cfg.Name, method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, c.statusErr(method, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

// transportErr classifies a failed exchange with provider.
func transportErr(ctx context.Context, provider, method string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("httpclient: %s: %s: %w", provider, method, context.Canceled)
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return protocol.NewTransportError(provider, method, protocol.ErrTimeout, err)
	}
	return protocol.NewTransportError(provider, method, protocol.ErrConnect, err)
}

// statusErr classifies a non-2xx answer. Statuses saying the endpoint does
// not exist or does not take POSTs mean it is not a protocol endpoint; the
// rest are treated as connection failures.
func (c *Client) statusErr(method string, status int, body string) error {
	err := fmt.Errorf("http status %d: %s", status, body)
	switch status {
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusUnsupportedMediaType, http.StatusNotAcceptable:
		return protocol.NewTransportError(c.cfg.Name, method, protocol.ErrNotCompliant, err)
	}
	return protocol.NewTransportError(c.cfg.Name, method, protocol.ErrConnect, err)
}

// readError marks a reply body that could not be read in full.
type readError struct {
	op  string
	err error
}

func (e *readError) Error() string { return e.op + ": " + e.err.Error() }
func (e *readError) Unwrap() error { return e.err }

// readResponse extracts the response carrying id from a JSON body or an
// event stream.
func (c *Client) readResponse(resp *http.Response, id protocol.ID) (*protocol.Message, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return readEventStream(resp.Body, id)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, jsonl.MaxLineSize))
	if err != nil {
		return nil, &readError{op: "read body", err: err}
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}
	if msg.Kind() != protocol.KindResponse {
		return nil, fmt.Errorf("expected a response, got a %s", msg.Kind())
	}
	if msg.ID != nil && *msg.ID != id {
		return nil, fmt.Errorf("response id %s does not match request id %s", msg.ID, id)
	}
	return msg, nil
}

// readEventStream scans server-sent events until the response carrying id.
func readEventStream(r io.Reader, id protocol.ID) (*protocol.Message, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), jsonl.MaxLineSize)
	var data bytes.Buffer
	flush := func() (*protocol.Message, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		msg, err := protocol.Decode(data.Bytes())
		if err != nil || msg.Kind() != protocol.KindResponse {
			return nil, false
		}
		if msg.ID != nil && *msg.ID != id {
			return nil, false
		}
		return msg, true
	}
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if msg, ok := flush(); ok {
				return msg, nil
			}
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(v, " "))
		}
	}
	if msg, ok := flush(); ok {
		return msg, nil
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("read event stream: %w", err)
		}
		return nil, &readError{op: "read event stream", err: err}
	}
	return nil, errors.New("event stream ended without a response")
}
