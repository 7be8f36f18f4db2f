// Package sdkclient implements the streamable-http transport kind on top of
// the official MCP Go SDK. Tools and results coming from the SDK are
// converted into the protocol types shared by every other client, so the
// bridge cannot tell the transports apart.
package sdkclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/toolhub/internal/mcp"
	"github.com/MrWong99/toolhub/pkg/protocol"
)

var _ mcp.Client = (*Client)(nil)

// Config describes the streamable-http endpoint.
type Config struct {
	Name    string
	URL     string
	Token   string
	Headers map[string]string
}

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithHTTPClient sets the HTTP client whose transport carries the requests.
// Authentication headers are layered on top of its RoundTripper.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithTransport replaces the streamable-http transport. newTransport is
// called once per Connect.
func WithTransport(newTransport func() mcpsdk.Transport) Option {
	return func(c *Client) { c.newTransport = newTransport }
}

// WithClientInfo sets the identity announced to the server.
func WithClientInfo(name, version string) Option {
	return func(c *Client) { c.info = mcpsdk.Implementation{Name: name, Version: version} }
}

// Client is a session with one streamable-http provider.
type Client struct {
	cfg          Config
	hc           *http.Client
	info         mcpsdk.Implementation
	newTransport func() mcpsdk.Transport

	mu      sync.Mutex
	session *mcpsdk.ClientSession
	tools   []protocol.ToolDescriptor
}

// New returns an unconnected client for cfg.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:  cfg,
		hc:   http.DefaultClient,
		info: mcpsdk.Implementation{Name: "toolhub", Version: "dev"},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.newTransport == nil {
		c.newTransport = c.streamable
	}
	return c
}

func (c *Client) streamable() mcpsdk.Transport {
	base := c.hc.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc := *c.hc
	hc.Transport = &authTransport{base: base, token: c.cfg.Token, headers: c.cfg.Headers}
	return &mcpsdk.StreamableClientTransport{Endpoint: c.cfg.URL, HTTPClient: &hc}
}

// authTransport adds the bearer token and static headers to every request.
type authTransport struct {
	base    http.RoundTripper
	token   string
	headers map[string]string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token == "" && len(t.headers) == 0 {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	return t.base.RoundTrip(req)
}

// Name implements [mcp.Client].
func (c *Client) Name() string { return c.cfg.Name }

// Tools returns the catalog cached by the last successful ListTools call.
func (c *Client) Tools() []protocol.ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.ToolDescriptor(nil), c.tools...)
}

// Connect implements [mcp.Client].
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return nil
	}
	client := mcpsdk.NewClient(&c.info, nil)
	session, err := client.Connect(ctx, c.newTransport(), nil)
	if err != nil {
		return c.wrap(ctx, "connect", protocol.ErrConnect, err)
	}
	c.session = session
	slog.Info("sdkclient: connected", "provider", c.cfg.Name, "url", c.cfg.URL)
	return nil
}

func (c *Client) current(op string) (*mcpsdk.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, protocol.NewTransportError(c.cfg.Name, op, protocol.ErrClosed, nil)
	}
	return c.session, nil
}

// wrap turns an SDK error into a protocol error when the provider answered
// with one, and into a transport error otherwise. A context that ran out is
// reported as a timeout whatever the SDK made of it.
func (c *Client) wrap(ctx context.Context, op string, kind, err error) error {
	var werr *jsonrpc.Error
	if errors.As(err, &werr) {
		return fmt.Errorf("sdkclient: %s: %s: %w", c.cfg.Name, op, fromWireError(werr))
	}
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("sdkclient: %s: %s: %w", c.cfg.Name, op, context.Canceled)
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		kind = protocol.ErrTimeout
	}
	return protocol.NewTransportError(c.cfg.Name, op, kind, err)
}

// ListTools implements [mcp.Client].
func (c *Client) ListTools(ctx context.Context) ([]protocol.ToolDescriptor, error) {
	session, err := c.current(protocol.MethodToolsList)
	if err != nil {
		return nil, err
	}
	var tools []protocol.ToolDescriptor
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, c.wrap(ctx, protocol.MethodToolsList, protocol.ErrConnect, err)
		}
		td, err := toDescriptor(tool)
		if err != nil {
			slog.Warn("sdkclient: skipping tool with unreadable schema", "provider", c.cfg.Name, "tool", tool.Name, "err", err)
			continue
		}
		tools = append(tools, td)
	}
	c.mu.Lock()
	c.tools = append([]protocol.ToolDescriptor(nil), tools...)
	c.mu.Unlock()
	return tools, nil
}

// CallTool implements [mcp.Client].
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*protocol.ToolCallResult, error) {
	session, err := c.current(protocol.MethodToolsCall)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, c.wrap(ctx, protocol.MethodToolsCall, protocol.ErrConnect, err)
	}
	return toResult(res)
}

// Ping checks that the provider still answers.
func (c *Client) Ping(ctx context.Context) error {
	session, err := c.current(protocol.MethodPing)
	if err != nil {
		return err
	}
	if err := session.Ping(ctx, nil); err != nil {
		return c.wrap(ctx, protocol.MethodPing, protocol.ErrConnect, err)
	}
	return nil
}

// Close implements [mcp.Client].
func (c *Client) Close() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.tools = nil
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	if err := session.Close(); err != nil {
		return fmt.Errorf("sdkclient: close %s: %w", c.cfg.Name, err)
	}
	return nil
}

// ─── conversion ──────────────────────────────────────────────────────────────

// fromWireError converts the SDK's JSON-RPC error object.
func fromWireError(werr *jsonrpc.Error) *protocol.ProtocolError {
	perr := &protocol.ProtocolError{Code: int(werr.Code), Message: werr.Message}
	if len(werr.Data) > 0 {
		var data any
		if err := json.Unmarshal(werr.Data, &data); err != nil {
			data = string(werr.Data)
		}
		perr.Data = data
	}
	return perr
}

// toDescriptor converts an SDK tool. The SDK keeps the input schema as an
// opaque value, so it goes through its JSON form.
func toDescriptor(t *mcpsdk.Tool) (protocol.ToolDescriptor, error) {
	td := protocol.ToolDescriptor{Name: t.Name, Description: t.Description}
	if t.InputSchema == nil {
		td.InputSchema = protocol.InputSchema{}
		return td, nil
	}
	data, err := json.Marshal(t.InputSchema)
	if err != nil {
		return td, fmt.Errorf("encode input schema: %w", err)
	}
	if err := json.Unmarshal(data, &td.InputSchema); err != nil {
		return td, fmt.Errorf("decode input schema: %w", err)
	}
	return td, nil
}

// toResult converts an SDK call result. Every content kind shares the wire
// shape of [protocol.Content], so blocks are converted through JSON.
func toResult(res *mcpsdk.CallToolResult) (*protocol.ToolCallResult, error) {
	out := &protocol.ToolCallResult{IsError: res.IsError}
	for _, content := range res.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			out.Content = append(out.Content, protocol.TextContent(tc.Text))
			continue
		}
		data, err := json.Marshal(content)
		if err != nil {
			return nil, fmt.Errorf("sdkclient: encode content: %w", err)
		}
		var block protocol.Content
		if err := json.Unmarshal(data, &block); err != nil {
			return nil, fmt.Errorf("sdkclient: decode content: %w", err)
		}
		out.Content = append(out.Content, block)
	}
	if len(out.Content) == 0 && res.StructuredContent != nil {
		data, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return nil, fmt.Errorf("sdkclient: encode structured content: %w", err)
		}
		out.Content = append(out.Content, protocol.TextContent(string(data)))
	}
	return out, nil
}
