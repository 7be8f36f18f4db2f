// Package mock provides an in-memory test double for the [mcp.Client]
// interface.
//
// [Client] records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. It is safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	c := &mock.Client{ProviderName: "weather"}
//	c.ListToolsResult = []protocol.ToolDescriptor{{Name: "forecast"}}
//	c.CallToolResult = protocol.TextResult("sunny")
//
//	// inject c into the system under test …
//
//	if got := c.CallCount("CallTool"); got != 1 {
//	    t.Errorf("expected 1 CallTool call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/toolhub/internal/mcp"
	"github.com/MrWong99/toolhub/pkg/protocol"
)

var _ mcp.Client = (*Client)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Client is a configurable test double for [mcp.Client].
// All exported *Err fields default to nil (success); all exported *Result
// fields default to nil / zero values.
type Client struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// ProviderName is returned by [Client.Name].
	ProviderName string

	// ──── Connect ──────────────────────────────────────────────────────────

	// ConnectErr is returned by [Client.Connect] when non-nil.
	ConnectErr error

	// ──── ListTools ────────────────────────────────────────────────────────

	// ListToolsResult is returned by [Client.ListTools].
	// When nil, ListTools returns an empty non-nil slice.
	ListToolsResult []protocol.ToolDescriptor

	// ListToolsErr is returned by [Client.ListTools] when non-nil.
	ListToolsErr error

	// ListToolsFunc, when set, replaces the two fields above.
	ListToolsFunc func(ctx context.Context) ([]protocol.ToolDescriptor, error)

	// ──── CallTool ─────────────────────────────────────────────────────────

	// CallToolResult is returned by [Client.CallTool] when CallToolErr is
	// nil. When nil and CallToolErr is also nil, an empty successful result
	// is returned.
	CallToolResult *protocol.ToolCallResult

	// CallToolErr is returned by [Client.CallTool] when non-nil.
	CallToolErr error

	// CallToolFunc, when set, replaces the two fields above.
	CallToolFunc func(ctx context.Context, name string, args map[string]any) (*protocol.ToolCallResult, error)

	// ──── Close ────────────────────────────────────────────────────────────

	// CloseErr is returned by [Client.Close] when non-nil.
	CloseErr error
}

// Calls returns a copy of all recorded method invocations.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (c *Client) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

func (c *Client) record(method string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Method: method, Args: args})
}

// Name implements [mcp.Client].
func (c *Client) Name() string { return c.ProviderName }

// Connect implements [mcp.Client].
func (c *Client) Connect(_ context.Context) error {
	c.record("Connect")
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ConnectErr
}

// ListTools implements [mcp.Client].
func (c *Client) ListTools(ctx context.Context) ([]protocol.ToolDescriptor, error) {
	c.record("ListTools")
	c.mu.Lock()
	fn := c.ListToolsFunc
	result, err := c.ListToolsResult, c.ListToolsErr
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	if err != nil {
		return nil, err
	}
	out := make([]protocol.ToolDescriptor, len(result))
	copy(out, result)
	return out, nil
}

// CallTool implements [mcp.Client].
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*protocol.ToolCallResult, error) {
	c.record("CallTool", name, args)
	c.mu.Lock()
	fn := c.CallToolFunc
	result, err := c.CallToolResult, c.CallToolErr
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, name, args)
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return &protocol.ToolCallResult{Content: []protocol.Content{}}, nil
	}
	// Return a copy so the caller cannot mutate the configured result.
	cp := *result
	cp.Content = append([]protocol.Content(nil), result.Content...)
	return &cp, nil
}

// Close implements [mcp.Client].
func (c *Client) Close() error {
	c.record("Close")
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseErr
}
