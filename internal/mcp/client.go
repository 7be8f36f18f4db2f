// Package mcp defines the client contract shared by every tool provider
// transport.
//
// A [Client] speaks the tool protocol to exactly one provider. Concrete
// implementations live in sub-packages:
//
//   - stdioclient spawns a subprocess and frames envelopes over stdin/stdout.
//   - httpclient posts one envelope per HTTP request.
//   - sdkclient uses the official SDK's Streamable HTTP transport.
//
// The bridge package aggregates many clients into one namespaced tool set.
//
// Lifecycle:
//
//  1. Call [Client.Connect] to perform the initialize handshake.
//  2. Use [Client.ListTools] to fetch the provider's catalog.
//  3. Use [Client.CallTool] to invoke a tool.
//  4. Call [Client.Close] to release the connection.
//
// All methods must be safe for concurrent use.
package mcp

import (
	"context"

	"github.com/MrWong99/toolhub/pkg/protocol"
)

// Client is a connection to one tool provider.
type Client interface {
	// Name returns the provider name used in logs and errors.
	Name() string

	// Connect establishes the transport and completes the initialize
	// handshake. Calling Connect on a connected client is a no-op.
	Connect(ctx context.Context) error

	// ListTools returns the provider's full tool catalog, following
	// pagination to the end.
	ListTools(ctx context.Context) ([]protocol.ToolDescriptor, error)

	// CallTool invokes a tool. A tool that ran and failed is reported through
	// [protocol.ToolCallResult.IsError] with a nil error; the error return is
	// reserved for protocol and transport failures.
	CallTool(ctx context.Context, name string, args map[string]any) (*protocol.ToolCallResult, error)

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Querier is implemented by legacy endpoints that accept a free-text query
// instead of the tool protocol.
type Querier interface {
	Query(ctx context.Context, prompt string) (string, error)
}
