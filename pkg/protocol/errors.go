package protocol

import (
	"errors"
	"fmt"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ProtocolError is a JSON-RPC error object. It is both the wire form of the
// error member of a response and the Go error returned to callers when a
// peer answers with an error.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewProtocolError returns a ProtocolError with a formatted message.
func NewProtocolError(code int, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if s, ok := e.Data.(string); ok && s != "" {
		return fmt.Sprintf("protocol error %d: %s: %s", e.Code, e.Message, s)
	}
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// Transport failure kinds. A [TransportError] wraps exactly one of them so
// callers can branch with [errors.Is].
var (
	// ErrTimeout is returned when no response arrived before the deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrConnect is returned when the provider could not be reached.
	ErrConnect = errors.New("connection failed")

	// ErrProviderNotFound is returned when a subprocess executable cannot be
	// resolved. It is fatal for the connection attempt.
	ErrProviderNotFound = errors.New("provider executable not found")

	// ErrProcessExited is returned when a subprocess provider terminated
	// while a request was outstanding.
	ErrProcessExited = errors.New("provider process exited")

	// ErrClosed is returned for operations on a closed or never-connected
	// client.
	ErrClosed = errors.New("connection closed")

	// ErrNotCompliant is returned by network clients whose endpoint answered
	// the handshake with something other than a valid protocol response.
	ErrNotCompliant = errors.New("not an MCP-compliant endpoint")
)

// TransportError reports a failure to move an envelope between client and
// provider. Kind is one of the sentinel errors above; Err is the underlying
// cause and may be nil.
type TransportError struct {
	Provider string
	Op       string
	Kind     error
	Err      error
}

// NewTransportError builds a TransportError.
func NewTransportError(provider, op string, kind, cause error) *TransportError {
	return &TransportError{Provider: provider, Op: op, Kind: kind, Err: cause}
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v: %v", e.Provider, e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Timeout reports whether the error is a request timeout.
func (e *TransportError) Timeout() bool { return errors.Is(e.Kind, ErrTimeout) }

// IsProtocolError reports whether err is, or wraps, a *ProtocolError.
func IsProtocolError(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr)
}

// IsTransportError reports whether err is, or wraps, a *TransportError.
func IsTransportError(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr)
}
