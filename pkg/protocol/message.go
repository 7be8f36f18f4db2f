// Package protocol defines the wire vocabulary shared by every toolhub
// component: JSON-RPC 2.0 envelopes, tool descriptors with their input
// schemas, tool call results, the method catalogue of the tool protocol and
// the typed errors used to tell protocol, transport and application failures
// apart.
//
// The package performs no I/O. Transports (stdio, HTTP) live under
// internal/mcp and exchange [Message] values built with the constructors
// below.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the JSON-RPC version string carried by every envelope.
const Version = "2.0"

// ID identifies a request and correlates it with exactly one response.
// JSON-RPC allows both numbers and strings; the zero value is the number 0.
//
// ID is comparable and may be used as a map key.
type ID struct {
	num   int64
	str   string
	isStr bool
}

// Int64ID returns a numeric request id.
func Int64ID(n int64) ID { return ID{num: n} }

// StringID returns a string request id.
func StringID(s string) ID { return ID{str: s, isStr: true} }

// IsString reports whether the id was sent as a JSON string.
func (id ID) IsString() bool { return id.isStr }

// String returns a human-readable form used in logs and errors.
func (id ID) String() string {
	if id.isStr {
		return strconv.Quote(id.str)
	}
	return strconv.FormatInt(id.num, 10)
}

// MarshalJSON encodes the id as a JSON number or string.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatInt(id.num, 10)), nil
}

// UnmarshalJSON accepts a JSON string or an integral JSON number.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("protocol: id must be a string or number: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*id = Int64ID(i)
		return nil
	}
	f, err := n.Float64()
	if err != nil || f != float64(int64(f)) {
		return fmt.Errorf("protocol: id %s is not an integer", n)
	}
	*id = Int64ID(int64(f))
	return nil
}

// Kind classifies a [Message].
type Kind int

const (
	// KindInvalid is a message that is neither a request, a notification nor
	// a response.
	KindInvalid Kind = iota

	// KindRequest carries an id and a method and expects one response.
	KindRequest

	// KindNotification carries a method but no id; no response is sent.
	KindNotification

	// KindResponse carries an id and either a result or an error.
	KindResponse
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Message is a JSON-RPC 2.0 envelope. Exactly one of the request shape
// (Method + optional Params), the success shape (Result) or the failure
// shape (Error) is populated.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ProtocolError  `json:"error,omitempty"`
}

// Kind reports what shape m has.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && m.Result == nil && m.Error == nil:
		if m.ID == nil {
			return KindNotification
		}
		return KindRequest
	case m.Method == "" && m.Error != nil:
		return KindResponse
	case m.Method == "" && m.Result != nil && m.ID != nil:
		return KindResponse
	default:
		return KindInvalid
	}
}

// Validate rejects envelopes that are not well-formed JSON-RPC 2.0 messages.
// The returned error is always a *ProtocolError with [CodeInvalidRequest].
func (m *Message) Validate() error {
	if m.JSONRPC != Version {
		return NewProtocolError(CodeInvalidRequest, "unsupported jsonrpc version %q", m.JSONRPC)
	}
	switch {
	case m.Method != "":
		if m.Result != nil || m.Error != nil {
			return NewProtocolError(CodeInvalidRequest, "request %q must not carry a result or error", m.Method)
		}
	case m.Error != nil:
		// Error responses may carry a null id when the request was unreadable.
	case m.Result != nil:
		if m.ID == nil {
			return NewProtocolError(CodeInvalidRequest, "response is missing an id")
		}
	case m.ID == nil:
		return NewProtocolError(CodeInvalidRequest, "message is missing both id and method")
	default:
		return NewProtocolError(CodeInvalidRequest, "message %s has no method, result or error", m.ID)
	}
	return nil
}

// Decode parses and validates a single envelope. Invalid JSON yields a
// [CodeParseError] protocol error; a structurally invalid envelope yields
// [CodeInvalidRequest]. On a validation failure the partially decoded message
// is returned alongside the error so callers can still echo its id.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		perr := NewProtocolError(CodeParseError, "parse error")
		perr.Data = err.Error()
		return nil, perr
	}
	if err := m.Validate(); err != nil {
		return &m, err
	}
	return &m, nil
}

// NewRequest builds a request envelope. params may be nil.
func NewRequest(id ID, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s params: %w", method, err)
	}
	return &Message{JSONRPC: Version, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a one-way notification envelope. params may be nil.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s params: %w", method, err)
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a success response for id. A nil result is encoded as
// an empty JSON object so that the envelope always carries a result member.
func NewResponse(id ID, result any) (*Message, error) {
	if result == nil {
		result = struct{}{}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: &id, Result: raw}, nil
}

// NewErrorResponse builds a failure response. id may be nil when the request
// could not be identified.
func NewErrorResponse(id *ID, perr *ProtocolError) *Message {
	return &Message{JSONRPC: Version, ID: id, Error: perr}
}

// DecodeResult unmarshals the result member of a response into v. A response
// carrying an error returns that *ProtocolError instead.
func (m *Message) DecodeResult(v any) error {
	if m.Error != nil {
		return m.Error
	}
	if v == nil || len(m.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Result, v); err != nil {
		return NewProtocolError(CodeInternalError, "malformed result: %v", err)
	}
	return nil
}

// DecodeParams unmarshals the params member of a request into v. Missing
// params leave v untouched. Malformed params yield [CodeInvalidParams].
func (m *Message) DecodeParams(v any) error {
	if len(m.Params) == 0 || string(m.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return NewProtocolError(CodeInvalidParams, "invalid params for %s: %v", m.Method, err)
	}
	return nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}
