package protocol

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Method names of the tool protocol.
const (
	MethodInitialize = "initialize"
	// MethodInitialized is the short form of the post-handshake notification.
	MethodInitialized = "initialized"
	// MethodNotificationsInitialized is the namespaced form used by most
	// peers; servers accept both.
	MethodNotificationsInitialized = "notifications/initialized"
	MethodPing                     = "ping"
	MethodToolsList                = "tools/list"
	MethodToolsCall                = "tools/call"
	MethodResourcesList            = "resources/list"
	MethodResourcesRead            = "resources/read"
	MethodPromptsList              = "prompts/list"
	MethodPromptsGet               = "prompts/get"
)

// LatestProtocolVersion is offered by clients during initialize and chosen by
// servers when the client asks for a version they do not know.
const LatestProtocolVersion = "2025-03-26"

// SupportedProtocolVersions lists the revisions this implementation speaks,
// newest first.
var SupportedProtocolVersions = []string{LatestProtocolVersion, "2024-11-05"}

// IsSupportedProtocolVersion reports whether v is in
// [SupportedProtocolVersions].
func IsSupportedProtocolVersion(v string) bool {
	return slices.Contains(SupportedProtocolVersions, v)
}

// IsNotification reports whether method is one-way and never answered.
func IsNotification(method string) bool {
	return method == MethodInitialized || strings.HasPrefix(method, "notifications/")
}

// Implementation names a client or server.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams opens a session.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// ListChangedCapability advertises support for a feature family.
type ListChangedCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerCapabilities lists the feature families a server offers. A nil
// member means the family is not offered.
type ServerCapabilities struct {
	Tools     *ListChangedCapability `json:"tools,omitempty"`
	Resources *ListChangedCapability `json:"resources,omitempty"`
	Prompts   *ListChangedCapability `json:"prompts,omitempty"`
}

// InitializeResult answers initialize.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ListParams carries the pagination cursor of the */list methods.
type ListParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ToolDescriptor describes one tool offered by a provider. Names are unique
// per provider only.
type ToolDescriptor struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema InputSchema `json:"inputSchema"`
}

// Equal reports whether d and o describe the same tool.
func (d ToolDescriptor) Equal(o ToolDescriptor) bool {
	return d.Name == o.Name && d.Description == o.Description && d.InputSchema.Equal(o.InputSchema)
}

// ListToolsResult answers tools/list.
type ListToolsResult struct {
	Tools      []ToolDescriptor `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// CallToolParams invokes a tool.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ContentText is the type tag of a text block.
const ContentText = "text"

// Content is one block of a tool result or prompt message.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
}

// TextContent returns a text block.
func TextContent(text string) Content {
	return Content{Type: ContentText, Text: text}
}

// ToolCallResult is the outcome of tools/call. A tool that ran but failed is
// reported with IsError set inside a successful response.
type ToolCallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// TextResult returns a single-block successful result.
func TextResult(text string) *ToolCallResult {
	return &ToolCallResult{Content: []Content{TextContent(text)}}
}

// ErrorResult returns a single-block failed result.
func ErrorResult(text string) *ToolCallResult {
	return &ToolCallResult{Content: []Content{TextContent(text)}, IsError: true}
}

// Text concatenates the text blocks of r, separated by newlines. Non-text
// blocks are rendered as a short placeholder naming their type.
func (r *ToolCallResult) Text() string {
	if r == nil {
		return ""
	}
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		if c.Type == ContentText || c.Type == "" {
			parts = append(parts, c.Text)
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s %s]", c.Type, c.MIMEType))
	}
	return strings.Join(parts, "\n")
}

// MarshalJSON always emits content as an array, never null.
func (r ToolCallResult) MarshalJSON() ([]byte, error) {
	type alias ToolCallResult
	if r.Content == nil {
		r.Content = []Content{}
	}
	return json.Marshal(alias(r))
}

// Resource is a readable document exposed by a server.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// ListResourcesResult answers resources/list.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ReadResourceParams names the resource to read.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ResourceContents is the body of a read resource.
type ResourceContents struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// ReadResourceResult answers resources/read.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// PromptArgument declares one templating argument of a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt is a reusable message template.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// ListPromptsResult answers prompts/list.
type ListPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// GetPromptParams selects and fills a prompt.
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// PromptMessage is one rendered message of a prompt.
type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// GetPromptResult answers prompts/get.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// Arguments holds the coerced arguments of a tool call.
type Arguments map[string]any

// Has reports whether name was supplied.
func (a Arguments) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// String returns the string argument name, or "" if absent or not a string.
func (a Arguments) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Int returns the integer argument name, or def if absent.
func (a Arguments) Int(name string, def int64) int64 {
	switch v := a[name].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	}
	return def
}

// Float returns the numeric argument name, or def if absent.
func (a Arguments) Float(name string, def float64) float64 {
	switch v := a[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return def
}

// Bool returns the boolean argument name, or def if absent.
func (a Arguments) Bool(name string, def bool) bool {
	if b, ok := a[name].(bool); ok {
		return b
	}
	return def
}
