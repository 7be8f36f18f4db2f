// Package server exposes a process's own tools, resources and prompts over
// the tool protocol.
//
// A [Server] is transport-agnostic: [Server.Handle] answers one decoded
// envelope, [Server.ServeStdio] runs the line-delimited loop used when the
// process is spawned as a subprocess provider, and [Server.ServeHTTP] answers
// one envelope per POST.
//
// Tool schemas are declared explicitly at registration; handlers receive
// arguments already validated and coerced against that schema.
//
// Typical usage:
//
//	srv := server.New("toolhub", "1.0.0")
//	err := srv.AddTool(server.Tool{
//	    Name:        "echo",
//	    Description: "Echoes its input.",
//	    Params:      protocol.InputSchema{"text": {Type: protocol.TypeString, Required: true}},
//	    Handler: func(ctx context.Context, args protocol.Arguments) (any, error) {
//	        return args.String("text"), nil
//	    },
//	})
//	// ...
//	err = srv.ServeStdio(ctx, os.Stdin, os.Stdout)
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/toolhub/internal/observe"
	"github.com/MrWong99/toolhub/pkg/protocol"
)

// Handler runs a tool. The returned value is wrapped into a result: a string
// becomes one text block, [protocol.Content], []protocol.Content and
// *[protocol.ToolCallResult] pass through, and anything else is serialised to
// JSON text. Only a non-nil error or a panic marks the result as a tool
// failure; an IsError flag set on a returned result is cleared.
type Handler func(ctx context.Context, args protocol.Arguments) (any, error)

// Tool is a locally implemented tool.
type Tool struct {
	Name        string
	Description string
	Params      protocol.InputSchema
	Handler     Handler
}

// Descriptor returns the wire description of t.
func (t Tool) Descriptor() protocol.ToolDescriptor {
	params := t.Params
	if params == nil {
		params = protocol.InputSchema{}
	}
	return protocol.ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: params}
}

// Resource is a readable document.
type Resource struct {
	URI         string
	Name        string
	Description string
	MIMEType    string
	Read        func(ctx context.Context) (string, error)
}

// Prompt is a message template.
type Prompt struct {
	Name        string
	Description string
	Arguments   []protocol.PromptArgument
	Render      func(ctx context.Context, args map[string]string) ([]protocol.PromptMessage, error)
}

// Option is a functional option for configuring a [Server].
type Option func(*Server)

// WithMetrics records request counters on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithInstructions sets the free-text usage hint returned from initialize.
func WithInstructions(text string) Option {
	return func(s *Server) { s.instructions = text }
}

// Server answers tool protocol requests from registered local handlers.
// Server is safe for concurrent use.
type Server struct {
	info         protocol.Implementation
	instructions string
	metrics      *observe.Metrics

	mu        sync.RWMutex
	tools     map[string]Tool
	resources map[string]Resource
	prompts   map[string]Prompt

	ready atomic.Bool
}

// New returns a Server identifying itself as name/version.
func New(name, version string, opts ...Option) *Server {
	s := &Server{
		info:      protocol.Implementation{Name: name, Version: version},
		tools:     make(map[string]Tool),
		resources: make(map[string]Resource),
		prompts:   make(map[string]Prompt),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// AddTool registers t. Registering a name twice replaces the earlier tool.
func (s *Server) AddTool(t Tool) error {
	if t.Name == "" {
		return errors.New("server: tool name must not be empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("server: tool %q has no handler", t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tools[t.Name]; dup {
		slog.Warn("server: replacing already registered tool", "tool", t.Name)
	}
	s.tools[t.Name] = t
	return nil
}

// AddResource registers r, keyed by URI. A duplicate URI replaces the
// earlier resource.
func (s *Server) AddResource(r Resource) error {
	if r.URI == "" {
		return errors.New("server: resource uri must not be empty")
	}
	if r.Read == nil {
		return fmt.Errorf("server: resource %q has no reader", r.URI)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.resources[r.URI]; dup {
		slog.Warn("server: replacing already registered resource", "uri", r.URI)
	}
	s.resources[r.URI] = r
	return nil
}

// AddPrompt registers p. A duplicate name replaces the earlier prompt.
func (s *Server) AddPrompt(p Prompt) error {
	if p.Name == "" {
		return errors.New("server: prompt name must not be empty")
	}
	if p.Render == nil {
		return fmt.Errorf("server: prompt %q has no renderer", p.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.prompts[p.Name]; dup {
		slog.Warn("server: replacing already registered prompt", "prompt", p.Name)
	}
	s.prompts[p.Name] = p
	return nil
}

// ToolNames returns the registered tool names in sorted order.
func (s *Server) ToolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ready reports whether a client has completed the initialize handshake.
func (s *Server) Ready() bool { return s.ready.Load() }

// Handle answers one decoded envelope. It returns nil for notifications and
// for stray responses, which are never answered.
func (s *Server) Handle(ctx context.Context, msg *protocol.Message) *protocol.Message {
	switch msg.Kind() {
	case protocol.KindNotification:
		s.handleNotification(msg)
		return nil
	case protocol.KindResponse:
		slog.Debug("server: ignoring response envelope", "id", msg.ID)
		return nil
	case protocol.KindRequest:
	default:
		return protocol.NewErrorResponse(msg.ID, protocol.NewProtocolError(protocol.CodeInvalidRequest, "invalid request"))
	}

	ctx, span := observe.StartRPCSpan(ctx, msg.Method, msg.ID.String())
	defer span.End()

	result, status, perr := s.dispatch(ctx, msg)
	if perr == nil {
		resp, err := protocol.NewResponse(*msg.ID, result)
		if err == nil {
			s.metrics.RecordRPCRequest(ctx, msg.Method, status)
			observe.FinishSpan(span, status, nil, "tool reported failure")
			return resp
		}
		perr = protocol.NewProtocolError(protocol.CodeInternalError, "internal error")
		perr.Data = err.Error()
	}

	observe.FinishSpan(span, observe.StatusError, nil, perr.Message)
	s.metrics.RecordRPCRequest(ctx, msg.Method, observe.StatusError)
	observe.Logger(ctx).Debug("server: request failed", "method", msg.Method, "id", msg.ID, "code", perr.Code, "err", perr.Message)
	return protocol.NewErrorResponse(msg.ID, perr)
}

func (s *Server) handleNotification(msg *protocol.Message) {
	switch msg.Method {
	case protocol.MethodInitialized, protocol.MethodNotificationsInitialized:
		s.ready.Store(true)
		slog.Debug("server: client initialized")
	default:
		if !protocol.IsNotification(msg.Method) {
			slog.Warn("server: dropping request without id", "method", msg.Method)
			return
		}
		slog.Debug("server: ignoring notification", "method", msg.Method)
	}
}

func (s *Server) dispatch(ctx context.Context, msg *protocol.Message) (any, string, *protocol.ProtocolError) {
	var (
		result any
		status = observe.StatusOK
		err    error
	)
	switch msg.Method {
	case protocol.MethodInitialize:
		result, err = s.initialize(msg)
	case protocol.MethodPing:
		result = struct{}{}
	case protocol.MethodToolsList:
		result = s.listTools()
	case protocol.MethodToolsCall:
		var res *protocol.ToolCallResult
		res, err = s.callTool(ctx, msg)
		if res != nil && res.IsError {
			status = observe.StatusToolError
		}
		result = res
	case protocol.MethodResourcesList:
		result = s.listResources()
	case protocol.MethodResourcesRead:
		result, err = s.readResource(ctx, msg)
	case protocol.MethodPromptsList:
		result = s.listPrompts()
	case protocol.MethodPromptsGet:
		result, err = s.getPrompt(ctx, msg)
	default:
		err = protocol.NewProtocolError(protocol.CodeMethodNotFound, "method not found: %s", msg.Method)
	}
	if err != nil {
		var perr *protocol.ProtocolError
		if errors.As(err, &perr) {
			return nil, "", perr
		}
		perr = protocol.NewProtocolError(protocol.CodeInternalError, "internal error")
		perr.Data = err.Error()
		return nil, "", perr
	}
	return result, status, nil
}

func (s *Server) initialize(msg *protocol.Message) (*protocol.InitializeResult, error) {
	var p protocol.InitializeParams
	if err := msg.DecodeParams(&p); err != nil {
		return nil, err
	}
	version := protocol.LatestProtocolVersion
	if protocol.IsSupportedProtocolVersion(p.ProtocolVersion) {
		version = p.ProtocolVersion
	}
	slog.Info("server: client connected",
		"client", p.ClientInfo.Name,
		"client_version", p.ClientInfo.Version,
		"protocol_version", version)

	s.mu.RLock()
	var caps protocol.ServerCapabilities
	if len(s.tools) > 0 {
		caps.Tools = &protocol.ListChangedCapability{}
	}
	if len(s.resources) > 0 {
		caps.Resources = &protocol.ListChangedCapability{}
	}
	if len(s.prompts) > 0 {
		caps.Prompts = &protocol.ListChangedCapability{}
	}
	s.mu.RUnlock()

	return &protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    caps,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

func (s *Server) listTools() *protocol.ListToolsResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := &protocol.ListToolsResult{Tools: make([]protocol.ToolDescriptor, 0, len(s.tools))}
	for _, t := range s.tools {
		out.Tools = append(out.Tools, t.Descriptor())
	}
	sort.Slice(out.Tools, func(i, j int) bool { return out.Tools[i].Name < out.Tools[j].Name })
	return out
}

func (s *Server) callTool(ctx context.Context, msg *protocol.Message) (*protocol.ToolCallResult, error) {
	var p protocol.CallToolParams
	if err := msg.DecodeParams(&p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidParams, "missing tool name")
	}

	s.mu.RLock()
	tool, ok := s.tools[p.Name]
	s.mu.RUnlock()
	if !ok {
		perr := protocol.NewProtocolError(protocol.CodeMethodNotFound, "tool not found")
		perr.Data = p.Name
		return nil, perr
	}

	args, err := tool.Params.Coerce(p.Arguments)
	if err != nil {
		return nil, protocol.NewProtocolError(protocol.CodeInvalidParams, "invalid arguments for %s: %v", p.Name, err)
	}

	value, failed := s.runHandler(ctx, tool, args)
	if failed != nil {
		return failed, nil
	}
	res, err := wrapResult(value)
	if err != nil {
		return nil, fmt.Errorf("encode result of %s: %w", p.Name, err)
	}
	return res, nil
}

// runHandler invokes the tool's handler. A handler error or panic is turned
// into a failed result; otherwise the raw value is returned for wrapping.
func (s *Server) runHandler(ctx context.Context, tool Tool, args protocol.Arguments) (value any, failed *protocol.ToolCallResult) {
	defer func() {
		if r := recover(); r != nil {
			observe.Logger(ctx).Error("server: tool handler panicked",
				"tool", tool.Name, "panic", r, "stack", string(debug.Stack()))
			value, failed = nil, protocol.ErrorResult(fmt.Sprintf("tool %s panicked: %v", tool.Name, r))
		}
	}()
	v, err := tool.Handler(ctx, args)
	if err != nil {
		observe.Logger(ctx).Debug("server: tool handler failed", "tool", tool.Name, "err", err)
		return nil, protocol.ErrorResult(err.Error())
	}
	return v, nil
}

func wrapResult(v any) (*protocol.ToolCallResult, error) {
	switch r := v.(type) {
	case nil:
		return &protocol.ToolCallResult{Content: []protocol.Content{}}, nil
	case string:
		return protocol.TextResult(r), nil
	case []byte:
		return protocol.TextResult(string(r)), nil
	case protocol.Content:
		return &protocol.ToolCallResult{Content: []protocol.Content{r}}, nil
	case []protocol.Content:
		return &protocol.ToolCallResult{Content: r}, nil
	case *protocol.ToolCallResult:
		if r == nil {
			return &protocol.ToolCallResult{Content: []protocol.Content{}}, nil
		}
		out := *r
		out.IsError = false
		return &out, nil
	case protocol.ToolCallResult:
		r.IsError = false
		return &r, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return protocol.TextResult(string(data)), nil
	}
}

func (s *Server) listResources() *protocol.ListResourcesResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := &protocol.ListResourcesResult{Resources: make([]protocol.Resource, 0, len(s.resources))}
	for _, r := range s.resources {
		out.Resources = append(out.Resources, protocol.Resource{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MIMEType:    r.MIMEType,
		})
	}
	sort.Slice(out.Resources, func(i, j int) bool { return out.Resources[i].URI < out.Resources[j].URI })
	return out
}

func (s *Server) readResource(ctx context.Context, msg *protocol.Message) (*protocol.ReadResourceResult, error) {
	var p protocol.ReadResourceParams
	if err := msg.DecodeParams(&p); err != nil {
		return nil, err
	}
	s.mu.RLock()
	r, ok := s.resources[p.URI]
	s.mu.RUnlock()
	if !ok {
		perr := protocol.NewProtocolError(protocol.CodeInvalidParams, "resource not found")
		perr.Data = p.URI
		return nil, perr
	}
	text, err := r.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read resource %s: %w", p.URI, err)
	}
	return &protocol.ReadResourceResult{Contents: []protocol.ResourceContents{
		{URI: r.URI, MIMEType: r.MIMEType, Text: text},
	}}, nil
}

func (s *Server) listPrompts() *protocol.ListPromptsResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := &protocol.ListPromptsResult{Prompts: make([]protocol.Prompt, 0, len(s.prompts))}
	for _, p := range s.prompts {
		out.Prompts = append(out.Prompts, protocol.Prompt{
			Name:        p.Name,
			Description: p.Description,
			Arguments:   p.Arguments,
		})
	}
	sort.Slice(out.Prompts, func(i, j int) bool { return out.Prompts[i].Name < out.Prompts[j].Name })
	return out
}

func (s *Server) getPrompt(ctx context.Context, msg *protocol.Message) (*protocol.GetPromptResult, error) {
	var p protocol.GetPromptParams
	if err := msg.DecodeParams(&p); err != nil {
		return nil, err
	}
	s.mu.RLock()
	prompt, ok := s.prompts[p.Name]
	s.mu.RUnlock()
	if !ok {
		perr := protocol.NewProtocolError(protocol.CodeInvalidParams, "prompt not found")
		perr.Data = p.Name
		return nil, perr
	}
	for _, arg := range prompt.Arguments {
		if _, ok := p.Arguments[arg.Name]; arg.Required && !ok {
			return nil, protocol.NewProtocolError(protocol.CodeInvalidParams, "prompt %s: missing required argument %q", p.Name, arg.Name)
		}
	}
	msgs, err := prompt.Render(ctx, p.Arguments)
	if err != nil {
		return nil, fmt.Errorf("render prompt %s: %w", p.Name, err)
	}
	return &protocol.GetPromptResult{Description: prompt.Description, Messages: msgs}, nil
}
