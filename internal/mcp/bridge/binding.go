package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/toolhub/internal/mcp"
	"github.com/MrWong99/toolhub/pkg/protocol"
)

// ToolError is returned by [Binding.Invoke] when the provider ran the tool
// and reported a failure. The failure text is also returned as the result.
type ToolError struct {
	Binding  string
	Provider string
	Message  string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("bridge: tool %s failed: %s", e.Binding, e.Message)
}

// InvalidArgumentsError is returned by [Binding.Invoke] when the arguments
// do not satisfy the tool's input schema. The provider is not contacted.
type InvalidArgumentsError struct {
	Binding string
	Err     error
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("bridge: invalid arguments for %s: %v", e.Binding, e.Err)
}

func (e *InvalidArgumentsError) Unwrap() error { return e.Err }

// Binding is one provider tool made invocable by an agent. Bindings are
// immutable snapshots of the catalog they were built from.
type Binding struct {
	// Name is the namespaced name, "<provider>_<tool>".
	Name string

	// Description is the provider's tool description.
	Description string

	// Provider is the name of the owning provider.
	Provider string

	// Tool is the tool's name as the provider knows it.
	Tool string

	params protocol.InputSchema
	caller string
	cfg    mcp.ProviderConfig
	bridge *Bridge
}

// Params returns the resolved parameter set.
func (b *Binding) Params() protocol.InputSchema { return b.params }

// Schema returns the input schema as JSON Schema.
func (b *Binding) Schema() *jsonschema.Schema { return b.params.JSONSchema() }

// Parameters returns the input schema as a generic JSON object, the form
// most function-calling APIs accept.
func (b *Binding) Parameters() map[string]any {
	data, err := json.Marshal(b.params)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// OpenAITool returns the binding as an OpenAI function tool declaration.
func (b *Binding) OpenAITool() oai.ChatCompletionToolParam {
	fn := shared.FunctionDefinitionParam{
		Name:       b.Name,
		Parameters: shared.FunctionParameters(b.Parameters()),
	}
	if b.Description != "" {
		fn.Description = param.NewOpt(b.Description)
	}
	return oai.ChatCompletionToolParam{Function: fn}
}

// Invoke validates args against the schema and calls the tool through the
// provider's circuit breaker. When the provider reports a tool failure the
// failure text is returned along with a *[ToolError].
func (b *Binding) Invoke(ctx context.Context, args map[string]any) (string, error) {
	coerced, err := b.params.Coerce(args)
	if err != nil {
		return "", &InvalidArgumentsError{Binding: b.Name, Err: err}
	}
	return b.bridge.call(ctx, b, coerced)
}

// Failure records a provider whose tools could not be discovered.
type Failure struct {
	Provider string
	Err      error
}

// ToolSet is the result of [Bridge.Bindings]: every binding that could be
// resolved for a caller plus the providers that failed.
type ToolSet struct {
	Caller    string
	SessionID string
	Bindings  []*Binding
	Failures  []Failure

	byName map[string]*Binding
}

// Lookup returns the binding with the given namespaced name.
func (ts *ToolSet) Lookup(name string) (*Binding, bool) {
	b, ok := ts.byName[name]
	return b, ok
}

// Names returns the binding names in order.
func (ts *ToolSet) Names() []string {
	names := make([]string, len(ts.Bindings))
	for i, b := range ts.Bindings {
		names[i] = b.Name
	}
	return names
}

// OpenAITools returns every binding as an OpenAI tool declaration.
func (ts *ToolSet) OpenAITools() []oai.ChatCompletionToolParam {
	out := make([]oai.ChatCompletionToolParam, len(ts.Bindings))
	for i, b := range ts.Bindings {
		out[i] = b.OpenAITool()
	}
	return out
}

// Err joins the provider failures into one error, or returns nil.
func (ts *ToolSet) Err() error {
	if len(ts.Failures) == 0 {
		return nil
	}
	msgs := make([]string, len(ts.Failures))
	for i, f := range ts.Failures {
		msgs[i] = f.Provider + ": " + f.Err.Error()
	}
	sort.Strings(msgs)
	return fmt.Errorf("bridge: %d provider(s) unavailable: %s", len(msgs), strings.Join(msgs, "; "))
}

// Namespace returns the binding name for tool offered by provider.
// Characters outside [A-Za-z0-9_-] are replaced with '_'.
func Namespace(provider, tool string) string {
	return sanitize(provider) + "_" + sanitize(tool)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}
