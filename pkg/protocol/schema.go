package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"
)

// ParamType is the JSON-Schema type of a single tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// ParseParamType maps a wire type name to a ParamType. Unknown or empty names
// map to [TypeString].
func ParseParamType(s string) ParamType {
	switch t := ParamType(s); t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		return t
	default:
		return TypeString
	}
}

// GoType returns the Go type a value of this parameter type is coerced to.
func (t ParamType) GoType() reflect.Type {
	switch t {
	case TypeInteger:
		return reflect.TypeFor[int64]()
	case TypeNumber:
		return reflect.TypeFor[float64]()
	case TypeBoolean:
		return reflect.TypeFor[bool]()
	case TypeArray:
		return reflect.TypeFor[[]any]()
	case TypeObject:
		return reflect.TypeFor[map[string]any]()
	default:
		return reflect.TypeFor[string]()
	}
}

// Coerce converts a decoded JSON value to the Go representation of t. JSON
// numbers decoded as float64 are accepted for integers as long as they are
// integral.
func (t ParamType) Coerce(v any) (any, error) {
	switch t {
	case TypeInteger:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case float64:
			if n != math.Trunc(n) || math.IsInf(n, 0) {
				return nil, fmt.Errorf("%v is not an integer", n)
			}
			return int64(n), nil
		case json.Number:
			return n.Int64()
		}
	case TypeNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			return n.Float64()
		}
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeArray:
		if a, ok := v.([]any); ok {
			return a, nil
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			out := make([]any, rv.Len())
			for i := range out {
				out[i] = rv.Index(i).Interface()
			}
			return out, nil
		}
	case TypeObject:
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
	default:
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", t.orString(), v)
}

func (t ParamType) orString() ParamType {
	if t == "" {
		return TypeString
	}
	return t
}

// ParamSpec describes one tool parameter.
type ParamSpec struct {
	Type        ParamType
	Required    bool
	Description string
}

// InputSchema maps parameter names to their specs. On the wire it is a JSON
// Schema object: {"type":"object","properties":{...},"required":[...]}.
type InputSchema map[string]ParamSpec

// Names returns the parameter names in sorted order.
func (s InputSchema) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Required returns the names of required parameters in sorted order.
func (s InputSchema) Required() []string {
	var req []string
	for _, name := range s.Names() {
		if s[name].Required {
			req = append(req, name)
		}
	}
	return req
}

// JSONSchema renders s as a JSON Schema object.
func (s InputSchema) JSONSchema() *jsonschema.Schema {
	js := &jsonschema.Schema{
		Type:       string(TypeObject),
		Properties: make(map[string]*jsonschema.Schema, len(s)),
		Required:   s.Required(),
	}
	for name, p := range s {
		js.Properties[name] = &jsonschema.Schema{
			Type:        string(p.Type.orString()),
			Description: p.Description,
		}
	}
	return js
}

// InputSchemaFrom converts a JSON Schema object into an InputSchema. Only the
// top-level properties are kept; nested structure is carried as
// array/object types. A property with several types takes the first non-null
// one.
func InputSchemaFrom(js *jsonschema.Schema) InputSchema {
	s := make(InputSchema)
	if js == nil {
		return s
	}
	for name, prop := range js.Properties {
		spec := ParamSpec{Type: TypeString}
		if prop != nil {
			spec.Description = prop.Description
			spec.Type = ParseParamType(firstType(prop))
		}
		s[name] = spec
	}
	for _, name := range js.Required {
		spec, ok := s[name]
		if !ok {
			spec = ParamSpec{Type: TypeString}
		}
		spec.Required = true
		s[name] = spec
	}
	return s
}

func firstType(js *jsonschema.Schema) string {
	if js.Type != "" {
		return js.Type
	}
	for _, t := range js.Types {
		if t != "null" {
			return t
		}
	}
	return ""
}

// MarshalJSON encodes s in its JSON Schema wire form.
func (s InputSchema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.JSONSchema())
}

// UnmarshalJSON decodes a JSON Schema object.
func (s *InputSchema) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = make(InputSchema)
		return nil
	}
	var js jsonschema.Schema
	if err := json.Unmarshal(data, &js); err != nil {
		return fmt.Errorf("protocol: decode input schema: %w", err)
	}
	*s = InputSchemaFrom(&js)
	return nil
}

// Coerce validates args against s and returns a new argument map whose
// declared parameters hold their Go representations. Undeclared arguments
// pass through unchanged. A null value for an optional parameter is dropped.
func (s InputSchema) Coerce(args map[string]any) (Arguments, error) {
	out := make(Arguments, len(args))
	for name, v := range args {
		spec, ok := s[name]
		if !ok {
			out[name] = v
			continue
		}
		if v == nil {
			if spec.Required {
				return nil, fmt.Errorf("parameter %q: required value is null", name)
			}
			continue
		}
		cv, err := spec.Type.Coerce(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		out[name] = cv
	}
	for _, name := range s.Required() {
		if _, ok := out[name]; !ok {
			return nil, fmt.Errorf("missing required parameter %q", name)
		}
	}
	return out, nil
}

// Validate reports whether args satisfy s.
func (s InputSchema) Validate(args map[string]any) error {
	_, err := s.Coerce(args)
	return err
}

// Equal reports whether s and o declare the same parameters.
func (s InputSchema) Equal(o InputSchema) bool {
	if !slices.Equal(s.Names(), o.Names()) {
		return false
	}
	for name, p := range s {
		if q := o[name]; p.Type.orString() != q.Type.orString() || p.Required != q.Required || p.Description != q.Description {
			return false
		}
	}
	return true
}
