package sdkclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/toolhub/pkg/protocol"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func newSDKServer(t *testing.T) *mcpsdk.Server {
	t.Helper()
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "sdk-server", Version: "1.0.0"}, nil)
	srv.AddTool(&mcpsdk.Tool{
		Name:        "greet",
		Description: "Greets someone.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"name":  {Type: "string", Description: "Who to greet."},
				"times": {Type: "integer"},
			},
			Required: []string{"name"},
		},
	}, func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, err
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "hello " + args.Name}},
		}, nil
	})
	srv.AddTool(&mcpsdk.Tool{
		Name:        "fails",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{
			IsError: true,
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "quota exceeded"}},
		}, nil
	})
	srv.AddTool(&mcpsdk.Tool{
		Name:        "picture",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{
				&mcpsdk.TextContent{Text: "caption"},
				&mcpsdk.ImageContent{Data: []byte{0x89, 'P', 'N', 'G'}, MIMEType: "image/png"},
			},
		}, nil
	})
	return srv
}

// inMemory returns a transport factory that connects a fresh in-memory pair
// to srv on every call.
func inMemory(t *testing.T, srv *mcpsdk.Server) func() mcpsdk.Transport {
	return func() mcpsdk.Transport {
		clientT, serverT := mcpsdk.NewInMemoryTransports()
		if _, err := srv.Connect(context.Background(), serverT, nil); err != nil {
			t.Errorf("server connect: %v", err)
		}
		return clientT
	}
}

func connected(t *testing.T) *Client {
	t.Helper()
	c := New(Config{Name: "sdk"}, WithTransport(inMemory(t, newSDKServer(t))))
	must(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestListTools_ConvertsSchemas(t *testing.T) {
	t.Parallel()
	c := connected(t)

	tools, err := c.ListTools(context.Background())
	must(t, err)
	byName := make(map[string]protocol.ToolDescriptor)
	for _, td := range tools {
		byName[td.Name] = td
	}
	if len(byName) != 3 {
		t.Fatalf("got tools %v, want 3", byName)
	}
	greet := byName["greet"]
	if greet.Description != "Greets someone." {
		t.Errorf("description = %q", greet.Description)
	}
	want := protocol.InputSchema{
		"name":  {Type: protocol.TypeString, Required: true, Description: "Who to greet."},
		"times": {Type: protocol.TypeInteger},
	}
	if !greet.InputSchema.Equal(want) {
		t.Errorf("schema = %+v, want %+v", greet.InputSchema, want)
	}
	if len(c.Tools()) != 3 {
		t.Errorf("cached %d tools, want 3", len(c.Tools()))
	}
}

func TestCallTool_Results(t *testing.T) {
	t.Parallel()
	c := connected(t)
	ctx := context.Background()

	res, err := c.CallTool(ctx, "greet", map[string]any{"name": "Ada"})
	must(t, err)
	if res.IsError || res.Text() != "hello Ada" {
		t.Errorf("greet = %+v", res)
	}

	res, err = c.CallTool(ctx, "fails", nil)
	must(t, err)
	if !res.IsError || res.Text() != "quota exceeded" {
		t.Errorf("fails = %+v", res)
	}

	res, err = c.CallTool(ctx, "picture", nil)
	must(t, err)
	if len(res.Content) != 2 {
		t.Fatalf("picture content = %+v", res.Content)
	}
	img := res.Content[1]
	if img.Type != "image" || img.MIMEType != "image/png" || img.Data == "" {
		t.Errorf("image block = %+v", img)
	}
}

func TestCallTool_UnknownToolIsProtocolError(t *testing.T) {
	t.Parallel()
	c := connected(t)

	_, err := c.CallTool(context.Background(), "no_such_tool", nil)
	var perr *protocol.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want a *protocol.ProtocolError", err)
	}
	if perr.Code != protocol.CodeInvalidParams {
		t.Errorf("code = %d, want %d", perr.Code, protocol.CodeInvalidParams)
	}
	if protocol.IsTransportError(err) || errors.Is(err, protocol.ErrConnect) {
		t.Errorf("provider answer reported as a transport failure: %v", err)
	}
}

func TestFromWireError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data json.RawMessage
		want any
	}{
		{"no data", nil, nil},
		{"json data", json.RawMessage(`{"field":"city"}`), map[string]any{"field": "city"}},
		{"raw data", json.RawMessage(`not json`), "not json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			perr := fromWireError(&jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "nope", Data: tt.data})
			if perr.Code != protocol.CodeMethodNotFound || perr.Message != "nope" {
				t.Errorf("perr = %+v", perr)
			}
			got, _ := json.Marshal(perr.Data)
			want, _ := json.Marshal(tt.want)
			if string(got) != string(want) {
				t.Errorf("data = %s, want %s", got, want)
			}
		})
	}
}

func TestClient_NotConnectedAndClose(t *testing.T) {
	t.Parallel()
	c := New(Config{Name: "sdk"}, WithTransport(inMemory(t, newSDKServer(t))))
	if _, err := c.ListTools(context.Background()); !errors.Is(err, protocol.ErrClosed) {
		t.Errorf("ListTools before connect err = %v, want ErrClosed", err)
	}
	must(t, c.Connect(context.Background()))
	must(t, c.Ping(context.Background()))
	must(t, c.Close())
	must(t, c.Close())
	if _, err := c.CallTool(context.Background(), "greet", nil); !errors.Is(err, protocol.ErrClosed) {
		t.Errorf("CallTool after close err = %v, want ErrClosed", err)
	}
	if len(c.Tools()) != 0 {
		t.Error("catalog survived Close")
	}
}

func TestConnect_Unreachable(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := New(Config{Name: "gone", URL: url})
	err := c.Connect(context.Background())
	if !errors.Is(err, protocol.ErrConnect) {
		t.Fatalf("err = %v, want ErrConnect", err)
	}
}

func TestAuthTransport_AddsHeaders(t *testing.T) {
	t.Parallel()
	got := make(chan http.Header, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
	}))
	defer ts.Close()

	rt := &authTransport{base: http.DefaultTransport, token: "tok", headers: map[string]string{"X-Tenant": "acme"}}
	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	must(t, err)
	resp, err := rt.RoundTrip(req)
	must(t, err)
	_ = resp.Body.Close()

	h := <-got
	if h.Get("Authorization") != "Bearer tok" || h.Get("X-Tenant") != "acme" {
		t.Errorf("headers = %v", h)
	}
	if req.Header.Get("Authorization") != "" {
		t.Error("RoundTrip mutated the caller's request")
	}
}
