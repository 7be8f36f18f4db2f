package tools

import (
	"context"
	"encoding/json"
	"slices"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/toolhub/internal/mcp/server"
	"github.com/MrWong99/toolhub/internal/observe"
	"github.com/MrWong99/toolhub/pkg/protocol"
)

func newServer(t *testing.T) *server.Server {
	t.Helper()
	m, err := observe.NewMetrics(metric.NewMeterProvider(metric.WithReader(metric.NewManualReader())))
	if err != nil {
		t.Fatal(err)
	}
	return server.New("toolhub", "test", server.WithMetrics(m))
}

func TestRegister_Builtin(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	if err := Register(srv, Builtin(nil)); err != nil {
		t.Fatal(err)
	}
	want := []string{"convert_time", "now", "roll", "roll_table"}
	if got := srv.ToolNames(); !slices.Equal(got, want) {
		t.Errorf("tool names = %v, want %v", got, want)
	}
}

func TestRegister_JoinsErrors(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	err := Register(srv, []server.Tool{{Name: ""}, {Name: "nohandler"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(srv.ToolNames()) != 0 {
		t.Errorf("invalid tools were registered: %v", srv.ToolNames())
	}
}

func TestBuiltin_CallThroughServer(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	if err := Register(srv, Builtin(nil)); err != nil {
		t.Fatal(err)
	}

	req, err := protocol.NewRequest(protocol.Int64ID(1), protocol.MethodToolsCall,
		protocol.CallToolParams{Name: "roll", Arguments: map[string]any{"expression": "3d1+2"}})
	if err != nil {
		t.Fatal(err)
	}
	resp := srv.Handle(context.Background(), req)
	var res protocol.ToolCallResult
	if err := resp.DecodeResult(&res); err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("roll failed: %s", res.Text())
	}
	var out struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal([]byte(res.Text()), &out); err != nil {
		t.Fatal(err)
	}
	if out.Total != 5 {
		t.Errorf("3d1+2 total = %d, want 5", out.Total)
	}
}
