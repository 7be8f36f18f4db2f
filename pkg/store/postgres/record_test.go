package postgres

import (
	"testing"
	"time"

	"github.com/MrWong99/toolhub/internal/mcp"
)

func TestFinishRecord(t *testing.T) {
	t.Parallel()
	r := Record{Provider: mcp.ProviderConfig{Name: "search", Args: []string{}}}
	got, err := finishRecord(r, "http", []byte(`{}`), []byte(`{"X-Team":"blue"}`), 2500)
	if err != nil {
		t.Fatal(err)
	}
	p := got.Provider
	if p.Transport != mcp.TransportNetwork || p.Timeout != 2500*time.Millisecond {
		t.Errorf("provider = %+v", p)
	}
	if p.Env != nil || p.Args != nil {
		t.Errorf("empty env/args should be nil: %+v", p)
	}
	if p.Headers["X-Team"] != "blue" {
		t.Errorf("headers = %v", p.Headers)
	}
}

func TestFinishRecord_Errors(t *testing.T) {
	t.Parallel()
	r := Record{Provider: mcp.ProviderConfig{Name: "x"}}
	if _, err := finishRecord(r, "pigeon", nil, nil, 0); err == nil {
		t.Error("expected error for unknown transport")
	}
	if _, err := finishRecord(r, "stdio", []byte(`[1]`), nil, 0); err == nil {
		t.Error("expected error for malformed env")
	}
}
