package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/toolhub/internal/resilience"
)

func ok(context.Context) error { return nil }

func failing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func serve(t *testing.T, h *Handler, path string) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()
	code, body := serve(t, New(Checker{Name: "broken", Check: failing("down")}), "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %+v", code, body)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "all pass",
			checkers:   []Checker{{Name: "tools", Check: ok}, {Name: "providers", Check: ok}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"tools": "ok", "providers": "ok"},
		},
		{
			name:       "one fails",
			checkers:   []Checker{{Name: "tools", Check: ok}, {Name: "providers", Check: failing("circuit open for a")}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"tools": "ok", "providers": "fail: circuit open for a"},
		},
		{
			name:       "all fail",
			checkers:   []Checker{{Name: "tools", Check: failing("no tools registered")}, {Name: "store", Check: failing("timeout")}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"tools": "fail: no tools registered", "store": "fail: timeout"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := serve(t, New(tt.checkers...), "/readyz")
			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, body.Status, tt.wantCode, tt.wantStatus)
			}
			for k, v := range tt.wantChecks {
				if body.Checks[k] != v {
					t.Errorf("check %q = %q, want %q", k, body.Checks[k], v)
				}
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	slow := func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{Name: "a", Check: slow}, Checker{Name: "b", Check: slow}, Checker{Name: "c", Check: slow})
	start := time.Now()
	code, _ := serve(t, h, "/readyz")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if d := time.Since(start); d > 550*time.Millisecond {
		t.Errorf("readyz took %v, checks look sequential", d)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

// ─── checkers ────────────────────────────────────────────────────────────────

func TestToolsRegistered(t *testing.T) {
	t.Parallel()
	var names []string
	c := ToolsRegistered(func() []string { return names })
	if err := c.Check(context.Background()); err == nil {
		t.Error("expected failure with no tools")
	}
	names = []string{"roll"}
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBreakersClosed(t *testing.T) {
	t.Parallel()
	states := map[string]resilience.State{
		"files":  resilience.StateClosed,
		"search": resilience.StateHalfOpen,
	}
	c := BreakersClosed(func() map[string]resilience.State { return states })
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	states["zeta"] = resilience.StateOpen
	states["alpha"] = resilience.StateOpen
	err := c.Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "alpha, zeta") {
		t.Errorf("err = %v, want open breakers listed in order", err)
	}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestPing(t *testing.T) {
	t.Parallel()
	if err := Ping("store", pinger{}).Check(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	c := Ping("store", pinger{err: errors.New("refused")})
	if c.Name != "store" || c.Check(context.Background()) == nil {
		t.Errorf("checker = %+v", c)
	}
}
