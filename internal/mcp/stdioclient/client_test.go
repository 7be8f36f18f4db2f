package stdioclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/MrWong99/toolhub/internal/mcp/server"
	"github.com/MrWong99/toolhub/pkg/protocol"
)

// The test binary doubles as the provider: when helperEnv is set it runs one
// of the helper modes below instead of the tests.
const helperEnv = "TOOLHUB_STDIO_HELPER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelper(mode))
	}
	os.Exit(m.Run())
}

func runHelper(mode string) int {
	switch mode {
	case "serve":
		return serveHelper()
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		serveHelper()
		time.Sleep(time.Hour)
		return 0
	case "forking":
		// Leave a descendant holding stdout and stderr, like a shell or
		// package-runner wrapper would.
		exe, err := os.Executable()
		if err != nil {
			return 1
		}
		child := exec.Command(exe)
		child.Env = append(os.Environ(), helperEnv+"=linger")
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		if err := child.Start(); err != nil {
			return 1
		}
		return serveHelper()
	case "linger":
		time.Sleep(30 * time.Second)
		return 0
	case "badinit":
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		return 1
	case "oldversion":
		line, err := bufio.NewReader(os.Stdin).ReadBytes('\n')
		if err != nil {
			return 1
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			return 1
		}
		id, _ := msg.ID.MarshalJSON()
		fmt.Printf(`{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"1999-01-01","capabilities":{},"serverInfo":{"name":"old","version":"0"}}}`+"\n", id)
		time.Sleep(time.Hour)
		return 0
	}
	fmt.Fprintf(os.Stderr, "unknown helper mode %q\n", mode)
	return 2
}

func serveHelper() int {
	s := server.New("helper", "1.0.0")
	for i := range 50 {
		_ = s.AddTool(server.Tool{
			Name:        fmt.Sprintf("tool_%02d", i),
			Description: fmt.Sprintf("Generated tool %d.", i),
			Handler: func(context.Context, protocol.Arguments) (any, error) {
				return fmt.Sprintf("tool %d", i), nil
			},
		})
	}
	_ = s.AddTool(server.Tool{
		Name:   "echo",
		Params: protocol.InputSchema{"text": {Type: protocol.TypeString, Required: true}},
		Handler: func(_ context.Context, args protocol.Arguments) (any, error) {
			return args.String("text"), nil
		},
	})
	_ = s.AddTool(server.Tool{
		Name:   "sleep",
		Params: protocol.InputSchema{"ms": {Type: protocol.TypeInteger, Required: true}},
		Handler: func(ctx context.Context, args protocol.Arguments) (any, error) {
			select {
			case <-time.After(time.Duration(args.Int("ms", 0)) * time.Millisecond):
				return "slept", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	_ = s.AddTool(server.Tool{
		Name: "crash",
		Handler: func(context.Context, protocol.Arguments) (any, error) {
			os.Exit(3)
			return nil, nil
		},
	})
	if err := s.ServeStdio(context.Background(), os.Stdin, os.Stdout); err != nil {
		return 1
	}
	return 0
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func newHelperClient(t *testing.T, mode string, opts ...Option) *Client {
	t.Helper()
	exe, err := os.Executable()
	must(t, err)
	c := New(Config{
		Name:    "helper-" + mode,
		Command: exe,
		Env:     map[string]string{helperEnv: mode},
	}, opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func connected(t *testing.T, opts ...Option) *Client {
	t.Helper()
	c := newHelperClient(t, "serve", opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	must(t, c.Connect(ctx))
	return c
}

func callText(t *testing.T, c *Client, tool string, args map[string]any) string {
	t.Helper()
	res, err := c.CallTool(context.Background(), tool, args)
	must(t, err)
	if res.IsError {
		t.Fatalf("%s returned tool error: %s", tool, res.Text())
	}
	return res.Text()
}

// ─── connect & list ──────────────────────────────────────────────────────────

func TestConnect_ListsAllTools(t *testing.T) {
	t.Parallel()
	c := connected(t)

	if got := c.ServerInfo().ServerInfo.Name; got != "helper" {
		t.Errorf("server name = %q, want helper", got)
	}
	tools, err := c.ListTools(context.Background())
	must(t, err)
	if len(tools) != 53 {
		t.Fatalf("got %d tools, want 53", len(tools))
	}
	names := make([]string, len(tools))
	for i, td := range tools {
		names[i] = td.Name
	}
	for _, want := range []string{"tool_00", "tool_49", "echo", "sleep", "crash"} {
		if !slices.Contains(names, want) {
			t.Errorf("catalog missing %q", want)
		}
	}
	if got := len(c.Tools()); got != 53 {
		t.Errorf("cached catalog has %d tools, want 53", got)
	}
}

func TestConnect_Idempotent(t *testing.T) {
	t.Parallel()
	c := connected(t)
	must(t, c.Connect(context.Background()))
	if got := callText(t, c, "tool_07", nil); got != "tool 7" {
		t.Errorf("tool_07 = %q", got)
	}
}

func TestConnect_ProviderNotFound(t *testing.T) {
	t.Parallel()
	c := New(Config{Name: "ghost", Command: "toolhub-definitely-not-installed"})
	err := c.Connect(context.Background())
	if !errors.Is(err, protocol.ErrProviderNotFound) {
		t.Fatalf("err = %v, want ErrProviderNotFound", err)
	}
	var te *protocol.TransportError
	if !errors.As(err, &te) || te.Provider != "ghost" {
		t.Errorf("err = %#v, want TransportError for ghost", err)
	}
}

func TestConnect_HandshakeFailure(t *testing.T) {
	t.Parallel()
	c := newHelperClient(t, "badinit")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx); !errors.Is(err, protocol.ErrProcessExited) {
		t.Fatalf("Connect err = %v, want ErrProcessExited", err)
	}
	if _, err := c.CallTool(ctx, "echo", nil); !errors.Is(err, protocol.ErrClosed) {
		t.Errorf("CallTool after failed connect err = %v, want ErrClosed", err)
	}
}

func TestConnect_UnsupportedProtocolVersion(t *testing.T) {
	t.Parallel()
	c := newHelperClient(t, "oldversion", WithGracePeriod(100*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx); !errors.Is(err, protocol.ErrNotCompliant) {
		t.Fatalf("Connect err = %v, want ErrNotCompliant", err)
	}
}

// ─── calls ───────────────────────────────────────────────────────────────────

func TestCallTool_ConcurrentCallsGetOwnResponses(t *testing.T) {
	t.Parallel()
	c := connected(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := fmt.Sprintf("message %d", i)
			res, err := c.CallTool(context.Background(), "echo", map[string]any{"text": want})
			if err != nil {
				errs <- err
				return
			}
			if got := res.Text(); got != want {
				errs <- fmt.Errorf("echo = %q, want %q", got, want)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCallTool_TimeoutKeepsConnection(t *testing.T) {
	t.Parallel()
	c := connected(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.CallTool(ctx, "sleep", map[string]any{"ms": 300})
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	// The late "slept" response must be discarded, not handed to this call.
	if got := callText(t, c, "echo", map[string]any{"text": "after"}); got != "after" {
		t.Errorf("echo after timeout = %q, want after", got)
	}
}

func TestCallTool_InvalidArgumentsIsProtocolError(t *testing.T) {
	t.Parallel()
	c := connected(t)

	res, err := c.CallTool(context.Background(), "sleep", map[string]any{"ms": "soon"})
	if err == nil {
		t.Fatalf("expected invalid params error, got result %+v", res)
	}
	if !protocol.IsProtocolError(err) {
		t.Errorf("err = %v, want protocol error", err)
	}
	if got := callText(t, c, "echo", map[string]any{"text": "still up"}); got != "still up" {
		t.Errorf("echo = %q", got)
	}
}

func TestCallTool_ProcessExit(t *testing.T) {
	t.Parallel()
	c := connected(t)

	if _, err := c.CallTool(context.Background(), "crash", nil); !errors.Is(err, protocol.ErrProcessExited) {
		t.Fatalf("crash err = %v, want ErrProcessExited", err)
	}
	if _, err := c.CallTool(context.Background(), "echo", map[string]any{"text": "x"}); !errors.Is(err, protocol.ErrProcessExited) {
		t.Errorf("call after exit err = %v, want ErrProcessExited", err)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	c := connected(t)
	must(t, c.Ping(context.Background()))
}

// ─── close ───────────────────────────────────────────────────────────────────

func TestClose_ClearsStateAndAllowsReconnect(t *testing.T) {
	t.Parallel()
	c := connected(t)
	_, err := c.ListTools(context.Background())
	must(t, err)

	must(t, c.Close())
	if got := len(c.Tools()); got != 0 {
		t.Errorf("catalog after close has %d tools", got)
	}
	if _, err := c.CallTool(context.Background(), "echo", nil); !errors.Is(err, protocol.ErrClosed) {
		t.Errorf("call after close err = %v, want ErrClosed", err)
	}
	must(t, c.Close())

	must(t, c.Connect(context.Background()))
	if got := callText(t, c, "echo", map[string]any{"text": "again"}); got != "again" {
		t.Errorf("echo after reconnect = %q", got)
	}
}

func TestClose_KillsProviderIgnoringSIGTERM(t *testing.T) {
	t.Parallel()
	c := newHelperClient(t, "stubborn", WithGracePeriod(100*time.Millisecond))
	must(t, c.Connect(context.Background()))

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestClose_DoesNotWaitForDescendantsHoldingPipes(t *testing.T) {
	t.Parallel()
	c := newHelperClient(t, "forking", WithGracePeriod(200*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	must(t, c.Connect(ctx))
	if got := callText(t, c, "echo", map[string]any{"text": "hi"}); got != "hi" {
		t.Fatalf("echo = %q", got)
	}

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a descendant that still holds the pipes")
	}
}

// ─── env ─────────────────────────────────────────────────────────────────────

func TestMergeEnv(t *testing.T) {
	t.Parallel()
	base := []string{"PATH=/bin", "HOME=/root", "TOKEN=old"}
	got := mergeEnv(base, map[string]string{"TOKEN": "new", "EXTRA": "1"})
	want := []string{"PATH=/bin", "HOME=/root", "EXTRA=1", "TOKEN=new"}
	if !slices.Equal(got, want) {
		t.Errorf("mergeEnv = %v, want %v", got, want)
	}
	if got := mergeEnv(base, nil); !slices.Equal(got, base) {
		t.Errorf("mergeEnv without overrides = %v", got)
	}
}
