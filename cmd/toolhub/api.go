package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/MrWong99/toolhub/internal/health"
	"github.com/MrWong99/toolhub/internal/mcp/bridge"
	"github.com/MrWong99/toolhub/internal/mcp/server"
	"github.com/MrWong99/toolhub/internal/observe"
	"github.com/MrWong99/toolhub/internal/resilience"
	"github.com/MrWong99/toolhub/pkg/protocol"
)

// maxBodyBytes bounds the request body of a tool invocation.
const maxBodyBytes = 4 << 20

// callerParam names the query parameter identifying the caller.
const callerParam = "caller"

type toolView struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Provider    string             `json:"provider"`
	InputSchema *jsonschema.Schema `json:"input_schema"`
}

type listResponse struct {
	Tools       []toolView `json:"tools"`
	Unavailable []string   `json:"unavailable,omitempty"`
}

type invokeRequest struct {
	Arguments map[string]any `json:"arguments"`
}

type invokeResponse struct {
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

type sessionResponse struct {
	Caller string `json:"caller"`
	Ended  bool   `json:"ended"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// api exposes the bridge's bindings over plain JSON HTTP.
type api struct {
	bridge *bridge.Bridge
}

// routes assembles the full HTTP surface of serve-http mode.
func routes(srv *server.Server, b *bridge.Bridge, hc *health.Handler, m *observe.Metrics, metrics http.Handler) http.Handler {
	a := &api{bridge: b}
	mux := http.NewServeMux()
	mux.Handle("POST /mcp", srv)
	mux.HandleFunc("GET /v1/tools", a.listTools)
	mux.HandleFunc("POST /v1/tools/{name}", a.invokeTool)
	mux.HandleFunc("DELETE /v1/sessions/{caller}", a.endSession)
	hc.Register(mux)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return observe.Middleware(m)(mux)
}

func (a *api) listTools(w http.ResponseWriter, r *http.Request) {
	caller := r.URL.Query().Get(callerParam)
	if caller == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "caller is required"})
		return
	}
	var opts []bridge.BindingsOption
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		opts = append(opts, bridge.WithForceRefresh())
	}

	ts, err := a.bridge.Bindings(r.Context(), caller, opts...)
	if err != nil {
		observe.Logger(r.Context()).Error("api: resolve bindings", "caller", caller, "err", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "tool discovery failed"})
		return
	}

	res := listResponse{Tools: make([]toolView, 0, len(ts.Bindings))}
	for _, bd := range ts.Bindings {
		res.Tools = append(res.Tools, toolView{
			Name:        bd.Name,
			Description: bd.Description,
			Provider:    bd.Provider,
			InputSchema: bd.Schema(),
		})
	}
	for _, f := range ts.Failures {
		res.Unavailable = append(res.Unavailable, f.Provider)
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) invokeTool(w http.ResponseWriter, r *http.Request) {
	caller := r.URL.Query().Get(callerParam)
	if caller == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "caller is required"})
		return
	}
	name := r.PathValue("name")

	var req invokeRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err := dec.Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
	}
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}

	out, err := a.bridge.Invoke(r.Context(), caller, name, req.Arguments)
	if err == nil {
		writeJSON(w, http.StatusOK, invokeResponse{Output: out})
		return
	}

	log := observe.Logger(r.Context()).With("caller", caller, "tool", name)

	var (
		toolErr *bridge.ToolError
		argErr  *bridge.InvalidArgumentsError
		openErr *resilience.OpenError
	)
	switch {
	case errors.As(err, &toolErr):
		writeJSON(w, http.StatusOK, invokeResponse{Output: out, IsError: true})
	case errors.As(err, &argErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: argErr.Err.Error()})
	case errors.Is(err, bridge.ErrUnknownTool):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown tool"})
	case errors.Is(err, bridge.ErrStaleBinding):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "tool configuration changed, list tools again"})
	case errors.As(err, &openErr):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(openErr)))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "tool unavailable"})
	case errors.Is(err, protocol.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		log.Warn("api: tool call timed out", "err", err)
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: "tool timed out"})
	default:
		log.Error("api: tool call failed", "err", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "tool call failed"})
	}
}

// endSession closes every provider connection held for the caller. Ending a
// caller without a session succeeds.
func (a *api) endSession(w http.ResponseWriter, r *http.Request) {
	caller := r.PathValue("caller")
	ended := a.bridge.EndSession(caller)
	writeJSON(w, http.StatusOK, sessionResponse{Caller: caller, Ended: ended})
}

// retryAfterSeconds rounds the breaker's hint up to whole seconds, at least 1.
func retryAfterSeconds(e *resilience.OpenError) int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	return max(s, 1)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: write response", "err", err)
	}
}
