package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/toolhub/internal/mcp"
	"github.com/MrWong99/toolhub/internal/mcp/jsonl"
	"github.com/MrWong99/toolhub/pkg/protocol"
)

// RequestIDHeader correlates a legacy query with the provider's logs.
const RequestIDHeader = "X-Request-Id"

var _ mcp.Querier = (*LegacyClient)(nil)

// LegacyClient talks to a pre-protocol endpoint that accepts a free-form
// query. It shares [Config] with [Client] but none of its protocol state.
type LegacyClient struct {
	cfg  Config
	opts options
}

// NewLegacy returns a client posting {"query": ...} to cfg.URL.
func NewLegacy(cfg Config, opts ...Option) *LegacyClient {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &LegacyClient{cfg: cfg, opts: o}
}

// Name returns the provider name.
func (l *LegacyClient) Name() string { return l.cfg.Name }

type legacyRequest struct {
	Query string `json:"query"`
}

type legacyResponse struct {
	Response string `json:"response"`
}

// Query implements [mcp.Querier]. A JSON reply's "response" member is
// returned; any other body is returned as plain text.
func (l *LegacyClient) Query(ctx context.Context, prompt string) (string, error) {
	const op = "query"
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.timeout)
		defer cancel()
	}

	body, err := json.Marshal(legacyRequest{Query: prompt})
	if err != nil {
		return "", fmt.Errorf("httpclient: encode query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", protocol.NewTransportError(l.cfg.Name, op, protocol.ErrConnect, err)
	}
	reqID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain")
	req.Header.Set(RequestIDHeader, reqID)
	if l.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+l.cfg.Token)
	}
	for k, v := range l.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := l.opts.hc.Do(req)
	if err != nil {
		return "", transportErr(ctx, l.cfg.Name, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, jsonl.MaxLineSize))
	if err != nil {
		return "", protocol.NewTransportError(l.cfg.Name, op, protocol.ErrConnect, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", protocol.NewTransportError(l.cfg.Name, op, protocol.ErrConnect,
			fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(data, 512)))
	}

	slog.Debug("httpclient: legacy query answered", "provider", l.cfg.Name, "request_id", reqID, "bytes", len(data))

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	trimmed := bytes.TrimSpace(data)
	if mediaType == "application/json" || (len(trimmed) > 0 && trimmed[0] == '{') {
		var lr legacyResponse
		if err := json.Unmarshal(trimmed, &lr); err == nil && lr.Response != "" {
			return lr.Response, nil
		}
	}
	return strings.TrimSpace(string(data)), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
