package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/MrWong99/toolhub/internal/mcp/jsonl"
	"github.com/MrWong99/toolhub/internal/observe"
	"github.com/MrWong99/toolhub/pkg/protocol"
)

// maxBodySize bounds a single envelope received over HTTP.
const maxBodySize = jsonl.MaxLineSize

// SessionHeader carries the session id issued on initialize.
const SessionHeader = "Mcp-Session-Id"

// handleData decodes one envelope and answers it. req is nil when the data
// could not be decoded at all.
func (s *Server) handleData(ctx context.Context, data []byte) (req, resp *protocol.Message) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, protocol.NewErrorResponse(nil,
			protocol.NewProtocolError(protocol.CodeInvalidRequest, "batch requests are not supported"))
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		var perr *protocol.ProtocolError
		if !errors.As(err, &perr) {
			perr = protocol.NewProtocolError(protocol.CodeInvalidRequest, "%v", err)
		}
		var id *protocol.ID
		if msg != nil {
			id = msg.ID
		}
		s.metrics.RecordRPCRequest(ctx, "invalid", observe.StatusError)
		return msg, protocol.NewErrorResponse(id, perr)
	}
	return msg, s.Handle(ctx, msg)
}

// HandleRaw answers one encoded envelope and returns the encoded response,
// or nil when no response is due.
func (s *Server) HandleRaw(ctx context.Context, data []byte) []byte {
	_, resp := s.handleData(ctx, data)
	if resp == nil {
		return nil
	}
	out, err := json.Marshal(resp)
	if err != nil {
		// Only reachable if an error's Data holds something unencodable.
		slog.Error("server: encode response", "err", err)
		out, _ = json.Marshal(protocol.NewErrorResponse(resp.ID,
			protocol.NewProtocolError(protocol.CodeInternalError, "internal error")))
	}
	return out
}

// ServeStdio reads line-delimited envelopes from r and writes responses to w
// until r is exhausted or ctx is cancelled. Requests are answered one at a
// time, in order. Logs never go to w.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	conn := jsonl.NewConn(r, w)
	defer conn.Close()

	slog.Info("server: serving on stdio", "name", s.info.Name)
	for {
		line, err := conn.ReadRaw(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				slog.Info("server: stdin closed")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: read: %w", err)
		}
		out := s.HandleRaw(ctx, line)
		if out == nil {
			continue
		}
		if err := conn.WriteRaw(out); err != nil {
			return fmt.Errorf("server: write: %w", err)
		}
	}
}

// ServeHTTP answers one envelope per POST. Notifications are acknowledged
// with 202 Accepted and an empty body.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "request body too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}

	req, resp := s.handleData(r.Context(), body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	out, err := json.Marshal(resp)
	if err != nil {
		slog.Error("server: encode response", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if req != nil && req.Method == protocol.MethodInitialize && resp.Error == nil {
		w.Header().Set(SessionHeader, uuid.NewString())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}
