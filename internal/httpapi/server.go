// Package httpapi exposes the same tool surface as internal/mcp over plain
// HTTP, for callers that can't speak the MCP stdio transport (curl, CI
// checks, dashboards).
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emmilco/clams-sub000/internal/async"
	"github.com/emmilco/clams-sub000/internal/mcp"
	"github.com/emmilco/clams-sub000/pkg/version"
)

// ToolCaller is the subset of internal/mcp.Server this package depends on,
// so tests can stub it without constructing a full Server.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (any, error)
	ListTools() []mcp.ToolInfo
}

// Server is the HTTP surface over a tool caller. One instance per daemon
// process, same lifetime as the MCP server it wraps.
type Server struct {
	tools    ToolCaller
	addr     string
	logger   *slog.Logger
	progress *async.IndexProgress

	http    *http.Server
	started time.Time
}

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:8420".
	Addr string
	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger
	// Progress, if set, backs GET /status with the background indexer's
	// current stage and completion percentage. Nil disables the route.
	Progress *async.IndexProgress
}

// NewServer wires an HTTP server over the given tool caller.
func NewServer(tools ToolCaller, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:8420"
	}

	s := &Server{tools: tools, addr: addr, logger: logger, progress: cfg.Progress}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/call", s.handleCall)
	mux.HandleFunc("/api/tools", s.handleListTools)
	mux.Handle("/metrics", promhttp.Handler())
	if s.progress != nil {
		mux.HandleFunc("/status", s.handleStatus)
	}

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts the server and blocks until ctx is canceled, then
// shuts down gracefully. Mirrors internal/daemon.Server.ListenAndServe's
// context-driven shutdown shape over the Unix-socket transport.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.started = time.Now()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", slog.String("addr", s.addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http api shutdown error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("http api stopped gracefully")
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Close stops the server immediately, without waiting for in-flight
// requests to finish.
func (s *Server) Close() error {
	return s.http.Close()
}

// callRequest is the body POST /api/call expects: {method: "tools/call",
// params: {name, arguments}}.
type callRequest struct {
	Method string     `json:"method"`
	Params callParams `json:"params"`
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	requestID := requestID(r)

	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, requestID, &mcp.MCPError{Kind: mcp.KindValidation, Message: "invalid JSON body: " + err.Error()})
		return
	}
	if req.Method != "" && req.Method != "tools/call" {
		writeError(w, requestID, &mcp.MCPError{Kind: mcp.KindValidation, Message: fmt.Sprintf("unknown method %q", req.Method)})
		return
	}
	if req.Params.Name == "" {
		writeError(w, requestID, &mcp.MCPError{Kind: mcp.KindValidation, Message: "params.name is required"})
		return
	}

	s.logger.Debug("api call", slog.String("request_id", requestID), slog.String("tool", req.Params.Name))

	out, err := s.tools.CallTool(r.Context(), req.Params.Name, req.Params.Arguments)
	if err != nil {
		var mcpErr *mcp.MCPError
		if !errors.As(err, &mcpErr) {
			mcpErr = &mcp.MCPError{Kind: mcp.KindInternal, Message: err.Error()}
		}
		writeError(w, requestID, mcpErr)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"result": out})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.tools.ListTools()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

// handleStatus reports the background indexer's current stage, so a client
// that connects while an initial index is still running can poll progress
// instead of guessing from tool call latency.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.progress.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, requestID string, mcpErr *mcp.MCPError) {
	writeJSON(w, statusForKind(mcpErr.Kind), map[string]any{
		"error":      mcpErr,
		"request_id": requestID,
	})
}

// statusForKind maps a tool failure kind to the HTTP status a REST caller
// would expect, rather than collapsing every failure to 500.
func statusForKind(kind mcp.Kind) int {
	switch kind {
	case mcp.KindValidation:
		return http.StatusBadRequest
	case mcp.KindNotFound:
		return http.StatusNotFound
	case mcp.KindConflict:
		return http.StatusConflict
	case mcp.KindInsufficientData:
		return http.StatusUnprocessableEntity
	case mcp.KindTimeout:
		return http.StatusGatewayTimeout
	case mcp.KindStorage, mcp.KindEmbedding, mcp.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// requestID reads X-Request-ID if the caller set one, else generates a
// fresh one for correlating logs across this request's lifetime.
func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
