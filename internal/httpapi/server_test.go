package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emmilco/clams-sub000/internal/mcp"
)

// stubTools is a minimal ToolCaller for exercising the HTTP handlers
// without a real internal/mcp.Server.
type stubTools struct {
	calls map[string]func(json.RawMessage) (any, error)
	tools []mcp.ToolInfo
}

func (s *stubTools) CallTool(_ context.Context, name string, arguments json.RawMessage) (any, error) {
	fn, ok := s.calls[name]
	if !ok {
		return nil, &mcp.MCPError{Kind: mcp.KindNotFound, Message: "unknown tool " + name}
	}
	return fn(arguments)
}

func (s *stubTools) ListTools() []mcp.ToolInfo {
	return s.tools
}

func testServer() *Server {
	tools := &stubTools{
		calls: map[string]func(json.RawMessage) (any, error){
			"store_memory": func(json.RawMessage) (any, error) {
				return map[string]any{"id": "mem-1"}, nil
			},
			"boom": func(json.RawMessage) (any, error) {
				return nil, &mcp.MCPError{Kind: mcp.KindValidation, Message: "bad input"}
			},
		},
		tools: []mcp.ToolInfo{{Name: "store_memory", Description: "store a memory"}},
	}
	return NewServer(tools, Config{Addr: "127.0.0.1:0"})
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	s := testServer()
	rec := doRequest(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestHandleCall_Success(t *testing.T) {
	s := testServer()
	rec := doRequest(s, http.MethodPost, "/api/call", `{"method":"tools/call","params":{"name":"store_memory","arguments":{"content":"x"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "mem-1", result["id"])
}

func TestHandleCall_MissingName(t *testing.T) {
	s := testServer()
	rec := doRequest(s, http.MethodPost, "/api/call", `{"method":"tools/call","params":{}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCall_UnknownMethod(t *testing.T) {
	s := testServer()
	rec := doRequest(s, http.MethodPost, "/api/call", `{"method":"tools/list","params":{"name":"store_memory"}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCall_ToolErrorMapsToStatus(t *testing.T) {
	s := testServer()
	rec := doRequest(s, http.MethodPost, "/api/call", `{"method":"tools/call","params":{"name":"boom"}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	errBody, ok := body["error"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "validation_error", errBody["kind"])
	require.NotEmpty(t, body["request_id"])
}

func TestHandleCall_RejectsGet(t *testing.T) {
	s := testServer()
	rec := doRequest(s, http.MethodGet, "/api/call", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleListTools(t *testing.T) {
	s := testServer()
	rec := doRequest(s, http.MethodGet, "/api/tools", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	toolList, ok := body["tools"].([]any)
	require.True(t, ok)
	require.Len(t, toolList, 1)
}

func TestHandleMetrics_ExposesPrometheusFormat(t *testing.T) {
	s := testServer()
	rec := doRequest(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
