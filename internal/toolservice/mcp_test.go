package toolservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMCPServer 是一个最小的 streamable HTTP MCP 服务端。
type fakeMCPServer struct {
	t        *testing.T
	useSSE   bool
	failNext atomic.Int32
	requests atomic.Int32

	mu      sync.Mutex
	methods []string
	calls   []map[string]any
	headers []http.Header
	result  any
	rpcErr  *RPCError
}

func (s *fakeMCPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	if s.failNext.Load() > 0 {
		s.failNext.Add(-1)
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
		return
	}

	var msg struct {
		ID     string         `json:"id"`
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}
	require.NoError(s.t, json.NewDecoder(r.Body).Decode(&msg))

	s.mu.Lock()
	s.methods = append(s.methods, msg.Method)
	s.headers = append(s.headers, r.Header.Clone())
	s.mu.Unlock()

	if msg.ID == "" {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if msg.Method == "initialize" {
		w.Header().Set(headerSessionID, "session-1")
		s.write(w, msg.ID, map[string]any{"protocolVersion": mcpProtocolVersion}, nil)
		return
	}
	assert.Equal(s.t, "session-1", r.Header.Get(headerSessionID))

	switch msg.Method {
	case "tools/list":
		s.write(w, msg.ID, map[string]any{"tools": []any{
			map[string]any{
				"name":        "k8s.list_pods",
				"description": "List pods",
				"inputSchema": map[string]any{"type": "object", "required": []any{"namespace"}},
			},
		}}, nil)
	case "tools/call":
		s.mu.Lock()
		s.calls = append(s.calls, msg.Params)
		s.mu.Unlock()
		s.write(w, msg.ID, s.result, s.rpcErr)
	default:
		s.write(w, msg.ID, nil, &RPCError{Code: -32601, Message: "method not found"})
	}
}

func (s *fakeMCPServer) write(w http.ResponseWriter, id string, result any, rpcErr *RPCError) {
	resp := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	raw, _ := json.Marshal(resp)
	if s.useSSE {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", raw)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

func newTestMCP(t *testing.T, srv *fakeMCPServer, retries int) *MCPClient {
	t.Helper()
	srv.t = t
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	c := NewMCPClient(MCPConfig{BaseURL: ts.URL + "/mcp/", Timeout: time.Second, MaxRetries: retries})
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestMCPClient_ListTools(t *testing.T) {
	srv := &fakeMCPServer{}
	c := newTestMCP(t, srv, 2)

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "k8s.list_pods", tools[0].Name)
	assert.Equal(t, []any{"namespace"}, tools[0].InputSchema["required"])
	assert.Equal(t, []string{"initialize", "notifications/initialized", "tools/list"}, srv.methods)
}

func TestMCPClient_CallToolStructuredOverSSE(t *testing.T) {
	srv := &fakeMCPServer{useSSE: true, result: map[string]any{
		"content": []any{map[string]any{"type": "text", "text": "ignored"}},
		"structuredContent": map[string]any{
			"status":     "success",
			"latency_ms": 12,
			"result":     map[string]any{"pods": []any{"web-1"}},
			"truncated":  false,
		},
	}}
	c := newTestMCP(t, srv, 2)

	resp, err := c.CallTool(context.Background(), "k8s.list_pods", map[string]any{"namespace": "default"})
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, int64(12), resp.LatencyMs)
	assert.Equal(t, map[string]any{"pods": []any{"web-1"}}, resp.Result)

	require.Len(t, srv.calls, 1)
	assert.Equal(t, "k8s.list_pods", srv.calls[0]["name"])
	assert.Equal(t, map[string]any{"namespace": "default"}, srv.calls[0]["arguments"])
}

func TestMCPClient_CallToolTextContent(t *testing.T) {
	srv := &fakeMCPServer{result: map[string]any{
		"content": []any{map[string]any{"type": "text", "text": "namespace not allowed"}},
		"isError": true,
	}}
	c := newTestMCP(t, srv, 0)

	resp, err := c.CallTool(context.Background(), "k8s.list_pods", nil)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "namespace not allowed", resp.Error.Message)
}

func TestMCPClient_RetriesTransientFailures(t *testing.T) {
	srv := &fakeMCPServer{result: map[string]any{"structuredContent": map[string]any{"status": "success"}}}
	srv.failNext.Store(2)
	c := newTestMCP(t, srv, 2)

	resp, err := c.CallTool(context.Background(), "k8s.list_pods", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, int32(5), srv.requests.Load())
}

func TestMCPClient_GivesUpAfterMaxRetries(t *testing.T) {
	srv := &fakeMCPServer{}
	srv.failNext.Store(10)
	c := newTestMCP(t, srv, 2)

	_, err := c.ListTools(context.Background())
	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, int32(3), srv.requests.Load())
}

func TestMCPClient_RPCErrorIsNotRetried(t *testing.T) {
	srv := &fakeMCPServer{rpcErr: &RPCError{Code: -32602, Message: "unknown tool"}}
	c := newTestMCP(t, srv, 2)

	_, err := c.CallTool(context.Background(), "nope", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mcp error -32602: unknown tool")
	assert.Len(t, srv.calls, 1)
}

func TestDecodeCallResult_JSONText(t *testing.T) {
	resp, err := decodeCallResult(json.RawMessage(`{"content":[{"type":"text","text":"{\"count\":2}"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, map[string]any{"count": float64(2)}, resp.Result)

	resp, err = decodeCallResult(json.RawMessage(`{"structuredContent":{"items":[1]}}`))
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, map[string]any{"items": []any{float64(1)}}, resp.Result)
}

func TestReadSSEResponse_MultilineData(t *testing.T) {
	stream := "data: {\"jsonrpc\":\"2.0\",\n" +
		"data: \"id\":\"abc\",\"result\":{}}\n\n"
	msg, err := readSSEResponse(strings.NewReader(stream), "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", msg.ID)

	_, err = readSSEResponse(strings.NewReader("data: {\"jsonrpc\":\"2.0\",\"id\":\"other\",\"result\":{}}\n\n"), "abc")
	assert.ErrorIs(t, err, errNoSSEResponse)
}
