package toolservice

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wwwzy/OpsCopilot/internal/agent"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"
)

const (
	mcpProtocolVersion = "2025-03-26"
	headerSessionID    = "Mcp-Session-Id"
	retryBackoff       = 200 * time.Millisecond
)

// RPCError 是服务端返回的 JSON-RPC 错误，不会重试。
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// StatusError 是非 2xx 的 HTTP 响应，5xx 与 429 视为可重试。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type MCPConfig struct {
	BaseURL       string
	Timeout       time.Duration
	MaxRetries    int
	RatePerSecond float64
	Burst         int
	Headers       map[string]string
}

// MCPClient 通过 streamable HTTP 调用 MCP 工具服务器。
//
// 每次操作都新建一个会话：initialize，notifications/initialized，然后发出实际请求。
// 连接失败、5xx 与 429 按 0.2s × attempt 退避重试，最多 MaxRetries 次。
type MCPClient struct {
	cfg     MCPConfig
	client  *http.Client
	limiter *rate.Limiter
	sleep   func(context.Context, time.Duration) error
}

func NewMCPClient(cfg MCPConfig) *MCPClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &MCPClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		sleep:   sleepContext,
	}
}

func (c *MCPClient) ListTools(ctx context.Context) ([]agent.Tool, error) {
	var result struct {
		Tools []struct {
			Name         string         `json:"name"`
			Description  string         `json:"description"`
			InputSchema  map[string]any `json:"inputSchema"`
			OutputSchema map[string]any `json:"outputSchema"`
		} `json:"tools"`
	}
	raw, err := c.do(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}

	tools := make([]agent.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, agent.Tool{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
		})
	}
	agent.LoggerFrom(ctx).Debug("mcp list_tools", "count", len(tools))
	return tools, nil
}

func (c *MCPClient) CallTool(ctx context.Context, name string, args map[string]any) (agent.ToolResponse, error) {
	if args == nil {
		args = map[string]any{}
	}
	start := time.Now()
	raw, err := c.do(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return agent.ToolResponse{}, err
	}
	resp, err := decodeCallResult(raw)
	if err != nil {
		return agent.ToolResponse{}, err
	}
	if resp.LatencyMs == 0 {
		resp.LatencyMs = time.Since(start).Milliseconds()
	}
	agent.LoggerFrom(ctx).Debug("mcp call_tool", "tool", name, "status", resp.Status, "latency_ms", resp.LatencyMs)
	return resp, nil
}

// decodeCallResult 优先使用 structuredContent，没有时退回 content 里的文本。
func decodeCallResult(raw json.RawMessage) (agent.ToolResponse, error) {
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StructuredContent json.RawMessage `json:"structuredContent"`
		IsError           bool            `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return agent.ToolResponse{}, fmt.Errorf("decode tools/call result: %w", err)
	}

	if len(result.StructuredContent) > 0 && string(result.StructuredContent) != "null" {
		var structured agent.ToolResponse
		if err := json.Unmarshal(result.StructuredContent, &structured); err == nil && structured.Status != "" {
			return structured, nil
		}
		var payload any
		if err := json.Unmarshal(result.StructuredContent, &payload); err != nil {
			return agent.ToolResponse{}, fmt.Errorf("decode structuredContent: %w", err)
		}
		return agent.ToolResponse{Status: statusFor(result.IsError), Result: payload}, nil
	}

	texts := make([]string, 0, len(result.Content))
	for _, item := range result.Content {
		if item.Type == "text" {
			texts = append(texts, item.Text)
		}
	}
	text := strings.Join(texts, "\n")
	resp := agent.ToolResponse{Status: statusFor(result.IsError)}
	if result.IsError {
		resp.Error = &agent.ToolError{Message: text}
		return resp, nil
	}
	var payload any
	if err := json.Unmarshal([]byte(text), &payload); err == nil {
		resp.Result = payload
	} else {
		resp.Result = text
	}
	return resp, nil
}

func statusFor(isError bool) string {
	if isError {
		return "error"
	}
	return "success"
}

// do 建立会话并执行一次请求，按需重试。
func (c *MCPClient) do(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	logger := agent.LoggerFrom(ctx)
	for attempt := 1; ; attempt++ {
		result, err := c.session(ctx, method, params)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil || !retryable(err) || attempt > c.cfg.MaxRetries {
			return nil, fmt.Errorf("mcp %s: %w", method, err)
		}
		logger.Warn("mcp request failed, retrying", "method", method, "attempt", attempt, "error", err)
		if err := c.sleep(ctx, retryBackoff*time.Duration(attempt)); err != nil {
			return nil, err
		}
	}
}

func (c *MCPClient) session(ctx context.Context, method string, params any) (json.RawMessage, error) {
	_, sessionID, err := c.post(ctx, "", rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  "initialize",
		Params: map[string]any{
			"protocolVersion": mcpProtocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "opscopilot", "version": "0.1.0"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if _, _, err := c.post(ctx, sessionID, rpcRequest{JSONRPC: "2.0", Method: "notifications/initialized"}); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}
	result, _, err := c.post(ctx, sessionID, rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	})
	return result, err
}

// post 发送一条 JSON-RPC 消息。通知没有 ID，服务端返回 202 且无响应体。
func (c *MCPClient) post(ctx context.Context, sessionID string, msg rpcRequest) (json.RawMessage, string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(headerSessionID, sessionID)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	newSession := resp.Header.Get(headerSessionID)
	if newSession == "" {
		newSession = sessionID
	}
	if msg.ID == "" {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, newSession, nil
	}

	var rpcResp *rpcResponse
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		rpcResp, err = readSSEResponse(resp.Body, msg.ID)
	} else {
		rpcResp = &rpcResponse{}
		err = json.NewDecoder(resp.Body).Decode(rpcResp)
	}
	if err != nil {
		return nil, "", fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, "", rpcResp.Error
	}
	return rpcResp.Result, newSession, nil
}

var errNoSSEResponse = errors.New("event stream ended without a response")

// readSSEResponse 读取事件流，返回与 id 匹配的 JSON-RPC 响应，跳过通知。
func readSSEResponse(r io.Reader, id string) (*rpcResponse, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var data strings.Builder
	flush := func() (*rpcResponse, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var msg rpcResponse
		if err := json.Unmarshal([]byte(data.String()), &msg); err != nil {
			return nil, false
		}
		if msg.Method != "" || fmt.Sprint(msg.ID) != id {
			return nil, false
		}
		return &msg, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if msg, ok := flush(); ok {
				return msg, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if msg, ok := flush(); ok {
		return msg, nil
	}
	return nil, errNoSSEResponse
}

func retryable(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
