package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/wwwzy/OpsCopilot/internal/chat"
	"github.com/wwwzy/OpsCopilot/internal/storage"
)

type runResponse struct {
	storage.AgentRun
	Metrics storage.RunMetrics `json:"metrics"`
}

type runListResponse struct {
	Items          []runResponse          `json:"items"`
	SessionMetrics storage.SessionMetrics `json:"session_metrics"`
}

// toolCallResponse 在记录上附带日志文本，日志类工具以外为 null。
type toolCallResponse struct {
	storage.ToolCall
	LogText *string `json:"log_text"`
}

func requireQuery(c echo.Context, name string) (string, error) {
	v := strings.TrimSpace(c.QueryParam(name))
	if v == "" {
		return "", echo.NewHTTPError(http.StatusUnprocessableEntity, name+" is required")
	}
	return v, nil
}

func (s *Server) listMessages(c echo.Context) error {
	sessionID, err := requireQuery(c, "session_id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return err
	}
	items, err := s.store.ListMessages(ctx, sessionID, 0)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newList(items))
}

func (s *Server) listRuns(c echo.Context) error {
	sessionID, err := requireQuery(c, "session_id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	sessionMetrics, err := s.store.SessionMetrics(ctx, sessionID)
	if err != nil {
		return err
	}
	runs, err := s.store.ListRunsBySession(ctx, sessionID)
	if err != nil {
		return err
	}

	out := runListResponse{Items: make([]runResponse, 0, len(runs)), SessionMetrics: sessionMetrics}
	for _, run := range runs {
		m, err := s.store.RunMetrics(ctx, run.ID)
		if err != nil {
			return err
		}
		out.Items = append(out.Items, runResponse{AgentRun: run, Metrics: m})
	}
	return c.JSON(http.StatusOK, out)
}

// listToolCalls 按 run_id、run_ids（逗号分隔）或 session_id 查询，优先级依次降低。
func (s *Server) listToolCalls(c echo.Context) error {
	ctx := c.Request().Context()
	runID := strings.TrimSpace(c.QueryParam("run_id"))
	sessionID := strings.TrimSpace(c.QueryParam("session_id"))
	var runIDs []string
	for _, v := range strings.Split(c.QueryParam("run_ids"), ",") {
		if v = strings.TrimSpace(v); v != "" {
			runIDs = append(runIDs, v)
		}
	}

	var (
		calls []storage.ToolCall
		err   error
	)
	switch {
	case runID != "":
		if _, err := s.store.GetRun(ctx, runID); err != nil {
			return err
		}
		calls, err = s.store.ListToolCallsByRun(ctx, runID)
	case len(runIDs) > 0:
		calls, err = s.store.ListToolCallsByRuns(ctx, runIDs)
	case sessionID != "":
		if _, err := s.store.GetSession(ctx, sessionID); err != nil {
			return err
		}
		calls, err = s.store.ListToolCallsBySession(ctx, sessionID)
	default:
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "run_id, run_ids, or session_id is required")
	}
	if err != nil {
		return err
	}

	items := make([]toolCallResponse, 0, len(calls))
	for _, call := range calls {
		item := toolCallResponse{ToolCall: call}
		if text, ok := chat.LogText(call.ToolName, call.Result); ok {
			item.LogText = &text
		}
		items = append(items, item)
	}
	return c.JSON(http.StatusOK, listResponse[toolCallResponse]{Items: items})
}
