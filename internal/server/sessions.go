package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/wwwzy/OpsCopilot/internal/chat"
)

type sessionRequest struct {
	Title *string `json:"title"`
}

type chatRequest struct {
	Message string `json:"message"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func (s *Server) createSession(c echo.Context) error {
	var req sessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess, err := s.store.CreateSession(c.Request().Context(), req.Title)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) listSessions(c echo.Context) error {
	items, err := s.store.ListSessions(c.Request().Context(), 0)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newList(items))
}

func (s *Server) getSession(c echo.Context) error {
	sess, err := s.store.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) updateSession(c echo.Context) error {
	var req sessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess, err := s.store.UpdateSessionTitle(c.Request().Context(), c.Param("id"), req.Title)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) deleteSession(c echo.Context) error {
	if err := s.store.DeleteSession(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) bindChat(c echo.Context) (string, error) {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return "", echo.NewHTTPError(http.StatusUnprocessableEntity, "message required")
	}
	return req.Message, nil
}

// chatOnce 同步执行一次对话。澄清与 out_of_scope 等上报错误返回 200，致命错误返回 500。
func (s *Server) chatOnce(c echo.Context) error {
	prompt, err := s.bindChat(c)
	if err != nil {
		return err
	}
	res, err := s.chat.Run(c.Request().Context(), c.Param("id"), prompt)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// chatStream 以 SSE 输出对话事件。会话不存在时在写响应头之前返回 404。
func (s *Server) chatStream(c echo.Context) error {
	prompt, err := s.bindChat(c)
	if err != nil {
		return err
	}
	events, err := s.chat.RunStream(c.Request().Context(), c.Param("id"), prompt)
	if err != nil {
		return err
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)

	for ev := range events {
		if err := chat.WriteSSE(resp, ev); err != nil {
			// 客户端断开，停止迭代即取消运行。
			s.logger.Debug("write sse event failed", "event", ev.Type, "error", err)
			return nil
		}
		resp.Flush()
	}
	return nil
}

// newList 保证空结果编码为 []。
func newList[T any](in []T) listResponse[T] {
	if in == nil {
		in = []T{}
	}
	return listResponse[T]{Items: in}
}
