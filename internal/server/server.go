package server

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wwwzy/OpsCopilot/internal/chat"
	"github.com/wwwzy/OpsCopilot/internal/storage"
)

// Config 是 HTTP 服务的监听配置。
type Config struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Store 是 HTTP 接口读写的持久化能力，由 *storage.Storage 实现。
type Store interface {
	Ping(ctx context.Context) error

	CreateSession(ctx context.Context, title *string) (*storage.Session, error)
	GetSession(ctx context.Context, id string) (*storage.Session, error)
	ListSessions(ctx context.Context, limit int) ([]storage.Session, error)
	UpdateSessionTitle(ctx context.Context, id string, title *string) (*storage.Session, error)
	DeleteSession(ctx context.Context, id string) error

	ListMessages(ctx context.Context, sessionID string, limit int) ([]storage.Message, error)

	GetRun(ctx context.Context, id string) (*storage.AgentRun, error)
	ListRunsBySession(ctx context.Context, sessionID string) ([]storage.AgentRun, error)
	RunMetrics(ctx context.Context, runID string) (storage.RunMetrics, error)
	SessionMetrics(ctx context.Context, sessionID string) (storage.SessionMetrics, error)

	ListToolCallsByRun(ctx context.Context, runID string) ([]storage.ToolCall, error)
	ListToolCallsByRuns(ctx context.Context, runIDs []string) ([]storage.ToolCall, error)
	ListToolCallsBySession(ctx context.Context, sessionID string) ([]storage.ToolCall, error)
}

// ChatService 执行对话，由 *chat.Service 实现。
type ChatService interface {
	Run(ctx context.Context, sessionID, prompt string) (*chat.Result, error)
	RunStream(ctx context.Context, sessionID, prompt string) (iter.Seq[chat.Event], error)
}

type Server struct {
	echo   *echo.Echo
	store  Store
	chat   ChatService
	logger *slog.Logger
	cfg    Config
}

func New(cfg Config, store Store, chatSvc ChatService, logger *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, store: store, chat: chatSvc, logger: logger, cfg: cfg}
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"path", v.URIPath,
				"status", v.Status,
				"duration_ms", v.Latency.Milliseconds(),
			}
			if v.Error != nil {
				s.logger.Error("http request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.logger.Info("http request", attrs...)
			return nil
		},
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/health", s.health)
	e.GET("/ready", s.ready)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")

	sessions := api.Group("/sessions")
	sessions.POST("", s.createSession)
	sessions.GET("", s.listSessions)
	sessions.GET("/:id", s.getSession)
	sessions.PATCH("/:id", s.updateSession)
	sessions.DELETE("/:id", s.deleteSession)
	sessions.POST("/:id/chat", s.chatOnce)
	sessions.POST("/:id/chat/stream", s.chatStream)

	api.GET("/messages", s.listMessages)
	api.GET("/runs", s.listRuns)
	api.GET("/tool-calls", s.listToolCalls)
}

// Handler 返回路由，供测试与嵌入使用。
func (s *Server) Handler() http.Handler { return s.echo }

// Run 启动监听，ctx 结束后优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		errCh <- s.echo.Start(s.cfg.Addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// handleError 统一输出 {"error": "..."}。
func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()

	var he *echo.HTTPError
	var execErr *chat.ExecutionError
	switch {
	case errors.As(err, &he):
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	case errors.Is(err, chat.ErrSessionNotFound), errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound
	case errors.As(err, &execErr):
		code = http.StatusInternalServerError
	}

	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, map[string]any{"error": msg})
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "service": "api"})
}

func (s *Server) ready(c echo.Context) error {
	if err := s.store.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":       "not_ready",
			"service":      "api",
			"dependencies": map[string]any{"database": "error"},
			"error":        err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":       "ready",
		"service":      "api",
		"dependencies": map[string]any{"database": "ok"},
	})
}
