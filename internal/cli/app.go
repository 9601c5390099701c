package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wwwzy/OpsCopilot/internal/agent"
	"github.com/wwwzy/OpsCopilot/internal/chat"
	"github.com/wwwzy/OpsCopilot/internal/config"
	"github.com/wwwzy/OpsCopilot/internal/llm"
	"github.com/wwwzy/OpsCopilot/internal/rag"
	"github.com/wwwzy/OpsCopilot/internal/storage"
	"github.com/wwwzy/OpsCopilot/internal/toolservice"
)

// app 持有一次进程内共享的依赖：存储、工具服务、知识库索引与对话服务。
type app struct {
	store   *storage.Storage
	tools   agent.ToolService
	index   *rag.Index
	runtime *agent.Runtime
	chat    *chat.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	if err := cfg.ValidateLLM(); err != nil {
		return nil, err
	}

	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.store, err = openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}

	a.tools, err = toolservice.New(cfg.Tools)
	if err != nil {
		return nil, fmt.Errorf("创建工具服务失败: %w", err)
	}

	gw, err := llm.NewGatewayFromConfig(ctx, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("创建模型网关失败: %w", err)
	}

	var retriever agent.Retriever
	if cfg.RAG.Enabled {
		a.index, err = rag.OpenIndex(cfg.RAG.IndexPath)
		if err != nil {
			return nil, fmt.Errorf("打开知识库索引失败: %w", err)
		}
		retriever = rag.NewRetriever(a.index, cfg.RAG.TopK)
	}

	graph, err := buildGraph(cfg.Agent, a.tools, gw, retriever)
	if err != nil {
		return nil, fmt.Errorf("构建 Agent Graph 失败: %w", err)
	}
	a.runtime, err = agent.NewRuntime(graph, cfg.Agent.ExecutionLimits, logger)
	if err != nil {
		return nil, err
	}

	store := a.store
	a.chat = chat.NewService(store, a.runtime,
		chat.WithLogger(logger),
		chat.WithRecorderFactory(func(sessionID, runID string) agent.Recorder {
			return storage.NewRunRecorder(store, sessionID, runID)
		}),
	)
	return a, nil
}

func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Storage, error) {
	sc := cfg.Storage
	sc.Logger = storage.NewGormLogger(logger, sc.SlowThreshold)
	return storage.Open(ctx, sc)
}

// buildGraph 按开关装配节点；planner 与 tool_executor 总是存在。
func buildGraph(cfg config.AgentConfig, tools agent.ToolService, gw *llm.Gateway, retriever agent.Retriever) (*agent.Graph, error) {
	gc := agent.GraphConfig{
		Registry:     agent.NewToolRegistry(tools),
		Planner:      &agent.PlannerNode{Generator: llm.NewPlanner(gw), Retriever: retriever},
		ToolExecutor: &agent.ToolExecutorNode{Service: tools},
	}
	if cfg.EnableScopeCheck {
		gc.ScopeCheck = &agent.ScopeCheckNode{Classifier: llm.NewScopeClassifier(gw), Retriever: retriever}
	}
	if cfg.EnableClarifier {
		gc.Clarifier = &agent.ClarifierNode{Clarifier: llm.NewClarifier(gw)}
	}
	if cfg.EnableAnswer {
		gc.Answer = &agent.AnswerNode{Synthesizer: llm.NewAnswerSynthesizer(gw)}
	}
	if cfg.EnableCritic {
		gc.Critic = &agent.CriticNode{}
	}
	return agent.BuildGraph(gc)
}

func (a *app) Close() error {
	var errs []error
	if a.index != nil {
		errs = append(errs, a.index.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
