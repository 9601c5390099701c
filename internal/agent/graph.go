package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wwwzy/OpsCopilot/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	NodeScopeCheck   = "scope_check"
	NodePlanner      = "planner"
	NodeClarifier    = "clarifier"
	NodeToolExecutor = "tool_executor"
	NodeAnswer       = "answer"
	NodeCritic       = "critic"

	// END 表示没有后续节点。
	END = "__end__"
)

// Node 是图中的一个处理步骤。
type Node interface {
	Run(ctx context.Context, state AgentState) (AgentState, error)
}

// NodeFunc 让普通函数满足 Node。
type NodeFunc func(ctx context.Context, state AgentState) (AgentState, error)

func (f NodeFunc) Run(ctx context.Context, state AgentState) (AgentState, error) {
	return f(ctx, state)
}

// GraphConfig 声明图中的节点，ScopeCheck、Clarifier、Answer、Critic 可以为空。
type GraphConfig struct {
	Registry *ToolRegistry

	ScopeCheck   Node
	Planner      Node
	Clarifier    Node
	ToolExecutor Node
	Answer       Node
	Critic       Node
}

type namedNode struct {
	name string
	node Node
}

// Graph 是固定拓扑的线性节点链：
// scope_check → planner → [clarifier →] tool_executor → [answer →] [critic →] END。
// 分支只体现在节点是否写入 Error：一旦写入，后续节点全部跳过。
type Graph struct {
	registry *ToolRegistry
	nodes    []namedNode
	index    map[string]int
}

// BuildGraph 构建 Agent 的处理流程图
func BuildGraph(cfg GraphConfig) (*Graph, error) {
	if cfg.Planner == nil {
		return nil, errors.New("planner node is required")
	}
	if cfg.ToolExecutor == nil {
		return nil, errors.New("tool executor node is required")
	}

	g := &Graph{registry: cfg.Registry, index: map[string]int{}}
	add := func(name string, n Node) {
		if n == nil {
			return
		}
		g.index[name] = len(g.nodes)
		g.nodes = append(g.nodes, namedNode{name: name, node: n})
	}
	add(NodeScopeCheck, cfg.ScopeCheck)
	add(NodePlanner, cfg.Planner)
	add(NodeClarifier, cfg.Clarifier)
	add(NodeToolExecutor, cfg.ToolExecutor)
	add(NodeAnswer, cfg.Answer)
	add(NodeCritic, cfg.Critic)
	return g, nil
}

// Entry 返回入口节点：有 scope_check 时从它开始，否则从 planner 开始。
func (g *Graph) Entry() string {
	return g.nodes[0].name
}

// Nodes 返回按执行顺序排列的节点名。
func (g *Graph) Nodes() []string {
	out := make([]string, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n.name)
	}
	return out
}

// Next 根据当前节点与状态计算下一个节点。
func (g *Graph) Next(current string, state AgentState) string {
	if state.HasError() {
		return END
	}
	i, ok := g.index[current]
	if !ok || i+1 >= len(g.nodes) {
		return END
	}
	return g.nodes[i+1].name
}

// Invoke 执行单个节点。执行前若状态中还没有工具快照，会先从注册表填充。
func (g *Graph) Invoke(ctx context.Context, name string, state AgentState) (AgentState, error) {
	i, ok := g.index[name]
	if !ok {
		return state, fmt.Errorf("unknown node %q", name)
	}

	ctx, span := otel.Tracer("opscopilot/agent").Start(ctx, "agent.node")
	defer span.End()
	span.SetAttributes(attribute.String("agent_node", name))

	start := time.Now()
	next, err := g.withTools(ctx, state)
	if err == nil {
		next, err = g.nodes[i].node.Run(ctx, next)
	}
	observability.ObserveNode(name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return state, err
	}
	return next, nil
}

func (g *Graph) withTools(ctx context.Context, state AgentState) (AgentState, error) {
	if state.Tools != nil || g.registry == nil {
		return state, nil
	}
	tools, err := g.registry.ListTools(ctx)
	if err != nil {
		return state, err
	}
	return state.WithTools(tools), nil
}
