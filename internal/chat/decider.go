package chat

import (
	"strings"
	"sync"

	"github.com/wwwzy/OpsCopilot/internal/agent"
)

// 只有这两类增量会转发给客户端，scope 等结构化调用的增量被丢弃。
var userDeltaSources = map[string]bool{
	agent.DeltaSourceAnswer:            true,
	agent.DeltaSourceClarifierQuestion: true,
}

// lifecycle 保证每个节点的 *.started 在它的 completed 或增量之前发出，且只发一次。
type lifecycle struct {
	mu      sync.Mutex
	ev      eventFactory
	started map[string]bool
}

func newLifecycle(ev eventFactory) *lifecycle {
	return &lifecycle{ev: ev, started: map[string]bool{}}
}

func (l *lifecycle) ensureStarted(out []Event, startedType string) []Event {
	if l.started[startedType] {
		return out
	}
	l.started[startedType] = true
	return append(out, l.ev.make(startedType, nil))
}

// deltaEvents 把一次 LLM 增量映射为客户端事件。
func (l *lifecycle) deltaEvents(source, text string) []Event {
	if !userDeltaSources[source] {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	switch source {
	case agent.DeltaSourceAnswer:
		out = l.ensureStarted(out, EventAnswerStarted)
	case agent.DeltaSourceClarifierQuestion:
		out = l.ensureStarted(out, EventClarifierStarted)
	}
	return append(out, l.ev.delta(text, source))
}

// runtimeEvents 把节点事件映射为客户端事件；未列出的事件类型不转发。
func (l *lifecycle) runtimeEvents(e *agent.Event) []Event {
	if e == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	switch e.EventType {
	case EventScopeCompleted, EventScopeRejected:
		out = l.ensureStarted(out, EventScopeStarted)
		out = append(out, l.ev.make(e.EventType, nil))
	case EventPlannerCompleted:
		out = l.ensureStarted(out, EventPlannerStarted)
		out = append(out, l.ev.make(e.EventType, nil))
	case EventClarifierDone:
		out = l.ensureStarted(out, EventClarifierStarted)
		out = append(out, l.ev.make(e.EventType, nil))
	case EventClarifyRequired:
		out = l.ensureStarted(out, EventClarifierStarted)
		out = append(out, l.ev.make(e.EventType, e.Payload))
	}
	return out
}

func (l *lifecycle) answerCompleted(message string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := l.ensureStarted(nil, EventAnswerStarted)
	return append(out, l.ev.make(EventAnswerCompleted, map[string]any{"message": message}))
}

type terminalKind int

const (
	terminalAnswer terminalKind = iota + 1
	terminalClarification
	terminalError
)

// terminal 描述一次运行的结局，由 worker 产生，由消费端落库并转换为最终事件。
type terminal struct {
	kind        terminalKind
	message     string
	failureType string
	context     map[string]any
}

// terminalFromState 判断快照是否已到达终态。
func terminalFromState(state agent.AgentState) *terminal {
	if state.Error != nil {
		msg := state.Error.Message
		if msg == "" {
			msg = "request failed"
		}
		if state.Error.Type == agent.ErrorClarificationRequired {
			return &terminal{kind: terminalClarification, message: msg}
		}
		failure := state.Error.Type
		if failure == "" {
			failure = agent.ErrorRuntime
		}
		return &terminal{
			kind:        terminalError,
			message:     msg,
			failureType: failure,
			context:     map[string]any{"type": failure, "message": msg},
		}
	}
	if state.Answer != "" {
		return &terminal{kind: terminalAnswer, message: state.Answer}
	}
	return nil
}

func runtimeFailure(message string) *terminal {
	if message == "" {
		message = "agent runtime failed"
	}
	return &terminal{
		kind:        terminalError,
		message:     message,
		failureType: agent.ErrorRuntime,
		context:     map[string]any{"type": agent.ErrorRuntime, "message": message},
	}
}

// metadata 返回助手消息的元数据（不含 run_id）。
func (t *terminal) metadata() map[string]any {
	switch t.kind {
	case terminalClarification:
		return map[string]any{"clarification_required": true}
	case terminalError:
		return map[string]any{"error": t.context}
	}
	return map[string]any{}
}

// events 生成终态事件；tokenEmitted 表示客户端已经收到过增量文本。
func (t *terminal) events(ev eventFactory, tokenEmitted bool) []Event {
	var out []Event
	switch t.kind {
	case terminalClarification:
		if !tokenEmitted {
			for _, chunk := range chunkText(t.message, clarifyChunkLen) {
				out = append(out, ev.delta(chunk, "clarifier"))
			}
		}
		return append(out, ev.runCompleted(agent.ErrorClarificationRequired))
	case terminalAnswer:
		if !tokenEmitted {
			out = append(out, ev.delta(t.message, agent.DeltaSourceAnswer))
		}
		return append(out, ev.runCompleted("completed"))
	}
	return []Event{
		ev.errorEvent(t.failureType, t.message, t.context),
		ev.runFailed(t.message, t.failureType),
	}
}

const clarifyChunkLen = 40

// chunkText 按空格切分文本，每段不超过 maxLen 个字符（单个超长单词除外），
// 除最后一段外每段保留一个结尾空格。
func chunkText(text string, maxLen int) []string {
	var chunks []string
	current := ""
	for _, word := range strings.Split(text, " ") {
		candidate := word
		if current != "" {
			candidate = current + " " + word
		}
		if len([]rune(candidate)) <= maxLen {
			current = candidate
			continue
		}
		if current != "" {
			chunks = append(chunks, current+" ")
		}
		current = word
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}
