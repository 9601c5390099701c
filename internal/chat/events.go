package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// 面向客户端的事件类型。
const (
	EventRunStarted       = "agent_run.started"
	EventRunCompleted     = "agent_run.completed"
	EventRunFailed        = "agent_run.failed"
	EventTokenDelta       = "assistant.token.delta"
	EventToolLogs         = "tool.logs.available"
	EventError            = "error"
	EventScopeStarted     = "scope_check.started"
	EventScopeCompleted   = "scope_check.completed"
	EventScopeRejected    = "scope_check.rejected"
	EventPlannerStarted   = "planner.started"
	EventPlannerCompleted = "planner.completed"
	EventClarifierStarted = "clarifier.started"
	EventClarifierDone    = "clarifier.completed"
	EventClarifyRequired  = "clarifier.clarification_required"
	EventAnswerStarted    = "answer.started"
	EventAnswerCompleted  = "answer.completed"

	// 运行时内部事件，只用于触发 tool.logs.available。
	eventToolExecutorCompleted = "tool_executor.completed"
)

// Event 是流式接口上的一条事件。
type Event struct {
	Type       string         `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	SessionID  string         `json:"session_id"`
	AgentRunID string         `json:"agent_run_id"`
	Payload    map[string]any `json:"payload"`
}

type eventFactory struct {
	sessionID string
	runID     string
	now       func() time.Time
}

func (f eventFactory) make(eventType string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		Type:       eventType,
		Timestamp:  f.now(),
		SessionID:  f.sessionID,
		AgentRunID: f.runID,
		Payload:    payload,
	}
}

func (f eventFactory) runStarted() Event {
	return f.make(EventRunStarted, map[string]any{"agent_run_id": f.runID})
}

func (f eventFactory) runCompleted(summary string) Event {
	return f.make(EventRunCompleted, map[string]any{"summary": summary})
}

func (f eventFactory) runFailed(reason, failureType string) Event {
	return f.make(EventRunFailed, map[string]any{"reason": reason, "failure_type": failureType})
}

func (f eventFactory) delta(text, source string) Event {
	return f.make(EventTokenDelta, map[string]any{"text": text, "source": source})
}

func (f eventFactory) errorEvent(errType, message string, context map[string]any) Event {
	if context == nil {
		context = map[string]any{}
	}
	return f.make(EventError, map[string]any{
		"error_type": errType,
		"message":    message,
		"context":    context,
	})
}

// WriteSSE 以 SSE 帧格式写出事件：event 行为事件类型，data 行为整条事件的 JSON。
func WriteSSE(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
