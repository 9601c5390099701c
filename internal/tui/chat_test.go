package tui

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/OpsCopilot/internal/chat"
	"github.com/wwwzy/OpsCopilot/internal/ui"
)

type fakeBackend struct {
	events []chat.Event
	err    error
	block  bool
}

func (b *fakeBackend) RunStream(ctx context.Context, _ string, _ string) (iter.Seq[chat.Event], error) {
	if b.err != nil {
		return nil, b.err
	}
	return func(yield func(chat.Event) bool) {
		for _, ev := range b.events {
			if !yield(ev) {
				return
			}
		}
		if b.block {
			<-ctx.Done()
		}
	}, nil
}

func ev(eventType string, payload map[string]any) chat.Event {
	return chat.Event{Type: eventType, SessionID: "s", AgentRunID: "r", Payload: payload}
}

// drain 依次执行事件命令，直到运行结束。
func drain(t *testing.T, m chatModel) chatModel {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for m.thinking {
		cmd := waitForEvent(m.events)
		require.NotNil(t, cmd)
		done := make(chan tea.Msg, 1)
		go func() { done <- cmd() }()
		select {
		case msg := <-done:
			next, _ := m.Update(msg)
			m = next.(chatModel)
		case <-deadline:
			t.Fatal("stream did not finish")
		}
	}
	return m
}

func send(m chatModel, text string) chatModel {
	m.input.SetValue(text)
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return next.(chatModel)
}

func TestChatModel_StreamsAnswer(t *testing.T) {
	backend := &fakeBackend{events: []chat.Event{
		ev(chat.EventRunStarted, nil),
		ev(chat.EventPlannerStarted, nil),
		ev(chat.EventToolLogs, map[string]any{"items": []map[string]any{
			{"tool_name": "k8s.get_pod_logs", "text": "OOMKilled", "truncated": true},
		}}),
		ev(chat.EventAnswerStarted, nil),
		ev(chat.EventTokenDelta, map[string]any{"text": "memory ", "source": "answer"}),
		ev(chat.EventTokenDelta, map[string]any{"text": "limit hit", "source": "answer"}),
		ev(chat.EventAnswerCompleted, nil),
		ev(chat.EventRunCompleted, nil),
	}}
	m := newChatModel(context.Background(), backend, "s", ui.ChatOptions{ShowProgress: true, ShowToolLogs: true})

	m = send(m, "why did api restart?")
	require.True(t, m.thinking)
	m = drain(t, m)

	require.Len(t, m.entries, 3)
	assert.Equal(t, entry{role: roleUser, content: "why did api restart?"}, m.entries[0])
	assert.Equal(t, entry{role: roleTool, title: "k8s.get_pod_logs（已截断）", content: "OOMKilled"}, m.entries[1])
	assert.Equal(t, entry{role: roleAssistant, content: "memory limit hit"}, m.entries[2])
	assert.Equal(t, -1, m.answerIdx)
	assert.Empty(t, m.status)
	assert.NotEmpty(t, m.View())
}

func TestChatModel_FailedRun(t *testing.T) {
	backend := &fakeBackend{events: []chat.Event{
		ev(chat.EventRunStarted, nil),
		ev(chat.EventError, map[string]any{"error_type": "out_of_scope", "message": "只支持运维相关问题"}),
		ev(chat.EventRunFailed, map[string]any{"reason": "只支持运维相关问题"}),
	}}
	m := newChatModel(context.Background(), backend, "s", ui.ChatOptions{})

	m = drain(t, send(m, "write a poem"))
	require.Len(t, m.entries, 2)
	assert.Equal(t, "只支持运维相关问题", m.entries[1].content)
}

func TestChatModel_BackendError(t *testing.T) {
	m := newChatModel(context.Background(), &fakeBackend{err: errors.New("session not found")}, "s", ui.ChatOptions{})

	m = drain(t, send(m, "hi"))
	require.Len(t, m.entries, 2)
	assert.Equal(t, "发生错误：session not found", m.entries[1].content)
}

func TestChatModel_EscInterruptsRun(t *testing.T) {
	backend := &fakeBackend{block: true, events: []chat.Event{
		ev(chat.EventRunStarted, nil),
	}}
	m := newChatModel(context.Background(), backend, "s", ui.ChatOptions{})
	m = send(m, "tail logs")

	next, _ := m.Update(waitForEvent(m.events)())
	m = next.(chatModel)
	require.True(t, m.thinking)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = drain(t, next.(chatModel))
	assert.Equal(t, "(运行被中断)", m.entries[1].content)
}

func TestChatModel_IgnoresBlankAndBusyInput(t *testing.T) {
	m := newChatModel(context.Background(), &fakeBackend{block: true}, "s", ui.ChatOptions{})

	m = send(m, "   ")
	assert.Empty(t, m.entries)

	m = send(m, "first")
	m = send(m, "second")
	assert.Len(t, m.entries, 2)
	m.cancelTurn()
}
