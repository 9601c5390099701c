package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wwwzy/OpsCopilot/internal/agent"
	"github.com/wwwzy/OpsCopilot/internal/observability"
	"github.com/wwwzy/OpsCopilot/internal/storage"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// historyWindow 是恢复澄清链时读取的最大消息数。
	historyWindow = 5000
	// defaultBufferSize 是 worker 与消费端之间的事件缓冲。
	defaultBufferSize = 64

	noResponseMessage = "agent runtime completed without an assistant response"
)

var ErrSessionNotFound = errors.New("session not found")

// ExecutionError 表示运行时致命错误，对应 HTTP 500。
type ExecutionError struct {
	RunID string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("agent runtime failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Store 是对话服务依赖的持久化能力。
type Store interface {
	GetSession(ctx context.Context, id string) (*storage.Session, error)
	ListMessages(ctx context.Context, sessionID string, limit int) ([]storage.Message, error)
	CreateMessage(ctx context.Context, msg *storage.Message) error
}

// RecorderFactory 为一次运行创建 Recorder；返回 nil 表示不记录。
type RecorderFactory func(sessionID, runID string) agent.Recorder

// Result 是单次对话的结果；澄清时 Error 为空，Answer 为澄清问题。
type Result struct {
	RunID  string           `json:"run_id"`
	Answer string           `json:"answer"`
	Error  *agent.ErrorInfo `json:"error"`
}

type Service struct {
	store       Store
	runner      agent.Runner
	newRecorder RecorderFactory
	logger      *slog.Logger
	bufferSize  int
	now         func() time.Time
}

type Option func(*Service)

func WithRecorderFactory(f RecorderFactory) Option {
	return func(s *Service) { s.newRecorder = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithBufferSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

func NewService(store Store, runner agent.Runner, opts ...Option) *Service {
	s := &Service{
		store:      store,
		runner:     runner,
		logger:     slog.Default(),
		bufferSize: defaultBufferSize,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run 执行一次完整对话并持久化用户与助手消息。
func (s *Service) Run(ctx context.Context, sessionID, prompt string) (*Result, error) {
	history, err := s.begin(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	logger := s.logger.With("session_id", sessionID, "agent_run_id", runID)
	ctx = observability.ContextWithLogger(ctx, logger)

	ctx, span := otel.Tracer("opscopilot/chat").Start(ctx, "chat.run", runSpanOptions(sessionID, runID)...)
	defer span.End()

	started := time.Now()
	logger.Info("chat run started")
	defer func() {
		logger.Info("chat run finished", "elapsed_ms", time.Since(started).Milliseconds())
	}()

	if err := s.saveUserMessage(ctx, sessionID, runID, prompt); err != nil {
		return nil, err
	}

	state := agent.AgentState{Prompt: prompt, PromptHistory: history}
	final, err := s.runner.Run(ctx, state, s.runOptions(sessionID, runID)...)
	if err != nil {
		span.RecordError(err)
		logger.Error("chat run runtime failed", "error", err)
		return nil, &ExecutionError{RunID: runID, Err: err}
	}

	t := terminalFromState(final)
	if t == nil {
		t = runtimeFailure(noResponseMessage)
	}
	if err := s.saveAssistantMessage(ctx, sessionID, runID, t); err != nil {
		return nil, err
	}

	res := &Result{RunID: runID, Answer: t.message}
	if t.kind == terminalError {
		res.Error = final.Error
		if res.Error == nil {
			res.Error = &agent.ErrorInfo{Type: t.failureType, Message: t.message}
		}
	}
	return res, nil
}

// RunStream 校验会话并写入用户消息，然后返回事件序列。
//
// 运行在后台 goroutine 中执行，节点事件和 LLM 增量经由有界 channel 按产生顺序转发；
// 第一条事件总是 agent_run.started，最后一条是 agent_run.completed 或 agent_run.failed，
// 且助手消息在最后的事件之前落库。消费端提前停止迭代会取消运行。
func (s *Service) RunStream(ctx context.Context, sessionID, prompt string) (iter.Seq[Event], error) {
	history, err := s.begin(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	if err := s.saveUserMessage(ctx, sessionID, runID, prompt); err != nil {
		return nil, err
	}
	state := agent.AgentState{Prompt: prompt, PromptHistory: history}

	return func(yield func(Event) bool) {
		s.stream(ctx, sessionID, runID, state, yield)
	}, nil
}

// streamItem 是 worker 发给消费端的一项：普通事件或终态。
type streamItem struct {
	event    Event
	terminal *terminal
}

func (s *Service) stream(ctx context.Context, sessionID, runID string, state agent.AgentState, yield func(Event) bool) {
	logger := s.logger.With("session_id", sessionID, "agent_run_id", runID)
	ctx = observability.ContextWithLogger(ctx, logger)
	ctx, span := otel.Tracer("opscopilot/chat").Start(ctx, "chat.run_stream", runSpanOptions(sessionID, runID)...)
	defer span.End()

	started := time.Now()
	logger.Info("chat stream started")
	defer func() {
		logger.Info("chat stream finished", "elapsed_ms", time.Since(started).Milliseconds())
	}()

	ev := eventFactory{sessionID: sessionID, runID: runID, now: s.now}
	emit := func(e Event) bool {
		observability.ObserveStreamEvent(e.Type)
		return yield(e)
	}
	if !emit(ev.runStarted()) {
		return
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	items := make(chan streamItem, s.bufferSize)
	send := func(it streamItem) bool {
		select {
		case items <- it:
			return true
		case <-workerCtx.Done():
			return false
		}
	}

	go func() {
		defer close(items)
		s.work(workerCtx, sessionID, runID, state, ev, send)
	}()

	tokenEmitted := false
	for it := range items {
		if it.terminal != nil {
			// 先落库再发终态事件，客户端收到结束事件时消息已可查询。
			if err := s.saveAssistantMessage(context.WithoutCancel(ctx), sessionID, runID, it.terminal); err != nil {
				logger.Error("persist assistant message failed", "error", err)
			}
			for _, e := range it.terminal.events(ev, tokenEmitted) {
				if !emit(e) {
					return
				}
			}
			return
		}
		if it.event.Type == EventTokenDelta {
			tokenEmitted = true
		}
		if !emit(it.event) {
			return
		}
	}
}

// work 在后台执行运行，把映射后的事件和最终的终态依次发送出去。
func (s *Service) work(ctx context.Context, sessionID, runID string, state agent.AgentState, ev eventFactory, send func(streamItem) bool) {
	lc := newLifecycle(ev)
	sendAll := func(events []Event) bool {
		for _, e := range events {
			if !send(streamItem{event: e}) {
				return false
			}
		}
		return true
	}

	defer func() {
		if r := recover(); r != nil {
			agent.LoggerFrom(ctx).Error("chat stream runtime panicked", "panic", r)
			send(streamItem{terminal: runtimeFailure(fmt.Sprint(r))})
		}
	}()

	ctx = agent.WithDeltaHandler(ctx, func(source, text string) {
		sendAll(lc.deltaEvents(source, text))
	})

	var (
		lastEvent     *agent.Event
		final         = state
		answerEmitted bool
	)
	for snapshot, err := range s.runner.RunStream(ctx, state, s.runOptions(sessionID, runID)...) {
		if err != nil {
			agent.LoggerFrom(ctx).Error("chat stream runtime failed", "error", err)
			send(streamItem{terminal: runtimeFailure(err.Error())})
			return
		}
		final = snapshot

		// 节点不产生新事件时快照会沿用上一个事件，按指针去重。
		if snapshot.Event != nil && snapshot.Event != lastEvent {
			lastEvent = snapshot.Event
			if snapshot.Event.EventType == eventToolExecutorCompleted {
				if items := toolLogItems(snapshot.ToolResults); len(items) > 0 {
					if !send(streamItem{event: ev.make(EventToolLogs, map[string]any{"items": items})}) {
						return
					}
				}
			}
			if !sendAll(lc.runtimeEvents(snapshot.Event)) {
				return
			}
		}

		if snapshot.Error == nil && snapshot.Answer != "" && !answerEmitted {
			answerEmitted = true
			if !sendAll(lc.answerCompleted(snapshot.Answer)) {
				return
			}
		}
	}

	t := terminalFromState(final)
	if t == nil {
		t = runtimeFailure(noResponseMessage)
	}
	send(streamItem{terminal: t})
}

func (s *Service) runOptions(sessionID, runID string) []agent.RunOption {
	if s.newRecorder == nil {
		return nil
	}
	rec := s.newRecorder(sessionID, runID)
	if rec == nil {
		return nil
	}
	return []agent.RunOption{agent.WithRunRecorder(rec)}
}

// begin 校验会话存在并恢复澄清链。
func (s *Service) begin(ctx context.Context, sessionID string) ([]string, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, sessionID, historyWindow)
	if err != nil {
		return nil, err
	}
	return promptHistory(messages), nil
}

func (s *Service) saveUserMessage(ctx context.Context, sessionID, runID, prompt string) error {
	return s.store.CreateMessage(ctx, &storage.Message{
		SessionID: sessionID,
		Role:      RoleUser,
		Content:   prompt,
		Metadata:  map[string]any{"run_id": runID},
		CreatedAt: s.now(),
	})
}

func (s *Service) saveAssistantMessage(ctx context.Context, sessionID, runID string, t *terminal) error {
	meta := t.metadata()
	meta["run_id"] = runID
	return s.store.CreateMessage(ctx, &storage.Message{
		SessionID: sessionID,
		Role:      RoleAssistant,
		Content:   t.message,
		Metadata:  meta,
		CreatedAt: s.now(),
	})
}

func runSpanOptions(sessionID, runID string) []trace.SpanStartOption {
	return []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("session_id", sessionID), attribute.String("agent_run_id", runID)),
	}
}
