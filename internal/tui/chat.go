package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/wwwzy/OpsCopilot/internal/chat"
	"github.com/wwwzy/OpsCopilot/internal/ui"
)

type ChatUI struct{}

func (u *ChatUI) Run(ctx context.Context, backend ui.ChatBackend, sessionID string, opts ui.ChatOptions) error {
	m := newChatModel(ctx, backend, sessionID, opts)
	p := tea.NewProgram(m, tea.WithAltScreen())
	final, err := p.Run()
	if fm, ok := final.(chatModel); ok && fm.cancelTurn != nil {
		fm.cancelTurn()
	}
	return err
}

type role int

const (
	roleUser role = iota
	roleAssistant
	roleTool
)

type entry struct {
	role    role
	title   string
	content string
}

type streamEventMsg struct {
	ev chat.Event
}

type streamDoneMsg struct {
	err error
}

type cancelMsg struct{}

type chatModel struct {
	ctx       context.Context
	backend   ui.ChatBackend
	sessionID string
	opts      ui.ChatOptions

	entries []entry

	width  int
	height int

	viewport   viewport.Model
	input      textinput.Model
	spinner    spinner.Model
	thinking   bool
	followTail bool
	status     string

	// 当前运行
	turn       ui.Turn
	answerIdx  int
	events     <-chan tea.Msg
	cancelTurn context.CancelFunc

	renderer *glamour.TermRenderer
}

func newChatModel(ctx context.Context, backend ui.ChatBackend, sessionID string, opts ui.ChatOptions) chatModel {
	s := spinner.New()
	s.Spinner = spinner.MiniDot

	ti := textinput.New()
	ti.Placeholder = "描述你遇到的运维问题，回车发送"
	ti.Prompt = ""
	ti.Focus()

	vp := viewport.New(0, 0)
	vp.SetContent("")

	return chatModel{
		ctx:        ctx,
		backend:    backend,
		sessionID:  sessionID,
		opts:       opts,
		viewport:   vp,
		input:      ti,
		spinner:    s,
		followTail: true,
		answerIdx:  -1,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitCancel(m.ctx))
}

func waitCancel(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return cancelMsg{}
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case cancelMsg:
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		inputHeight := 3
		footerHeight := 1
		chatHeight := max(1, m.height-inputHeight-footerHeight-1)

		m.viewport.Width = m.width
		m.viewport.Height = chatHeight

		m.input.Width = max(10, m.width-4)

		m.resetMarkdownRenderer()
		m.updateViewportContent(m.renderChat())
		return m, nil

	case spinner.TickMsg:
		if m.thinking {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case streamEventMsg:
		m.applyEvent(msg.ev)
		m.updateViewportContent(m.renderChat())
		return m, waitForEvent(m.events)

	case streamDoneMsg:
		m.finishTurn(msg.err)
		m.updateViewportContent(m.renderChat())
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			if m.cancelTurn != nil {
				m.cancelTurn()
			}
			return m, tea.Quit
		case "esc":
			// 中断当前运行，保留已输出的内容
			if m.thinking && m.cancelTurn != nil {
				m.cancelTurn()
			}
			return m, nil
		case "pgup", "pageup":
			m.viewport.PageUp()
			m.followTail = false
			return m, nil
		case "pgdown", "pagedown":
			m.viewport.PageDown()
			if m.viewport.AtBottom() {
				m.followTail = true
			}
			return m, nil
		}

		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)

		if msg.String() == "enter" {
			text := strings.TrimSpace(m.input.Value())
			if text == "" || m.thinking {
				return m, cmd
			}
			switch strings.ToLower(text) {
			case "exit", "quit":
				return m, tea.Quit
			}

			m.input.SetValue("")
			return m, tea.Batch(cmd, m.startTurn(text))
		}

		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// startTurn 追加用户消息与空的助手消息，并在后台消费事件流。
func (m *chatModel) startTurn(prompt string) tea.Cmd {
	m.entries = append(m.entries, entry{role: roleUser, content: prompt})
	m.entries = append(m.entries, entry{role: roleAssistant})
	m.answerIdx = len(m.entries) - 1
	m.turn = ui.Turn{}
	m.thinking = true
	m.followTail = true
	m.status = ""

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelTurn = cancel
	m.events = streamEvents(ctx, m.backend, m.sessionID, prompt)
	m.updateViewportContent(m.renderChat())
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func (m *chatModel) applyEvent(ev chat.Event) {
	logsBefore := len(m.turn.ToolLogs)
	delta := m.turn.Apply(ev)

	if label := ui.ProgressLabel(ev.Type); label != "" && m.opts.ShowProgress {
		m.status = label
	}
	if m.opts.ShowToolLogs {
		// 工具日志插在回答之前
		for _, l := range m.turn.ToolLogs[logsBefore:] {
			title := l.ToolName
			if l.Truncated {
				title += "（已截断）"
			}
			m.insertBeforeAnswer(entry{role: roleTool, title: title, content: l.Text})
		}
	}
	if delta != "" && m.answerIdx >= 0 {
		m.entries[m.answerIdx].content += delta
	}
}

func (m *chatModel) insertBeforeAnswer(e entry) {
	if m.answerIdx < 0 {
		m.entries = append(m.entries, e)
		return
	}
	m.entries = append(m.entries, entry{})
	copy(m.entries[m.answerIdx+1:], m.entries[m.answerIdx:])
	m.entries[m.answerIdx] = e
	m.answerIdx++
}

func (m *chatModel) finishTurn(err error) {
	m.thinking = false
	m.status = ""
	if m.cancelTurn != nil {
		m.cancelTurn()
		m.cancelTurn = nil
	}
	m.events = nil
	if m.answerIdx < 0 {
		return
	}

	a := &m.entries[m.answerIdx]
	switch {
	case err != nil:
		a.content = fmt.Sprintf("发生错误：%v", err)
	case strings.TrimSpace(a.content) != "":
		if m.turn.Failed {
			a.content += "\n\n错误：" + m.turn.FailureReason
		}
	case m.turn.Failed:
		a.content = m.turn.Text()
	case !m.turn.Done:
		a.content = "(运行被中断)"
	default:
		a.content = "(无输出)"
	}
	m.answerIdx = -1
}

// streamEvents 在独立 goroutine 中消费事件流，结束时发送 streamDoneMsg 并关闭通道。
func streamEvents(ctx context.Context, backend ui.ChatBackend, sessionID, prompt string) <-chan tea.Msg {
	ch := make(chan tea.Msg)
	go func() {
		defer close(ch)
		send := func(msg tea.Msg) bool {
			select {
			case ch <- msg:
				return true
			case <-ctx.Done():
				return false
			}
		}

		events, err := backend.RunStream(ctx, sessionID, prompt)
		if err != nil {
			send(streamDoneMsg{err: err})
			return
		}
		for ev := range events {
			if !send(streamEventMsg{ev: ev}) {
				return
			}
		}
		send(streamDoneMsg{})
	}()
	return ch
}

func waitForEvent(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return streamDoneMsg{}
		}
		return msg
	}
}

func (m chatModel) View() string {
	header := lipgloss.NewStyle().Bold(true).Render("OpsCopilot")
	if m.sessionID != "" {
		header += lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render("  会话 " + m.sessionID)
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, m.viewport.View(), m.inputView(), m.footerView())
}

func (m chatModel) footerView() string {
	left := "Enter 发送 | Esc 中断 | PgUp/PgDn 滚动 | Ctrl+C 退出"
	right := ""
	if m.thinking {
		label := m.status
		if label == "" {
			label = "Thinking..."
		}
		right = m.spinner.View() + " " + label
	}
	style := lipgloss.NewStyle().Width(m.width).Padding(0, 1)
	return style.Render(lipgloss.JoinHorizontal(lipgloss.Left, left, lipgloss.NewStyle().Width(max(0, m.width-lipgloss.Width(left)-lipgloss.Width(right)-2)).Render(""), right))
}

func (m chatModel) inputView() string {
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(0, 1).
		Width(max(1, m.input.Width+2)).
		Render(m.input.View())
	return box
}

func (m *chatModel) updateViewportContent(content string) {
	oldYOffset := m.viewport.YOffset
	m.viewport.SetContent(content)
	if m.followTail {
		m.viewport.GotoBottom()
		return
	}
	m.viewport.SetYOffset(oldYOffset)
}

func (m *chatModel) resetMarkdownRenderer() {
	if m.width <= 0 {
		return
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(m.bubbleMaxContentWidth()),
	)
	if err == nil {
		m.renderer = r
	}
}

func (m chatModel) renderChat() string {
	var b strings.Builder
	for i, e := range m.entries {
		content := strings.TrimRight(e.content, "\n")
		if e.role == roleAssistant && strings.TrimSpace(content) == "" {
			if i != m.answerIdx {
				continue
			}
			content = "…"
		}

		line := m.renderEntry(e.role, e.title, content)
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m chatModel) bubbleMaxContentWidth() int {
	if m.width <= 0 {
		return 72
	}
	return max(20, m.width-8)
}

func (m chatModel) bubbleMaxWidth() int {
	if m.width <= 0 {
		return 80
	}
	return max(20, m.width-4)
}

func (m chatModel) desiredContentWidth(s string) int {
	w := max(10, maxLineWidth(s))
	return min(m.bubbleMaxContentWidth(), w)
}

func wrapToWidth(s string, width int) string {
	if width <= 0 {
		return s
	}
	return lipgloss.NewStyle().Width(width).Render(s)
}

func maxLineWidth(s string) int {
	s = strings.TrimRight(s, "\n")
	if strings.TrimSpace(s) == "" {
		return 0
	}
	maxW := 0
	for _, line := range strings.Split(s, "\n") {
		maxW = max(maxW, lipgloss.Width(strings.TrimRight(line, " ")))
	}
	return maxW
}

func (m chatModel) renderEntry(r role, title, content string) string {
	switch r {
	case roleUser:
		return m.renderUser(content)
	case roleAssistant:
		return m.renderAssistant(content)
	default:
		return m.renderTool(title, content)
	}
}

func (m chatModel) renderAssistant(content string) string {
	md := content
	if m.renderer != nil && strings.TrimSpace(md) != "" {
		if rendered, err := m.renderer.Render(md); err == nil {
			md = strings.TrimRight(rendered, "\n")
		}
	}
	md = wrapToWidth(md, m.desiredContentWidth(md))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("63")).
		Padding(0, 1).
		MaxWidth(m.bubbleMaxWidth()).
		Render(md)
}

func (m chatModel) renderUser(content string) string {
	content = wrapToWidth(content, m.desiredContentWidth(content))
	bubble := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("205")).
		Padding(0, 1).
		MaxWidth(m.bubbleMaxWidth()).
		Render(content)
	if m.width <= 0 {
		return bubble
	}
	return lipgloss.NewStyle().Width(m.width).Align(lipgloss.Right).Render(bubble)
}

func (m chatModel) renderTool(title, content string) string {
	label := "TOOL"
	if title != "" {
		label += " " + title
	}
	body := content
	if strings.TrimSpace(body) == "" {
		body = "(无输出)"
	}
	body = wrapToWidth(body, m.desiredContentWidth(body))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Foreground(lipgloss.Color("245")).
		Padding(0, 1).
		MaxWidth(m.bubbleMaxWidth()).
		Render(label + "\n" + body)
}
