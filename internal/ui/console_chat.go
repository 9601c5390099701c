package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

type ConsoleChatUI struct {
	In  io.Reader
	Out io.Writer
}

func (u *ConsoleChatUI) Run(ctx context.Context, backend ChatBackend, sessionID string, opts ChatOptions) error {
	in := u.In
	if in == nil {
		return fmt.Errorf("console ui: In is nil")
	}
	out := u.Out
	if out == nil {
		return fmt.Errorf("console ui: Out is nil")
	}

	reader := bufio.NewReader(in)
	fmt.Fprintf(out, "进入 OpsCopilot 对话模式（会话 %s）。输入 exit/quit 退出。\n", sessionID)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "已退出。")
			return nil
		default:
		}

		fmt.Fprint(out, "你: ")
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) && strings.TrimSpace(line) == "" {
			fmt.Fprintln(out)
			return nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("读取输入失败: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch strings.ToLower(line) {
		case "exit", "quit":
			fmt.Fprintln(out, "已退出。")
			return nil
		}

		if err := u.runTurn(ctx, out, backend, sessionID, line, opts); err != nil {
			return err
		}
		fmt.Fprintln(out)
	}
}

// runTurn 边接收事件边输出增量文本。
func (u *ConsoleChatUI) runTurn(ctx context.Context, out io.Writer, backend ChatBackend, sessionID, prompt string, opts ChatOptions) error {
	events, err := backend.RunStream(ctx, sessionID, prompt)
	if err != nil {
		return err
	}

	var turn Turn
	answering := false
	for ev := range events {
		toolLogsBefore := len(turn.ToolLogs)
		delta := turn.Apply(ev)

		if opts.ShowProgress && !answering {
			if label := ProgressLabel(ev.Type); label != "" {
				fmt.Fprintf(out, "  · %s\n", label)
			}
		}
		if opts.ShowToolLogs {
			for _, l := range turn.ToolLogs[toolLogsBefore:] {
				printToolLog(out, l)
			}
		}
		if delta != "" {
			if !answering {
				answering = true
				fmt.Fprint(out, "助手: ")
			}
			fmt.Fprint(out, delta)
		}
	}

	switch {
	case answering:
		fmt.Fprintln(out)
		if turn.Failed {
			fmt.Fprintf(out, "错误: %s\n", turn.FailureReason)
		}
	case turn.Failed:
		fmt.Fprintf(out, "助手: %s\n", turn.Text())
	case !turn.Done:
		fmt.Fprintln(out, "助手: (运行被中断)")
	default:
		fmt.Fprintln(out, "助手: (无输出)")
	}
	return nil
}

func printToolLog(out io.Writer, l ToolLog) {
	suffix := ""
	if l.Truncated {
		suffix = "（已截断）"
	}
	fmt.Fprintf(out, "  [%s]%s\n", l.ToolName, suffix)
	for _, line := range strings.Split(strings.TrimRight(l.Text, "\n"), "\n") {
		fmt.Fprintf(out, "    %s\n", line)
	}
}
