package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// MaxLogBytes 单路日志保留的最大字节数，超出时保留尾部。
const MaxLogBytes = 10000

// GetContainerLogsOptions 定义获取日志的参数
type GetContainerLogsOptions struct {
	ContainerID string `json:"container_id"`
	// Tail "all" 或行数
	Tail string `json:"tail"`
	// Since 时间戳或相对时长
	Since      string `json:"since"`
	Timestamps bool   `json:"timestamps"`
}

// ContainerLogs 是拆分后的 stdout/stderr。
type ContainerLogs struct {
	ContainerID string `json:"container_id"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	Truncated   bool   `json:"truncated"`
}

// GetContainerLogs 获取容器日志 (stdout + stderr)
func GetContainerLogs(ctx context.Context, opts GetContainerLogsOptions) (*ContainerLogs, error) {
	cli, err := GetClient()
	if err != nil {
		return nil, err
	}

	logOpts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: opts.Timestamps,
		Tail:       opts.Tail,
		Since:      opts.Since,
	}
	if logOpts.Tail == "" {
		logOpts.Tail = "50"
	}

	reader, err := cli.ContainerLogs(ctx, opts.ContainerID, logOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs for %s: %w", opts.ContainerID, err)
	}
	defer reader.Close()

	var outBuf, errBuf strings.Builder
	// 非 TTY 容器的日志是多路复用流
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, reader); err != nil {
		return nil, fmt.Errorf("stdcopy failed (container might be using TTY): %w", err)
	}

	return splitLogs(opts.ContainerID, outBuf.String(), errBuf.String()), nil
}

func splitLogs(containerID, stdout, stderr string) *ContainerLogs {
	logs := &ContainerLogs{ContainerID: containerID}
	logs.Stdout, logs.Truncated = truncateTail(stdout, MaxLogBytes)
	var errTruncated bool
	logs.Stderr, errTruncated = truncateTail(stderr, MaxLogBytes)
	logs.Truncated = logs.Truncated || errTruncated
	return logs
}
