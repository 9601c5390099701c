package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/containerd/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateTail(t *testing.T) {
	s, truncated := truncateTail("abc", 10)
	assert.Equal(t, "abc", s)
	assert.False(t, truncated)

	s, truncated = truncateTail("0123456789", 4)
	assert.Equal(t, "...(truncated)...\n6789", s)
	assert.True(t, truncated)

	s, truncated = truncateTail("x", 0)
	assert.Empty(t, s)
	assert.True(t, truncated)
}

func TestSplitLogs(t *testing.T) {
	logs := splitLogs("abc", strings.Repeat("o", MaxLogBytes+5), "boom")
	assert.True(t, logs.Truncated)
	assert.Equal(t, "boom", logs.Stderr)
	assert.True(t, strings.HasPrefix(logs.Stdout, "...(truncated)..."))
}

func TestRedactEnv(t *testing.T) {
	got := redactEnv([]string{"PATH=/usr/bin", "DB_PASSWORD=hunter2", "api_key=abc", "FLAG"})
	assert.Equal(t, []string{"PATH=/usr/bin", "DB_PASSWORD=***", "api_key=***", "FLAG"}, got)
	assert.Nil(t, redactEnv(nil))
}

func TestIDHelpers(t *testing.T) {
	assert.Equal(t, "0123456789ab", truncateID(" 0123456789abcdef "))
	assert.Equal(t, "short", truncateID("short"))
}

// requireDaemon 在没有可用 Docker daemon 时跳过集成测试
func requireDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Ping(ctx); err != nil {
		t.Skipf("docker daemon not available: %v", err)
	}
}

// setupTestContainer 启动一个测试用的容器，如果本地没有镜像会自动拉取
// 返回容器ID和清理函数
func setupTestContainer(t *testing.T, ctx context.Context) (string, func()) {
	requireDaemon(t)
	cli, err := GetClient()
	require.NoError(t, err)

	imageName := "busybox:latest"
	if _, err := cli.ImageInspect(ctx, imageName); err != nil {
		if !errdefs.IsNotFound(err) {
			t.Skipf("inspect image %s: %v", imageName, err)
		}
		reader, err := cli.ImagePull(ctx, imageName, image.PullOptions{})
		if err != nil {
			t.Skipf("Failed to pull image %s (network issue?): %v. Skipping test.", imageName, err)
		}
		defer reader.Close()
		_, _ = io.Copy(io.Discard, reader)
	}

	containerName := fmt.Sprintf("opscopilot-test-%d", time.Now().UnixNano())
	resp, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image: imageName,
			Cmd:   []string{"sh", "-c", "echo ready; echo oops 1>&2; sleep 30"},
		},
		&container.HostConfig{AutoRemove: true},
		&network.NetworkingConfig{},
		&v1.Platform{},
		containerName,
	)
	require.NoError(t, err)

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		t.Fatalf("Failed to start container: %v", err)
	}

	cleanup := func() {
		timeout := 1
		if err := cli.ContainerStop(ctx, resp.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			t.Logf("Failed to stop container %s: %v", resp.ID, err)
		}
	}
	return resp.ID, cleanup
}

func TestContainerToolsAgainstDaemon(t *testing.T) {
	ctx := context.Background()
	containerID, cleanup := setupTestContainer(t, ctx)
	defer cleanup()

	containers, err := ListContainers(ctx, ListContainersOptions{Status: "running"})
	require.NoError(t, err)
	found := false
	for _, c := range containers {
		if c.ID == truncateID(containerID) {
			found = true
		}
	}
	assert.True(t, found, "started container should be listed")

	info, err := InspectContainer(ctx, containerID)
	require.NoError(t, err)
	assert.Equal(t, containerID, info.ID)
	assert.Equal(t, "busybox:latest", info.Image)

	time.Sleep(500 * time.Millisecond)
	logs, err := GetContainerLogs(ctx, GetContainerLogsOptions{ContainerID: containerID, Tail: "10"})
	require.NoError(t, err)
	assert.Contains(t, logs.Stdout, "ready")
	assert.Contains(t, logs.Stderr, "oops")
}
