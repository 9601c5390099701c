package toolservice

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wwwzy/OpsCopilot/internal/agent"
	"github.com/wwwzy/OpsCopilot/internal/docker"
)

type fakeRuntime struct {
	listOpts docker.ListContainersOptions
	logsOpts docker.GetContainerLogsOptions
	inspect  string
	stdout   string
	stderr   string
	err      error
}

func (f *fakeRuntime) ListContainers(_ context.Context, opts docker.ListContainersOptions) ([]docker.ContainerSummary, error) {
	f.listOpts = opts
	return []docker.ContainerSummary{{ID: "abc123", Names: "web", State: "running"}}, f.err
}

func (f *fakeRuntime) InspectContainer(_ context.Context, id string) (*docker.InspectContainerDetail, error) {
	f.inspect = id
	if f.err != nil {
		return nil, f.err
	}
	return &docker.InspectContainerDetail{ID: id, Name: "web"}, nil
}

func (f *fakeRuntime) ContainerLogs(_ context.Context, opts docker.GetContainerLogsOptions) (*docker.ContainerLogs, error) {
	f.logsOpts = opts
	if f.stdout != "" || f.stderr != "" {
		return &docker.ContainerLogs{ContainerID: opts.ContainerID, Stdout: f.stdout, Stderr: f.stderr}, nil
	}
	return &docker.ContainerLogs{ContainerID: opts.ContainerID, Stdout: "ok", Truncated: true}, nil
}

func (f *fakeRuntime) ListImages(context.Context, docker.ListImagesOptions) ([]docker.ImageSummary, error) {
	return []docker.ImageSummary{{ID: "img", RepoTags: []string{"nginx:alpine"}}}, nil
}

func TestDockerService_ListToolsSchemas(t *testing.T) {
	svc := NewDockerService(&fakeRuntime{})
	tools, err := svc.ListTools(context.Background())
	require.NoError(t, err)

	byName := map[string]agent.Tool{}
	for _, tool := range tools {
		byName[tool.Name] = tool
	}
	require.Contains(t, byName, ToolContainerLogs)
	assert.Equal(t, []any{"container_id"}, byName[ToolContainerLogs].InputSchema["required"])
	_, hasRequired := byName[ToolListContainers].InputSchema["required"]
	assert.False(t, hasRequired)
}

func TestDockerService_CallTool(t *testing.T) {
	rt := &fakeRuntime{}
	svc := NewDockerService(rt)
	ctx := context.Background()

	resp, err := svc.CallTool(ctx, ToolListContainers, map[string]any{
		"status":             "exited",
		"limit":              float64(5),
		agent.ArgTraceParent: "00-abc-def-01",
		agent.ArgSessionID:   "sess-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, docker.ListContainersOptions{Status: "exited", Limit: 5}, rt.listOpts)

	resp, err = svc.CallTool(ctx, ToolContainerLogs, map[string]any{"container_id": "web", "tail": float64(20)})
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Equal(t, "20", rt.logsOpts.Tail)

	resp, err = svc.CallTool(ctx, ToolInspectContainer, map[string]any{"container_id": "web"})
	require.NoError(t, err)
	assert.Equal(t, "web", rt.inspect)
	assert.Equal(t, "success", resp.AsMap()["status"])
}

func TestDockerService_LogResultsAreSanitized(t *testing.T) {
	rt := &fakeRuntime{stdout: strings.Repeat("o", 10000), stderr: strings.Repeat("e", 10000)}
	svc := NewDockerService(rt)

	resp, err := svc.CallTool(context.Background(), ToolContainerLogs, map[string]any{"container_id": "web"})
	require.NoError(t, err)

	out := agent.SanitizeToolResults([]agent.ToolResult{
		{StepID: "1", ToolName: ToolContainerLogs, Result: resp.AsMap()},
	})
	require.Len(t, out, 1)

	result, ok := out[0].Result["result"].(map[string]any)
	require.True(t, ok, "typed docker result should become a plain map")
	assert.Equal(t, "web", result["container_id"])
	for key, ch := range map[string]string{"stdout": "o", "stderr": "e"} {
		text, _ := result[key].(string)
		assert.True(t, strings.HasPrefix(text, strings.Repeat(ch, agent.MaxStringLen)), key)
		assert.Less(t, len(text), agent.MaxStringLen+32, key)
	}

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Less(t, len(raw), 2*agent.MaxResultChars)
}

func TestDockerService_FailuresAreReportedNotRaised(t *testing.T) {
	svc := NewDockerService(&fakeRuntime{err: errors.New("daemon down")})
	ctx := context.Background()

	resp, err := svc.CallTool(ctx, ToolInspectContainer, map[string]any{"container_id": "web"})
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "daemon down", resp.Error.Message)
	assert.Nil(t, resp.Result)

	resp, err = svc.CallTool(ctx, "docker.rm", nil)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error.Message, "unknown tool")

	resp, err = svc.CallTool(ctx, ToolListContainers, map[string]any{"limit": "many"})
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error.Message, "invalid arguments")
}

func TestNew(t *testing.T) {
	svc, err := New(Config{Mode: ModeMCP, BaseURL: "http://localhost:8080/mcp", TimeoutMs: 3000, MaxRetries: 2})
	require.NoError(t, err)
	assert.IsType(t, &MCPClient{}, svc)

	svc, err = New(Config{Mode: ModeDocker})
	require.NoError(t, err)
	assert.IsType(t, &DockerService{}, svc)

	_, err = New(Config{Mode: "grpc"})
	assert.Error(t, err)
	_, err = New(Config{Mode: ModeMCP})
	assert.Error(t, err)
}
