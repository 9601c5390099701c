package toolservice

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wwwzy/OpsCopilot/internal/agent"
	"github.com/wwwzy/OpsCopilot/internal/docker"
)

const (
	ToolListContainers   = "docker.list_containers"
	ToolInspectContainer = "docker.inspect_container"
	ToolContainerLogs    = "docker.get_container_logs"
	ToolListImages       = "docker.list_images"
)

// ContainerRuntime 是本地工具服务依赖的 Docker 能力，docker.Engine 是默认实现。
type ContainerRuntime interface {
	ListContainers(ctx context.Context, opts docker.ListContainersOptions) ([]docker.ContainerSummary, error)
	InspectContainer(ctx context.Context, containerID string) (*docker.InspectContainerDetail, error)
	ContainerLogs(ctx context.Context, opts docker.GetContainerLogsOptions) (*docker.ContainerLogs, error)
	ListImages(ctx context.Context, opts docker.ListImagesOptions) ([]docker.ImageSummary, error)
}

// DockerService 在进程内实现工具服务，直接读取本机 Docker daemon。
//
// 工具只读。参数错误与 daemon 错误都以 status=error 返回，不会中断运行。
type DockerService struct {
	runtime ContainerRuntime
}

func NewDockerService(runtime ContainerRuntime) *DockerService {
	if runtime == nil {
		runtime = docker.Engine{}
	}
	return &DockerService{runtime: runtime}
}

func (s *DockerService) ListTools(_ context.Context) ([]agent.Tool, error) {
	return []agent.Tool{
		{
			Name:        ToolListContainers,
			Description: "List Docker containers. You can filter by status or name, or limit the number of results.",
			InputSchema: objectSchema(map[string]any{
				"all":    prop("boolean", "Show all containers (default shows just running)"),
				"status": prop("string", "Filter by status (e.g., 'running', 'exited')"),
				"name":   prop("string", "Filter by container name substring"),
				"limit":  prop("integer", "Limit the number of containers shown"),
			}),
		},
		{
			Name:        ToolInspectContainer,
			Description: "Get detailed information about a container.",
			InputSchema: objectSchema(map[string]any{
				"container_id": prop("string", "The ID or name of the container"),
			}, "container_id"),
		},
		{
			Name:        ToolContainerLogs,
			Description: "Get recent stdout and stderr logs from a container.",
			InputSchema: objectSchema(map[string]any{
				"container_id": prop("string", "The ID or name of the container"),
				"tail":         prop("string", "Number of lines to show from the end of the logs (default '50')"),
				"since":        prop("string", "Show logs since timestamp (e.g. 2013-01-02T13:23:37Z) or relative (e.g. 42m)"),
			}, "container_id"),
		},
		{
			Name:        ToolListImages,
			Description: "List local Docker images, largest first, with the number of containers using each.",
			InputSchema: objectSchema(map[string]any{
				"reference": prop("string", "Filter by image reference, e.g. nginx or nginx:*"),
				"all":       prop("boolean", "Include intermediate images"),
				"dangling":  prop("boolean", "Only untagged images, useful when the disk is filling up"),
			}),
		},
	}, nil
}

func (s *DockerService) CallTool(ctx context.Context, name string, args map[string]any) (agent.ToolResponse, error) {
	start := time.Now()
	args = stripInternalArgs(args)

	var (
		result    any
		truncated bool
		err       error
	)
	switch name {
	case ToolListContainers:
		var opts docker.ListContainersOptions
		if err = decodeArgs(args, &opts); err == nil {
			result, err = s.runtime.ListContainers(ctx, opts)
		}
	case ToolInspectContainer:
		var opts struct {
			ContainerID string `json:"container_id"`
		}
		if err = decodeArgs(args, &opts); err == nil {
			result, err = s.runtime.InspectContainer(ctx, opts.ContainerID)
		}
	case ToolContainerLogs:
		var opts docker.GetContainerLogsOptions
		if v, ok := args["tail"]; ok {
			args["tail"] = stringify(v)
		}
		if err = decodeArgs(args, &opts); err == nil {
			var logs *docker.ContainerLogs
			logs, err = s.runtime.ContainerLogs(ctx, opts)
			if err == nil {
				result, truncated = logs, logs.Truncated
			}
		}
	case ToolListImages:
		var opts docker.ListImagesOptions
		if err = decodeArgs(args, &opts); err == nil {
			result, err = s.runtime.ListImages(ctx, opts)
		}
	default:
		err = fmt.Errorf("unknown tool %q", name)
	}

	resp := agent.ToolResponse{
		Status:    "success",
		LatencyMs: time.Since(start).Milliseconds(),
		Result:    result,
		Truncated: truncated,
	}
	if err != nil {
		resp.Status = "error"
		resp.Result = nil
		resp.Error = &agent.ToolError{Message: err.Error()}
		agent.LoggerFrom(ctx).Warn("docker tool failed", "tool", name, "error", err)
	}
	return resp, nil
}

// stripInternalArgs 去掉执行器注入的 __ 前缀字段，返回新 map。
func stripInternalArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if strings.HasPrefix(k, "__") {
			continue
		}
		out[k] = v
	}
	return out
}

func decodeArgs(args map[string]any, v any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		req := make([]any, 0, len(required))
		for _, r := range required {
			req = append(req, r)
		}
		schema["required"] = req
	}
	return schema
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}
