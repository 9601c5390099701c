package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
)

// ListContainersOptions 定义 ListContainers 的参数
type ListContainersOptions struct {
	All   bool `json:"all"`
	Limit int  `json:"limit"`
	// Status 按状态过滤：running, exited, paused
	Status string `json:"status"`
	// Name 按名称子串过滤
	Name string `json:"name"`
}

// ContainerSummary 简化版的容器列表信息
type ContainerSummary struct {
	ID      string `json:"id"`
	Names   string `json:"names"`
	Image   string `json:"image"`
	Status  string `json:"status"`
	State   string `json:"state"`
	Created int64  `json:"created"`
}

// ListContainers 列出容器
func ListContainers(ctx context.Context, opts ListContainersOptions) ([]ContainerSummary, error) {
	cli, err := GetClient()
	if err != nil {
		return nil, err
	}

	listOpts := container.ListOptions{
		All:     opts.All || (opts.Status != "" && opts.Status != "running"),
		Limit:   opts.Limit,
		Filters: filters.NewArgs(),
	}
	if opts.Status != "" {
		listOpts.Filters.Add("status", opts.Status)
	}
	if opts.Name != "" {
		listOpts.Filters.Add("name", opts.Name)
	}

	containers, err := cli.ContainerList(ctx, listOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	result := make([]ContainerSummary, 0, len(containers))
	for _, c := range containers {
		result = append(result, ContainerSummary{
			ID:      truncateID(c.ID),
			Names:   strings.Join(trimNames(c.Names), ","),
			Image:   c.Image,
			Status:  c.Status,
			State:   c.State,
			Created: c.Created,
		})
	}
	return result, nil
}

// InspectContainerDetail 简化版的容器详情
type InspectContainerDetail struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	State        *container.State  `json:"state"`
	Image        string            `json:"image"`
	Created      string            `json:"created"`
	RestartCount int               `json:"restart_count"`
	Env          []string          `json:"env,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// InspectContainer 获取容器详情
func InspectContainer(ctx context.Context, containerID string) (*InspectContainerDetail, error) {
	cli, err := GetClient()
	if err != nil {
		return nil, err
	}

	raw, err := cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	detail := &InspectContainerDetail{
		ID:           raw.ID,
		Name:         strings.TrimPrefix(raw.Name, "/"),
		State:        raw.State,
		Created:      raw.Created,
		RestartCount: raw.RestartCount,
	}
	if raw.Config != nil {
		detail.Image = raw.Config.Image
		detail.Env = redactEnv(raw.Config.Env)
		detail.Labels = raw.Config.Labels
	}
	return detail, nil
}

func trimNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, strings.TrimPrefix(n, "/"))
	}
	return out
}
