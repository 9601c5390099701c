package docker

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/docker/client"
)

var (
	dockerCli *client.Client
	clientErr error
	once      sync.Once
)

// GetClient 获取 Docker Client 单例
// 懒加载模式，第一次调用时初始化
func GetClient() (*client.Client, error) {
	once.Do(func() {
		// FromEnv 读取 DOCKER_HOST 等环境变量，并自动协商 API 版本
		dockerCli, clientErr = client.NewClientWithOpts(
			client.FromEnv,
			client.WithAPIVersionNegotiation(),
		)
	})
	if clientErr != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", clientErr)
	}
	return dockerCli, nil
}

// Ping 检查 daemon 是否可达，用于 /ready 与启动自检。
func Ping(ctx context.Context) (string, error) {
	cli, err := GetClient()
	if err != nil {
		return "", err
	}
	ping, err := cli.Ping(ctx)
	if err != nil {
		return "", fmt.Errorf("ping docker daemon: %w", err)
	}
	return ping.APIVersion, nil
}

// CloseClient 关闭 Docker Client 连接
// 建议在程序退出时调用
func CloseClient() error {
	if dockerCli != nil {
		return dockerCli.Close()
	}
	return nil
}

// Engine 把包级函数包装成可注入的实现，供本地工具服务使用。
type Engine struct{}

func (Engine) ListContainers(ctx context.Context, opts ListContainersOptions) ([]ContainerSummary, error) {
	return ListContainers(ctx, opts)
}

func (Engine) InspectContainer(ctx context.Context, containerID string) (*InspectContainerDetail, error) {
	return InspectContainer(ctx, containerID)
}

func (Engine) ContainerLogs(ctx context.Context, opts GetContainerLogsOptions) (*ContainerLogs, error) {
	return GetContainerLogs(ctx, opts)
}

func (Engine) ListImages(ctx context.Context, opts ListImagesOptions) ([]ImageSummary, error) {
	return ListImages(ctx, opts)
}
