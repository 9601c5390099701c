package docker

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
)

type ListImagesOptions struct {
	// All 是否包含中间层镜像（默认 false）。
	All bool `json:"all"`
	// Reference 按镜像名过滤，如 nginx 或 nginx:*。
	Reference string `json:"reference"`
	// Dangling 只列出无标签的悬空镜像，用于排查磁盘占用。
	Dangling bool `json:"dangling"`
}

// ImageSummary 镜像列表的简化信息，按大小降序输出。
type ImageSummary struct {
	ID       string   `json:"id"`
	RepoTags []string `json:"repo_tags"`
	// Created 创建时间（Unix 秒）。
	Created int64 `json:"created"`
	// Size 镜像大小（字节）。
	Size      int64  `json:"size"`
	SizeHuman string `json:"size_human"`
	// Containers 使用该镜像的容器数；-1 表示引擎未统计。
	Containers int64 `json:"containers"`
}

func ListImages(ctx context.Context, opts ListImagesOptions) ([]ImageSummary, error) {
	cli, err := GetClient()
	if err != nil {
		return nil, err
	}

	images, err := cli.ImageList(ctx, imageListOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	return summarizeImages(images), nil
}

func imageListOptions(opts ListImagesOptions) image.ListOptions {
	args := filters.NewArgs()
	if opts.Reference != "" {
		args.Add("reference", opts.Reference)
	}
	if opts.Dangling {
		args.Add("dangling", "true")
	}
	return image.ListOptions{All: opts.All, Filters: args}
}

func summarizeImages(images []image.Summary) []ImageSummary {
	result := make([]ImageSummary, 0, len(images))
	for _, img := range images {
		tags := img.RepoTags
		if len(tags) == 0 {
			tags = []string{"<none>:<none>"}
		}
		result = append(result, ImageSummary{
			ID:         truncateID(strings.TrimPrefix(img.ID, "sha256:")),
			RepoTags:   tags,
			Created:    img.Created,
			Size:       img.Size,
			SizeHuman:  humanBytes(img.Size),
			Containers: img.Containers,
		})
	}
	slices.SortStableFunc(result, func(a, b ImageSummary) int { return cmp.Compare(b.Size, a.Size) })
	return result
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
