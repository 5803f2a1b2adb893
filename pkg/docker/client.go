// Package docker 封装 Docker API 客户端
//
// 使用官方 github.com/moby/moby/client 库，
// 提供作业容器的创建、等待、停止与日志跟随。
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
)

// ErrNotFound 容器不存在
var ErrNotFound = errors.New("container not found")

// ContainerConfig 容器配置
type ContainerConfig struct {
	Name   string            // 容器名称
	Image  string            // 镜像名称
	Cmd    []string          // 启动命令，为空使用镜像默认
	Env    []string          // 环境变量 KEY=VALUE
	Labels map[string]string // 容器标签

	NanoCPUs    int64 // CPU 上限，单位 1e-9 核
	MemoryBytes int64 // 内存上限

	// Init 以 init 进程作为 PID 1，负责转发信号与回收子进程
	Init bool
	// StopTimeout 停止时 SIGTERM 到 SIGKILL 的等待秒数
	StopTimeout int
	Tty         bool
}

// ContainerState 容器当前状态
type ContainerState struct {
	ID        string
	Running   bool
	ExitCode  int
	OOMKilled bool
	Error     string
}

// Client Docker 客户端封装
type Client struct {
	cli *client.Client
}

// NewClient 创建 Docker 客户端，连接参数取自 DOCKER_HOST 等环境变量
func NewClient() (*Client, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Close 关闭客户端
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping 检查 Docker 连接
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx, client.PingOptions{})
	return err
}

// CreateContainer 创建容器
func (c *Client) CreateContainer(ctx context.Context, cfg *ContainerConfig) (string, error) {
	init := cfg.Init
	var stopTimeout *int
	if cfg.StopTimeout > 0 {
		v := cfg.StopTimeout
		stopTimeout = &v
	}

	opts := client.ContainerCreateOptions{
		Name:  cfg.Name,
		Image: cfg.Image,
		Config: &container.Config{
			Cmd:          cfg.Cmd,
			Env:          cfg.Env,
			Labels:       cfg.Labels,
			Tty:          cfg.Tty,
			StopTimeout:  stopTimeout,
			AttachStdout: true,
			AttachStderr: true,
		},
		HostConfig: &container.HostConfig{
			Init: &init,
			Resources: container.Resources{
				NanoCPUs: cfg.NanoCPUs,
				Memory:   cfg.MemoryBytes,
			},
		},
	}

	result, err := c.cli.ContainerCreate(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return result.ID, nil
}

// StartContainer 启动容器
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	_, err := c.cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{})
	return err
}

// StopContainer 停止容器
//
// timeout 为 SIGTERM 之后等待的秒数，nil 使用容器创建时的 StopTimeout。
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout *int) error {
	opts := client.ContainerStopOptions{}
	if timeout != nil {
		opts.Timeout = timeout
	}
	_, err := c.cli.ContainerStop(ctx, containerID, opts)
	if errdefs.IsNotFound(err) {
		return ErrNotFound
	}
	return err
}

// RemoveContainer 删除容器
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	_, err := c.cli.ContainerRemove(ctx, containerID, client.ContainerRemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if errdefs.IsNotFound(err) {
		return ErrNotFound
	}
	return err
}

// InspectContainer 按 ID 或名称查询容器状态
func (c *Client) InspectContainer(ctx context.Context, nameOrID string) (*ContainerState, error) {
	result, err := c.cli.ContainerInspect(ctx, nameOrID, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st := &ContainerState{ID: result.Container.ID}
	if s := result.Container.State; s != nil {
		st.Running = s.Running
		st.ExitCode = s.ExitCode
		st.OOMKilled = s.OOMKilled
		st.Error = s.Error
	}
	return st, nil
}

// WaitContainer 等待容器退出，返回退出码
func (c *Client) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	waitResult := c.cli.ContainerWait(ctx, containerID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})

	select {
	case err := <-waitResult.Error:
		if err != nil {
			return -1, err
		}
		return 0, nil
	case resp := <-waitResult.Result:
		return resp.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// FollowLogs 跟随容器输出直到容器退出
func (c *Client) FollowLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	result, err := c.cli.ContainerLogs(ctx, containerID, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
