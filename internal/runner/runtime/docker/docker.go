// Package docker 实现 Docker 作业运行时
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"runplane/internal/jobbuilder"
	"runplane/internal/runner/runtime"
	"runplane/internal/shared/model"
	"runplane/pkg/docker"
)

// Runtime Docker 作业运行时
type Runtime struct {
	client *docker.Client
}

var _ runtime.JobRuntime = (*Runtime)(nil)

// New 创建 Docker 运行时
func New() (*Runtime, error) {
	cli, err := docker.NewClient()
	if err != nil {
		return nil, err
	}
	return &Runtime{client: cli}, nil
}

// Name 返回运行时名称
func (r *Runtime) Name() string {
	return "docker"
}

// Close 关闭运行时
func (r *Runtime) Close() error {
	return r.client.Close()
}

// Ping 检查 Docker 连接
func (r *Runtime) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}

// ContainerConfig 将作业描述翻译为容器配置
//
// 容器按上限（limits）限制资源，以 init 进程作为 PID 1 转发信号。
func ContainerConfig(spec *model.JobSpec) (*docker.ContainerConfig, error) {
	nano, err := jobbuilder.NanoCPUs(spec.Resources.Limits.CPU)
	if err != nil {
		return nil, fmt.Errorf("cpu limit: %w", err)
	}
	mem, err := jobbuilder.MemoryBytes(spec.Resources.Limits.Memory)
	if err != nil {
		return nil, fmt.Errorf("memory limit: %w", err)
	}

	env := make([]string, 0, len(spec.Env)+1)
	for _, e := range spec.Env {
		env = append(env, e.Name+"="+e.Value)
	}
	// 输出写入日志文件，去掉终端颜色
	env = append(env, "TF_CLI_ARGS=-no-color")

	grace := spec.GracePeriodSeconds
	if grace <= 0 {
		grace = int(model.TerminationGracePeriod.Seconds())
	}

	return &docker.ContainerConfig{
		Name:        spec.Name,
		Image:       spec.Image,
		Env:         env,
		Labels:      spec.Labels,
		NanoCPUs:    nano,
		MemoryBytes: mem,
		Init:        true,
		StopTimeout: grace,
		// TTY 输出不做多路复用，日志可以原样上传
		Tty: true,
	}, nil
}

// Start 创建并启动作业容器
//
// 同名容器残留（上次启动失败）时先删除再创建。
func (r *Runtime) Start(ctx context.Context, spec *model.JobSpec) (string, error) {
	cfg, err := ContainerConfig(spec)
	if err != nil {
		return "", err
	}
	if st, err := r.client.InspectContainer(ctx, spec.Name); err == nil && !st.Running {
		_ = r.client.RemoveContainer(ctx, st.ID, true)
	}

	id, err := r.client.CreateContainer(ctx, cfg)
	if err != nil {
		return "", err
	}
	if err := r.client.StartContainer(ctx, id); err != nil {
		_ = r.client.RemoveContainer(context.WithoutCancel(ctx), id, true)
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	return id, nil
}

// Wait 等待容器退出并读取 OOM 标记
func (r *Runtime) Wait(ctx context.Context, instanceID string) (*runtime.ExitStatus, error) {
	code, err := r.client.WaitContainer(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	exit := &runtime.ExitStatus{Code: int(code)}
	if st, err := r.client.InspectContainer(ctx, instanceID); err == nil {
		exit.OOMKilled = st.OOMKilled
	}
	return exit, nil
}

// Logs 跟随容器输出
func (r *Runtime) Logs(ctx context.Context, instanceID string) (io.ReadCloser, error) {
	return r.client.FollowLogs(ctx, instanceID)
}

// Stop 停止容器，grace 向上取整到秒
func (r *Runtime) Stop(ctx context.Context, instanceID string, grace time.Duration) error {
	secs := int((grace + time.Second - 1) / time.Second)
	err := r.client.StopContainer(ctx, instanceID, &secs)
	if errors.Is(err, docker.ErrNotFound) {
		return runtime.ErrNotFound
	}
	return err
}

// Remove 强制删除容器
func (r *Runtime) Remove(ctx context.Context, instanceID string) error {
	err := r.client.RemoveContainer(ctx, instanceID, true)
	if errors.Is(err, docker.ErrNotFound) {
		return runtime.ErrNotFound
	}
	return err
}

// Inspect 按作业名查询容器
func (r *Runtime) Inspect(ctx context.Context, name string) (*runtime.InstanceStatus, error) {
	st, err := r.client.InspectContainer(ctx, name)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return nil, runtime.ErrNotFound
		}
		return nil, err
	}
	status := &runtime.InstanceStatus{
		ID:      st.ID,
		Name:    name,
		State:   runtime.StateExited,
		Exit:    runtime.ExitStatus{Code: st.ExitCode, OOMKilled: st.OOMKilled},
		Message: st.Error,
	}
	if st.Running {
		status.State = runtime.StateRunning
	}
	return status, nil
}
