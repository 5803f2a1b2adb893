// Package runtime 定义作业运行时接口
//
// 每个阶段（plan / apply）对应一个临时计算单元。当前实现为 Docker 容器，
// 接口只暴露执行器需要的生命周期操作，测试中以内存实现替代。
package runtime

import (
	"context"
	"errors"
	"io"
	"time"

	"runplane/internal/shared/model"
)

// ErrNotFound 计算单元不存在
var ErrNotFound = errors.New("job instance not found")

// JobRuntime 作业运行时接口
type JobRuntime interface {
	// Name 返回运行时名称
	Name() string

	// Start 按作业描述创建并启动计算单元，返回实例 ID
	Start(ctx context.Context, spec *model.JobSpec) (string, error)

	// Wait 阻塞到实例退出
	Wait(ctx context.Context, instanceID string) (*ExitStatus, error)

	// Logs 跟随实例输出，实例退出后读到 EOF
	Logs(ctx context.Context, instanceID string) (io.ReadCloser, error)

	// Stop 发送 SIGTERM，grace 之后强制终止
	Stop(ctx context.Context, instanceID string, grace time.Duration) error

	// Remove 删除实例
	Remove(ctx context.Context, instanceID string) error

	// Inspect 按作业名查询实例，不存在返回 ErrNotFound
	Inspect(ctx context.Context, name string) (*InstanceStatus, error)
}

// ExitStatus 实例退出结果
type ExitStatus struct {
	Code      int
	OOMKilled bool
}

// KilledExitCode SIGKILL 导致的退出码（128+9）
const KilledExitCode = 137

// Succeeded 正常退出且未被强制终止
func (e *ExitStatus) Succeeded() bool {
	return e != nil && e.Code == 0 && !e.OOMKilled
}

// InstanceStatus 实例状态
type InstanceStatus struct {
	ID      string
	Name    string
	State   InstanceState
	Exit    ExitStatus
	Message string
}

// InstanceState 实例状态枚举
type InstanceState string

const (
	StateRunning InstanceState = "running" // 运行中
	StateExited  InstanceState = "exited"  // 已退出
)
