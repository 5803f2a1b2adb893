// Package model 定义核心数据模型
//
// run.go 包含 Run 相关的数据模型定义：
//   - Run：对某个 Workspace 的一次 plan/apply 尝试
//   - RunStatus：执行状态枚举
package model

import (
	"time"
)

// ============================================================================
// RunStatus - 执行状态
// ============================================================================

// RunStatus 表示 Run 的状态
//
// 典型生命周期：
//
//	pending → queued → planning → planned → confirmed → applying → applied
//
// 任意非终态都可以进入 errored / canceled；planned 可进入 discarded。
// plan_only 的 Run 在 planned 即结束。
type RunStatus string

const (
	// RunStatusPending 已创建，等待获取 Workspace 锁
	RunStatusPending RunStatus = "pending"
	// RunStatusQueued 已持有 Workspace 锁，等待 Listener 领取
	RunStatusQueued RunStatus = "queued"
	// RunStatusPlanning 已被 Listener 领取，plan 作业执行中
	RunStatusPlanning RunStatus = "planning"
	// RunStatusPlanned plan 完成，等待确认
	RunStatusPlanned RunStatus = "planned"
	// RunStatusConfirmed 已确认，等待 apply
	RunStatusConfirmed RunStatus = "confirmed"
	// RunStatusApplying apply 作业执行中
	RunStatusApplying RunStatus = "applying"

	RunStatusApplied   RunStatus = "applied"
	RunStatusErrored   RunStatus = "errored"
	RunStatusDiscarded RunStatus = "discarded"
	RunStatusCanceled  RunStatus = "canceled"
)

// AllRunStatuses 全部状态，按生命周期顺序
var AllRunStatuses = []RunStatus{
	RunStatusPending,
	RunStatusQueued,
	RunStatusPlanning,
	RunStatusPlanned,
	RunStatusConfirmed,
	RunStatusApplying,
	RunStatusApplied,
	RunStatusErrored,
	RunStatusDiscarded,
	RunStatusCanceled,
}

// InFlightStatuses 已被 Listener 领取、作业可能仍在执行的状态
var InFlightStatuses = []RunStatus{
	RunStatusPlanning,
	RunStatusPlanned,
	RunStatusConfirmed,
	RunStatusApplying,
}

// IsTerminal 是否为无条件终态
//
// planned 是否为终态取决于 Run.PlanOnly，见 Run.IsTerminal。
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusApplied, RunStatusErrored, RunStatusDiscarded, RunStatusCanceled:
		return true
	}
	return false
}

// Valid 是否为已知状态
func (s RunStatus) Valid() bool {
	for _, v := range AllRunStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// ============================================================================
// Run - 执行实例
// ============================================================================

// Run 表示对 Workspace 的一次基础设施变更尝试
//
// 资源快照说明：
//   - ResourceCPU / ResourceMemory 在创建时从 Workspace 复制，之后不再变化
//   - LimitCPU / LimitMemory / Backend 在 queued → planning 领取时一次性写入
//
// Workspace 后续修改配置不会影响已经在执行中的 Run。
type Run struct {
	ID          string    `json:"id" db:"id"`
	WorkspaceID string    `json:"workspace_id" db:"workspace_id"`
	Status      RunStatus `json:"status" db:"status"`
	Source      string    `json:"source" db:"source"`
	Message     string    `json:"message" db:"message"`
	IsDestroy   bool      `json:"is_destroy" db:"is_destroy"`
	AutoApply   bool      `json:"auto_apply" db:"auto_apply"`
	PlanOnly    bool      `json:"plan_only" db:"plan_only"`

	ResourceCPU    string           `json:"resource_cpu" db:"resource_cpu"`
	ResourceMemory string           `json:"resource_memory" db:"resource_memory"`
	LimitCPU       string           `json:"limit_cpu,omitempty" db:"limit_cpu"`
	LimitMemory    string           `json:"limit_memory,omitempty" db:"limit_memory"`
	Backend        ExecutionBackend `json:"backend" db:"-"`

	PoolID     *string `json:"pool_id,omitempty" db:"pool_id"`
	ListenerID *string `json:"listener_id,omitempty" db:"listener_id"`

	// StatusReason 进入终态时写入的人类可读原因
	StatusReason string `json:"status_reason,omitempty" db:"status_reason"`
	CreatedBy    string `json:"created_by,omitempty" db:"created_by"`

	QueuedAt        *time.Time `json:"queued_at,omitempty" db:"queued_at"`
	PlanStartedAt   *time.Time `json:"plan_started_at,omitempty" db:"plan_started_at"`
	PlanFinishedAt  *time.Time `json:"plan_finished_at,omitempty" db:"plan_finished_at"`
	ApplyStartedAt  *time.Time `json:"apply_started_at,omitempty" db:"apply_started_at"`
	ApplyFinishedAt *time.Time `json:"apply_finished_at,omitempty" db:"apply_finished_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal 当前状态是否为终态（含 plan_only 的 planned）
func (r *Run) IsTerminal() bool {
	if r.Status == RunStatusPlanned && r.PlanOnly {
		return true
	}
	return r.Status.IsTerminal()
}

// AssignedTo 是否已分配给指定 Listener
func (r *Run) AssignedTo(listenerID string) bool {
	return r.ListenerID != nil && *r.ListenerID == listenerID
}

// Claimed 是否已完成领取快照
func (r *Run) Claimed() bool {
	return r.LimitCPU != "" && r.LimitMemory != ""
}

// Resources 返回 Run 的资源快照
func (r *Run) Resources() Resources {
	return Resources{
		Requests: ResourceSpec{CPU: r.ResourceCPU, Memory: r.ResourceMemory},
		Limits:   ResourceSpec{CPU: r.LimitCPU, Memory: r.LimitMemory},
	}
}

// DefaultStatusReason 终态的默认原因描述
func DefaultStatusReason(status RunStatus, planOnly bool) string {
	switch status {
	case RunStatusApplied:
		return "apply finished successfully"
	case RunStatusDiscarded:
		return "plan discarded"
	case RunStatusCanceled:
		return "run canceled"
	case RunStatusErrored:
		return "run errored"
	case RunStatusPlanned:
		if planOnly {
			return "speculative plan finished"
		}
	}
	return ""
}
