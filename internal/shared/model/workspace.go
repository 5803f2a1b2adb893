package model

import "time"

// DefaultExecutionProfile 默认执行配置名
const DefaultExecutionProfile = "standard"

// Workspace 状态、配置和 Run 的隔离单元
//
// Locked 只由 Run 状态迁移驱动：pending → queued 加锁，进入终态解锁。
type Workspace struct {
	ID               string  `json:"id" db:"id"`
	Name             string  `json:"name" db:"name"`
	ExecutionProfile string  `json:"execution_profile" db:"execution_profile"`
	ExecutionBackend Backend `json:"execution_backend" db:"execution_backend"`
	BackendVersion   string  `json:"backend_version,omitempty" db:"backend_version"`
	ResourceCPU      string  `json:"resource_cpu" db:"resource_cpu"`
	ResourceMemory   string  `json:"resource_memory" db:"resource_memory"`
	AutoApply        bool    `json:"auto_apply" db:"auto_apply"`
	AgentPoolID      *string `json:"agent_pool_id,omitempty" db:"agent_pool_id"`

	Locked    bool    `json:"locked" db:"locked"`
	LockRunID *string `json:"lock_run_id,omitempty" db:"lock_run_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ApplyDefaults 补全未设置的字段
func (w *Workspace) ApplyDefaults() {
	if w.ExecutionProfile == "" {
		w.ExecutionProfile = DefaultExecutionProfile
	}
	if w.ExecutionBackend == "" {
		w.ExecutionBackend = BackendTerraform
	}
	if w.ResourceCPU == "" {
		w.ResourceCPU = "1"
	}
	if w.ResourceMemory == "" {
		w.ResourceMemory = "2Gi"
	}
}
