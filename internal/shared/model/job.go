package model

import (
	"fmt"
	"strings"
	"time"
)

// Backend 执行引擎种类（封闭集合）
type Backend string

const (
	BackendTerraform Backend = "terraform"
	BackendTofu      Backend = "tofu"
)

// ParseBackend 解析执行引擎名称，空字符串视为 terraform
func ParseBackend(s string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(s))) {
	case "", BackendTerraform:
		return BackendTerraform, nil
	case BackendTofu:
		return BackendTofu, nil
	}
	return "", fmt.Errorf("unknown execution backend %q", s)
}

// Binary 作业容器内调用的可执行文件名
func (b Backend) Binary() string {
	if b == BackendTofu {
		return "tofu"
	}
	return "terraform"
}

// ExecutionBackend 执行引擎及版本
type ExecutionBackend struct {
	Kind    Backend `json:"kind"`
	Version string  `json:"version,omitempty"`
}

func (e ExecutionBackend) String() string {
	if e.Version == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + "@" + e.Version
}

// JobPhase 作业阶段
type JobPhase string

const (
	PhasePlan  JobPhase = "plan"
	PhaseApply JobPhase = "apply"
)

// ResourceSpec CPU / 内存数量字符串（Kubernetes quantity 约定）
type ResourceSpec struct {
	CPU    string `json:"cpu"`
	Memory string `json:"memory"`
}

// Resources 请求与上限
type Resources struct {
	Requests ResourceSpec `json:"requests"`
	Limits   ResourceSpec `json:"limits"`
}

// TerminationGracePeriod 作业收到终止信号后的固定宽限期
const TerminationGracePeriod = 120 * time.Second

// EnvVar 作业环境变量
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// JobSpec 一个临时计算单元的完整描述
type JobSpec struct {
	Name        string            `json:"name"`
	RunID       string            `json:"run_id"`
	WorkspaceID string            `json:"workspace_id"`
	Phase       JobPhase          `json:"phase"`
	Image       string            `json:"image"`
	Backend     ExecutionBackend  `json:"backend"`
	Resources   Resources         `json:"resources"`
	Env         []EnvVar          `json:"env"`
	Labels      map[string]string `json:"labels"`

	// GracePeriodSeconds 固定为 120，不可配置
	GracePeriodSeconds int `json:"grace_period_seconds"`
	// TimeoutSeconds 作业最长运行时间，0 表示不限制（默认）
	TimeoutSeconds int `json:"timeout_seconds"`
}

// GracePeriod 返回宽限期
func (j *JobSpec) GracePeriod() time.Duration {
	return time.Duration(j.GracePeriodSeconds) * time.Second
}

// EnvValue 查找环境变量
func (j *JobSpec) EnvValue(name string) (string, bool) {
	for _, e := range j.Env {
		if e.Name == name {
			return e.Value, true
		}
	}
	return "", false
}
