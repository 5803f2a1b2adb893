package auth

import (
	"context"
	"fmt"
	"strings"
)

// Level Workspace 权限级别，高级别包含低级别
type Level string

const (
	LevelRead  Level = "read"
	LevelPlan  Level = "plan"
	LevelApply Level = "apply"
	LevelAdmin Level = "admin"
)

func (l Level) rank() int {
	switch l {
	case LevelRead:
		return 1
	case LevelPlan:
		return 2
	case LevelApply:
		return 3
	case LevelAdmin:
		return 4
	}
	return 0
}

// Covers 是否满足 required 级别
func (l Level) Covers(required Level) bool {
	return l.rank() > 0 && l.rank() >= required.rank()
}

// ParseLevel 解析权限级别
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if l.rank() == 0 {
		return "", fmt.Errorf("unknown permission level %q", s)
	}
	return l, nil
}

// Gate 权限门禁，只回答允许/拒绝
type Gate interface {
	Allowed(ctx context.Context, caller *Caller, workspaceID string, level Level) bool
}

// GateFunc 函数适配器
type GateFunc func(ctx context.Context, caller *Caller, workspaceID string, level Level) bool

func (f GateFunc) Allowed(ctx context.Context, caller *Caller, workspaceID string, level Level) bool {
	return f(ctx, caller, workspaceID, level)
}

// ClaimsGate 按 JWT 中的 workspaces 声明判定
//
// 管理员全部放行；否则取具体 Workspace 与通配 "*" 中较高的级别比较。
type ClaimsGate struct{}

func (ClaimsGate) Allowed(_ context.Context, caller *Caller, workspaceID string, level Level) bool {
	if caller == nil {
		return false
	}
	if caller.IsAdmin() {
		return true
	}
	if caller.Workspaces[workspaceID].Covers(level) {
		return true
	}
	return caller.Workspaces[AnyWorkspace].Covers(level)
}
