// Package storage 定义持久化存储层抽象接口
//
// 调用方只依赖接口，具体实现在 repository/ 中，
// 通过 dbutil.Dialect 同时支持 PostgreSQL 与 SQLite。
package storage

import (
	"context"
	"time"

	"runplane/internal/shared/model"
)

// ============================================================================
// Run
// ============================================================================

// RunTransition 一次条件状态迁移
//
// 仓储层以 "WHERE id = ? AND status = From" 执行比较并交换，
// 未命中返回 ErrConflict（先写者胜出）。
type RunTransition struct {
	From model.RunStatus
	To   model.RunStatus
	At   time.Time

	// AcquireLock 在同一事务中获取 Workspace 锁（pending → queued）
	AcquireLock bool
	// ReleaseLock 在同一事务中释放 Workspace 锁（进入终态）
	ReleaseLock bool

	StatusReason *string

	QueuedAt        *time.Time
	PlanStartedAt   *time.Time
	PlanFinishedAt  *time.Time
	ApplyStartedAt  *time.Time
	ApplyFinishedAt *time.Time
}

// ClaimRequest 领取候选过滤条件
type ClaimRequest struct {
	ListenerID string
	PoolID     string
	Profile    string
}

// ClaimSnapshot 领取时一次性写入 Run 的作业快照
type ClaimSnapshot struct {
	LimitCPU       string
	LimitMemory    string
	Backend        model.Backend
	BackendVersion string
}

// RunStore Run 存储接口
type RunStore interface {
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRunsByWorkspace(ctx context.Context, workspaceID string, limit int) ([]*model.Run, error)
	ListRunsByListener(ctx context.Context, listenerID string, statuses []model.RunStatus) ([]*model.Run, error)
	GetRunsByIDs(ctx context.Context, ids []string) ([]*model.Run, error)
	OldestPendingRun(ctx context.Context, workspaceID string) (*model.Run, error)

	TransitionRun(ctx context.Context, id string, tr RunTransition) (*model.Run, error)

	// ListClaimCandidates 按 queued_at 先进先出返回可领取的 Run ID
	ListClaimCandidates(ctx context.Context, req ClaimRequest, limit int) ([]string, error)
	// ClaimRun queued → planning 的原子领取，未命中返回 ErrConflict
	ClaimRun(ctx context.Context, runID, listenerID string, snap ClaimSnapshot, at time.Time) (*model.Run, error)
}

// ============================================================================
// Workspace
// ============================================================================

// WorkspaceStore Workspace 存储接口
type WorkspaceStore interface {
	CreateWorkspace(ctx context.Context, ws *model.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*model.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*model.Workspace, error)
	// UpdateWorkspaceSettings 只更新配置字段，锁字段由 Run 迁移维护
	UpdateWorkspaceSettings(ctx context.Context, ws *model.Workspace) error
}

// ============================================================================
// Agent Pool / Token / Listener
// ============================================================================

// PoolStore Agent Pool 存储接口
type PoolStore interface {
	CreatePool(ctx context.Context, pool *model.AgentPool) error
	GetPool(ctx context.Context, id string) (*model.AgentPool, error)
	GetPoolByName(ctx context.Context, name string) (*model.AgentPool, error)
	ListPools(ctx context.Context) ([]*model.AgentPool, error)
	DeletePool(ctx context.Context, id string) error
}

// TokenStore 加入令牌存储接口
type TokenStore interface {
	CreatePoolToken(ctx context.Context, token *model.AgentPoolToken) error
	GetPoolTokenByHash(ctx context.Context, hash string) (*model.AgentPoolToken, error)
	ListPoolTokens(ctx context.Context, poolID string) ([]*model.AgentPoolToken, error)
	RevokePoolToken(ctx context.Context, id string) error
	// RedeemPoolToken 比较并递增 use_count，达到上限或已撤销返回 ErrExhausted
	RedeemPoolToken(ctx context.Context, id string) error
}

// ListenerStore Listener 存储接口
type ListenerStore interface {
	CreateListener(ctx context.Context, l *model.RunnerListener) error
	GetListener(ctx context.Context, id string) (*model.RunnerListener, error)
	GetListenerByName(ctx context.Context, name string) (*model.RunnerListener, error)
	ListListenersByPool(ctx context.Context, poolID string) ([]*model.RunnerListener, error)
	UpdateListenerCertificate(ctx context.Context, id, fingerprint string, expiresAt time.Time) error
	UpdateListenerProfiles(ctx context.Context, id string, profiles []string) error
	DeleteListener(ctx context.Context, id string) error
}

// CAStore CA 单行存储接口
type CAStore interface {
	// InsertCAIfAbsent 仅当不存在时写入，返回是否写入
	InsertCAIfAbsent(ctx context.Context, rec *model.CertificateAuthorityRecord) (bool, error)
	GetCA(ctx context.Context) (*model.CertificateAuthorityRecord, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// PersistentStore 持久化存储组合接口
type PersistentStore interface {
	RunStore
	WorkspaceStore
	PoolStore
	TokenStore
	ListenerStore
	CAStore
	Close() error
}
