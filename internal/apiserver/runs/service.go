package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"runplane/internal/apiserver/auth"
	"runplane/internal/jobbuilder"
	"runplane/internal/shared/model"
	"runplane/internal/shared/storage"
	"runplane/pkg/logging"
)

var (
	// ErrForbidden 权限门禁拒绝，未做任何修改
	ErrForbidden = errors.New("permission denied")
	// ErrNotAssigned Run 未分配给上报阶段的 Listener
	ErrNotAssigned = errors.New("run is not assigned to this listener")
	// ErrInvalidRequest 请求参数不合法
	ErrInvalidRequest = errors.New("invalid request")
)

// Store Run 服务需要的存储接口
type Store interface {
	storage.RunStore
	GetWorkspace(ctx context.Context, id string) (*model.Workspace, error)
	GetPoolByName(ctx context.Context, name string) (*model.AgentPool, error)
}

// Observer 状态迁移观察者（指标）
type Observer interface {
	ObserveTransition(event string, from, to model.RunStatus)
}

type nopObserver struct{}

func (nopObserver) ObserveTransition(string, model.RunStatus, model.RunStatus) {}

// Options Run 服务选项
type Options struct {
	// DefaultPool Workspace 未绑定池时使用的池名
	DefaultPool string
	Logger      *logging.Logger
	Observer    Observer
	Now         func() time.Time
}

// Service Run 生命周期服务
//
// 所有状态写入都经过 transition：先按迁移表计算目标状态，
// 再以当前状态为条件写库，并发冲突时先写者胜出。
type Service struct {
	store       Store
	gate        auth.Gate
	defaultPool string
	logger      *logging.Logger
	observer    Observer
	now         func() time.Time
}

// NewService 创建 Run 服务
func NewService(store Store, gate auth.Gate, opts Options) *Service {
	s := &Service{
		store:       store,
		gate:        gate,
		defaultPool: opts.DefaultPool,
		logger:      opts.Logger,
		observer:    opts.Observer,
		now:         opts.Now,
	}
	if s.defaultPool == "" {
		s.defaultPool = model.DefaultPoolName
	}
	if s.logger == nil {
		s.logger = logging.Default("runs")
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// CreateRequest 创建 Run 的参数
type CreateRequest struct {
	WorkspaceID string
	Message     string
	Source      string
	IsDestroy   bool
	PlanOnly    bool
	// AutoApply 为空时沿用 Workspace 配置
	AutoApply *bool
}

// PhaseReport Listener 上报的阶段
type PhaseReport struct {
	Status model.RunStatus `json:"status"`
	Reason string          `json:"reason,omitempty"`
}

// Create 创建 Run 并立即尝试入队
//
// Workspace 已被其他 Run 锁定时 Run 停留在 pending，待锁释放后按创建顺序提升。
func (s *Service) Create(ctx context.Context, caller *auth.Caller, req CreateRequest) (*model.Run, error) {
	ws, err := s.store.GetWorkspace(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if !s.gate.Allowed(ctx, caller, ws.ID, auth.LevelPlan) {
		return nil, ErrForbidden
	}
	if err := jobbuilder.ValidateCPU(ws.ResourceCPU); err != nil {
		return nil, fmt.Errorf("%w: workspace cpu: %v", ErrInvalidRequest, err)
	}
	if err := jobbuilder.ValidateMemory(ws.ResourceMemory); err != nil {
		return nil, fmt.Errorf("%w: workspace memory: %v", ErrInvalidRequest, err)
	}

	autoApply := ws.AutoApply
	if req.AutoApply != nil {
		autoApply = *req.AutoApply
	}
	source := req.Source
	if source == "" {
		source = "api"
	}

	now := s.now().UTC()
	run := &model.Run{
		ID:             model.NewID(model.PrefixRun),
		WorkspaceID:    ws.ID,
		Status:         model.RunStatusPending,
		Source:         source,
		Message:        req.Message,
		IsDestroy:      req.IsDestroy,
		AutoApply:      autoApply && !req.PlanOnly,
		PlanOnly:       req.PlanOnly,
		ResourceCPU:    ws.ResourceCPU,
		ResourceMemory: ws.ResourceMemory,
		Backend:        model.ExecutionBackend{Kind: ws.ExecutionBackend, Version: ws.BackendVersion},
		PoolID:         s.resolvePool(ctx, ws),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if caller != nil {
		run.CreatedBy = caller.ID
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.logger.WithRunID(run.ID).Info("Run created",
		"workspace_id", ws.ID, "plan_only", run.PlanOnly, "auto_apply", run.AutoApply, "created_by", run.CreatedBy)

	queued, err := s.Queue(ctx, run)
	switch {
	case err == nil:
		return queued, nil
	case errors.Is(err, storage.ErrLocked):
		return run, nil
	default:
		return nil, err
	}
}

// resolvePool Workspace 绑定的池，否则回退到默认池；默认池不存在时不限池
func (s *Service) resolvePool(ctx context.Context, ws *model.Workspace) *string {
	if ws.AgentPoolID != nil && *ws.AgentPoolID != "" {
		id := *ws.AgentPoolID
		return &id
	}
	pool, err := s.store.GetPoolByName(ctx, s.defaultPool)
	if err != nil {
		return nil
	}
	return &pool.ID
}

// Queue pending → queued，与获取 Workspace 锁在同一事务中完成
//
// 锁被占用时返回 storage.ErrLocked，Run 保持 pending。
func (s *Service) Queue(ctx context.Context, run *model.Run) (*model.Run, error) {
	now := s.now().UTC()
	return s.transition(ctx, run, EventQueue, "", func(tr *storage.RunTransition) {
		tr.AcquireLock = true
		tr.QueuedAt = &now
	})
}

// Get 读取 Run
func (s *Service) Get(ctx context.Context, caller *auth.Caller, id string) (*model.Run, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.gate.Allowed(ctx, caller, run.WorkspaceID, auth.LevelRead) {
		return nil, ErrForbidden
	}
	return run, nil
}

// ListByWorkspace 列出 Workspace 最近的 Run
func (s *Service) ListByWorkspace(ctx context.Context, caller *auth.Caller, workspaceID string, limit int) ([]*model.Run, error) {
	if !s.gate.Allowed(ctx, caller, workspaceID, auth.LevelRead) {
		return nil, ErrForbidden
	}
	if _, err := s.store.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}
	return s.store.ListRunsByWorkspace(ctx, workspaceID, limit)
}

// Confirm planned → confirmed，plan_only 的 Run 一律拒绝
func (s *Service) Confirm(ctx context.Context, caller *auth.Caller, id string) (*model.Run, error) {
	return s.act(ctx, caller, id, auth.LevelApply, EventConfirm, "")
}

// Discard planned → discarded，plan_only 的 Run 一律拒绝
func (s *Service) Discard(ctx context.Context, caller *auth.Caller, id string) (*model.Run, error) {
	return s.act(ctx, caller, id, auth.LevelApply, EventDiscard, "discarded by "+callerID(caller))
}

// Cancel 任意非终态 → canceled
func (s *Service) Cancel(ctx context.Context, caller *auth.Caller, id string) (*model.Run, error) {
	return s.act(ctx, caller, id, auth.LevelPlan, EventCancel, "canceled by "+callerID(caller))
}

func (s *Service) act(ctx context.Context, caller *auth.Caller, id string, level auth.Level, ev Event, reason string) (*model.Run, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.gate.Allowed(ctx, caller, run.WorkspaceID, level) {
		s.logger.WithRunID(run.ID).Warn("Run action denied", "event", string(ev), "caller", callerID(caller))
		return nil, ErrForbidden
	}
	return s.transition(ctx, run, ev, reason, nil)
}

// ReportPhase Listener 上报阶段结果
//
// 只接受 Run 当前分配的 Listener。auto_apply 且非 plan_only 的 Run
// 在 planned 后直接进入 confirmed。重复上报当前状态视为成功。
func (s *Service) ReportPhase(ctx context.Context, listenerID, runID string, report PhaseReport) (*model.Run, error) {
	ev, ok := eventForPhase(report.Status)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported phase status %q", ErrInvalidRequest, report.Status)
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.AssignedTo(listenerID) {
		return nil, ErrNotAssigned
	}
	if run.Status == report.Status {
		return run, nil
	}
	if report.Status == model.RunStatusPlanned && run.AutoApply && run.Status == model.RunStatusConfirmed {
		return run, nil
	}

	now := s.now().UTC()
	wasApplying := run.Status == model.RunStatusConfirmed || run.Status == model.RunStatusApplying
	updated, err := s.transition(ctx, run, ev, report.Reason, func(tr *storage.RunTransition) {
		switch tr.To {
		case model.RunStatusPlanned:
			tr.PlanFinishedAt = &now
		case model.RunStatusApplying:
			tr.ApplyStartedAt = &now
		case model.RunStatusApplied:
			tr.ApplyFinishedAt = &now
		case model.RunStatusErrored:
			if wasApplying {
				tr.ApplyFinishedAt = &now
			} else {
				tr.PlanFinishedAt = &now
			}
		}
	})
	if err != nil {
		return nil, err
	}

	if updated.Status == model.RunStatusPlanned && updated.AutoApply && !updated.PlanOnly {
		return s.transition(ctx, updated, EventConfirm, "", nil)
	}
	return updated, nil
}

// Fail 由系统将 Run 标记为 errored（孤儿回收、作业丢失等）
func (s *Service) Fail(ctx context.Context, runID, reason string) (*model.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	wasApplying := run.Status == model.RunStatusConfirmed || run.Status == model.RunStatusApplying
	return s.transition(ctx, run, EventError, reason, func(tr *storage.RunTransition) {
		if wasApplying {
			tr.ApplyFinishedAt = &now
		} else {
			tr.PlanFinishedAt = &now
		}
	})
}

// transition 执行一次条件迁移
//
// 进入终态（含 plan_only 的 planned）时在同一事务中释放 Workspace 锁，
// 随后提升该 Workspace 最早的 pending Run。
func (s *Service) transition(ctx context.Context, run *model.Run, ev Event, reason string, mutate func(*storage.RunTransition)) (*model.Run, error) {
	to, err := Next(run, ev)
	if err != nil {
		return nil, err
	}

	tr := storage.RunTransition{From: run.Status, To: to, At: s.now().UTC()}
	if releasesLock(run, to) {
		tr.ReleaseLock = true
		if reason == "" {
			reason = model.DefaultStatusReason(to, run.PlanOnly)
		}
	}
	if reason != "" {
		tr.StatusReason = &reason
	}
	if mutate != nil {
		mutate(&tr)
	}

	updated, err := s.store.TransitionRun(ctx, run.ID, tr)
	if errors.Is(err, storage.ErrConflict) {
		current, getErr := s.store.GetRun(ctx, run.ID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &TransitionError{RunID: run.ID, Current: current.Status, Event: ev}
	}
	if err != nil {
		return nil, err
	}

	s.logger.TransitionLog(run.ID, string(run.Status), string(to), string(ev), "workspace_id", run.WorkspaceID)
	s.observer.ObserveTransition(string(ev), run.Status, to)

	if tr.ReleaseLock {
		s.promotePending(ctx, run.WorkspaceID)
	}
	return updated, nil
}

// promotePending 锁释放后提升最早的 pending Run，失败只记日志
func (s *Service) promotePending(ctx context.Context, workspaceID string) {
	next, err := s.store.OldestPendingRun(ctx, workspaceID)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.WithError(err).Warn("Load pending run failed", "workspace_id", workspaceID)
		return
	}
	if _, err := s.Queue(ctx, next); err != nil && !errors.Is(err, storage.ErrLocked) {
		s.logger.WithRunID(next.ID).WithError(err).Warn("Promote pending run failed", "workspace_id", workspaceID)
	}
}

func callerID(caller *auth.Caller) string {
	if caller == nil {
		return "system"
	}
	return caller.ID
}
