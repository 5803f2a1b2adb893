// Package dispatch 队列派发：Listener 拉取式领取 queued Run
//
// 调度不再由服务端推送，每个 Listener 在有空闲槽位时调用 ClaimNext。
// 同一个 Run 最多被一个 Listener 领取：领取是以 status = 'queued'
// 为条件的单条 UPDATE，并发领取者中只有一个命中，其余继续尝试下一个候选。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"runplane/internal/apiserver/runs"
	"runplane/internal/jobbuilder"
	"runplane/internal/shared/model"
	"runplane/internal/shared/storage"
	"runplane/pkg/logging"
)

// Store 派发需要的存储接口
type Store interface {
	ListClaimCandidates(ctx context.Context, req storage.ClaimRequest, limit int) ([]string, error)
	ClaimRun(ctx context.Context, runID, listenerID string, snap storage.ClaimSnapshot, at time.Time) (*model.Run, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	GetWorkspace(ctx context.Context, id string) (*model.Workspace, error)
	ListRunsByListener(ctx context.Context, listenerID string, statuses []model.RunStatus) ([]*model.Run, error)
}

// Eligibility Listener 是否可接收指定执行配置的工作
type Eligibility interface {
	IsEligible(ctx context.Context, listenerID, profile string) (bool, error)
}

// Observer 领取结果观察者（指标）
type Observer interface {
	ObserveClaim(hit bool)
	ObserveTransition(event string, from, to model.RunStatus)
}

type nopObserver struct{}

func (nopObserver) ObserveClaim(bool)                                          {}
func (nopObserver) ObserveTransition(string, model.RunStatus, model.RunStatus) {}

// Config 派发配置
type Config struct {
	// Batch 每次读取的候选数量，候选被抢走时依次尝试
	Batch int
	Job   jobbuilder.Options
}

// Claim 领取结果：Run 与其 plan 作业
type Claim struct {
	Run *model.Run     `json:"run"`
	Job *model.JobSpec `json:"job"`
}

// Dispatcher 队列派发器
type Dispatcher struct {
	store    Store
	liveness Eligibility
	cfg      Config
	logger   *logging.Logger
	observer Observer
	now      func() time.Time
}

// Option 派发器选项
type Option func(*Dispatcher)

// WithObserver 设置指标观察者
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithLogger 设置日志器
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock 设置时钟
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New 创建派发器
func New(store Store, liveness Eligibility, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Batch <= 0 {
		cfg.Batch = 10
	}
	d := &Dispatcher{
		store:    store,
		liveness: liveness,
		cfg:      cfg,
		logger:   logging.Default("dispatch"),
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ClaimNext 为 Listener 领取下一个 Run
//
// 没有可领取的工作时返回 (nil, nil)：Listener 心跳过期、容量已满、
// 或者没有匹配的 queued Run 都属于正常的空结果。
func (d *Dispatcher) ClaimNext(ctx context.Context, listenerID, poolID, profile string) (*Claim, error) {
	eligible, err := d.liveness.IsEligible(ctx, listenerID, profile)
	if err != nil {
		return nil, fmt.Errorf("check liveness: %w", err)
	}
	if !eligible {
		d.logger.ClaimLog(listenerID, profile, "")
		d.observer.ObserveClaim(false)
		return nil, nil
	}

	ids, err := d.store.ListClaimCandidates(ctx, storage.ClaimRequest{
		ListenerID: listenerID,
		PoolID:     poolID,
		Profile:    profile,
	}, d.cfg.Batch)
	if err != nil {
		return nil, fmt.Errorf("list claim candidates: %w", err)
	}

	for _, id := range ids {
		claim, err := d.tryClaim(ctx, id, listenerID)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		d.logger.ClaimLog(listenerID, profile, claim.Run.ID)
		d.observer.ObserveClaim(true)
		return claim, nil
	}

	d.logger.ClaimLog(listenerID, profile, "")
	d.observer.ObserveClaim(false)
	return nil, nil
}

// tryClaim 对单个候选执行领取，已被其他 Listener 领取返回 storage.ErrConflict
func (d *Dispatcher) tryClaim(ctx context.Context, runID, listenerID string) (*Claim, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if _, err := runs.Next(run, runs.EventClaim); err != nil {
		return nil, storage.ErrConflict
	}
	ws, err := d.store.GetWorkspace(ctx, run.WorkspaceID)
	if err != nil {
		return nil, err
	}

	snap, err := Snapshot(run, ws)
	if err != nil {
		return nil, fmt.Errorf("snapshot run %s: %w", run.ID, err)
	}

	claimed, err := d.store.ClaimRun(ctx, run.ID, listenerID, snap, d.now().UTC())
	if err != nil {
		return nil, err
	}
	d.logger.TransitionLog(claimed.ID, string(model.RunStatusQueued), string(model.RunStatusPlanning),
		string(runs.EventClaim), "listener_id", listenerID)
	d.observer.ObserveTransition(string(runs.EventClaim), model.RunStatusQueued, model.RunStatusPlanning)

	job, err := jobbuilder.Build(claimed, ws, model.PhasePlan, d.cfg.Job)
	if err != nil {
		return nil, fmt.Errorf("build plan job: %w", err)
	}
	return &Claim{Run: claimed, Job: job}, nil
}

// Snapshot 计算领取时写入的作业快照：上限为请求的两倍，
// 执行引擎优先取 Run 创建时的快照
func Snapshot(run *model.Run, ws *model.Workspace) (storage.ClaimSnapshot, error) {
	limits, err := jobbuilder.Limits(model.ResourceSpec{CPU: run.ResourceCPU, Memory: run.ResourceMemory})
	if err != nil {
		return storage.ClaimSnapshot{}, err
	}
	backend := run.Backend
	if backend.Kind == "" {
		backend = model.ExecutionBackend{Kind: ws.ExecutionBackend, Version: ws.BackendVersion}
	}
	if backend.Kind == "" {
		backend.Kind = model.BackendTerraform
	}
	return storage.ClaimSnapshot{
		LimitCPU:       limits.CPU,
		LimitMemory:    limits.Memory,
		Backend:        backend.Kind,
		BackendVersion: backend.Version,
	}, nil
}

// JobFor 为已领取的 Run 构建当前阶段的作业
//
// confirmed / applying 返回 apply 作业，planning 返回 plan 作业，其余状态返回 nil。
func (d *Dispatcher) JobFor(ctx context.Context, run *model.Run) (*model.JobSpec, error) {
	var phase model.JobPhase
	switch run.Status {
	case model.RunStatusPlanning:
		phase = model.PhasePlan
	case model.RunStatusConfirmed, model.RunStatusApplying:
		phase = model.PhaseApply
	default:
		return nil, nil
	}
	ws, err := d.store.GetWorkspace(ctx, run.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return jobbuilder.Build(run, ws, phase, d.cfg.Job)
}

// Assigned Listener 已领取、处于指定状态的 Run
func (d *Dispatcher) Assigned(ctx context.Context, listenerID string, statuses ...model.RunStatus) ([]*model.Run, error) {
	if len(statuses) == 0 {
		statuses = model.InFlightStatuses
	}
	return d.store.ListRunsByListener(ctx, listenerID, statuses)
}
