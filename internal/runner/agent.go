package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"runplane/internal/runner/runtime"
	"runplane/internal/shared/model"
	"runplane/pkg/logging"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Agent Listener 主体
//
// 两个循环并行：心跳（首拍立即发送）刷新存活并接收取消指令，
// 轮询在空闲容量内领取 Run。每个 Run 占用一个容量单位直到执行结束。
type Agent struct {
	cfg      Config
	client   *Client
	executor *Executor
	metrics  *Metrics
	logger   *logging.Logger

	sem    *semaphore.Weighted
	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
	jobs   sync.WaitGroup
	// deferred 重启时因容量不足未能恢复的 planned / confirmed Run
	deferred []*model.Run
	next     int // 轮询的起始 profile
	// unsaved 已在服务端轮换、但尚未写入证书目录的身份
	unsaved *Identity
	// beatNow 作业结束后立即上报空出的容量
	beatNow chan struct{}

	now func() time.Time
}

// NewAgent 创建 Listener
func NewAgent(cfg Config, client *Client, rt runtime.JobRuntime, metrics *Metrics) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = NewMetrics("runplane_listener", cfg.Name)
	}
	return &Agent{
		cfg:      cfg,
		client:   client,
		executor: NewExecutor(rt, client, metrics, cfg.ConfirmInterval),
		metrics:  metrics,
		logger:   logging.Default("listener"),
		sem:      semaphore.NewWeighted(int64(cfg.Capacity)),
		active:   make(map[string]context.CancelCauseFunc),
		beatNow:  make(chan struct{}, 1),
		now:      time.Now,
	}, nil
}

// Enroll 加载已保存的身份，没有时用加入令牌加入
func (a *Agent) Enroll(ctx context.Context) error {
	id, err := LoadIdentity(a.cfg.CertDir)
	switch {
	case err == nil:
		if a.cfg.PoolID != "" && id.PoolID != a.cfg.PoolID {
			return fmt.Errorf("saved identity belongs to pool %s, not %s", id.PoolID, a.cfg.PoolID)
		}
		log.Printf("[listener.identity.loaded] listener_id=%s pool_id=%s expires_at=%s",
			id.ListenerID, id.PoolID, id.ExpiresAt.Format(time.RFC3339))
	case errors.Is(err, ErrNoIdentity):
		if a.cfg.Token == "" || a.cfg.PoolID == "" || a.cfg.Name == "" {
			return errors.New("no saved identity: pool id, name and join token are required to join")
		}
		creds, err := a.client.Join(ctx, a.cfg.PoolID, a.cfg.Token, a.cfg.Name, a.cfg.Profiles)
		if err != nil {
			return fmt.Errorf("join pool: %w", err)
		}
		if id, err = NewIdentity(creds); err != nil {
			return err
		}
		if err := id.Save(a.cfg.CertDir); err != nil {
			return fmt.Errorf("save identity: %w", err)
		}
		log.Printf("[listener.identity.joined] listener_id=%s pool_id=%s", id.ListenerID, id.PoolID)
	default:
		return err
	}

	a.client.SetIdentity(id)
	return nil
}

// Run 启动主循环，ctx 取消后停止领取、终止进行中的作业并等待其结束
func (a *Agent) Run(ctx context.Context) error {
	id := a.client.Identity()
	if id == nil {
		return ErrNoIdentity
	}
	log.Printf("[listener.started] listener_id=%s capacity=%d profiles=%v", id.ListenerID, a.cfg.Capacity, a.cfg.Profiles)

	a.recoverOrphans(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.heartbeatLoop(gctx) })
	g.Go(func() error { return a.pollLoop(gctx) })
	err := g.Wait()

	a.cancelAll(ErrShutdown)
	a.jobs.Wait()
	log.Printf("[listener.stopped] listener_id=%s", id.ListenerID)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	a.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.beat(ctx)
		case <-a.beatNow:
			a.beat(ctx)
		}
	}
}

// beat 发送一次心跳，处理取消指令与证书轮换
func (a *Agent) beat(ctx context.Context) {
	a.retryUnsaved()

	ids := a.activeRunIDs()
	start := time.Now()
	resp, err := a.client.Heartbeat(ctx, Heartbeat{
		Capacity:     a.cfg.Capacity,
		ActiveRuns:   len(ids),
		Profiles:     a.cfg.Profiles,
		ActiveRunIDs: ids,
	})
	latency := time.Since(start)
	a.metrics.ObserveHeartbeat(latency, err)
	a.logger.HeartbeatLog(a.client.Identity().ListenerID, len(ids), a.cfg.Capacity, latency, err)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			a.logger.SecurityLog("heartbeat_rejected", a.client.Identity().ListenerID, err)
		}
		return
	}

	for _, runID := range resp.CancelRunIDs {
		if a.cancel(runID, ErrCanceledByServer) {
			log.Printf("[listener.directive.cancel] run_id=%s", runID)
		}
	}
	if resp.RenewDue || a.client.Identity().RenewalDue(a.now()) {
		a.renew(ctx)
	}
}

// renew 轮换证书并持久化，旧证书随即失效
func (a *Agent) renew(ctx context.Context) {
	creds, err := a.client.Renew(ctx)
	if err != nil {
		a.metrics.RenewalsTotal.WithLabelValues("failed").Inc()
		a.logger.WithError(err).Warn("certificate renewal failed")
		return
	}
	id, err := NewIdentity(creds)
	if err != nil {
		a.metrics.RenewalsTotal.WithLabelValues("failed").Inc()
		a.logger.WithError(err).Error("renewed credentials unusable")
		return
	}
	// 服务端已轮换，新证书必须立即使用；磁盘上的旧证书此时已失效
	a.client.SetIdentity(id)
	a.metrics.RenewalsTotal.WithLabelValues("ok").Inc()
	log.Printf("[listener.identity.renewed] listener_id=%s expires_at=%s", id.ListenerID, id.ExpiresAt.Format(time.RFC3339))
	a.persistIdentity(ctx, id)
}

// persistIdentity 写入证书目录，连续失败时记为未保存，由之后的心跳继续重试
func (a *Agent) persistIdentity(ctx context.Context, id *Identity) {
	var err error
	for attempt := 0; attempt < identitySaveAttempts; attempt++ {
		if attempt > 0 {
			if sleepCtx(ctx, identitySaveRetryDelay) != nil {
				break
			}
		}
		if err = id.Save(a.cfg.CertDir); err == nil {
			a.mu.Lock()
			if a.unsaved == id {
				a.unsaved = nil
			}
			a.mu.Unlock()
			return
		}
	}
	a.mu.Lock()
	a.unsaved = id
	a.mu.Unlock()
	a.logger.WithError(err).Error("persist renewed identity failed, will retry", "cert_dir", a.cfg.CertDir)
}

// retryUnsaved 重试保存尚未落盘的身份
func (a *Agent) retryUnsaved() {
	a.mu.Lock()
	id := a.unsaved
	a.mu.Unlock()
	if id == nil {
		return
	}
	if err := id.Save(a.cfg.CertDir); err != nil {
		a.logger.WithError(err).Warn("persist renewed identity still failing", "cert_dir", a.cfg.CertDir)
		return
	}
	a.mu.Lock()
	if a.unsaved == id {
		a.unsaved = nil
	}
	a.mu.Unlock()
	log.Printf("[listener.identity.saved] listener_id=%s", id.ListenerID)
}

func (a *Agent) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.fill(ctx)
		}
	}
}

// fill 在空闲容量内持续领取，直到没有可领取的工作
func (a *Agent) fill(ctx context.Context) {
	for ctx.Err() == nil && a.sem.TryAcquire(1) {
		if run := a.popDeferred(); run != nil {
			log.Printf("[listener.orphan.resumed] run_id=%s status=%s", run.ID, run.Status)
			a.start(ctx, &Claim{Run: run})
			continue
		}
		claim, profile, err := a.claimAny(ctx)
		if err != nil || claim == nil {
			a.sem.Release(1)
			if err != nil {
				a.metrics.ClaimsTotal.WithLabelValues("error").Inc()
				a.logger.WithError(err).Warn("claim failed")
			} else {
				a.metrics.ClaimsTotal.WithLabelValues("empty").Inc()
			}
			return
		}
		a.metrics.ClaimsTotal.WithLabelValues("hit").Inc()
		a.logger.ClaimLog(a.client.Identity().ListenerID, profile, claim.Run.ID)
		a.start(ctx, claim)
	}
}

// claimAny 依次尝试各 profile，起点轮转避免饿死
func (a *Agent) claimAny(ctx context.Context) (*Claim, string, error) {
	n := len(a.cfg.Profiles)
	for i := 0; i < n; i++ {
		profile := a.cfg.Profiles[(a.next+i)%n]
		claim, err := a.client.ClaimNext(ctx, profile)
		if err != nil {
			return nil, profile, err
		}
		if claim != nil {
			a.next = (a.next + i + 1) % n
			return claim, profile, nil
		}
	}
	return nil, "", nil
}

// popDeferred 取出一个因容量不足而推迟恢复的 Run
func (a *Agent) popDeferred() *model.Run {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.deferred) == 0 {
		return nil
	}
	run := a.deferred[0]
	a.deferred = a.deferred[1:]
	return run
}

// start 在已占用的容量单位上执行 Run，结束时释放
func (a *Agent) start(ctx context.Context, claim *Claim) {
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))

	a.mu.Lock()
	a.active[claim.Run.ID] = cancel
	a.mu.Unlock()

	a.jobs.Add(1)
	go func() {
		defer a.jobs.Done()
		defer a.sem.Release(1)
		defer func() {
			a.mu.Lock()
			delete(a.active, claim.Run.ID)
			a.mu.Unlock()
			cancel(nil)
			select {
			case a.beatNow <- struct{}{}:
			default:
			}
		}()
		a.executor.Execute(runCtx, claim)
	}()
}

// cancel 以 cause 取消一个进行中的 Run，返回是否存在
func (a *Agent) cancel(runID string, cause error) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn, ok := a.active[runID]
	if ok {
		fn(cause)
	}
	return ok
}

func (a *Agent) cancelAll(cause error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, fn := range a.active {
		fn(cause)
	}
}

func (a *Agent) activeRunIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.active))
	for id := range a.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// recoverOrphans 处理上次进程遗留的 Run
//
// 执行中（planning / applying）的作业无法接续，标记为 errored；
// planned / confirmed 的 Run 在有容量时继续等待确认或执行 apply。
func (a *Agent) recoverOrphans(ctx context.Context) {
	runs, err := a.client.Assigned(ctx)
	if err != nil {
		a.logger.WithError(err).Warn("list assigned runs failed, skipping orphan recovery")
		return
	}
	for _, run := range runs {
		a.mu.Lock()
		_, tracked := a.active[run.ID]
		a.mu.Unlock()
		if tracked {
			continue
		}
		switch run.Status {
		case model.RunStatusPlanning, model.RunStatusApplying:
			a.executor.Recover(ctx, run)
		case model.RunStatusPlanned, model.RunStatusConfirmed:
			if !a.sem.TryAcquire(1) {
				log.Printf("[listener.orphan.deferred] run_id=%s status=%s reason=no_capacity", run.ID, run.Status)
				a.mu.Lock()
				a.deferred = append(a.deferred, run)
				a.mu.Unlock()
				continue
			}
			log.Printf("[listener.orphan.resumed] run_id=%s status=%s", run.ID, run.Status)
			a.start(ctx, &Claim{Run: run})
		}
	}
}
