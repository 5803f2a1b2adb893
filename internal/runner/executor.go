package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"runplane/internal/jobbuilder"
	"runplane/internal/runner/runtime"
	"runplane/internal/shared/model"
	"runplane/pkg/logging"
)

// 取消原因，通过 context.Cause 传给执行器
var (
	// ErrCanceledByServer 服务端已终止或改派该 Run，不再上报
	ErrCanceledByServer = errors.New("run canceled by control plane")
	// ErrShutdown Listener 退出，进行中的阶段上报为 errored
	ErrShutdown = errors.New("listener shutting down")
)

// ReasonListenerRestarted 重启后发现的孤儿作业
const ReasonListenerRestarted = "listener restarted"

const (
	defaultStartAttempts  = 4
	defaultReportAttempts = 5
	logDrainTimeout       = 30 * time.Second
)

// RunAPI 执行器使用的 Listener 协议子集
type RunAPI interface {
	ReportPhase(ctx context.Context, runID string, status model.RunStatus, reason string) (*model.Run, error)
	UploadLog(ctx context.Context, runID string, phase model.JobPhase, r io.Reader) error
	Current(ctx context.Context, runID string) (*Claim, error)
}

// Executor 驱动单个 Run 走完 plan / apply
//
// 每个阶段对应一个临时计算单元，退出码 0 且未被强制终止视为成功。
type Executor struct {
	rt      runtime.JobRuntime
	api     RunAPI
	metrics *Metrics
	logger  *logging.Logger

	confirmInterval time.Duration
	startAttempts   int
	reportAttempts  int
	sleep           func(ctx context.Context, d time.Duration) error
}

// NewExecutor 创建执行器
func NewExecutor(rt runtime.JobRuntime, api RunAPI, metrics *Metrics, confirmInterval time.Duration) *Executor {
	if confirmInterval <= 0 {
		confirmInterval = DefaultConfirmInterval
	}
	return &Executor{
		rt:              rt,
		api:             api,
		metrics:         metrics,
		logger:          logging.Default("executor"),
		confirmInterval: confirmInterval,
		startAttempts:   defaultStartAttempts,
		reportAttempts:  defaultReportAttempts,
		sleep:           sleepCtx,
	}
}

// phaseOutcome 一个阶段作业的结果
type phaseOutcome struct {
	ok     bool
	reason string
	// canceled 非空表示作业被取消，值为取消原因
	canceled error
}

// Execute 从 Run 当前状态继续推进，直到 Run 结束或不再属于本 Listener
//
// planned 之后轮询等待确认；auto-apply 的 Run 上报 planned 时服务端直接返回 confirmed。
func (e *Executor) Execute(ctx context.Context, claim *Claim) {
	run, job := claim.Run, claim.Job
	logger := e.logger.WithRunID(run.ID)

	for {
		if err := ctx.Err(); err != nil {
			e.abandon(ctx, run)
			return
		}
		switch run.Status {
		case model.RunStatusPlanning:
			next, ok := e.runAndReport(ctx, run, job, model.PhasePlan, model.RunStatusPlanned)
			if !ok {
				return
			}
			run, job = next, nil

		case model.RunStatusPlanned:
			if run.IsTerminal() {
				logger.Info("plan-only run finished")
				return
			}
			current, ok := e.awaitConfirmation(ctx, run)
			if !ok {
				return
			}
			run, job = current.Run, current.Job

		case model.RunStatusConfirmed:
			if job == nil || job.Phase != model.PhaseApply {
				current, err := e.api.Current(ctx, run.ID)
				if err != nil {
					logger.WithError(err).Warn("fetch apply job failed")
					e.abandon(ctx, run)
					return
				}
				job = current.Job
			}
			next, err := e.report(ctx, run.ID, model.RunStatusApplying, "")
			if err != nil {
				logger.WithError(err).Warn("apply start rejected")
				return
			}
			run = next

		case model.RunStatusApplying:
			e.runAndReport(ctx, run, job, model.PhaseApply, model.RunStatusApplied)
			return

		default:
			logger.Info("run no longer executable", "status", run.Status)
			return
		}
	}
}

// runAndReport 执行一个阶段并上报结果，ok=false 表示不再继续
func (e *Executor) runAndReport(ctx context.Context, run *model.Run, job *model.JobSpec, phase model.JobPhase, success model.RunStatus) (*model.Run, bool) {
	if job == nil || job.Phase != phase {
		current, err := e.api.Current(ctx, run.ID)
		if err != nil || current.Job == nil || current.Job.Phase != phase {
			e.failRun(ctx, run.ID, fmt.Sprintf("no %s job available", phase))
			return nil, false
		}
		job = current.Job
	}

	out := e.runPhase(ctx, job)
	if out.canceled != nil {
		if errors.Is(out.canceled, ErrShutdown) {
			e.failRun(ctx, run.ID, ErrShutdown.Error())
		}
		return nil, false
	}
	if !out.ok {
		e.failRun(ctx, run.ID, out.reason)
		return nil, false
	}
	next, err := e.report(ctx, run.ID, success, "")
	if err != nil {
		e.logger.WithRunID(run.ID).WithError(err).Warn("phase report rejected", "status", success)
		return nil, false
	}
	return next, true
}

// runPhase 启动作业、流式上传日志并等待退出
func (e *Executor) runPhase(ctx context.Context, job *model.JobSpec) phaseOutcome {
	phase := string(job.Phase)
	logger := e.logger.WithRunID(job.RunID)
	started := time.Now()

	id, err := e.startWithRetry(ctx, job)
	if err != nil {
		if cause := context.Cause(ctx); ctx.Err() != nil {
			e.metrics.ObserveJob(phase, resultCanceled, time.Since(started))
			return phaseOutcome{canceled: cause}
		}
		e.metrics.ObserveJob(phase, resultErrored, time.Since(started))
		return phaseOutcome{reason: fmt.Sprintf("start job: %v", err)}
	}
	log.Printf("[runner.job.started] run_id=%s phase=%s instance=%s", job.RunID, phase, shortID(id))
	e.metrics.JobsRunning.Inc()
	defer e.metrics.JobsRunning.Dec()
	defer func() {
		if err := e.rt.Remove(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			logger.WithError(err).Warn("remove job instance failed", "phase", phase)
		}
	}()

	logsDone := e.streamLogs(ctx, job, id)

	waitCtx, cancelWait := ctx, context.CancelFunc(func() {})
	if job.TimeoutSeconds > 0 {
		waitCtx, cancelWait = context.WithTimeout(ctx, time.Duration(job.TimeoutSeconds)*time.Second)
	}
	exit, waitErr := e.waitWithRetry(waitCtx, id)
	cancelWait()

	out := phaseOutcome{}
	switch {
	case waitErr == nil:
		out = classifyExit(exit)
	default:
		// 取消、超时或等待失败都走同一条停止路径，最多等待宽限期
		e.stop(ctx, job, id)
		switch {
		case ctx.Err() != nil:
			out.canceled = context.Cause(ctx)
		case errors.Is(waitCtx.Err(), context.DeadlineExceeded):
			out.reason = fmt.Sprintf("job timed out after %ds", job.TimeoutSeconds)
		default:
			out.reason = fmt.Sprintf("wait for job: %v", waitErr)
		}
	}

	select {
	case <-logsDone:
	case <-time.After(logDrainTimeout):
		logger.Warn("log upload still running, continuing", "phase", phase)
	}

	result := resultSucceeded
	switch {
	case out.canceled != nil:
		result = resultCanceled
	case !out.ok:
		result = resultErrored
	}
	e.metrics.ObserveJob(phase, result, time.Since(started))
	log.Printf("[runner.job.finished] run_id=%s phase=%s result=%s reason=%q duration=%s",
		job.RunID, phase, result, out.reason, time.Since(started).Round(time.Millisecond))
	return out
}

// classifyExit 退出码 0 为成功；被 SIGKILL 或 OOM 终止一律为失败
func classifyExit(exit *runtime.ExitStatus) phaseOutcome {
	switch {
	case exit.Succeeded():
		return phaseOutcome{ok: true}
	case exit.OOMKilled:
		return phaseOutcome{reason: "job killed: out of memory"}
	case exit.Code == runtime.KilledExitCode:
		return phaseOutcome{reason: "job killed (exit code 137)"}
	default:
		return phaseOutcome{reason: fmt.Sprintf("job exited with code %d", exit.Code)}
	}
}

func (e *Executor) startWithRetry(ctx context.Context, job *model.JobSpec) (string, error) {
	var lastErr error
	for attempt := 0; attempt < e.startAttempts; attempt++ {
		if attempt > 0 {
			e.metrics.JobStartRetries.Inc()
			if err := e.sleep(ctx, backoff(attempt-1)); err != nil {
				return "", err
			}
		}
		id, err := e.rt.Start(ctx, job)
		if err == nil {
			return id, nil
		}
		lastErr = err
		e.logger.WithRunID(job.RunID).WithError(err).Warn("job start failed", "attempt", attempt+1)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("after %d attempts: %w", e.startAttempts, lastErr)
}

// waitWithRetry 等待出错但实例仍可能在运行时重试
func (e *Executor) waitWithRetry(ctx context.Context, id string) (*runtime.ExitStatus, error) {
	var lastErr error
	for attempt := 0; attempt < e.startAttempts; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, backoff(attempt-1)); err != nil {
				return nil, err
			}
		}
		exit, err := e.rt.Wait(ctx, id)
		if err == nil {
			return exit, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, runtime.ErrNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// stop 发送 SIGTERM 并等待宽限期，不受已取消的 ctx 影响
func (e *Executor) stop(ctx context.Context, job *model.JobSpec, id string) {
	grace := job.GracePeriod()
	if grace <= 0 {
		grace = model.TerminationGracePeriod
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace+15*time.Second)
	defer cancel()
	if err := e.rt.Stop(stopCtx, id, grace); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		e.logger.WithRunID(job.RunID).WithError(err).Warn("stop job failed")
	}
}

// streamLogs 跟随实例输出并上传，实例退出后结束
func (e *Executor) streamLogs(ctx context.Context, job *model.JobSpec, id string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		logCtx := context.WithoutCancel(ctx)
		rc, err := e.rt.Logs(logCtx, id)
		if err != nil {
			e.logger.WithRunID(job.RunID).WithError(err).Warn("follow job logs failed")
			return
		}
		defer rc.Close()
		if err := e.api.UploadLog(logCtx, job.RunID, job.Phase, rc); err != nil {
			e.logger.WithRunID(job.RunID).WithError(err).Warn("upload job logs failed")
			// 上传失败时读空输出，避免阻塞运行时
			_, _ = io.Copy(io.Discard, rc)
		}
	}()
	return done
}

// awaitConfirmation 轮询 planned 的 Run 直到确认或结束
func (e *Executor) awaitConfirmation(ctx context.Context, run *model.Run) (*Claim, bool) {
	log.Printf("[runner.run.awaiting_confirmation] run_id=%s", run.ID)
	for {
		if err := e.sleep(ctx, e.confirmInterval); err != nil {
			return nil, false
		}
		current, err := e.api.Current(ctx, run.ID)
		if errors.Is(err, ErrRunGone) {
			log.Printf("[runner.run.gone] run_id=%s", run.ID)
			return nil, false
		}
		if err != nil {
			e.logger.WithRunID(run.ID).WithError(err).Warn("poll run failed")
			continue
		}
		switch {
		case current.Run.Status == model.RunStatusPlanned:
			continue
		case current.Run.IsTerminal():
			log.Printf("[runner.run.closed] run_id=%s status=%s", run.ID, current.Run.Status)
			return nil, false
		default:
			return current, true
		}
	}
}

// Recover 处理重启前遗留的作业：停止残留实例，Run 标记为 errored
func (e *Executor) Recover(ctx context.Context, run *model.Run) {
	phase := model.PhasePlan
	if run.Status == model.RunStatusApplying {
		phase = model.PhaseApply
	}
	name := jobbuilder.JobName(run.ID, phase)
	st, err := e.rt.Inspect(ctx, name)
	switch {
	case err == nil:
		if st.State == runtime.StateRunning {
			e.stop(ctx, &model.JobSpec{RunID: run.ID, GracePeriodSeconds: int(model.TerminationGracePeriod.Seconds())}, st.ID)
		}
		if err := e.rt.Remove(ctx, st.ID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			e.logger.WithRunID(run.ID).WithError(err).Warn("remove orphan instance failed")
		}
	case !errors.Is(err, runtime.ErrNotFound):
		e.logger.WithRunID(run.ID).WithError(err).Warn("inspect orphan instance failed")
	}
	log.Printf("[runner.orphan.recovered] run_id=%s status=%s instance=%s", run.ID, run.Status, name)
	e.failRun(ctx, run.ID, ReasonListenerRestarted)
}

// abandon Listener 退出时结束执行中的 Run
//
// planned / confirmed 的 Run 保持原状，重启后继续。
func (e *Executor) abandon(ctx context.Context, run *model.Run) {
	executing := run.Status == model.RunStatusPlanning || run.Status == model.RunStatusApplying
	if executing && errors.Is(context.Cause(ctx), ErrShutdown) {
		e.failRun(ctx, run.ID, ErrShutdown.Error())
	}
}

// failRun 上报 errored，ctx 已取消时仍会尝试
func (e *Executor) failRun(ctx context.Context, runID, reason string) {
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if _, err := e.report(reportCtx, runID, model.RunStatusErrored, reason); err != nil {
		e.logger.WithRunID(runID).WithError(err).Warn("report errored failed", "reason", reason)
		return
	}
	log.Printf("[runner.run.errored] run_id=%s reason=%q", runID, reason)
}

// report 上报阶段，临时错误按退避重试
func (e *Executor) report(ctx context.Context, runID string, status model.RunStatus, reason string) (*model.Run, error) {
	var lastErr error
	for attempt := 0; attempt < e.reportAttempts; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, backoff(attempt-1)); err != nil {
				return nil, err
			}
		}
		run, err := e.api.ReportPhase(ctx, runID, status, reason)
		if err == nil {
			return run, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
