package runner

import (
	"context"
	"testing"
	"time"

	"runplane/internal/jobbuilder"
	"runplane/internal/runner/runtime"
	"runplane/internal/shared/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(rt *fakeRuntime, api *fakeAPI) *Executor {
	e := NewExecutor(rt, api, NewMetrics("test", "edge-1"), time.Millisecond)
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return e
}

func planningClaim(mutate func(*model.Run)) *Claim {
	run := &model.Run{ID: "run-1", WorkspaceID: "ws-1", Status: model.RunStatusPlanning}
	if mutate != nil {
		mutate(run)
	}
	return &Claim{Run: run, Job: testJob(run.ID, model.PhasePlan)}
}

func TestExecutor_PlanOnlyRun(t *testing.T) {
	claim := planningClaim(func(r *model.Run) { r.PlanOnly = true })
	rt, api := newFakeRuntime(), newFakeAPI(claim.Run)

	newTestExecutor(rt, api).Execute(context.Background(), claim)

	assert.Equal(t, []model.RunStatus{model.RunStatusPlanned}, api.statuses())
	assert.Equal(t, []model.JobPhase{model.PhasePlan}, rt.startedPhases())
	assert.Equal(t, rt.output, api.logs[model.PhasePlan])
	assert.Contains(t, rt.removed, "ctr-"+claim.Job.Name)
}

func TestExecutor_AutoApplyRunsBothPhases(t *testing.T) {
	claim := planningClaim(func(r *model.Run) { r.AutoApply = true })
	rt, api := newFakeRuntime(), newFakeAPI(claim.Run)

	newTestExecutor(rt, api).Execute(context.Background(), claim)

	assert.Equal(t, []model.RunStatus{
		model.RunStatusPlanned, model.RunStatusApplying, model.RunStatusApplied,
	}, api.statuses())
	assert.Equal(t, []model.JobPhase{model.PhasePlan, model.PhaseApply}, rt.startedPhases())
	assert.Contains(t, api.logs, model.PhaseApply)
}

func TestExecutor_WaitsForConfirmation(t *testing.T) {
	t.Run("confirmed", func(t *testing.T) {
		claim := planningClaim(nil)
		rt, api := newFakeRuntime(), newFakeAPI(claim.Run)
		api.polls = []model.RunStatus{model.RunStatusPlanned, model.RunStatusPlanned, model.RunStatusConfirmed}

		e := newTestExecutor(rt, api)
		e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
		e.Execute(context.Background(), claim)

		assert.Equal(t, []model.RunStatus{
			model.RunStatusPlanned, model.RunStatusApplying, model.RunStatusApplied,
		}, api.statuses())
	})

	t.Run("discarded", func(t *testing.T) {
		claim := planningClaim(nil)
		rt, api := newFakeRuntime(), newFakeAPI(claim.Run)
		api.polls = []model.RunStatus{model.RunStatusPlanned, model.RunStatusDiscarded}

		e := newTestExecutor(rt, api)
		e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
		e.Execute(context.Background(), claim)

		assert.Equal(t, []model.RunStatus{model.RunStatusPlanned}, api.statuses())
		assert.Equal(t, []model.JobPhase{model.PhasePlan}, rt.startedPhases())
	})
}

func TestExecutor_NonZeroExitIsErrored(t *testing.T) {
	tests := []struct {
		name   string
		exit   runtime.ExitStatus
		reason string
	}{
		{"exit code", runtime.ExitStatus{Code: 1}, "job exited with code 1"},
		{"sigkill", runtime.ExitStatus{Code: 137}, "job killed (exit code 137)"},
		{"oom", runtime.ExitStatus{Code: 137, OOMKilled: true}, "job killed: out of memory"},
		{"oom with zero exit", runtime.ExitStatus{Code: 0, OOMKilled: true}, "job killed: out of memory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claim := planningClaim(func(r *model.Run) { r.AutoApply = true })
			rt, api := newFakeRuntime(), newFakeAPI(claim.Run)
			rt.exits[model.PhasePlan] = tt.exit

			newTestExecutor(rt, api).Execute(context.Background(), claim)

			assert.Equal(t, []model.RunStatus{model.RunStatusErrored}, api.statuses())
			assert.Equal(t, tt.reason, api.lastReport().reason)
			assert.Equal(t, []model.JobPhase{model.PhasePlan}, rt.startedPhases(), "apply never starts")
		})
	}
}

func TestExecutor_StartRetries(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		claim := planningClaim(func(r *model.Run) { r.PlanOnly = true })
		rt, api := newFakeRuntime(), newFakeAPI(claim.Run)
		rt.startErrs = 2

		newTestExecutor(rt, api).Execute(context.Background(), claim)
		assert.Equal(t, []model.RunStatus{model.RunStatusPlanned}, api.statuses())
	})

	t.Run("exhausted", func(t *testing.T) {
		claim := planningClaim(func(r *model.Run) { r.PlanOnly = true })
		rt, api := newFakeRuntime(), newFakeAPI(claim.Run)
		rt.startErrs = 100

		newTestExecutor(rt, api).Execute(context.Background(), claim)
		assert.Equal(t, []model.RunStatus{model.RunStatusErrored}, api.statuses())
		assert.Contains(t, api.lastReport().reason, "start job")
		assert.Empty(t, rt.startedPhases())
	})
}

func TestExecutor_ReportRetriesTransientErrors(t *testing.T) {
	claim := planningClaim(func(r *model.Run) { r.PlanOnly = true })
	rt, api := newFakeRuntime(), newFakeAPI(claim.Run)
	api.failReports = 3

	newTestExecutor(rt, api).Execute(context.Background(), claim)
	assert.Equal(t, []model.RunStatus{model.RunStatusPlanned}, api.statuses())
}

func TestExecutor_Cancellation(t *testing.T) {
	tests := []struct {
		name    string
		cause   error
		reports []model.RunStatus
	}{
		{"canceled by server", ErrCanceledByServer, []model.RunStatus{}},
		{"listener shutdown", ErrShutdown, []model.RunStatus{model.RunStatusErrored}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claim := planningClaim(nil)
			rt, api := newFakeRuntime(), newFakeAPI(claim.Run)
			rt.hold = true

			ctx, cancel := context.WithCancelCause(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				newTestExecutor(rt, api).Execute(ctx, claim)
			}()

			require.Eventually(t, func() bool { return len(rt.startedPhases()) == 1 }, time.Second, 5*time.Millisecond)
			cancel(tt.cause)
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("executor did not stop after cancellation")
			}

			grace, stopped := rt.stopGrace("ctr-" + claim.Job.Name)
			require.True(t, stopped)
			assert.Equal(t, model.TerminationGracePeriod, grace)
			assert.Equal(t, tt.reports, api.statuses())
		})
	}
}

func TestExecutor_Timeout(t *testing.T) {
	claim := planningClaim(nil)
	claim.Job.TimeoutSeconds = 1
	rt, api := newFakeRuntime(), newFakeAPI(claim.Run)
	rt.hold = true

	newTestExecutor(rt, api).Execute(context.Background(), claim)

	_, stopped := rt.stopGrace("ctr-" + claim.Job.Name)
	assert.True(t, stopped)
	assert.Equal(t, []model.RunStatus{model.RunStatusErrored}, api.statuses())
	assert.Equal(t, "job timed out after 1s", api.lastReport().reason)
}

func TestExecutor_RecoverOrphan(t *testing.T) {
	run := &model.Run{ID: "run-9", Status: model.RunStatusApplying}
	rt, api := newFakeRuntime(), newFakeAPI(run)
	name := jobbuilder.JobName(run.ID, model.PhaseApply)
	rt.orphans[name] = &runtime.InstanceStatus{ID: "orphan-1", Name: name, State: runtime.StateRunning}

	newTestExecutor(rt, api).Recover(context.Background(), run)

	grace, stopped := rt.stopGrace("orphan-1")
	require.True(t, stopped)
	assert.Equal(t, model.TerminationGracePeriod, grace)
	assert.Contains(t, rt.removed, "orphan-1")
	assert.Equal(t, phaseReport{status: model.RunStatusErrored, reason: ReasonListenerRestarted}, api.lastReport())

	// 实例已不存在时仍然标记
	missing := &model.Run{ID: "run-10", Status: model.RunStatusPlanning}
	api2 := newFakeAPI(missing)
	newTestExecutor(rt, api2).Recover(context.Background(), missing)
	assert.Equal(t, []model.RunStatus{model.RunStatusErrored}, api2.statuses())
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, backoff(0))
	assert.Equal(t, 4*time.Second, backoff(2))
	assert.Equal(t, 30*time.Second, backoff(10))
	assert.Equal(t, 30*time.Second, backoff(100))
}
