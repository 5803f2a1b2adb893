package runner

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"runplane/internal/runner/runtime"
	"runplane/internal/shared/model"
)

// fakeInstance 内存中的作业实例
type fakeInstance struct {
	spec *model.JobSpec
	done chan struct{}
	exit runtime.ExitStatus
}

// fakeRuntime 以内存实现 runtime.JobRuntime
//
// exits 按阶段给出退出结果；hold 为 true 时实例一直运行，直到 Stop。
type fakeRuntime struct {
	mu        sync.Mutex
	exits     map[model.JobPhase]runtime.ExitStatus
	hold      bool
	startErrs int
	output    string
	orphans   map[string]*runtime.InstanceStatus

	instances map[string]*fakeInstance
	started   []*model.JobSpec
	stopped   map[string]time.Duration
	removed   []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		exits:     map[model.JobPhase]runtime.ExitStatus{},
		output:    "Plan: 1 to add, 0 to change, 0 to destroy.\n",
		orphans:   map[string]*runtime.InstanceStatus{},
		instances: map[string]*fakeInstance{},
		stopped:   map[string]time.Duration{},
	}
}

func (f *fakeRuntime) Name() string { return "fake" }

func (f *fakeRuntime) Start(ctx context.Context, spec *model.JobSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErrs > 0 {
		f.startErrs--
		return "", errors.New("daemon unavailable")
	}
	id := "ctr-" + spec.Name
	inst := &fakeInstance{spec: spec, done: make(chan struct{}), exit: f.exits[spec.Phase]}
	f.instances[id] = inst
	f.started = append(f.started, spec)
	if !f.hold {
		close(inst.done)
	}
	return id, nil
}

func (f *fakeRuntime) instance(id string) *fakeInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instances[id]
}

func (f *fakeRuntime) Wait(ctx context.Context, id string) (*runtime.ExitStatus, error) {
	inst := f.instance(id)
	if inst == nil {
		return nil, runtime.ErrNotFound
	}
	select {
	case <-inst.done:
		f.mu.Lock()
		exit := inst.exit
		f.mu.Unlock()
		return &exit, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeRuntime) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.output)), nil
}

func (f *fakeRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[id] = grace
	if inst, ok := f.instances[id]; ok {
		select {
		case <-inst.done:
		default:
			inst.exit = runtime.ExitStatus{Code: 143}
			close(inst.done)
		}
		return nil
	}
	if _, ok := f.orphanByID(id); ok {
		return nil
	}
	return runtime.ErrNotFound
}

// finishRunning 让所有仍在运行的实例以退出码 0 结束
func (f *fakeRuntime) finishRunning() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inst := range f.instances {
		select {
		case <-inst.done:
		default:
			close(inst.done)
		}
	}
}

func (f *fakeRuntime) orphanByID(id string) (*runtime.InstanceStatus, bool) {
	for _, st := range f.orphans {
		if st.ID == id {
			return st, true
		}
	}
	return nil, false
}

func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, name string) (*runtime.InstanceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.orphans[name]; ok {
		return st, nil
	}
	return nil, runtime.ErrNotFound
}

func (f *fakeRuntime) startedPhases() []model.JobPhase {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.JobPhase, 0, len(f.started))
	for _, s := range f.started {
		out = append(out, s.Phase)
	}
	return out
}

func (f *fakeRuntime) stopGrace(id string) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.stopped[id]
	return g, ok
}

// phaseReport 一次上报
type phaseReport struct {
	status model.RunStatus
	reason string
}

// fakeAPI 记录上报并按最简规则推进 Run
type fakeAPI struct {
	mu      sync.Mutex
	run     *model.Run
	reports []phaseReport
	logs    map[model.JobPhase]string
	// polls Current 依次返回的状态，用完后保持最后一个
	polls []model.RunStatus
	// failReports 前 N 次上报返回 5xx
	failReports int
}

func newFakeAPI(run *model.Run) *fakeAPI {
	return &fakeAPI{run: run, logs: map[model.JobPhase]string{}}
}

func (f *fakeAPI) ReportPhase(ctx context.Context, runID string, status model.RunStatus, reason string) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReports > 0 {
		f.failReports--
		return nil, &APIError{StatusCode: 503, Message: "unavailable"}
	}
	f.reports = append(f.reports, phaseReport{status: status, reason: reason})
	next := *f.run
	next.Status = status
	if status == model.RunStatusPlanned && f.run.AutoApply && !f.run.PlanOnly {
		next.Status = model.RunStatusConfirmed
	}
	f.run = &next
	out := next
	return &out, nil
}

func (f *fakeAPI) UploadLog(ctx context.Context, runID string, phase model.JobPhase, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.logs[phase] = string(data)
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) Current(ctx context.Context, runID string) (*Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.polls) > 0 {
		next := *f.run
		next.Status = f.polls[0]
		if len(f.polls) > 1 {
			f.polls = f.polls[1:]
		}
		f.run = &next
	}
	run := *f.run
	claim := &Claim{Run: &run}
	switch run.Status {
	case model.RunStatusPlanning:
		claim.Job = testJob(run.ID, model.PhasePlan)
	case model.RunStatusConfirmed, model.RunStatusApplying:
		claim.Job = testJob(run.ID, model.PhaseApply)
	}
	return claim, nil
}

func (f *fakeAPI) statuses() []model.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.RunStatus, 0, len(f.reports))
	for _, r := range f.reports {
		out = append(out, r.status)
	}
	return out
}

func (f *fakeAPI) lastReport() phaseReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reports) == 0 {
		return phaseReport{}
	}
	return f.reports[len(f.reports)-1]
}

func testJob(runID string, phase model.JobPhase) *model.JobSpec {
	return &model.JobSpec{
		Name:  "rpjob-" + runID + "-" + string(phase),
		RunID: runID,
		Phase: phase,
		Image: "runner:test",
		Resources: model.Resources{
			Requests: model.ResourceSpec{CPU: "1", Memory: "1Gi"},
			Limits:   model.ResourceSpec{CPU: "2", Memory: "2Gi"},
		},
		GracePeriodSeconds: 120,
	}
}
