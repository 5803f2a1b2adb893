package jobbuilder

import (
	"fmt"
	"strconv"
	"strings"

	"runplane/internal/shared/model"
)

// 作业容器环境变量
const (
	EnvRunID       = "RP_RUN_ID"
	EnvWorkspaceID = "RP_WORKSPACE_ID"
	EnvPhase       = "RP_PHASE"
	EnvAPIURL      = "RP_API_URL"
	EnvBackend     = "RP_BACKEND"
	EnvVersion     = "RP_VERSION"
	EnvDestroy     = "RP_DESTROY"
)

// 作业标签
const (
	LabelManagedBy   = "runplane.io/managed-by"
	LabelRunID       = "runplane.io/run-id"
	LabelWorkspaceID = "runplane.io/workspace-id"
	LabelPhase       = "runplane.io/phase"
	LabelProfile     = "runplane.io/profile"

	managedByValue = "runplane-listener"
)

// Options 构建选项（来自服务端配置）
type Options struct {
	Image          string
	APIURL         string
	TimeoutSeconds int // 阶段超时，0 不限制
}

// Build 构建某阶段的作业描述
//
// 请求取自 Run 创建时的快照；上限优先使用领取时写入的快照，
// 尚未领取时按请求的 2 倍计算。执行引擎同理。
func Build(run *model.Run, ws *model.Workspace, phase model.JobPhase, opts Options) (*model.JobSpec, error) {
	if run == nil || ws == nil {
		return nil, fmt.Errorf("run and workspace are required")
	}
	if phase != model.PhasePlan && phase != model.PhaseApply {
		return nil, fmt.Errorf("unknown job phase %q", phase)
	}
	if phase == model.PhaseApply && run.PlanOnly {
		return nil, fmt.Errorf("run %s is plan-only", run.ID)
	}
	if opts.Image == "" {
		return nil, fmt.Errorf("job image is required")
	}

	requests := model.ResourceSpec{CPU: run.ResourceCPU, Memory: run.ResourceMemory}
	if err := ValidateCPU(requests.CPU); err != nil {
		return nil, err
	}
	if err := ValidateMemory(requests.Memory); err != nil {
		return nil, err
	}
	limits := model.ResourceSpec{CPU: run.LimitCPU, Memory: run.LimitMemory}
	if !run.Claimed() {
		var err error
		if limits, err = Limits(requests); err != nil {
			return nil, err
		}
	}

	backend := run.Backend
	if backend.Kind == "" {
		kind, err := model.ParseBackend(string(ws.ExecutionBackend))
		if err != nil {
			return nil, err
		}
		backend = model.ExecutionBackend{Kind: kind, Version: ws.BackendVersion}
	}

	return &model.JobSpec{
		Name:        JobName(run.ID, phase),
		RunID:       run.ID,
		WorkspaceID: run.WorkspaceID,
		Phase:       phase,
		Image:       opts.Image,
		Backend:     backend,
		Resources:   model.Resources{Requests: requests, Limits: limits},
		Env: []model.EnvVar{
			{Name: EnvRunID, Value: run.ID},
			{Name: EnvWorkspaceID, Value: run.WorkspaceID},
			{Name: EnvPhase, Value: string(phase)},
			{Name: EnvAPIURL, Value: opts.APIURL},
			{Name: EnvBackend, Value: string(backend.Kind)},
			{Name: EnvVersion, Value: backend.Version},
			{Name: EnvDestroy, Value: strconv.FormatBool(run.IsDestroy)},
		},
		Labels: map[string]string{
			LabelManagedBy:   managedByValue,
			LabelRunID:       run.ID,
			LabelWorkspaceID: run.WorkspaceID,
			LabelPhase:       string(phase),
			LabelProfile:     ws.ExecutionProfile,
		},
		GracePeriodSeconds: int(model.TerminationGracePeriod.Seconds()),
		TimeoutSeconds:     opts.TimeoutSeconds,
	}, nil
}

// JobName 作业名：rpjob-<run id 尾部 12 位>-<phase>
func JobName(runID string, phase model.JobPhase) string {
	short := strings.ReplaceAll(runID, "-", "")
	if len(short) > 12 {
		short = short[len(short)-12:]
	}
	return fmt.Sprintf("rpjob-%s-%s", strings.ToLower(short), phase)
}
