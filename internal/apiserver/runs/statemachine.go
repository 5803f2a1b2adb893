// Package runs Run 状态机、Run 服务与 HTTP 处理
package runs

import (
	"errors"
	"fmt"

	"runplane/internal/shared/model"
)

// Event 驱动 Run 状态迁移的事件
type Event string

const (
	EventQueue         Event = "queue"
	EventClaim         Event = "claim"
	EventPlanFinished  Event = "plan_finished"
	EventConfirm       Event = "confirm"
	EventDiscard       Event = "discard"
	EventApplyStart    Event = "apply_start"
	EventApplyFinished Event = "apply_finished"
	EventError         Event = "error"
	EventCancel        Event = "cancel"
)

// AllEvents 全部事件
var AllEvents = []Event{
	EventQueue, EventClaim, EventPlanFinished, EventConfirm, EventDiscard,
	EventApplyStart, EventApplyFinished, EventError, EventCancel,
}

// ErrIllegalTransition 当前状态不接受该事件
var ErrIllegalTransition = errors.New("illegal run transition")

// TransitionError 非法迁移，携带 Run 的当前状态
type TransitionError struct {
	RunID   string
	Current model.RunStatus
	Event   Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("run %s: event %q not allowed in status %q", e.RunID, e.Event, e.Current)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// transitions 合法迁移表，error / cancel 对所有非终态统一处理
var transitions = map[model.RunStatus]map[Event]model.RunStatus{
	model.RunStatusPending:   {EventQueue: model.RunStatusQueued},
	model.RunStatusQueued:    {EventClaim: model.RunStatusPlanning},
	model.RunStatusPlanning:  {EventPlanFinished: model.RunStatusPlanned},
	model.RunStatusPlanned:   {EventConfirm: model.RunStatusConfirmed, EventDiscard: model.RunStatusDiscarded},
	model.RunStatusConfirmed: {EventApplyStart: model.RunStatusApplying},
	model.RunStatusApplying:  {EventApplyFinished: model.RunStatusApplied},
}

// Next 计算 run 在事件 ev 下的目标状态
//
// 终态（含 plan_only 的 planned）拒绝一切事件。
func Next(run *model.Run, ev Event) (model.RunStatus, error) {
	illegal := &TransitionError{RunID: run.ID, Current: run.Status, Event: ev}
	if run.IsTerminal() {
		return "", illegal
	}
	switch ev {
	case EventError:
		return model.RunStatusErrored, nil
	case EventCancel:
		return model.RunStatusCanceled, nil
	}
	if to, ok := transitions[run.Status][ev]; ok {
		return to, nil
	}
	return "", illegal
}

// releasesLock 进入 to 后是否释放 Workspace 锁
func releasesLock(run *model.Run, to model.RunStatus) bool {
	if to == model.RunStatusPlanned && run.PlanOnly {
		return true
	}
	return to.IsTerminal()
}

// eventForPhase Listener 上报的阶段对应的事件
func eventForPhase(status model.RunStatus) (Event, bool) {
	switch status {
	case model.RunStatusPlanned:
		return EventPlanFinished, true
	case model.RunStatusApplying:
		return EventApplyStart, true
	case model.RunStatusApplied:
		return EventApplyFinished, true
	case model.RunStatusErrored:
		return EventError, true
	}
	return "", false
}
