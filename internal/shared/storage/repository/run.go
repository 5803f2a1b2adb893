// Package repository Run 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"runplane/internal/shared/model"
	"runplane/internal/shared/storage"
	"runplane/internal/shared/storage/dbutil"
)

const runColumns = `id, workspace_id, status, source, message, is_destroy, auto_apply, plan_only,
	resource_cpu, resource_memory, limit_cpu, limit_memory, backend_kind, backend_version,
	pool_id, listener_id, status_reason, created_by,
	queued_at, plan_started_at, plan_finished_at, apply_started_at, apply_finished_at,
	created_at, updated_at`

// CreateRun 创建 Run
func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	query := s.rebind(`
		INSERT INTO runs (id, workspace_id, status, source, message, is_destroy, auto_apply, plan_only,
			resource_cpu, resource_memory, backend_kind, backend_version, pool_id, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`)
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.WorkspaceID, run.Status, run.Source, run.Message, run.IsDestroy, run.AutoApply, run.PlanOnly,
		run.ResourceCPU, run.ResourceMemory, string(run.Backend.Kind), run.Backend.Version,
		run.PoolID, run.CreatedBy, run.CreatedAt, run.UpdatedAt)
	return s.mapErr(err)
}

// GetRun 获取 Run，不存在返回 storage.ErrNotFound
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	query := s.rebind(`SELECT ` + runColumns + ` FROM runs WHERE id = $1`)
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, s.mapErr(err)
	}
	return run, nil
}

// scanRun 辅助函数
func scanRun(row scanner) (*model.Run, error) {
	run := &model.Run{}
	var poolID, listenerID sql.NullString
	var backendKind string
	err := row.Scan(
		&run.ID, &run.WorkspaceID, &run.Status, &run.Source, &run.Message,
		&run.IsDestroy, &run.AutoApply, &run.PlanOnly,
		&run.ResourceCPU, &run.ResourceMemory, &run.LimitCPU, &run.LimitMemory,
		&backendKind, &run.Backend.Version,
		&poolID, &listenerID, &run.StatusReason, &run.CreatedBy,
		&run.QueuedAt, &run.PlanStartedAt, &run.PlanFinishedAt, &run.ApplyStartedAt, &run.ApplyFinishedAt,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Backend.Kind = model.Backend(backendKind)
	run.PoolID = nullString(poolID)
	run.ListenerID = nullString(listenerID)
	return run, nil
}

// scanRuns 批量扫描
func scanRuns(rows *sql.Rows) ([]*model.Run, error) {
	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListRunsByWorkspace 列出 Workspace 的 Run，按创建时间倒序
func (s *Store) ListRunsByWorkspace(ctx context.Context, workspaceID string, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE workspace_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, workspaceID, limit)
}

// ListRunsByListener 列出分配给 Listener 且处于指定状态的 Run
func (s *Store) ListRunsByListener(ctx context.Context, listenerID string, statuses []model.RunStatus) ([]*model.Run, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []any{listenerID}
	for _, st := range statuses {
		args = append(args, st)
	}
	query := fmt.Sprintf(`SELECT `+runColumns+` FROM runs WHERE listener_id = $1 AND status IN (%s)
		ORDER BY created_at ASC`, dbutil.PlaceholderList(2, len(statuses)))
	return s.queryRuns(ctx, query, args...)
}

// GetRunsByIDs 批量获取 Run，不存在的 ID 忽略
func (s *Store) GetRunsByIDs(ctx context.Context, ids []string) ([]*model.Run, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT `+runColumns+` FROM runs WHERE id IN (%s)`, dbutil.PlaceholderList(1, len(ids)))
	return s.queryRuns(ctx, query, args...)
}

// OldestPendingRun Workspace 中最早创建的 pending Run，没有返回 storage.ErrNotFound
func (s *Store) OldestPendingRun(ctx context.Context, workspaceID string) (*model.Run, error) {
	query := s.rebind(`SELECT ` + runColumns + ` FROM runs WHERE workspace_id = $1 AND status = $2
		ORDER BY created_at ASC, id ASC LIMIT 1`)
	run, err := scanRun(s.db.QueryRowContext(ctx, query, workspaceID, model.RunStatusPending))
	if err != nil {
		return nil, s.mapErr(err)
	}
	return run, nil
}

// TransitionRun 条件状态迁移
//
// 在一个事务内完成：
//  0. 涉及 Workspace 锁时先锁定 Workspace 行，获取与释放路径加锁顺序一致
//  1. AcquireLock 时获取 Workspace 锁（被其他 Run 持有返回 storage.ErrLocked）
//  2. UPDATE runs ... WHERE id = ? AND status = From（未命中返回 storage.ErrConflict）
//  3. ReleaseLock 时释放本 Run 持有的 Workspace 锁
func (s *Store) TransitionRun(ctx context.Context, id string, tr storage.RunTransition) (*model.Run, error) {
	if tr.At.IsZero() {
		tr.At = time.Now().UTC()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var workspaceID string
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT workspace_id FROM runs WHERE id = $1`), id).Scan(&workspaceID)
		if err != nil {
			return s.mapErr(err)
		}

		if tr.AcquireLock || tr.ReleaseLock {
			var locked string
			if err := tx.QueryRowContext(ctx, s.lockWorkspaceQuery(), workspaceID).Scan(&locked); err != nil {
				return s.mapErr(err)
			}
		}

		if tr.AcquireLock {
			err := execExpectOne(ctx, tx, storage.ErrLocked, s.rebind(`
				UPDATE workspaces SET locked = $1, lock_run_id = $2, updated_at = $3
				WHERE id = $4 AND (locked = $5 OR lock_run_id = $6)`),
				true, id, tr.At, workspaceID, false, id)
			if err != nil {
				return err
			}
		}

		b := &dbutil.UpdateBuilder{}
		b.Set("status", tr.To).Set("updated_at", tr.At)
		if tr.StatusReason != nil {
			b.Set("status_reason", *tr.StatusReason)
		}
		if tr.QueuedAt != nil {
			b.Set("queued_at", *tr.QueuedAt)
		}
		if tr.PlanStartedAt != nil {
			b.Set("plan_started_at", *tr.PlanStartedAt)
		}
		if tr.PlanFinishedAt != nil {
			b.Set("plan_finished_at", *tr.PlanFinishedAt)
		}
		if tr.ApplyStartedAt != nil {
			b.Set("apply_started_at", *tr.ApplyStartedAt)
		}
		if tr.ApplyFinishedAt != nil {
			b.Set("apply_finished_at", *tr.ApplyFinishedAt)
		}
		query := fmt.Sprintf(`UPDATE runs SET %s WHERE id = %s AND status = %s`,
			b.SetClause(), b.Arg(id), b.Arg(tr.From))
		if err := execExpectOne(ctx, tx, storage.ErrConflict, s.rebind(query), b.Args()...); err != nil {
			return err
		}

		if tr.ReleaseLock {
			_, err := tx.ExecContext(ctx, s.rebind(`
				UPDATE workspaces SET locked = $1, lock_run_id = NULL, updated_at = $2
				WHERE id = $3 AND lock_run_id = $4`),
				false, tr.At, workspaceID, id)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetRun(ctx, id)
}

// ListClaimCandidates 返回可被该 Listener 领取的 queued Run（先进先出）
//
// 过滤条件：
//   - Workspace 的执行配置与请求的 profile 一致
//   - Run 属于 Listener 所在池（未绑定池的 Run 任何池都可领取）
//   - 同一 Workspace 没有其他已领取、仍在执行中的 Run
func (s *Store) ListClaimCandidates(ctx context.Context, req storage.ClaimRequest, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	args := []any{model.RunStatusQueued, req.Profile, req.PoolID}
	for _, st := range model.InFlightStatuses {
		args = append(args, st)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT r.id FROM runs r
		JOIN workspaces w ON w.id = r.workspace_id
		WHERE r.status = $1
		  AND w.execution_profile = $2
		  AND (r.pool_id = $3 OR r.pool_id IS NULL)
		  AND NOT EXISTS (
			SELECT 1 FROM runs o
			WHERE o.workspace_id = r.workspace_id AND o.id <> r.id AND o.status IN (%s)
		  )
		ORDER BY r.queued_at ASC, r.id ASC
		LIMIT $%d`, dbutil.PlaceholderList(4, len(model.InFlightStatuses)), 4+len(model.InFlightStatuses))

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimRun queued → planning 的比较并交换
//
// 领取、Listener 绑定和作业快照在同一条 UPDATE 中完成；
// 并发领取同一 Run 时只有一个调用者命中，其余返回 storage.ErrConflict。
func (s *Store) ClaimRun(ctx context.Context, runID, listenerID string, snap storage.ClaimSnapshot, at time.Time) (*model.Run, error) {
	query := s.rebind(`
		UPDATE runs SET status = $1, listener_id = $2, plan_started_at = $3, updated_at = $4,
			limit_cpu = $5, limit_memory = $6, backend_kind = $7, backend_version = $8
		WHERE id = $9 AND status = $10`)
	err := execExpectOne(ctx, s.db, storage.ErrConflict, query,
		model.RunStatusPlanning, listenerID, at, at,
		snap.LimitCPU, snap.LimitMemory, string(snap.Backend), snap.BackendVersion,
		runID, model.RunStatusQueued)
	if err != nil {
		return nil, err
	}
	return s.GetRun(ctx, runID)
}
