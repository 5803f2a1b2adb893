package repository

import (
	"context"
	"database/sql"

	"runplane/internal/shared/model"
	"runplane/internal/shared/storage"
)

const workspaceColumns = `id, name, execution_profile, execution_backend, backend_version,
	resource_cpu, resource_memory, auto_apply, agent_pool_id, locked, lock_run_id, created_at, updated_at`

// CreateWorkspace 创建 Workspace
func (s *Store) CreateWorkspace(ctx context.Context, ws *model.Workspace) error {
	query := s.rebind(`
		INSERT INTO workspaces (id, name, execution_profile, execution_backend, backend_version,
			resource_cpu, resource_memory, auto_apply, agent_pool_id, locked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`)
	_, err := s.db.ExecContext(ctx, query,
		ws.ID, ws.Name, ws.ExecutionProfile, string(ws.ExecutionBackend), ws.BackendVersion,
		ws.ResourceCPU, ws.ResourceMemory, ws.AutoApply, ws.AgentPoolID, false, ws.CreatedAt, ws.UpdatedAt)
	return s.mapErr(err)
}

// GetWorkspace 获取 Workspace
func (s *Store) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	query := s.rebind(`SELECT ` + workspaceColumns + ` FROM workspaces WHERE id = $1`)
	ws, err := scanWorkspace(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, s.mapErr(err)
	}
	return ws, nil
}

// ListWorkspaces 列出全部 Workspace
func (s *Store) ListWorkspaces(ctx context.Context) ([]*model.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+workspaceColumns+` FROM workspaces ORDER BY name`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// UpdateWorkspaceSettings 更新 Workspace 配置，不触碰锁字段
func (s *Store) UpdateWorkspaceSettings(ctx context.Context, ws *model.Workspace) error {
	query := s.rebind(`
		UPDATE workspaces SET name = $1, execution_profile = $2, execution_backend = $3, backend_version = $4,
			resource_cpu = $5, resource_memory = $6, auto_apply = $7, agent_pool_id = $8, updated_at = $9
		WHERE id = $10`)
	return execExpectOne(ctx, s.db, storage.ErrNotFound, query,
		ws.Name, ws.ExecutionProfile, string(ws.ExecutionBackend), ws.BackendVersion,
		ws.ResourceCPU, ws.ResourceMemory, ws.AutoApply, ws.AgentPoolID, ws.UpdatedAt, ws.ID)
}

func scanWorkspace(row scanner) (*model.Workspace, error) {
	ws := &model.Workspace{}
	var backend string
	var poolID, lockRunID sql.NullString
	err := row.Scan(&ws.ID, &ws.Name, &ws.ExecutionProfile, &backend, &ws.BackendVersion,
		&ws.ResourceCPU, &ws.ResourceMemory, &ws.AutoApply, &poolID, &ws.Locked, &lockRunID,
		&ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ws.ExecutionBackend = model.Backend(backend)
	ws.AgentPoolID = nullString(poolID)
	ws.LockRunID = nullString(lockRunID)
	return ws, nil
}
