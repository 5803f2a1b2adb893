package repository

import (
	"context"
	"database/sql"

	"runplane/internal/shared/model"
	"runplane/internal/shared/storage"
)

// ============================================================================
// Agent Pool
// ============================================================================

// CreatePool 创建 Agent Pool，重名返回 storage.ErrDuplicate
func (s *Store) CreatePool(ctx context.Context, pool *model.AgentPool) error {
	query := s.rebind(`
		INSERT INTO agent_pools (id, name, description, service_account_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	_, err := s.db.ExecContext(ctx, query,
		pool.ID, pool.Name, pool.Description, pool.ServiceAccountName, pool.CreatedAt, pool.UpdatedAt)
	return s.mapErr(err)
}

// GetPool 获取 Agent Pool
func (s *Store) GetPool(ctx context.Context, id string) (*model.AgentPool, error) {
	query := s.rebind(`SELECT id, name, description, service_account_name, created_at, updated_at
		FROM agent_pools WHERE id = $1`)
	pool, err := scanPool(s.db.QueryRowContext(ctx, query, id))
	return pool, s.mapErr(err)
}

// GetPoolByName 按名称获取 Agent Pool
func (s *Store) GetPoolByName(ctx context.Context, name string) (*model.AgentPool, error) {
	query := s.rebind(`SELECT id, name, description, service_account_name, created_at, updated_at
		FROM agent_pools WHERE name = $1`)
	pool, err := scanPool(s.db.QueryRowContext(ctx, query, name))
	return pool, s.mapErr(err)
}

// ListPools 列出全部 Agent Pool
func (s *Store) ListPools(ctx context.Context) ([]*model.AgentPool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, service_account_name, created_at, updated_at
		FROM agent_pools ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []*model.AgentPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

// DeletePool 删除 Agent Pool（级联删除令牌和 Listener）
func (s *Store) DeletePool(ctx context.Context, id string) error {
	return execExpectOne(ctx, s.db, storage.ErrNotFound, s.rebind(`DELETE FROM agent_pools WHERE id = $1`), id)
}

func scanPool(row scanner) (*model.AgentPool, error) {
	p := &model.AgentPool{}
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.ServiceAccountName, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return p, nil
}

// ============================================================================
// Agent Pool Token
// ============================================================================

const tokenColumns = `id, pool_id, token_hash, description, expires_at, max_uses, use_count, revoked, created_by, created_at`

// CreatePoolToken 创建加入令牌（只保存哈希）
func (s *Store) CreatePoolToken(ctx context.Context, token *model.AgentPoolToken) error {
	query := s.rebind(`
		INSERT INTO agent_pool_tokens (id, pool_id, token_hash, description, expires_at, max_uses, use_count, revoked, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	_, err := s.db.ExecContext(ctx, query,
		token.ID, token.PoolID, token.TokenHash, token.Description, token.ExpiresAt, token.MaxUses,
		token.UseCount, token.Revoked, token.CreatedBy, token.CreatedAt)
	return s.mapErr(err)
}

// GetPoolTokenByHash 按哈希查找令牌
func (s *Store) GetPoolTokenByHash(ctx context.Context, hash string) (*model.AgentPoolToken, error) {
	query := s.rebind(`SELECT ` + tokenColumns + ` FROM agent_pool_tokens WHERE token_hash = $1`)
	tok, err := scanToken(s.db.QueryRowContext(ctx, query, hash))
	return tok, s.mapErr(err)
}

// ListPoolTokens 列出池的全部令牌，新的在前
func (s *Store) ListPoolTokens(ctx context.Context, poolID string) ([]*model.AgentPoolToken, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+tokenColumns+` FROM agent_pool_tokens WHERE pool_id = $1 ORDER BY created_at DESC`), poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.AgentPoolToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

// RevokePoolToken 撤销令牌
func (s *Store) RevokePoolToken(ctx context.Context, id string) error {
	return execExpectOne(ctx, s.db, storage.ErrNotFound,
		s.rebind(`UPDATE agent_pool_tokens SET revoked = $1 WHERE id = $2`), true, id)
}

// RedeemPoolToken 比较并递增
//
// 上限检查与递增在同一条 UPDATE 中完成，并发兑换不会超过 max_uses。
func (s *Store) RedeemPoolToken(ctx context.Context, id string) error {
	query := s.rebind(`
		UPDATE agent_pool_tokens SET use_count = use_count + 1
		WHERE id = $1 AND revoked = $2 AND (max_uses IS NULL OR use_count < max_uses)`)
	return execExpectOne(ctx, s.db, storage.ErrExhausted, query, id, false)
}

func scanToken(row scanner) (*model.AgentPoolToken, error) {
	tok := &model.AgentPoolToken{}
	var maxUses sql.NullInt64
	err := row.Scan(&tok.ID, &tok.PoolID, &tok.TokenHash, &tok.Description, &tok.ExpiresAt, &maxUses,
		&tok.UseCount, &tok.Revoked, &tok.CreatedBy, &tok.CreatedAt)
	if err != nil {
		return nil, err
	}
	if maxUses.Valid {
		v := int(maxUses.Int64)
		tok.MaxUses = &v
	}
	return tok, nil
}
