package model

import "time"

// DefaultPoolName 未指定 Agent Pool 的 Workspace 使用的池
const DefaultPoolName = "default"

// AgentPool 共享服务身份的一组 Listener
type AgentPool struct {
	ID                 string    `json:"id" db:"id"`
	Name               string    `json:"name" db:"name"`
	Description        string    `json:"description,omitempty" db:"description"`
	ServiceAccountName string    `json:"service_account_name,omitempty" db:"service_account_name"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// AgentPoolToken Listener 加入池的限次凭证
//
// 原始令牌只在创建时返回一次，库中只保存 SHA-256。
type AgentPoolToken struct {
	ID          string     `json:"id" db:"id"`
	PoolID      string     `json:"pool_id" db:"pool_id"`
	TokenHash   string     `json:"-" db:"token_hash"`
	Description string     `json:"description,omitempty" db:"description"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	MaxUses     *int       `json:"max_uses,omitempty" db:"max_uses"`
	UseCount    int        `json:"use_count" db:"use_count"`
	Revoked     bool       `json:"revoked" db:"revoked"`
	CreatedBy   string     `json:"created_by" db:"created_by"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// Expired 在 now 时刻是否已过期
func (t *AgentPoolToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// Exhausted 使用次数是否已达上限
func (t *AgentPoolToken) Exhausted() bool {
	return t.MaxUses != nil && t.UseCount >= *t.MaxUses
}
