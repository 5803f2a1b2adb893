// Package cache 缓存层抽象接口
//
// 保存 Listener 的时效性存活记录，生产由 Redis 实现，测试和单机部署使用内存实现。
// 记录带 TTL：过期后读取视为不存在，Listener 不再参与派发。
package cache

import (
	"context"
	"time"

	"runplane/internal/shared/model"
)

// ============================================================================
// Key 前缀和 TTL 常量
// ============================================================================

const (
	// KeyListenerLiveness Listener 存活记录 key 前缀
	KeyListenerLiveness = "listener_liveness:"

	// TTLListenerLiveness 存活记录有效期（心跳间隔 60s 的 3 倍）
	TTLListenerLiveness = 180 * time.Second
)

// LivenessCache Listener 存活缓存接口
type LivenessCache interface {
	// PutLiveness 写入存活记录并刷新 TTL
	PutLiveness(ctx context.Context, l *model.ListenerLiveness, ttl time.Duration) error
	// GetLiveness 读取存活记录，不存在或已过期返回 (nil, nil)
	GetLiveness(ctx context.Context, listenerID string) (*model.ListenerLiveness, error)
	DeleteLiveness(ctx context.Context, listenerID string) error
	// ListLiveness 列出全部未过期的存活记录
	ListLiveness(ctx context.Context) ([]*model.ListenerLiveness, error)
	Close() error
}
