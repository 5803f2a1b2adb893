// Package cache 缓存层内存实现
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"runplane/internal/shared/model"
)

// ============================================================================
// MemoryCache - 内存 LivenessCache 实现（用于测试和单机部署）
// ============================================================================

type memoryEntry struct {
	liveness  model.ListenerLiveness
	expiresAt time.Time
}

// MemoryCache 进程内存活缓存，过期在读取时惰性判断
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

var _ LivenessCache = (*MemoryCache)(nil)

// NewMemoryCache 创建内存缓存
func NewMemoryCache() *MemoryCache {
	return NewMemoryCacheWithClock(time.Now)
}

// NewMemoryCacheWithClock 使用指定时钟创建内存缓存（测试用）
func NewMemoryCacheWithClock(now func() time.Time) *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: now}
}

func (c *MemoryCache) PutLiveness(ctx context.Context, l *model.ListenerLiveness, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *l
	cp.Profiles = append([]string(nil), l.Profiles...)
	cp.ActiveRunIDs = append([]string(nil), l.ActiveRunIDs...)
	c.entries[l.ListenerID] = memoryEntry{liveness: cp, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) GetLiveness(ctx context.Context, listenerID string) (*model.ListenerLiveness, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[listenerID]
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, nil
	}
	l := e.liveness
	return &l, nil
}

func (c *MemoryCache) DeleteLiveness(ctx context.Context, listenerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, listenerID)
	return nil
}

func (c *MemoryCache) ListLiveness(ctx context.Context) ([]*model.ListenerLiveness, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	out := make([]*model.ListenerLiveness, 0, len(c.entries))
	for _, e := range c.entries {
		if !now.Before(e.expiresAt) {
			continue
		}
		l := e.liveness
		out = append(out, &l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListenerID < out[j].ListenerID })
	return out, nil
}

func (c *MemoryCache) Close() error {
	return nil
}
