// Package redis Listener 存活缓存操作
package redis

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"runplane/internal/shared/cache"
	"runplane/internal/shared/model"
)

// PutLiveness 写入存活记录，过期由 Redis TTL 负责
func (s *Store) PutLiveness(ctx context.Context, l *model.ListenerLiveness, ttl time.Duration) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, cache.KeyListenerLiveness+l.ListenerID, data, ttl).Err()
}

// GetLiveness 获取存活记录
func (s *Store) GetLiveness(ctx context.Context, listenerID string) (*model.ListenerLiveness, error) {
	data, err := s.client.Get(ctx, cache.KeyListenerLiveness+listenerID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var l model.ListenerLiveness
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// DeleteLiveness 删除存活记录
func (s *Store) DeleteLiveness(ctx context.Context, listenerID string) error {
	return s.client.Del(ctx, cache.KeyListenerLiveness+listenerID).Err()
}

// ListLiveness 列出全部存活记录
//
// 使用 SCAN 替代 KEYS，避免在 Listener 数量大时阻塞 Redis
func (s *Store) ListLiveness(ctx context.Context) ([]*model.ListenerLiveness, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, cache.KeyListenerLiveness+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.ListenerLiveness, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// SCAN 与 MGET 之间过期
			continue
		}
		var l model.ListenerLiveness
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			continue
		}
		out = append(out, &l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListenerID < out[j].ListenerID })
	return out, nil
}
