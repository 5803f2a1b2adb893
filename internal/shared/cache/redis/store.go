// Package redis Redis 存活缓存实现
//
// 多个 API Server 副本共享同一份 Listener 存活记录，过期依赖 Redis key TTL。
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"runplane/internal/shared/cache"
)

// 存活记录的读写都很小，超时取短值，Redis 故障时派发尽快返回空
const (
	dialTimeout  = 3 * time.Second
	readTimeout  = time.Second
	writeTimeout = time.Second
)

// Store Redis 存活缓存
type Store struct {
	client *redis.Client
}

var _ cache.LivenessCache = (*Store)(nil)

// NewStoreFromURL 解析 redis:// URL 并连接
func NewStoreFromURL(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = dialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = readTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = writeTimeout
	}

	s := &Store{client: redis.NewClient(opts)}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		s.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[redis/cache] Connected to %s db=%d", opts.Addr, opts.DB)
	return s, nil
}

// Ping 检查连接
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}
