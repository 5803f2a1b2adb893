// Package etcd 以 etcd 租约实现 Listener 存活缓存
//
// 每次心跳写入都绑定一个 TTL 租约，租约到期后 key 由 etcd 删除。
// 适合已经运行 etcd 的集群，无需再部署 Redis。
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"runplane/internal/shared/cache"
	"runplane/internal/shared/model"
)

// Store etcd 存活缓存
type Store struct {
	client *clientv3.Client
	prefix string
}

var _ cache.LivenessCache = (*Store)(nil)

// Config etcd 配置
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
}

// NewStore 连接 etcd 并做一次健康检查
func NewStore(cfg Config) (*Store, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints are required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/runplane"
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	log.Printf("[etcd/cache] Connected to %v", cfg.Endpoints)
	return &Store{client: client, prefix: strings.TrimRight(cfg.Prefix, "/")}, nil
}

// Ping 检查第一个端点的状态
func (s *Store) Ping(ctx context.Context) error {
	eps := s.client.Endpoints()
	if len(eps) == 0 {
		return fmt.Errorf("etcd client has no endpoints")
	}
	_, err := s.client.Status(ctx, eps[0])
	return err
}

// Close 关闭连接
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) keyPrefix() string {
	return s.prefix + "/" + cache.KeyListenerLiveness
}

func (s *Store) key(listenerID string) string {
	return s.keyPrefix() + listenerID
}

// PutLiveness 以新租约写入存活记录，租约秒数向上取整
func (s *Store) PutLiveness(ctx context.Context, l *model.ListenerLiveness, ttl time.Duration) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	seconds := int64(math.Ceil(ttl.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	lease, err := s.client.Grant(ctx, seconds)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}
	if _, err := s.client.Put(ctx, s.key(l.ListenerID), string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to put liveness: %w", err)
	}
	return nil
}

// GetLiveness 读取存活记录，租约到期后返回 (nil, nil)
func (s *Store) GetLiveness(ctx context.Context, listenerID string) (*model.ListenerLiveness, error) {
	resp, err := s.client.Get(ctx, s.key(listenerID))
	if err != nil {
		return nil, fmt.Errorf("failed to get liveness: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	var l model.ListenerLiveness
	if err := json.Unmarshal(resp.Kvs[0].Value, &l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal liveness: %w", err)
	}
	return &l, nil
}

// DeleteLiveness 删除存活记录
func (s *Store) DeleteLiveness(ctx context.Context, listenerID string) error {
	_, err := s.client.Delete(ctx, s.key(listenerID))
	return err
}

// ListLiveness 按前缀列出全部存活记录
func (s *Store) ListLiveness(ctx context.Context) ([]*model.ListenerLiveness, error) {
	resp, err := s.client.Get(ctx, s.keyPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list liveness: %w", err)
	}
	out := make([]*model.ListenerLiveness, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var l model.ListenerLiveness
		if err := json.Unmarshal(kv.Value, &l); err != nil {
			log.Printf("[etcd/cache] skip malformed liveness at %s: %v", string(kv.Key), err)
			continue
		}
		out = append(out, &l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListenerID < out[j].ListenerID })
	return out, nil
}
