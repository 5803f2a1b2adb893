// Package listener Listener 领域：注册表与存活、加入与证书轮换、Listener 协议 HTTP 处理
package listener

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"runplane/internal/shared/cache"
	"runplane/internal/shared/model"
	"runplane/internal/shared/storage"
	"runplane/pkg/logging"
)

// ErrInvalidHeartbeat 心跳参数不合法
var ErrInvalidHeartbeat = errors.New("invalid heartbeat")

// RegistryStore 注册表需要的存储接口
type RegistryStore interface {
	CreateListener(ctx context.Context, l *model.RunnerListener) error
	GetListener(ctx context.Context, id string) (*model.RunnerListener, error)
	GetListenerByName(ctx context.Context, name string) (*model.RunnerListener, error)
	ListListenersByPool(ctx context.Context, poolID string) ([]*model.RunnerListener, error)
	UpdateListenerCertificate(ctx context.Context, id, fingerprint string, expiresAt time.Time) error
	UpdateListenerProfiles(ctx context.Context, id string, profiles []string) error
	DeleteListener(ctx context.Context, id string) error
}

// Heartbeat 心跳内容
type Heartbeat struct {
	Capacity     int      `json:"capacity"`
	ActiveRuns   int      `json:"active_runs"`
	Profiles     []string `json:"profiles"`
	ActiveRunIDs []string `json:"active_run_ids,omitempty"`
}

// Registry Listener 注册表
//
// 持久身份在数据库，运行时存活记录在 LivenessCache 中按 TTL 过期。
// 过期在读取时判断，不需要后台清理。
type Registry struct {
	store  RegistryStore
	cache  cache.LivenessCache
	ttl    time.Duration
	now    func() time.Time
	logger *logging.Logger
}

// NewRegistry 创建注册表，ttl <= 0 时使用 cache.TTLListenerLiveness
func NewRegistry(store RegistryStore, lc cache.LivenessCache, ttl time.Duration, logger *logging.Logger) *Registry {
	if ttl <= 0 {
		ttl = cache.TTLListenerLiveness
	}
	if logger == nil {
		logger = logging.Default("listener")
	}
	return &Registry{store: store, cache: lc, ttl: ttl, now: time.Now, logger: logger}
}

// SetClock 替换时钟（测试用）
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// TTL 存活记录有效期
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Register 以已签发证书的指纹登记 Listener
//
// 同池内同名 Listener 重新加入时沿用原 ID 并覆盖指纹；名称被其他池占用返回 storage.ErrDuplicate。
func (r *Registry) Register(ctx context.Context, l *model.RunnerListener) (*model.RunnerListener, error) {
	now := r.now().UTC()
	existing, err := r.store.GetListenerByName(ctx, l.Name)
	switch {
	case err == nil:
		if existing.PoolID != l.PoolID {
			return nil, fmt.Errorf("listener name %q: %w", l.Name, storage.ErrDuplicate)
		}
		if l.CertificateExpiresAt == nil {
			return nil, errors.New("certificate expiry is required")
		}
		if err := r.store.UpdateListenerCertificate(ctx, existing.ID, l.CertificateFingerprint, *l.CertificateExpiresAt); err != nil {
			return nil, err
		}
		if err := r.store.UpdateListenerProfiles(ctx, existing.ID, l.Profiles); err != nil {
			return nil, err
		}
		r.logger.WithListenerID(existing.ID).WithPoolID(l.PoolID).Info("Listener re-registered", "name", l.Name)
		return r.store.GetListener(ctx, existing.ID)
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, err
	}

	if l.ID == "" {
		l.ID = model.NewID(model.PrefixListener)
	}
	l.CreatedAt = now
	l.UpdatedAt = now
	if err := r.store.CreateListener(ctx, l); err != nil {
		return nil, err
	}
	r.logger.WithListenerID(l.ID).WithPoolID(l.PoolID).Info("Listener registered", "name", l.Name, "profiles", l.Profiles)
	return l, nil
}

// Get 获取 Listener
func (r *Registry) Get(ctx context.Context, id string) (*model.RunnerListener, error) {
	return r.store.GetListener(ctx, id)
}

// ByName 按名称获取 Listener
func (r *Registry) ByName(ctx context.Context, name string) (*model.RunnerListener, error) {
	return r.store.GetListenerByName(ctx, name)
}

// Rotate 覆盖证书指纹，旧证书随即无法通过校验
func (r *Registry) Rotate(ctx context.Context, id, fingerprint string, expiresAt time.Time) error {
	return r.store.UpdateListenerCertificate(ctx, id, fingerprint, expiresAt)
}

// Delete 删除 Listener 及其存活记录
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteListener(ctx, id); err != nil {
		return err
	}
	if err := r.cache.DeleteLiveness(ctx, id); err != nil {
		r.logger.WithListenerID(id).WithError(err).Warn("Delete liveness failed")
	}
	r.logger.WithListenerID(id).Info("Listener deleted")
	return nil
}

// Heartbeat 写入存活记录（TTL 内有效）
func (r *Registry) Heartbeat(ctx context.Context, l *model.RunnerListener, hb Heartbeat) (*model.ListenerLiveness, error) {
	if hb.Capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive", ErrInvalidHeartbeat)
	}
	if hb.ActiveRuns < 0 {
		return nil, fmt.Errorf("%w: active_runs must not be negative", ErrInvalidHeartbeat)
	}
	profiles := hb.Profiles
	if len(profiles) == 0 {
		profiles = l.Profiles
	}
	rec := &model.ListenerLiveness{
		ListenerID:      l.ID,
		PoolID:          l.PoolID,
		LastHeartbeatAt: r.now().UTC(),
		Capacity:        hb.Capacity,
		ActiveRuns:      hb.ActiveRuns,
		Profiles:        profiles,
		ActiveRunIDs:    hb.ActiveRunIDs,
	}
	if err := r.cache.PutLiveness(ctx, rec, r.ttl); err != nil {
		return nil, err
	}
	if !slices.Equal(profiles, l.Profiles) {
		if err := r.store.UpdateListenerProfiles(ctx, l.ID, profiles); err != nil {
			r.logger.WithListenerID(l.ID).WithError(err).Warn("Update profiles failed")
		}
	}
	return rec, nil
}

// Liveness 读取未过期的存活记录，不存在或已过期返回 nil
func (r *Registry) Liveness(ctx context.Context, id string) (*model.ListenerLiveness, error) {
	rec, err := r.cache.GetLiveness(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}
	if !rec.Fresh(r.now(), r.ttl) {
		return nil, nil
	}
	return rec, nil
}

// IsEligible 存活未过期、有空闲槽位、且声明支持该执行配置
func (r *Registry) IsEligible(ctx context.Context, id, profile string) (bool, error) {
	rec, err := r.Liveness(ctx, id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	return rec.HasCapacity() && rec.Supports(profile), nil
}

// Status Listener 及其实时存活信息
type Status struct {
	*model.RunnerListener
	Online   bool                    `json:"online"`
	Liveness *model.ListenerLiveness `json:"liveness,omitempty"`
}

// ListByPool 列出池内 Listener 并附带存活信息
func (r *Registry) ListByPool(ctx context.Context, poolID string) ([]Status, error) {
	listeners, err := r.store.ListListenersByPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(listeners))
	for _, l := range listeners {
		live, err := r.Liveness(ctx, l.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, Status{RunnerListener: l, Online: live != nil, Liveness: live})
	}
	return out, nil
}
