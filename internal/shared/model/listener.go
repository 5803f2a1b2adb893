package model

import (
	"slices"
	"time"
)

// RunnerListener Listener 的持久身份
//
// 运行时状态（在线、容量、心跳）不落库，见 ListenerLiveness。
type RunnerListener struct {
	ID                     string     `json:"id" db:"id"`
	PoolID                 string     `json:"pool_id" db:"pool_id"`
	Name                   string     `json:"name" db:"name"`
	CertificateFingerprint string     `json:"certificate_fingerprint,omitempty" db:"certificate_fingerprint"`
	CertificateExpiresAt   *time.Time `json:"certificate_expires_at,omitempty" db:"certificate_expires_at"`
	Profiles               []string   `json:"profiles" db:"profiles"`
	CreatedAt              time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at" db:"updated_at"`
}

// ListenerLiveness Listener 的时效性健康/容量记录
//
// 只由对应 Listener 的心跳写入，过期后 Listener 不参与派发。
type ListenerLiveness struct {
	ListenerID      string    `json:"listener_id"`
	PoolID          string    `json:"pool_id,omitempty"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	Capacity        int       `json:"capacity"`
	ActiveRuns      int       `json:"active_runs"`
	Profiles        []string  `json:"profiles"`
	ActiveRunIDs    []string  `json:"active_run_ids,omitempty"`
}

// HasCapacity 是否还有空闲槽位
func (l *ListenerLiveness) HasCapacity() bool {
	return l.ActiveRuns < l.Capacity
}

// Supports 是否声明支持指定执行配置
func (l *ListenerLiveness) Supports(profile string) bool {
	return slices.Contains(l.Profiles, profile)
}

// Fresh 在 now 时刻、给定 TTL 下是否仍然有效
func (l *ListenerLiveness) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.LastHeartbeatAt) < ttl
}
