// Package server API Server 组装与路由
//
// 文件组织：
//   - common.go: Handler 定义与依赖组装
//   - handler.go: 路由与中间件
//   - metrics.go: Prometheus 指标
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"runplane/internal/apiserver/auth"
	"runplane/internal/apiserver/dispatch"
	"runplane/internal/apiserver/listener"
	"runplane/internal/apiserver/runs"
	"runplane/internal/ca"
	"runplane/internal/jobbuilder"
	"runplane/internal/shared/cache"
	"runplane/internal/shared/objstore"
	"runplane/internal/shared/storage"
	"runplane/pkg/logging"
)

// Deps API Server 的外部依赖
type Deps struct {
	Store     storage.PersistentStore
	Liveness  cache.LivenessCache
	Objects   objstore.Store
	Authority *ca.Authority
	Auth      auth.Config

	// ClientCertHeader TLS 终止代理转发客户端证书的请求头
	ClientCertHeader string
	DefaultPool      string
	LivenessTTL      time.Duration
	ClaimBatch       int
	Job              jobbuilder.Options
}

// Handler API 处理器
//
// 持有各领域服务，Router 将它们的路由挂到同一个 ServeMux 上。
type Handler struct {
	store    storage.PersistentStore
	liveness cache.LivenessCache
	objects  objstore.Store
	authCfg  auth.Config
	registry *listener.Registry
	identity *listener.IdentityService
	runs     *runs.Service
	dispatch *dispatch.Dispatcher
	metrics  *Metrics
}

// NewHandler 组装领域服务
func NewHandler(deps Deps) *Handler {
	metrics := NewMetrics("runplane")
	if deps.Objects == nil {
		deps.Objects = objstore.NewMemoryStore()
	}
	if deps.Liveness == nil {
		deps.Liveness = cache.NewMemoryCache()
	}

	registry := listener.NewRegistry(deps.Store, deps.Liveness, deps.LivenessTTL, logging.Default("listener"))
	identity := listener.NewIdentityService(deps.Authority, deps.Store, registry, logging.Default("identity"), metrics)
	if deps.ClientCertHeader != "" {
		identity.SetCertHeader(deps.ClientCertHeader)
	}

	runSvc := runs.NewService(deps.Store, auth.ClaimsGate{}, runs.Options{
		DefaultPool: deps.DefaultPool,
		Logger:      logging.Default("runs"),
		Observer:    metrics,
	})
	d := dispatch.New(deps.Store, registry, dispatch.Config{Batch: deps.ClaimBatch, Job: deps.Job},
		dispatch.WithObserver(metrics),
		dispatch.WithLogger(logging.Default("dispatch")))

	return &Handler{
		store:    deps.Store,
		liveness: deps.Liveness,
		objects:  deps.Objects,
		authCfg:  deps.Auth,
		registry: registry,
		identity: identity,
		runs:     runSvc,
		dispatch: d,
		metrics:  metrics,
	}
}

// GetMetrics 返回指标实例
func (h *Handler) GetMetrics() *Metrics {
	return h.metrics
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Health 健康检查接口
//
// 路由: GET /health
//
// 数据库或共享存活缓存不可达时返回 503。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := h.store.ListPools(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "component": "database", "error": err.Error()})
		return
	}
	if p, ok := h.liveness.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "component": "liveness", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pinger 外部存活缓存（Redis、etcd）提供的连通性检查
type pinger interface {
	Ping(ctx context.Context) error
}
