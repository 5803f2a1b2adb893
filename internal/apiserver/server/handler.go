package server

import (
	"net/http"

	"runplane/internal/apiserver/auth"
	"runplane/internal/apiserver/listener"
	"runplane/internal/apiserver/runs"
	"runplane/internal/apiserver/workspace"
)

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 基础:
//   - GET /health  - 服务健康检查
//   - GET /metrics - Prometheus 指标
//   - GET /ca.pem  - Listener CA 证书
//
// 调用方认证 (JWT):
//   - GET  /api/v1/auth/me
//   - POST /api/v1/auth/tokens                        - 签发访问令牌（管理员）
//
// Workspace:
//   - POST  /api/v1/workspaces                        - 创建（管理员）
//   - GET   /api/v1/workspaces                        - 列出可见的 Workspace
//   - GET   /api/v1/workspaces/{id}
//   - PATCH /api/v1/workspaces/{id}                   - 修改配置
//
// Run:
//   - POST /api/v1/workspaces/{id}/runs               - 创建 Run
//   - GET  /api/v1/workspaces/{id}/runs
//   - GET  /api/v1/runs/{id}
//   - POST /api/v1/runs/{id}/actions/{action}         - confirm / discard / cancel
//   - GET  /api/v1/runs/{id}/logs/{phase}             - plan / apply 日志
//
// Agent Pool 管理（管理员）:
//   - /api/v1/agent-pools[/{id}[/tokens|/listeners]]
//
// Listener 协议（客户端证书）:
//   - POST /api/v1/agent-pools/{id}/listeners/join    - 加入令牌即凭证
//   - POST /api/v1/listeners/{id}/heartbeat
//   - POST /api/v1/listeners/{id}/renew
//   - GET  /api/v1/listeners/{id}/runs
//   - POST /api/v1/listeners/{id}/runs/next
//   - GET  /api/v1/listeners/{id}/runs/{run_id}
//   - POST /api/v1/listeners/{id}/runs/{run_id}/phase
//   - PUT  /api/v1/listeners/{id}/runs/{run_id}/logs/{phase}
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", h.Health)

	// Prometheus 指标端点
	mux.Handle("GET /metrics", h.metrics.Handler())

	// CA 证书下载，Listener 加入前用于信任服务端证书
	mux.HandleFunc("GET /ca.pem", h.CACert)

	auth.NewHandler(h.authCfg).RegisterRoutes(mux)
	workspace.NewHandler(h.store, auth.ClaimsGate{}).RegisterRoutes(mux)
	runs.NewHandler(h.runs, h.objects).RegisterRoutes(mux)
	listener.NewPoolHandler(h.store, h.registry).RegisterRoutes(mux)
	listener.NewHandler(h.identity, h.registry, h.dispatch, h.runs, h.store, h.objects).RegisterRoutes(mux)

	// 应用指标中间件到 REST API
	apiHandler := h.metrics.MetricsMiddleware(mux)

	// 应用认证中间件
	authedHandler := auth.Middleware(h.authCfg)(apiHandler)

	// 应用 CORS 中间件
	return corsMiddleware(authedHandler)
}

// CACert 返回 Listener CA 证书
func (h *Handler) CACert(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", "attachment; filename=\"runplane-ca.pem\"")
	w.WriteHeader(http.StatusOK)
	w.Write(h.identity.CACertPEM())
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
