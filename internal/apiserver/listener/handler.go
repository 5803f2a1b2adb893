package listener

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"runplane/internal/apiserver/dispatch"
	"runplane/internal/apiserver/runs"
	"runplane/internal/ca"
	"runplane/internal/shared/model"
	"runplane/internal/shared/objstore"
)

// RunReader Listener 协议读取 Run 的接口
type RunReader interface {
	GetRun(ctx context.Context, id string) (*model.Run, error)
	GetRunsByIDs(ctx context.Context, ids []string) ([]*model.Run, error)
}

// Handler Listener 协议 HTTP 处理器
//
// 除 join 外，所有路由都要求已校验的客户端证书。
type Handler struct {
	identity   *IdentityService
	registry   *Registry
	dispatcher *dispatch.Dispatcher
	runs       *runs.Service
	reader     RunReader
	objects    objstore.Store
}

// NewHandler 创建 Listener 协议处理器
func NewHandler(identity *IdentityService, registry *Registry, dispatcher *dispatch.Dispatcher, svc *runs.Service, reader RunReader, objects objstore.Store) *Handler {
	return &Handler{
		identity:   identity,
		registry:   registry,
		dispatcher: dispatcher,
		runs:       svc,
		reader:     reader,
		objects:    objects,
	}
}

// RegisterRoutes 注册 Listener 协议路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/agent-pools/{id}/listeners/join", h.Join)

	guard := h.identity.RequireCertificate
	mux.HandleFunc("POST /api/v1/listeners/{id}/heartbeat", guard(h.Heartbeat))
	mux.HandleFunc("POST /api/v1/listeners/{id}/renew", guard(h.Renew))
	mux.HandleFunc("GET /api/v1/listeners/{id}/runs", guard(h.ListAssigned))
	mux.HandleFunc("POST /api/v1/listeners/{id}/runs/next", guard(h.ClaimNext))
	mux.HandleFunc("GET /api/v1/listeners/{id}/runs/{run_id}", guard(h.GetRun))
	mux.HandleFunc("POST /api/v1/listeners/{id}/runs/{run_id}/phase", guard(h.ReportPhase))
	mux.HandleFunc("PUT /api/v1/listeners/{id}/runs/{run_id}/logs/{phase}", guard(h.UploadLog))
}

// Join 用加入令牌登记 Listener 并签发证书
// POST /api/v1/agent-pools/{id}/listeners/join
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	creds, err := h.identity.Join(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	log.Printf("[listener.join] listener_id=%s pool_id=%s name=%s", creds.ListenerID, creds.PoolID, creds.Name)
	writeJSON(w, http.StatusCreated, creds)
}

// HeartbeatResponse 心跳响应
type HeartbeatResponse struct {
	TTLSeconds int `json:"ttl_seconds"`
	// CancelRunIDs 心跳中上报的、已不应继续执行的 Run
	CancelRunIDs []string `json:"cancel_run_ids"`
	// RenewDue 当前证书已过半生命周期
	RenewDue bool `json:"renew_due"`
}

// Heartbeat 刷新存活记录并下发取消指令
// POST /api/v1/listeners/{id}/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l := FromContext(ctx)

	var hb Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := h.registry.Heartbeat(ctx, l, hb); err != nil {
		writeServiceError(w, err)
		return
	}

	cancelIDs, err := h.cancelDirectives(ctx, l.ID, hb.ActiveRunIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if len(cancelIDs) > 0 {
		log.Printf("[listener.heartbeat] listener_id=%s cancel=%v", l.ID, cancelIDs)
	}

	writeJSON(w, http.StatusOK, HeartbeatResponse{
		TTLSeconds:   int(h.registry.TTL() / time.Second),
		CancelRunIDs: cancelIDs,
		RenewDue:     ca.RenewalDue(CertFromContext(ctx), h.identity.authority.Now()),
	})
}

// cancelDirectives Listener 仍在执行、但服务端已终止或改派的 Run
func (h *Handler) cancelDirectives(ctx context.Context, listenerID string, active []string) ([]string, error) {
	cancel := []string{}
	if len(active) == 0 {
		return cancel, nil
	}
	found, err := h.reader.GetRunsByIDs(ctx, active)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Run, len(found))
	for _, run := range found {
		byID[run.ID] = run
	}
	for _, id := range active {
		run, ok := byID[id]
		if !ok || run.IsTerminal() || !run.AssignedTo(listenerID) {
			cancel = append(cancel, id)
		}
	}
	return cancel, nil
}

// Renew 证书轮换
// POST /api/v1/listeners/{id}/renew
func (h *Handler) Renew(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	creds, err := h.identity.Renew(ctx, FromContext(ctx), CertFromContext(ctx))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

// ListAssigned 已分配给该 Listener 且未结束的 Run（重启后回收孤儿作业用）
// GET /api/v1/listeners/{id}/runs
func (h *Handler) ListAssigned(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	assigned, err := h.dispatcher.Assigned(ctx, FromContext(ctx).ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if assigned == nil {
		assigned = []*model.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  assigned,
		"count": len(assigned),
	})
}

// ClaimNext 领取下一个 Run，没有可领取的工作返回 204
// POST /api/v1/listeners/{id}/runs/next
func (h *Handler) ClaimNext(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l := FromContext(ctx)

	var req struct {
		Profile string `json:"profile"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	profile := req.Profile
	if profile == "" && len(l.Profiles) > 0 {
		profile = l.Profiles[0]
	}

	claim, err := h.dispatcher.ClaimNext(ctx, l.ID, l.PoolID, profile)
	if err != nil {
		log.Printf("[listener.claim] listener_id=%s error=%v", l.ID, err)
		writeServiceError(w, err)
		return
	}
	if claim == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// GetRun 读取已分配的 Run 及其当前阶段作业
// GET /api/v1/listeners/{id}/runs/{run_id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, ok := h.assignedRun(w, r)
	if !ok {
		return
	}
	job, err := h.dispatcher.JobFor(ctx, run)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dispatch.Claim{Run: run, Job: job})
}

// ReportPhase 上报阶段结果
// POST /api/v1/listeners/{id}/runs/{run_id}/phase
func (h *Handler) ReportPhase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var report runs.PhaseReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	run, err := h.runs.ReportPhase(ctx, FromContext(ctx).ID, r.PathValue("run_id"), report)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// UploadLog 将阶段日志写入对象存储，请求体按流转发，不在内存中缓冲
// PUT /api/v1/listeners/{id}/runs/{run_id}/logs/{phase}
func (h *Handler) UploadLog(w http.ResponseWriter, r *http.Request) {
	phase := model.JobPhase(r.PathValue("phase"))
	if phase != model.PhasePlan && phase != model.PhaseApply {
		writeError(w, http.StatusBadRequest, "phase must be plan or apply")
		return
	}
	run, ok := h.assignedRun(w, r)
	if !ok {
		return
	}
	key := objstore.LogKey(run.WorkspaceID, run.ID, phase)
	if err := h.objects.Put(r.Context(), key, r.Body, r.ContentLength); err != nil {
		log.Printf("[listener.logs] run_id=%s key=%s error=%v", run.ID, key, err)
		writeError(w, http.StatusBadGateway, "failed to store log")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// assignedRun 读取路径中的 Run，并要求其分配给当前 Listener
func (h *Handler) assignedRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	run, err := h.reader.GetRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	if !run.AssignedTo(FromContext(r.Context()).ID) {
		writeServiceError(w, runs.ErrNotAssigned)
		return nil, false
	}
	return run, true
}
