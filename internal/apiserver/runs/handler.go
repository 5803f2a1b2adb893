package runs

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"runplane/internal/apiserver/auth"
	"runplane/internal/shared/model"
	"runplane/internal/shared/objstore"
)

// Handler Run API HTTP 处理器
type Handler struct {
	svc     *Service
	objects objstore.Store
}

// NewHandler 创建 Run 处理器，objects 为 nil 时不提供日志下载
func NewHandler(svc *Service, objects objstore.Store) *Handler {
	return &Handler{svc: svc, objects: objects}
}

// RegisterRoutes 注册 Run 相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/workspaces/{id}/runs", h.Create)
	mux.HandleFunc("GET /api/v1/workspaces/{id}/runs", h.ListByWorkspace)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.Get)
	mux.HandleFunc("POST /api/v1/runs/{id}/actions/{action}", h.Action)
	if h.objects != nil {
		mux.HandleFunc("GET /api/v1/runs/{id}/logs/{phase}", h.Logs)
	}
}

// CreateRunRequest 创建 Run 的请求体
type CreateRunRequest struct {
	Message   string `json:"message"`
	Source    string `json:"source"`
	IsDestroy bool   `json:"is_destroy"`
	PlanOnly  bool   `json:"plan_only"`
	AutoApply *bool  `json:"auto_apply,omitempty"`
}

// Create 为 Workspace 创建一次 Run
// POST /api/v1/workspaces/{id}/runs
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wsID := r.PathValue("id")

	var req CreateRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	run, err := h.svc.Create(ctx, auth.CallerFrom(ctx), CreateRequest{
		WorkspaceID: wsID,
		Message:     req.Message,
		Source:      req.Source,
		IsDestroy:   req.IsDestroy,
		PlanOnly:    req.PlanOnly,
		AutoApply:   req.AutoApply,
	})
	if err != nil {
		log.Printf("[run.create.failed] workspace_id=%s error=%v", wsID, err)
		writeServiceError(w, err)
		return
	}
	log.Printf("[run.create.success] run_id=%s workspace_id=%s status=%s", run.ID, wsID, run.Status)
	writeJSON(w, http.StatusCreated, run)
}

// ListByWorkspace 列出 Workspace 的 Run
// GET /api/v1/workspaces/{id}/runs?limit=20
func (h *Handler) ListByWorkspace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := h.svc.ListByWorkspace(ctx, auth.CallerFrom(ctx), r.PathValue("id"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

// Get 获取 Run
// GET /api/v1/runs/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, err := h.svc.Get(ctx, auth.CallerFrom(ctx), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Action 执行确认 / 丢弃 / 取消
// POST /api/v1/runs/{id}/actions/{confirm|discard|cancel}
func (h *Handler) Action(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := r.PathValue("id")
	action := r.PathValue("action")
	caller := auth.CallerFrom(ctx)

	var (
		run *model.Run
		err error
	)
	switch action {
	case "confirm":
		run, err = h.svc.Confirm(ctx, caller, runID)
	case "discard":
		run, err = h.svc.Discard(ctx, caller, runID)
	case "cancel":
		run, err = h.svc.Cancel(ctx, caller, runID)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		log.Printf("[run.action.failed] run_id=%s action=%s error=%v", runID, action, err)
		writeServiceError(w, err)
		return
	}
	log.Printf("[run.action.success] run_id=%s action=%s status=%s", runID, action, run.Status)
	writeJSON(w, http.StatusOK, run)
}

// Logs 下载阶段日志
// GET /api/v1/runs/{id}/logs/{plan|apply}
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	phase := model.JobPhase(r.PathValue("phase"))
	if phase != model.PhasePlan && phase != model.PhaseApply {
		writeError(w, http.StatusBadRequest, "phase must be plan or apply")
		return
	}
	run, err := h.svc.Get(ctx, auth.CallerFrom(ctx), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	rc, err := h.objects.Get(ctx, objstore.LogKey(run.WorkspaceID, run.ID, phase))
	if errors.Is(err, objstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "log not available")
		return
	}
	if err != nil {
		log.Printf("[run.logs] run_id=%s phase=%s error=%v", run.ID, phase, err)
		writeError(w, http.StatusBadGateway, "failed to read log")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}
