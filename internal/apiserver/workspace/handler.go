// Package workspace Workspace 配置管理 - HTTP 处理
//
// 锁字段只由 Run 状态迁移维护，这里只读不写。
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"runplane/internal/apiserver/auth"
	"runplane/internal/jobbuilder"
	"runplane/internal/shared/model"
	"runplane/internal/shared/storage"
)

// Store Workspace 处理器需要的存储接口
type Store interface {
	CreateWorkspace(ctx context.Context, ws *model.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*model.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*model.Workspace, error)
	UpdateWorkspaceSettings(ctx context.Context, ws *model.Workspace) error
	GetPool(ctx context.Context, id string) (*model.AgentPool, error)
}

// Handler Workspace HTTP 处理器
type Handler struct {
	store Store
	gate  auth.Gate
}

// NewHandler 创建 Workspace 处理器
func NewHandler(store Store, gate auth.Gate) *Handler {
	return &Handler{store: store, gate: gate}
}

// RegisterRoutes 注册 Workspace 路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/workspaces", auth.AdminOnly(h.Create))
	mux.HandleFunc("GET /api/v1/workspaces", h.List)
	mux.HandleFunc("GET /api/v1/workspaces/{id}", h.Get)
	mux.HandleFunc("PATCH /api/v1/workspaces/{id}", h.Update)
}

// SettingsRequest 创建/更新 Workspace 的请求体，空字段表示不修改
type SettingsRequest struct {
	Name             *string `json:"name,omitempty"`
	ExecutionProfile *string `json:"execution_profile,omitempty"`
	ExecutionBackend *string `json:"execution_backend,omitempty"`
	BackendVersion   *string `json:"backend_version,omitempty"`
	ResourceCPU      *string `json:"resource_cpu,omitempty"`
	ResourceMemory   *string `json:"resource_memory,omitempty"`
	AutoApply        *bool   `json:"auto_apply,omitempty"`
	AgentPoolID      *string `json:"agent_pool_id,omitempty"`
}

// apply 将请求合并到 ws 并校验
func (req *SettingsRequest) apply(ctx context.Context, store Store, ws *model.Workspace) error {
	if req.Name != nil {
		ws.Name = *req.Name
	}
	if req.ExecutionProfile != nil {
		ws.ExecutionProfile = *req.ExecutionProfile
	}
	if req.ExecutionBackend != nil {
		b, err := model.ParseBackend(*req.ExecutionBackend)
		if err != nil {
			return err
		}
		ws.ExecutionBackend = b
	}
	if req.BackendVersion != nil {
		ws.BackendVersion = *req.BackendVersion
	}
	if req.ResourceCPU != nil {
		ws.ResourceCPU = *req.ResourceCPU
	}
	if req.ResourceMemory != nil {
		ws.ResourceMemory = *req.ResourceMemory
	}
	if req.AutoApply != nil {
		ws.AutoApply = *req.AutoApply
	}
	if req.AgentPoolID != nil {
		if *req.AgentPoolID == "" {
			ws.AgentPoolID = nil
		} else {
			if _, err := store.GetPool(ctx, *req.AgentPoolID); err != nil {
				return fmt.Errorf("agent pool %s: %w", *req.AgentPoolID, err)
			}
			id := *req.AgentPoolID
			ws.AgentPoolID = &id
		}
	}

	ws.ApplyDefaults()
	if ws.Name == "" {
		return errors.New("name is required")
	}
	if err := jobbuilder.ValidateCPU(ws.ResourceCPU); err != nil {
		return err
	}
	return jobbuilder.ValidateMemory(ws.ResourceMemory)
}

// Create 创建 Workspace
// POST /api/v1/workspaces
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	now := time.Now().UTC()
	ws := &model.Workspace{ID: model.NewID(model.PrefixWorkspace), CreatedAt: now, UpdatedAt: now}
	if err := req.apply(ctx, h.store, ws); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.CreateWorkspace(ctx, ws); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, http.StatusConflict, "workspace already exists")
			return
		}
		log.Printf("[workspace.create.failed] name=%s error=%v", ws.Name, err)
		writeError(w, http.StatusInternalServerError, "failed to create workspace")
		return
	}
	log.Printf("[workspace.create.success] workspace_id=%s name=%s profile=%s", ws.ID, ws.Name, ws.ExecutionProfile)
	writeJSON(w, http.StatusCreated, ws)
}

// List 列出调用方可读的 Workspace
// GET /api/v1/workspaces
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := auth.CallerFrom(ctx)
	all, err := h.store.ListWorkspaces(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list workspaces")
		return
	}
	visible := make([]*model.Workspace, 0, len(all))
	for _, ws := range all {
		if h.gate.Allowed(ctx, caller, ws.ID, auth.LevelRead) {
			visible = append(visible, ws)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workspaces": visible, "count": len(visible)})
}

// Get 获取 Workspace
// GET /api/v1/workspaces/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.load(w, r, auth.LevelRead)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// Update 修改 Workspace 配置，对已创建的 Run 没有影响
// PATCH /api/v1/workspaces/{id}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ws, ok := h.load(w, r, auth.LevelAdmin)
	if !ok {
		return
	}
	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.apply(ctx, h.store, ws); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ws.UpdatedAt = time.Now().UTC()
	if err := h.store.UpdateWorkspaceSettings(ctx, ws); err != nil {
		log.Printf("[workspace.update.failed] workspace_id=%s error=%v", ws.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to update workspace")
		return
	}
	log.Printf("[workspace.update.success] workspace_id=%s", ws.ID)
	writeJSON(w, http.StatusOK, ws)
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request, level auth.Level) (*model.Workspace, bool) {
	ctx := r.Context()
	id := r.PathValue("id")
	if !h.gate.Allowed(ctx, auth.CallerFrom(ctx), id, level) {
		writeError(w, http.StatusForbidden, "permission denied")
		return nil, false
	}
	ws, err := h.store.GetWorkspace(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "workspace not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get workspace")
		return nil, false
	}
	return ws, true
}
