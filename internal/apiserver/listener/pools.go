package listener

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"runplane/internal/apiserver/auth"
	"runplane/internal/shared/model"
	"runplane/internal/shared/storage"
)

// AdminStore Agent Pool 管理需要的存储接口
type AdminStore interface {
	storage.PoolStore
	CreatePoolToken(ctx context.Context, token *model.AgentPoolToken) error
	ListPoolTokens(ctx context.Context, poolID string) ([]*model.AgentPoolToken, error)
	RevokePoolToken(ctx context.Context, id string) error
}

// PoolHandler Agent Pool、加入令牌与 Listener 的管理接口（仅管理员）
type PoolHandler struct {
	store    AdminStore
	registry *Registry
	now      func() time.Time
}

// NewPoolHandler 创建管理处理器
func NewPoolHandler(store AdminStore, registry *Registry) *PoolHandler {
	return &PoolHandler{store: store, registry: registry, now: time.Now}
}

// RegisterRoutes 注册管理路由
func (h *PoolHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/agent-pools", auth.AdminOnly(h.CreatePool))
	mux.HandleFunc("GET /api/v1/agent-pools", auth.AdminOnly(h.ListPools))
	mux.HandleFunc("GET /api/v1/agent-pools/{id}", auth.AdminOnly(h.GetPool))
	mux.HandleFunc("DELETE /api/v1/agent-pools/{id}", auth.AdminOnly(h.DeletePool))

	mux.HandleFunc("POST /api/v1/agent-pools/{id}/tokens", auth.AdminOnly(h.CreateToken))
	mux.HandleFunc("GET /api/v1/agent-pools/{id}/tokens", auth.AdminOnly(h.ListTokens))
	mux.HandleFunc("DELETE /api/v1/agent-pools/{id}/tokens/{token_id}", auth.AdminOnly(h.RevokeToken))

	mux.HandleFunc("GET /api/v1/agent-pools/{id}/listeners", auth.AdminOnly(h.ListListeners))
	mux.HandleFunc("DELETE /api/v1/agent-pools/{id}/listeners/{listener_id}", auth.AdminOnly(h.DeleteListener))
}

// CreatePoolRequest 创建 Agent Pool 请求
type CreatePoolRequest struct {
	Name               string `json:"name"`
	Description        string `json:"description"`
	ServiceAccountName string `json:"service_account_name"`
}

// CreatePool 创建 Agent Pool
// POST /api/v1/agent-pools
func (h *PoolHandler) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	now := h.now().UTC()
	pool := &model.AgentPool{
		ID:                 model.NewID(model.PrefixPool),
		Name:               req.Name,
		Description:        req.Description,
		ServiceAccountName: req.ServiceAccountName,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := h.store.CreatePool(r.Context(), pool); err != nil {
		writeServiceError(w, err)
		return
	}
	log.Printf("[pool.create] pool_id=%s name=%s", pool.ID, pool.Name)
	writeJSON(w, http.StatusCreated, pool)
}

// ListPools 列出 Agent Pool
// GET /api/v1/agent-pools
func (h *PoolHandler) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.store.ListPools(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if pools == nil {
		pools = []*model.AgentPool{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pools": pools,
		"count": len(pools),
	})
}

// GetPool 获取 Agent Pool
// GET /api/v1/agent-pools/{id}
func (h *PoolHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := h.store.GetPool(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// DeletePool 删除 Agent Pool，令牌和 Listener 随之删除
// DELETE /api/v1/agent-pools/{id}
func (h *PoolHandler) DeletePool(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.DeletePool(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	log.Printf("[pool.delete] pool_id=%s", id)
	w.WriteHeader(http.StatusNoContent)
}

// CreateTokenRequest 创建加入令牌请求
type CreateTokenRequest struct {
	Description string `json:"description"`
	// ExpiresIn 有效期（Go duration 字符串，如 "24h"），为空不过期
	ExpiresIn string `json:"expires_in"`
	MaxUses   *int   `json:"max_uses"`
}

// CreateTokenResponse 令牌元数据与原始值，原始值只返回这一次
type CreateTokenResponse struct {
	*model.AgentPoolToken
	Token string `json:"token"`
}

// CreateToken 创建加入令牌
// POST /api/v1/agent-pools/{id}/tokens
func (h *PoolHandler) CreateToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	poolID := r.PathValue("id")

	var req CreateTokenRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.MaxUses != nil && *req.MaxUses <= 0 {
		writeError(w, http.StatusBadRequest, "max_uses must be positive")
		return
	}
	if _, err := h.store.GetPool(ctx, poolID); err != nil {
		writeServiceError(w, err)
		return
	}

	now := h.now().UTC()
	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "expires_in must be a positive duration")
			return
		}
		t := now.Add(d)
		expiresAt = &t
	}

	raw, hash, err := GenerateToken()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	tok := &model.AgentPoolToken{
		ID:          model.NewID(model.PrefixToken),
		PoolID:      poolID,
		TokenHash:   hash,
		Description: req.Description,
		ExpiresAt:   expiresAt,
		MaxUses:     req.MaxUses,
		CreatedBy:   auth.CallerFrom(ctx).ID,
		CreatedAt:   now,
	}
	if err := h.store.CreatePoolToken(ctx, tok); err != nil {
		writeServiceError(w, err)
		return
	}
	log.Printf("[pool.token] created token_id=%s pool_id=%s by=%s", tok.ID, poolID, tok.CreatedBy)
	writeJSON(w, http.StatusCreated, CreateTokenResponse{AgentPoolToken: tok, Token: raw})
}

// ListTokens 列出池的加入令牌（不含原始值）
// GET /api/v1/agent-pools/{id}/tokens
func (h *PoolHandler) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.store.ListPoolTokens(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if tokens == nil {
		tokens = []*model.AgentPoolToken{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tokens": tokens,
		"count":  len(tokens),
	})
}

// RevokeToken 撤销加入令牌，已加入的 Listener 不受影响
// DELETE /api/v1/agent-pools/{id}/tokens/{token_id}
func (h *PoolHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	poolID, tokenID := r.PathValue("id"), r.PathValue("token_id")

	tokens, err := h.store.ListPoolTokens(ctx, poolID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	found := false
	for _, t := range tokens {
		if t.ID == tokenID {
			found = true
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err := h.store.RevokePoolToken(ctx, tokenID); err != nil {
		writeServiceError(w, err)
		return
	}
	log.Printf("[pool.token] revoked token_id=%s pool_id=%s", tokenID, poolID)
	w.WriteHeader(http.StatusNoContent)
}

// ListListeners 列出池内 Listener 及实时存活信息
// GET /api/v1/agent-pools/{id}/listeners
func (h *PoolHandler) ListListeners(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.registry.ListByPool(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	online := 0
	for _, s := range statuses {
		if s.Online {
			online++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listeners": statuses,
		"count":     len(statuses),
		"online":    online,
	})
}

// DeleteListener 删除 Listener，其证书随即失效
// DELETE /api/v1/agent-pools/{id}/listeners/{listener_id}
func (h *PoolHandler) DeleteListener(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l, err := h.registry.Get(ctx, r.PathValue("listener_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if l.PoolID != r.PathValue("id") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err := h.registry.Delete(ctx, l.ID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
