package auth

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Handler 认证 HTTP 处理器
//
// 人类用户的会话登录由外部身份系统负责，这里只签发和查看 Run API 令牌。
type Handler struct {
	cfg Config
}

// NewHandler 创建认证处理器
func NewHandler(cfg Config) *Handler {
	return &Handler{cfg: cfg}
}

// RegisterRoutes 注册认证相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/auth/me", h.Me)
	mux.HandleFunc("POST /api/v1/auth/tokens", AdminOnly(h.IssueToken))
}

type issueTokenRequest struct {
	Subject    string            `json:"subject"`
	Role       string            `json:"role"`
	Workspaces map[string]string `json:"workspaces"`
}

type issueTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type callerResponse struct {
	ID         string           `json:"id"`
	Role       string           `json:"role"`
	Workspaces map[string]Level `json:"workspaces,omitempty"`
}

// Me 返回当前调用方
// GET /api/v1/auth/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	caller := CallerFrom(r.Context())
	if caller == nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	writeJSON(w, http.StatusOK, callerResponse{ID: caller.ID, Role: caller.Role, Workspaces: caller.Workspaces})
}

// IssueToken 为 CI 或用户签发带 Workspace 权限的访问令牌
// POST /api/v1/auth/tokens
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Enabled() {
		writeJSONError(w, http.StatusBadRequest, "authentication is disabled")
		return
	}
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Subject == "" {
		writeJSONError(w, http.StatusBadRequest, "subject is required")
		return
	}
	grants := make(map[string]Level, len(req.Workspaces))
	for ws, lv := range req.Workspaces {
		level, err := ParseLevel(lv)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		grants[ws] = level
	}

	token, err := GenerateAccessToken(h.cfg, req.Subject, req.Role, grants)
	if err != nil {
		log.Printf("[auth.token.failed] subject=%s error=%v", req.Subject, err)
		writeJSONError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	ttl := h.cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = DefaultConfig().AccessTokenTTL
	}
	log.Printf("[auth.token.issued] subject=%s role=%s by=%s", req.Subject, req.Role, CallerFrom(r.Context()).ID)
	writeJSON(w, http.StatusCreated, issueTokenResponse{Token: token, ExpiresAt: time.Now().Add(ttl)})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
