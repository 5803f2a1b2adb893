// Package auth Run API 调用方认证：JWT 令牌、Workspace 权限门禁、HTTP 中间件
//
// Listener 路由不走 JWT，由 listener 包的客户端证书中间件认证。
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey context 键类型
type contextKey string

const ctxKeyCaller contextKey = "caller"

// RoleAdmin 管理员角色，不受 Workspace 权限限制
const RoleAdmin = "admin"

// AnyWorkspace Workspaces 声明中匹配所有 Workspace 的键
const AnyWorkspace = "*"

// Caller 从 JWT 解析出的调用方
type Caller struct {
	ID         string
	Role       string
	Workspaces map[string]Level
}

// IsAdmin 是否为管理员
func (c *Caller) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// Config 认证配置
type Config struct {
	JWTSecret      string        `yaml:"jwt_secret"`
	Issuer         string        `yaml:"issuer"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// DefaultConfig 返回默认认证配置
func DefaultConfig() Config {
	return Config{
		Issuer:         "runplane",
		AccessTokenTTL: 24 * time.Hour,
	}
}

// Enabled 是否启用认证
func (c Config) Enabled() bool {
	return c.JWTSecret != ""
}

// ============================================================================
// JWT Token
// ============================================================================

// Claims JWT 声明
type Claims struct {
	jwt.RegisteredClaims
	Role       string            `json:"role,omitempty"`
	Workspaces map[string]string `json:"workspaces,omitempty"`
	Type       string            `json:"type,omitempty"` // "access"
}

// Caller 转换为调用方，无法识别的权限级别被忽略
func (c *Claims) Caller() *Caller {
	caller := &Caller{ID: c.Subject, Role: c.Role, Workspaces: make(map[string]Level, len(c.Workspaces))}
	for ws, lv := range c.Workspaces {
		if level, err := ParseLevel(lv); err == nil {
			caller.Workspaces[ws] = level
		}
	}
	return caller
}

// GenerateAccessToken 生成访问令牌
func GenerateAccessToken(cfg Config, subject, role string, workspaces map[string]Level) (string, error) {
	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = DefaultConfig().AccessTokenTTL
	}
	grants := make(map[string]string, len(workspaces))
	for ws, lv := range workspaces {
		grants[ws] = string(lv)
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:       role,
		Workspaces: grants,
		Type:       "access",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// ParseToken 解析并验证 JWT
func ParseToken(cfg Config, tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// ============================================================================
// Context 辅助函数
// ============================================================================

// WithCaller 将调用方注入 context
func WithCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, ctxKeyCaller, caller)
}

// CallerFrom 从 context 获取调用方
func CallerFrom(ctx context.Context) *Caller {
	caller, _ := ctx.Value(ctxKeyCaller).(*Caller)
	return caller
}
