package listener

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"runplane/internal/ca"
	"runplane/internal/shared/model"
	"runplane/internal/shared/storage"
	"runplane/pkg/logging"
)

var (
	ErrInvalidToken        = errors.New("invalid join token")
	ErrTokenExpired        = errors.New("join token expired")
	ErrTokenExhausted      = errors.New("join token exhausted or revoked")
	ErrUnknownListener     = errors.New("listener is not registered")
	ErrFingerprintMismatch = errors.New("certificate fingerprint does not match the registered certificate")
	ErrInvalidRequest      = errors.New("invalid request")
)

// tokenPrefix 原始加入令牌前缀，便于在日志和密钥扫描中识别
const tokenPrefix = "rpjt-"

// GenerateToken 生成原始加入令牌及其 SHA-256 哈希
func GenerateToken() (raw, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	raw = tokenPrefix + base64.RawURLEncoding.EncodeToString(b)
	return raw, HashToken(raw), nil
}

// HashToken 令牌哈希（十六进制 SHA-256），库中只保存哈希
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

// TokenStore 加入流程需要的存储接口
type TokenStore interface {
	GetPool(ctx context.Context, id string) (*model.AgentPool, error)
	GetPoolTokenByHash(ctx context.Context, hash string) (*model.AgentPoolToken, error)
	RedeemPoolToken(ctx context.Context, id string) error
}

// Observer 加入与校验结果观察者（指标）
type Observer interface {
	ObserveJoin(ok bool)
	ObserveVerifyFailure(reason string)
}

type nopObserver struct{}

func (nopObserver) ObserveJoin(bool)            {}
func (nopObserver) ObserveVerifyFailure(string) {}

// JoinRequest 加入请求
type JoinRequest struct {
	Token    string   `json:"token"`
	Name     string   `json:"name"`
	Profiles []string `json:"profiles"`
}

// Credentials 签发给 Listener 的身份材料，私钥只在响应中出现一次
type Credentials struct {
	ListenerID    string    `json:"listener_id"`
	PoolID        string    `json:"pool_id"`
	Name          string    `json:"name"`
	Certificate   string    `json:"certificate"`
	PrivateKey    string    `json:"private_key"`
	CACertificate string    `json:"ca_certificate"`
	Fingerprint   string    `json:"fingerprint"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// IdentityService 加入、校验与证书轮换
type IdentityService struct {
	authority *ca.Authority
	tokens    TokenStore
	registry  *Registry
	logger    *logging.Logger
	observer  Observer

	certHeader string
}

// NewIdentityService 创建身份服务
func NewIdentityService(authority *ca.Authority, tokens TokenStore, registry *Registry, logger *logging.Logger, observer Observer) *IdentityService {
	if logger == nil {
		logger = logging.Default("identity")
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &IdentityService{
		authority: authority,
		tokens:    tokens,
		registry:  registry,
		logger:    logger,
		observer:  observer,
	}
}

// SetCertHeader 启用转发客户端证书的请求头，空字符串（默认）表示只接受 TLS 握手中的证书
//
// 转发头中的证书不能证明调用方持有私钥，只应在可信的 TLS 终止代理之后启用。
func (s *IdentityService) SetCertHeader(name string) {
	s.certHeader = name
}

// CACertPEM CA 证书（PEM）
func (s *IdentityService) CACertPEM() []byte {
	return s.authority.CertPEM()
}

// Join 用加入令牌换取客户端证书并登记 Listener
//
// 令牌校验顺序：哈希存在且属于该池、未过期、比较并递增使用次数。
// 递增与上限检查在同一条语句中完成，并发加入不会超过 max_uses。
func (s *IdentityService) Join(ctx context.Context, poolID string, req JoinRequest) (*Credentials, error) {
	creds, err := s.join(ctx, poolID, req)
	s.observer.ObserveJoin(err == nil)
	if err != nil && !errors.Is(err, ErrInvalidRequest) {
		s.logger.SecurityLog("join_rejected", req.Name, err, "pool_id", poolID)
	}
	return creds, err
}

func (s *IdentityService) join(ctx context.Context, poolID string, req JoinRequest) (*Credentials, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.Token == "" {
		return nil, fmt.Errorf("%w: name and token are required", ErrInvalidRequest)
	}
	if _, err := s.tokens.GetPool(ctx, poolID); err != nil {
		return nil, err
	}

	tok, err := s.tokens.GetPoolTokenByHash(ctx, HashToken(req.Token))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if tok.PoolID != poolID {
		return nil, ErrInvalidToken
	}
	if tok.Revoked {
		return nil, ErrTokenExhausted
	}
	if tok.Expired(s.authority.Now()) {
		return nil, ErrTokenExpired
	}

	// 名称冲突在消耗令牌之前拒绝
	listenerID := model.NewID(model.PrefixListener)
	existing, err := s.registry.ByName(ctx, req.Name)
	switch {
	case err == nil:
		if existing.PoolID != poolID {
			return nil, fmt.Errorf("listener name %q: %w", req.Name, storage.ErrDuplicate)
		}
		listenerID = existing.ID
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	if err := s.tokens.RedeemPoolToken(ctx, tok.ID); err != nil {
		if errors.Is(err, storage.ErrExhausted) {
			return nil, ErrTokenExhausted
		}
		return nil, err
	}

	issued, err := s.authority.IssueListener(listenerID, poolID, req.Name)
	if err != nil {
		return nil, err
	}
	profiles := req.Profiles
	if len(profiles) == 0 {
		profiles = []string{model.DefaultExecutionProfile}
	}
	expiresAt := issued.NotAfter
	l, err := s.registry.Register(ctx, &model.RunnerListener{
		ID:                     listenerID,
		PoolID:                 poolID,
		Name:                   req.Name,
		CertificateFingerprint: issued.Fingerprint,
		CertificateExpiresAt:   &expiresAt,
		Profiles:               profiles,
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithListenerID(l.ID).WithPoolID(poolID).Info("Listener joined",
		"name", l.Name, "token_id", tok.ID, "fingerprint", issued.Fingerprint[:16])
	return s.credentials(l, issued), nil
}

// Verify 校验客户端证书并解析出 Listener
//
// 证书必须由本 CA 签发、在有效期内、身份对应已登记的 Listener，
// 且指纹等于当前登记的指纹（轮换后的旧证书在此被拒绝）。
func (s *IdentityService) Verify(ctx context.Context, cert *x509.Certificate) (*model.RunnerListener, error) {
	l, reason, err := s.verify(ctx, cert)
	if err != nil {
		s.observer.ObserveVerifyFailure(reason)
		subject := ""
		if cert != nil {
			subject = cert.Subject.CommonName
		}
		s.logger.SecurityLog("certificate_rejected", subject, err, "reason", reason)
		return nil, err
	}
	return l, nil
}

func (s *IdentityService) verify(ctx context.Context, cert *x509.Certificate) (*model.RunnerListener, string, error) {
	if cert == nil {
		return nil, "missing", errors.New("client certificate required")
	}
	id, err := s.authority.Verify(cert)
	switch {
	case errors.Is(err, ca.ErrExpired):
		return nil, "expired", err
	case errors.Is(err, ca.ErrInvalidIdentity):
		return nil, "identity", err
	case err != nil:
		return nil, "chain", err
	}

	l, err := s.registry.Get(ctx, id.ListenerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "unknown", ErrUnknownListener
	}
	if err != nil {
		return nil, "store", err
	}
	if l.PoolID != id.PoolID {
		return nil, "identity", ca.ErrInvalidIdentity
	}
	if l.CertificateFingerprint != ca.Fingerprint(cert) {
		return nil, "fingerprint", ErrFingerprintMismatch
	}
	return l, "", nil
}

// Renew 在有效期过半后签发新证书并覆盖登记的指纹
func (s *IdentityService) Renew(ctx context.Context, l *model.RunnerListener, current *x509.Certificate) (*Credentials, error) {
	if !ca.RenewalDue(current, s.authority.Now()) {
		return nil, ca.ErrRenewalTooEarly
	}
	issued, err := s.authority.IssueListener(l.ID, l.PoolID, l.Name)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Rotate(ctx, l.ID, issued.Fingerprint, issued.NotAfter); err != nil {
		return nil, err
	}
	s.logger.WithListenerID(l.ID).Info("Listener certificate renewed",
		"old_fingerprint", l.CertificateFingerprint[:min(16, len(l.CertificateFingerprint))],
		"new_fingerprint", issued.Fingerprint[:16],
		"expires_at", issued.NotAfter)
	l.CertificateFingerprint = issued.Fingerprint
	return s.credentials(l, issued), nil
}

func (s *IdentityService) credentials(l *model.RunnerListener, issued *ca.IssuedCert) *Credentials {
	return &Credentials{
		ListenerID:    l.ID,
		PoolID:        l.PoolID,
		Name:          l.Name,
		Certificate:   string(issued.CertPEM),
		PrivateKey:    string(issued.KeyPEM),
		CACertificate: string(s.authority.CertPEM()),
		Fingerprint:   issued.Fingerprint,
		ExpiresAt:     issued.NotAfter,
	}
}
