// Package ca 内置证书颁发机构
//
// 为 Listener 签发客户端证书并校验其身份：
//   - CA 为 Ed25519 自签名证书，全局只生成一次，持久化在数据库单行表中
//   - Listener 证书的 SAN URI 携带身份：runplane://listener/<id>、runplane://pool/<pool_id>
//   - 证书指纹为 DER 的 SHA-256 十六进制，轮换后旧证书指纹失效
//   - API Server 的服务端证书也可由该 CA 签发，Listener 只需信任同一个 CA
package ca

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"runplane/internal/shared/model"
	"runplane/internal/shared/storage"
)

const (
	// caValidity CA 有效期 10 年
	caValidity = 10 * 365 * 24 * time.Hour

	// DefaultListenerCertTTL Listener 证书有效期 1 年
	DefaultListenerCertTTL = 8760 * time.Hour

	// clockSkew 签发时 NotBefore 提前量
	clockSkew = 5 * time.Minute
)

// Options CA 选项
type Options struct {
	CommonName      string
	ListenerCertTTL time.Duration
	// Now 时钟，测试时注入
	Now func() time.Time
}

// Authority 已加载的 CA
//
// 进程内只初始化一次，之后只读，可并发使用。
type Authority struct {
	cert    *x509.Certificate
	certPEM []byte
	key     ed25519.PrivateKey
	pool    *x509.CertPool

	listenerTTL time.Duration
	now         func() time.Time
}

// Bootstrap 加载 CA，不存在时生成
//
// 生成与写入通过 INSERT ... ON CONFLICT DO NOTHING 完成，
// 多个 API Server 同时启动时只有一份 CA 被保留，各实例随后读回同一行。
func Bootstrap(ctx context.Context, store storage.CAStore, opts Options) (*Authority, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ListenerCertTTL <= 0 {
		opts.ListenerCertTTL = DefaultListenerCertTTL
	}
	if opts.CommonName == "" {
		opts.CommonName = "Runplane Listener CA"
	}

	rec, err := store.GetCA(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		generated, genErr := generateCA(opts.CommonName, opts.Now())
		if genErr != nil {
			return nil, genErr
		}
		inserted, insErr := store.InsertCAIfAbsent(ctx, generated)
		if insErr != nil {
			return nil, fmt.Errorf("persist CA: %w", insErr)
		}
		if inserted {
			log.Printf("[ca.bootstrap] Generated new certificate authority cn=%q", opts.CommonName)
		}
		rec, err = store.GetCA(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("load CA: %w", err)
	}

	a, err := parseAuthority(rec)
	if err != nil {
		return nil, err
	}
	a.listenerTTL = opts.ListenerCertTTL
	a.now = opts.Now
	return a, nil
}

func generateCA(commonName string, now time.Time) (*model.CertificateAuthorityRecord, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject: pkix.Name{
			Organization: []string{"Runplane"},
			CommonName:   commonName,
		},
		NotBefore:             now.Add(-clockSkew),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("create CA cert: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal CA key: %w", err)
	}

	return &model.CertificateAuthorityRecord{
		CertPEM:   string(encodePEM("CERTIFICATE", der)),
		KeyPEM:    string(encodePEM("PRIVATE KEY", keyDER)),
		CreatedAt: now.UTC(),
	}, nil
}

func parseAuthority(rec *model.CertificateAuthorityRecord) (*Authority, error) {
	cert, err := ParseCertificatePEM([]byte(rec.CertPEM))
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}
	block, _ := pem.Decode([]byte(rec.KeyPEM))
	if block == nil {
		return nil, errors.New("parse CA key: no PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parse CA key: unexpected key type %T", parsed)
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &Authority{cert: cert, certPEM: []byte(rec.CertPEM), key: key, pool: pool}, nil
}

// Certificate CA 证书
func (a *Authority) Certificate() *x509.Certificate {
	return a.cert
}

// CertPEM CA 证书 PEM，下发给加入的 Listener
func (a *Authority) CertPEM() []byte {
	return a.certPEM
}

// Pool 只包含本 CA 的证书池
func (a *Authority) Pool() *x509.CertPool {
	return a.pool
}

// Now 当前时间（使用注入的时钟）
func (a *Authority) Now() time.Time {
	return a.now()
}

func randomSerial() *big.Int {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return serial
}

func encodePEM(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}
