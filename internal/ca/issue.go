package ca

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// 身份 URI
const (
	uriScheme     = "runplane"
	uriHostListen = "listener"
	uriHostPool   = "pool"
)

var (
	ErrNotIssuedByCA   = errors.New("certificate not issued by this CA")
	ErrExpired         = errors.New("certificate expired or not yet valid")
	ErrInvalidIdentity = errors.New("certificate carries no listener identity")
	ErrRenewalTooEarly = errors.New("certificate is not yet eligible for renewal")
)

// Identity 证书携带的 Listener 身份
type Identity struct {
	ListenerID string
	PoolID     string
}

// IssuedCert 签发结果
type IssuedCert struct {
	CertPEM     []byte
	KeyPEM      []byte
	Fingerprint string
	NotBefore   time.Time
	NotAfter    time.Time
}

// IssueListener 为 Listener 签发客户端证书
//
// 私钥在服务端生成并只随本次响应返回，不落库。
func (a *Authority) IssueListener(listenerID, poolID, name string) (*IssuedCert, error) {
	if listenerID == "" || poolID == "" {
		return nil, ErrInvalidIdentity
	}
	now := a.now()
	tmpl := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject: pkix.Name{
			Organization: []string{"Runplane"},
			CommonName:   name,
		},
		NotBefore:             now.Add(-clockSkew),
		NotAfter:              now.Add(a.listenerTTL),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		URIs: []*url.URL{
			{Scheme: uriScheme, Host: uriHostListen, Path: "/" + listenerID},
			{Scheme: uriScheme, Host: uriHostPool, Path: "/" + poolID},
		},
	}
	return a.sign(tmpl)
}

// IssueServer 签发 API Server 的服务端证书
func (a *Authority) IssueServer(hosts []string, validFor time.Duration) (*IssuedCert, error) {
	now := a.now()
	tmpl := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject: pkix.Name{
			Organization: []string{"Runplane"},
			CommonName:   "Runplane API Server",
		},
		NotBefore:             now.Add(-clockSkew),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else if h != "" {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	return a.sign(tmpl)
}

func (a *Authority) sign(tmpl *x509.Certificate) (*IssuedCert, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, pub, a.key)
	if err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return &IssuedCert{
		CertPEM:     encodePEM("CERTIFICATE", der),
		KeyPEM:      encodePEM("PRIVATE KEY", keyDER),
		Fingerprint: fingerprintDER(der),
		NotBefore:   tmpl.NotBefore.UTC(),
		NotAfter:    tmpl.NotAfter.UTC(),
	}, nil
}

// Verify 校验证书由本 CA 签发、在有效期内且携带 Listener 身份
//
// 指纹与数据库记录的比对由调用方完成。
func (a *Authority) Verify(cert *x509.Certificate) (*Identity, error) {
	if cert == nil {
		return nil, ErrInvalidIdentity
	}
	now := a.now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, ErrExpired
	}
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:       a.pool,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotIssuedByCA, err)
	}
	return ParseIdentity(cert)
}

// ParseIdentity 从 SAN URI 解析 Listener 身份
func ParseIdentity(cert *x509.Certificate) (*Identity, error) {
	id := &Identity{}
	for _, u := range cert.URIs {
		if u.Scheme != uriScheme {
			continue
		}
		value := strings.TrimPrefix(u.Path, "/")
		switch u.Host {
		case uriHostListen:
			id.ListenerID = value
		case uriHostPool:
			id.PoolID = value
		}
	}
	if id.ListenerID == "" || id.PoolID == "" {
		return nil, ErrInvalidIdentity
	}
	return id, nil
}

// Fingerprint 证书 DER 的 SHA-256 十六进制
func Fingerprint(cert *x509.Certificate) string {
	return fingerprintDER(cert.Raw)
}

func fingerprintDER(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// RenewalDue 证书是否已过有效期的一半
func RenewalDue(cert *x509.Certificate, now time.Time) bool {
	half := cert.NotAfter.Sub(cert.NotBefore) / 2
	return !now.Before(cert.NotBefore.Add(half))
}

// ParseCertificatePEM 解析 PEM 编码的第一张证书
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no CERTIFICATE PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}
