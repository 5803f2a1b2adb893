package runner

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"runplane/internal/ca"
)

// 身份目录下的文件
const (
	certFileName     = "listener.pem"
	keyFileName      = "listener-key.pem"
	caFileName       = "ca.pem"
	identityFileName = "identity.json"
)

// 轮换后保存身份的重试
const (
	identitySaveAttempts   = 3
	identitySaveRetryDelay = 500 * time.Millisecond
)

// ErrNoIdentity 证书目录中没有已保存的身份
var ErrNoIdentity = errors.New("no saved listener identity")

// Credentials 加入或轮换时服务端返回的身份材料
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

// Identity 已加载的 Listener 身份
type Identity struct {
	ListenerID  string    `json:"listener_id"`
	PoolID      string    `json:"pool_id"`
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	ExpiresAt   time.Time `json:"expires_at"`

	certPEM []byte
	keyPEM  []byte
	caPEM   []byte
	cert    *x509.Certificate
	keyPair tls.Certificate
}

// NewIdentity 从服务端返回的材料构建身份，证书与私钥必须匹配
func NewIdentity(c *Credentials) (*Identity, error) {
	if c == nil || c.ListenerID == "" {
		return nil, errors.New("credentials missing listener id")
	}
	return buildIdentity(c.ListenerID, c.PoolID, c.Name,
		[]byte(c.Certificate), []byte(c.PrivateKey), []byte(c.CACertificate))
}

func buildIdentity(listenerID, poolID, name string, certPEM, keyPEM, caPEM []byte) (*Identity, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	cert, err := ca.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	return &Identity{
		ListenerID:  listenerID,
		PoolID:      poolID,
		Name:        name,
		Fingerprint: ca.Fingerprint(cert),
		ExpiresAt:   cert.NotAfter,
		certPEM:     certPEM,
		keyPEM:      keyPEM,
		caPEM:       caPEM,
		cert:        cert,
		keyPair:     pair,
	}, nil
}

// Certificate 客户端证书
func (id *Identity) Certificate() *x509.Certificate {
	return id.cert
}

// CertPEM 客户端证书 PEM
func (id *Identity) CertPEM() []byte {
	return id.certPEM
}

// CAPool 签发本身份的 CA
func (id *Identity) CAPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(id.caPEM)
	return pool
}

// RenewalDue 是否已过证书有效期的一半
func (id *Identity) RenewalDue(now time.Time) bool {
	return ca.RenewalDue(id.cert, now)
}

// LoadIdentity 读取证书目录中的身份
func LoadIdentity(dir string) (*Identity, error) {
	meta, err := os.ReadFile(filepath.Join(dir, identityFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoIdentity
	}
	if err != nil {
		return nil, err
	}
	var stored Identity
	if err := json.Unmarshal(meta, &stored); err != nil {
		return nil, fmt.Errorf("parse %s: %w", identityFileName, err)
	}

	files := make(map[string][]byte, 3)
	for _, name := range []string{certFileName, keyFileName, caFileName} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		files[name] = data
	}
	return buildIdentity(stored.ListenerID, stored.PoolID, stored.Name,
		files[certFileName], files[keyFileName], files[caFileName])
}

// Save 写入证书目录，私钥权限 0600
//
// 每个文件先写临时文件再原子替换，轮换中途崩溃不会留下不匹配的证书与私钥。
// identity.json 最后写入，作为身份完整的标志。
func (id *Identity) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}
	meta, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	writes := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{keyFileName, id.keyPEM, 0o600},
		{certFileName, id.certPEM, 0o644},
		{caFileName, id.caPEM, 0o644},
		{identityFileName, meta, 0o644},
	}
	for _, w := range writes {
		if err := writeFileAtomic(filepath.Join(dir, w.name), w.data, w.mode); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
