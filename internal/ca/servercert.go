package ca

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ServerCertFiles API Server 证书文件路径
type ServerCertFiles struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// DefaultServerCertFiles 证书目录下的默认文件名
func DefaultServerCertFiles(dir string) ServerCertFiles {
	return ServerCertFiles{
		CAFile:   filepath.Join(dir, "ca.pem"),
		CertFile: filepath.Join(dir, "server.pem"),
		KeyFile:  filepath.Join(dir, "server-key.pem"),
	}
}

func (f ServerCertFiles) exist() bool {
	for _, p := range []string{f.CAFile, f.CertFile, f.KeyFile} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// EnsureServerCert 确保证书目录中存在由本 CA 签发的服务端证书
//
// 已存在时直接返回；hosts 为逗号分隔的额外 SAN，自动包含 localhost 与本机地址。
func (a *Authority) EnsureServerCert(dir, hosts string, validFor time.Duration) (*ServerCertFiles, error) {
	files := DefaultServerCertFiles(dir)
	if files.exist() {
		log.Printf("[ca.server_cert] Certificates already exist in %s", dir)
		return &files, nil
	}
	if validFor <= 0 {
		validFor = 365 * 24 * time.Hour
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cert dir: %w", err)
	}

	sans := collectHosts(hosts)
	issued, err := a.IssueServer(sans, validFor)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(files.CAFile, a.certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(files.CertFile, issued.CertPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write server cert: %w", err)
	}
	if err := os.WriteFile(files.KeyFile, issued.KeyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write server key: %w", err)
	}

	log.Printf("[ca.server_cert] Generated server certificate in %s (SANs: %s, valid for %s)",
		dir, strings.Join(sans, ", "), validFor)
	return &files, nil
}

// collectHosts 收集并去重 hosts，确保包含 localhost 和 127.0.0.1
func collectHosts(hostsStr string) []string {
	seen := make(map[string]bool)
	var result []string
	add := func(h string) {
		h = strings.TrimSpace(h)
		if h != "" && !seen[h] {
			seen[h] = true
			result = append(result, h)
		}
	}

	for _, h := range []string{"localhost", "127.0.0.1", "::1"} {
		add(h)
	}
	for _, h := range strings.Split(hostsStr, ",") {
		add(h)
	}
	if hostname, err := os.Hostname(); err == nil {
		add(hostname)
	}
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				add(ipnet.IP.String())
			}
		}
	}
	return result
}
