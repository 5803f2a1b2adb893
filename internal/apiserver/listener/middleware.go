package listener

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"net/http"

	"runplane/internal/ca"
	"runplane/internal/shared/model"
)

// ClientCertHeader TLS 由前置代理终止时转发客户端证书（base64 PEM）的约定头名，需显式启用
const ClientCertHeader = "X-Runplane-Client-Cert"

type ctxKey int

const (
	listenerKey ctxKey = iota
	certKey
)

// FromContext 取出已校验的 Listener
func FromContext(ctx context.Context) *model.RunnerListener {
	l, _ := ctx.Value(listenerKey).(*model.RunnerListener)
	return l
}

// CertFromContext 取出本次请求的客户端证书
func CertFromContext(ctx context.Context) *x509.Certificate {
	c, _ := ctx.Value(certKey).(*x509.Certificate)
	return c
}

// clientCertificate 优先取 TLS 握手中的证书，其次取转发头
func clientCertificate(r *http.Request, header string) (*x509.Certificate, error) {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return r.TLS.PeerCertificates[0], nil
	}
	if header == "" {
		return nil, nil
	}
	hdr := r.Header.Get(header)
	if hdr == "" {
		return nil, nil
	}
	pemBytes, err := base64.StdEncoding.DecodeString(hdr)
	if err != nil {
		return nil, errors.New("client certificate header is not valid base64")
	}
	return ca.ParseCertificatePEM(pemBytes)
}

// RequireCertificate Listener 协议路由的证书认证
//
// 路径中的 {id} 必须与证书解析出的 Listener 一致。
func (s *IdentityService) RequireCertificate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cert, err := clientCertificate(r, s.certHeader)
		if err != nil {
			s.observer.ObserveVerifyFailure("malformed")
			s.logger.SecurityLog("certificate_malformed", r.PathValue("id"), err)
			writeError(w, http.StatusUnauthorized, "invalid client certificate")
			return
		}
		if cert == nil {
			writeError(w, http.StatusUnauthorized, "client certificate required")
			return
		}

		l, err := s.Verify(r.Context(), cert)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "certificate rejected")
			return
		}
		if id := r.PathValue("id"); id != "" && id != l.ID {
			s.logger.SecurityLog("listener_mismatch", l.ID, nil, "path_id", id)
			writeError(w, http.StatusForbidden, "certificate does not belong to this listener")
			return
		}

		ctx := context.WithValue(r.Context(), listenerKey, l)
		ctx = context.WithValue(ctx, certKey, cert)
		next(w, r.WithContext(ctx))
	}
}
