package main

import (
	"io"
	"log"
	"os"
	"strings"
)

// tlsErrorFilter 过滤握手失败日志
//
// Listener 证书过期或未携带证书的探测连接会刷出大量 "TLS handshake error"，
// 这些失败已由证书中间件记录为安全事件。
type tlsErrorFilter struct {
	out io.Writer
}

func (f *tlsErrorFilter) Write(p []byte) (n int, err error) {
	if strings.Contains(string(p), "TLS handshake error") {
		return len(p), nil
	}
	return f.out.Write(p)
}

// newTLSFilteredLogger 用于 http.Server.ErrorLog
func newTLSFilteredLogger() *log.Logger {
	return log.New(&tlsErrorFilter{out: os.Stderr}, "[http] ", log.LstdFlags)
}
