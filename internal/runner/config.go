// Package runner Listener 进程：加入池、心跳、领取 Run 并执行作业
//
// 文件组织：
//   - config.go:   配置与默认值
//   - identity.go: 证书身份的持久化
//   - client.go:   Listener 协议 HTTP 客户端
//   - executor.go: 单个 Run 的作业执行与协调
//   - agent.go:    心跳 / 轮询主循环
//   - metrics.go:  Prometheus 指标
package runner

import (
	"errors"
	"time"

	"runplane/internal/shared/model"
)

// 默认值
const (
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultPollInterval      = 5 * time.Second
	DefaultConfirmInterval   = 10 * time.Second
	DefaultCapacity          = 2
)

// Config Listener 配置
type Config struct {
	APIURL   string   // API Server 地址
	PoolID   string   // 加入的 Agent Pool
	Name     string   // Listener 名称，池内唯一
	Token    string   // 加入令牌，已有身份时不需要
	CertDir  string   // 身份材料目录
	Profiles []string // 可执行的执行配置
	Capacity int      // 并发作业数

	// ServerCAFile 校验 API Server 证书的 CA，为空时使用 Listener CA
	ServerCAFile string
	// CertHeader 经 TLS 终止代理访问时转发客户端证书的请求头，为空不发送
	CertHeader string

	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ConfirmInterval   time.Duration
}

// Validate 校验必填项并填充默认值
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return errors.New("api url is required")
	}
	if c.CertDir == "" {
		return errors.New("cert dir is required")
	}
	if len(c.Profiles) == 0 {
		c.Profiles = []string{model.DefaultExecutionProfile}
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ConfirmInterval <= 0 {
		c.ConfirmInterval = DefaultConfirmInterval
	}
	return nil
}
