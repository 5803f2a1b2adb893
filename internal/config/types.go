// Package config 统一配置管理
//
// API Server 和 Listener 共用同一 YAML schema，通过章节（section）区分各自关心的配置。
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. common.yaml
//  4. 代码硬编码默认值
//
// 凭据单一数据源：密码/密钥只从环境变量读取，YAML 中不存储任何密码。
//
// 配置路径确定策略：
//  1. --config 命令行参数（SetConfigDir）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：prod → /etc/runplane/，dev/test → ./configs/
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig 统一 YAML 配置文件结构
type YAMLConfig struct {
	APIServer APIServerConfig `yaml:"api_server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	MinIO     MinIOConfig     `yaml:"minio"`
	TLS       TLSConfig       `yaml:"tls"`
	Auth      AuthConfig      `yaml:"auth"`
	CA        CAConfig        `yaml:"ca"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Runner    RunnerConfig    `yaml:"runner"`
}

// APIServerConfig API Server 配置
type APIServerConfig struct {
	Port string `yaml:"port"` // 监听端口
	URL  string `yaml:"url"`  // 对外 URL，注入作业容器的 TP_API_URL
}

// TLSConfig 服务端 TLS 配置
//
// 启用后 API Server 请求（但不强制）客户端证书，Listener 接口由中间件校验。
// ClientCertHeader 默认为空，只接受 TLS 握手中的证书。转发头中的证书不能证明
// 调用方持有私钥，仅在可信的 TLS 终止代理之后部署时设置（如 X-Runplane-Client-Cert），
// 并确保代理会覆盖客户端自带的同名头。
type TLSConfig struct {
	Enabled          bool   `yaml:"enabled"`
	CertFile         string `yaml:"cert_file"`
	KeyFile          string `yaml:"key_file"`
	ClientCertHeader string `yaml:"client_cert_header"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "postgres" 或 "sqlite"
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig Host 为空时使用进程内存活缓存
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"` // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"`
}

// EtcdConfig 未配置 Redis 时可用 etcd 租约保存存活记录
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// MinIOConfig MinIO 对象存储配置，Endpoint 为空时日志写入内存
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// AuthConfig Run API 调用方认证
type AuthConfig struct {
	JWTSecret string `yaml:"-"` // 只从 JWT_SECRET 环境变量读取
	Issuer    string `yaml:"issuer"`
}

// CAConfig 内置 CA 配置
type CAConfig struct {
	CommonName      string        `yaml:"common_name"`
	ListenerCertTTL time.Duration `yaml:"listener_cert_ttl"`
}

// SchedulerConfig 派发与存活配置
type SchedulerConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LivenessTTL       time.Duration `yaml:"liveness_ttl"`
	ClaimBatch        int           `yaml:"claim_batch"`
	DefaultPool       string        `yaml:"default_pool"`
}

// RunnerConfig 作业容器配置
type RunnerConfig struct {
	Image          string `yaml:"image"`
	DefaultBackend string `yaml:"default_backend"`
	DefaultVersion string `yaml:"default_version"`
	TimeoutSeconds int    `yaml:"timeout_seconds"` // 阶段超时，0 不限制
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string // "postgres" 或 "sqlite"
	DatabaseURL    string
	RedisURL       string // 空表示不使用 Redis
	Etcd           EtcdConfig
	APIPort        string
	APIServer      APIServerConfig
	TLS            TLSConfig
	Auth           AuthConfig
	MinIO          MinIOConfig
	CA             CAConfig
	Scheduler      SchedulerConfig
	Runner         RunnerConfig
	ConfigFilePath string // 实际加载的配置文件路径
}

// yamlConfigInternal 内部包装，记录配置文件来源（不参与 YAML 序列化）
type yamlConfigInternal struct {
	YAMLConfig `yaml:",inline"`
	loadedFrom string
}
