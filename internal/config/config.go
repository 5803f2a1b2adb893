package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load 加载配置
//  1. 加载 .env.{env}（dev/test）
//  2. 默认值 → common.yaml → {env}.yaml
//  3. 环境变量覆盖
func Load() *Config {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	yamlCfg := loadYAMLConfig(env)
	yamlCfg.Database.Password = getEnv("DB_PASSWORD", "")
	yamlCfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	yamlCfg.MinIO.AccessKey = os.Getenv("MINIO_ROOT_USER")
	yamlCfg.MinIO.SecretKey = os.Getenv("MINIO_ROOT_PASSWORD")
	yamlCfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = buildDatabaseURL(yamlCfg.Database, yamlCfg.Database.Password)
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = buildRedisURL(yamlCfg.Redis)
	}

	cfg := &Config{
		Env:            env,
		DatabaseDriver: detectDatabaseDriver(yamlCfg.Database.Driver, databaseURL),
		DatabaseURL:    databaseURL,
		RedisURL:       redisURL,
		APIPort:        getEnv("API_PORT", yamlCfg.APIServer.Port),
		APIServer:      yamlCfg.APIServer,
		TLS:            yamlCfg.TLS,
		Auth:           yamlCfg.Auth,
		Etcd:           yamlCfg.Etcd,
		MinIO:          yamlCfg.MinIO,
		CA:             yamlCfg.CA,
		Scheduler:      yamlCfg.Scheduler,
		Runner:         yamlCfg.Runner,
		ConfigFilePath: yamlCfg.loadedFrom,
	}
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		cfg.Etcd.Endpoints = splitList(v)
	}
	if v := os.Getenv("API_URL"); v != "" {
		cfg.APIServer.URL = v
	}
	if v := os.Getenv("RUNPLANE_JOB_IMAGE"); v != "" {
		cfg.Runner.Image = v
	}
	if v := os.Getenv("LIVENESS_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.LivenessTTL = d
		}
	}
	if v := os.Getenv("CLAIM_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.ClaimBatch = n
		}
	}

	cfg.Scheduler.validate()
	cfg.CA.validate()
	cfg.Runner.validate()
	return cfg
}

// defaultYAMLConfig 代码硬编码默认值
func defaultYAMLConfig() *yamlConfigInternal {
	return &yamlConfigInternal{YAMLConfig: YAMLConfig{
		APIServer: APIServerConfig{Port: "8080", URL: "http://localhost:8080"},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "runplane.db", Host: "localhost", Port: 5432, User: "runplane", Name: "runplane", SSLMode: "disable"},
		Redis:     RedisConfig{Port: 6379},
		Etcd:      EtcdConfig{Prefix: "/runplane"},
		MinIO:     MinIOConfig{Bucket: "runplane"},
		Auth:      AuthConfig{Issuer: "runplane"},
		CA:        CAConfig{CommonName: "Runplane Listener CA", ListenerCertTTL: 8760 * time.Hour},
		Scheduler: SchedulerConfig{
			HeartbeatInterval: 60 * time.Second,
			LivenessTTL:       180 * time.Second,
			ClaimBatch:        10,
			DefaultPool:       "default",
		},
		Runner: RunnerConfig{Image: "ghcr.io/runplane/runner:latest", DefaultBackend: "terraform"},
	}}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *yamlConfigInternal {
	cfg := defaultYAMLConfig()

	for _, name := range []string{"common.yaml", fmt.Sprintf("%s.yaml", env)} {
		for _, base := range effectiveConfigPaths() {
			path := filepath.Join(base, name)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if err := yaml.Unmarshal(data, &cfg.YAMLConfig); err != nil {
				log.Printf("[config] Failed to parse %s: %v", path, err)
				break
			}
			if name != "common.yaml" {
				cfg.loadedFrom = path
			}
			break
		}
	}
	return cfg
}

// validate 填充调度器默认值
func (s *SchedulerConfig) validate() {
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = 60 * time.Second
	}
	if s.LivenessTTL <= 0 {
		s.LivenessTTL = 3 * s.HeartbeatInterval
	}
	if s.ClaimBatch <= 0 {
		s.ClaimBatch = 10
	}
	if s.DefaultPool == "" {
		s.DefaultPool = "default"
	}
}

func (c *CAConfig) validate() {
	if c.CommonName == "" {
		c.CommonName = "Runplane Listener CA"
	}
	if c.ListenerCertTTL <= 0 {
		c.ListenerCertTTL = 8760 * time.Hour
	}
}

func (r *RunnerConfig) validate() {
	if r.DefaultBackend == "" {
		r.DefaultBackend = "terraform"
	}
	// 0 表示不限制阶段运行时间
	if r.TimeoutSeconds < 0 {
		r.TimeoutSeconds = 0
	}
}
