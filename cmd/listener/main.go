// Package main Listener 入口
//
// 加入 Agent Pool（或加载已保存的身份）后持续心跳与领取 Run，
// 每个阶段在本机 Docker 中以一个容器执行。
package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"runplane/internal/runner"
	"runplane/internal/runner/runtime/docker"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	cfg         runner.Config
	profiles    string
	metricsAddr string
}

// newRootCommand 命令行参数优先，未指定时取 RUNPLANE_* 环境变量
func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "listener",
		Short:         "Runplane listener: claims runs from an agent pool and executes them in Docker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if p := strings.TrimSpace(opts.profiles); p != "" {
				opts.cfg.Profiles = splitList(p)
			}
			return run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.cfg.APIURL, "api-url", getEnv("RUNPLANE_API_URL", "https://localhost:8443"), "API Server 地址")
	f.StringVar(&opts.cfg.Token, "token", os.Getenv("RUNPLANE_JOIN_TOKEN"), "加入令牌，已有身份时忽略")
	f.StringVar(&opts.cfg.PoolID, "pool", os.Getenv("RUNPLANE_POOL_ID"), "Agent Pool ID")
	f.StringVar(&opts.cfg.Name, "name", getEnv("RUNPLANE_NAME", hostname()), "Listener 名称")
	f.StringVar(&opts.cfg.CertDir, "cert-dir", getEnv("RUNPLANE_CERT_DIR", "/var/lib/runplane"), "身份材料目录")
	f.StringVar(&opts.profiles, "profiles", os.Getenv("RUNPLANE_PROFILES"), "执行配置，逗号分隔")
	f.IntVar(&opts.cfg.Capacity, "capacity", getEnvInt("RUNPLANE_CAPACITY", runner.DefaultCapacity), "并发作业数")
	f.StringVar(&opts.cfg.ServerCAFile, "server-ca", os.Getenv("RUNPLANE_SERVER_CA"), "校验 API Server 证书的 CA 文件")
	f.StringVar(&opts.cfg.CertHeader, "cert-header", os.Getenv("RUNPLANE_CERT_HEADER"), "经代理访问时携带客户端证书的请求头")
	f.StringVar(&opts.metricsAddr, "metrics-addr", getEnv("RUNPLANE_METRICS_ADDR", ":9102"), "指标监听地址，为空关闭")
	f.DurationVar(&opts.cfg.HeartbeatInterval, "heartbeat-interval", runner.DefaultHeartbeatInterval, "心跳间隔")
	f.DurationVar(&opts.cfg.PollInterval, "poll-interval", runner.DefaultPollInterval, "领取轮询间隔")
	return cmd
}

func run(parent context.Context, opts *options) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := opts.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}

	var roots *x509.CertPool
	if cfg.ServerCAFile != "" {
		pem, err := os.ReadFile(cfg.ServerCAFile)
		if err != nil {
			return fmt.Errorf("read server ca: %w", err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return errors.New("server ca file contains no certificates")
		}
	}

	rt, err := docker.New()
	if err != nil {
		return err
	}
	defer rt.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = rt.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("docker not reachable: %w", err)
	}

	client := runner.NewClient(cfg.APIURL, cfg.CertHeader, roots)
	metrics := runner.NewMetrics("runplane_listener", cfg.Name)
	agent, err := runner.NewAgent(cfg, client, rt, metrics)
	if err != nil {
		return err
	}
	if err := agent.Enroll(ctx); err != nil {
		return err
	}
	// 未指定 CA 时信任签发本身份的 CA，API Server 证书由同一 CA 签发
	if roots == nil {
		client.SetRoots(client.Identity().CAPool())
	}

	if opts.metricsAddr != "" {
		srv := &http.Server{Addr: opts.metricsAddr, Handler: metricsMux(metrics), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Printf("[listener.metrics] addr=%s", opts.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[listener.metrics] error=%v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	log.Printf("[listener.config] api_url=%s pool_id=%s name=%s runtime=%s", cfg.APIURL, cfg.PoolID, cfg.Name, rt.Name())
	return agent.Run(ctx)
}

func metricsMux(m *runner.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func hostname() string {
	h, _ := os.Hostname()
	return h
}
