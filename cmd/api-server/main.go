// Package main API Server 入口
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"runplane/internal/apiserver/auth"
	"runplane/internal/apiserver/server"
	"runplane/internal/ca"
	"runplane/internal/config"
	"runplane/internal/jobbuilder"
	"runplane/internal/shared/cache"
	etcdstore "runplane/internal/shared/cache/etcd"
	redisstore "runplane/internal/shared/cache/redis"
	"runplane/internal/shared/objstore"
)

func main() {
	// 加载配置（自动加载 .env，APP_ENV 选择 {env}.yaml）
	cfg := config.Load()

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.DatabaseDriver, err)
	}
	defer store.Close()
	log.Printf("Connected to %s", cfg.DatabaseDriver)

	// Listener 存活缓存：Redis 或 etcd 供多副本共享，都未配置时进程内
	var liveness cache.LivenessCache = cache.NewMemoryCache()
	switch {
	case cfg.RedisURL != "":
		rs, err := redisstore.NewStoreFromURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rs.Close()
		liveness = rs
	case len(cfg.Etcd.Endpoints) > 0:
		es, err := etcdstore.NewStore(etcdstore.Config{Endpoints: cfg.Etcd.Endpoints, Prefix: cfg.Etcd.Prefix})
		if err != nil {
			log.Fatalf("Failed to connect to etcd: %v", err)
		}
		defer es.Close()
		liveness = es
	default:
		log.Println("Redis/etcd not configured, listener liveness kept in memory")
	}

	// 阶段日志存储
	var objects objstore.Store = objstore.NewMemoryStore()
	if cfg.MinIO.Endpoint != "" {
		ms, err := objstore.NewMinIOStore(cfg.MinIO)
		if err != nil {
			log.Fatalf("Failed to create MinIO client: %v", err)
		}
		if err := ms.EnsureBucket(ctx); err != nil {
			log.Fatalf("Failed to prepare MinIO bucket: %v", err)
		}
		objects = ms
	} else {
		log.Println("MinIO not configured, run logs kept in memory")
	}

	authority, err := ca.Bootstrap(ctx, store, ca.Options{
		CommonName:      cfg.CA.CommonName,
		ListenerCertTTL: cfg.CA.ListenerCertTTL,
	})
	if err != nil {
		log.Fatalf("Failed to bootstrap CA: %v", err)
	}
	if err := ensureDefaultPool(ctx, store, cfg.Scheduler.DefaultPool); err != nil {
		log.Fatalf("Failed to ensure default pool: %v", err)
	}

	authCfg := auth.DefaultConfig()
	authCfg.JWTSecret = cfg.Auth.JWTSecret
	if cfg.Auth.Issuer != "" {
		authCfg.Issuer = cfg.Auth.Issuer
	}
	if !authCfg.Enabled() {
		log.Println("WARNING: JWT_SECRET not set, run API is unauthenticated")
	}
	if cfg.TLS.ClientCertHeader != "" {
		log.Printf("[api-server.tls] forwarded client certificates accepted from header %s; only safe behind a trusted TLS-terminating proxy", cfg.TLS.ClientCertHeader)
	}

	h := server.NewHandler(server.Deps{
		Store:            store,
		Liveness:         liveness,
		Objects:          objects,
		Authority:        authority,
		Auth:             authCfg,
		ClientCertHeader: cfg.TLS.ClientCertHeader,
		DefaultPool:      cfg.Scheduler.DefaultPool,
		LivenessTTL:      cfg.Scheduler.LivenessTTL,
		ClaimBatch:       cfg.Scheduler.ClaimBatch,
		Job: jobbuilder.Options{
			Image:          cfg.Runner.Image,
			APIURL:         cfg.APIServer.URL,
			TimeoutSeconds: cfg.Runner.TimeoutSeconds,
		},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // 日志上传与下载
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	if cfg.TLS.Enabled {
		certFile, keyFile := cfg.TLS.CertFile, cfg.TLS.KeyFile
		if certFile == "" || keyFile == "" {
			files, err := authority.EnsureServerCert(getEnv("TLS_CERT_DIR", "certs"), os.Getenv("TLS_HOSTS"), 0)
			if err != nil {
				log.Fatalf("Failed to prepare server certificate: %v", err)
			}
			certFile, keyFile = files.CertFile, files.KeyFile
		}
		// Listener 路由由中间件强制证书，其余路由不要求
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ClientAuth: tls.VerifyClientCertIfGiven,
			ClientCAs:  authority.Pool(),
		}
		srv.ErrorLog = newTLSFilteredLogger()

		log.Printf("API Server listening on :%s (TLS)", cfg.APIPort)
		if err := srv.ListenAndServeTLS(certFile, keyFile); err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	} else {
		log.Printf("API Server listening on :%s", cfg.APIPort)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}

	fmt.Println("Server stopped")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
