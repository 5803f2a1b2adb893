// Package logging 结构化日志
//
// 基于 log/slog 的轻量封装，统一 API Server 与 Listener 的日志字段：
// component、run_id、listener_id、pool_id。
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// ContextKey 上下文键类型
type ContextKey string

const (
	RequestIDKey  ContextKey = "request_id"
	ListenerIDKey ContextKey = "listener_id"
	RunIDKey      ContextKey = "run_id"
	PoolIDKey     ContextKey = "pool_id"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	component string
}

// Config 日志配置
type Config struct {
	Level     string `json:"level" yaml:"level"`
	Format    string `json:"format" yaml:"format"` // json or text
	Output    string `json:"output" yaml:"output"` // stdout, stderr, or file path
	Component string `json:"component" yaml:"component"`
}

// ParseLevel 解析日志级别，无法识别时返回 info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	level := ParseLevel(cfg.Level)

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}
	return NewWithWriter(cfg, output, level)
}

// NewWithWriter 使用指定 Writer 创建日志器（测试中用于捕获输出）
func NewWithWriter(cfg Config, w io.Writer, level slog.Level) *Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	base := slog.New(handler)
	if cfg.Component != "" {
		base = base.With(slog.String("component", cfg.Component))
	}
	return &Logger{Logger: base, component: cfg.Component}
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// Component 返回组件名
func (l *Logger) Component() string {
	return l.component
}

func (l *Logger) with(attrs ...any) *Logger {
	return &Logger{Logger: l.Logger.With(attrs...), component: l.component}
}

// WithContext 从上下文提取 request/run/listener 信息
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	for _, key := range []ContextKey{RequestIDKey, ListenerIDKey, RunIDKey, PoolIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	if len(attrs) == 0 {
		return l
	}
	return l.with(attrs...)
}

// WithRunID 添加 Run ID
func (l *Logger) WithRunID(runID string) *Logger {
	return l.with(slog.String("run_id", runID))
}

// WithListenerID 添加 Listener ID
func (l *Logger) WithListenerID(listenerID string) *Logger {
	return l.with(slog.String("listener_id", listenerID))
}

// WithPoolID 添加 Agent Pool ID
func (l *Logger) WithPoolID(poolID string) *Logger {
	return l.with(slog.String("pool_id", poolID))
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with(slog.String("error", err.Error()))
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return l.with(slog.Float64("duration_ms", float64(d.Milliseconds())))
}

// HTTPRequestLog HTTP 请求日志
func (l *Logger) HTTPRequestLog(method, path string, status int, duration time.Duration, clientIP string) {
	l.Logger.Info("HTTP request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
		slog.String("client_ip", clientIP),
	)
}

// DBQueryLog 数据库查询日志
func (l *Logger) DBQueryLog(operation, table string, duration time.Duration, err error) {
	attrs := []any{
		slog.String("operation", operation),
		slog.String("table", table),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Error("DB query failed", attrs...)
	} else {
		l.Logger.Debug("DB query", attrs...)
	}
}

// TransitionLog Run 状态迁移日志
func (l *Logger) TransitionLog(runID, from, to, event string, extra ...any) {
	attrs := []any{
		slog.String("run_id", runID),
		slog.String("from", from),
		slog.String("to", to),
		slog.String("event", event),
	}
	attrs = append(attrs, extra...)
	l.Logger.Info("Run transitioned", attrs...)
}

// ClaimLog 领取日志，runID 为空表示无可领取的 Run
func (l *Logger) ClaimLog(listenerID, profile, runID string) {
	if runID == "" {
		l.Logger.Debug("No run to claim",
			slog.String("listener_id", listenerID),
			slog.String("profile", profile),
		)
		return
	}
	l.Logger.Info("Run claimed",
		slog.String("listener_id", listenerID),
		slog.String("profile", profile),
		slog.String("run_id", runID),
	)
}

// SecurityLog 安全相关事件（令牌失效、指纹不匹配等），固定 warn 级别
func (l *Logger) SecurityLog(event, subject string, err error, extra ...any) {
	attrs := []any{
		slog.String("security_event", event),
		slog.String("subject", subject),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	attrs = append(attrs, extra...)
	l.Logger.Warn("Security event", attrs...)
}

// HeartbeatLog 心跳日志
func (l *Logger) HeartbeatLog(listenerID string, activeRuns, capacity int, latency time.Duration, err error) {
	attrs := []any{
		slog.String("listener_id", listenerID),
		slog.Int("active_runs", activeRuns),
		slog.Int("capacity", capacity),
		slog.Float64("latency_ms", float64(latency.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Heartbeat failed", attrs...)
	} else {
		l.Logger.Debug("Heartbeat sent", attrs...)
	}
}
