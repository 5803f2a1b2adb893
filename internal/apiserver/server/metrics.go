package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"runplane/internal/shared/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 包含所有 API Server 指标
//
// 每个实例持有独立的 Registry，同一进程内可以创建多个 Handler（测试）。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Run 指标
	RunTransitionsTotal *prometheus.CounterVec

	// 派发指标
	ClaimsTotal *prometheus.CounterVec

	// 身份指标
	JoinsTotal          *prometheus.CounterVec
	VerifyFailuresTotal *prometheus.CounterVec
}

// NewMetrics 创建指标实例
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		RunTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_transitions_total",
				Help:      "Run state transitions by event and target status",
			},
			[]string{"event", "from", "to"},
		),
		ClaimsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claims_total",
				Help:      "Claim attempts by result (hit or empty)",
			},
			[]string{"result"},
		),
		JoinsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "listener_joins_total",
				Help:      "Listener join attempts by result",
			},
			[]string{"result"},
		),
		VerifyFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "certificate_verify_failures_total",
				Help:      "Rejected listener client certificates by reason",
			},
			[]string{"reason"},
		),
	}
}

// ObserveTransition 记录 Run 状态迁移
func (m *Metrics) ObserveTransition(event string, from, to model.RunStatus) {
	m.RunTransitionsTotal.WithLabelValues(event, string(from), string(to)).Inc()
}

// ObserveClaim 记录领取结果
func (m *Metrics) ObserveClaim(hit bool) {
	result := "empty"
	if hit {
		result = "hit"
	}
	m.ClaimsTotal.WithLabelValues(result).Inc()
}

// ObserveJoin 记录加入结果
func (m *Metrics) ObserveJoin(ok bool) {
	result := "rejected"
	if ok {
		result = "ok"
	}
	m.JoinsTotal.WithLabelValues(result).Inc()
}

// ObserveVerifyFailure 记录证书校验失败
func (m *Metrics) ObserveVerifyFailure(reason string) {
	m.VerifyFailuresTotal.WithLabelValues(reason).Inc()
}

// MetricsMiddleware 创建 HTTP 指标中间件
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		// 包装 ResponseWriter 以捕获状态码
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter 包装 http.ResponseWriter 以捕获状态码
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// idPrefixes 路径中需要折叠为占位符的 ID 前缀
var idPrefixes = []string{
	model.PrefixRun,
	model.PrefixWorkspace,
	model.PrefixPool,
	model.PrefixToken,
	model.PrefixListener,
}

// normalizePath 规范化路径，将 ID 替换为占位符，避免高基数
//
// 例如 /api/v1/listeners/listener-0190.../runs/run-0190... -> /api/v1/listeners/{id}/runs/{id}
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		for _, prefix := range idPrefixes {
			if model.HasPrefix(seg, prefix) {
				segments[i] = "{id}"
				break
			}
		}
	}
	return strings.Join(segments, "/")
}

// Handler 返回 Prometheus HTTP Handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
