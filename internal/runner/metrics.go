package runner

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 作业结果标签
const (
	resultSucceeded = "succeeded"
	resultErrored   = "errored"
	resultCanceled  = "canceled"
)

// Metrics Listener 指标
type Metrics struct {
	registry *prometheus.Registry

	// 心跳指标
	HeartbeatTotal   prometheus.Counter
	HeartbeatErrors  prometheus.Counter
	HeartbeatLatency prometheus.Histogram

	// 领取指标
	ClaimsTotal *prometheus.CounterVec

	// 作业执行指标
	JobsRunning     prometheus.Gauge
	JobsTotal       *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	JobStartRetries prometheus.Counter

	// 证书轮换
	RenewalsTotal *prometheus.CounterVec
}

// NewMetrics 创建 Listener 指标实例，listenerName 作为常量标签
func NewMetrics(namespace, listenerName string) *Metrics {
	labels := prometheus.Labels{"listener": listenerName}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HeartbeatTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "heartbeat_total",
				Help:        "Total heartbeats sent",
				ConstLabels: labels,
			},
		),
		HeartbeatErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "heartbeat_errors_total",
				Help:        "Total heartbeat errors",
				ConstLabels: labels,
			},
		),
		HeartbeatLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "heartbeat_latency_seconds",
				Help:        "Heartbeat latency in seconds",
				Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
				ConstLabels: labels,
			},
		),
		ClaimsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "claims_total",
				Help:        "Claim attempts by result (hit, empty, error)",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		JobsRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "jobs_running",
				Help:        "Number of job containers currently running",
				ConstLabels: labels,
			},
		),
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "jobs_total",
				Help:        "Total jobs executed by phase and result",
				ConstLabels: labels,
			},
			[]string{"phase", "result"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "job_duration_seconds",
				Help:        "Job execution duration in seconds",
				Buckets:     []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
				ConstLabels: labels,
			},
			[]string{"phase"},
		),
		JobStartRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "job_start_retries_total",
				Help:        "Job start attempts retried after a runtime error",
				ConstLabels: labels,
			},
		),
		RenewalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "certificate_renewals_total",
				Help:        "Certificate renewals by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
	}
}

// ObserveHeartbeat 记录一次心跳
func (m *Metrics) ObserveHeartbeat(latency time.Duration, err error) {
	m.HeartbeatTotal.Inc()
	m.HeartbeatLatency.Observe(latency.Seconds())
	if err != nil {
		m.HeartbeatErrors.Inc()
	}
}

// ObserveJob 记录一个阶段作业的结果
func (m *Metrics) ObserveJob(phase, result string, d time.Duration) {
	m.JobsTotal.WithLabelValues(phase, result).Inc()
	m.JobDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// Handler 返回 Prometheus HTTP Handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
