// Package monitoring はPrometheusメトリクスの収集と公開を行う。
package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics はゲートウェイのメトリクス一式。
// サーバーごとに専用のレジストリを持つため、テストで複数生成しても衝突しない。
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// ProxyRequests はプロキシ呼び出しの結果別件数。outcome は forwarded / unauthenticated / payment_required 等。
	ProxyRequests *prometheus.CounterVec
	// UpstreamLatency は上流API呼び出しのレイテンシ。
	UpstreamLatency *prometheus.HistogramVec
	// SettlementFailures はリトライを使い切った精算タスクの件数。
	SettlementFailures *prometheus.CounterVec
	// ExpiredHolds は失効させたホールドの件数。
	ExpiredHolds prometheus.Counter
}

// New はサービス名をプレフィックスにしたメトリクスを生成し、登録する。
func New(service, version string) *Metrics {
	prefix := strings.ReplaceAll(service, "-", "_")
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		ProxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_proxy_requests_total",
			Help: "Proxy requests by upstream slug and pipeline outcome",
		}, []string{"slug", "outcome"}),
		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_upstream_latency_seconds",
			Help:    "Latency of forwarded upstream calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"slug"}),
		SettlementFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_settlement_failures_total",
			Help: "Settlement tasks that exhausted their retries",
		}, []string{"task"}),
		ExpiredHolds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_expired_holds_total",
			Help: "Credit holds released by the expiry sweeper",
		}),
	}

	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: prefix + "_service_info",
		Help: "Service information",
	}, []string{"version"})
	info.WithLabelValues(version).Set(1)

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.ProxyRequests,
		m.UpstreamLatency,
		m.SettlementFailures,
		m.ExpiredHolds,
		info,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Middleware はHTTPリクエストの件数と処理時間を記録するGinミドルウェアを返す。
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, endpoint, status).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler は /metrics 用のハンドラを返す。
func (m *Metrics) Handler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// Registry は内部のレジストリを返す。テストでの値検証に使う。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
