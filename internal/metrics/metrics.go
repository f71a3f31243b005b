package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pos"

// Metrics owns a private registry so every instance (and every test) starts clean.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth   prometheus.Gauge
	pushes       *prometheus.CounterVec
	pulls        *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
	sales        *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_queue_depth",
			Help:      "Operations waiting to be pushed to the remote authority.",
		}),
		pushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_push_total",
			Help:      "Push attempts by path (database, http, full) and result.",
		}, []string{"path", "result"}),
		pulls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_pull_total",
			Help:      "Pull attempts by path and result.",
		}, []string{"path", "result"}),
		syncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of push and pull round trips.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		sales: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sales_total",
			Help:      "Committed sales by payment method.",
		}, []string{"method"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Requests served by the local API.",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of requests served by the local API.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) ObservePush(path string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(path, result(err)).Inc()
	m.syncDuration.WithLabelValues("push").Observe(time.Since(started).Seconds())
}

func (m *Metrics) ObservePull(path string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.pulls.WithLabelValues(path, result(err)).Inc()
	m.syncDuration.WithLabelValues("pull").Observe(time.Since(started).Seconds())
}

func (m *Metrics) ObserveSale(method string) {
	if m == nil {
		return
	}
	m.sales.WithLabelValues(method).Inc()
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
