package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Metrics holds the Prometheus instruments for the signing engine.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	SignaturesTotal    *prometheus.CounterVec
	SendsTotal         *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	FullyExecutedTotal prometheus.Counter
	CancellationsTotal prometheus.Counter
}

// New creates and registers all instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contract_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "contract_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "route"}),
		SignaturesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contract_signatures_total",
			Help: "Signing attempts by signer type and outcome code.",
		}, []string{"signer_type", "result"}),
		SendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contract_sends_total",
			Help: "Send and resend operations by outcome.",
		}, []string{"result"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "contract_notifications_total",
			Help: "Notification deliveries by kind and outcome.",
		}, []string{"kind", "result"}),
		FullyExecutedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "contract_fully_executed_total",
			Help: "Contracts that reached fully_executed.",
		}),
		CancellationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "contract_cancellations_total",
			Help: "Contracts cancelled by an admin.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SignaturesTotal,
		m.SendsTotal,
		m.NotificationsTotal,
		m.FullyExecutedTotal,
		m.CancellationsTotal,
	)
	return m
}

// Middleware records request counts and latency keyed by the matched route
// pattern, never the raw path, to keep label cardinality bounded.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// ObserveSignature is nil-safe so services can run without metrics.
func (m *Metrics) ObserveSignature(signerType, result string) {
	if m == nil {
		return
	}
	m.SignaturesTotal.WithLabelValues(signerType, result).Inc()
}

func (m *Metrics) ObserveSend(result string) {
	if m == nil {
		return
	}
	m.SendsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveNotification(kind, result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveFullyExecuted() {
	if m == nil {
		return
	}
	m.FullyExecutedTotal.Inc()
}

func (m *Metrics) ObserveCancellation() {
	if m == nil {
		return
	}
	m.CancellationsTotal.Inc()
}
