// Package metrics holds the Prometheus collectors of the API process.
//
// A nil *Metrics is valid and records nothing, so services can be built
// without a registry in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	CommandsCreated    prometheus.Counter
	CommandsDispatched prometheus.Counter
	CommandsCancelled  prometheus.Counter
	OutcomesRecorded   *prometheus.CounterVec
	EnumsCoerced       *prometheus.CounterVec
	PullsThrottled     prometheus.Counter
	PullWait           prometheus.Histogram

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers every collector on reg under namespace. A nil reg uses the
// default registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	f := promauto.With(reg)
	return &Metrics{
		CommandsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_created_total",
			Help:      "Call commands created by dispatchers",
		}),
		CommandsDispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_dispatched_total",
			Help:      "Call commands handed to a device (pending to delivered)",
		}),
		CommandsCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_cancelled_total",
			Help:      "Call commands cancelled before an outcome was reported",
		}),
		OutcomesRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_recorded_total",
			Help:      "Outcome updates accepted, by reported status",
		}, []string{"status"}),
		EnumsCoerced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enums_coerced_total",
			Help:      "Unrecognized enum values replaced by unknown, by field",
		}, []string{"field"}),
		PullsThrottled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulls_throttled_total",
			Help:      "Device pulls rejected with 429",
		}),
		PullWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pull_wait_seconds",
			Help:      "Time a pull request was held before it returned",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 20, 30, 60},
		}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		gatherer: gatherer,
	}
}

func (m *Metrics) CommandCreated() {
	if m != nil {
		m.CommandsCreated.Inc()
	}
}

func (m *Metrics) CommandDispatched(wait time.Duration) {
	if m != nil {
		m.CommandsDispatched.Inc()
		m.PullWait.Observe(wait.Seconds())
	}
}

func (m *Metrics) PullExpired(wait time.Duration) {
	if m != nil {
		m.PullWait.Observe(wait.Seconds())
	}
}

func (m *Metrics) CommandCancelled() {
	if m != nil {
		m.CommandsCancelled.Inc()
	}
}

func (m *Metrics) OutcomeRecorded(status string) {
	if m != nil {
		m.OutcomesRecorded.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) EnumCoerced(field string) {
	if m != nil {
		m.EnumsCoerced.WithLabelValues(field).Inc()
	}
}

func (m *Metrics) PullThrottled() {
	if m != nil {
		m.PullsThrottled.Inc()
	}
}

// Middleware records one count and one latency sample per request, labelled
// by the route template so ids do not explode cardinality.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry the collectors were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
