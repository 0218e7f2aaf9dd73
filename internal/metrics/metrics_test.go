package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.CommandCreated()
	m.CommandDispatched(time.Second)
	m.OutcomeRecorded("connected")
	m.EnumCoerced("status")
	m.PullThrottled()
}

func TestMetrics_Counters(t *testing.T) {
	m := New("test", prometheus.NewRegistry())

	m.CommandCreated()
	m.CommandDispatched(2 * time.Second)
	m.OutcomeRecorded("connected")
	m.OutcomeRecorded("connected")
	m.OutcomeRecorded("busy")
	m.EnumCoerced("direction")

	if got := testutil.ToFloat64(m.CommandsCreated); got != 1 {
		t.Fatalf("expected 1 created, got %v", got)
	}
	if got := testutil.ToFloat64(m.OutcomesRecorded.WithLabelValues("connected")); got != 2 {
		t.Fatalf("expected 2 connected, got %v", got)
	}
	if got := testutil.ToFloat64(m.EnumsCoerced.WithLabelValues("direction")); got != 1 {
		t.Fatalf("expected 1 coerced direction, got %v", got)
	}
}

func TestMetrics_MiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New("test", prometheus.NewRegistry())

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/v1/commands/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/commands/abc", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/commands/:id", "204")); got != 1 {
		t.Fatalf("expected route template label, got %v", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "test_http_requests_total") {
		t.Fatalf("expected exposition to contain request counter")
	}
}
