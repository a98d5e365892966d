package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestDecisionCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveDecision("allow", true, false)
	metrics.ObserveDecision("allow", true, true)
	metrics.ObserveDecision("", false, false)
	metrics.ObserveDecision("", true, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.decisions.WithLabelValues("allow", "resolver")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.decisions.WithLabelValues("allow", "cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.decisions.WithLabelValues("deny_error", "resolver")))

	body := scrape(t, metrics)
	assert.Contains(t, body, `odyssey_rbac_decisions_total{result="allow",source="cache"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	metrics := NewMetrics()
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/rbac/roles/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
	})

	for _, path := range []string{"/rbac/roles/1", "/rbac/roles/2"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusTeapot, rr.Code)
	}

	body := scrape(t, metrics)
	assert.Contains(t, body, `odyssey_http_requests_total{code="418",method="GET",route="/rbac/roles/{id}"} 2`)
	assert.Contains(t, body, `odyssey_http_request_duration_seconds_bucket{route="/rbac/roles/{id}"`)
	assert.Contains(t, body, "odyssey_http_requests_in_flight 0")
	assert.False(t, strings.Contains(body, `route="/rbac/roles/1"`))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveDecision("allow", true, false)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	called := false
	metrics.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
	assert.NotNil(t, metrics.Registerer())
}
