package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsCollectorsStillUsable(t *testing.T) {
	var m *Metrics
	cv := m.NewCounterVec(prometheus.CounterOpts{Name: "cmdbus_test_total", Help: "test"}, []string{"topic"})
	cv.WithLabelValues("user.1").Inc()

	assert.InDelta(t, 1, testutil.ToFloat64(cv.WithLabelValues("user.1")), 0)
	m.RegisterBuildInfo("cmdbus", "v1")
}

func TestHandlerExposesRegisteredCollectors(t *testing.T) {
	m := NewMetrics("cmdbus")
	m.RegisterBuildInfo("cmdbus", "v1.2.3")
	m.RegisterBuildInfo("cmdbus", "ignored")
	gv := m.NewGaugeVec(prometheus.GaugeOpts{Name: "cmdbus_test_state", Help: "test"}, []string{"side"})
	gv.WithLabelValues("producer").Set(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `cmdbus_test_state{side="producer"} 2`)
	assert.Contains(t, body, `version="v1.2.3"`)
	assert.NotContains(t, body, `version="ignored"`)
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
