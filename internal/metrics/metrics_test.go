package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCycle(t *testing.T) {
	m := NewTestManager()
	pm := m.GetPrometheusMetrics()

	pm.RecordCycle("ok", 3, 2, 1, 15*time.Millisecond)
	pm.RecordCycle("partial", 1, 0, 0, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.CyclesTotal.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.CacheWritesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.CacheSuppressedTotal))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var pm *PrometheusMetrics
	assert.NotPanics(t, func() {
		pm.RecordCycle("ok", 1, 1, 1, time.Second)
		pm.RecordAggregatedRead("ok", 2)
		pm.RecordCacheLookup("hit")
		pm.UpdateCacheState(1, 2, 3)
	})
}

func TestHandlerServesMetrics(t *testing.T) {
	m := NewTestManager()
	m.GetPrometheusMetrics().UpdateLatestBlock(42)
	m.UpdateSystemMetrics()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "readcache_latest_block 42")
	assert.Contains(t, rec.Body.String(), "readcache_goroutines")
}
