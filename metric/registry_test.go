package metric

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserrors "github.com/c360/statesync/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	})

	require.NoError(t, registry.RegisterCounter("test-service", "test_counter", counter))
	counter.Inc()

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily, len(metricFamilies))
	for _, mf := range metricFamilies {
		byName[mf.GetName()] = mf
	}
	mf, ok := byName["test_counter"]
	require.True(t, ok, "Counter should be registered in Prometheus registry")
	assert.Equal(t, dto.MetricType_COUNTER, mf.GetType())
	require.Len(t, mf.GetMetric(), 1)
	assert.Equal(t, 1.0, mf.GetMetric()[0].GetCounter().GetValue())

	_, ok = byName["go_goroutines"]
	assert.True(t, ok, "Go runtime collector is registered")
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	require.NoError(t, registry.RegisterGauge("svc", "dup_gauge", gauge))

	err := registry.RegisterGauge("svc", "dup_gauge", gauge)
	require.Error(t, err)
	assert.True(t, sserrors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "vec_total", Help: "v"}, []string{"a"})
	require.NoError(t, registry.RegisterCounterVec("svc", "vec_total", vec))

	assert.True(t, registry.Unregister("svc", "vec_total"))
	assert.False(t, registry.Unregister("svc", "vec_total"))

	// Can register again after unregistering
	require.NoError(t, registry.RegisterCounterVec("svc", "vec_total", vec))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordStoreOp("memory", "get", time.Now(), nil)
		m.RecordWrite("chunked", 3)
		m.RecordDroppedKey("jobs")
		m.RecordBindingWrite("jobs", errors.New("x"))
		m.RecordSeedLevel(2)
	})
}

func TestMetrics_Record(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordStoreOp("memory", "put", time.Now(), nil)
	m.RecordStoreOp("memory", "put", time.Now(), errors.New("fail"))
	m.RecordWrite("chunked", 4)
	m.RecordEchoSuppressed("jobs", "revision")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOperations.WithLabelValues("memory", "put", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOperations.WithLabelValues("memory", "put", "error")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ShardsWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EchoSuppressed.WithLabelValues("jobs", "revision")))
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordWrite("single", 0)

	srv := NewServer(0, "", registry)
	handler, err := srv.Handler()
	require.NoError(t, err)

	ts := httptest.NewServer(handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "statesync_sync_records_written_total")

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_CustomHealth(t *testing.T) {
	srv := NewServer(9191, "/m", NewMetricsRegistry(), WithHealthHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})))
	handler, err := srv.Handler()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "http://localhost:9191/m", srv.Address())
}

func TestServer_NilRegistry(t *testing.T) {
	_, err := NewServer(0, "", nil).Handler()
	require.Error(t, err)
	assert.True(t, sserrors.IsFatal(err))
}
