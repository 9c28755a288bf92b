package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs global instruments backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/300/200", nil)
	r = InjectTags(r)
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "image_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "image_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "image_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/640/480", nil)
	r = InjectTags(r)
	SetCacheResult(r, CacheMiss)
	SetEndpoint(r, "image")

	RecordHTTP(context.Background(), r, http.StatusOK, 4096, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "image_cache_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "image"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "miss"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "image_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))

	require.Empty(t, findCounter(rm, "image_cache_http_requests_by_endpoint_total"))
}

func TestRecordPipelineMetrics(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordLookup(ctx, CacheHit)
	RecordLookup(ctx, CacheMiss)
	RecordLookup(ctx, CacheMiss)
	RecordFlight(ctx, false)
	RecordFlight(ctx, true)
	RecordDegraded(ctx, "storage_unwritable")
	RecordResize(ctx, "exact", "success", 20*time.Millisecond, 2048)
	RecordResize(ctx, "exact", "decode_error", time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	lookups := findCounter(rm, "image_cache_lookups_total")
	require.Len(t, lookups, 2)
	for _, dp := range lookups {
		if hasAttr(dp.Attributes, "result", "miss") {
			require.EqualValues(t, 2, dp.Value)
		}
	}

	require.Len(t, findCounter(rm, "image_cache_flights_total"), 2)
	require.Len(t, findCounter(rm, "image_cache_degraded_total"), 1)
	require.Len(t, findCounter(rm, "image_cache_resize_total"), 2)

	// only the successful resize contributes an artifact size
	sizes := findHistogram(rm, "image_cache_artifact_size_bytes")
	require.Len(t, sizes, 1)
	require.Equal(t, uint64(1), sizes[0].Count)
}

func TestRecordEvictionAndUsage(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordEvictionRun(ctx, 3, 3000, 5*time.Millisecond)
	UpdateCacheUsage(ctx, 7000, 7)

	rm := collectMetrics(t, reader)

	evicted := findCounter(rm, "image_cache_evictions_total")
	require.Len(t, evicted, 1)
	require.EqualValues(t, 3, evicted[0].Value)

	size := findGauge(rm, "image_cache_size_bytes")
	require.Len(t, size, 1)
	require.EqualValues(t, 7000, size[0].Value)
}

func TestRecordFunctions_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/test", nil))

	// none of these may panic before InitMetrics
	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordLookup(ctx, CacheHit)
	RecordFlight(ctx, true)
	RecordDegraded(ctx, "x")
	RecordResize(ctx, "exact", "success", time.Millisecond, 1)
	RecordBackendOp(ctx, "memory", "read", "success", time.Millisecond, 1)
	RecordObjectStoreRequest(ctx, http.MethodGet, "success", time.Millisecond, 1)
	RecordEvictionRun(ctx, 1, 1, time.Millisecond)
	UpdateCacheUsage(ctx, 1, 1)
}

func TestPrometheusHandlerNotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{299, "2xx"},
		{304, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
