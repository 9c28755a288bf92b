package telemetry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/image-cache"
)

var (
	latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sizeBuckets    = []float64{1024, 4096, 16384, 65536, 131072, 262144, 524288, 1048576, 2097152, 4194304, 8388608}
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	lookupsTotal  metric.Int64Counter
	flightsTotal  metric.Int64Counter
	degradedTotal metric.Int64Counter

	resizeTotal    metric.Int64Counter
	resizeDuration metric.Float64Histogram
	artifactSize   metric.Float64Histogram

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	objectStoreRequestsTotal   metric.Int64Counter
	objectStoreRequestDuration metric.Float64Histogram
	objectStoreBytesTotal      metric.Int64Counter

	evictionsTotal      metric.Int64Counter
	evictionBytesTotal  metric.Int64Counter
	evictionRunDuration metric.Float64Histogram
	cacheSizeBytes      metric.Int64Gauge
	cacheEntries        metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "image-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// at least one reader is required
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		_ = mp.Shutdown(ctx)
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	b := &instrumentBuilder{meter: meter}

	m := &Metrics{
		requestsTotal:           b.counter("image_cache_http_requests_total", "Total number of HTTP requests", "{request}"),
		responseBytesTotal:      b.counter("image_cache_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"),
		requestDuration:         b.histogram("image_cache_http_request_duration_seconds", "HTTP request duration in seconds", "s", latencyBuckets),
		requestsByEndpointTotal: b.counter("image_cache_http_requests_by_endpoint_total", "Total number of HTTP requests by endpoint", "{request}"),

		lookupsTotal:  b.counter("image_cache_lookups_total", "Cache lookups by result", "{lookup}"),
		flightsTotal:  b.counter("image_cache_flights_total", "Resize flights by role (leader or shared)", "{flight}"),
		degradedTotal: b.counter("image_cache_degraded_total", "Responses served without persisting the artifact", "{response}"),

		resizeTotal:    b.counter("image_cache_resize_total", "Resize operations by mode and outcome", "{resize}"),
		resizeDuration: b.histogram("image_cache_resize_duration_seconds", "Duration of decode, resize and encode", "s", latencyBuckets),
		artifactSize:   b.histogram("image_cache_artifact_size_bytes", "Size of encoded artifacts", "By", sizeBuckets),

		backendRequestDuration: b.histogram("image_cache_backend_request_duration_seconds", "Duration of backend storage operations", "s",
			[]float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}),
		backendRequestsTotal: b.counter("image_cache_backend_requests_total", "Total number of backend storage operations", "{request}"),
		backendBytesTotal:    b.counter("image_cache_backend_bytes_total", "Total bytes transferred in backend operations", "By"),

		objectStoreRequestsTotal:   b.counter("image_cache_object_store_requests_total", "HTTP requests made to the object store", "{request}"),
		objectStoreRequestDuration: b.histogram("image_cache_object_store_request_duration_seconds", "Duration of object store HTTP requests", "s", latencyBuckets),
		objectStoreBytesTotal:      b.counter("image_cache_object_store_response_bytes_total", "Bytes read from object store responses", "By"),

		evictionsTotal:      b.counter("image_cache_evictions_total", "Artifacts removed by the LRU policy", "{entry}"),
		evictionBytesTotal:  b.counter("image_cache_eviction_bytes_total", "Bytes freed by the LRU policy", "By"),
		evictionRunDuration: b.histogram("image_cache_eviction_run_duration_seconds", "Duration of eviction runs", "s", latencyBuckets),
		cacheSizeBytes:      b.gauge("image_cache_size_bytes", "Total size of indexed artifacts", "By"),
		cacheEntries:        b.gauge("image_cache_entries", "Number of indexed artifacts", "{entry}"),
	}

	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.err = errors.Join(b.err, err)
	return c
}

func (b *instrumentBuilder) histogram(name, desc, unit string, buckets []float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	b.err = errors.Join(b.err, err)
	return h
}

func (b *instrumentBuilder) gauge(name, desc, unit string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.err = errors.Join(b.err, err)
	return g
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics. The cache result and endpoint are
// read from the request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	sharedAttrs := metric.WithAttributes(
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, sharedAttrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, sharedAttrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), sharedAttrs)

	if endpoint != "" {
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		))
	}
}

// RecordLookup records the result of a cache lookup.
func RecordLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.lookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
}

// RecordFlight records a caller joining a resize flight, either as the leader
// that ran it or as a follower that shared its result.
func RecordFlight(ctx context.Context, shared bool) {
	if globalMetrics == nil {
		return
	}
	role := "leader"
	if shared {
		role = "shared"
	}
	globalMetrics.flightsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordDegraded records a response that bypassed the cache because the
// artifact could not be persisted.
func RecordDegraded(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.degradedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordResize records one decode, resize and encode pass. mode is one of
// "exact", "proportional" or "passthrough".
func RecordResize(ctx context.Context, mode, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	)
	globalMetrics.resizeTotal.Add(ctx, 1, attrs)
	globalMetrics.resizeDuration.Record(ctx, duration.Seconds(), attrs)
	if outcome == "success" && bytes > 0 {
		globalMetrics.artifactSize.Record(ctx, float64(bytes), metric.WithAttributes(attribute.String("mode", mode)))
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordObjectStoreRequest records one HTTP exchange with the object store.
func RecordObjectStoreRequest(ctx context.Context, method, outcome string, duration time.Duration, bytesRead int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	)
	globalMetrics.objectStoreRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.objectStoreRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytesRead > 0 {
		globalMetrics.objectStoreBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordEvictionRun records one LRU eviction pass.
func RecordEvictionRun(ctx context.Context, evicted int, freed int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.evictionsTotal.Add(ctx, int64(evicted))
	globalMetrics.evictionBytesTotal.Add(ctx, freed)
	globalMetrics.evictionRunDuration.Record(ctx, duration.Seconds())
}

// UpdateCacheUsage records the current indexed cache totals.
func UpdateCacheUsage(ctx context.Context, bytes, entries int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheSizeBytes.Record(ctx, bytes)
	globalMetrics.cacheEntries.Record(ctx, entries)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// It responds 404 until Prometheus export is enabled, so it can be
// registered regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
