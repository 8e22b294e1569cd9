package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	contribruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// Stream lifecycle
	streamsOpenedTotal metric.Int64Counter
	streamsActive      metric.Int64UpDownCounter
	streamReadsTotal   metric.Int64Counter
	streamReadBytes    metric.Int64Counter

	// Scheduler
	jobsTotal        metric.Int64Counter
	jobsActive       metric.Int64UpDownCounter
	jobsQueued       metric.Int64UpDownCounter
	jobQueueWait     metric.Float64Histogram
	limitAdjustments metric.Int64Counter

	// Download windows and readiness
	windowsOpenedTotal     metric.Int64Counter
	windowsSupersededTotal metric.Int64Counter
	windowBytesRequested   metric.Int64Histogram
	readinessWaitsTotal    metric.Int64Counter
	readinessWaitSeconds   metric.Float64Histogram

	// Container validation and identity resolution
	containerProbesTotal metric.Int64Counter
	resolutionsTotal     metric.Int64Counter
	invalidationsTotal   metric.Int64Counter

	// Thumbnail prefetch
	prefetchBatchesTotal metric.Int64Counter
	prefetchItemsTotal   metric.Int64Counter
	prefetchPaused       metric.Int64Gauge

	// Transport
	transportOperationsTotal metric.Int64Counter
	transportErrors          metric.Int64Counter
	transportBytesTotal      metric.Int64Counter
	floodWaitsTotal          metric.Int64Counter

	// System health
	systemErrors metric.Int64Counter
	systemUptime metric.Float64ObservableGauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint, when set, additionally pushes metrics to an OTLP
	// collector over gRPC. Prometheus scraping stays on regardless.
	OTLPEndpoint string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterOpts := []sdkmetric.Option{
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		meterOpts = append(meterOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(meterOpts...)
	otel.SetMeterProvider(meterProvider)

	// No span exporter is configured; spans exist so log records and
	// downstream services get coherent trace ids.
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         otel.Tracer(cfg.ServiceName),
		meter:          otel.Meter(cfg.ServiceName),
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := contribruntime.Start(contribruntime.WithMinimumReadMemStatsInterval(15 * time.Second)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// RecordStreamOpened records a stream open.
func (t *Telemetry) RecordStreamOpened(kind string) {
	if t.streamsOpenedTotal != nil {
		t.streamsOpenedTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", kind)),
		)
	}
}

// IncrementActiveStreams increments the active stream gauge.
func (t *Telemetry) IncrementActiveStreams(kind string) {
	if t.streamsActive != nil {
		t.streamsActive.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", kind)),
		)
	}
}

// DecrementActiveStreams decrements the active stream gauge.
func (t *Telemetry) DecrementActiveStreams(kind string) {
	if t.streamsActive != nil {
		t.streamsActive.Add(context.Background(), -1,
			metric.WithAttributes(attribute.String("kind", kind)),
		)
	}
}

// RecordRead records a positioned read and the bytes it returned.
func (t *Telemetry) RecordRead(outcome string, bytes int) {
	if t.streamReadsTotal != nil {
		t.streamReadsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)),
		)
	}

	if t.streamReadBytes != nil && bytes > 0 {
		t.streamReadBytes.Add(context.Background(), int64(bytes))
	}
}

// IncrementQueuedJobs increments the queued jobs gauge for a kind.
func (t *Telemetry) IncrementQueuedJobs(kind string) {
	if t.jobsQueued != nil {
		t.jobsQueued.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", kind)),
		)
	}
}

// DecrementQueuedJobs decrements the queued jobs gauge for a kind.
func (t *Telemetry) DecrementQueuedJobs(kind string) {
	if t.jobsQueued != nil {
		t.jobsQueued.Add(context.Background(), -1,
			metric.WithAttributes(attribute.String("kind", kind)),
		)
	}
}

// IncrementActiveJobs increments the active jobs gauge for a kind.
func (t *Telemetry) IncrementActiveJobs(kind string) {
	if t.jobsActive != nil {
		t.jobsActive.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", kind)),
		)
	}
}

// DecrementActiveJobs decrements the active jobs gauge for a kind.
func (t *Telemetry) DecrementActiveJobs(kind string) {
	if t.jobsActive != nil {
		t.jobsActive.Add(context.Background(), -1,
			metric.WithAttributes(attribute.String("kind", kind)),
		)
	}
}

// RecordJob records a job reaching a terminal state together with the
// time it spent queued.
func (t *Telemetry) RecordJob(kind, outcome string, queueWait time.Duration) {
	if t.jobsTotal != nil {
		t.jobsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("kind", kind),
				attribute.String("outcome", outcome),
			),
		)
	}

	if t.jobQueueWait != nil {
		t.jobQueueWait.Record(context.Background(), queueWait.Seconds(),
			metric.WithAttributes(attribute.String("kind", kind)),
		)
	}
}

// RecordLimitAdjustment records a hot change of the concurrency limits.
func (t *Telemetry) RecordLimitAdjustment() {
	if t.limitAdjustments != nil {
		t.limitAdjustments.Add(context.Background(), 1)
	}
}

// RecordWindowOpened records a new download window and its size.
func (t *Telemetry) RecordWindowOpened(mode string, requestedBytes int64) {
	if t.windowsOpenedTotal != nil {
		t.windowsOpenedTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("mode", mode)),
		)
	}

	if t.windowBytesRequested != nil {
		t.windowBytesRequested.Record(context.Background(), requestedBytes,
			metric.WithAttributes(attribute.String("mode", mode)),
		)
	}
}

// RecordWindowSuperseded records a window being replaced before it
// finished.
func (t *Telemetry) RecordWindowSuperseded() {
	if t.windowsSupersededTotal != nil {
		t.windowsSupersededTotal.Add(context.Background(), 1)
	}
}

// RecordReadinessWait records the outcome and duration of one
// availability wait.
func (t *Telemetry) RecordReadinessWait(outcome string, waited time.Duration) {
	if t.readinessWaitsTotal != nil {
		t.readinessWaitsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)),
		)
	}

	if t.readinessWaitSeconds != nil {
		t.readinessWaitSeconds.Record(context.Background(), waited.Seconds(),
			metric.WithAttributes(attribute.String("outcome", outcome)),
		)
	}
}

// RecordContainerProbe records a container validation verdict.
func (t *Telemetry) RecordContainerProbe(verdict string) {
	if t.containerProbesTotal != nil {
		t.containerProbesTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("verdict", verdict)),
		)
	}
}

// RecordResolution records an identity resolution and where it was
// served from.
func (t *Telemetry) RecordResolution(outcome string) {
	if t.resolutionsTotal != nil {
		t.resolutionsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)),
		)
	}
}

// RecordInvalidation records an explicit identity invalidation.
func (t *Telemetry) RecordInvalidation() {
	if t.invalidationsTotal != nil {
		t.invalidationsTotal.Add(context.Background(), 1)
	}
}

// RecordPrefetchBatch records a dispatched thumbnail batch.
func (t *Telemetry) RecordPrefetchBatch(size int) {
	if t.prefetchBatchesTotal != nil {
		t.prefetchBatchesTotal.Add(context.Background(), 1)
	}

	if t.prefetchItemsTotal != nil && size > 0 {
		t.prefetchItemsTotal.Add(context.Background(), int64(size),
			metric.WithAttributes(attribute.String("outcome", "dispatched")),
		)
	}
}

// RecordPrefetchItem records a thumbnail item reaching a terminal state.
func (t *Telemetry) RecordPrefetchItem(outcome string) {
	if t.prefetchItemsTotal != nil {
		t.prefetchItemsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)),
		)
	}
}

// SetPrefetchPaused publishes whether the prefetcher is yielding to an
// active video stream.
func (t *Telemetry) SetPrefetchPaused(paused bool) {
	if t.prefetchPaused != nil {
		var v int64
		if paused {
			v = 1
		}

		t.prefetchPaused.Record(context.Background(), v)
	}
}

// RecordTransportOperation records transport operation metrics.
func (t *Telemetry) RecordTransportOperation(transport, operation, status string) {
	if t.transportOperationsTotal != nil {
		t.transportOperationsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("transport", transport),
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}

	if status == "error" && t.transportErrors != nil {
		t.transportErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("transport", transport),
				attribute.String("operation", operation),
			),
		)
	}
}

// RecordTransportBytes records bytes fetched over the network.
func (t *Telemetry) RecordTransportBytes(transport string, n int64) {
	if t.transportBytesTotal != nil && n > 0 {
		t.transportBytesTotal.Add(context.Background(), n,
			metric.WithAttributes(attribute.String("transport", transport)),
		)
	}
}

// RecordFloodWait records a server-imposed backoff.
func (t *Telemetry) RecordFloodWait(transport string) {
	if t.floodWaitsTotal != nil {
		t.floodWaitsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("transport", transport)),
		)
	}
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t.systemErrors != nil {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}

	if t.meterProvider != nil {
		return t.meterProvider.Shutdown(ctx)
	}

	return nil
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeStreamMetrics(); err != nil {
		return err
	}

	if err := t.initializeSchedulerMetrics(); err != nil {
		return err
	}

	if err := t.initializeWindowMetrics(); err != nil {
		return err
	}

	if err := t.initializePrefetchMetrics(); err != nil {
		return err
	}

	if err := t.initializeTransportMetrics(); err != nil {
		return err
	}

	return t.initializeSystemMetrics()
}

func (t *Telemetry) initializeStreamMetrics() error {
	var err error

	t.streamsOpenedTotal, err = t.meter.Int64Counter(
		"streams_opened_total",
		metric.WithDescription("Total number of opened streams"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create streams_opened_total counter: %w", err)
	}

	t.streamsActive, err = t.meter.Int64UpDownCounter(
		"streams_active",
		metric.WithDescription("Number of currently open streams"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create streams_active counter: %w", err)
	}

	t.streamReadsTotal, err = t.meter.Int64Counter(
		"stream_reads_total",
		metric.WithDescription("Total number of positioned reads"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create stream_reads_total counter: %w", err)
	}

	t.streamReadBytes, err = t.meter.Int64Counter(
		"stream_read_bytes_total",
		metric.WithDescription("Total bytes served to stream readers"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create stream_read_bytes_total counter: %w", err)
	}

	t.containerProbesTotal, err = t.meter.Int64Counter(
		"container_probes_total",
		metric.WithDescription("Total number of media container probes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create container_probes_total counter: %w", err)
	}

	t.resolutionsTotal, err = t.meter.Int64Counter(
		"identity_resolutions_total",
		metric.WithDescription("Total number of remote identity resolutions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create identity_resolutions_total counter: %w", err)
	}

	t.invalidationsTotal, err = t.meter.Int64Counter(
		"identity_invalidations_total",
		metric.WithDescription("Total number of identity cache invalidations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create identity_invalidations_total counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSchedulerMetrics() error {
	var err error

	t.jobsTotal, err = t.meter.Int64Counter(
		"download_jobs_total",
		metric.WithDescription("Total number of download jobs by terminal state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_jobs_total counter: %w", err)
	}

	t.jobsActive, err = t.meter.Int64UpDownCounter(
		"download_jobs_active",
		metric.WithDescription("Number of running download jobs"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_jobs_active counter: %w", err)
	}

	t.jobsQueued, err = t.meter.Int64UpDownCounter(
		"download_jobs_queued",
		metric.WithDescription("Number of download jobs waiting for a slot"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_jobs_queued counter: %w", err)
	}

	t.jobQueueWait, err = t.meter.Float64Histogram(
		"download_job_queue_wait_seconds",
		metric.WithDescription("Time download jobs spent queued before running"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_job_queue_wait_seconds histogram: %w", err)
	}

	t.limitAdjustments, err = t.meter.Int64Counter(
		"concurrency_limit_adjustments_total",
		metric.WithDescription("Total number of runtime concurrency limit changes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create concurrency_limit_adjustments_total counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeWindowMetrics() error {
	var err error

	t.windowsOpenedTotal, err = t.meter.Int64Counter(
		"download_windows_opened_total",
		metric.WithDescription("Total number of opened download windows"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_windows_opened_total counter: %w", err)
	}

	t.windowsSupersededTotal, err = t.meter.Int64Counter(
		"download_windows_superseded_total",
		metric.WithDescription("Total number of windows replaced before completion"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_windows_superseded_total counter: %w", err)
	}

	t.windowBytesRequested, err = t.meter.Int64Histogram(
		"download_window_bytes",
		metric.WithDescription("Requested size of opened download windows"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_window_bytes histogram: %w", err)
	}

	t.readinessWaitsTotal, err = t.meter.Int64Counter(
		"readiness_waits_total",
		metric.WithDescription("Total number of availability waits by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create readiness_waits_total counter: %w", err)
	}

	t.readinessWaitSeconds, err = t.meter.Float64Histogram(
		"readiness_wait_seconds",
		metric.WithDescription("Duration of availability waits"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create readiness_wait_seconds histogram: %w", err)
	}

	return nil
}

func (t *Telemetry) initializePrefetchMetrics() error {
	var err error

	t.prefetchBatchesTotal, err = t.meter.Int64Counter(
		"prefetch_batches_total",
		metric.WithDescription("Total number of dispatched thumbnail batches"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create prefetch_batches_total counter: %w", err)
	}

	t.prefetchItemsTotal, err = t.meter.Int64Counter(
		"prefetch_items_total",
		metric.WithDescription("Total number of thumbnail prefetch items by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create prefetch_items_total counter: %w", err)
	}

	t.prefetchPaused, err = t.meter.Int64Gauge(
		"prefetch_paused",
		metric.WithDescription("Whether thumbnail prefetch is paused for video buffering"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create prefetch_paused gauge: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeTransportMetrics() error {
	var err error

	t.transportOperationsTotal, err = t.meter.Int64Counter(
		"transport_operations_total",
		metric.WithDescription("Total number of transport operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transport_operations_total counter: %w", err)
	}

	t.transportErrors, err = t.meter.Int64Counter(
		"transport_errors_total",
		metric.WithDescription("Total number of transport errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transport_errors counter: %w", err)
	}

	t.transportBytesTotal, err = t.meter.Int64Counter(
		"transport_bytes_total",
		metric.WithDescription("Total bytes fetched from the remote store"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transport_bytes_total counter: %w", err)
	}

	t.floodWaitsTotal, err = t.meter.Int64Counter(
		"transport_flood_waits_total",
		metric.WithDescription("Total number of server-imposed backoffs honored"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transport_flood_waits_total counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSystemMetrics() error {
	var err error

	t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	start := time.Now()

	t.systemUptime, err = t.meter.Float64ObservableGauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(time.Since(start).Seconds())

			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	return nil
}
