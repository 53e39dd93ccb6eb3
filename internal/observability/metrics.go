package observability

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsManager owns the broker's domain instruments plus a handful
// of process metrics. All instruments are registered once at startup;
// recording is cheap and safe from any goroutine.
type MetricsManager struct {
	meter metric.Meter

	// Exchange metrics
	tasksPostedTotal    metric.Int64Counter
	resultsPostedTotal  metric.Int64Counter
	tasksExpiredTotal   metric.Int64Counter
	waitersActive       metric.Int64UpDownCounter
	waitDuration        metric.Float64Histogram
	sseStreamsActive    metric.Int64UpDownCounter
	socketsPairedTotal  metric.Int64Counter
	broadcastDropsTotal metric.Int64Counter

	// System metrics
	processResidentMemoryBytes metric.Int64UpDownCounter
	goGoroutines               metric.Int64UpDownCounter
	goMemstatsAllocBytes       metric.Int64UpDownCounter
}

func NewMetricsManager(meter metric.Meter) (*MetricsManager, error) {
	mm := &MetricsManager{meter: meter}

	var err error

	mm.tasksPostedTotal, err = meter.Int64Counter(
		"tasks_posted_total",
		metric.WithDescription("Total number of tasks accepted by the exchange"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.resultsPostedTotal, err = meter.Int64Counter(
		"results_posted_total",
		metric.WithDescription("Total number of results accepted by the exchange"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.tasksExpiredTotal, err = meter.Int64Counter(
		"tasks_expired_total",
		metric.WithDescription("Total number of tasks removed by the expiry sweeper"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.waitersActive, err = meter.Int64UpDownCounter(
		"waiters_active",
		metric.WithDescription("Long-poll waiters currently blocked"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.waitDuration, err = meter.Float64Histogram(
		"wait_duration_seconds",
		metric.WithDescription("How long long-poll waiters blocked before returning"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.sseStreamsActive, err = meter.Int64UpDownCounter(
		"sse_streams_active",
		metric.WithDescription("Server-sent event streams currently open"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.socketsPairedTotal, err = meter.Int64Counter(
		"sockets_paired_total",
		metric.WithDescription("Total number of successful socket rendezvous"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.broadcastDropsTotal, err = meter.Int64Counter(
		"broadcast_drops_total",
		metric.WithDescription("Subscribers dropped for lagging behind a broadcast channel"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	// System metrics
	mm.processResidentMemoryBytes, err = meter.Int64UpDownCounter(
		"process_resident_memory_bytes",
		metric.WithDescription("Resident memory size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	mm.goGoroutines, err = meter.Int64UpDownCounter(
		"go_goroutines",
		metric.WithDescription("Number of goroutines that currently exist"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.goMemstatsAllocBytes, err = meter.Int64UpDownCounter(
		"go_memstats_alloc_bytes",
		metric.WithDescription("Number of bytes allocated and still in use"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return mm, nil
}

// Exchange metrics methods

func (mm *MetricsManager) IncrementTasksPosted(ctx context.Context, kind string) {
	mm.tasksPostedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

func (mm *MetricsManager) IncrementResultsPosted(ctx context.Context, status string, replaced bool) {
	mm.resultsPostedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.Bool("replaced", replaced),
	))
}

func (mm *MetricsManager) AddTasksExpired(ctx context.Context, kind string, n int) {
	mm.tasksExpiredTotal.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

func (mm *MetricsManager) IncrementSocketsPaired(ctx context.Context) {
	mm.socketsPairedTotal.Add(ctx, 1)
}

func (mm *MetricsManager) IncrementBroadcastDrops(ctx context.Context, channel string) {
	mm.broadcastDropsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
	))
}

// StartWaiter marks a long-poll waiter as blocked and returns the
// function recording its end and duration.
func (mm *MetricsManager) StartWaiter(ctx context.Context, endpoint string) func() {
	attrs := metric.WithAttributes(attribute.String("endpoint", endpoint))
	mm.waitersActive.Add(ctx, 1, attrs)
	start := time.Now()
	return func() {
		mm.waitersActive.Add(ctx, -1, attrs)
		mm.waitDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

// StartSSEStream marks an SSE stream as open and returns its closer.
func (mm *MetricsManager) StartSSEStream(ctx context.Context) func() {
	mm.sseStreamsActive.Add(ctx, 1)
	return func() {
		mm.sseStreamsActive.Add(ctx, -1)
	}
}

// System metrics methods

func (mm *MetricsManager) UpdateSystemMetrics(ctx context.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mm.goGoroutines.Add(ctx, int64(runtime.NumGoroutine()))
	mm.goMemstatsAllocBytes.Add(ctx, int64(m.Alloc))
	mm.processResidentMemoryBytes.Add(ctx, int64(m.Sys))
}

// MetricsTicker handles periodic system metrics collection
type MetricsTicker struct {
	ctx            context.Context
	metricsManager *MetricsManager
	ticker         *time.Ticker
	done           chan struct{}
}

// NewMetricsTicker creates a new metrics ticker
func NewMetricsTicker(ctx context.Context, metricsManager *MetricsManager) *MetricsTicker {
	return &MetricsTicker{
		ctx:            ctx,
		metricsManager: metricsManager,
		ticker:         time.NewTicker(30 * time.Second),
		done:           make(chan struct{}),
	}
}

// Start begins the metrics collection
func (m *MetricsTicker) Start() {
	go func() {
		defer m.ticker.Stop()
		for {
			select {
			case <-m.ticker.C:
				m.metricsManager.UpdateSystemMetrics(m.ctx)
			case <-m.ctx.Done():
				return
			case <-m.done:
				return
			}
		}
	}()
}

// Stop stops the metrics collection
func (m *MetricsTicker) Stop() {
	close(m.done)
}
