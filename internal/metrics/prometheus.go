package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for the read cache.
// Every Record/Update method is safe to call on a nil receiver.
type PrometheusMetrics struct {
	// Cycle metrics
	CyclesTotal          *prometheus.CounterVec
	CycleDuration        prometheus.Histogram
	CallsPerCycle        prometheus.Histogram
	AggregatedReadsTotal *prometheus.CounterVec
	AggregatedReadCalls  prometheus.Histogram
	DiscardedCommits     *prometheus.CounterVec
	DecodeFailuresTotal  *prometheus.CounterVec

	// Cache metrics
	CacheWritesTotal     prometheus.Counter
	CacheSuppressedTotal prometheus.Counter
	CacheLookupsTotal    *prometheus.CounterVec
	ImmediateReadsTotal  *prometheus.CounterVec
	WatchedCalls         prometheus.Gauge
	CacheSlots           prometheus.Gauge
	Observers            prometheus.Gauge

	// Connection and error metrics
	ConnectionErrorsTotal *prometheus.CounterVec
	RPCRequestsTotal      *prometheus.CounterVec
	RPCRequestDuration    *prometheus.HistogramVec
	NetworkSwitchesTotal  prometheus.Counter

	// Blockchain metrics
	LatestBlock prometheus.Gauge

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec

	// Reporter metrics
	ReportsSentTotal    *prometheus.CounterVec
	ReportFailuresTotal *prometheus.CounterVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates all metrics and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		CyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readcache_cycles_total",
				Help: "Total number of refresh cycles by outcome",
			},
			[]string{"outcome"},
		),

		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "readcache_cycle_duration_seconds",
				Help:    "Time spent executing one refresh cycle",
				Buckets: prometheus.DefBuckets,
			},
		),

		CallsPerCycle: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "readcache_calls_per_cycle",
				Help:    "Number of watched calls executed per cycle",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),

		AggregatedReadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readcache_aggregated_reads_total",
				Help: "Total number of aggregated multicall reads by status",
			},
			[]string{"status"},
		),

		AggregatedReadCalls: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "readcache_aggregated_read_calls",
				Help:    "Number of sub-calls carried by one aggregated read",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),

		DiscardedCommits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readcache_discarded_commits_total",
				Help: "Results dropped because they belong to a stale cycle or network",
			},
			[]string{"source"},
		),

		DecodeFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readcache_decode_failures_total",
				Help: "Calls whose data could not be encoded or decoded",
			},
			[]string{"reference", "method"},
		),

		CacheWritesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "readcache_cache_writes_total",
				Help: "Cache slots changed by refresh cycles",
			},
		),

		CacheSuppressedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "readcache_cache_suppressed_total",
				Help: "Cycle results skipped because the value did not change",
			},
		),

		CacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readcache_cache_lookups_total",
				Help: "Cache lookups by result",
			},
			[]string{"result"}, // hit, miss, coalesced
		),

		ImmediateReadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readcache_immediate_reads_total",
				Help: "Immediate reads issued on cache misses by status",
			},
			[]string{"status"},
		),

		WatchedCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "readcache_watched_calls",
				Help: "Calls currently registered for per-block refresh",
			},
		),

		CacheSlots: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "readcache_cache_slots",
				Help: "Cache slots currently held across all entities",
			},
		),

		Observers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "readcache_observers",
				Help: "Live observation handles",
			},
		),

		ConnectionErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readcache_connection_errors_total",
				Help: "Total number of connection errors to chain nodes",
			},
			[]string{"endpoint", "error_type"},
		),

		RPCRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readcache_rpc_requests_total",
				Help: "Total number of RPC requests made to chain nodes",
			},
			[]string{"method", "status"},
		),

		RPCRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "readcache_rpc_request_duration_seconds",
				Help:    "Duration of RPC requests to chain nodes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		NetworkSwitchesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "readcache_network_switches_total",
				Help: "Number of network switches",
			},
		),

		LatestBlock: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "readcache_latest_block",
				Help: "Latest block that triggered a refresh cycle",
			},
		),

		DatabaseOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readcache_database_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),

		DatabaseOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "readcache_database_operation_duration_seconds",
				Help:    "Duration of database operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		ReportsSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readcache_reports_sent_total",
				Help: "Error reports delivered by channel",
			},
			[]string{"channel", "kind"},
		),

		ReportFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readcache_report_failures_total",
				Help: "Error reports that could not be delivered",
			},
			[]string{"channel", "kind"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readcache_http_requests_total",
				Help: "Total number of HTTP requests to the API",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "readcache_http_request_duration_seconds",
				Help:    "Duration of HTTP requests to the API",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ApplicationUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "readcache_application_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "readcache_component_health",
				Help: "Health status of application components (1 = healthy, 0 = unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "readcache_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),

		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "readcache_goroutines",
				Help: "Current number of goroutines",
			},
		),
	}
}

// RecordCycle records the outcome of one refresh cycle.
func (m *PrometheusMetrics) RecordCycle(outcome string, calls, writes, suppressed int, duration time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(duration.Seconds())
	m.CallsPerCycle.Observe(float64(calls))
	m.CacheWritesTotal.Add(float64(writes))
	m.CacheSuppressedTotal.Add(float64(suppressed))
}

// RecordAggregatedRead records one multicall round trip.
func (m *PrometheusMetrics) RecordAggregatedRead(status string, calls int) {
	if m == nil {
		return
	}
	m.AggregatedReadsTotal.WithLabelValues(status).Inc()
	m.AggregatedReadCalls.Observe(float64(calls))
}

// RecordDiscardedCommit counts results dropped for being stale.
func (m *PrometheusMetrics) RecordDiscardedCommit(source string) {
	if m == nil {
		return
	}
	m.DiscardedCommits.WithLabelValues(source).Inc()
}

// RecordDecodeFailure counts a call that failed to encode or decode.
func (m *PrometheusMetrics) RecordDecodeFailure(reference, method string) {
	if m == nil {
		return
	}
	m.DecodeFailuresTotal.WithLabelValues(reference, method).Inc()
}

// RecordCacheLookup records a fetch by result: hit, miss or coalesced.
func (m *PrometheusMetrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordImmediateRead records the status of an immediate read.
func (m *PrometheusMetrics) RecordImmediateRead(status string) {
	if m == nil {
		return
	}
	m.ImmediateReadsTotal.WithLabelValues(status).Inc()
}

// UpdateCacheState updates the registry and slot gauges.
func (m *PrometheusMetrics) UpdateCacheState(watched, slots, observers int) {
	if m == nil {
		return
	}
	m.WatchedCalls.Set(float64(watched))
	m.CacheSlots.Set(float64(slots))
	m.Observers.Set(float64(observers))
}

// RecordConnectionError records a connection error
func (m *PrometheusMetrics) RecordConnectionError(endpoint, errorType string) {
	if m == nil {
		return
	}
	m.ConnectionErrorsTotal.WithLabelValues(endpoint, errorType).Inc()
}

// RecordRPCRequest records an RPC request
func (m *PrometheusMetrics) RecordRPCRequest(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.RPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordNetworkSwitch counts a network switch.
func (m *PrometheusMetrics) RecordNetworkSwitch() {
	if m == nil {
		return
	}
	m.NetworkSwitchesTotal.Inc()
}

// UpdateLatestBlock updates the latest refreshed block number
func (m *PrometheusMetrics) UpdateLatestBlock(blockNumber uint64) {
	if m == nil {
		return
	}
	m.LatestBlock.Set(float64(blockNumber))
}

// RecordDatabaseOperation records a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, table, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordReportSent records a delivered error report
func (m *PrometheusMetrics) RecordReportSent(channel, kind string) {
	if m == nil {
		return
	}
	m.ReportsSentTotal.WithLabelValues(channel, kind).Inc()
}

// RecordReportFailure records a report delivery failure
func (m *PrometheusMetrics) RecordReportFailure(channel, kind string) {
	if m == nil {
		return
	}
	m.ReportFailuresTotal.WithLabelValues(channel, kind).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateApplicationUptime updates the application uptime
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	if m == nil {
		return
	}
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates the health status of a component
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateMemoryUsage updates memory usage metrics
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	if m == nil {
		return
	}
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates the goroutine count
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	if m == nil {
		return
	}
	m.GoroutineCount.Set(float64(count))
}
