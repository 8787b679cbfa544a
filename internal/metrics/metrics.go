package metrics

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds all Tapetail counters for Prometheus export
type Metrics struct {
	startTime time.Time

	// Tailing metrics
	linesRead   atomic.Int64
	bytesRead   atomic.Int64
	passesTotal atomic.Int64

	// Parsing / mapping metrics
	rowsRejected     atomic.Int64
	coercionFailures atomic.Int64
	recordsMapped    atomic.Int64

	// Publishing metrics
	recordsPublished atomic.Int64
	batchesPublished atomic.Int64
	batchesDropped   atomic.Int64
	publishErrors    atomic.Int64
	publishedBytes   atomic.Int64

	// Offset persistence
	offsetSaveErrors atomic.Int64

	// File lifecycle
	fileSwitches atomic.Int64
	truncations  atomic.Int64

	// Bus connectivity
	busConnected  atomic.Int64 // 0 or 1
	busReconnects atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			startTime: time.Now(),
		}
	})
	return instance
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Info().Msg("Metrics collector initialized")
	return m
}

// Tailing metrics
func (m *Metrics) IncLinesRead(count int64) { m.linesRead.Add(count) }
func (m *Metrics) IncBytesRead(bytes int64) { m.bytesRead.Add(bytes) }
func (m *Metrics) IncPasses()               { m.passesTotal.Add(1) }

// Parsing / mapping metrics
func (m *Metrics) IncRowsRejected()     { m.rowsRejected.Add(1) }
func (m *Metrics) IncCoercionFailures() { m.coercionFailures.Add(1) }
func (m *Metrics) IncRecordsMapped()    { m.recordsMapped.Add(1) }

// Publishing metrics
func (m *Metrics) IncRecordsPublished(count int64) { m.recordsPublished.Add(count) }
func (m *Metrics) IncBatchesPublished()            { m.batchesPublished.Add(1) }
func (m *Metrics) IncBatchesDropped()              { m.batchesDropped.Add(1) }
func (m *Metrics) IncPublishErrors()               { m.publishErrors.Add(1) }
func (m *Metrics) IncPublishedBytes(bytes int64)   { m.publishedBytes.Add(bytes) }

// Offset persistence
func (m *Metrics) IncOffsetSaveErrors() { m.offsetSaveErrors.Add(1) }

// File lifecycle
func (m *Metrics) IncFileSwitches() { m.fileSwitches.Add(1) }
func (m *Metrics) IncTruncations() { m.truncations.Add(1) }

// Bus connectivity
func (m *Metrics) SetBusConnected(connected bool) {
	if connected {
		m.busConnected.Store(1)
	} else {
		m.busConnected.Store(0)
	}
}
func (m *Metrics) IncBusReconnects() { m.busReconnects.Add(1) }

// Snapshot returns all metrics as a map (for JSON endpoint)
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		// Process info
		"uptime_seconds": time.Since(m.startTime).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"go_version":     runtime.Version(),
		"num_cpu":        runtime.NumCPU(),
		"gomaxprocs":     runtime.GOMAXPROCS(0),

		// Memory (Go runtime)
		"memory_alloc_bytes":       memStats.Alloc,
		"memory_total_alloc_bytes": memStats.TotalAlloc,
		"memory_sys_bytes":         memStats.Sys,
		"memory_heap_alloc_bytes":  memStats.HeapAlloc,
		"memory_heap_sys_bytes":    memStats.HeapSys,
		"memory_heap_inuse_bytes":  memStats.HeapInuse,
		"memory_stack_inuse_bytes": memStats.StackInuse,
		"gc_cycles":                memStats.NumGC,
		"gc_pause_total_ns":        memStats.PauseTotalNs,

		// Tailing
		"lines_read_total": m.linesRead.Load(),
		"bytes_read_total": m.bytesRead.Load(),
		"passes_total":     m.passesTotal.Load(),

		// Parsing / mapping
		"rows_rejected_total":     m.rowsRejected.Load(),
		"coercion_failures_total": m.coercionFailures.Load(),
		"records_mapped_total":    m.recordsMapped.Load(),

		// Publishing
		"records_published_total": m.recordsPublished.Load(),
		"batches_published_total": m.batchesPublished.Load(),
		"batches_dropped_total":   m.batchesDropped.Load(),
		"publish_errors_total":    m.publishErrors.Load(),
		"published_bytes_total":   m.publishedBytes.Load(),

		// Offsets
		"offset_save_errors_total": m.offsetSaveErrors.Load(),

		// File lifecycle
		"file_switches_total": m.fileSwitches.Load(),
		"truncations_total":   m.truncations.Load(),

		// Bus
		"bus_connected":        m.busConnected.Load(),
		"bus_reconnects_total": m.busReconnects.Load(),
	}
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptimeSeconds := time.Since(m.startTime).Seconds()

	var b []byte
	b = append(b, "# HELP tapetail_uptime_seconds Time since Tapetail started\n"...)
	b = append(b, "# TYPE tapetail_uptime_seconds gauge\n"...)
	b = appendMetric(b, "tapetail_uptime_seconds", uptimeSeconds)

	b = append(b, "# HELP tapetail_goroutines Number of goroutines\n"...)
	b = append(b, "# TYPE tapetail_goroutines gauge\n"...)
	b = appendMetric(b, "tapetail_goroutines", float64(runtime.NumGoroutine()))

	// Memory metrics
	b = append(b, "# HELP tapetail_memory_alloc_bytes Current allocated memory\n"...)
	b = append(b, "# TYPE tapetail_memory_alloc_bytes gauge\n"...)
	b = appendMetric(b, "tapetail_memory_alloc_bytes", float64(memStats.Alloc))

	b = append(b, "# HELP tapetail_memory_sys_bytes Total memory obtained from system\n"...)
	b = append(b, "# TYPE tapetail_memory_sys_bytes gauge\n"...)
	b = appendMetric(b, "tapetail_memory_sys_bytes", float64(memStats.Sys))

	b = append(b, "# HELP tapetail_gc_cycles_total Total number of GC cycles\n"...)
	b = append(b, "# TYPE tapetail_gc_cycles_total counter\n"...)
	b = appendMetric(b, "tapetail_gc_cycles_total", float64(memStats.NumGC))

	// Tailing metrics
	b = append(b, "# HELP tapetail_lines_read_total Feed lines read\n"...)
	b = append(b, "# TYPE tapetail_lines_read_total counter\n"...)
	b = appendMetric(b, "tapetail_lines_read_total", float64(m.linesRead.Load()))

	b = append(b, "# HELP tapetail_bytes_read_total Feed bytes read\n"...)
	b = append(b, "# TYPE tapetail_bytes_read_total counter\n"...)
	b = appendMetric(b, "tapetail_bytes_read_total", float64(m.bytesRead.Load()))

	b = append(b, "# HELP tapetail_passes_total Completed read passes\n"...)
	b = append(b, "# TYPE tapetail_passes_total counter\n"...)
	b = appendMetric(b, "tapetail_passes_total", float64(m.passesTotal.Load()))

	// Parsing / mapping metrics
	b = append(b, "# HELP tapetail_rows_rejected_total Rows dropped for shape mismatch\n"...)
	b = append(b, "# TYPE tapetail_rows_rejected_total counter\n"...)
	b = appendMetric(b, "tapetail_rows_rejected_total", float64(m.rowsRejected.Load()))

	b = append(b, "# HELP tapetail_coercion_failures_total Field values nulled after failed coercion\n"...)
	b = append(b, "# TYPE tapetail_coercion_failures_total counter\n"...)
	b = appendMetric(b, "tapetail_coercion_failures_total", float64(m.coercionFailures.Load()))

	b = append(b, "# HELP tapetail_records_mapped_total Records produced by the mapper\n"...)
	b = append(b, "# TYPE tapetail_records_mapped_total counter\n"...)
	b = appendMetric(b, "tapetail_records_mapped_total", float64(m.recordsMapped.Load()))

	// Publishing metrics
	b = append(b, "# HELP tapetail_records_published_total Records published to the bus\n"...)
	b = append(b, "# TYPE tapetail_records_published_total counter\n"...)
	b = appendMetric(b, "tapetail_records_published_total", float64(m.recordsPublished.Load()))

	b = append(b, "# HELP tapetail_batches_published_total Batches published to the bus\n"...)
	b = append(b, "# TYPE tapetail_batches_published_total counter\n"...)
	b = appendMetric(b, "tapetail_batches_published_total", float64(m.batchesPublished.Load()))

	b = append(b, "# HELP tapetail_batches_dropped_total Batches dropped after publish failure\n"...)
	b = append(b, "# TYPE tapetail_batches_dropped_total counter\n"...)
	b = appendMetric(b, "tapetail_batches_dropped_total", float64(m.batchesDropped.Load()))

	b = append(b, "# HELP tapetail_publish_errors_total Publish attempts that failed\n"...)
	b = append(b, "# TYPE tapetail_publish_errors_total counter\n"...)
	b = appendMetric(b, "tapetail_publish_errors_total", float64(m.publishErrors.Load()))

	b = append(b, "# HELP tapetail_published_bytes_total Compressed payload bytes published\n"...)
	b = append(b, "# TYPE tapetail_published_bytes_total counter\n"...)
	b = appendMetric(b, "tapetail_published_bytes_total", float64(m.publishedBytes.Load()))

	// Offset persistence
	b = append(b, "# HELP tapetail_offset_save_errors_total Offset persistence failures\n"...)
	b = append(b, "# TYPE tapetail_offset_save_errors_total counter\n"...)
	b = appendMetric(b, "tapetail_offset_save_errors_total", float64(m.offsetSaveErrors.Load()))

	// File lifecycle
	b = append(b, "# HELP tapetail_file_switches_total Tailed file switches\n"...)
	b = append(b, "# TYPE tapetail_file_switches_total counter\n"...)
	b = appendMetric(b, "tapetail_file_switches_total", float64(m.fileSwitches.Load()))

	b = append(b, "# HELP tapetail_truncations_total Truncation anomalies detected\n"...)
	b = append(b, "# TYPE tapetail_truncations_total counter\n"...)
	b = appendMetric(b, "tapetail_truncations_total", float64(m.truncations.Load()))

	// Bus connectivity
	b = append(b, "# HELP tapetail_bus_connected Whether the bus connection is up\n"...)
	b = append(b, "# TYPE tapetail_bus_connected gauge\n"...)
	b = appendMetric(b, "tapetail_bus_connected", float64(m.busConnected.Load()))

	b = append(b, "# HELP tapetail_bus_reconnects_total Bus reconnection attempts\n"...)
	b = append(b, "# TYPE tapetail_bus_reconnects_total counter\n"...)
	b = appendMetric(b, "tapetail_bus_reconnects_total", float64(m.busReconnects.Load()))

	return string(b)
}

// Helper functions for Prometheus format
func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendFloat(b []byte, v float64) []byte {
	// Simple float formatting - enough for metrics
	if v == float64(int64(v)) {
		return appendInt(b, int64(v))
	}
	// Format with up to 6 decimal places
	intPart := int64(v)
	fracPart := int64((v - float64(intPart)) * 1000000)
	if fracPart < 0 {
		fracPart = -fracPart
	}
	b = appendInt(b, intPart)
	b = append(b, '.')
	// Pad with zeros
	if fracPart < 100000 {
		b = append(b, '0')
	}
	if fracPart < 10000 {
		b = append(b, '0')
	}
	if fracPart < 1000 {
		b = append(b, '0')
	}
	if fracPart < 100 {
		b = append(b, '0')
	}
	if fracPart < 10 {
		b = append(b, '0')
	}
	b = appendInt(b, fracPart)
	return b
}

func appendInt(b []byte, v int64) []byte {
	if v < 0 {
		b = append(b, '-')
		v = -v
	}
	if v == 0 {
		return append(b, '0')
	}
	var digits [20]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return append(b, digits[i:]...)
}
