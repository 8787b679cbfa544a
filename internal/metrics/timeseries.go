package metrics

import (
	"runtime"
	"sync"
	"time"
)

// TimeSeriesPoint represents a single data point in a time series
type TimeSeriesPoint struct {
	Timestamp time.Time              `json:"timestamp"`
	Values    map[string]interface{} `json:"values"`
}

// TimeSeriesBuffer stores time-series metrics data
type TimeSeriesBuffer struct {
	mu       sync.RWMutex
	points   []TimeSeriesPoint
	size     int
	writePos int
	count    int
}

// TimeSeriesCollector samples the counters at a fixed interval so the
// ops API can serve recent history without a metrics store.
type TimeSeriesCollector struct {
	system   *TimeSeriesBuffer // runtime metrics (memory, goroutines, GC)
	tailing  *TimeSeriesBuffer // feed metrics (lines, records, batches)
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

var (
	tsCollector *TimeSeriesCollector
	tsOnce      sync.Once
)

// InitTimeSeriesCollector creates and starts the singleton collector
// with the configured retention window and sampling interval.
func InitTimeSeriesCollector(retentionMinutes, intervalSeconds int) *TimeSeriesCollector {
	tsOnce.Do(func() {
		if retentionMinutes <= 0 {
			retentionMinutes = 30
		}
		if intervalSeconds <= 0 {
			intervalSeconds = 5
		}
		size := retentionMinutes * 60 / intervalSeconds
		if size < 1 {
			size = 1
		}
		tsCollector = NewTimeSeriesCollector(size, time.Duration(intervalSeconds)*time.Second)
		tsCollector.Start()
	})
	return tsCollector
}

// GetTimeSeriesCollector returns the singleton collector, initializing
// it with defaults when InitTimeSeriesCollector was not called first.
func GetTimeSeriesCollector() *TimeSeriesCollector {
	return InitTimeSeriesCollector(30, 5)
}

// NewTimeSeriesCollector creates a new time-series collector
func NewTimeSeriesCollector(bufferSize int, interval time.Duration) *TimeSeriesCollector {
	return &TimeSeriesCollector{
		system:   NewTimeSeriesBuffer(bufferSize),
		tailing:  NewTimeSeriesBuffer(bufferSize),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// NewTimeSeriesBuffer creates a new time-series buffer
func NewTimeSeriesBuffer(size int) *TimeSeriesBuffer {
	return &TimeSeriesBuffer{
		points: make([]TimeSeriesPoint, size),
		size:   size,
	}
}

// Start begins collecting time-series data
func (c *TimeSeriesCollector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collect()
			}
		}
	}()
}

// Stop stops the time-series collector
func (c *TimeSeriesCollector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// collect gathers all metrics at the current time
func (c *TimeSeriesCollector) collect() {
	now := time.Now()
	m := Get()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	c.system.Add(TimeSeriesPoint{
		Timestamp: now,
		Values: map[string]interface{}{
			"goroutines":      runtime.NumGoroutine(),
			"memory_alloc_mb": float64(memStats.Alloc) / 1024 / 1024,
			"memory_heap_mb":  float64(memStats.HeapAlloc) / 1024 / 1024,
			"memory_sys_mb":   float64(memStats.Sys) / 1024 / 1024,
			"gc_cycles":       memStats.NumGC,
			"gc_pause_ns":     memStats.PauseNs[(memStats.NumGC+255)%256],
		},
	})

	c.tailing.Add(TimeSeriesPoint{
		Timestamp: now,
		Values: map[string]interface{}{
			"lines_read_total":        m.linesRead.Load(),
			"bytes_read_total":        m.bytesRead.Load(),
			"passes_total":            m.passesTotal.Load(),
			"records_mapped_total":    m.recordsMapped.Load(),
			"records_published_total": m.recordsPublished.Load(),
			"batches_published_total": m.batchesPublished.Load(),
			"batches_dropped_total":   m.batchesDropped.Load(),
			"rows_rejected_total":     m.rowsRejected.Load(),
			"coercion_failures_total": m.coercionFailures.Load(),
			"bus_connected":           m.busConnected.Load(),
		},
	})
}

// Add adds a point to the buffer
func (b *TimeSeriesBuffer) Add(point TimeSeriesPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.points[b.writePos] = point
	b.writePos = (b.writePos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// GetRecent returns points from the last N minutes
func (b *TimeSeriesBuffer) GetRecent(durationMinutes int) []TimeSeriesPoint {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cutoff := time.Now().Add(-time.Duration(durationMinutes) * time.Minute)
	var result []TimeSeriesPoint

	// Read from oldest to newest within the time range
	for i := 0; i < b.count; i++ {
		idx := (b.writePos - b.count + i + b.size) % b.size
		point := b.points[idx]

		if point.Timestamp.After(cutoff) {
			result = append(result, point)
		}
	}

	return result
}

// GetSystem returns system time-series data
func (c *TimeSeriesCollector) GetSystem(durationMinutes int) []TimeSeriesPoint {
	return c.system.GetRecent(durationMinutes)
}

// GetTailing returns feed time-series data
func (c *TimeSeriesCollector) GetTailing(durationMinutes int) []TimeSeriesPoint {
	return c.tailing.GetRecent(durationMinutes)
}
