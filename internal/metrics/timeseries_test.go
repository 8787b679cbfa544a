package metrics

import (
	"testing"
	"time"
)

func TestNewTimeSeriesBuffer(t *testing.T) {
	buf := NewTimeSeriesBuffer(100)
	if buf == nil {
		t.Fatal("NewTimeSeriesBuffer returned nil")
	}
	if buf.size != 100 {
		t.Errorf("buffer size = %d, want 100", buf.size)
	}
	if len(buf.points) != 100 {
		t.Errorf("points slice length = %d, want 100", len(buf.points))
	}
}

func TestTimeSeriesBuffer_Add(t *testing.T) {
	buf := NewTimeSeriesBuffer(5)

	// Add a point
	now := time.Now()
	point := TimeSeriesPoint{
		Timestamp: now,
		Values: map[string]interface{}{
			"test_metric": 42,
		},
	}
	buf.Add(point)

	if buf.count != 1 {
		t.Errorf("count = %d, want 1", buf.count)
	}
	if buf.writePos != 1 {
		t.Errorf("writePos = %d, want 1", buf.writePos)
	}
}

func TestTimeSeriesBuffer_RingBuffer(t *testing.T) {
	buf := NewTimeSeriesBuffer(3)

	// Add more points than buffer size
	for i := 0; i < 5; i++ {
		buf.Add(TimeSeriesPoint{
			Timestamp: time.Now(),
			Values:    map[string]interface{}{"value": i},
		})
	}

	// Count should be capped at buffer size
	if buf.count != 3 {
		t.Errorf("count = %d, want 3 (buffer size)", buf.count)
	}

	// writePos should wrap around
	if buf.writePos != 2 { // 5 % 3 = 2
		t.Errorf("writePos = %d, want 2", buf.writePos)
	}
}

func TestTimeSeriesBuffer_GetRecent(t *testing.T) {
	buf := NewTimeSeriesBuffer(10)

	// Add points with timestamps spread over time
	baseTime := time.Now().Add(-5 * time.Minute)
	for i := 0; i < 6; i++ {
		buf.Add(TimeSeriesPoint{
			Timestamp: baseTime.Add(time.Duration(i) * time.Minute),
			Values:    map[string]interface{}{"minute": i},
		})
	}

	// Get last 3 minutes (should include minutes 3, 4, 5)
	recent := buf.GetRecent(3)
	if len(recent) != 3 {
		t.Errorf("GetRecent(3) returned %d points, want 3", len(recent))
	}

	// Get all (should include all 6 points)
	all := buf.GetRecent(10)
	if len(all) != 6 {
		t.Errorf("GetRecent(10) returned %d points, want 6", len(all))
	}
}

func TestNewTimeSeriesCollector(t *testing.T) {
	collector := NewTimeSeriesCollector(100, 5*time.Second)
	if collector == nil {
		t.Fatal("NewTimeSeriesCollector returned nil")
	}
	if collector.system == nil {
		t.Error("system buffer is nil")
	}
	if collector.tailing == nil {
		t.Error("tailing buffer is nil")
	}
	if collector.interval != 5*time.Second {
		t.Errorf("interval = %v, want 5s", collector.interval)
	}
}

func TestTimeSeriesCollector_StartStop(t *testing.T) {
	collector := NewTimeSeriesCollector(10, 100*time.Millisecond)

	collector.Start()

	// Wait for at least one collection cycle
	time.Sleep(150 * time.Millisecond)

	collector.Stop()

	// Verify that data was collected
	systemData := collector.GetSystem(1)
	if len(systemData) == 0 {
		t.Error("No system data collected")
	}

	tailingData := collector.GetTailing(1)
	if len(tailingData) == 0 {
		t.Error("No tailing data collected")
	}
}

func TestTimeSeriesCollector_CollectedMetrics(t *testing.T) {
	collector := NewTimeSeriesCollector(10, 100*time.Millisecond)

	collector.Start()
	time.Sleep(150 * time.Millisecond)
	collector.Stop()

	// Verify system metrics contain expected fields
	systemData := collector.GetSystem(1)
	if len(systemData) > 0 {
		values := systemData[0].Values
		expectedSystemKeys := []string{
			"goroutines",
			"memory_alloc_mb",
			"memory_heap_mb",
			"memory_sys_mb",
			"gc_cycles",
			"gc_pause_ns",
		}
		for _, key := range expectedSystemKeys {
			if _, ok := values[key]; !ok {
				t.Errorf("system metrics missing key: %s", key)
			}
		}
	}

	// Verify tailing metrics contain expected fields
	tailingData := collector.GetTailing(1)
	if len(tailingData) > 0 {
		values := tailingData[0].Values
		expectedTailingKeys := []string{
			"lines_read_total",
			"bytes_read_total",
			"passes_total",
			"records_mapped_total",
			"records_published_total",
			"batches_published_total",
			"batches_dropped_total",
			"rows_rejected_total",
			"coercion_failures_total",
			"bus_connected",
		}
		for _, key := range expectedTailingKeys {
			if _, ok := values[key]; !ok {
				t.Errorf("tailing metrics missing key: %s", key)
			}
		}
	}
}

func TestBufferSizeCalculation(t *testing.T) {
	// Test that buffer size is calculated correctly from retention and interval
	tests := []struct {
		retentionMinutes int
		intervalSeconds  int
		expectedSize     int
	}{
		{30, 5, 360},  // 30 min * 60 sec / 5 sec = 360 points
		{60, 10, 360}, // 60 min * 60 sec / 10 sec = 360 points
		{30, 1, 1800}, // 30 min * 60 sec / 1 sec = 1800 points
		{1, 1, 60},    // 1 min * 60 sec / 1 sec = 60 points
	}

	for _, tt := range tests {
		t.Run("", func(t *testing.T) {
			bufferSize := (tt.retentionMinutes * 60) / tt.intervalSeconds
			if bufferSize != tt.expectedSize {
				t.Errorf("buffer size for %d min retention, %d sec interval = %d, want %d",
					tt.retentionMinutes, tt.intervalSeconds, bufferSize, tt.expectedSize)
			}
		})
	}
}
