package logger

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"
)

// LogEntry is one captured log line, parsed out of the zerolog JSON
// stream for the ops API.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	Message   string    `json:"message"`
	Caller    string    `json:"caller,omitempty"`
}

// LogBuffer is a circular buffer that stores recent log entries
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	size     int
	writePos int
	count    int
}

var (
	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// GetBuffer returns the global log buffer instance
func GetBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(5000) // Last 5k entries
	})
	return globalBuffer
}

// NewLogBuffer creates a new log buffer with specified capacity
func NewLogBuffer(size int) *LogBuffer {
	return &LogBuffer{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

// Add adds a log entry to the buffer
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.writePos] = entry
	b.writePos = (b.writePos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// GetRecent returns the most recent log entries, newest first. A
// non-empty level keeps entries at or above that severity; a non-empty
// agent keeps only that agent's entries.
func (b *LogBuffer) GetRecent(limit int, level, agent string, sinceMinutes int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > b.count {
		limit = b.count
	}

	cutoffTime := time.Now().Add(-time.Duration(sinceMinutes) * time.Minute)
	levelUpper := strings.ToUpper(level)

	var result []LogEntry
	for i := 0; i < b.count && len(result) < limit; i++ {
		idx := (b.writePos - 1 - i + b.size) % b.size
		entry := b.entries[idx]

		if entry.Timestamp.Before(cutoffTime) {
			continue
		}
		if levelUpper != "" && !matchesLevel(entry.Level, levelUpper) {
			continue
		}
		if agent != "" && entry.Agent != agent {
			continue
		}

		result = append(result, entry)
	}

	return result
}

// matchesLevel checks if the entry level matches or exceeds the filter level
func matchesLevel(entryLevel, filterLevel string) bool {
	levels := map[string]int{
		"TRACE": -1,
		"DEBUG": 0,
		"INFO":  1,
		"WARN":  2,
		"ERROR": 3,
		"FATAL": 4,
	}

	entryPriority, ok1 := levels[strings.ToUpper(entryLevel)]
	filterPriority, ok2 := levels[filterLevel]

	if !ok1 || !ok2 {
		return strings.EqualFold(entryLevel, filterLevel)
	}

	return entryPriority >= filterPriority
}

// Count returns the current number of entries in the buffer
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// LogBufferWriter is an io.Writer that tees log output into the buffer
type LogBufferWriter struct {
	buffer   *LogBuffer
	original io.Writer
}

// NewLogBufferWriter creates a writer that captures logs to the buffer
func NewLogBufferWriter(original io.Writer) *LogBufferWriter {
	return &LogBufferWriter{
		buffer:   GetBuffer(),
		original: original,
	}
}

// Write implements io.Writer, forwarding the line and storing the
// parsed entry
func (w *LogBufferWriter) Write(p []byte) (n int, err error) {
	if w.original != nil {
		n, err = w.original.Write(p)
	} else {
		n = len(p)
	}

	if entry, ok := parseLogLine(p); ok {
		w.buffer.Add(entry)
	}

	return n, err
}

// parseLogLine decodes one zerolog JSON line into a LogEntry
func parseLogLine(p []byte) (LogEntry, bool) {
	var fields map[string]interface{}
	if err := json.Unmarshal(p, &fields); err != nil {
		return LogEntry{}, false
	}

	entry := LogEntry{Timestamp: time.Now()}
	if s, ok := fields["level"].(string); ok {
		entry.Level = strings.ToUpper(s)
	}
	if s, ok := fields["component"].(string); ok {
		entry.Component = s
	}
	if s, ok := fields["agent"].(string); ok {
		entry.Agent = s
	}
	if s, ok := fields["message"].(string); ok {
		entry.Message = s
	}
	if entry.Message == "" {
		// zerolog emits "message", console relays may use "msg"
		if s, ok := fields["msg"].(string); ok {
			entry.Message = s
		}
	}
	if s, ok := fields["caller"].(string); ok {
		entry.Caller = s
	}
	if s, ok := fields["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			entry.Timestamp = t
		}
	}

	return entry, entry.Level != "" || entry.Message != ""
}
