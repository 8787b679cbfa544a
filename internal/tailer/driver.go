// Package tailer runs one driver per ingestion agent: a single
// goroutine that follows a growing feed file, converts appended lines
// to records, and hands them to the agent's publisher. Polling is
// deliberate (the feeds live on network filesystems where notify APIs
// lie); passes never overlap because one loop owns the file.
package tailer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapetail/tapetail/internal/bus"
	"github.com/tapetail/tapetail/internal/ingest"
	"github.com/tapetail/tapetail/internal/metrics"
	"github.com/tapetail/tapetail/internal/offsets"
)

// State is the driver lifecycle phase, exposed by the ops API.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSwitchingFile
	StateIdleWaiting
	StateReading
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSwitchingFile:
		return "switching_file"
	case StateIdleWaiting:
		return "idle_waiting"
	case StateReading:
		return "reading"
	default:
		return "unknown"
	}
}

// BusDialer is the slice of the bus connection the driver needs.
type BusDialer interface {
	Dial(ctx context.Context) error
	IsConnected() bool
}

// DriverConfig configures one agent driver.
type DriverConfig struct {
	Name       string // agent name, used in logs and status
	Path       string // feed file to follow
	SkipHeader bool   // discard the first line of a fresh file

	PollInterval time.Duration // default 100ms
	ChunkSize    int           // read granularity, default ingest.DefaultChunkSize
	OpenRetry    time.Duration // wait between open attempts for a missing file, default 30s
}

// Driver follows one feed file. Run owns all file state; Switch,
// TriggerPass and Status are the only cross-goroutine entry points.
type Driver struct {
	cfg       DriverConfig
	bus       BusDialer
	store     offsets.Store
	parser    *ingest.RowParser
	mapper    *ingest.Mapper
	publisher *bus.Publisher
	logger    zerolog.Logger

	state  atomic.Int32
	offset atomic.Int64

	mu   sync.RWMutex
	path string

	// loop-owned
	file            *os.File
	headerPending   bool
	lastOpenAttempt time.Time
	lastSavedOffset int64

	switchCh chan string
	passCh   chan struct{}

	linesRead    atomic.Int64
	rowsRejected atomic.Int64
	lastPassAt   atomic.Int64 // unix nanos, zero until first pass
}

// NewDriver creates a driver for one agent.
func NewDriver(
	cfg DriverConfig,
	busConn BusDialer,
	store offsets.Store,
	parser *ingest.RowParser,
	mapper *ingest.Mapper,
	publisher *bus.Publisher,
	logger zerolog.Logger,
) *Driver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = ingest.DefaultChunkSize
	}
	if cfg.OpenRetry <= 0 {
		cfg.OpenRetry = 30 * time.Second
	}

	d := &Driver{
		cfg:       cfg,
		bus:       busConn,
		store:     store,
		parser:    parser,
		mapper:    mapper,
		publisher: publisher,
		logger:    logger.With().Str("agent", cfg.Name).Logger(),
		path:      cfg.Path,
		switchCh:  make(chan string, 1),
		passCh:    make(chan struct{}, 1),
	}
	d.state.Store(int32(StateDisconnected))
	return d
}

// Run drives the agent until ctx is canceled. It blocks first on the
// bus connection, then follows the feed file at the poll cadence.
func (d *Driver) Run(ctx context.Context) error {
	d.setState(StateConnecting)
	if err := d.bus.Dial(ctx); err != nil {
		d.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	d.setState(StateSwitchingFile)
	d.tryOpen()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	defer d.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case newPath := <-d.switchCh:
			d.handleSwitch(ctx, newPath)
		case <-d.passCh:
			d.runPass(ctx)
		case <-ticker.C:
			d.runPass(ctx)
		}
	}
}

// Switch asks the driver to finish the current file and continue with
// path. A pending unprocessed switch is replaced, never queued behind.
func (d *Driver) Switch(path string) {
	select {
	case <-d.switchCh:
	default:
	}
	d.switchCh <- path
}

// TriggerPass asks the run loop to read new bytes now instead of at
// the next poll tick. A pass already pending absorbs the request.
func (d *Driver) TriggerPass() {
	select {
	case d.passCh <- struct{}{}:
	default:
	}
}

// State returns the current lifecycle phase.
func (d *Driver) State() State {
	return State(d.state.Load())
}

// Offset returns the current resume offset.
func (d *Driver) Offset() int64 {
	return d.offset.Load()
}

// Path returns the feed file currently followed.
func (d *Driver) Path() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.path
}

// Status returns a snapshot for the ops API.
func (d *Driver) Status() map[string]interface{} {
	status := map[string]interface{}{
		"name":          d.cfg.Name,
		"state":         d.State().String(),
		"path":          d.Path(),
		"offset":        d.offset.Load(),
		"lines_read":    d.linesRead.Load(),
		"rows_rejected": d.rowsRejected.Load(),
		"bus_connected": d.bus.IsConnected(),
		"publisher":     d.publisher.Stats(),
	}
	if ns := d.lastPassAt.Load(); ns > 0 {
		status["last_pass_at"] = time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
	}
	return status
}

func (d *Driver) setState(s State) {
	d.state.Store(int32(s))
}

func (d *Driver) setPath(path string) {
	d.mu.Lock()
	d.path = path
	d.mu.Unlock()
}

// feedName keys the offset store: base name, so the same feed keeps its
// offset when referenced through different directory spellings.
func (d *Driver) feedName() string {
	return filepath.Base(d.Path())
}

// tryOpen attempts to open the current path, loading the saved offset
// on success. Failures are retried at the OpenRetry cadence from the
// poll loop.
func (d *Driver) tryOpen() {
	d.lastOpenAttempt = time.Now()

	f, err := os.Open(d.Path())
	if err != nil {
		d.logger.Warn().
			Err(err).
			Str("path", d.Path()).
			Dur("retry_in", d.cfg.OpenRetry).
			Msg("Cannot open feed file")
		return
	}

	d.file = f
	off := d.store.Load(d.feedName())
	d.offset.Store(off)
	d.lastSavedOffset = off
	d.headerPending = d.cfg.SkipHeader && off == 0
	d.setState(StateIdleWaiting)

	d.logger.Info().
		Str("path", d.Path()).
		Int64("offset", off).
		Msg("Following feed file")
}

// runPass reads everything appended since the last pass.
func (d *Driver) runPass(ctx context.Context) {
	if d.file == nil {
		if time.Since(d.lastOpenAttempt) >= d.cfg.OpenRetry {
			d.tryOpen()
		}
		if d.file == nil {
			return
		}
	}

	offset := d.offset.Load()

	end, err := ingest.PassWindow(d.file, offset)
	if errors.Is(err, ingest.ErrTruncated) {
		d.logger.Warn().
			Str("path", d.Path()).
			Int64("offset", offset).
			Int64("size", end).
			Msg("Feed file shrank, restarting from zero")
		metrics.Get().IncTruncations()
		offset = 0
		d.offset.Store(0)
		d.headerPending = d.cfg.SkipHeader
		d.saveOffset(0)
	} else if err != nil {
		d.logger.Warn().Err(err).Str("path", d.Path()).Msg("Cannot stat feed file, reopening")
		d.file.Close()
		d.file = nil
		d.setState(StateSwitchingFile)
		return
	}

	if end == offset {
		d.setState(StateIdleWaiting)
		return
	}

	d.setState(StateReading)
	defer d.lastPassAt.Store(time.Now().UnixNano())

	scanner := ingest.NewLineScanner(d.file, offset, end, d.cfg.ChunkSize)
	lastSave := d.lastSavedOffset

	for scanner.Scan() {
		line := scanner.Bytes()
		lineEnd := scanner.EndOffset()

		d.processLine(ctx, line)

		d.offset.Store(lineEnd)
		d.linesRead.Add(1)
		metrics.Get().IncLinesRead(1)
		metrics.Get().IncBytesRead(lineEnd - offset)
		offset = lineEnd

		// Long passes checkpoint at chunk cadence so a crash mid-pass
		// does not rewind further than one chunk.
		if lineEnd-lastSave >= int64(d.cfg.ChunkSize) {
			if err := d.publisher.Flush(ctx); err == nil {
				d.saveOffset(lineEnd)
				lastSave = lineEnd
			}
		}
	}
	if err := scanner.Err(); err != nil {
		d.logger.Warn().Err(err).Str("path", d.Path()).Msg("Read error during pass")
	}

	// Flush before saving: the offset must never run ahead of records
	// that are still sitting in the batch when the process dies.
	if err := d.publisher.Flush(ctx); err == nil {
		if cur := d.offset.Load(); cur != d.lastSavedOffset {
			d.saveOffset(cur)
		}
	}

	metrics.Get().IncPasses()
	d.setState(StateIdleWaiting)
}

// processLine parses and publishes one line. Empty lines only advance
// the offset; malformed rows are counted and skipped.
func (d *Driver) processLine(ctx context.Context, line []byte) {
	if len(line) == 0 || (len(line) == 1 && line[0] == '\r') {
		return
	}
	if d.headerPending {
		d.headerPending = false
		d.logger.Debug().Str("path", d.Path()).Msg("Skipped header line")
		return
	}

	row, err := d.parser.Parse(line)
	if err != nil {
		d.rowsRejected.Add(1)
		metrics.Get().IncRowsRejected()
		d.logger.Warn().
			Err(err).
			Str("path", d.Path()).
			Int("line_bytes", len(line)).
			Msg("Rejected malformed row")
		return
	}

	rec := d.mapper.Map(row)
	if err := d.publisher.Add(ctx, rec); err != nil {
		// batch already dropped and counted by the publisher
		d.logger.Debug().Err(err).Msg("Flush failed while adding record")
	}
}

func (d *Driver) saveOffset(offset int64) {
	if err := d.store.Save(d.feedName(), offset); err != nil {
		metrics.Get().IncOffsetSaveErrors()
		d.logger.Error().Err(err).Int64("offset", offset).Msg("Cannot save offset")
		return
	}
	d.lastSavedOffset = offset
}

// handleSwitch finishes the current file and continues with newPath.
// The old file is drained one final time so records appended just
// before rotation are not skipped.
func (d *Driver) handleSwitch(ctx context.Context, newPath string) {
	d.setState(StateSwitchingFile)

	if d.file != nil {
		d.runPass(ctx)
		d.setState(StateSwitchingFile)
		if d.file != nil {
			d.file.Close()
			d.file = nil
		}
	}

	oldPath := d.Path()
	d.setPath(newPath)
	d.offset.Store(0)
	d.lastSavedOffset = 0

	metrics.Get().IncFileSwitches()
	d.logger.Info().
		Str("from", oldPath).
		Str("to", newPath).
		Msg("Switching feed file")

	d.tryOpen()
}

// shutdown flushes what is pending and records the final offset.
func (d *Driver) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.publisher.Flush(ctx); err == nil {
		if cur := d.offset.Load(); cur != d.lastSavedOffset {
			d.saveOffset(cur)
		}
	}
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
	d.setState(StateDisconnected)
	d.logger.Info().Int64("offset", d.offset.Load()).Msg("Driver stopped")
}
