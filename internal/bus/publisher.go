package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tapetail/tapetail/internal/metrics"
	"github.com/tapetail/tapetail/pkg/models"
)

// Wire encodings and compressions for published batches.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"

	CompressionGzip = "gzip"
	CompressionNone = "none"
)

// DefaultBatchSize is the flush threshold when none is configured.
const DefaultBatchSize = 1000

// Pool for gzip writers - avoids reallocating the compression state on
// every flush
var gzipWriterPool = sync.Pool{}

// Sender publishes one payload to a topic. *Conn implements it; tests
// substitute fakes.
type Sender interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// PublisherConfig configures a per-agent batch publisher.
type PublisherConfig struct {
	Topic       string
	BatchSize   int
	Encoding    string // "json" (default) or "msgpack"
	Compression string // "gzip" (default) or "none"
}

// PublisherStats is a snapshot of publisher counters for the ops API.
type PublisherStats struct {
	Topic            string    `json:"topic"`
	Pending          int       `json:"pending"`
	RecordsPublished int64     `json:"records_published"`
	BatchesPublished int64     `json:"batches_published"`
	BatchesDropped   int64     `json:"batches_dropped"`
	LastPublishAt    time.Time `json:"last_publish_at,omitempty"`
}

// Publisher accumulates mapped records and publishes them as one
// encoded, compressed message per batch. A batch that fails to publish
// is dropped in full; the offset already advanced past its lines, so
// retrying would reorder the stream.
type Publisher struct {
	cfg    PublisherConfig
	sender Sender
	logger zerolog.Logger

	mu    sync.Mutex
	batch []models.OutputRecord

	recordsPublished atomic.Int64
	batchesPublished atomic.Int64
	batchesDropped   atomic.Int64
	lastPublishAt    atomic.Int64 // unix nanos, zero until first publish
}

// NewPublisher creates a publisher for one agent topic.
func NewPublisher(cfg PublisherConfig, sender Sender, logger zerolog.Logger) (*Publisher, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("publisher topic is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	switch cfg.Encoding {
	case "":
		cfg.Encoding = EncodingJSON
	case EncodingJSON, EncodingMsgpack:
	default:
		return nil, fmt.Errorf("unknown encoding: %q", cfg.Encoding)
	}
	switch cfg.Compression {
	case "":
		cfg.Compression = CompressionGzip
	case CompressionGzip, CompressionNone:
	default:
		return nil, fmt.Errorf("unknown compression: %q", cfg.Compression)
	}

	return &Publisher{
		cfg:    cfg,
		sender: sender,
		logger: logger.With().Str("component", "publisher").Str("topic", cfg.Topic).Logger(),
	}, nil
}

// Add appends one record to the pending batch, flushing when the batch
// reaches the configured size.
func (p *Publisher) Add(ctx context.Context, rec models.OutputRecord) error {
	p.mu.Lock()
	p.batch = append(p.batch, rec)
	full := len(p.batch) >= p.cfg.BatchSize
	p.mu.Unlock()

	if full {
		return p.Flush(ctx)
	}
	return nil
}

// Flush publishes the pending batch, if any. On failure the batch is
// dropped and the error returned; the caller keeps tailing.
func (p *Publisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	if len(p.batch) == 0 {
		p.mu.Unlock()
		return nil
	}
	batch := p.batch
	p.batch = nil
	p.mu.Unlock()

	payload, err := p.encode(batch)
	if err != nil {
		p.dropBatch(len(batch), err)
		return err
	}

	if err := p.sender.Publish(ctx, p.cfg.Topic, payload); err != nil {
		metrics.Get().IncPublishErrors()
		p.dropBatch(len(batch), err)
		return err
	}

	n := int64(len(batch))
	p.recordsPublished.Add(n)
	p.batchesPublished.Add(1)
	p.lastPublishAt.Store(time.Now().UnixNano())
	metrics.Get().IncRecordsPublished(n)
	metrics.Get().IncBatchesPublished()
	metrics.Get().IncPublishedBytes(int64(len(payload)))

	p.logger.Debug().
		Int("records", len(batch)).
		Int("payload_bytes", len(payload)).
		Msg("Published batch")

	return nil
}

func (p *Publisher) dropBatch(n int, err error) {
	p.batchesDropped.Add(1)
	metrics.Get().IncBatchesDropped()
	p.logger.Error().
		Err(err).
		Int("records", n).
		Msg("Dropped batch")
}

// Len returns the number of records waiting in the batch.
func (p *Publisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batch)
}

// Close flushes any pending records.
func (p *Publisher) Close(ctx context.Context) error {
	return p.Flush(ctx)
}

// Stats returns current statistics
func (p *Publisher) Stats() PublisherStats {
	stats := PublisherStats{
		Topic:            p.cfg.Topic,
		Pending:          p.Len(),
		RecordsPublished: p.recordsPublished.Load(),
		BatchesPublished: p.batchesPublished.Load(),
		BatchesDropped:   p.batchesDropped.Load(),
	}
	if ns := p.lastPublishAt.Load(); ns > 0 {
		stats.LastPublishAt = time.Unix(0, ns)
	}
	return stats
}

// encode renders the batch in the configured wire encoding: JSON Lines
// (one document per record) or a MessagePack stream, gzip-compressed
// unless disabled.
func (p *Publisher) encode(batch []models.OutputRecord) ([]byte, error) {
	var buf bytes.Buffer

	switch p.cfg.Encoding {
	case EncodingMsgpack:
		enc := msgpack.NewEncoder(&buf)
		for _, rec := range batch {
			if err := enc.Encode(rec); err != nil {
				return nil, fmt.Errorf("failed to encode record: %w", err)
			}
		}
	default:
		enc := json.NewEncoder(&buf)
		for _, rec := range batch {
			if err := enc.Encode(rec); err != nil {
				return nil, fmt.Errorf("failed to encode record: %w", err)
			}
		}
	}

	if p.cfg.Compression == CompressionNone {
		return buf.Bytes(), nil
	}
	return gzipCompress(buf.Bytes())
}

func gzipCompress(data []byte) ([]byte, error) {
	var out bytes.Buffer

	var w *gzip.Writer
	if pooled := gzipWriterPool.Get(); pooled != nil {
		w = pooled.(*gzip.Writer)
		w.Reset(&out)
	} else {
		w, _ = gzip.NewWriterLevel(&out, gzip.BestSpeed)
	}

	_, writeErr := w.Write(data)
	closeErr := w.Close()
	gzipWriterPool.Put(w)

	if writeErr != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", writeErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("failed to finish payload: %w", closeErr)
	}
	return out.Bytes(), nil
}
