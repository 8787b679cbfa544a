package bus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tapetail/tapetail/pkg/models"
)

type publishedMsg struct {
	topic   string
	payload []byte
}

type fakeSender struct {
	mu        sync.Mutex
	published []publishedMsg
	err       error
}

func (f *fakeSender) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedMsg{topic, append([]byte(nil), payload...)})
	return nil
}

func (f *fakeSender) messages() []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMsg(nil), f.published...)
}

func decodeGzipJSONL(t *testing.T, payload []byte) []map[string]interface{} {
	t.Helper()
	r, err := gzip.NewReader(bytes.NewReader(payload))
	require.NoError(t, err)
	defer r.Close()

	var records []map[string]interface{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	return records
}

func TestPublisher_FlushAtBatchSize(t *testing.T) {
	sender := &fakeSender{}
	p, err := NewPublisher(PublisherConfig{Topic: "feeds/trades", BatchSize: 2}, sender, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Add(ctx, models.OutputRecord{"symbol": "AAPL"}))
	require.Len(t, sender.messages(), 0)

	require.NoError(t, p.Add(ctx, models.OutputRecord{"symbol": "MSFT"}))
	require.Len(t, sender.messages(), 1)

	require.NoError(t, p.Add(ctx, models.OutputRecord{"symbol": "TSLA"}))
	require.Len(t, sender.messages(), 1)
	require.Equal(t, 1, p.Len())
}

func TestPublisher_GzipJSONLPayload(t *testing.T) {
	sender := &fakeSender{}
	p, err := NewPublisher(PublisherConfig{Topic: "feeds/trades", BatchSize: 2}, sender, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Add(ctx, models.OutputRecord{"symbol": "AAPL", "price": 187.25, "quantity": nil}))
	require.NoError(t, p.Add(ctx, models.OutputRecord{"symbol": "MSFT", "price": 425.1}))

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "feeds/trades", msgs[0].topic)

	records := decodeGzipJSONL(t, msgs[0].payload)
	require.Len(t, records, 2)
	require.Equal(t, "AAPL", records[0]["symbol"])
	require.Equal(t, 187.25, records[0]["price"])

	// Null fields survive the trip as explicit nulls.
	v, ok := records[0]["quantity"]
	require.True(t, ok)
	require.Nil(t, v)

	require.Equal(t, "MSFT", records[1]["symbol"])
}

func TestPublisher_UncompressedJSON(t *testing.T) {
	sender := &fakeSender{}
	p, err := NewPublisher(PublisherConfig{
		Topic:       "feeds/trades",
		BatchSize:   1,
		Compression: CompressionNone,
	}, sender, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, p.Add(context.Background(), models.OutputRecord{"symbol": "AAPL"}))

	msgs := sender.messages()
	require.Len(t, msgs, 1)

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(msgs[0].payload), &rec))
	require.Equal(t, "AAPL", rec["symbol"])
}

func TestPublisher_MsgpackPayload(t *testing.T) {
	sender := &fakeSender{}
	p, err := NewPublisher(PublisherConfig{
		Topic:       "feeds/trades",
		BatchSize:   2,
		Encoding:    EncodingMsgpack,
		Compression: CompressionNone,
	}, sender, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Add(ctx, models.OutputRecord{"symbol": "AAPL"}))
	require.NoError(t, p.Add(ctx, models.OutputRecord{"symbol": "MSFT"}))

	msgs := sender.messages()
	require.Len(t, msgs, 1)

	dec := msgpack.NewDecoder(bytes.NewReader(msgs[0].payload))
	var records []map[string]interface{}
	for {
		var rec map[string]interface{}
		if err := dec.Decode(&rec); err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		records = append(records, rec)
	}
	require.Len(t, records, 2)
	require.Equal(t, "AAPL", records[0]["symbol"])
	require.Equal(t, "MSFT", records[1]["symbol"])
}

func TestPublisher_DropsBatchOnPublishError(t *testing.T) {
	sender := &fakeSender{err: errors.New("broker gone")}
	p, err := NewPublisher(PublisherConfig{Topic: "feeds/trades", BatchSize: 10}, sender, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Add(ctx, models.OutputRecord{"symbol": "AAPL"}))
	require.Error(t, p.Flush(ctx))

	// The batch is gone: clearing the sender error must not resurrect it.
	require.Equal(t, 0, p.Len())
	sender.err = nil
	require.NoError(t, p.Flush(ctx))
	require.Len(t, sender.messages(), 0)

	stats := p.Stats()
	require.Equal(t, int64(1), stats.BatchesDropped)
	require.Equal(t, int64(0), stats.BatchesPublished)
}

func TestPublisher_FlushEmptyIsNoop(t *testing.T) {
	sender := &fakeSender{}
	p, err := NewPublisher(PublisherConfig{Topic: "feeds/trades"}, sender, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, p.Flush(context.Background()))
	require.Len(t, sender.messages(), 0)
}

func TestPublisher_CloseFlushesPending(t *testing.T) {
	sender := &fakeSender{}
	p, err := NewPublisher(PublisherConfig{Topic: "feeds/trades", BatchSize: 100}, sender, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Add(ctx, models.OutputRecord{"symbol": "AAPL"}))
	require.NoError(t, p.Close(ctx))
	require.Len(t, sender.messages(), 1)

	records := decodeGzipJSONL(t, sender.messages()[0].payload)
	require.Len(t, records, 1)
}

func TestPublisher_Stats(t *testing.T) {
	sender := &fakeSender{}
	p, err := NewPublisher(PublisherConfig{Topic: "feeds/trades", BatchSize: 2}, sender, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Add(ctx, models.OutputRecord{"n": 1}))
	require.NoError(t, p.Add(ctx, models.OutputRecord{"n": 2}))
	require.NoError(t, p.Add(ctx, models.OutputRecord{"n": 3}))

	stats := p.Stats()
	require.Equal(t, "feeds/trades", stats.Topic)
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, int64(2), stats.RecordsPublished)
	require.Equal(t, int64(1), stats.BatchesPublished)
	require.Equal(t, int64(0), stats.BatchesDropped)
	require.False(t, stats.LastPublishAt.IsZero())
}

func TestNewPublisher_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  PublisherConfig
	}{
		{"missing topic", PublisherConfig{}},
		{"bad encoding", PublisherConfig{Topic: "t", Encoding: "xml"}},
		{"bad compression", PublisherConfig{Topic: "t", Compression: "lz4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPublisher(tt.cfg, &fakeSender{}, zerolog.Nop())
			require.Error(t, err)
		})
	}
}
