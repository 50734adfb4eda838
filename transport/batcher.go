// Package transport delivers session chunks to websocket clients with
// per-connection batching, connection tracking, and idle reaping.
package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/tokenstream/config"
	"github.com/c360/tokenstream/errors"
	"github.com/c360/tokenstream/metric"
	"github.com/c360/tokenstream/session"
)

// Flush triggers, recorded in stats and metrics.
const (
	FlushTriggerSize       = "size"
	FlushTriggerTimer      = "timer"
	FlushTriggerDisconnect = "disconnect"
	FlushTriggerShutdown   = "shutdown"
)

// Frame encodings.
const (
	EncodingJSON = "json"
	EncodingGzip = "gzip"
)

// BatchFrame is the wire format for a flushed batch. Text frames carry
// it as plain JSON; binary frames carry the same JSON gzipped.
type BatchFrame struct {
	Type      string          `json:"type"` // always "batch"
	Count     int             `json:"count"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Priority  int             `json:"priority,omitempty"`
	Chunks    []session.Chunk `json:"chunks"`
}

// FrameSender writes one encoded frame to a client connection. The
// binary flag selects the websocket message type: binary frames are
// gzip-compressed, text frames are plain JSON.
type FrameSender interface {
	SendFrame(ctx context.Context, clientID string, payload []byte, binary bool) error
}

// connBatch accumulates chunks for one client between flushes.
type connBatch struct {
	chunks []session.Chunk
	timer  *time.Timer

	// generation guards against a stale timer flushing a batch that
	// a size flush already emptied
	generation uint64

	// sendMu serializes extract-and-send for this client. A flush holds
	// it from taking the chunks until the frame is handed to the sender,
	// so concurrent size and timer flushes cannot reorder frames.
	// Acquired before the batcher mutex, never while holding it.
	sendMu sync.Mutex
}

// BatcherOption configures the Batcher.
type BatcherOption func(*Batcher)

// WithBatcherLogger sets the structured logger.
func WithBatcherLogger(logger *slog.Logger) BatcherOption {
	return func(b *Batcher) {
		b.logger = logger
	}
}

// WithBatcherMetrics enables prometheus metrics via the shared core metrics.
func WithBatcherMetrics(m *metric.Metrics) BatcherOption {
	return func(b *Batcher) {
		b.metrics = m
	}
}

// Batcher groups chunks per client and flushes each batch exactly once,
// when it reaches the configured size or when the batch timer fires,
// whichever comes first. Flushes for one client are serialized, so
// frames reach the sender in chunk order even when a timer and a size
// flush race. Disconnect and shutdown flush whatever is pending so no
// chunk is ever dropped by the batching layer.
type Batcher struct {
	size      int
	timeout   time.Duration
	threshold int
	sender    FrameSender

	mu      sync.Mutex
	batches map[string]*connBatch
	closed  bool

	logger  *slog.Logger
	metrics *metric.Metrics
	stats   BatcherStats
}

// BatcherStats counts batching activity. Guarded by the batcher mutex.
type BatcherStats struct {
	ChunksQueued     int64 `json:"chunksQueued"`
	BatchesFlushed   int64 `json:"batchesFlushed"`
	SizeFlushes      int64 `json:"sizeFlushes"`
	TimerFlushes     int64 `json:"timerFlushes"`
	JSONFrames       int64 `json:"jsonFrames"`
	GzipFrames       int64 `json:"gzipFrames"`
	DeliveryFailures int64 `json:"deliveryFailures"`
}

// NewBatcher creates a batcher writing through the given sender.
func NewBatcher(cfg config.TransportConfig, sender FrameSender, options ...BatcherOption) (*Batcher, error) {
	if sender == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Batcher", "New",
			"frame sender is required")
	}
	if cfg.BatchSize <= 0 || cfg.BatchTimeout.Std() <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Batcher", "New",
			"batch size and timeout must be positive")
	}

	b := &Batcher{
		size:      cfg.BatchSize,
		timeout:   cfg.BatchTimeout.Std(),
		threshold: cfg.CompressionThreshold,
		sender:    sender,
		batches:   make(map[string]*connBatch),
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b, nil
}

// Deliver implements session.Sink. The chunk joins the client's pending
// batch; a full batch flushes immediately, otherwise the batch timer
// covers it.
func (b *Batcher) Deliver(ctx context.Context, clientID string, chunk session.Chunk) error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return errors.WrapTransient(errors.ErrShuttingDown, "Batcher", "Deliver",
			"batcher is closed")
	}

	batch, ok := b.batches[clientID]
	if !ok {
		batch = &connBatch{}
		b.batches[clientID] = batch
	}

	batch.chunks = append(batch.chunks, chunk)
	b.stats.ChunksQueued++

	if len(batch.chunks) >= b.size {
		b.mu.Unlock()
		return b.flushBatch(ctx, clientID, batch, FlushTriggerSize)
	}

	// First chunk of a new batch arms the timer
	if len(batch.chunks) == 1 {
		generation := batch.generation
		batch.timer = time.AfterFunc(b.timeout, func() {
			b.timerFlush(clientID, generation)
		})
	}

	b.mu.Unlock()
	return nil
}

// takeLocked empties the batch and disarms its timer. Callers hold the
// batcher mutex. The generation bump invalidates any in-flight timer.
func (b *Batcher) takeLocked(batch *connBatch) []session.Chunk {
	chunks := batch.chunks
	batch.chunks = nil
	batch.generation++
	if batch.timer != nil {
		batch.timer.Stop()
		batch.timer = nil
	}
	return chunks
}

// flushBatch takes and sends a client's pending chunks under the
// client's send mutex. An empty take is a no-op.
func (b *Batcher) flushBatch(ctx context.Context, clientID string, batch *connBatch, trigger string) error {
	batch.sendMu.Lock()
	defer batch.sendMu.Unlock()

	b.mu.Lock()
	chunks := b.takeLocked(batch)
	b.mu.Unlock()

	if len(chunks) == 0 {
		return nil
	}
	return b.flush(ctx, clientID, chunks, trigger)
}

// timerFlush flushes a batch whose timer fired, unless a size flush
// got there first.
func (b *Batcher) timerFlush(clientID string, generation uint64) {
	b.mu.Lock()
	batch, ok := b.batches[clientID]
	if !ok || batch.generation != generation || len(batch.chunks) == 0 {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch.sendMu.Lock()
	defer batch.sendMu.Unlock()

	// Re-check under the send mutex; a size flush may have taken the
	// chunks while the timer waited its turn
	b.mu.Lock()
	if batch.generation != generation || len(batch.chunks) == 0 {
		b.mu.Unlock()
		return
	}
	chunks := b.takeLocked(batch)
	b.mu.Unlock()

	if err := b.flush(ctx, clientID, chunks, FlushTriggerTimer); err != nil {
		b.logger.Warn("timer flush failed", "client", clientID, "error", err)
	}
}

// FlushClient flushes and removes a client's pending batch. Called on
// disconnect so buffered chunks reach the client before the socket
// closes.
func (b *Batcher) FlushClient(ctx context.Context, clientID string) error {
	b.mu.Lock()
	batch, ok := b.batches[clientID]
	if ok {
		delete(b.batches, clientID)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}
	return b.flushBatch(ctx, clientID, batch, FlushTriggerDisconnect)
}

// Close flushes every pending batch and stops accepting chunks.
func (b *Batcher) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	batches := b.batches
	b.batches = make(map[string]*connBatch)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var firstErr error
	for clientID, batch := range batches {
		if err := b.flushBatch(ctx, clientID, batch, FlushTriggerShutdown); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a snapshot of batching statistics.
func (b *Batcher) Stats() BatcherStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// flush encodes and sends one batch. Batches at or above the
// compression threshold go out as gzipped binary frames; smaller
// batches as plain JSON text frames.
func (b *Batcher) flush(ctx context.Context, clientID string, chunks []session.Chunk, trigger string) error {
	priority := 0
	for _, c := range chunks {
		if c.Priority > priority {
			priority = c.Priority
		}
	}

	frame := BatchFrame{
		Type:      "batch",
		Count:     len(chunks),
		Timestamp: time.Now().UnixMilli(),
		Priority:  priority,
		Chunks:    chunks,
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "Batcher", "flush", "marshal batch frame")
	}

	encoding := EncodingJSON
	binary := false
	if b.threshold > 0 && len(payload) >= b.threshold {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(payload); err == nil && gz.Close() == nil {
			payload = buf.Bytes()
			encoding = EncodingGzip
			binary = true
		} else {
			// Fall back to the uncompressed frame
			_ = gz.Close()
		}
	}

	err = b.sender.SendFrame(ctx, clientID, payload, binary)

	// ALWAYS track in stats
	b.mu.Lock()
	b.stats.BatchesFlushed++
	switch trigger {
	case FlushTriggerSize:
		b.stats.SizeFlushes++
	case FlushTriggerTimer:
		b.stats.TimerFlushes++
	}
	if encoding == EncodingGzip {
		b.stats.GzipFrames++
	} else {
		b.stats.JSONFrames++
	}
	if err != nil {
		b.stats.DeliveryFailures++
	}
	b.mu.Unlock()

	// ALSO track in metrics if enabled
	if b.metrics != nil {
		b.metrics.RecordBatchFlushed(trigger, encoding)
	}

	if err != nil {
		return errors.Wrap(err, "Batcher", "flush", "send batch frame")
	}
	return nil
}
