package tsdb

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"sl2influxdb/internal/logging"
	"sl2influxdb/internal/spool"
)

// WriterConfig holds batching writer configuration.
type WriterConfig struct {
	Store    Store
	Metadata MetadataSource // optional; nil writes samples without station points
	Queue    *spool.Queue   // durable retry queue; nil means failed batches are dropped

	FlushInterval time.Duration // default 5s
	WriteRetries  int           // write attempts per batch before spooling, default 3
	RetryDelay    time.Duration // delay between attempts, default 2s
	FlushTimeout  time.Duration // per-flush write deadline, default 15s

	Recover      bool // replay the spool on startup instead of discarding it
	DropDatabase bool // clear the target database once, before the first write

	Logger *slog.Logger
}

// Stats is a point-in-time writer health snapshot.
type Stats struct {
	BatchesWritten uint64    `json:"batches_written"`
	BatchesSpooled uint64    `json:"batches_spooled"`
	BatchesDropped uint64    `json:"batches_dropped"`
	SamplesWritten uint64    `json:"samples_written"`
	SpoolPending   int       `json:"spool_pending"`
	LastFlush      time.Time `json:"last_flush"`
}

// Writer accumulates samples into time-bounded batches and flushes them on
// a fixed interval. A batch is mutated only while open; sealing transfers
// ownership to the flush path, which either writes it, spools it, or drops
// it — never ambiguously.
type Writer struct {
	cfg    WriterConfig
	logger *slog.Logger

	// open is touched only by the Run goroutine.
	open spool.Batch

	batchesWritten atomic.Uint64
	batchesSpooled atomic.Uint64
	batchesDropped atomic.Uint64
	samplesWritten atomic.Uint64
	lastFlush      atomic.Int64 // unix nanos
}

// NewWriter creates a batching writer.
func NewWriter(cfg WriterConfig) *Writer {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.WriteRetries == 0 {
		cfg.WriteRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.FlushTimeout == 0 {
		cfg.FlushTimeout = 15 * time.Second
	}
	return &Writer{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "writer"),
	}
}

// Stats returns a snapshot of writer counters.
func (w *Writer) Stats() Stats {
	s := Stats{
		BatchesWritten: w.batchesWritten.Load(),
		BatchesSpooled: w.batchesSpooled.Load(),
		BatchesDropped: w.batchesDropped.Load(),
		SamplesWritten: w.samplesWritten.Load(),
	}
	if w.cfg.Queue != nil {
		s.SpoolPending = w.cfg.Queue.Len()
	}
	if ns := w.lastFlush.Load(); ns != 0 {
		s.LastFlush = time.Unix(0, ns)
	}
	return s
}

// Prepare runs the startup sequence: optional destructive clear, then spool
// recovery or discard. Must complete before Run accepts any sample.
func (w *Writer) Prepare(ctx context.Context) error {
	if w.cfg.DropDatabase {
		if err := w.cfg.Store.Clear(ctx); err != nil {
			return fmt.Errorf("drop database: %w", err)
		}
	}

	if w.cfg.Queue == nil {
		return nil
	}

	if !w.cfg.Recover {
		return w.cfg.Queue.Purge()
	}
	return w.replay(ctx)
}

// replay writes spooled batches in original order before any new batch.
// A failed replay write leaves that batch and everything behind it in the
// spool; the scheduled retry job will drain them once the store recovers.
func (w *Writer) replay(ctx context.Context) error {
	batches, err := w.cfg.Queue.List()
	if err != nil {
		return fmt.Errorf("list spool: %w", err)
	}
	if len(batches) == 0 {
		return nil
	}

	w.logger.Info("replaying spooled batches", "count", len(batches))
	for _, b := range batches {
		if err := w.writeOnce(ctx, b); err != nil {
			w.logger.Warn("replay halted, store not accepting writes",
				"batch", b.ID,
				"remaining", w.cfg.Queue.Len(),
				"error", err)
			return nil
		}
		if err := w.cfg.Queue.Delete(b.ID); err != nil {
			w.logger.Warn("replayed batch not removed from spool", "batch", b.ID, "error", err)
		}
	}
	return nil
}

// Run consumes samples until in is closed, flushing on the interval. The
// orchestrator closes in only after upstream stages have drained, so every
// accepted sample gets a flush attempt. The final flush runs with the same
// bounded deadline as any other.
func (w *Writer) Run(ctx context.Context, in <-chan spool.Sample) error {
	w.open = spool.NewBatch()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case s, ok := <-in:
			if !ok {
				w.flush(ctx)
				return nil
			}
			w.open.Samples = append(w.open.Samples, s)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// flush seals the open batch and hands it to the write path. Flushing an
// empty batch is a no-op.
func (w *Writer) flush(ctx context.Context) {
	if len(w.open.Samples) == 0 {
		return
	}
	sealed := w.open
	w.open = spool.NewBatch()
	w.writeBatch(ctx, sealed)
}

// writeBatch attempts the batch with linear retry. Retryable exhaustion and
// fatal rejections both land the batch in the spool (or drop it when no
// queue is configured) — data outlives a store outage either way.
func (w *Writer) writeBatch(ctx context.Context, b spool.Batch) {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.WriteRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(w.cfg.RetryDelay):
			case <-ctx.Done():
			}
		}

		err := w.writeOnce(ctx, b)
		if err == nil {
			return
		}
		lastErr = err

		if !Retryable(err) {
			w.logger.Error("store rejected batch, not retrying",
				"batch", b.ID,
				"error", err)
			break
		}
		w.logger.Warn("batch write failed",
			"batch", b.ID,
			"attempt", attempt,
			"error", err)
	}

	if w.cfg.Queue != nil {
		if err := w.cfg.Queue.Put(b); err != nil {
			w.logger.Error("failed to spool batch, dropping",
				"batch", b.ID,
				"samples", len(b.Samples),
				"error", err)
			w.batchesDropped.Add(1)
			return
		}
		w.batchesSpooled.Add(1)
		return
	}

	w.logger.Warn("no retry queue configured, dropping batch",
		"batch", b.ID,
		"samples", len(b.Samples),
		"error", lastErr)
	w.batchesDropped.Add(1)
}

// writeOnce performs a single bounded write attempt. The deadline is
// independent of pipeline cancellation so the shutdown flush still gets its
// best-effort chance.
func (w *Writer) writeOnce(ctx context.Context, b spool.Batch) error {
	points := batchPoints(b, w.cfg.Metadata)
	if len(points) == 0 {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FlushTimeout)
	defer cancel()

	if err := w.cfg.Store.WritePoints(writeCtx, points); err != nil {
		return err
	}

	w.batchesWritten.Add(1)
	w.samplesWritten.Add(uint64(len(b.Samples)))
	w.lastFlush.Store(time.Now().UnixNano())
	w.logger.Debug("batch flushed",
		"batch", b.ID,
		"samples", len(b.Samples),
		"points", len(points))
	return nil
}

// RetryPending attempts to drain the spool, oldest first. Called on a
// schedule; stops at the first failure since the store is evidently still
// unhealthy.
func (w *Writer) RetryPending(ctx context.Context) {
	if w.cfg.Queue == nil || w.cfg.Queue.Len() == 0 {
		return
	}

	batches, err := w.cfg.Queue.List()
	if err != nil {
		w.logger.Warn("spool retry: list failed", "error", err)
		return
	}

	for _, b := range batches {
		if err := w.writeOnce(ctx, b); err != nil {
			w.logger.Debug("spool retry: store still failing", "error", err)
			return
		}
		if err := w.cfg.Queue.Delete(b.ID); err != nil {
			w.logger.Warn("spool retry: delete failed", "batch", b.ID, "error", err)
			return
		}
		w.logger.Info("spooled batch recovered", "batch", b.ID, "samples", len(b.Samples))
	}
}
