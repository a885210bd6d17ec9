package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"sl2influxdb/internal/mseed"
	"sl2influxdb/internal/spool"
	"sl2influxdb/internal/stream"
)

// Run executes the full lifecycle and blocks until shutdown or a fatal
// failure. Startup ordering: verify store reachability, optional
// drop-database, spool recovery, then the pipeline tasks. Shutdown (context
// cancellation) cascades through the stages by channel close: the client
// exits first, the decode loop drains remaining packets, and the writer
// drains remaining samples and performs a final bounded flush.
//
// The returned error is nil on clean shutdown; otherwise it wraps one of
// the fatal classes (ErrStoreUnreachable, stream.ErrStreamUnavailable) for
// the caller to map to an exit status.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.pingStore(ctx); err != nil {
		return err
	}

	// Destructive clear and spool recovery/purge happen strictly before the
	// first new sample is accepted.
	if err := o.writer.Prepare(ctx); err != nil {
		return fmt.Errorf("writer startup: %w", err)
	}

	if o.resolver != nil {
		o.resolver.Start(ctx)
		if err := o.sched.AddEvery("metadata-sweep", 10*time.Minute, o.resolver.Sweep); err != nil {
			return err
		}
	}
	if o.queue != nil {
		if err := o.sched.AddEvery("spool-retry", 30*time.Second, func() {
			o.writer.RetryPending(ctx)
		}); err != nil {
			return err
		}
	}
	o.sched.Start()
	defer func() {
		_ = o.sched.Stop()
		o.store.Close()
		o.state.Store(stateStopped)
	}()

	packetCh := make(chan stream.Packet, o.cfg.PacketBuffer)
	sampleCh := make(chan spool.Sample, o.cfg.SampleBuffer)

	o.state.Store(stateRunning)
	o.started.Store(time.Now().UnixNano())
	o.logger.Info("pipeline started",
		"seedlink", o.cfg.Ingest.SeedLinkAddr,
		"database", o.cfg.Ingest.Database,
		"filters", len(o.cfg.Ingest.Filters),
		"flush_interval", o.cfg.Ingest.FlushInterval)

	g, gctx := errgroup.WithContext(ctx)

	// Stage 1: stream client. Closing packetCh on exit lets the decode loop
	// drain and finish.
	g.Go(func() error {
		defer close(packetCh)
		return o.client.Run(gctx, packetCh)
	})

	// Stage 2: decode loop.
	g.Go(func() error {
		defer close(sampleCh)
		o.decodeLoop(gctx, packetCh, sampleCh)
		return nil
	})

	// Stage 3: batching writer.
	g.Go(func() error {
		return o.writer.Run(gctx, sampleCh)
	})

	err := g.Wait()
	o.logger.Info("pipeline stopped")
	return err
}

// pingStore verifies store reachability with a bounded retry budget.
func (o *Orchestrator) pingStore(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.PingRetries; attempt++ {
		if err := o.store.Ping(ctx); err == nil {
			o.logger.Info("store reachable", "attempt", attempt)
			return nil
		} else {
			lastErr = err
			o.logger.Warn("store ping failed",
				"attempt", attempt,
				"of", o.cfg.PingRetries,
				"error", err)
		}

		select {
		case <-time.After(o.cfg.PingDelay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrStoreUnreachable, ctx.Err())
		}
	}
	return fmt.Errorf("%w: %w", ErrStoreUnreachable, lastErr)
}

// decodeLoop converts raw packets to samples. Decode failures are logged
// and dropped, never fatal: a live sensor feed is expected to contain some
// garbage. The send into sampleCh is the pipeline's backpressure point.
func (o *Orchestrator) decodeLoop(ctx context.Context, in <-chan stream.Packet, out chan<- spool.Sample) {
	ing := o.cfg.Ingest

	for pkt := range in {
		trace, err := mseed.Decode(pkt.Payload)
		if err != nil {
			o.decodeErrors.Add(1)
			o.logger.Warn("record dropped", "seq", pkt.Seq, "error", err)
			continue
		}

		channelID := trace.ChannelID()

		// Server-side subscription is coarse; the compiled filters are the
		// source of truth.
		if !stream.MatchAny(ing.Filters, channelID) {
			o.filtered.Add(1)
			continue
		}

		if !o.gate.Admit(channelID, trace.End()) {
			o.stale.Add(1)
			continue
		}

		if ing.ResampleRate > 0 {
			trace.Resample(ing.ResampleRate)
		}

		for i, v := range trace.Values {
			s := spool.Sample{
				Channel: channelID,
				Time:    trace.SampleTime(i),
				Value:   v,
				Seq:     pkt.Seq,
			}
			select {
			case out <- s:
			case <-ctx.Done():
				// Cancelled mid-record: keep draining packets so the client
				// goroutine can exit, but stop forwarding samples.
				for range in {
				}
				return
			}
		}
	}
}
