// Package orchestrator owns the ingestion pipeline lifecycle: it wires the
// stream client, record decoder, and batching writer together over bounded
// channels, supervises failures, and exposes process-wide health.
package orchestrator

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"sl2influxdb/internal/config"
	"sl2influxdb/internal/fdsn"
	"sl2influxdb/internal/logging"
	"sl2influxdb/internal/spool"
	"sl2influxdb/internal/stream"
	"sl2influxdb/internal/tsdb"
)

// ErrStoreUnreachable is fatal: the store did not answer within the startup
// ping budget.
var ErrStoreUnreachable = errors.New("time-series store unreachable")

// Config holds orchestrator construction parameters. Store and Queue are
// injectable for tests; when nil they are built from Ingest.
type Config struct {
	Ingest *config.Ingest
	Logger *slog.Logger

	Store tsdb.Store   // optional override
	Queue *spool.Queue // optional override

	PacketBuffer int // packet channel capacity, default 256
	SampleBuffer int // sample channel capacity, default 4096

	PingRetries int           // store reachability attempts at startup, default 5
	PingDelay   time.Duration // delay between ping attempts, default 5s
}

// Health is a point-in-time snapshot of the whole pipeline.
type Health struct {
	State        string     `json:"state"` // starting, running, stopped
	Started      time.Time  `json:"started,omitzero"`
	Packets      uint64     `json:"packets"`
	SequenceGaps uint64     `json:"sequence_gaps"`
	DecodeErrors uint64     `json:"decode_errors"`
	Filtered     uint64     `json:"filtered"`
	Stale        uint64     `json:"stale"`
	Writer       tsdb.Stats `json:"writer"`
	Jobs         []JobInfo  `json:"jobs"`
}

// Orchestrator supervises the pipeline: one task per component, message
// passing over bounded channels, no shared mutable state between stages.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	client   *stream.Client
	resolver *fdsn.Resolver // nil when no metadata service is configured
	writer   *tsdb.Writer
	store    tsdb.Store
	queue    *spool.Queue
	sched    *Scheduler
	gate     *stream.LatencyGate

	state        atomic.Int32 // 0 starting, 1 running, 2 stopped
	started      atomic.Int64 // unix nanos
	decodeErrors atomic.Uint64
	filtered     atomic.Uint64
	stale        atomic.Uint64
}

const (
	stateStarting int32 = iota
	stateRunning
	stateStopped
)

// New builds the pipeline from configuration. No I/O happens here; Run
// performs the startup sequence.
func New(cfg Config) (*Orchestrator, error) {
	logger := logging.Default(cfg.Logger)

	if cfg.PacketBuffer == 0 {
		cfg.PacketBuffer = 256
	}
	if cfg.SampleBuffer == 0 {
		cfg.SampleBuffer = 4096
	}
	if cfg.PingRetries == 0 {
		cfg.PingRetries = 5
	}
	if cfg.PingDelay == 0 {
		cfg.PingDelay = 5 * time.Second
	}

	ing := cfg.Ingest

	store := cfg.Store
	if store == nil {
		store = tsdb.NewInfluxStore(tsdb.InfluxConfig{
			URL:    ing.InfluxURL,
			Token:  ing.InfluxToken,
			Org:    ing.InfluxOrg,
			Bucket: ing.Database,
			Logger: logger,
		})
	}

	queue := cfg.Queue
	if queue == nil && ing.Keep > 0 {
		var err error
		queue, err = spool.Open(ing.SpoolDir, ing.Keep, logger)
		if err != nil {
			return nil, err
		}
	}

	var resolver *fdsn.Resolver
	if ing.FDSNAddr != "" {
		resolver = fdsn.NewResolver(fdsn.Config{
			Addr:   ing.FDSNAddr,
			Logger: logger,
		})
	}

	var meta tsdb.MetadataSource
	if resolver != nil {
		meta = resolver
	}
	writer := tsdb.NewWriter(tsdb.WriterConfig{
		Store:         store,
		Metadata:      meta,
		Queue:         queue,
		FlushInterval: ing.FlushInterval,
		Recover:       ing.Recover,
		DropDatabase:  ing.DropDatabase,
		Logger:        logger,
	})

	client := stream.NewClient(stream.ClientConfig{
		Addr:    ing.SeedLinkAddr,
		Filters: ing.Filters,
		Logger:  logger,
	})

	sched, err := newScheduler(logger.With("component", "scheduler"))
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:      cfg,
		logger:   logger.With("component", "orchestrator"),
		client:   client,
		resolver: resolver,
		writer:   writer,
		store:    store,
		queue:    queue,
		sched:    sched,
		gate:     stream.NewLatencyGate(ing.MaxLatency, logger),
	}, nil
}

// Health returns the current pipeline snapshot.
func (o *Orchestrator) Health() Health {
	h := Health{
		Packets:      o.client.Packets(),
		SequenceGaps: o.client.Gaps(),
		DecodeErrors: o.decodeErrors.Load(),
		Filtered:     o.filtered.Load(),
		Stale:        o.stale.Load(),
		Writer:       o.writer.Stats(),
		Jobs:         o.sched.ListJobs(),
	}
	switch o.state.Load() {
	case stateRunning:
		h.State = "running"
	case stateStopped:
		h.State = "stopped"
	default:
		h.State = "starting"
	}
	if ns := o.started.Load(); ns != 0 {
		h.Started = time.Unix(0, ns)
	}
	return h
}

// Running reports whether the pipeline is in steady state.
func (o *Orchestrator) Running() bool {
	return o.state.Load() == stateRunning
}
