// Command sl2influxdb runs the SeedLink to InfluxDB ingestion sidecar.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
//
// Exit codes map fatal failure classes for the surrounding orchestration:
//
//	1  configuration error (malformed filters, missing address)
//	2  store unreachable past the startup retry budget
//	3  stream unavailable past the reconnect ceiling
//	4  spool open or recovery failure
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sl2influxdb/internal/config"
	"sl2influxdb/internal/orchestrator"
	"sl2influxdb/internal/server"
	"sl2influxdb/internal/stream"
)

var version = "dev"

const (
	exitConfig      = 1
	exitStore       = 2
	exitStream      = 3
	exitSpool       = 4
	exitInterrupted = 0
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	rootCmd := &cobra.Command{
		Use:   "sl2influxdb",
		Short: "SeedLink to InfluxDB ingestion sidecar",
	}

	var raw config.Raw
	var flushSeconds int

	// The exit status is decided inside RunE but issued only after Execute
	// returns, so deferred cleanup along the way still runs.
	exitCode := 0

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the ingester",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			raw.FlushInterval = time.Duration(flushSeconds) * time.Second

			cfg, err := config.Load(raw)
			if err != nil {
				logger.Error("configuration error", "error", err)
				exitCode = exitConfig
				return nil
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			exitCode = run(ctx, logger, cfg)
			return nil
		},
	}

	fl := runCmd.Flags()
	fl.StringVar(&raw.SeedLinkAddr, "seedlink", envOr("SEEDLINK_SERVER", ""), "SeedLink server host:port")
	fl.StringVar(&raw.FDSNAddr, "fdsn", envOr("FDSN_SERVER", ""), "FDSN station service base URL (empty disables metadata)")
	fl.StringVar(&raw.InfluxURL, "influx-url", envOr("INFLUX_URL", "http://localhost:8086"), "InfluxDB base URL")
	fl.StringVar(&raw.InfluxToken, "influx-token", envOr("INFLUX_TOKEN", ""), "InfluxDB auth token")
	fl.StringVar(&raw.InfluxOrg, "influx-org", envOr("INFLUX_ORG", ""), "InfluxDB organization")
	fl.StringVar(&raw.Database, "db", envOr("DB_NAME", ""), "target database (bucket) name")
	fl.StringVar(&raw.Streams, "streams", envOr("STREAMS", ""), "stream filters, e.g. [(AM,R0E05,SH.*,00), (FR,.*,(HHZ|EHZ),.*)]")
	fl.IntVar(&flushSeconds, "flush-interval", envInt("FLUSH_INTERVAL", 5), "flush interval in seconds")
	fl.IntVar(&raw.Keep, "keep", envInt("KEEP", 10), "max pending batches in the retry queue (0 disables spooling)")
	fl.BoolVar(&raw.Recover, "recover", envBool("RECOVER", true), "replay persisted batches on startup")
	fl.BoolVar(&raw.DropDatabase, "drop-db", envBool("DROPDB", false), "clear the target database before the first write")
	fl.StringVar(&raw.SpoolDir, "spool-dir", envOr("SPOOL_DIR", "/var/lib/sl2influxdb/spool"), "retry queue directory")
	fl.StringVar(&raw.HealthAddr, "health-addr", envOr("HEALTH_ADDR", ":8089"), "health endpoint listen address (empty disables)")
	fl.Float64Var(&raw.ResampleRate, "resample", envFloat("RESAMPLE_RATE", 10), "decimation target in Hz (0 disables)")
	fl.DurationVar(&raw.MaxLatency, "max-latency", envDuration("MAX_LATENCY", 30*time.Minute), "drop packets older than this (0 disables)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitConfig)
	}
	os.Exit(exitCode)
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Ingest) int {
	orch, err := orchestrator.New(orchestrator.Config{
		Ingest: cfg,
		Logger: logger,
	})
	if err != nil {
		logger.Error("startup failed", "error", err)
		return exitSpool
	}

	// Health endpoint runs beside the pipeline, not inside it: probes must
	// answer during startup and draining too.
	var srv *server.Server
	var srvWg sync.WaitGroup
	if cfg.HealthAddr != "" {
		srv = server.New(orch, cfg.HealthAddr, logger)
		srvWg.Add(1)
		go func() {
			defer srvWg.Done()
			if err := srv.Serve(); err != nil {
				logger.Error("health server error", "error", err)
			}
		}()
	}

	err = orch.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if stopErr := srv.Stop(shutdownCtx); stopErr != nil {
			logger.Warn("health server stop error", "error", stopErr)
		}
		cancel()
		srvWg.Wait()
	}

	code := exitCodeFor(err)
	switch code {
	case exitInterrupted:
		logger.Info("shutdown complete")
	case exitStore:
		logger.Error("store unreachable", "error", err)
	case exitStream:
		logger.Error("stream unavailable", "error", err)
	default:
		logger.Error("pipeline failed", "error", err)
	}
	return code
}

// exitCodeFor maps a pipeline outcome to the documented exit status.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitInterrupted
	case errors.Is(err, orchestrator.ErrStoreUnreachable):
		return exitStore
	case errors.Is(err, stream.ErrStreamUnavailable):
		return exitStream
	default:
		return exitSpool
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
