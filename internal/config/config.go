// Package config builds the immutable process configuration.
//
// The Ingest struct is constructed once in main() from flags and
// environment fallbacks, validated before any connection attempt, and
// passed by reference to every component. No component re-reads raw
// environment state after startup.
package config

import (
	"errors"
	"fmt"
	"time"

	"sl2influxdb/internal/stream"
)

// Validation failure sentinels. All of them fail fast before any network I/O.
var (
	ErrMissingSeedLink = errors.New("seedlink server address is required")
	ErrMissingDatabase = errors.New("database name is required")
	ErrMissingStreams  = errors.New("stream filter list is required")
	ErrBadInterval     = errors.New("flush interval must be positive")
	ErrBadKeep         = errors.New("keep must not be negative")
)

// Ingest is the process-wide configuration, read-only after Load.
type Ingest struct {
	SeedLinkAddr string // host:port of the SeedLink server
	FDSNAddr     string // base URL of the FDSN station service; empty disables metadata
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	Database     string // target bucket

	Filters       []stream.Filter
	FlushInterval time.Duration
	Keep          int  // retry-queue bound in batches; 0 disables spooling
	Recover       bool // replay the spool on startup
	DropDatabase  bool // clear the target database before the first write

	SpoolDir     string
	HealthAddr   string        // health/status HTTP listen address; empty disables
	ResampleRate float64       // decimation target in Hz; 0 disables
	MaxLatency   time.Duration // drop packets older than this; 0 disables
}

// Raw carries the unvalidated option values exactly as the CLI collected
// them. Load turns Raw into a validated Ingest.
type Raw struct {
	SeedLinkAddr string
	FDSNAddr     string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	Database     string

	Streams       string // encoded form [(NET,STA,CHA,LOC), ...]
	FlushInterval time.Duration
	Keep          int
	Recover       bool
	DropDatabase  bool

	SpoolDir     string
	HealthAddr   string
	ResampleRate float64
	MaxLatency   time.Duration
}

// Load validates raw option values and compiles the stream filters.
// Any error returned here is a configuration error: the process must exit
// without attempting a connection.
func Load(raw Raw) (*Ingest, error) {
	if raw.SeedLinkAddr == "" {
		return nil, ErrMissingSeedLink
	}
	if raw.Database == "" {
		return nil, ErrMissingDatabase
	}
	if raw.Streams == "" {
		return nil, ErrMissingStreams
	}
	if raw.FlushInterval <= 0 {
		return nil, ErrBadInterval
	}
	if raw.Keep < 0 {
		return nil, ErrBadKeep
	}

	filters, err := stream.ParseFilters(raw.Streams)
	if err != nil {
		return nil, fmt.Errorf("stream filters: %w", err)
	}

	return &Ingest{
		SeedLinkAddr:  raw.SeedLinkAddr,
		FDSNAddr:      raw.FDSNAddr,
		InfluxURL:     raw.InfluxURL,
		InfluxToken:   raw.InfluxToken,
		InfluxOrg:     raw.InfluxOrg,
		Database:      raw.Database,
		Filters:       filters,
		FlushInterval: raw.FlushInterval,
		Keep:          raw.Keep,
		Recover:       raw.Recover,
		DropDatabase:  raw.DropDatabase,
		SpoolDir:      raw.SpoolDir,
		HealthAddr:    raw.HealthAddr,
		ResampleRate:  raw.ResampleRate,
		MaxLatency:    raw.MaxLatency,
	}, nil
}
