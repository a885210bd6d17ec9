package tsdb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"sl2influxdb/internal/logging"
)

// InfluxConfig holds store connection parameters.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	Logger *slog.Logger
}

// InfluxStore implements Store over the InfluxDB v2 write API. Batching is
// owned by the Writer, not the client, so the blocking write API is used:
// one WritePoints call is one flushed batch.
type InfluxStore struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	delete   api.DeleteAPI
	org      string
	bucket   string
	logger   *slog.Logger
}

// NewInfluxStore creates a store client. No I/O happens here; reachability
// is verified by the coordinator via Ping.
func NewInfluxStore(cfg InfluxConfig) *InfluxStore {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxStore{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		delete:   client.DeleteAPI(),
		org:      cfg.Org,
		bucket:   cfg.Bucket,
		logger:   logging.Default(cfg.Logger).With("component", "tsdb"),
	}
}

// WritePoints writes the points synchronously as one request.
func (s *InfluxStore) WritePoints(ctx context.Context, points []*write.Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write %d points: %w", len(points), err)
	}
	return nil
}

// Ping checks server reachability.
func (s *InfluxStore) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping %s: %w", s.bucket, err)
	}
	if !ok {
		return fmt.Errorf("ping %s: server not ready", s.bucket)
	}
	return nil
}

// Clear deletes every point in the bucket. The epoch-to-now range with an
// empty predicate is the v2 equivalent of dropping the database.
func (s *InfluxStore) Clear(ctx context.Context) error {
	start := time.Unix(0, 0)
	stop := time.Now().Add(24 * time.Hour)
	if err := s.delete.DeleteWithName(ctx, s.org, s.bucket, start, stop, ""); err != nil {
		return fmt.Errorf("clear bucket %s: %w", s.bucket, err)
	}
	s.logger.Warn("target database cleared", "bucket", s.bucket)
	return nil
}

// Close releases the underlying HTTP client.
func (s *InfluxStore) Close() {
	s.client.Close()
}
