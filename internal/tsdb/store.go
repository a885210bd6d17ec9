// Package tsdb contains the write side of the pipeline: the time-series
// store client and the batching writer that feeds it.
package tsdb

import (
	"context"
	"errors"
	"net"

	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Store is the write surface of the time-series database. InfluxStore is
// the production implementation; tests substitute fakes.
type Store interface {
	// WritePoints writes one sealed batch worth of points as a unit.
	WritePoints(ctx context.Context, points []*write.Point) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Clear destructively removes all data from the target database.
	// Issued at most once, strictly before the first write.
	Clear(ctx context.Context) error

	Close()
}

// Retryable classifies a write error. Network failures, timeouts, and
// server-side errors are worth retrying; auth and schema rejections are not
// going to succeed on a second attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *influxhttp.Error
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 429 || httpErr.StatusCode == 408:
			return true
		case httpErr.StatusCode >= 500:
			return true
		default:
			// 4xx: auth, bucket/org not found, malformed points.
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unclassified errors (connection refused, DNS, EOF) are assumed transient.
	return true
}
