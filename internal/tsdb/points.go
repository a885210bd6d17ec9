package tsdb

import (
	"strings"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"sl2influxdb/internal/fdsn"
	"sl2influxdb/internal/spool"
)

// MetadataSource resolves channel ids to station metadata without blocking.
// *fdsn.Resolver is the production implementation.
type MetadataSource interface {
	Resolve(channelID string) (fdsn.Metadata, fdsn.State)
}

// batchPoints converts a sealed batch into store points. Every sample
// becomes a seismogram point regardless of metadata state; channels whose
// metadata is resolved additionally get one station point per batch.
// Unresolved channels are never dropped and never block the flush — their
// station point simply appears in a later batch once resolution completes.
func batchPoints(b spool.Batch, meta MetadataSource) []*write.Point {
	points := make([]*write.Point, 0, len(b.Samples))
	lastSeen := make(map[string]spool.Sample)

	for _, s := range b.Samples {
		parts := strings.SplitN(s.Channel, ".", 4)
		if len(parts) != 4 {
			continue
		}
		p := write.NewPoint(
			"seismogram",
			map[string]string{
				"channel":  s.Channel,
				"network":  parts[0],
				"station":  parts[1],
				"location": parts[2],
				"code":     parts[3],
			},
			map[string]any{
				"count": s.Value,
				"seq":   int64(s.Seq),
			},
			s.Time,
		)
		points = append(points, p)
		lastSeen[s.Channel] = s
	}

	if meta == nil {
		return points
	}

	for channel, s := range lastSeen {
		md, state := meta.Resolve(channel)
		if state != fdsn.Resolved {
			continue
		}
		points = append(points, write.NewPoint(
			"station",
			map[string]string{"channel": channel},
			map[string]any{
				"latitude":    md.Latitude,
				"longitude":   md.Longitude,
				"elevation":   md.Elevation,
				"sample_rate": md.SampleRate,
			},
			s.Time,
		))
	}

	return points
}
