package stream

import (
	"log/slog"
	"time"

	"sl2influxdb/internal/logging"
)

// LatencyGate drops traces whose data ends further in the past than a
// configured threshold. A feed that falls behind (station offline, server
// backlog replay) would otherwise pollute the store with stale points.
//
// Transitions are logged once per channel in each direction, so a channel
// going quiet produces one "trace disabled" line instead of a line per
// packet.
type LatencyGate struct {
	max    time.Duration
	logger *slog.Logger

	// enabled tracks the last logged state per channel; only the decode
	// loop touches it, so no locking.
	enabled map[string]bool
}

// NewLatencyGate creates a gate. A zero max disables the gate entirely.
func NewLatencyGate(max time.Duration, logger *slog.Logger) *LatencyGate {
	return &LatencyGate{
		max:     max,
		logger:  logging.Default(logger).With("component", "latency-gate"),
		enabled: make(map[string]bool),
	}
}

// Admit reports whether data for channelID ending at endTime is fresh
// enough to pass.
func (g *LatencyGate) Admit(channelID string, endTime time.Time) bool {
	if g.max == 0 {
		return true
	}

	latency := time.Since(endTime)
	fresh := latency <= g.max

	was, seen := g.enabled[channelID]
	if !seen || was != fresh {
		g.enabled[channelID] = fresh
		if fresh {
			g.logger.Info("trace enabled",
				"channel", channelID,
				"latency", latency.Round(time.Second),
				"max", g.max)
		} else {
			g.logger.Info("trace disabled until latency recovers",
				"channel", channelID,
				"latency", latency.Round(time.Second),
				"max", g.max)
		}
	}

	return fresh
}
