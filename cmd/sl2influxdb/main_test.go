package main

import (
	"errors"
	"fmt"
	"testing"

	"sl2influxdb/internal/orchestrator"
	"sl2influxdb/internal/stream"
)

func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"clean shutdown", nil, exitInterrupted},
		{"store unreachable", orchestrator.ErrStoreUnreachable, exitStore},
		{"wrapped store unreachable", fmt.Errorf("startup: %w", orchestrator.ErrStoreUnreachable), exitStore},
		{"stream unavailable", stream.ErrStreamUnavailable, exitStream},
		{"wrapped stream unavailable", fmt.Errorf("pipeline: %w", stream.ErrStreamUnavailable), exitStream},
		{"anything else", errors.New("spool: disk full"), exitSpool},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCodeFor(tt.err); got != tt.want {
				t.Errorf("exitCodeFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
