package config

import (
	"errors"
	"testing"
	"time"
)

func validRaw() Raw {
	return Raw{
		SeedLinkAddr:  "rtserver.example.org:18000",
		Database:      "seismic",
		Streams:       "[(AM,R0E05,SH.*,00)]",
		FlushInterval: 5 * time.Second,
		Keep:          10,
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load(validRaw())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SeedLinkAddr != "rtserver.example.org:18000" {
		t.Errorf("addr: got %q", cfg.SeedLinkAddr)
	}
	if len(cfg.Filters) != 1 {
		t.Fatalf("filters: got %d, want 1", len(cfg.Filters))
	}
	if !cfg.Filters[0].MatchID("AM.R0E05.00.SHZ") {
		t.Error("compiled filter does not match its own stream")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name   string
		mangle func(*Raw)
		want   error
	}{
		{"missing seedlink", func(r *Raw) { r.SeedLinkAddr = "" }, ErrMissingSeedLink},
		{"missing database", func(r *Raw) { r.Database = "" }, ErrMissingDatabase},
		{"missing streams", func(r *Raw) { r.Streams = "" }, ErrMissingStreams},
		{"zero interval", func(r *Raw) { r.FlushInterval = 0 }, ErrBadInterval},
		{"negative interval", func(r *Raw) { r.FlushInterval = -time.Second }, ErrBadInterval},
		{"negative keep", func(r *Raw) { r.Keep = -1 }, ErrBadKeep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw()
			tt.mangle(&raw)
			if _, err := Load(raw); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadBadFilterSyntax(t *testing.T) {
	raw := validRaw()
	raw.Streams = "[(AM,R0E05,SH[Z],00)]"
	if _, err := Load(raw); err == nil {
		t.Error("expected a filter syntax error")
	}
}

func TestLoadOptionalFeatures(t *testing.T) {
	raw := validRaw()
	raw.Keep = 0
	raw.FDSNAddr = ""
	raw.MaxLatency = 0

	cfg, err := Load(raw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Keep != 0 || cfg.FDSNAddr != "" || cfg.MaxLatency != 0 {
		t.Errorf("optional features not preserved: %+v", cfg)
	}
}
