package tsdb

import (
	"errors"
	"testing"
	"time"

	"sl2influxdb/internal/fdsn"
	"sl2influxdb/internal/spool"
)

// fakeMetadata returns a fixed state per channel id.
type fakeMetadata struct {
	states map[string]fdsn.State
	md     fdsn.Metadata
}

func (f *fakeMetadata) Resolve(channelID string) (fdsn.Metadata, fdsn.State) {
	state, ok := f.states[channelID]
	if !ok {
		return fdsn.Metadata{}, fdsn.Pending
	}
	if state != fdsn.Resolved {
		return fdsn.Metadata{}, state
	}
	return f.md, fdsn.Resolved
}

func TestBatchPointsSeismogram(t *testing.T) {
	b := spool.NewBatch()
	ts := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	b.Samples = append(b.Samples,
		spool.Sample{Channel: "AM.R0E05.00.SHZ", Time: ts, Value: 123.5, Seq: 9},
		spool.Sample{Channel: "AM.R0E05.00.SHZ", Time: ts.Add(10 * time.Millisecond), Value: 124, Seq: 9},
	)

	points := batchPoints(b, nil)
	if len(points) != 2 {
		t.Fatalf("points: got %d, want 2", len(points))
	}

	p := points[0]
	if p.Name() != "seismogram" {
		t.Errorf("measurement: got %q", p.Name())
	}

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	want := map[string]string{
		"channel":  "AM.R0E05.00.SHZ",
		"network":  "AM",
		"station":  "R0E05",
		"location": "00",
		"code":     "SHZ",
	}
	for k, v := range want {
		if tags[k] != v {
			t.Errorf("tag %s: got %q, want %q", k, tags[k], v)
		}
	}

	fields := map[string]any{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	if fields["count"] != 123.5 {
		t.Errorf("count field: got %v", fields["count"])
	}
	if fields["seq"] != int64(9) {
		t.Errorf("seq field: got %v", fields["seq"])
	}
	if !p.Time().Equal(ts) {
		t.Errorf("time: got %v", p.Time())
	}
}

func TestBatchPointsStationMetadata(t *testing.T) {
	meta := &fakeMetadata{
		states: map[string]fdsn.State{
			"AM.R0E05.00.SHZ": fdsn.Resolved,
			"AM.R0E05.00.SHN": fdsn.Pending,
			"XX.NOPE..BHZ":    fdsn.Unresolvable,
		},
		md: fdsn.Metadata{Latitude: 48.858, Longitude: 2.294, Elevation: 35, SampleRate: 100},
	}

	b := spool.NewBatch()
	ts := time.Now()
	b.Samples = append(b.Samples,
		spool.Sample{Channel: "AM.R0E05.00.SHZ", Time: ts, Value: 1},
		spool.Sample{Channel: "AM.R0E05.00.SHZ", Time: ts, Value: 2},
		spool.Sample{Channel: "AM.R0E05.00.SHN", Time: ts, Value: 3},
		spool.Sample{Channel: "XX.NOPE..BHZ", Time: ts, Value: 4},
	)

	points := batchPoints(b, meta)

	var stations, seismograms int
	for _, p := range points {
		switch p.Name() {
		case "station":
			stations++
			fields := map[string]any{}
			for _, f := range p.FieldList() {
				fields[f.Key] = f.Value
			}
			if fields["latitude"] != 48.858 || fields["sample_rate"] != 100.0 {
				t.Errorf("station fields: %v", fields)
			}
		case "seismogram":
			seismograms++
		}
	}

	// Every sample flows through regardless of metadata state; only the
	// resolved channel gets a station point, and only one per batch.
	if seismograms != 4 {
		t.Errorf("seismogram points: got %d, want 4", seismograms)
	}
	if stations != 1 {
		t.Errorf("station points: got %d, want 1", stations)
	}
}

func TestBatchPointsSkipsMalformedChannel(t *testing.T) {
	b := spool.NewBatch()
	b.Samples = append(b.Samples,
		spool.Sample{Channel: "not-a-channel", Time: time.Now(), Value: 1},
		spool.Sample{Channel: "AM.R0E05.00.SHZ", Time: time.Now(), Value: 2},
	)

	points := batchPoints(b, nil)
	if len(points) != 1 {
		t.Errorf("points: got %d, want 1", len(points))
	}
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", retryableErr(), true},
		{"unauthorized", fatalErr(), false},
		{"unclassified", errors.New("connection refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
