package orchestrator

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"sl2influxdb/internal/config"
	"sl2influxdb/internal/logging"
	"sl2influxdb/internal/spool"
)

// fakeStore collects written points and optionally refuses pings.
type fakeStore struct {
	mu      sync.Mutex
	points  []*write.Point
	pingErr error
	cleared bool
}

func (f *fakeStore) WritePoints(ctx context.Context, points []*write.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, points...)
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	return nil
}

func (f *fakeStore) Close() {}

func (f *fakeStore) pointCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

// buildRecord assembles a minimal int16-encoded miniSEED record.
func buildRecord(station, channel string, samples []int16) []byte {
	rec := make([]byte, 512)
	be := binary.BigEndian

	copy(rec[0:6], "000001")
	rec[6] = 'D'
	copy(rec[8:13], station)
	copy(rec[13:15], "00")
	copy(rec[15:18], channel)
	copy(rec[18:20], "AM")

	be.PutUint16(rec[20:22], 2024)
	be.PutUint16(rec[22:24], 100)
	rec[24], rec[25], rec[26] = 6, 30, 0
	rec[36] = 0x02

	be.PutUint16(rec[30:32], uint16(len(samples)))
	be.PutUint16(rec[32:34], 100) // 100 Hz
	be.PutUint16(rec[34:36], 1)
	be.PutUint16(rec[44:46], 64)
	be.PutUint16(rec[46:48], 48)

	be.PutUint16(rec[48:50], 1000)
	rec[52] = 1 // int16 encoding
	rec[54] = 9

	for i, s := range samples {
		be.PutUint16(rec[64+i*2:], uint16(s))
	}
	return rec
}

// startSeedLink serves the handshake and then streams records, holding the
// connection open afterwards.
func startSeedLink(t *testing.T, records [][]byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				rd := bufio.NewReader(conn)
				for {
					line, err := rd.ReadString('\n')
					if err != nil {
						return
					}
					switch cmd := strings.TrimSpace(line); {
					case cmd == "HELLO":
						fmt.Fprintf(conn, "SeedLink v3.1 (fake)\r\ntest\r\n")
					case cmd == "END":
						for i, rec := range records {
							fmt.Fprintf(conn, "SL%06X", i+1)
							conn.Write(rec)
						}
						// Hold the stream open so the client doesn't reconnect.
						rd.ReadString('\n')
						return
					default:
						fmt.Fprintf(conn, "OK\r\n")
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func testIngest(t *testing.T, addr string) *config.Ingest {
	t.Helper()
	cfg, err := config.Load(config.Raw{
		SeedLinkAddr:  addr,
		Database:      "seismic",
		Streams:       "[(AM,R0E05,SH.*,00)]",
		FlushInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func TestPipelineEndToEnd(t *testing.T) {
	matching := buildRecord("R0E05", "SHZ", []int16{10, 20, 30})
	filtered := buildRecord("OTHER", "BHZ", []int16{1, 2})
	addr := startSeedLink(t, [][]byte{matching, filtered})

	store := &fakeStore{}
	orch, err := New(Config{
		Ingest:      testIngest(t, addr),
		Store:       store,
		Logger:      logging.Discard(),
		PingRetries: 1,
		PingDelay:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for store.pointCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if store.pointCount() < 3 {
		t.Fatalf("points written: got %d, want 3", store.pointCount())
	}

	if !orch.Running() {
		t.Error("pipeline should report running")
	}

	h := orch.Health()
	if h.State != "running" {
		t.Errorf("state: got %q", h.State)
	}
	if h.Packets < 2 {
		t.Errorf("packets: got %d, want >= 2", h.Packets)
	}
	if h.Filtered == 0 {
		t.Error("the non-matching record should have been filtered")
	}
	if h.Writer.SamplesWritten != 3 {
		t.Errorf("samples written: got %d, want 3", h.Writer.SamplesWritten)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown timed out")
	}

	if orch.Running() {
		t.Error("pipeline should report stopped")
	}
	if orch.Health().State != "stopped" {
		t.Errorf("state after shutdown: %q", orch.Health().State)
	}
}

func TestPipelineCountsDecodeErrors(t *testing.T) {
	garbage := make([]byte, 512) // zeroed record fails the quality check
	good := buildRecord("R0E05", "SHZ", []int16{5})
	addr := startSeedLink(t, [][]byte{garbage, good})

	store := &fakeStore{}
	orch, err := New(Config{
		Ingest:      testIngest(t, addr),
		Store:       store,
		Logger:      logging.Discard(),
		PingRetries: 1,
		PingDelay:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for store.pointCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if store.pointCount() == 0 {
		t.Fatal("good record never made it through")
	}
	if orch.Health().DecodeErrors == 0 {
		t.Error("garbage record should have counted as a decode error")
	}

	cancel()
	<-done
}

func TestRunFailsWhenStoreUnreachable(t *testing.T) {
	addr := startSeedLink(t, nil)

	store := &fakeStore{pingErr: errors.New("connection refused")}
	orch, err := New(Config{
		Ingest:      testIngest(t, addr),
		Store:       store,
		Logger:      logging.Discard(),
		PingRetries: 2,
		PingDelay:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = orch.Run(context.Background())
	if !errors.Is(err, ErrStoreUnreachable) {
		t.Fatalf("got %v, want ErrStoreUnreachable", err)
	}
}

func TestDropDatabaseClearsOnStartup(t *testing.T) {
	addr := startSeedLink(t, nil)

	ing := testIngest(t, addr)
	ing.DropDatabase = true

	store := &fakeStore{}
	orch, err := New(Config{
		Ingest:      ing,
		Store:       store,
		Logger:      logging.Discard(),
		PingRetries: 1,
		PingDelay:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !orch.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	store.mu.Lock()
	defer store.mu.Unlock()
	if !store.cleared {
		t.Error("DropDatabase never issued a clear")
	}
}

func TestSchedulerJobs(t *testing.T) {
	s, err := newScheduler(logging.Discard())
	if err != nil {
		t.Fatalf("newScheduler: %v", err)
	}
	defer s.Stop()

	var ran sync.WaitGroup
	ran.Add(1)
	var once sync.Once
	if err := s.AddEvery("tick", 5*time.Millisecond, func() {
		once.Do(ran.Done)
	}); err != nil {
		t.Fatalf("AddEvery: %v", err)
	}

	if err := s.AddEvery("tick", time.Minute, func() {}); err == nil {
		t.Error("duplicate job name accepted")
	}

	jobs := s.ListJobs()
	if len(jobs) != 1 || jobs[0].Name != "tick" || jobs[0].Interval != 5*time.Millisecond {
		t.Errorf("jobs: %+v", jobs)
	}

	s.Start()
	waitDone := make(chan struct{})
	go func() {
		ran.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled job never ran")
	}
}

func TestResamplingReducesSamples(t *testing.T) {
	// 100 Hz record with 10 samples resampled to 10 Hz yields one sample.
	rec := buildRecord("R0E05", "SHZ", []int16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	addr := startSeedLink(t, [][]byte{rec})

	ing := testIngest(t, addr)
	ing.ResampleRate = 10

	store := &fakeStore{}
	orch, err := New(Config{
		Ingest:      ing,
		Store:       store,
		Logger:      logging.Discard(),
		PingRetries: 1,
		PingDelay:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for store.pointCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if got := store.pointCount(); got != 1 {
		t.Errorf("points: got %d, want 1 after decimation", got)
	}
}

func TestSpoolRetrySchedulerRegistered(t *testing.T) {
	addr := startSeedLink(t, nil)

	queue, err := spool.Open(t.TempDir(), 5, nil)
	if err != nil {
		t.Fatalf("spool: %v", err)
	}

	orch, err := New(Config{
		Ingest:      testIngest(t, addr),
		Store:       &fakeStore{},
		Queue:       queue,
		Logger:      logging.Discard(),
		PingRetries: 1,
		PingDelay:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !orch.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// The health snapshot carries the maintenance schedule.
	names := map[string]bool{}
	for _, j := range orch.Health().Jobs {
		names[j.Name] = true
	}
	if !names["spool-retry"] {
		t.Error("spool-retry job not in the health snapshot")
	}

	cancel()
	<-done
}
