// Package fdsn resolves channel identifiers to station metadata via an
// FDSN station web service.
//
// Resolution is always non-blocking for the caller: cache misses return
// Pending and trigger a background fetch; expired entries are served stale
// while a refresh runs. Only background fetches touch the network.
package fdsn

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"sl2influxdb/internal/logging"
)

// Metadata holds the station attributes the writer tags batches with.
type Metadata struct {
	Latitude   float64
	Longitude  float64
	Elevation  float64
	SampleRate float64
}

// State is the resolution state of a channel id.
type State int

const (
	// Pending means no answer yet; a background fetch is in flight or queued.
	Pending State = iota

	// Resolved means metadata is available (possibly stale and refreshing).
	Resolved

	// Unresolvable means recent fetches failed or the service has no record;
	// retries are suppressed until the cool-down expires.
	Unresolvable
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Unresolvable:
		return "unresolvable"
	default:
		return "unknown"
	}
}

// Config holds resolver configuration.
type Config struct {
	Addr string // base URL of the FDSN station service

	TTL            time.Duration // positive entry lifetime, default 12h
	Cooldown       time.Duration // unresolvable cool-down, default 10m
	MaxAttempts    int           // fetch attempts per refresh, default 3
	RetryDelay     time.Duration // linear backoff step between attempts, default 5s
	RequestTimeout time.Duration // per-request timeout, default 10s
	RequestsPerSec float64       // request rate ceiling, default 2

	HTTPClient *http.Client
	Logger     *slog.Logger
}

type entry struct {
	md      Metadata
	state   State
	expires time.Time
}

// Resolver is a TTL cache over the FDSN station service with single-flight
// background refresh.
type Resolver struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	group   singleflight.Group

	mu    sync.RWMutex
	ctx   context.Context // background fetch context, set by Start
	cache map[string]entry
}

// NewResolver creates a resolver. Call Start before the first Resolve so
// background fetches are tied to the process lifetime.
func NewResolver(cfg Config) *Resolver {
	if cfg.TTL == 0 {
		cfg.TTL = 12 * time.Hour
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 10 * time.Minute
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RequestsPerSec == 0 {
		cfg.RequestsPerSec = 2
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}

	return &Resolver{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
		logger:  logging.Default(cfg.Logger).With("component", "fdsn"),
		ctx:     context.Background(),
		cache:   make(map[string]entry),
	}
}

// Start binds background fetches to ctx. Fetches started after ctx is
// cancelled fail immediately, which lets the process exit promptly.
func (r *Resolver) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
}

// Resolve returns the cached metadata for a dotted channel id
// ("NET.STA.LOC.CHA"). It never blocks on the network:
//
//   - fresh entry: (metadata, Resolved)
//   - expired entry: stale metadata served with Resolved, refresh kicked off
//   - miss: (zero, Pending), fetch kicked off
//   - recent failures or no record: (zero, Unresolvable) until cool-down
func (r *Resolver) Resolve(channelID string) (Metadata, State) {
	now := time.Now()

	r.mu.RLock()
	e, ok := r.cache[channelID]
	r.mu.RUnlock()

	if !ok {
		r.refreshAsync(channelID)
		return Metadata{}, Pending
	}

	switch e.state {
	case Resolved:
		if now.After(e.expires) {
			r.refreshAsync(channelID)
		}
		return e.md, Resolved
	case Unresolvable:
		if now.After(e.expires) {
			r.refreshAsync(channelID)
			return Metadata{}, Pending
		}
		return Metadata{}, Unresolvable
	default:
		return Metadata{}, Pending
	}
}

// Sweep refreshes every expired resolved entry. The orchestrator runs this
// on a schedule so long-lived channels keep fresh metadata even when samples
// arrive faster than Resolve consults the cache.
func (r *Resolver) Sweep() {
	now := time.Now()

	r.mu.RLock()
	var expired []string
	for id, e := range r.cache {
		if e.state == Resolved && now.After(e.expires) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.refreshAsync(id)
	}
	if len(expired) > 0 {
		r.logger.Debug("metadata sweep", "refreshing", len(expired))
	}
}

// refreshAsync kicks off a deduplicated background fetch for channelID.
func (r *Resolver) refreshAsync(channelID string) {
	go r.group.Do(channelID, func() (any, error) {
		r.refresh(channelID)
		return nil, nil
	})
}

// refresh fetches metadata with linear backoff and updates the cache.
func (r *Resolver) refresh(channelID string) {
	r.mu.RLock()
	ctx := r.ctx
	r.mu.RUnlock()

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(time.Duration(attempt-1) * r.cfg.RetryDelay):
			case <-ctx.Done():
				return
			}
		}

		md, found, err := r.fetch(ctx, channelID)
		if err != nil {
			lastErr = err
			continue
		}

		if !found {
			// The service has no record for this channel. A normal outcome:
			// cache the negative answer for the cool-down period.
			r.store(channelID, entry{state: Unresolvable, expires: time.Now().Add(r.cfg.Cooldown)})
			r.logger.Info("no metadata record", "channel", channelID)
			return
		}

		r.store(channelID, entry{md: md, state: Resolved, expires: time.Now().Add(r.cfg.TTL)})
		r.logger.Info("metadata resolved",
			"channel", channelID,
			"lat", md.Latitude,
			"lon", md.Longitude,
			"elevation", md.Elevation,
			"sample_rate", md.SampleRate)
		return
	}

	r.store(channelID, entry{state: Unresolvable, expires: time.Now().Add(r.cfg.Cooldown)})
	r.logger.Warn("metadata fetch failed, cooling down",
		"channel", channelID,
		"attempts", r.cfg.MaxAttempts,
		"cooldown", r.cfg.Cooldown,
		"error", lastErr)
}

func (r *Resolver) store(channelID string, e entry) {
	r.mu.Lock()
	r.cache[channelID] = e
	r.mu.Unlock()
}

// fetch performs one station service query. found=false means the service
// answered but has no record.
func (r *Resolver) fetch(ctx context.Context, channelID string) (Metadata, bool, error) {
	parts := strings.Split(channelID, ".")
	if len(parts) != 4 {
		return Metadata{}, false, fmt.Errorf("bad channel id %q", channelID)
	}
	net, sta, loc, cha := parts[0], parts[1], parts[2], parts[3]
	if loc == "" {
		loc = "--" // FDSN convention for blank location codes
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return Metadata{}, false, err
	}

	q := url.Values{}
	q.Set("network", net)
	q.Set("station", sta)
	q.Set("location", loc)
	q.Set("channel", cha)
	q.Set("level", "channel")
	q.Set("format", "text")

	reqURL := strings.TrimSuffix(r.cfg.Addr, "/") + "/fdsnws/station/1/query?" + q.Encode()

	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Metadata{}, false, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Metadata{}, false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return Metadata{}, false, nil
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return Metadata{}, false, fmt.Errorf("station service: status %d", resp.StatusCode)
	}

	md, found, err := parseStationText(resp.Body)
	if err != nil {
		return Metadata{}, false, fmt.Errorf("parse station response: %w", err)
	}
	return md, found, nil
}

// parseStationText reads the pipe-separated channel-level text format:
// Network|Station|Location|Channel|Latitude|Longitude|Elevation|Depth|...|SampleRate|Start|End
func parseStationText(body io.Reader) (Metadata, bool, error) {
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 15 {
			return Metadata{}, false, fmt.Errorf("row has %d fields, want >= 15", len(fields))
		}

		var md Metadata
		var err error
		if md.Latitude, err = strconv.ParseFloat(fields[4], 64); err != nil {
			return Metadata{}, false, fmt.Errorf("latitude: %w", err)
		}
		if md.Longitude, err = strconv.ParseFloat(fields[5], 64); err != nil {
			return Metadata{}, false, fmt.Errorf("longitude: %w", err)
		}
		if md.Elevation, err = strconv.ParseFloat(fields[6], 64); err != nil {
			return Metadata{}, false, fmt.Errorf("elevation: %w", err)
		}
		if md.SampleRate, err = strconv.ParseFloat(fields[14], 64); err != nil {
			return Metadata{}, false, fmt.Errorf("sample rate: %w", err)
		}
		return md, true, nil
	}
	if err := sc.Err(); err != nil {
		return Metadata{}, false, err
	}
	return Metadata{}, false, nil
}
