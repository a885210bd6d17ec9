package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"sl2influxdb/internal/logging"
)

// SeedLink wire constants. A data packet is an 8-byte header ("SL" plus a
// 6-digit hex sequence number) followed by a 512-byte miniSEED record.
const (
	headerSize  = 8
	payloadSize = 512

	seqModulus = 0x1000000 // sequence numbers wrap at 2^24
)

var (
	// ErrStreamClosed indicates the remote end closed the connection.
	ErrStreamClosed = errors.New("stream closed by remote")

	// ErrStreamError indicates a protocol violation on the wire.
	ErrStreamError = errors.New("stream protocol error")

	// ErrStreamUnavailable is fatal: the reconnect ceiling was exhausted.
	ErrStreamUnavailable = errors.New("stream unavailable")

	// ErrSubscribeRejected indicates the server refused a subscription command.
	ErrSubscribeRejected = errors.New("subscription rejected")
)

// Packet is one raw record from the wire, untouched by decoding.
type Packet struct {
	Seq      uint32
	Payload  []byte // 512-byte miniSEED record, owned by the receiver
	Received time.Time
}

// ClientConfig holds SeedLink client configuration.
type ClientConfig struct {
	Addr    string
	Filters []Filter

	DialTimeout time.Duration // default 30s
	ReadTimeout time.Duration // idle limit before the connection is declared dead, default 6m
	BackoffBase time.Duration // default 1s
	BackoffMax  time.Duration // default 2m
	MaxRetries  int           // consecutive reconnect ceiling, default 20

	Logger *slog.Logger
}

// Client maintains a subscribed SeedLink connection and emits raw packets.
// It reconnects with exponential backoff and re-issues the full subscription
// on every reconnect; SeedLink has no replay, so gaps across reconnects are
// detected from wire sequence numbers and logged, never blocked on.
type Client struct {
	cfg       ClientConfig
	selectors []Selector
	logger    *slog.Logger

	packets atomic.Uint64
	gaps    atomic.Uint64
}

// NewClient creates a SeedLink client. Filters must already be parsed;
// their SeedLink selectors are derived once here.
func NewClient(cfg ClientConfig) *Client {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 6 * time.Minute
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 2 * time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 20
	}

	var selectors []Selector
	for _, f := range cfg.Filters {
		selectors = append(selectors, f.Selectors()...)
	}

	return &Client{
		cfg:       cfg,
		selectors: selectors,
		logger:    logging.Default(cfg.Logger).With("component", "stream"),
	}
}

// Packets returns the total number of packets received.
func (c *Client) Packets() uint64 { return c.packets.Load() }

// Gaps returns the number of sequence gaps observed.
func (c *Client) Gaps() uint64 { return c.gaps.Load() }

// Run connects, subscribes, and streams packets to out until ctx is
// cancelled. Recoverable failures (remote close, protocol error, dial
// failure) trigger reconnection with exponential backoff and jitter; once
// MaxRetries consecutive attempts fail, Run returns ErrStreamUnavailable.
// Run returns nil on context cancellation.
func (c *Client) Run(ctx context.Context, out chan<- Packet) error {
	attempt := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.stream(ctx, out)
		if ctx.Err() != nil {
			return nil
		}

		if err == nil {
			// Clean session end without cancellation is a remote close.
			err = ErrStreamClosed
		}

		if errors.Is(err, errStreamedSome) {
			// The connection delivered data before failing; reset the
			// consecutive-failure budget.
			attempt = 0
		}

		attempt++
		if attempt > c.cfg.MaxRetries {
			c.logger.Error("reconnect ceiling exhausted",
				"attempts", c.cfg.MaxRetries,
				"error", err)
			return fmt.Errorf("%w: %d consecutive failed attempts", ErrStreamUnavailable, c.cfg.MaxRetries)
		}

		delay := c.backoff(attempt)
		c.logger.Warn("stream disconnected, reconnecting",
			"error", err,
			"attempt", attempt,
			"delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// errStreamedSome wraps connection errors that happened after at least one
// packet was delivered, so the retry budget only counts consecutive failures.
var errStreamedSome = errors.New("connection dropped mid-stream")

// backoff computes an exponential delay with jitter in [0.5x, 1.5x].
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase << (attempt - 1)
	if d > c.cfg.BackoffMax || d <= 0 {
		d = c.cfg.BackoffMax
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// stream performs one full connect/subscribe/read session.
func (c *Client) stream(ctx context.Context, out chan<- Packet) error {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	// Unblock reads on cancellation.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	rd := bufio.NewReader(conn)

	if err := c.handshake(conn, rd); err != nil {
		return err
	}

	c.logger.Info("stream subscribed",
		"addr", c.cfg.Addr,
		"selectors", len(c.selectors))

	streamed := false
	var lastSeq uint32
	haveSeq := false

	for {
		pkt, err := c.readPacket(conn, rd)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if streamed {
				return fmt.Errorf("%w: %w", errStreamedSome, err)
			}
			return err
		}

		streamed = true
		c.packets.Add(1)

		if haveSeq {
			expected := (lastSeq + 1) % seqModulus
			if pkt.Seq != expected {
				c.gaps.Add(1)
				c.logger.Warn("sequence gap detected",
					"expected", expected,
					"got", pkt.Seq)
			}
		}
		lastSeq = pkt.Seq
		haveSeq = true

		select {
		case out <- pkt:
		case <-ctx.Done():
			return nil
		}
	}
}

// handshake runs the SeedLink command phase: HELLO, one STATION/SELECT/DATA
// group per selector, then END to start the stream.
func (c *Client) handshake(conn net.Conn, rd *bufio.Reader) error {
	if err := c.command(conn, rd, "HELLO", 2, false); err != nil {
		return err
	}

	for _, sel := range c.selectors {
		if err := c.command(conn, rd, fmt.Sprintf("STATION %s %s", sel.Station, sel.Network), 1, true); err != nil {
			return err
		}
		if sel.Select != "" && sel.Select != "*" {
			if err := c.command(conn, rd, "SELECT "+sel.Select, 1, true); err != nil {
				return err
			}
		}
		if err := c.command(conn, rd, "DATA", 1, true); err != nil {
			return err
		}
	}

	// END gets no response; the packet stream begins immediately.
	if _, err := fmt.Fprintf(conn, "END\r\n"); err != nil {
		return fmt.Errorf("send END: %w", err)
	}
	return nil
}

// command sends one command and consumes its response lines. When expectOK
// is set, a response other than OK fails the subscription.
func (c *Client) command(conn net.Conn, rd *bufio.Reader, cmd string, respLines int, expectOK bool) error {
	conn.SetDeadline(time.Now().Add(c.cfg.DialTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := fmt.Fprintf(conn, "%s\r\n", cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}

	for i := 0; i < respLines; i++ {
		line, err := rd.ReadString('\n')
		if err != nil {
			return fmt.Errorf("response to %s: %w", cmd, err)
		}
		line = strings.TrimSpace(line)
		if expectOK && line != "OK" {
			return fmt.Errorf("%w: %s -> %q", ErrSubscribeRejected, cmd, line)
		}
	}
	return nil
}

// readPacket reads one SeedLink packet: "SL" + 6 hex digit sequence + 512
// bytes of miniSEED.
func (c *Client) readPacket(conn net.Conn, rd *bufio.Reader) (Packet, error) {
	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(rd, header); err != nil {
		if errors.Is(err, io.EOF) {
			return Packet{}, ErrStreamClosed
		}
		return Packet{}, fmt.Errorf("read header: %w", err)
	}

	if header[0] != 'S' || header[1] != 'L' {
		// An ERROR response leaking into the stream phase lands here too.
		return Packet{}, fmt.Errorf("%w: bad packet signature %q", ErrStreamError, header[:2])
	}

	// INFO responses reuse the header with a non-hex marker; skip their
	// payload and keep streaming.
	seqField := string(header[2:])
	isInfo := strings.HasPrefix(seqField, "INFO")

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(rd, payload); err != nil {
		return Packet{}, fmt.Errorf("read payload: %w", err)
	}

	if isInfo {
		return c.readPacket(conn, rd)
	}

	seq, err := strconv.ParseUint(seqField, 16, 32)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: bad sequence %q", ErrStreamError, seqField)
	}

	return Packet{
		Seq:      uint32(seq),
		Payload:  payload,
		Received: time.Now(),
	}, nil
}
