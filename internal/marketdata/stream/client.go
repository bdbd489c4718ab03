// Package stream is the ingest client for the primary, push-based price
// provider. It holds one websocket session at a time, reconnecting with
// jittered exponential backoff, and turns every frame into validated events
// for the router.
//
// Run owns all I/O. The router is fed through EventSink.Offer, which never
// blocks, so a stalled router can never stall the socket reader.
package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"pricerouter/internal/clock"
	"pricerouter/internal/model"
	"pricerouter/internal/validate"
)

// Config holds configuration for the streaming ingest.
type Config struct {
	// URL of the provider websocket, e.g. "wss://stream.example.com/v1/prices".
	URL string

	Symbols []string

	// APIKey is sent in the subscribe frame and as the X-API-Key header.
	APIKey string

	// TOTPSecret, when set, adds a fresh one-time code to every subscribe.
	TOTPSecret string

	// BackoffMin is the first reconnect delay. Defaults to 1s.
	BackoffMin time.Duration
	// BackoffMax caps the exponential backoff. Defaults to 30s.
	BackoffMax time.Duration

	// PongWait is the read deadline; a socket silent for longer is dead.
	// Defaults to 60s.
	PongWait time.Duration

	Validation    validate.Config
	BreakerWindow time.Duration
}

func (c *Config) defaults() {
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = c.BackoffMin
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
}

// Client is the StreamingIngestClient.
type Client struct {
	cfg     Config
	sink    model.EventSink
	clk     clock.Clock
	log     *zap.Logger
	checker *validate.Checker
	dialer  *websocket.Dialer
	rand    func() float64

	// health is owned by the Run goroutine; snapshot guards readers.
	health   model.ConnectionHealth
	snapMu   sync.Mutex
	snapshot model.ConnectionHealth

	accepted atomic.Uint64
	rejected atomic.Uint64
	dropped  atomic.Uint64

	// OnReject is called for every tick the validator rejects.
	OnReject func(reason validate.Reason)
	// OnReconnect is called each time a session is lost.
	OnReconnect func()
}

// New creates a Client. Returns an error if the URL is unparseable.
func New(cfg Config, sink model.EventSink, clk clock.Clock, log *zap.Logger) (*Client, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("stream: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("stream: url %q: scheme must be ws or wss", cfg.URL)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		cfg:     cfg,
		sink:    sink,
		clk:     clk,
		log:     log.Named("stream"),
		checker: validate.NewChecker(cfg.Validation, cfg.BreakerWindow),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
	}
	c.health.Source = model.SourcePrimary
	c.snapshot = c.health
	return c, nil
}

// Health returns the last published health snapshot.
func (c *Client) Health() model.ConnectionHealth {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.snapshot
}

// Accepted returns the number of ticks that passed validation.
func (c *Client) Accepted() uint64 { return c.accepted.Load() }

// Rejected returns the number of ticks the validator discarded.
func (c *Client) Rejected() uint64 { return c.rejected.Load() }

// Dropped returns the number of events the router inbox refused.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Run connects and streams until ctx is cancelled, reconnecting on every
// failure. It always returns nil; failures are reported through health.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			break
		}

		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			break
		}
		if connected {
			attempt = 0
		}

		c.health.IsConnected = false
		c.health.ConnectedAt = time.Time{}
		c.health.ConsecutiveFailures++
		c.emit(model.HealthEvent(c.health, c.clk.Now()))

		delay := backoff(attempt, c.cfg.BackoffMin, c.cfg.BackoffMax, c.rand)
		attempt++
		c.log.Warn("disconnected, reconnecting",
			zap.Error(err),
			zap.Int("consecutive_failures", c.health.ConsecutiveFailures),
			zap.Duration("backoff", delay))
		if c.OnReconnect != nil {
			c.OnReconnect()
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}

	c.health.IsConnected = false
	c.health.ConnectedAt = time.Time{}
	c.health.Stopped = true
	c.emit(model.HealthEvent(c.health, c.clk.Now()))
	c.log.Info("stopped")
	return nil
}

// session makes a single connection attempt and reads until the socket
// fails or ctx is cancelled. connected reports whether the dial succeeded.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	hdr := http.Header{}
	if c.cfg.APIKey != "" {
		hdr.Set("X-API-Key", c.cfg.APIKey)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, hdr)
	if err != nil {
		return false, fmt.Errorf("stream: dial: %w", err)
	}
	defer conn.Close()

	now := c.clk.Now()
	c.health.IsConnected = true
	c.health.ConnectedAt = now
	c.health.ConsecutiveFailures = 0
	c.emit(model.HealthEvent(c.health, now))
	c.log.Info("connected", zap.String("url", c.cfg.URL))

	// Close the socket on cancellation so the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	if err := c.subscribe(conn); err != nil {
		return true, err
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
			return true, err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("stream: read: %w", err)
		}
		c.handle(raw)
	}
}

func (c *Client) subscribe(conn *websocket.Conn) error {
	msg := Subscribe{
		Op:      "subscribe",
		ID:      uuid.NewString(),
		Symbols: c.cfg.Symbols,
		APIKey:  c.cfg.APIKey,
	}
	if c.cfg.TOTPSecret != "" {
		code, err := totp.GenerateCode(c.cfg.TOTPSecret, c.clk.Now())
		if err != nil {
			return fmt.Errorf("stream: totp: %w", err)
		}
		msg.TOTP = code
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("stream: encode subscribe: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("stream: subscribe: %w", err)
	}
	c.log.Debug("subscribed", zap.String("id", msg.ID), zap.Strings("symbols", msg.Symbols))
	return nil
}

// handle decodes one websocket message and forwards every valid tick.
func (c *Client) handle(raw []byte) {
	frames, err := decodeFrames(raw)
	if err != nil {
		c.rejected.Add(1)
		c.log.Warn("undecodable frame", zap.Error(err), zap.ByteString("raw", truncate(raw, 256)))
		return
	}
	for _, f := range frames {
		if f.Type != "" && f.Type != "tick" {
			continue
		}
		now := c.clk.Now()
		tick := f.Tick(now)
		res := c.checker.Check(tick, now)
		if !res.Accepted {
			c.rejected.Add(1)
			if c.OnReject != nil {
				c.OnReject(res.Reason)
			}
			c.log.Debug("tick rejected",
				zap.String("symbol", tick.Symbol),
				zap.String("price", tick.Price.String()),
				zap.String("reason", string(res.Reason)))
			continue
		}
		c.accepted.Add(1)
		c.health.LastSuccessfulTickAt = now
		c.emit(model.TickEvent(tick, c.health, now))
	}
}

func (c *Client) emit(ev model.Event) {
	c.snapMu.Lock()
	c.snapshot = ev.Health
	c.snapMu.Unlock()
	if c.sink == nil {
		return
	}
	if !c.sink.Offer(ev) {
		c.dropped.Add(1)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
