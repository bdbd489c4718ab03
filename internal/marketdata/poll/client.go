// Package poll is the ingest client for the fallback, request/response price
// provider. Every interval it fetches one batch quote for all symbols.
package poll

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pricerouter/internal/clock"
	"pricerouter/internal/model"
	"pricerouter/internal/validate"
)

// QuoteResponse is the provider's batch quote body.
type QuoteResponse struct {
	Quotes []Quote `json:"quotes"`
}

// Quote is one symbol's latest price in a batch.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// maxBody caps how much of a response we read.
const maxBody = 4 << 20

// Config holds configuration for the polling ingest.
type Config struct {
	// URL of the batch quote endpoint; symbols are appended as ?symbols=A,B.
	URL     string
	APIKey  string
	Symbols []string

	// Interval between polls. Defaults to 60s.
	Interval time.Duration
	// RequestTimeout bounds one request. Defaults to 10s.
	RequestTimeout time.Duration
	// RequestsPerMinute caps provider calls; 0 means unlimited.
	RequestsPerMinute int

	Validation    validate.Config
	BreakerWindow time.Duration
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// Client is the PollingIngestClient.
type Client struct {
	cfg     Config
	sink    model.EventSink
	clk     clock.Clock
	log     *zap.Logger
	httpc   *http.Client
	limiter *rate.Limiter
	checker *validate.Checker

	inFlight atomic.Bool
	wg       sync.WaitGroup

	mu     sync.Mutex // guards health and event order
	health model.ConnectionHealth

	accepted atomic.Uint64
	rejected atomic.Uint64
	skipped  atomic.Uint64
	dropped  atomic.Uint64

	// OnReject is called for every quote the validator rejects.
	OnReject func(reason validate.Reason)
	// OnPoll is called after every cycle with its outcome.
	OnPoll func(err error, d time.Duration)
}

// New creates a Client.
func New(cfg Config, sink model.EventSink, clk clock.Clock, log *zap.Logger) (*Client, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("poll: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("poll: url %q: scheme must be http or https", cfg.URL)
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
		log:     log.Named("poll"),
		httpc:   &http.Client{},
		checker: validate.NewChecker(cfg.Validation, cfg.BreakerWindow),
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	c.health.Source = model.SourceFallback
	return c, nil
}

// Health returns the current health snapshot.
func (c *Client) Health() model.ConnectionHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

func (c *Client) Accepted() uint64 { return c.accepted.Load() }
func (c *Client) Rejected() uint64 { return c.rejected.Load() }

// Skipped returns the number of intervals skipped because a poll was still
// outstanding or the request quota was exhausted.
func (c *Client) Skipped() uint64 { return c.skipped.Load() }

// Dropped returns the number of events the router inbox refused.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Run polls immediately and then every Interval until ctx is cancelled.
// Cancellation aborts the outstanding request. Always returns nil.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.trigger(ctx)
	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			c.mu.Lock()
			c.health.IsConnected = false
			c.health.Stopped = true
			c.emitLocked(model.HealthEvent(c.health, c.clk.Now()))
			c.mu.Unlock()
			c.log.Info("stopped")
			return nil
		case <-ticker.C:
			c.trigger(ctx)
		}
	}
}

// trigger starts a cycle unless one is already outstanding.
func (c *Client) trigger(ctx context.Context) {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.skipped.Add(1)
		c.log.Debug("poll skipped: previous request still in flight")
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.inFlight.Store(false)
		c.skipped.Add(1)
		c.log.Debug("poll skipped: request quota exhausted")
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.inFlight.Store(false)
		_ = c.PollOnce(ctx)
	}()
}

// PollOnce runs one fetch-validate-emit cycle synchronously.
func (c *Client) PollOnce(ctx context.Context) error {
	start := time.Now()
	quotes, err := c.fetch(ctx)
	if c.OnPoll != nil {
		c.OnPoll(err, time.Since(start))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()

	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		c.health.IsConnected = false
		c.health.ConsecutiveFailures++
		c.emitLocked(model.HealthEvent(c.health, now))
		c.log.Warn("poll failed",
			zap.Error(err),
			zap.Int("consecutive_failures", c.health.ConsecutiveFailures))
		return err
	}

	c.health.IsConnected = true
	c.health.ConsecutiveFailures = 0
	n := 0
	for _, q := range quotes {
		tick := model.Tick{
			Symbol:            model.NormalizeTicker(q.Symbol),
			Source:            model.SourceFallback,
			Price:             q.Price,
			Volume:            q.Volume,
			EventTimestamp:    q.Timestamp.UTC(),
			ReceivedTimestamp: now,
		}
		res := c.checker.Check(tick, now)
		if !res.Accepted {
			c.rejected.Add(1)
			if c.OnReject != nil {
				c.OnReject(res.Reason)
			}
			c.log.Debug("quote rejected",
				zap.String("symbol", tick.Symbol),
				zap.String("reason", string(res.Reason)))
			continue
		}
		n++
		c.accepted.Add(1)
		c.health.LastSuccessfulTickAt = now
		c.emitLocked(model.TickEvent(tick, c.health, now))
	}
	c.emitLocked(model.HealthEvent(c.health, now))
	c.log.Debug("poll complete", zap.Int("quotes", len(quotes)), zap.Int("accepted", n))
	return nil
}

func (c *Client) fetch(ctx context.Context) ([]Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	u, _ := url.Parse(c.cfg.URL)
	q := u.Query()
	q.Set("symbols", strings.Join(c.cfg.Symbols, ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("poll: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil, fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("poll: read body: %w", err)
	}
	var out QuoteResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("poll: decode body: %w", err)
	}
	return out.Quotes, nil
}

func (c *Client) emitLocked(ev model.Event) {
	if c.sink == nil {
		return
	}
	if !c.sink.Offer(ev) {
		c.dropped.Add(1)
	}
}
