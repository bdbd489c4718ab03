package poll

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pricerouter/internal/clock"
	"pricerouter/internal/model"
	"pricerouter/internal/validate"
)

type sliceSink struct{ ch chan model.Event }

func newSink() *sliceSink { return &sliceSink{ch: make(chan model.Event, 256)} }

func (s *sliceSink) Offer(ev model.Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *sliceSink) drain() []model.Event {
	var out []model.Event
	for {
		select {
		case ev := <-s.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

var t0 = time.Date(2026, 3, 2, 15, 30, 0, 0, time.UTC)

func newClient(t *testing.T, url string, sink model.EventSink, clk clock.Clock, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		URL:        url,
		APIKey:     "secret",
		Symbols:    []string{"AAPL", "MSFT"},
		Interval:   time.Hour,
		Validation: validate.DefaultConfig(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, sink, clk, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestPollOnce_AcceptsValidQuotes(t *testing.T) {
	var gotQuery, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("symbols")
		gotKey = r.Header.Get("X-API-Key")
		fmt.Fprintf(w, `{"quotes":[
			{"symbol":"AAPL","price":"185.10","volume":"1200","timestamp":%q},
			{"symbol":"msft","price":0,"volume":"5","timestamp":%q},
			{"symbol":"TSLA","price":"250","volume":"-1","timestamp":%q}
		]}`, t0.Format(time.RFC3339), t0.Format(time.RFC3339), t0.Format(time.RFC3339))
	}))
	defer srv.Close()

	sink := newSink()
	clk := clock.NewFake(t0.Add(2 * time.Second))
	c := newClient(t, srv.URL, sink, clk, nil)

	require.NoError(t, c.PollOnce(context.Background()))
	assert.Equal(t, "AAPL,MSFT", gotQuery)
	assert.Equal(t, "secret", gotKey)

	evs := sink.drain()
	require.Len(t, evs, 2, "one tick plus the cycle health")
	assert.Equal(t, model.EventTick, evs[0].Kind)
	assert.Equal(t, "AAPL", evs[0].Tick.Symbol)
	assert.Equal(t, model.SourceFallback, evs[0].Tick.Source)
	assert.Equal(t, t0, evs[0].Tick.EventTimestamp)
	assert.Equal(t, clk.Now(), evs[0].Tick.ReceivedTimestamp)

	h := evs[1]
	assert.Equal(t, model.EventHealth, h.Kind)
	assert.True(t, h.Health.IsConnected)
	assert.Zero(t, h.Health.ConsecutiveFailures)
	assert.Equal(t, clk.Now(), h.Health.LastSuccessfulTickAt)

	assert.Equal(t, uint64(1), c.Accepted())
	assert.Equal(t, uint64(2), c.Rejected())
}

func TestPollOnce_RejectsQuoteWithoutTimestamp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"quotes":[
			{"symbol":"AAPL","price":"185.10","volume":"1200"},
			{"symbol":" msft ","price":"410","volume":"5","timestamp":%q}
		]}`, t0.Format(time.RFC3339))
	}))
	defer srv.Close()

	sink := newSink()
	c := newClient(t, srv.URL, sink, clock.NewFake(t0.Add(time.Second)), nil)
	require.NoError(t, c.PollOnce(context.Background()))

	evs := sink.drain()
	require.Len(t, evs, 2)
	assert.Equal(t, "MSFT", evs[0].Tick.Symbol)
	assert.Equal(t, uint64(1), c.Rejected())
}

func TestPollOnce_EmptyBatchKeepsLastTickTime(t *testing.T) {
	body := `{"quotes":[{"symbol":"AAPL","price":"10","volume":"1","timestamp":"2026-03-02T15:30:00Z"}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	clk := clock.NewFake(t0)
	c := newClient(t, srv.URL, newSink(), clk, nil)
	require.NoError(t, c.PollOnce(context.Background()))
	first := c.Health().LastSuccessfulTickAt

	body = `{"quotes":[]}`
	clk.Advance(time.Minute)
	require.NoError(t, c.PollOnce(context.Background()))
	assert.Equal(t, first, c.Health().LastSuccessfulTickAt)
	assert.True(t, c.Health().IsConnected)
}

func TestPollOnce_FailuresCount(t *testing.T) {
	status := http.StatusInternalServerError
	body := `{}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	sink := newSink()
	c := newClient(t, srv.URL, sink, clock.NewFake(t0), nil)

	assert.Error(t, c.PollOnce(context.Background()))
	status, body = http.StatusOK, `{"quotes": [`
	assert.Error(t, c.PollOnce(context.Background()), "undecodable body")

	evs := sink.drain()
	require.Len(t, evs, 2)
	assert.False(t, evs[1].Health.IsConnected)
	assert.Equal(t, 2, evs[1].Health.ConsecutiveFailures)

	body = `{"quotes":[]}`
	require.NoError(t, c.PollOnce(context.Background()))
	assert.Zero(t, c.Health().ConsecutiveFailures)
}

func TestPollOnce_TransportErrorAndTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newClient(t, srv.URL, newSink(), clock.NewFake(t0), func(cfg *Config) {
		cfg.RequestTimeout = 20 * time.Millisecond
	})
	start := time.Now()
	assert.Error(t, c.PollOnce(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, c.Health().ConsecutiveFailures)
}

func TestRun_SingleRequestInFlight(t *testing.T) {
	var inFlight, maxInFlight, calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
		fmt.Fprint(w, `{"quotes":[]}`)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, newSink(), nil, func(cfg *Config) {
		cfg.Interval = 5 * time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.Skipped() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	close(release)

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.True(t, c.Health().Stopped)
}

func TestRun_CancelAbortsRequestAndStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	sink := newSink()
	c := newClient(t, srv.URL, sink, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	evs := sink.drain()
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.True(t, last.Health.Stopped)
	assert.Zero(t, last.Health.ConsecutiveFailures, "a cancelled request is not a provider failure")
}

func TestRun_RateLimitSkips(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"quotes":[]}`)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, newSink(), nil, func(cfg *Config) {
		cfg.Interval = 5 * time.Millisecond
		cfg.RequestsPerMinute = 1
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.Skipped() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New(Config{URL: "ws://x"}, nil, nil, nil)
	assert.Error(t, err)
}
