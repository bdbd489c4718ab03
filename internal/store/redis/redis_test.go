package redis

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricerouter/internal/model"
)

type fakeWriter struct {
	down atomic.Bool
	mu   sync.Mutex
	got  []model.PriceUpdate
}

func (f *fakeWriter) WriteUpdate(_ context.Context, u model.PriceUpdate) error {
	if f.down.Load() {
		return errors.New("connection refused")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, u)
	return nil
}

func (f *fakeWriter) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.got))
	for i, u := range f.got {
		out[i] = u.Price.String()
	}
	return out
}

func upd(px int64) model.PriceUpdate {
	return model.PriceUpdate{Symbol: "AAPL", Price: decimal.NewFromInt(px), Source: model.SourcePrimary}
}

func TestBufferedWriter_BuffersWhileOpenAndFlushes(t *testing.T) {
	fw := &fakeWriter{}
	bw := NewBufferedWriter(fw, BreakerConfig{MaxFailures: 2, ResetTimeout: 30 * time.Millisecond}, nil)
	var transitions []gobreaker.State
	var tmu sync.Mutex
	bw.OnStateChange = func(_, to gobreaker.State) {
		tmu.Lock()
		transitions = append(transitions, to)
		tmu.Unlock()
	}
	ctx := context.Background()

	require.NoError(t, bw.Deliver(ctx, upd(1)))

	fw.down.Store(true)
	assert.Error(t, bw.Deliver(ctx, upd(2)))
	assert.Error(t, bw.Deliver(ctx, upd(3)))
	assert.Equal(t, gobreaker.StateOpen, bw.State())

	require.NoError(t, bw.Deliver(ctx, upd(4)), "buffered, not lost")
	require.NoError(t, bw.Deliver(ctx, upd(5)))
	assert.Equal(t, 2, bw.PendingCount())

	fw.down.Store(false)
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, bw.Deliver(ctx, upd(6)))

	assert.Equal(t, 0, bw.PendingCount())
	assert.Equal(t, []string{"1", "4", "5", "6"}, fw.written(), "buffered writes land before the newest")

	tmu.Lock()
	defer tmu.Unlock()
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen, gobreaker.StateHalfOpen, gobreaker.StateClosed}, transitions)
}

// A write refused while the breaker re-opens stays at the head of the buffer.
func TestBufferedWriter_KeepsOrderAcrossRetries(t *testing.T) {
	fw := &fakeWriter{}
	fw.down.Store(true)
	bw := NewBufferedWriter(fw, BreakerConfig{MaxFailures: 1, ResetTimeout: 20 * time.Millisecond}, nil)
	var flushed []int
	bw.OnFlush = func(n int) { flushed = append(flushed, n) }
	ctx := context.Background()

	assert.Error(t, bw.Deliver(ctx, upd(1)))
	require.NoError(t, bw.Deliver(ctx, upd(2)))
	require.NoError(t, bw.Deliver(ctx, upd(3)))

	// half-open probe fails, the breaker opens again
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, bw.Deliver(ctx, upd(4)))
	assert.Equal(t, 3, bw.PendingCount())
	assert.Empty(t, fw.written())

	fw.down.Store(false)
	time.Sleep(30 * time.Millisecond)
	bw.Flush(ctx)

	assert.Equal(t, []string{"2", "3", "4"}, fw.written())
	assert.Equal(t, []int{3}, flushed)
	assert.Equal(t, gobreaker.StateClosed, bw.State())
}

func TestBufferedWriter_RunDrainsIdleBuffer(t *testing.T) {
	fw := &fakeWriter{}
	fw.down.Store(true)
	bw := NewBufferedWriter(fw, BreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.Error(t, bw.Deliver(ctx, upd(1)))
	require.NoError(t, bw.Deliver(ctx, upd(2)))
	fw.down.Store(false)

	done := make(chan error, 1)
	go func() { done <- bw.Run(ctx) }()
	require.Eventually(t, func() bool { return bw.PendingCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"2"}, fw.written())

	cancel()
	require.NoError(t, <-done)
}

func TestBufferedWriter_DropsOldestWhenFull(t *testing.T) {
	fw := &fakeWriter{}
	fw.down.Store(true)
	bw := NewBufferedWriter(fw, BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour, BufferSize: 2}, nil)
	ctx := context.Background()

	assert.Error(t, bw.Deliver(ctx, upd(1)))
	for px := int64(2); px <= 5; px++ {
		require.NoError(t, bw.Deliver(ctx, upd(px)))
	}
	assert.Equal(t, 2, bw.PendingCount())
	assert.Equal(t, uint64(2), bw.Dropped())
	assert.Equal(t, "redis", bw.Name())
}

func TestKeysFor(t *testing.T) {
	k := KeysFor("price", "aapl")
	assert.Equal(t, "price:latest:AAPL", k.Latest)
	assert.Equal(t, "price:stream:AAPL", k.Stream)
	assert.Equal(t, "pub:price:AAPL", k.Channel)
}

func TestParseMembers(t *testing.T) {
	syms, bad := parseMembers([]string{"msft:nasdaq", "AAPL:NASDAQ", ":X", "MSFT:NASDAQ", "SPY"})
	assert.Equal(t, []model.Symbol{
		{Ticker: "AAPL", Venue: "NASDAQ"},
		{Ticker: "MSFT", Venue: "NASDAQ"},
		{Ticker: "SPY"},
	}, syms)
	assert.Equal(t, []string{":X"}, bad)
}

// Runs against a real server when REDIS_ADDR is set.
func TestWriter_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	w, err := New(WriterConfig{Addr: addr, KeyPrefix: "pricerouter-test"})
	require.NoError(t, err)
	defer w.Close()
	ctx := context.Background()

	require.NoError(t, w.WriteUpdate(ctx, upd(42)))
	keys := KeysFor("pricerouter-test", "AAPL")
	got, err := w.Client().Get(ctx, keys.Latest).Result()
	require.NoError(t, err)
	assert.Contains(t, got, `"price":"42"`)

	require.NoError(t, w.Client().SAdd(ctx, "pricerouter-test:symbols", "AAPL:NASDAQ").Err())
	syms, err := NewRegistry(w.Client(), "pricerouter-test:symbols", nil).Symbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.Symbol{{Ticker: "AAPL", Venue: "NASDAQ"}}, syms)

	w.Client().Del(ctx, keys.Latest, keys.Stream, "pricerouter-test:symbols")
}
