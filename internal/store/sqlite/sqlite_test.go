package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricerouter/internal/model"
)

var t0 = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

func newWriter(t *testing.T, cfg WriterConfig) (*Writer, string) {
	t.Helper()
	cfg.DBPath = filepath.Join(t.TempDir(), "prices.db")
	w, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, cfg.DBPath
}

func upd(sym, px string, ts time.Time) model.PriceUpdate {
	return model.PriceUpdate{
		Symbol:             sym,
		Price:              decimal.RequireFromString(px),
		PriceChangePercent: decimal.RequireFromString("0.5"),
		Volume:             decimal.NewFromInt(100),
		Source:             model.SourcePrimary,
		EventTimestamp:     ts,
	}
}

func runWriter(t *testing.T, w *Writer) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, w.Run(ctx))
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func TestWriter_JournalsTicksAndReads(t *testing.T) {
	w, path := newWriter(t, WriterConfig{FlushDelay: 10 * time.Millisecond})
	stop := runWriter(t, w)
	ctx := context.Background()

	require.NoError(t, w.Deliver(ctx, upd("AAPL", "190.10", t0)))
	require.NoError(t, w.Deliver(ctx, upd("AAPL", "190.20", t0.Add(time.Second))))
	require.NoError(t, w.Deliver(ctx, upd("MSFT", "410", t0)))
	// At-least-once redelivery must not duplicate rows.
	require.NoError(t, w.Deliver(ctx, upd("AAPL", "190.20", t0.Add(time.Second))))
	stop()

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	ticks, err := r.Ticks(ctx, "AAPL", time.Time{})
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, "190.1", ticks[0].Price.String())
	assert.Equal(t, model.SourcePrimary, ticks[0].Source)
	assert.True(t, ticks[1].EventTimestamp.Equal(t0.Add(time.Second)))
	assert.Equal(t, "0.5", ticks[1].PriceChangePercent.String())

	ticks, err = r.Ticks(ctx, "AAPL", t0)
	require.NoError(t, err)
	assert.Len(t, ticks, 1)

	last, ok, err := r.LatestTick(ctx, "MSFT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "410", last.Price.String())

	_, ok, err = r.LatestTick(ctx, "NVDA")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriter_Divergence(t *testing.T) {
	w, path := newWriter(t, WriterConfig{FlushDelay: 10 * time.Millisecond})
	stop := runWriter(t, w)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, w.WriteDivergence(ctx, model.DivergenceRecord{
			Symbol:        "AAPL",
			PrimaryPrice:  decimal.RequireFromString("100"),
			FallbackPrice: decimal.RequireFromString("99"),
			DeltaPct:      decimal.NewFromInt(int64(i)),
			PrimaryAt:     t0,
			FallbackAt:    t0,
			RecordedAt:    t0.Add(time.Duration(i) * time.Second),
		}))
	}
	stop()

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	recs, err := r.Divergence(ctx, "AAPL", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "2", recs[0].DeltaPct.String())
	assert.Equal(t, "99", recs[0].FallbackPrice.String())
	assert.True(t, recs[1].RecordedAt.Equal(t0.Add(time.Second)))
}

func TestWriter_BatchSizeTriggersCommit(t *testing.T) {
	w, _ := newWriter(t, WriterConfig{BatchSize: 2, FlushDelay: time.Hour})
	var mu sync.Mutex
	var commits []int
	w.OnCommit = func(rows int, _ time.Duration) {
		mu.Lock()
		commits = append(commits, rows)
		mu.Unlock()
	}
	stop := runWriter(t, w)
	defer stop()
	ctx := context.Background()

	require.NoError(t, w.Deliver(ctx, upd("AAPL", "1", t0)))
	require.NoError(t, w.Deliver(ctx, upd("AAPL", "2", t0.Add(time.Second))))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(commits) == 1 && commits[0] == 2
	}, time.Second, 5*time.Millisecond)
}

func TestWriter_DeliverRespectsContext(t *testing.T) {
	w, _ := newWriter(t, WriterConfig{QueueSize: 1})
	require.NoError(t, w.Deliver(context.Background(), upd("AAPL", "1", t0)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Deliver(ctx, upd("AAPL", "2", t0)), context.DeadlineExceeded)
	assert.Equal(t, "sqlite", w.Name())
}
