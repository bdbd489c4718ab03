// Package consistency compares the two providers' prices for the same symbol.
// It is observation only: nothing here feeds back into routing.
package consistency

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricerouter/internal/clock"
	"pricerouter/internal/model"
)

// Defaults.
const (
	DefaultFreshnessWindow = 5 * time.Minute
	DefaultInboxSize       = 4096
	writeTimeout           = 2 * time.Second
)

var hundred = decimal.NewFromInt(100)

// Config for the Monitor.
type Config struct {
	// FreshnessWindow is the maximum distance between the two sources'
	// event timestamps for a comparison to count.
	FreshnessWindow time.Duration
	InboxSize       int
}

type pair struct {
	primary, fallback model.Tick
	hasP, hasF        bool
}

// Monitor is the CrossSourceConsistencyMonitor.
type Monitor struct {
	cfg     Config
	clk     clock.Clock
	log     *zap.Logger
	writers []model.DivergenceWriter
	inbox   chan model.Tick

	// latest is owned by the Run goroutine.
	latest map[string]*pair

	mu      sync.RWMutex
	records map[string]model.DivergenceRecord

	dropped atomic.Uint64

	// OnRecord is called for every new divergence record.
	OnRecord func(model.DivergenceRecord)
}

// New creates a Monitor. writers receive every record.
func New(cfg Config, clk clock.Clock, log *zap.Logger, writers ...model.DivergenceWriter) *Monitor {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		cfg:     cfg,
		clk:     clk,
		log:     log.Named("consistency"),
		writers: writers,
		inbox:   make(chan model.Tick, cfg.InboxSize),
		latest:  make(map[string]*pair),
		records: make(map[string]model.DivergenceRecord),
	}
}

// Observe queues an accepted tick. Never blocks; drops when full.
func (m *Monitor) Observe(t model.Tick) {
	select {
	case m.inbox <- t:
	default:
		m.dropped.Add(1)
	}
}

// Dropped returns the number of ticks lost to a full inbox.
func (m *Monitor) Dropped() uint64 { return m.dropped.Load() }

// Run processes observed ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-m.inbox:
			m.Process(ctx, t)
		}
	}
}

// Process handles one tick synchronously. Not safe to call while Run is active.
func (m *Monitor) Process(ctx context.Context, t model.Tick) {
	p := m.latest[t.Symbol]
	if p == nil {
		p = &pair{}
		m.latest[t.Symbol] = p
	}
	switch t.Source {
	case model.SourcePrimary:
		if p.hasP && t.EventTimestamp.Before(p.primary.EventTimestamp) {
			return
		}
		p.primary, p.hasP = t, true
	case model.SourceFallback:
		if p.hasF && t.EventTimestamp.Before(p.fallback.EventTimestamp) {
			return
		}
		p.fallback, p.hasF = t, true
	default:
		return
	}
	if !p.hasP || !p.hasF || !p.fallback.Price.IsPositive() {
		return
	}
	gap := p.primary.EventTimestamp.Sub(p.fallback.EventTimestamp)
	if gap < 0 {
		gap = -gap
	}
	if gap > m.cfg.FreshnessWindow {
		return
	}

	rec := model.DivergenceRecord{
		Symbol:        t.Symbol,
		PrimaryPrice:  p.primary.Price,
		FallbackPrice: p.fallback.Price,
		DeltaPct:      p.primary.Price.Sub(p.fallback.Price).Abs().Div(p.fallback.Price).Mul(hundred),
		PrimaryAt:     p.primary.EventTimestamp,
		FallbackAt:    p.fallback.EventTimestamp,
		RecordedAt:    m.clk.Now(),
	}
	m.mu.Lock()
	m.records[rec.Symbol] = rec
	m.mu.Unlock()

	if m.OnRecord != nil {
		m.OnRecord(rec)
	}
	for _, w := range m.writers {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		if err := w.WriteDivergence(wctx, rec); err != nil {
			m.log.Warn("divergence write failed", zap.String("symbol", rec.Symbol), zap.Error(err))
		}
		cancel()
	}
}

// Latest returns the most recent record per symbol, ordered by symbol.
func (m *Monitor) Latest() []model.DivergenceRecord {
	m.mu.RLock()
	out := make([]model.DivergenceRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// WithinPct returns the percentage (0-100) of compared symbols whose latest
// divergence is at most limit percent, and how many symbols were compared.
// With nothing compared it returns 100.
func (m *Monitor) WithinPct(limit decimal.Decimal) (pct float64, compared int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return 100, 0
	}
	within := 0
	for _, r := range m.records {
		if r.DeltaPct.LessThanOrEqual(limit) {
			within++
		}
	}
	return 100 * float64(within) / float64(len(m.records)), len(m.records)
}

// Summary is the monitor's queryable view.
type Summary struct {
	LimitPct  decimal.Decimal          `json:"limit_pct"`
	WithinPct float64                  `json:"within_pct"`
	Compared  int                      `json:"compared"`
	Records   []model.DivergenceRecord `json:"records"`
}

// Summarize returns WithinPct(limit) together with the latest records.
func (m *Monitor) Summarize(limit decimal.Decimal) Summary {
	pct, n := m.WithinPct(limit)
	return Summary{LimitPct: limit, WithinPct: pct, Compared: n, Records: m.Latest()}
}
