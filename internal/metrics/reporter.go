package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pricerouter/internal/marketdata/bus"
	"pricerouter/internal/router"
)

// Reporter samples component counters into Prometheus on an interval.
// Components keep plain atomic counters; the reporter turns their deltas
// into counter increments and their levels into gauges.
type Reporter struct {
	m      *Metrics
	status func() *router.Status
	sinks  func() []bus.SinkStat

	last     router.Stats
	lastSink map[string]bus.SinkStat
	counters []trackedCounter
}

type trackedCounter struct {
	c    prometheus.Counter
	read func() uint64
	last uint64
}

// NewReporter creates a Reporter. Either source may be nil.
func NewReporter(m *Metrics, status func() *router.Status, sinks func() []bus.SinkStat) *Reporter {
	return &Reporter{m: m, status: status, sinks: sinks, lastSink: make(map[string]bus.SinkStat)}
}

// Run samples every interval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Sample()
			return nil
		case <-ticker.C:
			r.Sample()
		}
	}
}

// TrackCounter mirrors a component's monotonic counter into c on every sample.
func (r *Reporter) TrackCounter(c prometheus.Counter, read func() uint64) {
	r.counters = append(r.counters, trackedCounter{c: c, read: read})
}

// Sample takes one reading.
func (r *Reporter) Sample() {
	for i := range r.counters {
		tc := &r.counters[i]
		cur := tc.read()
		tc.c.Add(delta(cur, tc.last))
		tc.last = cur
	}
	if r.status != nil {
		if st := r.status(); st != nil {
			r.sampleRouter(st)
		}
	}
	if r.sinks != nil {
		r.sampleSinks(r.sinks())
	}
}

func (r *Reporter) sampleRouter(st *router.Status) {
	m := r.m
	m.Phase.Set(float64(st.Phase))
	for _, h := range []struct {
		name      string
		connected bool
		failures  int
	}{
		{st.Primary.Source.String(), st.Primary.IsConnected, st.Primary.ConsecutiveFailures},
		{st.Fallback.Source.String(), st.Fallback.IsConnected, st.Fallback.ConsecutiveFailures},
	} {
		m.SourceConnected.WithLabelValues(h.name).Set(boolGauge(h.connected))
		m.SourceFailures.WithLabelValues(h.name).Set(float64(h.failures))
	}

	stale := 0
	for _, s := range st.Symbols {
		if s.Stale {
			stale++
		}
	}
	m.SymbolsStale.Set(float64(stale))

	cur := st.Stats
	m.TicksSuppressed.WithLabelValues("out_of_order").Add(delta(cur.OutOfOrder, r.last.OutOfOrder))
	m.TicksSuppressed.WithLabelValues("duplicate").Add(delta(cur.Duplicates, r.last.Duplicates))
	m.InboxDropped.Add(delta(cur.Dropped, r.last.Dropped))
	m.RouterErrors.Add(delta(cur.Errors, r.last.Errors))
	r.last = cur
}

func (r *Reporter) sampleSinks(stats []bus.SinkStat) {
	m := r.m
	for _, s := range stats {
		prev := r.lastSink[s.Name]
		m.FanoutDropsTotal.WithLabelValues(s.Name).Add(delta(s.Dropped, prev.Dropped))
		m.FanoutDelivered.WithLabelValues(s.Name).Add(delta(s.Delivered, prev.Delivered))
		m.FanoutFailures.WithLabelValues(s.Name).Add(delta(s.Failed, prev.Failed))
		if s.Cap > 0 {
			m.ChannelSaturationPct.WithLabelValues(s.Name).Set(100 * float64(s.Len) / float64(s.Cap))
		}
		r.lastSink[s.Name] = s
	}
}

func delta(cur, prev uint64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur - prev)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
