package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricerouter/internal/consistency"
	"pricerouter/internal/marketdata/bus"
	"pricerouter/internal/model"
	"pricerouter/internal/router"
)

type fixedStatus struct{ st *router.Status }

func (f fixedStatus) Status() *router.Status { return f.st }

type fixedDivergence struct{ limit decimal.Decimal }

func (f *fixedDivergence) Summarize(limit decimal.Decimal) consistency.Summary {
	f.limit = limit
	return consistency.Summary{LimitPct: limit, WithinPct: 75, Compared: 4}
}

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func statusWith(phase router.Phase) *router.Status {
	return &router.Status{
		Phase:            phase,
		LastTransitionAt: t0,
		Primary:          model.ConnectionHealth{Source: model.SourcePrimary, IsConnected: phase == router.PhasePrimaryActive},
		Fallback:         model.ConnectionHealth{Source: model.SourceFallback, ConsecutiveFailures: 2},
		Symbols: []router.SymbolStatus{
			{Symbol: "AAPL", Price: decimal.RequireFromString("150.25"), Source: model.SourcePrimary, EventTimestamp: t0, Stale: phase == router.PhaseBothUnavailable},
			{Symbol: "MSFT", Price: decimal.RequireFromString("400"), Source: model.SourcePrimary, EventTimestamp: t0, Stale: true},
		},
		Stats: router.Stats{OutOfOrder: 3, Duplicates: 1, Dropped: 5, Errors: 1},
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthz_ReflectsPhase(t *testing.T) {
	cases := []struct {
		phase  router.Phase
		code   int
		status string
	}{
		{router.PhasePrimaryActive, http.StatusOK, "healthy"},
		{router.PhaseFallbackActive, http.StatusOK, "degraded"},
		{router.PhaseBothUnavailable, http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.phase.String(), func(t *testing.T) {
			s := NewServer(ServerConfig{Router: fixedStatus{statusWith(tc.phase)}, Gatherer: prometheus.NewRegistry()}, nil)
			w := get(t, s.Handler(), "/healthz")
			assert.Equal(t, tc.code, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tc.status, body["status"])
			assert.Equal(t, tc.phase.String(), body["phase"])
			assert.NotEmpty(t, w.Header().Get(headerRequestID))
		})
	}
}

func TestHealthz_DegradedDependency(t *testing.T) {
	deps := NewDependencyHealth(nil, nil)
	deps.RedisEnabled = true // enabled but never probed successfully
	s := NewServer(ServerConfig{Router: fixedStatus{statusWith(router.PhasePrimaryActive)}, Deps: deps, Gatherer: prometheus.NewRegistry()}, nil)

	w := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
}

func TestStatusEndpoints(t *testing.T) {
	s := NewServer(ServerConfig{Router: fixedStatus{statusWith(router.PhaseBothUnavailable)}, Gatherer: prometheus.NewRegistry()}, nil)
	h := s.Handler()

	w := get(t, h, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)
	var st struct {
		Phase   string `json:"phase"`
		Symbols []struct {
			Symbol string `json:"symbol"`
			Price  string `json:"price"`
			Source string `json:"source"`
			Stale  bool   `json:"stale"`
		} `json:"symbols"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "both_unavailable", st.Phase)
	require.Len(t, st.Symbols, 2)
	assert.Equal(t, "150.25", st.Symbols[0].Price)
	assert.Equal(t, "primary", st.Symbols[0].Source)
	assert.True(t, st.Symbols[0].Stale)

	assert.Equal(t, http.StatusOK, get(t, h, "/api/status/MSFT").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/status/TSLA").Code)
}

func TestDivergenceEndpoint(t *testing.T) {
	div := &fixedDivergence{}
	s := NewServer(ServerConfig{Router: fixedStatus{statusWith(router.PhasePrimaryActive)}, Divergence: div, Gatherer: prometheus.NewRegistry()}, nil)
	h := s.Handler()

	w := get(t, h, "/api/divergence")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, div.limit.Equal(decimal.NewFromInt(5)))
	assert.Contains(t, w.Body.String(), `"within_pct":75`)

	get(t, h, "/api/divergence?limit_pct=2.5")
	assert.Equal(t, "2.5", div.limit.String())

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/divergence?limit_pct=abc").Code)

	noMon := NewServer(ServerConfig{Router: fixedStatus{statusWith(router.PhasePrimaryActive)}, Gatherer: prometheus.NewRegistry()}, nil)
	assert.Equal(t, http.StatusNotFound, get(t, noMon.Handler(), "/api/divergence").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Phase.Set(2)

	s := NewServer(ServerConfig{Router: fixedStatus{statusWith(router.PhasePrimaryActive)}, Gatherer: reg}, nil)
	w := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "pricerouter_phase 2"))
}

func TestReporter_SamplesDeltas(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	st := statusWith(router.PhaseFallbackActive)
	sinks := []bus.SinkStat{{Name: "redis", Len: 25, Cap: 100, Dropped: 4, Delivered: 10, Failed: 1}}
	r := NewReporter(m, func() *router.Status { return st }, func() []bus.SinkStat { return sinks })

	r.Sample()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Phase))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TicksSuppressed.WithLabelValues("out_of_order")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.InboxDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SymbolsStale))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SourceFailures.WithLabelValues("fallback")))
	assert.Equal(t, 25.0, testutil.ToFloat64(m.ChannelSaturationPct.WithLabelValues("redis")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.FanoutDropsTotal.WithLabelValues("redis")))

	next := *st
	next.Stats.OutOfOrder = 7
	st = &next
	sinks[0].Dropped = 6
	r.Sample()
	assert.Equal(t, 7.0, testutil.ToFloat64(m.TicksSuppressed.WithLabelValues("out_of_order")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.InboxDropped), "unchanged counter adds nothing")
	assert.Equal(t, 6.0, testutil.ToFloat64(m.FanoutDropsTotal.WithLabelValues("redis")))
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}

func TestReporter_TrackCounter(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	var skipped uint64 = 3
	r := NewReporter(m, nil, nil)
	r.TrackCounter(m.PollSkipped, func() uint64 { return skipped })

	r.Sample()
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PollSkipped))
	skipped = 4
	r.Sample()
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PollSkipped))
}

type acceptAll struct{ n int }

func (a *acceptAll) Offer(model.Event) bool { a.n++; return true }

func TestCountEvents(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	next := &acceptAll{}
	sink := CountEvents(next, m.EventsTotal)

	h := model.ConnectionHealth{Source: model.SourcePrimary}
	assert.True(t, sink.Offer(model.HealthEvent(h, t0)))
	assert.True(t, sink.Offer(model.TickEvent(model.Tick{Symbol: "AAPL", Source: model.SourcePrimary}, h, t0)))
	assert.True(t, sink.Offer(model.TickEvent(model.Tick{Symbol: "AAPL", Source: model.SourcePrimary}, h, t0)))

	assert.Equal(t, 3, next.n)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("primary", "health")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("primary", "tick")))
}

type panickingStatus struct{}

func (panickingStatus) Status() *router.Status { panic("status unavailable") }

func TestServer_RecoversPanicsAndEchoesRequestID(t *testing.T) {
	s := NewServer(ServerConfig{Router: panickingStatus{}, Gatherer: prometheus.NewRegistry()}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set(headerRequestID, "req-123")
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "req-123", w.Header().Get(headerRequestID))
	assert.Contains(t, w.Body.String(), "internal error")
}
