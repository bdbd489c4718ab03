package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the price router.
type Metrics struct {
	// Ingest
	EventsTotal     *prometheus.CounterVec // labels: source, kind
	TicksRejected   *prometheus.CounterVec // labels: source, reason
	StreamReconnect prometheus.Counter
	PollDuration    prometheus.Histogram
	PollFailures    prometheus.Counter
	PollSkipped     prometheus.Counter

	// Router
	Phase            prometheus.Gauge       // 0=both_unavailable, 1=primary, 2=fallback
	PhaseTransitions *prometheus.CounterVec // labels: from, to
	TicksEmitted     *prometheus.CounterVec // labels: source
	TicksSuppressed  *prometheus.CounterVec // labels: reason=out_of_order|duplicate
	InboxDropped     prometheus.Counter
	RouterErrors     prometheus.Counter
	SourceConnected  *prometheus.GaugeVec // labels: source
	SourceFailures   *prometheus.GaugeVec // labels: source
	SymbolsStale     prometheus.Gauge

	// Consistency
	DivergencePct *prometheus.GaugeVec // labels: symbol

	// Fanout
	FanoutDropsTotal     *prometheus.CounterVec // labels: sink
	FanoutDelivered      *prometheus.CounterVec // labels: sink
	FanoutFailures       *prometheus.CounterVec // labels: sink
	ChannelSaturationPct *prometheus.GaugeVec   // labels: sink

	// Sinks
	RedisWriteDur            prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
	SQLiteCommitDur          prometheus.Histogram
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricerouter_events_total",
			Help: "Events received by the router, by source and kind",
		}, []string{"source", "kind"}),
		TicksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricerouter_ticks_rejected_total",
			Help: "Ticks discarded by validation",
		}, []string{"source", "reason"}),
		StreamReconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricerouter_stream_reconnects_total",
			Help: "Primary stream sessions lost",
		}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricerouter_poll_duration_seconds",
			Help:    "Fallback batch request latency",
			Buckets: prometheus.DefBuckets,
		}),
		PollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricerouter_poll_failures_total",
			Help: "Fallback polls that failed",
		}),
		PollSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricerouter_poll_skipped_total",
			Help: "Poll intervals skipped (request in flight or quota exhausted)",
		}),

		Phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricerouter_phase",
			Help: "Current routing phase (0=both_unavailable, 1=primary_active, 2=fallback_active)",
		}),
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricerouter_phase_transitions_total",
			Help: "Routing phase transitions",
		}, []string{"from", "to"}),
		TicksEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricerouter_ticks_emitted_total",
			Help: "Ticks forwarded to the fanout, by source",
		}, []string{"source"}),
		TicksSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricerouter_ticks_suppressed_total",
			Help: "Authoritative ticks not forwarded",
		}, []string{"reason"}),
		InboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricerouter_inbox_dropped_total",
			Help: "Events dropped on a full router inbox",
		}),
		RouterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricerouter_router_errors_total",
			Help: "Events discarded after an error or panic in the router loop",
		}),
		SourceConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pricerouter_source_connected",
			Help: "1 if the source reports a live transport",
		}, []string{"source"}),
		SourceFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pricerouter_source_consecutive_failures",
			Help: "Consecutive failures reported by the source",
		}, []string{"source"}),
		SymbolsStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricerouter_symbols_stale",
			Help: "Symbols whose last emitted tick is stale",
		}),

		DivergencePct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pricerouter_divergence_pct",
			Help: "Latest primary vs fallback divergence in percent",
		}, []string{"symbol"}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricerouter_fanout_drops_total",
			Help: "Updates evicted from a sink queue",
		}, []string{"sink"}),
		FanoutDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricerouter_fanout_delivered_total",
			Help: "Updates delivered to a sink",
		}, []string{"sink"}),
		FanoutFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricerouter_fanout_failures_total",
			Help: "Updates a sink failed to accept after all retries",
		}, []string{"sink"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pricerouter_fanout_queue_saturation_pct",
			Help: "Sink queue fill level in percent",
		}, []string{"sink"}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricerouter_redis_write_duration_seconds",
			Help:    "Redis write latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricerouter_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricerouter_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker opened",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricerouter_redis_buffered_writes_total",
			Help: "Writes buffered locally while Redis was unavailable",
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricerouter_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.TicksRejected,
		m.StreamReconnect,
		m.PollDuration,
		m.PollFailures,
		m.PollSkipped,
		m.Phase,
		m.PhaseTransitions,
		m.TicksEmitted,
		m.TicksSuppressed,
		m.InboxDropped,
		m.RouterErrors,
		m.SourceConnected,
		m.SourceFailures,
		m.SymbolsStale,
		m.DivergencePct,
		m.FanoutDropsTotal,
		m.FanoutDelivered,
		m.FanoutFailures,
		m.ChannelSaturationPct,
		m.RedisWriteDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.SQLiteCommitDur,
	)

	return m
}
