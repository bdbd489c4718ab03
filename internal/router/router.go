// Package router implements the DataSourceRouter: a single-consumer loop
// that decides which upstream provider is authoritative and forwards only
// that provider's ticks.
//
// All routing state lives in the loop goroutine. Producers reach it through
// Offer, which never blocks; readers see it through Status, an immutable
// snapshot republished after every change.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricerouter/internal/clock"
	"pricerouter/internal/model"
)

// Defaults.
const (
	DefaultFailoverThreshold      = 60 * time.Second
	DefaultRestorationGracePeriod = 10 * time.Second
	DefaultFallbackStaleThreshold = 150 * time.Second
	DefaultEvalInterval           = 500 * time.Millisecond
	DefaultInboxSize              = 4096
)

// ErrUnknownSource is reported for events from a source the router does not route.
var ErrUnknownSource = errors.New("router: unknown source")

var hundred = decimal.NewFromInt(100)

// Config holds the state machine thresholds.
type Config struct {
	// FailoverThreshold is how long primary may go without an accepted tick
	// before it is considered unusable.
	FailoverThreshold time.Duration
	// RestorationGracePeriod is how long primary must tick continuously
	// before it takes over from fallback again. Zero restores at once.
	RestorationGracePeriod time.Duration
	// FallbackStaleThreshold is how old the last fallback tick may be for
	// fallback to count as usable.
	FallbackStaleThreshold time.Duration
	// EvalInterval drives time-based transitions when no events arrive.
	EvalInterval time.Duration
	// InboxSize bounds the event queue; a full queue drops events.
	InboxSize int
}

func (c *Config) defaults() {
	if c.FailoverThreshold <= 0 {
		c.FailoverThreshold = DefaultFailoverThreshold
	}
	if c.RestorationGracePeriod < 0 {
		c.RestorationGracePeriod = DefaultRestorationGracePeriod
	}
	if c.FallbackStaleThreshold <= 0 {
		c.FallbackStaleThreshold = DefaultFallbackStaleThreshold
	}
	if c.EvalInterval <= 0 {
		c.EvalInterval = DefaultEvalInterval
	}
	if c.InboxSize <= 0 {
		c.InboxSize = DefaultInboxSize
	}
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		FailoverThreshold:      DefaultFailoverThreshold,
		RestorationGracePeriod: DefaultRestorationGracePeriod,
		FallbackStaleThreshold: DefaultFallbackStaleThreshold,
		EvalInterval:           DefaultEvalInterval,
		InboxSize:              DefaultInboxSize,
	}
}

// Transition describes one phase change.
type Transition struct {
	From   Phase
	To     Phase
	At     time.Time
	Reason string
}

// state is the router's decision record. Only the loop touches it.
type state struct {
	phase          Phase
	phaseEnteredAt time.Time
	primary        model.ConnectionHealth
	fallback       model.ConnectionHealth

	lastEmitted map[string]emitted
	// latest accepted tick per source per symbol, for promotion on failover.
	latest map[model.Source]map[string]model.Tick

	// primary restoration streak
	streakStart     time.Time
	lastPrimaryTick time.Time

	// ConnectedAt of the connection that carried primary into PrimaryActive.
	// Later reconnects do not move it.
	entryConnectedAt time.Time

	lastNow time.Time
}

type emitted struct {
	tick      model.Tick
	changePct decimal.Decimal
	at        time.Time
}

// Router is the DataSourceRouter.
type Router struct {
	cfg Config
	clk clock.Clock
	log *zap.Logger
	pub model.Publisher
	obs model.TickObserver

	inbox chan model.Event
	st    state

	status atomic.Pointer[Status]

	received    atomic.Uint64
	dropped     atomic.Uint64
	emittedN    atomic.Uint64
	outOfOrder  atomic.Uint64
	duplicates  atomic.Uint64
	errs        atomic.Uint64
	transitions atomic.Uint64

	// OnTransition is called from the loop on every phase change. It must
	// not block.
	OnTransition func(Transition)
	// OnEmit is called from the loop for every published update.
	OnEmit func(model.PriceUpdate)
}

// New creates a Router in PhaseBothUnavailable. obs may be nil.
func New(cfg Config, clk clock.Clock, pub model.Publisher, obs model.TickObserver, log *zap.Logger) *Router {
	cfg.defaults()
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	now := clk.Now()
	r := &Router{
		cfg:   cfg,
		clk:   clk,
		log:   log.Named("router"),
		pub:   pub,
		obs:   obs,
		inbox: make(chan model.Event, cfg.InboxSize),
		st: state{
			phase:          PhaseBothUnavailable,
			phaseEnteredAt: now,
			primary:        model.ConnectionHealth{Source: model.SourcePrimary},
			fallback:       model.ConnectionHealth{Source: model.SourceFallback},
			lastEmitted:    make(map[string]emitted),
			latest: map[model.Source]map[string]model.Tick{
				model.SourcePrimary:  {},
				model.SourceFallback: {},
			},
			lastNow: now,
		},
	}
	r.publishStatus(now)
	return r
}

// Offer enqueues ev for the loop. It never blocks; a full inbox drops the
// event and returns false.
func (r *Router) Offer(ev model.Event) bool {
	select {
	case r.inbox <- ev:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Status returns the latest published snapshot.
func (r *Router) Status() *Status {
	return r.status.Load()
}

// Stats returns the current counters.
func (r *Router) Stats() Stats {
	return Stats{
		Received:    r.received.Load(),
		Dropped:     r.dropped.Load(),
		Emitted:     r.emittedN.Load(),
		OutOfOrder:  r.outOfOrder.Load(),
		Duplicates:  r.duplicates.Load(),
		Errors:      r.errs.Load(),
		Transitions: r.transitions.Load(),
	}
}

// Run consumes the inbox until ctx is cancelled. Always returns nil.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.EvalInterval)
	defer ticker.Stop()

	r.log.Info("router started",
		zap.Duration("failover_threshold", r.cfg.FailoverThreshold),
		zap.Duration("restoration_grace", r.cfg.RestorationGracePeriod))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("router stopped", zap.Stringer("phase", r.st.phase))
			return nil
		case ev := <-r.inbox:
			r.Handle(ev)
		case <-ticker.C:
			r.Evaluate()
		}
	}
}

// Handle processes one event synchronously. It must not be called while Run
// is active.
func (r *Router) Handle(ev model.Event) {
	r.received.Add(1)
	r.guard(func() error { return r.handle(ev) }, ev)
}

// Evaluate re-checks time-based transitions at the current clock time. Same
// rules as Handle apply.
func (r *Router) Evaluate() {
	r.guard(func() error {
		now := r.now()
		r.evaluate(now)
		r.publishStatus(now)
		return nil
	}, model.Event{})
}

// guard recovers panics and errors at the loop boundary.
func (r *Router) guard(fn func() error, ev model.Event) {
	defer func() {
		if p := recover(); p != nil {
			r.errs.Add(1)
			r.log.Error("panic while handling event",
				zap.Any("panic", p),
				zap.Stringer("kind", ev.Kind),
				zap.String("symbol", ev.Tick.Symbol))
		}
	}()
	if err := fn(); err != nil {
		r.errs.Add(1)
		r.log.Warn("event discarded", zap.Error(err), zap.Stringer("kind", ev.Kind))
	}
}

// now returns the clock time, never earlier than the last time seen.
func (r *Router) now() time.Time {
	now := r.clk.Now()
	if now.Before(r.st.lastNow) {
		now = r.st.lastNow
	}
	r.st.lastNow = now
	return now
}

func (r *Router) handle(ev model.Event) error {
	src := ev.Health.Source
	if ev.Kind == model.EventTick {
		src = ev.Tick.Source
	}
	if src != model.SourcePrimary && src != model.SourceFallback {
		return fmt.Errorf("%w: %d", ErrUnknownSource, src)
	}
	if ev.Kind != model.EventHealth && ev.Kind != model.EventTick {
		return fmt.Errorf("router: unknown event kind %d", ev.Kind)
	}

	now := r.now()

	// 1. health
	h := ev.Health
	h.Source = src
	if src == model.SourcePrimary {
		r.st.primary = h
		if !h.IsConnected || h.Stopped {
			r.st.streakStart = time.Time{}
		}
		if ev.Kind == model.EventTick {
			if r.st.streakStart.IsZero() || now.Sub(r.st.lastPrimaryTick) >= r.cfg.RestorationGracePeriod {
				r.st.streakStart = now
			}
			r.st.lastPrimaryTick = now
		}
	} else {
		r.st.fallback = h
	}

	// 2. transitions
	r.evaluate(now)

	// 3. the tick itself
	if ev.Kind == model.EventTick {
		r.route(ev.Tick, now)
	}
	r.publishStatus(now)
	return nil
}

// primaryAvailable is the entry rule: a connect newer than the last tick
// makes primary available at once.
func (r *Router) primaryAvailable(now time.Time) bool {
	h := r.st.primary
	if h.Stopped {
		return false
	}
	ref := h.LastSuccessfulTickAt
	if h.IsConnected && h.ConnectedAt.After(ref) {
		ref = h.ConnectedAt
	}
	if ref.IsZero() {
		return false
	}
	return now.Sub(ref) < r.cfg.FailoverThreshold
}

// primaryUsable is the staying rule for PrimaryActive. Staleness runs from
// the last accepted tick; reconnects without data do not reset it.
func (r *Router) primaryUsable(now time.Time) bool {
	h := r.st.primary
	if h.Stopped {
		return false
	}
	ref := h.LastSuccessfulTickAt
	if r.st.entryConnectedAt.After(ref) {
		ref = r.st.entryConnectedAt
	}
	if ref.IsZero() {
		return false
	}
	return now.Sub(ref) < r.cfg.FailoverThreshold
}

func (r *Router) fallbackUsable(now time.Time) bool {
	h := r.st.fallback
	if h.Stopped || h.LastSuccessfulTickAt.IsZero() {
		return false
	}
	return now.Sub(h.LastSuccessfulTickAt) < r.cfg.FallbackStaleThreshold
}

// restored reports whether primary has ticked continuously for the grace period.
func (r *Router) restored(now time.Time) bool {
	if r.st.streakStart.IsZero() {
		return false
	}
	if r.cfg.RestorationGracePeriod > 0 && now.Sub(r.st.lastPrimaryTick) >= r.cfg.RestorationGracePeriod {
		return false
	}
	return now.Sub(r.st.streakStart) >= r.cfg.RestorationGracePeriod
}

func (r *Router) evaluate(now time.Time) {
	f := r.fallbackUsable(now)

	switch r.st.phase {
	case PhaseBothUnavailable:
		switch {
		case r.primaryAvailable(now):
			r.transition(PhasePrimaryActive, now, "primary available")
		case f:
			r.transition(PhaseFallbackActive, now, "fallback available, primary unavailable")
		}
	case PhasePrimaryActive:
		if r.primaryUsable(now) {
			return
		}
		if f {
			r.transition(PhaseFallbackActive, now, "primary stale")
		} else {
			r.transition(PhaseBothUnavailable, now, "primary stale, fallback unavailable")
		}
	case PhaseFallbackActive:
		p := r.primaryAvailable(now)
		switch {
		case p && r.restored(now):
			r.transition(PhasePrimaryActive, now, "primary restored")
		case !f && p:
			r.transition(PhasePrimaryActive, now, "fallback unavailable, primary usable")
		case !f:
			r.transition(PhaseBothUnavailable, now, "fallback stale, primary unavailable")
		}
	}
}

func (r *Router) transition(to Phase, now time.Time, reason string) {
	from := r.st.phase
	if from == to {
		return
	}
	r.st.phase = to
	r.st.phaseEnteredAt = now
	r.st.entryConnectedAt = time.Time{}
	if to == PhasePrimaryActive && r.st.primary.IsConnected {
		r.st.entryConnectedAt = r.st.primary.ConnectedAt
	}
	r.transitions.Add(1)

	r.log.Info("phase transition",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("reason", reason))
	if r.OnTransition != nil {
		r.OnTransition(Transition{From: from, To: to, At: now, Reason: reason})
	}

	if src, ok := authoritative(to); ok {
		r.promote(src, now)
	}
}

// promote emits the newest cached tick per symbol from src that is fresher
// than what was last emitted.
func (r *Router) promote(src model.Source, now time.Time) {
	maxAge := r.cfg.FailoverThreshold
	if src == model.SourceFallback {
		maxAge = r.cfg.FallbackStaleThreshold
	}
	cache := r.st.latest[src]
	syms := make([]string, 0, len(cache))
	for sym := range cache {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	for _, sym := range syms {
		t := cache[sym]
		if now.Sub(t.ReceivedTimestamp) >= maxAge {
			continue
		}
		if last, ok := r.st.lastEmitted[sym]; ok && !t.EventTimestamp.After(last.tick.EventTimestamp) {
			continue
		}
		r.emit(t, now)
	}
}

func authoritative(p Phase) (model.Source, bool) {
	switch p {
	case PhasePrimaryActive:
		return model.SourcePrimary, true
	case PhaseFallbackActive:
		return model.SourceFallback, true
	default:
		return model.SourceUnknown, false
	}
}

func (r *Router) route(t model.Tick, now time.Time) {
	if r.obs != nil {
		r.obs.Observe(t)
	}

	cache := r.st.latest[t.Source]
	if prev, ok := cache[t.Symbol]; !ok || !t.EventTimestamp.Before(prev.EventTimestamp) {
		cache[t.Symbol] = t
	}

	src, ok := authoritative(r.st.phase)
	if !ok || t.Source != src {
		return
	}

	if last, ok := r.st.lastEmitted[t.Symbol]; ok {
		switch {
		case t.EventTimestamp.Before(last.tick.EventTimestamp):
			r.outOfOrder.Add(1)
			r.log.Debug("out-of-order tick dropped",
				zap.String("symbol", t.Symbol),
				zap.Time("ts", t.EventTimestamp),
				zap.Time("last_ts", last.tick.EventTimestamp))
			return
		case t.EventTimestamp.Equal(last.tick.EventTimestamp):
			r.duplicates.Add(1)
			return
		}
	}
	r.emit(t, now)
}

func (r *Router) emit(t model.Tick, now time.Time) {
	pct := decimal.Zero
	if last, ok := r.st.lastEmitted[t.Symbol]; ok && last.tick.Price.IsPositive() {
		pct = t.Price.Sub(last.tick.Price).Div(last.tick.Price).Mul(hundred)
	}
	r.st.lastEmitted[t.Symbol] = emitted{tick: t, changePct: pct, at: now}
	r.emittedN.Add(1)

	u := model.PriceUpdate{
		Symbol:             t.Symbol,
		Price:              t.Price,
		PriceChangePercent: pct,
		Volume:             t.Volume,
		Source:             t.Source,
		EventTimestamp:     t.EventTimestamp,
	}
	if r.pub != nil {
		r.pub.Publish(u)
	}
	if r.OnEmit != nil {
		r.OnEmit(u)
	}
}

func (r *Router) publishStatus(now time.Time) {
	s := &Status{
		Phase:            r.st.phase,
		LastTransitionAt: r.st.phaseEnteredAt,
		Primary:          r.st.primary,
		Fallback:         r.st.fallback,
		Symbols:          make([]SymbolStatus, 0, len(r.st.lastEmitted)),
		Stats:            r.Stats(),
		At:               now,
	}
	for sym, e := range r.st.lastEmitted {
		s.Symbols = append(s.Symbols, SymbolStatus{
			Symbol:             sym,
			Price:              e.tick.Price,
			PriceChangePercent: e.changePct,
			Source:             e.tick.Source,
			EventTimestamp:     e.tick.EventTimestamp,
			EmittedAt:          e.at,
			Stale:              r.st.phase == PhaseBothUnavailable || now.Sub(e.at) >= r.cfg.FailoverThreshold,
		})
	}
	sort.Slice(s.Symbols, func(i, j int) bool { return s.Symbols[i].Symbol < s.Symbols[j].Symbol })
	r.status.Store(s)
}
