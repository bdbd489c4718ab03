package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pricerouter/internal/logger"
	"pricerouter/internal/model"
	"pricerouter/internal/ringbuf"
)

// Defaults for sink delivery.
const (
	DefaultQueueSize   = 1024
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 100 * time.Millisecond
)

// Config controls per-sink queueing and retry.
type Config struct {
	QueueSize   int
	MaxAttempts int
	RetryDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// FanOut broadcasts price updates to N sinks. Each sink gets its own
// drop-oldest queue and worker goroutine, so a slow sink loses its own
// oldest updates and never blocks the publisher or the other sinks.
type FanOut struct {
	cfg Config
	log *zap.Logger

	mu      sync.RWMutex
	subs    []*subscriber
	started bool
	wg      sync.WaitGroup

	// OnDrop is called when an update is evicted from a sink's queue.
	OnDrop func(sink string)
	// OnDeliverError is called when a delivery fails after all attempts.
	OnDeliverError func(sink string, err error)
	// OnDelivered is called after a successful delivery.
	OnDelivered func(sink string)
}

type subscriber struct {
	sink      model.Sink
	queue     *ringbuf.Ring[model.PriceUpdate]
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// New creates a FanOut. log may be nil.
func New(cfg Config, log *zap.Logger) *FanOut {
	if log == nil {
		log = zap.NewNop()
	}
	return &FanOut{cfg: cfg.withDefaults(), log: log.Named("fanout")}
}

// Subscribe registers a sink. Must be called before Run.
func (f *FanOut) Subscribe(s model.Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return fmt.Errorf("bus: subscribe %s: fanout already running", s.Name())
	}
	for _, sub := range f.subs {
		if sub.sink.Name() == s.Name() {
			return fmt.Errorf("bus: subscribe %s: duplicate sink name", s.Name())
		}
	}
	f.subs = append(f.subs, &subscriber{
		sink:  s,
		queue: ringbuf.New[model.PriceUpdate](f.cfg.QueueSize),
	})
	return nil
}

// Publish enqueues u for every sink. Never blocks.
func (f *FanOut) Publish(u model.PriceUpdate) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sub := range f.subs {
		if sub.queue.Push(u) {
			if f.OnDrop != nil {
				f.OnDrop(sub.sink.Name())
			}
			f.log.Debug("sink queue full, dropped oldest update",
				zap.String("sink", sub.sink.Name()),
				zap.String("symbol", u.Symbol))
		}
	}
}

// Run starts one worker per sink and blocks until ctx is cancelled.
// Updates still queued at cancellation are delivered best-effort with a
// fresh background context before Run returns.
func (f *FanOut) Run(ctx context.Context) error {
	f.mu.Lock()
	f.started = true
	subs := append([]*subscriber(nil), f.subs...)
	f.mu.Unlock()

	for _, sub := range subs {
		f.wg.Add(1)
		go f.worker(ctx, sub)
	}
	f.wg.Wait()
	return nil
}

func (f *FanOut) worker(ctx context.Context, sub *subscriber) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			f.drain(sub)
			return
		case <-sub.queue.Ready():
			for {
				u, ok := sub.queue.Pop()
				if !ok {
					break
				}
				f.deliver(ctx, sub, u)
			}
		}
	}
}

func (f *FanOut) drain(sub *subscriber) {
	dctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		u, ok := sub.queue.Pop()
		if !ok || dctx.Err() != nil {
			return
		}
		f.deliver(dctx, sub, u)
	}
}

func (f *FanOut) deliver(ctx context.Context, sub *subscriber, u model.PriceUpdate) {
	name := sub.sink.Name()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(u.Symbol, u.EventTimestamp))
	var err error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		err = f.safeDeliver(ctx, sub.sink, u)
		if err == nil {
			sub.delivered.Add(1)
			if f.OnDelivered != nil {
				f.OnDelivered(name)
			}
			return
		}
		if attempt == f.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			attempt = f.cfg.MaxAttempts
		case <-time.After(f.cfg.RetryDelay * time.Duration(attempt)):
		}
	}
	sub.failed.Add(1)
	if f.OnDeliverError != nil {
		f.OnDeliverError(name, err)
	}
	f.log.Warn("sink delivery failed", append(logger.WithTrace(ctx),
		zap.String("sink", name),
		zap.String("symbol", u.Symbol),
		zap.Error(err))...)
}

func (f *FanOut) safeDeliver(ctx context.Context, s model.Sink, u model.PriceUpdate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bus: sink %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Deliver(ctx, u)
}

// SinkStat is a point-in-time view of one sink's queue.
type SinkStat struct {
	Name      string
	Len       int
	Cap       int
	Dropped   uint64
	Delivered uint64
	Failed    uint64
}

// Stats returns per-sink queue saturation and counters.
func (f *FanOut) Stats() []SinkStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]SinkStat, len(f.subs))
	for i, sub := range f.subs {
		stats[i] = SinkStat{
			Name:      sub.sink.Name(),
			Len:       sub.queue.Len(),
			Cap:       sub.queue.Cap(),
			Dropped:   sub.queue.Evicted(),
			Delivered: sub.delivered.Load(),
			Failed:    sub.failed.Load(),
		}
	}
	return stats
}

// Drops returns the number of updates dropped for the named sink.
func (f *FanOut) Drops(name string) uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sub := range f.subs {
		if sub.sink.Name() == name {
			return sub.queue.Evicted()
		}
	}
	return 0
}
