package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"pricerouter/internal/model"
	"pricerouter/internal/ringbuf"
)

// updateWriter is the part of Writer the buffered sink needs.
type updateWriter interface {
	WriteUpdate(ctx context.Context, u model.PriceUpdate) error
}

// BreakerConfig tunes the circuit breaker and local buffer.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures uint32
	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration
	// BufferSize bounds writes held while open; oldest are dropped first.
	BufferSize int
}

func (c *BreakerConfig) defaults() {
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 10 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
}

// BufferedWriter is the Redis fanout sink. Writes go through a circuit
// breaker; while it is open they are buffered locally. Writes reach Redis in
// delivery order: while anything is buffered, new updates queue behind it and
// the buffer is replayed oldest first as soon as the breaker admits requests.
type BufferedWriter struct {
	writer updateWriter
	cb     *gobreaker.CircuitBreaker[struct{}]
	log    *zap.Logger
	retry  time.Duration

	// mu serialises Deliver so the buffer and direct writes cannot interleave.
	mu     sync.Mutex
	buffer *ringbuf.Ring[model.PriceUpdate]

	// Callbacks
	OnBuffer      func()          // called when a write is buffered (for metrics)
	OnFlush       func(count int) // called after flushing buffered writes
	OnStateChange func(from, to gobreaker.State)
}

// NewBufferedWriter creates a BufferedWriter wrapping w.
func NewBufferedWriter(w updateWriter, cfg BreakerConfig, log *zap.Logger) *BufferedWriter {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	bw := &BufferedWriter{
		writer: w,
		retry:  cfg.ResetTimeout,
		log:    log.Named("redis"),
		buffer: ringbuf.New[model.PriceUpdate](cfg.BufferSize),
	}
	bw.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			bw.log.Info("circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if bw.OnStateChange != nil {
				bw.OnStateChange(from, to)
			}
		},
	})
	return bw
}

// Name implements model.Sink.
func (bw *BufferedWriter) Name() string { return "redis" }

// Deliver implements model.Sink. With the breaker open the update is
// buffered and Deliver reports success.
func (bw *BufferedWriter) Deliver(ctx context.Context, u model.PriceUpdate) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.buffer.Len() > 0 {
		bw.bufferWrite(u)
		bw.flush(ctx)
		return nil
	}
	err := bw.write(ctx, u)
	if isOpen(err) {
		bw.bufferWrite(u)
		return nil
	}
	return err
}

func (bw *BufferedWriter) write(ctx context.Context, u model.PriceUpdate) error {
	_, err := bw.cb.Execute(func() (struct{}, error) {
		return struct{}{}, bw.writer.WriteUpdate(ctx, u)
	})
	return err
}

func isOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (bw *BufferedWriter) bufferWrite(u model.PriceUpdate) {
	if bw.buffer.Push(u) {
		bw.log.Debug("redis buffer full, dropped oldest write")
	}
	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// flush replays buffered writes oldest first until the buffer is empty or a
// write fails. A failed write stays at the head. Callers hold mu.
func (bw *BufferedWriter) flush(ctx context.Context) {
	flushed := 0
	for {
		u, ok := bw.buffer.Peek()
		if !ok {
			break
		}
		if err := bw.write(ctx, u); err != nil {
			if !isOpen(err) {
				bw.log.Warn("flush write failed", zap.String("symbol", u.Symbol), zap.Error(err))
			}
			break
		}
		bw.buffer.Pop()
		flushed++
	}

	if flushed > 0 {
		bw.log.Info("flushed buffered writes", zap.Int("count", flushed))
		if bw.OnFlush != nil {
			bw.OnFlush(flushed)
		}
	}
}

// Flush replays any buffered writes now, without waiting for the next
// delivery.
func (bw *BufferedWriter) Flush(ctx context.Context) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	bw.flush(ctx)
}

// Run retries the buffer every reset timeout so it drains even when no new
// updates arrive. It returns when ctx is done.
func (bw *BufferedWriter) Run(ctx context.Context) error {
	t := time.NewTicker(bw.retry)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if bw.PendingCount() > 0 {
				bw.Flush(ctx)
			}
		}
	}
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	return bw.buffer.Len()
}

// Dropped returns the number of buffered writes lost to a full buffer.
func (bw *BufferedWriter) Dropped() uint64 {
	return bw.buffer.Evicted()
}

// State returns the breaker state.
func (bw *BufferedWriter) State() gobreaker.State {
	return bw.cb.State()
}
