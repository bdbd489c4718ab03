// Package notification delivers operator alerts (phase transitions, feed
// outages) to external channels: log, generic webhook, Telegram.
package notification

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// AlertKind names what raised an alert.
type AlertKind string

const (
	KindPhaseTransition AlertKind = "phase_transition"
	KindDivergence      AlertKind = "divergence"
)

// Alert represents a notification to be sent. Phase is the routing phase the
// alert refers to; Symbol is set for per-symbol alerts.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Kind    AlertKind  `json:"kind,omitempty"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Phase   string     `json:"phase,omitempty"`
	Symbol  string     `json:"symbol,omitempty"`
	At      time.Time  `json:"ts"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log.Named("alert")}
}

func (n *LogNotifier) Send(_ context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("kind", string(alert.Kind)),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
	}
	if alert.Phase != "" {
		fields = append(fields, zap.String("phase", alert.Phase))
	}
	if alert.Symbol != "" {
		fields = append(fields, zap.String("symbol", alert.Symbol))
	}
	switch alert.Level {
	case AlertCritical:
		n.log.Error("alert", fields...)
	case AlertWarning:
		n.log.Warn("alert", fields...)
	default:
		n.log.Info("alert", fields...)
	}
	return nil
}

// Multi sends every alert to all notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher decouples alert producers from slow backends. Notify never
// blocks; alerts beyond the queue capacity are dropped and counted.
type Dispatcher struct {
	n       Notifier
	log     *zap.Logger
	queue   chan Alert
	timeout time.Duration
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewDispatcher creates a Dispatcher with the given queue size.
func NewDispatcher(n Notifier, size int, log *zap.Logger) *Dispatcher {
	if size <= 0 {
		size = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{n: n, log: log.Named("notify"), queue: make(chan Alert, size), timeout: 10 * time.Second}
}

// Notify queues an alert.
func (d *Dispatcher) Notify(a Alert) {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	select {
	case d.queue <- a:
	default:
		d.dropped.Add(1)
	}
}

// Dropped returns the number of alerts lost to a full queue.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Failed returns the number of alerts a backend refused.
func (d *Dispatcher) Failed() uint64 { return d.failed.Load() }

// Run delivers queued alerts until ctx is cancelled, then flushes what is
// left with a short deadline.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.flush()
			return nil
		case a := <-d.queue:
			d.send(ctx, a)
		}
	}
}

func (d *Dispatcher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case a := <-d.queue:
			d.send(ctx, a)
		default:
			return
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, a Alert) {
	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.n.Send(sctx, a); err != nil {
		d.failed.Add(1)
		d.log.Warn("alert delivery failed", zap.String("title", a.Title), zap.Error(err))
	}
}
