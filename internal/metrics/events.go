package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"pricerouter/internal/model"
)

// countingSink counts events on their way to the router.
type countingSink struct {
	next model.EventSink
	c    *prometheus.CounterVec
}

// CountEvents wraps next so every offered event increments c with the
// event's source and kind labels.
func CountEvents(next model.EventSink, c *prometheus.CounterVec) model.EventSink {
	return countingSink{next: next, c: c}
}

func (s countingSink) Offer(ev model.Event) bool {
	s.c.WithLabelValues(ev.Health.Source.String(), ev.Kind.String()).Inc()
	return s.next.Offer(ev)
}
