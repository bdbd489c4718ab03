package validate

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pricerouter/internal/model"
)

// DefaultCircuitBreakerWindow bounds how old a previous price may be and
// still serve as circuit-breaker context.
const DefaultCircuitBreakerWindow = 5 * time.Minute

type lastPrice struct {
	price decimal.Decimal
	at    time.Time
}

// Checker is the per-client wrapper around Validate. It remembers the last
// accepted price per symbol and feeds it back as the breaker reference while
// it is younger than Window. Safe for concurrent use.
type Checker struct {
	cfg    Config
	window time.Duration

	mu   sync.Mutex
	last map[string]lastPrice
}

// NewChecker returns a Checker. window <= 0 uses DefaultCircuitBreakerWindow.
func NewChecker(cfg Config, window time.Duration) *Checker {
	if window <= 0 {
		window = DefaultCircuitBreakerWindow
	}
	return &Checker{cfg: cfg, window: window, last: make(map[string]lastPrice)}
}

// Check validates t at now and records it when accepted.
func (c *Checker) Check(t model.Tick, now time.Time) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := NoPrev
	if lp, ok := c.last[t.Symbol]; ok && now.Sub(lp.at) < c.window {
		prev = Prev(lp.price)
	}
	res := Validate(t, prev, now, c.cfg)
	if res.Accepted {
		c.last[t.Symbol] = lastPrice{price: t.Price, at: now}
	}
	return res
}
