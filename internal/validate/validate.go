// Package validate decides whether a raw tick may enter the routing pipeline.
//
// Validate is a pure function: the only state it looks at is what the caller
// passes in. In particular the circuit breaker compares against a previous
// price the ingest client supplies; the validator itself remembers nothing.
package validate

import (
	"time"

	"github.com/shopspring/decimal"

	"pricerouter/internal/model"
)

// Reason explains why a tick was rejected.
type Reason string

const (
	ReasonMissingSymbol    Reason = "missing symbol"
	ReasonNonPositivePrice Reason = "non-positive price"
	ReasonNegativeVolume   Reason = "negative volume"
	ReasonMissingTimestamp Reason = "missing timestamp"
	ReasonFutureTimestamp  Reason = "future timestamp"
	ReasonImplausibleMove  Reason = "circuit breaker: implausible move"
)

// Defaults.
const (
	DefaultClockSkewTolerance = 5 * time.Second
)

// DefaultCircuitBreakerThreshold is a 20% move.
var DefaultCircuitBreakerThreshold = decimal.NewFromFloat(0.20)

// Config holds the validation thresholds.
type Config struct {
	// ClockSkewTolerance is how far in the future an event timestamp may be.
	ClockSkewTolerance time.Duration

	// CircuitBreakerThreshold is the relative move (0.20 = 20%) at or above
	// which a tick is rejected. Zero disables the rule.
	CircuitBreakerThreshold decimal.Decimal
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ClockSkewTolerance:      DefaultClockSkewTolerance,
		CircuitBreakerThreshold: DefaultCircuitBreakerThreshold,
	}
}

// Result is the outcome of Validate.
type Result struct {
	Accepted bool
	Reason   Reason // empty when accepted
}

func accept() Result         { return Result{Accepted: true} }
func reject(r Reason) Result { return Result{Reason: r} }

// Validate applies the rules in order; the first failure wins.
//
// prev is the last accepted price for the same symbol if the caller knows one.
// now is the caller's current time, used for the future-timestamp check.
func Validate(t model.Tick, prev decimal.NullDecimal, now time.Time, cfg Config) Result {
	if t.Symbol == "" {
		return reject(ReasonMissingSymbol)
	}
	if !t.Price.IsPositive() {
		return reject(ReasonNonPositivePrice)
	}
	if t.Volume.IsNegative() {
		return reject(ReasonNegativeVolume)
	}
	if t.EventTimestamp.IsZero() || t.EventTimestamp.Unix() <= 0 {
		return reject(ReasonMissingTimestamp)
	}
	if t.EventTimestamp.After(now.Add(cfg.ClockSkewTolerance)) {
		return reject(ReasonFutureTimestamp)
	}
	if prev.Valid && prev.Decimal.IsPositive() && cfg.CircuitBreakerThreshold.IsPositive() {
		// |price - prev| >= prev * threshold, kept multiplicative so the
		// boundary is exact at any precision.
		move := t.Price.Sub(prev.Decimal).Abs()
		if move.GreaterThanOrEqual(prev.Decimal.Mul(cfg.CircuitBreakerThreshold)) {
			return reject(ReasonImplausibleMove)
		}
	}
	return accept()
}

// Prev wraps a known previous price for Validate.
func Prev(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// NoPrev is passed when no previous price is known.
var NoPrev = decimal.NullDecimal{}
