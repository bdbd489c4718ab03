package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies one of the two upstream price providers.
type Source int8

const (
	SourceUnknown  Source = 0
	SourcePrimary  Source = 1 // low-latency streaming provider
	SourceFallback Source = 2 // REST-polled provider
)

func (s Source) String() string {
	switch s {
	case SourcePrimary:
		return "primary"
	case SourceFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// MarshalText encodes the source as its lowercase name.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses "primary" or "fallback".
func (s *Source) UnmarshalText(b []byte) error {
	switch string(b) {
	case "primary":
		*s = SourcePrimary
	case "fallback":
		*s = SourceFallback
	default:
		return fmt.Errorf("model: unknown source %q", b)
	}
	return nil
}

// Tick is a single price observation for one symbol from one source.
// Price and Volume are decimals so circuit-breaker and divergence maths
// never lose precision to float rounding.
type Tick struct {
	Symbol            string          `json:"symbol"`
	Source            Source          `json:"source"`
	Price             decimal.Decimal `json:"price"`
	Volume            decimal.Decimal `json:"volume"`
	EventTimestamp    time.Time       `json:"event_ts"`    // provider timestamp (UTC)
	ReceivedTimestamp time.Time       `json:"received_ts"` // set by the ingest client on arrival
}
