package model

import (
	"fmt"
	"strings"
)

// Symbol is one entry of the tracked symbol registry.
type Symbol struct {
	Ticker string `json:"ticker" mapstructure:"ticker"`
	Venue  string `json:"venue" mapstructure:"venue"`
}

// Key returns a unique key for this symbol: "venue:ticker".
func (s Symbol) Key() string {
	return s.Venue + ":" + s.Ticker
}

// ParseSymbol parses "TICKER:VENUE" (venue optional).
func ParseSymbol(s string) (Symbol, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Symbol{}, fmt.Errorf("model: empty symbol")
	}
	ticker, venue, _ := strings.Cut(s, ":")
	ticker = NormalizeTicker(ticker)
	if ticker == "" {
		return Symbol{}, fmt.Errorf("model: symbol %q has no ticker", s)
	}
	return Symbol{Ticker: ticker, Venue: strings.ToUpper(strings.TrimSpace(venue))}, nil
}

// NormalizeTicker is the canonical ticker spelling used as a routing key.
func NormalizeTicker(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

// Tickers returns the ticker of every symbol, in order.
func Tickers(symbols []Symbol) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = s.Ticker
	}
	return out
}
