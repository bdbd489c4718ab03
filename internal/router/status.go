package router

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"pricerouter/internal/model"
)

// Status is an immutable snapshot of the router's state, safe to read from
// any goroutine.
type Status struct {
	Phase            Phase                  `json:"phase"`
	LastTransitionAt time.Time              `json:"last_transition_at"`
	Primary          model.ConnectionHealth `json:"primary"`
	Fallback         model.ConnectionHealth `json:"fallback"`
	Symbols          []SymbolStatus         `json:"symbols"`
	Stats            Stats                  `json:"stats"`
	At               time.Time              `json:"at"`
}

// SymbolStatus is the last tick emitted for one symbol. Stale ticks are still
// reported; consumers decide what to do with them.
type SymbolStatus struct {
	Symbol             string          `json:"symbol"`
	Price              decimal.Decimal `json:"price"`
	PriceChangePercent decimal.Decimal `json:"price_change_pct"`
	Source             model.Source    `json:"source"`
	EventTimestamp     time.Time       `json:"ts"`
	EmittedAt          time.Time       `json:"emitted_at"`
	Stale              bool            `json:"stale"`
}

// Symbol returns the status of one symbol.
func (s *Status) Symbol(sym string) (SymbolStatus, bool) {
	i := sort.Search(len(s.Symbols), func(i int) bool { return s.Symbols[i].Symbol >= sym })
	if i < len(s.Symbols) && s.Symbols[i].Symbol == sym {
		return s.Symbols[i], true
	}
	return SymbolStatus{}, false
}

// Stats are cumulative router counters.
type Stats struct {
	Received    uint64 `json:"received"`
	Dropped     uint64 `json:"dropped"`
	Emitted     uint64 `json:"emitted"`
	OutOfOrder  uint64 `json:"out_of_order"`
	Duplicates  uint64 `json:"duplicates"`
	Errors      uint64 `json:"errors"`
	Transitions uint64 `json:"transitions"`
}
