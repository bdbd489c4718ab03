package model

import (
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
)

// PriceUpdate is the canonical output tick delivered to every fanout sink.
type PriceUpdate struct {
	Symbol             string          `json:"symbol"`
	Price              decimal.Decimal `json:"price"`
	PriceChangePercent decimal.Decimal `json:"price_change_pct"`
	Volume             decimal.Decimal `json:"volume"`
	Source             Source          `json:"source"`
	EventTimestamp     time.Time       `json:"ts"`
}

// JSON returns the JSON encoding of the update. Encoding a struct of
// decimals, strings and times cannot fail.
func (u PriceUpdate) JSON() []byte {
	b, _ := json.Marshal(u)
	return b
}
