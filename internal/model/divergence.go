package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DivergenceRecord captures how far the two providers disagree on a symbol.
// Observability only; routing never reads it.
type DivergenceRecord struct {
	Symbol        string          `json:"symbol"`
	PrimaryPrice  decimal.Decimal `json:"primary_price"`
	FallbackPrice decimal.Decimal `json:"fallback_price"`
	DeltaPct      decimal.Decimal `json:"delta_pct"`
	PrimaryAt     time.Time       `json:"primary_ts"`
	FallbackAt    time.Time       `json:"fallback_ts"`
	RecordedAt    time.Time       `json:"recorded_at"`
}
