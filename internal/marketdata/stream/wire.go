package stream

import (
	"bytes"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"

	"pricerouter/internal/model"
)

// Frame is one tick on the wire:
//
//	{"symbol":"AAPL","price":"185.12","volume":"300","ts":1735689600000}
//
// ts is the provider event time in epoch milliseconds. Control frames carry a
// non-empty Type other than "tick" and are ignored.
type Frame struct {
	Type   string          `json:"type,omitempty"`
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	TS     int64           `json:"ts"`
}

// Subscribe is the first message sent after every (re)connect.
type Subscribe struct {
	Op      string   `json:"op"`
	ID      string   `json:"id"`
	Symbols []string `json:"symbols"`
	APIKey  string   `json:"api_key,omitempty"`
	TOTP    string   `json:"totp,omitempty"`
}

// FrameFromTick renders a tick in wire form.
func FrameFromTick(t model.Tick) Frame {
	return Frame{
		Symbol: t.Symbol,
		Price:  t.Price,
		Volume: t.Volume,
		TS:     t.EventTimestamp.UnixMilli(),
	}
}

// Tick converts the frame into a model tick received at recv. A frame
// without ts yields a zero EventTimestamp, which validation rejects.
func (f Frame) Tick(recv time.Time) model.Tick {
	var ts time.Time
	if f.TS > 0 {
		ts = time.UnixMilli(f.TS).UTC()
	}
	return model.Tick{
		Symbol:            model.NormalizeTicker(f.Symbol),
		Source:            model.SourcePrimary,
		Price:             f.Price,
		Volume:            f.Volume,
		EventTimestamp:    ts,
		ReceivedTimestamp: recv,
	}
}

// decodeFrames accepts a single frame object or an array of them.
func decodeFrames(raw []byte) ([]Frame, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var frames []Frame
		if err := json.Unmarshal(raw, &frames); err != nil {
			return nil, err
		}
		return frames, nil
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return []Frame{f}, nil
}
