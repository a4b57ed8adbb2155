package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// DefaultSymbol is used when a client subscribes without naming a symbol.
	DefaultSymbol = "EURUSD"

	// BroadcastGroup is the single group every market session joins.
	BroadcastGroup = "market_broadcast"
)

var ErrNonPositiveSpread = errors.New("ask must be greater than bid")

// Tick is one synthetic market quote. It is never mutated after construction.
type Tick struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp int64 // unix millis
}

func NewTick(symbol string, bid, ask decimal.Decimal, ts int64) (Tick, error) {
	if !ask.GreaterThan(bid) {
		return Tick{}, fmt.Errorf("%s bid=%s ask=%s: %w", symbol, bid, ask, ErrNonPositiveSpread)
	}
	return Tick{Symbol: symbol, Bid: bid, Ask: ask, Timestamp: ts}, nil
}

func (t Tick) Spread() decimal.Decimal { return t.Ask.Sub(t.Bid) }

// tickWire keeps bid/ask as bare JSON numbers on the way out.
type tickWire struct {
	Symbol    string      `json:"symbol"`
	Bid       json.Number `json:"bid"`
	Ask       json.Number `json:"ask"`
	Timestamp int64       `json:"ts"`
}

func (t Tick) MarshalJSON() ([]byte, error) {
	return json.Marshal(tickWire{
		Symbol:    t.Symbol,
		Bid:       json.Number(t.Bid.String()),
		Ask:       json.Number(t.Ask.String()),
		Timestamp: t.Timestamp,
	})
}

func (t *Tick) UnmarshalJSON(b []byte) error {
	var w struct {
		Symbol    string          `json:"symbol"`
		Bid       decimal.Decimal `json:"bid"`
		Ask       decimal.Decimal `json:"ask"`
		Timestamp int64           `json:"ts"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*t = Tick{Symbol: w.Symbol, Bid: w.Bid, Ask: w.Ask, Timestamp: w.Timestamp}
	return nil
}

// SnapshotKey is the Redis key holding the latest tick for symbol.
func SnapshotKey(symbol string) string { return "tick:" + symbol }
