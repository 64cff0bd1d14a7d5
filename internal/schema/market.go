package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSnapshot is derived fresh from each account push; it has no
// independent lifecycle and is always recomputed, never mutated in place.
type PositionSnapshot struct {
	Symbol           string              `json:"symbol"`
	PositionAmt      decimal.Decimal     `json:"position_amt"`
	EntryPrice       decimal.Decimal     `json:"entry_price"`
	UnrealizedProfit decimal.Decimal     `json:"unrealized_profit"`
	MarkPrice        decimal.NullDecimal `json:"mark_price"`
}

// IsFlat reports whether the position carries no exposure.
func (p PositionSnapshot) IsFlat() bool {
	return p.PositionAmt.IsZero()
}

// IsLong reports whether the position is net long.
func (p PositionSnapshot) IsLong() bool {
	return p.PositionAmt.Sign() > 0
}

// IsShort reports whether the position is net short.
func (p PositionSnapshot) IsShort() bool {
	return p.PositionAmt.Sign() < 0
}

// PriceLevel is one side level of an order book.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// DepthSnapshot carries the top of book observed from a depth feed.
// Bids are sorted descending, asks ascending.
type DepthSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// Ticker carries the latest best bid/ask and last trade price.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Timestamp time.Time       `json:"timestamp"`
}

// Kline is one OHLCV candle.
type Kline struct {
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"`
	OpenTime  time.Time       `json:"open_time"`
	CloseTime time.Time       `json:"close_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// AccountUpdate is a push snapshot of account state.
type AccountUpdate struct {
	TotalEquity      decimal.Decimal    `json:"total_equity"`
	AvailableBalance decimal.Decimal    `json:"available_balance"`
	Positions        []PositionSnapshot `json:"positions"`
	Timestamp        time.Time          `json:"timestamp"`
}

// EngineUpdate is the last-value-wins snapshot published to subscribers
// (UI, logs) after every control tick.
type EngineUpdate struct {
	Symbol         string           `json:"symbol"`
	Position       PositionSnapshot `json:"position"`
	OpenOrders     []OpenOrder      `json:"open_orders"`
	DesiredOrders  []DesiredOrder   `json:"desired_orders"`
	BestBid        decimal.Decimal  `json:"best_bid"`
	BestAsk        decimal.Decimal  `json:"best_ask"`
	EntriesBlocked bool             `json:"entries_blocked"`
	Timestamp      time.Time        `json:"timestamp"`
}
