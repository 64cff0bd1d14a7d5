// Package schema defines the canonical domain types shared across marlin.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide identifies the direction of an order or fill.
type TradeSide string

const (
	// TradeSideBuy indicates buy-side orders and fills.
	TradeSideBuy TradeSide = "Buy"
	// TradeSideSell indicates sell-side orders and fills.
	TradeSideSell TradeSide = "Sell"
)

// Opposite returns the other side.
func (s TradeSide) Opposite() TradeSide {
	if s == TradeSideBuy {
		return TradeSideSell
	}
	return TradeSideBuy
}

// OrderType identifies order execution semantics.
type OrderType string

const (
	// OrderTypeLimit represents resting limit orders.
	OrderTypeLimit OrderType = "Limit"
	// OrderTypeMarket represents immediately executed market orders.
	OrderTypeMarket OrderType = "Market"
	// OrderTypeStop represents stop-trigger orders.
	OrderTypeStop OrderType = "Stop"
)

// OrderStatus captures the venue-reported lifecycle state of an order.
type OrderStatus string

const (
	// OrderStatusNew marks an acknowledged resting order.
	OrderStatusNew OrderStatus = "New"
	// OrderStatusPartiallyFilled marks an order with partial executions.
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	// OrderStatusFilled marks a completely executed order.
	OrderStatusFilled OrderStatus = "Filled"
	// OrderStatusCancelled marks a cancelled order.
	OrderStatusCancelled OrderStatus = "Cancelled"
	// OrderStatusRejected marks a venue-rejected order.
	OrderStatusRejected OrderStatus = "Rejected"
)

// Terminal reports whether the status is a final lifecycle state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// OpenOrder mirrors a venue-owned order as observed through push feeds.
// The local copy goes stale between pushes; consumers must tolerate that.
type OpenOrder struct {
	OrderID        string          `json:"order_id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Side           TradeSide       `json:"side"`
	Type           OrderType       `json:"type"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	ReduceOnly     bool            `json:"reduce_only"`
	Status         OrderStatus     `json:"status"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// DesiredOrder is a strategy-produced order target, consumed once per tick
// by the plan builder and never persisted.
type DesiredOrder struct {
	Side       TradeSide       `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	ReduceOnly bool            `json:"reduce_only"`
}
