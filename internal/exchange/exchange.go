// Package exchange defines the venue adapter surface consumed by the
// strategy engines, together with the transport building blocks concrete
// adapters are assembled from.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coachpo/marlin/internal/schema"
)

// Subscription is the cancel handle returned by every watch call.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a plain function into a Subscription.
type SubscriptionFunc func()

// Unsubscribe invokes the wrapped cancel function.
func (f SubscriptionFunc) Unsubscribe() {
	if f != nil {
		f()
	}
}

// OrderRequest describes an order submission to the venue.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          schema.TradeSide
	Type          schema.OrderType
	// Price is ignored for market orders.
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	ReduceOnly bool
}

// Exchange is the capability set the engines require from a venue adapter.
// REST methods fail with a normalized *errs.E carrying a canonical code so
// callers can classify order-not-found, rate-limit, and balance failures.
type Exchange interface {
	Name() string

	WatchAccount(ctx context.Context, fn func(schema.AccountUpdate)) (Subscription, error)
	WatchOrders(ctx context.Context, fn func(schema.OpenOrder)) (Subscription, error)
	WatchDepth(ctx context.Context, symbol string, fn func(schema.DepthSnapshot)) (Subscription, error)
	WatchTicker(ctx context.Context, symbol string, fn func(schema.Ticker)) (Subscription, error)
	WatchKlines(ctx context.Context, symbol, interval string, fn func(schema.Kline)) (Subscription, error)

	CreateOrder(ctx context.Context, req OrderRequest) (schema.OpenOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
}
