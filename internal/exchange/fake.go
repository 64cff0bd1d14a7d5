package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/marlin/errs"
	"github.com/coachpo/marlin/internal/schema"
)

// Fake is a deterministic in-memory venue used by engine tests and the
// simulated trading paths. Push feeds are driven explicitly through the
// Push* methods; REST behaviour is scriptable through the failure hooks.
type Fake struct {
	name string

	mu         sync.Mutex
	nextID     int
	openOrders map[string]schema.OpenOrder

	accountSubs map[int]func(schema.AccountUpdate)
	orderSubs   map[int]func(schema.OpenOrder)
	depthSubs   map[int]func(schema.DepthSnapshot)
	tickerSubs  map[int]func(schema.Ticker)
	klineSubs   map[int]func(schema.Kline)
	nextSub     int

	// CreateOrderHook and CancelOrderHook, when set, run before the default
	// behaviour and may fail the call.
	CreateOrderHook func(req OrderRequest) error
	CancelOrderHook func(symbol, orderID string) error

	// AutoAckOrders controls whether CreateOrder immediately emits a New
	// order push, mimicking a fast venue acknowledgement.
	AutoAckOrders bool

	createCalls int
	cancelCalls int
}

// NewFake constructs an empty fake venue.
func NewFake(name string) *Fake {
	return &Fake{
		name:        name,
		openOrders:  make(map[string]schema.OpenOrder),
		accountSubs: make(map[int]func(schema.AccountUpdate)),
		orderSubs:   make(map[int]func(schema.OpenOrder)),
		depthSubs:   make(map[int]func(schema.DepthSnapshot)),
		tickerSubs:  make(map[int]func(schema.Ticker)),
		klineSubs:   make(map[int]func(schema.Kline)),
	}
}

// Name returns the fake venue identifier.
func (f *Fake) Name() string { return f.name }

// WatchAccount registers an account push subscriber.
func (f *Fake) WatchAccount(_ context.Context, fn func(schema.AccountUpdate)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.accountSubs[id] = fn
	return SubscriptionFunc(func() {
		f.mu.Lock()
		delete(f.accountSubs, id)
		f.mu.Unlock()
	}), nil
}

// WatchOrders registers an order push subscriber.
func (f *Fake) WatchOrders(_ context.Context, fn func(schema.OpenOrder)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.orderSubs[id] = fn
	return SubscriptionFunc(func() {
		f.mu.Lock()
		delete(f.orderSubs, id)
		f.mu.Unlock()
	}), nil
}

// WatchDepth registers a depth push subscriber.
func (f *Fake) WatchDepth(_ context.Context, _ string, fn func(schema.DepthSnapshot)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.depthSubs[id] = fn
	return SubscriptionFunc(func() {
		f.mu.Lock()
		delete(f.depthSubs, id)
		f.mu.Unlock()
	}), nil
}

// WatchTicker registers a ticker push subscriber.
func (f *Fake) WatchTicker(_ context.Context, _ string, fn func(schema.Ticker)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.tickerSubs[id] = fn
	return SubscriptionFunc(func() {
		f.mu.Lock()
		delete(f.tickerSubs, id)
		f.mu.Unlock()
	}), nil
}

// WatchKlines registers a kline push subscriber.
func (f *Fake) WatchKlines(_ context.Context, _, _ string, fn func(schema.Kline)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.klineSubs[id] = fn
	return SubscriptionFunc(func() {
		f.mu.Lock()
		delete(f.klineSubs, id)
		f.mu.Unlock()
	}), nil
}

// CreateOrder records the order and optionally emits an acknowledgement push.
func (f *Fake) CreateOrder(_ context.Context, req OrderRequest) (schema.OpenOrder, error) {
	f.mu.Lock()
	f.createCalls++
	hook := f.CreateOrderHook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(req); err != nil {
			return schema.OpenOrder{}, err
		}
	}

	f.mu.Lock()
	f.nextID++
	order := schema.OpenOrder{
		OrderID:       strconv.Itoa(f.nextID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      req.Quantity,
		ReduceOnly:    req.ReduceOnly,
		Status:        schema.OrderStatusNew,
		UpdatedAt:     time.Now(),
	}
	if req.Type != schema.OrderTypeMarket {
		f.openOrders[order.OrderID] = order
	}
	autoAck := f.AutoAckOrders
	f.mu.Unlock()

	if autoAck {
		f.PushOrder(order)
	}
	return order, nil
}

// CancelOrder removes the order, failing with an order-not-found envelope
// when it is unknown.
func (f *Fake) CancelOrder(_ context.Context, _ string, orderID string) error {
	f.mu.Lock()
	f.cancelCalls++
	hook := f.CancelOrderHook
	order, ok := f.openOrders[orderID]
	f.mu.Unlock()

	if hook != nil {
		if err := hook("", orderID); err != nil {
			return err
		}
	}
	if !ok {
		return errs.New(f.name, errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("order %s not found", orderID)),
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
	}

	f.mu.Lock()
	delete(f.openOrders, orderID)
	f.mu.Unlock()

	order.Status = schema.OrderStatusCancelled
	order.UpdatedAt = time.Now()
	f.PushOrder(order)
	return nil
}

// CancelAllOrders cancels every resting order for the symbol.
func (f *Fake) CancelAllOrders(ctx context.Context, symbol string) error {
	f.mu.Lock()
	ids := make([]string, 0, len(f.openOrders))
	for id, order := range f.openOrders {
		if symbol == "" || order.Symbol == symbol {
			ids = append(ids, id)
		}
	}
	f.mu.Unlock()

	for _, id := range ids {
		if err := f.CancelOrder(ctx, symbol, id); err != nil && !errs.IsOrderNotFound(err) {
			return err
		}
	}
	return nil
}

// OpenOrders returns a copy of the currently resting orders.
func (f *Fake) OpenOrders() []schema.OpenOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.OpenOrder, 0, len(f.openOrders))
	for _, order := range f.openOrders {
		out = append(out, order)
	}
	return out
}

// CreateCalls reports how many CreateOrder attempts were made.
func (f *Fake) CreateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

// CancelCalls reports how many CancelOrder attempts were made.
func (f *Fake) CancelCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelCalls
}

// PushAccount delivers an account snapshot to subscribers.
func (f *Fake) PushAccount(update schema.AccountUpdate) {
	for _, fn := range f.accountSnapshot() {
		fn(update)
	}
}

// PushOrder delivers an order update to subscribers and keeps the resting
// set coherent with terminal statuses.
func (f *Fake) PushOrder(order schema.OpenOrder) {
	if order.Status.Terminal() {
		f.mu.Lock()
		delete(f.openOrders, order.OrderID)
		f.mu.Unlock()
	}
	for _, fn := range f.orderSnapshot() {
		fn(order)
	}
}

// PushDepth delivers a depth snapshot to subscribers.
func (f *Fake) PushDepth(depth schema.DepthSnapshot) {
	for _, fn := range f.depthSnapshot() {
		fn(depth)
	}
}

// PushTicker delivers a ticker to subscribers.
func (f *Fake) PushTicker(ticker schema.Ticker) {
	for _, fn := range f.tickerSnapshot() {
		fn(ticker)
	}
}

// PushKline delivers a candle to subscribers.
func (f *Fake) PushKline(kline schema.Kline) {
	for _, fn := range f.klineSnapshot() {
		fn(kline)
	}
}

// PushBook is a convenience for single-level books.
func (f *Fake) PushBook(symbol string, bid, ask decimal.Decimal) {
	f.PushDepth(schema.DepthSnapshot{
		Symbol:    symbol,
		Bids:      []schema.PriceLevel{{Price: bid, Quantity: decimal.NewFromInt(1)}},
		Asks:      []schema.PriceLevel{{Price: ask, Quantity: decimal.NewFromInt(1)}},
		Timestamp: time.Now(),
	})
}

func (f *Fake) accountSnapshot() []func(schema.AccountUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]func(schema.AccountUpdate), 0, len(f.accountSubs))
	for _, fn := range f.accountSubs {
		out = append(out, fn)
	}
	return out
}

func (f *Fake) orderSnapshot() []func(schema.OpenOrder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]func(schema.OpenOrder), 0, len(f.orderSubs))
	for _, fn := range f.orderSubs {
		out = append(out, fn)
	}
	return out
}

func (f *Fake) depthSnapshot() []func(schema.DepthSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]func(schema.DepthSnapshot), 0, len(f.depthSubs))
	for _, fn := range f.depthSubs {
		out = append(out, fn)
	}
	return out
}

func (f *Fake) tickerSnapshot() []func(schema.Ticker) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]func(schema.Ticker), 0, len(f.tickerSubs))
	for _, fn := range f.tickerSubs {
		out = append(out, fn)
	}
	return out
}

func (f *Fake) klineSnapshot() []func(schema.Kline) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]func(schema.Kline), 0, len(f.klineSubs))
	for _, fn := range f.klineSubs {
		out = append(out, fn)
	}
	return out
}
