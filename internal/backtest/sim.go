// Package backtest replays OHLCV candles through the trading engine
// against a simulated venue and reports the resulting performance.
package backtest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/marlin/errs"
	"github.com/coachpo/marlin/internal/exchange"
	"github.com/coachpo/marlin/internal/schema"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Sim is a candle-driven venue. Limit orders rest until a candle's range
// crosses their price; market orders fill at the close shifted by the
// configured slippage. Fills update a single net position with average
// entry pricing and realized profit accounting.
type Sim struct {
	symbol      string
	spread      decimal.Decimal
	slippagePct decimal.Decimal

	mu       sync.Mutex
	nextID   int
	open     map[string]schema.OpenOrder
	position schema.PositionSnapshot
	realized decimal.Decimal
	last     schema.Kline
	closed   []decimal.Decimal
	tradePnL decimal.Decimal

	accountSubs []func(schema.AccountUpdate)
	orderSubs   []func(schema.OpenOrder)
	depthSubs   []func(schema.DepthSnapshot)
	tickerSubs  []func(schema.Ticker)
	klineSubs   []func(schema.Kline)
}

// NewSim returns a simulator for one symbol. spread widens the synthetic
// book around each close; slippagePct penalises market fills.
func NewSim(symbol string, spread, slippagePct decimal.Decimal) *Sim {
	return &Sim{
		symbol:      symbol,
		spread:      spread,
		slippagePct: slippagePct,
		open:        make(map[string]schema.OpenOrder),
		position:    schema.PositionSnapshot{Symbol: symbol},
	}
}

// Name implements exchange.Exchange.
func (s *Sim) Name() string { return "backtest" }

// WatchAccount implements exchange.Exchange.
func (s *Sim) WatchAccount(_ context.Context, fn func(schema.AccountUpdate)) (exchange.Subscription, error) {
	s.mu.Lock()
	s.accountSubs = append(s.accountSubs, fn)
	s.mu.Unlock()
	return exchange.SubscriptionFunc(nil), nil
}

// WatchOrders implements exchange.Exchange.
func (s *Sim) WatchOrders(_ context.Context, fn func(schema.OpenOrder)) (exchange.Subscription, error) {
	s.mu.Lock()
	s.orderSubs = append(s.orderSubs, fn)
	s.mu.Unlock()
	return exchange.SubscriptionFunc(nil), nil
}

// WatchDepth implements exchange.Exchange.
func (s *Sim) WatchDepth(_ context.Context, _ string, fn func(schema.DepthSnapshot)) (exchange.Subscription, error) {
	s.mu.Lock()
	s.depthSubs = append(s.depthSubs, fn)
	s.mu.Unlock()
	return exchange.SubscriptionFunc(nil), nil
}

// WatchTicker implements exchange.Exchange.
func (s *Sim) WatchTicker(_ context.Context, _ string, fn func(schema.Ticker)) (exchange.Subscription, error) {
	s.mu.Lock()
	s.tickerSubs = append(s.tickerSubs, fn)
	s.mu.Unlock()
	return exchange.SubscriptionFunc(nil), nil
}

// WatchKlines implements exchange.Exchange.
func (s *Sim) WatchKlines(_ context.Context, _, _ string, fn func(schema.Kline)) (exchange.Subscription, error) {
	s.mu.Lock()
	s.klineSubs = append(s.klineSubs, fn)
	s.mu.Unlock()
	return exchange.SubscriptionFunc(nil), nil
}

// CreateOrder implements exchange.Exchange. Market orders and marketable
// limits fill immediately against the synthetic book.
func (s *Sim) CreateOrder(_ context.Context, req exchange.OrderRequest) (schema.OpenOrder, error) {
	s.mu.Lock()
	if s.last.Close.IsZero() {
		s.mu.Unlock()
		return schema.OpenOrder{}, errs.New("backtest", errs.CodeInvalid,
			errs.WithMessage("no market data yet"))
	}
	s.nextID++
	order := schema.OpenOrder{
		OrderID:       strconv.Itoa(s.nextID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      req.Quantity,
		ReduceOnly:    req.ReduceOnly,
		Status:        schema.OrderStatusNew,
		UpdatedAt:     s.last.CloseTime,
	}
	bid, ask := s.bookLocked()

	var fillPrice decimal.Decimal
	filled := false
	switch {
	case req.Type == schema.OrderTypeMarket:
		filled = true
		if req.Side == schema.TradeSideBuy {
			fillPrice = ask.Mul(one.Add(s.slippagePct.Div(hundred)))
		} else {
			fillPrice = bid.Mul(one.Sub(s.slippagePct.Div(hundred)))
		}
	case req.Side == schema.TradeSideBuy && req.Price.GreaterThanOrEqual(ask):
		filled = true
		fillPrice = ask
	case req.Side == schema.TradeSideSell && req.Price.LessThanOrEqual(bid):
		filled = true
		fillPrice = bid
	}

	var pushes []schema.OpenOrder
	if filled {
		order = s.fillLocked(order, fillPrice)
		pushes = append(pushes, order)
	} else {
		s.open[order.OrderID] = order
		pushes = append(pushes, order)
	}
	s.mu.Unlock()

	for _, o := range pushes {
		s.pushOrder(o)
	}
	if filled {
		s.pushAccount()
	}
	return order, nil
}

// CancelOrder implements exchange.Exchange.
func (s *Sim) CancelOrder(_ context.Context, _ string, orderID string) error {
	s.mu.Lock()
	order, ok := s.open[orderID]
	if !ok {
		s.mu.Unlock()
		return errs.New("backtest", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("order %s not found", orderID)),
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
	}
	delete(s.open, orderID)
	order.Status = schema.OrderStatusCancelled
	order.UpdatedAt = s.last.CloseTime
	s.mu.Unlock()

	s.pushOrder(order)
	return nil
}

// CancelAllOrders implements exchange.Exchange.
func (s *Sim) CancelAllOrders(_ context.Context, _ string) error {
	s.mu.Lock()
	cancelled := make([]schema.OpenOrder, 0, len(s.open))
	for id, o := range s.open {
		delete(s.open, id)
		o.Status = schema.OrderStatusCancelled
		o.UpdatedAt = s.last.CloseTime
		cancelled = append(cancelled, o)
	}
	s.mu.Unlock()

	for _, o := range cancelled {
		s.pushOrder(o)
	}
	return nil
}

// Step advances the simulation by one candle: it fills crossed resting
// orders, then publishes the candle, the synthetic book, and the account.
func (s *Sim) Step(k schema.Kline) {
	s.mu.Lock()
	s.last = k
	fills := make([]schema.OpenOrder, 0, 2)
	for id, o := range s.open {
		switch {
		case o.Side == schema.TradeSideBuy && k.Low.LessThanOrEqual(o.Price):
			delete(s.open, id)
			fills = append(fills, s.fillLocked(o, o.Price))
		case o.Side == schema.TradeSideSell && k.High.GreaterThanOrEqual(o.Price):
			delete(s.open, id)
			fills = append(fills, s.fillLocked(o, o.Price))
		}
	}
	bid, ask := s.bookLocked()
	klineSubs := append([]func(schema.Kline){}, s.klineSubs...)
	depthSubs := append([]func(schema.DepthSnapshot){}, s.depthSubs...)
	tickerSubs := append([]func(schema.Ticker){}, s.tickerSubs...)
	s.mu.Unlock()

	for _, o := range fills {
		s.pushOrder(o)
	}
	for _, fn := range klineSubs {
		fn(k)
	}
	depth := schema.DepthSnapshot{
		Symbol:    s.symbol,
		Bids:      []schema.PriceLevel{{Price: bid, Quantity: decimal.NewFromInt(1000)}},
		Asks:      []schema.PriceLevel{{Price: ask, Quantity: decimal.NewFromInt(1000)}},
		Timestamp: k.CloseTime,
	}
	for _, fn := range depthSubs {
		fn(depth)
	}
	for _, fn := range tickerSubs {
		fn(schema.Ticker{Symbol: s.symbol, Bid: bid, Ask: ask, Last: k.Close, Timestamp: k.CloseTime})
	}
	s.pushAccount()
}

// Position returns the current simulated position.
func (s *Sim) Position() schema.PositionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Realized returns the accumulated realized profit.
func (s *Sim) Realized() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realized
}

// ClosedTrades returns the realized profit of each completed round trip.
func (s *Sim) ClosedTrades() []decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]decimal.Decimal, len(s.closed))
	copy(out, s.closed)
	return out
}

// Equity returns realized plus mark-to-market unrealized profit.
func (s *Sim) Equity() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realized.Add(s.unrealizedLocked())
}

// OpenOrderCount returns the number of resting orders.
func (s *Sim) OpenOrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

func (s *Sim) bookLocked() (bid, ask decimal.Decimal) {
	half := s.spread.Div(decimal.NewFromInt(2))
	return s.last.Close.Sub(half), s.last.Close.Add(half)
}

// fillLocked applies a complete fill to the position and returns the
// terminal order. Reduce-only quantities are clamped to the open exposure.
func (s *Sim) fillLocked(order schema.OpenOrder, price decimal.Decimal) schema.OpenOrder {
	qty := order.Quantity
	if order.ReduceOnly {
		max := s.position.PositionAmt.Abs()
		if qty.GreaterThan(max) {
			qty = max
		}
	}
	signed := qty
	if order.Side == schema.TradeSideSell {
		signed = qty.Neg()
	}
	s.applyLocked(signed, price)

	order.FilledQuantity = qty
	order.Status = schema.OrderStatusFilled
	order.Price = price
	order.UpdatedAt = s.last.CloseTime
	return order
}

func (s *Sim) applyLocked(signedQty, price decimal.Decimal) {
	if signedQty.IsZero() {
		return
	}
	pos := s.position.PositionAmt
	entry := s.position.EntryPrice

	switch {
	case pos.IsZero() || pos.Sign() == signedQty.Sign():
		// Opening or adding: average the entry price.
		total := pos.Add(signedQty)
		cost := entry.Mul(pos.Abs()).Add(price.Mul(signedQty.Abs()))
		s.position.PositionAmt = total
		s.position.EntryPrice = cost.Div(total.Abs())
	case signedQty.Abs().LessThanOrEqual(pos.Abs()):
		// Reducing: realize on the closed quantity.
		closedQty := signedQty.Abs()
		pnl := price.Sub(entry).Mul(closedQty)
		if pos.Sign() < 0 {
			pnl = pnl.Neg()
		}
		s.realized = s.realized.Add(pnl)
		s.tradePnL = s.tradePnL.Add(pnl)
		s.position.PositionAmt = pos.Add(signedQty)
		if s.position.PositionAmt.IsZero() {
			s.position.EntryPrice = decimal.Zero
			s.closed = append(s.closed, s.tradePnL)
			s.tradePnL = decimal.Zero
		}
	default:
		// Flipping: close the whole position, open the remainder.
		closedQty := pos.Abs()
		pnl := price.Sub(entry).Mul(closedQty)
		if pos.Sign() < 0 {
			pnl = pnl.Neg()
		}
		s.realized = s.realized.Add(pnl)
		s.closed = append(s.closed, s.tradePnL.Add(pnl))
		s.tradePnL = decimal.Zero
		s.position.PositionAmt = pos.Add(signedQty)
		s.position.EntryPrice = price
	}
}

func (s *Sim) unrealizedLocked() decimal.Decimal {
	if s.position.PositionAmt.IsZero() || s.last.Close.IsZero() {
		return decimal.Zero
	}
	diff := s.last.Close.Sub(s.position.EntryPrice)
	return diff.Mul(s.position.PositionAmt)
}

func (s *Sim) pushOrder(o schema.OpenOrder) {
	s.mu.Lock()
	subs := append([]func(schema.OpenOrder){}, s.orderSubs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(o)
	}
}

func (s *Sim) pushAccount() {
	s.mu.Lock()
	s.position.UnrealizedProfit = s.unrealizedLocked()
	update := schema.AccountUpdate{
		TotalEquity:      s.realized.Add(s.position.UnrealizedProfit),
		AvailableBalance: s.realized,
		Positions:        []schema.PositionSnapshot{s.position},
		Timestamp:        s.last.CloseTime,
	}
	subs := append([]func(schema.AccountUpdate){}, s.accountSubs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(update)
	}
}

