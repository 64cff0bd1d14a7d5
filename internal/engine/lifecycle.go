package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/marlin/errs"
	"github.com/coachpo/marlin/internal/exchange"
	"github.com/coachpo/marlin/internal/observability"
	"github.com/coachpo/marlin/internal/schema"
)

// OrderGateway is the slice of the venue adapter the coordinator drives.
type OrderGateway interface {
	CreateOrder(ctx context.Context, req exchange.OrderRequest) (schema.OpenOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
}

// ErrSlotBusy is returned by Place when the slot already has an
// unacknowledged order in flight.
var ErrSlotBusy = errs.New("", errs.CodeConflict, errs.WithMessage("order slot busy"))

// ErrCloseInFlight is returned by MarketClose while a previous close order
// is still awaiting acknowledgement.
var ErrCloseInFlight = errs.New("", errs.CodeConflict, errs.WithMessage("market close already in flight"))

// ErrBookAwayFromMark is returned by MarketClose when the touch price has
// drifted too far from the mark price to close safely.
var ErrBookAwayFromMark = errs.New("", errs.CodeInvalid, errs.WithMessage("book price too far from mark"))

const closeSlot = "market-close"

// Coordinator serialises order placement per slot and garbage-collects
// state that venue pushes never confirm. Each placement takes a slot lock
// that is released by the matching order push or, failing that, by a
// watchdog timer, so a lost acknowledgement can only wedge a slot for the
// configured timeout rather than forever.
type Coordinator struct {
	gateway OrderGateway
	symbol  string
	timeout time.Duration

	mu            sync.Mutex
	locks         map[string]bool
	pending       map[string]string
	timers        map[string]*time.Timer
	pendingCancel map[string]bool
	closing       bool

	// test seams
	newID     func() string
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewCoordinator returns a coordinator for one symbol. timeout bounds how
// long a placement may wait for its acknowledgement push.
func NewCoordinator(gateway OrderGateway, symbol string, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Coordinator{
		gateway:       gateway,
		symbol:        symbol,
		timeout:       timeout,
		locks:         make(map[string]bool),
		pending:       make(map[string]string),
		timers:        make(map[string]*time.Timer),
		pendingCancel: make(map[string]bool),
		newID:         func() string { return uuid.NewString() },
		afterFunc:     time.AfterFunc,
	}
}

// Place submits one target order into the named slot. A slot with an
// unacknowledged order rejects further placements with ErrSlotBusy. The
// slot stays locked until the venue pushes the order back or the watchdog
// fires.
func (c *Coordinator) Place(ctx context.Context, slot string, target schema.DesiredOrder) error {
	c.mu.Lock()
	if c.locks[slot] {
		c.mu.Unlock()
		return ErrSlotBusy
	}
	clientID := c.newID()
	c.locks[slot] = true
	c.pending[clientID] = slot
	c.timers[clientID] = c.afterFunc(c.timeout, func() { c.expirePlacement(clientID) })
	c.mu.Unlock()

	req := exchange.OrderRequest{
		ClientOrderID: clientID,
		Symbol:        c.symbol,
		Side:          target.Side,
		Type:          schema.OrderTypeLimit,
		Price:         target.Price,
		Quantity:      target.Amount,
		ReduceOnly:    target.ReduceOnly,
	}
	if _, err := c.gateway.CreateOrder(ctx, req); err != nil {
		c.releasePlacement(clientID)
		return err
	}
	return nil
}

// Cancel requests cancellation of an open order exactly once. Repeat calls
// for the same order are suppressed until the venue confirms a terminal
// state or the cancel fails with a retryable error. An order the venue no
// longer knows counts as cancelled; gone reports that outcome so callers
// can reconcile their open-order caches, since the terminal push for such
// an order will never arrive.
func (c *Coordinator) Cancel(ctx context.Context, order schema.OpenOrder) (gone bool, err error) {
	c.mu.Lock()
	if c.pendingCancel[order.OrderID] {
		c.mu.Unlock()
		return false, nil
	}
	c.pendingCancel[order.OrderID] = true
	key := cancelKey(order.OrderID)
	c.timers[key] = c.afterFunc(c.timeout, func() { c.expireCancel(order.OrderID) })
	c.mu.Unlock()

	err = c.gateway.CancelOrder(ctx, c.symbol, order.OrderID)
	switch {
	case err == nil:
		return false, nil
	case errs.IsOrderNotFound(err):
		// Race outcome, not a failure: the order resolved before the
		// cancel landed.
		c.clearCancel(order.OrderID)
		observability.Log().Debug("cancel raced terminal order",
			observability.F("symbol", c.symbol),
			observability.F("order_id", order.OrderID))
		return true, nil
	default:
		c.clearCancel(order.OrderID)
		return false, err
	}
}

// MarketClose flattens the position with a reduce-only slippage-capped
// limit order. Longs are closed against the bid and shorts against the
// ask, with the limit shifted by maxSlippagePct so the order crosses the
// book but cannot fill arbitrarily far away. A touch price more than
// maxSlippagePct away from the mark price refuses the close outright
// rather than execute into a manipulated or stale book. Only one close
// may be in flight at a time.
func (c *Coordinator) MarketClose(ctx context.Context, pos schema.PositionSnapshot, bestBid, bestAsk, maxSlippagePct decimal.Decimal) error {
	if pos.IsFlat() {
		return nil
	}
	touch := bestBid
	if pos.IsShort() {
		touch = bestAsk
	}
	if !priceAllowedByMark(touch, pos.MarkPrice, maxSlippagePct) {
		observability.Log().Warn("market close refused",
			observability.F("symbol", c.symbol),
			observability.F("touch", touch.String()),
			observability.F("mark", pos.MarkPrice.Decimal.String()),
			observability.F("max_pct", maxSlippagePct.String()))
		return ErrBookAwayFromMark
	}
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrCloseInFlight
	}
	clientID := c.newID()
	c.closing = true
	c.pending[clientID] = closeSlot
	c.timers[clientID] = c.afterFunc(c.timeout, func() { c.expirePlacement(clientID) })
	c.mu.Unlock()

	slip := maxSlippagePct.Div(hundred)
	req := exchange.OrderRequest{
		ClientOrderID: clientID,
		Symbol:        c.symbol,
		Type:          schema.OrderTypeLimit,
		Quantity:      pos.PositionAmt.Abs(),
		ReduceOnly:    true,
	}
	if pos.IsLong() {
		req.Side = schema.TradeSideSell
		req.Price = bestBid.Mul(decimal.NewFromInt(1).Sub(slip))
	} else {
		req.Side = schema.TradeSideBuy
		req.Price = bestAsk.Mul(decimal.NewFromInt(1).Add(slip))
	}
	if req.Price.Sign() <= 0 {
		req.Type = schema.OrderTypeMarket
		req.Price = decimal.Zero
	}
	if _, err := c.gateway.CreateOrder(ctx, req); err != nil {
		c.releasePlacement(clientID)
		return err
	}
	return nil
}

// CancelAll asks the venue to flush every resting order for the symbol and
// clears all cancel suppression state.
func (c *Coordinator) CancelAll(ctx context.Context) error {
	if err := c.gateway.CancelAllOrders(ctx, c.symbol); err != nil {
		return err
	}
	c.mu.Lock()
	for id := range c.pendingCancel {
		delete(c.pendingCancel, id)
		c.stopTimerLocked(cancelKey(id))
	}
	c.mu.Unlock()
	return nil
}

// HandleOrderUpdate consumes one order push. The acknowledgement releases
// the placement slot, and a terminal status clears cancel suppression for
// the order.
func (c *Coordinator) HandleOrderUpdate(order schema.OpenOrder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot, ok := c.pending[order.ClientOrderID]; ok {
		delete(c.pending, order.ClientOrderID)
		c.stopTimerLocked(order.ClientOrderID)
		if slot == closeSlot {
			if order.Status.Terminal() {
				c.closing = false
			} else {
				// Keep the close guard until the order resolves, with a
				// fresh watchdog in case the resolving push never arrives.
				id := order.ClientOrderID
				c.pending[id] = closeSlot
				c.timers[id] = c.afterFunc(c.timeout, func() { c.expirePlacement(id) })
			}
		} else {
			delete(c.locks, slot)
		}
	}
	if order.Status.Terminal() {
		delete(c.pendingCancel, order.OrderID)
	}
}

// SlotLocked reports whether the slot currently has an order in flight.
func (c *Coordinator) SlotLocked(slot string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks[slot]
}

// Closing reports whether a market close is awaiting resolution.
func (c *Coordinator) Closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Coordinator) expirePlacement(clientID string) {
	c.mu.Lock()
	slot, ok := c.pending[clientID]
	if ok {
		delete(c.pending, clientID)
		delete(c.timers, clientID)
		if slot == closeSlot {
			c.closing = false
		} else {
			delete(c.locks, slot)
		}
	}
	c.mu.Unlock()
	if ok {
		observability.Log().Warn("order acknowledgement timed out",
			observability.F("symbol", c.symbol),
			observability.F("slot", slot),
			observability.F("client_order_id", clientID))
	}
}

func (c *Coordinator) releasePlacement(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.pending[clientID]
	if !ok {
		return
	}
	delete(c.pending, clientID)
	c.stopTimerLocked(clientID)
	if slot == closeSlot {
		c.closing = false
	} else {
		delete(c.locks, slot)
	}
}

func (c *Coordinator) expireCancel(orderID string) {
	c.mu.Lock()
	delete(c.pendingCancel, orderID)
	delete(c.timers, cancelKey(orderID))
	c.mu.Unlock()
}

func (c *Coordinator) clearCancel(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pendingCancel, orderID)
	c.stopTimerLocked(cancelKey(orderID))
}

func (c *Coordinator) stopTimerLocked(key string) {
	if t, ok := c.timers[key]; ok {
		t.Stop()
		delete(c.timers, key)
	}
}

func cancelKey(orderID string) string {
	return "cancel:" + orderID
}

// priceAllowedByMark reports whether price sits within maxPct percent of
// the mark. With no mark, no price, or no configured bound it always
// allows, so the guard never blocks the market-order fallback path.
func priceAllowedByMark(price decimal.Decimal, mark decimal.NullDecimal, maxPct decimal.Decimal) bool {
	if !mark.Valid || mark.Decimal.Sign() <= 0 || price.Sign() <= 0 || maxPct.Sign() <= 0 {
		return true
	}
	deviation := price.Sub(mark.Decimal).Abs().Div(mark.Decimal).Mul(hundred)
	return deviation.LessThanOrEqual(maxPct)
}
