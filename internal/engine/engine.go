package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/marlin/config"
	"github.com/coachpo/marlin/errs"
	"github.com/coachpo/marlin/internal/exchange"
	"github.com/coachpo/marlin/internal/indicators"
	"github.com/coachpo/marlin/internal/numeric"
	"github.com/coachpo/marlin/internal/observability"
	"github.com/coachpo/marlin/internal/schema"
)

// maxCandles bounds the in-memory kline window kept for ATR.
const maxCandles = 256

// TickState is the defensive copy of engine state handed to planners.
type TickState struct {
	Position       schema.PositionSnapshot
	OpenOrders     []schema.OpenOrder
	BestBid        decimal.Decimal
	BestAsk        decimal.Decimal
	LastPrice      decimal.Decimal
	ATR            decimal.Decimal
	EntriesBlocked bool
	Now            time.Time
}

// TargetPlanner computes the resting orders a strategy wants for the
// current tick. Implementations must be pure with respect to the state they
// receive; all venue interaction belongs to the engine.
type TargetPlanner interface {
	Targets(state TickState) []schema.DesiredOrder
	// PriceTolerance is the price band within which an existing order is
	// considered equal to a target instead of being replaced.
	PriceTolerance() decimal.Decimal
}

// Recorder receives notable trading events for persistence. The engine
// calls it outside its state lock and tolerates a nil recorder.
type Recorder interface {
	RecordEvent(ctx context.Context, severity, message string, meta map[string]any)
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder attaches a trade event recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock overrides the engine time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine drives one symbol: it caches venue pushes, runs the risk checks,
// reconciles open orders against the planner's targets, and publishes a
// snapshot after every tick. Ticks are single-flight: a tick that finds the
// previous one still running is dropped, never queued.
type Engine struct {
	cfg      config.BotSettings
	venue    exchange.Exchange
	planner  TargetPlanner
	coord    *Coordinator
	limiter  *RateLimitController
	trailing *Trailing
	stream   *UpdateStream
	metrics  *engineMetrics
	recorder Recorder
	now      func() time.Time

	ticking atomic.Bool

	mu         sync.Mutex
	position   schema.PositionSnapshot
	openOrders map[string]schema.OpenOrder
	bestBid    decimal.Decimal
	bestAsk    decimal.Decimal
	lastPrice  decimal.Decimal
	candles    []indicators.Candle
}

// New assembles an engine for one bot configuration.
func New(cfg config.BotSettings, venue exchange.Exchange, planner TargetPlanner, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		venue:      venue,
		planner:    planner,
		coord:      NewCoordinator(venue, cfg.Symbol, cfg.OrderTimeout),
		limiter:    NewRateLimitController(cfg.RateLimitPause),
		trailing:   NewTrailing(cfg.Trailing),
		stream:     NewUpdateStream(),
		metrics:    newEngineMetrics(),
		now:        time.Now,
		openOrders: make(map[string]schema.OpenOrder),
		position:   schema.PositionSnapshot{Symbol: cfg.Symbol},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Updates exposes the engine's snapshot stream.
func (e *Engine) Updates() *UpdateStream { return e.stream }

// Coordinator exposes the order lifecycle coordinator, mainly for the
// simulated trading paths.
func (e *Engine) Coordinator() *Coordinator { return e.coord }

// Run subscribes to the venue feeds and ticks until ctx is cancelled. On
// shutdown it flushes resting orders with a short grace window.
func (e *Engine) Run(ctx context.Context) error {
	subs := make([]exchange.Subscription, 0, 5)
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
		e.stream.Close()
	}()

	sub, err := e.venue.WatchAccount(ctx, e.HandleAccount)
	if err != nil {
		return fmt.Errorf("watch account: %w", err)
	}
	subs = append(subs, sub)
	if sub, err = e.venue.WatchOrders(ctx, e.HandleOrder); err != nil {
		return fmt.Errorf("watch orders: %w", err)
	}
	subs = append(subs, sub)
	if sub, err = e.venue.WatchDepth(ctx, e.cfg.Symbol, e.HandleDepth); err != nil {
		return fmt.Errorf("watch depth: %w", err)
	}
	subs = append(subs, sub)
	if sub, err = e.venue.WatchTicker(ctx, e.cfg.Symbol, e.HandleTicker); err != nil {
		return fmt.Errorf("watch ticker: %w", err)
	}
	subs = append(subs, sub)
	if sub, err = e.venue.WatchKlines(ctx, e.cfg.Symbol, "1m", e.HandleKline); err != nil {
		return fmt.Errorf("watch klines: %w", err)
	}
	subs = append(subs, sub)

	observability.Log().Info("engine started",
		observability.F("bot", e.cfg.Name),
		observability.F("symbol", e.cfg.Symbol),
		observability.F("strategy", string(e.cfg.Strategy)))

	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.coord.CancelAll(flushCtx); err != nil {
				observability.Log().Warn("shutdown order flush failed",
					observability.F("symbol", e.cfg.Symbol),
					observability.F("error", err.Error()))
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
			e.TickOnce(ctx)
		}
	}
}

// HandleAccount consumes one account push.
func (e *Engine) HandleAccount(update schema.AccountUpdate) {
	pos := PositionFromAccount(update, e.cfg.Symbol)
	e.mu.Lock()
	e.position = pos
	e.mu.Unlock()
}

// HandleOrder consumes one order push.
func (e *Engine) HandleOrder(order schema.OpenOrder) {
	if order.Symbol != e.cfg.Symbol {
		return
	}
	e.coord.HandleOrderUpdate(order)
	e.mu.Lock()
	if order.Status.Terminal() {
		delete(e.openOrders, order.OrderID)
	} else {
		e.openOrders[order.OrderID] = order
	}
	e.mu.Unlock()
}

// HandleDepth consumes one depth push.
func (e *Engine) HandleDepth(depth schema.DepthSnapshot) {
	bid, ask := BestBidAsk(depth)
	e.mu.Lock()
	if bid.Sign() > 0 {
		e.bestBid = bid
	}
	if ask.Sign() > 0 {
		e.bestAsk = ask
	}
	e.mu.Unlock()
}

// HandleTicker consumes one ticker push. The last trade price keeps the
// trailing stop current between candle closes.
func (e *Engine) HandleTicker(tk schema.Ticker) {
	e.mu.Lock()
	if tk.Bid.Sign() > 0 {
		e.bestBid = tk.Bid
	}
	if tk.Ask.Sign() > 0 {
		e.bestAsk = tk.Ask
	}
	if tk.Last.Sign() > 0 {
		e.lastPrice = tk.Last
	}
	e.mu.Unlock()
}

// HandleKline consumes one closed candle.
func (e *Engine) HandleKline(k schema.Kline) {
	candle := indicators.Candle{
		High:  k.High.InexactFloat64(),
		Low:   k.Low.InexactFloat64(),
		Close: k.Close.InexactFloat64(),
	}
	e.mu.Lock()
	e.lastPrice = k.Close
	e.candles = append(e.candles, candle)
	if len(e.candles) > maxCandles {
		e.candles = e.candles[len(e.candles)-maxCandles:]
	}
	e.mu.Unlock()
}

// TickOnce runs a single control tick. It returns false when the tick was
// dropped because a previous tick was still in flight.
func (e *Engine) TickOnce(ctx context.Context) bool {
	if !e.ticking.CompareAndSwap(false, true) {
		e.metrics.add(ctx, e.metrics.ticksSkipped, e.cfg.Symbol)
		return false
	}
	defer e.ticking.Store(false)

	state := e.snapshotState()

	if e.riskPass(ctx, state) {
		e.publish(state, nil)
		e.metrics.add(ctx, e.metrics.ticks, e.cfg.Symbol)
		return true
	}

	targets := e.planner.Targets(state)
	if state.EntriesBlocked {
		kept := targets[:0]
		for _, t := range targets {
			if t.ReduceOnly {
				kept = append(kept, t)
			}
		}
		targets = kept
	}
	targets = e.quantize(targets)

	plan := BuildPlan(state.OpenOrders, targets, e.planner.PriceTolerance())
	e.applyPlan(ctx, plan)

	e.publish(state, targets)
	e.metrics.add(ctx, e.metrics.ticks, e.cfg.Symbol)
	return true
}

// snapshotState copies the push caches so the tick works on stable values.
func (e *Engine) snapshotState() TickState {
	e.mu.Lock()
	defer e.mu.Unlock()
	orders := make([]schema.OpenOrder, 0, len(e.openOrders))
	for _, o := range e.openOrders {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].OrderID < orders[j].OrderID })

	atr := decimal.Zero
	if v := indicators.ATR(e.candles, e.cfg.Trailing.ATRPeriod); !math.IsNaN(v) {
		atr = decimal.NewFromFloat(v)
	}
	return TickState{
		Position:       e.position,
		OpenOrders:     orders,
		BestBid:        e.bestBid,
		BestAsk:        e.bestAsk,
		LastPrice:      e.lastPrice,
		ATR:            atr,
		EntriesBlocked: e.limiter.EntriesBlocked(),
		Now:            e.now(),
	}
}

// riskPass evaluates the stop checks and, when one fires, flattens the
// position. The close path ignores the rate-limit block: risk reduction is
// never gated. It reports whether a stop fired this tick.
func (e *Engine) riskPass(ctx context.Context, state TickState) bool {
	mark := state.LastPrice
	if mark.Sign() <= 0 && state.BestBid.Sign() > 0 && state.BestAsk.Sign() > 0 {
		mark = state.BestBid.Add(state.BestAsk).Div(decimal.NewFromInt(2))
	}

	stop := ShouldStopLoss(state.Position, state.BestBid, state.BestAsk, e.cfg.LossLimit)
	trail := e.trailing.Observe(state.Position, mark, state.ATR)
	if !stop && !trail {
		return false
	}

	reason := "loss limit"
	if trail && !stop {
		reason = "trailing stop"
	}
	observability.Log().Warn("stop triggered, flattening position",
		observability.F("symbol", e.cfg.Symbol),
		observability.F("reason", reason),
		observability.F("position", state.Position.PositionAmt.String()),
		observability.F("entry", state.Position.EntryPrice.String()))
	e.metrics.add(ctx, e.metrics.stopsFired, e.cfg.Symbol)
	e.record(ctx, "stop", "position stop triggered", map[string]any{
		"symbol":   e.cfg.Symbol,
		"reason":   reason,
		"position": state.Position.PositionAmt.String(),
		"entry":    state.Position.EntryPrice.String(),
		"bid":      state.BestBid.String(),
		"ask":      state.BestAsk.String(),
	})

	for _, o := range state.OpenOrders {
		gone, err := e.coord.Cancel(ctx, o)
		if gone {
			e.dropOrder(o.OrderID)
		}
		if err != nil {
			e.noteOrderError(ctx, "cancel", err)
		}
	}
	if err := e.coord.MarketClose(ctx, state.Position, state.BestBid, state.BestAsk, e.cfg.MaxCloseSlippagePct); err != nil {
		e.noteOrderError(ctx, "close", err)
	}
	e.trailing.Reset()
	return true
}

// applyPlan executes cancels before placements so margin freed by a cancel
// is available to the orders that replace it. Each operation fails in
// isolation; one venue rejection never aborts the rest of the tick.
func (e *Engine) applyPlan(ctx context.Context, plan Plan) {
	for _, o := range plan.Cancel {
		gone, err := e.coord.Cancel(ctx, o)
		if gone {
			e.dropOrder(o.OrderID)
		}
		if err != nil {
			e.noteOrderError(ctx, "cancel", err)
			continue
		}
		e.metrics.add(ctx, e.metrics.ordersCancelled, e.cfg.Symbol)
	}

	counts := make(map[string]int)
	for _, target := range plan.Place {
		side := strings.ToLower(string(target.Side))
		slot := fmt.Sprintf("%s-%d", side, counts[side])
		counts[side]++
		err := e.coord.Place(ctx, slot, target)
		if err == nil {
			e.metrics.add(ctx, e.metrics.ordersPlaced, e.cfg.Symbol)
			continue
		}
		if errors.Is(err, ErrSlotBusy) {
			continue
		}
		e.noteOrderError(ctx, "place", err)
	}
}

// quantize snaps target prices to the tick and amounts to the step, then
// drops targets rounded to nothing.
func (e *Engine) quantize(targets []schema.DesiredOrder) []schema.DesiredOrder {
	if len(targets) == 0 {
		return nil
	}
	out := targets[:0]
	for _, t := range targets {
		t.Price = numeric.RoundToTick(t.Price, e.cfg.PriceTick)
		t.Amount = numeric.RoundToStep(t.Amount, e.cfg.QtyStep)
		if t.Price.Sign() <= 0 || t.Amount.Sign() <= 0 {
			continue
		}
		out = append(out, t)
	}
	return out
}

// dropOrder evicts a ghost entry whose terminal push will never arrive.
func (e *Engine) dropOrder(orderID string) {
	e.mu.Lock()
	delete(e.openOrders, orderID)
	e.mu.Unlock()
}

func (e *Engine) noteOrderError(ctx context.Context, op string, err error) {
	switch {
	case errs.IsRateLimited(err):
		until := e.limiter.NoteRateLimit()
		e.metrics.add(ctx, e.metrics.rateLimitHits, e.cfg.Symbol)
		observability.Log().Warn("rate limited, pausing entries",
			observability.F("symbol", e.cfg.Symbol),
			observability.F("op", op),
			observability.F("until", until.Format(time.RFC3339)))
		e.record(ctx, "warn", "rate limited", map[string]any{
			"symbol": e.cfg.Symbol,
			"op":     op,
			"until":  until.Format(time.RFC3339),
		})
	case errs.IsOrderNotFound(err):
		// The order resolved before our request landed. Not an error.
	case errs.IsInsufficientBalance(err):
		observability.Log().Warn("insufficient balance",
			observability.F("symbol", e.cfg.Symbol),
			observability.F("op", op))
		e.record(ctx, "warn", "insufficient balance", map[string]any{
			"symbol": e.cfg.Symbol,
			"op":     op,
		})
	default:
		observability.Log().Error("order operation failed",
			observability.F("symbol", e.cfg.Symbol),
			observability.F("op", op),
			observability.F("error", err.Error()))
	}
}

func (e *Engine) publish(state TickState, targets []schema.DesiredOrder) {
	e.stream.Publish(schema.EngineUpdate{
		Symbol:         e.cfg.Symbol,
		Position:       state.Position,
		OpenOrders:     cloneOrders(state.OpenOrders),
		DesiredOrders:  cloneTargets(targets),
		BestBid:        state.BestBid,
		BestAsk:        state.BestAsk,
		EntriesBlocked: state.EntriesBlocked,
		Timestamp:      state.Now,
	})
}

func (e *Engine) record(ctx context.Context, severity, message string, meta map[string]any) {
	if e.recorder == nil {
		return
	}
	e.recorder.RecordEvent(ctx, severity, message, meta)
}
