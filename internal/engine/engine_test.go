package engine

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/marlin/config"
	"github.com/coachpo/marlin/errs"
	"github.com/coachpo/marlin/internal/exchange"
	"github.com/coachpo/marlin/internal/schema"
)

func makerSettings() config.BotSettings {
	return config.BotSettings{
		Name:                "test-maker",
		Symbol:              "ETHUSDT",
		Strategy:            config.StrategyMaker,
		TradeAmount:         dec("1"),
		LossLimit:           dec("100"),
		PriceTick:           dec("0.01"),
		QtyStep:             dec("0.001"),
		MaxCloseSlippagePct: dec("1"),
		BidOffset:           dec("1"),
		AskOffset:           dec("1"),
		RefreshInterval:     time.Second,
		OrderTimeout:        15 * time.Second,
		RateLimitPause:      30 * time.Second,
	}
}

func newMakerEngine(t *testing.T) (*Engine, *exchange.Fake) {
	t.Helper()
	fake := exchange.NewFake("fake")
	fake.AutoAckOrders = true
	cfg := makerSettings()
	eng := New(cfg, fake, NewMakerPlanner(cfg))
	return eng, fake
}

func pushBook(eng *Engine, bid, ask string) {
	eng.HandleDepth(schema.DepthSnapshot{
		Symbol: "ETHUSDT",
		Bids:   []schema.PriceLevel{{Price: dec(bid), Quantity: dec("10")}},
		Asks:   []schema.PriceLevel{{Price: dec(ask), Quantity: dec("10")}},
	})
}

func pushPosition(eng *Engine, amt, entry string) {
	eng.HandleAccount(schema.AccountUpdate{
		Positions: []schema.PositionSnapshot{{
			Symbol:      "ETHUSDT",
			PositionAmt: dec(amt),
			EntryPrice:  dec(entry),
		}},
	})
}

func TestTickQuotesBothSides(t *testing.T) {
	eng, fake := newMakerEngine(t)
	ctx := context.Background()
	pushBook(eng, "2000", "2001")

	if !eng.TickOnce(ctx) {
		t.Fatal("tick dropped unexpectedly")
	}
	orders := fake.OpenOrders()
	if len(orders) != 2 {
		t.Fatalf("open orders = %d, want 2", len(orders))
	}
	for _, o := range orders {
		// The auto-ack never reaches the engine cache in this test, so
		// feed the pushes back by hand the way Run wires them.
		eng.HandleOrder(o)
		switch o.Side {
		case schema.TradeSideBuy:
			if !o.Price.Equal(dec("1999")) {
				t.Fatalf("bid price = %s, want 1999", o.Price)
			}
		case schema.TradeSideSell:
			if !o.Price.Equal(dec("2002")) {
				t.Fatalf("ask price = %s, want 2002", o.Price)
			}
		}
	}

	// A second tick with an unchanged book leaves the quotes alone.
	creates := fake.CreateCalls()
	if !eng.TickOnce(ctx) {
		t.Fatal("second tick dropped")
	}
	if got := fake.CreateCalls(); got != creates {
		t.Fatalf("create calls grew from %d to %d on an unchanged book", creates, got)
	}
	if got := fake.CancelCalls(); got != 0 {
		t.Fatalf("cancel calls = %d, want 0", got)
	}
}

func TestTickRepegsWhenBookMoves(t *testing.T) {
	eng, fake := newMakerEngine(t)
	ctx := context.Background()
	pushBook(eng, "2000", "2001")
	eng.TickOnce(ctx)
	for _, o := range fake.OpenOrders() {
		eng.HandleOrder(o)
	}

	pushBook(eng, "2010", "2011")
	eng.TickOnce(ctx)
	if got := fake.CancelCalls(); got != 2 {
		t.Fatalf("cancel calls = %d, want 2 stale quotes cancelled", got)
	}
	if got := fake.CreateCalls(); got != 4 {
		t.Fatalf("create calls = %d, want 4", got)
	}
}

func TestTickSingleFlight(t *testing.T) {
	eng, _ := newMakerEngine(t)
	eng.ticking.Store(true)
	if eng.TickOnce(context.Background()) {
		t.Fatal("tick must be dropped while another is in flight")
	}
	eng.ticking.Store(false)
	pushBook(eng, "2000", "2001")
	if !eng.TickOnce(context.Background()) {
		t.Fatal("tick must run once the previous one finishes")
	}
}

func TestStopLossFlattensAndCancels(t *testing.T) {
	eng, fake := newMakerEngine(t)
	ctx := context.Background()
	pushBook(eng, "2000", "2001")
	eng.TickOnce(ctx)
	for _, o := range fake.OpenOrders() {
		eng.HandleOrder(o)
	}

	// Long 2 from 2000; the bid collapses so the loss is (2000-1900)*2=200.
	pushPosition(eng, "2", "2000")
	pushBook(eng, "1900", "1901")
	eng.TickOnce(ctx)

	orders := fake.OpenOrders()
	if len(orders) != 1 {
		t.Fatalf("open orders after stop = %d, want only the close", len(orders))
	}
	o := orders[0]
	if o.Side != schema.TradeSideSell || !o.ReduceOnly {
		t.Fatalf("close order = %+v, want reduce-only sell", o)
	}
	if !o.Quantity.Equal(dec("2")) {
		t.Fatalf("close quantity = %s, want 2", o.Quantity)
	}
}

func TestRateLimitBlocksEntriesButNotStops(t *testing.T) {
	fake := exchange.NewFake("fake")
	fake.AutoAckOrders = true
	cfg := makerSettings()
	eng := New(cfg, fake, NewMakerPlanner(cfg))
	ctx := context.Background()

	rejected := true
	fake.CreateOrderHook = func(exchange.OrderRequest) error {
		if rejected {
			return errs.New("fake", errs.CodeRateLimited,
				errs.WithCanonicalCode(errs.CanonicalRateLimited))
		}
		return nil
	}

	pushBook(eng, "2000", "2001")
	eng.TickOnce(ctx)
	if !eng.limiter.EntriesBlocked() {
		t.Fatal("rate-limit rejection must block entries")
	}

	// While blocked, a quoting tick submits nothing.
	rejected = false
	creates := fake.CreateCalls()
	eng.TickOnce(ctx)
	if got := fake.CreateCalls(); got != creates {
		t.Fatalf("create calls grew from %d to %d while entries blocked", creates, got)
	}

	// A stop fires regardless of the block.
	pushPosition(eng, "2", "2000")
	pushBook(eng, "1900", "1901")
	eng.TickOnce(ctx)
	orders := fake.OpenOrders()
	if len(orders) != 1 || !orders[0].ReduceOnly {
		t.Fatalf("orders = %+v, want the reduce-only close despite the block", orders)
	}
}

func TestGhostOrderEvictedOnUnknownCancel(t *testing.T) {
	eng, fake := newMakerEngine(t)
	ctx := context.Background()
	pushBook(eng, "2000", "2001")

	// The venue has no record of this order; its terminal push was lost.
	ghost := limitOrder("ghost", "1500", "1", schema.TradeSideBuy)
	eng.HandleOrder(ghost)

	eng.TickOnce(ctx)
	if got := fake.CancelCalls(); got != 1 {
		t.Fatalf("cancel calls = %d, want 1", got)
	}
	for _, o := range eng.snapshotState().OpenOrders {
		if o.OrderID == "ghost" {
			t.Fatal("unknown-order cancel must evict the stale cache entry")
		}
	}

	// With the cache reconciled the next tick does not re-cancel.
	eng.TickOnce(ctx)
	if got := fake.CancelCalls(); got != 1 {
		t.Fatalf("cancel calls after reconcile = %d, want 1", got)
	}
}

func TestTickQuantizesTargets(t *testing.T) {
	fake := exchange.NewFake("fake")
	fake.AutoAckOrders = true
	cfg := makerSettings()
	cfg.PriceTick = dec("0.5")
	cfg.TradeAmount = dec("1.0005")
	eng := New(cfg, fake, NewMakerPlanner(cfg))

	pushBook(eng, "2000.3", "2001.4")
	eng.TickOnce(context.Background())
	for _, o := range fake.OpenOrders() {
		if !o.Price.Mod(dec("0.5")).IsZero() {
			t.Fatalf("price %s not aligned to tick 0.5", o.Price)
		}
		if !o.Quantity.Equal(dec("1")) {
			t.Fatalf("quantity = %s, want 1 after step rounding", o.Quantity)
		}
	}
}

func TestTickerRefreshesLastPrice(t *testing.T) {
	eng, _ := newMakerEngine(t)
	eng.HandleKline(schema.Kline{Symbol: "ETHUSDT", Close: dec("2000"), High: dec("2001"), Low: dec("1999")})
	eng.HandleTicker(schema.Ticker{Symbol: "ETHUSDT", Bid: dec("2010"), Ask: dec("2011"), Last: dec("2010.5")})

	state := eng.snapshotState()
	if !state.LastPrice.Equal(dec("2010.5")) {
		t.Fatalf("last price = %s, want the ticker's 2010.5", state.LastPrice)
	}
	if !state.BestBid.Equal(dec("2010")) || !state.BestAsk.Equal(dec("2011")) {
		t.Fatalf("book = %s/%s, want 2010/2011", state.BestBid, state.BestAsk)
	}
}

func TestEngineUpdatePublishedPerTick(t *testing.T) {
	eng, _ := newMakerEngine(t)
	got := make(chan schema.EngineUpdate, 1)
	cancel := eng.Updates().Subscribe(func(u schema.EngineUpdate) {
		select {
		case got <- u:
		default:
		}
	})
	defer cancel()

	pushBook(eng, "2000", "2001")
	eng.TickOnce(context.Background())

	select {
	case u := <-got:
		if u.Symbol != "ETHUSDT" {
			t.Fatalf("update symbol = %s", u.Symbol)
		}
		if !u.BestBid.Equal(dec("2000")) || !u.BestAsk.Equal(dec("2001")) {
			t.Fatalf("update book = %s/%s", u.BestBid, u.BestAsk)
		}
		if len(u.DesiredOrders) != 2 {
			t.Fatalf("desired orders = %d, want 2", len(u.DesiredOrders))
		}
	case <-time.After(time.Second):
		t.Fatal("no engine update published")
	}
}
