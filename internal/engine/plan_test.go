package engine

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coachpo/marlin/internal/schema"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func limitOrder(id, price, qty string, side schema.TradeSide) schema.OpenOrder {
	return schema.OpenOrder{
		OrderID:  id,
		Symbol:   "ETHUSDT",
		Side:     side,
		Type:     schema.OrderTypeLimit,
		Price:    dec(price),
		Quantity: dec(qty),
		Status:   schema.OrderStatusNew,
	}
}

func target(price, amount string, side schema.TradeSide) schema.DesiredOrder {
	return schema.DesiredOrder{Side: side, Price: dec(price), Amount: dec(amount)}
}

func TestBuildPlanPartitionsOpenOrders(t *testing.T) {
	open := []schema.OpenOrder{
		limitOrder("a", "100", "1", schema.TradeSideBuy),
		limitOrder("b", "101", "1", schema.TradeSideBuy),
		limitOrder("c", "110", "1", schema.TradeSideSell),
	}
	desired := []schema.DesiredOrder{
		target("100", "1", schema.TradeSideBuy),
		target("110", "1", schema.TradeSideSell),
	}

	plan := BuildPlan(open, desired, decimal.Zero)
	if len(plan.Keep)+len(plan.Cancel) != len(open) {
		t.Fatalf("keep(%d)+cancel(%d) != open(%d)", len(plan.Keep), len(plan.Cancel), len(open))
	}
	seen := map[string]int{}
	for _, o := range plan.Keep {
		seen[o.OrderID]++
	}
	for _, o := range plan.Cancel {
		seen[o.OrderID]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("order %s appears %d times across keep and cancel", id, n)
		}
	}
	if len(plan.Cancel) != 1 || plan.Cancel[0].OrderID != "b" {
		t.Fatalf("cancel = %+v, want only order b", plan.Cancel)
	}
	if len(plan.Place) != 0 {
		t.Fatalf("place = %+v, want empty", plan.Place)
	}
}

func TestBuildPlanIdempotent(t *testing.T) {
	desired := []schema.DesiredOrder{
		target("100", "0.5", schema.TradeSideBuy),
		target("110", "0.5", schema.TradeSideSell),
	}
	first := BuildPlan(nil, desired, decimal.Zero)
	if len(first.Place) != 2 {
		t.Fatalf("first pass placed %d orders, want 2", len(first.Place))
	}

	// Pretend the venue acknowledged every placement.
	open := make([]schema.OpenOrder, 0, len(first.Place))
	for i, p := range first.Place {
		o := limitOrder("o"+string(rune('a'+i)), p.Price.String(), p.Amount.String(), p.Side)
		open = append(open, o)
	}
	second := BuildPlan(open, desired, decimal.Zero)
	if len(second.Cancel) != 0 || len(second.Place) != 0 {
		t.Fatalf("second pass not a no-op: cancel=%+v place=%+v", second.Cancel, second.Place)
	}
	if len(second.Keep) != len(open) {
		t.Fatalf("second pass kept %d orders, want %d", len(second.Keep), len(open))
	}
}

func TestBuildPlanZeroToleranceDemandsExactPrice(t *testing.T) {
	open := []schema.OpenOrder{limitOrder("a", "100.01", "1", schema.TradeSideBuy)}
	desired := []schema.DesiredOrder{target("100", "1", schema.TradeSideBuy)}

	plan := BuildPlan(open, desired, decimal.Zero)
	if len(plan.Cancel) != 1 || len(plan.Place) != 1 {
		t.Fatalf("plan = %+v, want cancel and replace", plan)
	}

	plan = BuildPlan(open, desired, dec("0.05"))
	if len(plan.Cancel) != 0 || len(plan.Place) != 0 || len(plan.Keep) != 1 {
		t.Fatalf("plan with tolerance = %+v, want keep only", plan)
	}
}

func TestBuildPlanIgnoresDustResidual(t *testing.T) {
	open := []schema.OpenOrder{limitOrder("a", "100", "0.999999", schema.TradeSideBuy)}
	desired := []schema.DesiredOrder{target("100", "1", schema.TradeSideBuy)}

	plan := BuildPlan(open, desired, decimal.Zero)
	if len(plan.Keep) != 1 {
		t.Fatalf("keep = %+v, want the near-full order kept", plan.Keep)
	}
	if len(plan.Place) != 0 {
		t.Fatalf("place = %+v, want no dust top-up", plan.Place)
	}
}

func TestBuildPlanFirstFitMatching(t *testing.T) {
	// Two identical targets, one open order: the order claims the first
	// target and only the second is placed.
	open := []schema.OpenOrder{limitOrder("a", "100", "1", schema.TradeSideBuy)}
	desired := []schema.DesiredOrder{
		target("100", "1", schema.TradeSideBuy),
		target("100", "1", schema.TradeSideBuy),
	}
	plan := BuildPlan(open, desired, decimal.Zero)
	if len(plan.Keep) != 1 || len(plan.Place) != 1 {
		t.Fatalf("plan = %+v, want one keep and one place", plan)
	}
	if !plan.Place[0].Amount.Equal(dec("1")) {
		t.Fatalf("place amount = %s, want 1", plan.Place[0].Amount)
	}
}

func TestBuildPlanRespectsReduceOnlyAndSide(t *testing.T) {
	open := []schema.OpenOrder{limitOrder("a", "100", "1", schema.TradeSideBuy)}
	desired := []schema.DesiredOrder{
		{Side: schema.TradeSideBuy, Price: dec("100"), Amount: dec("1"), ReduceOnly: true},
	}
	plan := BuildPlan(open, desired, decimal.Zero)
	if len(plan.Cancel) != 1 || len(plan.Place) != 1 {
		t.Fatalf("plan = %+v, want reduce-only mismatch to replace", plan)
	}

	desired = []schema.DesiredOrder{target("100", "1", schema.TradeSideSell)}
	plan = BuildPlan(open, desired, decimal.Zero)
	if len(plan.Cancel) != 1 || len(plan.Place) != 1 {
		t.Fatalf("plan = %+v, want side mismatch to replace", plan)
	}
}

func TestBuildPlanMatchConsumesTargetWhole(t *testing.T) {
	// Matching ignores quantities: an order larger than the target still
	// claims it whole, with no cancel/replace churn and no top-up.
	open := []schema.OpenOrder{limitOrder("a", "100", "2", schema.TradeSideBuy)}
	desired := []schema.DesiredOrder{target("100", "1", schema.TradeSideBuy)}

	plan := BuildPlan(open, desired, decimal.Zero)
	if len(plan.Keep) != 1 || len(plan.Cancel) != 0 || len(plan.Place) != 0 {
		t.Fatalf("plan = %+v, want the oversized order kept with nothing placed", plan)
	}

	// Same for a partially filled order at the target price.
	o := limitOrder("b", "100", "1", schema.TradeSideBuy)
	o.FilledQuantity = dec("0.4")
	o.Status = schema.OrderStatusPartiallyFilled
	plan = BuildPlan([]schema.OpenOrder{o}, desired, decimal.Zero)
	if len(plan.Keep) != 1 || len(plan.Place) != 0 {
		t.Fatalf("plan = %+v, want partially filled order kept with no top-up", plan)
	}
}

func TestBuildPlanDropsDustTargets(t *testing.T) {
	desired := []schema.DesiredOrder{target("100", "0.00000999", schema.TradeSideBuy)}
	plan := BuildPlan(nil, desired, decimal.Zero)
	if len(plan.Place) != 0 {
		t.Fatalf("place = %+v, want dust target dropped", plan.Place)
	}
}
