package plugin

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"testing"

	"tradegate/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubPlugin struct {
	id  string
	typ Type
	run func(ctx context.Context, pc *Context) (Result, error)
}

func (s *stubPlugin) ID() string      { return s.id }
func (s *stubPlugin) Name() string    { return s.id }
func (s *stubPlugin) Type() Type      { return s.typ }
func (s *stubPlugin) Version() string { return "0.0.1" }
func (s *stubPlugin) Run(ctx context.Context, pc *Context) (Result, error) {
	if s.run != nil {
		return s.run(ctx, pc)
	}
	return Result{Success: true}, nil
}

func TestRunPreservesRegistrationOrder(t *testing.T) {
	t.Parallel()

	p := NewPipeline(testLogger())
	var seen []string
	for _, id := range []string{"first", "second", "third"} {
		id := id
		p.Register(&stubPlugin{id: id, typ: PreOrder, run: func(ctx context.Context, pc *Context) (Result, error) {
			seen = append(seen, id)
			return Result{Success: true}, nil
		}})
	}
	// A plugin of a different hook type must not run.
	p.Register(&stubPlugin{id: "post", typ: PostOrder, run: func(ctx context.Context, pc *Context) (Result, error) {
		seen = append(seen, "post")
		return Result{Success: true}, nil
	}})

	p.Run(context.Background(), PreOrder, &Context{})
	if len(seen) != 3 || seen[0] != "first" || seen[1] != "second" || seen[2] != "third" {
		t.Errorf("order = %v", seen)
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	t.Parallel()

	p := NewPipeline(testLogger())
	if err := p.Register(&stubPlugin{id: "x", typ: Analytics}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := p.Register(&stubPlugin{id: "x", typ: Analytics}); err == nil {
		t.Error("duplicate id must fail")
	}
}

func TestDisabledPluginSkipped(t *testing.T) {
	t.Parallel()

	p := NewPipeline(testLogger())
	ran := false
	p.Register(&stubPlugin{id: "x", typ: PreOrder, run: func(ctx context.Context, pc *Context) (Result, error) {
		ran = true
		return Result{}, nil
	}})
	p.SetEnabled("x", false)

	p.Run(context.Background(), PreOrder, &Context{})
	if ran {
		t.Error("disabled plugin ran")
	}
	if err := p.SetEnabled("missing", true); err == nil {
		t.Error("enabling an unknown plugin must fail")
	}
}

func TestPreOrderCancelShortCircuits(t *testing.T) {
	t.Parallel()

	p := NewPipeline(testLogger())
	synthetic := &types.OrderResult{Success: true, BrokerID: "paper", OrderID: "paper-1"}
	p.Register(&stubPlugin{id: "canceller", typ: PreOrder, run: func(ctx context.Context, pc *Context) (Result, error) {
		pc.Cancel()
		return Result{Success: true, Data: synthetic}, nil
	}})
	laterRan := false
	p.Register(&stubPlugin{id: "later", typ: PreOrder, run: func(ctx context.Context, pc *Context) (Result, error) {
		laterRan = true
		return Result{}, nil
	}})

	out := p.Run(context.Background(), PreOrder, &Context{Order: &types.Order{}})
	if !out.Cancelled || out.CancelledBy != "canceller" {
		t.Errorf("outcome = %+v", out)
	}
	if out.Synthetic != synthetic {
		t.Errorf("synthetic = %+v", out.Synthetic)
	}
	if laterRan {
		t.Error("plugins after a cancel must not run")
	}
}

func TestCancelOutsidePreOrderIgnored(t *testing.T) {
	t.Parallel()

	p := NewPipeline(testLogger())
	p.Register(&stubPlugin{id: "rogue", typ: PostOrder, run: func(ctx context.Context, pc *Context) (Result, error) {
		pc.Cancel()
		return Result{Success: true}, nil
	}})

	out := p.Run(context.Background(), PostOrder, &Context{})
	if out.Cancelled {
		t.Error("cancel outside PRE_ORDER must be ignored")
	}
}

func TestPluginFailuresDoNotAbortPipeline(t *testing.T) {
	t.Parallel()

	p := NewPipeline(testLogger())
	p.Register(&stubPlugin{id: "failing", typ: PreOrder, run: func(ctx context.Context, pc *Context) (Result, error) {
		return Result{}, errors.New("boom")
	}})
	p.Register(&stubPlugin{id: "panicking", typ: PreOrder, run: func(ctx context.Context, pc *Context) (Result, error) {
		panic("unexpected")
	}})
	ran := false
	p.Register(&stubPlugin{id: "survivor", typ: PreOrder, run: func(ctx context.Context, pc *Context) (Result, error) {
		ran = true
		return Result{Success: true}, nil
	}})

	out := p.Run(context.Background(), PreOrder, &Context{})
	if out.Cancelled {
		t.Errorf("outcome = %+v", out)
	}
	if !ran {
		t.Error("pipeline aborted on plugin failure")
	}
}

func TestModificationsComposeLeftToRight(t *testing.T) {
	t.Parallel()

	p := NewPipeline(testLogger())
	p.Register(&stubPlugin{id: "add", typ: PreOrder, run: func(ctx context.Context, pc *Context) (Result, error) {
		pc.Modify(func(o *types.Order) { o.Price += 1 })
		return Result{Success: true}, nil
	}})
	p.Register(&stubPlugin{id: "double", typ: PreOrder, run: func(ctx context.Context, pc *Context) (Result, error) {
		pc.Modify(func(o *types.Order) { o.Price *= 2 })
		return Result{Success: true}, nil
	}})

	order := &types.Order{Price: 10}
	p.Run(context.Background(), PreOrder, &Context{Order: order})
	if order.Price != 22 { // (10+1)*2
		t.Errorf("price = %v, want 22", order.Price)
	}
}

func TestPaperTraderInterceptsOrder(t *testing.T) {
	t.Parallel()

	paper := NewPaperTrader(func(ctx context.Context, symbol string, exchange types.Exchange) (types.Quote, error) {
		return types.Quote{Symbol: symbol, Bid: 1540.00, Ask: 1540.40, LastPrice: 1540.20}, nil
	}, testLogger())

	p := NewPipeline(testLogger())
	p.Register(paper)

	order := &types.Order{Symbol: "INFY", Exchange: types.NSE, Side: types.Buy, Type: types.Market, Quantity: 3}
	out := p.Run(context.Background(), PreOrder, &Context{Order: order})

	if !out.Cancelled || out.Synthetic == nil {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Synthetic.BrokerID != PaperBrokerID || !out.Synthetic.Success {
		t.Errorf("synthetic = %+v", out.Synthetic)
	}

	fills := paper.Fills()
	if len(fills) != 1 {
		t.Fatalf("fills = %v", fills)
	}
	// A market buy fills at the ask.
	if fills[0].Price != 1540.40 || fills[0].Quantity != 3 {
		t.Errorf("fill = %+v", fills[0])
	}
}

func TestPaperTraderLetsOrderThroughOnQuoteFailure(t *testing.T) {
	t.Parallel()

	paper := NewPaperTrader(func(ctx context.Context, symbol string, exchange types.Exchange) (types.Quote, error) {
		return types.Quote{}, types.E(types.KindNetworkError, "feed down")
	}, testLogger())
	p := NewPipeline(testLogger())
	p.Register(paper)

	out := p.Run(context.Background(), PreOrder, &Context{Order: &types.Order{Symbol: "INFY"}})
	if out.Cancelled {
		t.Error("a dead quote source must not swallow the order")
	}
}

func TestFillPriceLimitSemantics(t *testing.T) {
	t.Parallel()

	q := types.Quote{Bid: 99.90, Ask: 100.10}
	tests := []struct {
		name  string
		order types.Order
		want  float64
	}{
		{"marketable buy improves to ask", types.Order{Side: types.Buy, Type: types.Limit, Price: 100.50}, 100.10},
		{"passive buy fills at limit", types.Order{Side: types.Buy, Type: types.Limit, Price: 99.50}, 99.50},
		{"marketable sell improves to bid", types.Order{Side: types.Sell, Type: types.Limit, Price: 99.50}, 99.90},
		{"passive sell fills at limit", types.Order{Side: types.Sell, Type: types.Limit, Price: 100.50}, 100.50},
		{"market sell takes the bid", types.Order{Side: types.Sell, Type: types.Market}, 99.90},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := fillPrice(tc.order, q).InexactFloat64()
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("fillPrice = %v, want %v", got, tc.want)
			}
		})
	}
}

type stubCache map[string]types.Instrument

func (c stubCache) Lookup(brokerID, symbol string, exchange types.Exchange) (types.Instrument, bool) {
	inst, ok := c[symbol+":"+string(exchange)]
	return inst, ok
}

func TestTickRounderSnapsPrices(t *testing.T) {
	t.Parallel()

	cache := stubCache{
		"RELIANCE:NSE": {InstrumentID: "738561", Symbol: "RELIANCE", Exchange: types.NSE, TickSize: 0.05},
	}
	p := NewPipeline(testLogger())
	p.Register(NewTickRounder(cache, "zerodha", testLogger()))

	order := &types.Order{
		Symbol: "RELIANCE", Exchange: types.NSE, Side: types.Buy,
		Type: types.StopLimit, Price: 2500.13, TriggerPrice: 2500.02, Quantity: 1,
	}
	p.Run(context.Background(), PreOrder, &Context{Order: order})
	if order.Price != 2500.15 {
		t.Errorf("price = %v, want 2500.15", order.Price)
	}
	if order.TriggerPrice != 2500.00 {
		t.Errorf("trigger = %v, want 2500.00", order.TriggerPrice)
	}

	// Instruments missing from the snapshot pass through untouched.
	unknown := &types.Order{Symbol: "INFY", Exchange: types.NSE, Price: 1540.13}
	p.Run(context.Background(), PreOrder, &Context{Order: unknown})
	if unknown.Price != 1540.13 {
		t.Errorf("unknown instrument price changed to %v", unknown.Price)
	}
}
