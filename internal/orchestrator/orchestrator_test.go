package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeAdapter stubs the capability set; tests plug in per-call behavior.
type fakeAdapter struct {
	*broker.Client
	quoteFn    func(ctx context.Context) (types.Quote, error)
	placeFn    func(ctx context.Context, o types.Order) types.OrderResult
	fundsFn    func(ctx context.Context) (types.Funds, error)
	ordersFn   func(ctx context.Context) ([]types.OrderView, error)
	placeCalls atomic.Int64
}

func newFakeAdapter(id string) *fakeAdapter {
	return &fakeAdapter{Client: broker.NewClient(id, config.BrokerConfig{}, nil, testLogger())}
}

func (f *fakeAdapter) Authenticate(context.Context, broker.Credentials) (types.AuthResponse, error) {
	return types.AuthResponse{Success: true}, nil
}
func (f *fakeAdapter) RefreshToken(context.Context) (types.AuthResponse, error) {
	return types.AuthResponse{}, nil
}
func (f *fakeAdapter) GetOAuthURL(string) string { return "" }
func (f *fakeAdapter) ExchangeCodeForToken(context.Context, string) (types.AuthResponse, error) {
	return types.AuthResponse{}, nil
}
func (f *fakeAdapter) Logout(context.Context) error { return nil }

func (f *fakeAdapter) PlaceOrder(ctx context.Context, o types.Order) types.OrderResult {
	f.placeCalls.Add(1)
	if f.placeFn != nil {
		return f.placeFn(ctx, o)
	}
	return types.OrderResult{Success: true, BrokerID: f.ID(), OrderID: f.ID() + "-1"}
}
func (f *fakeAdapter) ModifyOrder(context.Context, string, types.OrderModify) types.OrderResult {
	return types.OrderResult{Success: true, BrokerID: f.ID()}
}
func (f *fakeAdapter) CancelOrder(context.Context, string) types.OrderResult {
	return types.OrderResult{Success: true, BrokerID: f.ID()}
}
func (f *fakeAdapter) PlaceSmartOrder(ctx context.Context, o types.Order) types.OrderResult {
	return f.PlaceOrder(ctx, o)
}

func (f *fakeAdapter) GetOrders(ctx context.Context) ([]types.OrderView, error) {
	if f.ordersFn != nil {
		return f.ordersFn(ctx)
	}
	return nil, nil
}
func (f *fakeAdapter) GetTrades(context.Context) ([]types.Trade, error)       { return nil, nil }
func (f *fakeAdapter) GetPositions(context.Context) ([]types.Position, error) { return nil, nil }
func (f *fakeAdapter) GetHoldings(context.Context) ([]types.Holding, error)   { return nil, nil }
func (f *fakeAdapter) GetFunds(ctx context.Context) (types.Funds, error) {
	if f.fundsFn != nil {
		return f.fundsFn(ctx)
	}
	return types.Funds{}, nil
}

func (f *fakeAdapter) GetQuote(ctx context.Context, symbol string, exchange types.Exchange) (types.Quote, error) {
	if f.quoteFn != nil {
		return f.quoteFn(ctx)
	}
	return types.Quote{Symbol: symbol, Exchange: exchange}, nil
}
func (f *fakeAdapter) GetMarketDepth(context.Context, string, types.Exchange) (types.MarketDepth, error) {
	return types.MarketDepth{}, nil
}
func (f *fakeAdapter) GetOHLCV(context.Context, string, types.Exchange, types.Timeframe, time.Time, time.Time) ([]types.Candle, error) {
	return nil, nil
}
func (f *fakeAdapter) Subscribe(context.Context, string, types.Exchange, types.StreamMode) error {
	return nil
}
func (f *fakeAdapter) Unsubscribe(context.Context, string, types.Exchange) error { return nil }
func (f *fakeAdapter) CalculateMargin(context.Context, []types.Order) (types.MarginEstimate, error) {
	return types.MarginEstimate{}, nil
}
func (f *fakeAdapter) CancelAllOrders(context.Context) types.BulkResult   { return types.BulkResult{} }
func (f *fakeAdapter) CloseAllPositions(context.Context) types.BulkResult { return types.BulkResult{} }

var _ broker.Adapter = (*fakeAdapter)(nil)

type fakeRegistry struct {
	adapters map[string]broker.Adapter
}

func newFakeRegistry(adapters ...broker.Adapter) *fakeRegistry {
	r := &fakeRegistry{adapters: make(map[string]broker.Adapter)}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

func (r *fakeRegistry) Get(id string) (broker.Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

func (r *fakeRegistry) All() []broker.Adapter {
	out := make([]broker.Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

func TestEnableDisableVisibility(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter("a")
	b := newFakeAdapter("b")
	o := New(newFakeRegistry(a, b), time.Second, testLogger())

	if err := o.Enable("a"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := o.Enable("missing"); err == nil {
		t.Error("enabling an unregistered broker must fail")
	}
	if got := o.Active(); len(got) != 1 || got[0] != "a" {
		t.Errorf("Active() = %v", got)
	}

	// Disabled brokers are invisible to fan-outs.
	funds, errs := o.GetAllFunds(context.Background())
	if len(funds) != 1 || len(errs) != 0 {
		t.Errorf("funds = %v errs = %v", funds, errs)
	}
	if _, ok := funds["b"]; ok {
		t.Error("disabled broker appeared in fan-out")
	}

	o.Disable("a")
	if _, err := o.Adapter("a"); types.KindOf(err) != types.KindNoBrokerAvailable {
		t.Errorf("Adapter after disable: kind = %v", types.KindOf(err))
	}
}

func TestFanoutCollectsPerBrokerErrors(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter("a")
	a.ordersFn = func(ctx context.Context) ([]types.OrderView, error) {
		return []types.OrderView{{ID: "o1", BrokerID: "a"}}, nil
	}
	b := newFakeAdapter("b")
	b.ordersFn = func(ctx context.Context) ([]types.OrderView, error) {
		return nil, types.E(types.KindNetworkError, "venue down").WithBroker("b")
	}

	o := New(newFakeRegistry(a, b), time.Second, testLogger())
	o.Enable("a")
	o.Enable("b")

	orders, errs := o.GetAllOrders(context.Background())
	if len(orders["a"]) != 1 {
		t.Errorf("orders[a] = %v", orders["a"])
	}
	if _, ok := orders["b"]; ok {
		t.Error("failed broker must not appear in results")
	}
	if types.KindOf(errs["b"]) != types.KindNetworkError {
		t.Errorf("errs[b] = %v", errs["b"])
	}
}

func TestFanoutDeadline(t *testing.T) {
	t.Parallel()

	slow := newFakeAdapter("slow")
	slow.fundsFn = func(ctx context.Context) (types.Funds, error) {
		select {
		case <-ctx.Done():
			return types.Funds{}, types.E(types.KindTimeout, "deadline").Wrap(ctx.Err())
		case <-time.After(2 * time.Second):
			return types.Funds{AvailableCash: 1}, nil
		}
	}

	o := New(newFakeRegistry(slow), 50*time.Millisecond, testLogger())
	o.Enable("slow")

	start := time.Now()
	_, errs := o.GetAllFunds(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("fan-out did not respect deadline, took %v", elapsed)
	}
	if types.KindOf(errs["slow"]) != types.KindTimeout {
		t.Errorf("errs[slow] = %v", errs["slow"])
	}
}

func TestPlaceMultiBrokerOrderPartialFailure(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter("a")
	b := newFakeAdapter("b")
	b.placeFn = func(ctx context.Context, ord types.Order) types.OrderResult {
		err := types.E(types.KindInsufficientFunds, "not enough margin").WithBroker("b")
		return types.OrderResult{Success: false, BrokerID: "b", Err: err}
	}
	c := newFakeAdapter("c")

	o := New(newFakeRegistry(a, b, c), time.Second, testLogger())
	for _, id := range []string{"a", "b", "c"} {
		o.Enable(id)
	}

	res := o.PlaceMultiBrokerOrder(context.Background(), types.Order{
		Symbol: "INFY", Exchange: types.NSE, Side: types.Buy, Type: types.Market, Quantity: 1,
	}, nil)

	if res.Success {
		t.Error("aggregate must fail when any broker fails")
	}
	if !res.Results["a"].Success || res.Results["b"].Success || !res.Results["c"].Success {
		t.Errorf("results = %+v", res.Results)
	}
	if types.KindOf(res.Errors["b"]) != types.KindInsufficientFunds {
		t.Errorf("errors[b] = %v", res.Errors["b"])
	}
}

func TestPlaceMultiBrokerOrderNoTargets(t *testing.T) {
	t.Parallel()

	o := New(newFakeRegistry(), time.Second, testLogger())
	res := o.PlaceMultiBrokerOrder(context.Background(), types.Order{}, nil)
	if res.Success || len(res.Errors) == 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestCompareQuotesReportsTransportLatency(t *testing.T) {
	t.Parallel()

	fast := newFakeAdapter("fast")
	fast.quoteFn = func(ctx context.Context) (types.Quote, error) {
		fast.RecordTransportLatency(3 * time.Millisecond)
		return types.Quote{Ask: 100.10, Bid: 100.00}, nil
	}
	slow := newFakeAdapter("slow")
	slow.quoteFn = func(ctx context.Context) (types.Quote, error) {
		slow.RecordTransportLatency(60 * time.Millisecond)
		return types.Quote{Ask: 100.05, Bid: 99.95}, nil
	}

	o := New(newFakeRegistry(fast, slow), time.Second, testLogger())
	o.Enable("fast")
	o.Enable("slow")

	cmp := o.CompareQuotes(context.Background(), "AAPL", types.NASDAQ)
	if len(cmp.Quotes) != 2 || len(cmp.Errors) != 0 {
		t.Fatalf("cmp = %+v", cmp)
	}
	if cmp.LatencyMS["fast"] != 3 || cmp.LatencyMS["slow"] != 60 {
		t.Errorf("latency fast=%d slow=%d, want 3 and 60", cmp.LatencyMS["fast"], cmp.LatencyMS["slow"])
	}
}

func TestCompareQuotesExcludesQueueingDelay(t *testing.T) {
	t.Parallel()

	// Rate-limiter waits and retry spacing slow the call down but must not
	// inflate the reported latency; only the HTTP round trip counts.
	a := newFakeAdapter("a")
	a.quoteFn = func(ctx context.Context) (types.Quote, error) {
		time.Sleep(80 * time.Millisecond)
		a.RecordTransportLatency(5 * time.Millisecond)
		return types.Quote{Ask: 100.10, Bid: 100.00}, nil
	}

	o := New(newFakeRegistry(a), time.Second, testLogger())
	o.Enable("a")

	cmp := o.CompareQuotes(context.Background(), "AAPL", types.NASDAQ)
	if got := cmp.LatencyMS["a"]; got != 5 {
		t.Errorf("latency = %dms, want 5", got)
	}
}

func TestBestBrokerByPrice(t *testing.T) {
	t.Parallel()

	cmp := QuoteComparison{
		Quotes: map[string]types.Quote{
			"a": {Ask: 2500.10, Bid: 2500.00},
			"b": {Ask: 2500.15, Bid: 2500.00},
		},
		LatencyMS: map[string]int64{"a": 42, "b": 30},
	}

	// BUY picks the lowest ask.
	if id, ok := BestBrokerByPrice(cmp, types.Buy); !ok || id != "a" {
		t.Errorf("buy best = %q", id)
	}
	// SELL at equal bids breaks the tie on lower latency.
	if id, ok := BestBrokerByPrice(cmp, types.Sell); !ok || id != "b" {
		t.Errorf("sell best = %q", id)
	}

	// Equal price and latency falls back to broker id order.
	cmp.LatencyMS["b"] = 42
	if id, _ := BestBrokerByPrice(cmp, types.Sell); id != "a" {
		t.Errorf("lexicographic tiebreak = %q", id)
	}

	// Brokers without a usable price are skipped.
	cmp.Quotes["c"] = types.Quote{}
	if id, _ := BestBrokerByPrice(cmp, types.Buy); id != "a" {
		t.Errorf("zero-price broker won: %q", id)
	}

	if _, ok := BestBrokerByPrice(QuoteComparison{}, types.Buy); ok {
		t.Error("empty comparison must yield no broker")
	}
}

func TestBestBrokerByLatency(t *testing.T) {
	t.Parallel()

	cmp := QuoteComparison{
		Quotes:    map[string]types.Quote{"a": {}, "b": {}},
		LatencyMS: map[string]int64{"a": 40, "b": 25},
	}
	if id, ok := BestBrokerByLatency(cmp); !ok || id != "b" {
		t.Errorf("best = %q", id)
	}

	cmp.LatencyMS["b"] = 40
	if id, _ := BestBrokerByLatency(cmp); id != "a" {
		t.Errorf("tiebreak = %q", id)
	}
}
