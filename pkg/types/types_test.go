package types

import (
	"testing"
	"time"
)

func validOrder() Order {
	return Order{
		Symbol:   "RELIANCE",
		Exchange: NSE,
		Side:     Buy,
		Type:     Limit,
		Quantity: 10,
		Price:    2500.10,
		Product:  ProductCNC,
		Validity: ValidityDay,
	}
}

func TestOrderValidateOK(t *testing.T) {
	t.Parallel()
	o := validOrder()
	if err := o.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestOrderValidateInvariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Order)
	}{
		{"zero quantity", func(o *Order) { o.Quantity = 0 }},
		{"negative quantity", func(o *Order) { o.Quantity = -5 }},
		{"limit without price", func(o *Order) { o.Price = 0 }},
		{"market with price", func(o *Order) { o.Type = Market; o.Price = 100 }},
		{"stop limit without trigger", func(o *Order) { o.Type = StopLimit; o.TriggerPrice = 0 }},
		{"missing symbol", func(o *Order) { o.Symbol = "" }},
		{"missing exchange", func(o *Order) { o.Exchange = "" }},
		{"bad side", func(o *Order) { o.Side = "HOLD" }},
		{"oversize tag", func(o *Order) {
			for len(o.Tag) <= MaxTagLen {
				o.Tag += "xxxxxxxx"
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validOrder()
			tt.mutate(&o)
			err := o.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if KindOf(err) != KindInvalidInput {
				t.Errorf("kind = %v, want InvalidInput", KindOf(err))
			}
		})
	}
}

func TestOrderNormalize(t *testing.T) {
	t.Parallel()
	o := Order{Symbol: "  infy ", Exchange: NSE, Side: Buy, Type: Market, Quantity: 1}
	o.Normalize()
	if o.Symbol != "INFY" {
		t.Errorf("symbol = %q, want INFY", o.Symbol)
	}
	if o.Validity != ValidityDay {
		t.Errorf("validity default = %q, want DAY", o.Validity)
	}
	if o.Product != ProductCash {
		t.Errorf("product default = %q, want CASH", o.Product)
	}
}

func TestOrderTypePriceTriggerRules(t *testing.T) {
	t.Parallel()
	if Market.RequiresPrice() || Market.RequiresTrigger() {
		t.Error("MARKET must not require price or trigger")
	}
	if !Limit.RequiresPrice() {
		t.Error("LIMIT must require price")
	}
	if !StopLimit.RequiresPrice() || !StopLimit.RequiresTrigger() {
		t.Error("STOP_LIMIT must require price and trigger")
	}
	if StopLossMarket.RequiresPrice() {
		t.Error("STOP_LOSS_MARKET must not require price")
	}
	if !StopLossMarket.RequiresTrigger() {
		t.Error("STOP_LOSS_MARKET must require trigger")
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	t.Parallel()
	terminal := []OrderStatus{StatusFilled, StatusCancelled, StatusRejected, StatusExpired}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	live := []OrderStatus{StatusPending, StatusOpen, StatusPartiallyFilled}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestOrderViewNewer(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	prev := OrderView{Status: StatusOpen, FilledQty: 0, UpdatedAt: base}

	// Later timestamp always wins.
	next := OrderView{Status: StatusPartiallyFilled, FilledQty: 5, UpdatedAt: base.Add(time.Second)}
	if !next.Newer(prev) {
		t.Error("later update must supersede")
	}
	if prev.Newer(next) {
		t.Error("earlier update must not supersede")
	}

	// Equal timestamp: higher filled qty wins.
	tie := OrderView{Status: StatusOpen, FilledQty: 3, UpdatedAt: base}
	if !tie.Newer(prev) {
		t.Error("equal timestamp with more fills must supersede")
	}

	// Equal timestamp and fills: status rank breaks the tie.
	filled := OrderView{Status: StatusFilled, FilledQty: 0, UpdatedAt: base}
	if !filled.Newer(prev) {
		t.Error("terminal status must supersede OPEN at equal timestamp")
	}
}

func TestMarketDepthValidate(t *testing.T) {
	t.Parallel()

	good := MarketDepth{
		Bids: []DepthLevel{{Price: 100.5, Quantity: 10}, {Price: 100.4, Quantity: 5}},
		Asks: []DepthLevel{{Price: 100.6, Quantity: 8}, {Price: 100.7, Quantity: 12}},
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	crossed := MarketDepth{
		Bids: []DepthLevel{{Price: 100.7, Quantity: 10}},
		Asks: []DepthLevel{{Price: 100.6, Quantity: 8}},
	}
	if err := crossed.Validate(); err == nil {
		t.Error("crossed book must fail validation")
	}

	badBids := MarketDepth{
		Bids: []DepthLevel{{Price: 100.4, Quantity: 10}, {Price: 100.5, Quantity: 5}},
	}
	if err := badBids.Validate(); err == nil {
		t.Error("ascending bids must fail validation")
	}
}

func TestSymbolKey(t *testing.T) {
	t.Parallel()
	sym, exch := SymbolKey("reliance:nse")
	if sym != "RELIANCE" || exch != NSE {
		t.Errorf("SymbolKey = (%q, %q), want (RELIANCE, NSE)", sym, exch)
	}
	sym, exch = SymbolKey("AAPL")
	if sym != "AAPL" || exch != "" {
		t.Errorf("SymbolKey = (%q, %q), want (AAPL, \"\")", sym, exch)
	}
}
