package saxo

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/pkg/types"
)

type fakeCache map[string]types.Instrument

func (f fakeCache) Lookup(brokerID, symbol string, exchange types.Exchange) (types.Instrument, bool) {
	inst, ok := f[symbol+":"+string(exchange)]
	return inst, ok
}

func testCache() fakeCache {
	return fakeCache{
		"AAPL:NASDAQ": {InstrumentID: "211", Symbol: "AAPL", Exchange: types.NASDAQ, LotSize: 1, TickSize: 0.01},
		"ASML:AMS":    {InstrumentID: "114", Symbol: "ASML", Exchange: types.AMS, LotSize: 1, TickSize: 0.05},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a := New(config.BrokerConfig{
		BaseURL:      srv.URL,
		AuthURL:      srv.URL + "/authorize",
		TokenURL:     srv.URL + "/token",
		ClientID:     "cid",
		ClientSecret: "csecret",
		RedirectURI:  "http://localhost/callback",
		OrdersPerSec: 100,
		QuotesPerSec: 100,
	}, testCache(), testLogger())
	return a
}

func authed(t *testing.T, a *Adapter) {
	t.Helper()
	a.SetTokens("bearer-tok", "refresh-tok", time.Now().Add(time.Hour), "U1")
	a.SetAccountKeys("Acc123", "Cli456")
}

// discoveryMux answers the user and account discovery endpoints.
func discoveryMux(mux *http.ServeMux) {
	mux.HandleFunc(epUsersMe, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"UserId": "U1", "ClientKey": "Cli456"})
	})
	mux.HandleFunc(epAccountsMe, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"Data": []map[string]string{{"AccountKey": "Acc123"}}})
	})
}

func TestExchangeCodeForToken(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if got := r.PostFormValue("code"); got != "authcode" {
			t.Errorf("code = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"token_type":    "Bearer",
			"expires_in":    1200,
		})
	})
	discoveryMux(mux)

	a := newTestAdapter(t, mux)
	resp, err := a.ExchangeCodeForToken(context.Background(), "authcode")
	if err != nil {
		t.Fatalf("ExchangeCodeForToken: %v", err)
	}
	if !resp.Success || resp.AccessToken != "at-1" || resp.RefreshToken != "rt-1" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.TokenExpiresAt.IsZero() {
		t.Error("expiry must be set")
	}

	s := a.Session()
	if s.State != types.AuthAuthenticated || s.AccountKey != "Acc123" || s.ClientKey != "Cli456" {
		t.Errorf("session = %+v", s)
	}
}

func TestExchangeCodeWithoutExpiryFails(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		// No expires_in: the token cannot be scheduled for refresh.
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-1",
			"token_type":   "Bearer",
		})
	})
	discoveryMux(mux)

	a := newTestAdapter(t, mux)
	_, err := a.ExchangeCodeForToken(context.Background(), "authcode")
	if types.KindOf(err) != types.KindInvalidToken {
		t.Errorf("kind = %v, want InvalidToken", types.KindOf(err))
	}
	if a.Session().State != types.AuthFailed {
		t.Errorf("state = %s, want FAILED", a.Session().State)
	}
}

func TestRefreshTokenWithoutTokenFails(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, http.NewServeMux())
	_, err := a.RefreshToken(context.Background())
	if types.KindOf(err) != types.KindNoRefreshToken {
		t.Errorf("kind = %v, want NoRefreshToken", types.KindOf(err))
	}
}

func TestAuthenticateRestoresStoredSession(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	discoveryMux(mux)
	a := newTestAdapter(t, mux)

	exp := time.Now().Add(30 * time.Minute)
	resp, err := a.Authenticate(context.Background(), broker.Credentials{
		AccessToken: "stored-at", RefreshToken: "stored-rt", ExpiresAt: exp,
	})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !resp.Success || resp.UserID != "U1" {
		t.Errorf("resp = %+v", resp)
	}
	if a.Session().RefreshToken != "stored-rt" {
		t.Error("refresh token not retained")
	}
}

func TestPlaceOrderBuildsVenueRequest(t *testing.T) {
	t.Parallel()

	var got venueOrderRequest
	mux := http.NewServeMux()
	mux.HandleFunc(epTradeOrders, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer bearer-tok" {
			t.Errorf("auth = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"OrderId": "76001"})
	})

	a := newTestAdapter(t, mux)
	authed(t, a)

	res := a.PlaceOrder(context.Background(), types.Order{
		Symbol: "AAPL", Exchange: types.NASDAQ, Side: types.Buy,
		Type: types.Limit, Quantity: 10, Price: 185.50, Validity: types.ValidityGTC,
	})
	if !res.Success || res.OrderID != "76001" {
		t.Fatalf("result = %+v", res)
	}

	if got.AccountKey != "Acc123" || got.Uic != 211 || got.AssetType != "Stock" {
		t.Errorf("request = %+v", got)
	}
	if got.BuySell != "Buy" || got.OrderType != "Limit" || got.Amount != 10 {
		t.Errorf("request = %+v", got)
	}
	if got.OrderPrice != 185.50 || got.StopLimitPrice != 0 {
		t.Errorf("prices = %v/%v", got.OrderPrice, got.StopLimitPrice)
	}
	if got.OrderDuration.DurationType != "GoodTillCancel" {
		t.Errorf("duration = %s", got.OrderDuration.DurationType)
	}
}

func TestPlaceStopLimitPacksPrices(t *testing.T) {
	t.Parallel()

	var got venueOrderRequest
	mux := http.NewServeMux()
	mux.HandleFunc(epTradeOrders, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"OrderId": "76002"})
	})

	a := newTestAdapter(t, mux)
	authed(t, a)

	res := a.PlaceOrder(context.Background(), types.Order{
		Symbol: "AAPL", Exchange: types.NASDAQ, Side: types.Sell,
		Type: types.StopLimit, Quantity: 5, Price: 180.00, TriggerPrice: 181.00,
	})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	// The venue wants the trigger in OrderPrice and the limit leg in
	// StopLimitPrice.
	if got.OrderPrice != 181.00 || got.StopLimitPrice != 180.00 {
		t.Errorf("prices = %v/%v", got.OrderPrice, got.StopLimitPrice)
	}
}

func TestPlaceSmartOrderAttachesRelatedOrders(t *testing.T) {
	t.Parallel()

	var got venueOrderRequest
	mux := http.NewServeMux()
	mux.HandleFunc(epTradeOrders, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"OrderId": "76003"})
	})

	a := newTestAdapter(t, mux)
	authed(t, a)

	res := a.PlaceSmartOrder(context.Background(), types.Order{
		Symbol: "AAPL", Exchange: types.NASDAQ, Side: types.Buy,
		Type: types.Market, Quantity: 10,
		StopLoss: 170.00, TakeProfit: 200.00,
	})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if len(got.Orders) != 2 {
		t.Fatalf("related orders = %d, want 2", len(got.Orders))
	}
	if got.Orders[0].OrderType != "StopIfTraded" || got.Orders[0].BuySell != "Sell" || got.Orders[0].OrderPrice != 170.00 {
		t.Errorf("stop leg = %+v", got.Orders[0])
	}
	if got.Orders[1].OrderType != "Limit" || got.Orders[1].OrderPrice != 200.00 {
		t.Errorf("profit leg = %+v", got.Orders[1])
	}
}

func TestPlaceOrderMapsVenueError(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc(epTradeOrders, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"ErrorInfo": map[string]string{"ErrorCode": "NotEnoughCash", "Message": "Not enough cash"},
		})
	})

	a := newTestAdapter(t, mux)
	authed(t, a)

	res := a.PlaceOrder(context.Background(), types.Order{
		Symbol: "AAPL", Exchange: types.NASDAQ, Side: types.Buy,
		Type: types.Market, Quantity: 100000,
	})
	if res.Success || res.Err == nil || res.Err.Kind != types.KindInsufficientFunds {
		t.Errorf("result = %+v, want InsufficientFunds", res)
	}
}

func TestGetOrdersUnpacksStopLimit(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc(epOrdersMe, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"Data": []map[string]any{
			{
				"OrderId": "76010", "Status": "Working", "Uic": 211,
				"BuySell": "Sell", "Amount": 5.0, "FilledAmount": 0.0,
				"Price": 181.00, "StopLimitPrice": 180.00, "OpenOrderType": "StopLimit",
				"Duration":         map[string]string{"DurationType": "DayOrder"},
				"DisplayAndFormat": map[string]string{"Symbol": "AAPL:xnas"},
				"OrderTime":        "2026-03-02T10:15:00Z",
			},
			{
				"OrderId": "76011", "Status": "Working", "Uic": 211,
				"BuySell": "Buy", "Amount": 10.0, "FilledAmount": 4.0,
				"Price": 185.00, "OpenOrderType": "Limit",
				"Duration":         map[string]string{"DurationType": "GoodTillCancel"},
				"DisplayAndFormat": map[string]string{"Symbol": "AAPL:xnas"},
			},
		}})
	})

	a := newTestAdapter(t, mux)
	authed(t, a)

	orders, err := a.GetOrders(context.Background())
	if err != nil {
		t.Fatalf("GetOrders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("len = %d", len(orders))
	}

	sl := orders[0]
	if sl.Symbol != "AAPL" || sl.Order.Exchange != types.NASDAQ {
		t.Errorf("identity = %s:%s", sl.Symbol, sl.Order.Exchange)
	}
	if sl.Type != types.StopLimit || sl.TriggerPrice != 181.00 || sl.Price != 180.00 {
		t.Errorf("stop-limit unpack = %+v", sl.Order)
	}

	partial := orders[1]
	if partial.Status != types.StatusPartiallyFilled || partial.PendingQty != 6 {
		t.Errorf("partial = status %s pending %d", partial.Status, partial.PendingQty)
	}
}

func TestGetFundsMapsBalances(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc(epBalancesMe, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"CashBalance":                  10000.0,
			"Currency":                     "EUR",
			"MarginAvailableForTrading":    8000.0,
			"MarginUsedByCurrentPositions": -2000.0,
			"TotalValue":                   12500.0,
			"UnrealizedPositionsValue":     500.0,
		})
	})

	a := newTestAdapter(t, mux)
	authed(t, a)

	funds, err := a.GetFunds(context.Background())
	if err != nil {
		t.Fatalf("GetFunds: %v", err)
	}
	if funds.AvailableCash != 10000 || funds.UsedMargin != 2000 || funds.Currency != "EUR" {
		t.Errorf("funds = %+v", funds)
	}
}

func TestGetMarketDepthSingleLevel(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc(epInfoPrices, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"Quote": map[string]float64{"Bid": 185.10, "Ask": 185.14, "BidSize": 300, "AskSize": 200},
			"PriceInfoDetails": map[string]float64{"LastTraded": 185.12},
		})
	})

	a := newTestAdapter(t, mux)
	authed(t, a)

	d, err := a.GetMarketDepth(context.Background(), "AAPL", types.NASDAQ)
	if err != nil {
		t.Fatalf("GetMarketDepth: %v", err)
	}
	if len(d.Bids) != 1 || len(d.Asks) != 1 {
		t.Fatalf("levels = %d/%d", len(d.Bids), len(d.Asks))
	}
	if err := d.Validate(); err != nil {
		t.Errorf("depth ordering: %v", err)
	}
}

func TestSplitVenueSymbol(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		symbol   string
		exchange types.Exchange
	}{
		{"AAPL:xnas", "AAPL", types.NASDAQ},
		{"asml:xams", "ASML", types.AMS},
		{"VOD:xlon", "VOD", types.LSE},
		{"NOVO-B:xcse", "NOVO-B", types.CPH},
		{"BARE", "BARE", ""},
	}
	for _, tt := range tests {
		sym, exch := splitVenueSymbol(tt.in)
		if sym != tt.symbol || exch != tt.exchange {
			t.Errorf("splitVenueSymbol(%q) = %s/%s, want %s/%s", tt.in, sym, exch, tt.symbol, tt.exchange)
		}
	}
}

func TestErrorMappingFallsBackToStatus(t *testing.T) {
	t.Parallel()

	if got := mapVenueError(400, "NotEnoughCash", "").Kind; got != types.KindInsufficientFunds {
		t.Errorf("coded error → %s", got)
	}
	if got := mapVenueError(404, "", "").Kind; got != types.KindOrderNotFound {
		t.Errorf("404 → %s", got)
	}
	if got := mapVenueError(503, "", "").Kind; got != types.KindNetworkError {
		t.Errorf("503 → %s", got)
	}
	if !mapVenueError(503, "", "").Retryable {
		t.Error("5xx must be retryable")
	}
	if mapVenueError(400, "NotEnoughCash", "").Retryable {
		t.Error("refusals must not be retryable")
	}
}
