// Package zerodha implements the Indian cash-equity adapter (Kite Connect
// dialect). Sessions are established by exchanging a request token with a
// SHA-256 checksum of api_key + request_token + api_secret; the access token
// is carried in an "Authorization: token api_key:access_token" header and
// expires daily, so there is no refresh token.
package zerodha

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/pkg/types"
)

// BrokerID is the registry key for this adapter.
const BrokerID = "zerodha"

const (
	kiteVersion = "3"

	epSessionToken = "/session/token"
	epOrders       = "/orders"
	epOrderRegular = "/orders/regular"
	epTrades       = "/trades"
	epPositions    = "/portfolio/positions"
	epHoldings     = "/portfolio/holdings"
	epMargins      = "/user/margins"
	epQuote        = "/quote"
	epHistorical   = "/instruments/historical"
	epOrderMargins = "/margins/orders"

	loginURL = "https://kite.trade/connect/login"
)

// Adapter is the Indian venue implementation of broker.Adapter.
type Adapter struct {
	*broker.Client

	apiKey    string
	apiSecret string

	stream *stream
}

var _ broker.Adapter = (*Adapter)(nil)

// New builds the adapter. The streaming connection is established lazily on
// the first Subscribe.
func New(cfg config.BrokerConfig, cache broker.ContractCache, logger *slog.Logger) *Adapter {
	a := &Adapter{
		Client:    broker.NewClient(BrokerID, cfg, cache, logger),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
	}
	a.stream = newStream(a, cfg.WSURL)
	return a
}

// envelope is the venue's uniform response wrapper.
type envelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	ErrorType string          `json:"error_type"`
	Message   string          `json:"message"`
}

// checksum derives the login signature: SHA-256 over api_key + request_token
// + api_secret, hex encoded.
func checksum(apiKey, requestToken, apiSecret string) string {
	sum := sha256.Sum256([]byte(apiKey + requestToken + apiSecret))
	return hex.EncodeToString(sum[:])
}

// authHeader is the per-request bearer: "token api_key:access_token".
func (a *Adapter) authHeader() string {
	return "token " + a.apiKey + ":" + a.AccessToken()
}

// call executes one venue request after taking a token from the given
// bucket, decodes the envelope, and maps failures to the canonical taxonomy.
func (a *Adapter) call(ctx context.Context, bucket *broker.TokenBucket, method, path string, form map[string]string, out any) (time.Duration, error) {
	if err := bucket.Wait(ctx); err != nil {
		return 0, types.E(types.KindRateLimited, "rate limit wait cancelled").Wrap(err).WithBroker(BrokerID)
	}

	req := a.HTTP.R().
		SetContext(ctx).
		SetHeader("X-Kite-Version", kiteVersion).
		SetHeader("Authorization", a.authHeader())
	if form != nil {
		req.SetHeader("Content-Type", "application/x-www-form-urlencoded").SetFormData(form)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return 0, a.ClassifyTransport(err, 0)
	}
	elapsed := resp.Time()
	a.RecordTransportLatency(elapsed)

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return elapsed, types.Ef(types.KindNetworkError, "malformed venue response: %v", err).WithBroker(BrokerID)
	}
	if env.Status != "success" {
		if env.ErrorType != "" {
			return elapsed, mapVenueError(env.ErrorType, env.Message)
		}
		if terr := a.ClassifyTransport(nil, resp.StatusCode()); terr != nil {
			return elapsed, terr
		}
		return elapsed, types.E(types.KindInternal, env.Message).WithBroker(BrokerID)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return elapsed, types.Ef(types.KindInternal, "decode %s: %v", path, err).WithBroker(BrokerID)
		}
	}
	return elapsed, nil
}

// Authenticate exchanges a request token for a daily session. The venue has
// no OAuth refresh; stored sessions restore by replaying an unexpired
// access token.
func (a *Adapter) Authenticate(ctx context.Context, creds broker.Credentials) (types.AuthResponse, error) {
	a.SetState(types.AuthAuthenticating)

	if creds.APIKey != "" {
		a.apiKey = creds.APIKey
	}
	if creds.APISecret != "" {
		a.apiSecret = creds.APISecret
	}

	// Stored session path: an unexpired daily token restores directly.
	if creds.AccessToken != "" && (creds.ExpiresAt.IsZero() || time.Now().Before(creds.ExpiresAt)) {
		a.SetTokens(creds.AccessToken, "", creds.ExpiresAt, "")
		return types.AuthResponse{Success: true, AccessToken: creds.AccessToken, TokenExpiresAt: creds.ExpiresAt}, nil
	}

	if creds.RequestToken == "" {
		a.SetState(types.AuthFailed)
		err := types.E(types.KindMFARequired, "interactive login required: obtain a request token via GetOAuthURL").WithBroker(BrokerID)
		return types.AuthResponse{Success: false, Message: err.Message}, err
	}

	return a.exchangeRequestToken(ctx, creds.RequestToken)
}

func (a *Adapter) exchangeRequestToken(ctx context.Context, requestToken string) (types.AuthResponse, error) {
	var data struct {
		UserID      string `json:"user_id"`
		AccessToken string `json:"access_token"`
	}
	_, err := a.call(ctx, a.Limiter.Data, resty.MethodPost, epSessionToken, map[string]string{
		"api_key":       a.apiKey,
		"request_token": requestToken,
		"checksum":      checksum(a.apiKey, requestToken, a.apiSecret),
	}, &data)
	if err != nil {
		a.SetState(types.AuthFailed)
		return types.AuthResponse{Success: false, Message: err.Error()}, err
	}

	// Daily tokens lapse at the next 06:00 IST session flush.
	expiry := nextSessionExpiry(time.Now())
	a.SetTokens(data.AccessToken, "", expiry, data.UserID)

	return types.AuthResponse{
		Success:        true,
		UserID:         data.UserID,
		AccessToken:    data.AccessToken,
		TokenExpiresAt: expiry,
	}, nil
}

// nextSessionExpiry returns the next 06:00 IST after now, when the venue
// invalidates all sessions.
func nextSessionExpiry(now time.Time) time.Time {
	ist := time.FixedZone("IST", 5*3600+1800)
	local := now.In(ist)
	expiry := time.Date(local.Year(), local.Month(), local.Day(), 6, 0, 0, 0, ist)
	if !expiry.After(local) {
		expiry = expiry.Add(24 * time.Hour)
	}
	return expiry
}

// RefreshToken always fails: the venue issues daily tokens with no refresh
// grant. The auth manager surfaces this as a re-login requirement.
func (a *Adapter) RefreshToken(ctx context.Context) (types.AuthResponse, error) {
	err := types.E(types.KindNoRefreshToken, "venue issues daily tokens; interactive re-login required").WithBroker(BrokerID)
	return types.AuthResponse{Success: false, Message: err.Message}, err
}

// GetOAuthURL returns the interactive login URL that yields a request token.
func (a *Adapter) GetOAuthURL(clientID string) string {
	key := clientID
	if key == "" {
		key = a.apiKey
	}
	return loginURL + "?v=" + kiteVersion + "&api_key=" + url.QueryEscape(key)
}

// ExchangeCodeForToken completes the login redirect: the "code" is the
// venue's request token.
func (a *Adapter) ExchangeCodeForToken(ctx context.Context, code string) (types.AuthResponse, error) {
	if code == "" {
		err := types.E(types.KindInvalidToken, "empty request token").WithBroker(BrokerID)
		return types.AuthResponse{Success: false, Message: err.Message}, err
	}
	a.SetState(types.AuthAuthenticating)
	return a.exchangeRequestToken(ctx, code)
}

// Logout invalidates the session server-side and clears local state.
func (a *Adapter) Logout(ctx context.Context) error {
	_, err := a.call(ctx, a.Limiter.Data, resty.MethodDelete,
		epSessionToken+"?api_key="+url.QueryEscape(a.apiKey)+"&access_token="+url.QueryEscape(a.AccessToken()), nil, nil)
	a.stream.stop()
	a.ClearSession()
	return err
}

// venueOrder is the wire shape shared by GetOrders and GetTrades responses.
type venueOrder struct {
	OrderID         string  `json:"order_id"`
	ExchangeOrderID string  `json:"exchange_order_id"`
	Status          string  `json:"status"`
	StatusMessage   string  `json:"status_message"`
	TradingSymbol   string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	TransactionType string  `json:"transaction_type"`
	OrderType       string  `json:"order_type"`
	Product         string  `json:"product"`
	Validity        string  `json:"validity"`
	Quantity        int64   `json:"quantity"`
	FilledQuantity  int64   `json:"filled_quantity"`
	PendingQuantity int64   `json:"pending_quantity"`
	Price           float64 `json:"price"`
	TriggerPrice    float64 `json:"trigger_price"`
	AveragePrice    float64 `json:"average_price"`
	Tag             string  `json:"tag"`
	OrderTimestamp  string  `json:"order_timestamp"`
	ExchangeTime    string  `json:"exchange_timestamp"`
}

// buildOrderForm translates a canonical order into venue form fields.
// Price and trigger are injected only when the canonical type mandates
// them; the venue rejects zero-priced fields on other types.
func buildOrderForm(order types.Order, instrumentSymbol string) map[string]string {
	form := map[string]string{
		"tradingsymbol":    instrumentSymbol,
		"exchange":         string(order.Exchange),
		"transaction_type": string(order.Side),
		"order_type":       toVenueOrderType(order.Type),
		"quantity":         strconv.FormatInt(order.Quantity, 10),
		"product":          toVenueProduct(order.Product),
		"validity":         toVenueValidity(order.Validity),
	}
	if order.Type.RequiresPrice() {
		form["price"] = strconv.FormatFloat(order.Price, 'f', -1, 64)
	}
	if order.Type.RequiresTrigger() {
		form["trigger_price"] = strconv.FormatFloat(order.TriggerPrice, 'f', -1, 64)
	}
	if order.Tag != "" {
		form["tag"] = order.Tag
	}
	return form
}

// PlaceOrder places a canonical order. Never retried: a transport error
// after the request left the process could mean a live order.
func (a *Adapter) PlaceOrder(ctx context.Context, order types.Order) types.OrderResult {
	order.Normalize()
	if err := order.Validate(); err != nil {
		return a.FailResult(err.(*types.Error))
	}

	inst, err := a.Resolve(order.Symbol, order.Exchange)
	if err != nil {
		return a.FailResult(err.(*types.Error))
	}

	var data struct {
		OrderID string `json:"order_id"`
	}
	elapsed, callErr := a.call(ctx, a.Limiter.Orders, resty.MethodPost, epOrderRegular,
		buildOrderForm(order, inst.Symbol), &data)
	if callErr != nil {
		ge := callErr.(*types.Error)
		a.Logger.Error("order placement failed", "symbol", order.Symbol, "kind", ge.Kind, "error", ge.Message)
		return a.FailResult(ge)
	}

	a.Logger.Info("order placed", "symbol", order.Symbol, "side", order.Side, "qty", order.Quantity, "order_id", data.OrderID)
	return types.OrderResult{
		Success:   true,
		BrokerID:  BrokerID,
		OrderID:   data.OrderID,
		LatencyMS: elapsed.Milliseconds(),
	}
}

// ModifyOrder edits an open order. Never retried.
func (a *Adapter) ModifyOrder(ctx context.Context, orderID string, changes types.OrderModify) types.OrderResult {
	form := map[string]string{}
	if changes.Quantity > 0 {
		form["quantity"] = strconv.FormatInt(changes.Quantity, 10)
	}
	if changes.Price > 0 {
		form["price"] = strconv.FormatFloat(changes.Price, 'f', -1, 64)
	}
	if changes.TriggerPrice > 0 {
		form["trigger_price"] = strconv.FormatFloat(changes.TriggerPrice, 'f', -1, 64)
	}
	if changes.Type != "" {
		form["order_type"] = toVenueOrderType(changes.Type)
	}
	if changes.Validity != "" {
		form["validity"] = toVenueValidity(changes.Validity)
	}

	var data struct {
		OrderID string `json:"order_id"`
	}
	elapsed, err := a.call(ctx, a.Limiter.Orders, resty.MethodPut, epOrderRegular+"/"+orderID, form, &data)
	if err != nil {
		return a.FailResult(err.(*types.Error))
	}
	return types.OrderResult{Success: true, BrokerID: BrokerID, OrderID: data.OrderID, LatencyMS: elapsed.Milliseconds()}
}

// CancelOrder cancels an open order. Never retried.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) types.OrderResult {
	var data struct {
		OrderID string `json:"order_id"`
	}
	elapsed, err := a.call(ctx, a.Limiter.Orders, resty.MethodDelete, epOrderRegular+"/"+orderID, nil, &data)
	if err != nil {
		return a.FailResult(err.(*types.Error))
	}
	return types.OrderResult{Success: true, BrokerID: BrokerID, OrderID: data.OrderID, LatencyMS: elapsed.Milliseconds()}
}

// PlaceSmartOrder places a bracket: the parent order plus stop-loss and
// take-profit counter legs. The venue dropped native brackets, so the legs
// are placed as independent counter-orders after the parent succeeds.
func (a *Adapter) PlaceSmartOrder(ctx context.Context, order types.Order) types.OrderResult {
	parent := a.PlaceOrder(ctx, order)
	if !parent.Success {
		return parent
	}

	counter := types.Sell
	if order.Side == types.Sell {
		counter = types.Buy
	}

	if order.StopLoss > 0 {
		leg := types.Order{
			Symbol: order.Symbol, Exchange: order.Exchange, Side: counter,
			Type: types.StopLossMarket, Quantity: order.Quantity,
			TriggerPrice: order.StopLoss, Product: order.Product,
			Validity: order.Validity, Tag: order.Tag,
		}
		if res := a.PlaceOrder(ctx, leg); !res.Success {
			a.Logger.Warn("stop-loss leg failed", "parent", parent.OrderID, "error", res.Message)
		}
	}
	if order.TakeProfit > 0 {
		leg := types.Order{
			Symbol: order.Symbol, Exchange: order.Exchange, Side: counter,
			Type: types.Limit, Quantity: order.Quantity,
			Price: order.TakeProfit, Product: order.Product,
			Validity: order.Validity, Tag: order.Tag,
		}
		if res := a.PlaceOrder(ctx, leg); !res.Success {
			a.Logger.Warn("take-profit leg failed", "parent", parent.OrderID, "error", res.Message)
		}
	}
	return parent
}

func (a *Adapter) mapOrderView(v venueOrder) types.OrderView {
	view := types.OrderView{
		Order: types.Order{
			Symbol:       v.TradingSymbol,
			Exchange:     types.Exchange(v.Exchange),
			Side:         types.Side(v.TransactionType),
			Type:         fromVenueOrderType(v.OrderType),
			Quantity:     v.Quantity,
			Price:        v.Price,
			TriggerPrice: v.TriggerPrice,
			Product:      fromVenueProduct(v.Product),
			Validity:     fromVenueValidity(v.Validity),
			Tag:          v.Tag,
		},
		ID:              v.OrderID,
		BrokerID:        BrokerID,
		Status:          fromVenueStatus(v.Status, v.FilledQuantity),
		FilledQty:       v.FilledQuantity,
		PendingQty:      v.Quantity - v.FilledQuantity,
		AvgFillPrice:    v.AveragePrice,
		ExchangeOrderID: v.ExchangeOrderID,
		StatusMessage:   v.StatusMessage,
	}
	if ts, err := time.Parse("2006-01-02 15:04:05", v.OrderTimestamp); err == nil {
		view.PlacedAt = ts
	}
	if ts, err := time.Parse("2006-01-02 15:04:05", v.ExchangeTime); err == nil {
		view.UpdatedAt = ts
	} else {
		view.UpdatedAt = view.PlacedAt
	}
	return view
}

// GetOrders fetches the day's order book.
func (a *Adapter) GetOrders(ctx context.Context) ([]types.OrderView, error) {
	var raw []venueOrder
	err := a.DoRead(ctx, "orders", func() error {
		_, err := a.call(ctx, a.Limiter.Data, resty.MethodGet, epOrders, nil, &raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	views := make([]types.OrderView, len(raw))
	for i, v := range raw {
		views[i] = a.mapOrderView(v)
	}
	return views, nil
}

// GetTrades fetches the day's executions.
func (a *Adapter) GetTrades(ctx context.Context) ([]types.Trade, error) {
	var raw []struct {
		TradeID         string  `json:"trade_id"`
		OrderID         string  `json:"order_id"`
		TradingSymbol   string  `json:"tradingsymbol"`
		Exchange        string  `json:"exchange"`
		TransactionType string  `json:"transaction_type"`
		Quantity        int64   `json:"quantity"`
		AveragePrice    float64 `json:"average_price"`
		FillTimestamp   string  `json:"fill_timestamp"`
	}
	err := a.DoRead(ctx, "trades", func() error {
		_, err := a.call(ctx, a.Limiter.Data, resty.MethodGet, epTrades, nil, &raw)
		return err
	})
	if err != nil {
		return nil, err
	}

	trades := make([]types.Trade, len(raw))
	for i, v := range raw {
		t := types.Trade{
			ID:       v.TradeID,
			OrderID:  v.OrderID,
			BrokerID: BrokerID,
			Symbol:   v.TradingSymbol,
			Exchange: types.Exchange(v.Exchange),
			Side:     types.Side(v.TransactionType),
			Quantity: v.Quantity,
			Price:    v.AveragePrice,
		}
		if ts, err := time.Parse("2006-01-02 15:04:05", v.FillTimestamp); err == nil {
			t.TimestampMS = ts.UnixMilli()
		}
		trades[i] = t
	}
	return trades, nil
}

// GetPositions fetches net intraday positions.
func (a *Adapter) GetPositions(ctx context.Context) ([]types.Position, error) {
	var data struct {
		Net []struct {
			TradingSymbol string  `json:"tradingsymbol"`
			Exchange      string  `json:"exchange"`
			Product       string  `json:"product"`
			Quantity      int64   `json:"quantity"`
			BuyQuantity   int64   `json:"buy_quantity"`
			SellQuantity  int64   `json:"sell_quantity"`
			BuyValue      float64 `json:"buy_value"`
			SellValue     float64 `json:"sell_value"`
			AveragePrice  float64 `json:"average_price"`
			LastPrice     float64 `json:"last_price"`
			PnL           float64 `json:"pnl"`
			DayPnL        float64 `json:"m2m"`
		} `json:"net"`
	}
	err := a.DoRead(ctx, "positions", func() error {
		_, err := a.call(ctx, a.Limiter.Data, resty.MethodGet, epPositions, nil, &data)
		return err
	})
	if err != nil {
		return nil, err
	}

	positions := make([]types.Position, len(data.Net))
	for i, v := range data.Net {
		p := types.Position{
			Symbol:    v.TradingSymbol,
			Exchange:  types.Exchange(v.Exchange),
			Product:   fromVenueProduct(v.Product),
			Quantity:  v.Quantity,
			BuyQty:    v.BuyQuantity,
			SellQty:   v.SellQuantity,
			BuyValue:  v.BuyValue,
			SellValue: v.SellValue,
			AvgPrice:  v.AveragePrice,
			LastPrice: v.LastPrice,
			PnL:       v.PnL,
			DayPnL:    v.DayPnL,
		}
		if invested := v.AveragePrice * float64(abs(v.Quantity)); invested > 0 {
			p.PnLPercent = v.PnL / invested * 100
		}
		positions[i] = p
	}
	return positions, nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// GetHoldings fetches the settled portfolio.
func (a *Adapter) GetHoldings(ctx context.Context) ([]types.Holding, error) {
	var raw []struct {
		TradingSymbol  string  `json:"tradingsymbol"`
		Exchange       string  `json:"exchange"`
		ISIN           string  `json:"isin"`
		Quantity       int64   `json:"quantity"`
		T1Quantity     int64   `json:"t1_quantity"`
		CollateralQty  int64   `json:"collateral_quantity"`
		PledgedQty     int64   `json:"pledged_quantity"`
		AveragePrice   float64 `json:"average_price"`
		LastPrice      float64 `json:"last_price"`
		PnL            float64 `json:"pnl"`
	}
	err := a.DoRead(ctx, "holdings", func() error {
		_, err := a.call(ctx, a.Limiter.Data, resty.MethodGet, epHoldings, nil, &raw)
		return err
	})
	if err != nil {
		return nil, err
	}

	holdings := make([]types.Holding, len(raw))
	for i, v := range raw {
		h := types.Holding{
			Symbol:        v.TradingSymbol,
			Exchange:      types.Exchange(v.Exchange),
			ISIN:          v.ISIN,
			Quantity:      v.Quantity,
			T1Qty:         v.T1Quantity,
			CollateralQty: v.CollateralQty,
			PledgedQty:    v.PledgedQty,
			AvgPrice:      v.AveragePrice,
			LastPrice:     v.LastPrice,
			InvestedValue: v.AveragePrice * float64(v.Quantity),
			CurrentValue:  v.LastPrice * float64(v.Quantity),
			PnL:           v.PnL,
		}
		if h.InvestedValue > 0 {
			h.PnLPercent = h.PnL / h.InvestedValue * 100
		}
		holdings[i] = h
	}
	return holdings, nil
}

// GetFunds fetches the equity segment balance.
func (a *Adapter) GetFunds(ctx context.Context) (types.Funds, error) {
	var data struct {
		Equity struct {
			Net       float64 `json:"net"`
			Available struct {
				Cash        float64 `json:"cash"`
				LiveBalance float64 `json:"live_balance"`
				Collateral  float64 `json:"collateral"`
			} `json:"available"`
			Utilised struct {
				Debits float64 `json:"debits"`
				M2M    float64 `json:"m2m_unrealised"`
			} `json:"utilised"`
		} `json:"equity"`
	}
	err := a.DoRead(ctx, "funds", func() error {
		_, err := a.call(ctx, a.Limiter.Data, resty.MethodGet, epMargins, nil, &data)
		return err
	})
	if err != nil {
		return types.Funds{}, err
	}

	eq := data.Equity
	return types.Funds{
		AvailableCash:   eq.Available.Cash,
		UsedMargin:      eq.Utilised.Debits,
		AvailableMargin: eq.Available.LiveBalance,
		TotalBalance:    eq.Net,
		Collateral:      eq.Available.Collateral,
		UnrealizedPnL:   eq.Utilised.M2M,
		Currency:        "INR",
	}, nil
}

// venueQuote is the per-instrument payload of the /quote endpoint.
type venueQuote struct {
	LastPrice     float64 `json:"last_price"`
	Volume        int64   `json:"volume"`
	LastTradeTime string  `json:"last_trade_time"`
	OHLC          struct {
		Open  float64 `json:"open"`
		High  float64 `json:"high"`
		Low   float64 `json:"low"`
		Close float64 `json:"close"`
	} `json:"ohlc"`
	Depth struct {
		Buy  []venueDepthLevel `json:"buy"`
		Sell []venueDepthLevel `json:"sell"`
	} `json:"depth"`
}

type venueDepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int     `json:"orders"`
}

func (a *Adapter) fetchQuote(ctx context.Context, symbol string, exchange types.Exchange) (venueQuote, error) {
	inst, err := a.Resolve(symbol, exchange)
	if err != nil {
		return venueQuote{}, err
	}
	key := string(exchange) + ":" + inst.Symbol

	var data map[string]venueQuote
	err = a.DoRead(ctx, "quote", func() error {
		_, err := a.call(ctx, a.Limiter.Data, resty.MethodGet, epQuote+"?i="+url.QueryEscape(key), nil, &data)
		return err
	})
	if err != nil {
		return venueQuote{}, err
	}
	q, ok := data[key]
	if !ok {
		return venueQuote{}, types.Ef(types.KindInstrumentNotFound, "venue returned no quote for %s", key).WithBroker(BrokerID)
	}
	return q, nil
}

// GetQuote fetches a canonical top-of-book snapshot.
func (a *Adapter) GetQuote(ctx context.Context, symbol string, exchange types.Exchange) (types.Quote, error) {
	q, err := a.fetchQuote(ctx, symbol, exchange)
	if err != nil {
		return types.Quote{}, err
	}

	quote := types.Quote{
		Symbol:        symbol,
		Exchange:      exchange,
		LastPrice:     q.LastPrice,
		Open:          q.OHLC.Open,
		High:          q.OHLC.High,
		Low:           q.OHLC.Low,
		Close:         q.OHLC.Close,
		PreviousClose: q.OHLC.Close,
		Volume:        q.Volume,
		TimestampMS:   time.Now().UnixMilli(),
	}
	if q.OHLC.Close > 0 {
		quote.Change = q.LastPrice - q.OHLC.Close
		quote.ChangePercent = quote.Change / q.OHLC.Close * 100
	}
	if len(q.Depth.Buy) > 0 {
		quote.Bid = q.Depth.Buy[0].Price
		quote.BidQty = q.Depth.Buy[0].Quantity
	}
	if len(q.Depth.Sell) > 0 {
		quote.Ask = q.Depth.Sell[0].Price
		quote.AskQty = q.Depth.Sell[0].Quantity
	}
	return quote, nil
}

// GetMarketDepth fetches the five-level order book.
func (a *Adapter) GetMarketDepth(ctx context.Context, symbol string, exchange types.Exchange) (types.MarketDepth, error) {
	q, err := a.fetchQuote(ctx, symbol, exchange)
	if err != nil {
		return types.MarketDepth{}, err
	}

	depth := types.MarketDepth{Symbol: symbol, Exchange: exchange}
	for _, lvl := range q.Depth.Buy {
		depth.Bids = append(depth.Bids, types.DepthLevel{Price: lvl.Price, Quantity: lvl.Quantity, Orders: lvl.Orders})
	}
	for _, lvl := range q.Depth.Sell {
		depth.Asks = append(depth.Asks, types.DepthLevel{Price: lvl.Price, Quantity: lvl.Quantity, Orders: lvl.Orders})
	}
	return depth, nil
}

var timeframeTo = map[types.Timeframe]string{
	types.TF1Min:  "minute",
	types.TF5Min:  "5minute",
	types.TF15Min: "15minute",
	types.TF1Hour: "60minute",
	types.TF1Day:  "day",
}

// GetOHLCV fetches historical candles by venue instrument token.
func (a *Adapter) GetOHLCV(ctx context.Context, symbol string, exchange types.Exchange, tf types.Timeframe, from, to time.Time) ([]types.Candle, error) {
	inst, err := a.Resolve(symbol, exchange)
	if err != nil {
		return nil, err
	}
	interval, ok := timeframeTo[tf]
	if !ok {
		return nil, types.Ef(types.KindNotSupported, "timeframe %s not supported", tf).WithBroker(BrokerID)
	}

	path := fmt.Sprintf("%s/%s/%s?from=%s&to=%s",
		epHistorical, inst.InstrumentID, interval,
		url.QueryEscape(from.Format("2006-01-02 15:04:05")),
		url.QueryEscape(to.Format("2006-01-02 15:04:05")))

	var data struct {
		Candles [][]json.Number `json:"candles"`
	}
	err = a.DoRead(ctx, "ohlcv", func() error {
		_, err := a.call(ctx, a.Limiter.Data, resty.MethodGet, path, nil, &data)
		return err
	})
	if err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(data.Candles))
	for _, row := range data.Candles {
		if len(row) < 6 {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, row[0].String())
		o, _ := row[1].Float64()
		h, _ := row[2].Float64()
		l, _ := row[3].Float64()
		c, _ := row[4].Float64()
		v, _ := row[5].Int64()
		candles = append(candles, types.Candle{
			TimestampMS: ts.UnixMilli(),
			Open:        o, High: h, Low: l, Close: c, Volume: v,
		})
	}
	return candles, nil
}

// CalculateMargin asks the venue to price the margin for a basket.
func (a *Adapter) CalculateMargin(ctx context.Context, orders []types.Order) (types.MarginEstimate, error) {
	if len(orders) == 0 {
		return types.MarginEstimate{Currency: "INR"}, nil
	}

	payload := make([]map[string]any, 0, len(orders))
	for _, o := range orders {
		inst, err := a.Resolve(o.Symbol, o.Exchange)
		if err != nil {
			return types.MarginEstimate{}, err
		}
		entry := map[string]any{
			"exchange":         string(o.Exchange),
			"tradingsymbol":    inst.Symbol,
			"transaction_type": string(o.Side),
			"variety":          "regular",
			"product":          toVenueProduct(o.Product),
			"order_type":       toVenueOrderType(o.Type),
			"quantity":         o.Quantity,
		}
		if o.Type.RequiresPrice() {
			entry["price"] = o.Price
		}
		if o.Type.RequiresTrigger() {
			entry["trigger_price"] = o.TriggerPrice
		}
		payload = append(payload, entry)
	}

	body, _ := json.Marshal(payload)
	if err := a.Limiter.Data.Wait(ctx); err != nil {
		return types.MarginEstimate{}, types.E(types.KindRateLimited, "rate limit wait cancelled").Wrap(err).WithBroker(BrokerID)
	}

	var env envelope
	resp, err := a.HTTP.R().
		SetContext(ctx).
		SetHeader("X-Kite-Version", kiteVersion).
		SetHeader("Authorization", a.authHeader()).
		SetBody(json.RawMessage(body)).
		SetResult(&env).
		Post(epOrderMargins)
	if err != nil {
		return types.MarginEstimate{}, a.ClassifyTransport(err, 0)
	}
	if env.Status != "success" {
		if env.ErrorType != "" {
			return types.MarginEstimate{}, mapVenueError(env.ErrorType, env.Message)
		}
		if terr := a.ClassifyTransport(nil, resp.StatusCode()); terr != nil {
			return types.MarginEstimate{}, terr
		}
		return types.MarginEstimate{}, types.E(types.KindInternal, env.Message).WithBroker(BrokerID)
	}

	var rows []struct {
		Total float64 `json:"total"`
		SPAN  float64 `json:"span"`
	}
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return types.MarginEstimate{}, types.Ef(types.KindInternal, "decode margins: %v", err).WithBroker(BrokerID)
	}

	var est types.MarginEstimate
	est.Currency = "INR"
	for _, r := range rows {
		est.TotalMargin += r.Total
		est.InitialMargin += r.SPAN
	}
	return est, nil
}

// CancelAllOrders cancels every live order, aggregating per-item outcomes.
// The bulk call never fails as a whole.
func (a *Adapter) CancelAllOrders(ctx context.Context) types.BulkResult {
	var result types.BulkResult

	orders, err := a.GetOrders(ctx)
	if err != nil {
		result.Items = append(result.Items, types.BulkItem{ID: "*", Success: false, Message: err.Error()})
		result.Total, result.Failed = 1, 1
		return result
	}

	for _, o := range orders {
		if o.Status.Terminal() {
			continue
		}
		result.Total++
		res := a.CancelOrder(ctx, o.ID)
		item := types.BulkItem{ID: o.ID, Success: res.Success, Message: res.Message}
		if res.Success {
			result.OK++
		} else {
			result.Failed++
		}
		result.Items = append(result.Items, item)
	}
	return result
}

// CloseAllPositions squares off every open position with market orders.
func (a *Adapter) CloseAllPositions(ctx context.Context) types.BulkResult {
	var result types.BulkResult

	positions, err := a.GetPositions(ctx)
	if err != nil {
		result.Items = append(result.Items, types.BulkItem{ID: "*", Success: false, Message: err.Error()})
		result.Total, result.Failed = 1, 1
		return result
	}

	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		result.Total++
		side := types.Sell
		if p.Quantity < 0 {
			side = types.Buy
		}
		res := a.PlaceOrder(ctx, types.Order{
			Symbol:   p.Symbol,
			Exchange: p.Exchange,
			Side:     side,
			Type:     types.Market,
			Quantity: abs(p.Quantity),
			Product:  p.Product,
			Validity: types.ValidityDay,
		})
		item := types.BulkItem{ID: p.Symbol, Success: res.Success, Message: res.Message}
		if res.Success {
			result.OK++
		} else {
			result.Failed++
		}
		result.Items = append(result.Items, item)
	}
	return result
}

// Subscribe registers a streaming subscription and ensures the feed is up.
func (a *Adapter) Subscribe(ctx context.Context, symbol string, exchange types.Exchange, mode types.StreamMode) error {
	return a.stream.subscribe(ctx, symbol, exchange, mode)
}

// Unsubscribe drops the streaming subscription. Idempotent.
func (a *Adapter) Unsubscribe(ctx context.Context, symbol string, exchange types.Exchange) error {
	return a.stream.unsubscribe(ctx, symbol, exchange)
}
