// Package alpaca implements the US cash-equity adapter. Authentication is a
// static key/secret header pair verified against the account endpoint, so
// there are no tokens to refresh; trading and market data live on separate
// hosts.
package alpaca

import (
	"context"
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
const BrokerID = "alpaca"

const (
	hdrKeyID     = "APCA-API-KEY-ID"
	hdrSecretKey = "APCA-API-SECRET-KEY"

	epAccount    = "/v2/account"
	epOrders     = "/v2/orders"
	epPositions  = "/v2/positions"
	epActivities = "/v2/account/activities/FILL"
	epStocks     = "/v2/stocks"
)

// Adapter is the US venue implementation of broker.Adapter.
type Adapter struct {
	*broker.Client

	apiKey    string
	apiSecret string
	dataHTTP  *resty.Client

	stream *stream
}

var _ broker.Adapter = (*Adapter)(nil)

// New builds the adapter. DataURL defaults to BaseURL when the config does
// not split the hosts.
func New(cfg config.BrokerConfig, cache broker.ContractCache, logger *slog.Logger) *Adapter {
	dataURL := cfg.DataURL
	if dataURL == "" {
		dataURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	a := &Adapter{
		Client:    broker.NewClient(BrokerID, cfg, cache, logger),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		dataHTTP:  resty.New().SetBaseURL(dataURL).SetTimeout(timeout),
	}
	a.stream = newStream(a, cfg.WSURL)
	return a
}

// call executes one venue request with the key/secret headers.
func (a *Adapter) call(ctx context.Context, bucket *broker.TokenBucket, client *resty.Client, method, path string, body, out any) (time.Duration, error) {
	if err := bucket.Wait(ctx); err != nil {
		return 0, types.E(types.KindRateLimited, "rate limit wait cancelled").Wrap(err).WithBroker(BrokerID)
	}

	req := client.R().
		SetContext(ctx).
		SetHeader(hdrKeyID, a.apiKey).
		SetHeader(hdrSecretKey, a.apiSecret)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return 0, a.ClassifyTransport(err, 0)
	}
	elapsed := resp.Time()
	a.RecordTransportLatency(elapsed)

	if resp.StatusCode() >= 400 {
		var ve struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(resp.Body(), &ve)
		return elapsed, mapVenueError(resp.StatusCode(), ve.Code, ve.Message)
	}
	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return elapsed, types.Ef(types.KindInternal, "decode %s: %v", path, err).WithBroker(BrokerID)
		}
	}
	return elapsed, nil
}

// Authenticate verifies the key pair against the account endpoint. Static
// keys carry no expiry, so the session never needs a refresh.
func (a *Adapter) Authenticate(ctx context.Context, creds broker.Credentials) (types.AuthResponse, error) {
	a.SetState(types.AuthAuthenticating)

	if creds.APIKey != "" {
		a.apiKey = creds.APIKey
	}
	if creds.APISecret != "" {
		a.apiSecret = creds.APISecret
	}
	if a.apiKey == "" || a.apiSecret == "" {
		a.SetState(types.AuthFailed)
		err := types.E(types.KindInvalidToken, "api key and secret required").WithBroker(BrokerID)
		return types.AuthResponse{Success: false, Message: err.Message}, err
	}

	var acct struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	_, err := a.call(ctx, a.Limiter.Data, a.HTTP, resty.MethodGet, epAccount, nil, &acct)
	if err != nil {
		a.SetState(types.AuthFailed)
		return types.AuthResponse{Success: false, Message: err.Error()}, err
	}
	if acct.Status != "ACTIVE" {
		a.SetState(types.AuthFailed)
		gerr := types.Ef(types.KindUnauthorized, "account status %s", acct.Status).WithBroker(BrokerID)
		return types.AuthResponse{Success: false, Message: gerr.Message}, gerr
	}

	// Zero expiry tells the refresher there is nothing to schedule.
	a.SetTokens(a.apiKey, "", time.Time{}, acct.ID)
	return types.AuthResponse{Success: true, UserID: acct.ID}, nil
}

// RefreshToken always fails: static keys have no refresh grant.
func (a *Adapter) RefreshToken(ctx context.Context) (types.AuthResponse, error) {
	err := types.E(types.KindNoRefreshToken, "static key auth has no refresh grant").WithBroker(BrokerID)
	return types.AuthResponse{Success: false, Message: err.Message}, err
}

// GetOAuthURL is not applicable to key/secret auth.
func (a *Adapter) GetOAuthURL(clientID string) string { return "" }

// ExchangeCodeForToken is not applicable to key/secret auth.
func (a *Adapter) ExchangeCodeForToken(ctx context.Context, code string) (types.AuthResponse, error) {
	err := types.E(types.KindNotSupported, "venue authenticates with static keys").WithBroker(BrokerID)
	return types.AuthResponse{Success: false, Message: err.Message}, err
}

// Logout drops the session locally; static keys stay valid server-side.
func (a *Adapter) Logout(ctx context.Context) error {
	a.stream.stop()
	a.ClearSession()
	return nil
}

// venueOrderRequest is the /v2/orders body.
type venueOrderRequest struct {
	Symbol        string          `json:"symbol"`
	Qty           string          `json:"qty"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	TimeInForce   string          `json:"time_in_force"`
	LimitPrice    string          `json:"limit_price,omitempty"`
	StopPrice     string          `json:"stop_price,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	OrderClass    string          `json:"order_class,omitempty"`
	TakeProfit    *venueBracketTP `json:"take_profit,omitempty"`
	StopLoss      *venueBracketSL `json:"stop_loss,omitempty"`
}

type venueBracketTP struct {
	LimitPrice string `json:"limit_price"`
}

type venueBracketSL struct {
	StopPrice string `json:"stop_price"`
}

func fnum(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (a *Adapter) buildOrderRequest(order types.Order, venueSymbol string) venueOrderRequest {
	req := venueOrderRequest{
		Symbol:        venueSymbol,
		Qty:           strconv.FormatInt(order.Quantity, 10),
		Side:          "buy",
		Type:          toVenueOrderType(order.Type),
		TimeInForce:   toVenueTIF(order.Validity),
		ClientOrderID: order.Tag,
	}
	if order.Side == types.Sell {
		req.Side = "sell"
	}
	if order.Type.RequiresPrice() {
		req.LimitPrice = fnum(order.Price)
	}
	if order.Type.RequiresTrigger() {
		req.StopPrice = fnum(order.TriggerPrice)
	}
	return req
}

// PlaceOrder places a canonical order. Never retried.
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
		ID string `json:"id"`
	}
	elapsed, callErr := a.call(ctx, a.Limiter.Orders, a.HTTP, resty.MethodPost, epOrders, a.buildOrderRequest(order, inst.Symbol), &data)
	if callErr != nil {
		ge := callErr.(*types.Error)
		a.Logger.Error("order placement failed", "symbol", order.Symbol, "kind", ge.Kind, "error", ge.Message)
		return a.FailResult(ge)
	}

	a.Logger.Info("order placed", "symbol", order.Symbol, "side", order.Side, "qty", order.Quantity, "order_id", data.ID)
	return types.OrderResult{Success: true, BrokerID: BrokerID, OrderID: data.ID, LatencyMS: elapsed.Milliseconds()}
}

// PlaceSmartOrder places a native bracket order; the venue manages both legs.
func (a *Adapter) PlaceSmartOrder(ctx context.Context, order types.Order) types.OrderResult {
	order.Normalize()
	if err := order.Validate(); err != nil {
		return a.FailResult(err.(*types.Error))
	}
	inst, err := a.Resolve(order.Symbol, order.Exchange)
	if err != nil {
		return a.FailResult(err.(*types.Error))
	}

	req := a.buildOrderRequest(order, inst.Symbol)
	if order.StopLoss > 0 || order.TakeProfit > 0 {
		req.OrderClass = "bracket"
		// Bracket orders must rest until both legs resolve.
		req.TimeInForce = "gtc"
		if order.TakeProfit > 0 {
			req.TakeProfit = &venueBracketTP{LimitPrice: fnum(order.TakeProfit)}
		}
		if order.StopLoss > 0 {
			req.StopLoss = &venueBracketSL{StopPrice: fnum(order.StopLoss)}
		}
	}

	var data struct {
		ID string `json:"id"`
	}
	elapsed, callErr := a.call(ctx, a.Limiter.Orders, a.HTTP, resty.MethodPost, epOrders, req, &data)
	if callErr != nil {
		return a.FailResult(callErr.(*types.Error))
	}
	return types.OrderResult{Success: true, BrokerID: BrokerID, OrderID: data.ID, LatencyMS: elapsed.Milliseconds()}
}

// ModifyOrder replaces mutable fields of an open order. Never retried.
func (a *Adapter) ModifyOrder(ctx context.Context, orderID string, changes types.OrderModify) types.OrderResult {
	body := map[string]any{}
	if changes.Quantity > 0 {
		body["qty"] = strconv.FormatInt(changes.Quantity, 10)
	}
	if changes.Price > 0 {
		body["limit_price"] = fnum(changes.Price)
	}
	if changes.TriggerPrice > 0 {
		body["stop_price"] = fnum(changes.TriggerPrice)
	}
	if changes.Validity != "" {
		body["time_in_force"] = toVenueTIF(changes.Validity)
	}

	var data struct {
		ID string `json:"id"`
	}
	elapsed, err := a.call(ctx, a.Limiter.Orders, a.HTTP, resty.MethodPatch, epOrders+"/"+url.PathEscape(orderID), body, &data)
	if err != nil {
		return a.FailResult(err.(*types.Error))
	}
	if data.ID == "" {
		data.ID = orderID
	}
	return types.OrderResult{Success: true, BrokerID: BrokerID, OrderID: data.ID, LatencyMS: elapsed.Milliseconds()}
}

// CancelOrder cancels an open order. Never retried.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) types.OrderResult {
	elapsed, err := a.call(ctx, a.Limiter.Orders, a.HTTP, resty.MethodDelete, epOrders+"/"+url.PathEscape(orderID), nil, nil)
	if err != nil {
		return a.FailResult(err.(*types.Error))
	}
	return types.OrderResult{Success: true, BrokerID: BrokerID, OrderID: orderID, LatencyMS: elapsed.Milliseconds()}
}

// venueOrderRow is one /v2/orders entry. Numeric fields are JSON strings.
type venueOrderRow struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Qty            string `json:"qty"`
	FilledQty      string `json:"filled_qty"`
	LimitPrice     string `json:"limit_price"`
	StopPrice      string `json:"stop_price"`
	FilledAvgPrice string `json:"filled_avg_price"`
	Status         string `json:"status"`
	TimeInForce    string `json:"time_in_force"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func pfloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func pint(s string) int64 {
	// Fractional quantities truncate; the canonical model is whole shares.
	return int64(pfloat(s))
}

func (a *Adapter) mapOrderView(v venueOrderRow) types.OrderView {
	side := types.Buy
	if v.Side == "sell" {
		side = types.Sell
	}
	qty := pint(v.Qty)
	filled := pint(v.FilledQty)

	view := types.OrderView{
		Order: types.Order{
			Symbol:       v.Symbol,
			Side:         side,
			Type:         fromVenueOrderType(v.Type),
			Quantity:     qty,
			Price:        pfloat(v.LimitPrice),
			TriggerPrice: pfloat(v.StopPrice),
			Product:      types.ProductCash,
			Validity:     fromVenueTIF(v.TimeInForce),
			Tag:          v.ClientOrderID,
		},
		ID:           v.ID,
		BrokerID:     BrokerID,
		Status:       fromVenueStatus(v.Status),
		FilledQty:    filled,
		PendingQty:   qty - filled,
		AvgFillPrice: pfloat(v.FilledAvgPrice),
	}
	if ts, err := time.Parse(time.RFC3339, v.CreatedAt); err == nil {
		view.PlacedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, v.UpdatedAt); err == nil {
		view.UpdatedAt = ts
	} else {
		view.UpdatedAt = view.PlacedAt
	}
	return view
}

// GetOrders fetches the order book including terminal orders.
func (a *Adapter) GetOrders(ctx context.Context) ([]types.OrderView, error) {
	var raw []venueOrderRow
	err := a.DoRead(ctx, "orders", func() error {
		_, err := a.call(ctx, a.Limiter.Data, a.HTTP, resty.MethodGet, epOrders+"?status=all&limit=500", nil, &raw)
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

// GetTrades fetches fill activities.
func (a *Adapter) GetTrades(ctx context.Context) ([]types.Trade, error) {
	var raw []struct {
		ID              string `json:"id"`
		OrderID         string `json:"order_id"`
		Symbol          string `json:"symbol"`
		Side            string `json:"side"`
		Qty             string `json:"qty"`
		Price           string `json:"price"`
		TransactionTime string `json:"transaction_time"`
	}
	err := a.DoRead(ctx, "trades", func() error {
		_, err := a.call(ctx, a.Limiter.Data, a.HTTP, resty.MethodGet, epActivities, nil, &raw)
		return err
	})
	if err != nil {
		return nil, err
	}

	trades := make([]types.Trade, len(raw))
	for i, v := range raw {
		side := types.Buy
		if v.Side == "sell" {
			side = types.Sell
		}
		t := types.Trade{
			ID:       v.ID,
			OrderID:  v.OrderID,
			BrokerID: BrokerID,
			Symbol:   v.Symbol,
			Side:     side,
			Quantity: pint(v.Qty),
			Price:    pfloat(v.Price),
		}
		if ts, err := time.Parse(time.RFC3339, v.TransactionTime); err == nil {
			t.TimestampMS = ts.UnixMilli()
		}
		trades[i] = t
	}
	return trades, nil
}

// venuePosition is one /v2/positions entry.
type venuePosition struct {
	Symbol         string `json:"symbol"`
	Exchange       string `json:"exchange"`
	Qty            string `json:"qty"`
	Side           string `json:"side"`
	AvgEntryPrice  string `json:"avg_entry_price"`
	CurrentPrice   string `json:"current_price"`
	MarketValue    string `json:"market_value"`
	CostBasis      string `json:"cost_basis"`
	UnrealizedPL   string `json:"unrealized_pl"`
	UnrealizedPLPC string `json:"unrealized_plpc"`
}

func (a *Adapter) fetchPositions(ctx context.Context) ([]venuePosition, error) {
	var raw []venuePosition
	err := a.DoRead(ctx, "positions", func() error {
		_, err := a.call(ctx, a.Limiter.Data, a.HTTP, resty.MethodGet, epPositions, nil, &raw)
		return err
	})
	return raw, err
}

// GetPositions fetches open positions.
func (a *Adapter) GetPositions(ctx context.Context) ([]types.Position, error) {
	raw, err := a.fetchPositions(ctx)
	if err != nil {
		return nil, err
	}
	positions := make([]types.Position, len(raw))
	for i, v := range raw {
		qty := pint(v.Qty)
		if v.Side == "short" && qty > 0 {
			qty = -qty
		}
		positions[i] = types.Position{
			Symbol:     v.Symbol,
			Exchange:   types.Exchange(v.Exchange),
			Product:    types.ProductCash,
			Quantity:   qty,
			AvgPrice:   pfloat(v.AvgEntryPrice),
			LastPrice:  pfloat(v.CurrentPrice),
			PnL:        pfloat(v.UnrealizedPL),
			PnLPercent: pfloat(v.UnrealizedPLPC) * 100,
		}
	}
	return positions, nil
}

// GetHoldings maps long positions to holdings; the venue has no separate
// settled-portfolio surface.
func (a *Adapter) GetHoldings(ctx context.Context) ([]types.Holding, error) {
	raw, err := a.fetchPositions(ctx)
	if err != nil {
		return nil, err
	}
	var holdings []types.Holding
	for _, v := range raw {
		if v.Side == "short" {
			continue
		}
		h := types.Holding{
			Symbol:        v.Symbol,
			Exchange:      types.Exchange(v.Exchange),
			Quantity:      pint(v.Qty),
			AvgPrice:      pfloat(v.AvgEntryPrice),
			LastPrice:     pfloat(v.CurrentPrice),
			InvestedValue: pfloat(v.CostBasis),
			CurrentValue:  pfloat(v.MarketValue),
			PnL:           pfloat(v.UnrealizedPL),
			PnLPercent:    pfloat(v.UnrealizedPLPC) * 100,
		}
		holdings = append(holdings, h)
	}
	return holdings, nil
}

// GetFunds fetches account balances.
func (a *Adapter) GetFunds(ctx context.Context) (types.Funds, error) {
	var acct struct {
		Cash              string `json:"cash"`
		BuyingPower       string `json:"buying_power"`
		Equity            string `json:"equity"`
		InitialMargin     string `json:"initial_margin"`
		MaintenanceMargin string `json:"maintenance_margin"`
		Currency          string `json:"currency"`
	}
	err := a.DoRead(ctx, "funds", func() error {
		_, err := a.call(ctx, a.Limiter.Data, a.HTTP, resty.MethodGet, epAccount, nil, &acct)
		return err
	})
	if err != nil {
		return types.Funds{}, err
	}
	return types.Funds{
		AvailableCash:   pfloat(acct.Cash),
		UsedMargin:      pfloat(acct.InitialMargin),
		AvailableMargin: pfloat(acct.BuyingPower),
		TotalBalance:    pfloat(acct.Equity),
		Currency:        acct.Currency,
	}, nil
}

// venueSnapshot is the /v2/stocks/{symbol}/snapshot payload.
type venueSnapshot struct {
	LatestTrade struct {
		Price float64 `json:"p"`
		Time  string  `json:"t"`
	} `json:"latestTrade"`
	LatestQuote struct {
		BidPrice float64 `json:"bp"`
		BidSize  int64   `json:"bs"`
		AskPrice float64 `json:"ap"`
		AskSize  int64   `json:"as"`
	} `json:"latestQuote"`
	DailyBar struct {
		Open   float64 `json:"o"`
		High   float64 `json:"h"`
		Low    float64 `json:"l"`
		Close  float64 `json:"c"`
		Volume int64   `json:"v"`
	} `json:"dailyBar"`
	PrevDailyBar struct {
		Close float64 `json:"c"`
	} `json:"prevDailyBar"`
}

// GetQuote fetches a top-of-book snapshot from the data host.
func (a *Adapter) GetQuote(ctx context.Context, symbol string, exchange types.Exchange) (types.Quote, error) {
	inst, err := a.Resolve(symbol, exchange)
	if err != nil {
		return types.Quote{}, err
	}

	var snap venueSnapshot
	err = a.DoRead(ctx, "quote", func() error {
		_, err := a.call(ctx, a.Limiter.Data, a.dataHTTP, resty.MethodGet, epStocks+"/"+url.PathEscape(inst.Symbol)+"/snapshot", nil, &snap)
		return err
	})
	if err != nil {
		return types.Quote{}, err
	}

	quote := types.Quote{
		Symbol:        symbol,
		Exchange:      exchange,
		LastPrice:     snap.LatestTrade.Price,
		Bid:           snap.LatestQuote.BidPrice,
		BidQty:        snap.LatestQuote.BidSize,
		Ask:           snap.LatestQuote.AskPrice,
		AskQty:        snap.LatestQuote.AskSize,
		Open:          snap.DailyBar.Open,
		High:          snap.DailyBar.High,
		Low:           snap.DailyBar.Low,
		Close:         snap.DailyBar.Close,
		PreviousClose: snap.PrevDailyBar.Close,
		Volume:        snap.DailyBar.Volume,
		TimestampMS:   time.Now().UnixMilli(),
	}
	if snap.PrevDailyBar.Close > 0 {
		quote.Change = quote.LastPrice - snap.PrevDailyBar.Close
		quote.ChangePercent = quote.Change / snap.PrevDailyBar.Close * 100
	}
	if ts, err := time.Parse(time.RFC3339, snap.LatestTrade.Time); err == nil {
		quote.TimestampMS = ts.UnixMilli()
	}
	return quote, nil
}

// GetMarketDepth is not available: the venue's data feed carries top of book
// only.
func (a *Adapter) GetMarketDepth(ctx context.Context, symbol string, exchange types.Exchange) (types.MarketDepth, error) {
	return types.MarketDepth{}, types.E(types.KindNotSupported, "venue data feed has no depth-of-book").WithBroker(BrokerID)
}

var timeframeTo = map[types.Timeframe]string{
	types.TF1Min:  "1Min",
	types.TF5Min:  "5Min",
	types.TF15Min: "15Min",
	types.TF1Hour: "1Hour",
	types.TF1Day:  "1Day",
}

// GetOHLCV fetches historical bars from the data host.
func (a *Adapter) GetOHLCV(ctx context.Context, symbol string, exchange types.Exchange, tf types.Timeframe, from, to time.Time) ([]types.Candle, error) {
	inst, err := a.Resolve(symbol, exchange)
	if err != nil {
		return nil, err
	}
	timeframe, ok := timeframeTo[tf]
	if !ok {
		return nil, types.Ef(types.KindNotSupported, "timeframe %s not supported", tf).WithBroker(BrokerID)
	}

	path := fmt.Sprintf("%s/%s/bars?timeframe=%s&start=%s&end=%s&limit=1000",
		epStocks, url.PathEscape(inst.Symbol), timeframe,
		url.QueryEscape(from.UTC().Format(time.RFC3339)),
		url.QueryEscape(to.UTC().Format(time.RFC3339)))

	var data struct {
		Bars []struct {
			Time   string  `json:"t"`
			Open   float64 `json:"o"`
			High   float64 `json:"h"`
			Low    float64 `json:"l"`
			Close  float64 `json:"c"`
			Volume int64   `json:"v"`
		} `json:"bars"`
	}
	err = a.DoRead(ctx, "ohlcv", func() error {
		_, err := a.call(ctx, a.Limiter.Data, a.dataHTTP, resty.MethodGet, path, nil, &data)
		return err
	})
	if err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(data.Bars))
	for _, row := range data.Bars {
		ts, err := time.Parse(time.RFC3339, row.Time)
		if err != nil {
			continue
		}
		candles = append(candles, types.Candle{
			TimestampMS: ts.UnixMilli(),
			Open:        row.Open, High: row.High, Low: row.Low, Close: row.Close,
			Volume: row.Volume,
		})
	}
	return candles, nil
}

// CalculateMargin is not available: the venue exposes no pre-trade margin
// endpoint, only account-level buying power.
func (a *Adapter) CalculateMargin(ctx context.Context, orders []types.Order) (types.MarginEstimate, error) {
	return types.MarginEstimate{}, types.E(types.KindNotSupported, "venue has no pre-trade margin endpoint").WithBroker(BrokerID)
}

// CancelAllOrders cancels every open order with the venue's bulk endpoint.
func (a *Adapter) CancelAllOrders(ctx context.Context) types.BulkResult {
	var rows []struct {
		ID     string `json:"id"`
		Status int    `json:"status"`
	}
	var result types.BulkResult
	_, err := a.call(ctx, a.Limiter.Orders, a.HTTP, resty.MethodDelete, epOrders, nil, &rows)
	if err != nil {
		result.Items = append(result.Items, types.BulkItem{ID: "*", Success: false, Message: err.Error()})
		result.Total, result.Failed = 1, 1
		return result
	}

	for _, r := range rows {
		result.Total++
		ok := r.Status < 400
		if ok {
			result.OK++
		} else {
			result.Failed++
		}
		result.Items = append(result.Items, types.BulkItem{ID: r.ID, Success: ok, Message: strconv.Itoa(r.Status)})
	}
	return result
}

// CloseAllPositions liquidates every position with the venue's bulk endpoint.
func (a *Adapter) CloseAllPositions(ctx context.Context) types.BulkResult {
	var rows []struct {
		Symbol string `json:"symbol"`
		Status int    `json:"status"`
	}
	var result types.BulkResult
	_, err := a.call(ctx, a.Limiter.Orders, a.HTTP, resty.MethodDelete, epPositions, nil, &rows)
	if err != nil {
		result.Items = append(result.Items, types.BulkItem{ID: "*", Success: false, Message: err.Error()})
		result.Total, result.Failed = 1, 1
		return result
	}

	for _, r := range rows {
		result.Total++
		ok := r.Status < 400
		if ok {
			result.OK++
		} else {
			result.Failed++
		}
		result.Items = append(result.Items, types.BulkItem{ID: r.Symbol, Success: ok, Message: strconv.Itoa(r.Status)})
	}
	return result
}

// Subscribe registers a streaming subscription.
func (a *Adapter) Subscribe(ctx context.Context, symbol string, exchange types.Exchange, mode types.StreamMode) error {
	return a.stream.subscribe(ctx, symbol, exchange, mode)
}

// Unsubscribe drops the streaming subscription. Idempotent.
func (a *Adapter) Unsubscribe(ctx context.Context, symbol string, exchange types.Exchange) error {
	return a.stream.unsubscribe(ctx, symbol, exchange)
}
