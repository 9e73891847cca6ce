// Package saxo implements the European multi-asset adapter (OpenAPI
// dialect). Authentication is a standard OAuth2 authorization-code grant
// with rotating refresh tokens; instruments are addressed by numeric UIC,
// and all portfolio state hangs off an AccountKey discovered after login.
package saxo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"

	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/pkg/types"
)

// BrokerID is the registry key for this adapter.
const BrokerID = "saxo"

const (
	assetType = "Stock"

	defaultAuthURL  = "https://sim.logonvalidation.net/authorize"
	defaultTokenURL = "https://sim.logonvalidation.net/token"

	epUsersMe         = "/port/v1/users/me"
	epAccountsMe      = "/port/v1/accounts/me"
	epOrdersMe        = "/port/v1/orders/me"
	epPositionsMe     = "/port/v1/positions/me"
	epClosedPositions = "/port/v1/closedpositions/me"
	epBalancesMe      = "/port/v1/balances/me"
	epTradeOrders     = "/trade/v2/orders"
	epPrecheck        = "/trade/v2/orders/precheck"
	epInfoPrices      = "/trade/v1/infoprices"
	epCharts          = "/chart/v1/charts"
)

// Adapter is the European venue implementation of broker.Adapter.
type Adapter struct {
	*broker.Client

	oauth  *oauth2.Config
	stream *stream
}

var _ broker.Adapter = (*Adapter)(nil)

// New builds the adapter. OAuth endpoints default to the simulation
// environment unless the config overrides them.
func New(cfg config.BrokerConfig, cache broker.ContractCache, logger *slog.Logger) *Adapter {
	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = defaultAuthURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}

	a := &Adapter{
		Client: broker.NewClient(BrokerID, cfg, cache, logger),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       []string{"openapi"},
			Endpoint:     oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL},
		},
	}
	a.stream = newStream(a, cfg.WSURL)
	return a
}

// venueError is the OpenAPI failure body. Older endpoints wrap the code in
// ErrorInfo, newer ones inline it.
type venueError struct {
	ErrorInfo *struct {
		ErrorCode string `json:"ErrorCode"`
		Message   string `json:"Message"`
	} `json:"ErrorInfo"`
	ErrorCode string `json:"ErrorCode"`
	Message   string `json:"Message"`
}

func (e venueError) codeAndMessage() (string, string) {
	if e.ErrorInfo != nil {
		return e.ErrorInfo.ErrorCode, e.ErrorInfo.Message
	}
	return e.ErrorCode, e.Message
}

// call executes one venue request after taking a token from the bucket.
// Bodies go out as JSON; failures map through the error table.
func (a *Adapter) call(ctx context.Context, bucket *broker.TokenBucket, method, path string, body, out any) (time.Duration, error) {
	if err := bucket.Wait(ctx); err != nil {
		return 0, types.E(types.KindRateLimited, "rate limit wait cancelled").Wrap(err).WithBroker(BrokerID)
	}

	req := a.HTTP.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+a.AccessToken())
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
		var ve venueError
		_ = json.Unmarshal(resp.Body(), &ve)
		code, msg := ve.codeAndMessage()
		return elapsed, mapVenueError(resp.StatusCode(), code, msg)
	}
	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return elapsed, types.Ef(types.KindInternal, "decode %s: %v", path, err).WithBroker(BrokerID)
		}
	}
	return elapsed, nil
}

// installToken validates and stores an OAuth token. A token without an
// expiry cannot be scheduled for refresh and is rejected outright.
func (a *Adapter) installToken(tok *oauth2.Token, userID string) error {
	if tok.AccessToken == "" {
		return types.E(types.KindInvalidToken, "token exchange returned no access token").WithBroker(BrokerID)
	}
	if tok.Expiry.IsZero() {
		return types.E(types.KindInvalidToken, "token exchange returned no expiry").WithBroker(BrokerID)
	}
	a.SetTokens(tok.AccessToken, tok.RefreshToken, tok.Expiry, userID)
	return nil
}

// discoverKeys resolves the ClientKey and default AccountKey the portfolio
// endpoints require, using an explicit bearer so it can run before the
// session is installed.
func (a *Adapter) discoverKeys(ctx context.Context, accessToken string) (userID string, err error) {
	var user struct {
		UserID    string `json:"UserId"`
		ClientKey string `json:"ClientKey"`
	}
	resp, err := a.HTTP.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+accessToken).
		SetResult(&user).
		Get(epUsersMe)
	if err != nil {
		return "", a.ClassifyTransport(err, 0)
	}
	if resp.StatusCode() >= 400 {
		return "", mapVenueError(resp.StatusCode(), "", "user discovery failed")
	}

	var accounts struct {
		Data []struct {
			AccountKey string `json:"AccountKey"`
		} `json:"Data"`
	}
	resp, err = a.HTTP.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+accessToken).
		SetResult(&accounts).
		Get(epAccountsMe)
	if err != nil {
		return "", a.ClassifyTransport(err, 0)
	}
	if resp.StatusCode() >= 400 || len(accounts.Data) == 0 {
		return "", mapVenueError(resp.StatusCode(), "", "no trading account found")
	}

	a.SetAccountKeys(accounts.Data[0].AccountKey, user.ClientKey)
	return user.UserID, nil
}

// Authenticate restores a stored OAuth session. A live access token is
// installed directly; an expired one falls back to the refresh grant. With
// neither, the caller must run the interactive code flow.
func (a *Adapter) Authenticate(ctx context.Context, creds broker.Credentials) (types.AuthResponse, error) {
	a.SetState(types.AuthAuthenticating)

	if creds.AccessToken != "" && time.Now().Before(creds.ExpiresAt) {
		userID, err := a.discoverKeys(ctx, creds.AccessToken)
		if err != nil {
			a.SetState(types.AuthFailed)
			return types.AuthResponse{Success: false, Message: err.Error()}, err
		}
		a.SetTokens(creds.AccessToken, creds.RefreshToken, creds.ExpiresAt, userID)
		return types.AuthResponse{
			Success:        true,
			UserID:         userID,
			AccessToken:    creds.AccessToken,
			RefreshToken:   creds.RefreshToken,
			TokenExpiresAt: creds.ExpiresAt,
		}, nil
	}

	if creds.RefreshToken != "" {
		return a.refreshWith(ctx, creds.RefreshToken)
	}

	a.SetState(types.AuthFailed)
	err := types.E(types.KindMFARequired, "interactive login required: run the authorization code flow via GetOAuthURL").WithBroker(BrokerID)
	return types.AuthResponse{Success: false, Message: err.Message}, err
}

// RefreshToken runs the refresh grant with the stored refresh token. The
// venue rotates refresh tokens on every grant.
func (a *Adapter) RefreshToken(ctx context.Context) (types.AuthResponse, error) {
	rt := a.RefreshTokenValue()
	if rt == "" {
		err := types.E(types.KindNoRefreshToken, "no refresh token held").WithBroker(BrokerID)
		return types.AuthResponse{Success: false, Message: err.Message}, err
	}
	return a.refreshWith(ctx, rt)
}

func (a *Adapter) refreshWith(ctx context.Context, refreshToken string) (types.AuthResponse, error) {
	tok, err := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		a.SetState(types.AuthFailed)
		gerr := types.E(types.KindTokenExpired, "refresh grant failed").Wrap(err).WithBroker(BrokerID)
		return types.AuthResponse{Success: false, Message: gerr.Message}, gerr
	}

	userID, err := a.discoverKeys(ctx, tok.AccessToken)
	if err != nil {
		a.SetState(types.AuthFailed)
		return types.AuthResponse{Success: false, Message: err.Error()}, err
	}
	if err := a.installToken(tok, userID); err != nil {
		a.SetState(types.AuthFailed)
		return types.AuthResponse{Success: false, Message: err.Error()}, err
	}

	return types.AuthResponse{
		Success:        true,
		UserID:         userID,
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		TokenExpiresAt: tok.Expiry,
	}, nil
}

// GetOAuthURL returns the authorization URL for the interactive code flow.
func (a *Adapter) GetOAuthURL(clientID string) string {
	conf := *a.oauth
	if clientID != "" {
		conf.ClientID = clientID
	}
	return conf.AuthCodeURL("tg-" + strconv.FormatInt(time.Now().UnixNano(), 36))
}

// ExchangeCodeForToken completes the code flow. A token response without an
// expiry is rejected rather than guessed at.
func (a *Adapter) ExchangeCodeForToken(ctx context.Context, code string) (types.AuthResponse, error) {
	a.SetState(types.AuthAuthenticating)

	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		a.SetState(types.AuthFailed)
		gerr := types.E(types.KindInvalidToken, "code exchange failed").Wrap(err).WithBroker(BrokerID)
		return types.AuthResponse{Success: false, Message: gerr.Message}, gerr
	}

	userID, err := a.discoverKeys(ctx, tok.AccessToken)
	if err != nil {
		a.SetState(types.AuthFailed)
		return types.AuthResponse{Success: false, Message: err.Error()}, err
	}
	if err := a.installToken(tok, userID); err != nil {
		a.SetState(types.AuthFailed)
		return types.AuthResponse{Success: false, Message: err.Error()}, err
	}

	return types.AuthResponse{
		Success:        true,
		UserID:         userID,
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		TokenExpiresAt: tok.Expiry,
	}, nil
}

// Logout drops the session locally. The venue invalidates tokens by expiry.
func (a *Adapter) Logout(ctx context.Context) error {
	a.stream.stop()
	a.ClearSession()
	return nil
}

func (a *Adapter) accountKey() string {
	return a.Session().AccountKey
}

func (a *Adapter) resolveUIC(symbol string, exchange types.Exchange) (int64, error) {
	inst, err := a.Resolve(symbol, exchange)
	if err != nil {
		return 0, err
	}
	uic, err := strconv.ParseInt(inst.InstrumentID, 10, 64)
	if err != nil {
		return 0, types.Ef(types.KindInstrumentNotFound, "bad UIC %q for %s", inst.InstrumentID, symbol).WithBroker(BrokerID)
	}
	return uic, nil
}

// venueOrderRequest is the /trade/v2/orders body. Slave entries in Orders
// become venue-managed related orders (stop loss, take profit).
type venueOrderRequest struct {
	AccountKey        string             `json:"AccountKey"`
	Uic               int64              `json:"Uic"`
	AssetType         string             `json:"AssetType"`
	BuySell           string             `json:"BuySell"`
	Amount            int64              `json:"Amount"`
	OrderType         string             `json:"OrderType"`
	OrderPrice        float64            `json:"OrderPrice,omitempty"`
	StopLimitPrice    float64            `json:"StopLimitPrice,omitempty"`
	ManualOrder       bool               `json:"ManualOrder"`
	ExternalReference string             `json:"ExternalReference,omitempty"`
	OrderDuration     venueOrderDuration `json:"OrderDuration"`
	Orders            []venueOrderRequest `json:"Orders,omitempty"`
}

type venueOrderDuration struct {
	DurationType string `json:"DurationType"`
}

func toVenueBuySell(s types.Side) string {
	if s == types.Sell {
		return "Sell"
	}
	return "Buy"
}

func (a *Adapter) buildOrderRequest(order types.Order, uic int64) venueOrderRequest {
	req := venueOrderRequest{
		AccountKey:        a.accountKey(),
		Uic:               uic,
		AssetType:         assetType,
		BuySell:           toVenueBuySell(order.Side),
		Amount:            order.Quantity,
		OrderType:         toVenueOrderType(order.Type),
		ManualOrder:       true,
		ExternalReference: order.Tag,
		OrderDuration:     venueOrderDuration{DurationType: toVenueDuration(order.Validity)},
	}
	// The venue carries the stop trigger in OrderPrice and the limit leg of
	// a stop-limit in StopLimitPrice.
	switch {
	case order.Type.RequiresPrice() && order.Type.RequiresTrigger():
		req.OrderPrice = order.TriggerPrice
		req.StopLimitPrice = order.Price
	case order.Type.RequiresTrigger():
		req.OrderPrice = order.TriggerPrice
	case order.Type.RequiresPrice():
		req.OrderPrice = order.Price
	}
	return req
}

// PlaceOrder places a canonical order. Never retried.
func (a *Adapter) PlaceOrder(ctx context.Context, order types.Order) types.OrderResult {
	order.Normalize()
	if err := order.Validate(); err != nil {
		return a.FailResult(err.(*types.Error))
	}
	uic, err := a.resolveUIC(order.Symbol, order.Exchange)
	if err != nil {
		return a.FailResult(err.(*types.Error))
	}

	var data struct {
		OrderID string `json:"OrderId"`
	}
	elapsed, callErr := a.call(ctx, a.Limiter.Orders, resty.MethodPost, epTradeOrders, a.buildOrderRequest(order, uic), &data)
	if callErr != nil {
		ge := callErr.(*types.Error)
		a.Logger.Error("order placement failed", "symbol", order.Symbol, "kind", ge.Kind, "error", ge.Message)
		return a.FailResult(ge)
	}

	a.Logger.Info("order placed", "symbol", order.Symbol, "side", order.Side, "qty", order.Quantity, "order_id", data.OrderID)
	return types.OrderResult{Success: true, BrokerID: BrokerID, OrderID: data.OrderID, LatencyMS: elapsed.Milliseconds()}
}

// PlaceSmartOrder places the order with venue-managed related orders, so the
// bracket legs activate server-side even if the gateway goes down.
func (a *Adapter) PlaceSmartOrder(ctx context.Context, order types.Order) types.OrderResult {
	order.Normalize()
	if err := order.Validate(); err != nil {
		return a.FailResult(err.(*types.Error))
	}
	uic, err := a.resolveUIC(order.Symbol, order.Exchange)
	if err != nil {
		return a.FailResult(err.(*types.Error))
	}

	req := a.buildOrderRequest(order, uic)
	counter := "Sell"
	if order.Side == types.Sell {
		counter = "Buy"
	}
	if order.StopLoss > 0 {
		req.Orders = append(req.Orders, venueOrderRequest{
			Uic: uic, AssetType: assetType, BuySell: counter, Amount: order.Quantity,
			OrderType: "StopIfTraded", OrderPrice: order.StopLoss, ManualOrder: true,
			OrderDuration: venueOrderDuration{DurationType: "GoodTillCancel"},
		})
	}
	if order.TakeProfit > 0 {
		req.Orders = append(req.Orders, venueOrderRequest{
			Uic: uic, AssetType: assetType, BuySell: counter, Amount: order.Quantity,
			OrderType: "Limit", OrderPrice: order.TakeProfit, ManualOrder: true,
			OrderDuration: venueOrderDuration{DurationType: "GoodTillCancel"},
		})
	}

	var data struct {
		OrderID string `json:"OrderId"`
	}
	elapsed, callErr := a.call(ctx, a.Limiter.Orders, resty.MethodPost, epTradeOrders, req, &data)
	if callErr != nil {
		return a.FailResult(callErr.(*types.Error))
	}
	return types.OrderResult{Success: true, BrokerID: BrokerID, OrderID: data.OrderID, LatencyMS: elapsed.Milliseconds()}
}

// ModifyOrder edits an open order in place. Never retried.
func (a *Adapter) ModifyOrder(ctx context.Context, orderID string, changes types.OrderModify) types.OrderResult {
	body := map[string]any{
		"OrderId":    orderID,
		"AccountKey": a.accountKey(),
		"AssetType":  assetType,
	}
	if changes.Quantity > 0 {
		body["Amount"] = changes.Quantity
	}
	if changes.Price > 0 {
		body["OrderPrice"] = changes.Price
	}
	if changes.TriggerPrice > 0 {
		body["OrderPrice"] = changes.TriggerPrice
		if changes.Price > 0 {
			body["StopLimitPrice"] = changes.Price
		}
	}
	if changes.Type != "" {
		body["OrderType"] = toVenueOrderType(changes.Type)
	}
	if changes.Validity != "" {
		body["OrderDuration"] = venueOrderDuration{DurationType: toVenueDuration(changes.Validity)}
	}

	elapsed, err := a.call(ctx, a.Limiter.Orders, resty.MethodPatch, epTradeOrders, body, nil)
	if err != nil {
		return a.FailResult(err.(*types.Error))
	}
	return types.OrderResult{Success: true, BrokerID: BrokerID, OrderID: orderID, LatencyMS: elapsed.Milliseconds()}
}

// CancelOrder cancels an open order. Never retried.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) types.OrderResult {
	path := epTradeOrders + "/" + url.PathEscape(orderID) + "?AccountKey=" + url.QueryEscape(a.accountKey())
	elapsed, err := a.call(ctx, a.Limiter.Orders, resty.MethodDelete, path, nil, nil)
	if err != nil {
		return a.FailResult(err.(*types.Error))
	}
	return types.OrderResult{Success: true, BrokerID: BrokerID, OrderID: orderID, LatencyMS: elapsed.Milliseconds()}
}

// venueOrderRow is one /port/v1/orders/me entry.
type venueOrderRow struct {
	OrderID           string  `json:"OrderId"`
	Status            string  `json:"Status"`
	Uic               int64   `json:"Uic"`
	BuySell           string  `json:"BuySell"`
	Amount            float64 `json:"Amount"`
	FilledAmount      float64 `json:"FilledAmount"`
	Price             float64 `json:"Price"`
	StopLimitPrice    float64 `json:"StopLimitPrice"`
	OpenOrderType     string  `json:"OpenOrderType"`
	ExternalReference string  `json:"ExternalReference"`
	OrderTime         string  `json:"OrderTime"`
	Duration          struct {
		DurationType string `json:"DurationType"`
	} `json:"Duration"`
	DisplayAndFormat struct {
		Symbol string `json:"Symbol"`
	} `json:"DisplayAndFormat"`
}

func (a *Adapter) mapOrderView(v venueOrderRow) types.OrderView {
	symbol, exchange := splitVenueSymbol(v.DisplayAndFormat.Symbol)
	side := types.Buy
	if v.BuySell == "Sell" {
		side = types.Sell
	}
	ot := fromVenueOrderType(v.OpenOrderType)

	order := types.Order{
		Symbol:   symbol,
		Exchange: exchange,
		Side:     side,
		Type:     ot,
		Quantity: int64(v.Amount),
		Product:  types.ProductCash,
		Validity: fromVenueDuration(v.Duration.DurationType),
		Tag:      v.ExternalReference,
	}
	// Undo the OrderPrice/StopLimitPrice packing used on the way in.
	switch {
	case ot.RequiresPrice() && ot.RequiresTrigger():
		order.TriggerPrice = v.Price
		order.Price = v.StopLimitPrice
	case ot.RequiresTrigger():
		order.TriggerPrice = v.Price
	default:
		order.Price = v.Price
	}

	view := types.OrderView{
		Order:      order,
		ID:         v.OrderID,
		BrokerID:   BrokerID,
		Status:     fromVenueStatus(v.Status, v.FilledAmount),
		FilledQty:  int64(v.FilledAmount),
		PendingQty: int64(v.Amount - v.FilledAmount),
	}
	if ts, err := time.Parse(time.RFC3339, v.OrderTime); err == nil {
		view.PlacedAt = ts
		view.UpdatedAt = ts
	}
	return view
}

// GetOrders fetches open orders.
func (a *Adapter) GetOrders(ctx context.Context) ([]types.OrderView, error) {
	var data struct {
		Data []venueOrderRow `json:"Data"`
	}
	err := a.DoRead(ctx, "orders", func() error {
		_, err := a.call(ctx, a.Limiter.Data, resty.MethodGet, epOrdersMe+"?FieldGroups=DisplayAndFormat", nil, &data)
		return err
	})
	if err != nil {
		return nil, err
	}
	views := make([]types.OrderView, len(data.Data))
	for i, v := range data.Data {
		views[i] = a.mapOrderView(v)
	}
	return views, nil
}

// GetTrades maps closed positions to executions. The venue reports fills as
// position closes rather than a flat trade log.
func (a *Adapter) GetTrades(ctx context.Context) ([]types.Trade, error) {
	var data struct {
		Data []struct {
			ClosedPosition struct {
				Uic                int64   `json:"Uic"`
				Amount             float64 `json:"Amount"`
				ClosingPrice       float64 `json:"ClosingPrice"`
				OpeningPositionID  string  `json:"OpeningPositionId"`
				ClosingPositionID  string  `json:"ClosingPositionId"`
				ExecutionTimeClose string  `json:"ExecutionTimeClose"`
			} `json:"ClosedPosition"`
			DisplayAndFormat struct {
				Symbol string `json:"Symbol"`
			} `json:"DisplayAndFormat"`
		} `json:"Data"`
	}
	err := a.DoRead(ctx, "trades", func() error {
		_, err := a.call(ctx, a.Limiter.Data, resty.MethodGet, epClosedPositions+"?FieldGroups=DisplayAndFormat,ClosedPosition", nil, &data)
		return err
	})
	if err != nil {
		return nil, err
	}

	trades := make([]types.Trade, len(data.Data))
	for i, row := range data.Data {
		cp := row.ClosedPosition
		symbol, exchange := splitVenueSymbol(row.DisplayAndFormat.Symbol)
		side := types.Sell // closing a long sells
		if cp.Amount < 0 {
			side = types.Buy
		}
		t := types.Trade{
			ID:       cp.ClosingPositionID,
			OrderID:  cp.OpeningPositionID,
			BrokerID: BrokerID,
			Symbol:   symbol,
			Exchange: exchange,
			Side:     side,
			Quantity: int64(absFloat(cp.Amount)),
			Price:    cp.ClosingPrice,
		}
		if ts, err := time.Parse(time.RFC3339, cp.ExecutionTimeClose); err == nil {
			t.TimestampMS = ts.UnixMilli()
		}
		trades[i] = t
	}
	return trades, nil
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// venuePositionRow is one /port/v1/positions/me entry.
type venuePositionRow struct {
	PositionBase struct {
		Uic       int64   `json:"Uic"`
		Amount    float64 `json:"Amount"`
		OpenPrice float64 `json:"OpenPrice"`
	} `json:"PositionBase"`
	PositionView struct {
		CurrentPrice      float64 `json:"CurrentPrice"`
		ProfitLossOnTrade float64 `json:"ProfitLossOnTrade"`
		MarketValue       float64 `json:"MarketValue"`
	} `json:"PositionView"`
	DisplayAndFormat struct {
		Symbol string `json:"Symbol"`
	} `json:"DisplayAndFormat"`
}

func (a *Adapter) fetchPositions(ctx context.Context) ([]venuePositionRow, error) {
	var data struct {
		Data []venuePositionRow `json:"Data"`
	}
	err := a.DoRead(ctx, "positions", func() error {
		_, err := a.call(ctx, a.Limiter.Data, resty.MethodGet,
			epPositionsMe+"?FieldGroups=DisplayAndFormat,PositionBase,PositionView", nil, &data)
		return err
	})
	return data.Data, err
}

// GetPositions fetches open positions.
func (a *Adapter) GetPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := a.fetchPositions(ctx)
	if err != nil {
		return nil, err
	}
	positions := make([]types.Position, len(rows))
	for i, v := range rows {
		symbol, exchange := splitVenueSymbol(v.DisplayAndFormat.Symbol)
		p := types.Position{
			Symbol:    symbol,
			Exchange:  exchange,
			Product:   types.ProductCash,
			Quantity:  int64(v.PositionBase.Amount),
			AvgPrice:  v.PositionBase.OpenPrice,
			LastPrice: v.PositionView.CurrentPrice,
			PnL:       v.PositionView.ProfitLossOnTrade,
		}
		if invested := v.PositionBase.OpenPrice * absFloat(v.PositionBase.Amount); invested > 0 {
			p.PnLPercent = p.PnL / invested * 100
		}
		positions[i] = p
	}
	return positions, nil
}

// GetHoldings maps long cash-equity positions to holdings; the venue keeps
// settled stock on the position book rather than a separate portfolio.
func (a *Adapter) GetHoldings(ctx context.Context) ([]types.Holding, error) {
	rows, err := a.fetchPositions(ctx)
	if err != nil {
		return nil, err
	}
	var holdings []types.Holding
	for _, v := range rows {
		if v.PositionBase.Amount <= 0 {
			continue
		}
		symbol, exchange := splitVenueSymbol(v.DisplayAndFormat.Symbol)
		h := types.Holding{
			Symbol:        symbol,
			Exchange:      exchange,
			Quantity:      int64(v.PositionBase.Amount),
			AvgPrice:      v.PositionBase.OpenPrice,
			LastPrice:     v.PositionView.CurrentPrice,
			InvestedValue: v.PositionBase.OpenPrice * v.PositionBase.Amount,
			CurrentValue:  v.PositionView.MarketValue,
			PnL:           v.PositionView.ProfitLossOnTrade,
		}
		if h.InvestedValue > 0 {
			h.PnLPercent = h.PnL / h.InvestedValue * 100
		}
		holdings = append(holdings, h)
	}
	return holdings, nil
}

// GetFunds fetches account balances.
func (a *Adapter) GetFunds(ctx context.Context) (types.Funds, error) {
	var data struct {
		CashBalance                  float64 `json:"CashBalance"`
		Currency                     string  `json:"Currency"`
		MarginAvailableForTrading    float64 `json:"MarginAvailableForTrading"`
		MarginUsedByCurrentPositions float64 `json:"MarginUsedByCurrentPositions"`
		TotalValue                   float64 `json:"TotalValue"`
		UnrealizedPositionsValue     float64 `json:"UnrealizedPositionsValue"`
		CollateralAvailable          float64 `json:"CollateralAvailable"`
	}
	err := a.DoRead(ctx, "funds", func() error {
		_, err := a.call(ctx, a.Limiter.Data, resty.MethodGet, epBalancesMe, nil, &data)
		return err
	})
	if err != nil {
		return types.Funds{}, err
	}
	return types.Funds{
		AvailableCash:   data.CashBalance,
		UsedMargin:      absFloat(data.MarginUsedByCurrentPositions),
		AvailableMargin: data.MarginAvailableForTrading,
		TotalBalance:    data.TotalValue,
		Collateral:      data.CollateralAvailable,
		UnrealizedPnL:   data.UnrealizedPositionsValue,
		Currency:        data.Currency,
	}, nil
}

// venueInfoPrice is the /trade/v1/infoprices snapshot.
type venueInfoPrice struct {
	LastUpdated string `json:"LastUpdated"`
	Quote       struct {
		Bid     float64 `json:"Bid"`
		Ask     float64 `json:"Ask"`
		BidSize float64 `json:"BidSize"`
		AskSize float64 `json:"AskSize"`
	} `json:"Quote"`
	PriceInfo struct {
		High          float64 `json:"High"`
		Low           float64 `json:"Low"`
		NetChange     float64 `json:"NetChange"`
		PercentChange float64 `json:"PercentChange"`
	} `json:"PriceInfo"`
	PriceInfoDetails struct {
		LastTraded     float64 `json:"LastTraded"`
		Open           float64 `json:"Open"`
		Volume         float64 `json:"Volume"`
		LastClose      float64 `json:"LastClose"`
	} `json:"PriceInfoDetails"`
}

func (a *Adapter) fetchInfoPrice(ctx context.Context, symbol string, exchange types.Exchange) (venueInfoPrice, error) {
	uic, err := a.resolveUIC(symbol, exchange)
	if err != nil {
		return venueInfoPrice{}, err
	}
	path := fmt.Sprintf("%s?Uic=%d&AssetType=%s&FieldGroups=Quote,PriceInfo,PriceInfoDetails", epInfoPrices, uic, assetType)

	var data venueInfoPrice
	err = a.DoRead(ctx, "quote", func() error {
		_, err := a.call(ctx, a.Limiter.Data, resty.MethodGet, path, nil, &data)
		return err
	})
	return data, err
}

// GetQuote fetches a top-of-book snapshot.
func (a *Adapter) GetQuote(ctx context.Context, symbol string, exchange types.Exchange) (types.Quote, error) {
	p, err := a.fetchInfoPrice(ctx, symbol, exchange)
	if err != nil {
		return types.Quote{}, err
	}
	quote := types.Quote{
		Symbol:        symbol,
		Exchange:      exchange,
		LastPrice:     p.PriceInfoDetails.LastTraded,
		Bid:           p.Quote.Bid,
		Ask:           p.Quote.Ask,
		BidQty:        int64(p.Quote.BidSize),
		AskQty:        int64(p.Quote.AskSize),
		Open:          p.PriceInfoDetails.Open,
		High:          p.PriceInfo.High,
		Low:           p.PriceInfo.Low,
		Close:         p.PriceInfoDetails.LastClose,
		PreviousClose: p.PriceInfoDetails.LastClose,
		Volume:        int64(p.PriceInfoDetails.Volume),
		Change:        p.PriceInfo.NetChange,
		ChangePercent: p.PriceInfo.PercentChange,
		TimestampMS:   time.Now().UnixMilli(),
	}
	if ts, err := time.Parse(time.RFC3339, p.LastUpdated); err == nil {
		quote.TimestampMS = ts.UnixMilli()
	}
	return quote, nil
}

// GetMarketDepth returns a single-level book built from the quote snapshot;
// the venue exposes full depth only on its streaming surface.
func (a *Adapter) GetMarketDepth(ctx context.Context, symbol string, exchange types.Exchange) (types.MarketDepth, error) {
	p, err := a.fetchInfoPrice(ctx, symbol, exchange)
	if err != nil {
		return types.MarketDepth{}, err
	}
	depth := types.MarketDepth{Symbol: symbol, Exchange: exchange}
	if p.Quote.Bid > 0 {
		depth.Bids = append(depth.Bids, types.DepthLevel{Price: p.Quote.Bid, Quantity: int64(p.Quote.BidSize), Orders: 1})
	}
	if p.Quote.Ask > 0 {
		depth.Asks = append(depth.Asks, types.DepthLevel{Price: p.Quote.Ask, Quantity: int64(p.Quote.AskSize), Orders: 1})
	}
	return depth, nil
}

// horizonTo maps canonical timeframes to the venue's horizon in minutes.
var horizonTo = map[types.Timeframe]int{
	types.TF1Min:  1,
	types.TF5Min:  5,
	types.TF15Min: 15,
	types.TF1Hour: 60,
	types.TF1Day:  1440,
}

// GetOHLCV fetches historical chart samples.
func (a *Adapter) GetOHLCV(ctx context.Context, symbol string, exchange types.Exchange, tf types.Timeframe, from, to time.Time) ([]types.Candle, error) {
	uic, err := a.resolveUIC(symbol, exchange)
	if err != nil {
		return nil, err
	}
	horizon, ok := horizonTo[tf]
	if !ok {
		return nil, types.Ef(types.KindNotSupported, "timeframe %s not supported", tf).WithBroker(BrokerID)
	}

	path := fmt.Sprintf("%s?Uic=%d&AssetType=%s&Horizon=%d&Mode=UpTo&Time=%s&Count=1200",
		epCharts, uic, assetType, horizon, url.QueryEscape(to.UTC().Format(time.RFC3339)))

	var data struct {
		Data []struct {
			Time   string  `json:"Time"`
			Open   float64 `json:"Open"`
			High   float64 `json:"High"`
			Low    float64 `json:"Low"`
			Close  float64 `json:"Close"`
			Volume float64 `json:"Volume"`
		} `json:"Data"`
	}
	err = a.DoRead(ctx, "ohlcv", func() error {
		_, err := a.call(ctx, a.Limiter.Data, resty.MethodGet, path, nil, &data)
		return err
	})
	if err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(data.Data))
	for _, row := range data.Data {
		ts, err := time.Parse(time.RFC3339, row.Time)
		if err != nil || ts.Before(from) {
			continue
		}
		candles = append(candles, types.Candle{
			TimestampMS: ts.UnixMilli(),
			Open:        row.Open, High: row.High, Low: row.Low, Close: row.Close,
			Volume: int64(row.Volume),
		})
	}
	return candles, nil
}

// CalculateMargin prechecks each order with the venue and sums the impact.
func (a *Adapter) CalculateMargin(ctx context.Context, orders []types.Order) (types.MarginEstimate, error) {
	var est types.MarginEstimate
	for _, o := range orders {
		o.Normalize()
		uic, err := a.resolveUIC(o.Symbol, o.Exchange)
		if err != nil {
			return types.MarginEstimate{}, err
		}

		var data struct {
			EstimatedCashRequired float64 `json:"EstimatedCashRequired"`
			Currency              string  `json:"EstimatedCashRequiredCurrency"`
			MarginImpactBuySell   struct {
				InitialMargin     float64 `json:"InitialMargin"`
				MaintenanceMargin float64 `json:"MaintenanceMargin"`
			} `json:"MarginImpactBuySell"`
		}
		_, err = a.call(ctx, a.Limiter.Data, resty.MethodPost, epPrecheck, a.buildOrderRequest(o, uic), &data)
		if err != nil {
			return types.MarginEstimate{}, err
		}
		est.TotalMargin += data.EstimatedCashRequired
		est.InitialMargin += absFloat(data.MarginImpactBuySell.InitialMargin)
		est.MaintenanceMargin += absFloat(data.MarginImpactBuySell.MaintenanceMargin)
		if data.Currency != "" {
			est.Currency = data.Currency
		}
	}
	return est, nil
}

// CancelAllOrders cancels every open order, aggregating per-item outcomes.
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
		if res.Success {
			result.OK++
		} else {
			result.Failed++
		}
		result.Items = append(result.Items, types.BulkItem{ID: o.ID, Success: res.Success, Message: res.Message})
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
		qty := p.Quantity
		if qty < 0 {
			side = types.Buy
			qty = -qty
		}
		res := a.PlaceOrder(ctx, types.Order{
			Symbol:   p.Symbol,
			Exchange: p.Exchange,
			Side:     side,
			Type:     types.Market,
			Quantity: qty,
			Product:  p.Product,
			Validity: types.ValidityDay,
		})
		if res.Success {
			result.OK++
		} else {
			result.Failed++
		}
		result.Items = append(result.Items, types.BulkItem{ID: p.Symbol, Success: res.Success, Message: res.Message})
	}
	return result
}

// Subscribe registers a streaming price subscription.
func (a *Adapter) Subscribe(ctx context.Context, symbol string, exchange types.Exchange, mode types.StreamMode) error {
	return a.stream.subscribe(ctx, symbol, exchange, mode)
}

// Unsubscribe drops the streaming subscription. Idempotent.
func (a *Adapter) Unsubscribe(ctx context.Context, symbol string, exchange types.Exchange) error {
	return a.stream.unsubscribe(ctx, symbol, exchange)
}
