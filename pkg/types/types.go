// Package types defines the canonical vocabulary shared by every layer of
// the gateway: orders, quotes, positions, holdings, funds, ticks, and the
// enums that describe them. Broker adapters translate between these types
// and their venue dialects; everything above the adapter boundary speaks
// only this package.
//
// It has no dependencies on internal packages, so it can be imported by
// any layer.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType enumerates the canonical order types. Venue dialects that spell
// the stop-limit concept "SL" or "STOP_LOSS" all map to StopLimit; there is
// deliberately no separate STOP_LOSS value.
type OrderType string

const (
	Market            OrderType = "MARKET"
	Limit             OrderType = "LIMIT"
	Stop              OrderType = "STOP"
	StopLimit         OrderType = "STOP_LIMIT"
	StopLossMarket    OrderType = "STOP_LOSS_MARKET"
	TrailingStop      OrderType = "TRAILING_STOP"
	TrailingStopLimit OrderType = "TRAILING_STOP_LIMIT"
)

// RequiresPrice reports whether the type mandates a limit price.
func (t OrderType) RequiresPrice() bool {
	return t == Limit || t == StopLimit || t == TrailingStopLimit
}

// RequiresTrigger reports whether the type mandates a trigger price.
func (t OrderType) RequiresTrigger() bool {
	switch t {
	case Stop, StopLimit, StopLossMarket, TrailingStop, TrailingStopLimit:
		return true
	}
	return false
}

// Product is the product/margin class of an order. Indian venues use
// CNC/MIS/NRML; western venues use CASH/MARGIN/INTRADAY.
type Product string

const (
	ProductCNC      Product = "CNC"
	ProductMIS      Product = "MIS"
	ProductNRML     Product = "NRML"
	ProductMargin   Product = "MARGIN"
	ProductIntraday Product = "INTRADAY"
	ProductCash     Product = "CASH"
)

// Validity is the time-in-force of an order.
type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityIOC Validity = "IOC"
	ValidityGTC Validity = "GTC"
	ValidityGTD Validity = "GTD"
	ValidityFOK Validity = "FOK"
	ValidityOPG Validity = "OPG"
	ValidityCLS Validity = "CLS"
)

// OrderStatus is the canonical lifecycle state of an observed order.
//
//	PENDING → OPEN → (PARTIALLY_FILLED → FILLED) | CANCELLED | REJECTED | EXPIRED
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// rank orders statuses for the dedup tiebreak when polling and streaming
// both report the same order. Higher rank wins at equal updated_at.
func (s OrderStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusOpen:
		return 1
	case StatusPartiallyFilled:
		return 2
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return 3
	}
	return 0
}

// Exchange identifies a trading venue.
type Exchange string

const (
	NSE    Exchange = "NSE"    // National Stock Exchange (India)
	BSE    Exchange = "BSE"    // Bombay Stock Exchange
	NYSE   Exchange = "NYSE"   // New York Stock Exchange
	NASDAQ Exchange = "NASDAQ" // Nasdaq
	AMEX   Exchange = "AMEX"   // NYSE American
	LSE    Exchange = "LSE"    // London Stock Exchange
	XETRA  Exchange = "XETRA"  // Deutsche Boerse Xetra
	AMS    Exchange = "AMS"    // Euronext Amsterdam
	CPH    Exchange = "CPH"    // Nasdaq Copenhagen
)

// AuthState tracks a broker session's authentication lifecycle.
type AuthState string

const (
	AuthNone           AuthState = "NONE"
	AuthAuthenticating AuthState = "AUTHENTICATING"
	AuthAuthenticated  AuthState = "AUTHENTICATED"
	AuthRefreshing     AuthState = "REFRESHING"
	AuthFailed         AuthState = "FAILED"
)

// StreamMode selects the payload depth of a streaming subscription.
type StreamMode string

const (
	ModeQuote StreamMode = "quote" // last price + top of book
	ModeFull  StreamMode = "full"  // quote + depth + volume
)

// Timeframe is a candle duration for OHLCV queries.
type Timeframe string

const (
	TF1Min  Timeframe = "1m"
	TF5Min  Timeframe = "5m"
	TF15Min Timeframe = "15m"
	TF1Hour Timeframe = "1h"
	TF1Day  Timeframe = "1d"
)

// MaxTagLen caps the opaque correlation tag carried on an order.
const MaxTagLen = 64

// Order is the canonical order request. Adapters translate it to their
// venue dialect; the router and plugins operate on it directly.
type Order struct {
	Symbol       string    `json:"symbol"` // uppercased, broker-agnostic ticker
	Exchange     Exchange  `json:"exchange"`
	Side         Side      `json:"side"`
	Type         OrderType `json:"type"`
	Quantity     int64     `json:"quantity"` // whole shares only; fractional is rejected
	Price        float64   `json:"price,omitempty"`
	TriggerPrice float64   `json:"trigger_price,omitempty"`
	Product      Product   `json:"product"`
	Validity     Validity  `json:"validity"`
	Tag          string    `json:"tag,omitempty"`

	// Bracket legs; both zero for a plain order.
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
}

// Normalize uppercases the symbol and fills enum defaults so adapters can
// rely on a fully-populated order.
func (o *Order) Normalize() {
	o.Symbol = strings.ToUpper(strings.TrimSpace(o.Symbol))
	if o.Validity == "" {
		o.Validity = ValidityDay
	}
	if o.Product == "" {
		o.Product = ProductCash
	}
}

// Validate enforces the order invariants: positive whole quantity, price
// present exactly when the type mandates it, trigger present for stop
// variants, and tag length within bounds.
func (o *Order) Validate() error {
	if o.Symbol == "" {
		return E(KindInvalidInput, "order symbol is required")
	}
	if o.Exchange == "" {
		return E(KindInvalidInput, "order exchange is required")
	}
	if o.Side != Buy && o.Side != Sell {
		return E(KindInvalidInput, fmt.Sprintf("invalid side %q", o.Side))
	}
	if o.Quantity <= 0 {
		return E(KindInvalidInput, fmt.Sprintf("quantity must be > 0, got %d", o.Quantity))
	}
	if o.Type.RequiresPrice() && o.Price <= 0 {
		return E(KindInvalidInput, fmt.Sprintf("%s order requires a price", o.Type))
	}
	if !o.Type.RequiresPrice() && o.Price != 0 {
		return E(KindInvalidInput, fmt.Sprintf("%s order must not carry a price", o.Type))
	}
	if o.Type.RequiresTrigger() && o.TriggerPrice <= 0 {
		return E(KindInvalidInput, fmt.Sprintf("%s order requires a trigger price", o.Type))
	}
	if len(o.Tag) > MaxTagLen {
		return E(KindInvalidInput, fmt.Sprintf("tag exceeds %d bytes", MaxTagLen))
	}
	return nil
}

// OrderModify carries the editable fields of an open order. Zero values
// mean "leave unchanged".
type OrderModify struct {
	Quantity     int64     `json:"quantity,omitempty"`
	Price        float64   `json:"price,omitempty"`
	TriggerPrice float64   `json:"trigger_price,omitempty"`
	Type         OrderType `json:"type,omitempty"`
	Validity     Validity  `json:"validity,omitempty"`
}

// OrderView is an order as observed from a broker: the request fields plus
// the venue-assigned identity and fill progress.
type OrderView struct {
	Order

	ID              string      `json:"id"`
	BrokerID        string      `json:"broker_id"`
	Status          OrderStatus `json:"status"`
	FilledQty       int64       `json:"filled_qty"`
	PendingQty      int64       `json:"pending_qty"` // Quantity - FilledQty
	AvgFillPrice    float64     `json:"avg_fill_price"`
	PlacedAt        time.Time   `json:"placed_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"`
	StatusMessage   string      `json:"status_message,omitempty"`
}

// Newer reports whether v supersedes prev for the same order id. Updates
// are monotonic by UpdatedAt with (filled_qty, status rank) as tiebreak,
// so duplicate observations from polling and streaming collapse cleanly.
func (v OrderView) Newer(prev OrderView) bool {
	if !v.UpdatedAt.Equal(prev.UpdatedAt) {
		return v.UpdatedAt.After(prev.UpdatedAt)
	}
	if v.FilledQty != prev.FilledQty {
		return v.FilledQty > prev.FilledQty
	}
	return v.Status.rank() > prev.Status.rank()
}

// Trade is one execution (fill) reported by a broker.
type Trade struct {
	ID          string   `json:"id"`
	OrderID     string   `json:"order_id"`
	BrokerID    string   `json:"broker_id"`
	Symbol      string   `json:"symbol"`
	Exchange    Exchange `json:"exchange"`
	Side        Side     `json:"side"`
	Quantity    int64    `json:"quantity"`
	Price       float64  `json:"price"`
	TimestampMS int64    `json:"timestamp_ms"`
}

// Quote is a canonical top-of-book snapshot.
type Quote struct {
	Symbol        string   `json:"symbol"`
	Exchange      Exchange `json:"exchange"`
	LastPrice     float64  `json:"last_price"`
	Open          float64  `json:"open"`
	High          float64  `json:"high"`
	Low           float64  `json:"low"`
	Close         float64  `json:"close"`
	PreviousClose float64  `json:"previous_close"`
	Change        float64  `json:"change"`
	ChangePercent float64  `json:"change_percent"`
	Bid           float64  `json:"bid"`
	BidQty        int64    `json:"bid_qty"`
	Ask           float64  `json:"ask"`
	AskQty        int64    `json:"ask_qty"`
	Volume        int64    `json:"volume"`
	TimestampMS   int64    `json:"timestamp_ms"`
}

// DepthLevel is one price level of an order book side.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int     `json:"orders,omitempty"`
}

// MarketDepth holds order-book levels: bids descending by price, asks
// ascending. Typically 5 levels, up to 20 depending on the venue.
type MarketDepth struct {
	Symbol   string       `json:"symbol"`
	Exchange Exchange     `json:"exchange"`
	Bids     []DepthLevel `json:"bids"`
	Asks     []DepthLevel `json:"asks"`
}

// Validate checks the book ordering invariants.
func (d MarketDepth) Validate() error {
	for i := 1; i < len(d.Bids); i++ {
		if d.Bids[i].Price > d.Bids[i-1].Price {
			return E(KindInternal, "bids not descending by price")
		}
	}
	for i := 1; i < len(d.Asks); i++ {
		if d.Asks[i].Price < d.Asks[i-1].Price {
			return E(KindInternal, "asks not ascending by price")
		}
	}
	if len(d.Bids) > 0 && len(d.Asks) > 0 && d.Bids[0].Price >= d.Asks[0].Price {
		return E(KindInternal, "crossed book: best bid >= best ask")
	}
	return nil
}

// Position is an open (intraday) position. Quantity is signed: positive
// long, negative short.
type Position struct {
	Symbol     string   `json:"symbol"`
	Exchange   Exchange `json:"exchange"`
	Product    Product  `json:"product"`
	Quantity   int64    `json:"quantity"`
	BuyQty     int64    `json:"buy_qty"`
	SellQty    int64    `json:"sell_qty"`
	BuyValue   float64  `json:"buy_value"`
	SellValue  float64  `json:"sell_value"`
	AvgPrice   float64  `json:"avg_price"`
	LastPrice  float64  `json:"last_price"`
	PnL        float64  `json:"pnl"`
	PnLPercent float64  `json:"pnl_percent"`
	DayPnL     float64  `json:"day_pnl"`
}

// Holding is a settled portfolio entry.
type Holding struct {
	Symbol        string   `json:"symbol"`
	Exchange      Exchange `json:"exchange"`
	Quantity      int64    `json:"quantity"`
	AvgPrice      float64  `json:"avg_price"`
	LastPrice     float64  `json:"last_price"`
	InvestedValue float64  `json:"invested_value"`
	CurrentValue  float64  `json:"current_value"`
	PnL           float64  `json:"pnl"`
	PnLPercent    float64  `json:"pnl_percent"`
	ISIN          string   `json:"isin,omitempty"`
	PledgedQty    int64    `json:"pledged_qty,omitempty"`
	CollateralQty int64    `json:"collateral_qty,omitempty"`
	T1Qty         int64    `json:"t1_qty,omitempty"`
}

// Funds is the canonical account balance view.
type Funds struct {
	AvailableCash   float64 `json:"available_cash"`
	UsedMargin      float64 `json:"used_margin"`
	AvailableMargin float64 `json:"available_margin"`
	TotalBalance    float64 `json:"total_balance"`
	Currency        string  `json:"currency"`
	Collateral      float64 `json:"collateral,omitempty"`
	UnrealizedPnL   float64 `json:"unrealized_pnl,omitempty"`
	RealizedPnL     float64 `json:"realized_pnl,omitempty"`
}

// Tick is one real-time price update, normalized from a venue frame.
// BrokerID lets consumers de-prefer stale sources when multiple brokers
// stream the same instrument.
type Tick struct {
	BrokerID    string   `json:"broker_id"`
	Symbol      string   `json:"symbol"`
	Exchange    Exchange `json:"exchange"`
	LastPrice   float64  `json:"last_price"`
	Bid         float64  `json:"bid,omitempty"`
	BidQty      int64    `json:"bid_qty,omitempty"`
	Ask         float64  `json:"ask,omitempty"`
	AskQty      int64    `json:"ask_qty,omitempty"`
	Volume      int64    `json:"volume,omitempty"`
	TimestampMS int64    `json:"timestamp_ms"`
}

// Candle is one OHLCV bar.
type Candle struct {
	TimestampMS int64   `json:"timestamp_ms"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      int64   `json:"volume"`
}

// AuthResponse is the outcome of Authenticate / RefreshToken /
// ExchangeCodeForToken.
type AuthResponse struct {
	Success        bool      `json:"success"`
	Message        string    `json:"message,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	AccessToken    string    `json:"access_token,omitempty"`
	RefreshToken   string    `json:"refresh_token,omitempty"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitempty"`
}

// OrderResult is the outcome of a single order mutation. Errors never cross
// the adapter boundary as panics or bare errors: failures surface here with
// Success=false and the canonical Error attached.
type OrderResult struct {
	Success  bool   `json:"success"`
	BrokerID string `json:"broker_id"`
	OrderID  string `json:"order_id,omitempty"`
	Message  string `json:"message,omitempty"`
	Err      *Error `json:"error,omitempty"`

	LatencyMS int64 `json:"latency_ms,omitempty"` // transport round trip, when measured
}

// BulkItem is one entry of a bulk cancel/close result.
type BulkItem struct {
	ID      string `json:"id"` // order id or position symbol
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// BulkResult aggregates a cancel-all / close-all run. The operation itself
// never fails globally; per-item failures are recorded here.
type BulkResult struct {
	Total  int        `json:"total"`
	OK     int        `json:"ok"`
	Failed int        `json:"failed"`
	Items  []BulkItem `json:"items"`
}

// MarginEstimate is the response of CalculateMargin.
type MarginEstimate struct {
	TotalMargin       float64 `json:"total_margin"`
	InitialMargin     float64 `json:"initial_margin"`
	MaintenanceMargin float64 `json:"maintenance_margin,omitempty"`
	Currency          string  `json:"currency,omitempty"`
}

// Instrument is a master-contract entry: the venue-specific identity and
// trading constraints for a canonical (symbol, exchange).
type Instrument struct {
	InstrumentID string   `json:"instrument_id"` // venue token / UIC / native symbol
	Symbol       string   `json:"symbol"`
	Exchange     Exchange `json:"exchange"`
	LotSize      int64    `json:"lot_size"`
	TickSize     float64  `json:"tick_size"`
}

// SymbolKey parses "SYMBOL:EXCHANGE" into its parts. The bare form
// "SYMBOL" is accepted and returns an empty exchange.
func SymbolKey(s string) (symbol string, exchange Exchange) {
	sym, exch, ok := strings.Cut(s, ":")
	if !ok {
		return strings.ToUpper(strings.TrimSpace(s)), ""
	}
	return strings.ToUpper(strings.TrimSpace(sym)), Exchange(strings.ToUpper(strings.TrimSpace(exch)))
}
