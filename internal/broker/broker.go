// Package broker defines the adapter contract every venue implements and
// the shared client machinery (session state, rate limiting, read retries,
// subscription bookkeeping) the concrete adapters build on.
//
// An adapter owns its session, its streaming connection, and its
// subscription table. Everything above it (auth manager, orchestrator,
// router) holds non-owning references and speaks only canonical types.
package broker

import (
	"context"
	"time"

	"tradegate/pkg/types"
)

// Credentials is the decoded credential blob for one broker. Only the
// fields the broker's auth style needs are populated.
type Credentials struct {
	APIKey       string    `json:"api_key,omitempty"`
	APISecret    string    `json:"api_secret,omitempty"`
	RequestToken string    `json:"request_token,omitempty"` // checksum-login venues
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Subscription is one entry of an adapter's subscription table.
type Subscription struct {
	Symbol       string
	Exchange     types.Exchange
	InstrumentID string // venue-specific id, resolved at subscribe time
	Mode         types.StreamMode
}

// Session is a point-in-time snapshot of an adapter's auth and streaming
// state. Adapters hand out copies; callers never see internal locks.
type Session struct {
	BrokerID       string
	State          types.AuthState
	UserID         string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	AccountKey     string
	ClientKey      string
	PaperMode      bool
	Subscriptions  map[string]Subscription // keyed by subscription id
}

// ContractCache resolves a canonical (symbol, exchange) to the venue's
// instrument identity. A miss is reported by adapters as InstrumentNotFound.
type ContractCache interface {
	Lookup(brokerID, symbol string, exchange types.Exchange) (types.Instrument, bool)
}

// Adapter is the unified capability set of a broker. Venues that lack a
// capability return a NotSupported error rather than omitting the method.
//
// Order mutations (PlaceOrder, ModifyOrder, CancelOrder, PlaceSmartOrder)
// never return a bare error and are never retried internally: failures
// surface in the OrderResult and the caller decides.
type Adapter interface {
	ID() string

	Authenticate(ctx context.Context, creds Credentials) (types.AuthResponse, error)
	RefreshToken(ctx context.Context) (types.AuthResponse, error)
	GetOAuthURL(clientID string) string
	ExchangeCodeForToken(ctx context.Context, code string) (types.AuthResponse, error)
	Logout(ctx context.Context) error

	PlaceOrder(ctx context.Context, order types.Order) types.OrderResult
	ModifyOrder(ctx context.Context, orderID string, changes types.OrderModify) types.OrderResult
	CancelOrder(ctx context.Context, orderID string) types.OrderResult
	PlaceSmartOrder(ctx context.Context, order types.Order) types.OrderResult

	GetOrders(ctx context.Context) ([]types.OrderView, error)
	GetTrades(ctx context.Context) ([]types.Trade, error)
	GetPositions(ctx context.Context) ([]types.Position, error)
	GetHoldings(ctx context.Context) ([]types.Holding, error)
	GetFunds(ctx context.Context) (types.Funds, error)

	GetQuote(ctx context.Context, symbol string, exchange types.Exchange) (types.Quote, error)
	GetMarketDepth(ctx context.Context, symbol string, exchange types.Exchange) (types.MarketDepth, error)
	GetOHLCV(ctx context.Context, symbol string, exchange types.Exchange, tf types.Timeframe, from, to time.Time) ([]types.Candle, error)

	Subscribe(ctx context.Context, symbol string, exchange types.Exchange, mode types.StreamMode) error
	Unsubscribe(ctx context.Context, symbol string, exchange types.Exchange) error
	// Ticks is the adapter's normalized tick stream. The channel stays open
	// for the adapter's lifetime; reconnects are invisible to consumers.
	Ticks() <-chan types.Tick

	CalculateMargin(ctx context.Context, orders []types.Order) (types.MarginEstimate, error)
	CancelAllOrders(ctx context.Context) types.BulkResult
	CloseAllPositions(ctx context.Context) types.BulkResult

	// TransportLatency is the HTTP round trip of the adapter's most recent
	// venue request. Routing reads it for latency comparisons; queueing at
	// the rate limiter and retry spacing are excluded.
	TransportLatency() time.Duration

	// Session returns a snapshot of the current session state.
	Session() Session
	// SetState transitions the session auth state and fires the callback.
	// The Auth Manager drives terminal transitions such as FAILED.
	SetState(state types.AuthState)
	// OnAuthStateChange registers the single auth-transition callback.
	// The Auth Manager owns it; adapters invoke it outside their locks.
	OnAuthStateChange(fn func(Session))
}
