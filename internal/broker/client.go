// client.go is the shared machinery concrete adapters embed: a resty HTTP
// client bound to the venue's base URL, mutex-guarded session state with
// snapshot reads, the subscription table, rate limiting, and the read-retry
// policy. Venue adapters add their auth headers, endpoint constants, and
// mapping tables on top.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"tradegate/internal/config"
	"tradegate/pkg/types"
)

const defaultHTTPTimeout = 10 * time.Second

// readBackoff spaces the retries of idempotent read calls. Order mutations
// are never retried, so a venue hiccup can never place a duplicate order.
var readBackoff = []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1200 * time.Millisecond}

// Client is the shared state of one broker adapter. Concrete adapters embed
// it and use its helpers; all session mutation goes through Client methods
// so locking stays in one place.
type Client struct {
	brokerID string
	HTTP     *resty.Client
	Limiter  *Limiter
	Cache    ContractCache
	Logger   *slog.Logger

	mu      sync.RWMutex
	session Session

	subMu sync.Mutex
	subs  map[string]Subscription // sub id -> entry

	authCB func(Session) // set once by the auth manager

	emitMu sync.Mutex
	tickCh chan types.Tick

	lastLatency atomic.Int64 // transport round trip of the latest request, ns
}

// NewClient builds the shared client for one broker.
func NewClient(brokerID string, cfg config.BrokerConfig, cache ContractCache, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		brokerID: brokerID,
		HTTP:     httpClient,
		Limiter:  NewLimiter(cfg.OrdersPerSec, cfg.QuotesPerSec),
		Cache:    cache,
		Logger:   logger.With("broker", brokerID),
		session:  Session{BrokerID: brokerID, State: types.AuthNone},
		subs:     make(map[string]Subscription),
		tickCh:   make(chan types.Tick, 256),
	}
}

// ID returns the broker id.
func (c *Client) ID() string { return c.brokerID }

// Ticks returns the adapter's normalized tick channel.
func (c *Client) Ticks() <-chan types.Tick { return c.tickCh }

// EmitTick delivers a normalized tick downstream. Under backpressure the
// channel coalesces per instrument: a newer tick displaces the oldest
// pending tick of the same (symbol, exchange), so a burst on one hot
// instrument never evicts another instrument's only pending tick. Only when
// every pending tick is for a distinct instrument does the oldest give way.
func (c *Client) EmitTick(t types.Tick) {
	t.BrokerID = c.brokerID
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	select {
	case c.tickCh <- t:
		return
	default:
	}

	pending := make([]types.Tick, 0, cap(c.tickCh)+1)
drain:
	for {
		select {
		case p := <-c.tickCh:
			pending = append(pending, p)
		default:
			break drain
		}
	}

	coalesced := false
	for i, p := range pending {
		if p.Symbol == t.Symbol && p.Exchange == t.Exchange {
			pending = append(pending[:i], pending[i+1:]...)
			coalesced = true
			break
		}
	}
	pending = append(pending, t)
	if !coalesced && len(pending) > cap(c.tickCh) {
		pending = pending[1:]
	}

	for _, p := range pending {
		select {
		case c.tickCh <- p:
		default:
		}
	}
}

// RecordTransportLatency stores the round trip of the most recent venue
// request, as measured at the HTTP transport. Limiter waits and retry
// backoff never count. Adapters call this from their request paths.
func (c *Client) RecordTransportLatency(d time.Duration) {
	c.lastLatency.Store(d.Nanoseconds())
}

// TransportLatency returns the most recently recorded transport round trip.
func (c *Client) TransportLatency() time.Duration {
	return time.Duration(c.lastLatency.Load())
}

// OnAuthStateChange registers the auth-transition callback.
func (c *Client) OnAuthStateChange(fn func(Session)) {
	c.mu.Lock()
	c.authCB = fn
	c.mu.Unlock()
}

// Session returns a snapshot of the session, including a copy of the
// subscription table.
func (c *Client) Session() Session {
	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()

	c.subMu.Lock()
	s.Subscriptions = make(map[string]Subscription, len(c.subs))
	for id, sub := range c.subs {
		s.Subscriptions[id] = sub
	}
	c.subMu.Unlock()
	return s
}

// SetState transitions the session auth state and notifies the registered
// callback outside the lock.
func (c *Client) SetState(state types.AuthState) {
	c.mu.Lock()
	c.session.State = state
	cb := c.authCB
	snap := c.session
	c.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
}

// SetTokens installs new tokens and flips the session to AUTHENTICATED.
// The background refresher is the only caller once a session is live.
func (c *Client) SetTokens(access, refresh string, expiresAt time.Time, userID string) {
	c.mu.Lock()
	c.session.AccessToken = access
	if refresh != "" {
		c.session.RefreshToken = refresh
	}
	c.session.TokenExpiresAt = expiresAt
	if userID != "" {
		c.session.UserID = userID
	}
	c.session.State = types.AuthAuthenticated
	cb := c.authCB
	snap := c.session
	c.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
}

// SetAccountKeys records venue account identifiers discovered during auth.
func (c *Client) SetAccountKeys(accountKey, clientKey string) {
	c.mu.Lock()
	c.session.AccountKey = accountKey
	c.session.ClientKey = clientKey
	c.mu.Unlock()
}

// ClearSession wipes tokens and returns the session to NONE (logout).
func (c *Client) ClearSession() {
	c.mu.Lock()
	c.session.AccessToken = ""
	c.session.RefreshToken = ""
	c.session.TokenExpiresAt = time.Time{}
	c.session.State = types.AuthNone
	cb := c.authCB
	snap := c.session
	c.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
}

// AccessToken returns the current access token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.AccessToken
}

// RefreshTokenValue returns the current refresh token.
func (c *Client) RefreshTokenValue() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.RefreshToken
}

// AddSubscription stores a subscription table entry.
func (c *Client) AddSubscription(id string, sub Subscription) {
	c.subMu.Lock()
	c.subs[id] = sub
	c.subMu.Unlock()
}

// RemoveSubscription drops the entry for (symbol, exchange). Idempotent:
// removing an absent entry is a no-op. Returns the removed ids.
func (c *Client) RemoveSubscription(symbol string, exchange types.Exchange) []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	var removed []string
	for id, sub := range c.subs {
		if sub.Symbol == symbol && sub.Exchange == exchange {
			delete(c.subs, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// FindSubscription reports whether (symbol, exchange) is already subscribed.
func (c *Client) FindSubscription(symbol string, exchange types.Exchange) (string, bool) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, sub := range c.subs {
		if sub.Symbol == symbol && sub.Exchange == exchange {
			return id, true
		}
	}
	return "", false
}

// Subscriptions returns a copy of the subscription table, used to replay
// subscriptions after a reconnect.
func (c *Client) Subscriptions() map[string]Subscription {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make(map[string]Subscription, len(c.subs))
	for id, sub := range c.subs {
		out[id] = sub
	}
	return out
}

// Resolve looks up the venue instrument for a canonical (symbol, exchange).
func (c *Client) Resolve(symbol string, exchange types.Exchange) (types.Instrument, error) {
	if c.Cache == nil {
		return types.Instrument{}, types.Ef(types.KindInstrumentNotFound, "no contract cache for %s:%s", symbol, exchange).WithBroker(c.brokerID)
	}
	inst, ok := c.Cache.Lookup(c.brokerID, symbol, exchange)
	if !ok {
		return types.Instrument{}, types.Ef(types.KindInstrumentNotFound, "unknown instrument %s:%s", symbol, exchange).WithBroker(c.brokerID)
	}
	return inst, nil
}

// DoRead runs an idempotent read with the retry policy: up to 3 retries
// spaced by readBackoff, only for errors the taxonomy marks retryable.
func (c *Client) DoRead(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil || !types.IsRetryable(err) {
			return err
		}
		if attempt >= len(readBackoff) {
			return err
		}
		c.Logger.Debug("retrying read", "op", op, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return types.E(types.KindTimeout, op+" cancelled").Wrap(ctx.Err()).WithBroker(c.brokerID)
		case <-time.After(readBackoff[attempt]):
		}
	}
}

// ClassifyTransport maps transport-level failures and generic HTTP statuses
// to the canonical taxonomy. Venue-specific 4xx codes go through each
// adapter's error table instead.
func (c *Client) ClassifyTransport(err error, status int) *types.Error {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return types.E(types.KindTimeout, "request timed out").Wrap(err).WithBroker(c.brokerID)
		}
		return types.E(types.KindNetworkError, err.Error()).Wrap(err).WithBroker(c.brokerID)
	}
	switch {
	case status == http.StatusUnauthorized:
		return types.E(types.KindInvalidToken, "venue rejected credentials").WithBroker(c.brokerID)
	case status == http.StatusForbidden:
		return types.E(types.KindUnauthorized, "access forbidden").WithBroker(c.brokerID)
	case status == http.StatusTooManyRequests:
		return types.E(types.KindRateLimited, "venue rate limit hit").WithBroker(c.brokerID)
	case status >= 500:
		return types.Ef(types.KindNetworkError, "venue error %d", status).WithBroker(c.brokerID)
	}
	return nil
}

// FailResult is shorthand for an order mutation failure.
func (c *Client) FailResult(err *types.Error) types.OrderResult {
	return types.OrderResult{
		Success:  false,
		BrokerID: c.brokerID,
		Message:  err.Message,
		Err:      err,
	}
}
