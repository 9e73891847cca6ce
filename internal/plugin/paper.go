// paper.go implements the paper-trading interceptor: a PRE_ORDER plugin
// that fetches a live quote read-only, simulates the fill, and cancels the
// real broker call so no venue order is ever placed.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradegate/pkg/types"
)

// PaperBrokerID tags simulated results so callers can tell them from real
// venue executions.
const PaperBrokerID = "paper"

// QuoteFunc fetches a quote for fill simulation. Implementations must be
// read-only with respect to the venues.
type QuoteFunc func(ctx context.Context, symbol string, exchange types.Exchange) (types.Quote, error)

// PaperTrader simulates order execution against live market data.
type PaperTrader struct {
	quote  QuoteFunc
	logger *slog.Logger

	mu    sync.Mutex
	fills []types.Trade
}

// NewPaperTrader builds the paper-trading plugin over a quote source.
func NewPaperTrader(quote QuoteFunc, logger *slog.Logger) *PaperTrader {
	return &PaperTrader{
		quote:  quote,
		logger: logger.With("component", "paper"),
	}
}

func (p *PaperTrader) ID() string      { return "paper-trading" }
func (p *PaperTrader) Name() string    { return "Paper Trading" }
func (p *PaperTrader) Type() Type      { return PreOrder }
func (p *PaperTrader) Version() string { return "1.0.0" }

// Run simulates the fill and cancels the downstream placement. A quote
// failure lets the order through untouched so a dead data source never
// silently swallows orders.
func (p *PaperTrader) Run(ctx context.Context, pc *Context) (Result, error) {
	if pc.Order == nil {
		return Result{}, nil
	}
	order := *pc.Order

	q, err := p.quote(ctx, order.Symbol, order.Exchange)
	if err != nil {
		return Result{}, fmt.Errorf("paper quote for %s:%s: %w", order.Symbol, order.Exchange, err)
	}

	price := fillPrice(order, q)
	if price.IsZero() {
		return Result{}, fmt.Errorf("no usable price for %s:%s", order.Symbol, order.Exchange)
	}

	orderID := "paper-" + uuid.NewString()
	fill := types.Trade{
		ID:          "paperfill-" + uuid.NewString(),
		OrderID:     orderID,
		BrokerID:    PaperBrokerID,
		Symbol:      order.Symbol,
		Exchange:    order.Exchange,
		Side:        order.Side,
		Quantity:    order.Quantity,
		Price:       price.InexactFloat64(),
		TimestampMS: time.Now().UnixMilli(),
	}
	p.mu.Lock()
	p.fills = append(p.fills, fill)
	p.mu.Unlock()

	value := price.Mul(decimal.NewFromInt(order.Quantity))
	p.logger.Info("paper fill",
		"symbol", order.Symbol,
		"side", order.Side,
		"qty", order.Quantity,
		"price", price.String(),
		"value", value.StringFixed(2),
	)

	pc.Cancel()
	return Result{
		Success: true,
		Data: &types.OrderResult{
			Success:  true,
			BrokerID: PaperBrokerID,
			OrderID:  orderID,
			Message:  fmt.Sprintf("paper fill %d @ %s", order.Quantity, price.StringFixed(2)),
		},
	}, nil
}

// Fills returns a copy of the simulated executions.
func (p *PaperTrader) Fills() []types.Trade {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Trade, len(p.fills))
	copy(out, p.fills)
	return out
}

// fillPrice picks the simulated execution price: the touch for market
// orders, the better of limit and touch for marketable limits.
func fillPrice(order types.Order, q types.Quote) decimal.Decimal {
	touch := q.Ask
	if order.Side == types.Sell {
		touch = q.Bid
	}
	if touch == 0 {
		touch = q.LastPrice
	}

	t := decimal.NewFromFloat(touch)
	if !order.Type.RequiresPrice() {
		return t
	}

	limit := decimal.NewFromFloat(order.Price)
	if t.IsZero() {
		return limit
	}
	if order.Side == types.Buy {
		// A buy never fills above its limit; a marketable limit improves
		// to the ask.
		if t.LessThan(limit) {
			return t
		}
		return limit
	}
	if t.GreaterThan(limit) {
		return t
	}
	return limit
}
