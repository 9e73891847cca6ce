// Package orchestrator fans operations out across the active brokers and
// merges the per-broker results. Failures stay per-broker: an aggregate
// call never collapses to a single error.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tradegate/internal/broker"
	"tradegate/pkg/types"
)

// Registry is the read side of the auth manager's adapter registry.
type Registry interface {
	Get(brokerID string) (broker.Adapter, bool)
	All() []broker.Adapter
}

// QuoteComparison is the result of a quote fan-out: per-broker quotes with
// the measured round-trip latency, and per-broker failures.
type QuoteComparison struct {
	Symbol    string
	Exchange  types.Exchange
	Quotes    map[string]types.Quote
	LatencyMS map[string]int64
	Errors    map[string]error
}

// DepthComparison is the depth analogue of QuoteComparison.
type DepthComparison struct {
	Symbol    string
	Exchange  types.Exchange
	Depths    map[string]types.MarketDepth
	LatencyMS map[string]int64
	Errors    map[string]error
}

// MultiOrderResult aggregates a multi-broker placement. Success means every
// broker succeeded.
type MultiOrderResult struct {
	Success bool
	Results map[string]types.OrderResult
	Errors  map[string]error
}

// Orchestrator owns the active-broker set and the fan-out machinery.
type Orchestrator struct {
	reg     Registry
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	active map[string]bool
}

// New builds an orchestrator over the registry. Brokers start inactive;
// callers enable them as they authenticate.
func New(reg Registry, fanoutTimeout time.Duration, logger *slog.Logger) *Orchestrator {
	if fanoutTimeout <= 0 {
		fanoutTimeout = 5 * time.Second
	}
	return &Orchestrator{
		reg:     reg,
		timeout: fanoutTimeout,
		logger:  logger.With("component", "orchestrator"),
		active:  make(map[string]bool),
	}
}

// Enable marks a registered broker active. Unknown ids fail.
func (o *Orchestrator) Enable(brokerID string) error {
	if _, ok := o.reg.Get(brokerID); !ok {
		return types.Ef(types.KindNoBrokerAvailable, "broker %q not registered", brokerID)
	}
	o.mu.Lock()
	o.active[brokerID] = true
	o.mu.Unlock()
	o.logger.Info("broker enabled", "broker", brokerID)
	return nil
}

// Disable removes a broker from routing and aggregation. Idempotent.
func (o *Orchestrator) Disable(brokerID string) {
	o.mu.Lock()
	delete(o.active, brokerID)
	o.mu.Unlock()
	o.logger.Info("broker disabled", "broker", brokerID)
}

// IsActive reports whether a broker participates in fan-outs.
func (o *Orchestrator) IsActive(brokerID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active[brokerID]
}

// Active returns the active broker ids, sorted.
func (o *Orchestrator) Active() []string {
	o.mu.RLock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	o.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Adapter returns the adapter for an active broker.
func (o *Orchestrator) Adapter(brokerID string) (broker.Adapter, error) {
	if !o.IsActive(brokerID) {
		return nil, types.Ef(types.KindNoBrokerAvailable, "broker %q not active", brokerID)
	}
	a, ok := o.reg.Get(brokerID)
	if !ok {
		return nil, types.Ef(types.KindNoBrokerAvailable, "broker %q not registered", brokerID)
	}
	return a, nil
}

func (o *Orchestrator) activeAdapters() []broker.Adapter {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]broker.Adapter, 0, len(o.active))
	for _, a := range o.reg.All() {
		if o.active[a.ID()] {
			out = append(out, a)
		}
	}
	return out
}

// fanout runs fn once per adapter under the fan-out deadline and buckets
// results and errors by broker id.
func fanout[T any](ctx context.Context, timeout time.Duration, adapters []broker.Adapter,
	fn func(ctx context.Context, a broker.Adapter) (T, error)) (map[string]T, map[string]error) {

	results := make(map[string]T, len(adapters))
	errs := make(map[string]error)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range adapters {
		a := a
		g.Go(func() error {
			v, err := fn(gctx, a)
			mu.Lock()
			if err != nil {
				errs[a.ID()] = err
			} else {
				results[a.ID()] = v
			}
			mu.Unlock()
			return nil // per-broker failures never abort the aggregate
		})
	}
	g.Wait()
	return results, errs
}

// GetAllOrders fans GetOrders out to every active broker.
func (o *Orchestrator) GetAllOrders(ctx context.Context) (map[string][]types.OrderView, map[string]error) {
	return fanout(ctx, o.timeout, o.activeAdapters(),
		func(ctx context.Context, a broker.Adapter) ([]types.OrderView, error) {
			return a.GetOrders(ctx)
		})
}

// GetAllPositions fans GetPositions out to every active broker.
func (o *Orchestrator) GetAllPositions(ctx context.Context) (map[string][]types.Position, map[string]error) {
	return fanout(ctx, o.timeout, o.activeAdapters(),
		func(ctx context.Context, a broker.Adapter) ([]types.Position, error) {
			return a.GetPositions(ctx)
		})
}

// GetAllHoldings fans GetHoldings out to every active broker.
func (o *Orchestrator) GetAllHoldings(ctx context.Context) (map[string][]types.Holding, map[string]error) {
	return fanout(ctx, o.timeout, o.activeAdapters(),
		func(ctx context.Context, a broker.Adapter) ([]types.Holding, error) {
			return a.GetHoldings(ctx)
		})
}

// GetAllFunds fans GetFunds out to every active broker.
func (o *Orchestrator) GetAllFunds(ctx context.Context) (map[string]types.Funds, map[string]error) {
	return fanout(ctx, o.timeout, o.activeAdapters(),
		func(ctx context.Context, a broker.Adapter) (types.Funds, error) {
			return a.GetFunds(ctx)
		})
}

// PlaceMultiBrokerOrder places the same order on every listed broker
// concurrently. Empty brokers means all active. Success requires every
// placement to succeed; individual outcomes are always returned.
func (o *Orchestrator) PlaceMultiBrokerOrder(ctx context.Context, order types.Order, brokers []string) MultiOrderResult {
	out := MultiOrderResult{
		Results: make(map[string]types.OrderResult),
		Errors:  make(map[string]error),
	}

	var targets []broker.Adapter
	if len(brokers) == 0 {
		targets = o.activeAdapters()
	} else {
		for _, id := range brokers {
			a, err := o.Adapter(id)
			if err != nil {
				out.Errors[id] = err
				continue
			}
			targets = append(targets, a)
		}
	}
	if len(targets) == 0 {
		out.Errors["_"] = types.E(types.KindNoBrokerAvailable, "no active brokers for placement")
		return out
	}

	results, _ := fanout(ctx, o.timeout, targets,
		func(ctx context.Context, a broker.Adapter) (types.OrderResult, error) {
			return a.PlaceOrder(ctx, order), nil
		})

	out.Success = len(out.Errors) == 0
	for id, r := range results {
		out.Results[id] = r
		if !r.Success {
			out.Success = false
			if r.Err != nil {
				out.Errors[id] = r.Err
			}
		}
	}
	return out
}

// CompareQuotes fetches the quote from every active broker and records the
// transport round trip per broker. Latency comes from the adapter's HTTP
// layer, so rate-limiter waits and retry spacing do not inflate it.
func (o *Orchestrator) CompareQuotes(ctx context.Context, symbol string, exchange types.Exchange) QuoteComparison {
	cmp := QuoteComparison{
		Symbol:    symbol,
		Exchange:  exchange,
		Quotes:    make(map[string]types.Quote),
		LatencyMS: make(map[string]int64),
	}

	type timed struct {
		quote types.Quote
		ms    int64
	}
	results, errs := fanout(ctx, o.timeout, o.activeAdapters(),
		func(ctx context.Context, a broker.Adapter) (timed, error) {
			q, err := a.GetQuote(ctx, symbol, exchange)
			if err != nil {
				return timed{}, err
			}
			return timed{quote: q, ms: a.TransportLatency().Milliseconds()}, nil
		})

	cmp.Errors = errs
	for id, r := range results {
		cmp.Quotes[id] = r.quote
		cmp.LatencyMS[id] = r.ms
	}
	return cmp
}

// CompareMarketDepth is CompareQuotes for the order book.
func (o *Orchestrator) CompareMarketDepth(ctx context.Context, symbol string, exchange types.Exchange) DepthComparison {
	cmp := DepthComparison{
		Symbol:    symbol,
		Exchange:  exchange,
		Depths:    make(map[string]types.MarketDepth),
		LatencyMS: make(map[string]int64),
	}

	type timed struct {
		depth types.MarketDepth
		ms    int64
	}
	results, errs := fanout(ctx, o.timeout, o.activeAdapters(),
		func(ctx context.Context, a broker.Adapter) (timed, error) {
			d, err := a.GetMarketDepth(ctx, symbol, exchange)
			if err != nil {
				return timed{}, err
			}
			return timed{depth: d, ms: a.TransportLatency().Milliseconds()}, nil
		})

	cmp.Errors = errs
	for id, r := range results {
		cmp.Depths[id] = r.depth
		cmp.LatencyMS[id] = r.ms
	}
	return cmp
}

// BestBrokerByPrice picks the broker with the best executable price for the
// side: lowest ask for a buy, highest bid for a sell. Ties break on lower
// latency, then broker id.
func BestBrokerByPrice(cmp QuoteComparison, side types.Side) (string, bool) {
	ids := sortedBrokers(cmp.Quotes)
	var best string
	for _, id := range ids {
		q := cmp.Quotes[id]
		price := q.Ask
		if side == types.Sell {
			price = q.Bid
		}
		if price <= 0 {
			continue
		}
		if best == "" {
			best = id
			continue
		}
		bq := cmp.Quotes[best]
		bestPrice := bq.Ask
		if side == types.Sell {
			bestPrice = bq.Bid
		}
		better := price < bestPrice
		if side == types.Sell {
			better = price > bestPrice
		}
		if better {
			best = id
		} else if price == bestPrice && cmp.LatencyMS[id] < cmp.LatencyMS[best] {
			best = id
		}
		// equal price and latency keeps the lexicographically first id
	}
	return best, best != ""
}

// BestBrokerByLatency picks the broker with the lowest measured latency.
// Ties break on broker id.
func BestBrokerByLatency(cmp QuoteComparison) (string, bool) {
	ids := sortedBrokers(cmp.Quotes)
	var best string
	for _, id := range ids {
		if best == "" || cmp.LatencyMS[id] < cmp.LatencyMS[best] {
			best = id
		}
	}
	return best, best != ""
}

func sortedBrokers[T any](m map[string]T) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
