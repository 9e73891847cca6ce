// Package router chooses where orders execute. It runs the plugin
// pipeline around every placement, picks brokers per the configured
// strategy, and forwards modify/cancel straight to the named adapter.
package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tradegate/internal/metrics"
	"tradegate/internal/notify"
	"tradegate/internal/orchestrator"
	"tradegate/internal/plugin"
	"tradegate/pkg/types"
)

// Strategy selects the broker-picking policy for a placement.
type Strategy string

const (
	StrategyParallel    Strategy = "PARALLEL"
	StrategyBestPrice   Strategy = "BEST_PRICE"
	StrategyBestLatency Strategy = "BEST_LATENCY"
	StrategyRoundRobin  Strategy = "ROUND_ROBIN"
	StrategyCustom      Strategy = "CUSTOM"
	StrategySmart       Strategy = "SMART"
)

// CustomFunc picks a broker from a quote comparison. A false return means
// no broker qualified.
type CustomFunc func(cmp orchestrator.QuoteComparison) (string, bool)

// Options tunes one routing call. Zero values take the router defaults.
type Options struct {
	Strategy       Strategy
	Brokers        []string // PARALLEL / ROUND_ROBIN candidate set
	FallbackBroker string   // BEST_PRICE fallback when comparison is empty
	Custom         CustomFunc
}

// Result is the outcome of one routed order. Single-broker strategies fill
// Order; PARALLEL fills Multi.
type Result struct {
	Success  bool
	Strategy Strategy
	BrokerID string
	Order    types.OrderResult
	Multi    *orchestrator.MultiOrderResult
	Err      error
}

// PreOrderHook is a legacy observation hook: it sees the order before
// placement but cannot cancel or modify it.
type PreOrderHook func(order types.Order)

// Router is the order entry point above the orchestrator.
type Router struct {
	orch     *orchestrator.Orchestrator
	pipeline *plugin.Pipeline
	notifier notify.Notifier
	logger   *slog.Logger

	defaultStrategy Strategy
	fallbackBroker  string

	hookMu sync.Mutex
	hooks  []PreOrderHook

	rr atomic.Uint64
}

// New builds a router. defaultStrategy empty selects SMART.
func New(orch *orchestrator.Orchestrator, pipeline *plugin.Pipeline, notifier notify.Notifier,
	defaultStrategy, fallbackBroker string, logger *slog.Logger) *Router {

	ds := Strategy(defaultStrategy)
	if ds == "" {
		ds = StrategySmart
	}
	return &Router{
		orch:            orch,
		pipeline:        pipeline,
		notifier:        notifier,
		logger:          logger.With("component", "router"),
		defaultStrategy: ds,
		fallbackBroker:  fallbackBroker,
	}
}

// AddPreOrderHook appends a legacy log-only hook.
func (r *Router) AddPreOrderHook(fn PreOrderHook) {
	r.hookMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hookMu.Unlock()
}

// Route validates, runs the pipeline, and executes the strategy.
func (r *Router) Route(ctx context.Context, order types.Order, opts Options) Result {
	order.Normalize()
	if err := order.Validate(); err != nil {
		return r.finish(ctx, order, Result{Strategy: opts.Strategy, Err: err})
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = r.defaultStrategy
	}
	if strategy == StrategySmart {
		strategy = smartStrategy(order)
	}

	pc := &plugin.Context{Order: &order}
	if outcome := r.pipeline.Run(ctx, plugin.PreOrder, pc); outcome.Cancelled {
		res := Result{Strategy: strategy}
		if outcome.Synthetic != nil {
			res.Success = outcome.Synthetic.Success
			res.BrokerID = outcome.Synthetic.BrokerID
			res.Order = *outcome.Synthetic
		} else {
			res.Err = types.Ef(types.KindRejected, "order cancelled by plugin %q", outcome.CancelledBy)
		}
		r.logger.Info("order intercepted", "plugin", outcome.CancelledBy, "symbol", order.Symbol)
		return r.finish(ctx, order, res)
	}

	r.hookMu.Lock()
	hooks := make([]PreOrderHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.hookMu.Unlock()
	for _, fn := range hooks {
		fn(order)
	}

	res := r.execute(ctx, order, strategy, opts)
	return r.finish(ctx, order, res)
}

// RouteBatch routes every order concurrently; results land in input order.
func (r *Router) RouteBatch(ctx context.Context, orders []types.Order, opts Options) []Result {
	results := make([]Result, len(orders))
	var wg sync.WaitGroup
	for i, o := range orders {
		i, o := i, o
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.Route(ctx, o, opts)
		}()
	}
	wg.Wait()
	return results
}

// SmartRoute routes with the strategy picked from the order's shape.
func (r *Router) SmartRoute(ctx context.Context, order types.Order) Result {
	return r.Route(ctx, order, Options{Strategy: StrategySmart})
}

// smartStrategy maps an order to a strategy, first match wins: bulk size
// fans out, market orders chase latency, priced orders chase price.
func smartStrategy(order types.Order) Strategy {
	switch {
	case order.Quantity > 1000:
		return StrategyParallel
	case order.Type == types.Market:
		return StrategyBestLatency
	default:
		return StrategyBestPrice
	}
}

func (r *Router) execute(ctx context.Context, order types.Order, strategy Strategy, opts Options) Result {
	res := Result{Strategy: strategy}

	switch strategy {
	case StrategyParallel:
		multi := r.orch.PlaceMultiBrokerOrder(ctx, order, opts.Brokers)
		res.Success = multi.Success
		res.Multi = &multi
		for id, or := range multi.Results {
			metrics.ObserveOrder(id, or.Success, time.Duration(or.LatencyMS)*time.Millisecond)
		}
		metrics.RoutingDecisions.WithLabelValues(string(strategy), "multi").Inc()
		return res

	case StrategyBestPrice:
		cmp := r.orch.CompareQuotes(ctx, order.Symbol, order.Exchange)
		id, ok := orchestrator.BestBrokerByPrice(cmp, order.Side)
		if !ok {
			fallback := opts.FallbackBroker
			if fallback == "" {
				fallback = r.fallbackBroker
			}
			if fallback == "" {
				res.Err = types.Ef(types.KindNoBrokerAvailable, "no quote for %s:%s", order.Symbol, order.Exchange)
				return res
			}
			r.logger.Warn("best-price comparison empty, using fallback",
				"symbol", order.Symbol, "fallback", fallback)
			id = fallback
		}
		return r.placeOn(ctx, order, id, strategy)

	case StrategyBestLatency:
		cmp := r.orch.CompareQuotes(ctx, order.Symbol, order.Exchange)
		id, ok := orchestrator.BestBrokerByLatency(cmp)
		if !ok {
			res.Err = types.Ef(types.KindNoBrokerAvailable, "no responsive broker for %s:%s", order.Symbol, order.Exchange)
			return res
		}
		return r.placeOn(ctx, order, id, strategy)

	case StrategyRoundRobin:
		brokers := opts.Brokers
		if len(brokers) == 0 {
			brokers = r.orch.Active()
		}
		if len(brokers) == 0 {
			res.Err = types.E(types.KindNoBrokerAvailable, "no brokers for round robin")
			return res
		}
		id := brokers[(r.rr.Add(1)-1)%uint64(len(brokers))]
		return r.placeOn(ctx, order, id, strategy)

	case StrategyCustom:
		if opts.Custom == nil {
			res.Err = types.E(types.KindInvalidInput, "CUSTOM strategy requires a selector")
			return res
		}
		cmp := r.orch.CompareQuotes(ctx, order.Symbol, order.Exchange)
		id, ok := opts.Custom(cmp)
		if !ok {
			res.Err = types.E(types.KindNoBrokerAvailable, "custom selector chose no broker")
			return res
		}
		return r.placeOn(ctx, order, id, strategy)

	default:
		res.Err = types.Ef(types.KindInvalidInput, "unknown strategy %q", strategy)
		return res
	}
}

func (r *Router) placeOn(ctx context.Context, order types.Order, brokerID string, strategy Strategy) Result {
	res := Result{Strategy: strategy, BrokerID: brokerID}

	a, err := r.orch.Adapter(brokerID)
	if err != nil {
		res.Err = err
		return res
	}

	or := a.PlaceOrder(ctx, order)
	res.Order = or
	res.Success = or.Success
	if !or.Success && or.Err != nil {
		res.Err = or.Err
	}
	metrics.ObserveOrder(brokerID, or.Success, time.Duration(or.LatencyMS)*time.Millisecond)
	metrics.RoutingDecisions.WithLabelValues(string(strategy), brokerID).Inc()

	r.logger.Info("order routed",
		"strategy", strategy,
		"broker", brokerID,
		"symbol", order.Symbol,
		"success", or.Success,
	)
	return res
}

// finish runs POST_ORDER observation and failure notifications.
func (r *Router) finish(ctx context.Context, order types.Order, res Result) Result {
	pc := &plugin.Context{Order: &order, Result: &res.Order}
	r.pipeline.Run(ctx, plugin.PostOrder, pc)

	if !res.Success {
		msg := res.Order.Message
		if msg == "" && res.Err != nil {
			msg = res.Err.Error()
		}
		r.notifier.Error("Order Failed", msg, res.BrokerID)
	}
	return res
}

// Modify forwards a modification to the named broker. Never retried.
func (r *Router) Modify(ctx context.Context, brokerID, orderID string, changes types.OrderModify) types.OrderResult {
	a, err := r.orch.Adapter(brokerID)
	if err != nil {
		return failResult(brokerID, err)
	}
	res := a.ModifyOrder(ctx, orderID, changes)
	metrics.ObserveOrder(brokerID, res.Success, time.Duration(res.LatencyMS)*time.Millisecond)
	return res
}

// Cancel forwards a cancellation to the named broker. Never retried.
func (r *Router) Cancel(ctx context.Context, brokerID, orderID string) types.OrderResult {
	a, err := r.orch.Adapter(brokerID)
	if err != nil {
		return failResult(brokerID, err)
	}
	res := a.CancelOrder(ctx, orderID)
	metrics.ObserveOrder(brokerID, res.Success, time.Duration(res.LatencyMS)*time.Millisecond)
	return res
}

func failResult(brokerID string, err error) types.OrderResult {
	res := types.OrderResult{Success: false, BrokerID: brokerID}
	var ge *types.Error
	if e, ok := err.(*types.Error); ok {
		ge = e
	} else {
		ge = types.E(types.KindInternal, err.Error())
	}
	res.Err = ge
	res.Message = ge.Message
	return res
}
