// tickround.go rounds limit and trigger prices to the instrument's tick
// size before placement, so venues never reject on price granularity.
package plugin

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"tradegate/internal/broker"
	"tradegate/pkg/types"
)

// TickRounder is a PRE_ORDER plugin that snaps prices to the tick grid of
// the instrument as published in the reference broker's master contract.
type TickRounder struct {
	cache    broker.ContractCache
	brokerID string // master contract to take tick sizes from
	logger   *slog.Logger
}

// NewTickRounder builds the plugin. Tick sizes come from brokerID's
// contract snapshot; instruments missing from it pass through unrounded.
func NewTickRounder(cache broker.ContractCache, brokerID string, logger *slog.Logger) *TickRounder {
	return &TickRounder{
		cache:    cache,
		brokerID: brokerID,
		logger:   logger.With("component", "tickround"),
	}
}

func (r *TickRounder) ID() string      { return "tick-rounding" }
func (r *TickRounder) Name() string    { return "Tick Size Rounding" }
func (r *TickRounder) Type() Type      { return PreOrder }
func (r *TickRounder) Version() string { return "1.0.0" }

func (r *TickRounder) Run(ctx context.Context, pc *Context) (Result, error) {
	if pc.Order == nil {
		return Result{}, nil
	}
	inst, ok := r.cache.Lookup(r.brokerID, pc.Order.Symbol, pc.Order.Exchange)
	if !ok || inst.TickSize <= 0 {
		return Result{Success: true}, nil
	}

	tick := decimal.NewFromFloat(inst.TickSize)
	price := roundToTick(pc.Order.Price, tick)
	trigger := roundToTick(pc.Order.TriggerPrice, tick)
	if price == pc.Order.Price && trigger == pc.Order.TriggerPrice {
		return Result{Success: true}, nil
	}

	r.logger.Debug("rounding to tick",
		"symbol", pc.Order.Symbol,
		"tick", inst.TickSize,
		"price", price,
		"trigger", trigger,
	)
	pc.Modify(func(o *types.Order) {
		o.Price = price
		o.TriggerPrice = trigger
	})
	return Result{Success: true}, nil
}

// roundToTick snaps p to the nearest multiple of tick. Zero prices pass
// through untouched.
func roundToTick(p float64, tick decimal.Decimal) float64 {
	if p == 0 {
		return 0
	}
	d := decimal.NewFromFloat(p)
	return d.Div(tick).Round(0).Mul(tick).InexactFloat64()
}
