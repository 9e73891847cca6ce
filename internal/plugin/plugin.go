// Package plugin implements the hook pipeline: an ordered registry of
// plugins invoked at well-defined points of the order and data flow.
// PRE_ORDER plugins may cancel the downstream broker call and supply a
// synthetic result, which is how paper trading intercepts orders.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tradegate/pkg/types"
)

// Type is the hook point a plugin attaches to.
type Type string

const (
	PreOrder       Type = "PRE_ORDER"
	PostOrder      Type = "POST_ORDER"
	OrderUpdate    Type = "ORDER_UPDATE"
	PositionUpdate Type = "POSITION_UPDATE"
	DataFeed       Type = "DATA_FEED"
	Analytics      Type = "ANALYTICS"
	Export         Type = "EXPORT"
	AIAgent        Type = "AI_AGENT"
	Performance    Type = "PERFORMANCE"
)

// Result is what a plugin returns. Data carries the synthetic OrderResult
// when a PRE_ORDER plugin cancels.
type Result struct {
	Success bool
	Data    any
}

// Plugin is one pipeline participant.
type Plugin interface {
	ID() string
	Name() string
	Type() Type
	Version() string
	Run(ctx context.Context, pc *Context) (Result, error)
}

// Context carries the data under consideration through one hook invocation.
// Cancel and Modify record intent; the pipeline interprets them after each
// plugin returns.
type Context struct {
	Hook   Type
	Order  *types.Order       // PRE_ORDER, POST_ORDER
	Result *types.OrderResult // POST_ORDER, ORDER_UPDATE
	Tick   *types.Tick        // DATA_FEED
	Data   any                // hook-specific payload for the remaining types

	cancelled bool
	mods      []func(*types.Order)
}

// Cancel marks the downstream broker call for abortion. Honored only
// during PRE_ORDER.
func (c *Context) Cancel() { c.cancelled = true }

// Modify queues an order transformation. Modifications compose in the
// order they were queued, applied after the plugin returns.
func (c *Context) Modify(fn func(*types.Order)) {
	c.mods = append(c.mods, fn)
}

// Outcome is the pipeline's verdict for one Run.
type Outcome struct {
	// Cancelled is set when a PRE_ORDER plugin cancelled the order.
	Cancelled bool
	// Synthetic is the result supplied by the cancelling plugin, when it
	// returned one.
	Synthetic *types.OrderResult
	// CancelledBy is the id of the cancelling plugin.
	CancelledBy string
}

type entry struct {
	plugin  Plugin
	enabled bool
}

// Pipeline is the plugin registry. Execution preserves registration order.
type Pipeline struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries []*entry
	byID    map[string]*entry
}

// NewPipeline builds an empty pipeline.
func NewPipeline(logger *slog.Logger) *Pipeline {
	return &Pipeline{
		logger: logger.With("component", "plugin"),
		byID:   make(map[string]*entry),
	}
}

// Register appends a plugin, enabled. Duplicate ids fail.
func (p *Pipeline) Register(pl Plugin) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.byID[pl.ID()]; dup {
		return fmt.Errorf("plugin %q already registered", pl.ID())
	}
	e := &entry{plugin: pl, enabled: true}
	p.entries = append(p.entries, e)
	p.byID[pl.ID()] = e
	p.logger.Info("plugin registered",
		"id", pl.ID(), "name", pl.Name(), "type", pl.Type(), "version", pl.Version())
	return nil
}

// SetEnabled flips a plugin's enabled flag.
func (p *Pipeline) SetEnabled(id string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return fmt.Errorf("plugin %q not registered", id)
	}
	e.enabled = enabled
	return nil
}

func (p *Pipeline) hookEntries(hook Type) []Plugin {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Plugin
	for _, e := range p.entries {
		if e.enabled && e.plugin.Type() == hook {
			out = append(out, e.plugin)
		}
	}
	return out
}

// Run invokes every enabled plugin of the hook type in registration order.
// Plugin errors and panics are logged and skipped; only a PRE_ORDER cancel
// stops the chain.
func (p *Pipeline) Run(ctx context.Context, hook Type, pc *Context) Outcome {
	pc.Hook = hook
	var out Outcome

	for _, pl := range p.hookEntries(hook) {
		res, err := p.invoke(ctx, pl, pc)

		// Modifications apply even when the plugin errored afterward;
		// they were queued before the failure.
		if pc.Order != nil {
			for _, fn := range pc.mods {
				fn(pc.Order)
			}
		}
		pc.mods = pc.mods[:0]

		if err != nil {
			p.logger.Warn("plugin failed", "id", pl.ID(), "hook", hook, "error", err)
			pc.cancelled = false
			continue
		}

		if pc.cancelled {
			if hook != PreOrder {
				p.logger.Warn("cancel outside PRE_ORDER ignored", "id", pl.ID(), "hook", hook)
				pc.cancelled = false
				continue
			}
			out.Cancelled = true
			out.CancelledBy = pl.ID()
			if res.Success {
				if r, ok := res.Data.(*types.OrderResult); ok {
					out.Synthetic = r
				}
			}
			return out
		}
	}
	return out
}

// invoke isolates plugin panics.
func (p *Pipeline) invoke(ctx context.Context, pl Plugin, pc *Context) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin %q panicked: %v", pl.ID(), r)
		}
	}()
	return pl.Run(ctx, pc)
}
