// Package stream merges per-broker tick feeds into a single event stream.
// Upstream venue subscriptions are ref-counted per (broker, symbol,
// exchange); tick ordering is strictly monotonic by timestamp per source;
// the output channel is lossy-latest under backpressure. Sources that go
// silent raise a synthetic SourceStalled event instead of failing.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tradegate/internal/broker"
	"tradegate/internal/metrics"
	"tradegate/pkg/types"
)

// EventType discriminates aggregator events.
type EventType string

const (
	EventTick          EventType = "TICK"
	EventSourceStalled EventType = "SOURCE_STALLED"
)

// Event is one aggregator emission: a normalized tick or a stall notice.
type Event struct {
	Type EventType
	Tick types.Tick // EventTick

	// Stall fields.
	BrokerID  string
	Symbol    string
	Exchange  types.Exchange
	SilentFor time.Duration
}

type subKey struct {
	brokerID string
	symbol   string
	exchange types.Exchange
}

type subState struct {
	refs     int
	mode     types.StreamMode
	lastTS   int64
	lastSeen time.Time
	stalled  bool
}

// Aggregator is the fan-in over every adapter's tick channel.
type Aggregator struct {
	stallAfter time.Duration
	logger     *slog.Logger

	emitMu sync.Mutex
	out    chan Event

	mu      sync.Mutex
	sources map[string]broker.Adapter
	subs    map[subKey]*subState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an aggregator. bufferSize bounds the output channel;
// stallAfter is the silence window before a SourceStalled event.
func New(bufferSize int, stallAfter time.Duration, logger *slog.Logger) *Aggregator {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if stallAfter <= 0 {
		stallAfter = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Aggregator{
		stallAfter: stallAfter,
		logger:     logger.With("component", "stream"),
		out:        make(chan Event, bufferSize),
		sources:    make(map[string]broker.Adapter),
		subs:       make(map[subKey]*subState),
		ctx:        ctx,
		cancel:     cancel,
	}
	a.wg.Add(1)
	go a.watchStalls()
	return a
}

// Events is the unified output stream. It stays open for the aggregator's
// lifetime.
func (a *Aggregator) Events() <-chan Event { return a.out }

// AddSource starts consuming an adapter's tick channel. One consumer per
// broker; duplicates are ignored.
func (a *Aggregator) AddSource(ad broker.Adapter) {
	a.mu.Lock()
	if _, dup := a.sources[ad.ID()]; dup {
		a.mu.Unlock()
		return
	}
	a.sources[ad.ID()] = ad
	a.mu.Unlock()

	a.wg.Add(1)
	go a.consume(ad)
	a.logger.Info("tick source added", "broker", ad.ID())
}

// Subscribe ref-counts the (broker, symbol, exchange) subscription; only
// the first reference opens a venue subscription.
func (a *Aggregator) Subscribe(ctx context.Context, brokerID, symbol string, exchange types.Exchange, mode types.StreamMode) error {
	ad, ok := a.source(brokerID)
	if !ok {
		return types.Ef(types.KindNoBrokerAvailable, "no tick source for broker %q", brokerID)
	}

	key := subKey{brokerID: brokerID, symbol: symbol, exchange: exchange}
	a.mu.Lock()
	st, exists := a.subs[key]
	if exists {
		st.refs++
		a.mu.Unlock()
		return nil
	}
	a.subs[key] = &subState{refs: 1, mode: mode, lastSeen: time.Now()}
	a.mu.Unlock()

	if err := ad.Subscribe(ctx, symbol, exchange, mode); err != nil {
		a.mu.Lock()
		delete(a.subs, key)
		a.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe drops one reference; the venue subscription closes when the
// last reference goes. Unsubscribing an unknown key is a no-op.
func (a *Aggregator) Unsubscribe(ctx context.Context, brokerID, symbol string, exchange types.Exchange) error {
	key := subKey{brokerID: brokerID, symbol: symbol, exchange: exchange}
	a.mu.Lock()
	st, exists := a.subs[key]
	if !exists {
		a.mu.Unlock()
		return nil
	}
	st.refs--
	last := st.refs <= 0
	if last {
		delete(a.subs, key)
	}
	a.mu.Unlock()

	if !last {
		return nil
	}
	ad, ok := a.source(brokerID)
	if !ok {
		return nil
	}
	return ad.Unsubscribe(ctx, symbol, exchange)
}

// Close stops all consumers and the stall watcher. The output channel is
// closed after the last goroutine exits.
func (a *Aggregator) Close() {
	a.cancel()
	a.wg.Wait()
	close(a.out)
}

func (a *Aggregator) source(brokerID string) (broker.Adapter, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ad, ok := a.sources[brokerID]
	return ad, ok
}

func (a *Aggregator) consume(ad broker.Adapter) {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case tick, ok := <-ad.Ticks():
			if !ok {
				return
			}
			a.ingest(tick)
		}
	}
}

// ingest applies the per-source monotonic filter and forwards the tick.
func (a *Aggregator) ingest(tick types.Tick) {
	key := subKey{brokerID: tick.BrokerID, symbol: tick.Symbol, exchange: tick.Exchange}

	a.mu.Lock()
	st, tracked := a.subs[key]
	if tracked {
		if tick.TimestampMS <= st.lastTS {
			a.mu.Unlock()
			metrics.TicksDropped.WithLabelValues(tick.BrokerID).Inc()
			return
		}
		st.lastTS = tick.TimestampMS
		st.lastSeen = time.Now()
		if st.stalled {
			st.stalled = false
			a.logger.Info("source recovered", "broker", tick.BrokerID, "symbol", tick.Symbol)
		}
	}
	a.mu.Unlock()

	metrics.TicksTotal.WithLabelValues(tick.BrokerID).Inc()
	a.emit(Event{Type: EventTick, Tick: tick})
}

// emit delivers latest-wins per instrument: when the output buffer is full
// a newer tick displaces the oldest pending tick for the same (broker,
// symbol, exchange), so a burst on one instrument never evicts another
// instrument's only pending event. Stall notices are never coalesced; if
// every pending event is for a distinct key the oldest gives way.
func (a *Aggregator) emit(ev Event) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	select {
	case a.out <- ev:
		return
	default:
	}

	pending := make([]Event, 0, cap(a.out)+1)
drain:
	for {
		select {
		case e := <-a.out:
			pending = append(pending, e)
		default:
			break drain
		}
	}

	coalesced := false
	if ev.Type == EventTick {
		for i, e := range pending {
			if e.Type == EventTick && sameInstrument(e.Tick, ev.Tick) {
				pending = append(pending[:i], pending[i+1:]...)
				coalesced = true
				break
			}
		}
	}
	pending = append(pending, ev)
	if !coalesced && len(pending) > cap(a.out) {
		pending = pending[1:]
	}

	for _, e := range pending {
		select {
		case a.out <- e:
		default:
		}
	}
}

func sameInstrument(a, b types.Tick) bool {
	return a.BrokerID == b.BrokerID && a.Symbol == b.Symbol && a.Exchange == b.Exchange
}

// watchStalls scans the subscription table and raises one SourceStalled
// event per silence window.
func (a *Aggregator) watchStalls() {
	defer a.wg.Done()
	interval := a.stallAfter / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case now := <-ticker.C:
			var stalls []Event
			a.mu.Lock()
			for key, st := range a.subs {
				if st.stalled {
					continue
				}
				silent := now.Sub(st.lastSeen)
				if silent >= a.stallAfter {
					st.stalled = true
					stalls = append(stalls, Event{
						Type:      EventSourceStalled,
						BrokerID:  key.brokerID,
						Symbol:    key.symbol,
						Exchange:  key.exchange,
						SilentFor: silent,
					})
				}
			}
			a.mu.Unlock()

			for _, ev := range stalls {
				a.logger.Warn("source stalled",
					"broker", ev.BrokerID, "symbol", ev.Symbol, "silent_for", ev.SilentFor)
				a.emit(ev)
			}
		}
	}
}
