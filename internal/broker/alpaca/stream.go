// stream.go implements the venue's JSON market-data socket. The client
// authenticates in-band after connect, then subscribes by symbol; every
// frame is a JSON array of typed messages ("q" quotes, "t" trades, control
// types for auth and subscription acks).
package alpaca

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tradegate/internal/broker"
	"tradegate/pkg/types"
)

type stream struct {
	a     *Adapter
	wsURL string
	feed  *broker.Feed

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	symbols map[string]broker.Subscription // venue symbol -> subscription
}

func newStream(a *Adapter, wsURL string) *stream {
	s := &stream{
		a:       a,
		wsURL:   wsURL,
		symbols: make(map[string]broker.Subscription),
	}
	s.feed = broker.NewFeed(BrokerID, s.dialParams, s.onOpen, s.handleFrame, a.Logger)
	return s
}

func (s *stream) dialParams() (string, http.Header, error) {
	if s.a.apiKey == "" || s.a.apiSecret == "" {
		return "", nil, types.E(types.KindNotConnected, "no credentials for stream").WithBroker(BrokerID)
	}
	return s.wsURL, nil, nil
}

type wsCommand struct {
	Action string   `json:"action"`
	Key    string   `json:"key,omitempty"`
	Secret string   `json:"secret,omitempty"`
	Quotes []string `json:"quotes,omitempty"`
	Trades []string `json:"trades,omitempty"`
}

// onOpen authenticates in-band and replays the subscription table.
func (s *stream) onOpen() error {
	if err := s.feed.SendJSON(wsCommand{Action: "auth", Key: s.a.apiKey, Secret: s.a.apiSecret}); err != nil {
		return err
	}
	return s.sendSubscribe(s.currentSymbols())
}

func (s *stream) currentSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	return out
}

func (s *stream) sendSubscribe(symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	return s.feed.SendJSON(wsCommand{Action: "subscribe", Quotes: symbols, Trades: symbols})
}

func (s *stream) ensureRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	go s.feed.Run(ctx)
}

func (s *stream) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.feed.Close()
	s.running = false
}

func (s *stream) subscribe(ctx context.Context, symbol string, exchange types.Exchange, mode types.StreamMode) error {
	inst, err := s.a.Resolve(symbol, exchange)
	if err != nil {
		return err
	}

	if _, exists := s.a.FindSubscription(symbol, exchange); exists {
		return nil
	}

	sub := broker.Subscription{Symbol: symbol, Exchange: exchange, InstrumentID: inst.Symbol, Mode: mode}
	s.a.AddSubscription(uuid.NewString(), sub)
	s.mu.Lock()
	s.symbols[inst.Symbol] = sub
	s.mu.Unlock()

	s.ensureRunning()

	if s.feed.Connected() {
		return s.sendSubscribe([]string{inst.Symbol})
	}
	return nil
}

func (s *stream) unsubscribe(ctx context.Context, symbol string, exchange types.Exchange) error {
	removed := s.a.RemoveSubscription(symbol, exchange)
	if len(removed) == 0 {
		return nil // idempotent
	}

	s.mu.Lock()
	var symbols []string
	for sym, sub := range s.symbols {
		if sub.Symbol == symbol && sub.Exchange == exchange {
			delete(s.symbols, sym)
			symbols = append(symbols, sym)
		}
	}
	s.mu.Unlock()

	if len(symbols) > 0 && s.feed.Connected() {
		return s.feed.SendJSON(wsCommand{Action: "unsubscribe", Quotes: symbols, Trades: symbols})
	}
	return nil
}

// wsMessage is one element of a frame's JSON array.
type wsMessage struct {
	Type   string  `json:"T"`
	Symbol string  `json:"S"`
	Msg    string  `json:"msg"`
	Code   int     `json:"code"`
	// quote fields
	BidPrice float64 `json:"bp"`
	BidSize  int64   `json:"bs"`
	AskPrice float64 `json:"ap"`
	AskSize  int64   `json:"as"`
	// trade fields
	Price float64 `json:"p"`
	Size  int64   `json:"s"`
	Time  string  `json:"t"`
}

func (s *stream) handleFrame(msgType int, data []byte) {
	if msgType != websocket.TextMessage {
		return
	}
	var msgs []wsMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return
	}
	for _, m := range msgs {
		switch m.Type {
		case "q", "t":
			s.emit(m)
		case "error":
			s.a.Logger.Warn("stream error frame", "code", m.Code, "msg", m.Msg)
		case "success", "subscription":
			s.a.Logger.Debug("stream control frame", "type", m.Type, "msg", m.Msg)
		}
	}
}

func (s *stream) emit(m wsMessage) {
	s.mu.Lock()
	sub, ok := s.symbols[m.Symbol]
	s.mu.Unlock()
	if !ok {
		return
	}

	tick := types.Tick{
		Symbol:      sub.Symbol,
		Exchange:    sub.Exchange,
		TimestampMS: time.Now().UnixMilli(),
	}
	if ts, err := time.Parse(time.RFC3339Nano, m.Time); err == nil {
		tick.TimestampMS = ts.UnixMilli()
	}
	switch m.Type {
	case "q":
		tick.Bid = m.BidPrice
		tick.BidQty = m.BidSize
		tick.Ask = m.AskPrice
		tick.AskQty = m.AskSize
		tick.LastPrice = (m.BidPrice + m.AskPrice) / 2
	case "t":
		tick.LastPrice = m.Price
		tick.Volume = m.Size
	}
	s.a.EmitTick(tick)
}
