// stream.go implements the venue's binary tick feed. The socket carries
// packed big-endian quote packets (prices in paise); subscriptions are
// keyed by numeric instrument token and replayed by the shared feed's
// on-open hook after every reconnect.
package zerodha

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
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
	tokens  map[uint32]broker.Subscription // instrument token -> subscription
}

func newStream(a *Adapter, wsURL string) *stream {
	s := &stream{
		a:      a,
		wsURL:  wsURL,
		tokens: make(map[uint32]broker.Subscription),
	}
	s.feed = broker.NewFeed(BrokerID, s.dialParams, s.replaySubscriptions, s.handleFrame, a.Logger)
	return s
}

func (s *stream) dialParams() (string, http.Header, error) {
	token := s.a.AccessToken()
	if token == "" {
		return "", nil, types.E(types.KindNotConnected, "not authenticated").WithBroker(BrokerID)
	}
	u := s.wsURL + "?api_key=" + url.QueryEscape(s.a.apiKey) + "&access_token=" + url.QueryEscape(token)
	return u, nil, nil
}

// wsCommand is the venue's JSON control frame.
type wsCommand struct {
	Action string `json:"a"`
	Value  any    `json:"v"`
}

// replaySubscriptions re-establishes the full subscription table; runs on
// every (re)connect so a dropped socket recovers without caller action.
func (s *stream) replaySubscriptions() error {
	s.mu.Lock()
	quote := make([]uint32, 0)
	full := make([]uint32, 0)
	for token, sub := range s.tokens {
		if sub.Mode == types.ModeFull {
			full = append(full, token)
		} else {
			quote = append(quote, token)
		}
	}
	s.mu.Unlock()

	all := append(append([]uint32{}, quote...), full...)
	if len(all) == 0 {
		return nil
	}
	if err := s.feed.SendJSON(wsCommand{Action: "subscribe", Value: all}); err != nil {
		return err
	}
	if len(quote) > 0 {
		if err := s.feed.SendJSON(wsCommand{Action: "mode", Value: []any{"quote", quote}}); err != nil {
			return err
		}
	}
	if len(full) > 0 {
		if err := s.feed.SendJSON(wsCommand{Action: "mode", Value: []any{"full", full}}); err != nil {
			return err
		}
	}
	return nil
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
	token64, err := strconv.ParseUint(inst.InstrumentID, 10, 32)
	if err != nil {
		return types.Ef(types.KindInstrumentNotFound, "bad instrument token %q", inst.InstrumentID).WithBroker(BrokerID)
	}
	token := uint32(token64)

	sub := broker.Subscription{Symbol: symbol, Exchange: exchange, InstrumentID: inst.InstrumentID, Mode: mode}

	if _, exists := s.a.FindSubscription(symbol, exchange); !exists {
		s.a.AddSubscription(uuid.NewString(), sub)
	}
	s.mu.Lock()
	s.tokens[token] = sub
	s.mu.Unlock()

	s.ensureRunning()

	// Best effort while connecting: the on-open replay covers the rest.
	if s.feed.Connected() {
		if err := s.feed.SendJSON(wsCommand{Action: "subscribe", Value: []uint32{token}}); err != nil {
			return err
		}
		return s.feed.SendJSON(wsCommand{Action: "mode", Value: []any{string(mode), []uint32{token}}})
	}
	return nil
}

func (s *stream) unsubscribe(ctx context.Context, symbol string, exchange types.Exchange) error {
	removed := s.a.RemoveSubscription(symbol, exchange)
	if len(removed) == 0 {
		return nil // idempotent
	}

	s.mu.Lock()
	var tokens []uint32
	for token, sub := range s.tokens {
		if sub.Symbol == symbol && sub.Exchange == exchange {
			delete(s.tokens, token)
			tokens = append(tokens, token)
		}
	}
	s.mu.Unlock()

	if len(tokens) > 0 && s.feed.Connected() {
		return s.feed.SendJSON(wsCommand{Action: "unsubscribe", Value: tokens})
	}
	return nil
}

func (s *stream) handleFrame(msgType int, data []byte) {
	if msgType == websocket.TextMessage {
		s.handleTextFrame(data)
		return
	}
	if msgType != websocket.BinaryMessage || len(data) < 2 {
		return
	}

	count := int(binary.BigEndian.Uint16(data[0:2]))
	offset := 2
	for i := 0; i < count; i++ {
		if offset+2 > len(data) {
			return
		}
		length := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+length > len(data) {
			return
		}
		s.parsePacket(data[offset : offset+length])
		offset += length
	}
}

// handleTextFrame processes JSON postbacks (order updates, errors).
func (s *stream) handleTextFrame(data []byte) {
	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Type {
	case "error":
		s.a.Logger.Warn("stream error frame", "data", string(msg.Data))
	case "order":
		s.a.Logger.Debug("order postback", "data", string(msg.Data))
	}
}

// Binary packet layout (big endian, prices in paise):
//
//	0:4   instrument token
//	4:8   last traded price
//	16:20 volume            (quote mode and up)
//	20:24 total buy quantity
//	24:28 total sell quantity
//	64:   five bid then five ask depth entries of 12 bytes each (full mode)
func (s *stream) parsePacket(pkt []byte) {
	if len(pkt) < 8 {
		return
	}
	token := binary.BigEndian.Uint32(pkt[0:4])

	s.mu.Lock()
	sub, ok := s.tokens[token]
	s.mu.Unlock()
	if !ok {
		return // not ours; venue may push indices alongside
	}

	tick := types.Tick{
		Symbol:      sub.Symbol,
		Exchange:    sub.Exchange,
		LastPrice:   paise(pkt[4:8]),
		TimestampMS: time.Now().UnixMilli(),
	}
	if len(pkt) >= 28 {
		tick.Volume = int64(binary.BigEndian.Uint32(pkt[16:20]))
	}
	if len(pkt) >= 64+24 {
		// First entry of each depth side is top of book.
		tick.BidQty = int64(binary.BigEndian.Uint32(pkt[64:68]))
		tick.Bid = paise(pkt[68:72])
		askOff := 64 + 5*12
		if len(pkt) >= askOff+8 {
			tick.AskQty = int64(binary.BigEndian.Uint32(pkt[askOff : askOff+4]))
			tick.Ask = paise(pkt[askOff+4 : askOff+8])
		}
	}

	s.a.EmitTick(tick)
}

func paise(b []byte) float64 {
	return float64(binary.BigEndian.Uint32(b)) / 100
}
