// stream.go implements the venue's streaming surface. Price subscriptions
// are created over REST against a context id carried in the socket URL;
// updates arrive as binary envelopes (little endian) wrapping JSON payloads
// keyed by reference id. Control messages use reference ids starting with
// an underscore.
package saxo

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tradegate/internal/broker"
	"tradegate/pkg/types"
)

const epPriceSubscriptions = "/trade/v1/infoprices/subscriptions"

type stream struct {
	a         *Adapter
	wsURL     string
	contextID string
	feed      *broker.Feed

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	refs    map[string]broker.Subscription // reference id -> subscription
}

func newStream(a *Adapter, wsURL string) *stream {
	s := &stream{
		a:         a,
		wsURL:     wsURL,
		contextID: "tg-" + uuid.NewString(),
		refs:      make(map[string]broker.Subscription),
	}
	s.feed = broker.NewFeed(BrokerID, s.dialParams, s.replaySubscriptions, s.handleFrame, a.Logger)
	return s
}

func (s *stream) dialParams() (string, http.Header, error) {
	token := s.a.AccessToken()
	if token == "" {
		return "", nil, types.E(types.KindNotConnected, "not authenticated").WithBroker(BrokerID)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return s.wsURL + "/connect?contextid=" + s.contextID, header, nil
}

// createSubscription registers one price subscription against the current
// context over REST; the data then flows on the socket.
func (s *stream) createSubscription(ctx context.Context, refID string, sub broker.Subscription) error {
	body := map[string]any{
		"ContextId":   s.contextID,
		"ReferenceId": refID,
		"Format":      "application/json",
		"Arguments": map[string]any{
			"Uic":       sub.InstrumentID,
			"AssetType": assetType,
		},
	}
	_, err := s.a.call(ctx, s.a.Limiter.Data, resty.MethodPost, epPriceSubscriptions, body, nil)
	return err
}

// replaySubscriptions re-creates every subscription after a (re)connect.
func (s *stream) replaySubscriptions() error {
	s.mu.Lock()
	refs := make(map[string]broker.Subscription, len(s.refs))
	for id, sub := range s.refs {
		refs[id] = sub
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for id, sub := range refs {
		if err := s.createSubscription(ctx, id, sub); err != nil {
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

	if _, exists := s.a.FindSubscription(symbol, exchange); exists {
		return nil
	}

	refID := "p-" + uuid.NewString()
	sub := broker.Subscription{Symbol: symbol, Exchange: exchange, InstrumentID: inst.InstrumentID, Mode: mode}
	s.a.AddSubscription(refID, sub)
	s.mu.Lock()
	s.refs[refID] = sub
	s.mu.Unlock()

	s.ensureRunning()

	// Best effort while connecting: the on-open replay covers the rest.
	if s.feed.Connected() {
		return s.createSubscription(ctx, refID, sub)
	}
	return nil
}

func (s *stream) unsubscribe(ctx context.Context, symbol string, exchange types.Exchange) error {
	removed := s.a.RemoveSubscription(symbol, exchange)
	if len(removed) == 0 {
		return nil // idempotent
	}

	s.mu.Lock()
	for _, id := range removed {
		delete(s.refs, id)
	}
	s.mu.Unlock()

	for _, id := range removed {
		path := epPriceSubscriptions + "/" + s.contextID + "/" + id
		if _, err := s.a.call(ctx, s.a.Limiter.Data, resty.MethodDelete, path, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// Binary envelope layout (little endian):
//
//	0:8    message id
//	8:10   reserved
//	10     reference id length
//	11:..  reference id
//	+0     payload format (0 = JSON)
//	+1:+5  payload length
//	+5:..  payload
//
// A single frame may carry several envelopes back to back.
func (s *stream) handleFrame(msgType int, data []byte) {
	if msgType != websocket.BinaryMessage {
		return
	}
	offset := 0
	for offset < len(data) {
		consumed := s.parseEnvelope(data[offset:])
		if consumed <= 0 {
			return
		}
		offset += consumed
	}
}

// parseEnvelope decodes one envelope and returns the bytes consumed, or 0
// if the frame is truncated.
func (s *stream) parseEnvelope(data []byte) int {
	if len(data) < 16 {
		return 0
	}
	refLen := int(data[10])
	if len(data) < 11+refLen+5 {
		return 0
	}
	refID := string(data[11 : 11+refLen])
	payloadLen := int(binary.LittleEndian.Uint32(data[11+refLen+1 : 11+refLen+5]))
	start := 11 + refLen + 5
	if len(data) < start+payloadLen {
		return 0
	}
	payload := data[start : start+payloadLen]

	if len(refID) > 0 && refID[0] == '_' {
		s.handleControl(refID, payload)
	} else {
		s.handlePriceUpdate(refID, payload)
	}
	return start + payloadLen
}

func (s *stream) handleControl(refID string, payload []byte) {
	switch refID {
	case "_heartbeat":
		// keepalive only
	case "_resetsubscriptions":
		s.a.Logger.Warn("venue requested subscription reset")
		if err := s.replaySubscriptions(); err != nil {
			s.a.Logger.Error("subscription reset replay failed", "error", err)
		}
	case "_disconnect":
		s.a.Logger.Warn("venue requested disconnect")
		s.feed.Close() // Run reconnects with backoff
	}
}

// priceUpdate is the JSON delta payload of an infoprice subscription.
type priceUpdate struct {
	LastUpdated string `json:"LastUpdated"`
	Quote       *struct {
		Bid     float64 `json:"Bid"`
		Ask     float64 `json:"Ask"`
		BidSize float64 `json:"BidSize"`
		AskSize float64 `json:"AskSize"`
	} `json:"Quote"`
	PriceInfoDetails *struct {
		LastTraded float64 `json:"LastTraded"`
		Volume     float64 `json:"Volume"`
	} `json:"PriceInfoDetails"`
}

func (s *stream) handlePriceUpdate(refID string, payload []byte) {
	s.mu.Lock()
	sub, ok := s.refs[refID]
	s.mu.Unlock()
	if !ok {
		return
	}

	// Updates arrive both as single objects and as batched arrays.
	var updates []priceUpdate
	if err := json.Unmarshal(payload, &updates); err != nil {
		var single priceUpdate
		if err := json.Unmarshal(payload, &single); err != nil {
			return
		}
		updates = []priceUpdate{single}
	}

	for _, u := range updates {
		tick := types.Tick{
			Symbol:      sub.Symbol,
			Exchange:    sub.Exchange,
			TimestampMS: time.Now().UnixMilli(),
		}
		if ts, err := time.Parse(time.RFC3339, u.LastUpdated); err == nil {
			tick.TimestampMS = ts.UnixMilli()
		}
		if u.Quote != nil {
			tick.Bid = u.Quote.Bid
			tick.Ask = u.Quote.Ask
			tick.BidQty = int64(u.Quote.BidSize)
			tick.AskQty = int64(u.Quote.AskSize)
		}
		if u.PriceInfoDetails != nil {
			tick.LastPrice = u.PriceInfoDetails.LastTraded
			tick.Volume = int64(u.PriceInfoDetails.Volume)
		}
		if tick.LastPrice == 0 && u.Quote != nil {
			tick.LastPrice = (u.Quote.Bid + u.Quote.Ask) / 2
		}
		s.a.EmitTick(tick)
	}
}
