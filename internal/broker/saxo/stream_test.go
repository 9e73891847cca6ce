package saxo

import (
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/pkg/types"
)

// envelope builds one binary streaming envelope around a JSON payload.
func envelope(t *testing.T, refID string, payload any) []byte {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 0, 16+len(refID)+len(body))
	msgID := make([]byte, 8)
	binary.LittleEndian.PutUint64(msgID, 1)
	buf = append(buf, msgID...)
	buf = append(buf, 0, 0) // reserved
	buf = append(buf, byte(len(refID)))
	buf = append(buf, refID...)
	buf = append(buf, 0) // payload format: JSON
	size := make([]byte, 4)
	binary.LittleEndian.PutUint32(size, uint32(len(body)))
	buf = append(buf, size...)
	buf = append(buf, body...)
	return buf
}

func newTestStream(t *testing.T) *stream {
	t.Helper()
	a := New(config.BrokerConfig{BaseURL: "http://unused.invalid"}, testCache(), testLogger())
	return a.stream
}

func TestParseEnvelopeEmitsTick(t *testing.T) {
	t.Parallel()

	s := newTestStream(t)
	s.refs["p-1"] = broker.Subscription{Symbol: "AAPL", Exchange: types.NASDAQ, InstrumentID: "211", Mode: types.ModeQuote}

	frame := envelope(t, "p-1", map[string]any{
		"LastUpdated":      time.Now().UTC().Format(time.RFC3339),
		"Quote":            map[string]float64{"Bid": 185.10, "Ask": 185.14, "BidSize": 300, "AskSize": 200},
		"PriceInfoDetails": map[string]float64{"LastTraded": 185.12, "Volume": 1000},
	})
	s.handleFrame(websocket.BinaryMessage, frame)

	select {
	case tick := <-s.a.Ticks():
		if tick.Symbol != "AAPL" || tick.BrokerID != BrokerID {
			t.Errorf("tick identity = %s/%s", tick.Symbol, tick.BrokerID)
		}
		if tick.LastPrice != 185.12 || tick.Bid != 185.10 || tick.Ask != 185.14 {
			t.Errorf("tick prices = %+v", tick)
		}
	default:
		t.Fatal("no tick emitted")
	}
}

func TestParseEnvelopeBatchedFrame(t *testing.T) {
	t.Parallel()

	s := newTestStream(t)
	s.refs["p-1"] = broker.Subscription{Symbol: "AAPL", Exchange: types.NASDAQ, InstrumentID: "211", Mode: types.ModeQuote}
	s.refs["p-2"] = broker.Subscription{Symbol: "ASML", Exchange: types.AMS, InstrumentID: "114", Mode: types.ModeQuote}

	// Two envelopes back to back in one frame.
	frame := append(
		envelope(t, "p-1", map[string]any{"PriceInfoDetails": map[string]float64{"LastTraded": 185.12}}),
		envelope(t, "p-2", map[string]any{"PriceInfoDetails": map[string]float64{"LastTraded": 610.40}})...,
	)
	s.handleFrame(websocket.BinaryMessage, frame)

	got := map[string]float64{}
	for i := 0; i < 2; i++ {
		select {
		case tick := <-s.a.Ticks():
			got[tick.Symbol] = tick.LastPrice
		default:
			t.Fatalf("only %d ticks emitted", i)
		}
	}
	if got["AAPL"] != 185.12 || got["ASML"] != 610.40 {
		t.Errorf("ticks = %v", got)
	}
}

func TestParseEnvelopeIgnoresUnknownAndControl(t *testing.T) {
	t.Parallel()

	s := newTestStream(t)

	// Heartbeats and updates for unknown reference ids must not emit ticks.
	s.handleFrame(websocket.BinaryMessage, envelope(t, "_heartbeat", map[string]any{}))
	s.handleFrame(websocket.BinaryMessage, envelope(t, "p-unknown", map[string]any{
		"PriceInfoDetails": map[string]float64{"LastTraded": 1.0},
	}))

	select {
	case tick := <-s.a.Ticks():
		t.Errorf("unexpected tick %+v", tick)
	default:
	}
}

func TestParseEnvelopeTruncated(t *testing.T) {
	t.Parallel()

	s := newTestStream(t)
	s.refs["p-1"] = broker.Subscription{Symbol: "AAPL", Exchange: types.NASDAQ}

	full := envelope(t, "p-1", map[string]any{"PriceInfoDetails": map[string]float64{"LastTraded": 185.12}})
	s.handleFrame(websocket.BinaryMessage, full[:len(full)-3])

	select {
	case tick := <-s.a.Ticks():
		t.Errorf("unexpected tick from truncated frame %+v", tick)
	default:
	}
}

func TestDialParamsRequireToken(t *testing.T) {
	t.Parallel()

	s := newTestStream(t)
	if _, _, err := s.dialParams(); types.KindOf(err) != types.KindNotConnected {
		t.Errorf("kind = %v, want NotConnected", types.KindOf(err))
	}

	s.a.SetTokens("tok", "", time.Now().Add(time.Hour), "")
	u, header, err := s.dialParams()
	if err != nil {
		t.Fatalf("dialParams: %v", err)
	}
	if header.Get("Authorization") != "Bearer tok" {
		t.Errorf("auth header = %q", header.Get("Authorization"))
	}
	if want := "/connect?contextid=" + s.contextID; len(u) == 0 || u[len(u)-len(want):] != want {
		t.Errorf("url = %q", u)
	}
}
