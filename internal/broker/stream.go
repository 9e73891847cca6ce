// stream.go is the streaming transport shared by the venue adapters: one
// WebSocket connection with automatic reconnect, write serialization, and a
// reconnect hook the adapters use to re-authenticate and replay their
// subscription tables.
//
// Reconnect backs off exponentially from 500ms to 30s with jitter so a
// venue outage does not turn into a reconnect stampede.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

const (
	feedWriteTimeout = 10 * time.Second
	feedReadTimeout  = 90 * time.Second
	feedPingInterval = 30 * time.Second
)

// DialFunc supplies the URL and headers for each (re)connection attempt.
// It is called fresh every time so rotated tokens are picked up.
type DialFunc func() (url string, header http.Header, err error)

// Feed manages a single WebSocket connection for one adapter. It handles
// connection lifecycle and reconnection; the owning adapter supplies frame
// parsing and the on-open replay of its subscription table.
type Feed struct {
	name    string
	dial    DialFunc
	onOpen  func() error                      // called after each successful connect
	onFrame func(msgType int, data []byte)    // called per received frame
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewFeed builds a feed. onOpen runs after every successful dial (initial
// and reconnects) and is where adapters replay subscriptions; onFrame
// receives every raw frame.
func NewFeed(name string, dial DialFunc, onOpen func() error, onFrame func(int, []byte), logger *slog.Logger) *Feed {
	return &Feed{
		name:    name,
		dial:    dial,
		onOpen:  onOpen,
		onFrame: onFrame,
		logger:  logger.With("component", "ws_"+name),
	}
}

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		err := f.connectAndRead(ctx, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.Duration()
		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", wait,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Connected reports whether a connection is currently established.
func (f *Feed) Connected() bool {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	return f.conn != nil
}

// SendJSON writes a JSON control frame (subscribe/unsubscribe/auth).
func (f *Feed) SendJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return f.conn.WriteJSON(v)
}

// Close tears down the current connection. Run will reconnect unless its
// context is cancelled, which makes Close usable both for shutdown and for
// forcing a reconnect.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		err := f.conn.Close()
		f.conn = nil
		return err
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context, b *backoff.Backoff) error {
	url, header, err := f.dial()
	if err != nil {
		return fmt.Errorf("dial params: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if f.onOpen != nil {
		if err := f.onOpen(); err != nil {
			return fmt.Errorf("on open: %w", err)
		}
	}

	b.Reset()
	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.onFrame(msgType, msg)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.logger.Warn("ping failed", "error", err)
					f.connMu.Unlock()
					return
				}
			}
			f.connMu.Unlock()
		}
	}
}
