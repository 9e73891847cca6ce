// Package api is the gateway's HTTP control surface: order entry over the
// router, account aggregates over the orchestrator, subscription control,
// and a WebSocket fan-out of the aggregator's event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradegate/internal/auth"
	"tradegate/internal/orchestrator"
	"tradegate/internal/router"
	"tradegate/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes the gateway over HTTP and WebSocket.
type Server struct {
	router *router.Router
	orch   *orchestrator.Orchestrator
	agg    *stream.Aggregator
	auth   *auth.Manager
	logger *slog.Logger

	srv *http.Server
	hub *hub
}

// NewServer wires the handlers. Call Start to serve and Stop to drain.
func NewServer(port int, rt *router.Router, orch *orchestrator.Orchestrator,
	agg *stream.Aggregator, am *auth.Manager, logger *slog.Logger) *Server {

	s := &Server{
		router: rt,
		orch:   orch,
		agg:    agg,
		auth:   am,
		logger: logger.With("component", "api"),
		hub:    newHub(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/brokers", s.handleBrokers)
	mux.HandleFunc("POST /api/orders", s.handleRoute)
	mux.HandleFunc("POST /api/orders/batch", s.handleRouteBatch)
	mux.HandleFunc("PUT /api/orders/{broker}/{id}", s.handleModify)
	mux.HandleFunc("DELETE /api/orders/{broker}/{id}", s.handleCancel)
	mux.HandleFunc("GET /api/orders", s.handleAllOrders)
	mux.HandleFunc("GET /api/positions", s.handleAllPositions)
	mux.HandleFunc("GET /api/holdings", s.handleAllHoldings)
	mux.HandleFunc("GET /api/funds", s.handleAllFunds)
	mux.HandleFunc("GET /api/quotes", s.handleCompareQuotes)
	mux.HandleFunc("GET /api/depth", s.handleCompareDepth)
	mux.HandleFunc("POST /api/subscriptions", s.handleSubscribe)
	mux.HandleFunc("DELETE /api/subscriptions", s.handleUnsubscribe)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Stop. The aggregator event consumer runs alongside.
func (s *Server) Start() error {
	go s.consumeEvents()
	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// consumeEvents forwards aggregator events to every connected WebSocket
// client. Slow clients drop frames rather than stalling the stream.
func (s *Server) consumeEvents() {
	for ev := range s.agg.Events() {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		s.hub.broadcast(data)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ch := s.hub.register()
	defer func() {
		s.hub.unregister(ch)
		conn.Close()
	}()

	for data := range ch {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// hub fans one byte stream out to every connected client.
type hub struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[chan []byte]struct{})}
}

func (h *hub) register() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

func (h *hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- data:
		default: // slow client, drop the frame
		}
	}
}
