// Package metrics exposes the gateway's Prometheus instrumentation:
// order outcomes, routing decisions, order round-trip latency, and tick
// throughput. Collectors register on the default registry; Server serves
// them over /metrics.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts order mutations by broker and outcome.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradegate",
		Name:      "orders_total",
		Help:      "Order mutations by broker and result.",
	}, []string{"broker", "result"})

	// OrderLatency observes the round trip of order placements.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tradegate",
		Name:      "order_latency_seconds",
		Help:      "Order placement round-trip latency.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"broker"})

	// RoutingDecisions counts router strategy outcomes.
	RoutingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradegate",
		Name:      "routing_decisions_total",
		Help:      "Routing decisions by strategy and chosen broker.",
	}, []string{"strategy", "broker"})

	// TicksTotal counts ticks flowing through the aggregator per broker.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradegate",
		Name:      "ticks_total",
		Help:      "Ticks emitted by the streaming aggregator.",
	}, []string{"broker"})

	// TicksDropped counts out-of-order ticks discarded by the aggregator.
	TicksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradegate",
		Name:      "ticks_dropped_total",
		Help:      "Ticks dropped by the monotonic-timestamp filter.",
	}, []string{"broker"})

	// AuthRefreshes counts token refresh attempts by broker and outcome.
	AuthRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradegate",
		Name:      "auth_refreshes_total",
		Help:      "Token refresh attempts by broker and result.",
	}, []string{"broker", "result"})
)

// ObserveOrder records one order mutation outcome.
func ObserveOrder(brokerID string, success bool, latency time.Duration) {
	result := "ok"
	if !success {
		result = "failed"
	}
	OrdersTotal.WithLabelValues(brokerID, result).Inc()
	if latency > 0 {
		OrderLatency.WithLabelValues(brokerID).Observe(latency.Seconds())
	}
}

// Server exposes /metrics over HTTP.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the metrics endpoint on the given port.
func NewServer(port int, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With("component", "metrics"),
	}
}

// Start serves until Shutdown. Errors other than a clean close are logged.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics endpoint listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
