package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"tradegate/internal/orchestrator"
	"tradegate/internal/router"
	"tradegate/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, kindToStatus(types.KindOf(err)), map[string]string{
		"error": err.Error(),
		"kind":  string(types.KindOf(err)),
	})
}

func kindToStatus(kind types.Kind) int {
	switch kind {
	case types.KindInvalidInput, types.KindInvalidOrder:
		return http.StatusBadRequest
	case types.KindInvalidToken, types.KindTokenExpired, types.KindMFARequired, types.KindUnauthorized:
		return http.StatusUnauthorized
	case types.KindInstrumentNotFound, types.KindOrderNotFound:
		return http.StatusNotFound
	case types.KindRateLimited:
		return http.StatusTooManyRequests
	case types.KindNotSupported:
		return http.StatusNotImplemented
	case types.KindNoBrokerAvailable, types.KindNotConnected:
		return http.StatusServiceUnavailable
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errStrings(errs map[string]error) map[string]string {
	if len(errs) == 0 {
		return nil
	}
	out := make(map[string]string, len(errs))
	for id, err := range errs {
		out[id] = err.Error()
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type brokerStatus struct {
	BrokerID       string    `json:"broker_id"`
	State          string    `json:"state"`
	Active         bool      `json:"active"`
	UserID         string    `json:"user_id,omitempty"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitempty"`
	Subscriptions  int       `json:"subscriptions"`
}

func (s *Server) handleBrokers(w http.ResponseWriter, r *http.Request) {
	var out []brokerStatus
	for _, a := range s.auth.All() {
		sess := a.Session()
		out = append(out, brokerStatus{
			BrokerID:       sess.BrokerID,
			State:          string(sess.State),
			Active:         s.orch.IsActive(sess.BrokerID),
			UserID:         sess.UserID,
			TokenExpiresAt: sess.TokenExpiresAt,
			Subscriptions:  len(sess.Subscriptions),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type routeRequest struct {
	Order          types.Order `json:"order"`
	Strategy       string      `json:"strategy,omitempty"`
	Brokers        []string    `json:"brokers,omitempty"`
	FallbackBroker string      `json:"fallback_broker,omitempty"`
}

type multiResponse struct {
	Success bool                         `json:"success"`
	Results map[string]types.OrderResult `json:"results"`
	Errors  map[string]string            `json:"errors,omitempty"`
}

type routeResponse struct {
	Success  bool               `json:"success"`
	Strategy router.Strategy    `json:"strategy"`
	BrokerID string             `json:"broker_id,omitempty"`
	Order    *types.OrderResult `json:"order,omitempty"`
	Multi    *multiResponse     `json:"multi,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func toRouteResponse(res router.Result) routeResponse {
	out := routeResponse{
		Success:  res.Success,
		Strategy: res.Strategy,
		BrokerID: res.BrokerID,
	}
	if res.Multi != nil {
		out.Multi = &multiResponse{
			Success: res.Multi.Success,
			Results: res.Multi.Results,
			Errors:  errStrings(res.Multi.Errors),
		}
	} else {
		order := res.Order
		out.Order = &order
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.E(types.KindInvalidInput, "malformed order request").Wrap(err))
		return
	}

	res := s.router.Route(r.Context(), req.Order, router.Options{
		Strategy:       router.Strategy(req.Strategy),
		Brokers:        req.Brokers,
		FallbackBroker: req.FallbackBroker,
	})

	status := http.StatusOK
	if !res.Success {
		status = kindToStatus(types.KindOf(res.Err))
	}
	writeJSON(w, status, toRouteResponse(res))
}

type batchRequest struct {
	Orders         []types.Order `json:"orders"`
	Strategy       string        `json:"strategy,omitempty"`
	Brokers        []string      `json:"brokers,omitempty"`
	FallbackBroker string        `json:"fallback_broker,omitempty"`
}

func (s *Server) handleRouteBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.E(types.KindInvalidInput, "malformed batch request").Wrap(err))
		return
	}
	if len(req.Orders) == 0 {
		writeError(w, types.E(types.KindInvalidInput, "batch is empty"))
		return
	}

	results := s.router.RouteBatch(r.Context(), req.Orders, router.Options{
		Strategy:       router.Strategy(req.Strategy),
		Brokers:        req.Brokers,
		FallbackBroker: req.FallbackBroker,
	})
	out := make([]routeResponse, len(results))
	for i, res := range results {
		out[i] = toRouteResponse(res)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleModify(w http.ResponseWriter, r *http.Request) {
	var changes types.OrderModify
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		writeError(w, types.E(types.KindInvalidInput, "malformed modify request").Wrap(err))
		return
	}
	res := s.router.Modify(r.Context(), r.PathValue("broker"), r.PathValue("id"), changes)
	status := http.StatusOK
	if !res.Success && res.Err != nil {
		status = kindToStatus(res.Err.Kind)
	}
	writeJSON(w, status, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	res := s.router.Cancel(r.Context(), r.PathValue("broker"), r.PathValue("id"))
	status := http.StatusOK
	if !res.Success && res.Err != nil {
		status = kindToStatus(res.Err.Kind)
	}
	writeJSON(w, status, res)
}

func (s *Server) handleAllOrders(w http.ResponseWriter, r *http.Request) {
	data, errs := s.orch.GetAllOrders(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"data": data, "errors": errStrings(errs)})
}

func (s *Server) handleAllPositions(w http.ResponseWriter, r *http.Request) {
	data, errs := s.orch.GetAllPositions(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"data": data, "errors": errStrings(errs)})
}

func (s *Server) handleAllHoldings(w http.ResponseWriter, r *http.Request) {
	data, errs := s.orch.GetAllHoldings(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"data": data, "errors": errStrings(errs)})
}

func (s *Server) handleAllFunds(w http.ResponseWriter, r *http.Request) {
	data, errs := s.orch.GetAllFunds(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"data": data, "errors": errStrings(errs)})
}

func instrumentQuery(r *http.Request) (string, types.Exchange, error) {
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	exchange := types.Exchange(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("exchange"))))
	if symbol == "" || exchange == "" {
		return "", "", types.E(types.KindInvalidInput, "symbol and exchange query params are required")
	}
	return symbol, exchange, nil
}

func (s *Server) handleCompareQuotes(w http.ResponseWriter, r *http.Request) {
	symbol, exchange, err := instrumentQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	cmp := s.orch.CompareQuotes(r.Context(), symbol, exchange)
	bestBuy, _ := orchestrator.BestBrokerByPrice(cmp, types.Buy)
	bestSell, _ := orchestrator.BestBrokerByPrice(cmp, types.Sell)
	bestLatency, _ := orchestrator.BestBrokerByLatency(cmp)

	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":       cmp.Symbol,
		"exchange":     cmp.Exchange,
		"quotes":       cmp.Quotes,
		"latency_ms":   cmp.LatencyMS,
		"errors":       errStrings(cmp.Errors),
		"best_buy":     bestBuy,
		"best_sell":    bestSell,
		"best_latency": bestLatency,
	})
}

func (s *Server) handleCompareDepth(w http.ResponseWriter, r *http.Request) {
	symbol, exchange, err := instrumentQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	cmp := s.orch.CompareMarketDepth(r.Context(), symbol, exchange)
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":     cmp.Symbol,
		"exchange":   cmp.Exchange,
		"depths":     cmp.Depths,
		"latency_ms": cmp.LatencyMS,
		"errors":     errStrings(cmp.Errors),
	})
}

type subscriptionRequest struct {
	BrokerID string           `json:"broker_id"`
	Symbol   string           `json:"symbol"`
	Exchange types.Exchange   `json:"exchange"`
	Mode     types.StreamMode `json:"mode,omitempty"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.E(types.KindInvalidInput, "malformed subscription request").Wrap(err))
		return
	}
	if req.Mode == "" {
		req.Mode = types.ModeQuote
	}
	if err := s.agg.Subscribe(r.Context(), req.BrokerID, req.Symbol, req.Exchange, req.Mode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "subscribed"})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.E(types.KindInvalidInput, "malformed subscription request").Wrap(err))
		return
	}
	if err := s.agg.Unsubscribe(r.Context(), req.BrokerID, req.Symbol, req.Exchange); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}
