// mapping.go holds the canonical ↔ Kite dialect tables. The maps are total:
// every canonical value has a venue string, every recognized venue string has
// a canonical value, and unrecognized venue strings fall back to documented
// defaults (MARKET, PENDING, CASH, DAY).
package zerodha

import (
	"tradegate/pkg/types"
)

// Venue order-type strings. SL is the venue's stop-limit spelling and maps
// to the canonical STOP_LIMIT; there is no separate stop-loss canonical.
const (
	vtMarket     = "MARKET"
	vtLimit      = "LIMIT"
	vtStopLimit  = "SL"
	vtStopMarket = "SL-M"
)

var orderTypeTo = map[types.OrderType]string{
	types.Market:            vtMarket,
	types.Limit:             vtLimit,
	types.Stop:              vtStopMarket,
	types.StopLimit:         vtStopLimit,
	types.StopLossMarket:    vtStopMarket,
	types.TrailingStop:      vtStopMarket, // venue has no trailing stops; closest venue type
	types.TrailingStopLimit: vtStopLimit,
}

var orderTypeFrom = map[string]types.OrderType{
	vtMarket:     types.Market,
	vtLimit:      types.Limit,
	vtStopLimit:  types.StopLimit,
	vtStopMarket: types.StopLossMarket,
}

func toVenueOrderType(t types.OrderType) string {
	if s, ok := orderTypeTo[t]; ok {
		return s
	}
	return vtMarket
}

func fromVenueOrderType(s string) types.OrderType {
	if t, ok := orderTypeFrom[s]; ok {
		return t
	}
	return types.Market
}

var productTo = map[types.Product]string{
	types.ProductCNC:      "CNC",
	types.ProductMIS:      "MIS",
	types.ProductNRML:     "NRML",
	types.ProductMargin:   "NRML",
	types.ProductIntraday: "MIS",
	types.ProductCash:     "CNC",
}

var productFrom = map[string]types.Product{
	"CNC":  types.ProductCNC,
	"MIS":  types.ProductMIS,
	"NRML": types.ProductNRML,
}

func toVenueProduct(p types.Product) string {
	if s, ok := productTo[p]; ok {
		return s
	}
	return "CNC"
}

func fromVenueProduct(s string) types.Product {
	if p, ok := productFrom[s]; ok {
		return p
	}
	return types.ProductCash
}

// The venue supports DAY and IOC only; other canonical validities collapse
// to DAY, the venue default.
var validityTo = map[types.Validity]string{
	types.ValidityDay: "DAY",
	types.ValidityIOC: "IOC",
	types.ValidityGTC: "DAY",
	types.ValidityGTD: "DAY",
	types.ValidityFOK: "IOC",
	types.ValidityOPG: "DAY",
	types.ValidityCLS: "DAY",
}

var validityFrom = map[string]types.Validity{
	"DAY": types.ValidityDay,
	"IOC": types.ValidityIOC,
}

func toVenueValidity(v types.Validity) string {
	if s, ok := validityTo[v]; ok {
		return s
	}
	return "DAY"
}

func fromVenueValidity(s string) types.Validity {
	if v, ok := validityFrom[s]; ok {
		return v
	}
	return types.ValidityDay
}

var statusFrom = map[string]types.OrderStatus{
	"PUT ORDER REQ RECEIVED": types.StatusPending,
	"VALIDATION PENDING":     types.StatusPending,
	"OPEN PENDING":           types.StatusPending,
	"MODIFY PENDING":         types.StatusPending,
	"TRIGGER PENDING":        types.StatusPending,
	"OPEN":                   types.StatusOpen,
	"COMPLETE":               types.StatusFilled,
	"CANCELLED":              types.StatusCancelled,
	"REJECTED":               types.StatusRejected,
	"EXPIRED":                types.StatusExpired,
}

// fromVenueStatus maps a venue status, deriving PARTIALLY_FILLED from an
// OPEN order with fills since the venue has no distinct partial status.
// Unknown strings default to PENDING.
func fromVenueStatus(s string, filledQty int64) types.OrderStatus {
	st, ok := statusFrom[s]
	if !ok {
		return types.StatusPending
	}
	if st == types.StatusOpen && filledQty > 0 {
		return types.StatusPartiallyFilled
	}
	return st
}

// errorTable translates the venue's error_type field into the canonical
// taxonomy.
var errorTable = map[string]types.Kind{
	"TokenException":      types.KindInvalidToken,
	"TwoFAException":      types.KindMFARequired,
	"UserException":       types.KindUnauthorized,
	"InputException":      types.KindInvalidOrder,
	"OrderException":      types.KindRejected,
	"MarginException":     types.KindInsufficientFunds,
	"HoldingException":    types.KindRejected,
	"NetworkException":    types.KindNetworkError,
	"DataException":       types.KindNetworkError,
	"MarketException":     types.KindMarketClosed,
	"ThrottleException":   types.KindRateLimited,
	"PermissionException": types.KindUnauthorized,
}

func mapVenueError(errType, message string) *types.Error {
	kind, ok := errorTable[errType]
	if !ok {
		kind = types.KindInternal
	}
	if message == "" {
		message = errType
	}
	return types.E(kind, message).WithBroker(BrokerID)
}
