// mapping.go holds the canonical ↔ venue dialect tables. The venue is
// cash-equity only and symbol-keyed, so the maps are small; numeric fields
// arrive as JSON strings and are parsed at the call sites.
package alpaca

import (
	"tradegate/pkg/types"
)

var orderTypeTo = map[types.OrderType]string{
	types.Market:            "market",
	types.Limit:             "limit",
	types.Stop:              "stop",
	types.StopLimit:         "stop_limit",
	types.StopLossMarket:    "stop",
	types.TrailingStop:      "trailing_stop",
	types.TrailingStopLimit: "trailing_stop", // venue has no trailing stop-limit
}

var orderTypeFrom = map[string]types.OrderType{
	"market":        types.Market,
	"limit":         types.Limit,
	"stop":          types.Stop,
	"stop_limit":    types.StopLimit,
	"trailing_stop": types.TrailingStop,
}

func toVenueOrderType(t types.OrderType) string {
	if s, ok := orderTypeTo[t]; ok {
		return s
	}
	return "market"
}

func fromVenueOrderType(s string) types.OrderType {
	if t, ok := orderTypeFrom[s]; ok {
		return t
	}
	return types.Market
}

var tifTo = map[types.Validity]string{
	types.ValidityDay: "day",
	types.ValidityIOC: "ioc",
	types.ValidityGTC: "gtc",
	types.ValidityGTD: "gtc", // venue has no date-bounded validity
	types.ValidityFOK: "fok",
	types.ValidityOPG: "opg",
	types.ValidityCLS: "cls",
}

var tifFrom = map[string]types.Validity{
	"day": types.ValidityDay,
	"ioc": types.ValidityIOC,
	"gtc": types.ValidityGTC,
	"fok": types.ValidityFOK,
	"opg": types.ValidityOPG,
	"cls": types.ValidityCLS,
}

func toVenueTIF(v types.Validity) string {
	if s, ok := tifTo[v]; ok {
		return s
	}
	return "day"
}

func fromVenueTIF(s string) types.Validity {
	if v, ok := tifFrom[s]; ok {
		return v
	}
	return types.ValidityDay
}

var statusFrom = map[string]types.OrderStatus{
	"new":              types.StatusOpen,
	"accepted":         types.StatusOpen,
	"replaced":         types.StatusOpen,
	"partially_filled": types.StatusPartiallyFilled,
	"filled":           types.StatusFilled,
	"canceled":         types.StatusCancelled,
	"expired":          types.StatusExpired,
	"rejected":         types.StatusRejected,
	"pending_new":      types.StatusPending,
	"pending_cancel":   types.StatusOpen,
	"pending_replace":  types.StatusOpen,
	"done_for_day":     types.StatusExpired,
	"stopped":          types.StatusFilled,
	"accepted_for_bidding": types.StatusPending,
}

func fromVenueStatus(s string) types.OrderStatus {
	if st, ok := statusFrom[s]; ok {
		return st
	}
	return types.StatusPending
}

// mapVenueError classifies the venue's {code, message} failure body. The
// venue leans on HTTP status with a few meaningful JSON codes.
func mapVenueError(status int, code int, message string) *types.Error {
	var kind types.Kind
	switch {
	case code == 40310000: // insufficient buying power
		kind = types.KindInsufficientFunds
	case code == 40010001 && status == 422:
		kind = types.KindInvalidOrder
	case status == 401:
		kind = types.KindInvalidToken
	case status == 403:
		kind = types.KindUnauthorized
	case status == 404:
		kind = types.KindOrderNotFound
	case status == 422:
		kind = types.KindInvalidOrder
	case status == 429:
		kind = types.KindRateLimited
	case status >= 500:
		kind = types.KindNetworkError
	default:
		kind = types.KindInternal
	}
	if message == "" {
		message = "venue request failed"
	}
	return types.E(kind, message).WithBroker(BrokerID)
}
