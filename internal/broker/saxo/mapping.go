// mapping.go holds the canonical ↔ OpenAPI dialect tables. Venue order
// statuses carry no partial-fill state, so PARTIALLY_FILLED is derived from
// a Working order with a nonzero filled amount.
package saxo

import (
	"strings"

	"tradegate/pkg/types"
)

var orderTypeTo = map[types.OrderType]string{
	types.Market:            "Market",
	types.Limit:             "Limit",
	types.Stop:              "StopIfTraded",
	types.StopLimit:         "StopLimit",
	types.StopLossMarket:    "StopIfTraded",
	types.TrailingStop:      "TrailingStopIfTraded",
	types.TrailingStopLimit: "TrailingStopIfTraded", // venue has no trailing stop-limit
}

var orderTypeFrom = map[string]types.OrderType{
	"Market":               types.Market,
	"Limit":                types.Limit,
	"StopIfTraded":         types.Stop,
	"StopLimit":            types.StopLimit,
	"TrailingStopIfTraded": types.TrailingStop,
}

func toVenueOrderType(t types.OrderType) string {
	if s, ok := orderTypeTo[t]; ok {
		return s
	}
	return "Market"
}

func fromVenueOrderType(s string) types.OrderType {
	if t, ok := orderTypeFrom[s]; ok {
		return t
	}
	return types.Market
}

// The venue knows DayOrder, GoodTillCancel, GoodTillDate, ImmediateOrCancel
// and FillOrKill; auction validities collapse to DayOrder.
var durationTo = map[types.Validity]string{
	types.ValidityDay: "DayOrder",
	types.ValidityIOC: "ImmediateOrCancel",
	types.ValidityGTC: "GoodTillCancel",
	types.ValidityGTD: "GoodTillDate",
	types.ValidityFOK: "FillOrKill",
	types.ValidityOPG: "DayOrder",
	types.ValidityCLS: "DayOrder",
}

var durationFrom = map[string]types.Validity{
	"DayOrder":          types.ValidityDay,
	"ImmediateOrCancel": types.ValidityIOC,
	"GoodTillCancel":    types.ValidityGTC,
	"GoodTillDate":      types.ValidityGTD,
	"FillOrKill":        types.ValidityFOK,
}

func toVenueDuration(v types.Validity) string {
	if s, ok := durationTo[v]; ok {
		return s
	}
	return "DayOrder"
}

func fromVenueDuration(s string) types.Validity {
	if v, ok := durationFrom[s]; ok {
		return v
	}
	return types.ValidityDay
}

var statusFrom = map[string]types.OrderStatus{
	"NotWorking":        types.StatusPending,
	"Parked":            types.StatusPending,
	"Working":           types.StatusOpen,
	"Filled":            types.StatusFilled,
	"Cancelled":         types.StatusCancelled,
	"Rejected":          types.StatusRejected,
	"Expired":           types.StatusExpired,
	"LockedCancelPending": types.StatusOpen,
}

func fromVenueStatus(s string, filled float64) types.OrderStatus {
	st, ok := statusFrom[s]
	if !ok {
		return types.StatusPending
	}
	if st == types.StatusOpen && filled > 0 {
		return types.StatusPartiallyFilled
	}
	return st
}

// Venue MIC-style exchange ids to canonical exchanges. Venue order and
// position rows spell the instrument as "SYMBOL:exchangeid".
var exchangeFrom = map[string]types.Exchange{
	"xnas": types.NASDAQ,
	"xnys": types.NYSE,
	"xase": types.AMEX,
	"xlon": types.LSE,
	"xetr": types.XETRA,
	"xams": types.AMS,
	"xcse": types.CPH,
}

// splitVenueSymbol decodes "AAPL:xnas" into the canonical symbol and
// exchange. A bare symbol comes back with an empty exchange.
func splitVenueSymbol(s string) (string, types.Exchange) {
	sym, exch, ok := strings.Cut(s, ":")
	if !ok {
		return strings.ToUpper(s), ""
	}
	if e, known := exchangeFrom[strings.ToLower(exch)]; known {
		return strings.ToUpper(sym), e
	}
	return strings.ToUpper(sym), types.Exchange(strings.ToUpper(exch))
}

// errorTable translates the venue's ErrorCode field. Codes not listed fall
// through to HTTP-status classification.
var errorTable = map[string]types.Kind{
	"InvalidRequest":         types.KindInvalidOrder,
	"InvalidModelState":      types.KindInvalidOrder,
	"IllegalInstrumentId":    types.KindInstrumentNotFound,
	"InstrumentNotTradable":  types.KindInstrumentNotTradable,
	"NotEnoughCash":          types.KindInsufficientFunds,
	"InsufficientMargin":     types.KindInsufficientFunds,
	"OrderNotFound":          types.KindOrderNotFound,
	"IllegalOrderStatus":     types.KindNotModifiable,
	"MarketClosed":           types.KindMarketClosed,
	"TooManyRequests":        types.KindRateLimited,
	"RequestNotAllowed":      types.KindUnauthorized,
}

func mapVenueError(status int, code, message string) *types.Error {
	if kind, ok := errorTable[code]; ok {
		if message == "" {
			message = code
		}
		return types.E(kind, message).WithBroker(BrokerID)
	}

	var kind types.Kind
	switch {
	case status == 400:
		kind = types.KindInvalidOrder
	case status == 401:
		kind = types.KindInvalidToken
	case status == 403:
		kind = types.KindUnauthorized
	case status == 404:
		kind = types.KindOrderNotFound
	case status == 429:
		kind = types.KindRateLimited
	case status >= 500:
		kind = types.KindNetworkError
	default:
		kind = types.KindInternal
	}
	if message == "" {
		message = code
	}
	if message == "" {
		message = "venue request failed"
	}
	return types.E(kind, message).WithBroker(BrokerID)
}
