// Package types defines the enumerations and value types shared across
// the trading control plane: instruments, sides, order shapes, intents,
// and the wire-adjacent structs (BBO, book snapshots, funding, fills).
package types

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// InstType distinguishes the spot leg from the perpetual leg.
type InstType string

const (
	InstSpot        InstType = "SPOT"
	InstUSDTFutures InstType = "USDT-FUTURES"
)

// Side is the order/fill direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the order shape sent to the venue.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// TimeInForce controls resting-order behavior.
type TimeInForce string

const (
	TimeInForceGTC      TimeInForce = "gtc"
	TimeInForcePostOnly TimeInForce = "post_only"
	TimeInForceIOC      TimeInForce = "ioc"
	TimeInForceFOK      TimeInForce = "fok"
)

// Intent tags why an order/fill exists; it is also the client-oid prefix.
type Intent string

const (
	IntentQuoteBid Intent = "QUOTE_BID"
	IntentQuoteAsk Intent = "QUOTE_ASK"
	IntentHedge    Intent = "HEDGE"
	IntentFlatten  Intent = "FLATTEN"
	IntentUnwind   Intent = "UNWIND"
)

// AllIntents enumerates every intent, used for client-oid prefix recovery.
var AllIntents = []Intent{IntentQuoteBid, IntentQuoteAsk, IntentHedge, IntentFlatten, IntentUnwind}

// PriceLevel is a single (price, size) row of a book side.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BBO is the top-of-book pair with sizes.
type BBO struct {
	Bid      decimal.Decimal
	Ask      decimal.Decimal
	BidSize  decimal.Decimal
	AskSize  decimal.Decimal
	Ts       time.Time
}

// BookSnapshot is an ordered depth-N view of one instrument's book.
// Bids are sorted descending by price, asks ascending.
type BookSnapshot struct {
	Bids []PriceLevel
	Asks []PriceLevel
	Ts   time.Time
}

// Valid reports whether both sides of the snapshot are non-empty.
func (s BookSnapshot) Valid() bool {
	return len(s.Bids) > 0 && len(s.Asks) > 0
}

// BBO returns the top level of both sides.
func (s BookSnapshot) BBO() (BBO, bool) {
	if !s.Valid() {
		return BBO{}, false
	}
	return BBO{
		Bid:     s.Bids[0].Price,
		Ask:     s.Asks[0].Price,
		BidSize: s.Bids[0].Size,
		AskSize: s.Asks[0].Size,
		Ts:      s.Ts,
	}, true
}

// FundingInfo is a single funding-rate observation.
type FundingInfo struct {
	Rate            decimal.Decimal
	NextUpdateTime  *time.Time
	IntervalSec     *float64
	ObservedAt      time.Time
}

// OrderRequest is the instrument-agnostic request the OMS hands the Gateway.
type OrderRequest struct {
	InstType    InstType
	Symbol      string
	Side        Side
	OrderType   OrderType
	Size        decimal.Decimal
	Price       decimal.Decimal // zero value means "no price" for market orders
	HasPrice    bool
	Force       TimeInForce
	ClientOID   string
	Intent      Intent
	CycleID     int64
	ReduceOnly  bool
}

// ExecutionEvent is a normalized fill/trade row parsed from venue push data.
type ExecutionEvent struct {
	InstType  InstType
	Symbol    string
	OrderID   string
	ClientOID string
	FillID    string
	Side      Side
	Price     decimal.Decimal
	Size      decimal.Decimal
	Fee       decimal.Decimal
	Ts        time.Time
}

// DedupKey is the fill-dedup index key: "{inst_type}:{fill_id}", falling
// back to "{inst_type}:{order_id}:{ts}:{price}:{size}" when the venue
// omits a fill id.
func (e ExecutionEvent) DedupKey() string {
	if e.FillID != "" {
		return string(e.InstType) + ":" + e.FillID
	}
	return string(e.InstType) + ":" + e.OrderID + ":" +
		strconv.FormatInt(e.Ts.UnixMilli(), 10) + ":" +
		e.Price.String() + ":" + e.Size.String()
}

// IntentFromClientOID recovers the intent from a client-oid prefix of the
// form "{intent}-{cycle_id}-{suffix}". Returns ("", false) if no known
// intent prefixes the string.
func IntentFromClientOID(clientOID string) (Intent, bool) {
	if clientOID == "" {
		return "", false
	}
	for _, intent := range AllIntents {
		prefix := string(intent) + "-"
		if len(clientOID) > len(prefix) && clientOID[:len(prefix)] == prefix {
			return intent, true
		}
	}
	return "", false
}
