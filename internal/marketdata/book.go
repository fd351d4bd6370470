// Package marketdata derives book snapshots, BBO, order-book imbalance,
// and microprice from raw depth rows, and polls funding rate with a
// last-known-value fallback. Grounded on
// original_source/bot/marketdata/book.py and funding.py.
package marketdata

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantedge/bitget-mm/internal/types"
)

// BookRow is one raw depth-book row as read from the exchange data store,
// before side-split/sort/truncate.
type BookRow struct {
	Side  string // "buy"/"bid" or "sell"/"ask"
	Price decimal.Decimal
	Size  decimal.Decimal
	Ts    time.Time
}

// SnapshotFromRows splits rows into bid/ask sides, sorts each side toward
// the touch, truncates to levels (0 means unlimited), and stamps the
// snapshot with the latest row timestamp. Returns false if either side
// ends up empty.
func SnapshotFromRows(rows []BookRow, levels int) (types.BookSnapshot, bool) {
	var bids, asks []types.PriceLevel
	var latestTs time.Time

	for _, row := range rows {
		level := types.PriceLevel{Price: row.Price, Size: row.Size}
		switch row.Side {
		case "buy", "bid":
			bids = append(bids, level)
		case "sell", "ask":
			asks = append(asks, level)
		}
		if row.Ts.After(latestTs) {
			latestTs = row.Ts
		}
	}

	if len(bids) == 0 || len(asks) == 0 {
		return types.BookSnapshot{}, false
	}

	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	if levels > 0 {
		if len(bids) > levels {
			bids = bids[:levels]
		}
		if len(asks) > levels {
			asks = asks[:levels]
		}
	}

	if latestTs.IsZero() {
		latestTs = time.Now()
	}

	return types.BookSnapshot{Bids: bids, Asks: asks, Ts: latestTs}, true
}

// CalcMid returns the arithmetic midpoint of the BBO.
func CalcMid(bbo types.BBO) decimal.Decimal {
	return bbo.Bid.Add(bbo.Ask).Div(decimal.NewFromInt(2))
}

// CalcOBI returns the order-book imbalance over the snapshot's levels:
// (bidQty - askQty) / (bidQty + askQty), or zero if both sides are empty.
func CalcOBI(snapshot types.BookSnapshot) decimal.Decimal {
	bidQty := sumSizes(snapshot.Bids)
	askQty := sumSizes(snapshot.Asks)
	denom := bidQty.Add(askQty)
	if denom.Sign() <= 0 {
		return decimal.Zero
	}
	return bidQty.Sub(askQty).Div(denom)
}

// CalcMicroprice returns the size-weighted microprice, falling back to
// the arithmetic mid when both touch sizes are zero.
func CalcMicroprice(bbo types.BBO) decimal.Decimal {
	denom := bbo.BidSize.Add(bbo.AskSize)
	if denom.Sign() <= 0 {
		return CalcMid(bbo)
	}
	numerator := bbo.Ask.Mul(bbo.BidSize).Add(bbo.Bid.Mul(bbo.AskSize))
	return numerator.Div(denom)
}

func sumSizes(levels []types.PriceLevel) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range levels {
		sum = sum.Add(l.Size)
	}
	return sum
}

// NormalizeTs converts a millisecond epoch to seconds-resolution time.Time
// when the magnitude indicates milliseconds (> 1e12), mirroring
// original_source/bot/marketdata/book.py's _normalize_ts.
func NormalizeTs(epoch float64) time.Time {
	if epoch > 1e12 {
		epoch /= 1000.0
	}
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
