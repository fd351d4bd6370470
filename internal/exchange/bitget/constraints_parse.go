package bitget

import (
	"math"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/quantedge/bitget-mm/internal/constraints"
)

func firstFloat(row map[string]interface{}, keys ...string) (float64, bool) {
	for _, key := range keys {
		v, ok := row[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t, true
		case string:
			if f, err := strconv.ParseFloat(t, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func firstInt(row map[string]interface{}, keys ...string) (int, bool) {
	for _, key := range keys {
		v, ok := row[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			return int(t), true
		case string:
			if n, err := strconv.Atoi(t); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// parseSpotConstraints mirrors
// original_source/bot/exchange/bitget_gateway.py's _parse_spot_constraints,
// including its fallback of minQty to the precision-derived qtyStep when
// minTradeAmount reads zero.
func parseSpotConstraints(row map[string]interface{}) constraints.InstrumentConstraints {
	minQty, _ := firstFloat(row, "minTradeAmount", "minTradeNum", "minTradeQty")
	minNotional, _ := firstFloat(row, "minTradeUSDT", "minTradeQuoteAmount", "minNotional")
	qtyScale, hasQtyScale := firstInt(row, "quantityScale", "basePrecision", "quantityPrecision")
	priceScale, hasPriceScale := firstInt(row, "priceScale", "pricePrecision")

	qtyStep := 0.0
	if hasQtyScale {
		qtyStep = math.Pow(10, -float64(qtyScale))
	}
	tickSize := 0.0
	if hasPriceScale {
		tickSize = math.Pow(10, -float64(priceScale))
	}
	if minQty <= 0 && qtyStep > 0 {
		minQty = qtyStep
	}

	return constraints.InstrumentConstraints{
		MinQty:      decimal.NewFromFloat(minQty),
		QtyStep:     decimal.NewFromFloat(qtyStep),
		MinNotional: decimal.NewFromFloat(minNotional),
		TickSize:    decimal.NewFromFloat(tickSize),
	}
}

// parsePerpConstraints mirrors _parse_perp_constraints.
func parsePerpConstraints(row map[string]interface{}) constraints.InstrumentConstraints {
	minQty, _ := firstFloat(row, "minTradeNum", "minTradeAmount", "minTradeVol")
	minNotional, _ := firstFloat(row, "minTradeUSDT", "minNotional")
	qtyStep, hasQtyStep := firstFloat(row, "sizeMultiplier", "qtyStep")
	priceScale, hasPriceScale := firstInt(row, "pricePlace", "pricePrecision")

	tickSize := 0.0
	if hasPriceScale {
		tickSize = math.Pow(10, -float64(priceScale))
	}
	if !hasQtyStep {
		if qtyPlace, ok := firstInt(row, "volumePlace", "volPrecision"); ok {
			qtyStep = math.Pow(10, -float64(qtyPlace))
		}
	}

	return constraints.InstrumentConstraints{
		MinQty:      decimal.NewFromFloat(minQty),
		QtyStep:     decimal.NewFromFloat(qtyStep),
		MinNotional: decimal.NewFromFloat(minNotional),
		TickSize:    decimal.NewFromFloat(tickSize),
	}
}

func findRow(rows []map[string]interface{}, key, value string) (map[string]interface{}, bool) {
	for _, row := range rows {
		if v, ok := row[key]; ok {
			if s, ok := v.(string); ok && s == value {
				return row, true
			}
		}
	}
	return nil, false
}
