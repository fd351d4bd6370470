// Package constraints holds per-instrument exchange constraints (tick
// size, quantity step, minimum quantity/notional) and the floor-to-grid
// normalization primitives the OMS uses before every order submission.
package constraints

import (
	"github.com/shopspring/decimal"

	"github.com/quantedge/bitget-mm/internal/types"
)

// InstrumentConstraints describes the exchange-enforced price/size grid
// for one instrument.
type InstrumentConstraints struct {
	TickSize    decimal.Decimal
	QtyStep     decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// Ready reports whether every field is known (> 0); an instrument whose
// constraints haven't loaded yet is not ready for order submission.
func (c InstrumentConstraints) Ready() bool {
	return c.TickSize.Sign() > 0 && c.QtyStep.Sign() > 0 &&
		c.MinQty.Sign() > 0 && c.MinNotional.Sign() > 0
}

// AdjustQty floors qty to the nearest multiple of QtyStep.
func (c InstrumentConstraints) AdjustQty(qty decimal.Decimal) decimal.Decimal {
	if c.QtyStep.Sign() <= 0 {
		return qty
	}
	steps := qty.Div(c.QtyStep).Floor()
	return steps.Mul(c.QtyStep)
}

// AdjustPrice floors px to the nearest multiple of TickSize.
func (c InstrumentConstraints) AdjustPrice(px decimal.Decimal) decimal.Decimal {
	if c.TickSize.Sign() <= 0 {
		return px
	}
	ticks := px.Div(c.TickSize).Floor()
	return ticks.Mul(c.TickSize)
}

// Validate reports whether (px, qty) clears the minimum quantity and
// minimum notional thresholds.
func (c InstrumentConstraints) Validate(px, qty decimal.Decimal) bool {
	if qty.Cmp(c.MinQty) < 0 {
		return false
	}
	notional := px.Mul(qty)
	return notional.Cmp(c.MinNotional) >= 0
}

// Registry holds the constraints for the spot and perpetual legs.
type Registry struct {
	Spot InstrumentConstraints
	Perp InstrumentConstraints
}

// Get returns the constraints for the given instrument type.
func (r *Registry) Get(inst types.InstType) (InstrumentConstraints, bool) {
	switch inst {
	case types.InstSpot:
		return r.Spot, true
	case types.InstUSDTFutures:
		return r.Perp, true
	default:
		return InstrumentConstraints{}, false
	}
}

// Ready reports whether both legs' constraints have loaded.
func (r *Registry) Ready() bool {
	return r.Spot.Ready() && r.Perp.Ready()
}
