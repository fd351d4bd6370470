// Package strategy implements the single-cycle decision loop: gather book
// snapshots and funding, gate on risk, compute reservation-price quotes
// with an OBI/inventory skew, drive the OMS, and log a decision record.
// Grounded on original_source/bot/strategy/mm_funding.py; the
// ticker/worker shape is grounded on
// pkg/strategy/xmaker/strategy.go's quoteWorker.
package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantedge/bitget-mm/internal/config"
	"github.com/quantedge/bitget-mm/internal/logging"
	"github.com/quantedge/bitget-mm/internal/marketdata"
	"github.com/quantedge/bitget-mm/internal/metrics"
	"github.com/quantedge/bitget-mm/internal/oms"
	"github.com/quantedge/bitget-mm/internal/risk"
	"github.com/quantedge/bitget-mm/internal/types"
)

// State mirrors the Python original's StrategyState enum.
type State string

const (
	StateStopped    State = "STOPPED"
	StateQuoting    State = "QUOTING"
	StateHedging    State = "HEDGING"
	StateFlattening State = "FLATTENING"
	StateCooldown   State = "COOLDOWN"
	StateHalted     State = "HALTED"
)

// BookSource is the subset of the market-data store the strategy reads
// snapshots from.
type BookSource interface {
	Snapshot(inst types.InstType, symbol string, levels int) (types.BookSnapshot, bool)
}

// FundingSource is the subset of the funding cache the strategy reads
// the latest observation from.
type FundingSource interface {
	Last() (types.FundingInfo, bool)
}

// Strategy runs the single-cycle decision loop for one spot/perp pair.
type Strategy struct {
	cfg      *config.AppConfig
	book     BookSource
	funding  FundingSource
	guards   *risk.Guards
	oms      *oms.OMS
	decision *logging.Sink
	recorder *metrics.Recorder

	state   State
	cycleID int64
}

// New constructs a Strategy. recorder may be nil to disable metrics.
func New(cfg *config.AppConfig, book BookSource, funding FundingSource, guards *risk.Guards, o *oms.OMS, decision *logging.Sink, recorder *metrics.Recorder) *Strategy {
	return &Strategy{
		cfg:      cfg,
		book:     book,
		funding:  funding,
		guards:   guards,
		oms:      o,
		decision: decision,
		recorder: recorder,
		state:    StateStopped,
	}
}

// Run ticks Step every quote_refresh_ms until ctx is cancelled.
func (s *Strategy) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.Strategy.QuoteRefreshMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Step(ctx)
		}
	}
}

// decisionInputs accumulates the optional fields logged with every cycle;
// fields stay at their zero value (and are omitted from the log as null
// via pointer semantics) when a gate trips before they're computed.
type decisionInputs struct {
	spotBBO      *types.BBO
	perpBBO      *types.BBO
	fundingRate  *decimal.Decimal
	basis        *decimal.Decimal
	obiSpot      *decimal.Decimal
	obiPerp      *decimal.Decimal
	targetQ      *decimal.Decimal
}

// Step advances one decision cycle: gather, gate, compute, drive, log.
func (s *Strategy) Step(ctx context.Context) {
	start := time.Now()
	s.cycleID++
	now := start

	s.oms.ProcessHedgeTickets(ctx)

	if s.guards.IsHalted() {
		s.state = StateHalted
		s.oms.CancelAll(ctx, "halted")
		s.logDecision(now, decisionInputs{}, "halted")
		s.recordMetrics(decisionInputs{})
		return
	}

	obiLevels := s.cfg.Strategy.OBILevels
	spotSnapshot, spotOK := s.book.Snapshot(types.InstSpot, s.cfg.Symbols.Spot.Symbol, obiLevels)
	perpSnapshot, perpOK := s.book.Snapshot(types.InstUSDTFutures, s.cfg.Symbols.Perp.Symbol, obiLevels)

	if !spotOK || !perpOK {
		s.state = StateStopped
		s.oms.CancelAll(ctx, "no_book")
		s.logDecision(now, decisionInputs{}, "no_book")
		s.recordMetrics(decisionInputs{})
		return
	}

	spotBBO, _ := spotSnapshot.BBO()
	perpBBO, _ := perpSnapshot.BBO()
	in := decisionInputs{spotBBO: &spotBBO, perpBBO: &perpBBO}

	if s.guards.Stale(&spotSnapshot.Ts, now) || s.guards.Stale(&perpSnapshot.Ts, now) {
		s.state = StateStopped
		s.oms.CancelAll(ctx, "stale_book")
		s.logDecision(now, in, "stale")
		s.recordMetrics(in)
		return
	}

	if s.guards.InCooldown(now) {
		s.state = StateCooldown
		s.oms.CancelAll(ctx, "cooldown")
		s.logDecision(now, in, "cooldown")
		s.recordMetrics(in)
		return
	}

	funding, ok := s.funding.Last()
	if !ok || (s.cfg.Risk.FundingStaleSec > 0 && now.Sub(funding.ObservedAt).Seconds() > s.cfg.Risk.FundingStaleSec) {
		s.state = StateStopped
		s.oms.CancelAll(ctx, "no_funding")
		s.logDecision(now, in, "no_funding")
		s.recordMetrics(in)
		return
	}
	in.fundingRate = &funding.Rate

	midSpot := marketdata.CalcMid(spotBBO)
	midPerp := marketdata.CalcMid(perpBBO)
	obiSpot := marketdata.CalcOBI(spotSnapshot)
	obiPerp := marketdata.CalcOBI(perpSnapshot)
	basis := midPerp.Sub(midSpot)
	in.obiSpot, in.obiPerp, in.basis = &obiSpot, &obiPerp, &basis

	spotPos, perpPos := s.oms.Positions().Snapshot()

	if spotPos.Abs().Mul(midSpot).GreaterThan(decimal.NewFromFloat(s.cfg.Risk.MaxPositionNotional)) ||
		perpPos.Abs().Mul(midPerp).GreaterThan(decimal.NewFromFloat(s.cfg.Risk.MaxPositionNotional)) {
		s.state = StateFlattening
		s.oms.Flatten(ctx, &spotBBO, s.cycleID, "max_position")
		s.logDecision(now, in, "max_position")
		s.recordMetrics(in)
		return
	}

	targetQ := decimal.Zero
	if midPerp.Sign() > 0 {
		targetQ = decimal.NewFromFloat(s.cfg.Strategy.TargetNotional).Div(midPerp)
	}
	in.targetQ = &targetQ
	targetPerp := targetQ.Neg()

	if s.cfg.Strategy.EnableOnlyPositiveFunding && funding.Rate.LessThan(decimal.NewFromFloat(s.cfg.Strategy.MinFundingRate)) {
		s.state = StateStopped
		s.oms.CancelAll(ctx, "funding_off")
		s.logDecision(now, in, "funding_off")
		s.recordMetrics(in)
		return
	}

	edge := expectedEdge(s.cfg, funding.Rate)
	if edge.Sign() <= 0 {
		s.state = StateStopped
		s.oms.CancelAll(ctx, "edge_negative")
		s.logDecision(now, in, "edge_negative")
		s.recordMetrics(in)
		return
	}

	unhedgedQty, unhedgedSince := s.oms.UnhedgedSnapshot()
	unhedgedNotional, _ := unhedgedQty.Abs().Mul(midSpot).Float64()
	if s.guards.UnhedgedExceeded(unhedgedNotional, unhedgedSince, now) {
		s.state = StateFlattening
		s.oms.Flatten(ctx, &spotBBO, s.cycleID, "unhedged_exceeded")
		s.logDecision(now, in, "flatten")
		s.recordMetrics(in)
		return
	}

	alphaPx := midPerp.Mul(decimal.NewFromFloat(s.cfg.Strategy.AlphaOBIBps).Div(decimal.NewFromInt(10000))).Mul(obiPerp)
	invRatio := decimal.Zero
	if targetQ.Sign() != 0 {
		invRatio = perpPos.Sub(targetPerp).Div(targetQ)
	}
	gammaPx := midPerp.Mul(decimal.NewFromFloat(s.cfg.Strategy.GammaInventoryBps).Div(decimal.NewFromInt(10000))).Mul(invRatio)
	reservation := midPerp.Add(alphaPx).Sub(gammaPx)

	halfBps := decimal.NewFromFloat(s.cfg.Strategy.BaseHalfSpreadBps)
	delta := spotPos.Add(perpPos)
	deltaTolerance := decimal.NewFromFloat(s.cfg.Strategy.DeltaTolerance)
	if unhedgedQty.Sign() != 0 || delta.Abs().GreaterThan(deltaTolerance) {
		halfBps = halfBps.Mul(decimal.NewFromInt(2))
		s.state = StateHedging
	} else {
		s.state = StateQuoting
	}

	bps := halfBps.Div(decimal.NewFromInt(10000))
	bidPx := reservation.Mul(decimal.NewFromInt(1).Sub(bps))
	askPx := reservation.Mul(decimal.NewFromInt(1).Add(bps))

	bidSize, askSize := targetQ, targetQ
	accel := decimal.NewFromFloat(1.2)
	if perpPos.GreaterThan(targetPerp) {
		askSize = askSize.Mul(accel)
	} else if perpPos.LessThan(targetPerp) {
		bidSize = bidSize.Mul(accel)
	}

	s.oms.UpdateQuotes(ctx, bidPx, askPx, bidSize, askSize, s.cycleID, "quote")
	s.logDecision(now, in, "quote")
	s.recordMetrics(in)
	if s.recorder != nil {
		s.recorder.SetCycleDuration(time.Since(start).Seconds())
	}
}

// expectedEdge returns target_notional*funding_rate minus round-trip
// maker/taker/slippage cost, per spec.md's "Expected edge" formula.
func expectedEdge(cfg *config.AppConfig, fundingRate decimal.Decimal) decimal.Decimal {
	targetNotional := decimal.NewFromFloat(cfg.Strategy.TargetNotional)
	costBps := decimal.NewFromFloat(2*cfg.Cost.FeeMakerPerpBps + 2*(cfg.Cost.FeeTakerSpotBps+cfg.Cost.SlippageBps))
	expectedCost := targetNotional.Mul(costBps).Div(decimal.NewFromInt(10000))
	expectedFunding := targetNotional.Mul(fundingRate)
	return expectedFunding.Sub(expectedCost)
}

func (s *Strategy) logDecision(now time.Time, in decisionInputs, action string) {
	if s.decision == nil {
		return
	}
	data := map[string]interface{}{
		"state":     string(s.state),
		"action":    action,
		"pos_spot":  nil,
		"pos_perp":  nil,
		"delta":     nil,
	}
	if in.spotBBO != nil {
		data["mid_spot"] = marketdata.CalcMid(*in.spotBBO).String()
	}
	if in.perpBBO != nil {
		data["mid_perp"] = marketdata.CalcMid(*in.perpBBO).String()
	}
	if in.fundingRate != nil {
		data["funding_rate"] = in.fundingRate.String()
	}
	if in.basis != nil {
		data["basis"] = in.basis.String()
	}
	if in.obiSpot != nil {
		data["obi_spot"] = in.obiSpot.String()
	}
	if in.obiPerp != nil {
		data["obi_perp"] = in.obiPerp.String()
	}
	if in.targetQ != nil {
		data["target_q"] = in.targetQ.String()
	}

	spotPos, perpPos := s.oms.Positions().Snapshot()
	data["pos_spot"] = spotPos.String()
	data["pos_perp"] = perpPos.String()
	data["delta"] = spotPos.Add(perpPos).String()

	_ = s.decision.Log(logging.Record{
		Ts:      now.UnixMilli(),
		Event:   "decision",
		Mode:    string(s.state),
		Reason:  action,
		CycleID: decimal.NewFromInt(s.cycleID).String(),
		Data:    data,
	})
}

func (s *Strategy) recordMetrics(in decisionInputs) {
	if s.recorder == nil {
		return
	}
	if in.spotBBO != nil && in.perpBBO != nil {
		bid, _ := in.perpBBO.Bid.Float64()
		ask, _ := in.perpBBO.Ask.Float64()
		s.recorder.SetBBO(bid, ask)
	}
	if in.fundingRate != nil {
		rate, _ := in.fundingRate.Float64()
		s.recorder.SetFundingRate(rate)
	}
	spotPos, perpPos := s.oms.Positions().Snapshot()
	spotF, _ := spotPos.Float64()
	perpF, _ := perpPos.Float64()
	s.recorder.SetPositions(perpF, spotF)

	unhedgedQty, unhedgedSince := s.oms.UnhedgedSnapshot()
	ageSec := 0.0
	if unhedgedSince != nil {
		ageSec = time.Since(*unhedgedSince).Seconds()
	}
	unhedgedNotional := 0.0
	if in.spotBBO != nil {
		mid := marketdata.CalcMid(*in.spotBBO)
		unhedgedNotional, _ = unhedgedQty.Abs().Mul(mid).Float64()
	}
	s.recorder.SetUnhedged(unhedgedNotional, ageSec)
	s.recorder.SetHalted(s.guards.IsHalted())
	s.recorder.SetHedgeTicketsOpen(s.oms.HedgeTicketsOpen())
}

// State returns the strategy's current cycle state.
func (s *Strategy) State() State { return s.state }

// CycleID returns the most recently started cycle's id.
func (s *Strategy) CycleID() int64 { return s.cycleID }
