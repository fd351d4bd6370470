// Package oms implements the order-management state machine: quote
// upsert/replace, hedge-ticket lifecycle (open, chase, unwind), fill
// ingestion with dedup, and position/unhedged tracking. Grounded on
// original_source/bot/oms/oms.py; the hedge-ticket chase/unwind state
// machine is new surface the Python original does not have (it hedges
// with a single best-effort IOC order and no ticket object), built in
// the style of the original's LRU-index and client-oid-prefix idioms.
package oms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantedge/bitget-mm/internal/config"
	"github.com/quantedge/bitget-mm/internal/constraints"
	"github.com/quantedge/bitget-mm/internal/logging"
	"github.com/quantedge/bitget-mm/internal/risk"
	"github.com/quantedge/bitget-mm/internal/types"
)

// GatewayClient is the subset of the exchange gateway the OMS drives.
type GatewayClient interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (map[string]interface{}, error)
	CancelOrder(ctx context.Context, inst types.InstType, symbol, orderID, clientOID string) (map[string]interface{}, error)
}

// BookSource is the subset of the market-data store the OMS reads from to
// price hedge orders.
type BookSource interface {
	Snapshot(inst types.InstType, symbol string, levels int) (types.BookSnapshot, bool)
}

// ActiveOrder is a resting quote the OMS is tracking.
type ActiveOrder struct {
	OrderID   string
	ClientOID string
	Price     decimal.Decimal
	Size      decimal.Decimal
	Side      types.Side
	Intent    types.Intent
	Ts        time.Time
}

// PositionTracker accumulates signed position size per leg from fills.
type PositionTracker struct {
	mu      sync.Mutex
	SpotPos decimal.Decimal
	PerpPos decimal.Decimal
}

// ApplyFill updates the tracked position for the fill's instrument leg.
func (p *PositionTracker) ApplyFill(event types.ExecutionEvent) {
	delta := event.Size
	if event.Side == types.SideSell {
		delta = delta.Neg()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch event.InstType {
	case types.InstSpot:
		p.SpotPos = p.SpotPos.Add(delta)
	case types.InstUSDTFutures:
		p.PerpPos = p.PerpPos.Add(delta)
	}
}

// Snapshot returns the current (spot, perp) positions.
func (p *PositionTracker) Snapshot() (decimal.Decimal, decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.SpotPos, p.PerpPos
}

// lruSet is a bounded fill-dedup index, a direct port of the Python
// original's LRUSet.
type lruSet struct {
	mu     sync.Mutex
	maxLen int
	data   map[string]time.Time
}

func newLRUSet(maxLen int) *lruSet {
	return &lruSet{maxLen: maxLen, data: make(map[string]time.Time)}
}

func (s *lruSet) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

func (s *lruSet) Add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = time.Now()
	if len(s.data) <= s.maxLen {
		return
	}
	var oldestKey string
	var oldestTs time.Time
	first := true
	for k, ts := range s.data {
		if first || ts.Before(oldestTs) {
			oldestKey, oldestTs = k, ts
			first = false
		}
	}
	delete(s.data, oldestKey)
}

// OMS is the order-management state machine for one symbol pair.
type OMS struct {
	gateway GatewayClient
	spotBook BookSource
	cfg     *config.AppConfig
	reg     *constraints.Registry
	guards  *risk.Guards
	orders  *logging.Sink
	fills   *logging.Sink
	system  *logging.Sink

	positions *PositionTracker
	seenFills *lruSet

	mu           sync.Mutex
	activeQuotes map[types.Intent]*ActiveOrder
	tickets      map[string]*HedgeTicket // by ticket ID
	oidToTicket  map[string]string       // client-oid -> ticket ID

	unhedgedQty   decimal.Decimal
	unhedgedSince *time.Time

	dryRun bool
}

// New constructs an OMS bound to one gateway/constraints registry/risk
// guard set. system may be nil; when set, it receives state{positions_sync}
// records.
func New(gateway GatewayClient, spotBook BookSource, cfg *config.AppConfig, reg *constraints.Registry, guards *risk.Guards, orders, fills, system *logging.Sink) *OMS {
	return &OMS{
		gateway:   gateway,
		spotBook:  spotBook,
		cfg:       cfg,
		reg:       reg,
		guards:    guards,
		orders:    orders,
		fills:     fills,
		system:    system,
		positions: &PositionTracker{},
		seenFills: newLRUSet(10000),
		activeQuotes: map[types.Intent]*ActiveOrder{
			types.IntentQuoteBid: nil,
			types.IntentQuoteAsk: nil,
		},
		tickets:     make(map[string]*HedgeTicket),
		oidToTicket: make(map[string]string),
		dryRun:      cfg.Strategy.DryRun,
	}
}

// Positions exposes the position tracker.
func (o *OMS) Positions() *PositionTracker { return o.positions }

// UnhedgedSnapshot returns the current unhedged qty and since-timestamp.
func (o *OMS) UnhedgedSnapshot() (decimal.Decimal, *time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.unhedgedQty, o.unhedgedSince
}

func newClientOID(intent types.Intent, cycleID int64) string {
	uniq := uuid.New().String()[:10]
	return fmt.Sprintf("%s-%d-%s", intent, cycleID, uniq)
}

// UpdateQuotes upserts both sides of the perpetual quote.
func (o *OMS) UpdateQuotes(ctx context.Context, bidPx, askPx, bidSize, askSize decimal.Decimal, cycleID int64, reason string) {
	if !o.reg.Perp.Ready() {
		o.logOrder(logging.Record{
			Event:   "order_skip",
			CycleID: fmt.Sprint(cycleID),
			Intent:  "QUOTE_SKIP",
			Reason:  "constraints_not_ready",
			Res:     map[string]interface{}{"state": "blocked"},
		})
		return
	}
	o.upsertQuote(ctx, types.IntentQuoteBid, types.SideBuy, bidPx, bidSize, cycleID, reason)
	o.upsertQuote(ctx, types.IntentQuoteAsk, types.SideSell, askPx, askSize, cycleID, reason)
}

func (o *OMS) upsertQuote(ctx context.Context, intent types.Intent, side types.Side, price, size decimal.Decimal, cycleID int64, reason string) {
	o.mu.Lock()
	existing := o.activeQuotes[intent]
	o.mu.Unlock()

	if price.Sign() <= 0 || size.Sign() <= 0 {
		if existing != nil {
			o.cancelOrder(ctx, types.InstUSDTFutures, existing, reason, "cancel")
			o.setActiveQuote(intent, nil)
		}
		return
	}

	c := o.reg.Perp
	if !c.Ready() {
		return
	}
	price = c.AdjustPrice(price)
	size = c.AdjustQty(size)
	if size.Sign() <= 0 {
		if existing != nil {
			o.cancelOrder(ctx, types.InstUSDTFutures, existing, reason, "cancel")
			o.setActiveQuote(intent, nil)
		}
		return
	}
	if !c.Validate(price, size) {
		return
	}

	if existing != nil && !needsReplace(existing, price, size, c) {
		return
	}
	if existing != nil {
		o.cancelOrder(ctx, types.InstUSDTFutures, existing, reason, "replace")
	}

	req := types.OrderRequest{
		InstType:  types.InstUSDTFutures,
		Symbol:    o.cfg.Symbols.Perp.Symbol,
		Side:      side,
		OrderType: types.OrderTypeLimit,
		Size:      size,
		Price:     price,
		HasPrice:  true,
		Force:     types.TimeInForcePostOnly,
		ClientOID: newClientOID(intent, cycleID),
		Intent:    intent,
		CycleID:   cycleID,
	}
	orderID, ok := o.submitOrder(ctx, req, reason)
	if ok {
		o.setActiveQuote(intent, &ActiveOrder{
			OrderID: orderID, ClientOID: req.ClientOID, Price: price, Size: size,
			Side: side, Intent: intent, Ts: time.Now(),
		})
	}
}

func (o *OMS) setActiveQuote(intent types.Intent, order *ActiveOrder) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activeQuotes[intent] = order
}

func needsReplace(existing *ActiveOrder, price, size decimal.Decimal, c constraints.InstrumentConstraints) bool {
	sizeDiff := size.Sub(existing.Size).Abs()
	if sizeDiff.GreaterThan(c.QtyStep.Div(decimal.NewFromInt(2))) {
		return true
	}
	priceDiff := price.Sub(existing.Price).Abs()
	return priceDiff.GreaterThanOrEqual(c.TickSize)
}

// CancelAll cancels every resting quote.
func (o *OMS) CancelAll(ctx context.Context, reason string) {
	o.mu.Lock()
	snapshot := make(map[types.Intent]*ActiveOrder, len(o.activeQuotes))
	for k, v := range o.activeQuotes {
		snapshot[k] = v
	}
	o.mu.Unlock()

	for intent, order := range snapshot {
		if order == nil {
			continue
		}
		o.cancelOrder(ctx, types.InstUSDTFutures, order, reason, "cancel")
		o.setActiveQuote(intent, nil)
	}
}

// Flatten cancels all quotes and reduces both legs to zero.
func (o *OMS) Flatten(ctx context.Context, spotBBO *types.BBO, cycleID int64, reason string) {
	o.CancelAll(ctx, reason)
	if !o.reg.Ready() {
		return
	}

	spotPos, perpPos := o.positions.Snapshot()

	if perpPos.Sign() != 0 {
		side := types.SideSell
		if perpPos.Sign() < 0 {
			side = types.SideBuy
		}
		o.submitOrder(ctx, types.OrderRequest{
			InstType:   types.InstUSDTFutures,
			Symbol:     o.cfg.Symbols.Perp.Symbol,
			Side:       side,
			OrderType:  types.OrderTypeMarket,
			Size:       perpPos.Abs(),
			Force:      types.TimeInForceIOC,
			ClientOID:  newClientOID(types.IntentFlatten, cycleID),
			Intent:     types.IntentFlatten,
			CycleID:    cycleID,
			ReduceOnly: true,
		}, reason)
	}

	if spotBBO != nil && spotPos.Sign() != 0 {
		side := types.SideSell
		if spotPos.Sign() < 0 {
			side = types.SideBuy
		}
		price := spotBBO.Bid
		if side == types.SideBuy {
			price = spotBBO.Ask
		}
		o.submitOrder(ctx, types.OrderRequest{
			InstType:  types.InstSpot,
			Symbol:    o.cfg.Symbols.Spot.Symbol,
			Side:      side,
			OrderType: types.OrderTypeLimit,
			Size:      spotPos.Abs(),
			Price:     price,
			HasPrice:  true,
			Force:     types.TimeInForceIOC,
			ClientOID: newClientOID(types.IntentFlatten, cycleID),
			Intent:    types.IntentFlatten,
			CycleID:   cycleID,
		}, reason)
	}
}

// PositionsSource is the subset of the private data store SyncPositions
// polls: the raw position rows pushed on the "positions" channel for one
// symbol.
type PositionsSource interface {
	PositionRows(symbol string) []map[string]interface{}
}

// SyncPositions waits up to timeout for the private positions stream to
// deliver at least one row for the perpetual symbol, then sums the
// signed position sizes (short/sell holds are negative) into PerpPos.
// Mirrors the startup reconciliation spec.md §4.5.5 adds on top of the
// Python original, which has no equivalent step.
func (o *OMS) SyncPositions(ctx context.Context, source PositionsSource, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	symbol := o.cfg.Symbols.Perp.Symbol
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if rows := source.PositionRows(symbol); len(rows) > 0 {
			o.applyPositionRows(rows)
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (o *OMS) applyPositionRows(rows []map[string]interface{}) {
	total := decimal.Zero
	for _, row := range rows {
		size := decimal.Zero
		if v, ok := row["total"]; ok {
			size = rowDecimal(v)
		} else if v, ok := row["available"]; ok {
			size = rowDecimal(v)
		}
		if holdSide, _ := row["holdSide"].(string); holdSide == "short" || holdSide == "sell" {
			size = size.Neg()
		}
		total = total.Add(size)
	}
	o.positions.mu.Lock()
	o.positions.PerpPos = total
	o.positions.mu.Unlock()

	if o.system != nil {
		_ = o.system.Log(logging.Record{
			Event:  "state",
			Reason: "positions_sync",
			Leg:    string(types.InstUSDTFutures),
			Data:   map[string]interface{}{"perp_pos": total.String()},
		})
	}
}

func rowDecimal(v interface{}) decimal.Decimal {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(t)
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(t)
	}
	return decimal.Zero
}

// submitOrder validates against constraints, logs, and (unless dry-run)
// places the order, returning the exchange order id.
func (o *OMS) submitOrder(ctx context.Context, req types.OrderRequest, reason string) (string, bool) {
	c, ok := o.reg.Get(req.InstType)
	if !ok || !c.Ready() {
		o.logOrder(orderRecord(req, reason, "blocked_constraints"))
		return "", false
	}

	if req.HasPrice {
		req.Price = c.AdjustPrice(req.Price)
	}
	req.Size = c.AdjustQty(req.Size)
	if req.Size.LessThan(c.MinQty) {
		o.logOrder(orderRecord(req, reason, "blocked_constraints"))
		return "", false
	}
	if req.HasPrice && !c.Validate(req.Price, req.Size) {
		o.logOrder(orderRecord(req, reason, "blocked_constraints"))
		return "", false
	}

	if o.dryRun {
		o.logOrder(orderRecord(req, reason, "dry_run"))
		return "", false
	}

	resp, err := o.gateway.PlaceOrder(ctx, req)
	rec := orderRecord(req, reason, "sent")
	if err != nil {
		rec.Res = map[string]interface{}{"state": "error", "error": err.Error()}
		o.logOrder(rec)
		o.guards.RecordOrderResult(false, time.Now())
		return "", false
	}

	code, _ := resp["code"].(string)
	rec.Res = map[string]interface{}{"state": "sent", "resp_code": code}
	o.logOrder(rec)

	if code != "" && code != "00000" {
		streak := o.guards.RecordOrderResult(false, time.Now())
		if o.system != nil {
			_ = o.system.Log(logging.Record{
				Event:   "risk",
				Reason:  "order_reject",
				Intent:  string(req.Intent),
				CycleID: fmt.Sprint(req.CycleID),
				Data: map[string]interface{}{
					"resp_code":     code,
					"reject_streak": streak,
				},
			})
		}
		return "", false
	}

	o.guards.RecordOrderResult(true, time.Now())
	return extractOrderID(resp), true
}

func (o *OMS) cancelOrder(ctx context.Context, inst types.InstType, order *ActiveOrder, reason, state string) {
	rec := logging.Record{
		Event:  "order_cancel",
		Intent: string(order.Intent),
		Reason: reason,
		Leg:    string(inst),
		Data: map[string]interface{}{
			"inst_type":  string(inst),
			"symbol":     o.cfg.Symbols.Perp.Symbol,
			"side":       string(order.Side),
			"type":       "cancel",
			"price":      order.Price.String(),
			"size":       order.Size.String(),
			"client_oid": order.ClientOID,
		},
		Res: map[string]interface{}{"state": state},
	}
	if o.dryRun {
		o.logOrder(rec)
		return
	}
	resp, err := o.gateway.CancelOrder(ctx, inst, o.cfg.Symbols.Perp.Symbol, order.OrderID, order.ClientOID)
	if err != nil {
		rec.Res = map[string]interface{}{"state": state, "error": err.Error()}
	} else {
		rec.Res = map[string]interface{}{"state": state, "resp_code": resp["code"]}
	}
	o.logOrder(rec)
}

func orderRecord(req types.OrderRequest, reason, state string) logging.Record {
	event := "order_new"
	if state == "blocked_constraints" {
		event = "order_skip"
	}
	priceStr := ""
	if req.HasPrice {
		priceStr = req.Price.String()
	}
	return logging.Record{
		Event:   event,
		CycleID: fmt.Sprint(req.CycleID),
		Intent:  string(req.Intent),
		Reason:  reason,
		Leg:     string(req.InstType),
		Data: map[string]interface{}{
			"inst_type":  string(req.InstType),
			"symbol":     req.Symbol,
			"side":       string(req.Side),
			"type":       string(req.OrderType),
			"price":      priceStr,
			"size":       req.Size.String(),
			"force":      string(req.Force),
			"client_oid": req.ClientOID,
		},
		Res: map[string]interface{}{"state": state},
	}
}

func (o *OMS) logOrder(r logging.Record) {
	if o.orders == nil {
		return
	}
	_ = o.orders.Log(r)
}

func extractOrderID(payload map[string]interface{}) string {
	data, ok := payload["data"].(map[string]interface{})
	if !ok {
		return ""
	}
	if id, ok := data["orderId"].(string); ok {
		return id
	}
	if id, ok := data["order_id"].(string); ok {
		return id
	}
	return ""
}
