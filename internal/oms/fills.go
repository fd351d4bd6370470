package oms

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantedge/bitget-mm/internal/logging"
	"github.com/quantedge/bitget-mm/internal/types"
)

// ProcessFillRows dedups and dispatches a batch of raw fill rows, as
// monitor_fills's poll body does in the Python original.
func (o *OMS) ProcessFillRows(ctx context.Context, rows []map[string]interface{}) {
	for _, row := range rows {
		event, ok := parseFillRow(row)
		if !ok {
			continue
		}
		key := event.DedupKey()
		if o.seenFills.Contains(key) {
			continue
		}
		o.seenFills.Add(key)
		o.HandleFill(ctx, event)
	}
}

// HandleFill logs the fill, updates positions, and routes it to the
// hedge/flatten/quote-fill path based on resolveIntent's precedence
// (ticket match first, client-oid prefix fallback).
func (o *OMS) HandleFill(ctx context.Context, event types.ExecutionEvent) {
	o.logFill(event)
	o.positions.ApplyFill(event)

	intent, ticket := o.resolveIntent(event.ClientOID)
	if ticket != nil {
		o.applyHedgeFill(ticket, event)
		return
	}
	switch intent {
	case types.IntentHedge:
		// No matching ticket (e.g. a hedge order placed outside the
		// ticket lifecycle) — still settle unhedged accounting.
		o.applyHedgeFillUntracked(event)
		return
	case types.IntentFlatten, types.IntentUnwind:
		return
	}

	if event.InstType == types.InstUSDTFutures {
		o.openHedgeTicket(ctx, event)
	}
}

func (o *OMS) logFill(event types.ExecutionEvent) {
	if o.fills == nil {
		return
	}
	_ = o.fills.Log(logging.Record{
		Ts:      event.Ts.UnixMilli(),
		Event:   "fill",
		Leg:     string(event.InstType),
		CycleID: fmt.Sprint(event.Ts.UnixMilli()),
		Data: map[string]interface{}{
			"inst_type":  string(event.InstType),
			"symbol":     event.Symbol,
			"client_oid": event.ClientOID,
			"order_id":   event.OrderID,
			"fill_id":    event.FillID,
			"side":       string(event.Side),
			"price":      event.Price.String(),
			"size":       event.Size.String(),
			"fee":        event.Fee.String(),
		},
	})
}

// resolveIntent looks up the client-oid's hedge ticket first (tickets
// take precedence over the client-oid prefix, since a chased ticket may
// reuse a fresh client-oid whose prefix is still "HEDGE-"), falling back
// to types.IntentFromClientOID when no ticket claims the oid.
func (o *OMS) resolveIntent(clientOID string) (types.Intent, *HedgeTicket) {
	o.mu.Lock()
	ticketID, hasTicket := o.oidToTicket[clientOID]
	var ticket *HedgeTicket
	if hasTicket {
		ticket = o.tickets[ticketID]
	}
	o.mu.Unlock()

	if ticket != nil {
		return types.IntentHedge, ticket
	}
	intent, _ := types.IntentFromClientOID(clientOID)
	return intent, nil
}

// openHedgeTicket creates a new HedgeTicket for a perp fill and submits
// the first hedge attempt at the aggressive touch price. The first
// attempt reuses the ticket id as its client-oid (spec.md §4.5.4); a
// book that isn't ready yet just leaves the ticket un-ordered for
// ProcessHedgeTickets to revisit after its deadline.
func (o *OMS) openHedgeTicket(ctx context.Context, event types.ExecutionEvent) {
	hedgeSide := event.Side.Opposite()
	ticket := &HedgeTicket{
		ID:            uuid.New().String(),
		Symbol:        o.cfg.Symbols.Spot.Symbol,
		Side:          hedgeSide,
		TargetSize:    event.Size,
		State:         TicketOpen,
		MaxTries:      o.cfg.Hedge.HedgeMaxTries,
		Deadline:      time.Now().Add(time.Duration(o.cfg.Hedge.HedgeDeadlineSec * float64(time.Second))),
		AggressiveBps: o.cfg.Hedge.HedgeAggressiveBps,
		ChaseSlipBps:  o.cfg.Hedge.HedgeChaseSlipBps,
		CreatedAt:     time.Now(),
		PerpFillCycle: time.Now().UnixMilli(),
	}

	o.mu.Lock()
	o.tickets[ticket.ID] = ticket
	o.mu.Unlock()

	o.logState("ticket_open", ticket, map[string]interface{}{
		"want_qty": ticket.TargetSize.String(),
		"side":     string(ticket.Side),
	})

	o.addUnhedged(event)
	o.attemptHedge(ctx, ticket)
}

// attemptHedge submits one attempt for the ticket, pricing off the current
// spot touch with the configured aggressiveness and incrementing Tries.
// The first attempt (Tries==0) reuses ticket.ID as its client-oid; every
// later attempt mints a fresh one. No-ops if the ticket is already
// terminal or the spot book has no usable snapshot.
func (o *OMS) attemptHedge(ctx context.Context, ticket *HedgeTicket) {
	if ticket.IsTerminal() {
		return
	}
	snapshot, ok := o.spotBook.Snapshot(types.InstSpot, o.cfg.Symbols.Spot.Symbol, 1)
	if !ok {
		return
	}
	bbo, ok := snapshot.BBO()
	if !ok {
		return
	}

	side, remain, triesSoFar, _, aggressiveBps, chaseSlipBps, perpFillCycle := ticket.snapshot()

	// First attempt (triesSoFar==0) prices at the aggressive touch slip;
	// each chase after it adds triesSoFar further chase-slip increments
	// (spec.md §4.5.4).
	slipBps := aggressiveBps + float64(triesSoFar)*chaseSlipBps
	bps := decimal.NewFromFloat(slipBps).Div(decimal.NewFromInt(10000))
	var price decimal.Decimal
	if side == types.SideBuy {
		price = bbo.Ask.Mul(decimal.NewFromInt(1).Add(bps))
	} else {
		price = bbo.Bid.Mul(decimal.NewFromInt(1).Sub(bps))
	}

	clientOID := newClientOID(types.IntentHedge, perpFillCycle)
	if triesSoFar == 0 {
		clientOID = ticket.ID
	}
	tries, firstTry := ticket.beginAttempt(clientOID)

	o.mu.Lock()
	o.oidToTicket[clientOID] = ticket.ID
	o.mu.Unlock()

	o.submitOrder(ctx, types.OrderRequest{
		InstType:  types.InstSpot,
		Symbol:    ticket.Symbol,
		Side:      side,
		OrderType: types.OrderTypeLimit,
		Size:      remain,
		Price:     price,
		HasPrice:  true,
		Force:     types.TimeInForceIOC,
		ClientOID: clientOID,
		Intent:    types.IntentHedge,
		CycleID:   perpFillCycle,
	}, "hedge")

	o.logState("ticket_order", ticket, map[string]interface{}{
		"client_oid": clientOID,
		"price":      price.String(),
		"tries":      tries,
		"first_try":  firstTry,
	})
}

// applyHedgeFill applies a fill against its owning ticket, reduces the
// unhedged accounting proportionally, and — once the ticket's remaining
// size reaches zero — transitions it Done, logs state{ticket_done}, and
// deletes it from the ticket table and its client-oid index.
func (o *OMS) applyHedgeFill(ticket *HedgeTicket, event types.ExecutionEvent) {
	done := ticket.ApplyFill(event.Size)
	o.reduceUnhedged(event)
	if done {
		o.logState("ticket_done", ticket, nil)
		o.cleanupTicket(ticket)
	}
}

// cleanupTicket removes a terminal ticket from the owning table and the
// client-oid index, per spec.md §3's "a ticket in Done is deleted from the
// index" invariant. No order-id index is kept: fills are matched to
// tickets by client-oid only, so a spot fill pushed without a client-oid
// is not attributed to its ticket.
func (o *OMS) cleanupTicket(ticket *HedgeTicket) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.tickets, ticket.ID)
	for oid, tid := range o.oidToTicket {
		if tid == ticket.ID {
			delete(o.oidToTicket, oid)
		}
	}
}

// logState emits a state{event} record to the system sink tagged with the
// ticket id and symbol, merging any extra fields.
func (o *OMS) logState(event string, ticket *HedgeTicket, extra map[string]interface{}) {
	if o.system == nil {
		return
	}
	data := map[string]interface{}{
		"ticket_id": ticket.ID,
		"symbol":    ticket.Symbol,
	}
	for k, v := range extra {
		data[k] = v
	}
	_ = o.system.Log(logging.Record{
		Ts:     time.Now().UnixMilli(),
		Event:  "state",
		Reason: event,
		Intent: string(types.IntentHedge),
		Leg:    string(types.InstSpot),
		Data:   data,
	})
}

func (o *OMS) applyHedgeFillUntracked(event types.ExecutionEvent) {
	o.reduceUnhedged(event)
}

func (o *OMS) reduceUnhedged(event types.ExecutionEvent) {
	delta := event.Size
	if event.Side == types.SideSell {
		delta = delta.Neg()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unhedgedQty = o.unhedgedQty.Sub(delta)
	if o.unhedgedQty.Abs().LessThanOrEqual(decimal.New(1, -9)) {
		o.unhedgedQty = decimal.Zero
		o.unhedgedSince = nil
	}
}

func (o *OMS) addUnhedged(event types.ExecutionEvent) {
	delta := event.Size
	if event.Side == types.SideBuy {
		delta = delta.Neg()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unhedgedQty = o.unhedgedQty.Add(delta)
	if o.unhedgedSince == nil {
		now := time.Now()
		o.unhedgedSince = &now
	}
}

// ProcessHedgeTickets advances every open ticket: expired tickets under
// MaxTries chase again at a fresh price; tickets at MaxTries attempt an
// unwind (a reduce-only perp market order flattening the originating
// exposure) and, failing that, latch a halt if
// RiskConfig.HaltOnUnwindFailure is set.
func (o *OMS) ProcessHedgeTickets(ctx context.Context) {
	now := time.Now()
	o.mu.Lock()
	open := make([]*HedgeTicket, 0, len(o.tickets))
	for _, t := range o.tickets {
		if !t.IsTerminal() {
			open = append(open, t)
		}
	}
	o.mu.Unlock()

	for _, ticket := range open {
		if ticket.Remaining().Sign() <= 0 {
			if ticket.MarkDone() {
				o.logState("ticket_done", ticket, nil)
			}
			o.cleanupTicket(ticket)
			continue
		}
		if !ticket.Expired(now) {
			continue
		}
		_, _, tries, maxTries, _, _, _ := ticket.snapshot()
		if tries < maxTries {
			ticket.extendDeadline(now, time.Duration(o.cfg.Hedge.HedgeDeadlineSec*float64(time.Second)))
			o.logRisk("hedge_chase", ticket, map[string]interface{}{
				"tries":     tries,
				"max_tries": maxTries,
			})
			o.attemptHedge(ctx, ticket)
			continue
		}
		o.unwindTicket(ctx, ticket)
	}
}

// unwindTicket cancels all resting quotes and attempts to flatten the
// originating perp exposure with a reduce-only market order in the
// ticket's hedge side for its remaining size. Per spec.md §4.5.4 the
// ticket always transitions to Failed here — unwind is an abandonment of
// the hedge attempt, not a completion of it. When
// RiskConfig.HaltOnUnwindFailure is set (default per spec.md §9's
// recommended resolution of that Open Question), it halts the system if
// unwind is disabled or the unwind order is not placed.
func (o *OMS) unwindTicket(ctx context.Context, ticket *HedgeTicket) {
	side, remain, _, _, _, _, perpFillCycle := ticket.snapshot()
	o.logRisk("hedge_unwind", ticket, map[string]interface{}{
		"remain": remain.String(),
	})
	o.CancelAll(ctx, "hedge_unwind")

	ticket.MarkFailed()
	o.cleanupTicket(ticket)

	if !o.cfg.Hedge.UnwindEnable {
		if o.cfg.Risk.HaltOnUnwindFailure {
			o.guards.Halt("unwind_disabled", time.Now())
		}
		return
	}

	perpSide := side
	_, ok := o.submitOrder(ctx, types.OrderRequest{
		InstType:   types.InstUSDTFutures,
		Symbol:     o.cfg.Symbols.Perp.Symbol,
		Side:       perpSide,
		OrderType:  types.OrderTypeMarket,
		Size:       remain,
		Force:      types.TimeInForceIOC,
		ClientOID:  newClientOID(types.IntentUnwind, perpFillCycle),
		Intent:     types.IntentUnwind,
		CycleID:    perpFillCycle,
		ReduceOnly: true,
	}, "unwind")

	if !ok && o.cfg.Risk.HaltOnUnwindFailure {
		o.guards.Halt("unwind_failed", time.Now())
	}
}

// logRisk emits a risk{event} record to the system sink.
func (o *OMS) logRisk(event string, ticket *HedgeTicket, extra map[string]interface{}) {
	if o.system == nil {
		return
	}
	data := map[string]interface{}{
		"ticket_id": ticket.ID,
		"symbol":    ticket.Symbol,
	}
	for k, v := range extra {
		data[k] = v
	}
	_ = o.system.Log(logging.Record{
		Ts:     time.Now().UnixMilli(),
		Event:  "risk",
		Reason: event,
		Intent: string(types.IntentHedge),
		Leg:    string(types.InstUSDTFutures),
		Data:   data,
	})
}

// HedgeTicketsOpen returns the count of non-terminal tickets, for
// metrics.
func (o *OMS) HedgeTicketsOpen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, t := range o.tickets {
		if !t.IsTerminal() {
			n++
		}
	}
	return n
}

func parseFillRow(row map[string]interface{}) (types.ExecutionEvent, bool) {
	instType, ok := parseInstType(row["instType"])
	if !ok {
		return types.ExecutionEvent{}, false
	}
	symbol, _ := firstString(row, "instId", "symbol")
	if symbol == "" {
		return types.ExecutionEvent{}, false
	}
	side, ok := parseSide(row["side"])
	if !ok {
		return types.ExecutionEvent{}, false
	}
	// fillID may be absent; ExecutionEvent.DedupKey falls back to
	// order/ts/price/size in that case rather than dropping the row.
	fillID, _ := firstString(row, "tradeId", "fillId", "execId", "id")
	orderID, _ := firstString(row, "orderId", "order_id", "ordId")
	clientOID, _ := firstString(row, "clientOid", "clientOrderId", "client_oid")
	price, _ := firstRowFloat(row, "price", "fillPrice", "tradePrice")
	size, _ := firstRowFloat(row, "size", "fillSz", "tradeQty", "tradeSize")
	fee, _ := firstRowFloat(row, "fee", "fillFee")
	ts, hasTs := firstRowTime(row, "ts", "fillTime", "cTime", "tradeTime")
	if !hasTs {
		ts = time.Now()
	}

	return types.ExecutionEvent{
		InstType:  instType,
		Symbol:    symbol,
		OrderID:   orderID,
		ClientOID: clientOID,
		FillID:    fillID,
		Side:      side,
		Price:     decimal.NewFromFloat(price),
		Size:      decimal.NewFromFloat(size),
		Fee:       decimal.NewFromFloat(fee),
		Ts:        ts,
	}, true
}

func parseInstType(v interface{}) (types.InstType, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	switch types.InstType(s) {
	case types.InstSpot:
		return types.InstSpot, true
	case types.InstUSDTFutures:
		return types.InstUSDTFutures, true
	}
	return "", false
}

func parseSide(v interface{}) (types.Side, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	switch s {
	case "buy":
		return types.SideBuy, true
	case "sell":
		return types.SideSell, true
	}
	return "", false
}

func firstString(row map[string]interface{}, keys ...string) (string, bool) {
	for _, key := range keys {
		v, ok := row[key]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func firstRowFloat(row map[string]interface{}, keys ...string) (float64, bool) {
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

func firstRowTime(row map[string]interface{}, keys ...string) (time.Time, bool) {
	f, ok := firstRowFloat(row, keys...)
	if !ok {
		return time.Time{}, false
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f)), true
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec), true
}

