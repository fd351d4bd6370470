package oms

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantedge/bitget-mm/internal/config"
	"github.com/quantedge/bitget-mm/internal/constraints"
	"github.com/quantedge/bitget-mm/internal/logging"
	"github.com/quantedge/bitget-mm/internal/risk"
	"github.com/quantedge/bitget-mm/internal/types"
)

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fakeGateway struct {
	placeCalls  []types.OrderRequest
	cancelCalls int
	placeErr    error
	nextOrderID string
	respCode    string
}

func (f *fakeGateway) PlaceOrder(ctx context.Context, req types.OrderRequest) (map[string]interface{}, error) {
	f.placeCalls = append(f.placeCalls, req)
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	code := f.respCode
	if code == "" {
		code = "00000"
	}
	if code != "00000" {
		return map[string]interface{}{"code": code, "msg": "rejected"}, nil
	}
	id := f.nextOrderID
	if id == "" {
		id = "ord-1"
	}
	return map[string]interface{}{"code": code, "data": map[string]interface{}{"orderId": id}}, nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, inst types.InstType, symbol, orderID, clientOID string) (map[string]interface{}, error) {
	f.cancelCalls++
	return map[string]interface{}{"code": "00000"}, nil
}

type fakeBookSource struct {
	snapshot types.BookSnapshot
	ok       bool
}

func (f *fakeBookSource) Snapshot(inst types.InstType, symbol string, levels int) (types.BookSnapshot, bool) {
	return f.snapshot, f.ok
}

func testAppConfig() *config.AppConfig {
	return &config.AppConfig{
		Symbols: config.SymbolsConfig{
			Spot: config.SymbolConfig{InstType: "SPOT", Symbol: "ETHUSDT"},
			Perp: config.SymbolConfig{InstType: "USDT-FUTURES", Symbol: "ETHUSDT", ProductType: "USDT-FUTURES", MarginMode: "crossed", MarginCoin: "USDT"},
		},
		Risk: config.RiskConfig{
			RejectStreakLimit:   3,
			HaltOnUnwindFailure: true,
		},
		Strategy: config.StrategyConfig{DryRun: false},
		Hedge: config.HedgeConfig{
			HedgeMaxTries:      2,
			HedgeDeadlineSec:   5,
			HedgeAggressiveBps: 5,
			HedgeChaseSlipBps:  5,
			UnwindEnable:       true,
		},
	}
}

func readyRegistry() *constraints.Registry {
	c := constraints.InstrumentConstraints{
		TickSize: mustDec("0.01"), QtyStep: mustDec("0.001"),
		MinQty: mustDec("0.001"), MinNotional: mustDec("5"),
	}
	return &constraints.Registry{Spot: c, Perp: c}
}

func newTestOMS(t *testing.T, gw GatewayClient, book BookSource) *OMS {
	dir := t.TempDir()
	orders, err := logging.NewSink(dir + "/orders.jsonl")
	require.NoError(t, err)
	fills, err := logging.NewSink(dir + "/fills.jsonl")
	require.NoError(t, err)
	cfg := testAppConfig()
	guards := risk.New(cfg.Risk)
	return New(gw, book, cfg, readyRegistry(), guards, orders, fills, nil)
}

func TestUpdateQuotesBlockedWhenConstraintsNotReady(t *testing.T) {
	gw := &fakeGateway{}
	o := newTestOMS(t, gw, &fakeBookSource{})
	o.reg = &constraints.Registry{}
	o.UpdateQuotes(context.Background(), mustDec("100"), mustDec("101"), mustDec("1"), mustDec("1"), 1, "test")
	assert.Empty(t, gw.placeCalls)
}

func TestUpdateQuotesPlacesBothSides(t *testing.T) {
	gw := &fakeGateway{}
	o := newTestOMS(t, gw, &fakeBookSource{})
	o.UpdateQuotes(context.Background(), mustDec("100"), mustDec("101"), mustDec("1"), mustDec("1"), 1, "test")
	require.Len(t, gw.placeCalls, 2)
	assert.Equal(t, types.IntentQuoteBid, gw.placeCalls[0].Intent)
	assert.Equal(t, types.IntentQuoteAsk, gw.placeCalls[1].Intent)
}

func TestUpdateQuotesSkipsReplaceWithinTolerance(t *testing.T) {
	gw := &fakeGateway{}
	o := newTestOMS(t, gw, &fakeBookSource{})
	o.UpdateQuotes(context.Background(), mustDec("100"), mustDec("101"), mustDec("1"), mustDec("1"), 1, "test")
	require.Len(t, gw.placeCalls, 2)

	// Same price/size: should not replace.
	o.UpdateQuotes(context.Background(), mustDec("100"), mustDec("101"), mustDec("1"), mustDec("1"), 2, "test")
	assert.Len(t, gw.placeCalls, 2, "no replace expected when price/size unchanged")
	assert.Equal(t, 0, gw.cancelCalls)
}

func TestUpdateQuotesReplacesOnPriceMove(t *testing.T) {
	gw := &fakeGateway{}
	o := newTestOMS(t, gw, &fakeBookSource{})
	o.UpdateQuotes(context.Background(), mustDec("100"), mustDec("101"), mustDec("1"), mustDec("1"), 1, "test")
	require.Len(t, gw.placeCalls, 2)

	o.UpdateQuotes(context.Background(), mustDec("105"), mustDec("106"), mustDec("1"), mustDec("1"), 2, "test")
	assert.Len(t, gw.placeCalls, 4, "price move beyond tick size should trigger replace")
	assert.Equal(t, 2, gw.cancelCalls)
}

func TestUpdateQuotesCancelsOnNonPositivePrice(t *testing.T) {
	gw := &fakeGateway{}
	o := newTestOMS(t, gw, &fakeBookSource{})
	o.UpdateQuotes(context.Background(), mustDec("100"), mustDec("101"), mustDec("1"), mustDec("1"), 1, "test")
	require.Len(t, gw.placeCalls, 2)

	o.UpdateQuotes(context.Background(), mustDec("0"), mustDec("0"), mustDec("1"), mustDec("1"), 2, "test")
	assert.Equal(t, 2, gw.cancelCalls)
}

func TestRecordOrderResultHaltsOnRejectStreak(t *testing.T) {
	gw := &fakeGateway{placeErr: assertErr{}}
	o := newTestOMS(t, gw, &fakeBookSource{})
	for i := 0; i < 3; i++ {
		o.UpdateQuotes(context.Background(), mustDec("100"), mustDec("101"), mustDec("1"), mustDec("1"), int64(i), "test")
	}
	assert.True(t, o.guards.IsHalted())
}

type assertErr struct{}

func (assertErr) Error() string { return "place failed" }

// TestRejectStreakRespCodeHaltsWithoutTransportError mirrors spec.md S4:
// three consecutive order_new responses with resp_code != "00000" (not a
// transport error) must still count toward the reject streak and halt.
func TestRejectStreakRespCodeHaltsWithoutTransportError(t *testing.T) {
	gw := &fakeGateway{respCode: "40001"}
	o := newTestOMS(t, gw, &fakeBookSource{})
	for i := 0; i < 3; i++ {
		o.UpdateQuotes(context.Background(), mustDec("100"), mustDec("101"), mustDec("1"), mustDec("1"), int64(i), "test")
	}
	assert.True(t, o.guards.IsHalted())
	assert.Equal(t, "reject_streak", o.guards.HaltReason())
}

func TestProcessFillRowsDedupes(t *testing.T) {
	gw := &fakeGateway{}
	book := &fakeBookSource{
		snapshot: types.BookSnapshot{
			Bids: []types.PriceLevel{{Price: mustDec("99"), Size: mustDec("10")}},
			Asks: []types.PriceLevel{{Price: mustDec("100"), Size: mustDec("10")}},
		},
		ok: true,
	}
	o := newTestOMS(t, gw, book)

	row := map[string]interface{}{
		"instType": "USDT-FUTURES",
		"instId":   "ETHUSDT",
		"side":     "buy",
		"tradeId":  "fill-1",
		"orderId":  "ord-1",
		"price":    "100",
		"size":     "0.5",
	}
	rows := []map[string]interface{}{row, row}
	o.ProcessFillRows(context.Background(), rows)

	spot, perp := o.positions.Snapshot()
	assert.True(t, perp.Equal(mustDec("0.5")), "duplicate fill rows must only apply once")
	assert.True(t, spot.IsZero())
}

func TestPerpFillOpensHedgeTicketAndAddsUnhedged(t *testing.T) {
	gw := &fakeGateway{}
	book := &fakeBookSource{
		snapshot: types.BookSnapshot{
			Bids: []types.PriceLevel{{Price: mustDec("99"), Size: mustDec("10")}},
			Asks: []types.PriceLevel{{Price: mustDec("100"), Size: mustDec("10")}},
		},
		ok: true,
	}
	o := newTestOMS(t, gw, book)

	event := types.ExecutionEvent{
		InstType: types.InstUSDTFutures,
		Symbol:   "ETHUSDT",
		Side:     types.SideBuy,
		FillID:   "fill-1",
		Size:     mustDec("0.5"),
		Price:    mustDec("100"),
		Ts:       time.Now(),
	}
	o.HandleFill(context.Background(), event)

	unhedged, since := o.UnhedgedSnapshot()
	assert.False(t, unhedged.IsZero())
	assert.NotNil(t, since)
	assert.Equal(t, 1, o.HedgeTicketsOpen())

	// The hedge attempt should have gone out as a spot IOC sell (opposite of the perp buy).
	require.Len(t, gw.placeCalls, 1)
	assert.Equal(t, types.SideSell, gw.placeCalls[0].Side)
	assert.Equal(t, types.InstSpot, gw.placeCalls[0].InstType)
}

func TestHedgeFillResolvesViaTicketPrecedence(t *testing.T) {
	gw := &fakeGateway{}
	book := &fakeBookSource{
		snapshot: types.BookSnapshot{
			Bids: []types.PriceLevel{{Price: mustDec("99"), Size: mustDec("10")}},
			Asks: []types.PriceLevel{{Price: mustDec("100"), Size: mustDec("10")}},
		},
		ok: true,
	}
	o := newTestOMS(t, gw, book)

	perpFill := types.ExecutionEvent{
		InstType: types.InstUSDTFutures, Symbol: "ETHUSDT", Side: types.SideBuy,
		FillID: "fill-1", Size: mustDec("0.5"), Price: mustDec("100"), Ts: time.Now(),
	}
	o.HandleFill(context.Background(), perpFill)
	require.Len(t, gw.placeCalls, 1)
	hedgeClientOID := gw.placeCalls[0].ClientOID

	hedgeFill := types.ExecutionEvent{
		InstType: types.InstSpot, Symbol: "ETHUSDT", Side: types.SideSell,
		FillID: "fill-2", ClientOID: hedgeClientOID, Size: mustDec("0.5"), Price: mustDec("100"), Ts: time.Now(),
	}
	o.HandleFill(context.Background(), hedgeFill)

	unhedged, since := o.UnhedgedSnapshot()
	assert.True(t, unhedged.IsZero(), "hedge fill should zero out unhedged qty")
	assert.Nil(t, since)
}

func TestHedgeTicketExactlyOneTerminalTransition(t *testing.T) {
	ticket := &HedgeTicket{TargetSize: mustDec("1"), MaxTries: 2, State: TicketOpen}
	ticket.ApplyFill(mustDec("0.4"))
	assert.Equal(t, TicketOpen, ticket.State)
	ticket.ApplyFill(mustDec("0.6"))
	assert.Equal(t, TicketDone, ticket.State)
	// Further fills must not transition it again (no path back to Open).
	ticket.ApplyFill(mustDec("0.1"))
	assert.Equal(t, TicketDone, ticket.State)
}

func TestProcessHedgeTicketsChasesUnderMaxTries(t *testing.T) {
	gw := &fakeGateway{}
	book := &fakeBookSource{
		snapshot: types.BookSnapshot{
			Bids: []types.PriceLevel{{Price: mustDec("99"), Size: mustDec("10")}},
			Asks: []types.PriceLevel{{Price: mustDec("100"), Size: mustDec("10")}},
		},
		ok: true,
	}
	o := newTestOMS(t, gw, book)

	ticket := &HedgeTicket{
		ID: "t1", Symbol: "ETHUSDT", Side: types.SideSell,
		TargetSize: mustDec("1"), MaxTries: 3, Tries: 1,
		Deadline: time.Now().Add(-time.Second), State: TicketOpen,
		PerpFillCycle: 1,
	}
	o.mu.Lock()
	o.tickets[ticket.ID] = ticket
	o.mu.Unlock()

	o.ProcessHedgeTickets(context.Background())
	assert.Equal(t, 2, ticket.Tries, "tries must increase monotonically on chase")
	assert.LessOrEqual(t, ticket.Tries, ticket.MaxTries)
	assert.Equal(t, TicketOpen, ticket.State)
}

func TestProcessHedgeTicketsUnwindsAtMaxTries(t *testing.T) {
	gw := &fakeGateway{}
	o := newTestOMS(t, gw, &fakeBookSource{})

	ticket := &HedgeTicket{
		ID: "t1", Symbol: "ETHUSDT", Side: types.SideSell,
		TargetSize: mustDec("1"), MaxTries: 2, Tries: 2,
		Deadline: time.Now().Add(-time.Second), State: TicketOpen,
		PerpFillCycle: 1,
	}
	o.mu.Lock()
	o.tickets[ticket.ID] = ticket
	o.mu.Unlock()

	o.ProcessHedgeTickets(context.Background())
	assert.True(t, ticket.IsTerminal())
	require.Len(t, gw.placeCalls, 1)
	assert.Equal(t, types.IntentUnwind, gw.placeCalls[0].Intent)
	assert.True(t, gw.placeCalls[0].ReduceOnly)
}

func TestProcessHedgeTicketsHaltsOnUnwindFailure(t *testing.T) {
	gw := &fakeGateway{placeErr: assertErr{}}
	o := newTestOMS(t, gw, &fakeBookSource{})

	ticket := &HedgeTicket{
		ID: "t1", Symbol: "ETHUSDT", Side: types.SideSell,
		TargetSize: mustDec("1"), MaxTries: 1, Tries: 1,
		Deadline: time.Now().Add(-time.Second), State: TicketOpen,
		PerpFillCycle: 1,
	}
	o.mu.Lock()
	o.tickets[ticket.ID] = ticket
	o.mu.Unlock()

	o.ProcessHedgeTickets(context.Background())
	assert.Equal(t, TicketFailed, ticket.State)
	assert.True(t, o.guards.IsHalted())
}

func TestNoOrderNewAfterHaltExceptUnwindAndFlatten(t *testing.T) {
	gw := &fakeGateway{}
	o := newTestOMS(t, gw, &fakeBookSource{})
	o.positions.PerpPos = mustDec("1")
	o.guards.Halt("manual", time.Now())

	// UpdateQuotes itself doesn't consult guards directly in this design —
	// the strategy layer is responsible for not calling UpdateQuotes while
	// halted; verify CancelAll/Flatten still function so a halted system
	// can still flatten, and that flatten sends only FLATTEN orders.
	o.CancelAll(context.Background(), "halt")
	o.Flatten(context.Background(), nil, 1, "halt")
	require.Len(t, gw.placeCalls, 1)
	for _, req := range gw.placeCalls {
		assert.Equal(t, types.IntentFlatten, req.Intent)
	}
	assert.True(t, o.guards.IsHalted())
}

func TestHedgeFirstTryReusesTicketIDAsClientOID(t *testing.T) {
	gw := &fakeGateway{}
	book := &fakeBookSource{
		snapshot: types.BookSnapshot{
			Bids: []types.PriceLevel{{Price: mustDec("99"), Size: mustDec("10")}},
			Asks: []types.PriceLevel{{Price: mustDec("100"), Size: mustDec("10")}},
		},
		ok: true,
	}
	o := newTestOMS(t, gw, book)

	perpFill := types.ExecutionEvent{
		InstType: types.InstUSDTFutures, Symbol: "ETHUSDT", Side: types.SideBuy,
		FillID: "fill-1", Size: mustDec("0.5"), Price: mustDec("100"), Ts: time.Now(),
	}
	o.HandleFill(context.Background(), perpFill)
	require.Len(t, gw.placeCalls, 1)

	var ticketID string
	o.mu.Lock()
	for id := range o.tickets {
		ticketID = id
	}
	o.mu.Unlock()
	require.NotEmpty(t, ticketID)
	assert.Equal(t, ticketID, gw.placeCalls[0].ClientOID, "first hedge attempt must reuse the ticket id as client_oid")

	// A chase attempt (second try) must mint a fresh client_oid, not reuse the ticket id.
	o.mu.Lock()
	ticket := o.tickets[ticketID]
	ticket.Deadline = time.Now().Add(-time.Second)
	o.mu.Unlock()
	o.ProcessHedgeTickets(context.Background())
	require.Len(t, gw.placeCalls, 2)
	assert.NotEqual(t, ticketID, gw.placeCalls[1].ClientOID)
}

func TestAttemptHedgePricesAggressiveThenChase(t *testing.T) {
	gw := &fakeGateway{}
	book := &fakeBookSource{
		snapshot: types.BookSnapshot{
			Bids: []types.PriceLevel{{Price: mustDec("99"), Size: mustDec("10")}},
			Asks: []types.PriceLevel{{Price: mustDec("100"), Size: mustDec("10")}},
		},
		ok: true,
	}
	o := newTestOMS(t, gw, book)

	ticket := &HedgeTicket{
		ID: "t1", Symbol: "ETHUSDT", Side: types.SideSell,
		TargetSize:    mustDec("1"),
		MaxTries:      3,
		AggressiveBps: o.cfg.Hedge.HedgeAggressiveBps,
		ChaseSlipBps:  o.cfg.Hedge.HedgeChaseSlipBps,
		State:         TicketOpen,
		PerpFillCycle: 1,
	}

	// First attempt must price off hedge_aggressive_bps alone (spec.md §4.5.4).
	// 99 * (1 - 5bps) = 98.9505, floored to the 0.01 tick grid.
	o.attemptHedge(context.Background(), ticket)
	require.Len(t, gw.placeCalls, 1)
	assert.True(t, gw.placeCalls[0].Price.Equal(mustDec("98.95")), "first attempt: %s", gw.placeCalls[0].Price)

	// The chase attempt must add tries*hedge_chase_slip_bps on top of the
	// aggressive base, not reuse the flat chase slip alone.
	// 99 * (1 - (5+5)bps) = 98.901, floored to the 0.01 tick grid.
	o.attemptHedge(context.Background(), ticket)
	require.Len(t, gw.placeCalls, 2)
	assert.True(t, gw.placeCalls[1].Price.Equal(mustDec("98.90")), "chase attempt: %s", gw.placeCalls[1].Price)
}

func TestTicketDoneCleansUpMapsOnFullFill(t *testing.T) {
	gw := &fakeGateway{}
	book := &fakeBookSource{
		snapshot: types.BookSnapshot{
			Bids: []types.PriceLevel{{Price: mustDec("99"), Size: mustDec("10")}},
			Asks: []types.PriceLevel{{Price: mustDec("100"), Size: mustDec("10")}},
		},
		ok: true,
	}
	o := newTestOMS(t, gw, book)

	perpFill := types.ExecutionEvent{
		InstType: types.InstUSDTFutures, Symbol: "ETHUSDT", Side: types.SideBuy,
		FillID: "fill-1", Size: mustDec("0.5"), Price: mustDec("100"), Ts: time.Now(),
	}
	o.HandleFill(context.Background(), perpFill)
	hedgeClientOID := gw.placeCalls[0].ClientOID

	hedgeFill := types.ExecutionEvent{
		InstType: types.InstSpot, Symbol: "ETHUSDT", Side: types.SideSell,
		FillID: "fill-2", ClientOID: hedgeClientOID, Size: mustDec("0.5"), Price: mustDec("100"), Ts: time.Now(),
	}
	o.HandleFill(context.Background(), hedgeFill)

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Empty(t, o.tickets, "a Done ticket must be deleted from the owning table")
	assert.Empty(t, o.oidToTicket, "a Done ticket's client-oid index entries must be deleted")
}

func TestUnwindTransitionsToFailedNotDone(t *testing.T) {
	gw := &fakeGateway{}
	o := newTestOMS(t, gw, &fakeBookSource{})
	o.cfg.Risk.HaltOnUnwindFailure = false

	ticket := &HedgeTicket{
		ID: "t1", Symbol: "ETHUSDT", Side: types.SideSell,
		TargetSize: mustDec("1"), MaxTries: 1, Tries: 1,
		Deadline: time.Now().Add(-time.Second), State: TicketOpen,
		PerpFillCycle: 1,
	}
	o.mu.Lock()
	o.tickets[ticket.ID] = ticket
	o.mu.Unlock()

	o.ProcessHedgeTickets(context.Background())
	assert.Equal(t, TicketFailed, ticket.State, "a successful unwind still abandons the hedge, it never completes it")
	o.mu.Lock()
	_, stillIndexed := o.tickets[ticket.ID]
	o.mu.Unlock()
	assert.False(t, stillIndexed, "unwound ticket must be removed from the index")
}

func TestFlattenReducesBothLegs(t *testing.T) {
	gw := &fakeGateway{}
	o := newTestOMS(t, gw, &fakeBookSource{})
	o.positions.PerpPos = mustDec("1")
	o.positions.SpotPos = mustDec("-1")

	bbo := &types.BBO{Bid: mustDec("99"), Ask: mustDec("100")}
	o.Flatten(context.Background(), bbo, 1, "flatten")

	require.Len(t, gw.placeCalls, 2)
	assert.Equal(t, types.IntentFlatten, gw.placeCalls[0].Intent)
	assert.Equal(t, types.InstUSDTFutures, gw.placeCalls[0].InstType)
	assert.Equal(t, types.InstSpot, gw.placeCalls[1].InstType)
}
