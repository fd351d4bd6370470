// Package testfeed is a test-mode collaborator: it pushes synthetic book
// and fill rows into the gateway's DataStore on a timer so the OMS hedge
// pipeline and strategy gates are exercisable without a live venue. It
// is a pure substitution at the DataStore boundary, implementing the
// same write surface the WS handlers in internal/exchange/bitget feed.
package testfeed

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantedge/bitget-mm/internal/marketdata"
	"github.com/quantedge/bitget-mm/internal/types"
)

// BookSink is the subset of the DataStore the injector writes book rows
// into.
type BookSink interface {
	ReplaceBook(inst types.InstType, symbol string, rows []marketdata.BookRow)
}

// FillSink is the subset of the DataStore the injector writes raw fill
// rows into, in the same shape the private "fill" channel push produces.
type FillSink interface {
	AddFill(row map[string]interface{})
}

// ScheduledFill is one synthetic fill row, pushed once elapsed since the
// injector started reaches At.
type ScheduledFill struct {
	At  time.Duration
	Row map[string]interface{}
}

// Scenario configures one injector run: the spot/perp symbols to drive,
// a base mid price and a bounded sinusoidal walk around it (so the feed
// is fully deterministic across runs), and an ordered list of fills to
// push at fixed offsets.
type Scenario struct {
	SpotSymbol string
	PerpSymbol string

	BaseMid     decimal.Decimal
	AmplitudeBp float64 // peak deviation from BaseMid, in basis points
	PeriodSec   float64 // seconds for one full walk cycle
	SpreadBp    float64 // half-spread applied around the walked mid, in basis points
	LevelSize   decimal.Decimal

	Fills []ScheduledFill
}

// Injector drives a Scenario into a BookSink/FillSink on a fixed tick.
type Injector struct {
	scenario Scenario
	books    BookSink
	fills    FillSink
	tick     time.Duration

	start      time.Time
	firedFills map[int]bool
}

// New constructs an Injector. tick is the book-refresh interval.
func New(scenario Scenario, books BookSink, fills FillSink, tick time.Duration) *Injector {
	return &Injector{
		scenario:   scenario,
		books:      books,
		fills:      fills,
		tick:       tick,
		firedFills: make(map[int]bool),
	}
}

// Run pushes synthetic book rows every tick and fires scheduled fills as
// their offsets elapse, until ctx is cancelled.
func (inj *Injector) Run(ctx context.Context) error {
	inj.start = time.Now()
	ticker := time.NewTicker(inj.tick)
	defer ticker.Stop()

	inj.pushBooks(time.Duration(0))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			elapsed := time.Since(inj.start)
			inj.pushBooks(elapsed)
			inj.pushDueFills(elapsed)
		}
	}
}

func (inj *Injector) pushBooks(elapsed time.Duration) {
	mid := inj.walkedMid(elapsed)
	halfSpread := mid.Mul(decimal.NewFromFloat(inj.scenario.SpreadBp)).Div(decimal.NewFromInt(10000))
	bid := mid.Sub(halfSpread)
	ask := mid.Add(halfSpread)
	ts := time.Now()

	rows := []marketdata.BookRow{
		{Side: "buy", Price: bid, Size: inj.scenario.LevelSize, Ts: ts},
		{Side: "sell", Price: ask, Size: inj.scenario.LevelSize, Ts: ts},
	}
	inj.books.ReplaceBook(types.InstSpot, inj.scenario.SpotSymbol, rows)
	inj.books.ReplaceBook(types.InstUSDTFutures, inj.scenario.PerpSymbol, rows)
}

// walkedMid computes a deterministic sinusoidal mid around BaseMid so
// repeated runs of the same scenario produce identical book snapshots at
// identical elapsed offsets.
func (inj *Injector) walkedMid(elapsed time.Duration) decimal.Decimal {
	s := inj.scenario
	if s.PeriodSec <= 0 || s.AmplitudeBp == 0 {
		return s.BaseMid
	}
	phase := 2 * math.Pi * elapsed.Seconds() / s.PeriodSec
	deviationBp := s.AmplitudeBp * math.Sin(phase)
	factor := decimal.NewFromFloat(1.0 + deviationBp/10000.0)
	return s.BaseMid.Mul(factor)
}

func (inj *Injector) pushDueFills(elapsed time.Duration) {
	for i, f := range inj.scenario.Fills {
		if inj.firedFills[i] || elapsed < f.At {
			continue
		}
		inj.firedFills[i] = true
		inj.fills.AddFill(f.Row)
	}
}
