package oms

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantedge/bitget-mm/internal/types"
)

// TicketState is a HedgeTicket's lifecycle stage. A ticket starts Open
// and transitions exactly once to either Done (fully filled) or Failed
// (unwind exhausted or abandoned); there is no path back to Open.
type TicketState string

const (
	TicketOpen   TicketState = "open"
	TicketDone   TicketState = "done"
	TicketFailed TicketState = "failed"
)

// HedgeTicket tracks one outstanding spot hedge obligation created in
// response to a perpetual fill. It chases the touch up to MaxTries times
// before attempting an unwind (a market order flattening the perp leg
// back out) when the hedge cannot be filled in time. This lifecycle has
// no equivalent in the Python original, which fires a single best-effort
// IOC hedge and gives up; it is new surface built to satisfy the bounded
// unhedged-exposure requirement.
// HedgeTicket's fields are mutated from both the fill-monitor loop
// (ApplyFill) and the strategy loop (ProcessHedgeTickets's chase/unwind
// path), so every field access goes through the ticket's own mutex —
// the OMS-level lock only protects the owning table and its indices, not
// the individual tickets reachable from it.
type HedgeTicket struct {
	mu sync.Mutex

	ID            string
	Symbol        string
	Side          types.Side
	TargetSize    decimal.Decimal
	FilledSize    decimal.Decimal
	State         TicketState
	Tries         int
	MaxTries      int
	Deadline      time.Time
	AggressiveBps float64
	ChaseSlipBps  float64
	LastClientOID string
	CreatedAt     time.Time
	PerpFillCycle int64
}

// Remaining returns the unfilled portion of the hedge target.
func (t *HedgeTicket) Remaining() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked()
}

func (t *HedgeTicket) remainingLocked() decimal.Decimal {
	return t.TargetSize.Sub(t.FilledSize)
}

// IsTerminal reports whether the ticket has reached Done or Failed.
func (t *HedgeTicket) IsTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State == TicketDone || t.State == TicketFailed
}

// ApplyFill records a partial or full fill against the ticket, marking it
// Done once the remaining size is non-positive. Returns true if this fill
// transitioned the ticket to Done.
func (t *HedgeTicket) ApplyFill(size decimal.Decimal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.FilledSize = t.FilledSize.Add(size)
	if t.remainingLocked().Sign() <= 0 && t.State == TicketOpen {
		t.State = TicketDone
		return true
	}
	return false
}

// Expired reports whether the ticket's chase deadline has passed.
func (t *HedgeTicket) Expired(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}

// MarkDone transitions an Open ticket to Done if it is not already
// terminal. Returns true if this call performed the transition.
func (t *HedgeTicket) MarkDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State == TicketOpen {
		t.State = TicketDone
		return true
	}
	return false
}

// MarkFailed transitions the ticket to Failed.
func (t *HedgeTicket) MarkFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.State = TicketFailed
}

// snapshot returns copies of the fields needed to price and log a hedge
// attempt without holding the lock across I/O.
func (t *HedgeTicket) snapshot() (side types.Side, remain decimal.Decimal, tries, maxTries int, aggressiveBps, chaseSlipBps float64, perpFillCycle int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Side, t.remainingLocked(), t.Tries, t.MaxTries, t.AggressiveBps, t.ChaseSlipBps, t.PerpFillCycle
}

// beginAttempt increments Tries and records the client-oid used for this
// attempt, returning the try count that was just consumed and whether
// this was the first attempt.
func (t *HedgeTicket) beginAttempt(clientOID string) (tries int, firstTry bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	firstTry = t.Tries == 0
	t.Tries++
	t.LastClientOID = clientOID
	return t.Tries, firstTry
}

// extendDeadline resets the chase deadline to now+d.
func (t *HedgeTicket) extendDeadline(now time.Time, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Deadline = now.Add(d)
}
