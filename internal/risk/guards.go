// Package risk implements the guard rails that gate every strategy cycle:
// cooldown windows, staleness checks, unhedged-exposure breach detection,
// reject-streak halting, and the latched halt state itself. Grounded on
// original_source/bot/risk/guards.py.
package risk

import (
	"sync"
	"time"

	"github.com/quantedge/bitget-mm/internal/config"
)

// Guards is safe for concurrent use; the strategy loop and the OMS fill
// handler both touch it.
type Guards struct {
	cfg config.RiskConfig

	mu            sync.Mutex
	cooldownUntil time.Time
	halted        bool
	haltReason    string
	haltTs        time.Time
	rejectStreak  int
}

// New constructs a Guards with no cooldown or halt in effect.
func New(cfg config.RiskConfig) *Guards {
	return &Guards{cfg: cfg}
}

// InCooldown reports whether now is still within a previously-set cooldown
// window.
func (g *Guards) InCooldown(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return now.Before(g.cooldownUntil)
}

// SetCooldown starts a cooldown window of RiskConfig.CooldownSec from now.
func (g *Guards) SetCooldown(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cooldownUntil = now.Add(time.Duration(g.cfg.CooldownSec * float64(time.Second)))
}

// Halt latches the halt state; once set it never clears itself, mirroring
// the Python original — only a fresh process restart resets it.
func (g *Guards) Halt(reason string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted = true
	g.haltReason = reason
	g.haltTs = now
}

// IsHalted reports whether the halt state is latched.
func (g *Guards) IsHalted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted
}

// HaltReason returns the reason passed to the triggering Halt call, or ""
// if not halted.
func (g *Guards) HaltReason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.haltReason
}

// HaltTs returns the time Halt was called, or the zero time if not halted.
func (g *Guards) HaltTs() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.haltTs
}

// RejectStreak returns the current consecutive-reject count.
func (g *Guards) RejectStreak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rejectStreak
}

// RecordOrderResult updates the reject streak and, once it reaches
// RiskConfig.RejectStreakLimit, latches a halt with reason
// "reject_streak". Returns the streak count after the update.
func (g *Guards) RecordOrderResult(ok bool, now time.Time) int {
	g.mu.Lock()
	if ok {
		g.rejectStreak = 0
		g.mu.Unlock()
		return 0
	}
	g.rejectStreak++
	streak := g.rejectStreak
	limit := g.cfg.RejectStreakLimit
	g.mu.Unlock()

	if streak >= limit {
		g.Halt("reject_streak", now)
	}
	return streak
}

// Stale reports whether lastTs is missing or older than the configured
// staleness threshold. BookStaleSec overrides StaleSec when set.
func (g *Guards) Stale(lastTs *time.Time, now time.Time) bool {
	if lastTs == nil {
		return true
	}
	staleSec := g.cfg.StaleSec
	if g.cfg.BookStaleSec != nil {
		staleSec = *g.cfg.BookStaleSec
	}
	return now.Sub(*lastTs) > time.Duration(staleSec*float64(time.Second))
}

// UnhedgedExceeded reports whether the current unhedged notional breaches
// the configured notional ceiling, or has persisted beyond the configured
// duration ceiling.
func (g *Guards) UnhedgedExceeded(unhedgedNotional float64, unhedgedSince *time.Time, now time.Time) bool {
	if unhedgedNotional <= 0 {
		return false
	}
	if unhedgedNotional >= g.cfg.MaxUnhedgedNotional {
		return true
	}
	if unhedgedSince == nil {
		return false
	}
	return now.Sub(*unhedgedSince) >= time.Duration(g.cfg.MaxUnhedgedSec*float64(time.Second))
}
