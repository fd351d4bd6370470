package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quantedge/bitget-mm/internal/config"
)

func testConfig() config.RiskConfig {
	return config.RiskConfig{
		StaleSec:            5,
		MaxUnhedgedSec:      30,
		MaxUnhedgedNotional: 500,
		CooldownSec:         15,
		RejectStreakLimit:   3,
	}
}

func TestCooldown(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	assert.False(t, g.InCooldown(now))

	g.SetCooldown(now)
	assert.True(t, g.InCooldown(now.Add(5*time.Second)))
	assert.False(t, g.InCooldown(now.Add(20*time.Second)))
}

func TestRecordOrderResultHaltsAtStreakLimit(t *testing.T) {
	g := New(testConfig())
	now := time.Now()

	assert.Equal(t, 1, g.RecordOrderResult(false, now))
	assert.Equal(t, 2, g.RecordOrderResult(false, now))
	assert.False(t, g.IsHalted())
	assert.Equal(t, 3, g.RecordOrderResult(false, now))
	assert.True(t, g.IsHalted())
	assert.Equal(t, "reject_streak", g.HaltReason())
}

func TestRecordOrderResultOkResetsStreak(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	g.RecordOrderResult(false, now)
	g.RecordOrderResult(false, now)
	assert.Equal(t, 0, g.RecordOrderResult(true, now))
	assert.Equal(t, 0, g.RejectStreak())
}

func TestHaltIsLatched(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	g.Halt("manual", now)
	assert.True(t, g.IsHalted())
	// Further order successes must not clear the halt.
	g.RecordOrderResult(true, now)
	assert.True(t, g.IsHalted())
}

func TestStale(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	assert.True(t, g.Stale(nil, now), "nil timestamp is always stale")

	fresh := now.Add(-1 * time.Second)
	assert.False(t, g.Stale(&fresh, now))

	old := now.Add(-10 * time.Second)
	assert.True(t, g.Stale(&old, now))
}

func TestStaleUsesBookStaleSecOverride(t *testing.T) {
	cfg := testConfig()
	override := 1.0
	cfg.BookStaleSec = &override
	g := New(cfg)

	now := time.Now()
	ts := now.Add(-2 * time.Second)
	assert.True(t, g.Stale(&ts, now), "book_stale_sec override should apply")
}

func TestUnhedgedExceededByNotional(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	assert.True(t, g.UnhedgedExceeded(600, nil, now))
	assert.False(t, g.UnhedgedExceeded(0, nil, now))
}

func TestUnhedgedExceededByDuration(t *testing.T) {
	g := New(testConfig())
	now := time.Now()
	since := now.Add(-60 * time.Second)
	assert.True(t, g.UnhedgedExceeded(100, &since, now))

	recent := now.Add(-1 * time.Second)
	assert.False(t, g.UnhedgedExceeded(100, &recent, now))
}
