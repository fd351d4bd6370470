package bitget

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantedge/bitget-mm/internal/marketdata"
	"github.com/quantedge/bitget-mm/internal/types"
)

func TestDataStoreReadyAndSnapshot(t *testing.T) {
	s := NewDataStore()
	assert.False(t, s.Ready(types.InstSpot, "ETHUSDT"))

	now := time.Now()
	s.ReplaceBook(types.InstSpot, "ETHUSDT", []marketdata.BookRow{
		{Side: "buy", Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1), Ts: now},
		{Side: "sell", Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(1), Ts: now},
	})

	assert.True(t, s.Ready(types.InstSpot, "ETHUSDT"))
	snap, ok := s.Snapshot(types.InstSpot, "ETHUSDT", 0)
	require.True(t, ok)
	assert.True(t, snap.Valid())

	last, ok := s.LastUpdate(types.InstSpot, "ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, now.Unix(), last.Unix())
}

func TestDataStoreClear(t *testing.T) {
	s := NewDataStore()
	s.ReplaceBook(types.InstSpot, "ETHUSDT", []marketdata.BookRow{
		{Side: "buy", Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1), Ts: time.Now()},
	})
	s.Clear()
	assert.False(t, s.Ready(types.InstSpot, "ETHUSDT"))
}
