package marketdata

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantedge/bitget-mm/internal/types"
)

type fakeFundingSource struct {
	calls  int32
	rate   decimal.Decimal
	failOn int32 // if > 0, call number that should fail
}

func (f *fakeFundingSource) FetchFunding(ctx context.Context) (types.FundingInfo, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.failOn > 0 && n == f.failOn {
		return types.FundingInfo{}, errors.New("fetch failed")
	}
	return types.FundingInfo{Rate: f.rate, ObservedAt: time.Now()}, nil
}

func TestFundingCacheUpdateOnce(t *testing.T) {
	src := &fakeFundingSource{rate: mustDec("0.0001")}
	cache := NewFundingCache(src, 60)

	_, ok := cache.Last()
	assert.False(t, ok, "no value before first update")

	require.NoError(t, cache.UpdateOnce(context.Background()))

	info, ok := cache.Last()
	require.True(t, ok)
	assert.True(t, info.Rate.Equal(mustDec("0.0001")))
}

func TestFundingCacheKeepsLastValueOnError(t *testing.T) {
	src := &fakeFundingSource{rate: mustDec("0.0002"), failOn: 2}
	cache := NewFundingCache(src, 60)

	require.NoError(t, cache.UpdateOnce(context.Background()))
	err := cache.UpdateOnce(context.Background())
	assert.Error(t, err)

	info, ok := cache.Last()
	require.True(t, ok)
	assert.True(t, info.Rate.Equal(mustDec("0.0002")), "last known value should survive a failed poll")
}
