package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/quantedge/bitget-mm/internal/types"
)

// FundingSource fetches the latest funding-rate observation for the
// configured perpetual. Implemented by the exchange gateway.
type FundingSource interface {
	FetchFunding(ctx context.Context) (types.FundingInfo, error)
}

// FundingCache polls a FundingSource on an interval and serves the
// last-known value between polls, so a transient REST failure never
// blocks the strategy loop on a missing funding rate.
type FundingCache struct {
	source  FundingSource
	pollSec float64

	mu   sync.RWMutex
	last *types.FundingInfo
}

// NewFundingCache constructs a cache polling source every pollSec seconds.
func NewFundingCache(source FundingSource, pollSec float64) *FundingCache {
	return &FundingCache{source: source, pollSec: pollSec}
}

// Last returns the most recent successfully-fetched funding observation,
// or false if none has landed yet.
func (f *FundingCache) Last() (types.FundingInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.last == nil {
		return types.FundingInfo{}, false
	}
	return *f.last, true
}

// Run polls until ctx is cancelled. Fetch errors are swallowed so the last
// known value keeps serving; the caller's logger should record them via
// UpdateOnce's return value if tighter visibility is needed.
func (f *FundingCache) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(f.pollSec * float64(time.Second)))
	defer ticker.Stop()

	_ = f.UpdateOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = f.UpdateOnce(ctx)
		}
	}
}

// UpdateOnce performs a single fetch-and-store cycle.
func (f *FundingCache) UpdateOnce(ctx context.Context) error {
	info, err := f.source.FetchFunding(ctx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.last = &info
	f.mu.Unlock()
	return nil
}
