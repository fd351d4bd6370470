package bitget

import (
	"sync"
	"time"

	"github.com/quantedge/bitget-mm/internal/marketdata"
	"github.com/quantedge/bitget-mm/internal/types"
)

// bookKey identifies one instrument's book rows within the store.
type bookKey struct {
	instType types.InstType
	symbol   string
}

const maxFillRows = 5000

// DataStore is the in-process push-data cache the public/private WS
// handlers write into and the strategy/gateway read from, replacing
// pybotters.BitgetV2DataStore with a small dependency-free equivalent.
type DataStore struct {
	mu        sync.RWMutex
	books     map[bookKey][]marketdata.BookRow
	fills     []map[string]interface{}
	positions map[string]map[string]interface{} // keyed by "{symbol}:{holdSide}"
}

// NewDataStore constructs an empty store.
func NewDataStore() *DataStore {
	return &DataStore{
		books:     make(map[bookKey][]marketdata.BookRow),
		positions: make(map[string]map[string]interface{}),
	}
}

// ReplaceBook overwrites the cached rows for one instrument's book, as
// done on every "books"/"books5" snapshot or delta push.
func (s *DataStore) ReplaceBook(inst types.InstType, symbol string, rows []marketdata.BookRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[bookKey{inst, symbol}] = rows
}

// Snapshot returns the current depth-levels snapshot for one instrument.
func (s *DataStore) Snapshot(inst types.InstType, symbol string, levels int) (types.BookSnapshot, bool) {
	s.mu.RLock()
	rows := append([]marketdata.BookRow(nil), s.books[bookKey{inst, symbol}]...)
	s.mu.RUnlock()
	if len(rows) == 0 {
		return types.BookSnapshot{}, false
	}
	return marketdata.SnapshotFromRows(rows, levels)
}

// Clear empties the book cache entirely; used when falling back from the
// "books" channel to "books5" after the full-depth book fails to
// bootstrap in time.
func (s *DataStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books = make(map[bookKey][]marketdata.BookRow)
}

// Ready reports whether both sides of the given instrument's book are
// populated.
func (s *DataStore) Ready(inst types.InstType, symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.books[bookKey{inst, symbol}]
	if len(rows) == 0 {
		return false
	}
	hasBid, hasAsk := false, false
	for _, r := range rows {
		switch r.Side {
		case "buy", "bid":
			hasBid = true
		case "sell", "ask":
			hasAsk = true
		}
	}
	return hasBid && hasAsk
}

// AddFill appends one raw private fill/trade row, as pushed on the
// "fill" channel, trimming the oldest rows once the store exceeds
// maxFillRows.
func (s *DataStore) AddFill(row map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, row)
	if len(s.fills) > maxFillRows {
		s.fills = s.fills[len(s.fills)-maxFillRows:]
	}
}

// FillRows returns a copy of the currently buffered fill rows, as
// monitor_fills's poll body reads via store.fill.find() in the Python
// original.
func (s *DataStore) FillRows() []map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]map[string]interface{}, len(s.fills))
	copy(out, s.fills)
	return out
}

// UpsertPosition records/replaces one account-position row pushed on the
// "positions" channel, keyed by symbol and hold side.
func (s *DataStore) UpsertPosition(symbol, holdSide string, row map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[symbol+":"+holdSide] = row
}

// PositionRows returns every buffered position row for symbol.
func (s *DataStore) PositionRows(symbol string) []map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []map[string]interface{}
	for key, row := range s.positions {
		if len(key) > len(symbol) && key[:len(symbol)] == symbol && key[len(symbol)] == ':' {
			rows = append(rows, row)
		}
	}
	return rows
}

// LastUpdate returns the most recent row timestamp for the instrument.
func (s *DataStore) LastUpdate(inst types.InstType, symbol string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.books[bookKey{inst, symbol}]
	if len(rows) == 0 {
		return time.Time{}, false
	}
	var latest time.Time
	for _, r := range rows {
		if r.Ts.After(latest) {
			latest = r.Ts
		}
	}
	return latest, true
}
